// Command simulator publishes synthetic soil-moisture telemetry for a fleet
// of sensors to the broker. Sensor ids come from a fleet inventory file or
// are generated as SIM-001, SIM-002, ...
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soilwatch/sentinel/internal/broker"
	"github.com/soilwatch/sentinel/internal/fleet"
	"github.com/soilwatch/sentinel/internal/simulator"
)

func main() {
	var (
		url         = flag.String("url", "nats://127.0.0.1:4222", "broker URL")
		prefix      = flag.String("prefix", "sensors", "subject prefix")
		fleetFile   = flag.String("fleet", "", "fleet inventory YAML; overrides -sensors")
		count       = flag.Int("sensors", 10, "number of generated sensors when -fleet is empty")
		interval    = flag.Duration("interval", 10*time.Second, "time between ticks")
		perSecond   = flag.Float64("rate", 50, "maximum messages per second")
		volatility  = flag.Float64("volatility", 1.5, "standard deviation of the moisture step")
		drift       = flag.Float64("drift", 0, "moisture change per tick, in percentage points")
		drain       = flag.Float64("drain", 0.05, "battery drain per tick, in percent")
		statusEvery = flag.Int("status-every", 6, "send a status report every n ticks; 0 disables")
		seed        = flag.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
		logLevel    = flag.String("log-level", "info", "log level: debug | info | warn | error")
	)
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	ids, err := sensorIDs(*fleetFile, *count)
	if err != nil {
		logger.Error("cannot determine sensors", slog.Any("error", err))
		os.Exit(1)
	}

	conn, err := broker.Connect(broker.Options{URL: *url, Name: "sentinel-simulator", MaxReconnects: -1}, logger)
	if err != nil {
		logger.Error("cannot connect to broker", slog.Any("error", err))
		os.Exit(1)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	sim := simulator.New(conn, ids,
		simulator.WithPrefix(*prefix),
		simulator.WithInterval(*interval),
		simulator.WithRate(*perSecond, max(1, int(*perSecond))),
		simulator.WithVolatility(*volatility),
		simulator.WithDrift(*drift),
		simulator.WithBatteryDrain(*drain),
		simulator.WithStatusEvery(*statusEvery),
		simulator.WithSeed(*seed),
		simulator.WithLogger(logger),
	)
	if err := sim.Run(ctx); err != nil {
		logger.Error("simulator stopped", slog.Any("error", err))
		os.Exit(1)
	}
	if err := conn.Flush(); err != nil {
		logger.Warn("flush on exit failed", slog.Any("error", err))
	}
	logger.Info("simulator exited cleanly")
}

func sensorIDs(path string, n int) ([]string, error) {
	if path != "" {
		sensors, err := fleet.Load(path)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(sensors))
		for _, sn := range sensors {
			if sn.IsActive {
				ids = append(ids, sn.SensorID)
			}
		}
		return ids, nil
	}
	if n <= 0 {
		return nil, fmt.Errorf("-sensors must be positive, got %d", n)
	}
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("SIM-%03d", i+1)
	}
	return ids, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
