// Command server runs the soil-moisture sentinel: it ingests device
// telemetry from the message broker, evaluates risk, raises and dispatches
// alerts, scans sensor health and serves the operator API. It shuts down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/soilwatch/sentinel/internal/alerting"
	"github.com/soilwatch/sentinel/internal/analytics"
	"github.com/soilwatch/sentinel/internal/audit"
	"github.com/soilwatch/sentinel/internal/broker"
	"github.com/soilwatch/sentinel/internal/config"
	"github.com/soilwatch/sentinel/internal/events"
	"github.com/soilwatch/sentinel/internal/fleet"
	"github.com/soilwatch/sentinel/internal/health"
	"github.com/soilwatch/sentinel/internal/ingest"
	"github.com/soilwatch/sentinel/internal/notify"
	"github.com/soilwatch/sentinel/internal/queue"
	"github.com/soilwatch/sentinel/internal/server/rest"
	"github.com/soilwatch/sentinel/internal/server/storage"
	"github.com/soilwatch/sentinel/internal/server/websocket"
	"github.com/soilwatch/sentinel/internal/supervisor"
)

// dispatchDrainTimeout bounds how long in-flight notifications may take to
// finish after the supervisor tree has stopped.
const dispatchDrainTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("SENTINEL_CONFIG"), "path to the YAML configuration file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("sentinel exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("sentinel exited cleanly")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger.Info("sentinel starting",
		slog.String("http_addr", cfg.HTTP.Addr),
		slog.String("topic_prefix", cfg.Broker.TopicPrefix),
	)

	// ── PostgreSQL storage ────────────────────────────────────────────────────
	store, err := storage.New(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate storage: %w", err)
	}
	logger.Info("PostgreSQL storage ready")

	if cfg.Fleet.File != "" {
		sensors, err := fleet.Load(cfg.Fleet.File)
		if err != nil {
			return err
		}
		if err := fleet.Provision(ctx, store, sensors, logger); err != nil {
			return err
		}
	}

	// ── Broker ────────────────────────────────────────────────────────────────
	brokerURL := cfg.Broker.URL
	if e := cfg.Broker.Embedded; e.Enabled {
		if e.StoreDir != "" {
			if err := os.MkdirAll(e.StoreDir, 0o750); err != nil {
				return fmt.Errorf("create broker store dir: %w", err)
			}
		}
		emb, err := broker.StartEmbedded(broker.EmbeddedOptions{
			Host:     e.Host,
			Port:     e.Port,
			MQTTPort: e.MQTTPort,
			StoreDir: e.StoreDir,
		}, logger)
		if err != nil {
			return err
		}
		defer emb.Shutdown()
		brokerURL = emb.ClientURL()
	}
	brokerOpts := broker.Options{
		URL:           brokerURL,
		Name:          cfg.Broker.ClientName,
		ReconnectWait: cfg.Broker.ReconnectWait,
		MaxReconnects: cfg.Broker.MaxReconnects,
	}

	// ── Local stores ──────────────────────────────────────────────────────────
	if err := ensureParent(cfg.Ingest.DeadLetterPath); err != nil {
		return err
	}
	deadLetters, err := queue.New(cfg.Ingest.DeadLetterPath)
	if err != nil {
		return err
	}
	defer deadLetters.Close()

	var (
		alertJournal  alerting.Journal
		notifyJournal notify.Journal
	)
	if cfg.Alerts.AuditPath != "" {
		if err := ensureParent(cfg.Alerts.AuditPath); err != nil {
			return err
		}
		journal, err := audit.Open(cfg.Alerts.AuditPath)
		if err != nil {
			return err
		}
		defer journal.Close()
		alertJournal, notifyJournal = journal, journal
	}

	// ── Event sinks ───────────────────────────────────────────────────────────
	broadcaster := websocket.NewBroadcaster(logger, cfg.Events.WSBuffer)
	defer broadcaster.Close()
	publisher := events.Fanout{broadcaster}

	if cfg.Events.SubjectPrefix != "" {
		relayOpts := brokerOpts
		relayOpts.Name = cfg.Broker.ClientName + "-events"
		relayOpts.MaxReconnects = -1
		relayConn, err := broker.Connect(relayOpts, logger, nats.RetryOnFailedConnect(true))
		if err != nil {
			logger.Warn("event relay disabled", slog.Any("error", err))
		} else {
			defer relayConn.Close()
			publisher = append(publisher, events.NewNATSRelay(relayConn, cfg.Events.SubjectPrefix, logger))
		}
	}

	// ── Notifications ─────────────────────────────────────────────────────────
	var directory notify.Directory = store
	if cfg.Notifications.Recipients.Source == "file" {
		fd, err := notify.LoadFileDirectory(cfg.Notifications.Recipients.File)
		if err != nil {
			return err
		}
		directory = fd
	}
	nc := cfg.Notifications
	dispatcher := notify.NewDispatcher(directory,
		buildChannel(notify.ChannelEmail, nc.Email, nc.Breaker, logger),
		buildChannel(notify.ChannelSMS, nc.SMS, nc.Breaker, logger),
		store, notifyJournal, logger,
		notify.Options{Workers: nc.Workers, QueueSize: nc.QueueSize},
	)
	dispatcher.Start()
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), dispatchDrainTimeout)
		defer cancel()
		if err := dispatcher.Shutdown(drainCtx); err != nil {
			logger.Warn("notification drain incomplete", slog.Any("error", err))
		}
	}()

	// ── Pipeline ──────────────────────────────────────────────────────────────
	manager := alerting.NewManager(store, dispatcher, publisher, alertJournal, logger, alerting.Options{
		DedupWindow:       cfg.Alerts.DedupWindow,
		NotifyTransitions: cfg.Alerts.NotifyTransitions,
	})
	ac := cfg.Analytics
	detector := analytics.NewDetector(store, ac.AnomalyWindow, ac.AnomalyMinSamples, ac.AnomalyZLimit)
	estimator := analytics.NewEstimator(store, ac.TrendWindow, ac.PredictionWindow, ac.PredictionHorizon)
	processor := ingest.NewProcessor(store, detector, estimator, manager, publisher, deadLetters, logger)

	gateway := ingest.NewGateway(brokerOpts, ingest.Config{
		Prefix:     cfg.Broker.TopicPrefix,
		Workers:    cfg.Ingest.Workers,
		QueueSize:  cfg.Ingest.QueueSize,
		MaxBackoff: cfg.Broker.MaxBackoff,
	}, processor, logger)

	monitor := health.NewMonitor(store, manager, publisher, logger, health.Options{
		Interval:       cfg.Health.Interval,
		InitialDelay:   cfg.Health.InitialDelay,
		StaleAfter:     cfg.Health.StaleAfter,
		LowBattery:     cfg.Health.LowBattery,
		ThresholdSweep: cfg.Health.ThresholdSweep,
	})

	// ── Operator API ──────────────────────────────────────────────────────────
	restSrv := rest.NewServer(rest.Deps{
		Alerts:      manager,
		Sensors:     store,
		Trends:      estimator,
		Controller:  gateway,
		DeadLetters: deadLetters,
		Checks: []rest.Check{
			{Name: "database", Probe: store.Ping},
			{Name: "broker", Probe: func(context.Context) error {
				if !gateway.Connected() {
					return ingest.ErrNotConnected
				}
				return nil
			}},
		},
	}, logger)
	httpServer := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: rest.NewRouter(restSrv, rest.RouterOptions{
			CORSOrigins: cfg.HTTP.CORSOrigins,
			RateLimit:   cfg.HTTP.RateLimit,
			WebSocket:   websocket.NewHandler(broadcaster, logger, 0, cfg.HTTP.CORSOrigins),
		}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// ── Supervision ───────────────────────────────────────────────────────────
	sc := cfg.Supervisor
	tree := supervisor.NewTree(logger, supervisor.TreeConfig{
		FailureThreshold: sc.FailureThreshold,
		FailureDecay:     sc.FailureDecay,
		FailureBackoff:   sc.FailureBackoff,
		ShutdownTimeout:  sc.ShutdownTimeout,
	})
	tree.AddIngestService(gateway)
	tree.AddIngestService(monitor)
	tree.AddAPIService(supervisor.NewHTTPService(httpServer, sc.ShutdownTimeout))

	logger.Info("HTTP API listening", slog.String("addr", cfg.HTTP.Addr))
	err = tree.Serve(ctx)
	logger.Info("shutting down")

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, u := range report {
			logger.Warn("service did not stop in time", slog.String("service", u.Name))
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildChannel returns the guarded delivery channel for cfg, or nil when the
// channel is disabled. Without a webhook URL the channel only logs.
func buildChannel(name string, cfg config.ChannelConfig, br config.BreakerConfig, logger *slog.Logger) notify.Channel {
	if !cfg.Enabled {
		return nil
	}
	var inner notify.Channel
	if cfg.WebhookURL != "" {
		inner = notify.NewWebhookChannel(name, cfg.WebhookURL, cfg.From, cfg.Timeout)
	} else {
		logger.Warn("no webhook configured; channel will only log", slog.String("channel", name))
		inner = notify.NewLogChannel(name, logger)
	}
	return notify.NewGuard(inner, notify.GuardOptions{
		Rate:        cfg.Rate,
		Burst:       cfg.Burst,
		MaxFailures: br.MaxFailures,
		OpenTimeout: br.OpenTimeout,
	}, logger)
}

func ensureParent(path string) error {
	if path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	return nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
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
