// Package simulator drives a fleet of synthetic soil-moisture sensors that
// publish data and status messages to the broker, in the same shape field
// devices use. It exists for demos and load testing of the ingestion path.
package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Publisher is the subset of *nats.Conn the simulator uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type device struct {
	id       string
	moisture float64
	battery  float64
}

// Stats counts what one Tick published.
type Stats struct {
	Data   int
	Status int
	Errors int
}

// Simulator publishes one data message per device per tick and a status
// message every statusEvery ticks.
type Simulator struct {
	pub    Publisher
	logger *slog.Logger

	prefix      string
	interval    time.Duration
	limiter     *rate.Limiter
	volatility  float64
	drift       float64
	drain       float64
	statusEvery int
	seed        uint64

	mu      sync.Mutex
	rng     *rand.Rand
	devices []*device
	ticks   int
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithPrefix sets the subject prefix (default "sensors").
func WithPrefix(p string) Option {
	return func(s *Simulator) { s.prefix = p }
}

// WithInterval sets the time between ticks for Run (default 10s).
func WithInterval(d time.Duration) Option {
	return func(s *Simulator) { s.interval = d }
}

// WithRate caps publishing at perSecond messages with the given burst.
func WithRate(perSecond float64, burst int) Option {
	return func(s *Simulator) { s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithVolatility sets the standard deviation of the per-tick moisture step
// in percentage points (default 1.5).
func WithVolatility(v float64) Option {
	return func(s *Simulator) { s.volatility = v }
}

// WithDrift adds a constant per-tick moisture change, for example to drive
// sensors towards their alert thresholds.
func WithDrift(d float64) Option {
	return func(s *Simulator) { s.drift = d }
}

// WithBatteryDrain sets the battery percentage lost per tick (default 0.05).
func WithBatteryDrain(d float64) Option {
	return func(s *Simulator) { s.drain = d }
}

// WithStatusEvery sends a status report every n ticks (default 6). Zero
// disables status reports.
func WithStatusEvery(n int) Option {
	return func(s *Simulator) { s.statusEvery = n }
}

// WithSeed makes the random walk reproducible.
func WithSeed(seed uint64) Option {
	return func(s *Simulator) { s.seed = seed }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) { s.logger = l }
}

// WithStart sets the initial moisture and battery of every device.
// Without it devices start between 25 and 45 percent moisture with a full
// battery.
func WithStart(moisture, battery float64) Option {
	return func(s *Simulator) {
		for _, d := range s.devices {
			d.moisture, d.battery = moisture, battery
		}
	}
}

// New creates a simulator for the given sensor ids.
func New(pub Publisher, sensorIDs []string, opts ...Option) *Simulator {
	s := &Simulator{
		pub:         pub,
		logger:      slog.Default(),
		prefix:      "sensors",
		interval:    10 * time.Second,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		volatility:  1.5,
		drain:       0.05,
		statusEvery: 6,
		seed:        uint64(time.Now().UnixNano()),
	}
	for _, id := range sensorIDs {
		s.devices = append(s.devices, &device{id: id, moisture: -1, battery: 100})
	}
	for _, opt := range opts {
		opt(s)
	}
	s.rng = rand.New(rand.NewPCG(s.seed, s.seed^0x9e3779b97f4a7c15))
	for _, d := range s.devices {
		if d.moisture < 0 {
			d.moisture = 25 + s.rng.Float64()*20
		}
	}
	return s
}

// Run ticks until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	s.logger.Info("simulator: started",
		slog.Int("devices", len(s.devices)),
		slog.Duration("interval", s.interval),
	)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		st, err := s.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.logger.Debug("simulator: tick",
			slog.Int("data", st.Data),
			slog.Int("status", st.Status),
			slog.Int("errors", st.Errors),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Tick advances every device one step and publishes its messages. Publish
// failures are logged and counted. An error is returned only when the rate
// limiter gives up because ctx ends.
func (s *Simulator) Tick(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticks++
	sendStatus := s.statusEvery > 0 && s.ticks%s.statusEvery == 0

	var st Stats
	for _, d := range s.devices {
		s.step(d)

		if err := s.limiter.Wait(ctx); err != nil {
			return st, err
		}
		if err := s.send(d.id, "data", s.dataMessage(d)); err != nil {
			st.Errors++
		} else {
			st.Data++
		}

		if !sendStatus {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return st, err
		}
		if err := s.send(d.id, "status", s.statusMessage(d)); err != nil {
			st.Errors++
		} else {
			st.Status++
		}
	}
	return st, nil
}

func (s *Simulator) step(d *device) {
	d.moisture += s.rng.NormFloat64()*s.volatility + s.drift
	d.moisture = math.Min(100, math.Max(0, d.moisture))
	d.battery = math.Max(0, d.battery-s.drain)
}

func (s *Simulator) send(sensorID, kind string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("simulator: marshal %s: %w", kind, err)
	}
	subject := s.prefix + "." + sensorID + "." + kind
	if err := s.pub.Publish(subject, body); err != nil {
		s.logger.Warn("simulator: publish failed",
			slog.String("subject", subject),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

type measurement struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

type moistureMsg struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
	Depth float64 `json:"depth"`
}

type readingsMsg struct {
	Moisture    moistureMsg `json:"moisture"`
	Temperature measurement `json:"temperature"`
	Humidity    measurement `json:"humidity"`
}

type deviceMsg struct {
	Battery  float64 `json:"battery"`
	Signal   float64 `json:"signal"`
	Firmware string  `json:"firmware"`
}

type dataMsg struct {
	MessageID string      `json:"messageId"`
	Readings  readingsMsg `json:"readings"`
	Device    deviceMsg   `json:"device"`
}

func (s *Simulator) dataMessage(d *device) dataMsg {
	return dataMsg{
		MessageID: uuid.NewString(),
		Readings: readingsMsg{
			Moisture:    moistureMsg{Value: round1(d.moisture), Unit: "%", Depth: 30},
			Temperature: measurement{Value: round1(12 + s.rng.Float64()*10), Unit: "C"},
			Humidity:    measurement{Value: round1(50 + s.rng.Float64()*40), Unit: "%"},
		},
		Device: deviceMsg{
			Battery:  round1(d.battery),
			Signal:   s.signal(),
			Firmware: "sim-1.0",
		},
	}
}

type batteryMsg struct {
	Level        float64 `json:"level"`
	Voltage      float64 `json:"voltage"`
	SolarEnabled bool    `json:"solarEnabled"`
}

type signalMsg struct {
	Strength float64 `json:"strength"`
	Quality  string  `json:"quality"`
}

type statusMsg struct {
	MessageID string     `json:"messageId"`
	Battery   batteryMsg `json:"battery"`
	Signal    signalMsg  `json:"signal"`
	Health    string     `json:"health"`
}

func (s *Simulator) statusMessage(d *device) statusMsg {
	strength := s.signal()
	health := "healthy"
	switch {
	case d.battery < 5:
		health = "critical"
	case d.battery < 20:
		health = "warning"
	}
	return statusMsg{
		MessageID: uuid.NewString(),
		Battery: batteryMsg{
			Level:        round1(d.battery),
			Voltage:      round1(3.0 + 1.2*d.battery/100),
			SolarEnabled: true,
		},
		Signal: signalMsg{Strength: strength, Quality: quality(strength)},
		Health: health,
	}
}

// signal returns an RSSI in dBm between -95 and -55.
func (s *Simulator) signal() float64 {
	return round1(-55 - s.rng.Float64()*40)
}

func quality(rssi float64) string {
	switch {
	case rssi >= -65:
		return "excellent"
	case rssi >= -75:
		return "good"
	case rssi >= -85:
		return "fair"
	}
	return "poor"
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

// Moisture returns the current simulated moisture of sensorID, and false for
// an unknown id.
func (s *Simulator) Moisture(sensorID string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.id == sensorID {
			return d.moisture, true
		}
	}
	return 0, false
}
