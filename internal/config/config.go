// Package config provides layered configuration loading and validation for
// the Sentinel server. Values come from built-in defaults, an optional YAML
// file and SENTINEL_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of every environment override. A double underscore
// separates nesting levels: SENTINEL_HTTP__ADDR sets http.addr.
const EnvPrefix = "SENTINEL_"

// Config is the top-level configuration structure for the Sentinel server.
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error".
	LogLevel string `koanf:"log_level"`

	HTTP          HTTPConfig          `koanf:"http"`
	Database      DatabaseConfig      `koanf:"database"`
	Broker        BrokerConfig        `koanf:"broker"`
	Ingest        IngestConfig        `koanf:"ingest"`
	Fleet         FleetConfig         `koanf:"fleet"`
	Analytics     AnalyticsConfig     `koanf:"analytics"`
	Alerts        AlertsConfig        `koanf:"alerts"`
	Health        HealthConfig        `koanf:"health"`
	Notifications NotificationsConfig `koanf:"notifications"`
	Events        EventsConfig        `koanf:"events"`
	Supervisor    SupervisorConfig    `koanf:"supervisor"`
}

// HTTPConfig configures the operator API listener.
type HTTPConfig struct {
	Addr         string        `koanf:"addr"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	IdleTimeout  time.Duration `koanf:"idle_timeout"`

	// CORSOrigins lists the dashboard origins allowed to call the API and
	// open the /ws stream. Empty sends no CORS headers and accepts websocket
	// upgrades from any origin.
	CORSOrigins []string `koanf:"cors_origins"`

	// RateLimit is the per-IP request budget per minute on /api/v1.
	// Zero disables rate limiting.
	RateLimit int `koanf:"rate_limit"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	// DSN is a libpq-style connection string or postgres:// URL. Required.
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
}

// BrokerConfig configures the connection to the NATS broker that field
// devices (directly or through the MQTT bridge) publish to.
type BrokerConfig struct {
	URL           string        `koanf:"url"`
	ClientName    string        `koanf:"client_name"`
	TopicPrefix   string        `koanf:"topic_prefix"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
	MaxReconnects int           `koanf:"max_reconnects"`
	// MaxBackoff caps the delay between full reconnect attempts once the
	// client gives up its own reconnect loop.
	MaxBackoff time.Duration `koanf:"max_backoff"`

	Embedded EmbeddedBrokerConfig `koanf:"embedded"`
}

// EmbeddedBrokerConfig configures the optional in-process broker.
type EmbeddedBrokerConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	MQTTPort int    `koanf:"mqtt_port"` // 0 disables the MQTT listener
	StoreDir string `koanf:"store_dir"` // JetStream storage; required by MQTT
}

// IngestConfig sizes the ingestion worker pool.
type IngestConfig struct {
	Workers        int    `koanf:"workers"`
	QueueSize      int    `koanf:"queue_size"`
	DeadLetterPath string `koanf:"dead_letter_path"`
}

// FleetConfig points at the sensor inventory provisioned at start-up.
type FleetConfig struct {
	// File is a YAML sensor inventory. Empty skips provisioning; sensors
	// must then already exist in the database.
	File string `koanf:"file"`
}

// AnalyticsConfig tunes anomaly detection and trend estimation.
type AnalyticsConfig struct {
	AnomalyWindow     int           `koanf:"anomaly_window"`
	AnomalyMinSamples int           `koanf:"anomaly_min_samples"`
	AnomalyZLimit     float64       `koanf:"anomaly_z_limit"`
	TrendWindow       time.Duration `koanf:"trend_window"`
	PredictionWindow  time.Duration `koanf:"prediction_window"`
	PredictionHorizon time.Duration `koanf:"prediction_horizon"`
}

// AlertsConfig configures alert creation and the lifecycle journal.
type AlertsConfig struct {
	DedupWindow time.Duration `koanf:"dedup_window"`
	// AuditPath is the journal file. Empty disables journaling.
	AuditPath         string `koanf:"audit_path"`
	NotifyTransitions bool   `koanf:"notify_transitions"`
}

// HealthConfig configures the periodic sensor health scan.
type HealthConfig struct {
	Interval       time.Duration `koanf:"interval"`
	InitialDelay   time.Duration `koanf:"initial_delay"`
	StaleAfter     time.Duration `koanf:"stale_after"`
	LowBattery     float64       `koanf:"low_battery"`
	ThresholdSweep bool          `koanf:"threshold_sweep"`
}

// NotificationsConfig configures outbound alert delivery.
type NotificationsConfig struct {
	Workers    int              `koanf:"workers"`
	QueueSize  int              `koanf:"queue_size"`
	Recipients RecipientsConfig `koanf:"recipients"`
	Email      ChannelConfig    `koanf:"email"`
	SMS        ChannelConfig    `koanf:"sms"`
	Breaker    BreakerConfig    `koanf:"breaker"`
}

// RecipientsConfig selects the user directory: "database" or "file".
type RecipientsConfig struct {
	Source string `koanf:"source"`
	File   string `koanf:"file"`
}

// ChannelConfig configures one delivery channel. With an empty WebhookURL an
// enabled channel only logs what it would have sent.
type ChannelConfig struct {
	Enabled    bool          `koanf:"enabled"`
	WebhookURL string        `koanf:"webhook_url"`
	From       string        `koanf:"from"`
	Rate       float64       `koanf:"rate"` // deliveries per second
	Burst      int           `koanf:"burst"`
	Timeout    time.Duration `koanf:"timeout"`
}

// BreakerConfig configures the per-channel circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `koanf:"max_failures"`
	OpenTimeout time.Duration `koanf:"open_timeout"`
}

// EventsConfig configures the real-time event sinks.
type EventsConfig struct {
	// SubjectPrefix is the NATS subject prefix events are relayed under.
	// Empty disables the relay.
	SubjectPrefix string `koanf:"subject_prefix"`
	WSBuffer      int    `koanf:"ws_buffer"`
}

// SupervisorConfig tunes the suture restart policy.
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold"`
	FailureDecay     float64       `koanf:"failure_decay"`
	FailureBackoff   time.Duration `koanf:"failure_backoff"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			RateLimit:    300,
		},
		Database: DatabaseConfig{MaxConns: 10},
		Broker: BrokerConfig{
			URL:           "nats://127.0.0.1:4222",
			ClientName:    "sentinel",
			TopicPrefix:   "sensors",
			ReconnectWait: 2 * time.Second,
			MaxReconnects: 10,
			MaxBackoff:    60 * time.Second,
			Embedded: EmbeddedBrokerConfig{
				Host:     "127.0.0.1",
				Port:     4222,
				MQTTPort: 1883,
				StoreDir: "data/jetstream",
			},
		},
		Ingest: IngestConfig{
			Workers:        8,
			QueueSize:      256,
			DeadLetterPath: "data/deadletter.db",
		},
		Analytics: AnalyticsConfig{
			AnomalyWindow:     20,
			AnomalyMinSamples: 5,
			AnomalyZLimit:     2,
			TrendWindow:       6 * time.Hour,
			PredictionWindow:  12 * time.Hour,
			PredictionHorizon: 72 * time.Hour,
		},
		Alerts: AlertsConfig{
			DedupWindow: 30 * time.Minute,
			AuditPath:   "data/alerts.journal",
		},
		Health: HealthConfig{
			Interval:       5 * time.Minute,
			InitialDelay:   5 * time.Second,
			StaleAfter:     5 * time.Minute,
			LowBattery:     20,
			ThresholdSweep: true,
		},
		Notifications: NotificationsConfig{
			Workers:    4,
			QueueSize:  128,
			Recipients: RecipientsConfig{Source: "database"},
			Email: ChannelConfig{
				Enabled: true,
				From:    "alerts@soilwatch.local",
				Rate:    5,
				Burst:   10,
				Timeout: 10 * time.Second,
			},
			SMS: ChannelConfig{
				Enabled: true,
				Rate:    1,
				Burst:   5,
				Timeout: 10 * time.Second,
			},
			Breaker: BreakerConfig{MaxFailures: 5, OpenTimeout: 30 * time.Second},
		},
		Events: EventsConfig{
			SubjectPrefix: "events",
			WSBuffer:      64,
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty) and SENTINEL_* environment variables, then validates
// it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps SENTINEL_NOTIFICATIONS__EMAIL__WEBHOOK_URL to
// notifications.email.webhook_url.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks required fields, enumerations and numeric ranges. All
// problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", c.LogLevel))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.RateLimit < 0 {
		errs = append(errs, errors.New("http.rate_limit must not be negative"))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, errors.New("database.max_conns must be positive"))
	}

	if c.Broker.URL == "" && !c.Broker.Embedded.Enabled {
		errs = append(errs, errors.New("broker.url is required unless broker.embedded.enabled is set"))
	}
	if c.Broker.TopicPrefix == "" || strings.ContainsAny(c.Broker.TopicPrefix, "*> ./") {
		errs = append(errs, fmt.Errorf("broker.topic_prefix %q must be a single literal subject token", c.Broker.TopicPrefix))
	}
	if c.Broker.Embedded.Enabled && c.Broker.Embedded.MQTTPort > 0 && c.Broker.Embedded.StoreDir == "" {
		errs = append(errs, errors.New("broker.embedded.store_dir is required when the MQTT listener is enabled"))
	}

	if c.Ingest.Workers <= 0 {
		errs = append(errs, errors.New("ingest.workers must be positive"))
	}
	if c.Ingest.QueueSize <= 0 {
		errs = append(errs, errors.New("ingest.queue_size must be positive"))
	}
	if c.Ingest.DeadLetterPath == "" {
		errs = append(errs, errors.New("ingest.dead_letter_path is required"))
	}

	if c.Analytics.AnomalyWindow < c.Analytics.AnomalyMinSamples || c.Analytics.AnomalyMinSamples < 2 {
		errs = append(errs, errors.New("analytics.anomaly_window must be >= anomaly_min_samples >= 2"))
	}
	if c.Analytics.AnomalyZLimit <= 0 {
		errs = append(errs, errors.New("analytics.anomaly_z_limit must be positive"))
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"analytics.trend_window", c.Analytics.TrendWindow},
		{"analytics.prediction_window", c.Analytics.PredictionWindow},
		{"analytics.prediction_horizon", c.Analytics.PredictionHorizon},
		{"alerts.dedup_window", c.Alerts.DedupWindow},
		{"health.interval", c.Health.Interval},
		{"health.stale_after", c.Health.StaleAfter},
		{"broker.max_backoff", c.Broker.MaxBackoff},
		{"supervisor.shutdown_timeout", c.Supervisor.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive duration", d.name))
		}
	}
	if c.Health.InitialDelay < 0 {
		errs = append(errs, errors.New("health.initial_delay must not be negative"))
	}
	if c.Health.LowBattery < 0 || c.Health.LowBattery > 100 {
		errs = append(errs, errors.New("health.low_battery must be within 0-100"))
	}

	if c.Notifications.Workers <= 0 {
		errs = append(errs, errors.New("notifications.workers must be positive"))
	}
	if c.Notifications.QueueSize <= 0 {
		errs = append(errs, errors.New("notifications.queue_size must be positive"))
	}
	switch c.Notifications.Recipients.Source {
	case "database":
	case "file":
		if c.Notifications.Recipients.File == "" {
			errs = append(errs, errors.New("notifications.recipients.file is required when source is \"file\""))
		}
	default:
		errs = append(errs, fmt.Errorf("notifications.recipients.source %q must be one of: database, file", c.Notifications.Recipients.Source))
	}
	for name, ch := range map[string]ChannelConfig{"email": c.Notifications.Email, "sms": c.Notifications.SMS} {
		if !ch.Enabled {
			continue
		}
		if ch.Rate <= 0 || ch.Burst <= 0 {
			errs = append(errs, fmt.Errorf("notifications.%s: rate and burst must be positive", name))
		}
		if ch.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("notifications.%s.timeout must be a positive duration", name))
		}
	}
	if c.Notifications.Breaker.MaxFailures == 0 {
		errs = append(errs, errors.New("notifications.breaker.max_failures must be positive"))
	}

	if c.Supervisor.FailureThreshold <= 0 {
		errs = append(errs, errors.New("supervisor.failure_threshold must be positive"))
	}

	return errors.Join(errs...)
}
