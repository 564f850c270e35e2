package config_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/soilwatch/sentinel/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
log_level: debug
http:
  addr: ":9090"
  cors_origins:
    - "https://dashboard.example.com"
database:
  dsn: "postgres://sentinel:secret@db:5432/sentinel"
broker:
  url: "nats://broker:4222"
  topic_prefix: "field"
alerts:
  dedup_window: 45m
notifications:
  recipients:
    source: file
    file: /etc/sentinel/recipients.yaml
  sms:
    enabled: false
`

// Load mutates the process environment only through t.Setenv, so these tests
// do not run in parallel.

func TestLoad_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("HTTP.Addr = %q, want %q", cfg.HTTP.Addr, ":9090")
	}
	if len(cfg.HTTP.CORSOrigins) != 1 || cfg.HTTP.CORSOrigins[0] != "https://dashboard.example.com" {
		t.Errorf("HTTP.CORSOrigins = %v", cfg.HTTP.CORSOrigins)
	}
	if cfg.Database.DSN != "postgres://sentinel:secret@db:5432/sentinel" {
		t.Errorf("Database.DSN = %q", cfg.Database.DSN)
	}
	if cfg.Broker.TopicPrefix != "field" {
		t.Errorf("Broker.TopicPrefix = %q, want %q", cfg.Broker.TopicPrefix, "field")
	}
	if cfg.Alerts.DedupWindow != 45*time.Minute {
		t.Errorf("Alerts.DedupWindow = %v, want 45m", cfg.Alerts.DedupWindow)
	}
	if cfg.Notifications.Recipients.Source != "file" {
		t.Errorf("Recipients.Source = %q", cfg.Notifications.Recipients.Source)
	}
	if cfg.Notifications.SMS.Enabled {
		t.Error("SMS.Enabled = true, want false")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeTemp(t, `
database:
  dsn: "postgres://localhost/sentinel"
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Broker.TopicPrefix != "sensors" {
		t.Errorf("default TopicPrefix = %q, want %q", cfg.Broker.TopicPrefix, "sensors")
	}
	if cfg.Alerts.DedupWindow != 30*time.Minute {
		t.Errorf("default DedupWindow = %v, want 30m", cfg.Alerts.DedupWindow)
	}
	if cfg.Health.Interval != 5*time.Minute || cfg.Health.InitialDelay != 5*time.Second {
		t.Errorf("default health timing = %v/%v, want 5m/5s", cfg.Health.Interval, cfg.Health.InitialDelay)
	}
	if cfg.Health.StaleAfter != 5*time.Minute || cfg.Health.LowBattery != 20 {
		t.Errorf("default staleness/battery = %v/%v", cfg.Health.StaleAfter, cfg.Health.LowBattery)
	}
	if cfg.Analytics.AnomalyWindow != 20 || cfg.Analytics.AnomalyMinSamples != 5 || cfg.Analytics.AnomalyZLimit != 2 {
		t.Errorf("default anomaly settings = %+v", cfg.Analytics)
	}
	if cfg.Analytics.TrendWindow != 6*time.Hour || cfg.Analytics.PredictionWindow != 12*time.Hour {
		t.Errorf("default trend windows = %v/%v", cfg.Analytics.TrendWindow, cfg.Analytics.PredictionWindow)
	}
	if cfg.Alerts.NotifyTransitions {
		t.Error("NotifyTransitions should default to false")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeTemp(t, validYAML)
	t.Setenv("SENTINEL_HTTP__ADDR", ":7070")
	t.Setenv("SENTINEL_HEALTH__STALE_AFTER", "10m")
	t.Setenv("SENTINEL_INGEST__WORKERS", "3")
	t.Setenv("SENTINEL_NOTIFICATIONS__EMAIL__WEBHOOK_URL", "https://relay.example.com/email")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Addr != ":7070" {
		t.Errorf("HTTP.Addr = %q, want %q", cfg.HTTP.Addr, ":7070")
	}
	if cfg.Health.StaleAfter != 10*time.Minute {
		t.Errorf("Health.StaleAfter = %v, want 10m", cfg.Health.StaleAfter)
	}
	if cfg.Ingest.Workers != 3 {
		t.Errorf("Ingest.Workers = %d, want 3", cfg.Ingest.Workers)
	}
	if cfg.Notifications.Email.WebhookURL != "https://relay.example.com/email" {
		t.Errorf("Email.WebhookURL = %q", cfg.Notifications.Email.WebhookURL)
	}
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("SENTINEL_DATABASE__DSN", "postgres://env/sentinel")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.DSN != "postgres://env/sentinel" {
		t.Errorf("Database.DSN = %q", cfg.Database.DSN)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTemp(t, "http: [unclosed")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		c := config.Default()
		c.Database.DSN = "postgres://localhost/sentinel"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{
			name:    "defaults with dsn",
			mutate:  func(*config.Config) {},
			wantErr: "",
		},
		{
			name:    "missing dsn",
			mutate:  func(c *config.Config) { c.Database.DSN = "" },
			wantErr: "database.dsn",
		},
		{
			name:    "bad log level",
			mutate:  func(c *config.Config) { c.LogLevel = "verbose" },
			wantErr: "log_level",
		},
		{
			name:    "wildcard topic prefix",
			mutate:  func(c *config.Config) { c.Broker.TopicPrefix = "sensors.*" },
			wantErr: "broker.topic_prefix",
		},
		{
			name:    "zero dedup window",
			mutate:  func(c *config.Config) { c.Alerts.DedupWindow = 0 },
			wantErr: "alerts.dedup_window",
		},
		{
			name:    "unknown recipient source",
			mutate:  func(c *config.Config) { c.Notifications.Recipients.Source = "ldap" },
			wantErr: "notifications.recipients.source",
		},
		{
			name:    "file source without path",
			mutate:  func(c *config.Config) { c.Notifications.Recipients.Source = "file" },
			wantErr: "notifications.recipients.file",
		},
		{
			name:    "enabled channel without rate",
			mutate:  func(c *config.Config) { c.Notifications.SMS.Rate = 0 },
			wantErr: "notifications.sms",
		},
		{
			name:    "disabled channel is not checked",
			mutate:  func(c *config.Config) { c.Notifications.SMS = config.ChannelConfig{} },
			wantErr: "",
		},
		{
			name:    "anomaly window smaller than min samples",
			mutate:  func(c *config.Config) { c.Analytics.AnomalyWindow = 3 },
			wantErr: "analytics.anomaly_window",
		},
		{
			name:    "embedded mqtt without store dir",
			mutate: func(c *config.Config) {
				c.Broker.Embedded.Enabled = true
				c.Broker.Embedded.StoreDir = ""
			},
			wantErr: "store_dir",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(c)
			err := c.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err.Error(), tc.wantErr)
			}
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	c := config.Default()
	c.LogLevel = "loud"
	c.Ingest.Workers = 0

	err := c.Validate()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"log_level", "database.dsn", "ingest.workers"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err.Error(), want)
		}
	}
}
