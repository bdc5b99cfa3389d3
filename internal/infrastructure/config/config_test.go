package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	testClaimSecret  = "claim-secret-key-at-least-32-chars!!"
	testDeviceSecret = "device-secret-key-at-least-32-chars!"
)

// validConfig returns defaults with the mandatory secrets filled in.
func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Security.ClaimSecret = testClaimSecret
	cfg.Security.DeviceTokenSecret = testDeviceSecret
	return cfg
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
service:
  id: "fleet-test"
database:
  path: "/tmp/fleet-test.db"
gateway:
  queue_size: 8
  revocation_grace_ms: 500
security:
  claim_secret: "`+testClaimSecret+`"
  device_token_secret: "`+testDeviceSecret+`"
sinks:
  - name: alert
    type: mqtt
    topic: "fleet/alerts/{thing_id}"
  - name: archive
    type: influxdb
detectors:
  - thing_id: "*"
    field: tempC
    high_threshold: 35
    low_threshold: 30
    consecutive_high: 2
    consecutive_low: 2
    window_size: 16
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Service.ID != "fleet-test" {
		t.Errorf("Service.ID = %q, want %q", cfg.Service.ID, "fleet-test")
	}
	if cfg.Gateway.QueueSize != 8 {
		t.Errorf("Gateway.QueueSize = %d, want 8", cfg.Gateway.QueueSize)
	}
	if got := cfg.GetRevocationGrace(); got != 500*time.Millisecond {
		t.Errorf("GetRevocationGrace() = %v, want 500ms", got)
	}
	if len(cfg.Sinks) != 2 || cfg.Sinks[0].Name != "alert" {
		t.Errorf("Sinks = %+v, want alert and archive", cfg.Sinks)
	}
	if len(cfg.Detectors) != 1 || cfg.Detectors[0].Field != "tempC" {
		t.Errorf("Detectors = %+v, want one tempC entity", cfg.Detectors)
	}
	// Defaults survive partial files
	if cfg.Delivery.MaxAttempts != 5 {
		t.Errorf("Delivery.MaxAttempts = %d, want default 5", cfg.Delivery.MaxAttempts)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml: content")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
service:
  id: "fleet-test"
`)
	t.Setenv("FLEET_CLAIM_SECRET", testClaimSecret)
	t.Setenv("FLEET_DEVICE_TOKEN_SECRET", testDeviceSecret)
	t.Setenv("FLEET_DATABASE_PATH", "/tmp/override.db")
	t.Setenv("FLEET_API_PORT", "9191")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/override.db")
	}
	if cfg.API.Port != 9191 {
		t.Errorf("API.Port = %d, want 9191", cfg.API.Port)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing service id", mutate: func(c *Config) { c.Service.ID = "" }, wantErr: "service.id"},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: "database.path"},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: "mqtt.qos"},
		{name: "invalid port", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: "api.port"},
		{name: "zero queue", mutate: func(c *Config) { c.Gateway.QueueSize = 0 }, wantErr: "gateway.queue_size"},
		{name: "short claim secret", mutate: func(c *Config) { c.Security.ClaimSecret = "short" }, wantErr: "claim_secret"},
		{
			name:    "shared secrets",
			mutate:  func(c *Config) { c.Security.DeviceTokenSecret = c.Security.ClaimSecret },
			wantErr: "must differ",
		},
		{name: "no attempts", mutate: func(c *Config) { c.Delivery.MaxAttempts = 0 }, wantErr: "delivery.max_attempts"},
		{
			name:    "max delay below initial",
			mutate:  func(c *Config) { c.Delivery.MaxDelay = 10; c.Delivery.InitialDelay = 100 },
			wantErr: "delivery.max_delay",
		},
		{
			name:    "unknown sink type",
			mutate:  func(c *Config) { c.Sinks = []SinkConfig{{Name: "x", Type: "kafka"}} },
			wantErr: "unknown type",
		},
		{
			name:    "duplicate sink",
			mutate:  func(c *Config) { c.Sinks = []SinkConfig{{Name: "x", Type: "log"}, {Name: "x", Type: "log"}} },
			wantErr: "duplicated",
		},
		{
			name:    "mqtt sink without topic",
			mutate:  func(c *Config) { c.Sinks = []SinkConfig{{Name: "x", Type: "mqtt"}} },
			wantErr: "topic is required",
		},
		{
			name: "inverted detector thresholds",
			mutate: func(c *Config) {
				c.Detectors = []DetectorEntity{{ThingID: "*", Field: "t", HighThreshold: 1, LowThreshold: 2, ConsecutiveHigh: 1, ConsecutiveLow: 1}}
			},
			wantErr: "low_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Durations(t *testing.T) {
	cfg := &Config{
		API:      APIConfig{Timeouts: APITimeoutConfig{Read: 30, Write: 45, Idle: 60}},
		Security: SecurityConfig{ClaimTTL: 10, DeviceTokenTTL: 2},
		Detector: DetectorConfig{TickInterval: 250},
		Posture:  PostureConfig{WindowSeconds: 90},
	}

	checks := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"GetReadTimeout", cfg.GetReadTimeout(), 30 * time.Second},
		{"GetWriteTimeout", cfg.GetWriteTimeout(), 45 * time.Second},
		{"GetIdleTimeout", cfg.GetIdleTimeout(), 60 * time.Second},
		{"GetClaimTTL", cfg.GetClaimTTL(), 10 * time.Minute},
		{"GetDeviceTokenTTL", cfg.GetDeviceTokenTTL(), 2 * time.Hour},
		{"GetTickInterval", cfg.GetTickInterval(), 250 * time.Millisecond},
		{"GetPostureWindow", cfg.GetPostureWindow(), 90 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s() = %v, want %v", c.name, c.got, c.want)
		}
	}
}
