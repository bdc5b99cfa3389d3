package influxdb_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/influxdb"
)

// testConfig matches the local development InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "fleet-dev-token",
		Org:           "fleet",
		Bucket:        "telemetry",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

func connectOrSkip(t *testing.T) *influxdb.Client {
	t.Helper()
	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Skipf("InfluxDB not available: %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // Test cleanup
	return client
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := influxdb.Connect(cfg)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:1"

	_, err := influxdb.Connect(cfg)
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestTelemetryFields(t *testing.T) {
	payload := map[string]any{
		"tempC":   40.5,
		"door":    true,
		"label":   "kitchen",
		"samples": []any{1.0, 2.0},
		"battery": map[string]any{"pct": 81.0, "state": "ok"},
	}

	fields := influxdb.TelemetryFields(payload)

	want := map[string]any{"tempC": 40.5, "door": true, "battery.pct": 81.0}
	if len(fields) != len(want) {
		t.Fatalf("fields = %v, want %v", fields, want)
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("fields[%q] = %v, want %v", k, fields[k], v)
		}
	}
}

func TestNilClientIsDisconnected(t *testing.T) {
	var c *influxdb.Client
	if c.IsConnected() {
		t.Error("nil client reports connected")
	}
	if n := c.WriteTelemetry("thg-1", "devices/thg-1/telemetry", map[string]any{"v": 1.0}, time.Now()); n != 0 {
		t.Errorf("WriteTelemetry() on nil client = %d, want 0", n)
	}
}

func TestWriteAndHealth(t *testing.T) {
	client := connectOrSkip(t)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}

	n := client.WriteTelemetry("thg-test", "devices/thg-test/telemetry", map[string]any{"tempC": 21.5}, time.Now())
	if n != 1 {
		t.Errorf("WriteTelemetry() wrote %d fields, want 1", n)
	}
	client.WriteDetectorTransition("thg-test:tempC", "NORMAL", "WARNING", time.Now())
	client.WritePostureScore("thg-test", "connect", "low", 1.5, time.Now())
	client.Flush()

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
}
