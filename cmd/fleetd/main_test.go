package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/logging"
)

const (
	testClaimSecret  = "claim-secret-for-fleetd-tests-0123456789"
	testDeviceSecret = "device-secret-for-fleetd-tests-0123456789"
)

// writeConfig writes a minimal valid config with every optional backend
// disabled and returns its path.
func writeConfig(t *testing.T, port int, extra string) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`service:
  id: fleetd-test
database:
  path: %s
  wal_mode: true
  busy_timeout: 5
api:
  host: 127.0.0.1
  port: %d
logging:
  level: error
  format: text
  output: stdout
security:
  claim_secret: %s
  device_token_secret: %s
%s`, filepath.Join(dir, "fleet.db"), port, testClaimSecret, testDeviceSecret, extra)

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

// ─── Config path ───────────────────────────────────────────────────

func TestGetConfigPath(t *testing.T) {
	t.Cleanup(func() { configPath = "" })

	t.Setenv("FLEET_CONFIG", "")
	configPath = ""
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("FLEET_CONFIG", "/etc/fleet/env.yaml")
	if got := getConfigPath(); got != "/etc/fleet/env.yaml" {
		t.Errorf("getConfigPath() with env = %q, want /etc/fleet/env.yaml", got)
	}

	configPath = "/etc/fleet/flag.yaml"
	if got := getConfigPath(); got != "/etc/fleet/flag.yaml" {
		t.Errorf("getConfigPath() with flag = %q, want /etc/fleet/flag.yaml", got)
	}
}

// ─── serve ─────────────────────────────────────────────────────────

func TestRunServe_MissingConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := runServe(ctx, filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("runServe() should fail for a missing config file")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want a config loading error", err)
	}
}

func TestRunServe_InvalidConfig(t *testing.T) {
	path := writeFile(t, "config.yaml", `service:
  id: fleetd-test
database:
  path: /tmp/fleet.db
security:
  claim_secret: short
  device_token_secret: short
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := runServe(ctx, path)
	if err == nil {
		t.Fatal("runServe() should fail for short secrets")
	}
	if !strings.Contains(err.Error(), "claim_secret") {
		t.Errorf("error = %v, want it to name claim_secret", err)
	}
}

func TestRunServe_MissingRulesFile(t *testing.T) {
	path := writeConfig(t, freePort(t), "rules:\n  file: /nonexistent/rules.yaml\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := runServe(ctx, path); err == nil {
		t.Fatal("runServe() should fail when the rules file cannot be read")
	}
}

func TestRunServe_StartsAndStops(t *testing.T) {
	port := freePort(t)
	rulesPath := writeFile(t, "rules.yaml", "rules:\n  - id: shadow\n    topic_filter: devices/+/shadow/update\n    actions: [shadow]\n")
	path := writeConfig(t, port, "rules:\n  file: "+rulesPath+"\n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, path) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/health", port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url) //nolint:noctx // test polling
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
			}
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("server never became healthy: %v", err)
		}
		select {
		case err := <-done:
			cancel()
			t.Fatalf("runServe() exited early: %v", err)
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("runServe() = %v, want nil after shutdown", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runServe() did not return after cancel")
	}
}

// ─── migrate ───────────────────────────────────────────────────────

func TestMigrateCommand(t *testing.T) {
	path := writeConfig(t, freePort(t), "")
	t.Cleanup(func() {
		configPath = ""
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"migrate", "--config", path})

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out.String(), "0 pending") {
		t.Errorf("output = %q, want no pending migrations", out.String())
	}
}

// ─── rules validate ────────────────────────────────────────────────

func TestValidateRules(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		path := writeFile(t, "rules.yaml", `rules:
  - id: shadow
    topic_filter: devices/+/shadow/update
    actions: [shadow]
  - id: hot
    topic_filter: devices/+/telemetry
    predicate: {op: gt, field: tempC, value: 35}
    actions: [detector, posture]
`)
		var out bytes.Buffer
		if err := validateRules(&out, path); err != nil {
			t.Fatalf("validateRules() = %v", err)
		}
		if !strings.Contains(out.String(), "2 rules, 2 routable") {
			t.Errorf("output = %q, want 2 routable rules", out.String())
		}
	})

	t.Run("bad predicate is a warning", func(t *testing.T) {
		path := writeFile(t, "rules.yaml", `rules:
  - id: broken
    topic_filter: devices/+/telemetry
    predicate: {op: frobnicate, field: tempC}
    actions: [detector]
`)
		var out bytes.Buffer
		if err := validateRules(&out, path); err != nil {
			t.Fatalf("validateRules() = %v, want warnings only", err)
		}
		if !strings.Contains(out.String(), "warning:") {
			t.Errorf("output = %q, want a warning", out.String())
		}
		if !strings.Contains(out.String(), "1 rules, 0 routable") {
			t.Errorf("output = %q, want 0 routable rules", out.String())
		}
	})

	t.Run("structural error", func(t *testing.T) {
		path := writeFile(t, "rules.yaml", "rules:\n  - id: empty\n    topic_filter: devices/#/x\n    actions: []\n")
		if err := validateRules(&bytes.Buffer{}, path); err == nil {
			t.Error("validateRules() should fail for a structurally invalid rule")
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		path := writeFile(t, "rules.yaml", "rules:\n  - id: x\n    topic: devices/+/telemetry\n    actions: [detector]\n")
		if err := validateRules(&bytes.Buffer{}, path); err == nil {
			t.Error("validateRules() should reject unknown keys")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if err := validateRules(&bytes.Buffer{}, filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("validateRules() should fail for a missing file")
		}
	})
}

// ─── version ───────────────────────────────────────────────────────

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	versionCmd.Run(versionCmd, nil)

	want := fmt.Sprintf("fleetd %s (commit %s, built %s)\n", version, commit, date)
	if out.String() != want {
		t.Errorf("version output = %q, want %q", out.String(), want)
	}
}

// ─── sink backends ─────────────────────────────────────────────────

func TestSinkBackends_DisabledStayNil(t *testing.T) {
	b := sinkBackends(backends{}, logging.Default())
	if b.MQTT != nil || b.Bus != nil || b.Influx != nil || b.Store != nil {
		t.Errorf("sinkBackends(empty) = %+v, want all backends nil", b)
	}
	if b.Logger == nil {
		t.Error("Logger should be set")
	}
}
