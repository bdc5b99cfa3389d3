package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-fleet/internal/audit"
	"github.com/nerrad567/gray-logic-fleet/internal/auth"
	"github.com/nerrad567/gray-logic-fleet/internal/delivery"
	"github.com/nerrad567/gray-logic-fleet/internal/detector"
	"github.com/nerrad567/gray-logic-fleet/internal/event"
	"github.com/nerrad567/gray-logic-fleet/internal/gateway"
	"github.com/nerrad567/gray-logic-fleet/internal/identity"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-fleet/internal/posture"
	"github.com/nerrad567/gray-logic-fleet/internal/provisioning"
	"github.com/nerrad567/gray-logic-fleet/internal/rules"
	"github.com/nerrad567/gray-logic-fleet/internal/shadow"
	"github.com/nerrad567/gray-logic-fleet/internal/sinks"
	_ "github.com/nerrad567/gray-logic-fleet/migrations"
)

const (
	testOperatorToken = "operator-token-0123456789abcdefghij"
	testClaimSecret   = "claim-secret-0123456789abcdefghijklmnop"
	testDeviceSecret  = "device-secret-0123456789abcdefghijklmno"
)

// operatorHash is computed once; Argon2id is deliberately slow.
var operatorHash = sync.OnceValues(func() (string, error) {
	return auth.HashSecret(testOperatorToken)
})

// testEnv is a fully wired server backed by a temporary SQLite database.
type testEnv struct {
	srv         *Server
	handler     http.Handler
	identities  *identity.Store
	shadows     *shadow.Store
	deadLetters *delivery.DeadLetterStore
	engine      *detector.Engine
	posture     *posture.Monitor
	audit       *audit.Store
}

// testServer creates a Server with every optional component wired and the
// rule router and detector engine running until the test ends.
func testServer(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "fleet.db"), WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	hash, err := operatorHash()
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	identities := identity.NewStore(db.DB)
	shadows := shadow.NewStore(db.DB)
	deadLetters := delivery.NewDeadLetterStore(db.DB)
	mon := posture.NewMonitor(60, nil)

	engine, err := detector.NewEngine(detector.EngineConfig{Shards: 2, TickInterval: 5 * time.Millisecond, QueueSize: 16}, []detector.Config{{
		EntityID:        "boiler-temp",
		ThingID:         "thing-boiler",
		Field:           "tempC",
		HighThreshold:   80,
		LowThreshold:    60,
		ConsecutiveHigh: 2,
		ConsecutiveLow:  2,
	}})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	go engine.Run(ctx) //nolint:errcheck // Stopped by test cleanup

	reg := delivery.NewRegistry()
	sinks.RegisterBuiltins(reg, sinks.Builtins{Shadow: shadows, Detector: engine, Posture: mon})
	deliverer := delivery.NewDeliverer(reg, deadLetters, delivery.Config{MaxAttempts: 1, InitialDelay: time.Millisecond})

	ruleStore := rules.NewStore(db.DB)
	auditStore := audit.NewStore(db.DB)
	router := rules.NewRouter(deliverer, rules.RouterConfig{Workers: 2, QueueSize: 16})
	router.SetStore(ruleStore)
	go router.Run(ctx) //nolint:errcheck // Stopped by test cleanup

	gw := gateway.New(gateway.Config{
		TokenSecret:     testDeviceSecret,
		QueueSize:       8,
		CreditBatch:     2,
		RevocationGrace: 100 * time.Millisecond,
	}, identities, router.Handle)
	gw.SetShadows(shadows)
	gw.SetPosture(mon)
	identities.OnRevoke(gw.HandleRevoked)

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
			CORS: config.CORSConfig{AllowedOrigins: []string{"http://console.local"}},
		},
		Gateway: config.GatewayConfig{
			MaxFrameSize: 8192,
			PingInterval: 30,
			PongTimeout:  10,
		},
		Security:   config.SecurityConfig{OperatorTokenHash: hash},
		Logger:     log,
		DB:         db,
		Identities: identities,
		Claims:     provisioning.NewIssuer(identities, testClaimSecret, time.Hour),
		Provisioner: provisioning.NewProvisioner(identities, provisioning.Config{
			ClaimSecret:       testClaimSecret,
			DeviceTokenSecret: testDeviceSecret,
			DeviceTokenTTL:    time.Hour,
		}),
		Sessions:    gw,
		Router:      router,
		RuleStore:   ruleStore,
		Shadows:     shadows,
		Deliverer:   deliverer,
		DeadLetters: deadLetters,
		Detectors:   engine,
		Posture:     mon,
		Audit:       auditStore,
		Version:     "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	go srv.hub.Run(ctx)

	return &testEnv{
		srv:         srv,
		handler:     srv.buildRouter(),
		identities:  identities,
		shadows:     shadows,
		deadLetters: deadLetters,
		engine:      engine,
		posture:     mon,
		audit:       auditStore,
	}
}

// do performs an operator request and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.doAs(t, testOperatorToken, method, path, body)
}

func (e *testEnv) doAs(t *testing.T, token, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, want, w.Body.String())
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newPublicKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := auth.EncodePublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return pub
}

// provisionDevice issues a claim over the API and redeems it.
func (e *testEnv) provisionDevice(t *testing.T) provisioning.Result {
	t.Helper()
	pub := newPublicKeyPEM(t)

	w := e.do(t, http.MethodPost, "/api/v1/claims", map[string]any{
		"thing_type": "thermostat",
		"public_key": pub,
	})
	expectStatus(t, w, http.StatusCreated)
	var claim provisioning.Claim
	decodeBody(t, w, &claim)
	if claim.Token == "" {
		t.Fatal("claim token missing from response")
	}

	w = e.doAs(t, "", http.MethodPost, "/api/v1/provision", map[string]any{
		"claim_token": claim.Token,
		"csr":         pub,
	})
	expectStatus(t, w, http.StatusCreated)
	var res provisioning.Result
	decodeBody(t, w, &res)
	return res
}

// ─── New ───────────────────────────────────────────────────────────

func TestNew_RequiresDependencies(t *testing.T) {
	log := logging.Discard()
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: log}); err == nil {
		t.Error("New() without identity store should fail")
	}
}

// ─── Health & Middleware ───────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := testServer(t)

	w := env.doAs(t, "", http.MethodGet, "/api/v1/health", nil)
	expectStatus(t, w, http.StatusOK)

	var body map[string]any
	decodeBody(t, w, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test" {
		t.Errorf("version = %v, want test", body["version"])
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	env := testServer(t)

	w := env.doAs(t, "", http.MethodGet, "/api/v1/health", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("X-Request-ID = %q, want req-123", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := testServer(t)

	tests := []struct {
		name       string
		origin     string
		wantOrigin string
	}{
		{"allowed origin", "http://console.local", "http://console.local"},
		{"unknown origin", "http://evil.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/api/v1/things", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			env.handler.ServeHTTP(w, req)

			if w.Code != http.StatusNoContent {
				t.Errorf("status = %d, want 204", w.Code)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
		})
	}
}

func TestOperatorAuth(t *testing.T) {
	env := testServer(t)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong token", "not-the-operator-token", http.StatusUnauthorized},
		{"valid token", testOperatorToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.doAs(t, tt.token, http.MethodGet, "/api/v1/things", nil)
			expectStatus(t, w, tt.want)
		})
	}
}

func TestOperatorAuth_NoHashConfigured(t *testing.T) {
	env := testServer(t)
	env.srv.secCfg.OperatorTokenHash = ""
	env.handler = env.srv.buildRouter()

	w := env.do(t, http.MethodGet, "/api/v1/things", nil)
	expectStatus(t, w, http.StatusUnauthorized)
}

func TestStatus(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/status", nil)
	expectStatus(t, w, http.StatusOK)

	var st SystemStatus
	decodeBody(t, w, &st)
	if st.Version != "test" {
		t.Errorf("Version = %q, want test", st.Version)
	}
	if st.MQTT.Enabled {
		t.Error("MQTT.Enabled = true without a client")
	}
	if st.DeadLetters == nil || *st.DeadLetters != 0 {
		t.Errorf("DeadLetters = %v, want 0", st.DeadLetters)
	}
}

// ─── Provisioning ──────────────────────────────────────────────────

func TestProvision_CreatesThingAndReplays(t *testing.T) {
	env := testServer(t)
	pub := newPublicKeyPEM(t)

	w := env.do(t, http.MethodPost, "/api/v1/claims", map[string]any{"thing_type": "thermostat", "public_key": pub})
	expectStatus(t, w, http.StatusCreated)
	var claim provisioning.Claim
	decodeBody(t, w, &claim)

	body := map[string]any{"claim_token": claim.Token, "csr": pub}

	w = env.doAs(t, "", http.MethodPost, "/api/v1/provision", body)
	expectStatus(t, w, http.StatusCreated)
	var first provisioning.Result
	decodeBody(t, w, &first)
	if first.ThingID == "" || first.Credentials.SessionToken == "" {
		t.Fatalf("incomplete result: %+v", first)
	}

	// Same claim, same key: the original Thing comes back.
	w = env.doAs(t, "", http.MethodPost, "/api/v1/provision", body)
	expectStatus(t, w, http.StatusOK)
	var second provisioning.Result
	decodeBody(t, w, &second)
	if !second.Replayed || second.ThingID != first.ThingID {
		t.Errorf("replay = %+v, want Replayed for %s", second, first.ThingID)
	}

	// The claim record now shows who consumed it.
	w = env.do(t, http.MethodGet, "/api/v1/claims/"+claim.ID, nil)
	expectStatus(t, w, http.StatusOK)
	var stored provisioning.Claim
	decodeBody(t, w, &stored)
	if stored.ThingID != first.ThingID || stored.Token != "" {
		t.Errorf("stored claim = %+v", stored)
	}
}

func TestProvision_Rejections(t *testing.T) {
	env := testServer(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", `{"claim_token":`, http.StatusBadRequest},
		{"unknown field", `{"claim_token":"x","csr":"y","extra":1}`, http.StatusBadRequest},
		{"missing csr", map[string]any{"claim_token": "x"}, http.StatusBadRequest},
		{"forged claim", map[string]any{"claim_token": "not-a-jwt", "csr": newPublicKeyPEM(t)}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.doAs(t, "", http.MethodPost, "/api/v1/provision", tt.body)
			expectStatus(t, w, tt.want)
		})
	}
}

func TestProvision_KeyMismatch(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodPost, "/api/v1/claims", map[string]any{"thing_type": "meter", "public_key": newPublicKeyPEM(t)})
	expectStatus(t, w, http.StatusCreated)
	var claim provisioning.Claim
	decodeBody(t, w, &claim)

	w = env.doAs(t, "", http.MethodPost, "/api/v1/provision", map[string]any{
		"claim_token": claim.Token,
		"csr":         newPublicKeyPEM(t),
	})
	expectStatus(t, w, http.StatusBadRequest)
}

func TestCreateClaim_Validation(t *testing.T) {
	env := testServer(t)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing type", map[string]any{"public_key": newPublicKeyPEM(t)}, http.StatusBadRequest},
		{"missing key", map[string]any{"thing_type": "meter"}, http.StatusBadRequest},
		{"garbage key", map[string]any{"thing_type": "meter", "public_key": "not pem"}, http.StatusBadRequest},
		{"negative ttl", map[string]any{"thing_type": "meter", "public_key": newPublicKeyPEM(t), "ttl_minutes": -1}, http.StatusBadRequest},
		{"unknown policy", map[string]any{"thing_type": "meter", "public_key": newPublicKeyPEM(t), "policy_id": "nope"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/claims", tt.body)
			expectStatus(t, w, tt.want)
		})
	}
}

func TestGetClaim_NotFound(t *testing.T) {
	env := testServer(t)
	w := env.do(t, http.MethodGet, "/api/v1/claims/missing", nil)
	expectStatus(t, w, http.StatusNotFound)
}

// ─── Things & Identities ───────────────────────────────────────────

func TestThings_ListGetDeregister(t *testing.T) {
	env := testServer(t)
	res := env.provisionDevice(t)

	w := env.do(t, http.MethodGet, "/api/v1/things", nil)
	expectStatus(t, w, http.StatusOK)
	var list struct {
		Things []identity.Thing `json:"things"`
		Count  int              `json:"count"`
	}
	decodeBody(t, w, &list)
	if list.Count != 1 || list.Things[0].ID != res.ThingID {
		t.Fatalf("list = %+v, want one thing %s", list, res.ThingID)
	}

	w = env.do(t, http.MethodGet, "/api/v1/things/"+res.ThingID, nil)
	expectStatus(t, w, http.StatusOK)
	var thing thingResponse
	decodeBody(t, w, &thing)
	if thing.Type != "thermostat" {
		t.Errorf("Type = %q, want thermostat", thing.Type)
	}
	if len(thing.Identities) != 1 || thing.Identities[0].Fingerprint != res.IdentityFingerprint {
		t.Errorf("Identities = %+v", thing.Identities)
	}
	if thing.Connected {
		t.Error("Connected = true with no session")
	}

	w = env.do(t, http.MethodDelete, "/api/v1/things/"+res.ThingID, nil)
	expectStatus(t, w, http.StatusNoContent)

	w = env.do(t, http.MethodGet, "/api/v1/things/"+res.ThingID, nil)
	expectStatus(t, w, http.StatusNotFound)
	w = env.do(t, http.MethodDelete, "/api/v1/things/"+res.ThingID, nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestRevokeIdentity(t *testing.T) {
	env := testServer(t)
	res := env.provisionDevice(t)

	path := "/api/v1/identities/" + res.IdentityFingerprint + "/revoke"
	w := env.do(t, http.MethodPost, path, nil)
	expectStatus(t, w, http.StatusOK)
	var ident identity.Identity
	decodeBody(t, w, &ident)
	if ident.Status != identity.StatusRevoked || ident.RevokedAt == nil {
		t.Errorf("identity = %+v, want revoked", ident)
	}

	// Revoking twice is a no-op.
	w = env.do(t, http.MethodPost, path, nil)
	expectStatus(t, w, http.StatusOK)

	w = env.do(t, http.MethodPost, "/api/v1/identities/sha256:unknown/revoke", nil)
	expectStatus(t, w, http.StatusNotFound)
}

// ─── Rules ─────────────────────────────────────────────────────────

const shadowRules = `{"rules":[{"id":"shadow-updates","topic_filter":"devices/+/shadow/update","actions":["shadow"]}]}`

func TestRules_PutGetHistory(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/rules", nil)
	expectStatus(t, w, http.StatusOK)

	w = env.do(t, http.MethodPut, "/api/v1/rules", shadowRules)
	expectStatus(t, w, http.StatusOK)
	var applied rulesResponse
	decodeBody(t, w, &applied)
	if applied.Version != 1 || len(applied.Rules) != 1 {
		t.Fatalf("applied = %+v, want version 1 with one rule", applied)
	}

	yamlRules := "rules:\n  - id: telemetry\n    topic_filter: devices/+/telemetry\n    actions: [detector]\n"
	w = env.do(t, http.MethodPut, "/api/v1/rules", yamlRules)
	expectStatus(t, w, http.StatusOK)
	decodeBody(t, w, &applied)
	if applied.Version != 2 {
		t.Errorf("Version = %d, want 2", applied.Version)
	}

	w = env.do(t, http.MethodGet, "/api/v1/rules/history", nil)
	expectStatus(t, w, http.StatusOK)
	var history struct {
		Active   int64               `json:"active"`
		Versions []rules.VersionInfo `json:"versions"`
	}
	decodeBody(t, w, &history)
	if history.Active != 2 || len(history.Versions) != 2 {
		t.Errorf("history = %+v", history)
	}

	w = env.do(t, http.MethodGet, "/api/v1/rules/1", nil)
	expectStatus(t, w, http.StatusOK)
	var v1 rules.RuleSet
	decodeBody(t, w, &v1)
	if len(v1.Rules) != 1 || v1.Rules[0].ID != "shadow-updates" {
		t.Errorf("version 1 = %+v", v1)
	}

	// Re-activating version 1 stores it as version 3.
	w = env.do(t, http.MethodPost, "/api/v1/rules/1/activate", nil)
	expectStatus(t, w, http.StatusOK)
	decodeBody(t, w, &applied)
	if applied.Version != 3 || applied.Rules[0].ID != "shadow-updates" {
		t.Errorf("activated = %+v, want version 3 with shadow-updates", applied)
	}
}

func TestRules_Invalid(t *testing.T) {
	env := testServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"unknown key", `{"rulez":[]}`},
		{"missing id", `{"rules":[{"topic_filter":"devices/+/telemetry","actions":["detector"]}]}`},
		{"bad filter", `{"rules":[{"id":"a","topic_filter":"devices/#/x","actions":["detector"]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPut, "/api/v1/rules", tt.body)
			expectStatus(t, w, http.StatusBadRequest)
		})
	}

	if v := env.srv.router.Snapshot().Version(); v != 0 {
		t.Errorf("active version = %d after rejected sets, want 0", v)
	}
}

func TestRules_VersionLookup(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/rules/9", nil)
	expectStatus(t, w, http.StatusNotFound)
	w = env.do(t, http.MethodGet, "/api/v1/rules/abc", nil)
	expectStatus(t, w, http.StatusBadRequest)
	w = env.do(t, http.MethodPost, "/api/v1/rules/9/activate", nil)
	expectStatus(t, w, http.StatusNotFound)
}

// ─── Shadows ───────────────────────────────────────────────────────

func TestShadow_PatchDesired(t *testing.T) {
	env := testServer(t)
	res := env.provisionDevice(t)
	base := "/api/v1/shadows/" + res.ThingID

	w := env.do(t, http.MethodPatch, base+"/desired", `{"mode":{"value":"eco","version":5}}`)
	expectStatus(t, w, http.StatusOK)
	var upd shadow.UpdateResult
	decodeBody(t, w, &upd)
	if len(upd.Applied) != 1 || upd.Applied[0] != "mode" {
		t.Errorf("Applied = %v, want [mode]", upd.Applied)
	}

	w = env.do(t, http.MethodGet, base+"/delta", nil)
	expectStatus(t, w, http.StatusOK)
	var delta struct {
		Delta shadow.Delta `json:"delta"`
	}
	decodeBody(t, w, &delta)
	if _, ok := delta.Delta["mode"]; !ok {
		t.Errorf("delta = %v, want mode", delta.Delta)
	}

	// Stale version: the whole patch is rejected and the conflict listed.
	w = env.do(t, http.MethodPatch, base+"/desired", `{"mode":{"value":"away","version":3},"fan":{"value":"low"}}`)
	expectStatus(t, w, http.StatusConflict)
	var apiErr struct {
		Details []shadow.FieldConflict `json:"details"`
	}
	decodeBody(t, w, &apiErr)
	if len(apiErr.Details) != 1 || apiErr.Details[0].Field != "mode" || apiErr.Details[0].StoredVersion != 5 {
		t.Errorf("details = %+v, want mode conflict at stored version 5", apiErr.Details)
	}

	w = env.do(t, http.MethodGet, base, nil)
	expectStatus(t, w, http.StatusOK)
	var doc shadow.Document
	decodeBody(t, w, &doc)
	if _, ok := doc.Desired["fan"]; ok {
		t.Error("fan was applied from a rejected patch")
	}
	if string(doc.Desired["mode"].Value) != `"eco"` {
		t.Errorf("mode = %s, want \"eco\"", doc.Desired["mode"].Value)
	}
}

func TestShadow_Errors(t *testing.T) {
	env := testServer(t)
	res := env.provisionDevice(t)

	w := env.do(t, http.MethodGet, "/api/v1/shadows/unknown-thing", nil)
	expectStatus(t, w, http.StatusNotFound)
	w = env.do(t, http.MethodPatch, "/api/v1/shadows/unknown-thing/desired", `{"mode":{"value":1}}`)
	expectStatus(t, w, http.StatusNotFound)
	w = env.do(t, http.MethodPatch, "/api/v1/shadows/"+res.ThingID+"/desired", `{}`)
	expectStatus(t, w, http.StatusBadRequest)
	w = env.do(t, http.MethodPatch, "/api/v1/shadows/"+res.ThingID+"/desired", `not json`)
	expectStatus(t, w, http.StatusBadRequest)
}

// ─── Dead Letters ──────────────────────────────────────────────────

func insertDeadLetter(t *testing.T, env *testEnv, sink string) delivery.DeadLetter {
	t.Helper()
	dl := delivery.DeadLetter{
		RuleID: "shadow-updates",
		Sink:   sink,
		Event: event.Event{
			ThingID:   "ghost",
			Topic:     event.Topic("ghost", event.KindShadowUpdate),
			Payload:   json.RawMessage(`{"reported":{"tempC":20}}`),
			Timestamp: time.Now().UTC(),
			Seq:       1,
		},
		Attempts:  5,
		LastError: "thing not found",
		Fatal:     true,
	}
	if err := env.deadLetters.Insert(context.Background(), &dl); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	return dl
}

func TestDeadLetters_ListGetDelete(t *testing.T) {
	env := testServer(t)
	dl := insertDeadLetter(t, env, sinks.ShadowSink)
	insertDeadLetter(t, env, "archive")

	w := env.do(t, http.MethodGet, "/api/v1/deadletters?sink=shadow", nil)
	expectStatus(t, w, http.StatusOK)
	var list struct {
		DeadLetters []delivery.DeadLetter `json:"dead_letters"`
		Count       int                   `json:"count"`
	}
	decodeBody(t, w, &list)
	if list.Count != 1 || list.DeadLetters[0].ID != dl.ID {
		t.Fatalf("list = %+v, want only %s", list, dl.ID)
	}

	w = env.do(t, http.MethodGet, "/api/v1/deadletters?limit=0", nil)
	expectStatus(t, w, http.StatusBadRequest)

	w = env.do(t, http.MethodGet, "/api/v1/deadletters/"+dl.ID, nil)
	expectStatus(t, w, http.StatusOK)

	w = env.do(t, http.MethodDelete, "/api/v1/deadletters/"+dl.ID, nil)
	expectStatus(t, w, http.StatusNoContent)
	w = env.do(t, http.MethodGet, "/api/v1/deadletters/"+dl.ID, nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestDeadLetters_Replay(t *testing.T) {
	env := testServer(t)

	// The shadow sink still rejects an unknown Thing: the record is kept.
	failing := insertDeadLetter(t, env, sinks.ShadowSink)
	w := env.do(t, http.MethodPost, "/api/v1/deadletters/"+failing.ID+"/replay", nil)
	expectStatus(t, w, http.StatusBadGateway)
	w = env.do(t, http.MethodGet, "/api/v1/deadletters/"+failing.ID, nil)
	expectStatus(t, w, http.StatusOK)

	orphan := insertDeadLetter(t, env, "retired-sink")
	w = env.do(t, http.MethodPost, "/api/v1/deadletters/"+orphan.ID+"/replay", nil)
	expectStatus(t, w, http.StatusConflict)

	w = env.do(t, http.MethodPost, "/api/v1/deadletters/missing/replay", nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestDeadLetters_ExportDisabled(t *testing.T) {
	env := testServer(t)
	w := env.do(t, http.MethodPost, "/api/v1/deadletters/export", nil)
	expectStatus(t, w, http.StatusServiceUnavailable)
}

// ─── Detectors & Posture ───────────────────────────────────────────

func TestDetectors(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/detectors/boiler-temp", nil)
	expectStatus(t, w, http.StatusNotFound)

	err := env.engine.Observe(context.Background(), event.Event{
		ThingID:   "thing-boiler",
		Topic:     event.Topic("thing-boiler", event.KindTelemetry),
		Payload:   json.RawMessage(`{"tempC": 72.5}`),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	waitFor(t, "detector entity", func() bool {
		return env.do(t, http.MethodGet, "/api/v1/detectors/boiler-temp", nil).Code == http.StatusOK
	})

	w = env.do(t, http.MethodGet, "/api/v1/detectors", nil)
	expectStatus(t, w, http.StatusOK)
	var list struct {
		Entities []detector.View   `json:"entities"`
		Configs  []detector.Config `json:"configs"`
	}
	decodeBody(t, w, &list)
	if len(list.Entities) != 1 || list.Entities[0].State != detector.StateNormal {
		t.Errorf("entities = %+v, want one NORMAL entity", list.Entities)
	}
	if len(list.Configs) != 1 {
		t.Errorf("configs = %+v", list.Configs)
	}

	w = env.do(t, http.MethodDelete, "/api/v1/detectors/boiler-temp", nil)
	expectStatus(t, w, http.StatusNoContent)
	w = env.do(t, http.MethodDelete, "/api/v1/detectors/boiler-temp", nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestPosture(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/posture/thing-1", nil)
	expectStatus(t, w, http.StatusNotFound)

	env.posture.RecordConnect("thing-1")
	env.posture.RecordConnect("thing-1")

	w = env.do(t, http.MethodGet, "/api/v1/posture/thing-1", nil)
	expectStatus(t, w, http.StatusOK)
	var st posture.Status
	decodeBody(t, w, &st)
	if st.ThingID != "thing-1" || st.Metrics[posture.MetricConnect].Count != 2 {
		t.Errorf("status = %+v, want 2 connects", st)
	}

	w = env.do(t, http.MethodGet, "/api/v1/posture", nil)
	expectStatus(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), `"thing-1"`) {
		t.Errorf("posture list = %s", w.Body.String())
	}
}

// ─── Optional Components ───────────────────────────────────────────

func TestOptionalRoutesUnmounted(t *testing.T) {
	env := testServer(t)
	env.srv.detectors = nil
	env.srv.posture = nil
	env.srv.deadLetters = nil
	env.srv.audit = nil
	env.handler = env.srv.buildRouter()

	for _, path := range []string{"/api/v1/detectors", "/api/v1/posture", "/api/v1/deadletters", "/api/v1/audit"} {
		w := env.do(t, http.MethodGet, path, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, w.Code)
		}
	}
}

// ─── Audit ─────────────────────────────────────────────────────────

func TestAudit_RecordsOperatorActions(t *testing.T) {
	env := testServer(t)

	res := env.provisionDevice(t)
	expectStatus(t, env.do(t, http.MethodPut, "/api/v1/rules", shadowRules), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/identities/"+res.IdentityFingerprint+"/revoke", nil), http.StatusOK)

	w := env.do(t, http.MethodGet, "/api/v1/audit", nil)
	expectStatus(t, w, http.StatusOK)
	var page audit.Page
	decodeBody(t, w, &page)

	actions := make(map[string]audit.Entry)
	for _, e := range page.Entries {
		actions[e.Action] = e
	}
	for _, want := range []string{audit.ActionClaim, audit.ActionProvision, audit.ActionRulesApply, audit.ActionRevoke} {
		if _, ok := actions[want]; !ok {
			t.Errorf("audit log missing %q (got %d entries)", want, len(page.Entries))
		}
	}
	if e := actions[audit.ActionProvision]; e.EntityID != res.ThingID {
		t.Errorf("provision entity = %q, want %q", e.EntityID, res.ThingID)
	}
	if e := actions[audit.ActionRulesApply]; e.EntityID != "1" || e.Details["request_id"] == nil {
		t.Errorf("rules_apply entry = %+v, want version 1 with a request id", e)
	}

	w = env.do(t, http.MethodGet, "/api/v1/audit?action=revoke", nil)
	expectStatus(t, w, http.StatusOK)
	decodeBody(t, w, &page)
	if page.Total != 1 || page.Entries[0].EntityID != res.IdentityFingerprint {
		t.Errorf("revoke filter = %+v, want the revoked fingerprint", page.Entries)
	}

	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/audit?limit=0", nil), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodGet, "/api/v1/audit?offset=-1", nil), http.StatusBadRequest)
}
