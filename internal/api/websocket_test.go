package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-fleet/internal/event"
	"github.com/nerrad567/gray-logic-fleet/internal/gateway"
	"github.com/nerrad567/gray-logic-fleet/internal/shadow"
)

// ─── Tickets ───────────────────────────────────────────────────────

func TestTicketStore_SingleUse(t *testing.T) {
	ts := newTicketStore()
	ticket := ts.issue()

	if !ts.consume(ticket) {
		t.Fatal("first consume should succeed")
	}
	if ts.consume(ticket) {
		t.Error("second consume should fail")
	}
	if ts.consume("never-issued") {
		t.Error("unknown ticket should fail")
	}
}

func TestTicketStore_Expiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ts := newTicketStore()
	ts.now = func() time.Time { return now }

	expired := ts.issue()
	now = now.Add(ticketTTL)
	fresh := ts.issue()

	if ts.consume(expired) {
		t.Error("ticket at its expiry instant should be rejected")
	}
	if n := ts.purge(); n != 0 {
		t.Errorf("purge() = %d, want 0 (expired ticket already consumed)", n)
	}

	now = now.Add(ticketTTL + time.Second)
	if n := ts.purge(); n != 1 {
		t.Errorf("purge() = %d, want 1", n)
	}
	if ts.consume(fresh) {
		t.Error("purged ticket should be rejected")
	}
}

func TestWSTicketEndpoint(t *testing.T) {
	env := testServer(t)

	w := env.doAs(t, "", http.MethodPost, "/api/v1/auth/ws-ticket", nil)
	expectStatus(t, w, http.StatusUnauthorized)

	w = env.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", nil)
	expectStatus(t, w, http.StatusOK)
	var body struct {
		Ticket    string `json:"ticket"`
		ExpiresIn int    `json:"expires_in"`
	}
	decodeBody(t, w, &body)
	if body.Ticket == "" || body.ExpiresIn != int(ticketTTL.Seconds()) {
		t.Errorf("ticket response = %+v", body)
	}
	if !env.srv.tickets.consume(body.Ticket) {
		t.Error("issued ticket not stored")
	}
}

// ─── Operator Hub ──────────────────────────────────────────────────

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dialOperator(t *testing.T, env *testEnv, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ticket := env.srv.tickets.issue()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/v1/ws?ticket="+ticket), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close() //nolint:errcheck // Upgrade response has no body
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck // Test cleanup
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck // Test deadline
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func subscribe(t *testing.T, conn *websocket.Conn, channels ...string) {
	t.Helper()
	err := conn.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: channels},
	})
	if err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypeResponse {
		t.Fatalf("subscribe reply = %+v, want response", msg)
	}
}

func TestOperatorWS_RequiresTicket(t *testing.T) {
	env := testServer(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	for _, path := range []string{"/api/v1/ws", "/api/v1/ws?ticket=bogus"} {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, path), nil)
		if err == nil {
			t.Fatalf("Dial(%s) succeeded without a valid ticket", path)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("Dial(%s) response = %v, want 401", path, resp)
		}
	}
}

func TestHub_BroadcastToSubscribers(t *testing.T) {
	env := testServer(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	alerts := dialOperator(t, env, ts)
	subscribe(t, alerts, "detector.alarm")
	everything := dialOperator(t, env, ts)
	subscribe(t, everything, WSChannelAll)
	other := dialOperator(t, env, ts)
	subscribe(t, other, "posture.violation")

	waitFor(t, "three hub clients", func() bool { return env.srv.hub.ClientCount() == 3 })

	env.srv.hub.Broadcast("detector.alarm", map[string]any{"entity_id": "boiler-temp"})

	for name, conn := range map[string]*websocket.Conn{"subscribed": alerts, "wildcard": everything} {
		msg := readWS(t, conn)
		if msg.Type != WSTypeEvent || msg.EventType != "detector.alarm" {
			t.Errorf("%s client got %+v, want detector.alarm event", name, msg)
		}
	}

	// The unrelated client must not see the alarm; a ping proves the
	// connection is otherwise live.
	if err := other.WriteJSON(WSMessage{Type: WSTypePing, ID: "p1"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg := readWS(t, other); msg.Type != WSTypePong {
		t.Errorf("unsubscribed client got %+v, want pong", msg)
	}
}

func TestHub_InvalidSubscribe(t *testing.T) {
	env := testServer(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	conn := dialOperator(t, env, ts)
	if err := conn.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: "s"}); err != nil {
		t.Fatal(err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypeError {
		t.Errorf("reply = %+v, want error", msg)
	}
}

// ─── Device Sessions ───────────────────────────────────────────────

func readFrame(t *testing.T, conn *websocket.Conn) gateway.ServerFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck // Test deadline
	var f gateway.ServerFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return f
}

func TestDeviceSession_Unauthenticated(t *testing.T) {
	env := testServer(t)
	res := env.provisionDevice(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	path := "/api/v1/devices/" + res.ThingID + "/session"
	tests := []struct {
		name   string
		header http.Header
	}{
		{"no credentials", nil},
		{"bad token", http.Header{"Authorization": {"Bearer nope"}}},
		{"token for another thing", http.Header{"Authorization": {"Bearer " + env.provisionDevice(t).Credentials.SessionToken}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, path), tt.header)
			if err == nil {
				t.Fatal("Dial() succeeded without valid credentials")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("response = %v, want 401", resp)
			}
		})
	}
}

func TestDeviceSession_ShadowRoundTrip(t *testing.T) {
	env := testServer(t)
	res := env.provisionDevice(t)

	w := env.do(t, http.MethodPut, "/api/v1/rules", shadowRules)
	expectStatus(t, w, http.StatusOK)
	w = env.do(t, http.MethodPatch, "/api/v1/shadows/"+res.ThingID+"/desired", `{"setpoint":{"value":21}}`)
	expectStatus(t, w, http.StatusOK)

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	header := http.Header{"Authorization": {"Bearer " + res.Credentials.SessionToken}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/v1/devices/"+res.ThingID+"/session"), header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close() //nolint:errcheck // Upgrade response has no body
	defer conn.Close()

	// The gateway grants the full queue first, then pushes the pending delta.
	if f := readFrame(t, conn); f.Type != gateway.TypeCredit || f.Credits != 8 {
		t.Fatalf("first frame = %+v, want credit 8", f)
	}
	if f := readFrame(t, conn); f.Type != gateway.TypeShadowDelta || f.Delta["setpoint"].Version == 0 {
		t.Fatalf("second frame = %+v, want shadow delta with setpoint", f)
	}

	waitFor(t, "session registered", func() bool { return env.srv.sessions.Connected(res.ThingID) })

	err = conn.WriteJSON(gateway.Frame{
		Topic:     event.Topic(res.ThingID, event.KindShadowUpdate),
		Payload:   json.RawMessage(`{"reported":{"setpoint":21}}`),
		Timestamp: time.Now().UTC(),
		Seq:       1,
	})
	if err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	waitFor(t, "reported setpoint", func() bool {
		w := env.do(t, http.MethodGet, "/api/v1/shadows/"+res.ThingID+"/delta", nil)
		var body struct {
			Delta shadow.Delta `json:"delta"`
		}
		if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &body) != nil {
			return false
		}
		return len(body.Delta) == 0
	})

	// A frame for another Thing's topic is answered with an error frame.
	err = conn.WriteJSON(gateway.Frame{
		Topic:   event.Topic("someone-else", event.KindTelemetry),
		Payload: json.RawMessage(`{"x":1}`),
		Seq:     2,
	})
	if err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	for {
		f := readFrame(t, conn)
		if f.Type == gateway.TypeCredit {
			continue
		}
		if f.Type != gateway.TypeError || f.Code != gateway.CodeTopicForbidden || f.Seq != 2 {
			t.Fatalf("frame = %+v, want topic_forbidden for seq 2", f)
		}
		break
	}

	w = env.do(t, http.MethodGet, "/api/v1/sessions", nil)
	expectStatus(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), res.ThingID) {
		t.Errorf("sessions = %s, want %s", w.Body.String(), res.ThingID)
	}
}

func TestDeviceSession_RevokedMidSession(t *testing.T) {
	env := testServer(t)
	res := env.provisionDevice(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	header := http.Header{"Authorization": {"Bearer " + res.Credentials.SessionToken}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/v1/devices/"+res.ThingID+"/session"), header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close() //nolint:errcheck // Upgrade response has no body
	defer conn.Close()

	if f := readFrame(t, conn); f.Type != gateway.TypeCredit {
		t.Fatalf("first frame = %+v, want credit", f)
	}
	waitFor(t, "session registered", func() bool { return env.srv.sessions.Connected(res.ThingID) })

	w := env.do(t, http.MethodPost, "/api/v1/identities/"+res.IdentityFingerprint+"/revoke", nil)
	expectStatus(t, w, http.StatusOK)

	waitFor(t, "session closed", func() bool { return !env.srv.sessions.Connected(res.ThingID) })

	// The same token no longer opens a session.
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(ts, "/api/v1/devices/"+res.ThingID+"/session"), header)
	if err == nil {
		t.Fatal("Dial() succeeded with a revoked identity")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}
