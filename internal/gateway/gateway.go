package gateway

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-fleet/internal/auth"
	"github.com/nerrad567/gray-logic-fleet/internal/event"
	"github.com/nerrad567/gray-logic-fleet/internal/identity"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-fleet/internal/shadow"
)

// Logger is the logging interface used by the gateway.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Handler receives every accepted event in per-Thing order. It may block;
// the session's queue absorbs the wait and then pushes back on the device.
type Handler func(ctx context.Context, ev event.Event) error

// Identities is the part of identity.Store used by the gateway.
type Identities interface {
	Authenticate(ctx context.Context, fingerprint string) (*identity.Identity, error)
	TouchLastSeen(ctx context.Context, thingID string, at time.Time) error
}

// Shadows is the part of shadow.Store used by the gateway.
type Shadows interface {
	Get(ctx context.Context, thingID string) (*shadow.Document, error)
}

// Posture is the part of posture.Monitor used by the gateway.
type Posture interface {
	RecordConnect(thingID string)
	RecordAuthFailure(thingID string)
}

// Credentials presented by a connecting device. Exactly one is needed;
// a peer certificate takes precedence.
type Credentials struct {
	Token           string
	PeerCertificate *x509.Certificate
}

// Config controls sessions.
type Config struct {
	TokenSecret     string
	QueueSize       int
	CreditBatch     int
	MaxFrameSize    int
	RevocationGrace time.Duration
}

// ConfigFrom builds the gateway config from the service configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		TokenSecret:     c.Security.DeviceTokenSecret,
		QueueSize:       c.Gateway.QueueSize,
		CreditBatch:     c.Gateway.CreditBatch,
		MaxFrameSize:    c.Gateway.MaxFrameSize,
		RevocationGrace: c.GetRevocationGrace(),
	}
}

func (c Config) normalised() Config {
	if c.QueueSize < 1 {
		c.QueueSize = 64
	}
	if c.CreditBatch < 1 || c.CreditBatch > c.QueueSize {
		c.CreditBatch = max(1, c.QueueSize/4) //nolint:mnd // grant a quarter of the window at a time
	}
	if c.RevocationGrace <= 0 {
		c.RevocationGrace = 2 * time.Second
	}
	return c
}

// SessionInfo describes a connected device.
type SessionInfo struct {
	ThingID     string    `json:"thing_id"`
	Fingerprint string    `json:"fingerprint"`
	ConnectedAt time.Time `json:"connected_at"`
	Events      uint64    `json:"events"`
}

// thingState is the ordering state of one Thing. It outlives sessions so a
// reconnecting device cannot replay timestamps it was already past.
type thingState struct {
	lastTS time.Time
	seq    uint64

	// bridgeMu is held by the broker bridge from admission until the
	// handler returns; a new session takes it once before dispatching.
	bridgeMu sync.Mutex
}

// Gateway accepts device sessions.
type Gateway struct {
	cfg        Config
	identities Identities
	handler    Handler
	shadows    Shadows
	posture    Posture

	logger  Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*session
	things   map[string]*thingState
	nextID   atomic.Uint64
	active   sync.WaitGroup
}

// New creates a gateway that hands events to handler.
func New(cfg Config, identities Identities, handler Handler) *Gateway {
	return &Gateway{
		cfg:        cfg.normalised(),
		identities: identities,
		handler:    handler,
		logger:     noopLogger{},
		sessions:   make(map[string]*session),
		things:     make(map[string]*thingState),
	}
}

// SetLogger sets the logger.
func (g *Gateway) SetLogger(l Logger) {
	if l != nil {
		g.logger = l
	}
}

// SetMetrics sets the metrics collector.
func (g *Gateway) SetMetrics(m *metrics.Metrics) { g.metrics = m }

// SetShadows enables shadow/get replies and the delta push on connect.
func (g *Gateway) SetShadows(s Shadows) { g.shadows = s }

// SetPosture enables connect and auth-failure accounting.
func (g *Gateway) SetPosture(p Posture) { g.posture = p }

// Authenticate verifies creds for thingID. Every failure is reported as
// ErrAuthentication and counted against the Thing's posture.
func (g *Gateway) Authenticate(ctx context.Context, thingID string, creds Credentials) (*identity.Identity, error) {
	ident, reason, err := g.authenticate(ctx, thingID, creds)
	if err != nil {
		g.metrics.AuthFailure(reason)
		if g.posture != nil {
			g.posture.RecordAuthFailure(thingID)
		}
		g.logger.Warn("device authentication failed", "thing_id", thingID, "reason", reason, "error", err)
		return nil, fmt.Errorf("%w: %s", ErrAuthentication, reason)
	}
	return ident, nil
}

func (g *Gateway) authenticate(ctx context.Context, thingID string, creds Credentials) (*identity.Identity, string, error) {
	var fingerprint string
	switch {
	case creds.PeerCertificate != nil:
		fp, err := auth.Fingerprint(creds.PeerCertificate.PublicKey)
		if err != nil {
			return nil, "bad_certificate", err
		}
		fingerprint = fp
	case creds.Token != "":
		claims, err := auth.ParseDeviceToken(creds.Token, g.cfg.TokenSecret)
		if err != nil {
			if errors.Is(err, auth.ErrTokenExpired) {
				return nil, "token_expired", err
			}
			return nil, "bad_token", err
		}
		if claims.Subject != thingID {
			return nil, "thing_mismatch", fmt.Errorf("token subject %q", claims.Subject)
		}
		fingerprint = claims.Fingerprint
	default:
		return nil, "no_credentials", errors.New("no credentials presented")
	}

	ident, err := g.identities.Authenticate(ctx, fingerprint)
	switch {
	case errors.Is(err, identity.ErrIdentityRevoked):
		return nil, "revoked", err
	case errors.Is(err, identity.ErrIdentityNotFound):
		return nil, "unknown_identity", err
	case err != nil:
		return nil, "lookup_failed", err
	}
	if ident.ThingID != thingID {
		return nil, "thing_mismatch", fmt.Errorf("identity bound to %q", ident.ThingID)
	}
	return ident, "", nil
}

// Accept authenticates and then serves a session on t until the device
// disconnects, ctx ends, the Thing reconnects elsewhere or its identity is
// revoked. On authentication failure t is closed and ErrAuthentication
// returned.
func (g *Gateway) Accept(ctx context.Context, thingID string, creds Credentials, t Transport) error {
	ident, err := g.Authenticate(ctx, thingID, creds)
	if err != nil {
		t.Close() //nolint:errcheck // Best-effort close of a rejected transport
		return err
	}
	return g.Serve(ctx, ident, t)
}

// Serve runs a session for an already authenticated identity. The
// transport is closed when Serve returns.
func (g *Gateway) Serve(ctx context.Context, ident *identity.Identity, t Transport) error {
	g.active.Add(1)
	defer g.active.Done()

	s := newSession(g, ident, t)
	g.register(s)
	defer g.unregister(s)

	// A revocation between Authenticate and register found no session.
	if _, err := g.identities.Authenticate(ctx, ident.Fingerprint); errors.Is(err, identity.ErrIdentityRevoked) {
		s.revoke()
	}

	if g.posture != nil {
		g.posture.RecordConnect(ident.ThingID)
	}
	g.touch(ctx, ident.ThingID)
	g.metrics.SessionOpened()
	g.logger.Info("device session opened", "thing_id", ident.ThingID, "fingerprint", ident.Fingerprint, "session", s.id)

	err := s.run(ctx)

	g.metrics.SessionClosed()
	g.touch(context.WithoutCancel(ctx), ident.ThingID)
	switch {
	case errors.Is(err, ErrRevoked), errors.Is(err, ErrSessionReplaced):
		g.logger.Info("device session ended", "thing_id", ident.ThingID, "session", s.id, "reason", err)
	case err != nil && !errors.Is(err, context.Canceled) && !IsNormalClose(err):
		g.logger.Debug("device session closed", "thing_id", ident.ThingID, "session", s.id, "error", err)
	default:
		g.logger.Info("device session closed", "thing_id", ident.ThingID, "session", s.id)
	}
	return err
}

// Wait blocks until every session has finished draining or ctx ends. Call
// it after the listener stops and before stopping the handler.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) touch(ctx context.Context, thingID string) {
	if err := g.identities.TouchLastSeen(ctx, thingID, time.Now().UTC()); err != nil {
		g.logger.Debug("last seen update failed", "thing_id", thingID, "error", err)
	}
}

// register installs s, replacing any older session of the same Thing. The
// replaced session finishes dispatching before s starts.
func (g *Gateway) register(s *session) {
	g.mu.Lock()
	old := g.sessions[s.thingID]
	g.sessions[s.thingID] = s
	s.prev = old
	s.state = g.stateLocked(s.thingID)
	g.mu.Unlock()

	if old != nil {
		g.logger.Info("device session taken over", "thing_id", s.thingID, "old_session", old.id, "new_session", s.id)
		old.replace()
	}
}

func (g *Gateway) unregister(s *session) {
	g.mu.Lock()
	if g.sessions[s.thingID] == s {
		delete(g.sessions, s.thingID)
	}
	g.mu.Unlock()
}

func (g *Gateway) stateLocked(thingID string) *thingState {
	st := g.things[thingID]
	if st == nil {
		st = &thingState{}
		g.things[thingID] = st
	}
	return st
}

func (g *Gateway) state(thingID string) *thingState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateLocked(thingID)
}

// admit applies the Thing's timestamp ordering to f and numbers the event.
// owner is the session the frame arrived on, or nil for the broker bridge;
// a frame from anything other than the Thing's current ingress is refused.
func (g *Gateway) admit(thingID string, owner *session, f Frame) (event.Event, error) {
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if current := g.sessions[thingID]; current != owner {
		if owner == nil {
			return event.Event{Seq: f.Seq}, ErrSessionActive
		}
		return event.Event{Seq: f.Seq}, ErrSessionReplaced
	}
	st := g.stateLocked(thingID)
	if ts.Before(st.lastTS) {
		return event.Event{Seq: f.Seq}, fmt.Errorf("%w: %s before %s", ErrTimestampRegressed,
			ts.Format(time.RFC3339Nano), st.lastTS.Format(time.RFC3339Nano))
	}
	st.lastTS = ts
	st.seq++

	return event.Event{
		ThingID:   thingID,
		Topic:     f.Topic,
		Payload:   f.Payload,
		Timestamp: ts,
		Seq:       st.seq,
	}, nil
}

// LastAccepted returns the timestamp of the newest event accepted for
// thingID, or the zero time.
func (g *Gateway) LastAccepted(thingID string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st := g.things[thingID]; st != nil {
		return st.lastTS
	}
	return time.Time{}
}

func (g *Gateway) lookup(thingID string) *session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions[thingID]
}

// HandleRevoked is an identity.RevocationListener: the session holding the
// revoked fingerprint stops reading and closes after the grace window.
func (g *Gateway) HandleRevoked(ident identity.Identity) {
	s := g.lookup(ident.ThingID)
	if s == nil || s.fingerprint != ident.Fingerprint {
		return
	}
	g.metrics.SessionRevoked()
	g.logger.Warn("revoking device session", "thing_id", ident.ThingID, "fingerprint", ident.Fingerprint, "session", s.id)
	s.revoke()
}

// HandleDesiredChange is a shadow.DesiredListener: a connected Thing gets
// the new delta pushed.
func (g *Gateway) HandleDesiredChange(thingID string, delta shadow.Delta) {
	if len(delta) == 0 {
		return
	}
	if s := g.lookup(thingID); s != nil {
		s.push(deltaFrame(delta))
	}
}

// Connected reports whether thingID has a live session.
func (g *Gateway) Connected(thingID string) bool {
	return g.lookup(thingID) != nil
}

// Sessions lists live sessions sorted by Thing id.
func (g *Gateway) Sessions() []SessionInfo {
	g.mu.Lock()
	out := make([]SessionInfo, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s.info())
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ThingID < out[j].ThingID })
	return out
}
