package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-fleet/internal/event"
	"github.com/nerrad567/gray-logic-fleet/internal/identity"
)

const (
	outBufferSize = 64
	flushTimeout  = time.Second
)

// session is one connected device. The reader goroutine admits frames;
// the writer goroutine owns the transport's write side.
type session struct {
	g           *Gateway
	id          uint64
	thingID     string
	fingerprint string
	connectedAt time.Time
	t           Transport

	// prev is the session this one replaced; set by register.
	prev  *session
	state *thingState

	queue    chan event.Event
	out      chan ServerFrame
	readDone chan struct{}
	drained  chan struct{}

	revoked     chan struct{}
	revokeOnce  sync.Once
	replaced    chan struct{}
	replaceOnce sync.Once
	goodbyeOnce sync.Once

	events atomic.Uint64
}

func newSession(g *Gateway, ident *identity.Identity, t Transport) *session {
	return &session{
		g:           g,
		id:          g.nextID.Add(1),
		thingID:     ident.ThingID,
		fingerprint: ident.Fingerprint,
		connectedAt: time.Now().UTC(),
		t:           t,
		queue:       make(chan event.Event, g.cfg.QueueSize),
		out:         make(chan ServerFrame, outBufferSize),
		readDone:    make(chan struct{}),
		drained:     make(chan struct{}),
		revoked:     make(chan struct{}),
		replaced:    make(chan struct{}),
	}
}

func (s *session) revoke() { s.revokeOnce.Do(func() { close(s.revoked) }) }

func (s *session) replace() { s.replaceOnce.Do(func() { close(s.replaced) }) }

func (s *session) isRevoked() bool {
	select {
	case <-s.revoked:
		return true
	default:
		return false
	}
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		ThingID:     s.thingID,
		Fingerprint: s.fingerprint,
		ConnectedAt: s.connectedAt,
		Events:      s.events.Load(),
	}
}

// run blocks until the session ends and returns the reason.
//
// Handlers run on hctx rather than the group context, so events already
// accepted are still handed on after the transport goes away. hctx ends
// one grace window after the session starts closing.
func (s *session) run(ctx context.Context) error {
	grp, gctx := errgroup.WithContext(ctx)
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(gctx, func() {
		time.AfterFunc(s.g.cfg.RevocationGrace, cancel)
	})
	defer stop()

	grp.Go(func() error {
		defer close(s.readDone)
		return s.read(gctx)
	})
	grp.Go(func() error {
		defer close(s.drained)
		return s.dispatch(gctx, hctx)
	})
	grp.Go(func() error { return s.write(gctx) })
	grp.Go(func() error { return s.watch(gctx) })
	err := grp.Wait()
	s.t.Close() //nolint:errcheck // already closed by the writer in most paths

	// The reader can still enqueue after a revoked drain has finished.
	if n := len(s.queue); n > 0 {
		s.abandon(n, "session ended")
	}
	return err
}

// abandon records accepted events that will never reach the handler.
func (s *session) abandon(n int, reason string) {
	s.g.metrics.EventsAbandoned(n)
	s.g.logger.Warn("accepted events abandoned", "thing_id", s.thingID, "session", s.id, "events", n, "reason", reason)
}

// watch ends the session on takeover, and bounds a revoked session even
// when the handler is stuck.
func (s *session) watch(ctx context.Context) error {
	select {
	case <-s.replaced:
		s.goodbye(CodeReplaced, ErrSessionReplaced)
		return ErrSessionReplaced
	case <-s.revoked:
	case <-ctx.Done():
		return nil
	}

	timer := time.NewTimer(s.g.cfg.RevocationGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
		s.goodbye(CodeRevoked, ErrRevoked)
		return ErrRevoked
	case <-s.replaced:
		s.goodbye(CodeReplaced, ErrSessionReplaced)
		return ErrSessionReplaced
	case <-ctx.Done():
		return nil
	}
}

// goodbye queues the single closing error frame.
func (s *session) goodbye(code string, err error) {
	s.goodbyeOnce.Do(func() { s.push(errorFrame(code, 0, err)) })
}

// ─── Reader ────────────────────────────────────────────────────────

func (s *session) read(ctx context.Context) error {
	for {
		data, err := s.t.ReadFrame(ctx)
		if err != nil {
			return err
		}
		if s.isRevoked() {
			return nil
		}

		ev, err := s.parse(data)
		if errors.Is(err, ErrSessionReplaced) {
			return nil
		}
		if err != nil {
			s.g.metrics.Frame(frameResult(err))
			s.g.logger.Debug("frame rejected", "thing_id", s.thingID, "error", err)
			s.push(errorFrame(codeFor(err), ev.Seq, err))
			continue
		}

		if !s.enqueue(ctx, ev) {
			return ctx.Err()
		}
	}
}

// enqueue queues ev, waiting for space when the queue is full. It reports
// false once the session is closing and the reader should stop.
func (s *session) enqueue(ctx context.Context, ev event.Event) bool {
	select {
	case s.queue <- ev:
		s.g.metrics.Frame("accepted")
		return true
	default:
	}

	// Reads stop while waiting, which is what throttles the device, so a
	// read-side liveness deadline is suspended for the wait.
	s.g.metrics.QueueBlocked()
	if p, ok := s.t.(Pausable); ok {
		p.PauseReads()
		defer p.ResumeReads()
	}
	select {
	case s.queue <- ev:
		s.g.metrics.Frame("accepted")
		return true
	case <-s.revoked:
		s.abandon(1, "revoked while queue full")
		return false
	case <-ctx.Done():
	}

	// The dispatcher is draining; ev still gets its turn if it fits.
	select {
	case s.queue <- ev:
		s.g.metrics.Frame("accepted")
	case <-s.drained:
		s.abandon(1, "closed while queue full")
	}
	return false
}

// parse validates one frame. On rejection the returned event carries only
// the device's seq so the error frame can reference it.
func (s *session) parse(data []byte) (event.Event, error) {
	if limit := s.g.cfg.MaxFrameSize; limit > 0 && len(data) > limit {
		return event.Event{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return event.Event{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	thingID, _, err := event.ParseTopic(f.Topic)
	if err != nil || thingID != s.thingID {
		return event.Event{Seq: f.Seq}, fmt.Errorf("%w: %q", ErrTopicForbidden, f.Topic)
	}
	return s.g.admit(s.thingID, s, f)
}

func frameResult(err error) string {
	switch {
	case errors.Is(err, ErrTimestampRegressed):
		return "regressed"
	case errors.Is(err, ErrTopicForbidden):
		return "forbidden"
	case errors.Is(err, ErrFrameTooLarge):
		return "too_large"
	}
	return "malformed"
}

// ─── Dispatcher ────────────────────────────────────────────────────

// dispatch hands queued events to the handler on hctx. When the session
// starts closing, whatever is queued is drained before it returns.
func (s *session) dispatch(ctx, hctx context.Context) error {
	s.send(ctx, creditFrame(s.g.cfg.QueueSize))
	s.awaitPredecessor(hctx)
	s.sendInitialDelta(ctx)

	drained := 0
	for {
		select {
		case ev := <-s.queue:
			if err := s.handle(hctx, ev); err != nil {
				s.abandon(1+s.discardQueued(), "handler cancelled")
				return err
			}
			drained++
			if drained == s.g.cfg.CreditBatch {
				s.send(ctx, creditFrame(drained))
				drained = 0
			}
		case <-s.revoked:
			s.drain(hctx, false, "revoked")
			s.goodbye(CodeRevoked, ErrRevoked)
			return ErrRevoked
		case <-ctx.Done():
			s.drain(hctx, true, "closed")
			return nil
		}
	}
}

// awaitPredecessor keeps per-Thing order across a takeover: the replaced
// session and any in-flight bridged event are handed on first.
func (s *session) awaitPredecessor(ctx context.Context) {
	if prev := s.prev; prev != nil {
		s.prev = nil
		select {
		case <-prev.drained:
		case <-ctx.Done():
		}
	}
	if s.state != nil {
		s.state.bridgeMu.Lock()
		s.state.bridgeMu.Unlock() //nolint:staticcheck // barrier only
	}
}

// drain hands queued events to the handler until the queue is empty or the
// grace window ends. With waitReader it also picks up anything the reader
// enqueues before it exits.
func (s *session) drain(ctx context.Context, waitReader bool, reason string) {
	dctx, cancel := context.WithTimeout(ctx, s.g.cfg.RevocationGrace)
	defer cancel()

	handled, lost := 0, 0
loop:
	for {
		var ev event.Event
		select {
		case ev = <-s.queue:
		case <-dctx.Done():
			break loop
		default:
			if !waitReader {
				break loop
			}
			select {
			case ev = <-s.queue:
			case <-s.readDone:
				waitReader = false
				continue
			case <-dctx.Done():
				break loop
			}
		}
		if err := s.handle(dctx, ev); err != nil {
			lost = 1
			break loop
		}
		handled++
	}

	abandoned := lost + s.discardQueued()
	s.g.logger.Info("session drained", "thing_id", s.thingID, "session", s.id, "reason", reason, "events", handled, "abandoned", abandoned)
	if abandoned > 0 {
		s.abandon(abandoned, reason)
	}
}

// discardQueued empties the queue and returns how many events it held.
func (s *session) discardQueued() int {
	n := 0
	for {
		select {
		case <-s.queue:
			n++
		default:
			return n
		}
	}
}

// handle dispatches one event. Only context errors end the session.
func (s *session) handle(ctx context.Context, ev event.Event) error {
	if _, kind, _ := event.ParseTopic(ev.Topic); kind == event.KindShadowGet {
		s.replyShadow(ctx, ev)
		return nil
	}
	if err := s.g.handler(ctx, ev); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.g.logger.Warn("event handler failed", "thing_id", s.thingID, "seq", ev.Seq, "error", err)
		s.push(errorFrame(CodeInternal, ev.Seq, err))
		return nil
	}
	s.events.Add(1)
	return nil
}

func (s *session) replyShadow(ctx context.Context, ev event.Event) {
	if s.g.shadows == nil {
		s.push(errorFrame(CodeInternal, ev.Seq, errors.New("shadow store not available")))
		return
	}
	doc, err := s.g.shadows.Get(ctx, s.thingID)
	if err != nil {
		s.push(errorFrame(CodeInternal, ev.Seq, err))
		return
	}
	s.send(ctx, ServerFrame{Type: TypeShadow, Seq: ev.Seq, Shadow: doc, Delta: doc.Delta()})
}

func (s *session) sendInitialDelta(ctx context.Context) {
	if s.g.shadows == nil {
		return
	}
	doc, err := s.g.shadows.Get(ctx, s.thingID)
	if err != nil {
		s.g.logger.Debug("no shadow for connecting thing", "thing_id", s.thingID, "error", err)
		return
	}
	if d := doc.Delta(); len(d) > 0 {
		s.send(ctx, deltaFrame(d))
	}
}

// ─── Writer ────────────────────────────────────────────────────────

// send queues f for the writer, waiting for space.
func (s *session) send(ctx context.Context, f ServerFrame) bool {
	select {
	case s.out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// push queues f without waiting; it is dropped if the writer is behind.
func (s *session) push(f ServerFrame) {
	select {
	case s.out <- f:
	default:
		s.g.logger.Warn("outbound frame dropped", "thing_id", s.thingID, "type", f.Type)
	}
}

func (s *session) write(ctx context.Context) error {
	defer s.t.Close() //nolint:errcheck // closing unblocks the reader
	for {
		select {
		case f := <-s.out:
			if err := s.writeFrame(ctx, f); err != nil {
				return err
			}
		case <-ctx.Done():
			s.flush(context.WithoutCancel(ctx))
			return nil
		}
	}
}

// flush writes whatever is already queued, typically the closing error frame.
func (s *session) flush(ctx context.Context) {
	fctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	for {
		select {
		case f := <-s.out:
			if err := s.writeFrame(fctx, f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *session) writeFrame(ctx context.Context, f ServerFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	return s.t.WriteFrame(ctx, data)
}
