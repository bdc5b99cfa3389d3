package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-fleet/internal/event"
	"github.com/nerrad567/gray-logic-fleet/internal/identity"
)

// ThingIdentities is the part of identity.Store used by the bridge.
type ThingIdentities interface {
	ListIdentities(ctx context.Context, thingID string) ([]identity.Identity, error)
}

// Bridge admits frames that devices publish through an external MQTT
// broker. The broker terminates the device's TLS session; the bridge
// requires an active identity for the Thing and applies the same
// per-Thing timestamp ordering as direct sessions.
//
// A Thing with a direct session is served by that session only.
type Bridge struct {
	g          *Gateway
	identities ThingIdentities
}

// NewBridge creates a bridge feeding g's handler.
func NewBridge(g *Gateway, identities ThingIdentities) *Bridge {
	return &Bridge{g: g, identities: identities}
}

// Ingest handles one broker message. The message body is a Frame; its
// topic may be omitted and otherwise has to match the broker topic. Only
// telemetry and shadow/update are accepted. Ingest blocks while the
// handler pushes back.
func (b *Bridge) Ingest(ctx context.Context, topic string, body []byte) error {
	thingID, kind, err := event.ParseTopic(topic)
	if err != nil {
		return b.reject(fmt.Errorf("%w: %w", ErrTopicForbidden, err))
	}
	if kind != event.KindTelemetry && kind != event.KindShadowUpdate {
		return b.reject(fmt.Errorf("%w: %q is not bridged", ErrTopicForbidden, topic))
	}
	if limit := b.g.cfg.MaxFrameSize; limit > 0 && len(body) > limit {
		return b.reject(fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body)))
	}

	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return b.reject(fmt.Errorf("%w: %w", ErrMalformedFrame, err))
	}
	if f.Topic == "" {
		f.Topic = topic
	} else if f.Topic != topic {
		return b.reject(fmt.Errorf("%w: frame topic %q on %q", ErrTopicForbidden, f.Topic, topic))
	}

	if err := b.authorize(ctx, thingID); err != nil {
		return err
	}

	st := b.g.state(thingID)
	st.bridgeMu.Lock()
	defer st.bridgeMu.Unlock()

	ev, err := b.g.admit(thingID, nil, f)
	if err != nil {
		return b.reject(err)
	}
	b.g.metrics.Frame("accepted")

	if err := b.g.handler(ctx, ev); err != nil {
		b.g.metrics.EventsAbandoned(1)
		return fmt.Errorf("handing bridged event %s/%d: %w", thingID, ev.Seq, err)
	}
	return nil
}

func (b *Bridge) authorize(ctx context.Context, thingID string) error {
	idents, err := b.identities.ListIdentities(ctx, thingID)
	if err != nil {
		return fmt.Errorf("looking up identities for %s: %w", thingID, err)
	}
	for _, ident := range idents {
		if ident.Active() {
			return nil
		}
	}
	b.g.metrics.AuthFailure("bridge_no_identity")
	if b.g.posture != nil {
		b.g.posture.RecordAuthFailure(thingID)
	}
	return fmt.Errorf("%w: no active identity for %s", ErrAuthentication, thingID)
}

func (b *Bridge) reject(err error) error {
	if errors.Is(err, ErrSessionActive) {
		b.g.metrics.Frame("session_active")
	} else {
		b.g.metrics.Frame(frameResult(err))
	}
	return err
}
