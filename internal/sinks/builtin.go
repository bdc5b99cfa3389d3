package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-fleet/internal/delivery"
	"github.com/nerrad567/gray-logic-fleet/internal/event"
	"github.com/nerrad567/gray-logic-fleet/internal/shadow"
)

// Names of the built-in sinks.
const (
	ShadowSink   = "shadow"
	DetectorSink = "detector"
	PostureSink  = "posture"
)

// ErrWrongTopic is returned by the shadow sink for events that are not
// shadow updates.
var ErrWrongTopic = errors.New("sinks: event is not a shadow update")

// ShadowReporter is the part of shadow.Store used by the shadow sink.
type ShadowReporter interface {
	UpdateReported(ctx context.Context, thingID string, patch shadow.Patch) (*shadow.UpdateResult, error)
}

// Observer consumes routed events. Both the detector engine and the
// posture monitor implement it.
type Observer interface {
	Observe(ctx context.Context, ev event.Event) error
}

// Builtins holds the in-process consumers. Nil fields are skipped.
type Builtins struct {
	Shadow   ShadowReporter
	Detector Observer
	Posture  Observer
}

// RegisterBuiltins registers the in-process sinks.
func RegisterBuiltins(reg *delivery.Registry, b Builtins) {
	if b.Shadow != nil {
		reg.Register(delivery.SinkFunc{SinkName: ShadowSink, Fn: shadowDeliver(b.Shadow)})
	}
	if b.Detector != nil {
		reg.Register(delivery.SinkFunc{SinkName: DetectorSink, Fn: b.Detector.Observe})
	}
	if b.Posture != nil {
		reg.Register(delivery.SinkFunc{SinkName: PostureSink, Fn: b.Posture.Observe})
	}
}

// shadowDeliver applies a devices/{id}/shadow/update event to the reported
// half. Malformed documents, stale versions and unknown Things are fatal.
func shadowDeliver(store ShadowReporter) func(context.Context, event.Event) error {
	return func(ctx context.Context, ev event.Event) error {
		if _, kind, err := event.ParseTopic(ev.Topic); err != nil || kind != event.KindShadowUpdate {
			return delivery.Fatal(fmt.Errorf("%w: %s", ErrWrongTopic, ev.Topic))
		}
		patch, err := shadow.ParseReported(ev.Payload, ev.Timestamp)
		if err != nil {
			return delivery.Fatal(err)
		}
		_, err = store.UpdateReported(ctx, ev.ThingID, patch)
		switch {
		case err == nil:
			return nil
		case shadow.IsConflict(err),
			errors.Is(err, shadow.ErrThingNotFound),
			errors.Is(err, shadow.ErrEmptyPatch),
			errors.Is(err, shadow.ErrInvalidValue):
			return delivery.Fatal(err)
		}
		return err
	}
}
