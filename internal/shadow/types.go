package shadow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Half selects the desired or reported side of a shadow.
type Half string

const (
	HalfDesired  Half = "desired"
	HalfReported Half = "reported"
)

// FieldState is the stored state of one field.
type FieldState struct {
	Value     json.RawMessage `json:"value"`
	Version   uint64          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
}

// FieldUpdate is one field of a patch. Version 0 asks the store to assign
// the next version; a zero Timestamp is replaced with the current time.
type FieldUpdate struct {
	Value     json.RawMessage `json:"value"`
	Version   uint64          `json:"version,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// Patch maps field names to updates.
type Patch map[string]FieldUpdate

// Document is the full shadow of one Thing.
type Document struct {
	ThingID  string                `json:"thing_id"`
	Desired  map[string]FieldState `json:"desired"`
	Reported map[string]FieldState `json:"reported"`
}

// Delta is the set of desired fields the device has not yet reported.
type Delta map[string]FieldState

// Delta returns the desired fields that are absent from reported or whose
// reported value differs.
func (d *Document) Delta() Delta {
	out := Delta{}
	for field, want := range d.Desired {
		got, ok := d.Reported[field]
		if !ok || !sameValue(want.Value, got.Value) {
			out[field] = want
		}
	}
	return out
}

// UpdateResult lists what a patch changed.
type UpdateResult struct {
	Applied   []string              `json:"applied"`
	Unchanged []string              `json:"unchanged"`
	State     map[string]FieldState `json:"state"`
}

// DesiredListener is notified after a desired update commits, with the
// Thing's delta at that moment.
type DesiredListener func(thingID string, delta Delta)

// greater reports whether (v1, t1) sorts after (v2, t2).
func greater(v1 uint64, t1 time.Time, v2 uint64, t2 time.Time) bool {
	if v1 != v2 {
		return v1 > v2
	}
	return t1.After(t2)
}

// compactValue validates raw JSON and returns its compact form.
func compactValue(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidValue)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	return buf.Bytes(), nil
}

func sameValue(a, b json.RawMessage) bool {
	ca, errA := compactValue(a)
	cb, errB := compactValue(b)
	if errA != nil || errB != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca, cb)
}

// reportedDocument is the device shadow/update payload:
//
//	{"reported": {"tempC": 21.5}, "version": 7}
//
// version is optional and applies to every field.
type reportedDocument struct {
	Reported map[string]json.RawMessage `json:"reported"`
	Version  uint64                     `json:"version"`
}

// ParseReported turns a device shadow/update payload into a reported patch
// stamped with the event timestamp.
func ParseReported(payload []byte, ts time.Time) (Patch, error) {
	var doc reportedDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if len(doc.Reported) == 0 {
		return nil, fmt.Errorf("%w: no reported fields", ErrInvalidDocument)
	}
	patch := make(Patch, len(doc.Reported))
	for field, v := range doc.Reported {
		patch[field] = FieldUpdate{Value: v, Version: doc.Version, Timestamp: ts}
	}
	return patch, nil
}
