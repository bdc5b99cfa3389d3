package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nerrad567/gray-logic-fleet/internal/shadow"
)

// Frame is an inbound device frame.
type Frame struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"seq"`
}

// Outbound frame types.
const (
	TypeCredit      = "credit"
	TypeError       = "error"
	TypeShadow      = "shadow"
	TypeShadowDelta = "shadow_delta"
)

// Error codes sent in error frames.
const (
	CodeTimestampRegressed = "timestamp_regressed"
	CodeTopicForbidden     = "topic_forbidden"
	CodeMalformedFrame     = "malformed_frame"
	CodeFrameTooLarge      = "frame_too_large"
	CodeRevoked            = "revoked"
	CodeReplaced           = "replaced"
	CodeInternal           = "internal_error"
)

// ServerFrame is an outbound frame. Only the fields of its Type are set.
type ServerFrame struct {
	Type    string           `json:"type"`
	Credits int              `json:"credits,omitempty"`
	Code    string           `json:"code,omitempty"`
	Message string           `json:"message,omitempty"`
	Seq     uint64           `json:"seq,omitempty"`
	Shadow  *shadow.Document `json:"shadow,omitempty"`
	Delta   shadow.Delta     `json:"delta,omitempty"`
}

func creditFrame(n int) ServerFrame {
	return ServerFrame{Type: TypeCredit, Credits: n}
}

func errorFrame(code string, seq uint64, err error) ServerFrame {
	return ServerFrame{Type: TypeError, Code: code, Seq: seq, Message: err.Error()}
}

func deltaFrame(d shadow.Delta) ServerFrame {
	return ServerFrame{Type: TypeShadowDelta, Delta: d}
}

// codeFor maps frame rejections to error codes.
func codeFor(err error) string {
	switch {
	case errors.Is(err, ErrTimestampRegressed):
		return CodeTimestampRegressed
	case errors.Is(err, ErrTopicForbidden):
		return CodeTopicForbidden
	case errors.Is(err, ErrMalformedFrame):
		return CodeMalformedFrame
	case errors.Is(err, ErrFrameTooLarge):
		return CodeFrameTooLarge
	}
	return CodeInternal
}
