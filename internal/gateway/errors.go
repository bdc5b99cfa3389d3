package gateway

import "errors"

// Sentinel errors; check with errors.Is.
var (
	// ErrAuthentication is returned when credentials are missing, invalid,
	// revoked or bound to another Thing.
	ErrAuthentication = errors.New("gateway: authentication failed")

	// ErrTimestampRegressed is reported to the device when a frame is older
	// than the last accepted one. The frame is dropped; the session stays up.
	ErrTimestampRegressed = errors.New("gateway: timestamp regressed")

	// ErrTopicForbidden is reported for topics outside the session's Thing.
	ErrTopicForbidden = errors.New("gateway: topic not owned by session")

	// ErrMalformedFrame is reported for frames that are not valid JSON.
	ErrMalformedFrame = errors.New("gateway: malformed frame")

	// ErrFrameTooLarge is reported for frames above the size limit.
	ErrFrameTooLarge = errors.New("gateway: frame too large")

	// ErrSessionReplaced ends a session when the same Thing reconnects.
	ErrSessionReplaced = errors.New("gateway: session replaced by newer connection")

	// ErrSessionActive is returned by the broker bridge for a Thing that
	// holds a direct session.
	ErrSessionActive = errors.New("gateway: thing has a direct session")

	// ErrRevoked ends a session whose identity was revoked.
	ErrRevoked = errors.New("gateway: identity revoked")
)
