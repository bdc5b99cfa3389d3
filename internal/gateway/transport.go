package gateway

import "context"

// Transport carries whole frames between the gateway and one device.
//
// ReadFrame blocks until a frame arrives or the transport fails; Close
// must unblock it. WriteFrame is only called from one goroutine.
type Transport interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Close() error
}

// Pausable is implemented by transports with a read-side liveness check.
// The session pauses it while it withholds reads for backpressure, since
// no reads means no pong processing either.
type Pausable interface {
	PauseReads()
	ResumeReads()
}
