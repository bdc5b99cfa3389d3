package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-fleet/internal/gateway"
)

const (
	defaultDeviceFrameSize = 64 * 1024
	defaultDevicePing      = 30 * time.Second
	defaultDevicePong      = 10 * time.Second
)

// handleDeviceSession authenticates a device and upgrades the connection
// to a gateway session. Authentication failures are answered with 401
// before the upgrade.
func (s *Server) handleDeviceSession(w http.ResponseWriter, r *http.Request) {
	thingID := chi.URLParam(r, "thingId")

	var creds gateway.Credentials
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		creds.PeerCertificate = r.TLS.PeerCertificates[0]
	}
	if token, ok := bearerToken(r); ok {
		creds.Token = token
	}

	ident, err := s.sessions.Authenticate(r.Context(), thingID, creds)
	if err != nil {
		if errors.Is(err, gateway.ErrAuthentication) {
			writeUnauthorized(w, err.Error())
			return
		}
		writeInternalError(w, "authentication failed")
		return
	}

	conn, err := gateway.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("device session upgrade failed", "thing_id", thingID, "error", err)
		return
	}

	maxFrame := int64(s.gwCfg.MaxFrameSize)
	if maxFrame <= 0 {
		maxFrame = defaultDeviceFrameSize
	}
	ping := time.Duration(s.gwCfg.PingInterval) * time.Second
	if ping <= 0 {
		ping = defaultDevicePing
	}
	pong := time.Duration(s.gwCfg.PongTimeout) * time.Second
	if pong <= 0 {
		pong = defaultDevicePong
	}

	// Serve blocks for the lifetime of the session; the request context is
	// derived from the server's base context and ends on Close.
	//nolint:errcheck // the gateway logs why the session ended
	s.sessions.Serve(r.Context(), ident, gateway.NewWebSocketTransport(conn, maxFrame, ping, pong))
}
