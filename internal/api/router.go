package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Device-facing routes authenticate with claim or session credentials
		r.Post("/provision", s.handleProvision)
		r.Get("/devices/{thingId}/session", s.handleDeviceSession)

		// Operator websocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleOperatorWS)

		// Operator routes
		r.Group(func(r chi.Router) {
			r.Use(s.operatorAuthMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)
			r.Get("/status", s.handleStatus)
			r.Get("/sessions", s.handleListSessions)

			if s.claims != nil {
				r.Route("/claims", func(r chi.Router) {
					r.Post("/", s.handleCreateClaim)
					r.Get("/{id}", s.handleGetClaim)
				})
			}

			r.Route("/things", func(r chi.Router) {
				r.Get("/", s.handleListThings)
				r.Route("/{thingId}", func(r chi.Router) {
					r.Get("/", s.handleGetThing)
					r.Delete("/", s.handleDeregisterThing)
					r.Get("/identities", s.handleListIdentities)
				})
			})
			r.Post("/identities/{fingerprint}/revoke", s.handleRevokeIdentity)

			if s.router != nil {
				r.Route("/rules", func(r chi.Router) {
					r.Get("/", s.handleGetRules)
					r.Put("/", s.handlePutRules)
					r.Get("/history", s.handleRuleHistory)
					r.Get("/{version}", s.handleGetRuleVersion)
					r.Post("/{version}/activate", s.handleActivateRuleVersion)
				})
			}

			if s.shadows != nil {
				r.Route("/shadows/{thingId}", func(r chi.Router) {
					r.Get("/", s.handleGetShadow)
					r.Patch("/desired", s.handlePatchDesired)
					r.Get("/delta", s.handleGetDelta)
				})
			}

			if s.deadLetters != nil && s.deliverer != nil {
				r.Route("/deadletters", func(r chi.Router) {
					r.Get("/", s.handleListDeadLetters)
					r.Post("/export", s.handleExportDeadLetters)
					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", s.handleGetDeadLetter)
						r.Delete("/", s.handleDeleteDeadLetter)
						r.Post("/replay", s.handleReplayDeadLetter)
					})
				})
			}

			if s.detectors != nil {
				r.Route("/detectors", func(r chi.Router) {
					r.Get("/", s.handleListDetectors)
					r.Get("/{entityId}", s.handleGetDetector)
					r.Delete("/{entityId}", s.handleDeleteDetector)
				})
			}

			if s.posture != nil {
				r.Route("/posture", func(r chi.Router) {
					r.Get("/", s.handleListPosture)
					r.Get("/{thingId}", s.handleGetPosture)
				})
			}

			if s.audit != nil {
				r.Get("/audit", s.handleListAudit)
			}
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":  "ok",
		"version": s.version,
	}
	if s.db != nil {
		if err := s.db.HealthCheck(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["database"] = err.Error()
		}
	}
	writeJSON(w, status, body)
}
