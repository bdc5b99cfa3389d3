package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-fleet/internal/audit"
	"github.com/nerrad567/gray-logic-fleet/internal/identity"
)

// thingResponse is a Thing with its bindings and live session state.
type thingResponse struct {
	identity.Thing
	Policies   []string            `json:"policies"`
	Identities []identity.Identity `json:"identities"`
	Connected  bool                `json:"connected"`
}

// handleListThings lists every registered Thing.
func (s *Server) handleListThings(w http.ResponseWriter, r *http.Request) {
	things, err := s.identities.ListThings(r.Context())
	if err != nil {
		s.logger.Error("listing things", "error", err)
		writeInternalError(w, "failed to list things")
		return
	}
	if things == nil {
		things = []identity.Thing{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"things": things,
		"count":  len(things),
	})
}

// handleGetThing returns one Thing with its identities and policies.
func (s *Server) handleGetThing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	thingID := chi.URLParam(r, "thingId")

	thing, err := s.identities.GetThing(ctx, thingID)
	if errors.Is(err, identity.ErrThingNotFound) {
		writeNotFound(w, "thing not found")
		return
	}
	if err != nil {
		s.logger.Error("loading thing", "thing_id", thingID, "error", err)
		writeInternalError(w, "failed to load thing")
		return
	}

	policies, err := s.identities.ThingPolicies(ctx, thingID)
	if err != nil {
		s.logger.Error("loading thing policies", "thing_id", thingID, "error", err)
		writeInternalError(w, "failed to load thing")
		return
	}
	idents, err := s.identities.ListIdentities(ctx, thingID)
	if err != nil {
		s.logger.Error("loading thing identities", "thing_id", thingID, "error", err)
		writeInternalError(w, "failed to load thing")
		return
	}
	if idents == nil {
		idents = []identity.Identity{}
	}

	writeJSON(w, http.StatusOK, thingResponse{
		Thing:      *thing,
		Policies:   policies,
		Identities: idents,
		Connected:  s.sessions.Connected(thingID),
	})
}

// handleListIdentities lists a Thing's identities, newest first.
func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	thingID := chi.URLParam(r, "thingId")
	if _, err := s.identities.GetThing(r.Context(), thingID); errors.Is(err, identity.ErrThingNotFound) {
		writeNotFound(w, "thing not found")
		return
	}
	idents, err := s.identities.ListIdentities(r.Context(), thingID)
	if err != nil {
		s.logger.Error("listing identities", "thing_id", thingID, "error", err)
		writeInternalError(w, "failed to list identities")
		return
	}
	if idents == nil {
		idents = []identity.Identity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"identities": idents})
}

// handleDeregisterThing revokes every identity of a Thing (closing its
// session) and deletes it together with its shadow.
func (s *Server) handleDeregisterThing(w http.ResponseWriter, r *http.Request) {
	thingID := chi.URLParam(r, "thingId")
	err := s.identities.Deregister(r.Context(), thingID)
	if errors.Is(err, identity.ErrThingNotFound) {
		writeNotFound(w, "thing not found")
		return
	}
	if err != nil {
		s.logger.Error("deregistering thing", "thing_id", thingID, "error", err)
		writeInternalError(w, "failed to deregister thing")
		return
	}
	if s.detectors != nil {
		s.removeDetectorsFor(r, thingID)
	}
	s.recordAudit(r, audit.ActionDeregister, audit.EntityThing, thingID, nil)
	w.WriteHeader(http.StatusNoContent)
}

// removeDetectorsFor drops the detector state of a deregistered Thing.
func (s *Server) removeDetectorsFor(r *http.Request, thingID string) {
	views, err := s.detectors.List(r.Context())
	if err != nil {
		return
	}
	for _, v := range views {
		if v.ThingID == thingID {
			//nolint:errcheck // entity may already be gone
			s.detectors.RemoveEntity(r.Context(), v.EntityID)
		}
	}
}

// handleRevokeIdentity revokes one credential. Revoking twice is not an error.
func (s *Server) handleRevokeIdentity(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	ident, err := s.identities.Revoke(r.Context(), fp)
	if errors.Is(err, identity.ErrIdentityNotFound) {
		writeNotFound(w, "identity not found")
		return
	}
	if err != nil {
		s.logger.Error("revoking identity", "fingerprint", fp, "error", err)
		writeInternalError(w, "failed to revoke identity")
		return
	}
	s.recordAudit(r, audit.ActionRevoke, audit.EntityIdentity, fp, map[string]any{"thing_id": ident.ThingID})
	writeJSON(w, http.StatusOK, ident)
}
