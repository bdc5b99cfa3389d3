package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-fleet/internal/audit"
	"github.com/nerrad567/gray-logic-fleet/internal/shadow"
)

// handleGetShadow returns the full shadow document with its delta.
func (s *Server) handleGetShadow(w http.ResponseWriter, r *http.Request) {
	thingID := chi.URLParam(r, "thingId")
	doc, err := s.shadows.Get(r.Context(), thingID)
	if err != nil {
		s.writeShadowError(w, thingID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thing_id": doc.ThingID,
		"desired":  doc.Desired,
		"reported": doc.Reported,
		"delta":    doc.Delta(),
	})
}

// handleGetDelta returns the desired fields the device has not reported.
func (s *Server) handleGetDelta(w http.ResponseWriter, r *http.Request) {
	thingID := chi.URLParam(r, "thingId")
	delta, err := s.shadows.GetDelta(r.Context(), thingID)
	if err != nil {
		s.writeShadowError(w, thingID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thing_id": thingID,
		"delta":    delta,
	})
}

// handlePatchDesired applies a desired-state patch:
//
//	{"tempC": {"value": 21.5, "version": 4}, "mode": {"value": "eco"}}
//
// A field without version gets the next version. Any stale field rejects
// the whole patch with 409 listing the conflicting fields.
func (s *Server) handlePatchDesired(w http.ResponseWriter, r *http.Request) {
	thingID := chi.URLParam(r, "thingId")

	var patch shadow.Patch
	if err := decodeJSON(r, &patch); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	res, err := s.shadows.UpdateDesired(r.Context(), thingID, patch)
	if err != nil {
		s.writeShadowError(w, thingID, err)
		return
	}
	if len(res.Applied) > 0 {
		s.recordAudit(r, audit.ActionDesiredUpdate, audit.EntityShadow, thingID, map[string]any{"fields": res.Applied})
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeShadowError(w http.ResponseWriter, thingID string, err error) {
	var ce *shadow.ConflictError
	switch {
	case errors.As(err, &ce):
		writeConflict(w, err.Error(), ce.Fields)
	case errors.Is(err, shadow.ErrThingNotFound):
		writeNotFound(w, "thing not found")
	case errors.Is(err, shadow.ErrEmptyPatch), errors.Is(err, shadow.ErrInvalidValue):
		writeValidationError(w, err.Error())
	default:
		s.logger.Error("shadow operation failed", "thing_id", thingID, "error", err)
		writeInternalError(w, "shadow operation failed")
	}
}
