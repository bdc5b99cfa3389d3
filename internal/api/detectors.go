package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-fleet/internal/audit"
	"github.com/nerrad567/gray-logic-fleet/internal/detector"
	"github.com/nerrad567/gray-logic-fleet/internal/posture"
)

// handleListDetectors lists every detector entity with its current state.
func (s *Server) handleListDetectors(w http.ResponseWriter, r *http.Request) {
	views, err := s.detectors.List(r.Context())
	if err != nil {
		s.writeDetectorError(w, "", err)
		return
	}
	if views == nil {
		views = []detector.View{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entities": views,
		"configs":  s.detectors.Configs(),
	})
}

// handleGetDetector returns one entity's state, counters and window.
func (s *Server) handleGetDetector(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entityId")
	v, err := s.detectors.Snapshot(r.Context(), id)
	if err != nil {
		s.writeDetectorError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleDeleteDetector resets an entity. A later sample recreates it in NORMAL.
func (s *Server) handleDeleteDetector(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entityId")
	if err := s.detectors.RemoveEntity(r.Context(), id); err != nil {
		s.writeDetectorError(w, id, err)
		return
	}
	s.recordAudit(r, audit.ActionDetectorDelete, audit.EntityDetector, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeDetectorError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, detector.ErrEntityNotFound):
		writeNotFound(w, "detector entity not found")
	case errors.Is(err, detector.ErrEngineStopped):
		writeUnavailable(w, "detector engine is not running")
	default:
		s.logger.Error("detector request failed", "entity_id", id, "error", err)
		writeInternalError(w, "detector request failed")
	}
}

// handleListPosture lists the Things the posture monitor is tracking.
func (s *Server) handleListPosture(w http.ResponseWriter, _ *http.Request) {
	things := s.posture.Things()
	writeJSON(w, http.StatusOK, map[string]any{
		"things": things,
		"count":  len(things),
	})
}

// handleGetPosture returns a Thing's windowed counts, scores and severities.
func (s *Server) handleGetPosture(w http.ResponseWriter, r *http.Request) {
	st, err := s.posture.Status(chi.URLParam(r, "thingId"))
	if errors.Is(err, posture.ErrThingNotTracked) {
		writeNotFound(w, "thing has no recent activity")
		return
	}
	if err != nil {
		writeInternalError(w, "failed to load posture")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
