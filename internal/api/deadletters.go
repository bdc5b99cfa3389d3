package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-fleet/internal/audit"
	"github.com/nerrad567/gray-logic-fleet/internal/delivery"
)

// handleListDeadLetters lists dead letters, optionally filtered by
// thing_id and sink.
func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := delivery.ListFilter{ThingID: q.Get("thing_id"), Sink: q.Get("sink")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	items, err := s.deadLetters.List(r.Context(), f)
	if err != nil {
		s.logger.Error("listing dead letters", "error", err)
		writeInternalError(w, "failed to list dead letters")
		return
	}
	if items == nil {
		items = []delivery.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dead_letters": items,
		"count":        len(items),
	})
}

// handleGetDeadLetter returns one dead letter.
func (s *Server) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	dl, err := s.deadLetters.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, delivery.ErrDeadLetterNotFound) {
		writeNotFound(w, "dead letter not found")
		return
	}
	if err != nil {
		s.logger.Error("loading dead letter", "error", err)
		writeInternalError(w, "failed to load dead letter")
		return
	}
	writeJSON(w, http.StatusOK, dl)
}

// handleDeleteDeadLetter discards a dead letter without replaying it.
func (s *Server) handleDeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.deadLetters.Delete(r.Context(), id)
	if errors.Is(err, delivery.ErrDeadLetterNotFound) {
		writeNotFound(w, "dead letter not found")
		return
	}
	if err != nil {
		s.logger.Error("deleting dead letter", "id", id, "error", err)
		writeInternalError(w, "failed to delete dead letter")
		return
	}
	s.recordAudit(r, audit.ActionDiscard, audit.EntityDeadLetter, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleReplayDeadLetter re-delivers a dead letter once. A failed replay
// keeps the record and answers 502 with the sink error.
func (s *Server) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.deliverer.Replay(r.Context(), id)
	switch {
	case err == nil:
		s.recordAudit(r, audit.ActionReplay, audit.EntityDeadLetter, id, nil)
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "replayed": true})
	case errors.Is(err, delivery.ErrDeadLetterNotFound):
		writeNotFound(w, "dead letter not found")
	case errors.Is(err, delivery.ErrUnknownSink):
		writeConflict(w, err.Error(), nil)
	default:
		writeError(w, http.StatusBadGateway, ErrCodeUnavailable, err.Error())
	}
}

// handleExportDeadLetters writes the dead-letter table to object storage.
func (s *Server) handleExportDeadLetters(w http.ResponseWriter, r *http.Request) {
	key, n, err := s.deliverer.Export(r.Context())
	if errors.Is(err, delivery.ErrExportDisabled) {
		writeUnavailable(w, "object storage is not configured")
		return
	}
	if err != nil {
		s.logger.Error("exporting dead letters", "error", err)
		writeInternalError(w, "failed to export dead letters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "count": n})
}
