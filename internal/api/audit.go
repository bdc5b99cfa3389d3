package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-fleet/internal/audit"
)

// recordAudit stores an operator action. The action has already
// succeeded, so a failed write is logged and not reported to the caller.
func (s *Server) recordAudit(r *http.Request, action, entityType, entityID string, details map[string]any) {
	if s.audit == nil {
		return
	}
	if reqID, ok := r.Context().Value(ctxKeyRequestID).(string); ok && reqID != "" {
		if details == nil {
			details = make(map[string]any, 1)
		}
		details["request_id"] = reqID
	}
	e := &audit.Entry{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Source:     audit.SourceAPI,
		Details:    details,
	}
	if err := s.audit.Record(r.Context(), e); err != nil {
		s.logger.Warn("recording audit entry", "action", action, "entity_id", entityID, "error", err)
	}
}

// handleListAudit returns audit entries, most recent first.
//
// Query: action, entity_type, entity_id, limit (max 200), offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
		f.Offset = n
	}

	page, err := s.audit.List(r.Context(), f)
	if err != nil {
		s.logger.Error("listing audit entries", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, page)
}
