package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-fleet/internal/audit"
	"github.com/nerrad567/gray-logic-fleet/internal/rules"
)

const defaultHistoryLimit = 20

// rulesResponse describes the active snapshot.
type rulesResponse struct {
	Version  int64        `json:"version"`
	Rules    []rules.Rule `json:"rules"`
	Problems []string     `json:"problems,omitempty"`
}

func snapshotResponse(snap *rules.Snapshot) rulesResponse {
	resp := rulesResponse{Version: snap.Version(), Rules: snap.Rules()}
	for _, p := range snap.Problems() {
		resp.Problems = append(resp.Problems, p.Error())
	}
	return resp
}

// handleGetRules returns the active rule set.
func (s *Server) handleGetRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, snapshotResponse(s.router.Snapshot()))
}

// handlePutRules replaces the active rule set with the YAML or JSON body.
// The new set is stored as the next version and swapped in atomically;
// events already being evaluated finish against the old snapshot.
func (s *Server) handlePutRules(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read body")
		return
	}
	rs, err := rules.Parse(body)
	if err != nil {
		writeValidationError(w, err.Error())
		return
	}
	s.applyRuleSet(w, r, rs, audit.ActionRulesApply)
}

// handleActivateRuleVersion re-applies a stored version as the next version.
func (s *Server) handleActivateRuleVersion(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.loadRuleVersion(w, r)
	if !ok {
		return
	}
	s.logger.Info("re-activating rule set", "from_version", rs.Version)
	s.applyRuleSet(w, r, rs, audit.ActionRulesActivate)
}

func (s *Server) applyRuleSet(w http.ResponseWriter, r *http.Request, rs *rules.RuleSet, action string) {
	from := rs.Version
	snap, err := s.router.Apply(r.Context(), rs)
	if errors.Is(err, rules.ErrInvalidRuleSet) {
		writeValidationError(w, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("applying rule set", "error", err)
		writeInternalError(w, "failed to apply rule set")
		return
	}
	details := map[string]any{"rules": snap.Len()}
	if action == audit.ActionRulesActivate {
		details["from_version"] = from
	}
	s.recordAudit(r, action, audit.EntityRuleSet, strconv.FormatInt(snap.Version(), 10), details)
	writeJSON(w, http.StatusOK, snapshotResponse(snap))
}

// handleRuleHistory lists stored versions, newest first.
func (s *Server) handleRuleHistory(w http.ResponseWriter, r *http.Request) {
	if s.ruleStore == nil {
		writeUnavailable(w, "rule history is not persisted")
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	history, err := s.ruleStore.History(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing rule history", "error", err)
		writeInternalError(w, "failed to list rule history")
		return
	}
	if history == nil {
		history = []rules.VersionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":   s.router.Snapshot().Version(),
		"versions": history,
	})
}

// handleGetRuleVersion returns one stored version.
func (s *Server) handleGetRuleVersion(w http.ResponseWriter, r *http.Request) {
	if rs, ok := s.loadRuleVersion(w, r); ok {
		writeJSON(w, http.StatusOK, rs)
	}
}

func (s *Server) loadRuleVersion(w http.ResponseWriter, r *http.Request) (*rules.RuleSet, bool) {
	if s.ruleStore == nil {
		writeUnavailable(w, "rule history is not persisted")
		return nil, false
	}
	version, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
	if err != nil || version < 1 {
		writeBadRequest(w, "version must be a positive integer")
		return nil, false
	}
	rs, err := s.ruleStore.Get(r.Context(), version)
	if errors.Is(err, rules.ErrVersionNotFound) {
		writeNotFound(w, "rule set version not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("loading rule set", "version", version, "error", err)
		writeInternalError(w, "failed to load rule set")
		return nil, false
	}
	return rs, true
}
