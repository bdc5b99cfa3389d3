package api

import (
	"net/http"
	"runtime"
	"time"
)

const bytesPerMB = 1024 * 1024

// SystemStatus is the GET /api/v1/status response.
type SystemStatus struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeStatus    `json:"runtime"`
	Gateway       GatewayStatus    `json:"gateway"`
	Operators     OperatorStatus   `json:"operators"`
	MQTT          MQTTStatus       `json:"mqtt"`
	Rules         *RulesStatus     `json:"rules,omitempty"`
	DeadLetters   *int             `json:"dead_letters,omitempty"`
	Database      *DatabaseStatus  `json:"database,omitempty"`
	Posture       *PostureSummary  `json:"posture,omitempty"`
	Detectors     *DetectorSummary `json:"detectors,omitempty"`
}

// RuntimeStatus contains Go runtime statistics.
type RuntimeStatus struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// GatewayStatus counts live device sessions.
type GatewayStatus struct {
	Sessions int `json:"sessions"`
}

// OperatorStatus counts operator websocket clients.
type OperatorStatus struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTStatus reports broker connectivity.
type MQTTStatus struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}

// RulesStatus describes the active rule snapshot.
type RulesStatus struct {
	Version  int64 `json:"version"`
	Rules    int   `json:"rules"`
	Problems int   `json:"problems"`
}

// DatabaseStatus contains connection pool statistics.
type DatabaseStatus struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// PostureSummary counts tracked Things.
type PostureSummary struct {
	TrackedThings int `json:"tracked_things"`
}

// DetectorSummary counts configured detectors.
type DetectorSummary struct {
	Configs int `json:"configs"`
}

// handleStatus returns a summary of every pipeline stage.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	status := SystemStatus{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeStatus{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(mem.Alloc) / bytesPerMB,
			MemoryTotalMB: float64(mem.TotalAlloc) / bytesPerMB,
			NumGC:         mem.NumGC,
		},
		Gateway:   GatewayStatus{Sessions: len(s.sessions.Sessions())},
		Operators: OperatorStatus{ConnectedClients: s.hub.ClientCount()},
	}

	if s.mqtt != nil {
		status.MQTT = MQTTStatus{Enabled: true, Connected: s.mqtt.IsConnected()}
	}
	if s.router != nil {
		snap := s.router.Snapshot()
		status.Rules = &RulesStatus{
			Version:  snap.Version(),
			Rules:    snap.Len(),
			Problems: len(snap.Problems()),
		}
	}
	if s.deadLetters != nil {
		if n, err := s.deadLetters.Count(r.Context()); err == nil {
			status.DeadLetters = &n
		} else {
			s.logger.Warn("counting dead letters", "error", err)
		}
	}
	if s.db != nil {
		st := s.db.Stats()
		status.Database = &DatabaseStatus{
			OpenConnections: st.OpenConnections,
			InUse:           st.InUse,
			Idle:            st.Idle,
			WaitCount:       st.WaitCount,
		}
	}
	if s.posture != nil {
		status.Posture = &PostureSummary{TrackedThings: len(s.posture.Things())}
	}
	if s.detectors != nil {
		status.Detectors = &DetectorSummary{Configs: len(s.detectors.Configs())}
	}

	writeJSON(w, http.StatusOK, status)
}

// handleListSessions lists live device sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.sessions.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}
