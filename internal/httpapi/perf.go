package httpapi

import (
	"net/http"

	"github.com/ent0n29/naturalstream/internal/observability"
)

type perfLatencyResponse struct {
	observability.TurnStageSnapshot
	FirstResponseSLOMS int64 `json:"first_response_slo_ms"`
}

// handlePerfLatency serves the rolling turn-stage window.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	out := perfLatencyResponse{FirstResponseSLOMS: s.cfg.FirstResponseSLO.Milliseconds()}
	if s.metrics != nil {
		out.TurnStageSnapshot = s.metrics.SnapshotTurnStages()
	}
	if out.Stages == nil {
		out.Stages = []observability.TurnStageStats{}
	}
	respondJSON(w, http.StatusOK, out)
}
