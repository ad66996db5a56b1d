package httpapi

import "net/http"

func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	snap := s.metrics.StageSnapshot()
	if r.URL.Query().Get("reset") == "1" {
		s.metrics.ResetStages()
	}
	respondJSON(w, http.StatusOK, snap)
}
