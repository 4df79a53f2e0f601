package httpapi

import "net/http"

func (s *Server) handlePerfStartup(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	if r.URL.Query().Get("reset") == "1" {
		s.metrics.ResetStartupStages()
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStartupStages())
}
