package gateway

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes mounts the operational endpoints next to the API.
func (s *Server) routes(api http.Handler) http.Handler {
	mux := http.NewServeMux()
	if m := s.config.Observability.Metrics; m.Enabled {
		mux.Handle("GET "+m.Path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	}
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("/", api)
	return mux
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Models  int    `json:"models"`
	Gaps    int    `json:"persistence_gaps"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Models:  s.catalog.Len(),
		Gaps:    s.writer.Gaps().Len(),
	}
	writeJSON(w, http.StatusOK, resp)
}
