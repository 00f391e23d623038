package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsFunc returns a JSON-serializable snapshot of one component's counters.
type StatsFunc func() any

// Server exposes local diagnostics over HTTP: Prometheus metrics, a health
// probe and per-component stats snapshots.
type Server struct {
	srv   *http.Server
	stats map[string]StatsFunc
}

func NewServer(addr string, stats map[string]StatsFunc) *Server {
	s := &Server{stats: stats}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/stats/{component}", s.handleComponentStats)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown. It returns http.ErrServerClosed on clean stop.
func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any, len(s.stats))
	for name, fn := range s.stats {
		out[name] = fn()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleComponentStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "component")
	fn, ok := s.stats[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown component"})
		return
	}
	writeJSON(w, http.StatusOK, fn())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
