// Package api implements the daemon's Control API: publish a deployment,
// look up its address, and list every deployment. No authentication is in
// scope — the API is intended for trusted local/VPN use.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Server serves the Control API.
type Server struct {
	publisher DeploymentPublisher
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewServer returns a Server dispatching to publisher.
func NewServer(publisher DeploymentPublisher, logger *slog.Logger) *Server {
	s := &Server{publisher: publisher, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.requestIDMiddleware(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/new", s.handleNew)
	s.mux.HandleFunc("GET /api/ip/{name}", s.handleIP)
	s.mux.HandleFunc("GET /api/list", s.handleList)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
