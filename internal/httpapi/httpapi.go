// Package httpapi serves phoenix's operational HTTP surface: a liveness
// endpoint at "/" (200 only when both database pools can acquire a
// connection) and Prometheus metrics at "/metrics".
//
// Ported from the teacher's playground/readyz.go (ready-check server
// shape: a dedicated *http.Server, a boolean readiness check, JSON
// response), generalized from a single NetworkReadyChecker to phoenix's
// two database pools, and adding chi routing plus go-chi/httplog request
// logging the way the teacher's healthmon package already depends on
// go-chi/httplog/v2 for its logger type.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httplog/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthResponse is the liveness check's JSON body.
type HealthResponse struct {
	Healthy     bool   `json:"healthy"`
	MevDBError  string `json:"mev_db_error,omitempty"`
	RelayDBError string `json:"relay_db_error,omitempty"`
}

// Server exposes phoenix's health check and metrics over HTTP.
type Server struct {
	mevDB   *sql.DB
	relayDB *sql.DB
	server  *http.Server
}

// New builds a Server listening on port, checking mevDB and relayDB for
// liveness on every request to "/".
func New(port uint16, mevDB, relayDB *sql.DB) *Server {
	logger := httplog.NewLogger("phoenix", httplog.Options{
		JSON:    true,
		Concise: true,
	})

	r := chi.NewRouter()
	r.Use(httplog.RequestLogger(logger))

	s := &Server{mevDB: mevDB, relayDB: relayDB}
	r.Get("/", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
	return s
}

// Start runs the HTTP server in a background goroutine. Errors other than
// a clean shutdown are logged, matching the teacher's fire-and-forget
// ListenAndServe goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("httpapi: server error: %v\n", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Healthy: true}

	if err := s.mevDB.PingContext(r.Context()); err != nil {
		resp.Healthy = false
		resp.MevDBError = err.Error()
	}
	if err := s.relayDB.PingContext(r.Context()); err != nil {
		resp.Healthy = false
		resp.RelayDBError = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusInternalServerError)
	}
	json.NewEncoder(w).Encode(resp)
}
