// Package admin serves the operator endpoints: Prometheus metrics and health.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

const (
	readTimeout       = 15 * time.Second
	writeTimeout      = 15 * time.Second
	idleTimeout       = 60 * time.Second
	headerReadTimeout = 10 * time.Second
	maxHeaderBytes    = 1 << 20
	shutdownTimeout   = 5 * time.Second
)

// Status is reported by /healthz.
type Status struct {
	Proxies  map[string]int64 `json:"active_sessions"`
	Users    int              `json:"users"`
	Rules    int              `json:"rules"`
	Reloaded time.Time        `json:"reloaded_at"`
}

// StatusFunc returns the current Status.
type StatusFunc func() Status

// Server is the admin HTTP server.
type Server struct {
	server *http.Server
}

// NewServer routes /metrics to metrics and /healthz to status.
func NewServer(addr string, metrics http.Handler, status StatusFunc) *Server {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status()); err != nil {
			log.Error().Err(err).Msg("Failed to encode health status")
		}
	}).Methods(http.MethodGet)

	return &Server{server: &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
		ReadHeaderTimeout: headerReadTimeout,
	}}
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("admin server failed to listen on %s: %w", s.server.Addr, err)
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Admin server graceful shutdown failed")
		}
	}()

	log.Info().Str("address", ln.Addr().String()).Msg("Starting admin server")
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
