// Package api is the HTTP front door: a REST adapter over the core
// runtime plus the WebSocket handshake route. It holds no state of its
// own beyond the listener.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cwatcher/backend/internal/core"
	"github.com/cwatcher/backend/internal/middleware"
)

// Server owns the route table and the HTTP listener.
type Server struct {
	rt   *core.Runtime
	log  zerolog.Logger
	http *http.Server
}

// New builds the route table over rt. The returned server is ready to
// Start; tests can drive Handler directly instead.
func New(addr string, rt *core.Runtime, log zerolog.Logger) *Server {
	s := &Server{rt: rt, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(rt.PromRegistry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.Handle("/ws", rt.Hub()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/servers", s.handleCreate).Methods(http.MethodPost)
	v1.HandleFunc("/servers", s.handleList).Methods(http.MethodGet)
	v1.HandleFunc("/servers/{id}", s.handleGet).Methods(http.MethodGet)
	v1.HandleFunc("/servers/{id}", s.handleUpdate).Methods(http.MethodPatch, http.MethodPut)
	v1.HandleFunc("/servers/{id}", s.handleDelete).Methods(http.MethodDelete)
	v1.HandleFunc("/servers/{id}/test", s.handleTest).Methods(http.MethodPost)
	v1.HandleFunc("/servers/{id}/metrics/latest", s.handleLatest).Methods(http.MethodGet)
	v1.HandleFunc("/servers/{id}/metrics/history", s.handleHistory).Methods(http.MethodGet)
	v1.HandleFunc("/servers/{id}/sysinfo", s.handleSysInfo).Methods(http.MethodGet)
	v1.HandleFunc("/overview", s.handleOverview).Methods(http.MethodGet)

	// Middleware wraps the whole router, not the routes, so preflight
	// OPTIONS and 404s are covered too.
	s.http = &http.Server{
		Addr:              addr,
		Handler:           middleware.Chain(r, middleware.RequestLogger(log), middleware.CORS()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the middleware-wrapped route table.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves requests until Shutdown or a listener error. A clean
// shutdown returns nil.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http listening")
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
