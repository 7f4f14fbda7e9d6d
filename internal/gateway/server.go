// Package gateway exposes the agent over HTTP: synchronous and
// streaming chat, background jobs, session inspection, and the admin
// surface.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hoonlabs/agentd/internal/agent"
	"github.com/hoonlabs/agentd/internal/config"
	"github.com/hoonlabs/agentd/internal/jobs"
	"github.com/hoonlabs/agentd/internal/observability"
	"github.com/hoonlabs/agentd/internal/sessions"
)

// Server is the HTTP front of the agent runtime.
type Server struct {
	config   config.ServerConfig
	loop     *agent.Loop
	jobs     *jobs.Manager
	sessions *sessions.Service
	stop     *agent.StopSignal
	prompt   *agent.PromptCache
	logger   *observability.Logger
	gatherer prometheus.Gatherer

	httpServer   *http.Server
	httpListener net.Listener
}

// NewServer wires the handler set. gatherer may be nil to disable the
// metrics endpoint.
func NewServer(
	cfg config.ServerConfig,
	loop *agent.Loop,
	jobMgr *jobs.Manager,
	sessionSvc *sessions.Service,
	stop *agent.StopSignal,
	prompt *agent.PromptCache,
	logger *observability.Logger,
	gatherer prometheus.Gatherer,
) *Server {
	return &Server{
		config:   cfg,
		loop:     loop,
		jobs:     jobMgr,
		sessions: sessionSvc,
		stop:     stop,
		prompt:   prompt,
		logger:   logger,
		gatherer: gatherer,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)

	mux.HandleFunc("POST /v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /v1/jobs/{id}/stream", s.handleStreamJob)
	mux.HandleFunc("DELETE /v1/jobs/{id}", s.handleCancelJob)

	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)

	mux.HandleFunc("POST /admin/stop", s.handleRaiseStop)
	mux.HandleFunc("DELETE /admin/stop", s.handleClearStop)
	mux.HandleFunc("POST /admin/reload", s.handleReload)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return s.withRequestID(mux)
}

// Start begins serving. Non-blocking; errors after startup go to the
// logger.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.HTTPPort)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpListener = listener
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(context.Background(), "http server error", "error", err)
		}
	}()

	s.logger.Info(context.Background(), "http server listening", "addr", addr)
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the bound address, useful when HTTPPort is 0.
func (s *Server) Addr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := observability.AddRequestID(r.Context(), newRequestID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
