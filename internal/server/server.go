// Package server exposes the run orchestrator over HTTP. JSON endpoints create,
// inspect, cancel and delete runs; event endpoints stream run progress as
// server-sent events.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Backland-Labs/conductor/internal/logger"
	"github.com/Backland-Labs/conductor/internal/metrics"
	"github.com/Backland-Labs/conductor/internal/orchestrator"
)

// shutdownTimeout bounds the graceful shutdown of open connections.
const shutdownTimeout = 5 * time.Second

// ErrServerRunning is returned when attempting to start an already running server
var ErrServerRunning = errors.New("server is already running")

// Server is the HTTP front of the orchestrator.
type Server struct {
	port       int
	orch       *orchestrator.Orchestrator
	metrics    *metrics.Metrics
	log        *logger.Logger
	httpServer *http.Server
	listener   net.Listener
	mu         sync.Mutex
	running    bool
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves the registry at /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// NewServer creates a server for port. Port 0 picks a free port on localhost.
func NewServer(port int, orch *orchestrator.Orchestrator, opts ...Option) *Server {
	s := &Server{port: port, orch: orch, log: logger.GetLogger()}
	for _, opt := range opts {
		opt(s)
	}
	s.log.WithField("port", port).Debug("Creating new server")
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	logged := logger.HTTPMiddleware(s.log)
	streamed := logger.SSEMiddleware(s.log)

	r.With(logged).Get("/health", s.healthHandler)
	if s.metrics != nil {
		r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	}

	r.Route("/v1/runs", func(r chi.Router) {
		r.With(logged).Post("/", s.createRunHandler)
		r.Route("/{id}", func(r chi.Router) {
			r.With(logged).Get("/", s.getRunHandler)
			r.With(logged).Delete("/", s.deleteRunHandler)
			r.With(logged).Post("/cancel", s.cancelRunHandler)
			r.With(logged).Post("/submit_tool_outputs", s.submitToolOutputsHandler)
			r.With(streamed).Get("/events", s.runEventsHandler)
		})
	})
	return r
}

// Start listens and serves until ctx is cancelled. It returns
// http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerRunning
	}
	s.running = true
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.setStopped()
		return ctx.Err()
	default:
	}

	addr := fmt.Sprintf("0.0.0.0:%d", s.port)
	if s.port == 0 {
		addr = "localhost:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.setStopped()
		s.log.WithError(err).WithField("address", addr).Error("Failed to create listener")
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()
	s.log.WithField("address", listener.Addr().String()).Info("Server listening")

	go func() {
		<-ctx.Done()
		s.log.Info("Server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).Error("Error during server shutdown")
		}
	}()

	err = srv.Serve(listener)
	s.setStopped()
	if errors.Is(err, http.ErrServerClosed) {
		s.log.Info("Server shut down gracefully")
		return err
	}
	if err != nil {
		s.log.WithError(err).Error("Server error")
	}
	return err
}

func (s *Server) setStopped() {
	s.mu.Lock()
	s.running = false
	s.listener = nil
	s.mu.Unlock()
}

// Address returns the address the server is listening on, or "" when stopped.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
