// Package server exposes the operational HTTP API: health, key pool
// inspection and recovery, and queue introspection.
//
// This surface is for operators and monitoring, not end users; grading work
// only ever enters through the queue.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/chunchiehdev/gradeflow/pkg/gradequeue"
	"github.com/chunchiehdev/gradeflow/pkg/keyhealth"
)

// KeyPool is the key management surface the server exposes. Implemented by
// the keyhealth store plus the configured key list.
type KeyPool struct {
	Store  *keyhealth.Store
	KeyIDs []string
}

// Server is the ops HTTP server.
type Server struct {
	host   string
	port   int
	pool   KeyPool
	queue  *gradequeue.Queue
	logger *zap.Logger

	httpServer *http.Server
}

// New builds the server. queue may be nil when running without JetStream
// (the queue endpoint then reports unavailable).
func New(host string, port int, pool KeyPool, queue *gradequeue.Queue, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{host: host, port: port, pool: pool, queue: queue, logger: logger}
}

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/keys", s.handleKeys)
		r.Route("/keys/{keyID}", func(r chi.Router) {
			r.Post("/clear-throttle", s.handleClearThrottle)
			r.Post("/reset", s.handleResetKey)
			r.Post("/throttle", s.handleThrottleKey)
		})
		r.Get("/queue", s.handleQueue)
	})
	return r
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
