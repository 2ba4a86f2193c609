// Package api serves Mnemon's HTTP listener: liveness and dependency
// health, Prometheus metrics, and the WebSocket chat transport.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/nugget/mnemon/internal/buildinfo"
)

// checkTimeout bounds each dependency probe on /healthz.
const checkTimeout = 5 * time.Second

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Config holds the dependencies of a Server. Metrics and Dispatcher may
// be nil, which disables /metrics and /ws respectively.
type Config struct {
	Address    string
	Port       int
	Metrics    http.Handler
	Dispatcher Dispatcher
	Logger     *slog.Logger
}

// Server is the HTTP server.
type Server struct {
	address    string
	port       int
	metrics    http.Handler
	dispatcher Dispatcher
	logger     *slog.Logger
	server     *http.Server

	mu     sync.Mutex
	checks map[string]CheckFunc
}

// NewServer creates a server. Register health checks with AddCheck
// before calling Start.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:    cfg.Address,
		port:       cfg.Port,
		metrics:    cfg.Metrics,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
		checks:     make(map[string]CheckFunc),
	}
}

// AddCheck registers a dependency probe reported by /healthz.
func (s *Server) AddCheck(name string, check CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Handler returns the routed handler, wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	if s.dispatcher != nil {
		mux.HandleFunc("GET /ws", s.handleWebSocket)
	}

	return s.withLogging(mux)
}

// Start serves HTTP until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting HTTP server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Mnemon",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// HealthReport is the /healthz response body.
type HealthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleHealth runs every registered check concurrently. Any failure
// turns the response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	s.mu.Unlock()
	sort.Strings(names)

	results := make([]string, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			if err := checks[name](ctx); err != nil {
				results[i] = err.Error()
				return
			}
			results[i] = "ok"
		}()
	}
	wg.Wait()

	report := HealthReport{Status: "healthy", Checks: make(map[string]string, len(names))}
	code := http.StatusOK
	for i, name := range names {
		report.Checks[name] = results[i]
		if results[i] != "ok" {
			report.Status = "unhealthy"
			code = http.StatusServiceUnavailable
			s.logger.Warn("health check failed", "check", name, "error", results[i])
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, report, s.logger)
}
