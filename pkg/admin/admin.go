// Package admin is the operational HTTP surface: status, metrics exposition,
// request history, and rule management. Rule swaps go through here so the
// serving adapters only ever read index snapshots.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mockrpc/mockrpc/pkg/logging"
	"github.com/mockrpc/mockrpc/pkg/metrics"
	"github.com/mockrpc/mockrpc/pkg/registry"
	"github.com/mockrpc/mockrpc/pkg/requestlog"
	"github.com/mockrpc/mockrpc/pkg/rules"
)

// ErrServerAlreadyRunning is returned by Start on a running server.
var ErrServerAlreadyRunning = errors.New("admin server already running")

// Config configures the admin API.
type Config struct {
	// Port to listen on. Port 0 picks a free port.
	Port int `json:"port" yaml:"port"`
}

// Server is the admin API server.
type Server struct {
	config   *Config
	registry *registry.Registry
	provider *rules.Provider
	store    *requestlog.Store
	metrics  *metrics.ServerMetrics
	log      *slog.Logger

	// ruleGlobs are the startup rule patterns, re-read on POST /rules/reload.
	ruleGlobs []string

	mu         sync.RWMutex
	httpServer *http.Server
	listener   net.Listener
	running    bool
	startedAt  time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the operational logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithRuleGlobs enables POST /rules/reload from the given file patterns.
func WithRuleGlobs(globs []string) Option {
	return func(s *Server) { s.ruleGlobs = globs }
}

// WithMetrics wires the server instruments for /metrics and the rules gauge.
func WithMetrics(m *metrics.ServerMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRequestStore wires the call history for /requests.
func WithRequestStore(store *requestlog.Store) Option {
	return func(s *Server) { s.store = store }
}

// New creates the admin server.
func New(config *Config, reg *registry.Registry, provider *rules.Provider, opts ...Option) *Server {
	if config == nil {
		config = &Config{}
	}
	s := &Server{
		config:   config,
		registry: reg,
		provider: provider,
		log:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// byMethod dispatches by request method, mirroring Go 1.22 ServeMux method
// patterns on older toolchains: HEAD falls back to GET, and unmatched methods
// get 405 with an Allow header.
func byMethod(handlers map[string]http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := handlers[r.Method]
		if !ok && r.Method == http.MethodHead {
			h, ok = handlers[http.MethodGet]
		}
		if !ok {
			allow := make([]string, 0, len(handlers))
			for m := range handlers {
				allow = append(allow, m)
			}
			sort.Strings(allow)
			w.Header().Set("Allow", strings.Join(allow, ", "))
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// Handler returns the admin routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/status", byMethod(map[string]http.Handler{
		http.MethodGet: http.HandlerFunc(s.handleStatus),
	}))
	mux.Handle("/services", byMethod(map[string]http.Handler{
		http.MethodGet: http.HandlerFunc(s.handleServices),
	}))
	mux.Handle("/rules", byMethod(map[string]http.Handler{
		http.MethodGet: http.HandlerFunc(s.handleGetRules),
		http.MethodPut: http.HandlerFunc(s.handlePutRules),
	}))
	mux.Handle("/rules/reload", byMethod(map[string]http.Handler{
		http.MethodPost: http.HandlerFunc(s.handleReloadRules),
	}))
	mux.Handle("/requests", byMethod(map[string]http.Handler{
		http.MethodGet:    http.HandlerFunc(s.handleListRequests),
		http.MethodDelete: http.HandlerFunc(s.handleClearRequests),
	}))
	if s.metrics != nil {
		mux.Handle("/metrics", byMethod(map[string]http.Handler{
			http.MethodGet: s.metrics.Registry().Handler(),
		}))
	}
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrServerAlreadyRunning
	}

	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin server error", "error", err)
		}
	}()

	s.running = true
	s.startedAt = time.Now()
	s.log.Info("admin server listening", "addr", listener.Addr().String())
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.httpServer.Close()
	}
	s.running = false
	return nil
}

// Address returns the bound listen address, or "" before Start.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// SwapIndex installs a new rule index and updates the rules gauge. All rule
// swaps funnel through here.
func (s *Server) SwapIndex(idx *rules.Index) {
	s.provider.Swap(idx)
	if s.metrics != nil {
		s.metrics.RulesLoaded.Set(float64(idx.Len()))
	}
	s.log.Info("rules swapped", "rules", idx.Len())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	startedAt := s.startedAt
	s.mu.RUnlock()

	status := map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(startedAt).Seconds()),
		"services":       len(s.registry.Services()),
		"methods":        s.registry.MethodCount(),
		"rules":          s.provider.Snapshot().Len(),
	}
	if s.store != nil {
		status["logged_requests"] = s.store.Count()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	type methodInfo struct {
		Name   string `json:"name"`
		Shape  string `json:"shape"`
		Input  string `json:"input"`
		Output string `json:"output"`
	}
	out := make(map[string][]methodInfo)
	for _, service := range s.registry.Services() {
		for _, bound := range s.registry.Methods(service) {
			out[service] = append(out[service], methodInfo{
				Name:   bound.Method,
				Shape:  bound.Shape.String(),
				Input:  string(bound.Input.FullName()),
				Output: string(bound.Output.FullName()),
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Snapshot().Docs())
}

// handlePutRules replaces the whole rule set from a YAML or JSON body.
func (s *Server) handlePutRules(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}
	idx, err := rules.ParseIndex(body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.SwapIndex(idx)
	writeJSON(w, http.StatusOK, map[string]any{"rules": idx.Len()})
}

// handleReloadRules re-reads the startup rule globs.
func (s *Server) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	if len(s.ruleGlobs) == 0 {
		writeError(w, http.StatusConflict, "no rule files configured")
		return
	}
	idx, err := rules.BuildIndex(s.ruleGlobs)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.SwapIndex(idx)
	writeJSON(w, http.StatusOK, map[string]any{"rules": idx.Len()})
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "request logging disabled")
		return
	}
	q := r.URL.Query()
	filter := &requestlog.Filter{
		Protocol: q.Get("protocol"),
		Service:  q.Get("service"),
		Method:   q.Get("method"),
		Code:     q.Get("code"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	entries := s.store.List(filter)
	if entries == nil {
		entries = []*requestlog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleClearRequests(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "request logging disabled")
		return
	}
	s.store.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
