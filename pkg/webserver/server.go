// Package webserver is the web RPC adapter: one HTTP surface serving three
// wire variants detected from Content-Type — plain JSON, grpc-web binary
// frames, and base64 grpc-web-text frames. All variants dispatch through the
// same registry and streaming handlers as the binary gRPC adapter, so the
// two surfaces stay behaviorally identical.
package webserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mockrpc/mockrpc/pkg/engine"
	"github.com/mockrpc/mockrpc/pkg/logging"
	"github.com/mockrpc/mockrpc/pkg/metrics"
	"github.com/mockrpc/mockrpc/pkg/registry"
	"github.com/mockrpc/mockrpc/pkg/requestlog"
	"github.com/mockrpc/mockrpc/pkg/rules"
)

// ErrServerAlreadyRunning is returned by Start on a running server.
var ErrServerAlreadyRunning = errors.New("web server already running")

// Content types of the three wire variants.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeGRPCWeb     = "application/grpc-web+proto"
	ContentTypeGRPCWebText = "application/grpc-web-text+proto"
)

// Config configures the adapter.
type Config struct {
	// Port to listen on. Port 0 picks a free port.
	Port int `json:"port" yaml:"port"`

	// ReadHeaderTimeout bounds header parsing. Defaults to 10s.
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" yaml:"read_header_timeout"`
}

// Server serves the registry's methods over web RPC.
type Server struct {
	config   *Config
	registry *registry.Registry
	provider *rules.Provider
	engine   *engine.Engine

	log     *slog.Logger
	metrics *metrics.ServerMetrics
	reqlog  requestlog.Logger

	mu         sync.RWMutex
	httpServer *http.Server
	listener   net.Listener
	running    bool
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

// WithMetrics wires the server instruments.
func WithMetrics(m *metrics.ServerMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRequestLog wires the call history logger.
func WithRequestLog(l requestlog.Logger) Option {
	return func(s *Server) { s.reqlog = l }
}

// New creates the adapter.
func New(config *Config, reg *registry.Registry, provider *rules.Provider, eng *engine.Engine, opts ...Option) *Server {
	if config == nil {
		config = &Config{}
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = 10 * time.Second
	}
	s := &Server{
		config:   config,
		registry: reg,
		provider: provider,
		engine:   eng,
		log:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the adapter's HTTP handler, h2c-wrapped so grpc-web
// clients can speak cleartext HTTP/2.
func (s *Server) Handler() http.Handler {
	return h2c.NewHandler(http.HandlerFunc(s.serveHTTP), &http2.Server{})
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
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("web server error", "error", err)
		}
	}()

	s.running = true
	s.log.Info("web server listening", "addr", listener.Addr().String())
	return nil
}

// Stop shuts the server down, waiting up to timeout for in-flight requests.
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

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// serveHTTP routes POST /{service}/{method} to the call handler.
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	service, method, ok := splitRPCPath(r.URL.Path)
	if !ok {
		http.Error(w, "expected /{service}/{method}", http.StatusNotFound)
		return
	}

	format, ok := detectFormat(r.Header.Get("Content-Type"))
	if !ok {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}

	bound, ok := s.registry.Lookup(service, method)
	if !ok {
		s.log.Debug("unknown web method", "service", service, "method", method)
		writeUnknownMethod(w, format, service, method)
		return
	}

	s.handleCall(w, r, bound, format)
}

// splitRPCPath parses "/pkg.Service/Method".
func splitRPCPath(path string) (service, method string, ok bool) {
	trimmed := strings.Trim(path, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// detectFormat resolves the wire variant from a Content-Type value.
func detectFormat(contentType string) (wireFormat, bool) {
	mediaType := contentType
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = mediaType[:i]
	}
	switch strings.TrimSpace(strings.ToLower(mediaType)) {
	case ContentTypeJSON, "":
		return formatJSON, true
	case ContentTypeGRPCWeb, "application/grpc-web":
		return formatGRPCWeb, true
	case ContentTypeGRPCWebText, "application/grpc-web-text":
		return formatGRPCWebText, true
	default:
		return formatJSON, false
	}
}
