// Package grpcserver is the binary gRPC adapter. It registers every schema
// method on a grpc-go server at startup, decodes requests through dynamic
// messages, runs the streaming-pattern handlers, and encodes replies back
// onto the wire. No generated stubs are involved; the schema drives
// everything.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/mockrpc/mockrpc/pkg/engine"
	"github.com/mockrpc/mockrpc/pkg/logging"
	"github.com/mockrpc/mockrpc/pkg/metrics"
	"github.com/mockrpc/mockrpc/pkg/registry"
	"github.com/mockrpc/mockrpc/pkg/requestlog"
	"github.com/mockrpc/mockrpc/pkg/rules"
)

// ErrServerAlreadyRunning is returned by Start on a running server.
var ErrServerAlreadyRunning = errors.New("grpc server already running")

// Config configures the adapter.
type Config struct {
	// Port to listen on. Port 0 picks a free port, which tests rely on.
	Port int `json:"port" yaml:"port"`

	// Reflection enables the gRPC server reflection service.
	Reflection bool `json:"reflection" yaml:"reflection"`
}

// Server serves the registry's methods over binary gRPC.
type Server struct {
	config   *Config
	registry *registry.Registry
	provider *rules.Provider
	engine   *engine.Engine

	log     *slog.Logger
	metrics *metrics.ServerMetrics
	reqlog  requestlog.Logger

	mu         sync.RWMutex
	grpcServer *grpc.Server
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

// New creates the adapter. The provider supplies rule index snapshots; the
// engine runs the calls.
func New(config *Config, reg *registry.Registry, provider *rules.Provider, eng *engine.Engine, opts ...Option) *Server {
	if config == nil {
		config = &Config{}
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

// Start binds the listener, registers all schema services, and serves in the
// background.
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

	s.grpcServer = grpc.NewServer(
		grpc.UnknownServiceHandler(s.handleUnknown),
	)
	s.registerServices()

	if s.config.Reflection {
		reflection.Register(s.grpcServer)
	}

	go func() {
		if err := s.grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Error("grpc server error", "error", err)
		}
	}()

	s.running = true
	s.log.Info("grpc server listening",
		"addr", listener.Addr().String(),
		"services", len(s.registry.Services()),
		"methods", s.registry.MethodCount())
	return nil
}

// Stop stops the server, waiting up to timeout for in-flight calls before
// forcing.
func (s *Server) Stop(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.grpcServer.Stop()
	case <-ctx.Done():
		s.grpcServer.Stop()
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

// registerServices registers one grpc.ServiceDesc per schema service, with a
// closure per method. Registration fixes each method's shape up front;
// handleUnknown only catches calls to methods outside the schema.
func (s *Server) registerServices() {
	for _, serviceName := range s.registry.Services() {
		var methodDescs []grpc.MethodDesc
		var streamDescs []grpc.StreamDesc

		for _, bound := range s.registry.Methods(serviceName) {
			if bound.Shape == registry.ShapeUnary {
				methodDescs = append(methodDescs, grpc.MethodDesc{
					MethodName: bound.Method,
					Handler:    s.makeUnaryHandler(bound),
				})
				continue
			}
			streamDescs = append(streamDescs, grpc.StreamDesc{
				StreamName:    bound.Method,
				Handler:       s.makeStreamHandler(bound),
				ServerStreams: bound.ServerStreaming,
				ClientStreams: bound.ClientStreaming,
			})
		}

		s.grpcServer.RegisterService(&grpc.ServiceDesc{
			ServiceName: serviceName,
			HandlerType: (*any)(nil),
			Methods:     methodDescs,
			Streams:     streamDescs,
		}, struct{}{})
	}
}

func (s *Server) makeUnaryHandler(bound *registry.BoundMethod) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		return s.handleUnary(ctx, bound, dec)
	}
}

func (s *Server) makeStreamHandler(bound *registry.BoundMethod) func(srv any, stream grpc.ServerStream) error {
	return func(srv any, stream grpc.ServerStream) error {
		return s.handleStream(bound, stream)
	}
}
