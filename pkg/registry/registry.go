// Package registry binds the compiled schema to the serving surfaces. It
// walks the schema tree once, resolves every method's streaming shape, and
// produces the bound method handles both protocol adapters dispatch from.
// Resolving the shape here keeps runtime type inspection off the hot path.
package registry

import (
	"sort"

	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/mockrpc/mockrpc/pkg/rpc"
	"github.com/mockrpc/mockrpc/pkg/schema"
)

// Shape is a method's streaming pattern, resolved once at registration.
type Shape int

// The four streaming shapes.
const (
	ShapeUnary Shape = iota
	ShapeServerStream
	ShapeClientStream
	ShapeBidi
)

// String returns the shape's name for logging.
func (s Shape) String() string {
	switch s {
	case ShapeUnary:
		return "unary"
	case ShapeServerStream:
		return "server_stream"
	case ShapeClientStream:
		return "client_stream"
	case ShapeBidi:
		return "bidi"
	default:
		return "unknown"
	}
}

// shapeOf resolves the tagged variant from the two streaming flags.
func shapeOf(clientStreaming, serverStreaming bool) Shape {
	switch {
	case clientStreaming && serverStreaming:
		return ShapeBidi
	case clientStreaming:
		return ShapeClientStream
	case serverStreaming:
		return ShapeServerStream
	default:
		return ShapeUnary
	}
}

// BoundMethod is one method bound for serving: schema handles, rule key, and
// shape, fixed for the server's lifetime.
type BoundMethod struct {
	// Service is the fully qualified service name.
	Service string

	// Method is the bare method name.
	Method string

	// RuleKey is lowercase(service + "." + method).
	RuleKey string

	// Input and Output are the message descriptors for decode/encode.
	Input  protoreflect.MessageDescriptor
	Output protoreflect.MessageDescriptor

	// ClientStreaming/ServerStreaming are the raw streaming flags; Shape is
	// the resolved variant.
	ClientStreaming bool
	ServerStreaming bool
	Shape           Shape
}

// NewRequest builds the normalized request for one call of this method.
func (b *BoundMethod) NewRequest(md rpc.Metadata, data map[string]any) *rpc.Request {
	return &rpc.Request{
		Service:        b.Service,
		Method:         b.Method,
		Metadata:       md,
		Data:           data,
		RequestSchema:  b.Input,
		ResponseSchema: b.Output,
		RequestStream:  b.ClientStreaming,
		ResponseStream: b.ServerStreaming,
	}
}

// Registry is the immutable set of bound methods built from one schema.
type Registry struct {
	services map[string][]*BoundMethod
	methods  map[string]*BoundMethod
}

// Build walks the schema and binds every declared method.
func Build(s *schema.Schema) *Registry {
	r := &Registry{
		services: make(map[string][]*BoundMethod),
		methods:  make(map[string]*BoundMethod),
	}
	for _, serviceName := range s.Services() {
		svc := s.Service(serviceName)
		for _, methodName := range svc.Methods() {
			m := svc.Method(methodName)
			bound := &BoundMethod{
				Service:         serviceName,
				Method:          methodName,
				RuleKey:         rpc.RuleKey(serviceName, methodName),
				Input:           m.Input,
				Output:          m.Output,
				ClientStreaming: m.ClientStreaming,
				ServerStreaming: m.ServerStreaming,
				Shape:           shapeOf(m.ClientStreaming, m.ServerStreaming),
			}
			r.services[serviceName] = append(r.services[serviceName], bound)
			r.methods[bound.RuleKey] = bound
		}
	}
	return r
}

// Lookup returns the bound method for a service/method pair.
func (r *Registry) Lookup(service, method string) (*BoundMethod, bool) {
	bound, ok := r.methods[rpc.RuleKey(service, method)]
	return bound, ok
}

// Services returns all bound service names in sorted order.
func (r *Registry) Services() []string {
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Methods returns the bound methods of one service in declaration order.
func (r *Registry) Methods(service string) []*BoundMethod {
	return r.services[service]
}

// MethodCount returns the total number of bound methods.
func (r *Registry) MethodCount() int {
	return len(r.methods)
}
