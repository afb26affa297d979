// Package schema loads Protocol Buffer definitions and exposes the service
// and method descriptors the rest of the server works from. Descriptors are
// the opaque schema handles of the normalized request model: used for
// encode/decode, never mutated.
package schema

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bufbuild/protocompile"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Loading errors.
var (
	// ErrNoProtoFiles is returned when Load is called without proto files.
	ErrNoProtoFiles = errors.New("schema: no proto files provided")
)

// Schema is a compiled set of proto files.
type Schema struct {
	files    []protoreflect.FileDescriptor
	services map[string]*Service
}

// Service describes one gRPC service.
type Service struct {
	// Name is the fully qualified service name (e.g. "helloworld.Greeter").
	Name string

	methods map[string]*Method
	order   []string
}

// Method describes one method of a service, including its streaming shape.
type Method struct {
	// Name is the bare method name.
	Name string

	// Service is the owning service's fully qualified name.
	Service string

	// Input and Output are the request and response message descriptors.
	Input  protoreflect.MessageDescriptor
	Output protoreflect.MessageDescriptor

	// ClientStreaming and ServerStreaming fix the RPC shape.
	ClientStreaming bool
	ServerStreaming bool
}

// Load compiles the given proto files, searching imports in importPaths and
// the standard well-known imports. Paths pointing at existing files are
// normalized so each file's directory doubles as an import root.
func Load(ctx context.Context, paths []string, importPaths []string) (*Schema, error) {
	if len(paths) == 0 {
		return nil, ErrNoProtoFiles
	}

	roots := append([]string{"."}, importPaths...)
	names := make([]string, 0, len(paths))
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			dir, base := filepath.Split(path)
			if dir != "" {
				roots = append(roots, filepath.Clean(dir))
				names = append(names, base)
				continue
			}
		}
		names = append(names, path)
	}

	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{
			ImportPaths: roots,
		}),
	}

	compiled, err := compiler.Compile(ctx, names...)
	if err != nil {
		return nil, fmt.Errorf("schema: compile proto files: %w", err)
	}

	s := &Schema{
		files:    make([]protoreflect.FileDescriptor, 0, len(compiled)),
		services: make(map[string]*Service),
	}
	for _, file := range compiled {
		s.files = append(s.files, file)
		s.addFile(file)
	}
	return s, nil
}

// addFile indexes the services of one compiled file.
func (s *Schema) addFile(file protoreflect.FileDescriptor) {
	services := file.Services()
	for i := 0; i < services.Len(); i++ {
		desc := services.Get(i)
		svc := &Service{
			Name:    string(desc.FullName()),
			methods: make(map[string]*Method),
		}
		methods := desc.Methods()
		for j := 0; j < methods.Len(); j++ {
			m := methods.Get(j)
			method := &Method{
				Name:            string(m.Name()),
				Service:         svc.Name,
				Input:           m.Input(),
				Output:          m.Output(),
				ClientStreaming: m.IsStreamingClient(),
				ServerStreaming: m.IsStreamingServer(),
			}
			svc.methods[method.Name] = method
			svc.order = append(svc.order, method.Name)
		}
		s.services[svc.Name] = svc
	}
}

// Files returns the compiled file descriptors, for reflection registration.
func (s *Schema) Files() []protoreflect.FileDescriptor {
	return s.files
}

// Services returns all fully qualified service names in sorted order.
func (s *Schema) Services() []string {
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Service returns a service by its fully qualified name, or nil.
func (s *Schema) Service(name string) *Service {
	return s.services[name]
}

// Methods returns the service's method names in declaration order.
func (svc *Service) Methods() []string {
	return append([]string(nil), svc.order...)
}

// Method returns a method by name, or nil.
func (svc *Service) Method(name string) *Method {
	return svc.methods[name]
}

// IsUnary reports a method with no streaming in either direction.
func (m *Method) IsUnary() bool {
	return !m.ClientStreaming && !m.ServerStreaming
}

// InputName returns the fully qualified request message type name.
func (m *Method) InputName() string {
	return string(m.Input.FullName())
}

// OutputName returns the fully qualified response message type name.
func (m *Method) OutputName() string {
	return string(m.Output.FullName())
}
