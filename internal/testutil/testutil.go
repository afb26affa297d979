// Package testutil provides the shared Greeter proto fixture used by tests
// across the server packages.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mockrpc/mockrpc/pkg/schema"
)

// GreeterProto is a proto source covering all four streaming shapes.
const GreeterProto = `syntax = "proto3";

package helloworld;

option go_package = "example.com/helloworld";

service Greeter {
  rpc SayHello (HelloRequest) returns (HelloReply);
  rpc LotsOfReplies (HelloRequest) returns (stream HelloReply);
  rpc LotsOfGreetings (stream HelloRequest) returns (HelloReply);
  rpc BidiHello (stream HelloRequest) returns (stream HelloReply);
}

message HelloRequest {
  string name = 1;
  int32 age = 2;
}

message HelloReply {
  string message = 1;
  int32 index = 2;
}
`

// WriteGreeterProto writes the fixture proto into a temp dir and returns its
// path.
func WriteGreeterProto(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "helloworld.proto")
	if err := os.WriteFile(path, []byte(GreeterProto), 0o600); err != nil {
		t.Fatalf("write fixture proto: %v", err)
	}
	return path
}

// LoadGreeterSchema compiles the fixture proto.
func LoadGreeterSchema(t *testing.T) *schema.Schema {
	t.Helper()
	path := WriteGreeterProto(t)
	s, err := schema.Load(context.Background(), []string{path}, []string{filepath.Dir(path)})
	if err != nil {
		t.Fatalf("load fixture schema: %v", err)
	}
	return s
}
