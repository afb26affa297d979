package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mockrpc/mockrpc/internal/testutil"
	"github.com/mockrpc/mockrpc/pkg/rpc"
)

func TestBuild(t *testing.T) {
	r := Build(testutil.LoadGreeterSchema(t))

	assert.Equal(t, []string{"helloworld.Greeter"}, r.Services())
	assert.Equal(t, 4, r.MethodCount())
	require.Len(t, r.Methods("helloworld.Greeter"), 4)

	tests := []struct {
		method string
		shape  Shape
	}{
		{"SayHello", ShapeUnary},
		{"LotsOfReplies", ShapeServerStream},
		{"LotsOfGreetings", ShapeClientStream},
		{"BidiHello", ShapeBidi},
	}
	for _, tt := range tests {
		bound, ok := r.Lookup("helloworld.Greeter", tt.method)
		require.True(t, ok, tt.method)
		assert.Equal(t, tt.shape, bound.Shape, tt.method)
		assert.Equal(t, "helloworld.greeter."+strings.ToLower(tt.method), bound.RuleKey)
		assert.NotNil(t, bound.Input)
		assert.NotNil(t, bound.Output)
	}

	_, ok := r.Lookup("helloworld.Greeter", "Missing")
	assert.False(t, ok)
}

func TestNewRequest(t *testing.T) {
	r := Build(testutil.LoadGreeterSchema(t))
	bound, ok := r.Lookup("helloworld.Greeter", "BidiHello")
	require.True(t, ok)

	md := rpc.Metadata{"x-test": "1"}
	req := bound.NewRequest(md, map[string]any{"name": "x"})
	assert.Equal(t, "helloworld.Greeter", req.Service)
	assert.Equal(t, "BidiHello", req.Method)
	assert.True(t, req.RequestStream)
	assert.True(t, req.ResponseStream)
	assert.Equal(t, "helloworld.HelloRequest", string(req.RequestSchema.FullName()))
	assert.Equal(t, "helloworld.HelloReply", string(req.ResponseSchema.FullName()))
}

func TestShapeString(t *testing.T) {
	assert.Equal(t, "unary", ShapeUnary.String())
	assert.Equal(t, "server_stream", ShapeServerStream.String())
	assert.Equal(t, "client_stream", ShapeClientStream.String())
	assert.Equal(t, "bidi", ShapeBidi.String())
	assert.Equal(t, "unknown", Shape(99).String())
}
