package grpcserver

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"github.com/jhump/protoreflect/dynamic"
	"github.com/jhump/protoreflect/dynamic/grpcdynamic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/mockrpc/mockrpc/internal/testutil"
	"github.com/mockrpc/mockrpc/pkg/engine"
	"github.com/mockrpc/mockrpc/pkg/metrics"
	"github.com/mockrpc/mockrpc/pkg/registry"
	"github.com/mockrpc/mockrpc/pkg/requestlog"
	"github.com/mockrpc/mockrpc/pkg/rules"
)

// startServer boots a server with the Greeter schema and the given rules,
// returning a connected dynamic stub and the client-side method descriptors.
func startServer(t *testing.T, docs ...*rules.RuleDoc) (*Server, grpcdynamic.Stub, []*desc.FileDescriptor) {
	t.Helper()

	protoPath := testutil.WriteGreeterProto(t)
	s := testutil.LoadGreeterSchema(t)

	idx, err := rules.NewIndex(docs)
	require.NoError(t, err)

	srv := New(
		&Config{Port: 0, Reflection: true},
		registry.Build(s),
		rules.NewProvider(idx),
		engine.New(nil, nil),
		WithMetrics(metrics.NewServerMetrics()),
		WithRequestLog(requestlog.NewStore(100)),
	)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(context.Background(), 5*time.Second) })

	conn, err := grpc.NewClient(srv.Address(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	parser := protoparse.Parser{ImportPaths: []string{filepath.Dir(protoPath)}}
	files, err := parser.ParseFiles(filepath.Base(protoPath))
	require.NoError(t, err)

	return srv, grpcdynamic.NewStub(conn), files
}

func methodDesc(t *testing.T, files []*desc.FileDescriptor, method string) *desc.MethodDescriptor {
	t.Helper()
	for _, file := range files {
		for _, svc := range file.GetServices() {
			if svc.GetFullyQualifiedName() != "helloworld.Greeter" {
				continue
			}
			if m := svc.FindMethodByName(method); m != nil {
				return m
			}
		}
	}
	t.Fatalf("method %s not found", method)
	return nil
}

func greeterRule(method string, opts ...*rules.ResponseOption) *rules.RuleDoc {
	return &rules.RuleDoc{Service: "helloworld.Greeter", Method: method, Options: opts}
}

func TestStartStop(t *testing.T) {
	srv, _, _ := startServer(t)

	assert.True(t, srv.IsRunning())
	assert.NotEmpty(t, srv.Address())
	assert.ErrorIs(t, srv.Start(context.Background()), ErrServerAlreadyRunning)

	require.NoError(t, srv.Stop(context.Background(), 5*time.Second))
	assert.False(t, srv.IsRunning())
	assert.NoError(t, srv.Stop(context.Background(), 5*time.Second))
}

func TestUnaryCall(t *testing.T) {
	_, stub, files := startServer(t, greeterRule("SayHello",
		&rules.ResponseOption{
			Body:     map[string]any{"message": "Hello, {{request.name}}!"},
			Metadata: map[string]string{"x-mock": "1"},
			Trailers: map[string]string{"x-served-by": "mockrpc"},
		},
	))

	md := methodDesc(t, files, "SayHello")
	req := dynamic.NewMessage(md.GetInputType())
	req.SetFieldByName("name", "World")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var header, trailer metadata.MD
	resp, err := stub.InvokeRpc(ctx, md, req, grpc.Header(&header), grpc.Trailer(&trailer))
	require.NoError(t, err)

	assert.Equal(t, "Hello, World!", resp.(*dynamic.Message).GetFieldByName("message"))
	assert.Equal(t, []string{"1"}, header.Get("x-mock"))
	assert.Equal(t, []string{"mockrpc"}, trailer.Get("x-served-by"))
}

func TestUnaryMetadataCondition(t *testing.T) {
	_, stub, files := startServer(t, greeterRule("SayHello",
		&rules.ResponseOption{Body: map[string]any{"message": "anonymous"}},
		&rules.ResponseOption{
			When:     &rules.Condition{Metadata: map[string]string{"x-tenant": "acme"}},
			Priority: 5,
			Body:     map[string]any{"message": "tenant {{metadata.x-tenant}}"},
		},
	))

	md := methodDesc(t, files, "SayHello")
	req := dynamic.NewMessage(md.GetInputType())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := stub.InvokeRpc(ctx, md, req)
	require.NoError(t, err)
	assert.Equal(t, "anonymous", resp.(*dynamic.Message).GetFieldByName("message"))

	tenantCtx := metadata.AppendToOutgoingContext(ctx, "x-tenant", "acme")
	resp, err = stub.InvokeRpc(tenantCtx, md, req)
	require.NoError(t, err)
	assert.Equal(t, "tenant acme", resp.(*dynamic.Message).GetFieldByName("message"))
}

func TestUnaryStatusOverride(t *testing.T) {
	_, stub, files := startServer(t, greeterRule("SayHello",
		&rules.ResponseOption{
			Body: map[string]any{"message": "never"},
			Trailers: map[string]string{
				"grpc-status":  "5",
				"grpc-message": "user not found",
			},
		},
	))

	md := methodDesc(t, files, "SayHello")
	req := dynamic.NewMessage(md.GetInputType())
	req.SetFieldByName("name", "ghost")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := stub.InvokeRpc(ctx, md, req)
	require.Error(t, err)

	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.NotFound, st.Code())
	assert.Equal(t, "user not found", st.Message())
}

func TestUnconfiguredMethodIsUnimplemented(t *testing.T) {
	_, stub, files := startServer(t) // no rules at all

	md := methodDesc(t, files, "SayHello")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := stub.InvokeRpc(ctx, md, dynamic.NewMessage(md.GetInputType()))
	require.Error(t, err)
	st, _ := status.FromError(err)
	assert.Equal(t, codes.Unimplemented, st.Code())
}

func TestServerStreaming(t *testing.T) {
	_, stub, files := startServer(t, greeterRule("LotsOfReplies",
		&rules.ResponseOption{
			StreamItems: []map[string]any{
				{"message": "reply one", "index": "{{stream.index}}"},
				{"message": "reply two", "index": "{{stream.index}}"},
				{"message": "reply three", "index": "{{stream.index}}"},
			},
		},
	))

	md := methodDesc(t, files, "LotsOfReplies")
	req := dynamic.NewMessage(md.GetInputType())
	req.SetFieldByName("name", "World")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := stub.InvokeRpcServerStream(ctx, md, req)
	require.NoError(t, err)

	var replies []*dynamic.Message
	for {
		resp, err := stream.RecvMsg()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		replies = append(replies, resp.(*dynamic.Message))
	}

	require.Len(t, replies, 3)
	assert.Equal(t, "reply one", replies[0].GetFieldByName("message"))
	assert.Equal(t, int32(2), replies[2].GetFieldByName("index"))
}

func TestServerStreamingLoopCancelled(t *testing.T) {
	_, stub, files := startServer(t, greeterRule("LotsOfReplies",
		&rules.ResponseOption{
			Body:       map[string]any{"message": "tick"},
			StreamLoop: true,
		},
	))

	md := methodDesc(t, files, "LotsOfReplies")

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := stub.InvokeRpcServerStream(ctx, md, dynamic.NewMessage(md.GetInputType()))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := stream.RecvMsg()
		require.NoError(t, err)
	}
	cancel()

	// The stream must terminate after cancellation.
	for {
		if _, err := stream.RecvMsg(); err != nil {
			st, _ := status.FromError(err)
			assert.Equal(t, codes.Canceled, st.Code())
			return
		}
	}
}

func TestClientStreaming(t *testing.T) {
	_, stub, files := startServer(t, greeterRule("LotsOfGreetings",
		&rules.ResponseOption{
			Body: map[string]any{"message": "Hello to all {{request.count}} of you, {{request.first.name}} first"},
		},
	))

	md := methodDesc(t, files, "LotsOfGreetings")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := stub.InvokeRpcClientStream(ctx, md)
	require.NoError(t, err)

	for _, name := range []string{"Alice", "Bob", "Carol"} {
		req := dynamic.NewMessage(md.GetInputType())
		req.SetFieldByName("name", name)
		require.NoError(t, stream.SendMsg(req))
	}

	resp, err := stream.CloseAndReceive()
	require.NoError(t, err)
	assert.Equal(t, "Hello to all 3 of you, Alice first", resp.(*dynamic.Message).GetFieldByName("message"))
}

func TestBidiStreaming(t *testing.T) {
	_, stub, files := startServer(t, greeterRule("BidiHello",
		&rules.ResponseOption{
			StreamItems: []map[string]any{
				{"message": "greetings received: {{request.count}}"},
				{"message": "last was {{request.last.name}}"},
			},
		},
	))

	md := methodDesc(t, files, "BidiHello")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := stub.InvokeRpcBidiStream(ctx, md)
	require.NoError(t, err)

	for _, name := range []string{"Ann", "Ben"} {
		req := dynamic.NewMessage(md.GetInputType())
		req.SetFieldByName("name", name)
		require.NoError(t, stream.SendMsg(req))
	}
	require.NoError(t, stream.CloseSend())

	var replies []string
	for {
		resp, err := stream.RecvMsg()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		replies = append(replies, resp.(*dynamic.Message).GetFieldByName("message").(string))
	}

	assert.Equal(t, []string{"greetings received: 2", "last was Ben"}, replies)
}

func TestRequestLogRecordsCalls(t *testing.T) {
	store := requestlog.NewStore(100)

	protoPath := testutil.WriteGreeterProto(t)
	s := testutil.LoadGreeterSchema(t)
	idx, err := rules.NewIndex([]*rules.RuleDoc{
		greeterRule("SayHello", &rules.ResponseOption{Body: map[string]any{"message": "hi"}}),
	})
	require.NoError(t, err)

	srv := New(&Config{Port: 0}, registry.Build(s), rules.NewProvider(idx), engine.New(nil, nil),
		WithRequestLog(store))
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background(), 5*time.Second)

	conn, err := grpc.NewClient(srv.Address(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	parser := protoparse.Parser{ImportPaths: []string{filepath.Dir(protoPath)}}
	files, err := parser.ParseFiles(filepath.Base(protoPath))
	require.NoError(t, err)

	md := methodDesc(t, files, "SayHello")
	stub := grpcdynamic.NewStub(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = stub.InvokeRpc(ctx, md, dynamic.NewMessage(md.GetInputType()))
	require.NoError(t, err)

	entries := store.List(&requestlog.Filter{Protocol: requestlog.ProtocolGRPC})
	require.Len(t, entries, 1)
	assert.Equal(t, "SayHello", entries[0].Method)
	assert.Equal(t, "unary", entries[0].Shape)
	assert.Equal(t, "OK", entries[0].Code)
	assert.Equal(t, 1, entries[0].Responses)
}
