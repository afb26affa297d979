package grpcserver

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/mockrpc/mockrpc/pkg/engine"
	"github.com/mockrpc/mockrpc/pkg/registry"
	"github.com/mockrpc/mockrpc/pkg/requestlog"
	"github.com/mockrpc/mockrpc/pkg/rpc"
)

// handleUnary runs one unary call end to end.
func (s *Server) handleUnary(ctx context.Context, bound *registry.BoundMethod, dec func(any) error) (any, error) {
	start := time.Now()

	reqMsg := dynamicpb.NewMessage(bound.Input)
	if err := dec(reqMsg); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	data, err := messageToMap(reqMsg)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "convert request: %v", err)
	}

	req := bound.NewRequest(incomingMetadata(ctx), data)
	resp, rpcErr := s.engine.Unary(ctx, req, s.provider.Snapshot())

	switch {
	case rpcErr != nil:
		err := statusError(rpcErr)
		s.finishCall(start, bound, req.Metadata, data, 0, err)
		return nil, err
	case resp == nil:
		err := status.FromContextError(ctx.Err()).Err()
		s.finishCall(start, bound, req.Metadata, data, 0, err)
		return nil, err
	}

	out, err := mapToMessage(bound.Output, resp.Data)
	if err != nil {
		grpcErr := status.Errorf(codes.Internal, "build response: %v", err)
		s.finishCall(start, bound, req.Metadata, data, 0, grpcErr)
		return nil, grpcErr
	}

	if md := outgoingMetadata(resp.Metadata); md != nil {
		_ = grpc.SetHeader(ctx, md)
	}
	if md := outgoingMetadata(resp.Trailer); md != nil {
		_ = grpc.SetTrailer(ctx, md)
	}

	s.finishCall(start, bound, req.Metadata, data, 1, nil)
	return out, nil
}

// handleStream dispatches the three streaming shapes.
func (s *Server) handleStream(bound *registry.BoundMethod, stream grpc.ServerStream) error {
	start := time.Now()
	done := s.metrics.StreamStarted(requestlog.ProtocolGRPC)
	defer done()

	md := incomingMetadata(stream.Context())

	var err error
	switch bound.Shape {
	case registry.ShapeServerStream:
		err = s.serveServerStream(bound, stream, md, start)
	case registry.ShapeClientStream:
		err = s.serveClientStream(bound, stream, md, start)
	case registry.ShapeBidi:
		err = s.serveBidi(bound, stream, md, start)
	default:
		err = status.Error(codes.Internal, "unary method routed to stream handler")
	}
	return err
}

// serveServerStream receives the single request, then pulls and sends reply
// items until the stream reports done.
func (s *Server) serveServerStream(bound *registry.BoundMethod, stream grpc.ServerStream, md rpc.Metadata, start time.Time) error {
	ctx := stream.Context()

	reqMsg := dynamicpb.NewMessage(bound.Input)
	if err := stream.RecvMsg(reqMsg); err != nil {
		return status.Errorf(codes.InvalidArgument, "receive request: %v", err)
	}
	data, err := messageToMap(reqMsg)
	if err != nil {
		return status.Errorf(codes.Internal, "convert request: %v", err)
	}

	req := bound.NewRequest(md, data)
	out, rpcErr := s.engine.ServerStream(ctx, req, s.provider.Snapshot())
	if rpcErr != nil {
		grpcErr := statusError(rpcErr)
		s.finishCall(start, bound, md, data, 0, grpcErr)
		return grpcErr
	}

	if hdr := outgoingMetadata(out.Header()); hdr != nil {
		_ = stream.SetHeader(hdr)
	}
	return s.emit(ctx, bound, stream, out, md, data, start)
}

// serveClientStream drains the inbound stream through the engine and sends
// the single aggregate reply.
func (s *Server) serveClientStream(bound *registry.BoundMethod, stream grpc.ServerStream, md rpc.Metadata, start time.Time) error {
	ctx := stream.Context()

	req := bound.NewRequest(md, nil)
	resp, rpcErr := s.engine.ClientStream(ctx, req, s.recvFunc(bound, stream), s.provider.Snapshot())

	switch {
	case rpcErr != nil:
		grpcErr := statusError(rpcErr)
		s.finishCall(start, bound, md, nil, 0, grpcErr)
		return grpcErr
	case resp == nil:
		grpcErr := status.FromContextError(ctx.Err()).Err()
		s.finishCall(start, bound, md, nil, 0, grpcErr)
		return grpcErr
	}

	out, err := mapToMessage(bound.Output, resp.Data)
	if err != nil {
		return status.Errorf(codes.Internal, "build response: %v", err)
	}
	if hdr := outgoingMetadata(resp.Metadata); hdr != nil {
		_ = stream.SetHeader(hdr)
	}
	if trl := outgoingMetadata(resp.Trailer); trl != nil {
		stream.SetTrailer(trl)
	}
	if err := stream.SendMsg(out); err != nil {
		return err
	}
	s.finishCall(start, bound, md, resp.Data, 1, nil)
	return nil
}

// serveBidi drains the inbound stream to completion, then emits the reply
// items like a server stream.
func (s *Server) serveBidi(bound *registry.BoundMethod, stream grpc.ServerStream, md rpc.Metadata, start time.Time) error {
	ctx := stream.Context()

	req := bound.NewRequest(md, nil)
	out, rpcErr := s.engine.Bidi(ctx, req, s.recvFunc(bound, stream), s.provider.Snapshot())

	switch {
	case rpcErr != nil:
		grpcErr := statusError(rpcErr)
		s.finishCall(start, bound, md, nil, 0, grpcErr)
		return grpcErr
	case out == nil:
		grpcErr := status.FromContextError(ctx.Err()).Err()
		s.finishCall(start, bound, md, nil, 0, grpcErr)
		return grpcErr
	}

	if hdr := outgoingMetadata(out.Header()); hdr != nil {
		_ = stream.SetHeader(hdr)
	}
	return s.emit(ctx, bound, stream, out, md, nil, start)
}

// emit pulls reply items and sends them until exhaustion or cancellation.
func (s *Server) emit(ctx context.Context, bound *registry.BoundMethod, stream grpc.ServerStream, out *engine.Stream, md rpc.Metadata, reqData map[string]any, start time.Time) error {
	sent := 0
	for {
		resp, ok := out.Next(ctx)
		if !ok {
			break
		}
		msg, err := mapToMessage(bound.Output, resp.Data)
		if err != nil {
			grpcErr := status.Errorf(codes.Internal, "build response item: %v", err)
			s.finishCall(start, bound, md, reqData, sent, grpcErr)
			return grpcErr
		}
		if err := stream.SendMsg(msg); err != nil {
			s.finishCall(start, bound, md, reqData, sent, err)
			return err
		}
		sent++
	}

	if err := ctx.Err(); err != nil {
		grpcErr := status.FromContextError(err).Err()
		s.finishCall(start, bound, md, reqData, sent, grpcErr)
		return grpcErr
	}

	if trl := outgoingMetadata(out.Trailer()); trl != nil {
		stream.SetTrailer(trl)
	}
	s.finishCall(start, bound, md, reqData, sent, nil)
	return nil
}

// recvFunc adapts grpc.ServerStream receives to the engine's pull function.
func (s *Server) recvFunc(bound *registry.BoundMethod, stream grpc.ServerStream) func(ctx context.Context) (map[string]any, error) {
	return func(ctx context.Context) (map[string]any, error) {
		msg := dynamicpb.NewMessage(bound.Input)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		return messageToMap(msg)
	}
}

// handleUnknown catches calls to services or methods outside the schema.
func (s *Server) handleUnknown(srv any, stream grpc.ServerStream) error {
	fullMethod, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "no method in stream context")
	}
	parts := strings.Split(fullMethod, "/")
	if len(parts) != 3 {
		return status.Errorf(codes.Unimplemented, "malformed method path %q", fullMethod)
	}
	s.log.Debug("unknown method called", "method", fullMethod)
	return status.Errorf(codes.Unimplemented, "unknown method %s/%s", parts[1], parts[2])
}

// incomingMetadata normalizes gRPC metadata, dropping pseudo-headers and
// transport-internal keys.
func incomingMetadata(ctx context.Context) rpc.Metadata {
	md, _ := metadata.FromIncomingContext(ctx)
	return rpc.NewMetadata(md, ":", "grpc-")
}

// outgoingMetadata converts normalized metadata for the wire.
func outgoingMetadata(md rpc.Metadata) metadata.MD {
	if len(md) == 0 {
		return nil
	}
	return metadata.New(md.Map())
}

// finishCall records metrics and the request-log entry for one finished call.
func (s *Server) finishCall(start time.Time, bound *registry.BoundMethod, md rpc.Metadata, reqData map[string]any, responses int, callErr error) {
	elapsed := time.Since(start)
	code := codes.OK
	message := ""
	if st, ok := status.FromError(callErr); ok && callErr != nil {
		code = st.Code()
		message = st.Message()
	} else if callErr != nil {
		code = codes.Unknown
		message = callErr.Error()
	}
	codeName := rpc.Code(code).String()
	fullMethod := "/" + bound.Service + "/" + bound.Method

	s.metrics.ObserveRPC(requestlog.ProtocolGRPC, fullMethod, codeName, elapsed)

	if s.reqlog != nil {
		s.reqlog.Log(&requestlog.Entry{
			Timestamp:  start,
			Protocol:   requestlog.ProtocolGRPC,
			Service:    bound.Service,
			Method:     bound.Method,
			Shape:      bound.Shape.String(),
			Metadata:   md.Map(),
			Request:    reqData,
			Responses:  responses,
			Code:       codeName,
			Error:      message,
			DurationMS: elapsed.Milliseconds(),
		})
	}

	s.log.Debug("grpc call finished",
		"method", fullMethod,
		"shape", bound.Shape.String(),
		"code", codeName,
		"responses", responses,
		"duration_ms", elapsed.Milliseconds())
}
