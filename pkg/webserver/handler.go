package webserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/mockrpc/mockrpc/pkg/engine"
	"github.com/mockrpc/mockrpc/pkg/registry"
	"github.com/mockrpc/mockrpc/pkg/requestlog"
	"github.com/mockrpc/mockrpc/pkg/rpc"
)

// ContentTypeNDJSON is the response type for JSON-variant streaming replies.
const ContentTypeNDJSON = "application/x-ndjson"

// handleCall decodes the inbound payload(s), runs the method's streaming
// handler, and writes the reply in the request's wire variant.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request, bound *registry.BoundMethod, format wireFormat) {
	start := time.Now()
	ctx := r.Context()
	md := rpc.NewMetadata(r.Header, "grpc-")
	snapshot := s.provider.Snapshot()

	messages, err := s.decodeInbound(r, bound, format)
	if err != nil {
		rpcErr := rpc.Errorf(rpc.InvalidArgument, "decode request: %v", err)
		writeRPCError(w, format, rpcErr)
		s.finishCall(start, bound, format, md, nil, 0, rpcErr)
		return
	}

	switch bound.Shape {
	case registry.ShapeUnary:
		req := bound.NewRequest(md, firstOrEmpty(messages))
		resp, rpcErr := s.engine.Unary(ctx, req, snapshot)
		s.writeUnaryOutcome(w, format, bound, req.Data, resp, rpcErr, start, ctx)

	case registry.ShapeClientStream:
		req := bound.NewRequest(md, nil)
		resp, rpcErr := s.engine.ClientStream(ctx, req, recvFromSlice(messages), snapshot)
		s.writeUnaryOutcome(w, format, bound, nil, resp, rpcErr, start, ctx)

	case registry.ShapeServerStream:
		done := s.metrics.StreamStarted(requestlog.ProtocolWeb)
		defer done()
		req := bound.NewRequest(md, firstOrEmpty(messages))
		stream, rpcErr := s.engine.ServerStream(ctx, req, snapshot)
		s.writeStreamOutcome(ctx, w, format, bound, req.Data, stream, rpcErr, start)

	case registry.ShapeBidi:
		done := s.metrics.StreamStarted(requestlog.ProtocolWeb)
		defer done()
		req := bound.NewRequest(md, nil)
		stream, rpcErr := s.engine.Bidi(ctx, req, recvFromSlice(messages), snapshot)
		s.writeStreamOutcome(ctx, w, format, bound, nil, stream, rpcErr, start)
	}
}

// decodeInbound reads the request body as a message list per wire variant.
func (s *Server) decodeInbound(r *http.Request, bound *registry.BoundMethod, format wireFormat) ([]map[string]any, error) {
	if format == formatJSON {
		return decodeJSONBody(r.Body)
	}
	frames, err := readFrames(r.Body, format == formatGRPCWebText)
	if err != nil {
		return nil, err
	}
	messages := make([]map[string]any, 0, len(frames))
	for _, frame := range frames {
		m, err := protoToMap(bound.Input, frame)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// firstOrEmpty returns the single request message of a non-streaming inbound
// direction.
func firstOrEmpty(messages []map[string]any) map[string]any {
	if len(messages) > 0 {
		return messages[0]
	}
	return map[string]any{}
}

// recvFromSlice adapts pre-read messages to the engine's pull function. The
// web transports deliver the full inbound stream in the request body, so the
// drain loop consumes a slice.
func recvFromSlice(messages []map[string]any) engine.RecvFunc {
	i := 0
	return func(ctx context.Context) (map[string]any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i >= len(messages) {
			return nil, io.EOF
		}
		msg := messages[i]
		i++
		return msg, nil
	}
}

// writeUnaryOutcome writes a single-reply result (unary and client-stream
// shapes) in the request's variant.
func (s *Server) writeUnaryOutcome(w http.ResponseWriter, format wireFormat, bound *registry.BoundMethod, reqData map[string]any, resp *rpc.Response, rpcErr *rpc.Error, start time.Time, ctx context.Context) {
	switch {
	case rpcErr != nil:
		writeRPCError(w, format, rpcErr)
		s.finishCall(start, bound, format, nil, reqData, 0, rpcErr)
		return
	case resp == nil:
		// Cancelled mid-call; the client is gone.
		s.finishCall(start, bound, format, nil, reqData, 0, rpc.Errorf(rpc.Canceled, "%v", ctx.Err()))
		return
	}

	if format == formatJSON {
		setHeaderMetadata(w, resp.Metadata)
		declareTrailers(w, resp.Trailer)
		w.Header().Set("Content-Type", ContentTypeJSON)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(orderedBody(resp.Data))
		setTrailerMetadata(w, resp.Trailer)
		s.finishCall(start, bound, format, resp.Metadata, reqData, 1, nil)
		return
	}

	payload, err := mapToProto(bound.Output, resp.Data)
	if err != nil {
		internal := rpc.Errorf(rpc.Internal, "build response: %v", err)
		writeRPCError(w, format, internal)
		s.finishCall(start, bound, format, nil, reqData, 0, internal)
		return
	}

	setHeaderMetadata(w, resp.Metadata)
	w.Header().Set("Content-Type", format.contentType())
	w.WriteHeader(http.StatusOK)
	sink := newFrameSink(w, format == formatGRPCWebText)
	_ = sink.WriteData(payload)
	_ = sink.WriteTrailers(rpc.OK, "", resp.Trailer)
	_ = sink.Close()
	s.finishCall(start, bound, format, resp.Metadata, reqData, 1, nil)
}

// writeStreamOutcome writes a multi-reply result (server-stream and bidi
// shapes) in the request's variant.
func (s *Server) writeStreamOutcome(ctx context.Context, w http.ResponseWriter, format wireFormat, bound *registry.BoundMethod, reqData map[string]any, stream *engine.Stream, rpcErr *rpc.Error, start time.Time) {
	if rpcErr != nil {
		writeRPCError(w, format, rpcErr)
		s.finishCall(start, bound, format, nil, reqData, 0, rpcErr)
		return
	}
	if stream == nil {
		s.finishCall(start, bound, format, nil, reqData, 0, rpc.Errorf(rpc.Canceled, "%v", ctx.Err()))
		return
	}

	header := stream.Header()
	trailer := stream.Trailer()
	setHeaderMetadata(w, header)

	if format == formatJSON {
		declareTrailers(w, trailer)
		w.Header().Set("Content-Type", ContentTypeNDJSON)
		w.WriteHeader(http.StatusOK)

		enc := json.NewEncoder(w)
		sent := 0
		for {
			resp, ok := stream.Next(ctx)
			if !ok {
				break
			}
			if err := enc.Encode(orderedBody(resp.Data)); err != nil {
				s.finishCall(start, bound, format, header, reqData, sent, rpc.Errorf(rpc.Canceled, "client write failed: %v", err))
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			sent++
		}
		if err := ctx.Err(); err != nil {
			s.finishCall(start, bound, format, header, reqData, sent, rpc.Errorf(rpc.Canceled, "%v", err))
			return
		}
		setTrailerMetadata(w, trailer)
		s.finishCall(start, bound, format, header, reqData, sent, nil)
		return
	}

	w.Header().Set("Content-Type", format.contentType())
	w.WriteHeader(http.StatusOK)
	sink := newFrameSink(w, format == formatGRPCWebText)

	sent := 0
	for {
		resp, ok := stream.Next(ctx)
		if !ok {
			break
		}
		payload, err := mapToProto(bound.Output, resp.Data)
		if err != nil {
			_ = sink.WriteTrailers(rpc.Internal, "build response item failed", nil)
			_ = sink.Close()
			s.finishCall(start, bound, format, header, reqData, sent, rpc.Errorf(rpc.Internal, "build response item: %v", err))
			return
		}
		if err := sink.WriteData(payload); err != nil {
			s.finishCall(start, bound, format, header, reqData, sent, rpc.Errorf(rpc.Canceled, "client write failed: %v", err))
			return
		}
		sent++
	}

	if err := ctx.Err(); err != nil {
		s.finishCall(start, bound, format, header, reqData, sent, rpc.Errorf(rpc.Canceled, "%v", err))
		return
	}

	_ = sink.WriteTrailers(rpc.OK, "", trailer)
	_ = sink.Close()
	s.finishCall(start, bound, format, header, reqData, sent, nil)
}

// errorBody is the JSON error envelope of the web surface.
type errorBody struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details []rpc.Violation `json:"details,omitempty"`
}

// writeRPCError writes a failed call. The JSON variant maps the code to its
// parallel HTTP status; the grpc-web variants answer 200 with a trailer-only
// body, per the grpc-web protocol.
func writeRPCError(w http.ResponseWriter, format wireFormat, e *rpc.Error) {
	if format == formatJSON {
		w.Header().Set("Content-Type", ContentTypeJSON)
		w.WriteHeader(e.Code.HTTPStatus())
		_ = json.NewEncoder(w).Encode(errorBody{
			Code:    e.Code.WebString(),
			Message: e.Message,
			Details: e.Details,
		})
		return
	}

	w.Header().Set("Content-Type", format.contentType())
	w.WriteHeader(http.StatusOK)
	sink := newFrameSink(w, format == formatGRPCWebText)
	_ = sink.WriteTrailers(e.Code, e.Message, nil)
	_ = sink.Close()
}

// writeUnknownMethod answers a call to a method outside the schema.
func writeUnknownMethod(w http.ResponseWriter, format wireFormat, service, method string) {
	writeRPCError(w, format, rpc.Errorf(rpc.Unimplemented, "unknown method %s/%s", service, method))
}

// setHeaderMetadata copies response metadata onto HTTP headers.
func setHeaderMetadata(w http.ResponseWriter, md rpc.Metadata) {
	for k, v := range md {
		w.Header().Set(k, v)
	}
}

// declareTrailers announces HTTP trailers before the body is written.
func declareTrailers(w http.ResponseWriter, md rpc.Metadata) {
	for k := range md {
		w.Header().Add("Trailer", k)
	}
}

// setTrailerMetadata sets announced trailer values after the body.
func setTrailerMetadata(w http.ResponseWriter, md rpc.Metadata) {
	for k, v := range md {
		w.Header().Set(k, v)
	}
}

// orderedBody keeps nil payloads rendering as {} rather than null.
func orderedBody(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return data
}

// finishCall records metrics and the request-log entry for one finished web
// call.
func (s *Server) finishCall(start time.Time, bound *registry.BoundMethod, format wireFormat, respMD rpc.Metadata, reqData map[string]any, responses int, rpcErr *rpc.Error) {
	elapsed := time.Since(start)
	code := rpc.OK
	message := ""
	if rpcErr != nil {
		code = rpcErr.Code
		message = rpcErr.Message
	}
	fullMethod := "/" + bound.Service + "/" + bound.Method

	s.metrics.ObserveRPC(requestlog.ProtocolWeb, fullMethod, code.String(), elapsed)

	if s.reqlog != nil {
		s.reqlog.Log(&requestlog.Entry{
			Timestamp:  start,
			Protocol:   requestlog.ProtocolWeb,
			Service:    bound.Service,
			Method:     bound.Method,
			Shape:      bound.Shape.String(),
			Request:    reqData,
			Responses:  responses,
			Code:       code.String(),
			Error:      message,
			DurationMS: elapsed.Milliseconds(),
		})
	}

	s.log.Debug("web call finished",
		"method", fullMethod,
		"variant", format.String(),
		"shape", bound.Shape.String(),
		"code", code.String(),
		"responses", responses,
		"duration_ms", elapsed.Milliseconds())
}
