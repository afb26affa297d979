package grpcserver

import (
	"encoding/json"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/mockrpc/mockrpc/pkg/rpc"
)

// messageToMap converts a dynamic message to a JSON-shaped map via protojson,
// so field names and value shapes match what rule conditions and templates
// see from the web adapter.
func messageToMap(msg proto.Message) (map[string]any, error) {
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal message json: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// mapToMessage builds a dynamic message of the given type from a JSON-shaped
// map. Unknown fields are rejected by protojson, surfacing template typos.
func mapToMessage(desc protoreflect.MessageDescriptor, data map[string]any) (*dynamicpb.Message, error) {
	msg := dynamicpb.NewMessage(desc)
	if len(data) == 0 {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if err := protojson.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("payload does not fit %s: %w", desc.FullName(), err)
	}
	return msg, nil
}

// statusError converts a normalized error to a gRPC status error, attaching
// violation details as a google.rpc.BadRequest.
func statusError(e *rpc.Error) error {
	st := status.New(codes.Code(e.Code), e.Message)
	if len(e.Details) == 0 {
		return st.Err()
	}

	br := &errdetails.BadRequest{}
	for _, v := range e.Details {
		br.FieldViolations = append(br.FieldViolations, &errdetails.BadRequest_FieldViolation{
			Field:       v.Field,
			Description: v.Description,
		})
	}
	detailed, err := st.WithDetails(br)
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}
