package webserver

import (
	"encoding/json"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// decodeJSONBody reads a JSON request body as a message list: an array is a
// message per element, an object is a single message, an empty body is no
// messages.
func decodeJSONBody(r io.Reader) ([]map[string]any, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var asList []map[string]any
	if err := json.Unmarshal(raw, &asList); err == nil {
		return asList, nil
	}

	var asObject map[string]any
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return nil, fmt.Errorf("parse body json: %w", err)
	}
	return []map[string]any{asObject}, nil
}

// protoToMap decodes a binary proto payload into a JSON-shaped map, so both
// adapters present identical request data to the rules.
func protoToMap(desc protoreflect.MessageDescriptor, payload []byte) (map[string]any, error) {
	msg := dynamicpb.NewMessage(desc)
	if err := proto.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", desc.FullName(), err)
	}
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message json: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// mapToProto encodes a JSON-shaped reply map as binary proto bytes of the
// given message type.
func mapToProto(desc protoreflect.MessageDescriptor, data map[string]any) ([]byte, error) {
	msg := dynamicpb.NewMessage(desc)
	if len(data) > 0 {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		if err := protojson.Unmarshal(raw, msg); err != nil {
			return nil, fmt.Errorf("payload does not fit %s: %w", desc.FullName(), err)
		}
	}
	return proto.Marshal(msg)
}
