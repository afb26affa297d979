package rpc

import (
	"fmt"

	"google.golang.org/protobuf/reflect/protoreflect"
)

// Request is the normalized form of one inbound RPC message. A protocol
// adapter creates exactly one Request per call; for client- and
// bidirectional-streaming calls additional per-message payloads are delivered
// separately while the Request itself stays immutable.
type Request struct {
	// Service is the fully qualified service name (e.g. "helloworld.Greeter").
	Service string

	// Method is the bare method name (e.g. "SayHello").
	Method string

	// Metadata carries the call metadata with lowercase keys.
	Metadata Metadata

	// Data is the decoded request message as a JSON-shaped map.
	Data map[string]any

	// RequestSchema and ResponseSchema are the message descriptors used for
	// encode/decode. They are never mutated.
	RequestSchema  protoreflect.MessageDescriptor
	ResponseSchema protoreflect.MessageDescriptor

	// RequestStream and ResponseStream fix the RPC shape for this call.
	RequestStream  bool
	ResponseStream bool
}

// RuleKey returns the rule lookup key for the request:
// lowercase(service + "." + method).
func (r *Request) RuleKey() string {
	return RuleKey(r.Service, r.Method)
}

// Response is the normalized form of one outbound reply message.
type Response struct {
	// Data is the reply payload as a JSON-shaped map conforming to the
	// response schema.
	Data map[string]any

	// Metadata is sent before data (headers).
	Metadata Metadata

	// Trailer is sent after data, at stream end.
	Trailer Metadata
}

// Error is the normalized form of one call failure. Code is always one of
// the 17 canonical codes.
type Error struct {
	Code    Code
	Message string

	// Details holds structured violation records, typically produced by
	// request validation.
	Details []Violation
}

// Violation is one structured field-level failure attached to an Error.
type Violation struct {
	Field       string `json:"field,omitempty"`
	Description string `json:"description,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", e.Code, e.Message)
}

// Errorf builds an Error from a code and a format string.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
