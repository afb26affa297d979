// Package rpc defines the protocol-independent request, response, and error
// model shared by every component of the mock server.
//
// Protocol adapters translate wire-level calls into a Request, the streaming
// handlers produce Response and Error values, and the adapters translate those
// back into protocol-specific framing. The Code type is the single error
// vocabulary: every failure anywhere in the pipeline is expressed as one of
// the 17 canonical status codes before it reaches an adapter.
package rpc
