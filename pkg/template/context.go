package template

// Context carries the data a template expression can reference.
type Context struct {
	// Request is the decoded request payload (for client/bidi streaming, the
	// aggregate value with items/first/last/count).
	Request map[string]any

	// Metadata is the call metadata with lowercase keys.
	Metadata map[string]string

	// Stream is the positional context for one emitted stream item. Nil for
	// unary and client-streaming responses.
	Stream *StreamInfo
}

// StreamInfo exposes the emission position of one stream item so a single
// option can produce positionally-varying content.
type StreamInfo struct {
	// Index is the zero-based emission position within the current pass.
	Index int

	// Total is the number of items in one pass.
	Total int
}

// IsFirst reports whether this is the first item of the pass.
func (s *StreamInfo) IsFirst() bool { return s.Index == 0 }

// IsLast reports whether this is the last item of the pass.
func (s *StreamInfo) IsLast() bool { return s.Index == s.Total-1 }
