package rules

import (
	"github.com/mockrpc/mockrpc/pkg/rpc"
	"github.com/mockrpc/mockrpc/pkg/template"
)

// Selector picks response options and renders them through the template
// engine. A Selector is stateless apart from the engine's sequence store and
// safe for concurrent use.
type Selector struct {
	tmpl *template.Engine
}

// NewSelector creates a Selector rendering with the given engine. A nil
// engine gets a fresh one.
func NewSelector(tmpl *template.Engine) *Selector {
	if tmpl == nil {
		tmpl = template.New()
	}
	return &Selector{tmpl: tmpl}
}

// Select returns the winning option for a request: the highest-priority
// option whose condition is absent or holds, with list order breaking ties.
// Returns nil when the document is nil or nothing matches; the caller maps
// that to UNIMPLEMENTED.
func (s *Selector) Select(doc *RuleDoc, request map[string]any, md rpc.Metadata) *ResponseOption {
	if doc == nil {
		return nil
	}

	var best *ResponseOption
	for _, opt := range doc.Options {
		if opt.When != nil && !opt.When.Eval(request, md) {
			continue
		}
		if best == nil || opt.Priority > best.Priority {
			best = opt
		}
	}
	return best
}

// Render renders one payload template of the selected option into a
// normalized response. For streaming methods body is one entry of
// opt.Items() and stream carries the emission position; for unary replies
// body is opt.Body and stream is nil. Option metadata and trailers are
// rendered through the same context with the reserved status pair stripped.
func (s *Selector) Render(opt *ResponseOption, body map[string]any, request map[string]any, md rpc.Metadata, stream *template.StreamInfo) *rpc.Response {
	ctx := &template.Context{
		Request:  request,
		Metadata: md.Map(),
		Stream:   stream,
	}

	return &rpc.Response{
		Data:     s.tmpl.RenderMap(body, ctx),
		Metadata: s.renderPairs(opt.Metadata, ctx),
		Trailer:  s.renderPairs(opt.Trailers, ctx),
	}
}

// renderPairs renders a metadata/trailer template map, dropping the reserved
// status pair which never travels as plain metadata.
func (s *Selector) renderPairs(pairs map[string]string, ctx *template.Context) rpc.Metadata {
	if len(pairs) == 0 {
		return nil
	}
	out := make(rpc.Metadata, len(pairs))
	for key, value := range pairs {
		if key == StatusKey || key == MessageKey {
			continue
		}
		out.Set(key, s.tmpl.Process(value, ctx))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
