package engine

import (
	"context"

	"github.com/mockrpc/mockrpc/pkg/rpc"
	"github.com/mockrpc/mockrpc/pkg/rules"
	"github.com/mockrpc/mockrpc/pkg/template"
)

// Stream yields the reply items of a server- or bidi-streaming call. The
// adapter pulls items with Next; the stream never runs ahead of the puller,
// so backpressure and cancellation cost nothing extra.
type Stream struct {
	engine   *Engine
	opt      *rules.ResponseOption
	request  map[string]any
	metadata rpc.Metadata

	items   []map[string]any
	order   []int
	pos     int
	emitted bool
}

// newStream prepares the emission plan for one call. The first pass order is
// fixed here; looping streams re-plan on every pass.
func (e *Engine) newStream(opt *rules.ResponseOption, request map[string]any, md rpc.Metadata) *Stream {
	s := &Stream{
		engine:   e,
		opt:      opt,
		request:  request,
		metadata: md,
		items:    opt.Items(),
	}
	s.order = s.planPass()
	return s
}

// planPass returns the emission order for one pass over the items.
func (s *Stream) planPass() []int {
	if s.opt.StreamRandomOrder {
		return s.engine.perm(len(s.items))
	}
	order := make([]int, len(s.items))
	for i := range order {
		order[i] = i
	}
	return order
}

// Next renders the next reply item. It blocks for the configured delays and
// returns ok=false when the stream is exhausted or the context is done; the
// caller distinguishes the two via ctx.Err().
func (s *Stream) Next(ctx context.Context) (*rpc.Response, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	if s.pos >= len(s.order) {
		if !s.opt.StreamLoop {
			return nil, false
		}
		s.order = s.planPass()
		s.pos = 0
	}

	wait := s.opt.StreamDelay()
	if !s.emitted {
		wait = s.opt.Delay()
	}
	if !sleep(ctx, wait) {
		return nil, false
	}
	s.emitted = true

	info := &template.StreamInfo{Index: s.pos, Total: len(s.order)}
	resp := s.engine.selector.Render(s.opt, s.items[s.order[s.pos]], s.request, s.metadata, info)
	s.pos++
	return resp, true
}

// Header returns the option's rendered metadata, sent once before the first
// item.
func (s *Stream) Header() rpc.Metadata {
	return s.engine.selector.Render(s.opt, nil, s.request, s.metadata, nil).Metadata
}

// Trailer returns the option's rendered trailers, sent once at stream end.
func (s *Stream) Trailer() rpc.Metadata {
	return s.engine.selector.Render(s.opt, nil, s.request, s.metadata, nil).Trailer
}

// Len returns the number of items in one pass.
func (s *Stream) Len() int {
	return len(s.items)
}

// Looping reports whether the stream restarts after each pass.
func (s *Stream) Looping() bool {
	return s.opt.StreamLoop
}
