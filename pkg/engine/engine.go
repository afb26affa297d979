// Package engine implements the streaming-pattern handlers. Each handler
// runs one call against a rules index snapshot: look up the method's rule,
// validate the inbound payload(s), select a response option, and either
// render replies or short-circuit to the option's error. Cancellation ends a
// call silently; the protocol adapter owns the transport-level outcome.
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/mockrpc/mockrpc/pkg/rpc"
	"github.com/mockrpc/mockrpc/pkg/rules"
	"github.com/mockrpc/mockrpc/pkg/validation"
)

// RecvFunc pulls the next inbound message of a client- or bidi-streaming
// call. It returns io.EOF when the client half-closes.
type RecvFunc func(ctx context.Context) (map[string]any, error)

// Engine executes calls against rule snapshots. Safe for concurrent use.
type Engine struct {
	selector  *rules.Selector
	validator *validation.Registry
	log       *slog.Logger
	perm      func(n int) []int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithPermutation overrides the permutation source used for random-order
// streams. Tests inject a deterministic one.
func WithPermutation(perm func(n int) []int) Option {
	return func(e *Engine) {
		if perm != nil {
			e.perm = perm
		}
	}
}

// New creates an engine. A nil selector gets a default one; a nil validator
// disables validation.
func New(selector *rules.Selector, validator *validation.Registry, opts ...Option) *Engine {
	e := &Engine{
		selector:  selector,
		validator: validator,
		log:       slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)})),
		perm:      rand.Perm,
	}
	if e.selector == nil {
		e.selector = rules.NewSelector(nil)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Unary handles a unary call. A (nil, nil) return means the call was
// cancelled; the adapter reports ctx.Err() on the wire.
func (e *Engine) Unary(ctx context.Context, req *rpc.Request, idx *rules.Index) (*rpc.Response, *rpc.Error) {
	if rpcErr := e.validate(req, req.Data); rpcErr != nil {
		return nil, rpcErr
	}
	opt, rpcErr := e.resolve(req, req.Data, idx)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if !sleep(ctx, opt.Delay()) {
		return nil, nil
	}
	if override, ok := opt.StatusOverride(); ok {
		return nil, override
	}
	return e.selector.Render(opt, opt.Body, req.Data, req.Metadata, nil), nil
}

// ServerStream handles a server-streaming call. On success the returned
// Stream yields the option's items in configured order; the adapter pulls
// them with Next until it reports done.
func (e *Engine) ServerStream(ctx context.Context, req *rpc.Request, idx *rules.Index) (*Stream, *rpc.Error) {
	if rpcErr := e.validate(req, req.Data); rpcErr != nil {
		return nil, rpcErr
	}
	opt, rpcErr := e.resolve(req, req.Data, idx)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if override, ok := opt.StatusOverride(); ok {
		return nil, override
	}
	return e.newStream(opt, req.Data, req.Metadata), nil
}

// ClientStream handles a client-streaming call: drain the inbound stream,
// validate per the configured mode, then select and render the single reply
// against the aggregate payload.
func (e *Engine) ClientStream(ctx context.Context, req *rpc.Request, recv RecvFunc, idx *rules.Index) (*rpc.Response, *rpc.Error) {
	aggregate, rpcErr := e.drain(ctx, req, recv)
	if rpcErr != nil || aggregate == nil {
		return nil, rpcErr
	}
	opt, rpcErr := e.resolve(req, aggregate, idx)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if !sleep(ctx, opt.Delay()) {
		return nil, nil
	}
	if override, ok := opt.StatusOverride(); ok {
		return nil, override
	}
	return e.selector.Render(opt, opt.Body, aggregate, req.Metadata, nil), nil
}

// Bidi handles a bidirectional-streaming call. The inbound stream is drained
// to completion first, then the reply items are emitted the same way a
// server stream emits them, with the aggregate payload as template input.
func (e *Engine) Bidi(ctx context.Context, req *rpc.Request, recv RecvFunc, idx *rules.Index) (*Stream, *rpc.Error) {
	aggregate, rpcErr := e.drain(ctx, req, recv)
	if rpcErr != nil || aggregate == nil {
		return nil, rpcErr
	}
	opt, rpcErr := e.resolve(req, aggregate, idx)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if override, ok := opt.StatusOverride(); ok {
		return nil, override
	}
	return e.newStream(opt, aggregate, req.Metadata), nil
}

// resolve looks up the method's rule and selects the winning option. Both a
// missing rule and a matchless rule map to UNIMPLEMENTED.
func (e *Engine) resolve(req *rpc.Request, data map[string]any, idx *rules.Index) (*rules.ResponseOption, *rpc.Error) {
	doc, ok := idx.Get(req.RuleKey())
	if !ok {
		e.log.Debug("no rule for method", "service", req.Service, "method", req.Method)
		return nil, rpc.Errorf(rpc.Unimplemented, "method %s/%s is not configured", req.Service, req.Method)
	}
	opt := e.selector.Select(doc, data, req.Metadata)
	if opt == nil {
		e.log.Debug("no option matched", "service", req.Service, "method", req.Method)
		return nil, rpc.Errorf(rpc.Unimplemented, "no response option matched for %s/%s", req.Service, req.Method)
	}
	return opt, nil
}

// validate checks one inbound payload against the request message schema.
func (e *Engine) validate(req *rpc.Request, data map[string]any) *rpc.Error {
	if !e.validator.Active() {
		return nil
	}
	v, ok := e.validator.ValidatorFor(string(req.RequestSchema.FullName()))
	if !ok {
		return nil
	}
	violations := v.Validate(data)
	if len(violations) == 0 {
		return nil
	}
	return &rpc.Error{
		Code:    rpc.InvalidArgument,
		Message: "request validation failed",
		Details: violations,
	}
}

// drain consumes the inbound stream and builds the aggregate payload for
// selection and templating. It returns (nil, nil) on cancellation.
func (e *Engine) drain(ctx context.Context, req *rpc.Request, recv RecvFunc) (map[string]any, *rpc.Error) {
	perItem := e.validator.Active() && e.validator.Mode() == validation.ModePerItem
	var items []map[string]any
	for {
		msg, err := recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, rpc.Errorf(rpc.Internal, "inbound stream failed: %v", err)
		}
		if perItem {
			if rpcErr := e.validate(req, msg); rpcErr != nil {
				return nil, rpcErr
			}
		}
		items = append(items, msg)
	}
	if !perItem {
		for _, msg := range items {
			if rpcErr := e.validate(req, msg); rpcErr != nil {
				return nil, rpcErr
			}
		}
	}

	aggregate := map[string]any{
		"items": items,
		"count": len(items),
	}
	if len(items) > 0 {
		aggregate["first"] = items[0]
		aggregate["last"] = items[len(items)-1]
	}
	return aggregate, nil
}

// sleep waits for d or until the context is done. Returns false when the
// context won.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
