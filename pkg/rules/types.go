package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/mockrpc/mockrpc/pkg/rpc"
)

// Reserved metadata/trailer keys that encode a status override. An option
// carrying a non-zero grpc-status is served as an error, not a payload.
const (
	StatusKey  = "grpc-status"
	MessageKey = "grpc-message"
)

// Rule document validation errors.
var (
	ErrMissingService = errors.New("rule: missing service")
	ErrMissingMethod  = errors.New("rule: missing method")
	ErrNoOptions      = errors.New("rule: at least one response option is required")
	ErrDuplicateRule  = errors.New("rule: duplicate rule key")
)

// RuleDoc configures the mock behavior of a single method.
type RuleDoc struct {
	// Service is the fully qualified service name.
	Service string `json:"service" yaml:"service"`

	// Method is the bare method name.
	Method string `json:"method" yaml:"method"`

	// Options is the ordered list of response options. Order breaks priority
	// ties: the first option of the winning priority is served.
	Options []*ResponseOption `json:"options" yaml:"options"`
}

// Key returns the index key for the document:
// lowercase(service + "." + method).
func (d *RuleDoc) Key() string {
	return rpc.RuleKey(d.Service, d.Method)
}

// Validate checks the document and compiles every option's condition.
func (d *RuleDoc) Validate() error {
	if d.Service == "" {
		return ErrMissingService
	}
	if d.Method == "" {
		return ErrMissingMethod
	}
	if len(d.Options) == 0 {
		return ErrNoOptions
	}
	for i, opt := range d.Options {
		if err := opt.validate(); err != nil {
			return fmt.Errorf("rule %s option %d: %w", d.Key(), i, err)
		}
	}
	return nil
}

// ResponseOption is one conditional or unconditional reply configuration
// within a rule.
type ResponseOption struct {
	// When guards the option. An option without a condition matches every
	// request and acts as the priority-0 fallback unless Priority says
	// otherwise.
	When *Condition `json:"when,omitempty" yaml:"when,omitempty"`

	// Priority orders options; higher wins. Defaults to 0.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Body is the reply payload template for unary replies and the default
	// stream item when StreamItems is absent.
	Body map[string]any `json:"body,omitempty" yaml:"body,omitempty"`

	// Metadata is sent before data. A non-zero grpc-status value here turns
	// the option into an error.
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Trailers are sent after data, at stream end. The reserved status pair
	// is honored here as well.
	Trailers map[string]string `json:"trailers,omitempty" yaml:"trailers,omitempty"`

	// DelayMS is advisory latency before the (first) response.
	DelayMS int `json:"delay_ms,omitempty" yaml:"delay_ms,omitempty"`

	// StreamItems is the ordered list of payload templates for streaming
	// methods. When absent, Body is served as the single item.
	StreamItems []map[string]any `json:"stream_items,omitempty" yaml:"stream_items,omitempty"`

	// StreamDelayMS is the inter-item latency for streaming methods.
	StreamDelayMS int `json:"stream_delay_ms,omitempty" yaml:"stream_delay_ms,omitempty"`

	// StreamLoop restarts the item list after the last item, indefinitely,
	// until the call is cancelled.
	StreamLoop bool `json:"stream_loop,omitempty" yaml:"stream_loop,omitempty"`

	// StreamRandomOrder re-permutes the emission order on every pass.
	StreamRandomOrder bool `json:"stream_random_order,omitempty" yaml:"stream_random_order,omitempty"`
}

// validate compiles the option's condition and checks the reserved status
// pair parses.
func (o *ResponseOption) validate() error {
	if o.When != nil {
		if err := o.When.compile(); err != nil {
			return err
		}
	}
	if o.DelayMS < 0 || o.StreamDelayMS < 0 {
		return errors.New("delay must not be negative")
	}
	for _, m := range []map[string]string{o.Metadata, o.Trailers} {
		if raw, ok := m[StatusKey]; ok {
			if _, ok := rpc.ParseCode(raw); !ok {
				return fmt.Errorf("invalid %s value %q", StatusKey, raw)
			}
		}
	}
	return nil
}

// StatusOverride returns the error encoded by the reserved status pair, or
// ok=false when the option is a plain payload. Trailers take precedence over
// metadata when both carry the pair.
func (o *ResponseOption) StatusOverride() (*rpc.Error, bool) {
	for _, m := range []map[string]string{o.Trailers, o.Metadata} {
		raw, present := m[StatusKey]
		if !present {
			continue
		}
		code, ok := rpc.ParseCode(raw)
		if !ok || code == rpc.OK {
			continue
		}
		return &rpc.Error{Code: code, Message: m[MessageKey]}, true
	}
	return nil, false
}

// Items returns the stream item templates: StreamItems, or [Body] when no
// explicit items are configured.
func (o *ResponseOption) Items() []map[string]any {
	if len(o.StreamItems) > 0 {
		return o.StreamItems
	}
	return []map[string]any{o.Body}
}

// Delay returns the pre-response latency.
func (o *ResponseOption) Delay() time.Duration {
	return time.Duration(o.DelayMS) * time.Millisecond
}

// StreamDelay returns the inter-item latency.
func (o *ResponseOption) StreamDelay() time.Duration {
	return time.Duration(o.StreamDelayMS) * time.Millisecond
}
