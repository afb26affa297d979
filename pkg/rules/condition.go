package rules

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/ohler55/ojg/jp"

	"github.com/mockrpc/mockrpc/pkg/rpc"
)

// Condition is a tree of predicates over request fields and call metadata.
// All clauses of one condition must hold (AND); AnyOf/AllOf/Not compose
// conditions. Field keys are dot paths into the decoded request payload.
type Condition struct {
	// Equals requires exact field values.
	Equals map[string]any `json:"equals,omitempty" yaml:"equals,omitempty"`

	// Matches requires fields to match anchored regular expressions.
	Matches map[string]string `json:"matches,omitempty" yaml:"matches,omitempty"`

	// In requires field values to be members of the given sets.
	In map[string][]any `json:"in,omitempty" yaml:"in,omitempty"`

	// Exists requires fields to be present, whatever their value.
	Exists []string `json:"exists,omitempty" yaml:"exists,omitempty"`

	// Numeric comparisons.
	Gt  map[string]float64 `json:"gt,omitempty" yaml:"gt,omitempty"`
	Gte map[string]float64 `json:"gte,omitempty" yaml:"gte,omitempty"`
	Lt  map[string]float64 `json:"lt,omitempty" yaml:"lt,omitempty"`
	Lte map[string]float64 `json:"lte,omitempty" yaml:"lte,omitempty"`

	// Metadata requires exact matches on metadata keys (case-insensitive).
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Expr is a free-form expression over {request, metadata}, evaluated
	// with expr-lang. It must yield a boolean.
	Expr string `json:"expr,omitempty" yaml:"expr,omitempty"`

	// Composition.
	AnyOf []*Condition `json:"any_of,omitempty" yaml:"any_of,omitempty"`
	AllOf []*Condition `json:"all_of,omitempty" yaml:"all_of,omitempty"`
	Not   *Condition   `json:"not,omitempty" yaml:"not,omitempty"`

	// Compiled state, populated by compile.
	regexps map[string]*regexp.Regexp
	paths   map[string]jp.Expr
	program *vm.Program
}

// compile validates and precompiles regex patterns, field paths, and the
// expr program. It recurses into composed conditions.
func (c *Condition) compile() error {
	c.regexps = make(map[string]*regexp.Regexp, len(c.Matches))
	for path, pattern := range c.Matches {
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return fmt.Errorf("condition: invalid pattern for %q: %w", path, err)
		}
		c.regexps[path] = re
	}

	c.paths = make(map[string]jp.Expr)
	for _, group := range []map[string]struct{}{fieldKeys(c.Equals), stringKeys(c.Matches), setKeys(c.In), sliceKeys(c.Exists), floatKeys(c.Gt), floatKeys(c.Gte), floatKeys(c.Lt), floatKeys(c.Lte)} {
		for path := range group {
			if _, ok := c.paths[path]; ok {
				continue
			}
			compiled, err := jp.ParseString(path)
			if err != nil {
				return fmt.Errorf("condition: invalid field path %q: %w", path, err)
			}
			c.paths[path] = compiled
		}
	}

	if c.Expr != "" {
		program, err := expr.Compile(c.Expr, expr.AllowUndefinedVariables())
		if err != nil {
			return fmt.Errorf("condition: invalid expr: %w", err)
		}
		c.program = program
	}

	for _, sub := range c.AnyOf {
		if err := sub.compile(); err != nil {
			return err
		}
	}
	for _, sub := range c.AllOf {
		if err := sub.compile(); err != nil {
			return err
		}
	}
	if c.Not != nil {
		return c.Not.compile()
	}
	return nil
}

// Eval reports whether the condition holds for the given request payload and
// metadata. An uncompiled condition compiles itself on first use.
func (c *Condition) Eval(request map[string]any, md rpc.Metadata) bool {
	if c.paths == nil {
		if err := c.compile(); err != nil {
			return false
		}
	}

	for path, want := range c.Equals {
		got, ok := c.lookup(request, path)
		if !ok || !looseEqual(want, got) {
			return false
		}
	}
	for path, re := range c.regexps {
		got, ok := c.lookup(request, path)
		if !ok || !re.MatchString(asString(got)) {
			return false
		}
	}
	for path, allowed := range c.In {
		got, ok := c.lookup(request, path)
		if !ok {
			return false
		}
		found := false
		for _, want := range allowed {
			if looseEqual(want, got) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, path := range c.Exists {
		if _, ok := c.lookup(request, path); !ok {
			return false
		}
	}
	for path, bound := range c.Gt {
		if !c.compareNumeric(request, path, func(v float64) bool { return v > bound }) {
			return false
		}
	}
	for path, bound := range c.Gte {
		if !c.compareNumeric(request, path, func(v float64) bool { return v >= bound }) {
			return false
		}
	}
	for path, bound := range c.Lt {
		if !c.compareNumeric(request, path, func(v float64) bool { return v < bound }) {
			return false
		}
	}
	for path, bound := range c.Lte {
		if !c.compareNumeric(request, path, func(v float64) bool { return v <= bound }) {
			return false
		}
	}
	for key, want := range c.Metadata {
		if md.Get(key) != want {
			return false
		}
	}

	if c.program != nil {
		env := map[string]any{
			"request":  request,
			"metadata": md.Map(),
		}
		result, err := expr.Run(c.program, env)
		if err != nil {
			return false
		}
		matched, ok := result.(bool)
		if !ok || !matched {
			return false
		}
	}

	for _, sub := range c.AllOf {
		if !sub.Eval(request, md) {
			return false
		}
	}
	if len(c.AnyOf) > 0 {
		matched := false
		for _, sub := range c.AnyOf {
			if sub.Eval(request, md) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if c.Not != nil && c.Not.Eval(request, md) {
		return false
	}

	return true
}

// lookup resolves a field path against the request payload.
func (c *Condition) lookup(request map[string]any, path string) (any, bool) {
	compiled, ok := c.paths[path]
	if !ok {
		parsed, err := jp.ParseString(path)
		if err != nil {
			return nil, false
		}
		compiled = parsed
	}
	if request == nil {
		return nil, false
	}
	results := compiled.Get(request)
	if len(results) == 0 {
		return nil, false
	}
	return results[0], true
}

// compareNumeric applies a numeric predicate to a field value.
func (c *Condition) compareNumeric(request map[string]any, path string, pred func(float64) bool) bool {
	got, ok := c.lookup(request, path)
	if !ok {
		return false
	}
	v, ok := asFloat(got)
	return ok && pred(v)
}

// looseEqual compares two decoded values, normalizing across the numeric
// types JSON and YAML decoding produce.
func looseEqual(want, got any) bool {
	if want == nil || got == nil {
		return want == nil && got == nil
	}
	if wf, ok := asFloat(want); ok {
		if gf, ok := asFloat(got); ok {
			return wf == gf
		}
		return false
	}
	if ws, ok := want.(string); ok {
		if gs, ok := got.(string); ok {
			return ws == gs
		}
		return false
	}
	return reflect.DeepEqual(want, got)
}

// asFloat converts the numeric types produced by JSON/YAML decoding.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// asString renders a field value for regex matching.
func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return strings.TrimSpace(fmt.Sprintf("%v", v))
}

// Key-set helpers keeping compile free of repeated loops.
func fieldKeys(m map[string]any) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func stringKeys(m map[string]string) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func setKeys(m map[string][]any) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func sliceKeys(s []string) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for _, k := range s {
		out[k] = struct{}{}
	}
	return out
}

func floatKeys(m map[string]float64) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}
