// Package template renders response bodies and metadata values. Templates
// are plain values in which string leaves may contain {{expression}}
// placeholders referencing the request, the call metadata, the stream
// position, or one of the generative variables (uuid, now, random, sequence).
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ohler55/ojg/jp"
)

// Engine processes templates with variable substitution. An Engine is safe
// for concurrent use; the sequence store provides its own synchronization.
type Engine struct {
	sequences *SequenceStore
}

// New creates a template engine with a fresh sequence store.
func New() *Engine {
	return &Engine{sequences: NewSequenceStore()}
}

// NewWithSequences creates a template engine sharing an existing store, so
// {{sequence("name")}} counters survive across engines.
func NewWithSequences(store *SequenceStore) *Engine {
	if store == nil {
		store = NewSequenceStore()
	}
	return &Engine{sequences: store}
}

// placeholderRegex matches {{expression}} with optional inner whitespace.
var placeholderRegex = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Compiled patterns for function-call expressions.
var (
	randomIntPattern    = regexp.MustCompile(`^random\.int\((-?\d+),\s*(-?\d+)\)$`)
	randomFloatPattern  = regexp.MustCompile(`^random\.float\(([0-9.+-]+),\s*([0-9.+-]+)(?:,\s*(\d+))?\)$`)
	randomStringPattern = regexp.MustCompile(`^random\.string\((\d+)\)$`)
	sequencePattern     = regexp.MustCompile(`^sequence\("([^"]+)"(?:,\s*(-?\d+))?\)$`)
	funcCallPattern     = regexp.MustCompile(`^(upper|lower|trim|default)\((.+)\)$`)
)

// Process substitutes every {{expression}} in a template string and returns
// the result. Unresolvable expressions render as empty strings.
func (e *Engine) Process(template string, ctx *Context) string {
	return placeholderRegex.ReplaceAllStringFunc(template, func(match string) string {
		inner := placeholderRegex.FindStringSubmatch(match)
		if len(inner) < 2 {
			return match
		}
		return stringify(e.evaluate(strings.TrimSpace(inner[1]), ctx))
	})
}

// Render renders an arbitrary template value: maps and slices are walked,
// and string leaves are substituted. A string that consists of exactly one
// placeholder keeps the referenced value's type, so {{stream.index}} renders
// as a number and {{request.tags}} as a list rather than as their string
// forms.
func (e *Engine) Render(value any, ctx *Context) any {
	switch v := value.(type) {
	case string:
		if expr, ok := solePlaceholder(v); ok {
			return e.evaluate(expr, ctx)
		}
		return e.Process(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = e.Render(item, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = e.Render(item, ctx)
		}
		return out
	default:
		return value
	}
}

// RenderMap renders a map template, preserving nil for nil input.
func (e *Engine) RenderMap(value map[string]any, ctx *Context) map[string]any {
	if value == nil {
		return nil
	}
	rendered, _ := e.Render(value, ctx).(map[string]any)
	return rendered
}

// solePlaceholder reports whether s is exactly one {{expression}} and
// returns the inner expression.
func solePlaceholder(s string) (string, bool) {
	loc := placeholderRegex.FindStringSubmatchIndex(s)
	if loc == nil || loc[0] != 0 || loc[1] != len(s) {
		return "", false
	}
	return strings.TrimSpace(s[loc[2]:loc[3]]), true
}

// evaluate resolves one expression to a value. Unknown expressions resolve
// to nil so rendering degrades gracefully.
func (e *Engine) evaluate(expr string, ctx *Context) any {
	switch expr {
	case "uuid":
		return uuid.New().String()
	case "uuid.short":
		return uuid.New().String()[:8]
	case "now":
		return time.Now().Format(time.RFC3339)
	case "now.iso":
		return time.Now().UTC().Format(time.RFC3339Nano)
	case "timestamp":
		return time.Now().Unix()
	case "timestamp.ms":
		return time.Now().UnixMilli()
	}

	if strings.HasPrefix(expr, "request.") {
		return lookupPath(ctx.request(), strings.TrimPrefix(expr, "request."))
	}
	if strings.HasPrefix(expr, "metadata.") {
		return e.metadataValue(ctx, strings.TrimPrefix(expr, "metadata."))
	}
	if strings.HasPrefix(expr, "stream.") {
		return e.streamValue(ctx, strings.TrimPrefix(expr, "stream."))
	}

	if m := randomIntPattern.FindStringSubmatch(expr); m != nil {
		lo, _ := strconv.Atoi(m[1])
		hi, _ := strconv.Atoi(m[2])
		return randomInt(lo, hi)
	}
	if m := randomFloatPattern.FindStringSubmatch(expr); m != nil {
		lo, err1 := strconv.ParseFloat(m[1], 64)
		hi, err2 := strconv.ParseFloat(m[2], 64)
		if err1 != nil || err2 != nil {
			return nil
		}
		precision := -1
		if m[3] != "" {
			precision, _ = strconv.Atoi(m[3])
		}
		return randomFloat(lo, hi, precision)
	}
	if m := randomStringPattern.FindStringSubmatch(expr); m != nil {
		n, _ := strconv.Atoi(m[1])
		return randomString(n)
	}
	if m := sequencePattern.FindStringSubmatch(expr); m != nil {
		start := int64(1)
		if m[2] != "" {
			start, _ = strconv.ParseInt(m[2], 10, 64)
		}
		return e.sequences.Next(m[1], start)
	}
	if m := funcCallPattern.FindStringSubmatch(expr); m != nil {
		return e.callFunc(m[1], m[2], ctx)
	}

	return nil
}

// metadataValue resolves a metadata key, matched case-insensitively.
func (e *Engine) metadataValue(ctx *Context, key string) any {
	if ctx == nil || ctx.Metadata == nil {
		return nil
	}
	if v, ok := ctx.Metadata[strings.ToLower(key)]; ok {
		return v
	}
	return nil
}

// streamValue resolves one of the positional stream variables.
func (e *Engine) streamValue(ctx *Context, field string) any {
	if ctx == nil || ctx.Stream == nil {
		return nil
	}
	switch field {
	case "index":
		return ctx.Stream.Index
	case "total":
		return ctx.Stream.Total
	case "first":
		return ctx.Stream.IsFirst()
	case "last":
		return ctx.Stream.IsLast()
	default:
		return nil
	}
}

// callFunc evaluates upper/lower/trim/default. Arguments are expressions
// themselves, so {{upper(request.name)}} works.
func (e *Engine) callFunc(name, rawArgs string, ctx *Context) any {
	args := splitArgs(rawArgs)
	if len(args) == 0 {
		return nil
	}
	first := stringify(e.evaluateArg(args[0], ctx))
	switch name {
	case "upper":
		return strings.ToUpper(first)
	case "lower":
		return strings.ToLower(first)
	case "trim":
		return strings.TrimSpace(first)
	case "default":
		if first != "" {
			return first
		}
		if len(args) > 1 {
			return stringify(e.evaluateArg(args[1], ctx))
		}
		return ""
	}
	return nil
}

// evaluateArg resolves a function argument: a quoted string is a literal,
// anything else is evaluated as an expression.
func (e *Engine) evaluateArg(arg string, ctx *Context) any {
	arg = strings.TrimSpace(arg)
	if len(arg) >= 2 && arg[0] == '"' && arg[len(arg)-1] == '"' {
		return arg[1 : len(arg)-1]
	}
	return e.evaluate(arg, ctx)
}

// splitArgs splits a comma-separated argument list, respecting quotes.
func splitArgs(s string) []string {
	var args []string
	var current strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			current.WriteRune(r)
		case r == ',' && !inQuote:
			args = append(args, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		args = append(args, strings.TrimSpace(current.String()))
	}
	return args
}

// lookupPath resolves a dot path (JSONPath syntax, leading $ optional)
// against a decoded request value.
func lookupPath(data map[string]any, path string) any {
	if data == nil || path == "" {
		return nil
	}
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil
	}
	return expr.First(data)
}

// request returns the context's request map, tolerating a nil context.
func (c *Context) request() map[string]any {
	if c == nil {
		return nil
	}
	return c.Request
}

// stringify renders an evaluated value into its placeholder substitution.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
