// Package validation checks decoded request payloads against JSON Schemas
// keyed by fully-qualified message type name. It is an optional collaborator
// of the streaming handlers: when inactive, requests pass through untouched.
package validation

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/mockrpc/mockrpc/pkg/rpc"
)

// Mode controls when streamed request messages are validated.
type Mode string

const (
	// ModePerItem validates each inbound message as it arrives; the first
	// failure aborts the call immediately.
	ModePerItem Mode = "per_item"

	// ModeAggregate collects the full inbound stream first, then validates
	// each message in collected order; the first failure aborts.
	ModeAggregate Mode = "aggregate"
)

// Config is the on-disk validation configuration.
type Config struct {
	// Enabled switches validation on.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Mode selects per_item or aggregate stream validation. Defaults to
	// per_item.
	Mode Mode `json:"mode,omitempty" yaml:"mode,omitempty"`

	// Types maps fully-qualified message names to JSON Schema documents.
	Types map[string]any `json:"types,omitempty" yaml:"types,omitempty"`
}

// Registry holds compiled validators keyed by message type name.
type Registry struct {
	enabled    bool
	mode       Mode
	validators map[string]*TypeValidator
}

// New compiles the configured schemas into a registry.
func New(cfg *Config) (*Registry, error) {
	reg := &Registry{
		enabled:    cfg != nil && cfg.Enabled,
		mode:       ModePerItem,
		validators: make(map[string]*TypeValidator),
	}
	if cfg == nil {
		return reg, nil
	}
	if cfg.Mode != "" {
		switch cfg.Mode {
		case ModePerItem, ModeAggregate:
			reg.mode = cfg.Mode
		default:
			return nil, fmt.Errorf("validation: unknown mode %q", cfg.Mode)
		}
	}

	for typeName, schemaDoc := range cfg.Types {
		schema, err := compileSchema(typeName, schemaDoc)
		if err != nil {
			return nil, fmt.Errorf("validation: schema for %s: %w", typeName, err)
		}
		reg.validators[typeName] = &TypeValidator{typeName: typeName, schema: schema}
	}
	return reg, nil
}

// LoadFile reads a validation config from a YAML or JSON file and compiles
// it.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read validation config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse validation config %s: %w", path, err)
	}
	return New(&cfg)
}

// compileSchema compiles one JSON Schema document. The document round-trips
// through JSON so YAML-sourced schemas get consistent value types.
func compileSchema(name string, doc any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	resource := name + ".schema.json"
	if err := compiler.AddResource(resource, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(resource)
}

// Active reports whether validation is switched on.
func (r *Registry) Active() bool {
	return r != nil && r.enabled
}

// Mode returns the stream validation mode.
func (r *Registry) Mode() Mode {
	if r == nil || r.mode == "" {
		return ModePerItem
	}
	return r.mode
}

// ValidatorFor returns the validator for a message type, or ok=false when
// no schema is configured for it (such types pass validation trivially).
func (r *Registry) ValidatorFor(typeName string) (*TypeValidator, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.validators[typeName]
	return v, ok
}

// TypeValidator validates payloads of one message type.
type TypeValidator struct {
	typeName string
	schema   *jsonschema.Schema
}

// Validate checks a decoded payload and returns field-level violations.
// An empty slice means the payload is valid.
func (v *TypeValidator) Validate(data map[string]any) []rpc.Violation {
	err := v.schema.Validate(normalize(data))
	if err == nil {
		return nil
	}

	var violations []rpc.Violation
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		collectViolations(verr, &violations)
	} else {
		violations = append(violations, rpc.Violation{Description: err.Error()})
	}
	return violations
}

// normalize round-trips the payload through JSON so integer values decoded
// from YAML or protojson satisfy jsonschema's numeric type checks.
func normalize(data map[string]any) any {
	raw, err := json.Marshal(data)
	if err != nil {
		return data
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return data
	}
	return out
}

// collectViolations flattens a jsonschema error tree into field violations.
func collectViolations(err *jsonschema.ValidationError, out *[]rpc.Violation) {
	if len(err.Causes) == 0 {
		*out = append(*out, rpc.Violation{
			Field:       pointerToField(err.InstanceLocation),
			Description: err.Message,
		})
		return
	}
	for _, cause := range err.Causes {
		collectViolations(cause, out)
	}
}

// pointerToField converts a JSON Pointer instance location to dot notation.
func pointerToField(ptr string) string {
	if ptr == "" || ptr == "/" {
		return ""
	}
	return strings.ReplaceAll(strings.TrimPrefix(ptr, "/"), "/", ".")
}
