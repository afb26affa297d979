// Package config loads the serve configuration file. Every setting here has
// a matching CLI flag; explicit flags win over file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mockrpc/mockrpc/pkg/validation"
)

// Common errors for configuration loading.
var (
	ErrFileNotFound = errors.New("configuration file not found")
	ErrEmptyFile    = errors.New("configuration file is empty")
	ErrInvalidYAML  = errors.New("invalid YAML syntax")
)

// Default ports.
const (
	DefaultGRPCPort  = 50051
	DefaultWebPort   = 8080
	DefaultAdminPort = 9090
)

// DefaultRequestLogCapacity bounds the in-memory call history.
const DefaultRequestLogCapacity = 1000

// GRPCConfig configures the native gRPC listener.
type GRPCConfig struct {
	Port       int  `json:"port" yaml:"port"`
	Reflection bool `json:"reflection" yaml:"reflection"`
}

// WebConfig configures the HTTP/JSON/grpc-web listener.
type WebConfig struct {
	Port int `json:"port" yaml:"port"`
}

// AdminConfig configures the operational API listener.
type AdminConfig struct {
	Port    int  `json:"port" yaml:"port"`
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// ValidationConfig points at the request-validation schema file.
type ValidationConfig struct {
	// Schemas is a JSON or YAML file mapping fully qualified message names to
	// JSON Schemas. Empty disables validation.
	Schemas string `json:"schemas" yaml:"schemas"`

	// Mode is "per_item" or "aggregate" for inbound streams. Defaults to
	// per_item.
	Mode string `json:"mode" yaml:"mode"`
}

// LogConfig configures operational logging.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Config is the full serve configuration.
type Config struct {
	GRPC  GRPCConfig  `json:"grpc" yaml:"grpc"`
	Web   WebConfig   `json:"web" yaml:"web"`
	Admin AdminConfig `json:"admin" yaml:"admin"`

	// Protos are the .proto files defining the mocked services.
	Protos []string `json:"protos" yaml:"protos"`

	// ImportPaths are proto import roots for resolving imports.
	ImportPaths []string `json:"import_paths" yaml:"import_paths"`

	// Rules are glob patterns for rule files. ** is supported.
	Rules []string `json:"rules" yaml:"rules"`

	Validation ValidationConfig `json:"validation" yaml:"validation"`
	Log        LogConfig        `json:"log" yaml:"log"`

	// RequestLogCapacity is the call-history ring size. Zero disables the
	// request log.
	RequestLogCapacity int `json:"request_log_capacity" yaml:"request_log_capacity"`
}

// Default returns a configuration with default ports and settings.
func Default() *Config {
	return &Config{
		GRPC:               GRPCConfig{Port: DefaultGRPCPort},
		Web:                WebConfig{Port: DefaultWebPort},
		Admin:              AdminConfig{Port: DefaultAdminPort, Enabled: true},
		Validation:         ValidationConfig{Mode: string(validation.ModePerItem)},
		Log:                LogConfig{Level: "info", Format: "text"},
		RequestLogCapacity: DefaultRequestLogCapacity,
	}
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes over the defaults and validates the
// result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ports and enum-valued settings.
func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"grpc.port":  c.GRPC.Port,
		"web.port":   c.Web.Port,
		"admin.port": c.Admin.Port,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("config: %s out of range: %d", name, port)
		}
	}
	if len(c.Protos) == 0 {
		return errors.New("config: at least one proto file is required")
	}
	switch strings.ToLower(c.Validation.Mode) {
	case "", string(validation.ModePerItem), string(validation.ModeAggregate):
	default:
		return fmt.Errorf("config: unknown validation mode %q", c.Validation.Mode)
	}
	if c.RequestLogCapacity < 0 {
		return fmt.Errorf("config: request_log_capacity cannot be negative: %d", c.RequestLogCapacity)
	}
	return nil
}
