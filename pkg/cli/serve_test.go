package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mockrpc/mockrpc/pkg/config"
	"github.com/mockrpc/mockrpc/pkg/validation"
)

func TestResolveConfigFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mockrpc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
protos: [greeter.proto]
grpc:
  port: 15051
web:
  port: 18080
log:
  level: warn
`), 0o600))

	f := &serveFlags{
		configPath: path,
		grpcPort:   -1, // unset, file value wins
		webPort:    19999,
		adminPort:  -1,
		logLevel:   "debug",
	}
	cfg, err := resolveConfig(f)
	require.NoError(t, err)

	assert.Equal(t, 15051, cfg.GRPC.Port)
	assert.Equal(t, 19999, cfg.Web.Port)
	assert.Equal(t, config.DefaultAdminPort, cfg.Admin.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestResolveConfigWithoutFile(t *testing.T) {
	f := &serveFlags{
		grpcPort:  0,
		webPort:   -1,
		adminPort: -1,
		noAdmin:   true,
		protos:    []string{"greeter.proto"},
	}
	cfg, err := resolveConfig(f)
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.GRPC.Port)
	assert.False(t, cfg.Admin.Enabled)
	assert.Equal(t, []string{"greeter.proto"}, cfg.Protos)
}

func TestResolveConfigRequiresProtos(t *testing.T) {
	f := &serveFlags{grpcPort: -1, webPort: -1, adminPort: -1}
	_, err := resolveConfig(f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proto")
}

func TestLoadValidationDisabledWithoutFile(t *testing.T) {
	reg, err := loadValidation(config.ValidationConfig{})
	require.NoError(t, err)
	assert.False(t, reg.Active())
}

func TestLoadValidationFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schemas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
types:
  helloworld.HelloRequest:
    type: object
    required: [name]
`), 0o600))

	reg, err := loadValidation(config.ValidationConfig{Schemas: path, Mode: "aggregate"})
	require.NoError(t, err)
	assert.True(t, reg.Active())
	assert.Equal(t, validation.ModeAggregate, reg.Mode())

	_, ok := reg.ValidatorFor("helloworld.HelloRequest")
	assert.True(t, ok)
}
