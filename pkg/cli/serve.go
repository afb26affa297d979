package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mockrpc/mockrpc/pkg/admin"
	"github.com/mockrpc/mockrpc/pkg/config"
	"github.com/mockrpc/mockrpc/pkg/engine"
	"github.com/mockrpc/mockrpc/pkg/grpcserver"
	"github.com/mockrpc/mockrpc/pkg/logging"
	"github.com/mockrpc/mockrpc/pkg/metrics"
	"github.com/mockrpc/mockrpc/pkg/registry"
	"github.com/mockrpc/mockrpc/pkg/requestlog"
	"github.com/mockrpc/mockrpc/pkg/rules"
	"github.com/mockrpc/mockrpc/pkg/schema"
	"github.com/mockrpc/mockrpc/pkg/template"
	"github.com/mockrpc/mockrpc/pkg/validation"
	"github.com/mockrpc/mockrpc/pkg/webserver"
)

// stopTimeout bounds graceful shutdown of each server.
const stopTimeout = 10 * time.Second

// serveFlags holds all flags for the serve command.
type serveFlags struct {
	configPath        string
	grpcPort          int
	webPort           int
	adminPort         int
	noAdmin           bool
	reflection        bool
	protos            []string
	importPaths       []string
	rules             []string
	validationSchemas string
	validationMode    string
	logLevel          string
	logFormat         string
}

// serveFlagVals is the package-level instance bound to cobra flags.
var serveFlagVals serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mock server",
	Long: `Start the mock server with the given proto files and rules.

Three listeners come up:
  - a native gRPC server for binary clients
  - an HTTP server answering JSON, grpc-web, and grpc-web-text requests
  - an admin API for status, rules, request history, and metrics

Settings come from flags or from a YAML config file; explicit flags win.`,
	Example: `  # Serve a proto with a rules directory
  mockrpc serve --proto greeter.proto --rules 'rules/**/*.yaml'

  # Serve from a config file
  mockrpc serve --config mockrpc.yaml

  # Custom ports, no admin API
  mockrpc serve --proto greeter.proto --grpc-port 15051 --web-port 18080 --no-admin`,
	RunE: runServe,
}

func init() {
	f := &serveFlagVals

	serveCmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to YAML config file")
	serveCmd.Flags().IntVar(&f.grpcPort, "grpc-port", -1, "gRPC listener port (0 = OS auto-assign)")
	serveCmd.Flags().IntVar(&f.webPort, "web-port", -1, "Web listener port (0 = OS auto-assign)")
	serveCmd.Flags().IntVar(&f.adminPort, "admin-port", -1, "Admin API port (0 = OS auto-assign)")
	serveCmd.Flags().BoolVar(&f.noAdmin, "no-admin", false, "Disable the admin API")
	serveCmd.Flags().BoolVar(&f.reflection, "reflection", false, "Enable gRPC server reflection")
	serveCmd.Flags().StringSliceVar(&f.protos, "proto", nil, "Proto file defining mocked services (repeatable)")
	serveCmd.Flags().StringSliceVarP(&f.importPaths, "import-path", "I", nil, "Proto import root (repeatable)")
	serveCmd.Flags().StringSliceVar(&f.rules, "rules", nil, "Rule file glob pattern (repeatable, ** supported)")
	serveCmd.Flags().StringVar(&f.validationSchemas, "validation-schemas", "", "JSON Schema file for request validation")
	serveCmd.Flags().StringVar(&f.validationMode, "validation-mode", "", "Stream validation mode (per_item, aggregate)")
	serveCmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&f.logFormat, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(serveCmd)
}

// resolveConfig merges the config file (or defaults) with explicit flags.
func resolveConfig(f *serveFlags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if f.grpcPort >= 0 {
		cfg.GRPC.Port = f.grpcPort
	}
	if f.webPort >= 0 {
		cfg.Web.Port = f.webPort
	}
	if f.adminPort >= 0 {
		cfg.Admin.Port = f.adminPort
	}
	if f.noAdmin {
		cfg.Admin.Enabled = false
	}
	if f.reflection {
		cfg.GRPC.Reflection = true
	}
	if len(f.protos) > 0 {
		cfg.Protos = f.protos
	}
	if len(f.importPaths) > 0 {
		cfg.ImportPaths = f.importPaths
	}
	if len(f.rules) > 0 {
		cfg.Rules = f.rules
	}
	if f.validationSchemas != "" {
		cfg.Validation.Schemas = f.validationSchemas
	}
	if f.validationMode != "" {
		cfg.Validation.Mode = f.validationMode
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadValidation compiles the validation registry from the schemas file, with
// the configured mode overriding the file's own.
func loadValidation(vc config.ValidationConfig) (*validation.Registry, error) {
	if vc.Schemas == "" {
		return validation.New(nil)
	}
	data, err := os.ReadFile(vc.Schemas)
	if err != nil {
		return nil, fmt.Errorf("read validation schemas: %w", err)
	}
	var cfg validation.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse validation schemas %s: %w", vc.Schemas, err)
	}
	cfg.Enabled = true
	if vc.Mode != "" {
		cfg.Mode = validation.Mode(vc.Mode)
	}
	return validation.New(&cfg)
}

func runServe(_ *cobra.Command, _ []string) error {
	f := &serveFlagVals

	cfg, err := resolveConfig(f)
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Format: logging.ParseFormat(cfg.Log.Format),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sch, err := schema.Load(ctx, cfg.Protos, cfg.ImportPaths)
	if err != nil {
		return fmt.Errorf("load protos: %w", err)
	}
	reg := registry.Build(sch)

	idx := rules.EmptyIndex()
	if len(cfg.Rules) > 0 {
		idx, err = rules.BuildIndex(cfg.Rules)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
	}
	provider := rules.NewProvider(idx)

	validator, err := loadValidation(cfg.Validation)
	if err != nil {
		return err
	}

	eng := engine.New(
		rules.NewSelector(template.New()),
		validator,
		engine.WithLogger(log.With("component", "engine")),
	)

	serverMetrics := metrics.NewServerMetrics()
	serverMetrics.RulesLoaded.Set(float64(idx.Len()))

	var store *requestlog.Store
	if cfg.RequestLogCapacity > 0 {
		store = requestlog.NewStore(cfg.RequestLogCapacity)
	}

	grpcSrv := grpcserver.New(
		&grpcserver.Config{Port: cfg.GRPC.Port, Reflection: cfg.GRPC.Reflection},
		reg, provider, eng,
		grpcserver.WithLogger(log.With("component", "grpc")),
		grpcserver.WithMetrics(serverMetrics),
		grpcserver.WithRequestLog(store),
	)
	if err := grpcSrv.Start(ctx); err != nil {
		return fmt.Errorf("start grpc server: %w", err)
	}
	defer func() { _ = grpcSrv.Stop(context.Background(), stopTimeout) }()

	webSrv := webserver.New(
		&webserver.Config{Port: cfg.Web.Port},
		reg, provider, eng,
		webserver.WithLogger(log.With("component", "web")),
		webserver.WithMetrics(serverMetrics),
		webserver.WithRequestLog(store),
	)
	if err := webSrv.Start(ctx); err != nil {
		return fmt.Errorf("start web server: %w", err)
	}
	defer func() { _ = webSrv.Stop(context.Background(), stopTimeout) }()

	if cfg.Admin.Enabled {
		adminSrv := admin.New(
			&admin.Config{Port: cfg.Admin.Port},
			reg, provider,
			admin.WithLogger(log.With("component", "admin")),
			admin.WithMetrics(serverMetrics),
			admin.WithRequestStore(store),
			admin.WithRuleGlobs(cfg.Rules),
		)
		if err := adminSrv.Start(ctx); err != nil {
			return fmt.Errorf("start admin server: %w", err)
		}
		defer func() { _ = adminSrv.Stop(context.Background(), stopTimeout) }()
		log.Info("admin API ready", "addr", adminSrv.Address())
	}

	log.Info("mockrpc started",
		"grpc", grpcSrv.Address(),
		"web", webSrv.Address(),
		"services", len(reg.Services()),
		"methods", reg.MethodCount(),
		"rules", idx.Len(),
	)

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}
