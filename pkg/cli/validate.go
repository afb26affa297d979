package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mockrpc/mockrpc/pkg/registry"
	"github.com/mockrpc/mockrpc/pkg/rules"
	"github.com/mockrpc/mockrpc/pkg/schema"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check protos, rules, and validation schemas without serving",
	Long: `Compile the configured proto files, load the rule files, and compile the
validation schemas, reporting the first problem found. Exits zero when the
whole configuration would serve cleanly.`,
	Example: `  mockrpc validate --config mockrpc.yaml
  mockrpc validate --proto greeter.proto --rules 'rules/**/*.yaml'`,
	RunE: runValidate,
}

func init() {
	// The validate command reuses the serve flag set so the same invocation
	// can be checked and then served.
	validateCmd.Flags().AddFlagSet(serveCmd.Flags())
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(&serveFlagVals)
	if err != nil {
		return err
	}

	sch, err := schema.Load(context.Background(), cfg.Protos, cfg.ImportPaths)
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

	// Rules naming methods outside the schema are configuration mistakes.
	for _, doc := range idx.Docs() {
		if _, ok := reg.Lookup(doc.Service, doc.Method); !ok {
			return fmt.Errorf("rule %s.%s does not match any method in the loaded protos", doc.Service, doc.Method)
		}
	}

	if _, err := loadValidation(cfg.Validation); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "ok: %d service(s), %d method(s), %d rule(s)\n",
		len(reg.Services()), reg.MethodCount(), idx.Len())
	return nil
}
