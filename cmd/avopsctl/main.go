// avopsctl is the operator CLI: recipe validation, SOP compilation, archive
// export/import, and manual scheduler ticks against the configured store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/smaops/avops/internal/agents"
	"github.com/smaops/avops/internal/bundles"
	"github.com/smaops/avops/internal/config"
	"github.com/smaops/avops/internal/logging"
	"github.com/smaops/avops/internal/recipes"
	"github.com/smaops/avops/internal/repository"
	"github.com/smaops/avops/internal/transport"
	"github.com/smaops/avops/internal/workflow"
)

var configFile string

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(configFile)
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	return repository.Open(ctx, cfg.DB.Driver, cfg.DB.DSN)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <recipe.yaml>",
		Short: "Validate a recipe YAML document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ok, msg := recipes.ValidateYAMLText(string(raw))
			fmt.Println(msg)
			if !ok {
				os.Exit(1)
			}
			return nil
		},
	}
}

func newCompileCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "compile <sop.txt>",
		Short: "Compile SOP text into an orchestrator bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			logger := logging.NewLogger()
			bundleStore := bundles.NewStore(filepath.Join(cfg.DataDir, "bundles"), logger)
			compiler := recipes.NewCompiler(cfg.DataDir, bundleStore)

			compileCtx := map[string]interface{}{}
			if name != "" {
				compileCtx["name"] = name
			}
			paths, err := compiler.CompileSOPToBundle(string(raw), compileCtx)
			if err != nil {
				return err
			}
			return printJSON(paths)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name for the bundle")
	return cmd
}

func newExportCmd() *cobra.Command {
	var out string
	var include []string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export agents, recipes, and workflows as a zip archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			data, report, err := transport.Export(ctx, store, include, filepath.Join(cfg.DataDir, "recipes"))
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", out)
			return printJSON(report)
		},
	}
	cmd.Flags().StringVar(&out, "out", "avops-export.zip", "output archive path")
	cmd.Flags().StringSliceVar(&include, "include", []string{transport.TypeAgents, transport.TypeRecipes, transport.TypeWorkflows}, "object types to include")
	return cmd
}

func newImportCmd() *cobra.Command {
	var merge string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <archive.zip>",
		Short: "Import an archive into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			policy, err := transport.ParseMergePolicy(merge)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			result, err := transport.Import(ctx, store, data, filepath.Join(cfg.DataDir, "recipes"), policy, dryRun)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&merge, "merge", "skip", "merge policy: skip, overwrite, or rename")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would change without committing")
	return cmd
}

func newTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler pass over due interval workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			logger := logging.NewLogger()
			engine := workflow.NewEngine(store, agents.StubPublisher{}, logger)
			svc := workflow.NewService(store, engine, filepath.Join(cfg.DataDir, "recipes"), logger)
			report, err := svc.Tick(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:           "avopsctl",
		Short:         "Operator CLI for the AV ops orchestration service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to config file")
	root.AddCommand(newValidateCmd(), newCompileCmd(), newExportCmd(), newImportCmd(), newTickCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
