package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"omnillm/internal/config"
	"omnillm/internal/logging"
	"omnillm/internal/provider"
	providerfactory "omnillm/internal/provider/factory"
)

const configEnv = "OMNILLM_CONFIG"

var (
	initLogging       = logging.Init
	registerProviders = providerfactory.RegisterConfiguredProviders
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// app bundles what every subcommand needs once configuration is loaded.
type app struct {
	cfg      config.Config
	registry *provider.Registry
	logs     io.Closer
}

func (a *app) Close() error {
	if a.logs == nil {
		return nil
	}
	return a.logs.Close()
}

// NewRootCmd creates the root command and registers all subcommands.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "omnillm",
		Short: "Multi-provider LLM orchestration: dispatch, validation, chains and evaluations",
		// main renders errors.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv(configEnv), "path to YAML configuration file (env "+configEnv+")")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newChatCmd(opts))
	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newProvidersCmd(opts))

	return root
}

// Execute runs the CLI with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := NewRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// load reads configuration, installs logging and registers every configured provider.
func (o *rootOptions) load(ctx context.Context) (*app, error) {
	if o.configPath == "" {
		return nil, errors.New("configuration required: pass --config <path> or set " + configEnv)
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("--log-level: %w", err)
		}
	}

	_, closer, err := initLogging(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialise logging: %w", err)
	}

	registry := provider.NewRegistry()
	if err := registerProviders(ctx, cfg, registry); err != nil {
		_ = closer.Close()
		return nil, err
	}

	return &app{cfg: cfg, registry: registry, logs: closer}, nil
}
