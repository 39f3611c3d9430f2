// Package cmd assembles the waldo command tree: the root bootstrap, the
// scripted action driver, and the catalogue printer.
package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kallaxis/waldo-cli/internal/config"
	"github.com/kallaxis/waldo-cli/internal/observability"
)

// contextKey scopes values this package stores in a command's context.
type contextKey int

// configKey carries the validated configuration from the root bootstrap to
// the subcommands.
const configKey contextKey = iota

// NewRootCommand builds the waldo command tree. Every call returns a fresh,
// independent instance; no flag or configuration state leaks between
// executions.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "waldo",
		Short:         "Waldo executes verified semantic actions against a live web app.",
		Long: `Waldo drives a web application the way a voice agent would: through a
closed catalogue of semantic actions. Every action is validated, deduplicated,
gated behind confirmation when destructive, executed against the surface, and
verified against the settled screen state before it counts as done.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(v, cfgFile); err != nil {
				// A basic logger so the failure is at least visible.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "waldo"})
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "waldo"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Info("Starting waldo.", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default searches . and $HOME/.waldo)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newActionsCmd())
	return root
}

// Execute runs the command tree under the given context and returns the
// terminal error, already logged.
func Execute(ctx context.Context) error {
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		observability.GetLogger().Error("Command failed.", zap.Error(err))
		return err
	}
	return nil
}

// initializeConfig wires config file discovery and WALDO_* environment
// overrides into v. A missing config file is fine; defaults and environment
// variables carry the run.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".waldo"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("WALDO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file anywhere on the search path; carry on with defaults.
	}
	return nil
}

// configFromCommand retrieves the configuration the root bootstrap stored in
// the command context.
func configFromCommand(cmd *cobra.Command) (*config.Config, error) {
	ctx := cmd.Context()
	if ctx == nil {
		return nil, fmt.Errorf("configuration missing from command context")
	}
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration missing from command context")
	}
	return cfg, nil
}
