// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-livegraph/internal/config"
	"github.com/xkilldash9x/scalpel-livegraph/internal/observability"
)

// envPrefix namespaces environment overrides, e.g. LIVEGRAPH_STREAM_TRANSPORT.
const envPrefix = "LIVEGRAPH"

// flagKeys maps command-line flags onto configuration keys so that a set flag
// overrides the config file and the environment.
var flagKeys = map[string]string{
	"log-level":      "logger.level",
	"log-format":     "logger.format",
	"transport":      "stream.transport",
	"base-url":       "stream.base_url",
	"follow":         "stream.follow",
	"logs":           "stream.logs_enabled",
	"max-retries":    "stream.max_retries",
	"graphql-url":    "api.graphql_url",
	"snapshot-limit": "api.snapshot_limit",
	"layout-remote":  "layout.remote",
	"layout-dir":     "layout.local_dir",
	"visible":        "engine.visible_types",
	"no-inference":   "",
	"trace-capacity": "engine.trace_capacity",
}

// appState carries what PersistentPreRunE resolved to the subcommands.
type appState struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
	logger  *zap.Logger
}

// NewRootCommand builds a fresh command tree. Every call returns independent
// flag and configuration state.
func NewRootCommand() *cobra.Command {
	app := &appState{}

	rootCmd := &cobra.Command{
		Use:           "livegraph",
		Short:         "livegraph follows a reconnaissance mission's knowledge graph as it grows.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			app.v = viper.New()
			config.SetDefaults(app.v)

			if err := initializeConfig(cmd, app.v, app.cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			cfg, err := config.NewConfigFromViper(app.v)
			if err != nil {
				return err
			}
			app.cfg = cfg

			observability.InitializeLogger(cfg.Logger)
			app.logger = observability.GetLogger()
			app.logger.Debug("Configuration loaded.",
				zap.String("version", Version),
				zap.String("config_file", app.v.ConfigFileUsed()),
				zap.String("transport", cfg.Stream.Transport))
			return nil
		},
	}
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	rootCmd.PersistentFlags().StringVarP(&app.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (console or json)")

	rootCmd.AddCommand(newWatchCmd(app))
	rootCmd.AddCommand(newReplayCmd(app))
	rootCmd.AddCommand(newMissionsCmd(app))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the command tree with ctx, which should be cancelled on
// SIGINT/SIGTERM. A cancelled run is returned as context.Canceled so the
// caller can exit cleanly.
func Execute(ctx context.Context) error {
	defer observability.Sync()

	err := NewRootCommand().ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	observability.GetLogger().Error("Command execution failed.", zap.Error(err))
	fmt.Fprintln(os.Stderr, "Error:", err)
	return err
}

// initializeConfig reads the config file and environment into v and binds
// the flags of the executing command.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment apply.
	}

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key := flagKeys[f.Name]
		if key == "" || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(key, f)
	})
	if bindErr != nil {
		return fmt.Errorf("failed to bind flags: %w", bindErr)
	}

	// An inverted flag has no direct key.
	if f := cmd.Flags().Lookup("no-inference"); f != nil && f.Changed {
		v.Set("engine.inference_enabled", f.Value.String() != "true")
	}
	return nil
}
