// regenopt runs the regenerator optimization job service.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	_ "go.uber.org/automaxprocs"

	"regenopt/internal/config"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

// rootCmd is the root command. Every sub-command shares the viper instance
// so flags, REGENOPT_* variables and the --config file resolve the same way.
func rootCmd() *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:           "regenopt",
		Short:         "Orchestrates regenerator design optimization jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	cmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("solver-url", "", "Base URL of the optimization evaluator")
	bindFlags(v, cmd.PersistentFlags().Lookup, map[string]string{
		"log.level":       "log-level",
		"solver.base_url": "solver-url",
	})

	cmd.AddCommand(
		serveCmd(v),
		checkEvaluatorCmd(v),
	)
	return cmd
}

// loadConfig reads the configuration and installs the configured log level.
func loadConfig(cmd *cobra.Command, v *viper.Viper) (*config.ServiceConfig, error) {
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, err
	}

	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
	return cfg, nil
}

// bindFlags binds configuration keys to flags. Unset flags fall through to
// the environment, the config file and the defaults.
func bindFlags(v *viper.Viper, lookup func(string) *pflag.Flag, keys map[string]string) {
	for key, name := range keys {
		if f := lookup(name); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}
}
