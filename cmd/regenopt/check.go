package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// healthChecker is the part of the evaluator client used to wait for it.
type healthChecker interface {
	Health(ctx context.Context) error
}

func checkEvaluatorCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-evaluator",
		Short: "Wait until the optimization evaluator reports healthy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			wait, err := cmd.Flags().GetDuration("wait")
			if err != nil {
				return err
			}
			if err := waitForEvaluator(cmd.Context(), newSolverClient(cfg, nil), wait); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "evaluator at %s is healthy\n", cfg.Solver.BaseURL)
			return nil
		},
	}
	cmd.Flags().Duration("wait", 30*time.Second, "How long to wait for the evaluator")
	return cmd
}

// waitForEvaluator polls the evaluator health endpoint once a second until it
// succeeds or wait has elapsed.
func waitForEvaluator(ctx context.Context, client healthChecker, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	const delay = time.Second
	attempts := uint(wait/delay) + 1

	err := retry.Do(
		func() error { return client.Health(ctx) },
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Info("Waiting for evaluator", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("evaluator not healthy after %s: %w", wait, err)
	}
	slog.Info("Evaluator is healthy")
	return nil
}
