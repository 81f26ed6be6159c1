package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sandboxws/strata/pkg/config"
	"github.com/sandboxws/strata/pkg/connectors"
	"github.com/sandboxws/strata/pkg/engine"
	"github.com/sandboxws/strata/pkg/logging"
	"github.com/sandboxws/strata/pkg/metrics"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline until it is stopped",
		Long: `Run the pipeline described by --config.

The scheduler recovers from the table head, then commits one table version
per batch until SIGINT or SIGTERM arrives, or until a batch exhausts its
retries.

Example:
  strata run --config pipeline.yaml --echo
`,
		Args: cobra.NoArgs,
		RunE: runPipeline,
	}
	cmd.Flags().Bool("echo", false, "print every committed version to stdout")
	return cmd
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	cfg, logger, closeLog, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := cmd.Context()
	b, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		return err
	}
	defer b.Close()

	if echo, _ := cmd.Flags().GetBool("echo"); echo {
		b.Pipeline.Sinks = append(b.Pipeline.Sinks, connectors.NewConsole(20))
	}

	sched, err := engine.NewScheduler(b.Pipeline, schedulerOptions(cfg.Scheduler, logger))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	if cfg.Metrics.Addr != "" {
		srv := metrics.ServeMetrics(cfg.Metrics.Addr)
		defer srv.Close()
		logger.Info("serving metrics", "addr", cfg.Metrics.Addr)
	}

	logger.Info("starting pipeline",
		"pipeline", cfg.Pipeline.Name,
		"table", cfg.Table.Name,
		"partitions", cfg.Pipeline.Partitions,
		"stages", len(b.Pipeline.Stages),
		"stateful", b.Pipeline.Aggregate != nil,
	)

	err = engine.RunWithGracefulShutdown(ctx, sched, cfg.Scheduler.ShutdownTimeout)
	st := sched.Status()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("pipeline failed", "batch_id", st.CurrentBatchID, "version", st.CurrentTableVersion, "error", err)
		return err
	}
	logger.Info("pipeline stopped", "batch_id", st.CurrentBatchID, "version", st.CurrentTableVersion)
	return nil
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a pipeline config without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: pipeline %s writes table %s\n", cfg.Pipeline.Name, cfg.Table.Name)
			return nil
		},
	}
}

// setup loads the config named by --config and builds the logger. The
// returned func releases the log file.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, func(), error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closer, err := logging.New(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, func() { closer.Close() }, nil
}
