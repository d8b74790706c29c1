package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/epirake/workflow"
)

var launchRunName string

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch a full raking run over the configured grid",
	Long: `Expands the configured cause/scenario/measure/draw grid into tasks,
registers them as one run, and executes them on a bounded worker pool.
Tasks whose output already exists are skipped unless overwrite is set.

The exit code is non-zero when any task fails.`,
	Args: cobra.NoArgs,
	RunE: runLaunch,
}

func init() {
	launchCmd.Flags().StringVar(&launchRunName, "name", "", "run name recorded in the registry")
}

func runLaunch(cmd *cobra.Command, _ []string) error {
	rt, err := buildRuntime(cfgPath)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	launcher, err := workflow.NewLauncher(workflow.LauncherOptions{
		Grid:        rt.cfg.WorkflowGrid(),
		Pipeline:    rt.pipeline,
		Registry:    rt.store,
		RunName:     launchRunName,
		Workers:     rt.cfg.Run.Workers,
		Retries:     rt.cfg.Run.Retries,
		RetryDelay:  rt.cfg.Run.RetryDelay.Std(),
		TaskTimeout: rt.cfg.Run.TaskTimeout.Std(),
		Emitter:     rt.emitter,
		Metrics:     rt.metrics,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := rt.logger
	logger.Info().Int("tasks", rt.cfg.WorkflowGrid().Size()).Int("workers", rt.cfg.Run.Workers).Msg("launching run")

	runID, summary, err := launcher.Run(ctx)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}

	logger.Info().
		Str("run_id", runID).
		Int("done", summary.Done).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Msg("run finished")

	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d done, %d failed, %d skipped of %d tasks\n",
		runID, summary.Done, summary.Failed, summary.Skipped, summary.Total)

	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d tasks failed; inspect with: epirake status %s", summary.Failed, summary.Total, runID)
	}
	return nil
}
