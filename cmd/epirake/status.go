package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/epirake/workflow"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the status of a run",
	Long:  `Queries the run registry for a run's task counts and lists failed tasks with their recorded errors.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(cfgPath)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	status, err := workflow.Status(cmd.Context(), rt.store, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	s := status.Summary
	fmt.Fprintf(out, "run %s (%s), created %s\n", s.RunID, s.Name, s.Created.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "  total:   %d\n", s.Total)
	fmt.Fprintf(out, "  pending: %d\n", s.Pending)
	fmt.Fprintf(out, "  running: %d\n", s.Running)
	fmt.Fprintf(out, "  done:    %d\n", s.Done)
	fmt.Fprintf(out, "  failed:  %d\n", s.Failed)
	fmt.Fprintf(out, "  skipped: %d\n", s.Skipped)

	if len(status.Failed) > 0 {
		fmt.Fprintln(out, "failed tasks:")
		for _, task := range status.Failed {
			fmt.Fprintf(out, "  %s (attempt %d): %s\n", task.Key, task.Attempts, task.Error)
		}
	}
	return nil
}
