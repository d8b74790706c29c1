package workflow

import (
	"context"
	"fmt"

	"github.com/dshills/epirake/pipeline/store"
)

// RunStatus is the queryable state of a run: the aggregate summary plus the
// tasks that failed, with their recorded reasons.
type RunStatus struct {
	Summary store.RunSummary
	Failed  []store.TaskRecord
}

// Status queries the registry for a run's current state.
func Status(ctx context.Context, registry store.Registry, runID string) (RunStatus, error) {
	summary, err := registry.RunSummary(ctx, runID)
	if err != nil {
		return RunStatus{}, fmt.Errorf("workflow: status of %s: %w", runID, err)
	}
	failed, err := registry.ListTasks(ctx, runID, store.TaskFailed)
	if err != nil {
		return RunStatus{}, fmt.Errorf("workflow: status of %s: %w", runID, err)
	}
	return RunStatus{Summary: summary, Failed: failed}, nil
}
