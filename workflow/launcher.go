package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/epirake/pipeline"
	"github.com/dshills/epirake/pipeline/emit"
	"github.com/dshills/epirake/pipeline/store"
	"github.com/dshills/epirake/rake"
)

// LauncherOptions configures a run launcher.
type LauncherOptions struct {
	// Grid is the task expansion space.
	Grid Grid

	// Pipeline executes individual tasks. Required.
	Pipeline *rake.Pipeline

	// Registry records the run and its task transitions. Required.
	Registry store.Registry

	// RunName labels the run in the registry. Empty means "raking run".
	RunName string

	// RunID overrides the generated UUID run id. Leave empty in
	// production; relaunch tooling and tests set it explicitly.
	RunID string

	// Workers bounds concurrent task execution. Zero or negative means 1.
	Workers int

	// Retries is the number of re-executions after a failed attempt.
	Retries int

	// RetryDelay is the backoff base between attempts; the delay doubles
	// per retry. Zero disables the wait.
	RetryDelay time.Duration

	// TaskTimeout bounds one task attempt. Zero means unlimited.
	TaskTimeout time.Duration

	// QueueDepth bounds the dispatch frontier. Zero means Workers * 2.
	QueueDepth int

	// Emitter receives run and task lifecycle events. Nil means discard.
	Emitter emit.Emitter

	// Metrics, when non-nil, receives queue depth, inflight, and task
	// status counts.
	Metrics *pipeline.Metrics
}

// Launcher executes a raking grid as one registered run.
//
// It is the in-process replacement for a cluster scheduler: the grid
// expands to tasks, every task is registered pending, and a bounded worker
// pool claims and executes them in deterministic dispatch order. Tasks
// whose output already exists are skipped before they are ever claimed, so
// relaunching a finished run is a no-op.
type Launcher struct {
	opts LauncherOptions
}

// NewLauncher validates the options and builds a Launcher.
func NewLauncher(opts LauncherOptions) (*Launcher, error) {
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("workflow: launcher requires a pipeline")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("workflow: launcher requires a registry")
	}
	if err := opts.Grid.Validate(); err != nil {
		return nil, err
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueDepth < 1 {
		opts.QueueDepth = opts.Workers * 2
	}
	if opts.RunName == "" {
		opts.RunName = "raking run"
	}
	if opts.Emitter == nil {
		opts.Emitter = emit.NewNullEmitter()
	}
	return &Launcher{opts: opts}, nil
}

// Run executes the full grid and returns the run id and its final summary.
//
// Run returns an error only when the run itself cannot proceed (registry
// failure, cancellation). Individual task failures are recorded in the
// registry and reflected in the summary; callers decide how to exit.
func (l *Launcher) Run(ctx context.Context) (string, store.RunSummary, error) {
	runID := l.opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	tasks := l.opts.Grid.ExpandTasks()
	keys := make([]string, len(tasks))
	for i, t := range tasks {
		keys[i] = t.Key()
	}

	if err := l.opts.Registry.CreateRun(ctx, runID, l.opts.RunName); err != nil {
		// An explicit run id may name an existing run: that is a relaunch,
		// and AddTasks plus the skip check make it idempotent.
		if l.opts.RunID == "" || !errors.Is(err, store.ErrTaskConflict) {
			return runID, store.RunSummary{}, fmt.Errorf("workflow: creating run: %w", err)
		}
	}
	if err := l.opts.Registry.AddTasks(ctx, runID, keys); err != nil {
		return runID, store.RunSummary{}, fmt.Errorf("workflow: registering tasks: %w", err)
	}

	l.opts.Emitter.Emit(emit.Event{
		RunID: runID,
		Msg:   "run.start",
		Meta:  map[string]interface{}{"tasks": len(tasks), "workers": l.opts.Workers},
	})

	frontier := pipeline.NewFrontier[rake.Task](l.opts.QueueDepth)
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		for i, t := range tasks {
			item := pipeline.WorkItem[rake.Task]{
				StepID:   i,
				OrderKey: pipeline.ComputeOrderKey(t.Key(), i),
				Key:      t.Key(),
				Payload:  t,
			}
			if err := frontier.Enqueue(groupCtx, item); err != nil {
				return err
			}
			if l.opts.Metrics != nil {
				l.opts.Metrics.SetQueueDepth(frontier.Len())
			}
		}
		return nil
	})

	// Each ticket corresponds to exactly one frontier item, so workers
	// never block on an empty queue after the producer finishes.
	var tickets atomic.Int64
	var inflight atomic.Int64
	total := int64(len(tasks))
	for w := 0; w < l.opts.Workers; w++ {
		group.Go(func() error {
			for {
				if tickets.Add(1) > total {
					return nil
				}
				item, err := frontier.Dequeue(groupCtx)
				if err != nil {
					return err
				}
				if l.opts.Metrics != nil {
					l.opts.Metrics.SetQueueDepth(frontier.Len())
					l.opts.Metrics.SetInflightTasks(int(inflight.Add(1)))
				}
				err = l.executeTask(groupCtx, runID, item.Payload)
				if l.opts.Metrics != nil {
					l.opts.Metrics.SetInflightTasks(int(inflight.Add(-1)))
				}
				if err != nil {
					return err
				}
			}
		})
	}

	runErr := group.Wait()

	summary, sumErr := l.opts.Registry.RunSummary(context.WithoutCancel(ctx), runID)
	if runErr == nil {
		runErr = sumErr
	}

	l.opts.Emitter.Emit(emit.Event{
		RunID: runID,
		Msg:   "run.done",
		Meta: map[string]interface{}{
			"done": summary.Done, "failed": summary.Failed, "skipped": summary.Skipped,
		},
	})
	return runID, summary, runErr
}

// executeTask drives one task through skip detection, claiming, retries,
// and its terminal registry transition. Task failures are recorded, not
// returned; the returned error reports registry or context trouble only.
func (l *Launcher) executeTask(ctx context.Context, runID string, task rake.Task) error {
	key := task.Key()

	if l.skippable(task) {
		err := l.opts.Registry.SkipTask(ctx, runID, key)
		switch {
		case errors.Is(err, store.ErrTaskConflict):
			// Already terminal from an earlier launch.
			return nil
		case err != nil:
			return fmt.Errorf("workflow: skipping %s: %w", key, err)
		}
		l.countTask(string(store.TaskSkipped))
		l.opts.Emitter.Emit(emit.Event{RunID: runID, Task: key, Msg: "task.skipped"})
		return nil
	}

	attempts := l.opts.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		claimed, err := l.opts.Registry.ClaimTask(ctx, runID, key)
		switch {
		case errors.Is(err, store.ErrTaskConflict):
			// Finished by an earlier launch of the same run id.
			return nil
		case err != nil:
			return fmt.Errorf("workflow: claiming %s: %w", key, err)
		}
		l.opts.Emitter.Emit(emit.Event{
			RunID: runID, Task: key, Msg: "task.start",
			Meta: map[string]interface{}{"attempt": claimed},
		})

		report, err := l.runOnce(ctx, runID, task, claimed)
		if err == nil {
			if err := l.opts.Registry.CompleteTask(ctx, runID, key); err != nil {
				return fmt.Errorf("workflow: completing %s: %w", key, err)
			}
			l.countTask(string(store.TaskDone))
			l.opts.Emitter.Emit(emit.Event{
				RunID: runID, Task: key, Msg: "task.done",
				Meta: map[string]interface{}{
					"cells_raked": report.RakedCells,
					"orphans":     report.OrphanCells,
					"output":      report.OutputPath,
				},
			})
			return nil
		}

		if ferr := l.opts.Registry.FailTask(ctx, runID, key, err.Error()); ferr != nil {
			return fmt.Errorf("workflow: failing %s: %w", key, ferr)
		}
		l.opts.Emitter.Emit(emit.Event{
			RunID: runID, Task: key, Msg: "task.failed",
			Meta: map[string]interface{}{"attempt": claimed, "error": err.Error()},
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < attempts {
			if err := l.backoff(ctx, attempt); err != nil {
				return err
			}
		}
	}

	// The failure stays in the registry; the run carries on.
	l.countTask(string(store.TaskFailed))
	return nil
}

// runOnce executes a single task attempt under the task timeout. The
// registry's attempt count keys the pipeline run id, so attempts never
// collide on step records, not even across launches of the same run. A
// retry first tries to resume whatever the previous attempt persisted.
func (l *Launcher) runOnce(ctx context.Context, runID string, task rake.Task, attempt int) (rake.Report, error) {
	if l.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.TaskTimeout)
		defer cancel()
	}
	current := attemptRunID(runID, task.Key(), attempt)
	if attempt > 1 {
		if report, resumed, err := l.resume(ctx, runID, task, attempt, current); resumed {
			return report, err
		}
	}
	return l.opts.Pipeline.Run(ctx, current, task)
}

// resume checkpoints the previous attempt and continues from it. The
// boolean reports whether a resume happened; false means the caller should
// run fresh instead.
func (l *Launcher) resume(ctx context.Context, runID string, task rake.Task, attempt int, current string) (rake.Report, bool, error) {
	previous := attemptRunID(runID, task.Key(), attempt-1)
	if err := l.opts.Pipeline.Checkpoint(ctx, previous, previous); err != nil {
		// The previous attempt persisted nothing to pick up from.
		return rake.Report{}, false, nil
	}
	report, err := l.opts.Pipeline.Resume(ctx, previous, current, task)
	if errors.Is(err, rake.ErrNoResume) {
		return rake.Report{}, false, nil
	}
	if err == nil {
		l.opts.Emitter.Emit(emit.Event{
			RunID: runID, Task: task.Key(), Msg: "task.resumed",
			Meta: map[string]interface{}{"attempt": attempt, "checkpoint": previous},
		})
	}
	return report, true, err
}

func attemptRunID(runID, key string, attempt int) string {
	return fmt.Sprintf("%s/%s/attempt-%d", runID, key, attempt)
}

// skippable reports whether a task's output already exists and overwrite is
// off, without touching the registry.
func (l *Launcher) skippable(task rake.Task) bool {
	if l.opts.Pipeline.Overwrite() {
		return false
	}
	path, err := l.opts.Pipeline.Layout().OutputPath(task)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

func (l *Launcher) backoff(ctx context.Context, attempt int) error {
	if l.opts.RetryDelay <= 0 {
		return nil
	}
	delay := l.opts.RetryDelay * (1 << (attempt - 1))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Launcher) countTask(status string) {
	if l.opts.Metrics != nil {
		l.opts.Metrics.IncTasks(status)
	}
}
