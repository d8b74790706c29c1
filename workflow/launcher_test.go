package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dshills/epirake/dataset"
	"github.com/dshills/epirake/dataset/codec"
	"github.com/dshills/epirake/hierarchy"
	"github.com/dshills/epirake/pipeline/emit"
	"github.com/dshills/epirake/pipeline/store"
	"github.com/dshills/epirake/rake"
)

const launcherHierarchyCSV = `location_id,parent_id,level,location_name
1,0,0,Testland
10,1,3,West Province
100,10,5,West A
101,10,5,West B
`

// writeGridFixtures lays out envelope and target draw files for every task
// in the grid: one parent (10) over two districts (100, 101), one age
// group, envelope value 20+draw against a child sum of 5.
func writeGridFixtures(t *testing.T, grid Grid) rake.Layout {
	t.Helper()
	root := t.TempDir()
	layout := rake.Layout{
		EnvelopeRoot: filepath.Join(root, "envelope"),
		TargetRoot:   filepath.Join(root, "target"),
		OutputRoot:   filepath.Join(root, "output"),
	}

	tasks := grid.ExpandTasks()
	envelopes := make(map[string]bool)
	for _, task := range tasks {
		envPath, err := layout.EnvelopePath(task)
		if err != nil {
			t.Fatalf("EnvelopePath() error: %v", err)
		}
		if !envelopes[envPath] {
			envelopes[envPath] = true
			b := dataset.NewBuilder(dataset.DimLocation, dataset.DimAge, dataset.DimDraw)
			for _, d := range grid.draws() {
				b.Add([]int64{10, 8, int64(d)}, float64(20+d))
			}
			ds, err := b.Build()
			if err != nil {
				t.Fatalf("building envelope: %v", err)
			}
			mustWriteDraw(t, envPath, ds)
		}

		targetPath, err := layout.TargetPath(task)
		if err != nil {
			t.Fatalf("TargetPath() error: %v", err)
		}
		b := dataset.NewBuilder(dataset.DimLocation, dataset.DimAge)
		b.Add([]int64{100, 8}, 2)
		b.Add([]int64{101, 8}, 3)
		ds, err := b.Build()
		if err != nil {
			t.Fatalf("building target: %v", err)
		}
		mustWriteDraw(t, targetPath, ds)
	}
	return layout
}

func mustWriteDraw(t *testing.T, path string, ds *dataset.Dataset) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := codec.WriteFile(path, ds); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func newLauncherPipeline(t *testing.T, layout rake.Layout) *rake.Pipeline {
	t.Helper()
	h, err := hierarchy.Parse(strings.NewReader(launcherHierarchyCSV))
	if err != nil {
		t.Fatalf("parsing hierarchy: %v", err)
	}
	p, err := rake.NewPipeline(rake.PipelineOptions{Layout: layout, Hierarchy: h})
	if err != nil {
		t.Fatalf("NewPipeline() error: %v", err)
	}
	return p
}

func testGrid() Grid {
	return Grid{
		Causes:    []string{rake.CauseMalaria},
		Scenarios: []int{rake.ScenarioReference},
		Measures:  []string{rake.MeasureDeath},
		Draws:     []int{0, 1},
	}
}

func TestLauncher_RunsGrid(t *testing.T) {
	grid := testGrid()
	layout := writeGridFixtures(t, grid)
	registry := store.NewMemStore[rake.TaskState]()
	emitter := emit.NewBufferedEmitter()

	l, err := NewLauncher(LauncherOptions{
		Grid:     grid,
		Pipeline: newLauncherPipeline(t, layout),
		Registry: registry,
		Workers:  2,
		Emitter:  emitter,
	})
	if err != nil {
		t.Fatalf("NewLauncher() error: %v", err)
	}

	runID, summary, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if runID == "" {
		t.Fatal("empty run id")
	}
	if summary.Done != 2 || summary.Failed != 0 || summary.Skipped != 0 {
		t.Errorf("summary = %+v, want 2 done", summary)
	}
	if !summary.Finished() {
		t.Error("summary not finished")
	}

	for _, task := range grid.ExpandTasks() {
		path, err := layout.OutputPath(task)
		if err != nil {
			t.Fatalf("OutputPath() error: %v", err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("output %s missing: %v", path, err)
		}
	}

	events := emitter.History(runID)
	var starts, dones int
	for _, ev := range events {
		switch ev.Msg {
		case "run.start", "run.done":
			if ev.Task != "" {
				t.Errorf("run-level event carries task %q", ev.Task)
			}
		case "task.done":
			dones++
		case "task.start":
			starts++
		}
	}
	if starts != 2 || dones != 2 {
		t.Errorf("events: %d starts, %d dones, want 2 each", starts, dones)
	}
}

func TestLauncher_RelaunchSkipsFinished(t *testing.T) {
	grid := testGrid()
	layout := writeGridFixtures(t, grid)
	p := newLauncherPipeline(t, layout)
	registry := store.NewMemStore[rake.TaskState]()

	l, err := NewLauncher(LauncherOptions{Grid: grid, Pipeline: p, Registry: registry})
	if err != nil {
		t.Fatalf("NewLauncher() error: %v", err)
	}
	if _, _, err := l.Run(context.Background()); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}

	// A fresh run over the same outputs skips every task.
	l2, err := NewLauncher(LauncherOptions{Grid: grid, Pipeline: p, Registry: registry})
	if err != nil {
		t.Fatalf("NewLauncher() error: %v", err)
	}
	_, summary, err := l2.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if summary.Skipped != 2 || summary.Done != 0 {
		t.Errorf("summary = %+v, want 2 skipped", summary)
	}
}

func TestLauncher_RecordsFailures(t *testing.T) {
	grid := testGrid()
	layout := writeGridFixtures(t, grid)
	registry := store.NewMemStore[rake.TaskState]()

	// Break one task's input.
	broken := rake.Task{Cause: rake.CauseMalaria, Scenario: rake.ScenarioReference, Measure: rake.MeasureDeath, Draw: 1}
	targetPath, err := layout.TargetPath(broken)
	if err != nil {
		t.Fatalf("TargetPath() error: %v", err)
	}
	if err := os.Remove(targetPath); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	l, err := NewLauncher(LauncherOptions{
		Grid:     grid,
		Pipeline: newLauncherPipeline(t, layout),
		Registry: registry,
		Retries:  1,
	})
	if err != nil {
		t.Fatalf("NewLauncher() error: %v", err)
	}

	runID, summary, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if summary.Done != 1 || summary.Failed != 1 {
		t.Errorf("summary = %+v, want 1 done 1 failed", summary)
	}

	status, err := Status(context.Background(), registry, runID)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if len(status.Failed) != 1 {
		t.Fatalf("len(status.Failed) = %d, want 1", len(status.Failed))
	}
	failed := status.Failed[0]
	if failed.Key != broken.Key() {
		t.Errorf("failed key = %q, want %q", failed.Key, broken.Key())
	}
	if failed.Attempts != 2 {
		t.Errorf("failed attempts = %d, want 2 (one retry)", failed.Attempts)
	}
	if failed.Error == "" {
		t.Error("failed task has no recorded error")
	}
}

// repairEmitter restores a hidden target file the first time a task
// attempt fails, so the retry finds its input back in place.
type repairEmitter struct {
	*emit.BufferedEmitter
	t        *testing.T
	hidden   string
	restore  string
	repaired bool
}

func (r *repairEmitter) Emit(ev emit.Event) {
	if ev.Msg == "task.failed" && !r.repaired {
		r.repaired = true
		if err := os.Rename(r.hidden, r.restore); err != nil {
			r.t.Errorf("restoring target: %v", err)
		}
	}
	r.BufferedEmitter.Emit(ev)
}

func TestLauncher_RetryResumesInterruptedAttempt(t *testing.T) {
	grid := Grid{
		Causes:    []string{rake.CauseMalaria},
		Scenarios: []int{rake.ScenarioReference},
		Measures:  []string{rake.MeasureDeath},
		Draws:     []int{0},
	}
	layout := writeGridFixtures(t, grid)
	registry := store.NewMemStore[rake.TaskState]()

	task := grid.ExpandTasks()[0]
	targetPath, err := layout.TargetPath(task)
	if err != nil {
		t.Fatalf("TargetPath() error: %v", err)
	}
	hidden := targetPath + ".hidden"
	if err := os.Rename(targetPath, hidden); err != nil {
		t.Fatalf("hiding target: %v", err)
	}

	emitter := &repairEmitter{
		BufferedEmitter: emit.NewBufferedEmitter(),
		t:               t,
		hidden:          hidden,
		restore:         targetPath,
	}
	l, err := NewLauncher(LauncherOptions{
		Grid:     grid,
		Pipeline: newLauncherPipeline(t, layout),
		Registry: registry,
		Workers:  1,
		Retries:  1,
		Emitter:  emitter,
	})
	if err != nil {
		t.Fatalf("NewLauncher() error: %v", err)
	}

	runID, summary, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if summary.Done != 1 || summary.Failed != 0 {
		t.Fatalf("summary = %+v, want 1 done", summary)
	}

	done, err := registry.ListTasks(context.Background(), runID, store.TaskDone)
	if err != nil {
		t.Fatalf("ListTasks() error: %v", err)
	}
	if len(done) != 1 || done[0].Attempts != 2 {
		t.Errorf("done tasks = %+v, want one task with 2 attempts", done)
	}

	var resumed bool
	for _, ev := range emitter.History(runID) {
		if ev.Msg == "task.resumed" {
			resumed = true
		}
	}
	if !resumed {
		t.Error("retry ran fresh instead of resuming the interrupted attempt")
	}

	outPath, err := layout.OutputPath(task)
	if err != nil {
		t.Fatalf("OutputPath() error: %v", err)
	}
	if _, err := os.Stat(outPath); err != nil {
		t.Errorf("output missing after resumed retry: %v", err)
	}
}

func TestLauncher_CancelledContext(t *testing.T) {
	grid := testGrid()
	layout := writeGridFixtures(t, grid)

	l, err := NewLauncher(LauncherOptions{
		Grid:     grid,
		Pipeline: newLauncherPipeline(t, layout),
		Registry: store.NewMemStore[rake.TaskState](),
	})
	if err != nil {
		t.Fatalf("NewLauncher() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := l.Run(ctx); err == nil {
		t.Fatal("Run() with cancelled context succeeded, want error")
	}
}

func TestLauncher_OptionValidation(t *testing.T) {
	layout := rake.Layout{}
	p := newLauncherPipeline(t, layout)

	if _, err := NewLauncher(LauncherOptions{Registry: store.NewMemStore[rake.TaskState]()}); err == nil {
		t.Error("NewLauncher() without pipeline succeeded, want error")
	}
	if _, err := NewLauncher(LauncherOptions{Pipeline: p}); err == nil {
		t.Error("NewLauncher() without registry succeeded, want error")
	}
	bad := LauncherOptions{
		Pipeline: p,
		Registry: store.NewMemStore[rake.TaskState](),
		Grid:     Grid{Causes: []string{"cholera"}},
	}
	if _, err := NewLauncher(bad); err == nil {
		t.Error("NewLauncher() with invalid grid succeeded, want error")
	}
}

func TestStatus_UnknownRun(t *testing.T) {
	registry := store.NewMemStore[rake.TaskState]()
	if _, err := Status(context.Background(), registry, "no-such-run"); err == nil {
		t.Fatal("Status() for unknown run succeeded, want error")
	}
}
