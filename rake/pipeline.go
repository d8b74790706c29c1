package rake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dshills/epirake/dataset"
	"github.com/dshills/epirake/dataset/codec"
	"github.com/dshills/epirake/hierarchy"
	"github.com/dshills/epirake/pipeline"
	"github.com/dshills/epirake/pipeline/emit"
	"github.com/dshills/epirake/pipeline/store"
)

// Stage ids of the task pipeline, in execution order.
const (
	StageCheckOutput     = "check_output"
	StageLoadEnvelope    = "load_envelope"
	StageLoadTarget      = "load_target"
	StageImpute          = "impute"
	StageAttachHierarchy = "attach_hierarchy"
	StageAlign           = "align"
	StageSplit           = "split"
	StageComputeFactors  = "compute_factors"
	StageApplyFactors    = "apply_factors"
	StageMerge           = "merge"
	StageWriteOutput     = "write_output"
	stageSkip            = "skip"
)

// ErrNoResume reports that a checkpoint cannot help the next attempt:
// it is missing, persisted no stage, or was already consumed by a resume.
var ErrNoResume = errors.New("nothing to resume")

// TaskState is the workflow state of one raking task. The exported fields
// are resumable metadata persisted by the store after every stage; the
// unexported dataset carriers live only in memory and are rebuilt from the
// input files when a task restarts.
type TaskState struct {
	Task      Task `json:"task"`
	Overwrite bool `json:"overwrite"`

	OutputPath   string `json:"output_path,omitempty"`
	OutputExists bool   `json:"output_exists,omitempty"`
	Skipped      bool   `json:"skipped,omitempty"`

	EnvelopeCells int         `json:"envelope_cells,omitempty"`
	TargetCells   int         `json:"target_cells,omitempty"`
	RakedCells    int         `json:"raked_cells,omitempty"`
	OrphanCells   int         `json:"orphan_cells,omitempty"`
	Factor        FactorStats `json:"factor,omitempty"`

	// Fingerprints holds SHA-256 content hashes of the task's inputs and
	// output for provenance.
	Fingerprints map[string]string `json:"fingerprints,omitempty"`

	envelope *dataset.Dataset
	target   *dataset.Dataset
	rakeable *dataset.Dataset
	orphans  *dataset.Dataset
	factors  *dataset.Dataset
	merged   *dataset.Dataset
	parents  map[int64]int64
}

// reduceTaskState merges a stage delta into the accumulated state. Only
// fields the delta actually set are applied.
func reduceTaskState(prev, delta TaskState) TaskState {
	if delta.Task.Cause != "" {
		prev.Task = delta.Task
	}
	if delta.Overwrite {
		prev.Overwrite = true
	}
	if delta.OutputPath != "" {
		prev.OutputPath = delta.OutputPath
	}
	if delta.OutputExists {
		prev.OutputExists = true
	}
	if delta.Skipped {
		prev.Skipped = true
	}
	if delta.EnvelopeCells > 0 {
		prev.EnvelopeCells = delta.EnvelopeCells
	}
	if delta.TargetCells > 0 {
		prev.TargetCells = delta.TargetCells
	}
	if delta.RakedCells > 0 {
		prev.RakedCells = delta.RakedCells
	}
	if delta.OrphanCells > 0 {
		prev.OrphanCells = delta.OrphanCells
	}
	if delta.Factor.Cells > 0 {
		prev.Factor = delta.Factor
	}
	if len(delta.Fingerprints) > 0 {
		if prev.Fingerprints == nil {
			prev.Fingerprints = make(map[string]string, len(delta.Fingerprints))
		}
		for k, v := range delta.Fingerprints {
			prev.Fingerprints[k] = v
		}
	}
	if delta.envelope != nil {
		prev.envelope = delta.envelope
	}
	if delta.target != nil {
		prev.target = delta.target
	}
	if delta.rakeable != nil {
		prev.rakeable = delta.rakeable
	}
	if delta.orphans != nil {
		prev.orphans = delta.orphans
	}
	if delta.factors != nil {
		prev.factors = delta.factors
	}
	if delta.merged != nil {
		prev.merged = delta.merged
	}
	if delta.parents != nil {
		prev.parents = delta.parents
	}
	return prev
}

// Report is the outcome of one raking task.
type Report struct {
	Task          Task              `json:"task"`
	RunID         string            `json:"run_id"`
	Skipped       bool              `json:"skipped"`
	OutputPath    string            `json:"output_path"`
	EnvelopeCells int               `json:"envelope_cells"`
	TargetCells   int               `json:"target_cells"`
	RakedCells    int               `json:"raked_cells"`
	OrphanCells   int               `json:"orphan_cells"`
	Factor        FactorStats       `json:"factor"`
	Fingerprints  map[string]string `json:"fingerprints"`
}

// PipelineOptions configures a raking Pipeline.
type PipelineOptions struct {
	// Layout locates envelope, target, and output files.
	Layout Layout

	// Hierarchy is the loaded location hierarchy. Required.
	Hierarchy *hierarchy.Hierarchy

	// Level is the target admin level; 0 means hierarchy.AdminTwoLevel.
	Level int

	// ImputeMap folds legacy location ids into replacements before raking.
	// Nil means hierarchy.DefaultImputeMap; an empty map disables
	// imputation.
	ImputeMap map[int64]int64

	// FactorWarnAbove is the extreme-factor threshold; <= 0 means
	// DefaultFactorWarnAbove.
	FactorWarnAbove float64

	// Overwrite disables the skip-if-output-exists short circuit.
	Overwrite bool

	// StageTimeout bounds each stage; 0 means unlimited.
	StageTimeout time.Duration

	// Store persists per-stage state. Nil means an in-memory store.
	Store store.Store[TaskState]

	// Emitter receives stage events. Nil means discard.
	Emitter emit.Emitter

	// Metrics, when non-nil, receives stage latency, raked-cell, and
	// extreme-factor counts.
	Metrics *pipeline.Metrics
}

// Pipeline executes raking tasks as staged workflows:
//
//	check_output -> load_envelope -> load_target -> impute ->
//	attach_hierarchy -> align -> split -> compute_factors ->
//	apply_factors -> merge -> write_output
//
// with a conditional short circuit to a skip stage when the output already
// exists and overwrite is off, and a jump from split straight to merge when
// no target location has an envelope parent (everything is an orphan).
// State is persisted after every stage, so an interrupted run leaves a
// record of how far each task got; Checkpoint and Resume turn that record
// into the starting point of the next attempt.
type Pipeline struct {
	opts   PipelineOptions
	engine *pipeline.Engine[TaskState]
}

// NewPipeline assembles the staged raking workflow.
func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Hierarchy == nil {
		return nil, fmt.Errorf("rake: pipeline requires a hierarchy")
	}
	if opts.Level == 0 {
		opts.Level = hierarchy.AdminTwoLevel
	}
	if opts.ImputeMap == nil {
		opts.ImputeMap = hierarchy.DefaultImputeMap()
	}
	if opts.Store == nil {
		opts.Store = store.NewMemStore[TaskState]()
	}
	if opts.Emitter == nil {
		opts.Emitter = emit.NewNullEmitter()
	}

	p := &Pipeline{opts: opts}
	eng := pipeline.New(reduceTaskState, opts.Store, opts.Emitter, pipeline.Options{
		MaxSteps:            24, // linear chain of 12 stages, with headroom
		DefaultStageTimeout: opts.StageTimeout,
		Metrics:             opts.Metrics,
	})

	stages := []struct {
		id string
		fn pipeline.StageFunc[TaskState]
	}{
		{StageCheckOutput, p.checkOutput},
		{StageLoadEnvelope, p.loadEnvelope},
		{StageLoadTarget, p.loadTarget},
		{StageImpute, p.impute},
		{StageAttachHierarchy, p.attachHierarchy},
		{StageAlign, p.align},
		{StageSplit, p.split},
		{StageComputeFactors, p.computeFactors},
		{StageApplyFactors, p.applyFactors},
		{StageMerge, p.merge},
		{StageWriteOutput, p.writeOutput},
		{stageSkip, p.skip},
	}
	for _, s := range stages {
		if err := eng.Add(s.id, s.fn); err != nil {
			return nil, err
		}
	}

	// Output-exists short circuit, then the linear chain.
	if err := eng.Connect(StageCheckOutput, stageSkip, func(s TaskState) bool {
		return s.OutputExists && !s.Overwrite
	}); err != nil {
		return nil, err
	}
	chain := []string{
		StageCheckOutput, StageLoadEnvelope, StageLoadTarget, StageImpute,
		StageAttachHierarchy, StageAlign, StageSplit, StageComputeFactors,
		StageApplyFactors, StageMerge, StageWriteOutput,
	}
	for i := 0; i < len(chain)-1; i++ {
		if err := eng.Connect(chain[i], chain[i+1], nil); err != nil {
			return nil, err
		}
	}
	if err := eng.StartAt(StageCheckOutput); err != nil {
		return nil, err
	}

	p.engine = eng
	return p, nil
}

// Layout returns the configured file layout.
func (p *Pipeline) Layout() Layout {
	return p.opts.Layout
}

// Overwrite reports whether existing outputs are rewritten.
func (p *Pipeline) Overwrite() bool {
	return p.opts.Overwrite
}

// Run executes one raking task to completion and returns its report.
func (p *Pipeline) Run(ctx context.Context, runID string, task Task) (Report, error) {
	if err := task.Validate(); err != nil {
		return Report{}, err
	}

	initial := TaskState{Task: task, Overwrite: p.opts.Overwrite}
	final, err := p.engine.Run(ctx, runID, initial)
	if err != nil {
		return Report{}, fmt.Errorf("rake: task %s: %w", task.Key(), err)
	}
	return p.finish(runID, final), nil
}

// Checkpoint snapshots the latest persisted state of a pipeline run under
// cpID so a later attempt can resume it. Fails when the run never
// completed a stage.
func (p *Pipeline) Checkpoint(ctx context.Context, runID, cpID string) error {
	return p.engine.SaveCheckpoint(ctx, runID, cpID)
}

// Resume continues an interrupted task from a checkpoint saved by
// Checkpoint. The dataset carriers live only in memory, so execution
// re-enters at the load boundary: every stage from load_envelope onward
// rebuilds its inputs from the current draw files, while the persisted
// metadata and fingerprints carry forward. A checkpoint whose attempt
// already wrote the output, or skipped, yields the finished report without
// re-executing anything.
//
// A checkpoint is consumed at most once; a second resume of the same
// checkpoint, a checkpoint that persisted no stage, and a missing
// checkpoint all return ErrNoResume so the caller can fall back to a
// fresh run.
func (p *Pipeline) Resume(ctx context.Context, cpID, runID string, task Task) (Report, error) {
	if err := task.Validate(); err != nil {
		return Report{}, err
	}

	state, step, err := p.opts.Store.LoadCheckpoint(ctx, cpID)
	if err != nil {
		return Report{}, fmt.Errorf("rake: checkpoint %s: %w", cpID, ErrNoResume)
	}
	if state.Task.Key() != task.Key() {
		return Report{}, fmt.Errorf("rake: checkpoint %s holds task %s, not %s", cpID, state.Task.Key(), task.Key())
	}
	if state.Skipped || state.Fingerprints["output"] != "" {
		// The interrupted attempt finished its pipeline; only its
		// registry transition was lost.
		return p.finish(runID, state), nil
	}
	if state.OutputPath == "" {
		return Report{}, fmt.Errorf("rake: checkpoint %s persisted no stage: %w", cpID, ErrNoResume)
	}

	idemKey, err := pipeline.ComputeIdempotencyKey(cpID, step, state)
	if err != nil {
		return Report{}, fmt.Errorf("rake: checkpoint %s: %w", cpID, err)
	}
	used, err := p.opts.Store.CheckIdempotency(ctx, idemKey)
	if err != nil {
		return Report{}, fmt.Errorf("rake: checkpoint %s: %w", cpID, err)
	}
	if used {
		return Report{}, fmt.Errorf("rake: checkpoint %s already resumed: %w", cpID, ErrNoResume)
	}

	final, err := p.engine.ResumeFromCheckpoint(ctx, cpID, runID, StageLoadEnvelope)
	if err != nil {
		return Report{}, fmt.Errorf("rake: task %s: %w", task.Key(), err)
	}
	return p.finish(runID, final), nil
}

// finish feeds the metrics and shapes the final state into a report.
func (p *Pipeline) finish(runID string, final TaskState) Report {
	if p.opts.Metrics != nil && !final.Skipped {
		p.opts.Metrics.AddRakedCells(final.RakedCells)
		p.opts.Metrics.AddExtremeFactors(final.Factor.Extreme)
	}
	return Report{
		Task:          final.Task,
		RunID:         runID,
		Skipped:       final.Skipped,
		OutputPath:    final.OutputPath,
		EnvelopeCells: final.EnvelopeCells,
		TargetCells:   final.TargetCells,
		RakedCells:    final.RakedCells,
		OrphanCells:   final.OrphanCells,
		Factor:        final.Factor,
		Fingerprints:  final.Fingerprints,
	}
}

func (p *Pipeline) checkOutput(_ context.Context, s TaskState) pipeline.StageResult[TaskState] {
	path, err := p.opts.Layout.OutputPath(s.Task)
	if err != nil {
		return fail(StageCheckOutput, err)
	}
	delta := TaskState{OutputPath: path}
	if _, err := os.Stat(path); err == nil {
		delta.OutputExists = true
	}
	return pipeline.StageResult[TaskState]{Delta: delta}
}

func (p *Pipeline) skip(_ context.Context, _ TaskState) pipeline.StageResult[TaskState] {
	return pipeline.StageResult[TaskState]{
		Delta: TaskState{Skipped: true},
		Route: pipeline.Stop(),
	}
}

func (p *Pipeline) loadEnvelope(_ context.Context, s TaskState) pipeline.StageResult[TaskState] {
	path, err := p.opts.Layout.EnvelopePath(s.Task)
	if err != nil {
		return fail(StageLoadEnvelope, err)
	}
	draw := int64(s.Task.Draw)
	ds, err := codec.ReadFile(path, codec.ReadOptions{Draw: &draw})
	if err != nil {
		return fail(StageLoadEnvelope, err)
	}
	fp, err := codec.Fingerprint(path)
	if err != nil {
		return fail(StageLoadEnvelope, err)
	}
	return pipeline.StageResult[TaskState]{Delta: TaskState{
		envelope:      ds,
		EnvelopeCells: ds.Size(),
		Fingerprints:  map[string]string{"envelope": fp},
	}}
}

func (p *Pipeline) loadTarget(_ context.Context, s TaskState) pipeline.StageResult[TaskState] {
	path, err := p.opts.Layout.TargetPath(s.Task)
	if err != nil {
		return fail(StageLoadTarget, err)
	}
	ds, err := codec.ReadFile(path, codec.ReadOptions{})
	if err != nil {
		return fail(StageLoadTarget, err)
	}
	fp, err := codec.Fingerprint(path)
	if err != nil {
		return fail(StageLoadTarget, err)
	}
	return pipeline.StageResult[TaskState]{Delta: TaskState{
		target:       ds,
		TargetCells:  ds.Size(),
		Fingerprints: map[string]string{"target": fp},
	}}
}

func (p *Pipeline) impute(_ context.Context, s TaskState) pipeline.StageResult[TaskState] {
	remapped, err := s.target.RemapCoords(dataset.DimLocation, p.opts.ImputeMap)
	if err != nil {
		return fail(StageImpute, err)
	}
	return pipeline.StageResult[TaskState]{Delta: TaskState{target: remapped}}
}

// attachHierarchy restricts the target to locations at the configured admin
// level and records each one's parent.
func (p *Pipeline) attachHierarchy(_ context.Context, s TaskState) pipeline.StageResult[TaskState] {
	levelParents := p.opts.Hierarchy.ParentMap(p.opts.Level)

	targetLocs, err := s.target.Coords(dataset.DimLocation)
	if err != nil {
		return fail(StageAttachHierarchy, err)
	}
	var keep []int64
	parents := make(map[int64]int64)
	for _, loc := range targetLocs {
		if parent, ok := levelParents[loc]; ok {
			keep = append(keep, loc)
			parents[loc] = parent
		}
	}
	if len(keep) == 0 {
		return fail(StageAttachHierarchy, fmt.Errorf("no target location is at hierarchy level %d", p.opts.Level))
	}

	restricted, err := s.target.Select(dataset.DimLocation, keep)
	if err != nil {
		return fail(StageAttachHierarchy, err)
	}
	return pipeline.StageResult[TaskState]{Delta: TaskState{target: restricted, parents: parents}}
}

// align subsets envelope and target to their shared age/sex/year
// coordinates and puts the envelope into the target's dimension order.
func (p *Pipeline) align(_ context.Context, s TaskState) pipeline.StageResult[TaskState] {
	var shared []string
	for _, d := range []string{dataset.DimAge, dataset.DimSex, dataset.DimYear} {
		if s.envelope.HasDim(d) && s.target.HasDim(d) {
			shared = append(shared, d)
		}
	}

	env, err := s.envelope.AlignTo(s.target, shared...)
	if err != nil {
		return fail(StageAlign, err)
	}
	target, err := s.target.AlignTo(env, shared...)
	if err != nil {
		return fail(StageAlign, err)
	}
	env, err = env.Transpose(target.Dims()...)
	if err != nil {
		return fail(StageAlign, err)
	}
	return pipeline.StageResult[TaskState]{Delta: TaskState{envelope: env, target: target}}
}

// split separates target locations whose parent exists in the envelope
// from orphans, and restricts the envelope to the parents actually used.
func (p *Pipeline) split(_ context.Context, s TaskState) pipeline.StageResult[TaskState] {
	envLocs, err := s.envelope.Coords(dataset.DimLocation)
	if err != nil {
		return fail(StageSplit, err)
	}
	envSet := make(map[int64]bool, len(envLocs))
	for _, loc := range envLocs {
		envSet[loc] = true
	}

	targetLocs, err := s.target.Coords(dataset.DimLocation)
	if err != nil {
		return fail(StageSplit, err)
	}
	var withParent, orphanLocs []int64
	for _, loc := range targetLocs {
		if envSet[s.parents[loc]] {
			withParent = append(withParent, loc)
		} else {
			orphanLocs = append(orphanLocs, loc)
		}
	}

	delta := TaskState{}
	if len(orphanLocs) > 0 {
		orphans, err := s.target.Select(dataset.DimLocation, orphanLocs)
		if err != nil {
			return fail(StageSplit, err)
		}
		delta.orphans = orphans
		delta.OrphanCells = orphans.Size()
	}
	if len(withParent) == 0 {
		// Nothing to rake, everything passes through.
		return pipeline.StageResult[TaskState]{Delta: delta, Route: pipeline.Goto(StageMerge)}
	}

	rakeable, err := s.target.Select(dataset.DimLocation, withParent)
	if err != nil {
		return fail(StageSplit, err)
	}
	delta.rakeable = rakeable
	return pipeline.StageResult[TaskState]{Delta: delta}
}

func (p *Pipeline) computeFactors(_ context.Context, s TaskState) pipeline.StageResult[TaskState] {
	sums, err := s.rakeable.SumBy(dataset.DimLocation, s.parents)
	if err != nil {
		return fail(StageComputeFactors, err)
	}
	parentLocs, err := sums.Coords(dataset.DimLocation)
	if err != nil {
		return fail(StageComputeFactors, err)
	}
	envelope, err := s.envelope.Select(dataset.DimLocation, parentLocs)
	if err != nil {
		return fail(StageComputeFactors, err)
	}

	factors, stats, err := Factors(envelope, sums, p.opts.FactorWarnAbove)
	if err != nil {
		return fail(StageComputeFactors, err)
	}
	return pipeline.StageResult[TaskState]{Delta: TaskState{factors: factors, Factor: stats}}
}

func (p *Pipeline) applyFactors(_ context.Context, s TaskState) pipeline.StageResult[TaskState] {
	raked, err := Apply(s.rakeable, s.factors, s.parents)
	if err != nil {
		return fail(StageApplyFactors, err)
	}
	return pipeline.StageResult[TaskState]{Delta: TaskState{rakeable: raked, RakedCells: raked.Size()}}
}

func (p *Pipeline) merge(_ context.Context, s TaskState) pipeline.StageResult[TaskState] {
	var merged *dataset.Dataset
	switch {
	case s.rakeable == nil && s.orphans == nil:
		return fail(StageMerge, fmt.Errorf("nothing to merge"))
	case s.rakeable == nil:
		merged = s.orphans
	case s.orphans == nil:
		merged = s.rakeable
	default:
		var err error
		merged, err = s.rakeable.Concat(dataset.DimLocation, s.orphans)
		if err != nil {
			return fail(StageMerge, err)
		}
	}
	return pipeline.StageResult[TaskState]{Delta: TaskState{merged: merged}}
}

func (p *Pipeline) writeOutput(_ context.Context, s TaskState) pipeline.StageResult[TaskState] {
	if err := os.MkdirAll(filepath.Dir(s.OutputPath), 0o775); err != nil { // #nosec G301 -- shared team output tree
		return fail(StageWriteOutput, err)
	}
	if err := codec.WriteFile(s.OutputPath, s.merged); err != nil {
		return fail(StageWriteOutput, err)
	}
	fp, err := codec.Fingerprint(s.OutputPath)
	if err != nil {
		return fail(StageWriteOutput, err)
	}
	return pipeline.StageResult[TaskState]{
		Delta: TaskState{Fingerprints: map[string]string{"output": fp}},
		Route: pipeline.Stop(),
	}
}

// fail wraps a stage error with its stage id.
func fail(stageID string, err error) pipeline.StageResult[TaskState] {
	return pipeline.StageResult[TaskState]{Err: &pipeline.StageError{
		Message: err.Error(),
		StageID: stageID,
		Cause:   err,
	}}
}
