// Package rake implements hierarchical raking: scaling admin-2 (district)
// burden estimates so they aggregate to the admin-1/national envelope
// totals, draw by draw. It provides the task vocabulary, the on-disk layout
// of envelope/target/output files, the factor computation, and the staged
// task pipeline that ties them together.
package rake

import (
	"errors"
	"fmt"
)

// Causes this pipeline rakes.
const (
	CauseMalaria = "malaria"
	CauseDengue  = "dengue"
)

// Climate scenario ids and their SSP names.
const (
	ScenarioReference = 0  // ssp245
	ScenarioLow       = 75 // ssp126
	ScenarioHigh      = 76 // ssp585
)

// Measures in the task vocabulary.
const (
	MeasureDeath     = "death"
	MeasureIncidence = "incidence"
	MeasureYLL       = "yll"
	MeasureYLD       = "yld"
)

// Vocabulary errors.
var (
	ErrUnknownCause    = errors.New("unknown cause")
	ErrUnknownScenario = errors.New("unknown scenario")
	ErrUnknownMeasure  = errors.New("unknown measure")
	ErrInvalidDraw     = errors.New("invalid draw")
)

// Causes returns the known causes in canonical order.
func Causes() []string {
	return []string{CauseMalaria, CauseDengue}
}

// Scenarios returns the known scenario ids in canonical order.
func Scenarios() []int {
	return []int{ScenarioReference, ScenarioLow, ScenarioHigh}
}

// Measures returns the known measures in canonical order.
func Measures() []string {
	return []string{MeasureDeath, MeasureIncidence, MeasureYLL, MeasureYLD}
}

var sspNames = map[int]string{
	ScenarioReference: "ssp245",
	ScenarioLow:       "ssp126",
	ScenarioHigh:      "ssp585",
}

// SSPName translates a scenario id into its SSP name, used in target and
// output directory names.
func SSPName(scenario int) (string, error) {
	name, ok := sspNames[scenario]
	if !ok {
		return "", fmt.Errorf("rake: %w: %d", ErrUnknownScenario, scenario)
	}
	return name, nil
}

// Target files only exist in mortality and incidence space; death and yll
// share the mortality inputs, incidence and yld the incidence inputs.
var inputMeasures = map[string]string{
	MeasureDeath:     "mortality",
	MeasureYLL:       "mortality",
	MeasureIncidence: "incidence",
	MeasureYLD:       "incidence",
}

// Output directories keep the measure name except death, which is published
// as mortality.
var outputMeasures = map[string]string{
	MeasureDeath:     "mortality",
	MeasureIncidence: "incidence",
	MeasureYLL:       "yll",
	MeasureYLD:       "yld",
}

// InputMeasure maps a task measure to the measure space of its target
// files.
func InputMeasure(measure string) (string, error) {
	m, ok := inputMeasures[measure]
	if !ok {
		return "", fmt.Errorf("rake: %w: %q", ErrUnknownMeasure, measure)
	}
	return m, nil
}

// OutputMeasure maps a task measure to the measure name of its output
// directory.
func OutputMeasure(measure string) (string, error) {
	m, ok := outputMeasures[measure]
	if !ok {
		return "", fmt.Errorf("rake: %w: %q", ErrUnknownMeasure, measure)
	}
	return m, nil
}

// Task identifies one raking unit: a single (cause, scenario, measure,
// draw) slice of the grid.
type Task struct {
	Cause    string `json:"cause"`
	Scenario int    `json:"scenario"`
	Measure  string `json:"measure"`
	Draw     int    `json:"draw"`
}

// Validate checks the task against the known vocabularies. Errors name the
// offending field value.
func (t Task) Validate() error {
	switch t.Cause {
	case CauseMalaria, CauseDengue:
	default:
		return fmt.Errorf("rake: %w: %q", ErrUnknownCause, t.Cause)
	}
	if _, ok := sspNames[t.Scenario]; !ok {
		return fmt.Errorf("rake: %w: %d", ErrUnknownScenario, t.Scenario)
	}
	if _, ok := inputMeasures[t.Measure]; !ok {
		return fmt.Errorf("rake: %w: %q", ErrUnknownMeasure, t.Measure)
	}
	if t.Draw < 0 {
		return fmt.Errorf("rake: %w: %d", ErrInvalidDraw, t.Draw)
	}
	return nil
}

// Key returns the task's registry key, e.g. "malaria/ssp245/death/7".
// Keys are unique within a run.
func (t Task) Key() string {
	ssp := sspNames[t.Scenario]
	if ssp == "" {
		ssp = fmt.Sprintf("scenario_%d", t.Scenario)
	}
	return fmt.Sprintf("%s/%s/%s/%d", t.Cause, ssp, t.Measure, t.Draw)
}

// String implements fmt.Stringer.
func (t Task) String() string {
	return t.Key()
}
