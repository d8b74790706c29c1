package rake

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ErrNoEnvelopeDataset is returned when no envelope dataset directory is
// configured for a (scenario, measure) pair.
var ErrNoEnvelopeDataset = errors.New("no envelope dataset for scenario/measure")

// DatasetKey selects an envelope dataset directory.
type DatasetKey struct {
	Scenario int
	Measure  string
}

// DefaultEnvelopeDatasets is the (scenario, measure) -> dataset directory
// table of the forecasting deliverables this pipeline rakes against. All
// twelve grid combinations are covered. Overridable in config.
func DefaultEnvelopeDatasets() map[DatasetKey]string {
	return map[DatasetKey]string{
		{ScenarioReference, MeasureDeath}:     "20250709_first_sub_rcp45_climate_ref_100d_hiv_shocks_covid_all_s8_num",
		{ScenarioReference, MeasureIncidence}: "20250719_rcp45_first_sub_climate_ref_scen0_agg_num",
		{ScenarioReference, MeasureYLL}:       "20250709_rcp45_first_sub_climate_ref_agg_num_restored_draws",
		{ScenarioReference, MeasureYLD}:       "20250719_rcp45_first_sub_climate_ref_scen0_agg_num",

		{ScenarioLow, MeasureDeath}:     "20250709_first_sub_rcp26_first_sub_climate_vector_borne_diseases_100d_hiv_shocks_covid_all_s8_num",
		{ScenarioLow, MeasureIncidence}: "20250719_rcp26_first_sub_climate_vector_borne_diseases_scen75_agg_num",
		{ScenarioLow, MeasureYLL}:       "20250709_rcp26_first_sub_climate_vector_borne_diseases_agg_num_restored_draws",
		{ScenarioLow, MeasureYLD}:       "20250719_rcp26_first_sub_climate_vector_borne_diseases_scen75_agg_num",

		{ScenarioHigh, MeasureDeath}:     "20250709_first_sub_rcp85_first_sub_climate_vector_borne_diseases_100d_hiv_shocks_covid_all_s8_num",
		{ScenarioHigh, MeasureIncidence}: "20250719_rcp85_first_sub_climate_vector_borne_diseases_scen76_agg_num",
		{ScenarioHigh, MeasureYLL}:       "20250709_rcp85_first_sub_climate_vector_borne_diseases_agg_num_restored_draws",
		{ScenarioHigh, MeasureYLD}:       "20250719_rcp85_first_sub_climate_vector_borne_diseases_scen76_agg_num",
	}
}

var envelopeFiles = map[string]string{
	CauseMalaria: "malaria",
	CauseDengue:  "ntd_dengue",
}

// Layout constructs the on-disk paths of a raking run: where envelope files
// live, where target draw files are read from, and where raked draw files
// are written. All methods are pure path construction; nothing touches the
// filesystem.
type Layout struct {
	// EnvelopeRoot is the root of the forecasting envelope tree, organised
	// as <root>/<measure>/<dataset>/<cause file>.
	EnvelopeRoot string

	// TargetRoot holds the admin-2 target draw directories.
	TargetRoot string

	// OutputRoot receives the raked draw directories.
	OutputRoot string

	// EnvelopeDatasets maps (scenario, measure) to the envelope dataset
	// directory. Nil falls back to DefaultEnvelopeDatasets.
	EnvelopeDatasets map[DatasetKey]string

	// Ext is the draw-file extension, ".csv" or ".csv.gz". Empty means
	// ".csv".
	Ext string
}

func (l Layout) ext() string {
	if l.Ext == "" {
		return ".csv"
	}
	return l.Ext
}

func (l Layout) datasets() map[DatasetKey]string {
	if l.EnvelopeDatasets != nil {
		return l.EnvelopeDatasets
	}
	return DefaultEnvelopeDatasets()
}

// EnvelopePath returns the envelope file of a task:
// <EnvelopeRoot>/<measure>/<dataset dir>/<cause file><ext>.
// The envelope file carries every draw; the reader selects one.
func (l Layout) EnvelopePath(t Task) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	ds, ok := l.datasets()[DatasetKey{Scenario: t.Scenario, Measure: t.Measure}]
	if !ok {
		return "", fmt.Errorf("rake: %w: scenario %d measure %q", ErrNoEnvelopeDataset, t.Scenario, t.Measure)
	}
	return filepath.Join(l.EnvelopeRoot, t.Measure, ds, envelopeFiles[t.Cause]+l.ext()), nil
}

// TargetDir returns the directory holding a task's target draw files, e.g.
// as_cause_malaria_measure_mortality_metric_count_ssp_scenario_ssp245_dah_scenario_Baseline.
// Only malaria carries the dah_scenario segment.
func (l Layout) TargetDir(t Task) (string, error) {
	name, err := l.dirName(t, false)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.TargetRoot, name), nil
}

// TargetPath returns a task's target draw file.
func (l Layout) TargetPath(t Task) (string, error) {
	dir, err := l.TargetDir(t)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("draw_%d%s", t.Draw, l.ext())), nil
}

// OutputDir returns the directory a task's raked draw file is written to:
// the target naming with the output measure and a _raked suffix.
func (l Layout) OutputDir(t Task) (string, error) {
	name, err := l.dirName(t, true)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.OutputRoot, name), nil
}

// OutputPath returns a task's raked draw file.
func (l Layout) OutputPath(t Task) (string, error) {
	dir, err := l.OutputDir(t)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("draw_%d%s", t.Draw, l.ext())), nil
}

// dirName builds the shared directory naming of target and output trees.
func (l Layout) dirName(t Task, raked bool) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	ssp, err := SSPName(t.Scenario)
	if err != nil {
		return "", err
	}

	var measure string
	if raked {
		measure, err = OutputMeasure(t.Measure)
	} else {
		measure, err = InputMeasure(t.Measure)
	}
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("as_cause_%s_measure_%s_metric_count_ssp_scenario_%s", t.Cause, measure, ssp)
	if t.Cause == CauseMalaria {
		name += "_dah_scenario_Baseline"
	}
	if raked {
		name += "_raked"
	}
	return name, nil
}
