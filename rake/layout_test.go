package rake

import (
	"errors"
	"path/filepath"
	"testing"
)

func testLayout() Layout {
	return Layout{
		EnvelopeRoot: "/data/envelope",
		TargetRoot:   "/data/target",
		OutputRoot:   "/data/output",
	}
}

func TestLayout_TargetPath(t *testing.T) {
	l := testLayout()

	tests := []struct {
		name string
		task Task
		want string
	}{
		{
			name: "malaria death carries dah segment and mortality space",
			task: Task{Cause: CauseMalaria, Scenario: ScenarioReference, Measure: MeasureDeath, Draw: 0},
			want: "/data/target/as_cause_malaria_measure_mortality_metric_count_ssp_scenario_ssp245_dah_scenario_Baseline/draw_0.csv",
		},
		{
			name: "dengue has no dah segment",
			task: Task{Cause: CauseDengue, Scenario: ScenarioHigh, Measure: MeasureIncidence, Draw: 7},
			want: "/data/target/as_cause_dengue_measure_incidence_metric_count_ssp_scenario_ssp585/draw_7.csv",
		},
		{
			name: "yll reads mortality targets",
			task: Task{Cause: CauseDengue, Scenario: ScenarioLow, Measure: MeasureYLL, Draw: 99},
			want: "/data/target/as_cause_dengue_measure_mortality_metric_count_ssp_scenario_ssp126/draw_99.csv",
		},
		{
			name: "yld reads incidence targets",
			task: Task{Cause: CauseMalaria, Scenario: ScenarioLow, Measure: MeasureYLD, Draw: 3},
			want: "/data/target/as_cause_malaria_measure_incidence_metric_count_ssp_scenario_ssp126_dah_scenario_Baseline/draw_3.csv",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.TargetPath(tt.task)
			if err != nil {
				t.Fatalf("TargetPath() error: %v", err)
			}
			if got != filepath.FromSlash(tt.want) {
				t.Errorf("TargetPath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLayout_OutputPath(t *testing.T) {
	l := testLayout()

	tests := []struct {
		name string
		task Task
		want string
	}{
		{
			name: "death publishes as mortality with raked suffix",
			task: Task{Cause: CauseMalaria, Scenario: ScenarioReference, Measure: MeasureDeath, Draw: 0},
			want: "/data/output/as_cause_malaria_measure_mortality_metric_count_ssp_scenario_ssp245_dah_scenario_Baseline_raked/draw_0.csv",
		},
		{
			name: "yll keeps its measure name on output",
			task: Task{Cause: CauseDengue, Scenario: ScenarioHigh, Measure: MeasureYLL, Draw: 12},
			want: "/data/output/as_cause_dengue_measure_yll_metric_count_ssp_scenario_ssp585_raked/draw_12.csv",
		},
		{
			name: "yld keeps its measure name on output",
			task: Task{Cause: CauseMalaria, Scenario: ScenarioLow, Measure: MeasureYLD, Draw: 5},
			want: "/data/output/as_cause_malaria_measure_yld_metric_count_ssp_scenario_ssp126_dah_scenario_Baseline_raked/draw_5.csv",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.OutputPath(tt.task)
			if err != nil {
				t.Fatalf("OutputPath() error: %v", err)
			}
			if got != filepath.FromSlash(tt.want) {
				t.Errorf("OutputPath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLayout_EnvelopePath(t *testing.T) {
	l := testLayout()

	got, err := l.EnvelopePath(Task{Cause: CauseMalaria, Scenario: ScenarioReference, Measure: MeasureDeath, Draw: 0})
	if err != nil {
		t.Fatalf("EnvelopePath() error: %v", err)
	}
	want := filepath.FromSlash("/data/envelope/death/20250709_first_sub_rcp45_climate_ref_100d_hiv_shocks_covid_all_s8_num/malaria.csv")
	if got != want {
		t.Errorf("EnvelopePath() = %q, want %q", got, want)
	}

	got, err = l.EnvelopePath(Task{Cause: CauseDengue, Scenario: ScenarioHigh, Measure: MeasureIncidence, Draw: 7})
	if err != nil {
		t.Fatalf("EnvelopePath() error: %v", err)
	}
	want = filepath.FromSlash("/data/envelope/incidence/20250719_rcp85_first_sub_climate_vector_borne_diseases_scen76_agg_num/ntd_dengue.csv")
	if got != want {
		t.Errorf("EnvelopePath() = %q, want %q", got, want)
	}
}

func TestLayout_EnvelopeDatasetOverride(t *testing.T) {
	l := testLayout()
	l.EnvelopeDatasets = map[DatasetKey]string{
		{ScenarioReference, MeasureDeath}: "custom_dataset",
	}

	got, err := l.EnvelopePath(Task{Cause: CauseMalaria, Scenario: ScenarioReference, Measure: MeasureDeath})
	if err != nil {
		t.Fatalf("EnvelopePath() error: %v", err)
	}
	want := filepath.FromSlash("/data/envelope/death/custom_dataset/malaria.csv")
	if got != want {
		t.Errorf("EnvelopePath() = %q, want %q", got, want)
	}

	// The override table replaces the default table entirely.
	_, err = l.EnvelopePath(Task{Cause: CauseMalaria, Scenario: ScenarioHigh, Measure: MeasureDeath})
	if !errors.Is(err, ErrNoEnvelopeDataset) {
		t.Errorf("EnvelopePath() = %v, want ErrNoEnvelopeDataset", err)
	}
}

func TestLayout_GzExtension(t *testing.T) {
	l := testLayout()
	l.Ext = ".csv.gz"

	got, err := l.TargetPath(Task{Cause: CauseDengue, Scenario: ScenarioReference, Measure: MeasureDeath, Draw: 4})
	if err != nil {
		t.Fatalf("TargetPath() error: %v", err)
	}
	if filepath.Base(got) != "draw_4.csv.gz" {
		t.Errorf("TargetPath() base = %q, want draw_4.csv.gz", filepath.Base(got))
	}
}

func TestDefaultEnvelopeDatasets_CoversGrid(t *testing.T) {
	table := DefaultEnvelopeDatasets()
	for _, scenario := range Scenarios() {
		for _, measure := range Measures() {
			if _, ok := table[DatasetKey{Scenario: scenario, Measure: measure}]; !ok {
				t.Errorf("no envelope dataset for scenario %d measure %q", scenario, measure)
			}
		}
	}
	if len(table) != 12 {
		t.Errorf("len(table) = %d, want 12", len(table))
	}
}

func TestLayout_InvalidTask(t *testing.T) {
	l := testLayout()
	bad := Task{Cause: "cholera", Scenario: ScenarioReference, Measure: MeasureDeath}

	if _, err := l.EnvelopePath(bad); !errors.Is(err, ErrUnknownCause) {
		t.Errorf("EnvelopePath() = %v, want ErrUnknownCause", err)
	}
	if _, err := l.TargetPath(bad); !errors.Is(err, ErrUnknownCause) {
		t.Errorf("TargetPath() = %v, want ErrUnknownCause", err)
	}
	if _, err := l.OutputPath(bad); !errors.Is(err, ErrUnknownCause) {
		t.Errorf("OutputPath() = %v, want ErrUnknownCause", err)
	}
}
