package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dshills/epirake/rake"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "epirake.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const minimalConfig = `
[paths]
envelope_root = "/data/envelope"
target_root = "/data/target"
output_root = "/data/output"
hierarchy_file = "/data/hierarchy.csv"
`

func TestLoad_Minimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// Unset sections keep their defaults.
	if cfg.Run.Workers != 4 {
		t.Errorf("Run.Workers = %d, want 4", cfg.Run.Workers)
	}
	if cfg.Run.Retries != 2 {
		t.Errorf("Run.Retries = %d, want 2", cfg.Run.Retries)
	}
	if cfg.Store.Backend != StoreMemory {
		t.Errorf("Store.Backend = %q, want memory", cfg.Store.Backend)
	}
	if cfg.Telemetry.LogLevel != "info" {
		t.Errorf("Telemetry.LogLevel = %q, want info", cfg.Telemetry.LogLevel)
	}

	grid := cfg.WorkflowGrid()
	if got, want := grid.Size(), 2*3*4*100; got != want {
		t.Errorf("grid.Size() = %d, want %d", got, want)
	}

	layout := cfg.Layout()
	if layout.EnvelopeRoot != "/data/envelope" {
		t.Errorf("Layout().EnvelopeRoot = %q", layout.EnvelopeRoot)
	}
	if layout.EnvelopeDatasets != nil {
		t.Error("Layout().EnvelopeDatasets set, want nil (built-in table)")
	}

	imputes, err := cfg.ImputeMap()
	if err != nil {
		t.Fatalf("ImputeMap() error: %v", err)
	}
	if imputes != nil {
		t.Error("ImputeMap() set, want nil (built-in defaults)")
	}
}

func TestLoad_FullOverride(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[paths]
envelope_root = "/e"
target_root = "/t"
output_root = "/o"
hierarchy_file = "/h.csv"
log_dir = "/logs"
ext = ".csv.gz"

[[paths.envelope_dataset]]
scenario = 0
measure = "death"
dataset = "custom_run"

[grid]
causes = ["dengue"]
scenarios = [76]
measures = ["yll"]
draw_count = 5

[run]
workers = 8
retries = 1
retry_delay = "500ms"
task_timeout = "90s"
stage_timeout = "30s"
overwrite = true
admin_level = 4
factor_warn_above = 25.0

[run.impute_map]
"60908" = 44858

[store]
backend = "sqlite"
dsn = "/state/epirake.db"

[telemetry]
log_level = "debug"
log_json = true
metrics_addr = ":9090"
otel_enabled = true
`))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Run.TaskTimeout.Std() != 90*time.Second {
		t.Errorf("TaskTimeout = %v, want 90s", cfg.Run.TaskTimeout.Std())
	}
	if cfg.Run.RetryDelay.Std() != 500*time.Millisecond {
		t.Errorf("RetryDelay = %v, want 500ms", cfg.Run.RetryDelay.Std())
	}
	if !cfg.Run.Overwrite {
		t.Error("Overwrite = false, want true")
	}

	grid := cfg.WorkflowGrid()
	if got, want := grid.Size(), 1*1*1*5; got != want {
		t.Errorf("grid.Size() = %d, want %d", got, want)
	}
	tasks := grid.ExpandTasks()
	if tasks[0].Key() != "dengue/ssp585/yll/0" {
		t.Errorf("first task = %q", tasks[0].Key())
	}

	layout := cfg.Layout()
	if got := layout.EnvelopeDatasets[rake.DatasetKey{Scenario: 0, Measure: "death"}]; got != "custom_run" {
		t.Errorf("envelope dataset override = %q, want custom_run", got)
	}
	if layout.Ext != ".csv.gz" {
		t.Errorf("Layout().Ext = %q", layout.Ext)
	}

	imputes, err := cfg.ImputeMap()
	if err != nil {
		t.Fatalf("ImputeMap() error: %v", err)
	}
	if imputes[60908] != 44858 {
		t.Errorf("imputes = %v", imputes)
	}
}

func TestLoad_EnvOverridesDSN(t *testing.T) {
	t.Setenv(EnvStoreDSN, "root:secret@tcp(db:3306)/epirake?parseTime=true")

	cfg, err := Load(writeConfig(t, minimalConfig+`
[store]
backend = "mysql"
`))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !strings.Contains(cfg.Store.DSN, "db:3306") {
		t.Errorf("Store.DSN = %q, want env override", cfg.Store.DSN)
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
[run]
wrokers = 8
`))
	if err == nil || !strings.Contains(err.Error(), "wrokers") {
		t.Fatalf("Load() = %v, want unknown key error naming wrokers", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		toml string
		want string
	}{
		{
			name: "missing envelope root",
			toml: `
[paths]
target_root = "/t"
output_root = "/o"
hierarchy_file = "/h.csv"
`,
			want: "paths.envelope_root",
		},
		{
			name: "unknown section",
			toml: minimalConfig + `
[paths2]
`,
			want: "unknown keys",
		},
		{
			name: "unknown cause",
			toml: minimalConfig + `
[grid]
causes = ["cholera"]
`,
			want: "unknown cause",
		},
		{
			name: "draws and draw_count together",
			toml: minimalConfig + `
[grid]
draws = [0, 1]
draw_count = 5
`,
			want: "mutually exclusive",
		},
		{
			name: "zero workers",
			toml: minimalConfig + `
[run]
workers = 0
`,
			want: "run.workers",
		},
		{
			name: "mysql without dsn",
			toml: minimalConfig + `
[store]
backend = "mysql"
`,
			want: "store.dsn",
		},
		{
			name: "unknown backend",
			toml: minimalConfig + `
[store]
backend = "postgres"
dsn = "x"
`,
			want: "store.backend",
		},
		{
			name: "bad log level",
			toml: minimalConfig + `
[telemetry]
log_level = "loud"
`,
			want: "telemetry.log_level",
		},
		{
			name: "bad impute key",
			toml: minimalConfig + `
[run.impute_map]
"not-a-number" = 44858
`,
			want: "impute_map",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.toml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestValidate_BadExt(t *testing.T) {
	_, err := Load(writeConfig(t, strings.Replace(minimalConfig,
		`hierarchy_file = "/data/hierarchy.csv"`,
		"hierarchy_file = \"/data/hierarchy.csv\"\next = \".parquet\"", 1)))
	if err == nil || !strings.Contains(err.Error(), "paths.ext") {
		t.Fatalf("Load() = %v, want paths.ext error", err)
	}
}
