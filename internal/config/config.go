// Package config loads and validates raking run configuration from TOML,
// with environment overrides for store credentials.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dshills/epirake/rake"
	"github.com/dshills/epirake/workflow"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreMySQL  = "mysql"
)

// EnvStoreDSN overrides store.dsn so credentials stay out of config files.
const EnvStoreDSN = "EPIRAKE_STORE_DSN"

// Duration is a time.Duration that unmarshals from TOML strings like "90s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full run configuration.
type Config struct {
	Paths     Paths     `toml:"paths"`
	Grid      Grid      `toml:"grid"`
	Run       Run       `toml:"run"`
	Store     Store     `toml:"store"`
	Telemetry Telemetry `toml:"telemetry"`
}

// Paths locates the input and output trees.
type Paths struct {
	// EnvelopeRoot is the root of the forecasting envelope tree.
	EnvelopeRoot string `toml:"envelope_root"`

	// TargetRoot holds the admin-2 target draw directories.
	TargetRoot string `toml:"target_root"`

	// OutputRoot receives the raked draw directories.
	OutputRoot string `toml:"output_root"`

	// HierarchyFile is the location hierarchy CSV.
	HierarchyFile string `toml:"hierarchy_file"`

	// LogDir receives per-run events.jsonl artifacts. Empty disables them.
	LogDir string `toml:"log_dir"`

	// Ext is the draw-file extension, ".csv" or ".csv.gz".
	Ext string `toml:"ext"`

	// EnvelopeDatasets overrides the built-in (scenario, measure) ->
	// dataset directory table. Entries replace the whole table.
	EnvelopeDatasets []EnvelopeDataset `toml:"envelope_dataset"`
}

// EnvelopeDataset is one entry of the envelope dataset table.
type EnvelopeDataset struct {
	Scenario int    `toml:"scenario"`
	Measure  string `toml:"measure"`
	Dataset  string `toml:"dataset"`
}

// Grid selects the task expansion axes. Empty axes mean the full
// vocabulary; draws may be given explicitly or as a count from zero.
type Grid struct {
	Causes    []string `toml:"causes"`
	Scenarios []int    `toml:"scenarios"`
	Measures  []string `toml:"measures"`
	Draws     []int    `toml:"draws"`
	DrawCount int      `toml:"draw_count"`
}

// Run tunes execution.
type Run struct {
	Workers         int              `toml:"workers"`
	Retries         int              `toml:"retries"`
	RetryDelay      Duration         `toml:"retry_delay"`
	TaskTimeout     Duration         `toml:"task_timeout"`
	StageTimeout    Duration         `toml:"stage_timeout"`
	Overwrite       bool             `toml:"overwrite"`
	AdminLevel      int              `toml:"admin_level"`
	FactorWarnAbove float64          `toml:"factor_warn_above"`
	ImputeMap       map[string]int64 `toml:"impute_map"`
}

// Store selects run-state persistence.
type Store struct {
	// Backend is memory, sqlite, or mysql.
	Backend string `toml:"backend"`

	// DSN is the database source name for sqlite (file path) or mysql.
	// The EPIRAKE_STORE_DSN environment variable takes precedence.
	DSN string `toml:"dsn"`
}

// Telemetry tunes logging, metrics, and tracing.
type Telemetry struct {
	// LogLevel is trace, debug, info, warn, or error.
	LogLevel string `toml:"log_level"`

	// LogJSON switches console logging to JSON lines.
	LogJSON bool `toml:"log_json"`

	// MetricsAddr exposes /metrics while a run executes. Empty disables.
	MetricsAddr string `toml:"metrics_addr"`

	// OTelEnabled turns stage events into trace spans.
	OTelEnabled bool `toml:"otel_enabled"`
}

// Default returns the configuration used when a key is absent from the
// file.
func Default() Config {
	return Config{
		Run: Run{
			Workers: 4,
			Retries: 2,
		},
		Store: Store{
			Backend: StoreMemory,
		},
		Telemetry: Telemetry{
			LogLevel: "info",
		},
	}
}

// Load reads a TOML config file over the defaults, applies environment
// overrides, and validates the result. Unknown keys are errors so typos do
// not silently fall back to defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: loading %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config: %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if dsn := os.Getenv(EnvStoreDSN); dsn != "" {
		cfg.Store.DSN = dsn
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration; errors name the offending field.
func (c Config) Validate() error {
	if c.Paths.EnvelopeRoot == "" {
		return fmt.Errorf("paths.envelope_root is required")
	}
	if c.Paths.TargetRoot == "" {
		return fmt.Errorf("paths.target_root is required")
	}
	if c.Paths.OutputRoot == "" {
		return fmt.Errorf("paths.output_root is required")
	}
	if c.Paths.HierarchyFile == "" {
		return fmt.Errorf("paths.hierarchy_file is required")
	}
	if ext := c.Paths.Ext; ext != "" && ext != ".csv" && ext != ".csv.gz" {
		return fmt.Errorf("paths.ext must be .csv or .csv.gz, got %q", ext)
	}
	for _, e := range c.Paths.EnvelopeDatasets {
		if e.Dataset == "" {
			return fmt.Errorf("paths.envelope_dataset: dataset is required")
		}
		t := rake.Task{Cause: rake.CauseMalaria, Scenario: e.Scenario, Measure: e.Measure}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("paths.envelope_dataset: %w", err)
		}
	}

	if len(c.Grid.Draws) > 0 && c.Grid.DrawCount > 0 {
		return fmt.Errorf("grid.draws and grid.draw_count are mutually exclusive")
	}
	if c.Grid.DrawCount < 0 {
		return fmt.Errorf("grid.draw_count must be >= 0, got %d", c.Grid.DrawCount)
	}
	if err := c.WorkflowGrid().Validate(); err != nil {
		return err
	}

	if c.Run.Workers < 1 {
		return fmt.Errorf("run.workers must be >= 1, got %d", c.Run.Workers)
	}
	if c.Run.Retries < 0 {
		return fmt.Errorf("run.retries must be >= 0, got %d", c.Run.Retries)
	}
	if c.Run.AdminLevel < 0 {
		return fmt.Errorf("run.admin_level must be >= 0, got %d", c.Run.AdminLevel)
	}
	if c.Run.FactorWarnAbove < 0 {
		return fmt.Errorf("run.factor_warn_above must be >= 0, got %g", c.Run.FactorWarnAbove)
	}
	if _, err := c.ImputeMap(); err != nil {
		return err
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreSQLite, StoreMySQL:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for backend %q (or set %s)", c.Store.Backend, EnvStoreDSN)
		}
	default:
		return fmt.Errorf("store.backend must be memory, sqlite, or mysql, got %q", c.Store.Backend)
	}

	switch c.Telemetry.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("telemetry.log_level must be trace, debug, info, warn, or error, got %q", c.Telemetry.LogLevel)
	}
	return nil
}

// Layout builds the rake file layout from the path configuration.
func (c Config) Layout() rake.Layout {
	l := rake.Layout{
		EnvelopeRoot: c.Paths.EnvelopeRoot,
		TargetRoot:   c.Paths.TargetRoot,
		OutputRoot:   c.Paths.OutputRoot,
		Ext:          c.Paths.Ext,
	}
	if len(c.Paths.EnvelopeDatasets) > 0 {
		table := make(map[rake.DatasetKey]string, len(c.Paths.EnvelopeDatasets))
		for _, e := range c.Paths.EnvelopeDatasets {
			table[rake.DatasetKey{Scenario: e.Scenario, Measure: e.Measure}] = e.Dataset
		}
		l.EnvelopeDatasets = table
	}
	return l
}

// WorkflowGrid builds the task grid from the grid configuration.
func (c Config) WorkflowGrid() workflow.Grid {
	g := workflow.Grid{
		Causes:    c.Grid.Causes,
		Scenarios: c.Grid.Scenarios,
		Measures:  c.Grid.Measures,
		Draws:     c.Grid.Draws,
	}
	if len(g.Draws) == 0 && c.Grid.DrawCount > 0 {
		g.Draws = make([]int, c.Grid.DrawCount)
		for i := range g.Draws {
			g.Draws[i] = i
		}
	}
	return g
}

// ImputeMap parses run.impute_map (TOML keys are strings) into location
// ids. A nil map means the built-in defaults; an explicit empty map
// disables imputation.
func (c Config) ImputeMap() (map[int64]int64, error) {
	if c.Run.ImputeMap == nil {
		return nil, nil
	}
	out := make(map[int64]int64, len(c.Run.ImputeMap))
	for k, v := range c.Run.ImputeMap {
		id, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("run.impute_map: bad location id %q", k)
		}
		out[id] = v
	}
	return out, nil
}
