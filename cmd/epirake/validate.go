package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/epirake/hierarchy"
	"github.com/dshills/epirake/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration, hierarchy, and input layout",
	Long: `Dry-runs a launch: loads and validates the config, parses the location
hierarchy, and checks that every task in the grid resolves to an existing
envelope file and target draw file. Nothing is executed or written.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "config %s: ok\n", cfgPath)

	hier, err := hierarchy.Load(cfg.Paths.HierarchyFile)
	if err != nil {
		return err
	}
	level := cfg.Run.AdminLevel
	if level == 0 {
		level = hierarchy.AdminTwoLevel
	}
	atLevel := len(hier.AtLevel(level))
	fmt.Fprintf(out, "hierarchy %s: %d locations, %d at level %d\n",
		cfg.Paths.HierarchyFile, hier.Len(), atLevel, level)
	if atLevel == 0 {
		return fmt.Errorf("hierarchy has no locations at level %d", level)
	}

	layout := cfg.Layout()
	grid := cfg.WorkflowGrid()
	var missing int
	checked := make(map[string]bool)
	for _, task := range grid.ExpandTasks() {
		for _, resolve := range []func() (string, error){
			func() (string, error) { return layout.EnvelopePath(task) },
			func() (string, error) { return layout.TargetPath(task) },
		} {
			path, err := resolve()
			if err != nil {
				return err
			}
			if checked[path] {
				continue
			}
			checked[path] = true
			if _, err := os.Stat(path); err != nil {
				fmt.Fprintf(out, "missing: %s\n", path)
				missing++
			}
		}
	}
	if missing > 0 {
		return fmt.Errorf("%d input files missing of %d checked", missing, len(checked))
	}
	fmt.Fprintf(out, "layout: %d input files present for %d tasks\n", len(checked), grid.Size())
	return nil
}
