// Command epirake rakes district-level malaria and dengue burden estimates
// to forecasting envelope totals.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgPath     string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "epirake",
	Short: "Hierarchical raking for vector-borne disease burden estimates",
	Long: `epirake scales district (admin-2) draw files so they aggregate to the
forecasting envelope totals, draw by draw, for malaria and dengue across
climate scenarios and measures.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "epirake.toml", "path to the TOML config file")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus /metrics on this address during a run (overrides config)")

	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(rakeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
