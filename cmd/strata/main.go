// Command strata runs micro-batch streaming pipelines described by a YAML
// config file and inspects the versioned tables they write.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Strata is a micro-batch stream processing engine",
	Long: `Strata is a micro-batch stream processing engine.

A pipeline polls a source on a fixed trigger, runs stateless transforms and
an optional keyed aggregate over hash partitions, and commits each batch as
one version of a transactional table.
`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "pipeline config file (YAML)")
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(readCmd())
	rootCmd.AddCommand(produceCmd())
}
