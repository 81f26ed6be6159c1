package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandboxws/strata/pkg/connectors"
	"github.com/sandboxws/strata/pkg/table"
)

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List the committed versions of the pipeline's table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closeLog, err := setup(cmd)
			if err != nil {
				return err
			}
			defer closeLog()

			tbl, log, err := openTable(cmd.Context(), cfg.Table, logger)
			if err != nil {
				return err
			}
			defer log.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tBATCH\tOPERATION\tFILES\tROWS\tCOMMITTED")
			for _, v := range tbl.History() {
				fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%s\n",
					v.Version, v.BatchID, v.Operation, len(v.Files), v.Rows(),
					v.CommitTime.UTC().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func readCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Print the rows of a table version",
		Long: `Print the rows of a table version. Without --version the head is read.

Example:
  strata read --config pipeline.yaml --version 3
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closeLog, err := setup(cmd)
			if err != nil {
				return err
			}
			defer closeLog()

			tbl, log, err := openTable(cmd.Context(), cfg.Table, logger)
			if err != nil {
				return err
			}
			defer log.Close()

			version, _ := cmd.Flags().GetInt64("version")
			limit, _ := cmd.Flags().GetInt("limit")
			ds, err := tbl.Read(cmd.Context(), version)
			if err != nil {
				return err
			}
			v, err := tbl.Version(ds.Version)
			if err != nil {
				return err
			}

			console := connectors.NewConsole(limit)
			console.SetWriter(cmd.OutOrStdout())
			return console.WriteCommitted(cmd.Context(), connectors.Committed{
				Table:   tbl.Name(),
				Version: ds.Version,
				BatchID: v.BatchID,
				Schema:  ds.Schema,
				Rows:    ds.Rows,
			})
		},
	}
	cmd.Flags().Int64("version", table.Latest, "version to read (default: head)")
	cmd.Flags().Int("limit", 50, "maximum rows to print, 0 for all")
	return cmd
}
