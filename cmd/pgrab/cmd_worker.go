package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/willibrandon/pgrab/internal/worker"
)

// newWorkerCmd creates the hidden worker subcommand the scheduler re-executes
// for every table. The job arrives as JSON on stdin; events go to stdout.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Sync a single table (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := worker.Run(cmd.Context(), os.Stdin, os.Stdout); err != nil {
				// The coordinator reads stderr into its error report.
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			return nil
		},
	}
}
