package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/willibrandon/pgrab/internal/app"
)

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan [tables...]",
		Short: "Show what a sync would do without copying anything",
		Long: `Resolve the configuration, connect to both databases and print the partial
dependency tree together with each table's current remote predicate and
local/remote row counts. No rows are copied.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Tables = append(flags.Tables, args...)
			initLogging()

			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			return app.Plan(cmd.Context(), cfg, app.Options{Out: os.Stdout})
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&flags.Tables, "tables", "t", nil, "tables to plan (comma separated, repeatable)")
	f.StringSliceVarP(&flags.Groups, "groups", "g", nil, "table groups from the config file")
	f.StringSliceVarP(&flags.Exclude, "exclude", "e", nil, "tables to skip when planning everything")
	f.StringVarP(&flags.Schema, "schema", "S", "", "schema to plan (default public)")
	return cmd
}
