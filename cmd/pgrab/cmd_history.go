package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/willibrandon/pgrab/internal/config"
	"github.com/willibrandon/pgrab/internal/storage/sqlite"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit int
		runID string
		path  string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent sync runs",
		Long: `List recent runs recorded in the sync history store. History is written
when history.enabled is set in .pgrab.yaml.

Use --run to show the per-table outcome of one run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = config.DefaultHistoryPath()
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("no sync history at %s (enable history.enabled in .pgrab.yaml)", path)
			}

			db, err := sqlite.Open(path)
			if err != nil {
				return err
			}
			defer db.Close()
			store := sqlite.NewHistoryStore(db)

			if runID != "" {
				records, err := store.TablesForRun(cmd.Context(), runID)
				if err != nil {
					return err
				}
				printRecords(os.Stdout, records)
				return nil
			}

			runs, err := store.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printRuns(os.Stdout, runs)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	cmd.Flags().StringVar(&runID, "run", "", "show tables of one run")
	cmd.Flags().StringVar(&path, "path", "", "history database path (default ~/.config/pgrab/history.db)")
	return cmd
}

func printRuns(w io.Writer, runs []sqlite.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "(no runs)")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Run", "Mode", "Started", "Duration", "Tables", "Error"})
	for _, r := range runs {
		duration := "running"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		t.AppendRow(table.Row{r.ID, r.Mode, humanize.Time(r.StartedAt), duration, r.Tables, r.Error})
	}
	t.Render()
}

func printRecords(w io.Writer, records []sqlite.TableRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "(no tables)")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Table", "Rows", "Remote rows", "Seconds", "Status"})
	for _, r := range records {
		status := "synced"
		switch {
		case r.Error != "":
			status = "failed: " + r.Error
		case r.Skipped:
			status = "up to date"
		}
		t.AppendRow(table.Row{r.Table, humanize.Comma(r.Rows), humanize.Comma(r.RemoteRows),
			fmt.Sprintf("%.2f", r.Duration.Seconds()), status})
	}
	t.Render()
}
