package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/willibrandon/pgrab/internal/app"
	"github.com/willibrandon/pgrab/internal/config"
	"github.com/willibrandon/pgrab/internal/logger"
)

var (
	// Version info (set by ldflags)
	version = "dev"

	flags config.Flags
)

func main() {
	rootCmd := newRootCmd()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	logger.Close()

	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString(app.Describe(err)))
		os.Exit(app.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pgrab [tables...] [partial]",
		Short: "Copy rows from a remote PostgreSQL database into a local one",
		Long: `pgrab incrementally copies table data from a remote PostgreSQL database
(usually a read replica) into a local development database.

Each table is streamed with COPY into a temporary table and merged into the
live table, replacing rows that collide on any unique index. Tables with a
bookmark column only fetch rows newer than the local maximum, and partial
filters restrict which rows are fetched at all.

Configuration is read from .pgrab.yaml in the current directory or any parent.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Tables = append(flags.Tables, args...)
			return runSync(cmd.Context())
		},
	}

	f := rootCmd.Flags()
	f.StringArrayVarP(&flags.Tables, "tables", "t", nil, "tables to sync (comma separated, repeatable)")
	f.StringSliceVarP(&flags.Groups, "groups", "g", nil, "table groups from the config file")
	f.StringSliceVarP(&flags.Exclude, "exclude", "e", nil, "tables to skip when syncing everything")
	f.IntVarP(&flags.MaxWorkers, "max-workers", "m", 0, "maximum concurrent table syncs (default: number of CPUs)")
	f.StringVarP(&flags.Setup, "setup", "p", "", "shell command to run before connecting")
	f.StringVarP(&flags.Local, "local", "l", "", "local connection URI")
	f.StringVarP(&flags.Remote, "remote", "r", "", "remote connection URI")
	f.StringVarP(&flags.Schema, "schema", "S", "", "schema to sync (default public)")
	f.BoolVarP(&flags.Truncate, "truncate", "T", false, "truncate local tables before syncing")
	f.BoolVarP(&flags.Metrics, "metrics", "M", false, "print the slowest tables after syncing")
	f.BoolVarP(&flags.SchemaOnly, "schema-only", "s", false, "sync the schema instead of data")
	f.BoolVarP(&flags.Watch, "watch", "w", false, "keep pulling new rows of bookmarked tables")
	f.BoolVarP(&flags.Init, "init", "i", false, "write a tables section to the config file from the remote catalog")

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.ConfigPath, "config", "c", "", "config file path (default: nearest .pgrab.yaml)")
	pf.BoolVar(&flags.Debug, "debug", false, "enable debug logging")
	pf.StringVar(&flags.LogPath, "log-file", "", "log file path (default ~/.config/pgrab/pgrab.log)")

	rootCmd.AddCommand(
		newPlanCmd(),
		newHistoryCmd(),
		newWorkerCmd(),
	)
	return rootCmd
}

func initLogging() {
	level := logger.LevelInfo
	if flags.Debug {
		level = logger.LevelDebug
	}
	logger.Init(logger.Options{Level: level, Path: flags.LogPath})
	// Workers inherit the resolved path through the job config.
	flags.LogPath = logger.LogPath
	if flags.Debug {
		fmt.Fprintf(os.Stderr, "Debug mode: logs written to %s\n", logger.LogPath)
	}
}

// loadConfig loads the config and classifies failures as configuration errors.
func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx, flags)
	if err != nil {
		return nil, &app.Error{Kind: app.KindConfiguration, Err: err}
	}
	return cfg, nil
}

func runSync(ctx context.Context) error {
	initLogging()
	logger.Debug("pgrab starting", "version", version)

	if flags.Init {
		if created, err := ensureConfigFile(); err != nil || created {
			return err
		}
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	return app.Run(ctx, cfg, app.Options{Out: os.Stdout})
}

// ensureConfigFile writes a starter config when --init finds none. The user
// fills in the connections and runs --init again.
func ensureConfigFile() (bool, error) {
	if flags.ConfigPath != "" {
		return false, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return false, err
	}
	if _, err := config.FindConfigFile(wd); !errors.Is(err, config.ErrNoConfigFile) {
		return false, nil
	}

	path, err := config.WriteTemplate(wd)
	if err != nil {
		return false, &app.Error{Kind: app.KindConfiguration, Err: err}
	}
	fmt.Printf("Created %s\n", path)
	fmt.Println("Fill in the local and remote connections, then run pgrab --init again.")
	return true, nil
}
