package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"

	"github.com/willibrandon/pgrab/internal/bookmark"
	"github.com/willibrandon/pgrab/internal/catalog"
	"github.com/willibrandon/pgrab/internal/config"
	"github.com/willibrandon/pgrab/internal/db"
	"github.com/willibrandon/pgrab/internal/logger"
	"github.com/willibrandon/pgrab/internal/mergecopy"
	"github.com/willibrandon/pgrab/internal/scheduler"
	"github.com/willibrandon/pgrab/internal/schemasync"
	"github.com/willibrandon/pgrab/internal/watch"
	"github.com/willibrandon/pgrab/internal/worker"
)

func (s *session) runTableSync(ctx context.Context) error {
	launcher := s.opts.Launcher
	if launcher == nil {
		l, err := worker.NewExecLauncher()
		if err != nil {
			return runtimeError(err)
		}
		launcher = l
	}

	recorder := openRecorder(ctx, s.cfg, s.runID, len(s.targets))
	defer recorder.Close()

	reporter := scheduler.NewReporter(s.opts.Out, len(s.targets))
	sched := scheduler.New(scheduler.Options{
		RunID:       s.runID,
		Config:      s.cfg,
		Metadata:    s.metadata,
		Concurrency: s.cfg.MaxWorkers,
	}, launcher, s.counter(), s.predicates(), reporter)

	summary, err := sched.Run(ctx, s.targets)
	reporter.Stop()
	recorder.Finish(ctx, summary, err)
	if err != nil {
		return runtimeError(err)
	}

	fmt.Fprintf(s.opts.Out, "Synced %d tables, %d already up to date\n", len(summary.Synced()), summary.Skipped())
	if s.cfg.Metrics {
		scheduler.PrintMetrics(s.opts.Out, summary, MetricsLimit)
	}
	return nil
}

func (s *session) runSchemaSync(ctx context.Context) error {
	extensions, err := db.Extensions(ctx, s.pools.Remote)
	if err != nil {
		return connectivityError(&db.SourceError{Source: db.Remote, Err: err})
	}

	opts := schemasync.Options{
		Local:            s.cfg.Local,
		Remote:           s.cfg.Remote,
		Schema:           s.cfg.Schema,
		Targets:          s.targets,
		RemoteTables:     s.remoteTables,
		RemoteExtensions: extensions,
	}
	if opts.Full() {
		// dropdb refuses while this process holds a session.
		s.pools.Local.Close()
		s.pools.Local = nil
		fmt.Fprintf(s.opts.Out, "Recreating local database and restoring schema %q\n", s.cfg.Schema)
	} else {
		fmt.Fprintf(s.opts.Out, "Restoring %d tables of schema %q\n", len(s.targets), s.cfg.Schema)
	}

	if err := schemasync.New(s.opts.Tools).Sync(ctx, opts); err != nil {
		return runtimeError(fmt.Errorf("schema sync: %w", err))
	}
	fmt.Fprintln(s.opts.Out, color.GreenString("Schema synced"))
	return nil
}

func (s *session) runWatch(ctx context.Context) error {
	resolver := s.predicates()
	engine := mergecopy.New(mergecopy.Config{
		Local:            s.cfg.Local,
		Remote:           s.cfg.Remote,
		PsqlPath:         s.cfg.PsqlPath,
		Schema:           s.cfg.Schema,
		StatementTimeout: s.cfg.StatementTimeout,
		WithStatements:   s.cfg.WithStatements,
	}, resolver)

	w := watch.New(watch.Options{
		Schema:           s.cfg.Schema,
		Interval:         s.cfg.WatchInterval,
		StatementTimeout: s.cfg.StatementTimeout,
		Tables:           s.targets,
		Bookmarks:        s.cfg.Bookmarks,
		WithStatements:   s.cfg.WithStatements,
		Metadata:         s.metadata,
	}, engine, resolver, s.counter(), s.opts.Out)
	if err := w.Validate(); err != nil {
		return &Error{Kind: KindConfiguration, Err: err}
	}

	fmt.Fprintf(s.opts.Out, "Watching %d tables every %s (Ctrl-C to stop)\n", len(s.targets), s.cfg.WatchInterval)
	if err := w.Run(ctx); err != nil {
		return runtimeError(err)
	}
	return nil
}

// runInit writes a tables section derived from the remote catalog. Only the
// remote database needs to be reachable.
func (s *session) runInit(ctx context.Context) error {
	if s.cfg.HasTableSection {
		return &Error{Kind: KindConfiguration, Err: fmt.Errorf("%w: %s", config.ErrTablesConfigured, s.cfg.ConfigFile)}
	}
	if err := s.runSetup(ctx); err != nil {
		return err
	}

	remote, err := db.Connect(ctx, s.cfg.Remote, db.DefaultPoolOptions())
	if err == nil {
		if err = db.Probe(ctx, remote); err != nil {
			remote.Close()
		}
	}
	if err != nil {
		return connectivityError(&db.SourceError{Source: db.Remote, Err: err})
	}
	s.pools = &db.Pools{Remote: remote}

	if err := s.resolveTargets(ctx, true); err != nil {
		return err
	}

	tables := InitTables(s.metadata)
	if err := config.WriteTables(s.cfg.ConfigFile, tables); err != nil {
		if errors.Is(err, config.ErrTablesConfigured) {
			return &Error{Kind: KindConfiguration, Err: err}
		}
		return runtimeError(err)
	}

	withBookmark := 0
	for _, tc := range tables {
		if tc.Bookmark != "" {
			withBookmark++
		}
	}
	logger.Info("run.init_written", "tables", len(tables), "bookmarked", withBookmark)
	fmt.Fprintf(s.opts.Out, "Wrote %d tables (%d with a bookmark) to %s\n", len(tables), withBookmark, s.cfg.ConfigFile)
	return nil
}

// InitTables picks a bookmark for every table from its columns.
func InitTables(metadata catalog.Metadata) map[string]config.TableConfig {
	tables := make(map[string]config.TableConfig, len(metadata))
	for name, meta := range metadata {
		tables[name] = config.TableConfig{Bookmark: bookmark.Choose(meta.Columns)}
	}
	return tables
}
