// Package app runs one pgrab invocation: the initialization phase followed
// by the behaviour selected by the configured mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/willibrandon/pgrab/internal/bookmark"
	"github.com/willibrandon/pgrab/internal/catalog"
	"github.com/willibrandon/pgrab/internal/config"
	"github.com/willibrandon/pgrab/internal/db"
	"github.com/willibrandon/pgrab/internal/logger"
	"github.com/willibrandon/pgrab/internal/scheduler"
	"github.com/willibrandon/pgrab/internal/schemasync"
)

// MetricsLimit is how many tables --metrics lists.
const MetricsLimit = 5

// Options carries the collaborators of a run. Zero values use the defaults.
type Options struct {
	Out      io.Writer
	Launcher scheduler.Launcher
	Tools    schemasync.Tools
}

// session is the state shared by the phases of one run. It is populated by
// prepare before any table is dispatched and read-only afterwards.
type session struct {
	cfg   *config.Config
	opts  Options
	runID string

	pools        *db.Pools
	remoteTables []string
	targets      []string
	metadata     catalog.Metadata
}

// Run executes cfg.Mode.
func Run(ctx context.Context, cfg *config.Config, opts Options) error {
	began := time.Now()
	s := &session{cfg: cfg, opts: opts, runID: uuid.NewString()}
	if s.opts.Out == nil {
		s.opts.Out = io.Discard
	}
	defer s.close()

	logger.Info("run.started", "run_id", s.runID, "mode", cfg.Mode, "config", cfg.ConfigFile)

	var err error
	switch cfg.Mode {
	case config.ModeInit:
		err = s.runInit(ctx)
	case config.ModeSchemaOnly:
		if err = s.prepare(ctx); err == nil {
			err = s.runSchemaSync(ctx)
		}
	case config.ModeWatch:
		if err = s.prepare(ctx); err == nil {
			err = s.runWatch(ctx)
		}
	case config.ModeTableSync:
		if err = s.prepare(ctx); err == nil {
			err = s.runTableSync(ctx)
		}
	default:
		err = configError("unknown mode %q", cfg.Mode)
	}

	elapsed := time.Since(began).Round(time.Millisecond)
	logger.Info("run.finished", "run_id", s.runID, "elapsed", elapsed, "error", err)
	if err == nil {
		fmt.Fprintf(s.opts.Out, "Finished in %s\n", color.GreenString(elapsed.String()))
	}
	if warns, errs := logger.GetCounts(); warns+errs > 0 && logger.LogPath != "" {
		fmt.Fprintf(s.opts.Out, "%d warnings and %d errors written to %s\n", warns, errs, logger.LogPath)
	}
	return err
}

func (s *session) close() {
	if s.pools != nil {
		s.pools.Close()
	}
}

// prepare runs the initialization phase. Every configuration and
// connectivity problem is reported from here, before any table is touched.
func (s *session) prepare(ctx context.Context) error {
	if err := s.runSetup(ctx); err != nil {
		return err
	}

	pools, err := db.ConnectBoth(ctx, s.cfg.Local, s.cfg.Remote, db.DefaultPoolOptions())
	if err != nil {
		return connectivityError(err)
	}
	s.pools = pools

	if err := s.resolveTargets(ctx, s.cfg.Mode == config.ModeSchemaOnly); err != nil {
		return err
	}
	if s.cfg.Mode == config.ModeSchemaOnly {
		return nil
	}

	if err := bookmark.Validate(s.metadata, s.cfg.Bookmarks, s.targets); err != nil {
		return &Error{Kind: KindConfiguration, Err: err}
	}

	local, err := db.TableNames(ctx, s.pools.Local, s.cfg.Schema)
	if err != nil {
		return connectivityError(&db.SourceError{Source: db.Local, Err: err})
	}
	if missing := difference(s.targets, local); len(missing) > 0 {
		return configError("tables missing locally: %s (tip: run pgrab --schema-only first)", strings.Join(missing, ", "))
	}

	if s.cfg.Truncate && s.cfg.Mode == config.ModeTableSync {
		logger.Info("run.truncate", "run_id", s.runID, "tables", len(s.targets))
		fmt.Fprintf(s.opts.Out, "Truncating %d tables\n", len(s.targets))
		if err := db.Truncate(ctx, s.pools.Local, s.cfg.Schema, s.targets); err != nil {
			return runtimeError(fmt.Errorf("truncate: %w", err))
		}
	}
	return nil
}

// resolveTargets lists remote tables, checks the selection against them and
// fetches metadata for every target.
func (s *session) resolveTargets(ctx context.Context, includeExcluded bool) error {
	remote, err := db.TableNames(ctx, s.pools.Remote, s.cfg.Schema)
	if err != nil {
		return connectivityError(&db.SourceError{Source: db.Remote, Err: err})
	}
	s.remoteTables = remote

	targets, missing := s.cfg.ResolveTargets(remote, includeExcluded)
	if len(missing) > 0 {
		return configError("tables not found in remote schema %q: %s", s.cfg.Schema, strings.Join(missing, ", "))
	}
	if len(targets) == 0 {
		return configError("no tables to sync in schema %q", s.cfg.Schema)
	}
	s.targets = targets

	metadata, err := catalog.NewProvider(s.pools.Remote, s.cfg.Schema).FetchAll(ctx, targets)
	if err != nil {
		if errors.Is(err, catalog.ErrTableNotFound) {
			return &Error{Kind: KindConfiguration, Err: err}
		}
		return runtimeError(fmt.Errorf("fetch table metadata: %w", err))
	}
	s.metadata = metadata
	return nil
}

func (s *session) runSetup(ctx context.Context) error {
	if s.cfg.Setup == "" {
		return nil
	}
	logger.Info("run.setup", "command", s.cfg.Setup)
	out, err := exec.CommandContext(ctx, "sh", "-c", s.cfg.Setup).CombinedOutput()
	if err != nil {
		return &Error{Kind: KindConfiguration, Err: errors.New(FormatSetupError(err, s.cfg.Setup))}
	}
	logger.Debug("run.setup_output", "output", strings.TrimSpace(string(out)))
	return nil
}

func (s *session) predicates() *bookmark.Resolver {
	return bookmark.NewResolver(s.pools.Local, s.cfg.Schema, s.metadata, s.cfg.Bookmarks, s.cfg.Partials)
}

func (s *session) counter() db.PoolCounter {
	return db.PoolCounter{
		Pools:   s.pools,
		Counter: db.Counter{Schema: s.cfg.Schema, WithStatements: s.cfg.WithStatements},
	}
}

// difference returns the members of a missing from b.
func difference(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := set[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}
