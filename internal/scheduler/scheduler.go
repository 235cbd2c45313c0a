// Package scheduler dispatches table syncs to worker processes with bounded
// concurrency.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/willibrandon/pgrab/internal/catalog"
	"github.com/willibrandon/pgrab/internal/config"
	"github.com/willibrandon/pgrab/internal/db"
	"github.com/willibrandon/pgrab/internal/logger"
	"github.com/willibrandon/pgrab/internal/worker"
)

// DefaultPollDelay is the scheduler loop's sleep between scans.
const DefaultPollDelay = 5 * time.Millisecond

// ErrWorkerFailed is returned when any table sync fails.
var ErrWorkerFailed = errors.New("table sync failed")

// Launcher starts a worker for one job.
type Launcher interface {
	Launch(ctx context.Context, job worker.Job) (worker.Process, error)
}

// RowCounter counts rows on one side under a predicate.
type RowCounter interface {
	Count(ctx context.Context, source db.Source, table, where string) (int64, error)
}

// Predicator yields a table's current remote WHERE clause.
type Predicator interface {
	RemoteWhereClause(ctx context.Context, table string) (string, error)
}

// Result is the outcome of one table.
type Result struct {
	Table      string
	Slot       int
	Skipped    bool
	LocalRows  int64
	RemoteRows int64
	// Rows is what the worker reported streaming.
	Rows    int64
	Elapsed time.Duration
	Err     error
}

// Options configures a Scheduler.
type Options struct {
	RunID       string
	Config      *config.Config
	Metadata    catalog.Metadata
	Concurrency int
	PollDelay   time.Duration
}

// Scheduler runs table syncs.
type Scheduler struct {
	opts       Options
	launcher   Launcher
	counter    RowCounter
	predicates Predicator
	reporter   Reporter
}

// New creates a Scheduler. A nil reporter discards progress.
func New(opts Options, launcher Launcher, counter RowCounter, predicates Predicator, reporter Reporter) *Scheduler {
	if opts.PollDelay <= 0 {
		opts.PollDelay = DefaultPollDelay
	}
	if reporter == nil {
		reporter = nopReporter{}
	}
	return &Scheduler{
		opts:       opts,
		launcher:   launcher,
		counter:    counter,
		predicates: predicates,
		reporter:   reporter,
	}
}

// Run syncs every table and returns once all dispatched work has finished.
// The first failure stops further dispatch, cancels in-flight workers, and is
// returned wrapped in ErrWorkerFailed.
func (s *Scheduler) Run(ctx context.Context, tables []string) (*Summary, error) {
	began := time.Now()
	summary := &Summary{}
	if len(tables) == 0 {
		return summary, nil
	}

	n := max(min(s.opts.Concurrency, len(tables)), 1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := slices.Clone(tables)
	slots := make([]int, n)
	for i := range slots {
		slots[i] = i
	}
	done := make(chan Result, n)

	var failure error
	for len(queue) > 0 || len(slots) < n {
		if failure == nil && ctx.Err() != nil {
			failure = ctx.Err()
		}
		if failure == nil && len(queue) > 0 && len(slots) > 0 {
			table := queue[0]
			queue = queue[1:]
			slot := slots[len(slots)-1]
			slots = slots[:len(slots)-1]
			go func() { done <- s.dispatch(ctx, table, slot) }()
			continue
		}
		if failure != nil && len(slots) == n {
			break
		}

		select {
		case r := <-done:
			slots = append(slots, r.Slot)
			summary.add(r)
			if r.Err != nil && failure == nil {
				failure = fmt.Errorf("%w: %s: %w", ErrWorkerFailed, r.Table, r.Err)
				logger.Error("sync.table_failed", "run_id", s.opts.RunID, "table", r.Table, "error", r.Err)
				s.reporter.Failed(r.Table, r.Err)
				cancel()
			}
		case <-time.After(s.opts.PollDelay):
		}
	}

	summary.Elapsed = time.Since(began)
	logger.Info("sync.run_completed", "run_id", s.opts.RunID,
		"tables", len(summary.Results), "skipped", summary.Skipped(), "elapsed", summary.Elapsed)
	return summary, failure
}

func (s *Scheduler) dispatch(ctx context.Context, table string, slot int) (r Result) {
	began := time.Now()
	r = Result{Table: table, Slot: slot}
	defer func() { r.Elapsed = time.Since(began) }()

	where, err := s.predicates.RemoteWhereClause(ctx, table)
	if err != nil {
		r.Err = err
		return r
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.counter.Count(gctx, db.Local, table, where)
		r.LocalRows = n
		return err
	})
	g.Go(func() error {
		n, err := s.counter.Count(gctx, db.Remote, table, where)
		r.RemoteRows = n
		return err
	})
	if err := g.Wait(); err != nil {
		r.Err = err
		return r
	}

	if r.LocalRows >= r.RemoteRows {
		r.Skipped = true
		logger.Info("sync.table_skipped", "run_id", s.opts.RunID, "table", table,
			"local_rows", r.LocalRows, "remote_rows", r.RemoteRows)
		s.reporter.Skipped(table, r.LocalRows, r.RemoteRows)
		return r
	}

	logger.Info("sync.table_started", "run_id", s.opts.RunID, "table", table,
		"slot", slot, "remote_rows", r.RemoteRows, "where", where)
	s.reporter.Started(table, r.RemoteRows)

	proc, err := s.launcher.Launch(ctx, worker.Job{
		RunID:  s.opts.RunID,
		Config: s.opts.Config,
		Tables: s.opts.Metadata,
		Table:  table,
	})
	if err != nil {
		r.Err = err
		return r
	}
	for ev := range proc.Events() {
		r.Rows = ev.Rows
		s.reporter.Progress(table, ev.Rows)
	}
	if err := proc.Wait(); err != nil {
		r.Err = err
		return r
	}

	elapsed := time.Since(began)
	logger.Info("sync.table_completed", "run_id", s.opts.RunID, "table", table,
		"rows", r.Rows, "elapsed", elapsed)
	s.reporter.Completed(table, r.Rows, elapsed)
	return r
}

// Summary aggregates the results of a run.
type Summary struct {
	Results []Result
	Elapsed time.Duration
}

func (s *Summary) add(r Result) {
	s.Results = append(s.Results, r)
}

// Skipped counts tables that needed no copy.
func (s *Summary) Skipped() int {
	n := 0
	for _, r := range s.Results {
		if r.Skipped {
			n++
		}
	}
	return n
}

// Synced returns the tables that were copied successfully.
func (s *Summary) Synced() []Result {
	var out []Result
	for _, r := range s.Results {
		if !r.Skipped && r.Err == nil {
			out = append(out, r)
		}
	}
	return out
}

// Slowest returns up to n synced tables ordered by elapsed time, slowest first.
func (s *Summary) Slowest(n int) []Result {
	out := s.Synced()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Elapsed > out[j].Elapsed })
	if len(out) > n {
		out = out[:n]
	}
	return out
}
