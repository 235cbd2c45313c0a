// Package watch repeatedly pulls the newest rows of bookmarked tables.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/willibrandon/pgrab/internal/catalog"
	"github.com/willibrandon/pgrab/internal/db"
	"github.com/willibrandon/pgrab/internal/logger"
	"github.com/willibrandon/pgrab/internal/mergecopy"
	"github.com/willibrandon/pgrab/internal/sqlbuild"
)

// MaxRowsPerFetch caps each table's extraction per iteration.
const MaxRowsPerFetch = 1000

// ErrNoBookmark is returned when a watched table has no bookmark column.
var ErrNoBookmark = errors.New("watched table has no bookmark column")

// Copier runs one merge-copy with an explicit extraction program.
type Copier interface {
	Run(ctx context.Context, meta catalog.TableMetadata, override string) (int64, error)
}

// Predicator yields a table's current remote WHERE clause.
type Predicator interface {
	RemoteWhereClause(ctx context.Context, table string) (string, error)
}

// RowCounter counts rows on one side under a predicate.
type RowCounter interface {
	Count(ctx context.Context, source db.Source, table, where string) (int64, error)
}

// Options configures a Watcher.
type Options struct {
	Schema           string
	Interval         time.Duration
	StatementTimeout time.Duration
	Tables           []string
	Bookmarks        map[string]string
	WithStatements   map[string]string
	Metadata         catalog.Metadata
}

// Watcher runs the watch loop.
type Watcher struct {
	opts       Options
	copier     Copier
	predicates Predicator
	counter    RowCounter
	out        io.Writer

	mu      sync.Mutex
	pulled  map[string]int64
	pending map[string]int64
}

// New creates a Watcher that prints a status line per table to out after
// every iteration.
func New(opts Options, copier Copier, predicates Predicator, counter RowCounter, out io.Writer) *Watcher {
	if opts.StatementTimeout <= 0 {
		opts.StatementTimeout = mergecopy.DefaultStatementTimeout
	}
	return &Watcher{
		opts:       opts,
		copier:     copier,
		predicates: predicates,
		counter:    counter,
		out:        out,
		pulled:     make(map[string]int64),
		pending:    make(map[string]int64),
	}
}

// Validate checks that every table has a bookmark.
func (w *Watcher) Validate() error {
	for _, t := range w.opts.Tables {
		if w.opts.Bookmarks[t] == "" {
			return fmt.Errorf("%w: %s", ErrNoBookmark, t)
		}
	}
	return nil
}

// Run loops until ctx is cancelled. Cancellation is a clean exit.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Validate(); err != nil {
		return err
	}

	for iteration := 1; ; iteration++ {
		if err := w.Iterate(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		w.Print(iteration)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.opts.Interval):
		}
	}
}

// Iterate pulls every table once, concurrently.
func (w *Watcher) Iterate(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, table := range w.opts.Tables {
		table := table
		g.Go(func() error { return w.pull(ctx, table) })
	}
	return g.Wait()
}

func (w *Watcher) pull(ctx context.Context, table string) error {
	meta, ok := w.opts.Metadata[table]
	if !ok {
		return fmt.Errorf("%w: %s", catalog.ErrTableNotFound, table)
	}
	where, err := w.predicates.RemoteWhereClause(ctx, table)
	if err != nil {
		return err
	}
	pending, err := w.counter.Count(ctx, db.Remote, table, where)
	if err != nil {
		return err
	}

	var rows int64
	if pending > 0 {
		program := ExtractProgram(w.opts.Schema, table, w.opts.StatementTimeout,
			w.opts.WithStatements[table], where, w.opts.Bookmarks[table])
		rows, err = w.copier.Run(ctx, meta, program)
		if err != nil {
			return err
		}
	}

	w.mu.Lock()
	w.pulled[table] += rows
	w.pending[table] = max(pending-rows, 0)
	w.mu.Unlock()

	logger.Debug("watch.pulled", "table", table, "rows", rows, "pending", pending)
	return nil
}

// Pulled returns the running total of rows pulled for a table.
func (w *Watcher) Pulled(table string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pulled[table]
}

// Print writes one status line per table.
func (w *Watcher) Print(iteration int) {
	if w.out == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	tables := append([]string(nil), w.opts.Tables...)
	sort.Strings(tables)
	fmt.Fprintf(w.out, "%s iteration %d\n", color.HiBlackString(time.Now().Format(time.TimeOnly)), iteration)
	for _, t := range tables {
		line := fmt.Sprintf("  %s pulled %s total", color.BlueString(t), color.GreenString(humanize.Comma(w.pulled[t])))
		if n := w.pending[t]; n > 0 {
			line += fmt.Sprintf(", %s still pending", humanize.Comma(n))
		}
		fmt.Fprintln(w.out, line)
	}
}

// ExtractProgram builds the capped, newest-first extraction used by watch.
func ExtractProgram(schema, table string, timeout time.Duration, withStatement, where, bookmark string) string {
	tail := sqlbuild.Join(where, "ORDER BY", sqlbuild.Ident(bookmark), "DESC NULLS LAST", fmt.Sprintf("LIMIT %d", MaxRowsPerFetch))
	return mergecopy.ExtractProgram(schema, table, timeout, withStatement, tail)
}
