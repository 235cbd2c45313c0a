package app

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/xlab/treeprint"
	"golang.org/x/sync/errgroup"

	"github.com/willibrandon/pgrab/internal/config"
	"github.com/willibrandon/pgrab/internal/db"
	"github.com/willibrandon/pgrab/internal/partial"
)

// TablePlan is what a table sync would do right now.
type TablePlan struct {
	Table         string
	Bookmark      string
	Where         string
	WithStatement string
	LocalRows     int64
	RemoteRows    int64
}

// Skip reports whether the scheduler would skip the table.
func (p TablePlan) Skip() bool { return p.LocalRows >= p.RemoteRows }

// Plan runs the initialization phase without side effects and prints the
// partial dependency tree and each table's predicate and counts.
func Plan(ctx context.Context, cfg *config.Config, opts Options) error {
	dry := *cfg
	dry.Mode = config.ModeTableSync
	dry.Truncate = false

	s := &session{cfg: &dry, opts: opts}
	if s.opts.Out == nil {
		s.opts.Out = io.Discard
	}
	defer s.close()

	if err := s.prepare(ctx); err != nil {
		return err
	}

	if tree := DependencyTree(cfg.Dependencies); tree != "" {
		fmt.Fprintln(s.opts.Out, tree)
	}

	plans, err := s.tablePlans(ctx)
	if err != nil {
		return runtimeError(err)
	}
	for _, p := range plans {
		status := color.YellowString("sync")
		if p.Skip() {
			status = color.HiBlackString("skip")
		}
		fmt.Fprintf(s.opts.Out, "%s %s  local %s / remote %s\n", status, color.HiWhiteString(p.Table),
			humanize.Comma(p.LocalRows), humanize.Comma(p.RemoteRows))
		if p.WithStatement != "" {
			fmt.Fprintf(s.opts.Out, "    %s\n", p.WithStatement)
		}
		if p.Where != "" {
			fmt.Fprintf(s.opts.Out, "    %s\n", p.Where)
		}
	}
	return nil
}

func (s *session) tablePlans(ctx context.Context) ([]TablePlan, error) {
	predicates := s.predicates()
	counter := s.counter()

	plans := make([]TablePlan, len(s.targets))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.MaxWorkers, 1))
	for i, table := range s.targets {
		i, table := i, table
		g.Go(func() error {
			where, err := predicates.RemoteWhereClause(ctx, table)
			if err != nil {
				return err
			}
			local, err := counter.Count(ctx, db.Local, table, where)
			if err != nil {
				return err
			}
			remote, err := counter.Count(ctx, db.Remote, table, where)
			if err != nil {
				return err
			}
			plans[i] = TablePlan{
				Table:         table,
				Bookmark:      s.cfg.Bookmarks[table],
				Where:         where,
				WithStatement: s.cfg.WithStatements[table],
				LocalRows:     local,
				RemoteRows:    remote,
			}
			return nil
		})
	}
	return plans, g.Wait()
}

// DependencyTree renders the tables that have partial dependencies together
// with the CTE chain each one needs. It returns "" when nothing depends on
// anything.
func DependencyTree(order []partial.DependencyEntry) string {
	tree := treeprint.New()
	tree.SetValue("Partial dependencies")

	n := 0
	for _, entry := range order {
		if len(entry.Dependencies) == 0 {
			continue
		}
		branch := tree.AddBranch(entry.Table)
		for _, dep := range entry.Dependencies {
			branch.AddNode(dep)
		}
		n++
	}
	if n == 0 {
		return ""
	}
	return tree.String()
}
