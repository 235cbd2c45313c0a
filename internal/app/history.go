package app

import (
	"context"
	"time"

	"github.com/willibrandon/pgrab/internal/config"
	"github.com/willibrandon/pgrab/internal/logger"
	"github.com/willibrandon/pgrab/internal/scheduler"
	"github.com/willibrandon/pgrab/internal/storage/sqlite"
)

// recorder writes run outcomes to the history store. History is best effort:
// a store that cannot be opened or written is logged and ignored.
type recorder struct {
	runID string
	db    *sqlite.DB
	store *sqlite.HistoryStore
}

func openRecorder(ctx context.Context, cfg *config.Config, runID string, tables int) *recorder {
	r := &recorder{runID: runID}
	if !cfg.History.Enabled {
		return r
	}

	db, err := sqlite.Open(cfg.History.Path)
	if err != nil {
		logger.Warn("history.open_failed", "path", cfg.History.Path, "error", err)
		return r
	}
	store := sqlite.NewHistoryStore(db)
	if err := store.StartRun(ctx, runID, string(cfg.Mode), tables, time.Now()); err != nil {
		logger.Warn("history.start_failed", "error", err)
		db.Close()
		return r
	}
	r.db, r.store = db, store
	return r
}

func (r *recorder) Finish(ctx context.Context, summary *scheduler.Summary, runErr error) {
	if r.store == nil {
		return
	}
	// An interrupted run is still recorded.
	ctx = context.WithoutCancel(ctx)
	if summary != nil {
		for _, res := range summary.Results {
			rec := sqlite.TableRecord{
				RunID:      r.runID,
				Table:      res.Table,
				Rows:       res.Rows,
				RemoteRows: res.RemoteRows,
				Duration:   res.Elapsed,
				Skipped:    res.Skipped,
			}
			if res.Err != nil {
				rec.Error = res.Err.Error()
			}
			if err := r.store.Record(ctx, rec); err != nil {
				logger.Warn("history.record_failed", "table", res.Table, "error", err)
			}
		}
	}
	if err := r.store.FinishRun(ctx, r.runID, time.Now(), runErr); err != nil {
		logger.Warn("history.finish_failed", "error", err)
	}
	if err := r.store.Prune(ctx, sqlite.DefaultRetainedRuns); err != nil {
		logger.Debug("history.prune_failed", "error", err)
	}
}

func (r *recorder) Close() {
	if r.db != nil {
		r.db.Close()
	}
}
