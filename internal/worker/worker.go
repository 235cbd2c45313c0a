package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/willibrandon/pgrab/internal/bookmark"
	"github.com/willibrandon/pgrab/internal/catalog"
	"github.com/willibrandon/pgrab/internal/db"
	"github.com/willibrandon/pgrab/internal/logger"
	"github.com/willibrandon/pgrab/internal/mergecopy"
)

// Stream is a running merge-copy as seen by the worker.
type Stream interface {
	Rows() int64
	Done() <-chan struct{}
	Wait() error
}

// StartFunc starts the merge-copy for one table.
type StartFunc func(ctx context.Context, meta catalog.TableMetadata) (Stream, error)

// Run reads a Job from stdin, executes it, and reports on stdout.
// Logging goes to the log file only; stderr must stay empty.
func Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	var job Job
	if err := json.NewDecoder(stdin).Decode(&job); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrInvalidJob, err)
	}
	if err := job.Validate(); err != nil {
		return err
	}

	level := logger.LevelInfo
	if job.Config.Debug {
		level = logger.LevelDebug
	}
	logger.Init(logger.Options{
		Level: level,
		Path:  job.Config.LogPath,
		Attrs: []any{"run_id", job.RunID, "table", job.Table, "role", "worker"},
	})
	defer logger.Close()

	opts := db.DefaultPoolOptions()
	opts.MaxConns = 2
	local, err := db.Connect(ctx, job.Config.Local, opts)
	if err != nil {
		logger.Error("worker.connect_failed", "error", err)
		return fmt.Errorf("connect local: %w", err)
	}
	defer local.Close()

	cfg := job.Config
	resolver := bookmark.NewResolver(local, cfg.Schema, job.Tables, cfg.Bookmarks, cfg.Partials)
	engine := mergecopy.New(mergecopy.Config{
		Local:            cfg.Local,
		Remote:           cfg.Remote,
		PsqlPath:         cfg.PsqlPath,
		Schema:           cfg.Schema,
		StatementTimeout: cfg.StatementTimeout,
		WithStatements:   cfg.WithStatements,
	}, resolver)

	start := func(ctx context.Context, meta catalog.TableMetadata) (Stream, error) {
		h, err := engine.MergeCopy(ctx, meta, "")
		if err != nil {
			return nil, err
		}
		return h, nil
	}

	began := time.Now()
	rows, err := Serve(ctx, job, start, stdout)
	if err != nil {
		logger.Error("worker.failed", "error", err, "elapsed", time.Since(began))
		return err
	}
	logger.Info("worker.completed", "rows", rows, "elapsed", time.Since(began))
	return nil
}

// Serve runs the job's merge-copy and writes progress events to w until it
// finishes. A done event is written only on success.
func Serve(ctx context.Context, job Job, start StartFunc, w io.Writer) (int64, error) {
	if err := job.Validate(); err != nil {
		return 0, err
	}
	stream, err := start(ctx, job.Tables[job.Table])
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	ticker := time.NewTicker(ProgressInterval)
	defer ticker.Stop()

	var reported int64 = -1
	for {
		select {
		case <-ticker.C:
			if n := stream.Rows(); n != reported {
				if err := enc.Encode(Event{Type: EventProgress, Rows: n}); err != nil {
					return n, fmt.Errorf("write progress: %w", err)
				}
				reported = n
			}
		case <-stream.Done():
			rows := stream.Rows()
			if err := stream.Wait(); err != nil {
				return rows, err
			}
			if err := enc.Encode(Event{Type: EventDone, Rows: rows}); err != nil {
				return rows, fmt.Errorf("write done: %w", err)
			}
			return rows, nil
		}
	}
}
