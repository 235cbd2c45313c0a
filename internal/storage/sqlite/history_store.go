package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultRetainedRuns is how many runs Prune keeps.
const DefaultRetainedRuns = 500

// Run is one pgrab invocation.
type Run struct {
	ID         string
	Mode       string
	StartedAt  time.Time
	FinishedAt *time.Time
	Tables     int
	Error      string
}

// TableRecord is one table's outcome within a run.
type TableRecord struct {
	RunID      string
	Table      string
	Rows       int64
	RemoteRows int64
	Duration   time.Duration
	Skipped    bool
	Error      string
	RecordedAt time.Time
}

// HistoryStore records sync runs.
type HistoryStore struct {
	db *DB
}

// NewHistoryStore creates a new history store.
func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// StartRun inserts a run row.
func (s *HistoryStore) StartRun(ctx context.Context, runID, mode string, tables int, startedAt time.Time) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO sync_runs (run_id, mode, started_at, tables)
		VALUES (?, ?, ?, ?)
	`, runID, mode, startedAt, tables)
	if err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

// FinishRun marks a run finished, storing runErr if any.
func (s *HistoryStore) FinishRun(ctx context.Context, runID string, finishedAt time.Time, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE sync_runs SET finished_at = ?, error = ? WHERE run_id = ?
	`, finishedAt, msg, runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, sql.ErrNoRows)
	}
	return nil
}

// Record stores one table outcome.
func (s *HistoryStore) Record(ctx context.Context, rec TableRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO sync_history (run_id, table_name, rows, remote_rows, duration_ms, skipped, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RunID, rec.Table, rec.Rows, rec.RemoteRows, rec.Duration.Milliseconds(), rec.Skipped, rec.Error, rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("record %s: %w", rec.Table, err)
	}
	return nil
}

// RecentRuns returns the most recent runs, newest first.
func (s *HistoryStore) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT run_id, mode, started_at, finished_at, tables, error
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Mode, &r.StartedAt, &finished, &r.Tables, &r.Error); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// TablesForRun returns a run's table records, slowest first.
func (s *HistoryStore) TablesForRun(ctx context.Context, runID string) ([]TableRecord, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT run_id, table_name, rows, remote_rows, duration_ms, skipped, error, recorded_at
		FROM sync_history
		WHERE run_id = ?
		ORDER BY duration_ms DESC, table_name
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TableRecord
	for rows.Next() {
		var rec TableRecord
		var ms int64
		if err := rows.Scan(&rec.RunID, &rec.Table, &rec.Rows, &rec.RemoteRows, &ms, &rec.Skipped, &rec.Error, &rec.RecordedAt); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LastSync returns the most recent non-skipped, successful record for a table.
func (s *HistoryStore) LastSync(ctx context.Context, table string) (*TableRecord, error) {
	var rec TableRecord
	var ms int64
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT run_id, table_name, rows, remote_rows, duration_ms, skipped, error, recorded_at
		FROM sync_history
		WHERE table_name = ? AND skipped = 0 AND error = ''
		ORDER BY recorded_at DESC
		LIMIT 1
	`, table).Scan(&rec.RunID, &rec.Table, &rec.Rows, &rec.RemoteRows, &ms, &rec.Skipped, &rec.Error, &rec.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Duration = time.Duration(ms) * time.Millisecond
	return &rec, nil
}

// Prune keeps the newest keep runs. Table records of older runs go with them.
func (s *HistoryStore) Prune(ctx context.Context, keep int) error {
	if keep <= 0 {
		keep = DefaultRetainedRuns
	}
	return s.db.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM sync_runs WHERE run_id NOT IN (
				SELECT run_id FROM sync_runs ORDER BY started_at DESC LIMIT ?
			)
		`, keep)
		return err
	})
}
