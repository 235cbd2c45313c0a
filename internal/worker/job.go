// Package worker runs one table's merge-copy in an isolated process.
//
// The coordinator starts `pgrab worker`, writes a single JSON Job to its
// stdin and reads newline-delimited JSON Events from its stdout.
package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/willibrandon/pgrab/internal/catalog"
	"github.com/willibrandon/pgrab/internal/config"
)

// ProgressInterval is the minimum spacing between progress events.
const ProgressInterval = 100 * time.Millisecond

var (
	// ErrInvalidJob is returned when a job cannot be executed as given.
	ErrInvalidJob = errors.New("invalid worker job")
	// ErrNoDone is returned when a worker exits without a done event.
	ErrNoDone = errors.New("worker exited without reporting completion")
)

// Job is the payload handed to a worker process.
type Job struct {
	RunID  string           `json:"run_id"`
	Config *config.Config   `json:"config"`
	Tables catalog.Metadata `json:"tables"`
	Table  string           `json:"table"`
}

// Validate checks that the job names a table present in its metadata.
func (j Job) Validate() error {
	if j.Config == nil {
		return fmt.Errorf("%w: missing config", ErrInvalidJob)
	}
	if j.Table == "" {
		return fmt.Errorf("%w: missing table", ErrInvalidJob)
	}
	if _, ok := j.Tables[j.Table]; !ok {
		return fmt.Errorf("%w: no metadata for table %q", ErrInvalidJob, j.Table)
	}
	return nil
}

// EventType identifies a worker event.
type EventType string

const (
	EventProgress EventType = "progress"
	EventDone     EventType = "done"
)

// Event is one line of worker output.
type Event struct {
	Type EventType `json:"type"`
	Rows int64     `json:"rows"`
}
