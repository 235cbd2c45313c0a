// Package mergecopy streams a table's selected rows out of the remote
// database and merges them into the local copy.
//
// Two psql processes are started: the remote one runs COPY ... TO STDOUT and
// its stdout is piped into the local one, which runs COPY ... FROM STDIN into
// a temporary table and then replaces colliding live rows inside a single
// transaction.
package mergecopy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/willibrandon/pgrab/internal/catalog"
	"github.com/willibrandon/pgrab/internal/logger"
)

// DefaultStatementTimeout bounds the remote extraction query.
const DefaultStatementTimeout = 10 * time.Minute

// ErrStderr is returned when either client process writes to stderr.
var ErrStderr = errors.New("client wrote to stderr")

// Predicator computes a table's remote WHERE clause.
type Predicator interface {
	RemoteWhereClause(ctx context.Context, table string) (string, error)
}

// Config holds what the engine needs to build and run both programs.
type Config struct {
	Local            string
	Remote           string
	PsqlPath         string
	Schema           string
	StatementTimeout time.Duration
	WithStatements   map[string]string
}

// Engine starts merge-copies.
type Engine struct {
	cfg        Config
	predicates Predicator
}

// New creates an Engine.
func New(cfg Config, predicates Predicator) *Engine {
	if cfg.PsqlPath == "" {
		cfg.PsqlPath = "psql"
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = DefaultStatementTimeout
	}
	return &Engine{cfg: cfg, predicates: predicates}
}

// Programs returns the remote extraction and local merge programs for a table.
// A non-empty override replaces the extraction program verbatim.
func (e *Engine) Programs(ctx context.Context, meta catalog.TableMetadata, override string) (extract, merge string, err error) {
	extract = override
	if extract == "" {
		where, err := e.predicates.RemoteWhereClause(ctx, meta.Name)
		if err != nil {
			return "", "", fmt.Errorf("resolve predicate for %s: %w", meta.Name, err)
		}
		extract = ExtractProgram(e.cfg.Schema, meta.Name, e.cfg.StatementTimeout, e.cfg.WithStatements[meta.Name], where)
	}
	return extract, MergeProgram(e.cfg.Schema, meta), nil
}

// MergeCopy starts the remote and local processes for one table and returns
// once both are running.
func (e *Engine) MergeCopy(ctx context.Context, meta catalog.TableMetadata, override string) (*Handle, error) {
	extract, merge, err := e.Programs(ctx, meta, override)
	if err != nil {
		return nil, err
	}

	logger.Debug("mergecopy.start", "table", meta.Name, "extract", extract)

	h := &Handle{
		table:  meta.Name,
		remote: e.command(ctx, e.cfg.Remote, extract),
		local:  e.command(ctx, e.cfg.Local, merge),
		done:   make(chan struct{}),
	}
	if err := h.start(); err != nil {
		return nil, err
	}
	return h, nil
}

// Run performs a merge-copy and waits for it, returning the rows streamed.
func (e *Engine) Run(ctx context.Context, meta catalog.TableMetadata, override string) (int64, error) {
	h, err := e.MergeCopy(ctx, meta, override)
	if err != nil {
		return 0, err
	}
	err = h.Wait()
	return h.Rows(), err
}

func (e *Engine) command(ctx context.Context, conn, program string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, e.cfg.PsqlPath,
		"-d", conn,
		"--no-psqlrc",
		"--quiet",
		"-v", "ON_ERROR_STOP=1",
		"-c", program,
	)
	cmd.Env = append(os.Environ(),
		"PGOPTIONS=-c client_min_messages=warning",
		"PGAPPNAME=pgrab",
	)
	return cmd
}

// Handle tracks a running merge-copy.
type Handle struct {
	table  string
	remote *exec.Cmd
	local  *exec.Cmd

	rows   atomic.Int64
	stderr lockedBuffer

	done chan struct{}
	err  error
}

func (h *Handle) start() error {
	stdin, err := h.local.StdinPipe()
	if err != nil {
		return fmt.Errorf("local stdin pipe: %w", err)
	}
	h.remote.Stdout = &lineCounter{w: stdin, n: &h.rows}
	h.remote.Stderr = &h.stderr
	h.local.Stderr = &h.stderr

	if err := h.local.Start(); err != nil {
		return fmt.Errorf("start local psql: %w", err)
	}
	if err := h.remote.Start(); err != nil {
		stdin.Close()
		_ = h.local.Process.Kill()
		_ = h.local.Wait()
		return fmt.Errorf("start remote psql: %w", err)
	}

	go func() {
		remoteErr := h.remote.Wait()
		// EOF on the local side ends its COPY FROM STDIN.
		stdin.Close()
		localErr := h.local.Wait()
		h.err = h.result(remoteErr, localErr)
		close(h.done)
	}()
	return nil
}

func (h *Handle) result(remoteErr, localErr error) error {
	var errs []error
	if remoteErr != nil {
		errs = append(errs, fmt.Errorf("remote psql: %w", remoteErr))
	}
	if localErr != nil {
		errs = append(errs, fmt.Errorf("local psql: %w", localErr))
	}
	if msg := strings.TrimSpace(h.stderr.String()); msg != "" {
		errs = append(errs, fmt.Errorf("%w: %s", ErrStderr, msg))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("merge-copy %s: %w", h.table, errors.Join(errs...))
}

// Rows returns the number of rows streamed so far.
func (h *Handle) Rows() int64 { return h.rows.Load() }

// Stderr returns everything either process has written to stderr so far.
func (h *Handle) Stderr() string { return h.stderr.String() }

// Done is closed once both processes have exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until both processes exit and returns the combined error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// lineCounter forwards COPY text output and counts rows by newline.
type lineCounter struct {
	w io.Writer
	n *atomic.Int64
}

func (c *lineCounter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(bytes.Count(p[:n], []byte{'\n'})))
	return n, err
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
