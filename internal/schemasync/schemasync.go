// Package schemasync copies the remote schema definition into the local
// database with pg_dump and pg_restore.
package schemasync

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/willibrandon/pgrab/internal/db"
	"github.com/willibrandon/pgrab/internal/logger"
	"github.com/willibrandon/pgrab/internal/sqlbuild"
)

const (
	maxRecreateAttempts = 10
	recreateBackoff     = 500 * time.Millisecond
)

// Tools names the client binaries used. Empty fields use the PATH defaults.
type Tools struct {
	PgDump    string
	PgRestore string
	DropDB    string
	CreateDB  string
}

func (t Tools) withDefaults() Tools {
	if t.PgDump == "" {
		t.PgDump = "pg_dump"
	}
	if t.PgRestore == "" {
		t.PgRestore = "pg_restore"
	}
	if t.DropDB == "" {
		t.DropDB = "dropdb"
	}
	if t.CreateDB == "" {
		t.CreateDB = "createdb"
	}
	return t
}

// Options describes one schema sync.
type Options struct {
	Local  string
	Remote string
	Schema string
	// Targets are the tables whose definitions are copied.
	Targets []string
	// RemoteTables is every table in the remote schema.
	RemoteTables []string
	// RemoteExtensions are installed locally if missing.
	RemoteExtensions []string
}

// Full reports whether every remote table is targeted, in which case the
// local database is dropped and recreated instead of dropping tables.
func (o Options) Full() bool {
	for _, t := range o.RemoteTables {
		if !slices.Contains(o.Targets, t) {
			return false
		}
	}
	return true
}

// Skipped returns remote tables excluded from the dump.
func (o Options) Skipped() []string {
	var out []string
	for _, t := range o.RemoteTables {
		if !slices.Contains(o.Targets, t) {
			out = append(out, t)
		}
	}
	return out
}

// Syncer runs schema syncs.
type Syncer struct {
	tools Tools
}

// New creates a Syncer.
func New(tools Tools) *Syncer {
	return &Syncer{tools: tools.withDefaults()}
}

// Sync prepares the local database and restores the remote schema into it.
// The caller must not hold open connections to the local database when
// opts.Full() is true.
func (s *Syncer) Sync(ctx context.Context, opts Options) error {
	if opts.Full() {
		if err := s.recreateDatabase(ctx, opts.Local); err != nil {
			return fmt.Errorf("recreate local database: %w", err)
		}
	}

	local, err := db.Connect(ctx, opts.Local, db.PoolOptions{MaxConns: 2, MaxRetries: 3, AppName: "pgrab"})
	if err != nil {
		return fmt.Errorf("connect local: %w", err)
	}
	defer local.Close()

	if !opts.Full() {
		logger.Info("schema.drop_tables", "tables", len(opts.Targets))
		if err := db.DropTables(ctx, local, opts.Schema, opts.Targets); err != nil {
			return err
		}
	}

	installed, err := db.Extensions(ctx, local)
	if err != nil {
		return err
	}
	for _, ext := range MissingExtensions(opts.RemoteExtensions, installed) {
		logger.Info("schema.install_extension", "extension", ext)
		if err := db.CreateExtension(ctx, local, ext); err != nil {
			return fmt.Errorf("install extension %s: %w", ext, err)
		}
	}
	local.Close()

	return s.dumpRestore(ctx, opts)
}

// dumpRestore pipes pg_dump into pg_restore. Restore errors are expected for
// objects that already exist and are only logged.
func (s *Syncer) dumpRestore(ctx context.Context, opts Options) error {
	dump := exec.CommandContext(ctx, s.tools.PgDump, DumpArgs(opts.Schema, opts.Remote, opts.Skipped())...)
	restore := exec.CommandContext(ctx, s.tools.PgRestore, RestoreArgs(opts.Local)...)

	var dumpErr, restoreErr bytes.Buffer
	dump.Stderr = &dumpErr
	restore.Stderr = &restoreErr

	pipe, err := dump.StdoutPipe()
	if err != nil {
		return err
	}
	restore.Stdin = pipe

	if err := restore.Start(); err != nil {
		return fmt.Errorf("start pg_restore: %w", err)
	}
	if err := dump.Start(); err != nil {
		_ = restore.Process.Kill()
		_ = restore.Wait()
		return fmt.Errorf("start pg_dump: %w", err)
	}

	dumpWait := dump.Wait()
	restoreWait := restore.Wait()

	if dumpWait != nil {
		return fmt.Errorf("pg_dump: %w: %s", dumpWait, strings.TrimSpace(dumpErr.String()))
	}
	if restoreWait != nil || restoreErr.Len() > 0 {
		logger.Warn("schema.restore_warnings", "error", restoreWait, "stderr", strings.TrimSpace(restoreErr.String()))
	}
	return nil
}

func (s *Syncer) recreateDatabase(ctx context.Context, uri string) error {
	cc, err := pgconn.ParseConfig(uri)
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		logger.Info("schema.recreate_database", "database", cc.Database, "attempt", attempt)
		if err := terminateConnections(ctx, uri); err != nil {
			logger.Debug("schema.terminate_failed", "error", err)
		}

		err := s.run(ctx, cc, s.tools.DropDB, "--if-exists", cc.Database)
		if err == nil {
			err = s.run(ctx, cc, s.tools.CreateDB, cc.Database)
		}
		if err == nil {
			return nil
		}
		if !IsAccessedByOtherUsers(err) || attempt >= maxRecreateAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(recreateBackoff):
		}
	}
}

func terminateConnections(ctx context.Context, uri string) error {
	pool, err := db.Connect(ctx, uri, db.PoolOptions{MaxConns: 1, MaxRetries: 1, AppName: "pgrab"})
	if err != nil {
		return err
	}
	defer pool.Close()
	return db.TerminateConnections(ctx, pool)
}

func (s *Syncer) run(ctx context.Context, cc *pgconn.Config, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, append(ConnArgs(cc), args...)...)
	cmd.Env = os.Environ()
	if cc.Password != "" {
		cmd.Env = append(cmd.Env, "PGPASSWORD="+cc.Password)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", bin, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ConnArgs renders host, port and user flags for the client tools.
func ConnArgs(cc *pgconn.Config) []string {
	var args []string
	if cc.Host != "" {
		args = append(args, "-h", cc.Host)
	}
	if cc.Port != 0 {
		args = append(args, "-p", strconv.Itoa(int(cc.Port)))
	}
	if cc.User != "" {
		args = append(args, "-U", cc.User)
	}
	return args
}

// DumpArgs builds pg_dump arguments for a schema-only custom-format dump.
func DumpArgs(schema, remote string, skip []string) []string {
	args := []string{"-Fc", "-Oxs", "-n", schema}
	for _, t := range skip {
		args = append(args, "-T", sqlbuild.Table(schema, t))
	}
	return append(args, "-d", remote)
}

// RestoreArgs builds pg_restore arguments.
func RestoreArgs(local string) []string {
	return []string{"-Oxs", "-d", local}
}

// MissingExtensions returns remote extensions not installed locally.
func MissingExtensions(remote, local []string) []string {
	var out []string
	for _, ext := range remote {
		if !slices.Contains(local, ext) {
			out = append(out, ext)
		}
	}
	return out
}

// IsAccessedByOtherUsers reports whether dropdb failed because of open sessions.
func IsAccessedByOtherUsers(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "accessed by other users")
}
