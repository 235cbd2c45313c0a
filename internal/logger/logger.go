// Package logger is pgrab's process-wide structured logger: JSON records on a
// rotating file, with warn/error tallies for the end-of-run summary.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Levels accepted by Options.Level.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
)

var (
	// LogPath is the file the current logger writes to, empty when logging
	// to a caller-supplied writer.
	LogPath string

	current atomic.Pointer[slog.Logger]
	rotator *lumberjack.Logger

	warnings atomic.Int64
	failures atomic.Int64
)

// Options configures Init.
type Options struct {
	Level slog.Level
	// Path defaults to DefaultLogPath. Ignored when Writer is set.
	Path   string
	Writer io.Writer
	// Attrs are attached to every record, e.g. run_id and table in workers.
	Attrs []any
}

// Init replaces the global logger.
func Init(opts Options) {
	w := opts.Writer
	if w == nil {
		path := opts.Path
		if path == "" {
			path = DefaultLogPath()
		}
		_ = os.MkdirAll(filepath.Dir(path), 0o755)

		Close()
		rotator = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		}
		w, LogPath = rotator, path
	} else {
		LogPath = ""
	}

	var h slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level})
	l := slog.New(tally{h})
	if len(opts.Attrs) > 0 {
		l = l.With(opts.Attrs...)
	}
	current.Store(l)
	slog.SetDefault(l)
}

// DefaultLogPath is ~/.config/pgrab/pgrab.log, under the temp dir when there
// is no home directory.
func DefaultLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "pgrab", "pgrab.log")
}

// Close flushes and closes the log file, if any.
func Close() {
	if rotator != nil {
		_ = rotator.Close()
		rotator = nil
	}
}

func get() *slog.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	return slog.Default()
}

func Debug(msg string, args ...any) { get().Debug(msg, args...) }
func Info(msg string, args ...any)  { get().Info(msg, args...) }
func Warn(msg string, args ...any)  { get().Warn(msg, args...) }
func Error(msg string, args ...any) { get().Error(msg, args...) }

// With returns the global logger with extra attributes.
func With(args ...any) *slog.Logger { return get().With(args...) }

// GetCounts returns how many warnings and errors were logged.
func GetCounts() (warn, err int64) {
	return warnings.Load(), failures.Load()
}

// ClearCounts resets the tallies.
func ClearCounts() {
	warnings.Store(0)
	failures.Store(0)
}

// tally counts WARN and ERROR records on their way to the inner handler.
type tally struct{ slog.Handler }

func (t tally) Handle(ctx context.Context, r slog.Record) error {
	switch {
	case r.Level >= slog.LevelError:
		failures.Add(1)
	case r.Level >= slog.LevelWarn:
		warnings.Add(1)
	}
	return t.Handler.Handle(ctx, r)
}

func (t tally) WithAttrs(attrs []slog.Attr) slog.Handler {
	return tally{t.Handler.WithAttrs(attrs)}
}

func (t tally) WithGroup(name string) slog.Handler {
	return tally{t.Handler.WithGroup(name)}
}
