package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/willibrandon/pgrab/internal/partial"
)

// File names searched for when no --config path is given.
var FileNames = []string{".pgrab.yaml", ".pgrab.yml"}

var (
	// ErrNoConfigFile is returned when no config file is found.
	ErrNoConfigFile = errors.New("no .pgrab.yaml found")
	// ErrUnknownGroup is returned when --groups names a group the file does not define.
	ErrUnknownGroup = errors.New("unknown table group")
	// ErrInvalid is returned by Validate.
	ErrInvalid = errors.New("invalid configuration")
)

// Mode selects what a run does.
type Mode string

const (
	ModeInit       Mode = "init"
	ModeSchemaOnly Mode = "schema-only"
	ModeTableSync  Mode = "table-sync"
	ModeWatch      Mode = "watch"
)

// Config is the resolved configuration for one run. It is serialised into
// every worker job, so everything a worker needs must survive JSON.
type Config struct {
	ConfigFile string `json:"config_file,omitempty"`
	Mode       Mode   `json:"mode"`

	Local  string `json:"local"`
	Remote string `json:"remote"`
	Schema string `json:"schema"`
	Setup  string `json:"setup,omitempty"`

	PsqlPath         string        `json:"psql_path"`
	MaxWorkers       int           `json:"max_workers"`
	StatementTimeout time.Duration `json:"statement_timeout"`
	WatchInterval    time.Duration `json:"watch_interval"`

	Truncate bool   `json:"truncate,omitempty"`
	Metrics  bool   `json:"metrics,omitempty"`
	Debug    bool   `json:"debug,omitempty"`
	LogPath  string `json:"log_path,omitempty"`

	// Tables is the requested selection. Empty means every remote table.
	Tables  []string `json:"tables"`
	Exclude []string `json:"exclude,omitempty"`

	Bookmarks      map[string]string `json:"bookmarks,omitempty"`
	Partials       map[string]string `json:"partials,omitempty"`
	WithStatements map[string]string `json:"with_statements,omitempty"`

	// Dependencies is the partial dependency order, kept for display.
	Dependencies []partial.DependencyEntry `json:"-"`

	History HistoryConfig `json:"-"`

	// HasTableSection reports whether the file already has a tables mapping.
	HasTableSection bool `json:"-"`
}

// HistoryConfig controls the local sync history store.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TableConfig is one entry of the file's tables mapping.
type TableConfig struct {
	Bookmark string `mapstructure:"bookmark" yaml:"bookmark,omitempty"`
	Partial  string `mapstructure:"partial" yaml:"partial,omitempty"`
	Dump     *bool  `mapstructure:"dump" yaml:"dump,omitempty"`
}

// fileConfig mirrors the YAML layout.
type fileConfig struct {
	Local            any                     `mapstructure:"local"`
	Remote           any                     `mapstructure:"remote"`
	Schema           string                  `mapstructure:"schema"`
	MaxWorkers       int                     `mapstructure:"max_workers"`
	StatementTimeout time.Duration           `mapstructure:"statement_timeout"`
	WatchInterval    time.Duration           `mapstructure:"watch_interval"`
	Setup            string                  `mapstructure:"setup"`
	PsqlPath         string                  `mapstructure:"psql_path"`
	History          HistoryConfig           `mapstructure:"history"`
	Groups           map[string][]string     `mapstructure:"groups"`
	Tables           map[string]*TableConfig `mapstructure:"tables"`
}

// Flags holds command-line overrides. Zero values mean "not given".
type Flags struct {
	ConfigPath string
	Tables     []string
	Groups     []string
	Exclude    []string
	MaxWorkers int
	Setup      string
	Local      string
	Remote     string
	Schema     string
	Truncate   bool
	Metrics    bool
	SchemaOnly bool
	Watch      bool
	Init       bool
	Debug      bool
	LogPath    string
}

// Load finds and reads the config file, applies flags and environment
// overrides, resolves connection parameters and partial dependencies, and
// validates the result.
func Load(ctx context.Context, flags Flags) (*Config, error) {
	path := flags.ConfigPath
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		path, err = FindConfigFile(wd)
		if err != nil {
			return nil, err
		}
	}

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg, err := build(ctx, fc, flags)
	if err != nil {
		return nil, err
	}
	cfg.ConfigFile = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("PGRAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	applyDefaults(v)
	return v
}

// applyDefaults sets default configuration values.
func applyDefaults(v *viper.Viper) {
	v.SetDefault("local", "")
	v.SetDefault("remote", "")
	v.SetDefault("schema", "public")
	v.SetDefault("max_workers", runtime.NumCPU())
	v.SetDefault("statement_timeout", "10m")
	v.SetDefault("watch_interval", "10s")
	v.SetDefault("psql_path", "psql")
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.path", "")
}

func build(ctx context.Context, fc fileConfig, flags Flags) (*Config, error) {
	cfg := &Config{
		Schema:           firstNonEmpty(flags.Schema, fc.Schema),
		Setup:            firstNonEmpty(flags.Setup, fc.Setup),
		PsqlPath:         fc.PsqlPath,
		MaxWorkers:       fc.MaxWorkers,
		StatementTimeout: fc.StatementTimeout,
		WatchInterval:    fc.WatchInterval,
		Truncate:         flags.Truncate,
		Metrics:          flags.Metrics,
		Debug:            flags.Debug,
		LogPath:          flags.LogPath,
		History:          fc.History,
		HasTableSection:  len(fc.Tables) > 0,
		Mode:             selectMode(flags),
	}
	if flags.MaxWorkers > 0 {
		cfg.MaxWorkers = flags.MaxWorkers
	}
	if cfg.History.Path == "" {
		cfg.History.Path = DefaultHistoryPath()
	}

	sel, err := selectTables(fc, flags)
	if err != nil {
		return nil, err
	}
	cfg.Tables = sel.tables
	cfg.Exclude = sel.exclude

	cfg.Bookmarks = make(map[string]string)
	rawPartials := make(map[string]string)
	for name, tc := range fc.Tables {
		if tc == nil {
			continue
		}
		if tc.Bookmark != "" {
			cfg.Bookmarks[name] = tc.Bookmark
		}
		if tc.Partial != "" {
			rawPartials[name] = tc.Partial
		}
	}
	for name, p := range sel.partials {
		rawPartials[name] = p
	}

	res, err := partial.Resolve(rawPartials, cfg.Schema)
	if err != nil {
		return nil, err
	}
	cfg.Partials = res.Partials
	cfg.WithStatements = res.WithStatements
	cfg.Dependencies = res.Order

	if flags.Local != "" {
		cfg.Local, err = ResolveConnection(ctx, flags.Local)
	} else {
		cfg.Local, err = ResolveConnection(ctx, fc.Local)
	}
	if err != nil {
		return nil, fmt.Errorf("local connection: %w", err)
	}
	if flags.Remote != "" {
		cfg.Remote, err = ResolveConnection(ctx, flags.Remote)
	} else {
		cfg.Remote, err = ResolveConnection(ctx, fc.Remote)
	}
	if err != nil {
		return nil, fmt.Errorf("remote connection: %w", err)
	}

	return cfg, nil
}

// selectMode picks the run mode. Init wins over schema-only, which wins over watch.
func selectMode(flags Flags) Mode {
	switch {
	case flags.Init:
		return ModeInit
	case flags.SchemaOnly:
		return ModeSchemaOnly
	case flags.Watch:
		return ModeWatch
	default:
		return ModeTableSync
	}
}

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	if c.Schema == "" {
		return fmt.Errorf("%w: schema must not be empty", ErrInvalid)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("%w: max_workers must be at least 1", ErrInvalid)
	}
	if c.Local == "" {
		return fmt.Errorf("%w: local connection is required", ErrInvalid)
	}
	if c.Remote == "" {
		return fmt.Errorf("%w: remote connection is required", ErrInvalid)
	}
	if c.StatementTimeout <= 0 {
		return fmt.Errorf("%w: statement_timeout must be positive", ErrInvalid)
	}
	if c.Mode == ModeWatch && c.WatchInterval <= 0 {
		return fmt.Errorf("%w: watch_interval must be positive", ErrInvalid)
	}
	return nil
}

// FindConfigFile walks up from dir looking for .pgrab.yaml or .pgrab.yml.
func FindConfigFile(dir string) (string, error) {
	for {
		for _, name := range FileNames {
			path := filepath.Join(dir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoConfigFile
		}
		dir = parent
	}
}

// DefaultHistoryPath returns ~/.config/pgrab/history.db.
func DefaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "pgrab", "history.db")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
