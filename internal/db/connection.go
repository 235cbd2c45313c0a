package db

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/willibrandon/pgrab/internal/logger"
)

// ProbeTimeout bounds the reachability probe run before any sync starts.
const ProbeTimeout = 15 * time.Second

// Source names one side of a sync.
type Source string

const (
	Local  Source = "local"
	Remote Source = "remote"
)

// PoolOptions tunes a connection pool.
type PoolOptions struct {
	MaxConns   int32
	MaxRetries int
	// AppName is reported as application_name.
	AppName string
}

// DefaultPoolOptions suits the coordinator: catalog and count queries only.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{MaxConns: 10, MaxRetries: 3, AppName: "pgrab"}
}

// Connect creates a pool for uri, retrying transient network failures with
// exponential backoff.
func Connect(ctx context.Context, uri string, opts PoolOptions) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	}
	poolConfig.MinConns = 0
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	if opts.AppName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = opts.AppName
	}

	const baseDelay = 500 * time.Millisecond
	const maxDelay = 10 * time.Second
	attempts := max(opts.MaxRetries, 1)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * baseDelay
			if delay > maxDelay {
				delay = maxDelay
			}
			logger.Debug("db.connect_retry", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err == nil {
			err = pool.Ping(ctx)
			if err == nil {
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err
		if !isRetryableError(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to connect after %d attempts: %w", attempts, lastErr)
}

// Probe runs SELECT 1 under ProbeTimeout.
func Probe(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	var one int
	if err := pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("connection timed out after %s: %w", ProbeTimeout, err)
		}
		return err
	}
	return nil
}

// Pools holds the coordinator's local and remote pools.
type Pools struct {
	Local  *pgxpool.Pool
	Remote *pgxpool.Pool
}

// Get returns the pool for a source.
func (p *Pools) Get(s Source) *pgxpool.Pool {
	if s == Local {
		return p.Local
	}
	return p.Remote
}

// Close closes both pools.
func (p *Pools) Close() {
	if p.Local != nil {
		p.Local.Close()
	}
	if p.Remote != nil {
		p.Remote.Close()
	}
}

// SourceError attributes a connectivity failure to one side.
type SourceError struct {
	Source Source
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s database: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// ConnectBoth opens and probes the local and remote pools.
func ConnectBoth(ctx context.Context, local, remote string, opts PoolOptions) (*Pools, error) {
	pools := &Pools{}
	for _, side := range []struct {
		source Source
		uri    string
		dst    **pgxpool.Pool
	}{
		{Local, local, &pools.Local},
		{Remote, remote, &pools.Remote},
	} {
		pool, err := Connect(ctx, side.uri, opts)
		if err == nil {
			err = Probe(ctx, pool)
			if err != nil {
				pool.Close()
			}
		}
		if err != nil {
			pools.Close()
			return nil, &SourceError{Source: side.source, Err: err}
		}
		*side.dst = pool
	}
	return pools, nil
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "the database system is starting up")
}
