package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/willibrandon/pgrab/internal/sqlbuild"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TableNames lists the base tables (no views) in schema.
func TableNames(ctx context.Context, q Querier, schema string) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT table_name
		  FROM information_schema.tables
		 WHERE table_schema = $1
		   AND table_type != 'VIEW'
		 ORDER BY table_name`, schema)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Counter counts rows in a table under a predicate.
type Counter struct {
	Schema         string
	WithStatements map[string]string
}

// Count runs SELECT COUNT(*) with the table's with-statement and predicate.
func (c Counter) Count(ctx context.Context, q Querier, table, where string) (int64, error) {
	query := sqlbuild.Join(
		c.WithStatements[table],
		"SELECT COUNT(*) FROM",
		sqlbuild.Table(c.Schema, table),
		where,
	)
	var n int64
	if err := q.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// PoolCounter counts against either side of a Pools pair.
type PoolCounter struct {
	Pools   *Pools
	Counter Counter
}

func (c PoolCounter) Count(ctx context.Context, source Source, table, where string) (int64, error) {
	return c.Counter.Count(ctx, c.Pools.Get(source), table, where)
}

// Truncate empties every table in one transaction.
func Truncate(ctx context.Context, pool *pgxpool.Pool, schema string, tables []string) error {
	if len(tables) == 0 {
		return nil
	}
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = sqlbuild.Table(schema, t)
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SET LOCAL client_min_messages = warning"); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "TRUNCATE TABLE "+strings.Join(names, ", ")+" CASCADE")
		return err
	})
}

// DropTables drops every table with CASCADE.
func DropTables(ctx context.Context, pool *pgxpool.Pool, schema string, tables []string) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SET LOCAL client_min_messages = warning"); err != nil {
			return err
		}
		for _, t := range tables {
			if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+sqlbuild.Table(schema, t)+" CASCADE"); err != nil {
				return fmt.Errorf("drop %s: %w", t, err)
			}
		}
		return nil
	})
}

// Extensions lists installed extension names.
func Extensions(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.Query(ctx, "SELECT extname FROM pg_extension ORDER BY extname")
	if err != nil {
		return nil, fmt.Errorf("list extensions: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// CreateExtension installs an extension if it is missing.
func CreateExtension(ctx context.Context, pool *pgxpool.Pool, name string) error {
	_, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS "+sqlbuild.Ident(name))
	return err
}

// TerminateConnections ends every other backend connected to the pool's database.
func TerminateConnections(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		SELECT pg_terminate_backend(pid)
		  FROM pg_stat_activity
		 WHERE datname = current_database()
		   AND pid <> pg_backend_pid()`)
	return err
}
