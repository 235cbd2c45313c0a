package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/willibrandon/pgrab/internal/logger"
	"github.com/willibrandon/pgrab/internal/sqlbuild"
)

// Querier is the subset of *pgxpool.Pool the provider needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// fetchConcurrency bounds the number of tables introspected at once.
const fetchConcurrency = 8

const primaryKeyQuery = `
	SELECT a.attname
	  FROM pg_index i
	  JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
	 WHERE i.indrelid = $1::text::regclass
	   AND i.indisprimary
	 ORDER BY array_position(i.indkey::int2[], a.attnum)
	 LIMIT 1`

const columnsQuery = `
	SELECT column_name, data_type, is_generated = 'ALWAYS'
	  FROM information_schema.columns
	 WHERE table_schema = $1
	   AND table_name = $2
	 ORDER BY ordinal_position`

const uniqueIndexQuery = `
	SELECT c.relname, pg_get_indexdef(i.indexrelid)
	  FROM pg_index i
	  JOIN pg_class c ON c.oid = i.indexrelid
	  JOIN pg_class t ON t.oid = i.indrelid
	  JOIN pg_namespace n ON n.oid = t.relnamespace
	 WHERE n.nspname = $1
	   AND t.relname = $2
	   AND i.indisunique
	 ORDER BY c.relname`

// Provider fetches TableMetadata for tables in one schema.
type Provider struct {
	q      Querier
	schema string
}

// NewProvider creates a metadata provider reading from q.
func NewProvider(q Querier, schema string) *Provider {
	return &Provider{q: q, schema: schema}
}

// Fetch reads the metadata of a single table.
func (p *Provider) Fetch(ctx context.Context, table string) (TableMetadata, error) {
	meta := TableMetadata{Name: table}

	pk, err := p.primaryKey(ctx, table)
	if err != nil {
		return meta, err
	}
	meta.PrimaryKey = pk

	cols, err := p.columns(ctx, table, pk)
	if err != nil {
		return meta, err
	}
	if len(cols) == 0 {
		return meta, fmt.Errorf("%w: %s.%s", ErrTableNotFound, p.schema, table)
	}
	meta.Columns = cols

	idx, err := p.uniqueIndices(ctx, table)
	if err != nil {
		return meta, err
	}
	meta.UniqueIndices = idx

	return meta, nil
}

// FetchAll reads metadata for every table concurrently.
func (p *Provider) FetchAll(ctx context.Context, tables []string) (Metadata, error) {
	results := make([]TableMetadata, len(tables))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, table := range tables {
		i, table := i, table
		g.Go(func() error {
			meta, err := p.Fetch(gctx, table)
			if err != nil {
				return err
			}
			results[i] = meta
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(Metadata, len(tables))
	for _, meta := range results {
		out[meta.Name] = meta
	}
	return out, nil
}

func (p *Provider) primaryKey(ctx context.Context, table string) (string, error) {
	var pk string
	err := p.q.QueryRow(ctx, primaryKeyQuery, sqlbuild.Table(p.schema, table)).Scan(&pk)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultPrimaryKey, nil
	}
	if err != nil {
		return "", fmt.Errorf("query primary key of %s: %w", table, err)
	}
	return pk, nil
}

func (p *Provider) columns(ctx context.Context, table, pk string) ([]Column, error) {
	rows, err := p.q.Query(ctx, columnsQuery, p.schema, table)
	if err != nil {
		return nil, fmt.Errorf("query columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type, &c.IsGenerated); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		c.IsPrimaryKey = c.Name == pk
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (p *Provider) uniqueIndices(ctx context.Context, table string) ([]UniqueIndex, error) {
	rows, err := p.q.Query(ctx, uniqueIndexQuery, p.schema, table)
	if err != nil {
		return nil, fmt.Errorf("query unique indices of %s: %w", table, err)
	}
	defer rows.Close()

	var out []UniqueIndex
	for rows.Next() {
		var name, def string
		if err := rows.Scan(&name, &def); err != nil {
			return nil, fmt.Errorf("scan unique index of %s: %w", table, err)
		}
		idx, err := ParseIndexDefinition(name, def)
		if err != nil {
			// Unparsable definitions are excluded from the merge predicate.
			logger.Debug("catalog.index_skipped", "table", table, "index", name, "error", err)
			continue
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}
