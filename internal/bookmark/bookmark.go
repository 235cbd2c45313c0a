// Package bookmark turns a table's local high-water mark and partial filter
// into the predicate used to select rows from the remote database.
package bookmark

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/willibrandon/pgrab/internal/catalog"
	"github.com/willibrandon/pgrab/internal/sqlbuild"
)

// ErrUnknownBookmarkType is returned when the bookmark column's type cannot be
// determined from the table metadata.
var ErrUnknownBookmarkType = errors.New("unknown bookmark column type")

// Bookmarkable column types.
const (
	TypeDate        = "date"
	TypeInteger     = "integer"
	TypeTimestamp   = "timestamp without time zone"
	TypeTimestampTZ = "timestamp with time zone"
)

// IsBookmarkable reports whether a column of the given catalog type can be used
// as a bookmark.
func IsBookmarkable(dataType string) bool {
	switch dataType {
	case TypeDate, TypeInteger, TypeTimestamp, TypeTimestampTZ:
		return true
	}
	return false
}

// Validate checks that every bookmark configured for tables names a column
// whose type is known.
func Validate(metadata catalog.Metadata, bookmarks map[string]string, tables []string) error {
	for _, table := range tables {
		column := bookmarks[table]
		if column == "" {
			continue
		}
		if col, ok := metadata[table].Column(column); !ok || col.Type == "" {
			return fmt.Errorf("%w: %s.%s", ErrUnknownBookmarkType, table, column)
		}
	}
	return nil
}

const timestampLayout = "2006-01-02T15:04:05.999999Z07:00"

// Querier runs the MAX query against the local database.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Resolver computes remote predicates for tables.
type Resolver struct {
	local     Querier
	schema    string
	metadata  catalog.Metadata
	bookmarks map[string]string
	partials  map[string]string
}

// NewResolver creates a Resolver. partials must already have their
// {{ name }} markers rewritten.
func NewResolver(local Querier, schema string, metadata catalog.Metadata, bookmarks, partials map[string]string) *Resolver {
	return &Resolver{
		local:     local,
		schema:    schema,
		metadata:  metadata,
		bookmarks: bookmarks,
		partials:  partials,
	}
}

// LocalMax returns the local maximum of the table's bookmark column. ok is
// false when no bookmark is configured, the column is not bookmarkable or the
// table is empty.
func (r *Resolver) LocalMax(ctx context.Context, table string) (high sqlbuild.Value, ok bool, err error) {
	column := r.bookmarks[table]
	if column == "" {
		return high, false, nil
	}

	col, found := r.metadata[table].Column(column)
	if !found || col.Type == "" {
		return high, false, fmt.Errorf("%w: %s.%s", ErrUnknownBookmarkType, table, column)
	}
	if !IsBookmarkable(col.Type) {
		return high, false, nil
	}

	query := fmt.Sprintf("SELECT MAX(%s) FROM %s", sqlbuild.Ident(column), sqlbuild.Table(r.schema, table))
	var raw any
	if err := r.local.QueryRow(ctx, query).Scan(&raw); err != nil {
		return high, false, fmt.Errorf("query local max of %s.%s: %w", table, column, err)
	}
	return toValue(raw, col.Type)
}

func toValue(raw any, dataType string) (sqlbuild.Value, bool, error) {
	switch v := raw.(type) {
	case nil:
		return sqlbuild.Value{}, false, nil
	case int16:
		return sqlbuild.Int(int64(v)), true, nil
	case int32:
		return sqlbuild.Int(int64(v)), true, nil
	case int64:
		return sqlbuild.Int(v), true, nil
	case time.Time:
		if dataType == TypeDate {
			return sqlbuild.Text(v.Format(time.DateOnly)), true, nil
		}
		return sqlbuild.Text(v.UTC().Format(timestampLayout)), true, nil
	default:
		return sqlbuild.Value{}, false, fmt.Errorf("unexpected bookmark value %T", raw)
	}
}

// RemoteWhereClause recomputes the table's remote predicate from the current
// local maximum. The result is never cached.
func (r *Resolver) RemoteWhereClause(ctx context.Context, table string) (string, error) {
	high, ok, err := r.LocalMax(ctx, table)
	if err != nil {
		return "", err
	}
	var maxPtr *sqlbuild.Value
	if ok {
		maxPtr = &high
	}
	return BuildWhereClause(r.partials[table], r.bookmarks[table], maxPtr), nil
}

// Bookmark returns the configured bookmark column for table, if any.
func (r *Resolver) Bookmark(table string) string {
	return r.bookmarks[table]
}

// BuildWhereClause combines the partial filter and the freshness condition.
// It returns "" when neither applies. When both apply the partial is
// parenthesised so an OR inside it cannot swallow the freshness condition.
func BuildWhereClause(partial, bookmark string, high *sqlbuild.Value) string {
	partial = sqlbuild.StripWhere(partial)
	fresh := bookmark != "" && high != nil
	if fresh && partial != "" {
		partial = "(" + partial + ")"
	}

	p := sqlbuild.Where(partial)
	if fresh {
		p.Greater(bookmark, *high)
	}
	return p.String()
}

// Choose picks a bookmark column for a table: updated_at, then created_at,
// then any timestamp or date column, then any integer column. It returns ""
// when nothing qualifies.
func Choose(columns []catalog.Column) string {
	byName := make(map[string]catalog.Column, len(columns))
	for _, c := range columns {
		byName[c.Name] = c
	}
	for _, name := range []string{"updated_at", "created_at"} {
		if c, ok := byName[name]; ok && IsBookmarkable(c.Type) {
			return name
		}
	}
	for _, c := range columns {
		if c.Type == TypeTimestamp || c.Type == TypeTimestampTZ || c.Type == TypeDate {
			return c.Name
		}
	}
	for _, c := range columns {
		if c.Type == TypeInteger {
			return c.Name
		}
	}
	return ""
}
