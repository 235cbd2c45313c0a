package bookmark_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/pgrab/internal/bookmark"
	"github.com/willibrandon/pgrab/internal/catalog"
	"github.com/willibrandon/pgrab/internal/sqlbuild"
)

type fakeRow struct {
	val any
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*any)) = r.val
	return nil
}

// fakeQuerier answers MAX queries from a per-table value map.
type fakeQuerier struct {
	max     map[string]any
	queries []string
}

func (q *fakeQuerier) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	q.queries = append(q.queries, sql)
	for table, v := range q.max {
		if strings.HasSuffix(sql, `."`+table+`"`) {
			return fakeRow{val: v}
		}
	}
	return fakeRow{err: errors.New("unexpected query: " + sql)}
}

func testMetadata() catalog.Metadata {
	return catalog.Metadata{
		"users": {Name: "users", PrimaryKey: "id", Columns: []catalog.Column{
			{Name: "id", Type: "integer", IsPrimaryKey: true},
			{Name: "updated_at", Type: "timestamp with time zone"},
		}},
		"events": {Name: "events", PrimaryKey: "id", Columns: []catalog.Column{
			{Name: "id", Type: "integer", IsPrimaryKey: true},
			{Name: "day", Type: "date"},
		}},
		"notes": {Name: "notes", PrimaryKey: "id", Columns: []catalog.Column{
			{Name: "id", Type: "uuid", IsPrimaryKey: true},
		}},
		"plain": {Name: "plain", PrimaryKey: "id", Columns: []catalog.Column{
			{Name: "id", Type: "integer", IsPrimaryKey: true},
		}},
	}
}

func TestRemoteWhereClause(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2024, 1, 15, 10, 30, 0, 123456000, time.UTC)

	tests := []struct {
		name      string
		table     string
		bookmarks map[string]string
		partials  map[string]string
		max       any
		want      string
	}{
		{
			name:  "no partial no bookmark",
			table: "plain",
			want:  "",
		},
		{
			name:      "integer bookmark unquoted",
			table:     "plain",
			bookmarks: map[string]string{"plain": "id"},
			max:       int32(42),
			want:      `WHERE "id" > 42`,
		},
		{
			name:      "zero max is still a bookmark",
			table:     "plain",
			bookmarks: map[string]string{"plain": "id"},
			max:       int32(0),
			want:      `WHERE "id" > 0`,
		},
		{
			name:      "timestamp bookmark quoted",
			table:     "users",
			bookmarks: map[string]string{"users": "updated_at"},
			max:       ts,
			want:      `WHERE "updated_at" > '2024-01-15T10:30:00.123456Z'`,
		},
		{
			name:      "date bookmark quoted",
			table:     "events",
			bookmarks: map[string]string{"events": "day"},
			max:       time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			want:      `WHERE "day" > '2024-03-01'`,
		},
		{
			name:      "empty table means no freshness condition",
			table:     "plain",
			bookmarks: map[string]string{"plain": "id"},
			max:       nil,
			want:      "",
		},
		{
			name:     "partial only keeps single WHERE",
			table:    "plain",
			partials: map[string]string{"plain": "WHERE org_id = 1"},
			want:     "WHERE org_id = 1",
		},
		{
			name:      "partial and bookmark",
			table:     "plain",
			bookmarks: map[string]string{"plain": "id"},
			partials:  map[string]string{"plain": "WHERE org_id = 1"},
			max:       int64(7),
			want:      `WHERE (org_id = 1) AND "id" > 7`,
		},
		{
			name:      "non bookmarkable type ignored",
			table:     "notes",
			bookmarks: map[string]string{"notes": "id"},
			want:      "",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q := &fakeQuerier{max: map[string]any{tc.table: tc.max}}
			r := bookmark.NewResolver(q, "public", testMetadata(), tc.bookmarks, tc.partials)

			got, err := r.RemoteWhereClause(ctx, tc.table)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			if got != "" {
				assert.True(t, strings.HasPrefix(got, "WHERE "))
				assert.NotContains(t, got, "AND AND")
				assert.False(t, strings.HasSuffix(strings.TrimSpace(got), "AND"))
			}
		})
	}
}

func TestRemoteWhereClause_RecomputedEachCall(t *testing.T) {
	q := &fakeQuerier{max: map[string]any{"plain": int32(1)}}
	r := bookmark.NewResolver(q, "public", testMetadata(), map[string]string{"plain": "id"}, nil)

	first, err := r.RemoteWhereClause(context.Background(), "plain")
	require.NoError(t, err)
	q.max["plain"] = int32(9)
	second, err := r.RemoteWhereClause(context.Background(), "plain")
	require.NoError(t, err)

	assert.Equal(t, `WHERE "id" > 1`, first)
	assert.Equal(t, `WHERE "id" > 9`, second)
	assert.Len(t, q.queries, 2)
}

func TestLocalMax_UnknownColumnType(t *testing.T) {
	r := bookmark.NewResolver(&fakeQuerier{}, "public", testMetadata(), map[string]string{"users": "missing"}, nil)

	_, _, err := r.LocalMax(context.Background(), "users")
	assert.ErrorIs(t, err, bookmark.ErrUnknownBookmarkType)
}

func TestValidate(t *testing.T) {
	md := testMetadata()
	assert.NoError(t, bookmark.Validate(md, map[string]string{"users": "updated_at", "notes": "id"}, []string{"users", "notes"}))
	assert.NoError(t, bookmark.Validate(md, map[string]string{"users": "missing"}, []string{"plain"}))
	assert.ErrorIs(t, bookmark.Validate(md, map[string]string{"users": "missing"}, []string{"users"}), bookmark.ErrUnknownBookmarkType)
}

func TestBuildWhereClause(t *testing.T) {
	n := sqlbuild.Int(3)
	assert.Equal(t, "", bookmark.BuildWhereClause("", "", nil))
	assert.Equal(t, "", bookmark.BuildWhereClause("", "id", nil))
	assert.Equal(t, "", bookmark.BuildWhereClause("", "", &n))
	assert.Equal(t, `WHERE "id" > 3`, bookmark.BuildWhereClause("  ", "id", &n))
	assert.Equal(t, "WHERE a = 1 OR b = 2", bookmark.BuildWhereClause("a = 1 OR b = 2", "", nil))
}

func TestChoose(t *testing.T) {
	col := func(name, typ string) catalog.Column { return catalog.Column{Name: name, Type: typ} }

	tests := []struct {
		name string
		cols []catalog.Column
		want string
	}{
		{"updated_at wins", []catalog.Column{col("id", "integer"), col("created_at", "timestamp with time zone"), col("updated_at", "timestamp without time zone")}, "updated_at"},
		{"created_at next", []catalog.Column{col("id", "integer"), col("seen", "date"), col("created_at", "timestamp with time zone")}, "created_at"},
		{"any timestamp", []catalog.Column{col("id", "integer"), col("seen", "date")}, "seen"},
		{"integer last", []catalog.Column{col("name", "text"), col("id", "integer")}, "id"},
		{"nothing", []catalog.Column{col("id", "uuid"), col("name", "text")}, ""},
		{"updated_at of wrong type skipped", []catalog.Column{col("updated_at", "text"), col("id", "integer")}, "id"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, bookmark.Choose(tc.cols))
		})
	}
}
