package catalog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/pgrab/internal/catalog"
)

func TestParseIndexDefinition(t *testing.T) {
	tests := []struct {
		name        string
		def         string
		wantCols    []string
		wantExprs   int
		wantWhere   string
		unsupported bool
	}{
		{
			name:     "primary key",
			def:      "CREATE UNIQUE INDEX users_pkey ON public.users USING btree (id)",
			wantCols: []string{"id"},
		},
		{
			name:     "composite",
			def:      "CREATE UNIQUE INDEX memberships_a_b ON public.memberships USING btree (a, b)",
			wantCols: []string{"a", "b"},
		},
		{
			name:      "partial",
			def:       "CREATE UNIQUE INDEX live_email ON public.users USING btree (email) WHERE (deleted_at IS NULL)",
			wantCols:  []string{"email"},
			wantWhere: "deleted_at IS NULL",
		},
		{
			name:      "expression",
			def:       "CREATE UNIQUE INDEX users_lower_email ON public.users USING btree (lower((email)::text))",
			wantCols:  []string{},
			wantExprs: 1,
		},
		{
			name:        "json accessor",
			def:         "CREATE UNIQUE INDEX events_key ON public.events USING btree (((payload ->> 'key'::text)))",
			wantCols:    []string{},
			wantExprs:   1,
			unsupported: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			idx, err := catalog.ParseIndexDefinition("idx", tc.def)
			require.NoError(t, err)

			assert.Equal(t, tc.wantCols, idx.Columns())
			exprs := 0
			for _, e := range idx.Elements {
				if e.IsExpression() {
					exprs++
				}
			}
			assert.Equal(t, tc.wantExprs, exprs)
			assert.Equal(t, tc.wantWhere, idx.WhereClause)
			assert.Equal(t, tc.unsupported, idx.Unsupported)
		})
	}
}

func TestParseIndexDefinition_Invalid(t *testing.T) {
	_, err := catalog.ParseIndexDefinition("bad", "SELECT 1")
	assert.Error(t, err)

	_, err = catalog.ParseIndexDefinition("bad", "CREATE UNIQUE INDEX (")
	assert.Error(t, err)
}

func TestTableMetadata_InsertableColumns(t *testing.T) {
	meta := catalog.TableMetadata{
		Name: "orders",
		Columns: []catalog.Column{
			{Name: "id", Type: "integer", IsPrimaryKey: true},
			{Name: "total", Type: "numeric"},
			{Name: "total_with_tax", Type: "numeric", IsGenerated: true},
		},
	}

	assert.True(t, meta.HasGeneratedColumns())
	assert.Equal(t, []string{"id", "total"}, meta.InsertableColumns())

	col, ok := meta.Column("total")
	require.True(t, ok)
	assert.Equal(t, "numeric", col.Type)

	_, ok = meta.Column("missing")
	assert.False(t, ok)
}
