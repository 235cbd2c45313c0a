package sqlbuild_test

import (
	"testing"

	"github.com/willibrandon/pgrab/internal/sqlbuild"
)

func TestTable(t *testing.T) {
	tests := []struct {
		schema, name, want string
	}{
		{"public", "users", `"public"."users"`},
		{"", "users", `"users"`},
		{"app", `odd"name`, `"app"."odd""name"`},
	}

	for _, tc := range tests {
		if got := sqlbuild.Table(tc.schema, tc.name); got != tc.want {
			t.Errorf("Table(%q, %q) = %s; want %s", tc.schema, tc.name, got, tc.want)
		}
	}
}

func TestPredicate(t *testing.T) {
	tests := []struct {
		name string
		p    *sqlbuild.Predicate
		want string
	}{
		{"empty", sqlbuild.Where(), ""},
		{"blank conditions", sqlbuild.Where("", "  "), ""},
		{"single", sqlbuild.Where("foo = 1"), "WHERE foo = 1"},
		{"numeric bookmark", sqlbuild.Where().Greater("id", sqlbuild.Int(42)), `WHERE "id" > 42`},
		{"text bookmark", sqlbuild.Where().Greater("updated_at", sqlbuild.Text("2024-01-15T10:30:00Z")),
			`WHERE "updated_at" > '2024-01-15T10:30:00Z'`},
		{"partial and bookmark", sqlbuild.Where("org_id = 7").Greater("id", sqlbuild.Int(0)),
			`WHERE org_id = 7 AND "id" > 0`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.p.String(); got != tc.want {
				t.Errorf("String() = %q; want %q", got, tc.want)
			}
		})
	}
}

func TestQuoteLiteral(t *testing.T) {
	if got := sqlbuild.QuoteLiteral("O'Brien"); got != "'O''Brien'" {
		t.Errorf("QuoteLiteral() = %s", got)
	}
}

func TestStripWhere(t *testing.T) {
	tests := map[string]string{
		"WHERE foo='baz'":    "foo='baz'",
		"  where  a = 1":     "a = 1",
		"wherever = 1":       "wherever = 1",
		"a = 1 WHERE b":      "a = 1 WHERE b",
		"":                   "",
		"WHERE\n\tid IN (1)": "id IN (1)",
	}
	for in, want := range tests {
		if got := sqlbuild.StripWhere(in); got != want {
			t.Errorf("StripWhere(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestJoin(t *testing.T) {
	if got := sqlbuild.Join("", "SELECT 1", " ", "FROM t"); got != "SELECT 1 FROM t" {
		t.Errorf("Join() = %q", got)
	}
}
