// Package sqlbuild renders the SQL fragments pgrab sends to PostgreSQL.
//
// Identifier quoting and literal escaping live here so that the predicate
// resolver, the merge-copy engine and the count queries all agree on how a
// name or value is written.
package sqlbuild

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Ident quotes a single identifier: users -> "users".
func Ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// Table quotes a schema-qualified table name: "public"."users".
func Table(schema, name string) string {
	if schema == "" {
		return Ident(name)
	}
	return pgx.Identifier{schema, name}.Sanitize()
}

// QuoteLiteral renders s as a single-quoted SQL string literal.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Value is a scalar bound into a predicate. Numeric values render unquoted,
// everything else renders as a quoted literal.
type Value struct {
	Numeric bool
	Number  int64
	Text    string
}

// Int returns a numeric Value.
func Int(n int64) Value { return Value{Numeric: true, Number: n} }

// Text returns a textual Value.
func Text(s string) Value { return Value{Text: s} }

// Literal renders the value for inclusion in SQL text.
func (v Value) Literal() string {
	if v.Numeric {
		return strconv.FormatInt(v.Number, 10)
	}
	return QuoteLiteral(v.Text)
}

func (v Value) String() string {
	if v.Numeric {
		return strconv.FormatInt(v.Number, 10)
	}
	return v.Text
}

// Predicate is an AND-ed list of conditions rendered as a WHERE clause.
// The zero value is an empty predicate.
type Predicate struct {
	conds []string
}

// Where starts a predicate from the given conditions. Blank conditions are dropped.
func Where(conds ...string) *Predicate {
	p := &Predicate{}
	for _, c := range conds {
		p.And(c)
	}
	return p
}

// And appends a condition. Blank conditions are ignored so callers never
// produce a dangling AND.
func (p *Predicate) And(cond string) *Predicate {
	cond = strings.TrimSpace(cond)
	if cond != "" {
		p.conds = append(p.conds, cond)
	}
	return p
}

// Greater appends `"col" > value`.
func (p *Predicate) Greater(column string, v Value) *Predicate {
	return p.And(Ident(column) + " > " + v.Literal())
}

// Empty reports whether the predicate has no conditions.
func (p *Predicate) Empty() bool {
	return p == nil || len(p.conds) == 0
}

// Conditions returns a copy of the conditions.
func (p *Predicate) Conditions() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.conds...)
}

// String renders "WHERE a AND b", or "" when empty.
func (p *Predicate) String() string {
	if p.Empty() {
		return ""
	}
	return "WHERE " + strings.Join(p.conds, " AND ")
}

var leadingWhere = regexp.MustCompile(`(?i)^\s*WHERE\b\s*`)

// StripWhere removes a leading WHERE keyword from a user-authored filter.
func StripWhere(fragment string) string {
	return strings.TrimSpace(leadingWhere.ReplaceAllString(fragment, ""))
}

// Join joins non-empty parts with a single space.
func Join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}
