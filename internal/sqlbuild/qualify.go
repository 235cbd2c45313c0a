package sqlbuild

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// JSONAccessors are the operators that make a unique index unusable for the
// merge predicate.
var JSONAccessors = []string{"->", "->>", "#>", "#>>", "@>", "<@"}

// Qualify prefixes every bare column reference in expr with alias.
//
// The expression is tokenised with the PostgreSQL scanner. A token counts as a
// column reference when it is an identifier (or an unreserved keyword used as
// one) that is not a function name, a type name after :: or AS, already
// qualified, or a qualifier itself.
func Qualify(expr, alias string) (string, error) {
	res, err := pg_query.Scan(expr)
	if err != nil {
		return "", fmt.Errorf("scan expression: %w", err)
	}

	toks := res.GetTokens()
	var b strings.Builder
	last := 0
	for i, tok := range toks {
		if !isColumnRef(expr, toks, i) {
			continue
		}
		start := int(tok.GetStart())
		b.WriteString(expr[last:start])
		b.WriteString(alias)
		b.WriteByte('.')
		last = start
	}
	b.WriteString(expr[last:])
	return b.String(), nil
}

// typeLeaders start multi-word type names such as "character varying" or
// "timestamp without time zone"; the words that follow them are not columns.
var typeLeaders = map[string]bool{
	"character": true, "char": true, "double": true, "bit": true, "national": true,
	"timestamp": true, "time": true, "with": true, "without": true,
}

func tokenText(expr string, tok *pg_query.ScanToken) string {
	return strings.ToLower(expr[tok.GetStart():tok.GetEnd()])
}

func isColumnRef(expr string, toks []*pg_query.ScanToken, i int) bool {
	tok := toks[i]
	switch {
	case tok.GetToken() == pg_query.Token_IDENT:
	case tok.GetKeywordKind() == pg_query.KeywordKind_UNRESERVED_KEYWORD:
	default:
		return false
	}

	if i > 0 {
		switch toks[i-1].GetToken() {
		case pg_query.Token_ASCII_46, pg_query.Token_TYPECAST, pg_query.Token_AS:
			return false
		}
		if toks[i-1].GetKeywordKind() != pg_query.KeywordKind_NO_KEYWORD && typeLeaders[tokenText(expr, toks[i-1])] {
			return false
		}
	}
	if i+1 < len(toks) {
		switch toks[i+1].GetToken() {
		case pg_query.Token_ASCII_40, pg_query.Token_ASCII_46, pg_query.Token_SCONST:
			return false
		}
	}
	return true
}

// UsesJSONAccessor reports whether expr contains a JSON/JSONB accessor operator.
func UsesJSONAccessor(expr string) bool {
	res, err := pg_query.Scan(expr)
	if err != nil {
		for _, op := range JSONAccessors {
			if strings.Contains(expr, op) {
				return true
			}
		}
		return false
	}
	for _, tok := range res.GetTokens() {
		if tok.GetToken() != pg_query.Token_Op {
			continue
		}
		op := expr[tok.GetStart():tok.GetEnd()]
		for _, acc := range JSONAccessors {
			if op == acc {
				return true
			}
		}
	}
	return false
}
