package catalog

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/willibrandon/pgrab/internal/sqlbuild"
)

// ParseIndexDefinition parses the output of pg_get_indexdef into a UniqueIndex.
func ParseIndexDefinition(name, definition string) (UniqueIndex, error) {
	idx := UniqueIndex{Name: name, Definition: definition}

	tree, err := pg_query.Parse(definition)
	if err != nil {
		return idx, fmt.Errorf("parse index %s: %w", name, err)
	}
	if len(tree.Stmts) != 1 || tree.Stmts[0].Stmt.GetIndexStmt() == nil {
		return idx, fmt.Errorf("parse index %s: not a CREATE INDEX statement", name)
	}
	stmt := tree.Stmts[0].Stmt.GetIndexStmt()

	for _, param := range stmt.IndexParams {
		elem := param.GetIndexElem()
		if elem == nil {
			continue
		}
		if elem.Name != "" {
			idx.Elements = append(idx.Elements, IndexElement{Column: elem.Name})
			continue
		}
		if elem.Expr == nil {
			continue
		}
		expr, err := deparseExpr(elem.Expr)
		if err != nil {
			return idx, fmt.Errorf("deparse index %s element: %w", name, err)
		}
		if sqlbuild.UsesJSONAccessor(expr) {
			idx.Unsupported = true
		}
		idx.Elements = append(idx.Elements, IndexElement{Expression: expr})
	}

	if stmt.WhereClause != nil {
		where, err := deparseExpr(stmt.WhereClause)
		if err != nil {
			return idx, fmt.Errorf("deparse index %s predicate: %w", name, err)
		}
		idx.WhereClause = where
	}

	return idx, nil
}

// deparseExpr renders a single expression node by splicing it into the
// target list of a trivial SELECT and deparsing that.
func deparseExpr(node *pg_query.Node) (string, error) {
	tree, err := pg_query.Parse("SELECT 1")
	if err != nil {
		return "", err
	}
	sel := tree.Stmts[0].Stmt.GetSelectStmt()
	sel.TargetList[0].GetResTarget().Val = node

	out, err := pg_query.Deparse(tree)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.TrimPrefix(out, "SELECT ")), nil
}
