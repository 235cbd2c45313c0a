package mergecopy

import (
	"fmt"
	"strings"
	"time"

	"github.com/willibrandon/pgrab/internal/catalog"
	"github.com/willibrandon/pgrab/internal/logger"
	"github.com/willibrandon/pgrab/internal/sqlbuild"
)

// Aliases used by the local merge's DELETE ... USING.
const (
	TargetAlias = "target"
	TempAlias   = "temp"
)

// ExtractProgram builds the remote SQL program that streams the selected rows
// to stdout.
func ExtractProgram(schema, table string, timeout time.Duration, withStatement, where string) string {
	sel := sqlbuild.Join(withStatement, "SELECT * FROM", sqlbuild.Table(schema, table), where)
	return fmt.Sprintf("SET statement_timeout TO %d; COPY (%s) TO STDOUT", timeout.Milliseconds(), sel)
}

// TempTableName returns the name of the per-table temporary merge table.
func TempTableName(table string) string {
	return "temp_" + table
}

// MergeProgram builds the local SQL program that loads stdin into a temporary
// table and merges it into the live table inside one transaction.
func MergeProgram(schema string, meta catalog.TableMetadata) string {
	live := sqlbuild.Table(schema, meta.Name)
	temp := sqlbuild.Ident(TempTableName(meta.Name))

	insert := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s;", live, temp)
	if meta.HasGeneratedColumns() {
		cols := quoteAll(meta.InsertableColumns())
		insert = fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s;", live, cols, cols, temp)
	}

	stmts := []string{
		"BEGIN;",
		fmt.Sprintf("CREATE TEMPORARY TABLE %s AS SELECT * FROM %s WITH NO DATA;", temp, live),
		fmt.Sprintf("COPY %s FROM STDIN;", temp),
		fmt.Sprintf("DELETE FROM %s AS %s USING %s AS %s WHERE %s;", live, TargetAlias, temp, TempAlias, UniquenessPredicate(meta)),
		insert,
		fmt.Sprintf("DROP TABLE %s;", temp),
		"COMMIT;",
	}
	return strings.Join(stmts, "\n")
}

// UniquenessPredicate matches a live row against a temp row when they collide
// on any unique index of the table. Without a usable index it equates the
// primary key.
func UniquenessPredicate(meta catalog.TableMetadata) string {
	var clauses []string
	for _, idx := range meta.UniqueIndices {
		clause, ok := indexClause(idx)
		if !ok {
			logger.Debug("mergecopy.index_unsupported", "table", meta.Name, "index", idx.Name)
			continue
		}
		clauses = append(clauses, clause)
	}
	if len(clauses) > 0 {
		return strings.Join(clauses, " OR ")
	}

	pk := meta.PrimaryKey
	if pk == "" {
		pk = catalog.DefaultPrimaryKey
	}
	return columnEquality(pk)
}

func indexClause(idx catalog.UniqueIndex) (string, bool) {
	if idx.Unsupported || len(idx.Elements) == 0 {
		return "", false
	}

	conds := make([]string, 0, len(idx.Elements)+2)
	for _, e := range idx.Elements {
		if !e.IsExpression() {
			conds = append(conds, columnEquality(e.Column))
			continue
		}
		left, err := sqlbuild.Qualify(e.Expression, TargetAlias)
		if err != nil {
			return "", false
		}
		right, err := sqlbuild.Qualify(e.Expression, TempAlias)
		if err != nil {
			return "", false
		}
		conds = append(conds, left+" = "+right)
	}

	if idx.WhereClause != "" {
		for _, alias := range []string{TargetAlias, TempAlias} {
			q, err := sqlbuild.Qualify(idx.WhereClause, alias)
			if err != nil {
				return "", false
			}
			conds = append(conds, "("+q+")")
		}
	}
	return "(" + strings.Join(conds, " AND ") + ")", true
}

func columnEquality(col string) string {
	c := sqlbuild.Ident(col)
	return fmt.Sprintf("%s.%s = %s.%s", TargetAlias, c, TempAlias, c)
}

func quoteAll(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = sqlbuild.Ident(c)
	}
	return strings.Join(quoted, ", ")
}
