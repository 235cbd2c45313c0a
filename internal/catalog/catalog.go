// Package catalog reads table metadata (columns, primary key, unique indices)
// from a PostgreSQL catalog.
package catalog

import "errors"

// DefaultPrimaryKey is assumed when the catalog reports no primary key.
const DefaultPrimaryKey = "id"

// ErrTableNotFound is returned when a table has no columns in the schema.
var ErrTableNotFound = errors.New("table not found")

// Column describes one column of a table.
type Column struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	IsPrimaryKey bool   `json:"is_primary_key"`
	IsGenerated  bool   `json:"is_generated,omitempty"`
}

// IndexElement is one covering element of a unique index: either a plain
// column or an expression such as lower(email).
type IndexElement struct {
	Column     string `json:"column,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// IsExpression reports whether the element is an expression rather than a column.
func (e IndexElement) IsExpression() bool {
	return e.Column == "" && e.Expression != ""
}

// UniqueIndex is a parsed unique index definition.
type UniqueIndex struct {
	Name        string         `json:"name"`
	Definition  string         `json:"definition,omitempty"`
	WhereClause string         `json:"where_clause,omitempty"`
	Elements    []IndexElement `json:"elements"`

	// Unsupported is set when an element uses a JSON accessor operator.
	Unsupported bool `json:"unsupported,omitempty"`
}

// Columns returns the plain covering column names, skipping expressions.
func (u UniqueIndex) Columns() []string {
	cols := make([]string, 0, len(u.Elements))
	for _, e := range u.Elements {
		if e.Column != "" {
			cols = append(cols, e.Column)
		}
	}
	return cols
}

// TableMetadata is everything the sync engine needs to know about a table.
// It is fetched once per run and not modified afterwards.
type TableMetadata struct {
	Name          string        `json:"name"`
	PrimaryKey    string        `json:"primary_key"`
	Columns       []Column      `json:"columns"`
	UniqueIndices []UniqueIndex `json:"unique_indices"`
}

// Column looks up a column by name.
func (t TableMetadata) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// HasGeneratedColumns reports whether any column is GENERATED ALWAYS.
func (t TableMetadata) HasGeneratedColumns() bool {
	for _, c := range t.Columns {
		if c.IsGenerated {
			return true
		}
	}
	return false
}

// InsertableColumns returns the names of columns that accept explicit values.
func (t TableMetadata) InsertableColumns() []string {
	cols := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if !c.IsGenerated {
			cols = append(cols, c.Name)
		}
	}
	return cols
}

// Metadata maps table name to its metadata.
type Metadata map[string]TableMetadata
