// Package schema maintains the metadata cache over sqlite_schema: typed
// table and view records with primary keys, foreign-key edges, JSON-schema
// constrained columns, and file columns.
package schema

import (
	"strings"

	"github.com/watzon/quarry/internal/jsonschema"
)

// FileKind classifies a column's file-upload shape.
type FileKind int

const (
	FileNone FileKind = iota
	FileSingle
	FileList
)

// PKKind classifies record-addressable primary keys.
type PKKind int

const (
	// PKNone marks tables that cannot be addressed by a Record API.
	PKNone PKKind = iota
	// PKInteger is an INTEGER primary key (rowid alias).
	PKInteger
	// PKUUIDv7 is a 16-byte BLOB primary key constrained by is_uuid_v7.
	PKUUIDv7
)

// ForeignKey is one FK edge from a column to a referred table column.
type ForeignKey struct {
	Table  string
	Column string
}

// Column is the cached metadata for one table or view column.
type Column struct {
	Name         string
	DeclaredType string
	NotNull      bool
	PrimaryKey   bool
	DefaultExpr  string
	ForeignKey   *ForeignKey
	// JSONSchema is the registry name attached via jsonschema(col, '<name>').
	JSONSchema string
	File       FileKind
}

// Table is the cached metadata for one table or simple view.
type Table struct {
	Name    string
	IsView  bool
	SQL     string
	Columns []Column

	// RecordPK names the record-addressing primary key column, or "" when
	// the table is not record addressable.
	RecordPK     string
	RecordPKKind PKKind

	HasFileColumns bool
}

// Column returns the column with the given name.
func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// ColumnNames returns the ordered column names.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i := range t.Columns {
		names[i] = t.Columns[i].Name
	}
	return names
}

// FileColumns returns the columns holding file uploads.
func (t *Table) FileColumns() []Column {
	var cols []Column
	for _, c := range t.Columns {
		if c.File != FileNone {
			cols = append(cols, c)
		}
	}
	return cols
}

// UserIDColumns returns BLOB columns with an FK to _user.id, the candidates
// for user-id autofill.
func (t *Table) UserIDColumns() []string {
	var cols []string
	for _, c := range t.Columns {
		if c.ForeignKey != nil && c.ForeignKey.Table == "_user" && c.ForeignKey.Column == "id" &&
			strings.EqualFold(c.DeclaredType, "BLOB") {
			cols = append(cols, c.Name)
		}
	}
	return cols
}

func fileKindOf(schemaName string) FileKind {
	switch schemaName {
	case jsonschema.SchemaFileUpload:
		return FileSingle
	case jsonschema.SchemaFileUploads:
		return FileList
	default:
		return FileNone
	}
}
