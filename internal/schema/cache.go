package schema

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/watzon/quarry/internal/database"
)

// Snapshot is an immutable view of the database schema. Readers obtain a
// snapshot and never block a concurrent rebuild.
type Snapshot struct {
	tables map[string]*Table
}

// Table looks up a table or view by name.
func (s *Snapshot) Table(name string) (*Table, bool) {
	t, ok := s.tables[name]
	return t, ok
}

// Tables returns all cached tables and views.
func (s *Snapshot) Tables() []*Table {
	out := make([]*Table, 0, len(s.tables))
	for _, t := range s.tables {
		out = append(out, t)
	}
	return out
}

// Cache rebuilds schema snapshots from sqlite_schema and swaps them behind
// an atomic pointer. Rebuild after every committed DDL batch.
type Cache struct {
	db  *database.DB
	ptr atomic.Pointer[Snapshot]
}

// NewCache builds the initial snapshot.
func NewCache(ctx context.Context, db *database.DB) (*Cache, error) {
	c := &Cache{db: db}
	if err := c.Rebuild(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns the current snapshot.
func (c *Cache) Get() *Snapshot {
	return c.ptr.Load()
}

// Rebuild constructs a fresh snapshot and installs it. The swap happens
// only once the snapshot is fully built.
func (c *Cache) Rebuild(ctx context.Context) error {
	rows, err := c.db.Query(ctx, `
		SELECT name, type, sql FROM sqlite_schema
		WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
	`)
	if err != nil {
		return fmt.Errorf("reading sqlite_schema: %w", err)
	}

	tables := make(map[string]*Table, len(rows))
	for _, row := range rows {
		name := asString(row["name"])
		kind := asString(row["type"])
		createSQL := asString(row["sql"])

		table, err := c.introspect(ctx, name, kind == "view", createSQL)
		if err != nil {
			return fmt.Errorf("introspecting %s: %w", name, err)
		}
		tables[name] = table
	}

	c.ptr.Store(&Snapshot{tables: tables})
	log.Debug().Int("tables", len(tables)).Msg("Schema cache rebuilt")
	return nil
}

func (c *Cache) introspect(ctx context.Context, name string, isView bool, createSQL string) (*Table, error) {
	table := &Table{Name: name, IsView: isView, SQL: createSQL}

	infoRows, err := c.db.Query(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, name))
	if err != nil {
		return nil, fmt.Errorf("table_info: %w", err)
	}

	for _, row := range infoRows {
		col := Column{
			Name:         asString(row["name"]),
			DeclaredType: asString(row["type"]),
			NotNull:      asInt(row["notnull"]) != 0,
			PrimaryKey:   asInt(row["pk"]) != 0,
			DefaultExpr:  asString(row["dflt_value"]),
		}
		table.Columns = append(table.Columns, col)
	}

	if !isView {
		fkRows, err := c.db.Query(ctx, fmt.Sprintf(`PRAGMA foreign_key_list(%q)`, name))
		if err != nil {
			return nil, fmt.Errorf("foreign_key_list: %w", err)
		}
		for _, row := range fkRows {
			from := asString(row["from"])
			if col, ok := table.Column(from); ok {
				to := asString(row["to"])
				if to == "" {
					// Implicit reference to the referred table's PK.
					to = "id"
				}
				col.ForeignKey = &ForeignKey{Table: asString(row["table"]), Column: to}
			}
		}
	}

	schemaChecks := parseJSONSchemaChecks(createSQL)
	for i := range table.Columns {
		col := &table.Columns[i]
		if schemaName, ok := schemaChecks[col.Name]; ok {
			col.JSONSchema = schemaName
			col.File = fileKindOf(schemaName)
			if col.File != FileNone {
				table.HasFileColumns = true
			}
		}
	}

	if !isView {
		table.RecordPK, table.RecordPKKind = recordPK(table.Columns, parseUUIDv7Checks(createSQL))
	} else {
		table.RecordPK, table.RecordPKKind = viewRecordPK(table)
	}

	return table, nil
}

// viewRecordPK applies a best-effort rule for simple views: a column named
// "id" with INTEGER or BLOB affinity addresses rows. Views missing that are
// readable through listings only.
func viewRecordPK(t *Table) (string, PKKind) {
	col, ok := t.Column("id")
	if !ok {
		return "", PKNone
	}
	switch strings.ToUpper(col.DeclaredType) {
	case "INTEGER":
		return col.Name, PKInteger
	case "BLOB":
		return col.Name, PKUUIDv7
	}
	return "", PKNone
}

// VerifySchemas checks that every named JSON schema referenced by a cached
// column exists in the registry. Called at connection open.
func (s *Snapshot) VerifySchemas(known func(string) bool) error {
	for _, t := range s.tables {
		for _, col := range t.Columns {
			if col.JSONSchema != "" && !known(col.JSONSchema) {
				return fmt.Errorf("table %s column %s references unknown json schema %q", t.Name, col.Name, col.JSONSchema)
			}
		}
	}
	return nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
