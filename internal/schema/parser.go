package schema

import (
	"regexp"
	"strings"
)

// The cache introspects columns through PRAGMAs, which survive any CREATE
// statement SQLite itself accepts. The CREATE SQL is only consulted for
// constructs PRAGMAs do not expose: named jsonschema CHECKs and the
// is_uuid_v7 PK constraint.

var (
	jsonschemaCheckPattern = regexp.MustCompile(
		`(?is)jsonschema\s*\(\s*"?([A-Za-z_][A-Za-z0-9_]*)"?\s*,\s*'([^']+)'`)
	uuidV7CheckPattern = regexp.MustCompile(
		`(?is)is_uuid_v7\s*\(\s*"?([A-Za-z_][A-Za-z0-9_]*)"?\s*\)`)
)

// parseJSONSchemaChecks extracts column -> schema-name bindings from
// jsonschema(col, '<name>'[, ...]) CHECK expressions in a CREATE statement.
func parseJSONSchemaChecks(createSQL string) map[string]string {
	out := make(map[string]string)
	for _, m := range jsonschemaCheckPattern.FindAllStringSubmatch(createSQL, -1) {
		out[m[1]] = m[2]
	}
	return out
}

// parseUUIDv7Checks returns the set of columns constrained by is_uuid_v7().
func parseUUIDv7Checks(createSQL string) map[string]bool {
	out := make(map[string]bool)
	for _, m := range uuidV7CheckPattern.FindAllStringSubmatch(createSQL, -1) {
		out[m[1]] = true
	}
	return out
}

// recordPK decides whether the table's primary key makes it record
// addressable: a single INTEGER PK, or a single BLOB PK carrying an
// is_uuid_v7 check.
func recordPK(columns []Column, uuidChecks map[string]bool) (string, PKKind) {
	var pk *Column
	for i := range columns {
		if columns[i].PrimaryKey {
			if pk != nil {
				return "", PKNone // composite
			}
			pk = &columns[i]
		}
	}
	if pk == nil {
		return "", PKNone
	}

	switch strings.ToUpper(pk.DeclaredType) {
	case "INTEGER":
		return pk.Name, PKInteger
	case "BLOB":
		if uuidChecks[pk.Name] {
			return pk.Name, PKUUIDv7
		}
	}
	return "", PKNone
}
