package records

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/watzon/quarry/internal/jsonschema"
	"github.com/watzon/quarry/internal/rules"
	"github.com/watzon/quarry/internal/schema"
)

// SchemaMode selects which face of the API a generated JSON schema
// describes.
type SchemaMode string

const (
	ModeInsert SchemaMode = "Insert"
	ModeSelect SchemaMode = "Select"
	ModeUpdate SchemaMode = "Update"
)

// ParseSchemaMode validates the ?mode= query value; empty defaults to
// Select.
func ParseSchemaMode(s string) (SchemaMode, *Error) {
	switch s {
	case "":
		return ModeSelect, nil
	case string(ModeInsert), string(ModeSelect), string(ModeUpdate):
		return SchemaMode(s), nil
	default:
		return "", errBadRequest("unknown schema mode %q", s)
	}
}

// Schema produces the JSON schema describing the API's records in the given
// mode, gated by the SCHEMA ACL flag and the schema access rule.
func (s *Service) Schema(ctx context.Context, api *API, caller *Caller, mode SchemaMode) (map[string]any, *Error) {
	if !api.Allowed(rules.OpSchema, caller.authenticated()) {
		return nil, errForbidden()
	}
	if rule := api.Rule(rules.OpSchema); rule != "" {
		if err := s.engine.CheckAccess(ctx, rule, caller.evalContext(nil)); err != nil {
			return nil, errForbidden()
		}
	}

	properties := make(map[string]any, len(api.Table.Columns))
	var required []string

	for _, col := range api.Table.Columns {
		properties[col.Name] = columnSchema(&col, mode)

		if mode == ModeInsert && col.NotNull && col.DefaultExpr == "" && !col.PrimaryKey {
			required = append(required, col.Name)
		}
	}

	doc := map[string]any{
		"title":      api.Name,
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc, nil
}

func columnSchema(col *schema.Column, mode SchemaMode) any {
	if col.File != schema.FileNone {
		if raw, ok := jsonschema.Global().Get(col.JSONSchema); ok {
			var decoded any
			if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
				return decoded
			}
		}
	}

	var t string
	switch strings.ToUpper(col.DeclaredType) {
	case "INTEGER", "INT":
		t = "integer"
	case "REAL":
		t = "number"
	case "BLOB":
		// BLOBs travel as url-safe base64 text.
		t = "string"
	default:
		t = "string"
	}

	prop := map[string]any{"type": t}
	if !col.NotNull && mode != ModeInsert {
		prop["type"] = []string{t, "null"}
	}
	return prop
}
