package records

import (
	"database/sql"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/watzon/quarry/internal/schema"
)

// WhereClause is a SQL fragment with its bound parameters. Every literal
// from the request becomes a named parameter; nothing is interpolated.
type WhereClause struct {
	SQL    string
	Params []any
}

// And conjoins another clause onto this one.
func (w *WhereClause) And(other *WhereClause) {
	if other == nil || other.SQL == "" {
		return
	}
	if w.SQL == "" {
		w.SQL = other.SQL
	} else {
		w.SQL = "(" + w.SQL + ") AND (" + other.SQL + ")"
	}
	w.Params = append(w.Params, other.Params...)
}

// buildFilterWhereClause compiles a predicate tree. Parameter names are
// generated from a running counter shared across the whole clause.
func buildFilterWhereClause(pred Predicate) (*WhereClause, error) {
	if pred == nil {
		return &WhereClause{}, nil
	}
	counter := 0
	return compilePredicate(pred, &counter)
}

func compilePredicate(pred Predicate, counter *int) (*WhereClause, error) {
	switch p := pred.(type) {
	case Compare:
		return compileCompare(p, counter)
	case Composite:
		joiner := " AND "
		if p.Op == CompositeOr {
			joiner = " OR "
		}
		var parts []string
		var params []any
		for _, part := range p.Parts {
			sub, err := compilePredicate(part, counter)
			if err != nil {
				return nil, err
			}
			parts = append(parts, "("+sub.SQL+")")
			params = append(params, sub.Params...)
		}
		return &WhereClause{SQL: strings.Join(parts, joiner), Params: params}, nil
	default:
		return nil, errBadRequest("unknown predicate type")
	}
}

func compileCompare(c Compare, counter *int) (*WhereClause, error) {
	// Listings alias the target table as _ROW_ and may cross-join the
	// _REQ_/_USER_/_PARAMS_ relations for an access rule; qualifying keeps
	// row columns unambiguous against their column names.
	col := rowColumn(c.Column)

	nextParam := func(value any) (string, any) {
		name := fmt.Sprintf("f%d", *counter)
		*counter++
		return ":" + name, sql.Named(name, value)
	}

	switch c.Op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		sqlOp := map[FilterOp]string{
			OpEq: "=", OpNe: "<>", OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">=",
		}[c.Op]
		ph, param := nextParam(c.Value)
		return &WhereClause{SQL: fmt.Sprintf("%s %s %s", col, sqlOp, ph), Params: []any{param}}, nil

	case OpLike:
		ph, param := nextParam(c.Value)
		return &WhereClause{SQL: fmt.Sprintf("%s LIKE %s", col, ph), Params: []any{param}}, nil

	case OpILike:
		ph, param := nextParam(c.Value)
		return &WhereClause{SQL: fmt.Sprintf("LOWER(%s) LIKE LOWER(%s)", col, ph), Params: []any{param}}, nil

	case OpIn, OpNotIn:
		values := strings.Split(c.Value, ",")
		var placeholders []string
		var params []any
		for _, v := range values {
			ph, param := nextParam(v)
			placeholders = append(placeholders, ph)
			params = append(params, param)
		}
		op := "IN"
		if c.Op == OpNotIn {
			op = "NOT IN"
		}
		return &WhereClause{
			SQL:    fmt.Sprintf("%s %s (%s)", col, op, strings.Join(placeholders, ", ")),
			Params: params,
		}, nil

	case OpIs:
		switch strings.ToUpper(c.Value) {
		case "NULL", "":
			return &WhereClause{SQL: col + " IS NULL"}, nil
		case "!NULL", "NOT NULL":
			return &WhereClause{SQL: col + " IS NOT NULL"}, nil
		default:
			return nil, errBadRequest("$is accepts NULL or !NULL, got %q", c.Value)
		}

	default:
		return nil, errBadRequest("unknown filter operator %q", c.Op)
	}
}

// rowColumn qualifies a column against the _ROW_ alias List always applies
// to the target table.
func rowColumn(name string) string {
	return fmt.Sprintf("_ROW_.%q", name)
}

// buildOrderClause renders ORDER BY. An empty term list orders by the
// record PK descending so cursor pagination has a stable total order.
func buildOrderClause(terms []OrderTerm, pkColumn string) string {
	if len(terms) == 0 {
		return fmt.Sprintf("ORDER BY %s DESC", rowColumn(pkColumn))
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		dir := "ASC"
		if t.Descending {
			dir = "DESC"
		}
		parts[i] = fmt.Sprintf("%s %s", rowColumn(t.Column), dir)
	}
	return "ORDER BY " + strings.Join(parts, ", ")
}

// buildCursorClause turns an opaque cursor into a PK bound. Cursors are
// only defined for the default PK ordering; combining them with a custom
// order is rejected.
func buildCursorClause(cursor string, hasOrder bool, pk string, pkKind schema.PKKind) (*WhereClause, error) {
	if cursor == "" {
		return &WhereClause{}, nil
	}
	if hasOrder {
		return nil, errBadRequest("cursor cannot be combined with a custom order")
	}

	value, err := DecodeCursor(cursor, pkKind)
	if err != nil {
		return nil, err
	}

	return &WhereClause{
		SQL:    fmt.Sprintf("%s < :cursor", rowColumn(pk)),
		Params: []any{sql.Named("cursor", value)},
	}, nil
}

// EncodeCursor renders a PK value as an opaque listing cursor.
func EncodeCursor(pkValue any) string {
	switch v := pkValue.(type) {
	case int64:
		return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(v, 10)))
	case []byte:
		return base64.RawURLEncoding.EncodeToString(v)
	case string:
		return base64.RawURLEncoding.EncodeToString([]byte(v))
	default:
		return ""
	}
}

// DecodeCursor parses an opaque cursor back into a PK value.
func DecodeCursor(cursor string, pkKind schema.PKKind) (any, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, errBadRequest("malformed cursor")
	}

	switch pkKind {
	case schema.PKInteger:
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return nil, errBadRequest("malformed cursor")
		}
		return n, nil
	case schema.PKUUIDv7:
		if len(raw) != 16 {
			return nil, errBadRequest("malformed cursor")
		}
		return raw, nil
	default:
		return nil, errBadRequest("listing is not cursorable")
	}
}

// parseRecordID converts a path id segment into the PK's storage type:
// decimal for INTEGER PKs, canonical UUID text or url-safe base64 for
// UUIDv7 BLOB PKs.
func parseRecordID(id string, pkKind schema.PKKind) (any, *Error) {
	switch pkKind {
	case schema.PKInteger:
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, errBadRequest("invalid record id %q", id)
		}
		return n, nil
	case schema.PKUUIDv7:
		if parsed, err := uuid.Parse(id); err == nil {
			return parsed[:], nil
		}
		if raw, err := base64.RawURLEncoding.DecodeString(id); err == nil && len(raw) == 16 {
			return raw, nil
		}
		return nil, errBadRequest("invalid record id %q", id)
	default:
		return nil, errRecordNotFound()
	}
}

// buildExpandSelect returns the projection for an expanded FK target.
func buildExpandSelect(target *schema.Table) string {
	cols := make([]string, len(target.Columns))
	for i, c := range target.Columns {
		cols[i] = fmt.Sprintf("%q", c.Name)
	}
	return strings.Join(cols, ", ")
}
