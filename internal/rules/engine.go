// Package rules evaluates user-supplied boolean SQL expressions as
// row-level access rules. A rule runs as a read-only sub-query with the
// request, row, user, and query parameters bound as named parameters under
// the _REQ_, _ROW_, _USER_, and _PARAMS_ relations.
package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/watzon/quarry/internal/database"
)

var (
	ErrAccessDenied    = errors.New("access denied")
	ErrInvalidRuleExpr = errors.New("invalid rule expression")
)

// Operation names the record-API request class a rule gates.
type Operation string

const (
	OpCreate Operation = "create"
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpSchema Operation = "schema"
)

// UserContext is the authenticated caller bound as _USER_.
type UserContext struct {
	ID       []byte
	Email    string
	Verified bool
	Admin    bool
}

// EvalContext carries everything a rule may reference.
type EvalContext struct {
	// User is nil for anonymous callers; _USER_ columns bind as NULL.
	User *UserContext
	// RequestBody and RequestHeaders are JSON encodings bound as _REQ_.
	RequestBody    []byte
	RequestHeaders []byte
	// Row binds as _ROW_: the current row state for read/update/delete, the
	// proposed row for create.
	Row database.Row
	// Params binds query parameters as _PARAMS_.
	Params map[string]any
}

// Engine evaluates rules on the read pool. Running rules on read-only
// connections also guarantees they cannot have side effects.
type Engine struct {
	db *database.DB
}

func NewEngine(db *database.DB) *Engine {
	return &Engine{db: db}
}

// identPattern restricts which column names can be bound as named
// parameters. Anything else is unreachable from a rule.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate compiles `SELECT (rule)` against the given row columns without
// executing it. Syntax errors and references to unknown columns reject the
// configuration.
func (e *Engine) Validate(ctx context.Context, rule string, rowColumns []string) error {
	if strings.TrimSpace(rule) == "" {
		return fmt.Errorf("%w: empty expression", ErrInvalidRuleExpr)
	}

	row := make(database.Row, len(rowColumns))
	for _, col := range rowColumns {
		row[col] = nil
	}
	query, _ := buildQuery(rule, &EvalContext{Row: row})

	stmt, err := e.db.Prepare(ctx, query)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRuleExpr, err)
	}
	return stmt.Close()
}

// Evaluate runs the rule and returns whether access is granted. A NULL
// result and any evaluation error deny.
func (e *Engine) Evaluate(ctx context.Context, rule string, ectx *EvalContext) (bool, error) {
	query, args := buildQuery(rule, ectx)

	row, err := e.db.QueryRow(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("evaluating access rule: %w", err)
	}

	verdict, ok := row["verdict"]
	if !ok || verdict == nil {
		return false, nil
	}
	switch v := verdict.(type) {
	case int64:
		return v != 0, nil
	case bool:
		return v, nil
	default:
		return false, nil
	}
}

// CheckAccess evaluates the rule and folds errors into a deny. Evaluation
// failures are logged but never surface details to the caller.
func (e *Engine) CheckAccess(ctx context.Context, rule string, ectx *EvalContext) error {
	allowed, err := e.Evaluate(ctx, rule, ectx)
	if err != nil {
		log.Error().Err(err).Msg("Access rule evaluation failed, denying")
		return ErrAccessDenied
	}
	if !allowed {
		return ErrAccessDenied
	}
	return nil
}

// buildQuery assembles the evaluation sub-query. Every value is a named
// parameter; nothing from the context is ever interpolated.
func buildQuery(rule string, ectx *EvalContext) (string, []any) {
	rowSelect := "SELECT NULL AS _"
	var rowArgs []any
	if len(ectx.Row) > 0 {
		var cols []string
		for _, col := range sortedKeys(ectx.Row) {
			if !identPattern.MatchString(col) {
				continue
			}
			param := "rule_row_" + col
			cols = append(cols, fmt.Sprintf(":%s AS %q", param, col))
			rowArgs = append(rowArgs, sql.Named(param, ectx.Row[col]))
		}
		if len(cols) > 0 {
			rowSelect = "SELECT " + strings.Join(cols, ", ")
		}
	}

	ctxFrom, ctxArgs := ContextFrom(ectx)
	args := append(rowArgs, ctxArgs...)

	query := fmt.Sprintf(
		"SELECT (%s) AS verdict FROM (%s) AS _ROW_, %s",
		rule, rowSelect, ctxFrom,
	)
	return query, args
}

// ContextFrom renders the _REQ_, _USER_, and _PARAMS_ relations as a
// FROM-clause fragment with bound parameters. Listings join these against
// the target table aliased as _ROW_ so a read rule can merge into the WHERE
// clause as a plain conjunct.
func ContextFrom(ectx *EvalContext) (string, []any) {
	var args []any

	reqSelect := "SELECT :rule_req_body AS body, :rule_req_headers AS headers"
	args = append(args,
		sql.Named("rule_req_body", nullableBytes(ectx.RequestBody)),
		sql.Named("rule_req_headers", nullableBytes(ectx.RequestHeaders)),
	)

	userSelect := "SELECT :rule_user_id AS id, :rule_user_email AS email, :rule_user_verified AS verified, :rule_user_admin AS admin"
	if ectx.User != nil {
		args = append(args,
			sql.Named("rule_user_id", ectx.User.ID),
			sql.Named("rule_user_email", ectx.User.Email),
			sql.Named("rule_user_verified", boolInt(ectx.User.Verified)),
			sql.Named("rule_user_admin", boolInt(ectx.User.Admin)),
		)
	} else {
		args = append(args,
			sql.Named("rule_user_id", nil),
			sql.Named("rule_user_email", nil),
			sql.Named("rule_user_verified", nil),
			sql.Named("rule_user_admin", nil),
		)
	}

	paramsSelect := "SELECT NULL AS _"
	if len(ectx.Params) > 0 {
		var cols []string
		for _, key := range sortedKeys(ectx.Params) {
			if !identPattern.MatchString(key) {
				continue
			}
			param := "rule_param_" + key
			cols = append(cols, fmt.Sprintf(":%s AS %q", param, key))
			args = append(args, sql.Named(param, ectx.Params[key]))
		}
		if len(cols) > 0 {
			paramsSelect = "SELECT " + strings.Join(cols, ", ")
		}
	}

	fragment := fmt.Sprintf("(%s) AS _REQ_, (%s) AS _USER_, (%s) AS _PARAMS_",
		reqSelect, userSelect, paramsSelect)
	return fragment, args
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// sortedKeys keeps generated SQL stable for tests and statement caching.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
