// Package records implements the record API engine: declarative table
// bindings with per-operation access rules compiled into parameterized SQL.
package records

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"mime/multipart"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/watzon/quarry/internal/config"
	"github.com/watzon/quarry/internal/database"
	"github.com/watzon/quarry/internal/realtime"
	"github.com/watzon/quarry/internal/rules"
	"github.com/watzon/quarry/internal/schema"
	"github.com/watzon/quarry/internal/storage"
)

// Caller is the request identity and context bound into rule evaluation.
type Caller struct {
	// User is nil for anonymous requests.
	User *rules.UserContext
	// Body and Headers are JSON encodings of the request for _REQ_.
	Body    []byte
	Headers []byte
	// Params carries query parameters for _PARAMS_.
	Params map[string]any
}

func (c *Caller) authenticated() bool {
	return c != nil && c.User != nil
}

func (c *Caller) evalContext(row database.Row) *rules.EvalContext {
	ectx := &rules.EvalContext{}
	if c != nil {
		ectx.User = c.User
		ectx.RequestBody = c.Body
		ectx.RequestHeaders = c.Headers
		ectx.Params = c.Params
	}
	ectx.Row = row
	return ectx
}

// ListResult is the listing response shape.
type ListResult struct {
	Cursor     string         `json:"cursor,omitempty"`
	TotalCount int64          `json:"total_count"`
	Records    []database.Row `json:"records"`
}

// Service is the record API engine.
type Service struct {
	db      *database.DB
	cache   *schema.Cache
	engine  *rules.Engine
	broker  *realtime.Broker
	backend storage.Backend

	registry atomic.Pointer[Registry]
}

// NewService wires the engine. Call Reload before serving requests.
func NewService(db *database.DB, cache *schema.Cache, engine *rules.Engine, broker *realtime.Broker, backend storage.Backend) *Service {
	s := &Service{db: db, cache: cache, engine: engine, broker: broker, backend: backend}
	s.registry.Store(&Registry{apis: map[string]*API{}})
	return s
}

// Reload rebuilds the API registry from config against the current schema
// snapshot. Invalid configurations leave the old registry live.
func (s *Service) Reload(ctx context.Context, cfgs []config.RecordAPIConfig) error {
	registry, err := BuildRegistry(ctx, cfgs, s.cache.Get(), s.engine)
	if err != nil {
		return err
	}
	s.registry.Store(registry)
	log.Info().Int("apis", len(registry.apis)).Msg("Record APIs reloaded")
	return nil
}

// Lookup resolves an API by name.
func (s *Service) Lookup(name string) (*API, *Error) {
	api, ok := s.registry.Load().Get(name)
	if !ok {
		return nil, errAPINotFound(name)
	}
	return api, nil
}

// Registry exposes the live registry for introspection.
func (s *Service) Registry() *Registry {
	return s.registry.Load()
}

// Broker exposes the realtime broker for subscription lifecycle management.
func (s *Service) Broker() *realtime.Broker {
	return s.broker
}

// ReadFile gates a file read through the read rule and returns the stored
// metadata for the addressed blob. fileID selects one entry of a list
// column; it is empty for single file columns.
func (s *Service) ReadFile(ctx context.Context, api *API, caller *Caller, id, column, fileID string) (*FileUpload, *Error) {
	col, ok := api.Table.Column(column)
	if !ok {
		return nil, errBadRequest("unknown column %q", column)
	}
	if col.File == schema.FileNone {
		return nil, errBadRequest("column %q is not a file column", column)
	}

	row, err := s.fetch(ctx, api, id)
	if err != nil {
		return nil, err
	}
	if gerr := s.gate(ctx, api, rules.OpRead, caller, row); gerr != nil {
		return nil, gerr
	}

	return fileFromColumn(col, row[column], fileID)
}

func (s *Service) gate(ctx context.Context, api *API, op rules.Operation, caller *Caller, row database.Row) *Error {
	if !api.Allowed(op, caller.authenticated()) {
		return errForbidden()
	}
	if rule := api.Rule(op); rule != "" {
		if err := s.engine.CheckAccess(ctx, rule, caller.evalContext(row)); err != nil {
			return errForbidden()
		}
	}
	return nil
}

// Create inserts one record, returning its encoded PK. Multipart file parts
// are staged to the object store before the transaction; a failed insert
// schedules the staged blobs for cleanup.
func (s *Service) Create(ctx context.Context, api *API, caller *Caller, data map[string]any, form *multipart.Form) (string, *Error) {
	if api.Table.IsView {
		return "", errRequiresTable(api.Name)
	}

	row := make(map[string]any, len(data))
	for k, v := range data {
		col, ok := api.Table.Column(k)
		if !ok {
			return "", errBadRequest("unknown column %q", k)
		}
		row[k] = castValue(col, v)
	}

	fileValues, staged, err := s.stageFiles(ctx, api.Table, form)
	if err != nil {
		s.sweepStaged(ctx, api.Table.Name, staged)
		return "", wrapDBError(err)
	}
	for k, v := range fileValues {
		row[k] = v
	}

	if api.Autofill {
		if aerr := autofillUserColumns(api.Table, row, caller); aerr != nil {
			s.sweepStaged(ctx, api.Table.Name, staged)
			return "", aerr
		}
	}

	if gerr := s.gate(ctx, api, rules.OpCreate, caller, database.Row(row)); gerr != nil {
		s.sweepStaged(ctx, api.Table.Name, staged)
		return "", gerr
	}

	insertSQL, args := buildInsert(api, row)

	var pkValue any
	txErr := s.db.TransactionAnd(ctx, func(tx *sql.Tx) error {
		result, err := tx.QueryContext(ctx, insertSQL, args...)
		if err != nil {
			return err
		}
		rows, err := database.ScanRows(result)
		result.Close()
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			if api.Conflict == ConflictIgnore {
				// INSERT OR IGNORE skipped the row on a conflict.
				return nil
			}
			return errBadRequest("record already exists")
		}
		pkValue = rows[0][api.Table.RecordPK]
		return nil
	}, func() {
		if pkValue != nil {
			s.publish(ctx, api.Table.Name, realtime.OpInsert, pkValue)
		}
	})
	if txErr != nil {
		s.sweepStaged(ctx, api.Table.Name, staged)
		return "", wrapDBError(txErr)
	}

	if pkValue == nil {
		return "", nil
	}
	return encodePK(pkValue), nil
}

// Read fetches one record, optionally expanding configured FK columns.
func (s *Service) Read(ctx context.Context, api *API, caller *Caller, id string, expand []string) (map[string]any, *Error) {
	row, err := s.fetch(ctx, api, id)
	if err != nil {
		return nil, err
	}

	if gerr := s.gate(ctx, api, rules.OpRead, caller, row); gerr != nil {
		return nil, gerr
	}

	encoded := encodeRow(row)
	if len(expand) > 0 {
		if eerr := s.expandRow(ctx, api, row, encoded, expand); eerr != nil {
			return nil, eerr
		}
	}
	return encoded, nil
}

// Update applies a partial row change. The access rule is evaluated against
// the current row state; prior values of updated file columns are enqueued
// for deletion in the same transaction.
func (s *Service) Update(ctx context.Context, api *API, caller *Caller, id string, data map[string]any, form *multipart.Form) *Error {
	if api.Table.IsView {
		return errRequiresTable(api.Name)
	}

	current, err := s.fetch(ctx, api, id)
	if err != nil {
		return err
	}

	if gerr := s.gate(ctx, api, rules.OpUpdate, caller, current); gerr != nil {
		return gerr
	}

	changes := make(map[string]any, len(data))
	for k, v := range data {
		col, ok := api.Table.Column(k)
		if !ok {
			return errBadRequest("unknown column %q", k)
		}
		if k == api.Table.RecordPK {
			return errBadRequest("primary key cannot be updated")
		}
		changes[k] = castValue(col, v)
	}

	fileValues, staged, ferr := s.stageFiles(ctx, api.Table, form)
	if ferr != nil {
		s.sweepStaged(ctx, api.Table.Name, staged)
		return wrapDBError(ferr)
	}
	for k, v := range fileValues {
		changes[k] = v
	}

	if len(changes) == 0 {
		return errBadRequest("empty update")
	}

	changedFileCols := make(map[string]bool)
	for _, col := range api.Table.FileColumns() {
		if _, ok := changes[col.Name]; ok {
			changedFileCols[col.Name] = true
		}
	}

	pkValue, perr := parseRecordID(id, api.Table.RecordPKKind)
	if perr != nil {
		return wrapDBError(perr)
	}

	updateSQL, args := buildUpdate(api, changes)
	args = append(args, sql.Named("pk", pkValue))

	txErr := s.db.TransactionAnd(ctx, func(tx *sql.Tx) error {
		if len(changedFileCols) > 0 {
			if err := enqueueFileDeletions(ctx, tx, api.Table, current, changedFileCols); err != nil {
				return err
			}
		}
		result, err := tx.ExecContext(ctx, updateSQL, args...)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errRecordNotFound()
		}
		return nil
	}, func() {
		s.publish(ctx, api.Table.Name, realtime.OpUpdate, pkValue)
	})
	if txErr != nil {
		s.sweepStaged(ctx, api.Table.Name, staged)
		return wrapDBError(txErr)
	}
	return nil
}

// Delete removes a record and enqueues its file blobs for deletion.
func (s *Service) Delete(ctx context.Context, api *API, caller *Caller, id string) *Error {
	if api.Table.IsView {
		return errRequiresTable(api.Name)
	}

	current, err := s.fetch(ctx, api, id)
	if err != nil {
		return err
	}

	if gerr := s.gate(ctx, api, rules.OpDelete, caller, current); gerr != nil {
		return gerr
	}

	pkValue, perr := parseRecordID(id, api.Table.RecordPKKind)
	if perr != nil {
		return wrapDBError(perr)
	}

	txErr := s.db.TransactionAnd(ctx, func(tx *sql.Tx) error {
		if api.Table.HasFileColumns {
			if err := enqueueFileDeletions(ctx, tx, api.Table, current, nil); err != nil {
				return err
			}
		}
		result, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE %q = :pk`, api.Table.Name, api.Table.RecordPK), sql.Named("pk", pkValue))
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errRecordNotFound()
		}
		return nil
	}, func() {
		s.publishDelete(api.Table.Name, pkValue, current)
	})
	if txErr != nil {
		return wrapDBError(txErr)
	}
	return nil
}

// List runs a filtered, cursor-paginated listing. A configured read rule
// merges into the WHERE clause as an additional conjunct, so denied rows
// are never materialized.
func (s *Service) List(ctx context.Context, api *API, caller *Caller, query url.Values) (*ListResult, *Error) {
	if !api.Allowed(rules.OpRead, caller.authenticated()) {
		return nil, errForbidden()
	}

	req, err := ParseListQuery(query, api.ListLimit, api.columnChecker())
	if err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		return nil, errBadRequest("%v", err)
	}

	where, werr := buildFilterWhereClause(req.Filter)
	if werr != nil {
		return nil, wrapDBError(werr)
	}

	cursorClause, cerr := buildCursorClause(req.Cursor, len(req.Order) > 0, api.Table.RecordPK, api.Table.RecordPKKind)
	if cerr != nil {
		return nil, wrapDBError(cerr)
	}
	where.And(cursorClause)

	limit := req.Limit
	if limit == 0 || limit > api.ListLimit {
		limit = api.ListLimit
	}

	from := fmt.Sprintf("%q AS _ROW_", api.Table.Name)
	args := append([]any{}, where.Params...)

	rule := api.Rule(rules.OpRead)
	if rule != "" {
		ctxFrom, ctxArgs := rules.ContextFrom(caller.evalContext(nil))
		from += ", " + ctxFrom
		args = append(args, ctxArgs...)
		where.And(&WhereClause{SQL: "COALESCE((" + rule + "), FALSE)"})
	}

	whereSQL := ""
	if where.SQL != "" {
		whereSQL = " WHERE " + where.SQL
	}

	listSQL := fmt.Sprintf("SELECT _ROW_.* FROM %s%s %s LIMIT %d",
		from, whereSQL, buildOrderClause(req.Order, api.Table.RecordPK), limit)

	rows, qerr := s.db.Query(ctx, listSQL, args...)
	if qerr != nil {
		return nil, wrapDBError(qerr)
	}

	result := &ListResult{Records: make([]database.Row, 0, len(rows))}
	for _, row := range rows {
		encoded := encodeRow(row)
		if len(req.Expand) > 0 {
			if eerr := s.expandRow(ctx, api, row, encoded, req.Expand); eerr != nil {
				return nil, eerr
			}
		}
		result.Records = append(result.Records, encoded)
	}

	if req.Count {
		countSQL := fmt.Sprintf("SELECT COUNT(*) AS n FROM %s%s", from, whereSQL)
		countRow, qerr := s.db.QueryRow(ctx, countSQL, args...)
		if qerr != nil {
			return nil, wrapDBError(qerr)
		}
		if n, ok := countRow["n"].(int64); ok {
			result.TotalCount = n
		}
	}

	// Emit a continuation cursor only on full pages under the default
	// ordering.
	if len(rows) == limit && len(req.Order) == 0 {
		last := rows[len(rows)-1]
		result.Cursor = EncodeCursor(last[api.Table.RecordPK])
	}

	return result, nil
}

// Subscribe registers a realtime listener. recordID is "*" for the whole
// table. The subscriber's read rule is re-checked per event against the
// event's row state; rejected events drop silently.
func (s *Service) Subscribe(ctx context.Context, api *API, caller *Caller, recordID string) (*realtime.Subscription, *Error) {
	if !api.Allowed(rules.OpRead, caller.authenticated()) {
		return nil, errForbidden()
	}

	var pk any
	if recordID != "*" {
		value, perr := parseRecordID(recordID, api.Table.RecordPKKind)
		if perr != nil {
			return nil, wrapDBError(perr)
		}
		pk = value
	}

	rule := api.Rule(rules.OpRead)
	allow := func(event realtime.Event) bool {
		if rule == "" {
			return true
		}
		allowed, err := s.engine.Evaluate(ctx, rule, caller.evalContext(event.Row))
		if err != nil {
			log.Error().Err(err).Str("table", event.Table).Msg("Subscription rule re-check failed, dropping event")
			return false
		}
		return allowed
	}

	return s.broker.Subscribe(api.Table.Name, pk, allow), nil
}

// EncodeEvent renders an event row for the wire: full row for inserts and
// updates, tombstone PK for deletes.
func (s *Service) EncodeEvent(event realtime.Event) (any, error) {
	if event.Op == realtime.OpDelete {
		return map[string]any{"id": encodePK(event.PK)}, nil
	}
	return encodeRow(event.Row), nil
}

// publish loads the committed row and fans it out. Runs on the writer actor
// post-commit, so delivery order equals commit order.
func (s *Service) publish(ctx context.Context, table string, op realtime.Op, pkValue any) {
	api := s.firstAPIForTable(table)
	if api == nil || s.broker.ListenerCount(table) == 0 {
		return
	}

	row, err := s.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT * FROM %q WHERE %q = :pk`, table, api.Table.RecordPK),
		sql.Named("pk", pkValue))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Error().Err(err).Str("table", table).Msg("Failed to load row for event publication")
		}
		return
	}

	s.broker.Publish(realtime.Event{Table: table, Op: op, PK: pkValue, Row: row})
}

// publishDelete carries the pre-delete row state so subscriber rules can be
// re-checked against the last row the subscriber could have seen.
func (s *Service) publishDelete(table string, pkValue any, lastRow database.Row) {
	if s.broker.ListenerCount(table) == 0 {
		return
	}
	s.broker.Publish(realtime.Event{Table: table, Op: realtime.OpDelete, PK: pkValue, Row: lastRow})
}

func (s *Service) firstAPIForTable(table string) *API {
	apis := s.registry.Load().APIsForTable(table)
	if len(apis) == 0 {
		return nil
	}
	return apis[0]
}

// fetch loads the addressed row including its rowid (for file-deletion
// bookkeeping on plain tables).
func (s *Service) fetch(ctx context.Context, api *API, id string) (database.Row, *Error) {
	pkValue, perr := parseRecordID(id, api.Table.RecordPKKind)
	if perr != nil {
		return nil, perr
	}

	projection := "*"
	if !api.Table.IsView {
		projection = "rowid, *"
	}

	row, err := s.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %q WHERE %q = :pk`, projection, api.Table.Name, api.Table.RecordPK),
		sql.Named("pk", pkValue))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errRecordNotFound()
		}
		return nil, errInternal(err)
	}
	return row, nil
}

// expandRow embeds referenced rows next to their FK columns. Only columns
// configured for expansion are honored; others are ignored rather than
// rejected so clients can share expand lists across APIs.
func (s *Service) expandRow(ctx context.Context, api *API, raw database.Row, encoded map[string]any, expand []string) *Error {
	for _, colName := range expand {
		colName = strings.TrimSpace(colName)
		target, ok := api.Expand[colName]
		if !ok {
			continue
		}

		fkValue := raw[colName]
		if fkValue == nil {
			continue
		}

		ref, err := s.db.QueryRow(ctx,
			fmt.Sprintf(`SELECT %s FROM %q WHERE %q = :pk`, buildExpandSelect(target), target.Name, target.RecordPK),
			sql.Named("pk", fkValue))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return errInternal(err)
		}

		encoded[colName] = map[string]any{
			"id":   encodePK(fkValue),
			"data": encodeRow(ref),
		}
	}
	return nil
}

func (a *API) columnChecker() columnChecker {
	return func(name string) error {
		if strings.HasPrefix(name, "_") {
			return errBadRequest("column %q is not filterable", name)
		}
		if _, ok := a.Table.Column(name); !ok {
			return errBadRequest("unknown column %q", name)
		}
		return nil
	}
}

func autofillUserColumns(table *schema.Table, row map[string]any, caller *Caller) *Error {
	for _, col := range table.UserIDColumns() {
		if _, present := row[col]; present {
			continue
		}
		if !caller.authenticated() {
			return errForbidden()
		}
		row[col] = caller.User.ID
	}
	return nil
}

// buildInsert renders the INSERT with the API's conflict policy and a
// RETURNING clause for the PK.
func buildInsert(api *API, row map[string]any) (string, []any) {
	cols := sortedStringKeys(row)

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = fmt.Sprintf("%q", col)
		param := fmt.Sprintf("c%d", i)
		placeholders[i] = ":" + param
		args[i] = sql.Named(param, row[col])
	}

	verb := "INSERT"
	switch api.Conflict {
	case ConflictReplace:
		verb = "INSERT OR REPLACE"
	case ConflictIgnore:
		verb = "INSERT OR IGNORE"
	}

	if len(cols) == 0 {
		return fmt.Sprintf("%s INTO %q DEFAULT VALUES RETURNING %q", verb, api.Table.Name, api.Table.RecordPK), nil
	}

	insertSQL := fmt.Sprintf("%s INTO %q (%s) VALUES (%s) RETURNING %q",
		verb,
		api.Table.Name,
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		api.Table.RecordPK,
	)
	return insertSQL, args
}

func buildUpdate(api *API, changes map[string]any) (string, []any) {
	cols := sortedStringKeys(changes)

	sets := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		param := fmt.Sprintf("c%d", i)
		sets[i] = fmt.Sprintf("%q = :%s", col, param)
		args[i] = sql.Named(param, changes[col])
	}

	updateSQL := fmt.Sprintf("UPDATE %q SET %s WHERE %q = :pk",
		api.Table.Name, strings.Join(sets, ", "), api.Table.RecordPK)
	return updateSQL, args
}

// castValue converts JSON body values into the column's storage type. UUID
// text destined for a BLOB column becomes its 16-byte form; JSON numbers
// destined for INTEGER columns lose their float shape.
func castValue(col *schema.Column, v any) any {
	switch value := v.(type) {
	case string:
		if strings.EqualFold(col.DeclaredType, "BLOB") {
			if parsed, err := uuid.Parse(value); err == nil {
				return parsed[:]
			}
			if raw, err := base64.RawURLEncoding.DecodeString(value); err == nil && len(raw) == 16 {
				return raw
			}
		}
		return value
	case float64:
		if strings.EqualFold(col.DeclaredType, "INTEGER") && value == float64(int64(value)) {
			return int64(value)
		}
		return value
	case bool:
		if strings.EqualFold(col.DeclaredType, "INTEGER") {
			if value {
				return int64(1)
			}
			return int64(0)
		}
		return value
	default:
		return v
	}
}

// encodeRow renders a database row for JSON responses: BLOBs become
// url-safe base64, the internal rowid projection is dropped.
func encodeRow(row database.Row) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		if k == "rowid" {
			continue
		}
		if b, ok := v.([]byte); ok {
			out[k] = base64.RawURLEncoding.EncodeToString(b)
			continue
		}
		out[k] = v
	}
	return out
}

func encodePK(pkValue any) string {
	switch v := pkValue.(type) {
	case int64:
		return fmt.Sprintf("%d", v)
	case []byte:
		return base64.RawURLEncoding.EncodeToString(v)
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
