package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/watzon/quarry/internal/auth"
	"github.com/watzon/quarry/internal/metrics"
	"github.com/watzon/quarry/internal/realtime"
	"github.com/watzon/quarry/internal/records"
	"github.com/watzon/quarry/internal/rules"
)

// RecordHandlers serves the record API routes.
type RecordHandlers struct {
	service *records.Service
	users   *auth.Store
	maxBody int64
}

func NewRecordHandlers(service *records.Service, users *auth.Store, maxBody int64) *RecordHandlers {
	return &RecordHandlers{service: service, users: users, maxBody: maxBody}
}

// caller builds the rule-evaluation identity for the request. The admin
// flag comes from the user row, not the token, so revocation applies
// immediately.
func (h *RecordHandlers) caller(r *http.Request, body []byte) *records.Caller {
	caller := &records.Caller{Body: body}

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		if name == "Authorization" || name == "Cookie" {
			continue
		}
		headers[name] = r.Header.Get(name)
	}
	if encoded, err := json.Marshal(headers); err == nil {
		caller.Headers = encoded
	}

	params := make(map[string]any)
	for key := range r.URL.Query() {
		if !strings.HasPrefix(key, "filter") && key != "order" && key != "limit" && key != "cursor" && key != "expand" && key != "count" {
			params[key] = r.URL.Query().Get(key)
		}
	}
	caller.Params = params

	if claims := auth.ClaimsFrom(r.Context()); claims != nil {
		user := &rules.UserContext{
			ID:       claims.UserID,
			Email:    claims.Email,
			Verified: claims.Verified,
		}
		if row, err := h.users.ByID(r.Context(), claims.UserID); err == nil {
			user.Admin = row.Admin
		}
		caller.User = user
	}
	return caller
}

func (h *RecordHandlers) lookup(w http.ResponseWriter, r *http.Request) (*records.API, bool) {
	api, err := h.service.Lookup(r.PathValue("name"))
	if err != nil {
		RecordError(w, err)
		return nil, false
	}
	return api, true
}

// List handles GET /api/records/v1/{name}.
func (h *RecordHandlers) List(w http.ResponseWriter, r *http.Request) {
	api, ok := h.lookup(w, r)
	if !ok {
		return
	}

	result, err := h.service.List(r.Context(), api, h.caller(r, nil), r.URL.Query())
	if err != nil {
		metrics.RecordOperation(api.Name, "list", "error")
		RecordError(w, err)
		return
	}

	metrics.RecordOperation(api.Name, "list", "ok")
	JSON(w, http.StatusOK, result)
}

// Create handles POST /api/records/v1/{name}: a JSON object, a JSON array
// (batch), or a multipart form with file parts.
func (h *RecordHandlers) Create(w http.ResponseWriter, r *http.Request) {
	api, ok := h.lookup(w, r)
	if !ok {
		return
	}

	rows, form, body, err := h.parseCreateBody(r)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	caller := h.caller(r, body)

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		id, cerr := h.service.Create(r.Context(), api, caller, row, form)
		if cerr != nil {
			metrics.RecordOperation(api.Name, "create", "error")
			RecordError(w, cerr)
			return
		}
		if id != "" {
			ids = append(ids, id)
		}
	}

	metrics.RecordOperation(api.Name, "create", "ok")
	JSON(w, http.StatusOK, map[string]any{"ids": ids})
}

func (h *RecordHandlers) parseCreateBody(r *http.Request) ([]map[string]any, *multipart.Form, []byte, error) {
	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if contentType == "multipart/form-data" {
		if err := r.ParseMultipartForm(h.maxBody); err != nil {
			return nil, nil, nil, fmt.Errorf("parsing multipart form: %w", err)
		}

		row := make(map[string]any)
		for key, values := range r.MultipartForm.Value {
			if len(values) > 0 {
				row[key] = values[0]
			}
		}
		encoded, _ := json.Marshal(row)
		return []map[string]any{row}, r.MultipartForm, encoded, nil
	}

	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, h.maxBody))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reading body: %w", err)
	}

	var single map[string]any
	if err := json.Unmarshal(body, &single); err == nil {
		return []map[string]any{single}, nil, body, nil
	}

	var batch []map[string]any
	if err := json.Unmarshal(body, &batch); err == nil {
		return batch, nil, body, nil
	}
	return nil, nil, nil, errors.New("body must be a JSON object or array of objects")
}

// Read handles GET /api/records/v1/{name}/{id}.
func (h *RecordHandlers) Read(w http.ResponseWriter, r *http.Request) {
	api, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var expand []string
	if e := r.URL.Query().Get("expand"); e != "" {
		expand = strings.Split(e, ",")
	}

	row, err := h.service.Read(r.Context(), api, h.caller(r, nil), r.PathValue("id"), expand)
	if err != nil {
		metrics.RecordOperation(api.Name, "read", "error")
		RecordError(w, err)
		return
	}

	metrics.RecordOperation(api.Name, "read", "ok")
	JSON(w, http.StatusOK, row)
}

// Update handles PATCH /api/records/v1/{name}/{id}.
func (h *RecordHandlers) Update(w http.ResponseWriter, r *http.Request) {
	api, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var data map[string]any
	var form *multipart.Form
	var body []byte

	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if contentType == "multipart/form-data" {
		if err := r.ParseMultipartForm(h.maxBody); err != nil {
			BadRequest(w, "parsing multipart form: "+err.Error())
			return
		}
		data = make(map[string]any)
		for key, values := range r.MultipartForm.Value {
			if len(values) > 0 {
				data[key] = values[0]
			}
		}
		form = r.MultipartForm
		body, _ = json.Marshal(data)
	} else {
		raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, h.maxBody))
		if err != nil {
			BadRequest(w, "reading body: "+err.Error())
			return
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			BadRequest(w, "body must be a JSON object")
			return
		}
		body = raw
	}

	if err := h.service.Update(r.Context(), api, h.caller(r, body), r.PathValue("id"), data, form); err != nil {
		metrics.RecordOperation(api.Name, "update", "error")
		RecordError(w, err)
		return
	}

	metrics.RecordOperation(api.Name, "update", "ok")
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/records/v1/{name}/{id}.
func (h *RecordHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	api, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), api, h.caller(r, nil), r.PathValue("id")); err != nil {
		metrics.RecordOperation(api.Name, "delete", "error")
		RecordError(w, err)
		return
	}

	metrics.RecordOperation(api.Name, "delete", "ok")
	w.WriteHeader(http.StatusNoContent)
}

// Schema handles GET /api/records/v1/{name}/schema.
func (h *RecordHandlers) Schema(w http.ResponseWriter, r *http.Request) {
	api, ok := h.lookup(w, r)
	if !ok {
		return
	}

	mode, err := records.ParseSchemaMode(r.URL.Query().Get("mode"))
	if err != nil {
		RecordError(w, err)
		return
	}

	doc, err := h.service.Schema(r.Context(), api, h.caller(r, nil), mode)
	if err != nil {
		RecordError(w, err)
		return
	}
	JSON(w, http.StatusOK, doc)
}

// Subscribe handles GET /api/records/v1/{name}/subscribe/{id}. The id path
// segment is "*" for whole-table streams. WebSocket upgrades share the
// route; plain requests get SSE.
func (h *RecordHandlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	api, ok := h.lookup(w, r)
	if !ok {
		return
	}

	sub, err := h.service.Subscribe(r.Context(), api, h.caller(r, nil), r.PathValue("id"))
	if err != nil {
		RecordError(w, err)
		return
	}
	defer h.service.Broker().Unsubscribe(sub)

	metrics.SubscriptionOpened()
	defer metrics.SubscriptionClosed()

	encode := func(event realtime.Event) (any, error) {
		return h.service.EncodeEvent(event)
	}

	var serveErr error
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		serveErr = realtime.ServeWebSocket(r.Context(), w, r, sub, encode)
	} else {
		serveErr = realtime.ServeSSE(r.Context(), w, sub, encode)
	}
	if serveErr != nil {
		log.Debug().Err(serveErr).Str("api", api.Name).Msg("Subscription stream ended with error")
	}
}

// GetFile handles GET /api/records/v1/{name}/{id}/file/{col}.
func (h *RecordHandlers) GetFile(w http.ResponseWriter, r *http.Request) {
	h.serveFile(w, r, "")
}

// GetFileFromList handles GET /api/records/v1/{name}/{id}/files/{col}/{file_id}.
func (h *RecordHandlers) GetFileFromList(w http.ResponseWriter, r *http.Request) {
	h.serveFile(w, r, r.PathValue("file_id"))
}

func (h *RecordHandlers) serveFile(w http.ResponseWriter, r *http.Request, fileID string) {
	api, ok := h.lookup(w, r)
	if !ok {
		return
	}

	upload, err := h.service.ReadFile(r.Context(), api, h.caller(r, nil), r.PathValue("id"), r.PathValue("col"), fileID)
	if err != nil {
		RecordError(w, err)
		return
	}

	blob, err := h.service.OpenFile(r.Context(), upload)
	if err != nil {
		RecordError(w, err)
		return
	}
	defer blob.Close()

	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", upload.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, blob)
}
