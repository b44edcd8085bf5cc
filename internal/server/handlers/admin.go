package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/watzon/quarry/internal/auth"
	"github.com/watzon/quarry/internal/config"
	"github.com/watzon/quarry/internal/database"
	"github.com/watzon/quarry/internal/database/migrations"
	"github.com/watzon/quarry/internal/scheduler"
)

// AdminHandlers serves the /api/admin/v1 routes: user management, schema
// DDL through the migration recorder, config compare-and-swap, and job
// introspection.
type AdminHandlers struct {
	users    *auth.Store
	recorder *migrations.Recorder
	snapshot *config.Snapshot
	sched    *scheduler.Scheduler
	maxBody  int64

	// onDDL runs after a recorded migration applies (schema cache rebuild,
	// record API reload).
	onDDL func(r *http.Request) error
	// onConfigSwap runs after a successful config CAS.
	onConfigSwap func(r *http.Request, cfg *config.Config) error
}

func NewAdminHandlers(users *auth.Store, recorder *migrations.Recorder, snapshot *config.Snapshot, sched *scheduler.Scheduler, maxBody int64, onDDL func(*http.Request) error, onConfigSwap func(*http.Request, *config.Config) error) *AdminHandlers {
	return &AdminHandlers{
		users:        users,
		recorder:     recorder,
		snapshot:     snapshot,
		sched:        sched,
		maxBody:      maxBody,
		onDDL:        onDDL,
		onConfigSwap: onConfigSwap,
	}
}

// requireAdmin loads the caller's user row and checks the admin flag.
func (h *AdminHandlers) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil {
		Unauthorized(w, "authentication required")
		return false
	}

	user, err := h.users.ByID(r.Context(), claims.UserID)
	if err != nil || !user.Admin {
		Forbidden(w, "admin access required")
		return false
	}
	return true
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
	Admin    bool   `json:"admin"`
	Created  int64  `json:"created"`
	Updated  int64  `json:"updated"`
}

func userToResponse(u *auth.User) userResponse {
	return userResponse{
		ID:       u.EncodedID(),
		Email:    u.Email,
		Verified: u.Verified,
		Admin:    u.Admin,
		Created:  u.Created,
		Updated:  u.Updated,
	}
}

// UserList handles GET /users.
func (h *AdminHandlers) UserList(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	users, err := h.users.List(r.Context(), limit, offset)
	if err != nil {
		AuthError(w, err)
		return
	}

	out := make([]userResponse, len(users))
	for i, u := range users {
		out[i] = userToResponse(u)
	}
	JSON(w, http.StatusOK, map[string]any{"users": out})
}

// UserCreate handles POST /users.
func (h *AdminHandlers) UserCreate(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Verified bool   `json:"verified"`
		Admin    bool   `json:"admin"`
	}
	if err := DecodeJSON(r, h.maxBody, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	hash := ""
	if req.Password != "" {
		var err error
		hash, err = auth.HashPassword(req.Password)
		if err != nil {
			AuthError(w, err)
			return
		}
	}

	user, err := h.users.Create(r.Context(), req.Email, hash, req.Verified)
	if err != nil {
		AuthError(w, err)
		return
	}

	if req.Admin {
		if err := h.users.Update(r.Context(), user.ID, map[string]any{"admin": 1}); err != nil {
			AuthError(w, err)
			return
		}
		user.Admin = true
	}
	JSON(w, http.StatusOK, userToResponse(user))
}

func (h *AdminHandlers) pathUserID(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	id, err := auth.DecodeUserID(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid user id")
		return nil, false
	}
	return id, true
}

// UserGet handles GET /users/{id}.
func (h *AdminHandlers) UserGet(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	id, ok := h.pathUserID(w, r)
	if !ok {
		return
	}

	user, err := h.users.ByID(r.Context(), id)
	if err != nil {
		AuthError(w, err)
		return
	}
	JSON(w, http.StatusOK, userToResponse(user))
}

// UserUpdate handles PATCH /users/{id}.
func (h *AdminHandlers) UserUpdate(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	id, ok := h.pathUserID(w, r)
	if !ok {
		return
	}

	var req struct {
		Email    *string `json:"email"`
		Password *string `json:"password"`
		Verified *bool   `json:"verified"`
		Admin    *bool   `json:"admin"`
	}
	if err := DecodeJSON(r, h.maxBody, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	changes := make(map[string]any)
	if req.Email != nil {
		changes["email"] = *req.Email
	}
	if req.Password != nil {
		hash, err := auth.HashPassword(*req.Password)
		if err != nil {
			AuthError(w, err)
			return
		}
		changes["password_hash"] = hash
	}
	if req.Verified != nil {
		changes["verified"] = boolToInt(*req.Verified)
	}
	if req.Admin != nil {
		changes["admin"] = boolToInt(*req.Admin)
	}

	if err := h.users.Update(r.Context(), id, changes); err != nil {
		AuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UserDelete handles DELETE /users/{id}: sessions and dependent rows
// cascade.
func (h *AdminHandlers) UserDelete(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	id, ok := h.pathUserID(w, r)
	if !ok {
		return
	}

	if err := h.users.Delete(r.Context(), id); err != nil {
		AuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SchemaDDL handles POST /schema: runs the submitted DDL through the
// transaction recorder, producing a migration file before the change goes
// live.
func (h *AdminHandlers) SchemaDDL(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	var req struct {
		Name       string   `json:"name"`
		Statements []string `json:"statements"`
	}
	if err := DecodeJSON(r, h.maxBody, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if len(req.Statements) == 0 {
		BadRequest(w, "statements must not be empty")
		return
	}

	migration, err := h.recorder.Record(r.Context(), req.Name, req.Statements)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	if h.onDDL != nil && database.ContainsDDL(migration.Content) {
		if err := h.onDDL(r); err != nil {
			InternalError(w, "schema reload failed: "+err.Error())
			return
		}
	}

	JSON(w, http.StatusOK, map[string]any{
		"migration": migration.Filename(),
		"checksum":  migration.Checksum,
	})
}

// ConfigGet handles GET /config: the live config plus its CAS hash.
func (h *AdminHandlers) ConfigGet(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	cfg, hash := h.snapshot.Get()
	JSON(w, http.StatusOK, map[string]any{"hash": hash, "config": cfg})
}

// ConfigUpdate handles PUT /config: validates the candidate and CAS-swaps
// it against the presented hash; a stale hash answers 412.
func (h *AdminHandlers) ConfigUpdate(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	var req struct {
		Hash   string          `json:"hash"`
		Config json.RawMessage `json:"config"`
	}
	if err := DecodeJSON(r, h.maxBody, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	candidate := config.Defaults()
	if err := json.Unmarshal(req.Config, candidate); err != nil {
		BadRequest(w, "invalid config: "+err.Error())
		return
	}

	newHash, err := h.snapshot.Swap(candidate, req.Hash)
	if err != nil {
		if errors.Is(err, config.ErrStaleHash) {
			Error(w, http.StatusPreconditionFailed, "STALE_CONFIG", "config hash is stale")
			return
		}
		BadRequest(w, err.Error())
		return
	}

	if h.onConfigSwap != nil {
		if err := h.onConfigSwap(r, candidate); err != nil {
			InternalError(w, "applying config failed: "+err.Error())
			return
		}
	}

	JSON(w, http.StatusOK, map[string]string{"hash": newHash})
}

// JobList handles GET /jobs.
func (h *AdminHandlers) JobList(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	JSON(w, http.StatusOK, map[string]any{"jobs": h.sched.List()})
}

// JobRun handles POST /jobs/{id}/run.
func (h *AdminHandlers) JobRun(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	if err := h.sched.RunJob(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			NotFound(w, "job not found")
			return
		}
		InternalError(w, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "triggered"})
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
