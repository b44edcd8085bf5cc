package handlers

import (
	"net/http"

	"github.com/watzon/quarry/internal/database"
)

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	db      *database.DB
	version string
}

func NewHealthHandlers(db *database.DB, version string) *HealthHandlers {
	return &HealthHandlers{db: db, version: version}
}

// Liveness answers as long as the process serves requests.
func (h *HealthHandlers) Liveness(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.version})
}

// Readiness verifies the database answers queries.
func (h *HealthHandlers) Readiness(w http.ResponseWriter, r *http.Request) {
	if _, err := h.db.QueryRow(r.Context(), "SELECT 1 AS ok"); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
