package httpapi

import (
	"database/sql"
	"log/slog"
	"net/http"

	"pawpulse-live/internal/utils"
)

type healthchecker interface {
	handleHealthz(w http.ResponseWriter, r *http.Request)
}

type healthcheckerImpl struct {
	live LiveClient
	db   *sql.DB
}

func NewHealthchecker(live LiveClient, db *sql.DB) healthchecker {
	return &healthcheckerImpl{live: live, db: db}
}

// handleHealthz reports liveness. A dropped stream is not a failure since the
// reconnector owns recovery; an unreachable recorder database is.
func (h *healthcheckerImpl) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			slog.Error("failed to check database connectivity", "error", err)
			utils.WriteError(w, http.StatusInternalServerError, "failed to check database connectivity")
			return
		}
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"connection":    h.live.State().String(),
		"subscriptions": len(h.live.Subscriptions()),
	})
}

func registerHealthcheck(mux *http.ServeMux, live LiveClient, db *sql.DB) {
	healthchecker := NewHealthchecker(live, db)
	mux.HandleFunc("GET /healthz", healthchecker.handleHealthz)
}
