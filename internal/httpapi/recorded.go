package httpapi

import (
	"log/slog"
	"net/http"

	"pawpulse-live/internal/recorder"
	"pawpulse-live/internal/utils"
)

const (
	defaultRecordedLimit = 100
	maxRecordedLimit     = 1000
)

type recordedAPI struct {
	repo recorder.Repository
}

func (a *recordedAPI) handleReadings(w http.ResponseWriter, r *http.Request) {
	id, ok := petID(w, r)
	if !ok {
		return
	}
	limit, err := utils.QueryLimit(r, defaultRecordedLimit, maxRecordedLimit)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.repo.LatestReadings(r.Context(), id, limit)
	if err != nil {
		slog.Error("failed to load recorded readings", "pet_id", id, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load recorded readings")
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{
		"pet_id": id,
		"limit":  limit,
		"items":  items,
	})
}

func (a *recordedAPI) handleAlerts(w http.ResponseWriter, r *http.Request) {
	id, ok := petID(w, r)
	if !ok {
		return
	}
	limit, err := utils.QueryLimit(r, defaultRecordedLimit, maxRecordedLimit)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.repo.LatestAlerts(r.Context(), id, limit)
	if err != nil {
		slog.Error("failed to load recorded alerts", "pet_id", id, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load recorded alerts")
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{
		"pet_id": id,
		"limit":  limit,
		"items":  items,
	})
}

func registerRecorded(mux *http.ServeMux, repo recorder.Repository) {
	api := &recordedAPI{repo: repo}
	mux.HandleFunc("GET /pets/{id}/recorded", api.handleReadings)
	mux.HandleFunc("GET /pets/{id}/alerts", api.handleAlerts)
}
