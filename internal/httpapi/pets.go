package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"pawpulse-live/internal/telemetry"
	"pawpulse-live/internal/utils"
)

type PetsAPI interface {
	HandleSubscriptions(w http.ResponseWriter, r *http.Request)
	HandleSubscribe(w http.ResponseWriter, r *http.Request)
	HandleUnsubscribe(w http.ResponseWriter, r *http.Request)
	HandleLatest(w http.ResponseWriter, r *http.Request)
	HandleHistory(w http.ResponseWriter, r *http.Request)
	HandleClassification(w http.ResponseWriter, r *http.Request)
}

type petsAPIImpl struct {
	live LiveClient
}

func NewPetsAPI(live LiveClient) PetsAPI {
	return &petsAPIImpl{live: live}
}

type subscriptionResponse struct {
	PetID    telemetry.EntityID `json:"pet_id"`
	RefCount int                `json:"ref_count"`
}

type historyResponse struct {
	PetID    telemetry.EntityID  `json:"pet_id"`
	Capacity int                 `json:"capacity"`
	Items    []telemetry.Reading `json:"items"`
}

func (p *petsAPIImpl) HandleSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs := p.live.Subscriptions()
	if subs == nil {
		subs = []telemetry.Subscription{}
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{
		"connection": p.live.State().String(),
		"items":      subs,
	})
}

func (p *petsAPIImpl) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := petID(w, r)
	if !ok {
		return
	}
	if err := p.live.Subscribe(id); err != nil {
		writeLiveError(w, id, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, subscriptionResponse{PetID: id, RefCount: p.live.RefCount(id)})
}

func (p *petsAPIImpl) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := petID(w, r)
	if !ok {
		return
	}
	if err := p.live.Unsubscribe(id); err != nil {
		writeLiveError(w, id, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, subscriptionResponse{PetID: id, RefCount: p.live.RefCount(id)})
}

func (p *petsAPIImpl) HandleLatest(w http.ResponseWriter, r *http.Request) {
	id, ok := petID(w, r)
	if !ok {
		return
	}
	latest, found := p.live.Latest(id)
	if !found {
		utils.WriteError(w, http.StatusNotFound, fmt.Sprintf("no reading for pet %s", id))
		return
	}
	utils.WriteJSON(w, http.StatusOK, latest)
}

func (p *petsAPIImpl) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := petID(w, r)
	if !ok {
		return
	}
	if p.live.RefCount(id) == 0 {
		utils.WriteError(w, http.StatusNotFound, fmt.Sprintf("pet %s is not subscribed", id))
		return
	}
	items := p.live.History(id)
	if items == nil {
		items = []telemetry.Reading{}
	}
	utils.WriteJSON(w, http.StatusOK, historyResponse{PetID: id, Capacity: p.live.Capacity(), Items: items})
}

func (p *petsAPIImpl) HandleClassification(w http.ResponseWriter, r *http.Request) {
	id, ok := petID(w, r)
	if !ok {
		return
	}
	c, found := p.live.Classification(id)
	if !found {
		utils.WriteError(w, http.StatusNotFound, fmt.Sprintf("no classification for pet %s", id))
		return
	}
	utils.WriteJSON(w, http.StatusOK, c)
}

func petID(w http.ResponseWriter, r *http.Request) (telemetry.EntityID, bool) {
	id, err := telemetry.ParseEntityID(r.PathValue("id"))
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, "missing pet id")
		return "", false
	}
	return id, true
}

func writeLiveError(w http.ResponseWriter, id telemetry.EntityID, err error) {
	switch {
	case errors.Is(err, telemetry.ErrNotSubscribed):
		utils.WriteError(w, http.StatusConflict, fmt.Sprintf("pet %s is not subscribed", id))
	case errors.Is(err, telemetry.ErrInvalidEntity):
		utils.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

func registerPets(mux *http.ServeMux, live LiveClient) {
	api := NewPetsAPI(live)
	mux.HandleFunc("GET /pets", api.HandleSubscriptions)
	mux.HandleFunc("POST /pets/{id}/subscriptions", api.HandleSubscribe)
	mux.HandleFunc("DELETE /pets/{id}/subscriptions", api.HandleUnsubscribe)
	mux.HandleFunc("GET /pets/{id}/latest", api.HandleLatest)
	mux.HandleFunc("GET /pets/{id}/history", api.HandleHistory)
	mux.HandleFunc("GET /pets/{id}/classification", api.HandleClassification)
}
