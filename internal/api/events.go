package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/notifly/eventcore/internal/domain"
	"github.com/notifly/eventcore/internal/store"
)

type EventHandler struct {
	store *store.EventStore
}

func NewEventHandler(s *store.EventStore) *EventHandler {
	return &EventHandler{store: s}
}

func (h *EventHandler) Append(w http.ResponseWriter, r *http.Request) {
	var draft domain.EventDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	event, err := h.store.Append(r.Context(), draft)
	if err != nil {
		var verr *domain.ValidationError
		var conflict *domain.VersionConflictError
		var size *domain.SizeLimitError
		switch {
		case errors.As(err, &verr):
			respondError(w, http.StatusBadRequest, verr.Error())
		case errors.As(err, &conflict):
			respondError(w, http.StatusConflict, conflict.Error())
		case errors.As(err, &size):
			respondError(w, http.StatusRequestEntityTooLarge, size.Error())
		default:
			respondError(w, http.StatusInternalServerError, "failed to store event")
		}
		return
	}

	respondJSON(w, http.StatusCreated, event)
}

func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := domain.EventFilter{
		AggregateID:   q.Get("aggregate_id"),
		AggregateType: q.Get("aggregate_type"),
		UserID:        q.Get("user_id"),
		TenantID:      q.Get("tenant_id"),
		OrderBy:       q.Get("order_by"),
		Descending:    q.Get("order") == "desc",
	}
	if types := q["event_type"]; len(types) > 0 {
		filter.EventTypes = types
	}
	for _, s := range q["status"] {
		filter.Statuses = append(filter.Statuses, domain.EventStatus(s))
	}
	if v, err := strconv.ParseInt(q.Get("from_version"), 10, 64); err == nil {
		filter.FromVersion = v
	}
	if v, err := strconv.ParseInt(q.Get("to_version"), 10, 64); err == nil {
		filter.ToVersion = v
	}
	if ts, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		filter.From = ts
	}
	if ts, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		filter.To = ts
	}

	filter.Limit = 50
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		filter.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		filter.Offset = n
	}

	events, err := h.store.Query(r.Context(), filter)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, verr.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	respondJSON(w, http.StatusOK, events)
}

func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	event, err := h.store.GetEvent(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get event")
		return
	}
	if event == nil {
		respondError(w, http.StatusNotFound, "event not found")
		return
	}

	respondJSON(w, http.StatusOK, event)
}

func (h *EventHandler) Stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.store.Stats())
}
