package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/notifly/eventcore/internal/publisher"
	"github.com/notifly/eventcore/internal/registry"
)

type SubscriptionHandler struct {
	publisher *publisher.Publisher
}

func NewSubscriptionHandler(p *publisher.Publisher) *SubscriptionHandler {
	return &SubscriptionHandler{publisher: p}
}

type subscribeRequest struct {
	EventType      string `json:"event_type"`
	SubscriberID   string `json:"subscriber_id"`
	SubscriberName string `json:"subscriber_name,omitempty"`
	Endpoint       string `json:"endpoint,omitempty"`
}

func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.EventType == "" {
		respondError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	if req.SubscriberID == "" {
		respondError(w, http.StatusBadRequest, "subscriber_id is required")
		return
	}

	sub := h.publisher.Subscribe(req.EventType, req.SubscriberID, req.SubscriberName, req.Endpoint)
	respondJSON(w, http.StatusCreated, sub)
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("event_type")
	respondJSON(w, http.StatusOK, h.publisher.Subscriptions(eventType))
}

func (h *SubscriptionHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("event_type")
	subscriberID := r.URL.Query().Get("subscriber_id")
	if eventType == "" || subscriberID == "" {
		respondError(w, http.StatusBadRequest, "event_type and subscriber_id are required")
		return
	}

	if !h.publisher.Unsubscribe(eventType, subscriberID) {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}

type acknowledgeRequest struct {
	PublishID    string `json:"publish_id"`
	SubscriberID string `json:"subscriber_id"`
}

func (h *SubscriptionHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PublishID == "" || req.SubscriberID == "" {
		respondError(w, http.StatusBadRequest, "publish_id and subscriber_id are required")
		return
	}

	acked, err := h.publisher.Acknowledge(r.Context(), req.PublishID, req.SubscriberID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to record acknowledgment")
		return
	}
	if !acked {
		respondError(w, http.StatusNotFound, "no pending acknowledgment for this subscriber")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (h *SubscriptionHandler) PendingAcks(w http.ResponseWriter, r *http.Request) {
	publishID := chi.URLParam(r, "id")

	pending, err := h.publisher.PendingAcks(r.Context(), publishID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load pending acknowledgments")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"publish_id": publishID,
		"pending":    pending,
	})
}

// HandlerRegistryHandler exposes the registered event handlers and
// their execution statistics.
type HandlerRegistryHandler struct {
	registry *registry.Registry
}

func NewHandlerRegistryHandler(r *registry.Registry) *HandlerRegistryHandler {
	return &HandlerRegistryHandler{registry: r}
}

func (h *HandlerRegistryHandler) List(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.registry.Handlers())
}
