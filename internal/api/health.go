package api

import (
	"net/http"

	"github.com/notifly/eventcore/internal/projection"
	"github.com/notifly/eventcore/internal/publisher"
	"github.com/notifly/eventcore/internal/registry"
	"github.com/notifly/eventcore/internal/store"
)

type HealthHandler struct {
	store     *store.EventStore
	publisher *publisher.Publisher
	registry  *registry.Registry
	engine    *projection.Engine
}

func NewHealthHandler(s *store.EventStore, p *publisher.Publisher, r *registry.Registry, e *projection.Engine) *HealthHandler {
	return &HealthHandler{store: s, publisher: p, registry: r, engine: e}
}

// healthResponse aggregates each component's health report. A disabled
// component never degrades the overall status.
type healthResponse struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components"`
}

// Stats aggregates every component's counter snapshot.
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"event_store":       h.store.Stats(),
		"event_publisher":   h.publisher.Stats(),
		"handler_registry":  h.registry.Stats(),
		"projection_engine": h.engine.Stats(),
	})
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	storeHealth := h.store.Health(r.Context())
	pubHealth := h.publisher.Health(r.Context())
	regHealth := h.registry.Health()
	engHealth := h.engine.Health()

	overall := "healthy"
	for _, status := range []string{storeHealth.Status, pubHealth.Status, regHealth.Status, engHealth.Status} {
		if status != "healthy" && status != "disabled" {
			overall = "unhealthy"
			break
		}
	}

	code := http.StatusOK
	if overall != "healthy" {
		code = http.StatusServiceUnavailable
	}

	respondJSON(w, code, healthResponse{
		Status: overall,
		Components: map[string]any{
			"event_store":       storeHealth,
			"event_publisher":   pubHealth,
			"handler_registry":  regHealth,
			"projection_engine": engHealth,
		},
	})
}
