package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/notifly/eventcore/internal/monitor"
	"github.com/notifly/eventcore/internal/projection"
	"github.com/notifly/eventcore/internal/publisher"
	"github.com/notifly/eventcore/internal/registry"
	"github.com/notifly/eventcore/internal/store"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(db *store.Postgres, events *store.EventStore, pub *publisher.Publisher, reg *registry.Registry, engine *projection.Engine, hub *monitor.Hub) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// CORS for dashboard
	r.Use(corsMiddleware)

	// Handlers
	eventHandler := NewEventHandler(events)
	subHandler := NewSubscriptionHandler(pub)
	projHandler := NewProjectionHandler(engine)
	dlqHandler := NewDeadLetterHandler(db)
	healthHandler := NewHealthHandler(events, pub, reg, engine)

	// WebSocket endpoint
	r.Get("/ws", hub.HandleWebSocket)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.Health)
		r.Get("/stats", healthHandler.Stats)

		r.Route("/events", func(r chi.Router) {
			r.Post("/", eventHandler.Append)
			r.Get("/", eventHandler.List)
			r.Get("/stats", eventHandler.Stats)
			r.Get("/{id}", eventHandler.Get)
		})

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", subHandler.Subscribe)
			r.Get("/", subHandler.List)
			r.Delete("/", subHandler.Unsubscribe)
		})
		r.Post("/acknowledgments", subHandler.Acknowledge)
		r.Get("/publishes/{id}/pending", subHandler.PendingAcks)

		r.Route("/handlers", func(r chi.Router) {
			r.Get("/", NewHandlerRegistryHandler(reg).List)
		})

		r.Route("/projections", func(r chi.Router) {
			r.Post("/", projHandler.Run)
			r.Post("/query", projHandler.Query)
			r.Post("/{id}/cancel", projHandler.Cancel)
			r.Delete("/cache", projHandler.ClearCache)
		})

		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", dlqHandler.List)
			r.Get("/{id}", dlqHandler.Get)
			r.Post("/{id}/resolve", dlqHandler.Resolve)
		})
	})

	return r
}

// corsMiddleware adds CORS headers for dashboard development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
