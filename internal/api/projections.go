package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/notifly/eventcore/internal/domain"
	"github.com/notifly/eventcore/internal/projection"
)

type ProjectionHandler struct {
	engine *projection.Engine
}

func NewProjectionHandler(e *projection.Engine) *ProjectionHandler {
	return &ProjectionHandler{engine: e}
}

type runProjectionRequest struct {
	ProjectionType string    `json:"projection_type"`
	ProjectionName string    `json:"projection_name"`
	AggregateID    string    `json:"aggregate_id,omitempty"`
	AggregateType  string    `json:"aggregate_type,omitempty"`
	FromVersion    int64     `json:"from_version,omitempty"`
	ToVersion      int64     `json:"to_version,omitempty"`
	From           time.Time `json:"from,omitempty"`
	To             time.Time `json:"to,omitempty"`
	UseCache       bool      `json:"use_cache,omitempty"`
	ErrorStrategy  string    `json:"error_strategy,omitempty"`
	Validate       bool      `json:"validate,omitempty"`
}

func (h *ProjectionHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req runProjectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.engine.Project(r.Context(), projection.Request{
		ProjectionType: req.ProjectionType,
		ProjectionName: req.ProjectionName,
		AggregateID:    req.AggregateID,
		AggregateType:  req.AggregateType,
		FromVersion:    req.FromVersion,
		ToVersion:      req.ToVersion,
		From:           req.From,
		To:             req.To,
		Options: projection.Options{
			UseCache:      req.UseCache,
			ErrorStrategy: req.ErrorStrategy,
			Validate:      req.Validate,
		},
	})
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, verr.Error())
			return
		}
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (h *ProjectionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if !h.engine.Cancel(id) {
		respondError(w, http.StatusNotFound, "no running projection with that id")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

type queryProjectionRequest struct {
	ProjectionType string         `json:"projection_type"`
	ProjectionName string         `json:"projection_name"`
	Query          map[string]any `json:"query"`
}

func (h *ProjectionHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryProjectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProjectionType == "" || req.ProjectionName == "" {
		respondError(w, http.StatusBadRequest, "projection_type and projection_name are required")
		return
	}

	result, err := h.engine.Query(r.Context(), req.ProjectionType, req.ProjectionName, req.Query)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (h *ProjectionHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ClearCache(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to clear projection cache")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
