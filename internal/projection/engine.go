package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/notifly/eventcore/internal/domain"
	"github.com/notifly/eventcore/internal/store"
)

// Config holds the engine's tunables.
type Config struct {
	Enabled     bool
	EnableCache bool
	CacheTTL    time.Duration
	Retries     int
	RetryDelay  time.Duration
}

// EventSource retrieves events to replay. Satisfied by *store.EventStore.
type EventSource interface {
	Query(ctx context.Context, filter domain.EventFilter) ([]domain.EventRecord, error)
}

// StateStore persists materialized projection states between runs.
// Satisfied by *store.Postgres; nil disables materialization.
type StateStore interface {
	SaveProjectionState(ctx context.Context, state store.ProjectionState) error
	LoadProjectionState(ctx context.Context, projectionType, projectionName string) (*store.ProjectionState, error)
}

// Engine rebuilds read models by replaying events through registered
// projection handlers.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	source EventSource
	states StateStore
	cache  *ResultCache
	notify func(topic string, payload any)

	mu       sync.RWMutex
	handlers map[string]Handler
	cancels  map[string]*atomic.Bool

	statsMu   sync.Mutex
	runs      int64
	completed int64
	failed    int64
	cancelled int64

	now   func() time.Time
	sleep func(time.Duration)
}

func New(cfg Config, source EventSource, cache *ResultCache, logger *slog.Logger) *Engine {
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		source:   source,
		cache:    cache,
		handlers: make(map[string]Handler),
		cancels:  make(map[string]*atomic.Bool),
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// SetStateStore wires the materialized-state store.
func (e *Engine) SetStateStore(s StateStore) { e.states = s }

// OnNotify registers the lifecycle notification sink.
func (e *Engine) OnNotify(fn func(topic string, payload any)) { e.notify = fn }

func handlerKey(projectionType, projectionName string) string {
	return projectionType + "/" + projectionName
}

// RegisterHandler installs a projection handler, keyed by its type and
// name. Registering the same key again replaces the handler.
func (e *Engine) RegisterHandler(h Handler) {
	key := handlerKey(h.ProjectionType(), h.ProjectionName())
	e.mu.Lock()
	e.handlers[key] = h
	e.mu.Unlock()

	e.logger.Info("projection handler registered",
		"projection_type", h.ProjectionType(),
		"projection_name", h.ProjectionName(),
	)
}

func (e *Engine) handlerFor(projectionType, projectionName string) Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handlers[handlerKey(projectionType, projectionName)]
}

func validateRequest(req Request) error {
	if req.ProjectionType == "" {
		return &domain.ValidationError{Field: "projection_type", Reason: "is required"}
	}
	if req.ProjectionName == "" {
		return &domain.ValidationError{Field: "projection_name", Reason: "is required"}
	}
	if req.FromVersion > 0 && req.ToVersion > 0 && req.FromVersion > req.ToVersion {
		return &domain.ValidationError{Field: "from_version", Reason: "must not exceed to_version"}
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.From.After(req.To) {
		return &domain.ValidationError{Field: "from", Reason: "must not be after to"}
	}
	return nil
}

// Project runs one projection: cache check, event retrieval, and a fold
// of each event through the handler. Cancellation is cooperative and
// checked between folds; an in-flight fold always completes.
func (e *Engine) Project(ctx context.Context, req Request) (*Result, error) {
	if !e.cfg.Enabled {
		return nil, fmt.Errorf("projection engine is disabled")
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	handler := e.handlerFor(req.ProjectionType, req.ProjectionName)
	if handler == nil {
		return nil, fmt.Errorf("no handler registered for projection %s/%s", req.ProjectionType, req.ProjectionName)
	}

	result := &Result{
		ProjectionID:   uuid.NewString(),
		ProjectionType: req.ProjectionType,
		ProjectionName: req.ProjectionName,
		Status:         StatusPending,
		StartedAt:      e.now(),
	}

	e.statsMu.Lock()
	e.runs++
	e.statsMu.Unlock()

	if e.cfg.EnableCache && req.Options.UseCache && e.cache != nil {
		if cached, ok := e.cache.get(ctx, req); ok {
			cached.Stats.CacheHits++
			e.logger.Debug("projection cache hit",
				"projection_type", req.ProjectionType,
				"projection_name", req.ProjectionName,
			)
			return cached, nil
		}
		result.Stats.CacheMisses++
	}

	cancel := &atomic.Bool{}
	e.mu.Lock()
	e.cancels[result.ProjectionID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, result.ProjectionID)
		e.mu.Unlock()
	}()

	result.Status = StatusRunning

	events, err := e.source.Query(ctx, domain.EventFilter{
		AggregateID:   req.AggregateID,
		AggregateType: req.AggregateType,
		FromVersion:   req.FromVersion,
		ToVersion:     req.ToVersion,
		From:          req.From,
		To:            req.To,
		OrderBy:       replayOrder(req),
	})
	if err != nil {
		e.finish(result, StatusFailed, fmt.Sprintf("retrieving events: %v", err))
		return result, nil
	}

	e.fold(ctx, handler, req, result, cancel, events)

	if result.Status == StatusCompleted {
		e.materialize(ctx, handler, req, result, events)
		if e.cfg.EnableCache && req.Options.UseCache && e.cache != nil {
			e.cache.set(ctx, req, result)
		}
	}

	if e.notify != nil {
		e.notify("eventprojection.projection_"+result.Status, *result)
	}

	return result, nil
}

// replayOrder keeps aggregate-scoped replays in version order; system
// replays across aggregates fall back to timestamp order.
func replayOrder(req Request) string {
	if req.AggregateID != "" {
		return "version"
	}
	return "timestamp"
}

// fold drives the event loop, applying filter, transform, the configured
// error strategy, per-fold validation, and progress reporting.
func (e *Engine) fold(ctx context.Context, handler Handler, req Request, result *Result, cancel *atomic.Bool, events []domain.EventRecord) {
	opts := req.Options

	progressInterval := opts.ProgressInterval
	if progressInterval <= 0 {
		progressInterval = time.Second
	}
	lastProgress := e.now()

	state := handler.Init()
	for _, event := range events {
		if cancel.Load() {
			e.finish(result, StatusCancelled, "")
			return
		}
		if ctx.Err() != nil {
			e.finish(result, StatusCancelled, ctx.Err().Error())
			return
		}

		if opts.Filter != nil && !opts.Filter(event) {
			result.Stats.EventsSkipped++
			continue
		}
		if opts.Transform != nil {
			event = opts.Transform(event)
		}

		next, err := e.applyWithStrategy(ctx, handler, state, event, opts.ErrorStrategy)
		if err != nil {
			result.Stats.EventsFailed++
			result.Stats.Errors = append(result.Stats.Errors,
				fmt.Sprintf("event %s (version %d): %v", event.ID, event.Version, err))

			if opts.ErrorStrategy == StrategyStop {
				e.finish(result, StatusFailed, err.Error())
				return
			}
			// retry strategy exhausted its budget, skip default: both
			// give up on this single event and continue.
			continue
		}
		state = next
		result.Stats.EventsProcessed++
		result.EventsProcessed++

		if opts.Validate && !handler.Validate(state) {
			verr := &domain.ProjectionValidationError{
				Projection: handlerKey(req.ProjectionType, req.ProjectionName),
				Version:    event.Version,
			}
			e.finish(result, StatusFailed, verr.Error())
			return
		}

		if opts.Progress != nil && e.now().Sub(lastProgress) >= progressInterval {
			lastProgress = e.now()
			opts.Progress(e.progress(result, len(events)))
		}
	}

	data, err := handler.Marshal(state)
	if err != nil {
		e.finish(result, StatusFailed, fmt.Sprintf("marshaling projection state: %v", err))
		return
	}
	result.Data = data

	if opts.Progress != nil {
		opts.Progress(e.progress(result, len(events)))
	}

	e.finish(result, StatusCompleted, "")
}

// applyWithStrategy folds a single event, retrying under the retry
// strategy with a linearly increasing delay.
func (e *Engine) applyWithStrategy(ctx context.Context, handler Handler, state any, event domain.EventRecord, strategy string) (any, error) {
	if strategy != StrategyRetry {
		return handler.Apply(state, event)
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.Retries; attempt++ {
		next, err := handler.Apply(state, event)
		if err == nil {
			return next, nil
		}
		lastErr = err
		if attempt < e.cfg.Retries && ctx.Err() == nil {
			e.sleep(e.cfg.RetryDelay * time.Duration(attempt))
		}
	}
	return nil, &domain.MaxRetriesError{Attempts: e.cfg.Retries, Last: lastErr}
}

func (e *Engine) progress(result *Result, total int) Progress {
	p := Progress{
		ProjectionID:    result.ProjectionID,
		EventsTotal:     total,
		EventsProcessed: result.EventsProcessed,
	}
	if total > 0 {
		p.Percent = float64(result.EventsProcessed) / float64(total) * 100
	}
	elapsed := e.now().Sub(result.StartedAt)
	if elapsed > 0 && result.EventsProcessed > 0 {
		p.Rate = float64(result.EventsProcessed) / elapsed.Seconds()
		remaining := total - result.EventsProcessed
		p.ETA = time.Duration(float64(remaining) / p.Rate * float64(time.Second))
	}
	return p
}

// finish moves the result into its terminal state exactly once.
func (e *Engine) finish(result *Result, status, errMsg string) {
	if result.Status == StatusCompleted || result.Status == StatusFailed || result.Status == StatusCancelled {
		return
	}
	result.Status = status
	result.Error = errMsg
	result.CompletedAt = e.now()

	e.statsMu.Lock()
	switch status {
	case StatusCompleted:
		e.completed++
	case StatusFailed:
		e.failed++
	case StatusCancelled:
		e.cancelled++
	}
	e.statsMu.Unlock()

	e.logger.Info("projection finished",
		"projection_id", result.ProjectionID,
		"status", status,
		"events_processed", result.EventsProcessed,
		"events_failed", result.Stats.EventsFailed,
		"events_skipped", result.Stats.EventsSkipped,
	)
}

// materialize saves the run's final state for replay-free queries.
func (e *Engine) materialize(ctx context.Context, handler Handler, req Request, result *Result, events []domain.EventRecord) {
	if e.states == nil {
		return
	}

	var lastVersion int64
	for _, event := range events {
		if event.Version > lastVersion {
			lastVersion = event.Version
		}
	}

	err := e.states.SaveProjectionState(ctx, store.ProjectionState{
		ProjectionType:  req.ProjectionType,
		ProjectionName:  req.ProjectionName,
		State:           result.Data,
		LastVersion:     lastVersion,
		EventsProcessed: int64(result.EventsProcessed),
	})
	if err != nil {
		e.logger.Error("failed to save projection state",
			"projection_type", req.ProjectionType,
			"projection_name", req.ProjectionName,
			"error", err,
		)
	}
}

// Cancel flips a running projection to cancelled. The flag is checked
// between folds; the in-flight fold of a single event always completes.
func (e *Engine) Cancel(projectionID string) bool {
	e.mu.RLock()
	flag, ok := e.cancels[projectionID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	flag.Store(true)
	return true
}

// Query loads the latest materialized state for a projection and
// delegates to the handler's query logic. It never replays events.
func (e *Engine) Query(ctx context.Context, projectionType, projectionName string, query map[string]any) (any, error) {
	if !e.cfg.Enabled {
		return nil, fmt.Errorf("projection engine is disabled")
	}

	handler := e.handlerFor(projectionType, projectionName)
	if handler == nil {
		return nil, fmt.Errorf("no handler registered for projection %s/%s", projectionType, projectionName)
	}
	if e.states == nil {
		return nil, fmt.Errorf("no state store configured")
	}

	persisted, err := e.states.LoadProjectionState(ctx, projectionType, projectionName)
	if err != nil {
		return nil, err
	}
	if persisted == nil {
		return nil, fmt.Errorf("projection %s/%s has no materialized state", projectionType, projectionName)
	}

	state, err := handler.Unmarshal(persisted.State)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling projection state: %w", err)
	}

	return handler.Query(state, query)
}

// ClearCache drops every cached projection result.
func (e *Engine) ClearCache(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.clear(ctx)
}

// Stats is the engine's counter snapshot.
type Stats struct {
	RegisteredHandlers int   `json:"registered_handlers"`
	Runs               int64 `json:"runs"`
	Completed          int64 `json:"completed"`
	Failed             int64 `json:"failed"`
	Cancelled          int64 `json:"cancelled"`
	ActiveRuns         int   `json:"active_runs"`
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	handlers := len(e.handlers)
	active := len(e.cancels)
	e.mu.RUnlock()

	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return Stats{
		RegisteredHandlers: handlers,
		Runs:               e.runs,
		Completed:          e.completed,
		Failed:             e.failed,
		Cancelled:          e.cancelled,
		ActiveRuns:         active,
	}
}

// Health reports the engine's operational status.
type Health struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

func (e *Engine) Health() Health {
	if !e.cfg.Enabled {
		return Health{Status: "disabled"}
	}
	return Health{Status: "healthy"}
}
