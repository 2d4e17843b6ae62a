package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/notifly/eventcore/internal/domain"
)

// Handler invocation outcomes. Each invocation moves
// pending → running → {completed | failed | timeout}.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
	ResultTimeout   = "timeout"
)

// HandlerResult is the outcome of one handler's execution for a
// dispatched event, retries included.
type HandlerResult struct {
	HandlerID   string        `json:"handler_id"`
	HandlerName string        `json:"handler_name"`
	Status      string        `json:"status"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`

	// Err carries the typed error for callers that match with errors.As.
	Err error `json:"-"`
}

// Dispatch resolves the enabled handler chain for the event's type and
// executes it. With no handlers registered the dispatch is an explicit,
// observable no-op. Past the concurrency ceiling the dispatch is rejected
// outright rather than queued.
//
// Results are returned in chain order (descending priority) regardless of
// execution mode.
func (r *Registry) Dispatch(ctx context.Context, event domain.EventRecord) ([]HandlerResult, error) {
	if !r.cfg.Enabled {
		return nil, fmt.Errorf("handler registry is disabled")
	}

	chain := r.chainFor(event.EventType)
	if len(chain) == 0 {
		r.logger.Debug("no handlers for event type", "event_type", event.EventType, "event_id", event.ID)
		return []HandlerResult{}, nil
	}

	if !r.sem.TryAcquire(1) {
		r.statsMu.Lock()
		r.rejectedDispatches++
		r.statsMu.Unlock()
		r.logger.Warn("dispatch rejected at concurrency ceiling",
			"event_id", event.ID,
			"max_concurrency", r.cfg.MaxConcurrency,
		)
		return nil, &domain.ConcurrencyLimitError{Limit: r.cfg.MaxConcurrency}
	}
	defer r.sem.Release(1)

	r.statsMu.Lock()
	r.totalDispatches++
	r.statsMu.Unlock()

	results := make([]HandlerResult, len(chain))
	if r.cfg.Sequential {
		for i, reg := range chain {
			results[i] = r.execute(ctx, reg, event)
		}
	} else {
		var wg sync.WaitGroup
		for i, reg := range chain {
			wg.Add(1)
			go func(i int, reg *registration) {
				defer wg.Done()
				results[i] = r.execute(ctx, reg, event)
			}(i, reg)
		}
		wg.Wait()
	}

	if r.notify != nil {
		r.notify("eventhandlerregistry.dispatched", map[string]any{
			"event_id":   event.ID,
			"event_type": event.EventType,
			"handlers":   len(results),
		})
	}

	return results, nil
}

// execute runs one handler for one event: circuit-breaker gate, then a
// bounded retry loop with linearly increasing delay, each attempt raced
// against the hard timeout when configured.
func (r *Registry) execute(ctx context.Context, reg *registration, event domain.EventRecord) HandlerResult {
	result := HandlerResult{
		HandlerID:   reg.id,
		HandlerName: reg.handler.Name(),
	}

	if r.cfg.EnableCircuitBreaker && !reg.breaker.allow() {
		err := &domain.CircuitOpenError{Handler: reg.handler.Name()}
		result.Status = ResultFailed
		result.Error = err.Error()
		result.Err = err
		r.logger.Warn("handler call rejected by open circuit",
			"handler_name", reg.handler.Name(),
			"event_id", event.ID,
		)
		return result
	}

	start := r.now()
	var lastErr error
	for attempt := 1; attempt <= r.cfg.Retries; attempt++ {
		result.Attempts = attempt

		attemptStart := r.now()
		err := r.runOnce(ctx, reg, event)
		elapsed := r.now().Sub(attemptStart)

		reg.recordExecution(err == nil, elapsed, r.now())
		if r.cfg.EnableCircuitBreaker {
			reg.breaker.recordResult(err == nil)
		}

		if err == nil {
			result.Status = ResultCompleted
			result.Duration = r.now().Sub(start)
			return result
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if attempt < r.cfg.Retries {
			r.sleep(r.cfg.RetryDelay * time.Duration(attempt))
		}
	}

	result.Duration = r.now().Sub(start)
	result.Status = ResultFailed
	if _, ok := lastErr.(*domain.HandlerTimeoutError); ok {
		result.Status = ResultTimeout
	}
	terminal := &domain.MaxRetriesError{Attempts: result.Attempts, Last: lastErr}
	result.Error = terminal.Error()
	result.Err = terminal

	r.logger.Error("handler failed",
		"handler_name", reg.handler.Name(),
		"event_id", event.ID,
		"attempts", result.Attempts,
		"error", lastErr,
	)

	return result
}

// runOnce executes a single attempt, racing the handler against the
// configured hard timeout.
func (r *Registry) runOnce(ctx context.Context, reg *registration, event domain.EventRecord) error {
	if r.cfg.HandlerTimeout <= 0 {
		return reg.handler.Handle(ctx, event)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- reg.handler.Handle(attemptCtx, event)
	}()

	select {
	case err := <-done:
		return err
	case <-attemptCtx.Done():
		return &domain.HandlerTimeoutError{
			Handler: reg.handler.Name(),
			Timeout: r.cfg.HandlerTimeout,
		}
	}
}
