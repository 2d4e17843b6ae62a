package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/notifly/eventcore/internal/domain"
)

// Handler reacts to dispatched domain events. A handler declares the
// event types it supports and a priority; within an event type, higher
// priority runs first.
type Handler interface {
	Name() string
	EventTypes() []string
	Priority() int
	Handle(ctx context.Context, event domain.EventRecord) error
}

// Config holds the registry's tunables.
type Config struct {
	Enabled              bool
	MaxConcurrency       int
	Sequential           bool
	HandlerTimeout       time.Duration
	Retries              int
	RetryDelay           time.Duration
	EnableCircuitBreaker bool
	BreakerThreshold     int
	BreakerWindow        time.Duration
}

// Descriptor is a snapshot of a registered handler and its rolling
// statistics.
type Descriptor struct {
	ID                   string        `json:"id"`
	Name                 string        `json:"name"`
	EventTypes           []string      `json:"event_types"`
	Priority             int           `json:"priority"`
	Enabled              bool          `json:"enabled"`
	ExecutionCount       int64         `json:"execution_count"`
	SuccessCount         int64         `json:"success_count"`
	FailureCount         int64         `json:"failure_count"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	LastExecutedAt       time.Time     `json:"last_executed_at,omitempty"`
	CircuitBreaker       BreakerState  `json:"circuit_breaker"`
}

// registration is the registry's mutable per-handler record.
type registration struct {
	id      string
	handler Handler
	breaker *circuitBreaker

	mu             sync.Mutex
	enabled        bool
	executionCount int64
	successCount   int64
	failureCount   int64
	totalExecTime  time.Duration
	lastExecutedAt time.Time
}

func (reg *registration) recordExecution(success bool, elapsed time.Duration, at time.Time) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.executionCount++
	if success {
		reg.successCount++
	} else {
		reg.failureCount++
	}
	reg.totalExecTime += elapsed
	reg.lastExecutedAt = at
}

func (reg *registration) descriptor() Descriptor {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	d := Descriptor{
		ID:             reg.id,
		Name:           reg.handler.Name(),
		EventTypes:     reg.handler.EventTypes(),
		Priority:       reg.handler.Priority(),
		Enabled:        reg.enabled,
		ExecutionCount: reg.executionCount,
		SuccessCount:   reg.successCount,
		FailureCount:   reg.failureCount,
		LastExecutedAt: reg.lastExecutedAt,
		CircuitBreaker: reg.breaker.snapshot(),
	}
	if reg.executionCount > 0 {
		d.AverageExecutionTime = reg.totalExecTime / time.Duration(reg.executionCount)
	}
	return d
}

// Registry maps event types to prioritized handler chains and executes
// them with timeout, retry, circuit-breaker and bounded-concurrency
// protection.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	notify func(topic string, payload any)

	mu       sync.RWMutex
	handlers map[string]*registration
	byType   map[string][]*registration

	sem *semaphore.Weighted

	statsMu            sync.Mutex
	totalDispatches    int64
	rejectedDispatches int64

	now   func() time.Time
	sleep func(time.Duration)
}

func New(cfg Config, logger *slog.Logger) *Registry {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 50
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerWindow <= 0 {
		cfg.BreakerWindow = 60 * time.Second
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]*registration),
		byType:   make(map[string][]*registration),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// OnNotify registers the lifecycle notification sink.
func (r *Registry) OnNotify(fn func(topic string, payload any)) {
	r.notify = fn
}

// Register indexes a handler under each of its event types and
// initializes its circuit breaker. Returns the assigned handler id.
func (r *Registry) Register(h Handler) (string, error) {
	types := h.EventTypes()
	if len(types) == 0 {
		return "", fmt.Errorf("handler %q supports no event types", h.Name())
	}

	reg := &registration{
		id:      uuid.NewString(),
		handler: h,
		enabled: true,
		breaker: newCircuitBreaker(r.cfg.BreakerThreshold, r.cfg.BreakerWindow),
	}

	r.mu.Lock()
	r.handlers[reg.id] = reg
	for _, eventType := range types {
		chain := append(r.byType[eventType], reg)
		sort.SliceStable(chain, func(i, j int) bool {
			return chain[i].handler.Priority() > chain[j].handler.Priority()
		})
		r.byType[eventType] = chain
	}
	r.mu.Unlock()

	r.logger.Info("handler registered",
		"handler_id", reg.id,
		"handler_name", h.Name(),
		"event_types", types,
		"priority", h.Priority(),
	)
	if r.notify != nil {
		r.notify("eventhandlerregistry.handler_registered", reg.descriptor())
	}

	return reg.id, nil
}

// Unregister removes a handler from every chain it appears in.
func (r *Registry) Unregister(handlerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.handlers[handlerID]
	if !ok {
		return false
	}
	delete(r.handlers, handlerID)

	for _, eventType := range reg.handler.EventTypes() {
		chain := r.byType[eventType]
		filtered := chain[:0]
		for _, c := range chain {
			if c.id != handlerID {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) == 0 {
			delete(r.byType, eventType)
		} else {
			r.byType[eventType] = filtered
		}
	}

	return true
}

// SetEnabled toggles a handler without unregistering it. Disabled
// handlers are skipped at dispatch time.
func (r *Registry) SetEnabled(handlerID string, enabled bool) bool {
	r.mu.RLock()
	reg, ok := r.handlers[handlerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	reg.mu.Lock()
	reg.enabled = enabled
	reg.mu.Unlock()
	return true
}

// Handlers returns descriptors for every registered handler.
func (r *Registry) Handlers() []Descriptor {
	r.mu.RLock()
	regs := make([]*registration, 0, len(r.handlers))
	for _, reg := range r.handlers {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()

	descriptors := make([]Descriptor, len(regs))
	for i, reg := range regs {
		descriptors[i] = reg.descriptor()
	}
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Name < descriptors[j].Name })
	return descriptors
}

// chainFor returns the enabled handlers for an event type, in descending
// priority order.
func (r *Registry) chainFor(eventType string) []*registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := r.byType[eventType]
	enabled := make([]*registration, 0, len(chain))
	for _, reg := range chain {
		reg.mu.Lock()
		ok := reg.enabled
		reg.mu.Unlock()
		if ok {
			enabled = append(enabled, reg)
		}
	}
	return enabled
}

// Stats is the registry's counter snapshot.
type Stats struct {
	RegisteredHandlers int   `json:"registered_handlers"`
	TotalDispatches    int64 `json:"total_dispatches"`
	RejectedDispatches int64 `json:"rejected_dispatches"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	count := len(r.handlers)
	r.mu.RUnlock()

	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return Stats{
		RegisteredHandlers: count,
		TotalDispatches:    r.totalDispatches,
		RejectedDispatches: r.rejectedDispatches,
	}
}

// Health reports the registry's operational status.
type Health struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

func (r *Registry) Health() Health {
	if !r.cfg.Enabled {
		return Health{Status: "disabled"}
	}
	return Health{Status: "healthy"}
}
