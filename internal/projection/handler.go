package projection

import (
	"time"

	"github.com/notifly/eventcore/internal/domain"
)

// Handler holds the projection-specific logic for one read model. The
// engine folds events through Apply one at a time; state is opaque to the
// engine and only crosses process boundaries via Marshal/Unmarshal.
type Handler interface {
	ProjectionType() string
	ProjectionName() string

	// Init returns the empty projection state.
	Init() any

	// Apply folds one event into the state and returns the new state.
	Apply(state any, event domain.EventRecord) (any, error)

	// Validate reports whether the state upholds the projection's
	// invariants. Checked after every fold when requested.
	Validate(state any) bool

	Marshal(state any) ([]byte, error)
	Unmarshal(data []byte) (any, error)

	// Query answers a read against a materialized state.
	Query(state any, query map[string]any) (any, error)
}

// Projection run statuses. A result is created pending, moves to running
// once execution starts, and reaches exactly one terminal state.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Error strategies for a projection run.
const (
	StrategyStop  = "stop"
	StrategyRetry = "retry"
	StrategySkip  = "skip"
)

// Request describes one projection run.
type Request struct {
	ProjectionType string `json:"projection_type"`
	ProjectionName string `json:"projection_name"`

	AggregateID   string    `json:"aggregate_id,omitempty"`
	AggregateType string    `json:"aggregate_type,omitempty"`
	FromVersion   int64     `json:"from_version,omitempty"`
	ToVersion     int64     `json:"to_version,omitempty"`
	From          time.Time `json:"from,omitempty"`
	To            time.Time `json:"to,omitempty"`

	Options Options `json:"-"`
}

// Options tune a single run. The zero value means: no cache, skip
// strategy, no per-fold validation, no progress reporting.
type Options struct {
	UseCache      bool
	ErrorStrategy string
	Validate      bool

	// Filter skips events that return false without folding them.
	Filter func(domain.EventRecord) bool

	// Transform rewrites an event before it is folded.
	Transform func(domain.EventRecord) domain.EventRecord

	// Progress, when set, is invoked at most once per ProgressInterval.
	Progress         func(Progress)
	ProgressInterval time.Duration
}

// Progress is a periodic report to the caller's callback.
type Progress struct {
	ProjectionID    string        `json:"projection_id"`
	EventsTotal     int           `json:"events_total"`
	EventsProcessed int           `json:"events_processed"`
	Percent         float64       `json:"percent"`
	Rate            float64       `json:"rate"`
	ETA             time.Duration `json:"eta"`
}

// ResultStats is the per-run accounting block.
type ResultStats struct {
	EventsProcessed int      `json:"events_processed"`
	EventsFailed    int      `json:"events_failed"`
	EventsSkipped   int      `json:"events_skipped"`
	CacheHits       int      `json:"cache_hits"`
	CacheMisses     int      `json:"cache_misses"`
	Errors          []string `json:"errors,omitempty"`
}

// Result is the outcome of a projection run. Once terminal it is never
// mutated.
type Result struct {
	ProjectionID    string      `json:"projection_id"`
	ProjectionType  string      `json:"projection_type"`
	ProjectionName  string      `json:"projection_name"`
	Status          string      `json:"status"`
	EventsProcessed int         `json:"events_processed"`
	Data            []byte      `json:"data,omitempty"`
	Stats           ResultStats `json:"stats"`
	Error           string      `json:"error,omitempty"`
	StartedAt       time.Time   `json:"started_at"`
	CompletedAt     time.Time   `json:"completed_at,omitempty"`
}
