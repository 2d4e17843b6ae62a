package store

import (
	"context"
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of the store's counters. Counters are
// updated incrementally on every successful append, never by scanning.
type Stats struct {
	TotalEvents      int64            `json:"total_events"`
	ByEventType      map[string]int64 `json:"by_event_type"`
	ByStatus         map[string]int64 `json:"by_status"`
	ByAggregateType  map[string]int64 `json:"by_aggregate_type"`
	AverageEventSize float64          `json:"average_event_size"`
	MaxEventSize     int              `json:"max_event_size"`
	LastEventAt      time.Time        `json:"last_event_at,omitempty"`
}

type storeStats struct {
	mu              sync.Mutex
	totalEvents     int64
	totalBytes      int64
	maxEventSize    int
	byEventType     map[string]int64
	byStatus        map[string]int64
	byAggregateType map[string]int64
	lastEventAt     time.Time
}

func newStoreStats() *storeStats {
	return &storeStats{
		byEventType:     make(map[string]int64),
		byStatus:        make(map[string]int64),
		byAggregateType: make(map[string]int64),
	}
}

func (st *storeStats) record(eventType, aggregateType, status string, size int, at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.totalEvents++
	st.totalBytes += int64(size)
	if size > st.maxEventSize {
		st.maxEventSize = size
	}
	st.byEventType[eventType]++
	st.byStatus[status]++
	st.byAggregateType[aggregateType]++
	if at.After(st.lastEventAt) {
		st.lastEventAt = at
	}
}

func (st *storeStats) snapshot() Stats {
	st.mu.Lock()
	defer st.mu.Unlock()

	stats := Stats{
		TotalEvents:     st.totalEvents,
		ByEventType:     copyCounts(st.byEventType),
		ByStatus:        copyCounts(st.byStatus),
		ByAggregateType: copyCounts(st.byAggregateType),
		MaxEventSize:    st.maxEventSize,
		LastEventAt:     st.lastEventAt,
	}
	if st.totalEvents > 0 {
		stats.AverageEventSize = float64(st.totalBytes) / float64(st.totalEvents)
	}
	return stats
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Stats returns the store's counter snapshot.
func (s *EventStore) Stats() Stats {
	return s.stats.snapshot()
}

// Health reports the store's operational status for the health surface.
type Health struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

func (s *EventStore) Health(ctx context.Context) Health {
	if !s.cfg.Enabled {
		return Health{Status: "disabled"}
	}
	if s.db == nil {
		return Health{Status: "unhealthy", Details: "no database configured"}
	}
	if err := s.db.pool.Ping(ctx); err != nil {
		return Health{Status: "unhealthy", Details: err.Error()}
	}
	return Health{Status: "healthy"}
}
