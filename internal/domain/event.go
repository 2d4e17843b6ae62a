package domain

import (
	"encoding/json"
	"time"
)

// EventStatus tracks the processing lifecycle of a stored event.
// Events are never deleted; they only move through soft status transitions.
type EventStatus string

const (
	StatusPending    EventStatus = "pending"
	StatusProcessing EventStatus = "processing"
	StatusCompleted  EventStatus = "completed"
	StatusFailed     EventStatus = "failed"
	StatusCancelled  EventStatus = "cancelled"
)

// EventRecord is an immutable, versioned domain event as persisted in the
// event store. For a given (aggregate_id, aggregate_type) pair, versions
// are strictly increasing integers starting at 1 with no gaps.
type EventRecord struct {
	ID            string            `json:"id"`
	AggregateID   string            `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type"`
	EventType     string            `json:"event_type"`
	Version       int64             `json:"version"`
	Status        EventStatus       `json:"status"`
	Data          json.RawMessage   `json:"data"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	TenantID      string            `json:"tenant_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	RequestID     string            `json:"request_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// EventDraft is the caller-supplied portion of an event prior to append.
// The store assigns the id, status and persistence timestamps.
type EventDraft struct {
	AggregateID   string            `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type"`
	EventType     string            `json:"event_type"`
	Version       int64             `json:"version"`
	Data          json.RawMessage   `json:"data"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	TenantID      string            `json:"tenant_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	RequestID     string            `json:"request_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp,omitempty"`
}

// EventFilter selects events from the store. Zero values mean "no
// constraint". Results are ordered by OrderBy ascending unless Descending
// is set; the default order is timestamp ascending.
type EventFilter struct {
	AggregateID   string
	AggregateType string
	EventTypes    []string
	Statuses      []EventStatus
	UserID        string
	TenantID      string
	From          time.Time
	To            time.Time
	FromVersion   int64
	ToVersion     int64
	OrderBy       string
	Descending    bool
	Limit         int
	Offset        int
}
