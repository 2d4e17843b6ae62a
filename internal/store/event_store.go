package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/notifly/eventcore/internal/domain"
)

const uniqueViolation = "23505"

// Config holds the event store's tunables.
type Config struct {
	Enabled      bool
	MaxEventSize int
}

// EventStore is the durable, versioned, append-only record of domain
// events. Versions within an aggregate are enforced by a unique index on
// (aggregate_type, aggregate_id, version); a conflicting append fails with
// a VersionConflictError and never touches the existing row.
type EventStore struct {
	db     *Postgres
	cfg    Config
	logger *slog.Logger
	stats  *storeStats

	// onAppend is invoked fire-and-forget after a successful append;
	// the append path never blocks on downstream delivery.
	onAppend func(domain.EventRecord)
	notify   func(topic string, payload any)

	now func() time.Time
}

func NewEventStore(db *Postgres, cfg Config, logger *slog.Logger) *EventStore {
	return &EventStore{
		db:     db,
		cfg:    cfg,
		logger: logger,
		stats:  newStoreStats(),
		now:    time.Now,
	}
}

// OnAppend registers the downstream hook called after every successful
// append, typically the publisher's intake queue.
func (s *EventStore) OnAppend(fn func(domain.EventRecord)) {
	s.onAppend = fn
}

// OnNotify registers the lifecycle notification sink.
func (s *EventStore) OnNotify(fn func(topic string, payload any)) {
	s.notify = fn
}

// Append validates and persists a single event. Validation and size
// checks run before any I/O. The version-slot check is the insert itself:
// the unique index makes check-then-insert atomic under concurrent
// writers to the same aggregate.
func (s *EventStore) Append(ctx context.Context, draft domain.EventDraft) (*domain.EventRecord, error) {
	if !s.cfg.Enabled {
		return nil, fmt.Errorf("event store is disabled")
	}

	if err := validateDraft(draft); err != nil {
		return nil, err
	}

	size := len(draft.Data)
	if s.cfg.MaxEventSize > 0 && size > s.cfg.MaxEventSize {
		return nil, &domain.SizeLimitError{Size: size, Limit: s.cfg.MaxEventSize}
	}

	var metadata []byte
	if len(draft.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(draft.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshaling metadata: %w", err)
		}
	}

	record := domain.EventRecord{
		ID:            uuid.NewString(),
		AggregateID:   draft.AggregateID,
		AggregateType: draft.AggregateType,
		EventType:     draft.EventType,
		Version:       draft.Version,
		Status:        domain.StatusPending,
		Data:          draft.Data,
		Metadata:      draft.Metadata,
		UserID:        draft.UserID,
		TenantID:      draft.TenantID,
		SessionID:     draft.SessionID,
		RequestID:     draft.RequestID,
		Timestamp:     draft.Timestamp,
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = s.now()
	}

	err := s.db.pool.QueryRow(ctx, `
		INSERT INTO events (id, aggregate_id, aggregate_type, event_type, version, status,
			data, metadata, user_id, tenant_id, session_id, request_id, event_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`, record.ID, record.AggregateID, record.AggregateType, record.EventType,
		record.Version, record.Status, record.Data, metadata,
		nullable(record.UserID), nullable(record.TenantID),
		nullable(record.SessionID), nullable(record.RequestID),
		record.Timestamp,
	).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, &domain.VersionConflictError{
				AggregateID:   record.AggregateID,
				AggregateType: record.AggregateType,
				Version:       record.Version,
			}
		}
		return nil, fmt.Errorf("inserting event: %w", err)
	}

	s.stats.record(record.EventType, record.AggregateType, string(record.Status), size, record.Timestamp)

	s.logger.Info("event stored",
		"event_id", record.ID,
		"aggregate_id", record.AggregateID,
		"aggregate_type", record.AggregateType,
		"event_type", record.EventType,
		"version", record.Version,
	)

	if s.notify != nil {
		s.notify("eventstore.stored", record)
	}
	if s.onAppend != nil {
		go s.onAppend(record)
	}

	return &record, nil
}

func validateDraft(draft domain.EventDraft) error {
	if draft.AggregateID == "" {
		return &domain.ValidationError{Field: "aggregate_id", Reason: "is required"}
	}
	if draft.AggregateType == "" {
		return &domain.ValidationError{Field: "aggregate_type", Reason: "is required"}
	}
	if draft.EventType == "" {
		return &domain.ValidationError{Field: "event_type", Reason: "is required"}
	}
	if draft.Version <= 0 {
		return &domain.ValidationError{Field: "version", Reason: "must be a positive integer"}
	}
	if len(draft.Data) == 0 {
		return &domain.ValidationError{Field: "data", Reason: "is required"}
	}
	if !json.Valid(draft.Data) {
		return &domain.ValidationError{Field: "data", Reason: "must be valid JSON"}
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// orderColumns is the allowlist of sortable fields. Anything else falls
// back to the default timestamp ordering.
var orderColumns = map[string]string{
	"timestamp":      "event_timestamp",
	"created_at":     "created_at",
	"version":        "version",
	"aggregate_id":   "aggregate_id",
	"aggregate_type": "aggregate_type",
	"event_type":     "event_type",
	"status":         "status",
}

// Query returns events matching the filter, ordered by the requested
// column (default: timestamp ascending).
func (s *EventStore) Query(ctx context.Context, filter domain.EventFilter) ([]domain.EventRecord, error) {
	query := `SELECT id, aggregate_id, aggregate_type, event_type, version, status,
		data, metadata, user_id, tenant_id, session_id, request_id,
		event_timestamp, created_at, updated_at FROM events`

	var conditions []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.AggregateID != "" {
		conditions = append(conditions, "aggregate_id = "+arg(filter.AggregateID))
	}
	if filter.AggregateType != "" {
		conditions = append(conditions, "aggregate_type = "+arg(filter.AggregateType))
	}
	if len(filter.EventTypes) > 0 {
		conditions = append(conditions, "event_type = ANY("+arg(filter.EventTypes)+")")
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		conditions = append(conditions, "status = ANY("+arg(statuses)+")")
	}
	if filter.UserID != "" {
		conditions = append(conditions, "user_id = "+arg(filter.UserID))
	}
	if filter.TenantID != "" {
		conditions = append(conditions, "tenant_id = "+arg(filter.TenantID))
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "event_timestamp >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "event_timestamp <= "+arg(filter.To))
	}
	if filter.FromVersion > 0 {
		conditions = append(conditions, "version >= "+arg(filter.FromVersion))
	}
	if filter.ToVersion > 0 {
		conditions = append(conditions, "version <= "+arg(filter.ToVersion))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	column, ok := orderColumns[filter.OrderBy]
	if !ok {
		column = "event_timestamp"
	}
	direction := "ASC"
	if filter.Descending {
		direction = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", column, direction)

	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := s.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []domain.EventRecord
	for rows.Next() {
		record, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, record)
	}

	if events == nil {
		events = []domain.EventRecord{}
	}

	return events, nil
}

// GetEvent returns a single event by id, or nil if it does not exist.
func (s *EventStore) GetEvent(ctx context.Context, id string) (*domain.EventRecord, error) {
	rows, err := s.db.pool.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, version, status,
			data, metadata, user_id, tenant_id, session_id, request_id,
			event_timestamp, created_at, updated_at
		FROM events WHERE id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	record, err := scanEvent(rows)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// UpdateStatus transitions a stored event's status. Events are otherwise
// immutable after append.
func (s *EventStore) UpdateStatus(ctx context.Context, id string, status domain.EventStatus) error {
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE events SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("updating event status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s not found", id)
	}
	return nil
}

func scanEvent(rows pgx.Rows) (domain.EventRecord, error) {
	var record domain.EventRecord
	var metadata []byte
	var userID, tenantID, sessionID, requestID *string
	err := rows.Scan(
		&record.ID, &record.AggregateID, &record.AggregateType, &record.EventType,
		&record.Version, &record.Status, &record.Data, &metadata,
		&userID, &tenantID, &sessionID, &requestID,
		&record.Timestamp, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return record, fmt.Errorf("scanning event: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &record.Metadata); err != nil {
			return record, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	record.UserID = deref(userID)
	record.TenantID = deref(tenantID)
	record.SessionID = deref(sessionID)
	record.RequestID = deref(requestID)
	return record, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
