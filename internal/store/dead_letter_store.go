package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// PublishDeadLetter is a publish that exhausted its retry budget under the
// dead_letter failure strategy.
type PublishDeadLetter struct {
	ID            string     `json:"id"`
	EventID       string     `json:"event_id"`
	SubscriberID  string     `json:"subscriber_id"`
	EventType     string     `json:"event_type"`
	TotalAttempts int        `json:"total_attempts"`
	LastError     *string    `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy    *string    `json:"resolved_by,omitempty"`
}

// InsertPublishDeadLetter records a permanently failed publish.
func (p *Postgres) InsertPublishDeadLetter(ctx context.Context, eventID, subscriberID, eventType string, attempts int, lastError string) error {
	var lastErr *string
	if lastError != "" {
		lastErr = &lastError
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO publish_dead_letters (event_id, subscriber_id, event_type, total_attempts, last_error)
		VALUES ($1, $2, $3, $4, $5)
	`, eventID, subscriberID, eventType, attempts, lastErr)
	if err != nil {
		return fmt.Errorf("inserting publish dead letter: %w", err)
	}
	return nil
}

// ListPublishDeadLetters returns dead letters, unresolved first unless
// resolved is requested.
func (p *Postgres) ListPublishDeadLetters(ctx context.Context, subscriberID string, resolved bool, limit int) ([]PublishDeadLetter, error) {
	query := `SELECT id, event_id, subscriber_id, event_type, total_attempts, last_error, created_at, resolved_at, resolved_by
		FROM publish_dead_letters`

	var conditions []string
	var args []any
	if subscriberID != "" {
		args = append(args, subscriberID)
		conditions = append(conditions, fmt.Sprintf("subscriber_id = $%d", len(args)))
	}
	if resolved {
		conditions = append(conditions, "resolved_at IS NOT NULL")
	} else {
		conditions = append(conditions, "resolved_at IS NULL")
	}
	query += " WHERE " + strings.Join(conditions, " AND ")
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying publish dead letters: %w", err)
	}
	defer rows.Close()

	var letters []PublishDeadLetter
	for rows.Next() {
		var dl PublishDeadLetter
		err := rows.Scan(
			&dl.ID, &dl.EventID, &dl.SubscriberID, &dl.EventType,
			&dl.TotalAttempts, &dl.LastError, &dl.CreatedAt,
			&dl.ResolvedAt, &dl.ResolvedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning publish dead letter: %w", err)
		}
		letters = append(letters, dl)
	}

	if letters == nil {
		letters = []PublishDeadLetter{}
	}

	return letters, nil
}

// GetPublishDeadLetter returns a single dead letter by id, or nil.
func (p *Postgres) GetPublishDeadLetter(ctx context.Context, id string) (*PublishDeadLetter, error) {
	var dl PublishDeadLetter
	err := p.pool.QueryRow(ctx, `
		SELECT id, event_id, subscriber_id, event_type, total_attempts, last_error, created_at, resolved_at, resolved_by
		FROM publish_dead_letters WHERE id = $1
	`, id).Scan(
		&dl.ID, &dl.EventID, &dl.SubscriberID, &dl.EventType,
		&dl.TotalAttempts, &dl.LastError, &dl.CreatedAt,
		&dl.ResolvedAt, &dl.ResolvedBy,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying publish dead letter: %w", err)
	}
	return &dl, nil
}

// ResolvePublishDeadLetter marks a dead letter resolved.
func (p *Postgres) ResolvePublishDeadLetter(ctx context.Context, id, resolvedBy string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE publish_dead_letters SET resolved_at = NOW(), resolved_by = $2
		WHERE id = $1 AND resolved_at IS NULL
	`, id, resolvedBy)
	if err != nil {
		return fmt.Errorf("resolving publish dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("publish dead letter not found or already resolved")
	}
	return nil
}
