package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ProjectionState is the latest materialized state of a projection,
// updated after each successful projection run.
type ProjectionState struct {
	ProjectionType  string    `json:"projection_type"`
	ProjectionName  string    `json:"projection_name"`
	State           []byte    `json:"state"`
	LastVersion     int64     `json:"last_version"`
	EventsProcessed int64     `json:"events_processed"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SaveProjectionState upserts the materialized state for a projection key.
func (p *Postgres) SaveProjectionState(ctx context.Context, state ProjectionState) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO projection_states (projection_type, projection_name, state, last_version, events_processed, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (projection_type, projection_name)
		DO UPDATE SET state = $3, last_version = $4, events_processed = $5, updated_at = NOW()
	`, state.ProjectionType, state.ProjectionName, state.State, state.LastVersion, state.EventsProcessed)
	if err != nil {
		return fmt.Errorf("saving projection state: %w", err)
	}
	return nil
}

// LoadProjectionState returns the materialized state for a projection key,
// or nil if the projection has never completed a run.
func (p *Postgres) LoadProjectionState(ctx context.Context, projectionType, projectionName string) (*ProjectionState, error) {
	var state ProjectionState
	err := p.pool.QueryRow(ctx, `
		SELECT projection_type, projection_name, state, last_version, events_processed, updated_at
		FROM projection_states WHERE projection_type = $1 AND projection_name = $2
	`, projectionType, projectionName).Scan(
		&state.ProjectionType, &state.ProjectionName, &state.State,
		&state.LastVersion, &state.EventsProcessed, &state.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("loading projection state: %w", err)
	}
	return &state, nil
}
