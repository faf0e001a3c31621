package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SyncState tracks the per-entity-type pull cursor and failure streak.
type SyncState struct {
	EntityType    string
	Cursor        string
	LastSyncedAt  *time.Time
	FailureStreak int
}

// GetSyncState returns the sync state for an entity type. A type that has
// never synced gets a zero state, not an error.
func (s *SQLiteStore) GetSyncState(ctx context.Context, entityType string) (SyncState, error) {
	state := SyncState{EntityType: entityType}

	var lastSyncedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT cursor, last_synced_at, failure_streak
		FROM sync_state WHERE entity_type = ?
	`, entityType).Scan(&state.Cursor, &lastSyncedAt, &state.FailureStreak)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("get sync state: %w", err)
	}

	if lastSyncedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastSyncedAt.String); err == nil {
			state.LastSyncedAt = &t
		}
	}
	return state, nil
}

// SetCursor records a successful pull: the new change cursor, the sync stamp,
// and a cleared failure streak.
func (s *SQLiteStore) SetCursor(ctx context.Context, entityType, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (entity_type, cursor, last_synced_at, failure_streak)
		VALUES (?, ?, ?, 0)
		ON CONFLICT (entity_type) DO UPDATE SET
			cursor = excluded.cursor,
			last_synced_at = excluded.last_synced_at,
			failure_streak = 0
	`, entityType, cursor, formatTime(s.clk.Now()))
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// ClearCursor discards the change cursor for an entity type, forcing the next
// pull to refetch everything.
func (s *SQLiteStore) ClearCursor(ctx context.Context, entityType string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (entity_type, cursor, failure_streak)
		VALUES (?, '', 0)
		ON CONFLICT (entity_type) DO UPDATE SET cursor = '', failure_streak = 0
	`, entityType)
	if err != nil {
		return fmt.Errorf("clear cursor: %w", err)
	}
	return nil
}

// RecordSyncFailure bumps the failure streak and returns the new value.
func (s *SQLiteStore) RecordSyncFailure(ctx context.Context, entityType string) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (entity_type, failure_streak) VALUES (?, 1)
		ON CONFLICT (entity_type) DO UPDATE SET failure_streak = failure_streak + 1
	`, entityType)
	if err != nil {
		return 0, fmt.Errorf("record sync failure: %w", err)
	}

	var streak int
	err = s.db.QueryRowContext(ctx,
		`SELECT failure_streak FROM sync_state WHERE entity_type = ?`, entityType).Scan(&streak)
	if err != nil {
		return 0, fmt.Errorf("read failure streak: %w", err)
	}
	return streak, nil
}
