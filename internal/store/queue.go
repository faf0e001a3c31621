package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/tether/internal/entity"
	"github.com/oklog/ulid/v2"
)

const queueColumns = `id, entity_type, entity_id, operation, payload, priority, generation, created_at, retry_count, max_retries, next_attempt_at, last_error`

// scanQueueItem reads one mutation_queue row from a row scanner.
func scanQueueItem(scanner interface{ Scan(...any) error }) (*entity.QueueItem, error) {
	var item entity.QueueItem
	var payload, lastError sql.NullString
	var priority int
	var createdAt, nextAttemptAt string

	err := scanner.Scan(
		&item.ID,
		&item.EntityType,
		&item.EntityID,
		&item.Operation,
		&payload,
		&priority,
		&item.Generation,
		&createdAt,
		&item.RetryCount,
		&item.MaxRetries,
		&nextAttemptAt,
		&lastError,
	)
	if err != nil {
		return nil, err
	}

	item.Priority = entity.Priority(priority)
	item.LastError = lastError.String
	if payload.Valid && payload.String != "" {
		item.Payload = []byte(payload.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		item.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, nextAttemptAt); err == nil {
		item.NextAttemptAt = t
	}

	return &item, nil
}

// DequeueBatch returns up to max queue items for the given entity type whose
// backoff window has elapsed, ordered by priority descending then createdAt
// ascending. Items whose entity sits in conflict are skipped until the
// conflict is resolved. Each returned item's target entity is flipped to
// syncing in the same transaction, so a dispatched item is never picked up
// twice by overlapping cycles.
func (s *SQLiteStore) DequeueBatch(ctx context.Context, entityType string, max int) ([]entity.QueueItem, error) {
	if max <= 0 {
		return nil, nil
	}

	var batch []entity.QueueItem
	err := s.WithTx(ctx, func(tx *Tx) error {
		rows, err := tx.tx.QueryContext(ctx, `
			SELECT `+queueColumns+`
			FROM mutation_queue q
			WHERE q.entity_type = ? AND q.next_attempt_at <= ?
			  AND NOT EXISTS (
				SELECT 1 FROM entities e
				WHERE e.entity_type = q.entity_type AND e.id = q.entity_id
				  AND e.sync_status = ?
			  )
			ORDER BY q.priority DESC, q.created_at ASC
			LIMIT ?
		`, entityType, formatTime(s.clk.Now()), string(entity.StatusConflict), max)
		if err != nil {
			return fmt.Errorf("query queue: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			item, err := scanQueueItem(rows)
			if err != nil {
				return fmt.Errorf("scan queue item: %w", err)
			}
			batch = append(batch, *item)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, item := range batch {
			err := tx.SetSyncStatus(ctx, item.EntityType, item.EntityID, entity.StatusSyncing)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// MarkSucceeded reconciles an acknowledged push. In the common case the queue
// item is removed and the entity records the server ack (serverID, bumped
// version, fresh etag, synced status); acked delete operations purge the
// tombstone instead. The removal is generation-guarded: a mutation that
// coalesced onto the item while its push was in flight survives with the ack's
// server state recorded, the entity stays pending, and a surviving create
// demotes to update since the entity now exists remotely.
func (s *SQLiteStore) MarkSucceeded(ctx context.Context, item entity.QueueItem, serverID string, version int64, etag string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		if item.Operation == entity.OpDelete {
			// Only another delete can coalesce onto a delete, and this ack
			// already satisfied it. Settle unconditionally.
			if err := tx.DeleteQueueItem(ctx, item.ID); err != nil && !errors.Is(err, ErrQueueItemNotFound) {
				return err
			}
			return tx.PurgeEntity(ctx, item.EntityType, item.EntityID)
		}

		settled, err := tx.DeleteQueueItemIfGeneration(ctx, item.ID, item.Generation)
		if err != nil {
			return err
		}
		if settled {
			return tx.ApplyServerAck(ctx, item.EntityType, item.EntityID, serverID, version, etag)
		}

		// Superseded while in flight: the newer payload still needs pushing.
		_, err = tx.tx.ExecContext(ctx, `
			UPDATE mutation_queue SET operation = ? WHERE id = ? AND operation = ?
		`, string(entity.OpUpdate), item.ID, string(entity.OpCreate))
		if err != nil {
			return fmt.Errorf("demote superseded create: %w", err)
		}
		return tx.RecordServerAck(ctx, item.EntityType, item.EntityID, serverID, version, etag, entity.StatusPending)
	})
}

// MarkFailed records a failed push attempt. While the retry budget remains,
// the item stays queued with an incremented retry count and the given backoff
// deadline. Once retries are exhausted the item is removed and the target
// entity flips to failed. Returns whether the budget was exhausted.
func (s *SQLiteStore) MarkFailed(ctx context.Context, item entity.QueueItem, cause string, nextAttempt time.Time) (bool, error) {
	exhausted := item.RetryCount+1 >= item.MaxRetries

	err := s.WithTx(ctx, func(tx *Tx) error {
		if exhausted {
			if err := tx.DeleteQueueItem(ctx, item.ID); err != nil {
				return err
			}
			return tx.SetSyncStatus(ctx, item.EntityType, item.EntityID, entity.StatusFailed)
		}

		_, err := tx.tx.ExecContext(ctx, `
			UPDATE mutation_queue
			SET retry_count = retry_count + 1, next_attempt_at = ?, last_error = ?
			WHERE id = ?
		`, formatTime(nextAttempt), cause, item.ID)
		if err != nil {
			return fmt.Errorf("record retry: %w", err)
		}
		// Back to pending so the entity stays visible as needing sync.
		return tx.SetSyncStatus(ctx, item.EntityType, item.EntityID, entity.StatusPending)
	})
	if err != nil {
		return false, err
	}
	return exhausted, nil
}

// MarkConflicted removes a queue item whose push was rejected with a conflict
// signal and flips its entity to conflict. The entity content is untouched;
// both versions stay available for resolution outside the engine.
func (s *SQLiteStore) MarkConflicted(ctx context.Context, item entity.QueueItem) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.DeleteQueueItem(ctx, item.ID); err != nil {
			return err
		}
		return tx.SetSyncStatus(ctx, item.EntityType, item.EntityID, entity.StatusConflict)
	})
}

// MarkTerminalFailure removes a queue item the backend rejected outright
// (validation class, never retried) and flips its entity to failed. The cause
// surfaces through logging and the failed event; the entity row keeps no
// error text.
func (s *SQLiteStore) MarkTerminalFailure(ctx context.Context, item entity.QueueItem, _ string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.DeleteQueueItem(ctx, item.ID); err != nil {
			return err
		}
		return tx.SetSyncStatus(ctx, item.EntityType, item.EntityID, entity.StatusFailed)
	})
}

// RequeueFailed re-enqueues an entity whose mutation previously exhausted its
// retries. Triggered explicitly (a user retry), it snapshots the current
// entity state, resets the retry budget, and returns the entity to pending.
func (s *SQLiteStore) RequeueFailed(ctx context.Context, entityType, id string, priority entity.Priority, maxRetries int) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		e, err := tx.GetEntity(ctx, entityType, id)
		if err != nil {
			return err
		}
		if e.SyncStatus != entity.StatusFailed {
			return fmt.Errorf("entity %s/%s is %s, not failed", entityType, id, e.SyncStatus)
		}

		op := entity.OpUpdate
		switch {
		case e.Deleted:
			op = entity.OpDelete
		case e.ServerID == "":
			op = entity.OpCreate
		}

		now := s.clk.Now()
		item := &entity.QueueItem{
			ID:            ulid.Make().String(),
			EntityType:    entityType,
			EntityID:      id,
			Operation:     op,
			Payload:       e.Payload,
			Priority:      priority,
			CreatedAt:     now,
			MaxRetries:    maxRetries,
			NextAttemptAt: now,
		}
		if err := tx.Enqueue(ctx, item); err != nil {
			return err
		}
		return tx.SetSyncStatus(ctx, entityType, id, entity.StatusPending)
	})
}

// QueueDepth returns the number of outstanding queue items for an entity
// type, or across all types when entityType is empty.
func (s *SQLiteStore) QueueDepth(ctx context.Context, entityType string) (int64, error) {
	var n int64
	var err error
	if entityType == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutation_queue`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM mutation_queue WHERE entity_type = ?`, entityType).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// NextEligibleAt returns the earliest backoff deadline among queued items for
// an entity type. Returns false when the queue is empty.
func (s *SQLiteStore) NextEligibleAt(ctx context.Context, entityType string) (time.Time, bool, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(next_attempt_at) FROM mutation_queue WHERE entity_type = ?
	`, entityType).Scan(&raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next eligible: %w", err)
	}
	if !raw.Valid {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse next_attempt_at: %w", err)
	}
	return t, true, nil
}
