package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hyperengineering/tether/internal/clock"
	"github.com/hyperengineering/tether/internal/entity"
)

// Tx is a scoped write transaction over entities and the mutation queue.
// All mutations made through a Tx become visible atomically on commit; any
// error (or panic) inside the scope rolls the whole batch back.
type Tx struct {
	tx  *sql.Tx
	clk clock.Clock
}

// WithTx runs fn inside a write transaction. The transaction commits when fn
// returns nil and rolls back on error or panic, so no exit path can leave a
// partial write visible to readers.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			sqlTx.Rollback()
		}
	}()

	if err := fn(&Tx{tx: sqlTx, clk: s.clk}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// GetEntity reads an entity within the transaction.
func (t *Tx) GetEntity(ctx context.Context, entityType, id string) (*entity.Entity, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+entityColumns+`
		FROM entities
		WHERE entity_type = ? AND id = ?
	`, entityType, id)

	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan entity: %w", err)
	}
	return e, nil
}

// CreateEntity inserts a new entity. Returns ErrDuplicateID when an entity
// with the same (type, id) already exists, tombstones included.
func (t *Tx) CreateEntity(ctx context.Context, e *entity.Entity) error {
	var exists int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE entity_type = ? AND id = ?`,
		e.Type, e.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check entity exists: %w", err)
	}
	if exists > 0 {
		return ErrDuplicateID
	}
	return t.UpsertEntity(ctx, e)
}

// UpsertEntity writes the full entity row, inserting or replacing in place.
func (t *Tx) UpsertEntity(ctx context.Context, e *entity.Entity) error {
	deleted := 0
	if e.Deleted {
		deleted = 1
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, id) DO UPDATE SET
			server_id = excluded.server_id,
			version = excluded.version,
			etag = excluded.etag,
			sync_status = excluded.sync_status,
			last_synced_at = excluded.last_synced_at,
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted
	`,
		e.Type,
		e.ID,
		nullableString(e.ServerID),
		e.Version,
		nullableString(e.ETag),
		string(e.SyncStatus),
		nullableTime(e.LastSyncedAt),
		nullableString(string(e.Payload)),
		formatTime(e.CreatedAt),
		formatTime(e.UpdatedAt),
		deleted,
	)
	if err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}
	return nil
}

// SetSyncStatus updates only the sync status of an entity.
func (t *Tx) SetSyncStatus(ctx context.Context, entityType, id string, status entity.SyncStatus) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE entities SET sync_status = ?, updated_at = ?
		WHERE entity_type = ? AND id = ?
	`, string(status), formatTime(t.clk.Now()), entityType, id)
	if err != nil {
		return fmt.Errorf("set sync status: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyServerAck records a successful push acknowledgment: server identity,
// bumped version, fresh etag, synced status, and the reconciliation stamp.
func (t *Tx) ApplyServerAck(ctx context.Context, entityType, id, serverID string, version int64, etag string) error {
	return t.RecordServerAck(ctx, entityType, id, serverID, version, etag, entity.StatusSynced)
}

// RecordServerAck is ApplyServerAck with an explicit resulting status, for
// acks that must not settle the entity (a newer local mutation is still
// queued, so the entity stays pending).
func (t *Tx) RecordServerAck(ctx context.Context, entityType, id, serverID string, version int64, etag string, status entity.SyncStatus) error {
	now := t.clk.Now()
	result, err := t.tx.ExecContext(ctx, `
		UPDATE entities
		SET server_id = ?, version = ?, etag = ?, sync_status = ?, last_synced_at = ?, updated_at = ?
		WHERE entity_type = ? AND id = ?
	`,
		nullableString(serverID),
		version,
		nullableString(etag),
		string(status),
		formatTime(now),
		formatTime(now),
		entityType, id,
	)
	if err != nil {
		return fmt.Errorf("apply server ack: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeEntity removes an entity row entirely. Only called once the server has
// acknowledged the matching delete mutation (tombstone-then-purge).
func (t *Tx) PurgeEntity(ctx context.Context, entityType, id string) error {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM entities WHERE entity_type = ? AND id = ?`, entityType, id); err != nil {
		return fmt.Errorf("purge entity: %w", err)
	}
	return nil
}

// Enqueue records a pending mutation. When an unresolved item already exists
// for the same (entityType, entityID), the payloads coalesce: the operation
// merges per entity.CoalesceOperation, the payload is replaced with the newer
// snapshot, the original createdAt is kept for queue fairness, and the item's
// generation is bumped so an in-flight push of the older payload cannot
// settle the row.
func (t *Tx) Enqueue(ctx context.Context, item *entity.QueueItem) error {
	existing, err := t.QueueItemFor(ctx, item.EntityType, item.EntityID)
	if err != nil && !errors.Is(err, ErrQueueItemNotFound) {
		return err
	}

	if existing != nil {
		op := entity.CoalesceOperation(existing.Operation, item.Operation)
		priority := existing.Priority
		if item.Priority > priority {
			priority = item.Priority
		}
		_, err := t.tx.ExecContext(ctx, `
			UPDATE mutation_queue
			SET operation = ?, payload = ?, priority = ?, generation = generation + 1
			WHERE id = ?
		`, string(op), nullableString(string(item.Payload)), int(priority), existing.ID)
		if err != nil {
			return fmt.Errorf("coalesce queue item: %w", err)
		}
		return nil
	}

	if item.CreatedAt.IsZero() {
		item.CreatedAt = t.clk.Now()
	}
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = item.CreatedAt
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO mutation_queue
			(id, entity_type, entity_id, operation, payload, priority, generation, created_at, retry_count, max_retries, next_attempt_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID,
		item.EntityType,
		item.EntityID,
		string(item.Operation),
		nullableString(string(item.Payload)),
		int(item.Priority),
		item.Generation,
		formatTime(item.CreatedAt),
		item.RetryCount,
		item.MaxRetries,
		formatTime(item.NextAttemptAt),
		nullableString(item.LastError),
	)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// DeleteQueueItem removes a queue item by id.
func (t *Tx) DeleteQueueItem(ctx context.Context, id string) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM mutation_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete queue item: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrQueueItemNotFound
	}
	return nil
}

// DeleteQueueItemIfGeneration removes a queue item only while its generation
// still matches. Returns false when a later mutation coalesced onto the row
// after it was dispatched; the surviving item must not be dropped.
func (t *Tx) DeleteQueueItemIfGeneration(ctx context.Context, id string, generation int64) (bool, error) {
	result, err := t.tx.ExecContext(ctx,
		`DELETE FROM mutation_queue WHERE id = ? AND generation = ?`, id, generation)
	if err != nil {
		return false, fmt.Errorf("delete queue item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete queue item: %w", err)
	}
	return n > 0, nil
}

// QueueItemFor returns the unresolved queue item targeting the given entity,
// or ErrQueueItemNotFound when none is queued.
func (t *Tx) QueueItemFor(ctx context.Context, entityType, entityID string) (*entity.QueueItem, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+queueColumns+`
		FROM mutation_queue
		WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)

	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrQueueItemNotFound
		}
		return nil, fmt.Errorf("scan queue item: %w", err)
	}
	return item, nil
}
