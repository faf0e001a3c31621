// Package repo is the interface domain code calls. A Repository binds one
// entity type to a Go value type: mutations land optimistically in the local
// store with a matching queue item in the same transaction and return
// immediately; reads never touch the network. Staleness is visible to callers
// through the entity metadata on every record.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/tether/internal/clock"
	"github.com/hyperengineering/tether/internal/entity"
	"github.com/hyperengineering/tether/internal/store"
)

// SyncTrigger is the orchestrator surface a repository pokes after a local
// mutation. Implemented by syncer.Orchestrator.
type SyncTrigger interface {
	TriggerPush(entityType string)
	TriggerSync(entityType string)
}

// Record pairs a decoded domain value with its sync metadata. Callers
// distinguish fresh, stale-but-usable, and failed-needs-attention purely from
// Meta.SyncStatus and Meta.LastSyncedAt.
type Record[T any] struct {
	Meta  entity.Entity
	Value T
}

// ValidateFunc checks a candidate value against the local store before the
// optimistic write, to fail fast on constraints the backend will also
// enforce. The backend re-validates on push; a violation it detects surfaces
// as a terminal failure on the entity, never a silent drop.
type ValidateFunc[T any] func(ctx context.Context, r *Repository[T], id string, value T) error

// Options tune one repository instance.
type Options[T any] struct {
	// Priority assigned to enqueued mutations. PriorityUnset means normal;
	// any explicit level, low included, is honored.
	Priority entity.Priority

	// MaxRetries is the per-item push retry budget. Defaults to 5.
	MaxRetries int

	// Validate, when set, runs before Create and Update.
	Validate ValidateFunc[T]
}

// Repository exposes create/read/update/delete/search for one entity family.
type Repository[T any] struct {
	store      *store.SQLiteStore
	trigger    SyncTrigger
	clk        clock.Clock
	entityType string
	opts       Options[T]
}

// New creates a repository for the given entity type. trigger may be nil
// (mutations then wait for the next scheduled cycle).
func New[T any](s *store.SQLiteStore, trigger SyncTrigger, clk clock.Clock, entityType string, opts Options[T]) *Repository[T] {
	if clk == nil {
		clk = clock.System{}
	}
	if opts.Priority == entity.PriorityUnset {
		opts.Priority = entity.PriorityNormal
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	return &Repository[T]{
		store:      s,
		trigger:    trigger,
		clk:        clk,
		entityType: entityType,
		opts:       opts,
	}
}

// EntityType returns the entity family this repository manages.
func (r *Repository[T]) EntityType() string { return r.entityType }

// Create writes a new entity optimistically and enqueues its push. An empty
// id gets a fresh ULID. Returns without blocking on the network.
func (r *Repository[T]) Create(ctx context.Context, id string, value T) (*Record[T], error) {
	if id == "" {
		id = ulid.Make().String()
	}
	if err := r.validate(ctx, id, value); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", r.entityType, err)
	}

	now := r.clk.Now()
	e := &entity.Entity{
		ID:         id,
		Type:       r.entityType,
		Version:    1,
		SyncStatus: entity.StatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = r.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.CreateEntity(ctx, e); err != nil {
			return err
		}
		return r.enqueue(ctx, tx, id, entity.OpCreate, payload, now)
	})
	if err != nil {
		return nil, err
	}

	r.poke()
	return &Record[T]{Meta: *e, Value: value}, nil
}

// Update replaces an entity's domain payload optimistically and enqueues the
// push. A pending create for the same entity coalesces into one create
// carrying the newer payload.
func (r *Repository[T]) Update(ctx context.Context, id string, value T) (*Record[T], error) {
	if err := r.validate(ctx, id, value); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", r.entityType, err)
	}

	var updated *entity.Entity
	err = r.store.WithTx(ctx, func(tx *store.Tx) error {
		e, err := tx.GetEntity(ctx, r.entityType, id)
		if err != nil {
			return err
		}
		if e.Deleted {
			return fmt.Errorf("update %s/%s: %w", r.entityType, id, store.ErrNotFound)
		}

		now := r.clk.Now()
		e.Payload = payload
		e.UpdatedAt = now
		e.SyncStatus = entity.StatusPending
		if err := tx.UpsertEntity(ctx, e); err != nil {
			return err
		}
		updated = e
		return r.enqueue(ctx, tx, id, entity.OpUpdate, payload, now)
	})
	if err != nil {
		return nil, err
	}

	r.poke()
	return &Record[T]{Meta: *updated, Value: value}, nil
}

// Delete tombstones an entity and enqueues the delete. The row survives until
// the backend acknowledges; any pending mutation collapses into the delete.
// An entity the server never saw is purged locally without a push.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	var pushed bool
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		e, err := tx.GetEntity(ctx, r.entityType, id)
		if err != nil {
			return err
		}

		if e.ServerID == "" {
			// Local-only entity: nothing remote to delete.
			if err := tx.PurgeEntity(ctx, r.entityType, id); err != nil {
				return err
			}
			item, err := tx.QueueItemFor(ctx, r.entityType, id)
			if err != nil {
				if errors.Is(err, store.ErrQueueItemNotFound) {
					return nil
				}
				return err
			}
			return tx.DeleteQueueItem(ctx, item.ID)
		}

		now := r.clk.Now()
		e.Deleted = true
		e.UpdatedAt = now
		e.SyncStatus = entity.StatusPending
		if err := tx.UpsertEntity(ctx, e); err != nil {
			return err
		}
		pushed = true
		return r.enqueue(ctx, tx, id, entity.OpDelete, nil, now)
	})
	if err != nil {
		return err
	}

	if pushed {
		r.poke()
	}
	return nil
}

// Find reads one entity from the local store. Never blocks on network;
// returns store.ErrNotFound for unknown or tombstoned ids.
func (r *Repository[T]) Find(ctx context.Context, id string) (*Record[T], error) {
	e, err := r.store.Get(ctx, r.entityType, id)
	if err != nil {
		return nil, err
	}
	if e.Deleted {
		return nil, store.ErrNotFound
	}
	return r.decode(e)
}

// Search queries the local store. The entity-type filter is applied on top of
// the caller's criteria.
func (r *Repository[T]) Search(ctx context.Context, q store.Query) ([]Record[T], error) {
	entities, err := r.store.QueryEntities(ctx, r.entityType, q)
	if err != nil {
		return nil, err
	}

	records := make([]Record[T], 0, len(entities))
	for i := range entities {
		rec, err := r.decode(&entities[i])
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

// CurrentBestEffortView returns everything the local store holds for this
// entity type regardless of sync state, for immediate UI population.
func (r *Repository[T]) CurrentBestEffortView(ctx context.Context) ([]Record[T], error) {
	return r.Search(ctx, store.Query{})
}

// RetryFailed re-enqueues an entity whose push exhausted its retries, with a
// fresh retry budget, and pokes the orchestrator.
func (r *Repository[T]) RetryFailed(ctx context.Context, id string) error {
	err := r.store.RequeueFailed(ctx, r.entityType, id, r.opts.Priority, r.opts.MaxRetries)
	if err != nil {
		return err
	}
	r.poke()
	return nil
}

// Resolution is the caller's decision for a conflicted entity.
type Resolution string

const (
	// KeepLocal re-submits the local payload over the remote version.
	KeepLocal Resolution = "keep_local"

	// AcceptRemote discards the local edit; the next pull re-applies the
	// authoritative state.
	AcceptRemote Resolution = "accept_remote"
)

// ResolveConflict settles an entity in conflict status. KeepLocal returns the
// entity to pending with its mutation re-armed; AcceptRemote drops the queued
// mutation and marks the entity syncable again, then requests a pull so the
// authoritative version lands.
func (r *Repository[T]) ResolveConflict(ctx context.Context, id string, res Resolution) error {
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		e, err := tx.GetEntity(ctx, r.entityType, id)
		if err != nil {
			return err
		}
		if e.SyncStatus != entity.StatusConflict {
			return fmt.Errorf("entity %s/%s is %s, not conflict", r.entityType, id, e.SyncStatus)
		}

		switch res {
		case KeepLocal:
			now := r.clk.Now()
			op := entity.OpUpdate
			if e.ServerID == "" {
				op = entity.OpCreate
			}
			if e.Deleted {
				op = entity.OpDelete
			}
			if err := r.enqueue(ctx, tx, id, op, e.Payload, now); err != nil {
				return err
			}
			return tx.SetSyncStatus(ctx, r.entityType, id, entity.StatusPending)

		case AcceptRemote:
			item, err := tx.QueueItemFor(ctx, r.entityType, id)
			if err != nil && !errors.Is(err, store.ErrQueueItemNotFound) {
				return err
			}
			if item != nil {
				if err := tx.DeleteQueueItem(ctx, item.ID); err != nil {
					return err
				}
			}
			return tx.SetSyncStatus(ctx, r.entityType, id, entity.StatusSynced)

		default:
			return fmt.Errorf("unknown resolution %q", res)
		}
	})
	if err != nil {
		return err
	}

	if r.trigger != nil {
		switch res {
		case KeepLocal:
			r.trigger.TriggerPush(r.entityType)
		case AcceptRemote:
			r.trigger.TriggerSync(r.entityType)
		}
	}
	return nil
}

func (r *Repository[T]) enqueue(ctx context.Context, tx *store.Tx, id string, op entity.Operation, payload json.RawMessage, now time.Time) error {
	return tx.Enqueue(ctx, &entity.QueueItem{
		ID:            ulid.Make().String(),
		EntityType:    r.entityType,
		EntityID:      id,
		Operation:     op,
		Payload:       payload,
		Priority:      r.opts.Priority,
		CreatedAt:     now,
		MaxRetries:    r.opts.MaxRetries,
		NextAttemptAt: now,
	})
}

func (r *Repository[T]) validate(ctx context.Context, id string, value T) error {
	if r.opts.Validate == nil {
		return nil
	}
	if err := r.opts.Validate(ctx, r, id, value); err != nil {
		return fmt.Errorf("validate %s/%s: %w", r.entityType, id, err)
	}
	return nil
}

func (r *Repository[T]) decode(e *entity.Entity) (*Record[T], error) {
	rec := Record[T]{Meta: *e}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &rec.Value); err != nil {
			return nil, fmt.Errorf("decode %s/%s payload: %w", e.Type, e.ID, err)
		}
	}
	return &rec, nil
}

func (r *Repository[T]) poke() {
	if r.trigger != nil {
		r.trigger.TriggerPush(r.entityType)
	}
}
