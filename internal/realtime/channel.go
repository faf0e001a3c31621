// Package realtime consumes server-pushed change events and applies them to
// the entity store under the same invariants as a pull: resolver-arbitrated,
// version-gated, transactional.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/tether/internal/clock"
	"github.com/hyperengineering/tether/internal/entity"
	"github.com/hyperengineering/tether/internal/events"
	"github.com/hyperengineering/tether/internal/resolver"
	"github.com/hyperengineering/tether/internal/store"
)

// EntityStore defines the store operations needed to apply remote snapshots.
// Implemented by store.SQLiteStore.
type EntityStore interface {
	WithTx(ctx context.Context, fn func(tx *store.Tx) error) error
}

// Source delivers server-pushed snapshots. Delivery is at-least-once and may
// duplicate or interleave events across entities, but events for the same
// entity key arrive in order (a transport guarantee).
type Source interface {
	Events() <-chan entity.RemoteSnapshot
}

// Channel applies a Source's events to the entity store.
type Channel struct {
	store EntityStore
	clk   clock.Clock
	bus   *events.Bus
}

// NewChannel creates a realtime channel. bus may be nil when no consumer
// cares about change notifications.
func NewChannel(s EntityStore, clk clock.Clock, bus *events.Bus) *Channel {
	if clk == nil {
		clk = clock.System{}
	}
	return &Channel{store: s, clk: clk, bus: bus}
}

// Run consumes events from source until ctx is cancelled or the source's
// channel closes. Apply failures are logged and skipped: at-least-once
// delivery means a dropped event resurfaces on the next pull.
func (c *Channel) Run(ctx context.Context, source Source) {
	slog.Info("realtime channel started", "component", "realtime")

	for {
		select {
		case <-ctx.Done():
			slog.Info("realtime channel stopped", "component", "realtime", "reason", "context_cancelled")
			return
		case snap, ok := <-source.Events():
			if !ok {
				slog.Info("realtime channel stopped", "component", "realtime", "reason", "source_closed")
				return
			}
			verdict, err := c.Apply(ctx, snap)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("failed to apply realtime event",
					"component", "realtime",
					"entity_type", snap.EntityType,
					"entity_id", snap.EntityID,
					"error", err,
				)
				continue
			}
			slog.Debug("realtime event applied",
				"component", "realtime",
				"entity_type", snap.EntityType,
				"entity_id", snap.EntityID,
				"version", snap.Version,
				"verdict", string(verdict),
			)
		}
	}
}

// Apply reconciles one remote snapshot with the local store and returns the
// resolver's verdict. Applying the same snapshot twice is a no-op after the
// first application.
func (c *Channel) Apply(ctx context.Context, snap entity.RemoteSnapshot) (resolver.Verdict, error) {
	return ApplySnapshot(ctx, c.store, c.clk, c.bus, snap)
}

// ApplySnapshot runs one remote snapshot through the conflict resolver inside
// a store transaction and applies the verdict. Shared by the realtime channel
// and the orchestrator's pull merge so both paths honor identical invariants.
func ApplySnapshot(ctx context.Context, s EntityStore, clk clock.Clock, bus *events.Bus, snap entity.RemoteSnapshot) (resolver.Verdict, error) {
	var verdict resolver.Verdict

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		local, err := tx.GetEntity(ctx, snap.EntityType, snap.EntityID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		verdict = resolver.Resolve(local, &snap)

		switch verdict {
		case resolver.AcceptRemote:
			if snap.Deleted {
				if local == nil {
					return nil
				}
				return tx.PurgeEntity(ctx, snap.EntityType, snap.EntityID)
			}
			return tx.UpsertEntity(ctx, remoteToEntity(clk, local, snap))
		case resolver.MarkConflict:
			return tx.SetSyncStatus(ctx, snap.EntityType, snap.EntityID, entity.StatusConflict)
		default:
			return nil
		}
	})
	if err != nil {
		return verdict, fmt.Errorf("apply snapshot %s/%s: %w", snap.EntityType, snap.EntityID, err)
	}

	if bus != nil {
		switch verdict {
		case resolver.AcceptRemote:
			kind := events.KindApplied
			if snap.Deleted {
				kind = events.KindPurged
			}
			bus.Publish(events.ChangeEvent{
				EntityType: snap.EntityType,
				EntityID:   snap.EntityID,
				Kind:       kind,
				Version:    snap.Version,
			})
		case resolver.MarkConflict:
			bus.Publish(events.ChangeEvent{
				EntityType: snap.EntityType,
				EntityID:   snap.EntityID,
				Kind:       events.KindConflict,
				Version:    snap.Version,
			})
		}
	}

	return verdict, nil
}

// remoteToEntity builds the local row for an accepted remote snapshot,
// preserving the local creation stamp when the entity already exists.
func remoteToEntity(clk clock.Clock, local *entity.Entity, snap entity.RemoteSnapshot) *entity.Entity {
	now := clk.Now()

	e := &entity.Entity{
		ID:           snap.EntityID,
		Type:         snap.EntityType,
		ServerID:     snap.ServerID,
		Version:      snap.Version,
		ETag:         snap.ETag,
		SyncStatus:   entity.StatusSynced,
		LastSyncedAt: &now,
		Payload:      snap.Payload,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if local != nil {
		e.CreatedAt = local.CreatedAt
	}
	return e
}
