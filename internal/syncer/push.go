package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/hyperengineering/tether/internal/entity"
	"github.com/hyperengineering/tether/internal/events"
	"github.com/hyperengineering/tether/internal/remote"
	"github.com/hyperengineering/tether/internal/store"
)

// push drains the mutation queue for one entity type in batches. Items for
// the same entity are strictly ordered by the queue's FIFO-within-priority
// contract; failures of individual items never abort the rest of the batch.
func (o *Orchestrator) push(ctx context.Context, ch *typeChannel) error {
	ch.setState(StatePushing)

	var errs error
	for {
		batch, err := o.store.DequeueBatch(ctx, ch.entityType, o.opts.BatchSize)
		if err != nil {
			return multierr.Append(errs, fmt.Errorf("dequeue: %w", err))
		}
		if len(batch) == 0 {
			return errs
		}

		var pushed int
		for _, item := range batch {
			if ctx.Err() != nil {
				return errs
			}
			if err := o.pushItem(ctx, item); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			pushed++
		}

		slog.Info("push batch completed",
			"component", "syncer",
			"entity_type", ch.entityType,
			"pushed", pushed,
			"failed", len(batch)-pushed,
		)

		// A batch that made no progress means everything is parked behind a
		// backoff window; stop instead of spinning on the same items.
		if pushed == 0 {
			return errs
		}
	}
}

// pushItem transmits one mutation and settles its queue item.
func (o *Orchestrator) pushItem(ctx context.Context, item entity.QueueItem) error {
	req, err := o.buildRequest(ctx, item)
	if err != nil {
		return err
	}

	ack, err := o.client.Push(ctx, *req)
	if err == nil {
		if err := o.store.MarkSucceeded(ctx, item, ack.ServerID, ack.Version, ack.ETag); err != nil {
			return fmt.Errorf("settle ack for %s/%s: %w", item.EntityType, item.EntityID, err)
		}
		o.publish(item, events.KindPushed, ack.Version)
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	switch {
	case remote.IsConflict(err):
		// The server rejected the conditional update: divergence. Terminal
		// for the queue item; the entity awaits resolution.
		if markErr := o.store.MarkConflicted(ctx, item); markErr != nil {
			return fmt.Errorf("mark conflict for %s/%s: %w", item.EntityType, item.EntityID, markErr)
		}
		o.publish(item, events.KindConflict, 0)
		slog.Warn("push rejected with conflict",
			"component", "syncer",
			"entity_type", item.EntityType,
			"entity_id", item.EntityID,
		)
		return nil

	case remote.IsTerminal(err):
		// Backend-side validation failure (e.g. a duplicate the local check
		// missed). Never retried; surfaced as entity state, not dropped.
		if markErr := o.store.MarkTerminalFailure(ctx, item, err.Error()); markErr != nil {
			return fmt.Errorf("mark terminal failure for %s/%s: %w", item.EntityType, item.EntityID, markErr)
		}
		o.publish(item, events.KindFailed, 0)
		slog.Warn("push rejected by backend validation",
			"component", "syncer",
			"entity_type", item.EntityType,
			"entity_id", item.EntityID,
			"error", err,
		)
		return err

	case remote.IsUnauthorized(err):
		if refreshErr := o.creds.Refresh(ctx); refreshErr == nil {
			// Fresh credentials: retry the item once within this cycle.
			return o.retryAfterRefresh(ctx, item, *req)
		}
		return o.recordRetry(ctx, item, err)

	default:
		// Transient network class: schedule the next attempt.
		return o.recordRetry(ctx, item, err)
	}
}

func (o *Orchestrator) retryAfterRefresh(ctx context.Context, item entity.QueueItem, req remote.PushRequest) error {
	ack, err := o.client.Push(ctx, req)
	if err != nil {
		return o.recordRetry(ctx, item, err)
	}
	if err := o.store.MarkSucceeded(ctx, item, ack.ServerID, ack.Version, ack.ETag); err != nil {
		return fmt.Errorf("settle ack for %s/%s: %w", item.EntityType, item.EntityID, err)
	}
	o.publish(item, events.KindPushed, ack.Version)
	return nil
}

// recordRetry books a failed attempt against the item's retry budget and
// stamps its backoff deadline. Items enqueued without a budget of their own
// get the orchestrator's configured one.
func (o *Orchestrator) recordRetry(ctx context.Context, item entity.QueueItem, cause error) error {
	if item.MaxRetries <= 0 {
		item.MaxRetries = o.opts.MaxRetries
	}
	delay := backoffDelay(o.opts.BackoffBase, o.opts.BackoffCap, item.RetryCount)
	exhausted, err := o.store.MarkFailed(ctx, item, cause.Error(), o.clk.Now().Add(delay))
	if err != nil {
		return fmt.Errorf("record retry for %s/%s: %w", item.EntityType, item.EntityID, err)
	}

	if exhausted {
		o.publish(item, events.KindFailed, 0)
		slog.Error("push permanently failed",
			"component", "syncer",
			"entity_type", item.EntityType,
			"entity_id", item.EntityID,
			"attempts", item.RetryCount+1,
			"error", cause,
		)
	} else {
		slog.Debug("push attempt failed, backing off",
			"component", "syncer",
			"entity_type", item.EntityType,
			"entity_id", item.EntityID,
			"retry_count", item.RetryCount+1,
			"delay", delay.String(),
		)
	}
	return cause
}

// buildRequest snapshots the push payload plus the entity's last-known server
// state for the conditional update.
func (o *Orchestrator) buildRequest(ctx context.Context, item entity.QueueItem) (*remote.PushRequest, error) {
	req := &remote.PushRequest{
		Operation:  item.Operation,
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Payload:    item.Payload,
	}

	e, err := o.store.Get(ctx, item.EntityType, item.EntityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Entity already purged; push the recorded snapshot as-is.
			return req, nil
		}
		return nil, fmt.Errorf("load entity for push: %w", err)
	}

	req.BaseVersion = e.Version
	req.ETag = e.ETag
	return req, nil
}

func (o *Orchestrator) publish(item entity.QueueItem, kind events.Kind, version int64) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.ChangeEvent{
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Kind:       kind,
		Version:    version,
	})
}
