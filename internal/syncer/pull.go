package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/tether/internal/realtime"
	"github.com/hyperengineering/tether/internal/remote"
	"github.com/hyperengineering/tether/internal/resolver"
)

// pull fetches the authoritative delta for one entity type and merges every
// snapshot through the conflict resolver, page by page, advancing the cursor
// only after a page has been fully applied.
func (o *Orchestrator) pull(ctx context.Context, ch *typeChannel) error {
	ch.setState(StatePulling)

	state, err := o.store.GetSyncState(ctx, ch.entityType)
	if err != nil {
		return fmt.Errorf("load sync state: %w", err)
	}
	cursor := state.Cursor

	var applied, conflicts int
	for {
		result, err := o.fetchPage(ctx, ch.entityType, cursor)
		if err != nil {
			return err
		}

		ch.setState(StateMerging)
		for _, snap := range result.Snapshots {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			verdict, err := realtime.ApplySnapshot(ctx, o.store, o.clk, o.bus, snap)
			if err != nil {
				return fmt.Errorf("merge pulled snapshot: %w", err)
			}
			switch verdict {
			case resolver.MarkConflict:
				conflicts++
			case resolver.AcceptRemote:
				applied++
			}
		}

		cursor = result.Cursor
		if err := o.store.SetCursor(ctx, ch.entityType, cursor); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}

		if !result.HasMore {
			break
		}
		ch.setState(StatePulling)
	}

	slog.Info("pull completed",
		"component", "syncer",
		"entity_type", ch.entityType,
		"applied", applied,
		"conflicts", conflicts,
		"cursor", cursor,
	)
	return nil
}

// fetchPage retrieves one page, retrying transient failures with capped
// exponential backoff and refreshing credentials once on an auth failure.
func (o *Orchestrator) fetchPage(ctx context.Context, entityType, cursor string) (*remote.FetchResult, error) {
	backoff := retry.WithMaxRetries(uint64(o.opts.FetchAttempts-1),
		retry.WithCappedDuration(o.opts.BackoffCap, retry.NewExponential(o.opts.BackoffBase)))

	var result *remote.FetchResult
	refreshed := false

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := o.client.Fetch(ctx, entityType, cursor)
		if err == nil {
			result = r
			return nil
		}

		if remote.IsUnauthorized(err) && !refreshed {
			refreshed = true
			if refreshErr := o.creds.Refresh(ctx); refreshErr != nil {
				return fmt.Errorf("credential refresh: %w", refreshErr)
			}
			return retry.RetryableError(err)
		}
		if remote.IsRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", entityType, err)
	}
	return result, nil
}
