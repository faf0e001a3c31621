package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tether/internal/clock"
	"github.com/hyperengineering/tether/internal/config"
	"github.com/hyperengineering/tether/internal/entity"
	"github.com/hyperengineering/tether/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state per entity type",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(cfg.Database.Path, clock.System{})
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	for _, entityType := range cfg.Sync.EntityTypes {
		counts, err := db.CountByStatus(ctx, entityType)
		if err != nil {
			return err
		}
		depth, err := db.QueueDepth(ctx, entityType)
		if err != nil {
			return err
		}
		state, err := db.GetSyncState(ctx, entityType)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "%s:\n", entityType)
		for _, status := range []entity.SyncStatus{
			entity.StatusSynced,
			entity.StatusPending,
			entity.StatusSyncing,
			entity.StatusFailed,
			entity.StatusConflict,
		} {
			if n := counts[status]; n > 0 {
				fmt.Fprintf(out, "  %-10s %d\n", status, n)
			}
		}
		fmt.Fprintf(out, "  queued     %d\n", depth)
		if state.Cursor != "" {
			fmt.Fprintf(out, "  cursor     %s\n", state.Cursor)
		}
		if state.LastSyncedAt != nil {
			fmt.Fprintf(out, "  last sync  %s\n", state.LastSyncedAt.Format("2006-01-02 15:04:05"))
		}
		if state.FailureStreak > 0 {
			fmt.Fprintf(out, "  failures   %d\n", state.FailureStreak)
		}
	}

	return nil
}
