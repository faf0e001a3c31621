package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/tether/internal/clock"
	"github.com/hyperengineering/tether/internal/entity"
	"github.com/oklog/ulid/v2"
)

func newTestStore(t *testing.T) (*SQLiteStore, *clock.Fake) {
	t.Helper()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tether.db"), clk)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func newTestEntity(entityType, id string, status entity.SyncStatus, payload string) *entity.Entity {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &entity.Entity{
		ID:         id,
		Type:       entityType,
		Version:    1,
		SyncStatus: status,
		Payload:    json.RawMessage(payload),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func mustWrite(t *testing.T, s *SQLiteStore, e *entity.Entity) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		return tx.UpsertEntity(context.Background(), e)
	})
	if err != nil {
		t.Fatalf("write entity %s: %v", e.ID, err)
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), "posts", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestWriteAndGet_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	syncedAt := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	e := newTestEntity("posts", "p1", entity.StatusSynced, `{"title":"hello"}`)
	e.ServerID = "srv-1"
	e.ETag = `"v3"`
	e.Version = 3
	e.LastSyncedAt = &syncedAt
	mustWrite(t, s, e)

	got, err := s.Get(ctx, "posts", "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ServerID != "srv-1" || got.ETag != `"v3"` || got.Version != 3 {
		t.Errorf("metadata mismatch: %+v", got)
	}
	if got.SyncStatus != entity.StatusSynced {
		t.Errorf("sync status = %s, want synced", got.SyncStatus)
	}
	if got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(syncedAt) {
		t.Errorf("last synced at = %v, want %v", got.LastSyncedAt, syncedAt)
	}
	if string(got.Payload) != `{"title":"hello"}` {
		t.Errorf("payload = %s", got.Payload)
	}
}

func TestCreateEntity_Duplicate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustWrite(t, s, newTestEntity("posts", "p1", entity.StatusPending, `{}`))

	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.CreateEntity(ctx, newTestEntity("posts", "p1", entity.StatusPending, `{}`))
	})
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("CreateEntity duplicate error = %v, want ErrDuplicateID", err)
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertEntity(ctx, newTestEntity("posts", "p1", entity.StatusPending, `{}`)); err != nil {
			return err
		}
		if err := tx.UpsertEntity(ctx, newTestEntity("posts", "p2", entity.StatusPending, `{}`)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx error = %v, want boom", err)
	}

	// Neither write may be visible: all or nothing.
	for _, id := range []string{"p1", "p2"} {
		if _, err := s.Get(ctx, "posts", id); !errors.Is(err, ErrNotFound) {
			t.Errorf("entity %s visible after rollback (err = %v)", id, err)
		}
	}
}

func TestWithTx_RollbackOnPanic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	func() {
		defer func() { recover() }()
		s.WithTx(ctx, func(tx *Tx) error {
			tx.UpsertEntity(ctx, newTestEntity("posts", "p1", entity.StatusPending, `{}`))
			panic("mid-transaction")
		})
	}()

	if _, err := s.Get(ctx, "posts", "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("entity visible after panic rollback (err = %v)", err)
	}
}

func TestQueryEntities_StatusFilter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustWrite(t, s, newTestEntity("posts", "a", entity.StatusSynced, `{}`))
	mustWrite(t, s, newTestEntity("posts", "b", entity.StatusPending, `{}`))
	mustWrite(t, s, newTestEntity("posts", "c", entity.StatusFailed, `{}`))
	mustWrite(t, s, newTestEntity("users", "d", entity.StatusPending, `{}`))

	got, err := s.QueryEntities(ctx, "posts", Query{
		Statuses: []entity.SyncStatus{entity.StatusPending, entity.StatusFailed},
		OrderBy:  "id",
	})
	if err != nil {
		t.Fatalf("QueryEntities: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Errorf("got %d entities %v, want [b c]", len(got), ids(got))
	}
}

func TestQueryEntities_PayloadFieldFilter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustWrite(t, s, newTestEntity("users", "u1", entity.StatusSynced, `{"email":"a@example.com"}`))
	mustWrite(t, s, newTestEntity("users", "u2", entity.StatusSynced, `{"email":"b@example.com"}`))

	got, err := s.QueryEntities(ctx, "users", Query{Fields: map[string]string{"email": "b@example.com"}})
	if err != nil {
		t.Fatalf("QueryEntities: %v", err)
	}
	if len(got) != 1 || got[0].ID != "u2" {
		t.Errorf("got %v, want [u2]", ids(got))
	}
}

func TestQueryEntities_ExcludesTombstonesByDefault(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	live := newTestEntity("posts", "live", entity.StatusSynced, `{}`)
	dead := newTestEntity("posts", "dead", entity.StatusPending, `{}`)
	dead.Deleted = true
	mustWrite(t, s, live)
	mustWrite(t, s, dead)

	got, err := s.QueryEntities(ctx, "posts", Query{})
	if err != nil {
		t.Fatalf("QueryEntities: %v", err)
	}
	if len(got) != 1 || got[0].ID != "live" {
		t.Errorf("got %v, want [live]", ids(got))
	}

	got, err = s.QueryEntities(ctx, "posts", Query{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("QueryEntities: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("with IncludeDeleted got %v, want 2 entities", ids(got))
	}
}

func TestQueryEntities_SyncedBefore(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cutoff := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	old := cutoff.Add(-time.Hour)
	fresh := cutoff.Add(time.Hour)

	stale := newTestEntity("posts", "stale", entity.StatusSynced, `{}`)
	stale.LastSyncedAt = &old
	current := newTestEntity("posts", "current", entity.StatusSynced, `{}`)
	current.LastSyncedAt = &fresh
	never := newTestEntity("posts", "never", entity.StatusPending, `{}`)

	mustWrite(t, s, stale)
	mustWrite(t, s, current)
	mustWrite(t, s, never)

	got, err := s.QueryEntities(ctx, "posts", Query{SyncedBefore: &cutoff, OrderBy: "id"})
	if err != nil {
		t.Fatalf("QueryEntities: %v", err)
	}
	if len(got) != 2 || got[0].ID != "never" || got[1].ID != "stale" {
		t.Errorf("got %v, want [never stale]", ids(got))
	}
}

func TestQueryEntities_RejectsUnknownOrderColumn(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.QueryEntities(context.Background(), "posts", Query{OrderBy: "payload; DROP TABLE entities"})
	if err == nil {
		t.Error("expected error for unknown order column")
	}
}

func TestQueryEntities_LimitOffset(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		mustWrite(t, s, newTestEntity("posts", id, entity.StatusSynced, `{}`))
	}

	got, err := s.QueryEntities(ctx, "posts", Query{OrderBy: "id", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("QueryEntities: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Errorf("got %v, want [b c]", ids(got))
	}
}

func TestApplyServerAck(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	mustWrite(t, s, newTestEntity("posts", "p1", entity.StatusSyncing, `{}`))

	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.ApplyServerAck(ctx, "posts", "p1", "srv-9", 2, `"v2"`)
	})
	if err != nil {
		t.Fatalf("ApplyServerAck: %v", err)
	}

	got, err := s.Get(ctx, "posts", "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SyncStatus != entity.StatusSynced || got.Version != 2 || got.ETag != `"v2"` || got.ServerID != "srv-9" {
		t.Errorf("after ack: %+v", got)
	}
	if got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(clk.Now()) {
		t.Errorf("last synced at = %v, want %v", got.LastSyncedAt, clk.Now())
	}
}

func TestCountByStatus(t *testing.T) {
	s, _ := newTestStore(t)

	mustWrite(t, s, newTestEntity("posts", "a", entity.StatusSynced, `{}`))
	mustWrite(t, s, newTestEntity("posts", "b", entity.StatusPending, `{}`))
	mustWrite(t, s, newTestEntity("posts", "c", entity.StatusPending, `{}`))

	counts, err := s.CountByStatus(context.Background(), "posts")
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[entity.StatusSynced] != 1 || counts[entity.StatusPending] != 2 {
		t.Errorf("counts = %v", counts)
	}
}

func TestSyncState_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	state, err := s.GetSyncState(ctx, "posts")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if state.Cursor != "" || state.FailureStreak != 0 {
		t.Errorf("zero state = %+v", state)
	}

	if err := s.SetCursor(ctx, "posts", "cursor-42"); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := s.RecordSyncFailure(ctx, "posts"); err != nil {
			t.Fatalf("RecordSyncFailure: %v", err)
		}
	}

	state, err = s.GetSyncState(ctx, "posts")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if state.Cursor != "cursor-42" || state.FailureStreak != 3 || state.LastSyncedAt == nil {
		t.Errorf("state = %+v", state)
	}

	// A successful pull resets the streak.
	if err := s.SetCursor(ctx, "posts", "cursor-43"); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	state, _ = s.GetSyncState(ctx, "posts")
	if state.FailureStreak != 0 {
		t.Errorf("failure streak after success = %d, want 0", state.FailureStreak)
	}

	if err := s.ClearCursor(ctx, "posts"); err != nil {
		t.Fatalf("ClearCursor: %v", err)
	}
	state, _ = s.GetSyncState(ctx, "posts")
	if state.Cursor != "" {
		t.Errorf("cursor after clear = %q", state.Cursor)
	}
}

func ids(entities []entity.Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.ID
	}
	return out
}

func newQueueItem(entityType, entityID string, op entity.Operation, priority entity.Priority) *entity.QueueItem {
	return &entity.QueueItem{
		ID:         ulid.Make().String(),
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		Payload:    json.RawMessage(`{}`),
		Priority:   priority,
		MaxRetries: 3,
	}
}
