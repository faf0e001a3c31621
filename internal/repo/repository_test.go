package repo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/tether/internal/clock"
	"github.com/hyperengineering/tether/internal/entity"
	"github.com/hyperengineering/tether/internal/store"
)

type note struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}

type fakeTrigger struct {
	pushes []string
	syncs  []string
}

func (f *fakeTrigger) TriggerPush(entityType string) { f.pushes = append(f.pushes, entityType) }
func (f *fakeTrigger) TriggerSync(entityType string) { f.syncs = append(f.syncs, entityType) }

func newTestRepo(t *testing.T, opts Options[note]) (*Repository[note], *store.SQLiteStore, *fakeTrigger, *clock.Fake) {
	t.Helper()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tether.db"), clk)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	trig := &fakeTrigger{}
	return New[note](s, trig, clk, "note", opts), s, trig, clk
}

func queuedItem(t *testing.T, s *store.SQLiteStore, id string) *entity.QueueItem {
	t.Helper()
	var item *entity.QueueItem
	err := s.WithTx(context.Background(), func(tx *store.Tx) error {
		var err error
		item, err = tx.QueueItemFor(context.Background(), "note", id)
		return err
	})
	if err != nil {
		t.Fatalf("load queue item for %s: %v", id, err)
	}
	return item
}

func TestCreate_OptimisticWriteAndEnqueue(t *testing.T) {
	r, s, trig, _ := newTestRepo(t, Options[note]{})
	ctx := context.Background()

	rec, err := r.Create(ctx, "", note{Title: "first"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Meta.ID == "" {
		t.Fatal("create did not assign an id")
	}
	if rec.Meta.SyncStatus != entity.StatusPending {
		t.Fatalf("status = %s, want pending", rec.Meta.SyncStatus)
	}

	e, err := s.Get(ctx, "note", rec.Meta.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Version != 1 {
		t.Fatalf("version = %d, want 1 for a fresh local create", e.Version)
	}

	item := queuedItem(t, s, rec.Meta.ID)
	if item.Operation != entity.OpCreate {
		t.Fatalf("queued operation = %s, want create", item.Operation)
	}
	if len(trig.pushes) != 1 {
		t.Fatalf("trigger pushes = %d, want 1", len(trig.pushes))
	}
}

func TestOptions_PriorityLevels(t *testing.T) {
	cases := []struct {
		name string
		opt  entity.Priority
		want entity.Priority
	}{
		{"unset defaults to normal", entity.PriorityUnset, entity.PriorityNormal},
		{"explicit low is honored", entity.PriorityLow, entity.PriorityLow},
		{"explicit high is honored", entity.PriorityHigh, entity.PriorityHigh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, s, _, _ := newTestRepo(t, Options[note]{Priority: tc.opt})

			rec, err := r.Create(context.Background(), "", note{Title: "x"})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			item := queuedItem(t, s, rec.Meta.ID)
			if item.Priority != tc.want {
				t.Errorf("queued priority = %s, want %s", item.Priority, tc.want)
			}
		})
	}
}

func TestCreate_DuplicateIDRejected(t *testing.T) {
	r, _, _, _ := newTestRepo(t, Options[note]{})
	ctx := context.Background()

	if _, err := r.Create(ctx, "n1", note{Title: "a"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := r.Create(ctx, "n1", note{Title: "b"}); !errors.Is(err, store.ErrDuplicateID) {
		t.Fatalf("second create = %v, want ErrDuplicateID", err)
	}
}

func TestCreate_ValidatorFailsFast(t *testing.T) {
	errTaken := errors.New("title already taken")
	opts := Options[note]{
		Validate: func(ctx context.Context, r *Repository[note], id string, v note) error {
			existing, err := r.Search(ctx, store.Query{Fields: map[string]string{"title": v.Title}})
			if err != nil {
				return err
			}
			for _, rec := range existing {
				if rec.Meta.ID != id {
					return errTaken
				}
			}
			return nil
		},
	}
	r, s, _, _ := newTestRepo(t, opts)
	ctx := context.Background()

	if _, err := r.Create(ctx, "n1", note{Title: "unique"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := r.Create(ctx, "n2", note{Title: "unique"}); !errors.Is(err, errTaken) {
		t.Fatalf("duplicate title create = %v, want validator error", err)
	}
	if _, err := s.Get(ctx, "note", "n2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("rejected create still wrote the entity")
	}
}

func TestUpdate_CoalescesOntoPendingCreate(t *testing.T) {
	r, s, _, _ := newTestRepo(t, Options[note]{})
	ctx := context.Background()

	if _, err := r.Create(ctx, "n1", note{Title: "v1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Update(ctx, "n1", note{Title: "v2"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	item := queuedItem(t, s, "n1")
	if item.Operation != entity.OpCreate {
		t.Fatalf("coalesced operation = %s, want create", item.Operation)
	}
	rec, err := r.Find(ctx, "n1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if rec.Value.Title != "v2" {
		t.Fatalf("title = %q, want the newer payload", rec.Value.Title)
	}
}

func TestUpdate_UnknownEntity(t *testing.T) {
	r, _, _, _ := newTestRepo(t, Options[note]{})
	if _, err := r.Update(context.Background(), "ghost", note{Title: "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("update unknown = %v, want ErrNotFound", err)
	}
}

func TestDelete_TombstonesSyncedEntity(t *testing.T) {
	r, s, _, _ := newTestRepo(t, Options[note]{})
	ctx := context.Background()

	rec, err := r.Create(ctx, "n1", note{Title: "keep"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Simulate the server ack so the entity has a remote identity.
	item := queuedItem(t, s, rec.Meta.ID)
	if err := s.MarkSucceeded(ctx, *item, "srv-n1", 1, "e1"); err != nil {
		t.Fatalf("ack: %v", err)
	}

	if err := r.Delete(ctx, "n1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := r.Find(ctx, "n1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("find after delete = %v, want ErrNotFound", err)
	}
	// The tombstoned row survives until the backend acknowledges.
	e, err := s.Get(ctx, "note", "n1")
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	if !e.Deleted || e.SyncStatus != entity.StatusPending {
		t.Fatalf("tombstone state = deleted:%v status:%s", e.Deleted, e.SyncStatus)
	}
	if got := queuedItem(t, s, "n1").Operation; got != entity.OpDelete {
		t.Fatalf("queued operation = %s, want delete", got)
	}
}

func TestDelete_LocalOnlyEntityPurgesWithoutPush(t *testing.T) {
	r, s, trig, _ := newTestRepo(t, Options[note]{})
	ctx := context.Background()

	if _, err := r.Create(ctx, "n1", note{Title: "never synced"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	pushesBefore := len(trig.pushes)

	if err := r.Delete(ctx, "n1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := s.Get(ctx, "note", "n1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("local-only entity not purged")
	}
	depth, err := s.QueueDepth(ctx, "note")
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("queue depth = %d, want 0 after cancelling the create", depth)
	}
	if len(trig.pushes) != pushesBefore {
		t.Fatal("purge of a local-only entity triggered a push")
	}
}

func TestSearch_PayloadFieldFilter(t *testing.T) {
	r, _, _, _ := newTestRepo(t, Options[note]{})
	ctx := context.Background()

	for i, title := range []string{"alpha", "beta", "alpha"} {
		if _, err := r.Create(ctx, fmt.Sprintf("n%d", i), note{Title: title}); err != nil {
			t.Fatalf("create n%d: %v", i, err)
		}
	}

	recs, err := r.Search(ctx, store.Query{Fields: map[string]string{"title": "alpha"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("matches = %d, want 2", len(recs))
	}
}

func TestCurrentBestEffortView_IncludesPending(t *testing.T) {
	r, _, _, _ := newTestRepo(t, Options[note]{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.Create(ctx, fmt.Sprintf("n%d", i), note{Title: "t"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	recs, err := r.CurrentBestEffortView(ctx)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3", len(recs))
	}
	for _, rec := range recs {
		if rec.Meta.SyncStatus != entity.StatusPending {
			t.Fatalf("record %s status = %s, want pending visible to the caller", rec.Meta.ID, rec.Meta.SyncStatus)
		}
	}
}

func TestRetryFailed_ReturnsEntityToQueue(t *testing.T) {
	r, s, trig, clk := newTestRepo(t, Options[note]{MaxRetries: 2})
	ctx := context.Background()

	if _, err := r.Create(ctx, "n1", note{Title: "t"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Exhaust the retry budget by hand.
	item := queuedItem(t, s, "n1")
	for i := 0; i < 2; i++ {
		item.RetryCount = i
		if _, err := s.MarkFailed(ctx, *item, "boom", clk.Now()); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
	}
	if e, _ := s.Get(ctx, "note", "n1"); e.SyncStatus != entity.StatusFailed {
		t.Fatalf("status = %s, want failed", e.SyncStatus)
	}

	if err := r.RetryFailed(ctx, "n1"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	e, _ := s.Get(ctx, "note", "n1")
	if e.SyncStatus != entity.StatusPending {
		t.Fatalf("status = %s, want pending after requeue", e.SyncStatus)
	}
	if got := queuedItem(t, s, "n1").RetryCount; got != 0 {
		t.Fatalf("retry count = %d, want fresh budget", got)
	}
	if len(trig.pushes) < 2 {
		t.Fatal("retry did not poke the orchestrator")
	}
}

func TestResolveConflict_KeepLocal(t *testing.T) {
	r, s, trig, _ := newTestRepo(t, Options[note]{})
	ctx := context.Background()

	if _, err := r.Create(ctx, "n1", note{Title: "mine"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	item := queuedItem(t, s, "n1")
	if err := s.MarkConflicted(ctx, *item); err != nil {
		t.Fatalf("mark conflicted: %v", err)
	}

	if err := r.ResolveConflict(ctx, "n1", KeepLocal); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	e, _ := s.Get(ctx, "note", "n1")
	if e.SyncStatus != entity.StatusPending {
		t.Fatalf("status = %s, want pending", e.SyncStatus)
	}
	requeued := queuedItem(t, s, "n1")
	if requeued.Operation != entity.OpCreate {
		t.Fatalf("operation = %s, want create for a never-acked entity", requeued.Operation)
	}
	if len(trig.pushes) < 2 {
		t.Fatal("keep-local did not request a push")
	}
}

func TestResolveConflict_AcceptRemote(t *testing.T) {
	r, s, trig, _ := newTestRepo(t, Options[note]{})
	ctx := context.Background()

	if _, err := r.Create(ctx, "n1", note{Title: "mine"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	item := queuedItem(t, s, "n1")
	if err := s.MarkConflicted(ctx, *item); err != nil {
		t.Fatalf("mark conflicted: %v", err)
	}

	if err := r.ResolveConflict(ctx, "n1", AcceptRemote); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	e, _ := s.Get(ctx, "note", "n1")
	if e.SyncStatus != entity.StatusSynced {
		t.Fatalf("status = %s, want synced so the next pull overwrites", e.SyncStatus)
	}
	depth, _ := s.QueueDepth(ctx, "note")
	if depth != 0 {
		t.Fatalf("queue depth = %d, want abandoned local edit removed", depth)
	}
	if len(trig.syncs) != 1 {
		t.Fatal("accept-remote did not request a pull")
	}
}

func TestResolveConflict_RejectsNonConflictedEntity(t *testing.T) {
	r, _, _, _ := newTestRepo(t, Options[note]{})
	ctx := context.Background()

	if _, err := r.Create(ctx, "n1", note{Title: "t"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.ResolveConflict(ctx, "n1", KeepLocal); err == nil {
		t.Fatal("resolving a non-conflicted entity should fail")
	}
}
