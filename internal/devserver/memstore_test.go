package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/hyperengineering/tether/internal/entity"
	"github.com/hyperengineering/tether/internal/remote"
)

func seedEntities(t *testing.T, m *MemStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, _, err := m.Apply(remote.PushRequest{
			Operation:  entity.OpCreate,
			EntityType: "note",
			EntityID:   fmt.Sprintf("n%d", i),
			Payload:    json.RawMessage(`{"title":"t"}`),
		})
		if err != nil {
			t.Fatalf("seed n%d: %v", i, err)
		}
	}
}

func TestList_PaginatesInChangeOrder(t *testing.T) {
	m := NewMemStore()
	seedEntities(t, m, 5)

	page1, cursor, hasMore, err := m.List("note", "", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page1) != 2 || !hasMore {
		t.Fatalf("page1 = %d items hasMore=%v, want 2/true", len(page1), hasMore)
	}

	page2, cursor, hasMore, err := m.List("note", cursor, 2)
	if err != nil {
		t.Fatalf("list page2: %v", err)
	}
	if len(page2) != 2 || !hasMore {
		t.Fatalf("page2 = %d items hasMore=%v, want 2/true", len(page2), hasMore)
	}
	if page2[0].EntityID == page1[0].EntityID {
		t.Fatal("pages overlap")
	}

	page3, _, hasMore, err := m.List("note", cursor, 2)
	if err != nil {
		t.Fatalf("list page3: %v", err)
	}
	if len(page3) != 1 || hasMore {
		t.Fatalf("page3 = %d items hasMore=%v, want 1/false", len(page3), hasMore)
	}
}

func TestList_RejectsMalformedCursor(t *testing.T) {
	m := NewMemStore()
	if _, _, _, err := m.List("note", "not-a-sequence", 10); err == nil {
		t.Fatal("malformed cursor should be rejected")
	}
}

func TestApply_RecreateAfterDelete(t *testing.T) {
	m := NewMemStore()
	ack, _, err := m.Apply(remote.PushRequest{
		Operation:  entity.OpCreate,
		EntityType: "note",
		EntityID:   "n1",
		Payload:    json.RawMessage(`{"title":"a"}`),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := m.Apply(remote.PushRequest{
		Operation:   entity.OpDelete,
		EntityType:  "note",
		EntityID:    "n1",
		BaseVersion: ack.Version,
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// The id is free again once tombstoned.
	ack2, _, err := m.Apply(remote.PushRequest{
		Operation:  entity.OpCreate,
		EntityType: "note",
		EntityID:   "n1",
		Payload:    json.RawMessage(`{"title":"b"}`),
	})
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if ack2.Version != 2 {
		t.Fatalf("recreated version = %d, want fresh create ack of 2", ack2.Version)
	}
	if ack2.ServerID == ack.ServerID {
		t.Fatal("recreated entity reused the old server id")
	}
}

func TestApply_RejectsNonObjectPayload(t *testing.T) {
	m := NewMemStore()
	_, _, err := m.Apply(remote.PushRequest{
		Operation:  entity.OpCreate,
		EntityType: "note",
		EntityID:   "n1",
		Payload:    json.RawMessage(`"just a string"`),
	})
	if !errors.Is(err, ErrBadPayload) {
		t.Fatalf("err = %v, want ErrBadPayload", err)
	}
}
