package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/tether/internal/entity"
	"github.com/hyperengineering/tether/internal/remote"
)

// Store-level failure classes, mapped onto HTTP statuses by the handlers.
var (
	ErrVersionMismatch = errors.New("version mismatch")
	ErrAlreadyExists   = errors.New("entity already exists")
	ErrUnknownEntity   = errors.New("unknown entity")
	ErrBadPayload      = errors.New("payload must be a JSON object")
)

type storedEntity struct {
	serverID  string
	entityID  string
	version   int64
	etag      string
	payload   json.RawMessage
	deleted   bool
	updatedAt time.Time
	seq       uint64
}

// MemStore is the devserver's authoritative state: versioned entities with
// etag issuance, conditional-update enforcement, and a monotonically growing
// sequence that doubles as the change cursor.
type MemStore struct {
	mu       sync.Mutex
	seq      uint64
	entities map[string]map[string]*storedEntity
}

func NewMemStore() *MemStore {
	return &MemStore{entities: make(map[string]map[string]*storedEntity)}
}

// List returns entities of entityType changed after the given cursor,
// ordered by change sequence. Tombstones are included so clients learn
// about deletions.
func (m *MemStore) List(entityType, cursor string, limit int) ([]entity.RemoteSnapshot, string, bool, error) {
	after := uint64(0)
	if cursor != "" {
		n, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, "", false, fmt.Errorf("cursor %q: %w", cursor, ErrBadPayload)
		}
		after = n
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var changed []*storedEntity
	for _, e := range m.entities[entityType] {
		if e.seq > after {
			changed = append(changed, e)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].seq < changed[j].seq })

	hasMore := false
	if limit > 0 && len(changed) > limit {
		changed = changed[:limit]
		hasMore = true
	}

	next := after
	snapshots := make([]entity.RemoteSnapshot, 0, len(changed))
	for _, e := range changed {
		snapshots = append(snapshots, entity.RemoteSnapshot{
			ServerID:   e.serverID,
			EntityType: entityType,
			EntityID:   e.entityID,
			Version:    e.version,
			ETag:       e.etag,
			Payload:    e.payload,
			Deleted:    e.deleted,
			UpdatedAt:  e.updatedAt,
		})
		next = e.seq
	}

	return snapshots, strconv.FormatUint(next, 10), hasMore, nil
}

// Apply executes one pushed mutation with conditional-update semantics:
// updates and deletes must carry the entity's last-known version and etag,
// or the mutation is rejected with ErrVersionMismatch. Accepted mutations
// bump the version and issue a fresh etag. The resulting snapshot is
// returned alongside the ack for broadcast.
func (m *MemStore) Apply(req remote.PushRequest) (*remote.Ack, *entity.RemoteSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID := m.entities[req.EntityType]
	if byID == nil {
		byID = make(map[string]*storedEntity)
		m.entities[req.EntityType] = byID
	}
	current := byID[req.EntityID]

	switch req.Operation {
	case entity.OpCreate:
		if current != nil && !current.deleted {
			return nil, nil, fmt.Errorf("create %s/%s: %w", req.EntityType, req.EntityID, ErrAlreadyExists)
		}
		if !validObject(req.Payload) {
			return nil, nil, ErrBadPayload
		}
		// Clients create at version 1, so the create ack comes back as 2.
		current = &storedEntity{
			serverID: "srv-" + ulid.Make().String(),
			entityID: req.EntityID,
			version:  1,
		}
		byID[req.EntityID] = current

	case entity.OpUpdate, entity.OpUpload:
		if current == nil || current.deleted {
			return nil, nil, fmt.Errorf("update %s/%s: %w", req.EntityType, req.EntityID, ErrUnknownEntity)
		}
		if req.BaseVersion != current.version || (req.ETag != "" && req.ETag != current.etag) {
			return nil, nil, fmt.Errorf("update %s/%s at v%d (server at v%d): %w",
				req.EntityType, req.EntityID, req.BaseVersion, current.version, ErrVersionMismatch)
		}
		if !validObject(req.Payload) {
			return nil, nil, ErrBadPayload
		}

	case entity.OpDelete:
		if current == nil {
			return nil, nil, fmt.Errorf("delete %s/%s: %w", req.EntityType, req.EntityID, ErrUnknownEntity)
		}
		if req.BaseVersion != current.version {
			return nil, nil, fmt.Errorf("delete %s/%s at v%d (server at v%d): %w",
				req.EntityType, req.EntityID, req.BaseVersion, current.version, ErrVersionMismatch)
		}
		current.deleted = true

	default:
		return nil, nil, fmt.Errorf("operation %q: %w", req.Operation, ErrBadPayload)
	}

	m.seq++
	current.seq = m.seq
	current.version++
	current.etag = ulid.Make().String()
	current.updatedAt = time.Now().UTC()
	if !current.deleted {
		current.payload = req.Payload
	}

	ack := &remote.Ack{
		ServerID: current.serverID,
		Version:  current.version,
		ETag:     current.etag,
	}
	snap := &entity.RemoteSnapshot{
		ServerID:   current.serverID,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Version:    current.version,
		ETag:       current.etag,
		Payload:    current.payload,
		Deleted:    current.deleted,
		UpdatedAt:  current.updatedAt,
	}
	return ack, snap, nil
}

// Count returns the number of live entities of a type.
func (m *MemStore) Count(entityType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.entities[entityType] {
		if !e.deleted {
			n++
		}
	}
	return n
}

func validObject(payload json.RawMessage) bool {
	if len(payload) == 0 {
		return false
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal(payload, &obj) == nil
}
