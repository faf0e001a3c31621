package entity

import (
	"encoding/json"
	"time"
)

// SyncStatus tracks where an entity sits in its reconciliation lifecycle.
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusSyncing  SyncStatus = "syncing"
	StatusFailed   SyncStatus = "failed"
	StatusConflict SyncStatus = "conflict"
)

// Operation is the kind of local write recorded in the mutation queue.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpUpload Operation = "upload"
)

// Priority orders queue items across entity types. Higher drains first.
// The zero value is PriorityUnset so callers can leave it blank and let the
// consumer pick a default; it is never persisted.
type Priority int

const (
	PriorityUnset Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority converts a priority name to its Priority value.
// Unknown names map to PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// Entity is the base shape every synchronized domain object carries.
// Domain fields live in Payload; the engine only reads the sync metadata.
type Entity struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	ServerID     string          `json:"server_id,omitempty"`
	Version      int64           `json:"version"`
	ETag         string          `json:"etag,omitempty"`
	SyncStatus   SyncStatus      `json:"sync_status"`
	LastSyncedAt *time.Time      `json:"last_synced_at,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Deleted      bool            `json:"deleted,omitempty"`
}

// NeedsSync reports whether the entity has local changes awaiting transmission.
// Conflicted entities are excluded: they must not be pushed until resolved.
func (e *Entity) NeedsSync() bool {
	return e.SyncStatus == StatusPending || e.SyncStatus == StatusFailed
}

// QueueItem is one durable record of a pending local write. Generation
// counts how many times later mutations coalesced onto the item; a push acked
// for an older generation must not settle the newer payload.
type QueueItem struct {
	ID            string          `json:"id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Operation     Operation       `json:"operation"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      Priority        `json:"priority"`
	Generation    int64           `json:"generation"`
	CreatedAt     time.Time       `json:"created_at"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
}

// RemoteSnapshot is the authoritative server view of one entity, as delivered
// by a pull response or a realtime push event.
type RemoteSnapshot struct {
	ServerID   string          `json:"server_id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Version    int64           `json:"version"`
	ETag       string          `json:"etag"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Deleted    bool            `json:"deleted,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// CoalesceOperation merges a new operation for an entity onto an existing
// pending one. Create followed by update stays a create (the payload is the
// newer state); anything followed by delete collapses to delete.
func CoalesceOperation(existing, next Operation) Operation {
	if next == OpDelete {
		return OpDelete
	}
	if existing == OpCreate {
		return OpCreate
	}
	return next
}
