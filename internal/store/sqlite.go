// Package store provides the durable entity store: SQLite-backed keyed
// storage for synchronized entities, the mutation queue, and per-type sync
// cursors. Queue items are persisted alongside the entities they target so a
// queue write and its entity's status change always commit together.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperengineering/tether/internal/clock"
	"github.com/hyperengineering/tether/internal/entity"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed entity store.
type SQLiteStore struct {
	db  *sql.DB
	clk clock.Clock
}

// NewSQLiteStore opens (or creates) the database at dbPath, enables WAL mode,
// and runs migrations.
func NewSQLiteStore(dbPath string, clk clock.Clock) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if clk == nil {
		clk = clock.System{}
	}
	return &SQLiteStore{db: db, clk: clk}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const entityColumns = `entity_type, id, server_id, version, etag, sync_status, last_synced_at, payload, created_at, updated_at, deleted`

// Get returns the entity with the given type and id, tombstones included.
func (s *SQLiteStore) Get(ctx context.Context, entityType, id string) (*entity.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+`
		FROM entities
		WHERE entity_type = ? AND id = ?
	`, entityType, id)

	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan entity: %w", err)
	}
	return e, nil
}

// Query describes a read-only projection over one entity type.
type Query struct {
	// Statuses filters on sync_status when non-empty.
	Statuses []entity.SyncStatus

	// SyncedBefore keeps entities whose last reconciliation is older than the
	// given time (never-synced entities included).
	SyncedBefore *time.Time

	// Field filters apply json_extract equality checks against the domain
	// payload, keyed by JSON path without the leading "$." prefix.
	Fields map[string]string

	// IncludeDeleted keeps tombstones in the result set.
	IncludeDeleted bool

	// OrderBy names a metadata column to sort on; updated_at when empty.
	OrderBy string
	Desc    bool

	Limit  int
	Offset int
}

var orderableColumns = map[string]bool{
	"created_at":     true,
	"updated_at":     true,
	"last_synced_at": true,
	"version":        true,
	"id":             true,
}

// QueryEntities returns entities of the given type matching the query.
func (s *SQLiteStore) QueryEntities(ctx context.Context, entityType string, q Query) ([]entity.Entity, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + entityColumns + ` FROM entities WHERE entity_type = ?`)
	args := []any{entityType}

	if !q.IncludeDeleted {
		sb.WriteString(` AND deleted = 0`)
	}

	if len(q.Statuses) > 0 {
		sb.WriteString(` AND sync_status IN (`)
		for i, st := range q.Statuses {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString("?")
			args = append(args, string(st))
		}
		sb.WriteString(`)`)
	}

	if q.SyncedBefore != nil {
		sb.WriteString(` AND (last_synced_at IS NULL OR last_synced_at < ?)`)
		args = append(args, formatTime(*q.SyncedBefore))
	}

	for path, want := range q.Fields {
		sb.WriteString(` AND json_extract(payload, ?) = ?`)
		args = append(args, "$."+path, want)
	}

	col := q.OrderBy
	if col == "" {
		col = "updated_at"
	}
	if !orderableColumns[col] {
		return nil, fmt.Errorf("query: cannot order by %q", col)
	}
	sb.WriteString(" ORDER BY " + col)
	if q.Desc {
		sb.WriteString(" DESC")
	}
	// Stable tie-break for paginated reads.
	sb.WriteString(", id ASC")

	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
		if q.Offset > 0 {
			sb.WriteString(" OFFSET ?")
			args = append(args, q.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	entities := make([]entity.Entity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}

// CountByStatus returns entity counts per sync status for one entity type.
func (s *SQLiteStore) CountByStatus(ctx context.Context, entityType string) (map[entity.SyncStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sync_status, COUNT(*) FROM entities
		WHERE entity_type = ? AND deleted = 0
		GROUP BY sync_status
	`, entityType)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[entity.SyncStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[entity.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

// scanEntity reads one entities row from a row scanner.
func scanEntity(scanner interface{ Scan(...any) error }) (*entity.Entity, error) {
	var e entity.Entity
	var serverID, etag, lastSyncedAt, payload sql.NullString
	var createdAt, updatedAt string
	var deleted int

	err := scanner.Scan(
		&e.Type,
		&e.ID,
		&serverID,
		&e.Version,
		&etag,
		&e.SyncStatus,
		&lastSyncedAt,
		&payload,
		&createdAt,
		&updatedAt,
		&deleted,
	)
	if err != nil {
		return nil, err
	}

	e.ServerID = serverID.String
	e.ETag = etag.String
	e.Deleted = deleted != 0
	if payload.Valid && payload.String != "" {
		e.Payload = []byte(payload.String)
	}

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		e.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		e.UpdatedAt = t
	}
	if lastSyncedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastSyncedAt.String); err == nil {
			e.LastSyncedAt = &t
		}
	}

	return &e, nil
}

// timeFormat is RFC 3339 with a fixed nine-digit fraction. RFC3339Nano trims
// trailing zeros, which breaks lexicographic comparison of stored stamps
// ("...:00Z" sorts after "...:00.5Z"); a padded fraction keeps string order
// equal to time order for the UTC values we store.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders a timestamp in the canonical stored form.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// nullableTime converts an optional time to a sql-friendly value.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// nullableString converts an optional string to a sql-friendly value.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
