// Package cursorstore persists the per-source-connection incremental
// cursor (spec.md §3 SyncCursor): an arbitrary `map<string,any>` blob
// plus a cursor field name, written atomically by the pipeline at the
// end of each sync. It is adapted from the teacher's
// internal/syncx.Cursor — which encodes a single (ms, uuid) pair as one
// atomic base64 token — generalizing the "encode/decode as a single
// opaque value" discipline to an arbitrary JSON document instead of a
// fixed two-field tuple.
package cursorstore

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// Cursor is the opaque per-source-connection cursor blob. CursorField
// names which key in Data the source considers its primary resume
// point (purely informational; the pipeline treats Data as opaque).
type Cursor struct {
	Data        map[string]any `json:"data"`
	CursorField string         `json:"cursor_field,omitempty"`
}

// Store reads and atomically replaces cursors keyed by source
// connection id.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{db: db} }

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sync_cursors (
			source_connection_id UUID PRIMARY KEY,
			cursor_field TEXT,
			data JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return err
}

// Load returns the current cursor for a source connection, or a zero
// Cursor (empty map) if none has been persisted yet — a fresh
// connection starts an unbounded full sync.
func (s *Store) Load(ctx context.Context, sourceConnectionID uuid.UUID) (Cursor, error) {
	var raw []byte
	var field *string

	err := s.db.QueryRow(ctx, `
		SELECT data, cursor_field FROM sync_cursors WHERE source_connection_id = $1`,
		sourceConnectionID).Scan(&raw, &field)
	if err == pgx.ErrNoRows {
		return Cursor{Data: map[string]any{}}, nil
	}
	if err != nil {
		return Cursor{}, apperrors.Wrap(apperrors.KindInvariant, err, "load sync cursor")
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return Cursor{}, apperrors.Wrap(apperrors.KindInvariant, err, "unmarshal sync cursor")
	}

	c := Cursor{Data: data}
	if field != nil {
		c.CursorField = *field
	}
	return c, nil
}

// Save atomically replaces the cursor for a source connection. Called
// once at the end of a sync (§4.4.5) — never partially, the whole blob
// is written as one document.
func (s *Store) Save(ctx context.Context, sourceConnectionID uuid.UUID, c Cursor) error {
	if c.Data == nil {
		c.Data = map[string]any{}
	}
	raw, err := json.Marshal(c.Data)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "marshal sync cursor")
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO sync_cursors (source_connection_id, cursor_field, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (source_connection_id) DO UPDATE
		SET cursor_field = EXCLUDED.cursor_field, data = EXCLUDED.data, updated_at = now()`,
		sourceConnectionID, nullIfEmpty(c.CursorField), raw)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "persist sync cursor")
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Get returns a single key from the cursor data, mirroring the "small
// cursor API accessible on the sync context" spec.md §4.4.5 describes
// sources using during the stream.
func (c Cursor) Get(key string) (any, bool) {
	if c.Data == nil {
		return nil, false
	}
	v, ok := c.Data[key]
	return v, ok
}

// Set writes a single key into the cursor data in place.
func (c *Cursor) Set(key string, value any) {
	if c.Data == nil {
		c.Data = map[string]any{}
	}
	c.Data[key] = value
}

// ACLDirsyncCookie is the well-known cursor key the ACL pipeline uses
// to persist its DirSync-style incremental cookie (spec.md §4.5).
const ACLDirsyncCookie = "acl_dirsync_cookie"
