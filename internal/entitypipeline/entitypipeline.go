// Package entitypipeline implements the hashing and action-resolution
// core of the sync pipeline (spec.md §4.4.1-4.4.2). Batch-local field
// extraction borrows the "tolerant map[string]any accessor" style of
// teacher's internal/syncx/extract.go (GetString/GetMap); action
// resolution generalizes the last-write-wins upsert guard in teacher's
// internal/service/syncservice/notes_service.go (a strict `>` compare
// on updated_at_ms that makes duplicate pushes idempotent) from a
// timestamp compare to a content-hash compare, since entities have no
// reliable client clock to trust.
package entitypipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/google/uuid"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// DefaultBatchSize is the default entity batch size a source yields
// (spec.md §4.4 "batch of up to B entities, default ~100").
const DefaultBatchSize = 100

// Action is the resolved per-entity action (spec.md §4.4.2 truth table).
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionKeep   Action = "keep"
)

// SystemMetadataKey is the payload key holding pipeline-added fields
// (hash, chunk_index, etc.) excluded from hashing (spec.md §3 BaseEntity).
const SystemMetadataKey = "airweave_system_metadata"

// Entity is one record yielded by a source for this batch.
type Entity struct {
	EntityID           string
	EntityDefinitionID string
	IsDeletion         bool
	Payload            map[string]any
}

// ExistingRecord is the persisted counterpart of an Entity, as looked
// up by (sync_id, entity_definition_id, entity_id).
type ExistingRecord struct {
	DBID uuid.UUID
	Hash string
}

// ExistingLookup is the repository seam for the persisted-entity lookup
// spec.md §4.4.2 requires before resolving an action; nil return means
// no existing row.
type ExistingLookup interface {
	GetExisting(ctx context.Context, syncID uuid.UUID, entityDefinitionID, entityID string) (*ExistingRecord, error)
}

// CursorWriter is the narrow seam spec.md §4.4.5 describes as "a small
// cursor API accessible on the sync context": a source streaming
// entities may call Set to record its own resume point (a watermark, a
// page token, a DirSync cookie) in-flight, without needing a handle on
// the rest of the sync machinery. cursorstore.Cursor implements this.
type CursorWriter interface {
	Set(key string, value any)
}

// Source is what a connector implements to stream entities for a sync
// (spec.md §4.4 "batch of up to B entities"). Next returns io.EOF once
// the source is exhausted; cursor lets the source persist its own
// resume state as it streams (spec.md §4.4.5), written to durable
// storage by the orchestrator once the stream ends. CheckCancelled lets
// the source observe an external cancellation request at an await point
// between batches (spec.md §4.4.5 "the source generator checks
// cancellation at await points; in-flight batches finish, then the job
// ends CANCELLED").
type Source interface {
	Next(ctx context.Context, cursor CursorWriter) ([]Entity, error)
	CheckCancelled(ctx context.Context) (bool, error)
}

// CollectionDedup is the seam into the (collection_id, entity_id, hash)
// lookup spec.md §4.4.2's Open Question resolves to: SeenInCollection
// reports whether another sync in the same collection already wrote
// this (entity_id, hash) pair. It only looks; this sync's own claim is
// the metadata row written later for the INSERT.
type CollectionDedup interface {
	SeenInCollection(ctx context.Context, collectionID uuid.UUID, entityID, hash string) (bool, error)
}

// ActionItem is one resolved action, ready for content processing and
// dispatch.
type ActionItem struct {
	Entity              Entity
	Action              Action
	Hash                string
	ExistingDBID        *uuid.UUID
	SkipContentHandlers bool
}

// CanonicalHash computes SHA-256 over the canonical JSON of an entity's
// payload, excluding system metadata (spec.md §4.4.1). Go's
// encoding/json already sorts map keys and emits no extraneous
// whitespace when marshaling a map[string]any, which is exactly the
// canonicalization spec.md asks for provided timestamps are already
// stored as RFC3339 strings in the payload (the source's responsibility,
// per §3 BaseEntity's created_at/updated_at fields).
func CanonicalHash(payload map[string]any) (string, error) {
	clean := withoutSystemMetadata(payload)
	data, err := json.Marshal(clean)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInvariant, err, "canonicalize entity for hashing")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func withoutSystemMetadata(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == SystemMetadataKey {
			continue
		}
		out[k] = v
	}
	return out
}

// dedupeKey identifies an entity within a batch for in-batch dedup.
type dedupeKey struct {
	entityID           string
	entityDefinitionID string
}

// dedupeBatch applies spec.md §4.4.2's "deduplicate by (entity_id,
// entity_definition_id) inside the batch (later wins)" rule, preserving
// first-seen order for determinism.
func dedupeBatch(batch []Entity) []Entity {
	latest := make(map[dedupeKey]Entity, len(batch))
	var order []dedupeKey
	for _, e := range batch {
		key := dedupeKey{e.EntityID, e.EntityDefinitionID}
		if _, exists := latest[key]; !exists {
			order = append(order, key)
		}
		latest[key] = e
	}
	out := make([]Entity, 0, len(order))
	for _, key := range order {
		out = append(out, latest[key])
	}
	return out
}

// ResolveActions implements spec.md §4.4.2 in full: in-batch dedup,
// existing-row lookup, and the five-row truth table mapping
// (existing?, incoming kind, hash-equal?) to exactly one Action.
func ResolveActions(ctx context.Context, syncID uuid.UUID, batch []Entity, lookup ExistingLookup) ([]ActionItem, error) {
	deduped := dedupeBatch(batch)
	items := make([]ActionItem, 0, len(deduped))

	for _, e := range deduped {
		existing, err := lookup.GetExisting(ctx, syncID, e.EntityDefinitionID, e.EntityID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInvariant, err, "lookup existing entity")
		}

		if e.IsDeletion {
			item := ActionItem{Entity: e, Action: ActionDelete}
			if existing != nil {
				item.ExistingDBID = &existing.DBID
			}
			items = append(items, item) // DELETE either way; no-op if nothing existed
			continue
		}

		hash, err := CanonicalHash(e.Payload)
		if err != nil {
			return nil, err
		}

		switch {
		case existing == nil:
			items = append(items, ActionItem{Entity: e, Action: ActionInsert, Hash: hash})
		case existing.Hash == hash:
			items = append(items, ActionItem{Entity: e, Action: ActionKeep, Hash: hash, ExistingDBID: &existing.DBID})
		default:
			items = append(items, ActionItem{Entity: e, Action: ActionUpdate, Hash: hash, ExistingDBID: &existing.DBID})
		}
	}

	return items, nil
}

// ApplyCollectionDedup implements spec.md §4.4.2's collection-level
// dedup: an INSERT whose (entity_id, hash) another sync in the same
// collection already holds still produces a metadata row, but is
// marked SkipContentHandlers so destination dispatch skips it.
func ApplyCollectionDedup(ctx context.Context, collectionID uuid.UUID, items []ActionItem, dedup CollectionDedup) error {
	for i := range items {
		if items[i].Action != ActionInsert {
			continue
		}
		seen, err := dedup.SeenInCollection(ctx, collectionID, items[i].Entity.EntityID, items[i].Hash)
		if err != nil {
			return apperrors.Wrap(apperrors.KindInvariant, err, "check collection dedup")
		}
		if seen {
			items[i].SkipContentHandlers = true
		}
	}
	return nil
}

// SortedKeys is a small helper retained for callers that need a
// deterministic field iteration order outside of JSON marshaling
// (e.g. building textual representations in a stable order).
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
