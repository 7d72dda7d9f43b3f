package destinations

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
	"github.com/airweave-ai/airweave-core/internal/entitypipeline"
)

// PostgresMetadataHandler implements spec.md §4.4.4's metadata handler:
// bulk upsert on (sync_id, entity_definition_id, entity_id), hash
// update, and delete by DB id. Upserts absorb the race between
// concurrent workers writing the same entity_id (spec.md §5 "the
// metadata handler uses upserts to tolerate cross-sync races").
type PostgresMetadataHandler struct {
	db *pgxpool.Pool
}

func NewPostgresMetadataHandler(db *pgxpool.Pool) *PostgresMetadataHandler {
	return &PostgresMetadataHandler{db: db}
}

func (p *PostgresMetadataHandler) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS entities (
			id UUID PRIMARY KEY,
			organization_id UUID,
			sync_id UUID NOT NULL,
			collection_id UUID,
			entity_definition_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			hash TEXT NOT NULL,
			chunk_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (sync_id, entity_definition_id, entity_id)
		)`); err != nil {
		return err
	}

	// The (collection_id, entity_id, hash) index spec.md §9 Open
	// Question 3 resolves to: it is how SeenInCollection tells whether
	// another sync in the same collection already holds this exact
	// (entity_id, hash) pair. It is not unique, because a collection-dedup
	// INSERT from a second sync still writes its own metadata row with the
	// same triple. Partial so entities from syncs with no collection
	// binding stay out of it.
	_, err := p.db.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS entities_collection_dedup
		ON entities (collection_id, entity_id, hash)
		WHERE collection_id IS NOT NULL`)
	return err
}

func (p *PostgresMetadataHandler) BulkCreate(ctx context.Context, syncID, collectionID string, items []entitypipeline.ActionItem) error {
	sid, err := uuid.Parse(syncID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "parse sync id")
	}
	var cid *uuid.UUID
	if collectionID != "" {
		if parsed, err := uuid.Parse(collectionID); err == nil {
			cid = &parsed
		}
	}

	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`
			INSERT INTO entities (id, sync_id, collection_id, entity_definition_id, entity_id, hash, chunk_count)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (sync_id, entity_definition_id, entity_id)
			DO UPDATE SET hash = EXCLUDED.hash, collection_id = EXCLUDED.collection_id,
				chunk_count = EXCLUDED.chunk_count, updated_at = now()`,
			uuid.New(), sid, cid, it.Entity.EntityDefinitionID, it.Entity.EntityID, it.Hash, len(it.Entity.Payload))
	}
	return p.runBatch(ctx, batch, len(items))
}

// GetExisting implements entitypipeline.ExistingLookup against the same
// entities table BulkCreate/BulkUpdateHash/BulkRemove own (spec.md
// §4.4.2's persisted-entity lookup by (sync_id, entity_definition_id,
// entity_id)).
func (p *PostgresMetadataHandler) GetExisting(ctx context.Context, syncID uuid.UUID, entityDefinitionID, entityID string) (*entitypipeline.ExistingRecord, error) {
	var dbID uuid.UUID
	var hash string
	err := p.db.QueryRow(ctx, `
		SELECT id, hash FROM entities
		WHERE sync_id = $1 AND entity_definition_id = $2 AND entity_id = $3`,
		syncID, entityDefinitionID, entityID).Scan(&dbID, &hash)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvariant, err, "lookup existing entity")
	}
	return &entitypipeline.ExistingRecord{DBID: dbID, Hash: hash}, nil
}

// SeenInCollection implements entitypipeline.CollectionDedup over the
// entities_collection_dedup index: true if some sync in this collection
// already holds this exact (entity_id, hash) pair.
func (p *PostgresMetadataHandler) SeenInCollection(ctx context.Context, collectionID uuid.UUID, entityID, hash string) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM entities WHERE collection_id = $1 AND entity_id = $2 AND hash = $3)`,
		collectionID, entityID, hash).Scan(&exists)
	if err != nil {
		return false, apperrors.Wrap(apperrors.KindInvariant, err, "check collection dedup")
	}
	return exists, nil
}

func (p *PostgresMetadataHandler) BulkUpdateHash(ctx context.Context, syncID string, items []entitypipeline.ActionItem) error {
	sid, err := uuid.Parse(syncID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "parse sync id")
	}

	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`
			UPDATE entities SET hash = $1, updated_at = now()
			WHERE sync_id = $2 AND entity_definition_id = $3 AND entity_id = $4`,
			it.Hash, sid, it.Entity.EntityDefinitionID, it.Entity.EntityID)
	}
	return p.runBatch(ctx, batch, len(items))
}

func (p *PostgresMetadataHandler) BulkRemove(ctx context.Context, syncID string, items []entitypipeline.ActionItem) error {
	sid, err := uuid.Parse(syncID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "parse sync id")
	}

	batch := &pgx.Batch{}
	n := 0
	for _, it := range items {
		if it.ExistingDBID == nil {
			continue // nothing persisted for this entity, so nothing to remove
		}
		batch.Queue(`DELETE FROM entities WHERE id = $1 AND sync_id = $2`, *it.ExistingDBID, sid)
		n++
	}
	return p.runBatch(ctx, batch, n)
}

// DeleteOrphans removes every entity row for syncID whose entity_id is
// absent from keep (spec.md §4.4.5, testable property 7).
func (p *PostgresMetadataHandler) DeleteOrphans(ctx context.Context, syncID string, keep map[string]bool) error {
	sid, err := uuid.Parse(syncID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "parse sync id")
	}

	rows, err := p.db.Query(ctx, `SELECT entity_id FROM entities WHERE sync_id = $1`, sid)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "load entity ids for orphan scan")
	}
	var orphanIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return apperrors.Wrap(apperrors.KindInvariant, err, "scan entity id")
		}
		if !keep[id] {
			orphanIDs = append(orphanIDs, id)
		}
	}
	rows.Close()
	if len(orphanIDs) == 0 {
		return nil
	}

	_, err = p.db.Exec(ctx, `DELETE FROM entities WHERE sync_id = $1 AND entity_id = ANY($2)`, sid, orphanIDs)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "delete orphaned entities")
	}
	return nil
}

func (p *PostgresMetadataHandler) runBatch(ctx context.Context, batch *pgx.Batch, n int) error {
	if n == 0 {
		return nil
	}
	br := p.db.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			return apperrors.Wrap(apperrors.KindInvariant, err, "postgres metadata batch item")
		}
	}
	return nil
}
