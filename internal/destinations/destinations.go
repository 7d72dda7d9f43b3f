// Package destinations implements spec.md §4.4.4's dispatch fan-out:
// one or more vector/keyword destination handlers run concurrently,
// and only if every one of them succeeds does the Postgres metadata
// handler write — the "all-or-nothing" invariant (testable property
// 5). Concurrency is golang.org/x/sync/errgroup, promoted from an
// indirect teacher dependency to direct per DESIGN.md, since the
// teacher itself has no concurrent-fan-out-with-first-error call site
// to ground this on but already imports the package transitively.
package destinations

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
	"github.com/airweave-ai/airweave-core/internal/contentprocessor"
	"github.com/airweave-ai/airweave-core/internal/entitypipeline"
)

// WriteBatch is what the dispatcher hands every destination handler
// for one resolved batch: inserts carry their chunk entities, updates
// carry both the parent id to clear and the new chunks to insert,
// deletes carry only the parent id.
type WriteBatch struct {
	SyncID  string
	Inserts []InsertOp
	Updates []UpdateOp
	Deletes []DeleteOp
}

type InsertOp struct {
	EntityDefinitionID string
	ParentEntityID     string
	Chunks             []contentprocessor.ChunkEntity
}

type UpdateOp struct {
	EntityDefinitionID string
	ParentEntityID     string
	Chunks             []contentprocessor.ChunkEntity
}

type DeleteOp struct {
	EntityDefinitionID string
	ParentEntityID     string
}

// Handler is the contract every destination (vector DB, keyword index)
// implements. Handlers never see SkipContentHandlers=true inserts —
// the dispatcher filters those out before calling Write (spec.md
// §4.4.2 collection dedup).
type Handler interface {
	Name() string
	Write(ctx context.Context, collectionID string, batch WriteBatch) error
	// DeleteOrphans removes entity_ids not present in keep, for the
	// end-of-sync orphan cleanup pass (spec.md §4.4.5, testable
	// property 7).
	DeleteOrphans(ctx context.Context, collectionID string, syncID string, keep map[string]bool) error
}

// MetadataHandler is the Postgres handler spec.md §4.4.4 describes:
// bulk upsert on (sync_id, entity_definition_id, entity_id),
// bulk hash update, bulk delete by DB id. It is deliberately a
// separate interface from Handler (not a destination) because it is
// the one write that must NEVER happen unless every destination
// handler has already succeeded.
type MetadataHandler interface {
	// BulkCreate also carries collectionID so the metadata row can
	// populate the (collection_id, entity_id, hash) index spec.md §9
	// Open Question 3 calls for (the collection-level dedup lookup).
	BulkCreate(ctx context.Context, syncID, collectionID string, items []entitypipeline.ActionItem) error
	BulkUpdateHash(ctx context.Context, syncID string, items []entitypipeline.ActionItem) error
	BulkRemove(ctx context.Context, syncID string, items []entitypipeline.ActionItem) error
	DeleteOrphans(ctx context.Context, syncID string, keep map[string]bool) error
}

// Dispatcher fans a resolved action batch out to every destination
// concurrently, then — only if all succeeded — writes Postgres.
type Dispatcher struct {
	handlers []Handler
	metadata MetadataHandler
}

func New(metadata MetadataHandler, handlers ...Handler) *Dispatcher {
	return &Dispatcher{handlers: handlers, metadata: metadata}
}

// Dispatch implements spec.md §4.4.4 in full. items must already carry
// resolved actions and, for INSERT/UPDATE, their chunked+embedded
// content (attached by the caller via BuildWriteBatch).
func (d *Dispatcher) Dispatch(ctx context.Context, collectionID, syncID string, batch WriteBatch, items []entitypipeline.ActionItem) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range d.handlers {
		h := h
		g.Go(func() error {
			if err := h.Write(gctx, collectionID, batch); err != nil {
				return apperrors.Wrapf(apperrors.KindInvariant, err, "destination %q write failed", h.Name())
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// Any destination failure aborts the whole batch; Postgres is
		// never written (testable property 5).
		return apperrors.SyncFailure(err, "destination dispatch failed, batch aborted")
	}

	return d.writeMetadata(ctx, collectionID, syncID, items)
}

func (d *Dispatcher) writeMetadata(ctx context.Context, collectionID, syncID string, items []entitypipeline.ActionItem) error {
	var inserts, updates, deletes []entitypipeline.ActionItem
	for _, it := range items {
		switch it.Action {
		case entitypipeline.ActionInsert:
			inserts = append(inserts, it)
		case entitypipeline.ActionUpdate:
			updates = append(updates, it)
		case entitypipeline.ActionDelete:
			deletes = append(deletes, it)
		}
	}

	if len(inserts) > 0 {
		if err := d.metadata.BulkCreate(ctx, syncID, collectionID, inserts); err != nil {
			return apperrors.Wrap(apperrors.KindInvariant, err, "postgres metadata bulk create")
		}
	}
	if len(updates) > 0 {
		if err := d.metadata.BulkUpdateHash(ctx, syncID, updates); err != nil {
			return apperrors.Wrap(apperrors.KindInvariant, err, "postgres metadata bulk update hash")
		}
	}
	if len(deletes) > 0 {
		if err := d.metadata.BulkRemove(ctx, syncID, deletes); err != nil {
			return apperrors.Wrap(apperrors.KindInvariant, err, "postgres metadata bulk remove")
		}
	}
	return nil
}

// CleanupOrphans implements spec.md §4.4.5's end-of-sync orphan pass:
// every destination handler and the metadata handler delete entity_ids
// not seen this run, concurrently. A failure here does not roll back
// anything already written — orphan cleanup is best-effort cleanup of
// stale rows, not part of the all-or-nothing batch invariant.
func (d *Dispatcher) CleanupOrphans(ctx context.Context, collectionID, syncID string, keep map[string]bool) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range d.handlers {
		h := h
		g.Go(func() error {
			return h.DeleteOrphans(gctx, collectionID, syncID, keep)
		})
	}
	g.Go(func() error {
		return d.metadata.DeleteOrphans(gctx, syncID, keep)
	})
	if err := g.Wait(); err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "orphan cleanup")
	}
	return nil
}

// BuildWriteBatch assembles a WriteBatch from resolved action items and
// their content-processor results, filtering out SkipContentHandlers
// inserts per spec.md §4.4.2's collection-dedup rule.
func BuildWriteBatch(syncID string, items []entitypipeline.ActionItem, chunksByEntity map[string][]contentprocessor.ChunkEntity) WriteBatch {
	batch := WriteBatch{SyncID: syncID}
	for _, it := range items {
		switch it.Action {
		case entitypipeline.ActionInsert:
			if it.SkipContentHandlers {
				continue
			}
			batch.Inserts = append(batch.Inserts, InsertOp{
				EntityDefinitionID: it.Entity.EntityDefinitionID,
				ParentEntityID:     it.Entity.EntityID,
				Chunks:             chunksByEntity[it.Entity.EntityID],
			})
		case entitypipeline.ActionUpdate:
			batch.Updates = append(batch.Updates, UpdateOp{
				EntityDefinitionID: it.Entity.EntityDefinitionID,
				ParentEntityID:     it.Entity.EntityID,
				Chunks:             chunksByEntity[it.Entity.EntityID],
			})
		case entitypipeline.ActionDelete:
			batch.Deletes = append(batch.Deletes, DeleteOp{
				EntityDefinitionID: it.Entity.EntityDefinitionID,
				ParentEntityID:     it.Entity.EntityID,
			})
		}
	}
	return batch
}
