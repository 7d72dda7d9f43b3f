package destinations

import (
	"context"
	"sync"

	"github.com/blevesearch/bleve/v2"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
	"github.com/airweave-ai/airweave-core/internal/contentprocessor"
)

// bleveChunkDoc is the indexed document shape for one chunk, carrying
// enough fields for delete-by-parent and orphan cleanup lookups
// alongside the keyword-searchable text.
type bleveChunkDoc struct {
	EntityID           string `json:"entity_id"`
	OriginalEntityID   string `json:"original_entity_id"`
	EntityDefinitionID string `json:"entity_definition_id"`
	SyncID             string `json:"sync_id"`
	Text               string `json:"text"`
}

// BleveDestination is the keyword-index destination handler spec.md
// §2.14 names explicitly, one index per collection so full-text
// queries never cross collection boundaries.
type BleveDestination struct {
	mu      sync.Mutex
	indexes map[string]bleve.Index
	open    func(collectionID string) (bleve.Index, error)
}

// NewBleveDestination takes an index-opener so callers can choose
// on-disk (bleve.New) vs in-memory (bleve.NewMemOnly) indexes per
// deployment without this package depending on a filesystem layout.
func NewBleveDestination(open func(collectionID string) (bleve.Index, error)) *BleveDestination {
	return &BleveDestination{indexes: make(map[string]bleve.Index), open: open}
}

func (b *BleveDestination) Name() string { return "bleve" }

func (b *BleveDestination) index(collectionID string) (bleve.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.indexes[collectionID]; ok {
		return idx, nil
	}
	idx, err := b.open(collectionID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvariant, err, "open bleve index")
	}
	b.indexes[collectionID] = idx
	return idx, nil
}

func (b *BleveDestination) Write(ctx context.Context, collectionID string, batch WriteBatch) error {
	idx, err := b.index(collectionID)
	if err != nil {
		return err
	}

	for _, u := range batch.Updates {
		if err := b.deleteByParent(idx, u.ParentEntityID); err != nil {
			return err
		}
	}
	for _, d := range batch.Deletes {
		if err := b.deleteByParent(idx, d.ParentEntityID); err != nil {
			return err
		}
	}

	batchOp := idx.NewBatch()
	for _, ins := range batch.Inserts {
		addChunks(batchOp, ins.ParentEntityID, ins.EntityDefinitionID, batch.SyncID, ins.Chunks)
	}
	for _, upd := range batch.Updates {
		addChunks(batchOp, upd.ParentEntityID, upd.EntityDefinitionID, batch.SyncID, upd.Chunks)
	}
	if batchOp.Size() == 0 {
		return nil
	}
	if err := idx.Batch(batchOp); err != nil {
		return apperrors.Wrap(apperrors.KindRemoteProvider, err, "bleve batch index").AsRetryable()
	}
	return nil
}

func addChunks(batchOp *bleve.Batch, parentID, definitionID, syncID string, chunks []contentprocessor.ChunkEntity) {
	for _, c := range chunks {
		doc := bleveChunkDoc{
			EntityID:           c.EntityID,
			OriginalEntityID:   parentID,
			EntityDefinitionID: definitionID,
			SyncID:             syncID,
			Text:               c.Text,
		}
		_ = batchOp.Index(c.EntityID, doc)
	}
}

func (b *BleveDestination) deleteByParent(idx bleve.Index, parentID string) error {
	query := bleve.NewMatchQuery(parentID)
	query.SetField("original_entity_id")
	req := bleve.NewSearchRequest(query)
	req.Size = 10000

	result, err := idx.Search(req)
	if err != nil {
		return apperrors.Wrap(apperrors.KindRemoteProvider, err, "bleve search for delete-by-parent").AsRetryable()
	}
	for _, hit := range result.Hits {
		if err := idx.Delete(hit.ID); err != nil {
			return apperrors.Wrap(apperrors.KindRemoteProvider, err, "bleve delete").AsRetryable()
		}
	}
	return nil
}

// DeleteOrphans removes every document belonging to syncID whose parent
// entity (original_entity_id) is absent from keep (spec.md §4.4.5,
// testable property 7); keep holds parent ids, not chunk ids.
func (b *BleveDestination) DeleteOrphans(ctx context.Context, collectionID, syncID string, keep map[string]bool) error {
	idx, err := b.index(collectionID)
	if err != nil {
		return err
	}

	query := bleve.NewMatchQuery(syncID)
	query.SetField("sync_id")
	req := bleve.NewSearchRequest(query)
	req.Size = 100000
	req.Fields = []string{"original_entity_id"}

	result, err := idx.Search(req)
	if err != nil {
		return apperrors.Wrap(apperrors.KindRemoteProvider, err, "bleve scan for orphan cleanup").AsRetryable()
	}
	for _, hit := range result.Hits {
		parentID, _ := hit.Fields["original_entity_id"].(string)
		if parentID != "" && !keep[parentID] {
			if err := idx.Delete(hit.ID); err != nil {
				return apperrors.Wrap(apperrors.KindRemoteProvider, err, "bleve orphan delete").AsRetryable()
			}
		}
	}
	return nil
}
