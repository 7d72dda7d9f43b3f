package entitypipeline

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	rows map[string]ExistingRecord
}

func newFakeLookup() *fakeLookup { return &fakeLookup{rows: map[string]ExistingRecord{}} }

func (f *fakeLookup) key(syncID uuid.UUID, defID, entityID string) string {
	return syncID.String() + "/" + defID + "/" + entityID
}

func (f *fakeLookup) put(syncID uuid.UUID, defID, entityID, hash string) {
	f.rows[f.key(syncID, defID, entityID)] = ExistingRecord{DBID: uuid.New(), Hash: hash}
}

func (f *fakeLookup) GetExisting(ctx context.Context, syncID uuid.UUID, defID, entityID string) (*ExistingRecord, error) {
	if r, ok := f.rows[f.key(syncID, defID, entityID)]; ok {
		return &r, nil
	}
	return nil, nil
}

type fakeCollectionDedup struct {
	seen map[string]bool
}

func newFakeCollectionDedup() *fakeCollectionDedup { return &fakeCollectionDedup{seen: map[string]bool{}} }

func (f *fakeCollectionDedup) SeenInCollection(ctx context.Context, collectionID uuid.UUID, entityID, hash string) (bool, error) {
	key := collectionID.String() + "/" + entityID + "/" + hash
	wasSeen := f.seen[key]
	f.seen[key] = true
	return wasSeen, nil
}

func TestCanonicalHashIsDeterministicAndKeyOrderIndependent(t *testing.T) {
	a := map[string]any{"name": "doc1", "body": "hello"}
	b := map[string]any{"body": "hello", "name": "doc1"}

	ha, err := CanonicalHash(a)
	require.NoError(t, err)
	hb, err := CanonicalHash(b)
	require.NoError(t, err)
	require.Equal(t, ha, hb)
}

func TestCanonicalHashExcludesSystemMetadata(t *testing.T) {
	withMeta := map[string]any{"name": "doc1", SystemMetadataKey: map[string]any{"hash": "stale"}}
	withoutMeta := map[string]any{"name": "doc1"}

	h1, err := CanonicalHash(withMeta)
	require.NoError(t, err)
	h2, err := CanonicalHash(withoutMeta)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestCanonicalHashChangesWithContent(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"name": "doc1"})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]any{"name": "doc2"})
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

func TestResolveActionsInsertWhenNoExisting(t *testing.T) {
	syncID := uuid.New()
	lookup := newFakeLookup()
	batch := []Entity{{EntityID: "e1", EntityDefinitionID: "doc", Payload: map[string]any{"name": "a"}}}

	items, err := ResolveActions(context.Background(), syncID, batch, lookup)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, ActionInsert, items[0].Action)
	require.Nil(t, items[0].ExistingDBID)
}

func TestResolveActionsKeepWhenHashUnchanged(t *testing.T) {
	syncID := uuid.New()
	lookup := newFakeLookup()
	payload := map[string]any{"name": "a"}
	hash, err := CanonicalHash(payload)
	require.NoError(t, err)
	lookup.put(syncID, "doc", "e1", hash)

	items, err := ResolveActions(context.Background(), syncID, []Entity{{EntityID: "e1", EntityDefinitionID: "doc", Payload: payload}}, lookup)
	require.NoError(t, err)
	require.Equal(t, ActionKeep, items[0].Action)
	require.NotNil(t, items[0].ExistingDBID)
}

func TestResolveActionsUpdateWhenHashChanged(t *testing.T) {
	syncID := uuid.New()
	lookup := newFakeLookup()
	lookup.put(syncID, "doc", "e1", "stale-hash")

	items, err := ResolveActions(context.Background(), syncID, []Entity{{EntityID: "e1", EntityDefinitionID: "doc", Payload: map[string]any{"name": "a"}}}, lookup)
	require.NoError(t, err)
	require.Equal(t, ActionUpdate, items[0].Action)
}

func TestResolveActionsDeleteIdempotentWhenNoExisting(t *testing.T) {
	syncID := uuid.New()
	lookup := newFakeLookup()

	items, err := ResolveActions(context.Background(), syncID, []Entity{{EntityID: "e1", EntityDefinitionID: "doc", IsDeletion: true}}, lookup)
	require.NoError(t, err)
	require.Equal(t, ActionDelete, items[0].Action)
	require.Nil(t, items[0].ExistingDBID)
}

func TestResolveActionsDeleteWhenExisting(t *testing.T) {
	syncID := uuid.New()
	lookup := newFakeLookup()
	lookup.put(syncID, "doc", "e1", "h")

	items, err := ResolveActions(context.Background(), syncID, []Entity{{EntityID: "e1", EntityDefinitionID: "doc", IsDeletion: true}}, lookup)
	require.NoError(t, err)
	require.Equal(t, ActionDelete, items[0].Action)
	require.NotNil(t, items[0].ExistingDBID)
}

func TestResolveActionsDedupesWithinBatchLaterWins(t *testing.T) {
	syncID := uuid.New()
	lookup := newFakeLookup()
	batch := []Entity{
		{EntityID: "e1", EntityDefinitionID: "doc", Payload: map[string]any{"name": "first"}},
		{EntityID: "e1", EntityDefinitionID: "doc", Payload: map[string]any{"name": "second"}},
	}

	items, err := ResolveActions(context.Background(), syncID, batch, lookup)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "second", items[0].Entity.Payload["name"])
}

func TestResolveActionsTotalityOneActionPerEntity(t *testing.T) {
	syncID := uuid.New()
	lookup := newFakeLookup()
	batch := []Entity{
		{EntityID: "e1", EntityDefinitionID: "doc", Payload: map[string]any{"name": "a"}},
		{EntityID: "e2", EntityDefinitionID: "doc", Payload: map[string]any{"name": "b"}},
		{EntityID: "e3", EntityDefinitionID: "doc", IsDeletion: true},
	}
	items, err := ResolveActions(context.Background(), syncID, batch, lookup)
	require.NoError(t, err)
	require.Len(t, items, len(batch))
	for _, it := range items {
		require.NotEmpty(t, it.Action)
	}
}

func TestApplyCollectionDedupSkipsSecondSyncInsert(t *testing.T) {
	collectionID := uuid.New()
	dedup := newFakeCollectionDedup()
	hash, err := CanonicalHash(map[string]any{"name": "a"})
	require.NoError(t, err)

	first := []ActionItem{{Entity: Entity{EntityID: "e1"}, Action: ActionInsert, Hash: hash}}
	require.NoError(t, ApplyCollectionDedup(context.Background(), collectionID, first, dedup))
	require.False(t, first[0].SkipContentHandlers)

	second := []ActionItem{{Entity: Entity{EntityID: "e1"}, Action: ActionInsert, Hash: hash}}
	require.NoError(t, ApplyCollectionDedup(context.Background(), collectionID, second, dedup))
	require.True(t, second[0].SkipContentHandlers)
}

func TestApplyCollectionDedupIgnoresNonInsertActions(t *testing.T) {
	collectionID := uuid.New()
	dedup := newFakeCollectionDedup()
	items := []ActionItem{{Entity: Entity{EntityID: "e1"}, Action: ActionKeep, Hash: "h"}}
	require.NoError(t, ApplyCollectionDedup(context.Background(), collectionID, items, dedup))
	require.False(t, items[0].SkipContentHandlers)
}
