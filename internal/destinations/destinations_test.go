package destinations

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/airweave-ai/airweave-core/internal/entitypipeline"
)

type fakeHandler struct {
	name    string
	failErr error

	mu      sync.Mutex
	writes  int
	deletes int
}

func (f *fakeHandler) Name() string { return f.name }

func (f *fakeHandler) Write(ctx context.Context, collectionID string, batch WriteBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	return f.failErr
}

func (f *fakeHandler) DeleteOrphans(ctx context.Context, collectionID, syncID string, keep map[string]bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return nil
}

type fakeMetadata struct {
	mu          sync.Mutex
	created     int
	updated     int
	removed     int
	orphansCalled bool
}

func (f *fakeMetadata) BulkCreate(ctx context.Context, syncID, collectionID string, items []entitypipeline.ActionItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created += len(items)
	return nil
}

func (f *fakeMetadata) BulkUpdateHash(ctx context.Context, syncID string, items []entitypipeline.ActionItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated += len(items)
	return nil
}

func (f *fakeMetadata) BulkRemove(ctx context.Context, syncID string, items []entitypipeline.ActionItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed += len(items)
	return nil
}

func (f *fakeMetadata) DeleteOrphans(ctx context.Context, syncID string, keep map[string]bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orphansCalled = true
	return nil
}

func TestDispatch_AllSucceed_WritesMetadata(t *testing.T) {
	h1 := &fakeHandler{name: "h1"}
	h2 := &fakeHandler{name: "h2"}
	meta := &fakeMetadata{}
	d := New(meta, h1, h2)

	items := []entitypipeline.ActionItem{
		{Action: entitypipeline.ActionInsert, Entity: entitypipeline.Entity{EntityID: "e1", EntityDefinitionID: "def"}, Hash: "h"},
	}
	batch := BuildWriteBatch("sync1", items, nil)

	err := d.Dispatch(context.Background(), "coll1", "sync1", batch, items)
	require.NoError(t, err)
	require.Equal(t, 1, h1.writes)
	require.Equal(t, 1, h2.writes)
	require.Equal(t, 1, meta.created)
}

// TestDispatch_OneFails asserts the all-or-nothing invariant (testable
// property 5): a single destination failure must abort the whole batch
// with Postgres left untouched.
func TestDispatch_OneFails(t *testing.T) {
	h1 := &fakeHandler{name: "h1"}
	h2 := &fakeHandler{name: "h2", failErr: errBoom}
	meta := &fakeMetadata{}
	d := New(meta, h1, h2)

	items := []entitypipeline.ActionItem{
		{Action: entitypipeline.ActionInsert, Entity: entitypipeline.Entity{EntityID: "e1", EntityDefinitionID: "def"}, Hash: "h"},
	}
	batch := BuildWriteBatch("sync1", items, nil)

	err := d.Dispatch(context.Background(), "coll1", "sync1", batch, items)
	require.Error(t, err)
	require.Equal(t, 0, meta.created)
	require.Equal(t, 0, meta.updated)
	require.Equal(t, 0, meta.removed)
}

func TestCleanupOrphans_CallsEveryHandlerAndMetadata(t *testing.T) {
	h1 := &fakeHandler{name: "h1"}
	h2 := &fakeHandler{name: "h2"}
	meta := &fakeMetadata{}
	d := New(meta, h1, h2)

	err := d.CleanupOrphans(context.Background(), "coll1", "sync1", map[string]bool{"keep1": true})
	require.NoError(t, err)
	require.Equal(t, 1, h1.deletes)
	require.Equal(t, 1, h2.deletes)
	require.True(t, meta.orphansCalled)
}

func TestBuildWriteBatch_SkipsContentHandlerInserts(t *testing.T) {
	items := []entitypipeline.ActionItem{
		{Action: entitypipeline.ActionInsert, Entity: entitypipeline.Entity{EntityID: "e1", EntityDefinitionID: "def"}, SkipContentHandlers: true},
		{Action: entitypipeline.ActionInsert, Entity: entitypipeline.Entity{EntityID: "e2", EntityDefinitionID: "def"}},
	}
	batch := BuildWriteBatch("sync1", items, nil)
	require.Len(t, batch.Inserts, 1)
	require.Equal(t, "e2", batch.Inserts[0].ParentEntityID)
}

type boomErr struct{}

func (boomErr) Error() string { return "boom" }

var errBoom = boomErr{}
