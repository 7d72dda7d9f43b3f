package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
	"github.com/airweave-ai/airweave-core/internal/contentprocessor"
	"github.com/airweave-ai/airweave-core/internal/destinations"
	"github.com/airweave-ai/airweave-core/internal/entitypipeline"
	"github.com/airweave-ai/airweave-core/internal/eventbus"
	"github.com/airweave-ai/airweave-core/internal/progress"
	"github.com/airweave-ai/airweave-core/internal/usageguardrail"
)

func TestRetry_StopsOnNonRetryableError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 5, InitialBackoff: time.Millisecond}, func() error {
		calls++
		return apperrors.New(apperrors.KindValidation, "bad input")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestRetry_RetriesRetryableErrorUntilSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 5, InitialBackoff: time.Millisecond, Multiplier: 2}, func() error {
		calls++
		if calls < 3 {
			return apperrors.New(apperrors.KindRemoteProvider, "transient").AsRetryable()
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetry_PassesThroughEOF(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 5}, func() error {
		calls++
		return io.EOF
	})
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 1, calls)
}

type fakeSource struct {
	batches [][]entitypipeline.Entity
	idx     int
}

func (f *fakeSource) Next(ctx context.Context, cursor entitypipeline.CursorWriter) ([]entitypipeline.Entity, error) {
	if f.idx >= len(f.batches) {
		return nil, io.EOF
	}
	b := f.batches[f.idx]
	f.idx++
	if cursor != nil {
		cursor.Set("page", f.idx)
	}
	return b, nil
}

func (f *fakeSource) CheckCancelled(ctx context.Context) (bool, error) { return false, nil }

type fakeLookup struct{}

func (fakeLookup) GetExisting(ctx context.Context, syncID uuid.UUID, entityDefinitionID, entityID string) (*entitypipeline.ExistingRecord, error) {
	return nil, nil
}

type fakeJobs struct {
	terminalStatus Status
	terminalErr    string
	running        bool
}

func (f *fakeJobs) MarkRunning(ctx context.Context, syncJobID uuid.UUID) error {
	f.running = true
	return nil
}

func (f *fakeJobs) MarkTerminal(ctx context.Context, syncJobID uuid.UUID, status Status, counters progress.Counters, errMsg string) error {
	f.terminalStatus = status
	f.terminalErr = errMsg
	return nil
}

func (f *fakeJobs) RequestCancel(ctx context.Context, syncJobID uuid.UUID) error { return nil }

func (f *fakeJobs) IsCancelling(ctx context.Context, syncJobID uuid.UUID) (bool, error) {
	return false, nil
}

type fakeDestHandler struct{ writes int }

func (f *fakeDestHandler) Name() string { return "fake" }
func (f *fakeDestHandler) Write(ctx context.Context, collectionID string, batch destinations.WriteBatch) error {
	f.writes++
	return nil
}
func (f *fakeDestHandler) DeleteOrphans(ctx context.Context, collectionID, syncID string, keep map[string]bool) error {
	return nil
}

type fakeMetadataHandler struct{ created int }

func (f *fakeMetadataHandler) BulkCreate(ctx context.Context, syncID, collectionID string, items []entitypipeline.ActionItem) error {
	f.created += len(items)
	return nil
}
func (f *fakeMetadataHandler) BulkUpdateHash(ctx context.Context, syncID string, items []entitypipeline.ActionItem) error {
	return nil
}
func (f *fakeMetadataHandler) BulkRemove(ctx context.Context, syncID string, items []entitypipeline.ActionItem) error {
	return nil
}
func (f *fakeMetadataHandler) DeleteOrphans(ctx context.Context, syncID string, keep map[string]bool) error {
	return nil
}

type fakeDenseEmbedder struct{}

func (fakeDenseEmbedder) ModelName() string { return "fake" }
func (fakeDenseEmbedder) VectorSize() int   { return 2 }
func (fakeDenseEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 1}
	}
	return out, nil
}

func newTestRun(t *testing.T, source *fakeSource, jobs *fakeJobs) (Run, *fakeDestHandler) {
	t.Helper()
	dest := &fakeDestHandler{}
	dispatcher := destinations.New(&fakeMetadataHandler{}, dest)
	proc := contentprocessor.New(nil, contentprocessor.NewSemanticChunker(), fakeDenseEmbedder{}, contentprocessor.NewBM25Sparse())
	pub := progress.New(eventbus.New(), nil, "job1", 1000)

	return Run{
		SyncJobID:          uuid.New(),
		SyncID:             uuid.New(),
		SourceConnectionID: uuid.New(),
		CollectionID:       "coll1",
		Source:             source,
		Lookup:             fakeLookup{},
		Processor:          proc,
		Dispatcher:         dispatcher,
		Jobs:               jobs,
		Publisher:          pub,
	}, dest
}

// Execute itself is covered at the wiring level by processBatch tests
// below; a full Execute() run needs a live *cursorstore.Store backed by
// Postgres, which this package's unit tests do not stand up.

func TestProcessBatch_ResolvesAndDispatches(t *testing.T) {
	source := &fakeSource{batches: [][]entitypipeline.Entity{
		{{EntityID: "e1", EntityDefinitionID: "def1", Payload: map[string]any{"body": "hello world"}}},
	}}
	jobs := &fakeJobs{}
	run, dest := newTestRun(t, source, jobs)

	orch := New(DefaultRetryPolicy())
	keep := map[string]bool{}
	batch, err := source.Next(context.Background(), nil)
	require.NoError(t, err)

	err = orch.processBatch(context.Background(), run, batch, keep)
	require.NoError(t, err)
	require.Equal(t, 1, dest.writes)
	require.True(t, keep["e1"])
}

func TestProcessBatch_DispatchFailure_PropagatesError(t *testing.T) {
	source := &fakeSource{}
	jobs := &fakeJobs{}
	run, _ := newTestRun(t, source, jobs)
	run.Dispatcher = destinations.New(&fakeMetadataHandler{}, &failingHandler{})

	orch := New(DefaultRetryPolicy())
	keep := map[string]bool{}
	err := orch.processBatch(context.Background(), run, []entitypipeline.Entity{
		{EntityID: "e1", EntityDefinitionID: "def1", Payload: map[string]any{"body": "x"}},
	}, keep)
	require.Error(t, err)
}

type failingHandler struct{}

func (failingHandler) Name() string { return "failing" }
func (failingHandler) Write(ctx context.Context, collectionID string, batch destinations.WriteBatch) error {
	return errors.New("destination unavailable")
}
func (failingHandler) DeleteOrphans(ctx context.Context, collectionID, syncID string, keep map[string]bool) error {
	return nil
}

// fakeEmbeddingStore backs the collection-embedding-immutability check
// (testable property 9): Stamped true with a model/size that never
// matches fakeDenseEmbedder simulates a collection whose active
// embedder has drifted since it was first stamped.
type fakeEmbeddingStore struct {
	state contentprocessor.CollectionEmbeddingState
}

func (f *fakeEmbeddingStore) Get(ctx context.Context, collectionID string) (contentprocessor.CollectionEmbeddingState, error) {
	return f.state, nil
}

func (f *fakeEmbeddingStore) Stamp(ctx context.Context, collectionID, modelName string, vectorSize int) error {
	f.state = contentprocessor.CollectionEmbeddingState{ModelName: modelName, VectorSize: vectorSize, Stamped: true}
	return nil
}

func TestProcessBatch_EmbeddingDrift_FailsFatallyBeforeDispatch(t *testing.T) {
	source := &fakeSource{}
	jobs := &fakeJobs{}
	run, dest := newTestRun(t, source, jobs)
	run.EmbeddingStore = &fakeEmbeddingStore{state: contentprocessor.CollectionEmbeddingState{
		ModelName: "other-model", VectorSize: 999, Stamped: true,
	}}

	orch := New(DefaultRetryPolicy())
	keep := map[string]bool{}
	err := orch.processBatch(context.Background(), run, []entitypipeline.Entity{
		{EntityID: "e1", EntityDefinitionID: "def1", Payload: map[string]any{"body": "hello"}},
	}, keep)

	require.Error(t, err)
	require.False(t, apperrors.IsRetryable(err))
	require.Equal(t, 0, dest.writes)
}

func TestProcessBatch_EmbeddingConfig_StampsOnFirstSync(t *testing.T) {
	source := &fakeSource{}
	jobs := &fakeJobs{}
	run, dest := newTestRun(t, source, jobs)
	store := &fakeEmbeddingStore{}
	run.EmbeddingStore = store

	orch := New(DefaultRetryPolicy())
	keep := map[string]bool{}
	err := orch.processBatch(context.Background(), run, []entitypipeline.Entity{
		{EntityID: "e1", EntityDefinitionID: "def1", Payload: map[string]any{"body": "hello"}},
	}, keep)

	require.NoError(t, err)
	require.Equal(t, 1, dest.writes)
	require.True(t, store.state.Stamped)
	require.Equal(t, "fake", store.state.ModelName)
	require.Equal(t, 2, store.state.VectorSize)
}

// fakeUsageDB is the minimal usageguardrail.DB fake needed to exercise
// Increment/FlushAll through the orchestrator without a live Postgres.
type fakeUsageDB struct {
	mu      sync.Mutex
	flushed map[uuid.UUID]int64
}

func newFakeUsageDB() *fakeUsageDB { return &fakeUsageDB{flushed: map[uuid.UUID]int64{}} }

func (f *fakeUsageDB) GetBillingRecord(ctx context.Context, orgID uuid.UUID) (*usageguardrail.BillingRecord, error) {
	return nil, nil // legacy exemption: unrestricted
}

func (f *fakeUsageDB) GetCachedCumulativeUsage(ctx context.Context, orgID uuid.UUID, action usageguardrail.Action) (int64, error) {
	return 0, nil
}

func (f *fakeUsageDB) FlushCumulativeUsage(ctx context.Context, orgID uuid.UUID, action usageguardrail.Action, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed[orgID] += delta
	return nil
}

func (f *fakeUsageDB) GetDynamicCount(ctx context.Context, orgID uuid.UUID, action usageguardrail.Action) (int64, error) {
	return 0, nil
}

func TestProcessBatch_IncrementsEntityUsage(t *testing.T) {
	source := &fakeSource{}
	jobs := &fakeJobs{}
	run, _ := newTestRun(t, source, jobs)
	db := newFakeUsageDB()
	run.Guardrail = usageguardrail.New(db)
	run.OrganizationID = uuid.New()

	orch := New(DefaultRetryPolicy())
	keep := map[string]bool{}
	err := orch.processBatch(context.Background(), run, []entitypipeline.Entity{
		{EntityID: "e1", EntityDefinitionID: "def1", Payload: map[string]any{"body": "hello"}},
	}, keep)
	require.NoError(t, err)

	require.NoError(t, run.Guardrail.FlushAll(context.Background(), run.OrganizationID))
	require.Equal(t, int64(1), db.flushed[run.OrganizationID])
}
