package usageguardrail

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

type fakeDB struct {
	billing   map[uuid.UUID]*BillingRecord
	cached    map[uuid.UUID]map[Action]int64
	dynamic   map[uuid.UUID]map[Action]int64
	flushes   []flushCall
	flushErr  error
}

type flushCall struct {
	org    uuid.UUID
	action Action
	delta  int64
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		billing: map[uuid.UUID]*BillingRecord{},
		cached:  map[uuid.UUID]map[Action]int64{},
		dynamic: map[uuid.UUID]map[Action]int64{},
	}
}

func (f *fakeDB) GetBillingRecord(ctx context.Context, orgID uuid.UUID) (*BillingRecord, error) {
	return f.billing[orgID], nil
}

func (f *fakeDB) GetCachedCumulativeUsage(ctx context.Context, orgID uuid.UUID, action Action) (int64, error) {
	return f.cached[orgID][action], nil
}

func (f *fakeDB) FlushCumulativeUsage(ctx context.Context, orgID uuid.UUID, action Action, delta int64) error {
	if f.flushErr != nil {
		return f.flushErr
	}
	f.flushes = append(f.flushes, flushCall{orgID, action, delta})
	if f.cached[orgID] == nil {
		f.cached[orgID] = map[Action]int64{}
	}
	f.cached[orgID][action] += delta
	return nil
}

func (f *fakeDB) GetDynamicCount(ctx context.Context, orgID uuid.UUID, action Action) (int64, error) {
	return f.dynamic[orgID][action], nil
}

func int64p(v int64) *int64 { return &v }

func TestIsAllowedUnlimitedWithoutBillingRecord(t *testing.T) {
	db := newFakeDB()
	g := New(db)
	err := g.IsAllowed(context.Background(), uuid.New(), ActionEntities, 1000)
	require.NoError(t, err)
}

func TestIsAllowedBlocksActionForBillingStatus(t *testing.T) {
	db := newFakeDB()
	org := uuid.New()
	db.billing[org] = &BillingRecord{Status: BillingEndedUnpaid, Plan: PlanLimits{MaxEntities: int64p(1000)}}
	g := New(db)

	err := g.IsAllowed(context.Background(), org, ActionEntities, 1)
	require.Error(t, err)
	kind, ok := apperrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, apperrors.KindPaymentRequired, kind)
}

func TestIsAllowedEnforcesCumulativeLimitWithCacheAndPending(t *testing.T) {
	db := newFakeDB()
	org := uuid.New()
	db.billing[org] = &BillingRecord{Status: BillingActive, Plan: PlanLimits{MaxEntities: int64p(150)}}
	db.cached[org] = map[Action]int64{ActionEntities: 100}
	g := New(db)

	require.NoError(t, g.Increment(context.Background(), org, ActionEntities, 40))

	err := g.IsAllowed(context.Background(), org, ActionEntities, 20)
	require.Error(t, err)
	kind, ok := apperrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, apperrors.KindUsageLimit, kind)
}

func TestIsAllowedChecksDynamicMetricsLive(t *testing.T) {
	db := newFakeDB()
	org := uuid.New()
	db.billing[org] = &BillingRecord{Status: BillingActive, Plan: PlanLimits{MaxSourceConnections: int64p(5)}}
	db.dynamic[org] = map[Action]int64{ActionSourceConnections: 5}
	g := New(db)

	err := g.IsAllowed(context.Background(), org, ActionSourceConnections, 1)
	require.Error(t, err)
}

func TestIncrementFlushesAtThreshold(t *testing.T) {
	db := newFakeDB()
	org := uuid.New()
	g := New(db)

	require.NoError(t, g.Increment(context.Background(), org, ActionEntities, 99))
	require.Empty(t, db.flushes)

	require.NoError(t, g.Increment(context.Background(), org, ActionEntities, 1))
	require.Len(t, db.flushes, 1)
	require.Equal(t, int64(100), db.flushes[0].delta)
}

func TestIncrementQueriesFlushesImmediately(t *testing.T) {
	db := newFakeDB()
	org := uuid.New()
	g := New(db)

	require.NoError(t, g.Increment(context.Background(), org, ActionQueries, 1))
	require.Len(t, db.flushes, 1)
}

func TestIncrementIgnoresDynamicActions(t *testing.T) {
	db := newFakeDB()
	org := uuid.New()
	g := New(db)

	require.NoError(t, g.Increment(context.Background(), org, ActionTeamMembers, 1))
	require.Empty(t, db.flushes)
}

func TestFlushAllFlushesPendingRegardlessOfThreshold(t *testing.T) {
	db := newFakeDB()
	org := uuid.New()
	g := New(db)

	require.NoError(t, g.Increment(context.Background(), org, ActionEntities, 5))
	require.Empty(t, db.flushes)

	require.NoError(t, g.FlushAll(context.Background(), org))
	require.Len(t, db.flushes, 1)
	require.Equal(t, int64(5), db.flushes[0].delta)
}

func TestFlushAllSurfacesErrorAndRetainsPending(t *testing.T) {
	db := newFakeDB()
	db.flushErr = context.DeadlineExceeded
	org := uuid.New()
	g := New(db)

	require.NoError(t, g.Increment(context.Background(), org, ActionEntities, 5))
	err := g.FlushAll(context.Background(), org)
	require.Error(t, err)

	db.flushErr = nil
	require.NoError(t, g.FlushAll(context.Background(), org))
	require.Len(t, db.flushes, 1)
	require.Equal(t, int64(5), db.flushes[0].delta)
}

func TestDecrementBuffersNegativeDelta(t *testing.T) {
	db := newFakeDB()
	org := uuid.New()
	g := New(db)

	require.NoError(t, g.Increment(context.Background(), org, ActionEntities, 50))
	require.NoError(t, g.Decrement(context.Background(), org, ActionEntities, 51))
	require.Empty(t, db.flushes)

	require.NoError(t, g.FlushAll(context.Background(), org))
	require.Len(t, db.flushes, 1)
	require.Equal(t, int64(-1), db.flushes[0].delta)
}
