package aclpipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCursor struct {
	cookie      string
	has         bool
	fullRefresh bool
}

func (f fakeCursor) Cookie() (string, bool)    { return f.cookie, f.has }
func (f fakeCursor) FullRefreshRequested() bool { return f.fullRefresh }

type fakeSource struct {
	pages         []Page
	changes       []Change
	newCookie     string
	supportsIncr  bool
	listErr       error
	changesErr    error
}

func (f *fakeSource) ListMemberships(ctx context.Context, sourceConnectionID, after string) (Page, error) {
	if f.listErr != nil {
		return Page{}, f.listErr
	}
	idx := 0
	if after != "" {
		for i, p := range f.pages {
			if p.After == after {
				idx = i + 1
				break
			}
		}
	}
	if idx >= len(f.pages) {
		return Page{}, nil
	}
	return f.pages[idx], nil
}

func (f *fakeSource) SupportsIncrementalACL() bool { return f.supportsIncr }

func (f *fakeSource) ListChanges(ctx context.Context, sourceConnectionID, cookie string) ([]Change, string, error) {
	if f.changesErr != nil {
		return nil, "", f.changesErr
	}
	return f.changes, f.newCookie, nil
}

type fakeStore struct {
	upserted []Membership
	orphansKept map[string]bool
	orphansCalled bool
	single   []Membership
	removed  []Membership
}

func (s *fakeStore) BulkUpsert(ctx context.Context, sourceConnectionID string, memberships []Membership) error {
	s.upserted = append(s.upserted, memberships...)
	return nil
}

func (s *fakeStore) DeleteOrphans(ctx context.Context, sourceConnectionID string, keep map[string]bool) error {
	s.orphansCalled = true
	s.orphansKept = keep
	return nil
}

func (s *fakeStore) Upsert(ctx context.Context, sourceConnectionID string, m Membership) error {
	s.single = append(s.single, m)
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, sourceConnectionID string, m Membership) error {
	s.removed = append(s.removed, m)
	return nil
}

func TestRun_FullSync_DedupesAndOrphans(t *testing.T) {
	src := &fakeSource{
		pages: []Page{
			{Data: []Membership{
				{MemberID: "u1", MemberType: MemberUser, GroupID: "g1", GroupName: "Group 1"},
				{MemberID: "u1", MemberType: MemberUser, GroupID: "g1", GroupName: "Group 1 renamed"},
			}, After: "cursor1"},
			{Data: []Membership{
				{MemberID: "u2", MemberType: MemberUser, GroupID: "g1", GroupName: "Group 1"},
			}, After: ""},
		},
	}
	store := &fakeStore{}
	p := New(store)

	result, err := p.Run(context.Background(), src, "sc1", fakeCursor{})
	require.NoError(t, err)
	require.Equal(t, "full", result.Mode)
	require.True(t, store.orphansCalled)
	require.Len(t, store.upserted, 2) // deduped: one row per (member,group)
	require.True(t, store.orphansKept[flattenKey(membershipKey{MemberID: "u1", MemberType: MemberUser, GroupID: "g1"})])
}

func TestRun_FullSync_CollectionFails_NoOrphanPass(t *testing.T) {
	src := &fakeSource{listErr: context.DeadlineExceeded}
	store := &fakeStore{}
	p := New(store)

	_, err := p.Run(context.Background(), src, "sc1", fakeCursor{})
	require.Error(t, err)
	require.False(t, store.orphansCalled)
	require.Empty(t, store.upserted)
}

func TestRun_Incremental_WhenCookiePresent(t *testing.T) {
	src := &fakeSource{
		supportsIncr: true,
		changes: []Change{
			{Kind: ChangeAdd, Membership: Membership{MemberID: "u1", MemberType: MemberUser, GroupID: "g1"}},
			{Kind: ChangeRemove, Membership: Membership{MemberID: "u2", MemberType: MemberUser, GroupID: "g2"}},
		},
		newCookie: "cursor2",
	}
	store := &fakeStore{}
	p := New(store)

	result, err := p.Run(context.Background(), src, "sc1", fakeCursor{cookie: "cursor1", has: true})
	require.NoError(t, err)
	require.Equal(t, "incremental", result.Mode)
	require.Equal(t, "cursor2", result.NewCookie)
	require.Len(t, store.single, 1)
	require.Len(t, store.removed, 1)
	require.False(t, store.orphansCalled)
}

func TestRun_FullRefreshRequested_ForcesFullEvenWithCookie(t *testing.T) {
	src := &fakeSource{supportsIncr: true}
	store := &fakeStore{}
	p := New(store)

	result, err := p.Run(context.Background(), src, "sc1", fakeCursor{cookie: "cursor1", has: true, fullRefresh: true})
	require.NoError(t, err)
	require.Equal(t, "full", result.Mode)
}
