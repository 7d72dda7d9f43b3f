// Package aclpipeline mirrors source-side access-control memberships
// (spec.md §4.5 / SPEC_FULL.md §2.15) into a local membership table,
// supporting both a full sync with orphan cleanup and an incremental
// DirSync-style change stream. The pagination loop in FullSync is a
// direct generalization of the teacher's validateTenantAuthorization
// in internal/auth/tenant_headers.go: that function pages through a
// single user's WorkOS org memberships via ListOrganizationMemberships
// + ListMetadata.After until the cursor is empty; here the same
// "loop fetching a page, check After, stop when empty" shape pages
// through every member/group tuple a source connection exposes instead
// of one user's memberships.
package aclpipeline

import (
	"context"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// MemberType distinguishes a tuple's subject kind.
type MemberType string

const (
	MemberUser  MemberType = "user"
	MemberGroup MemberType = "group"
)

// Membership is one row of AccessControlMembership (spec.md §4.5): a
// subject (user or group) belonging to a group, identified by the
// composite key (member_id, member_type, group_id).
type Membership struct {
	MemberID   string
	MemberType MemberType
	GroupID    string
	GroupName  string
}

func (m Membership) key() membershipKey {
	return membershipKey{MemberID: m.MemberID, MemberType: m.MemberType, GroupID: m.GroupID}
}

type membershipKey struct {
	MemberID   string
	MemberType MemberType
	GroupID    string
}

// ChangeKind is one DirSync-style incremental change.
type ChangeKind string

const (
	ChangeAdd    ChangeKind = "ADD"
	ChangeRemove ChangeKind = "REMOVE"
)

// Change is one incremental membership mutation plus the tuple it
// applies to (spec.md §4.5 incremental sync).
type Change struct {
	Kind       ChangeKind
	Membership Membership
}

// Page is one page of a full membership collection, mirroring the
// WorkOS ListOrganizationMemberships response shape the teacher pages
// through: a data slice plus an opaque "after" cursor that is empty on
// the last page.
type Page struct {
	Data  []Membership
	After string
}

// MembershipSource is what a source connector implements to expose its
// ACL surface. ListMemberships pages exactly like the teacher's
// ListOrganizationMembershipsOpts{UserID, Limit, After} loop: the
// caller passes back whatever After it was given until the source
// returns "".
type MembershipSource interface {
	ListMemberships(ctx context.Context, sourceConnectionID string, after string) (Page, error)

	// SupportsIncrementalACL reports whether ListChanges is usable.
	SupportsIncrementalACL() bool

	// ListChanges returns the DirSync-style delta since cookie, plus the
	// new cookie to persist (spec.md §4.5 incremental sync).
	ListChanges(ctx context.Context, sourceConnectionID string, cookie string) (changes []Change, newCookie string, err error)
}

// Store is the persistence seam for AccessControlMembership, narrow by
// design so this package never depends on a concrete schema owner.
type Store interface {
	// BulkUpsert inserts or updates group_name on conflict for the
	// composite unique index (member_id, member_type, group_id) scoped
	// to sourceConnectionID.
	BulkUpsert(ctx context.Context, sourceConnectionID string, memberships []Membership) error

	// DeleteOrphans removes every row for sourceConnectionID whose
	// composite key is absent from keep (spec.md §4.5, testable
	// property 7/8).
	DeleteOrphans(ctx context.Context, sourceConnectionID string, keep map[string]bool) error

	// Upsert applies a single ADD (incremental sync).
	Upsert(ctx context.Context, sourceConnectionID string, m Membership) error

	// Delete applies a single REMOVE by composite key (incremental sync).
	Delete(ctx context.Context, sourceConnectionID string, m Membership) error
}

// CursorReader is the narrow view of the persisted cursor this package
// needs: read the acl_dirsync_cookie and decide whether a full refresh
// was requested. The new cookie to persist is handed back in Result.
type CursorReader interface {
	Cookie() (string, bool)
	FullRefreshRequested() bool
}

// Pipeline runs full or incremental ACL sync against one source
// connection.
type Pipeline struct {
	store Store
}

func New(store Store) *Pipeline {
	return &Pipeline{store: store}
}

// Result reports what a sync run did, for progress counters and for
// the caller to decide whether to persist a new cursor cookie.
type Result struct {
	Mode      string // "full" or "incremental"
	Upserted  int
	Removed   int
	NewCookie string
	HasCookie bool
}

// Run implements spec.md §4.5's mode selection: incremental only if the
// source supports it AND the cursor already has a cookie AND the
// caller isn't forcing a full refresh. Otherwise full sync runs, and on
// success a best-effort cookie fetch seeds the next incremental run.
func (p *Pipeline) Run(ctx context.Context, source MembershipSource, sourceConnectionID string, cursor CursorReader) (Result, error) {
	cookie, hasCookie := cursor.Cookie()
	if source.SupportsIncrementalACL() && hasCookie && !cursor.FullRefreshRequested() {
		return p.runIncremental(ctx, source, sourceConnectionID, cookie)
	}
	return p.runFull(ctx, source, sourceConnectionID)
}

// runFull implements spec.md §4.5's full-sync invariant: collect every
// tuple first; only once collection succeeds completely does the
// orphan pass run. If collection fails partway, no deletions happen at
// all — a security invariant (spec.md §4.5 "full sync without orphan
// cleanup is forbidden... to avoid wiping valid permissions", testable
// property 8).
func (p *Pipeline) runFull(ctx context.Context, source MembershipSource, sourceConnectionID string) (Result, error) {
	var all []Membership
	after := ""
	for {
		page, err := source.ListMemberships(ctx, sourceConnectionID, after)
		if err != nil {
			// Collection failed: return without touching the store at
			// all, so no orphan cleanup can run on a partial view.
			return Result{}, apperrors.Wrap(apperrors.KindRemoteProvider, err, "list memberships").AsRetryable()
		}
		all = append(all, page.Data...)
		if page.After == "" {
			break
		}
		after = page.After
	}

	deduped := dedupeMemberships(all)

	if err := p.store.BulkUpsert(ctx, sourceConnectionID, deduped); err != nil {
		return Result{}, apperrors.Wrap(apperrors.KindInvariant, err, "bulk upsert memberships")
	}

	keep := make(map[string]bool, len(deduped))
	for _, m := range deduped {
		keep[flattenKey(m.key())] = true
	}
	if err := p.store.DeleteOrphans(ctx, sourceConnectionID, keep); err != nil {
		return Result{}, apperrors.Wrap(apperrors.KindInvariant, err, "delete orphaned memberships")
	}

	result := Result{Mode: "full", Upserted: len(deduped)}

	// Best-effort cookie seed for future incrementals; a failure here
	// never fails the sync that already committed.
	if source.SupportsIncrementalACL() {
		if _, cookie, err := source.ListChanges(ctx, sourceConnectionID, ""); err == nil {
			result.NewCookie = cookie
			result.HasCookie = cookie != ""
		}
	}
	return result, nil
}

func (p *Pipeline) runIncremental(ctx context.Context, source MembershipSource, sourceConnectionID, cookie string) (Result, error) {
	changes, newCookie, err := source.ListChanges(ctx, sourceConnectionID, cookie)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.KindRemoteProvider, err, "list acl changes").AsRetryable()
	}

	result := Result{Mode: "incremental", NewCookie: newCookie, HasCookie: newCookie != ""}
	for _, c := range changes {
		switch c.Kind {
		case ChangeAdd:
			if err := p.store.Upsert(ctx, sourceConnectionID, c.Membership); err != nil {
				return Result{}, apperrors.Wrap(apperrors.KindInvariant, err, "upsert acl change")
			}
			result.Upserted++
		case ChangeRemove:
			if err := p.store.Delete(ctx, sourceConnectionID, c.Membership); err != nil {
				return Result{}, apperrors.Wrap(apperrors.KindInvariant, err, "delete acl change")
			}
			result.Removed++
		}
	}
	// No orphan pass for incremental sync (spec.md §4.5).
	return result, nil
}

func dedupeMemberships(all []Membership) []Membership {
	seen := make(map[membershipKey]Membership, len(all))
	order := make([]membershipKey, 0, len(all))
	for _, m := range all {
		k := m.key()
		if _, ok := seen[k]; !ok {
			order = append(order, k)
		}
		seen[k] = m // last write wins, matches bulk-upsert-on-conflict semantics
	}
	out := make([]Membership, 0, len(order))
	for _, k := range order {
		out = append(out, seen[k])
	}
	return out
}

func flattenKey(k membershipKey) string {
	return string(k.MemberType) + "\x00" + k.MemberID + "\x00" + k.GroupID
}
