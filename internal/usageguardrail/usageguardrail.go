// Package usageguardrail enforces per-organization usage limits
// (spec.md §2 "Usage guardrail", §4.6). It adapts the mutex-guarded
// buffered-counter discipline of the teacher's internal/httpapi
// TokenBucket/RateLimiter — one stateful object per key, flushed under
// a lock — from "requests per window" to "cumulative usage vs. a
// plan-declared limit, buffered and flushed to the DB on a threshold".
package usageguardrail

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// Action is a guarded action kind (spec.md §4.6).
type Action string

const (
	ActionEntities          Action = "entities"
	ActionQueries           Action = "queries"
	ActionSourceConnections Action = "source_connections"
	ActionTeamMembers       Action = "team_members"
)

// cumulative actions are buffered + cached; dynamic actions are always
// counted live.
var cumulativeActions = map[Action]bool{ActionEntities: true, ActionQueries: true}

func isCumulative(a Action) bool { return cumulativeActions[a] }

// flushThreshold is the |pending| >= threshold trigger per action,
// from spec.md §4.6: entities flush at 100, queries at 1.
var flushThreshold = map[Action]int64{ActionEntities: 100, ActionQueries: 1}

// BillingStatus drives the blocked-action mapping in spec.md §4.6 step 2.
type BillingStatus string

const (
	BillingActive       BillingStatus = "active"
	BillingGrace        BillingStatus = "grace"
	BillingEndedUnpaid  BillingStatus = "ended_unpaid"
	BillingCompleted    BillingStatus = "completed"
)

// blockedActions maps a billing period status to the set of actions it
// forbids, per spec.md §4.6 step 2.
var blockedActions = map[BillingStatus]map[Action]bool{
	BillingGrace:       {ActionSourceConnections: true},
	BillingEndedUnpaid: {ActionEntities: true, ActionSourceConnections: true},
	BillingCompleted: {
		ActionEntities: true, ActionQueries: true,
		ActionSourceConnections: true, ActionTeamMembers: true,
	},
}

// PlanLimits is a declarative per-plan limit table (spec.md §4.6); a
// nil pointer field means unlimited.
type PlanLimits struct {
	MaxEntities          *int64
	MaxQueries           *int64
	MaxSourceConnections *int64
	MaxTeamMembers       *int64
}

func (p PlanLimits) limitFor(a Action) *int64 {
	switch a {
	case ActionEntities:
		return p.MaxEntities
	case ActionQueries:
		return p.MaxQueries
	case ActionSourceConnections:
		return p.MaxSourceConnections
	case ActionTeamMembers:
		return p.MaxTeamMembers
	default:
		return nil
	}
}

// BillingRecord is the minimal per-org billing state the guardrail
// consults; the full Organization/BillingPeriod/Usage rows live in the
// relational schema owner (out of scope per spec.md §1).
type BillingRecord struct {
	Status BillingStatus
	Plan   PlanLimits
}

// DB is the repository seam for cumulative-usage reads/writes and
// dynamic-metric live counts.
type DB interface {
	GetBillingRecord(ctx context.Context, orgID uuid.UUID) (*BillingRecord, error)
	GetCachedCumulativeUsage(ctx context.Context, orgID uuid.UUID, action Action) (int64, error)
	FlushCumulativeUsage(ctx context.Context, orgID uuid.UUID, action Action, delta int64) error
	GetDynamicCount(ctx context.Context, orgID uuid.UUID, action Action) (int64, error)
}

// orgState is the per-organization buffered-increment state, one
// instance per org guarded by its own mutex — the same "process-wide
// singleton per key with an async lock" shape as the teacher's
// per-user TokenBucket.
type orgState struct {
	mu      sync.Mutex
	pending map[Action]int64
}

// Guardrail is the process-lifetime container of per-org states
// (spec.md §5 "usage guardrail is per-org singleton with an async lock
// to serialize increment/decrement/flush").
type Guardrail struct {
	mu     sync.Mutex
	states map[uuid.UUID]*orgState
	db     DB
}

func New(db DB) *Guardrail {
	return &Guardrail{states: make(map[uuid.UUID]*orgState), db: db}
}

func (g *Guardrail) state(orgID uuid.UUID) *orgState {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.states[orgID]
	if !ok {
		s = &orgState{pending: make(map[Action]int64)}
		g.states[orgID] = s
	}
	return s
}

// IsAllowed implements spec.md §4.6 is_allowed.
func (g *Guardrail) IsAllowed(ctx context.Context, orgID uuid.UUID, action Action, amount int64) error {
	billing, err := g.db.GetBillingRecord(ctx, orgID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "load billing record")
	}
	if billing == nil {
		return nil // legacy exemption: orgs without a billing record are unrestricted
	}

	if blocked := blockedActions[billing.Status]; blocked[action] {
		return apperrors.PaymentRequired(string(action))
	}

	limit := billing.Plan.limitFor(action)
	if limit == nil {
		return nil // unlimited
	}

	if !isCumulative(action) {
		current, err := g.db.GetDynamicCount(ctx, orgID, action)
		if err != nil {
			return apperrors.Wrap(apperrors.KindInvariant, err, "load dynamic usage count")
		}
		if current+amount > *limit {
			return apperrors.UsageLimitExceeded(*limit, current)
		}
		return nil
	}

	cached, err := g.db.GetCachedCumulativeUsage(ctx, orgID, action)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "load cached usage")
	}

	st := g.state(orgID)
	st.mu.Lock()
	pending := st.pending[action]
	st.mu.Unlock()

	if cached+pending+amount > *limit {
		return apperrors.UsageLimitExceeded(*limit, cached+pending)
	}
	return nil
}

// Increment buffers a usage increment, flushing to the DB once the
// action's threshold is reached.
func (g *Guardrail) Increment(ctx context.Context, orgID uuid.UUID, action Action, amount int64) error {
	return g.adjust(ctx, orgID, action, amount)
}

// Decrement buffers a usage decrement (e.g. a job cancelled mid-way).
func (g *Guardrail) Decrement(ctx context.Context, orgID uuid.UUID, action Action, amount int64) error {
	return g.adjust(ctx, orgID, action, -amount)
}

func (g *Guardrail) adjust(ctx context.Context, orgID uuid.UUID, action Action, delta int64) error {
	if !isCumulative(action) {
		return nil // dynamic metrics are always counted live; nothing to buffer
	}

	st := g.state(orgID)
	st.mu.Lock()
	st.pending[action] += delta
	pending := st.pending[action]
	threshold := flushThreshold[action]
	shouldFlush := pending >= threshold || pending <= -threshold
	var toFlush int64
	if shouldFlush {
		toFlush = pending
		st.pending[action] = 0
	}
	st.mu.Unlock()

	if shouldFlush {
		if err := g.db.FlushCumulativeUsage(ctx, orgID, action, toFlush); err != nil {
			return apperrors.Wrap(apperrors.KindInvariant, err, "flush usage increment")
		}
	}
	return nil
}

// FlushAll flushes every pending bucket for an org to the DB,
// regardless of threshold. Must be called at sync termination
// (spec.md §4.6); the caller must not swallow its error (testable
// property 10).
func (g *Guardrail) FlushAll(ctx context.Context, orgID uuid.UUID) error {
	st := g.state(orgID)

	st.mu.Lock()
	snapshot := make(map[Action]int64, len(st.pending))
	for a, v := range st.pending {
		if v != 0 {
			snapshot[a] = v
			st.pending[a] = 0
		}
	}
	st.mu.Unlock()

	for action, amount := range snapshot {
		if err := g.db.FlushCumulativeUsage(ctx, orgID, action, amount); err != nil {
			// Restore what failed to flush so a retry can pick it up,
			// and surface the error rather than swallowing it.
			st.mu.Lock()
			st.pending[action] += amount
			st.mu.Unlock()
			return apperrors.Wrap(apperrors.KindInvariant, err, "flush_all")
		}
	}
	return nil
}
