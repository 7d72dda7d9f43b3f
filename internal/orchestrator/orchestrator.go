// Package orchestrator wires the whole sync pipeline together for one
// SyncJob (spec.md §4.4 / SPEC_FULL.md §2.18): pull a batch from the
// source, resolve actions, run collection dedup, chunk + embed content,
// dispatch to destinations, publish progress, and — once the source is
// exhausted — persist the cursor, clean up orphans, and finalize the
// job. Startup wiring, goroutine supervision, and graceful shutdown
// follow the teacher's cmd/server/main.go lifecycle (open dependencies,
// log.Fatal on failure, select on a done channel, close everything on
// the way out).
package orchestrator

import (
	"context"
	"io"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/airweave-ai/airweave-core/internal/aclpipeline"
	"github.com/airweave-ai/airweave-core/internal/apperrors"
	"github.com/airweave-ai/airweave-core/internal/contentprocessor"
	"github.com/airweave-ai/airweave-core/internal/cursorstore"
	"github.com/airweave-ai/airweave-core/internal/destinations"
	"github.com/airweave-ai/airweave-core/internal/entitypipeline"
	"github.com/airweave-ai/airweave-core/internal/progress"
	"github.com/airweave-ai/airweave-core/internal/usageguardrail"
)

// Status mirrors spec.md §3's SyncJob state machine:
// PENDING → RUNNING → {COMPLETED | FAILED | CANCELLING → CANCELLED}.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelling Status = "CANCELLING"
	StatusCancelled  Status = "CANCELLED"
)

// JobStore persists SyncJob status transitions and final counters.
type JobStore interface {
	MarkRunning(ctx context.Context, syncJobID uuid.UUID) error
	MarkTerminal(ctx context.Context, syncJobID uuid.UUID, status Status, counters progress.Counters, errMsg string) error
	RequestCancel(ctx context.Context, syncJobID uuid.UUID) error
	IsCancelling(ctx context.Context, syncJobID uuid.UUID) (bool, error)
}

// Run is one sync job's full configuration: its source connection id,
// the collection it writes into, and every collaborator the pipeline
// needs.
type Run struct {
	SyncJobID          uuid.UUID
	SyncID             uuid.UUID
	SourceConnectionID uuid.UUID
	OrganizationID     uuid.UUID
	CollectionID       string

	Source      entitypipeline.Source
	Lookup      entitypipeline.ExistingLookup
	CollDedup   entitypipeline.CollectionDedup
	Processor   *contentprocessor.Processor
	Dispatcher  *destinations.Dispatcher
	CursorStore *cursorstore.Store
	Jobs        JobStore
	Publisher   *progress.Publisher

	// EmbeddingStore backs the collection-embedding-immutability check
	// (spec.md §4.4.3 step 1, testable property 9); nil skips the check
	// (e.g. a test run with no collection store wired up).
	EmbeddingStore contentprocessor.CollectionEmbeddingStore

	// Guardrail buffers per-organization usage increments for processed
	// entities (spec.md §4.6); nil skips usage accounting entirely.
	Guardrail *usageguardrail.Guardrail

	// ACL optionally drives a parallel AccessControlPipeline sync right
	// after the entity sync succeeds (spec.md §2 "a parallel
	// AccessControlPipeline mirrors membership tuples... using the same
	// orchestrator"). Nil skips it entirely — not every source exposes
	// an ACL surface.
	ACL *ACLRun
}

// ACLRun is the access-control counterpart of a Run: spec.md §4.5's
// full/incremental membership mirror for the same source connection,
// driven once the entity sync's batch loop finishes without error.
type ACLRun struct {
	Pipeline           *aclpipeline.Pipeline
	Source             aclpipeline.MembershipSource
	SourceConnectionID string
}

// Orchestrator drives Run executions. It has no state of its own beyond
// the retry policy; every Run call is independent, mirroring spec.md's
// "each SyncJob maps to one execution" framing without committing to
// any specific durable-workflow runtime (§3 Non-goals).
type Orchestrator struct {
	retry RetryPolicy
}

func New(retry RetryPolicy) *Orchestrator {
	return &Orchestrator{retry: retry}
}

// Execute runs one sync job to completion, returning the error (if
// any) that failed it. Once the job has been marked RUNNING, its
// terminal status is persisted before Execute returns, even on failure
// or cancellation; if MarkRunning itself fails, Execute returns that
// error and records no terminal status.
func (o *Orchestrator) Execute(ctx context.Context, run Run) error {
	if err := run.Jobs.MarkRunning(ctx, run.SyncJobID); err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "mark sync job running")
	}

	cursor, err := run.CursorStore.Load(ctx, run.SourceConnectionID)
	if err != nil {
		o.fail(ctx, run, err)
		return err
	}

	keep := map[string]bool{}
	var batchErr error

loop:
	for {
		cancelling, err := run.Jobs.IsCancelling(ctx, run.SyncJobID)
		if err != nil {
			batchErr = err
			break loop
		}
		if cancelling {
			break loop
		}

		cancelled, err := run.Source.CheckCancelled(ctx)
		if err != nil {
			batchErr = err
			break loop
		}
		if cancelled {
			break loop
		}

		var batch []entitypipeline.Entity
		err = Retry(ctx, o.retry, func() error {
			var innerErr error
			batch, innerErr = run.Source.Next(ctx, &cursor)
			return innerErr
		})
		if err == io.EOF {
			break loop
		}
		if err != nil {
			batchErr = err
			break loop
		}

		if err := o.processBatch(ctx, run, batch, keep); err != nil {
			batchErr = err
			break loop
		}
	}

	if batchErr == nil && run.ACL != nil {
		// Best-effort: an ACL failure never fails the entity sync job
		// that already succeeded (the two pipelines are parallel, per
		// spec.md §2), but it is loud in the logs since a silent ACL
		// failure means stale/wrong permissions.
		result, err := run.ACL.Pipeline.Run(ctx, run.ACL.Source, run.ACL.SourceConnectionID, cursorACLReader{cursor})
		if err != nil {
			log.Error().Err(err).Str("sync_job_id", run.SyncJobID.String()).Msg("access-control sync failed")
		} else if result.HasCookie {
			cursor.Set(cursorstore.ACLDirsyncCookie, result.NewCookie)
		}
	}

	if err := run.CursorStore.Save(ctx, run.SourceConnectionID, cursor); err != nil {
		log.Error().Err(err).Str("sync_job_id", run.SyncJobID.String()).Msg("failed to persist sync cursor")
	}

	if batchErr != nil {
		o.fail(ctx, run, batchErr)
		return batchErr
	}

	cancelling, _ := run.Jobs.IsCancelling(ctx, run.SyncJobID)
	if cancelling {
		run.Publisher.Flush(ctx)
		o.flushUsage(ctx, run)
		_ = run.Jobs.MarkTerminal(ctx, run.SyncJobID, StatusCancelled, run.Publisher.Snapshot(), "")
		return nil
	}

	if err := run.Dispatcher.CleanupOrphans(ctx, run.CollectionID, run.SyncID.String(), keep); err != nil {
		log.Error().Err(err).Str("sync_job_id", run.SyncJobID.String()).Msg("orphan cleanup failed")
	}

	run.Publisher.Flush(ctx)
	flushErr := o.flushUsage(ctx, run)
	if err := run.Jobs.MarkTerminal(ctx, run.SyncJobID, StatusCompleted, run.Publisher.Snapshot(), ""); err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "mark sync job completed")
	}
	// The job is already recorded COMPLETED above — the entities it
	// wrote are real — but testable property 10 requires the caller to
	// receive a flush failure rather than have it swallowed silently.
	return flushErr
}

// flushUsage flushes every pending usage-guardrail bucket for the run's
// organization (spec.md §4.6, testable property 10: "the caller MUST
// NOT swallow flush errors silently"). A nil Guardrail (no usage
// accounting wired for this run) is a no-op.
func (o *Orchestrator) flushUsage(ctx context.Context, run Run) error {
	if run.Guardrail == nil {
		return nil
	}
	if err := run.Guardrail.FlushAll(ctx, run.OrganizationID); err != nil {
		log.Error().Err(err).Str("sync_job_id", run.SyncJobID.String()).Msg("failed to flush usage guardrail")
		return err
	}
	return nil
}

// cursorACLReader adapts the entity sync's already-loaded cursor to
// aclpipeline.CursorReader, so the ACL pipeline's mode selection reads
// the same cursor blob the entity sync is about to persist.
type cursorACLReader struct {
	cursor cursorstore.Cursor
}

func (c cursorACLReader) Cookie() (string, bool) {
	v, ok := c.cursor.Get(cursorstore.ACLDirsyncCookie)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func (c cursorACLReader) FullRefreshRequested() bool {
	v, ok := c.cursor.Get("acl_full_refresh")
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func (o *Orchestrator) fail(ctx context.Context, run Run, cause error) {
	run.Publisher.Flush(ctx)
	o.flushUsage(ctx, run)
	msg := apperrors.Sanitize(cause)
	if err := run.Jobs.MarkTerminal(ctx, run.SyncJobID, StatusFailed, run.Publisher.Snapshot(), msg); err != nil {
		log.Error().Err(err).Str("sync_job_id", run.SyncJobID.String()).Msg("failed to record sync job failure")
	}
}

// processBatch implements one batch's worth of spec.md §4.4.1-4.4.4:
// resolve actions against the existing store, apply collection-level
// dedup, chunk+embed insert/update content, and dispatch to
// destinations. keep accumulates every entity_id seen this run for the
// end-of-sync orphan pass.
func (o *Orchestrator) processBatch(ctx context.Context, run Run, batch []entitypipeline.Entity, keep map[string]bool) error {
	items, err := entitypipeline.ResolveActions(ctx, run.SyncID, batch, run.Lookup)
	if err != nil {
		return apperrors.SyncFailure(err, "resolve batch actions")
	}

	if run.CollDedup != nil {
		if err := entitypipeline.ApplyCollectionDedup(ctx, uuidFromString(run.CollectionID), items, run.CollDedup); err != nil {
			return apperrors.SyncFailure(err, "apply collection dedup")
		}
	}

	needsContent := false
	for _, it := range items {
		if it.Action == entitypipeline.ActionInsert || it.Action == entitypipeline.ActionUpdate {
			needsContent = true
			break
		}
	}
	if needsContent && run.EmbeddingStore != nil {
		// spec.md §4.4.3 step 1 / testable property 9: a collection whose
		// stamped embedding model or dimension has drifted must fail
		// fatally before any INSERT/UPDATE content is built or written.
		if err := contentprocessor.ValidateEmbeddingConfig(ctx, run.CollectionID, run.Processor.DenseEmbedder(), run.EmbeddingStore); err != nil {
			return err
		}
	}

	var processable []contentprocessor.ProcessableEntity
	for _, it := range items {
		keep[it.Entity.EntityID] = true
		if it.Action == entitypipeline.ActionInsert || it.Action == entitypipeline.ActionUpdate {
			if it.SkipContentHandlers {
				continue
			}
			processable = append(processable, contentprocessor.ProcessableEntity{
				EntityID: it.Entity.EntityID,
				Fields:   it.Entity.Payload,
			})
		}
	}

	var chunksByEntity map[string][]contentprocessor.ChunkEntity
	if len(processable) > 0 {
		results, err := run.Processor.Process(ctx, processable)
		if err != nil {
			return apperrors.SyncFailure(err, "content processing")
		}
		chunksByEntity = make(map[string][]contentprocessor.ChunkEntity, len(results))
		for _, r := range results {
			if !r.Skipped {
				chunksByEntity[r.EntityID] = r.Chunks
			}
		}
	}

	writeBatch := destinations.BuildWriteBatch(run.SyncID.String(), items, chunksByEntity)
	if err := run.Dispatcher.Dispatch(ctx, run.CollectionID, run.SyncID.String(), writeBatch, items); err != nil {
		return err // already an apperrors.SyncFailure from the dispatcher
	}

	var inserted, updated, deleted, kept, skipped int64
	for _, it := range items {
		switch it.Action {
		case entitypipeline.ActionInsert:
			inserted++
		case entitypipeline.ActionUpdate:
			updated++
		case entitypipeline.ActionDelete:
			deleted++
		case entitypipeline.ActionKeep:
			kept++
		}
	}
	if run.Guardrail != nil {
		// spec.md §2 data-flow / §4.6: usage accounting sits at the same
		// pipeline stage as progress tracking, buffered per processed
		// entity rather than flushed synchronously per batch.
		if stored := inserted + updated; stored > 0 {
			if err := run.Guardrail.Increment(ctx, run.OrganizationID, usageguardrail.ActionEntities, stored); err != nil {
				return apperrors.SyncFailure(err, "increment entity usage")
			}
		}
		if deleted > 0 {
			if err := run.Guardrail.Decrement(ctx, run.OrganizationID, usageguardrail.ActionEntities, deleted); err != nil {
				return apperrors.SyncFailure(err, "decrement entity usage")
			}
		}
	}

	entityDefinitionID := ""
	if len(items) > 0 {
		entityDefinitionID = items[0].Entity.EntityDefinitionID
	}
	return run.Publisher.Record(ctx, entityDefinitionID, inserted, updated, deleted, kept, skipped)
}

func uuidFromString(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// RetryPolicy governs the retry-with-backoff-and-jitter behavior spec.md
// §4.4.6 requires for transient provider errors: baseline 3-5 attempts,
// cap 30s. Adapted from r3e-network-service_layer's
// internal/app/core/service.RetryPolicy/Retry, which has the same
// attempts/initial-backoff/max-backoff/multiplier shape but no jitter;
// jitter is added here since spec.md explicitly calls for it.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy matches spec.md §4.4.6's documented baseline.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
	}
}

// Retry runs fn under policy, retrying only apperrors marked retryable
// (§4.4.6 "non-retryable credential errors... never retry"). Non-EOF,
// non-retryable errors and io.EOF both return immediately.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 1
	}
	backoff := policy.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if err == io.EOF {
			return err
		}
		lastErr = err
		if !apperrors.IsRetryable(err) {
			return err
		}
		if attempt == policy.Attempts {
			break
		}

		wait := backoff
		if wait > 0 {
			// Full jitter: sleep a uniformly random duration in [0, wait].
			jittered := time.Duration(rand.Int63n(int64(wait) + 1))
			select {
			case <-time.After(jittered):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		next := time.Duration(float64(backoff) * policy.Multiplier)
		if policy.MaxBackoff > 0 && next > policy.MaxBackoff {
			next = policy.MaxBackoff
		}
		backoff = next
	}
	return lastErr
}
