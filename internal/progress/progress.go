// Package progress implements the sync progress publisher spec.md
// §4.4.5 describes: a per-sync counter buffer that publishes to the
// event bus (and, for multi-process deployments, Redis) once the
// total number of buffered operations since the last publish reaches a
// threshold. It adapts the mutex-guarded buffered-counter discipline
// of internal/usageguardrail (itself generalized from the teacher's
// TokenBucket) from "usage vs. a plan limit" to "counters vs. a
// publish threshold."
package progress

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
	"github.com/airweave-ai/airweave-core/internal/eventbus"
)

// Counters is the running total for one sync job. EntityCounts is keyed
// by entity_definition_id and published as absolute counts on a second
// topic, per spec.md §4.4.5 ("Entity-type totals are published
// separately as absolute counts").
type Counters struct {
	Inserted     int64
	Updated      int64
	Deleted      int64
	Kept         int64
	Skipped      int64
	EntityCounts map[string]int64
}

func (c Counters) total() int64 {
	return c.Inserted + c.Updated + c.Deleted + c.Kept + c.Skipped
}

// Tick is the payload published on eventbus.TopicSyncProgressTick.
type Tick struct {
	SyncJobID string   `json:"sync_job_id"`
	Counters  Counters `json:"counters"`
}

// EntityCountsMessage is the payload published on
// eventbus.TopicSyncEntityCounts.
type EntityCountsMessage struct {
	SyncJobID    string           `json:"sync_job_id"`
	EntityCounts map[string]int64 `json:"entity_counts"`
}

// DefaultPublishThreshold matches spec.md §4.4.5's documented default;
// callers may override per spec.md §9's Open Question 1 resolution
// (Config.PublishThreshold).
const DefaultPublishThreshold = 3

// Publisher buffers counter increments under a lock and publishes to
// the event bus once the buffered delta since the last publish
// reaches Threshold. One Publisher exists per in-flight sync job.
type Publisher struct {
	mu        sync.Mutex
	syncJobID string
	threshold int64
	pending   int64 // operations buffered since last publish
	counters  Counters
	bus       *eventbus.Bus
	rdb       *redis.Client // optional, for multi-process fan-out
}

func New(bus *eventbus.Bus, rdb *redis.Client, syncJobID string, threshold int64) *Publisher {
	if threshold <= 0 {
		threshold = DefaultPublishThreshold
	}
	return &Publisher{
		syncJobID: syncJobID,
		threshold: threshold,
		counters:  Counters{EntityCounts: map[string]int64{}},
		bus:       bus,
		rdb:       rdb,
	}
}

// Record increments the buffered counters for one resolved action and
// publishes a tick once the threshold is reached.
func (p *Publisher) Record(ctx context.Context, entityDefinitionID string, inserted, updated, deleted, kept, skipped int64) error {
	p.mu.Lock()
	p.counters.Inserted += inserted
	p.counters.Updated += updated
	p.counters.Deleted += deleted
	p.counters.Kept += kept
	p.counters.Skipped += skipped
	if entityDefinitionID != "" {
		p.counters.EntityCounts[entityDefinitionID] += inserted + updated + deleted + kept + skipped
	}
	delta := inserted + updated + deleted + kept + skipped
	p.pending += delta
	shouldPublish := p.pending >= p.threshold
	if shouldPublish {
		p.pending = 0
	}
	snapshot := p.snapshotLocked()
	p.mu.Unlock()

	if shouldPublish {
		return p.publish(ctx, snapshot)
	}
	return nil
}

// Flush force-publishes whatever is currently buffered, regardless of
// threshold — called once at sync termination (spec.md §4.4.5) so the
// final counters are never lost below the threshold.
func (p *Publisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	p.pending = 0
	snapshot := p.snapshotLocked()
	p.mu.Unlock()
	return p.publish(ctx, snapshot)
}

func (p *Publisher) snapshotLocked() Counters {
	entityCounts := make(map[string]int64, len(p.counters.EntityCounts))
	for k, v := range p.counters.EntityCounts {
		entityCounts[k] = v
	}
	c := p.counters
	c.EntityCounts = entityCounts
	return c
}

func (p *Publisher) publish(ctx context.Context, counters Counters) error {
	p.bus.Publish(eventbus.Event{
		Topic:   eventbus.TopicSyncProgressTick,
		Payload: Tick{SyncJobID: p.syncJobID, Counters: counters},
	})
	p.bus.Publish(eventbus.Event{
		Topic:   eventbus.TopicSyncEntityCounts,
		Payload: EntityCountsMessage{SyncJobID: p.syncJobID, EntityCounts: counters.EntityCounts},
	})

	if p.rdb == nil {
		return nil
	}
	raw, err := json.Marshal(Tick{SyncJobID: p.syncJobID, Counters: counters})
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "marshal progress tick")
	}
	if err := p.rdb.Publish(ctx, "sync:progress:"+p.syncJobID, raw).Err(); err != nil {
		return apperrors.Wrap(apperrors.KindRemoteProvider, err, "publish progress tick to redis").AsRetryable()
	}
	return nil
}

// Snapshot returns the current counters without resetting the pending
// buffer, for callers that want a read without forcing a publish
// (e.g. a status endpoint).
func (p *Publisher) Snapshot() Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}
