package orchestrator

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// RunBuilder produces a fresh Run for one scheduled firing — a new
// SyncJobID and a freshly opened Source each time, since a Run is
// single-use.
type RunBuilder func(ctx context.Context) (Run, error)

// Scheduler drives recurring syncs via robfig/cron (SPEC_FULL.md §2.18
// "one spec-compliant choice, not a requirement" per spec.md §3
// Non-goals — no durable workflow engine is mandated). Manual one-shot
// triggers bypass the cron schedule entirely and call TriggerNow.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	orch    *Orchestrator
	entries map[string]cron.EntryID // sync id -> cron entry
}

func NewScheduler(orch *Orchestrator) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		orch:    orch,
		entries: make(map[string]cron.EntryID),
	}
}

func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// Schedule registers a recurring sync under cronExpr (standard 5-field
// cron syntax). Re-scheduling the same syncID replaces its prior entry.
func (s *Scheduler) Schedule(syncID, cronExpr string, build RunBuilder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[syncID]; ok {
		s.cron.Remove(existing)
		delete(s.entries, syncID)
	}

	id, err := s.cron.AddFunc(cronExpr, func() {
		ctx := context.Background()
		if err := s.runOnce(ctx, build); err != nil {
			log.Error().Err(err).Str("sync_id", syncID).Msg("scheduled sync failed")
		}
	})
	if err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "invalid cron schedule")
	}
	s.entries[syncID] = id
	return nil
}

// Unschedule removes a recurring sync's cron entry (spec.md §3 "Deleting
// a Sync must cancel any PENDING/RUNNING jobs and delete attached
// external schedules").
func (s *Scheduler) Unschedule(syncID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[syncID]; ok {
		s.cron.Remove(id)
		delete(s.entries, syncID)
	}
}

// TriggerNow runs one sync job immediately, outside the cron schedule.
func (s *Scheduler) TriggerNow(ctx context.Context, build RunBuilder) error {
	return s.runOnce(ctx, build)
}

func (s *Scheduler) runOnce(ctx context.Context, build RunBuilder) error {
	run, err := build(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "build sync run")
	}
	return s.orch.Execute(ctx, run)
}
