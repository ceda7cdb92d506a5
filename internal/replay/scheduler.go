// Package replay reprocesses stored entries after a governance change. A
// scheduler dedupes jobs per owner and feeds an in-process queue; workers
// drain the queue and drive the entry pipeline.
package replay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/danielprocop/lifestory-graph/internal/models"
)

// JobStore is the slice of the replay repository the scheduler and workers
// need.
type JobStore interface {
	Enqueue(ctx context.Context, job *models.FeedbackReplayJob) (*models.FeedbackReplayJob, bool, error)
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	Complete(ctx context.Context, id uuid.UUID, summary []byte) error
	Fail(ctx context.Context, id uuid.UUID, cause string) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.FeedbackReplayJob, error)
	ListQueuedOlderThan(ctx context.Context, cutoff time.Time) ([]models.FeedbackReplayJob, error)
}

// Scheduler enqueues replay jobs. One job per owner may be outstanding:
// enqueueing while a job is queued or running returns the existing job, so
// a burst of governance changes collapses into a single replay.
type Scheduler struct {
	jobs  JobStore
	queue chan uuid.UUID
}

// NewScheduler creates a scheduler with the given dispatch queue capacity.
func NewScheduler(jobs JobStore, queueSize int) *Scheduler {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Scheduler{
		jobs:  jobs,
		queue: make(chan uuid.UUID, queueSize),
	}
}

// EnqueueReplay schedules a replay for an owner. A nil scope replays every
// entry the owner has.
func (s *Scheduler) EnqueueReplay(ctx context.Context, owner uuid.UUID, scope *models.ReplayScope, dryRun bool) (uuid.UUID, error) {
	job := &models.FeedbackReplayJob{
		ID:      uuid.New(),
		OwnerID: owner,
		DryRun:  dryRun,
		Status:  models.JobQueued,
	}
	if scope != nil {
		body, err := json.Marshal(scope)
		if err != nil {
			return uuid.Nil, errors.Wrap(err, "failed to marshal replay scope")
		}
		job.Scope = body
	}

	stored, created, err := s.jobs.Enqueue(ctx, job)
	if err != nil {
		return uuid.Nil, err
	}
	if !created {
		log.Debug().
			Str("owner_id", owner.String()).
			Str("job_id", stored.ID.String()).
			Msg("replay already outstanding for owner")
		return stored.ID, nil
	}

	s.dispatch(stored.ID)
	return stored.ID, nil
}

// Reconcile re-dispatches jobs stuck in queued, typically enqueued by a
// process that died before its workers picked them up.
func (s *Scheduler) Reconcile(ctx context.Context, olderThan time.Duration) error {
	jobs, err := s.jobs.ListQueuedOlderThan(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return err
	}
	for _, j := range jobs {
		log.Info().Str("job_id", j.ID.String()).Msg("re-dispatching stale replay job")
		s.dispatch(j.ID)
	}
	return nil
}

func (s *Scheduler) dispatch(id uuid.UUID) {
	select {
	case s.queue <- id:
	default:
		// The reconcile loop will pick the job up from the database.
		log.Warn().Str("job_id", id.String()).Msg("replay dispatch queue full")
	}
}

// Queue exposes the dispatch channel to the workers.
func (s *Scheduler) Queue() <-chan uuid.UUID {
	return s.queue
}
