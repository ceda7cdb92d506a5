package replay

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/danielprocop/lifestory-graph/internal/metrics"
	"github.com/danielprocop/lifestory-graph/internal/models"
)

// Pipeline reprocesses one stored entry through the full extract, resolve
// and ledger path.
type Pipeline interface {
	ReprocessEntry(ctx context.Context, entry *models.Entry) error
}

// EntrySource loads the entries a job's scope names.
type EntrySource interface {
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Entry, error)
	ListByOwner(ctx context.Context, owner uuid.UUID) ([]models.Entry, error)
}

// Summary is the jsonb result stored on a completed job.
type Summary struct {
	Entries   int  `json:"entries"`
	Failed    int  `json:"failed"`
	DryRun    bool `json:"dry_run"`
	Cancelled bool `json:"cancelled,omitempty"`
}

// Worker drains the scheduler queue with a pool of goroutines. Jobs run to
// a terminal state and are never retried automatically; a failed replay is
// a curator-visible outcome, not a transient to paper over.
type Worker struct {
	scheduler *Scheduler
	jobs      JobStore
	entries   EntrySource
	pipeline  Pipeline
	workers   int
	metrics   *metrics.Metrics
}

// NewWorker creates a worker pool over the scheduler's queue. Metrics may be
// nil.
func NewWorker(scheduler *Scheduler, jobs JobStore, entries EntrySource, pipeline Pipeline, workers int, m *metrics.Metrics) *Worker {
	if workers <= 0 {
		workers = 2
	}
	return &Worker{
		scheduler: scheduler,
		jobs:      jobs,
		entries:   entries,
		pipeline:  pipeline,
		workers:   workers,
		metrics:   m,
	}
}

// Run blocks draining the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case id := <-w.scheduler.Queue():
					w.runJob(ctx, id)
				}
			}
		})
	}
	return g.Wait()
}

// runJob executes one job end to end. Claiming guards against a job being
// dispatched twice: the loser of the claim simply walks away.
func (w *Worker) runJob(ctx context.Context, id uuid.UUID) {
	claimed, err := w.jobs.Claim(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("job_id", id.String()).Msg("failed to claim replay job")
		return
	}
	if !claimed {
		return
	}
	if w.metrics != nil {
		w.metrics.IncrementCounter(metrics.ReplayJobs)
	}

	job, err := w.jobs.GetByID(ctx, id)
	if err != nil {
		w.fail(ctx, id, err)
		return
	}

	summary, err := w.execute(ctx, job)
	if err != nil {
		w.fail(ctx, id, err)
		return
	}

	body, err := json.Marshal(summary)
	if err != nil {
		w.fail(ctx, id, errors.Wrap(err, "failed to marshal replay summary"))
		return
	}
	if err := w.jobs.Complete(ctx, id, body); err != nil {
		log.Error().Err(err).Str("job_id", id.String()).Msg("failed to complete replay job")
		return
	}
	log.Info().
		Str("job_id", id.String()).
		Int("entries", summary.Entries).
		Bool("dry_run", summary.DryRun).
		Msg("replay job completed")
}

func (w *Worker) execute(ctx context.Context, job *models.FeedbackReplayJob) (*Summary, error) {
	entries, err := w.loadEntries(ctx, job)
	if err != nil {
		return nil, err
	}

	summary := &Summary{DryRun: job.DryRun}
	if job.DryRun {
		// A dry run reports what would be replayed without touching state.
		summary.Entries = len(entries)
		return summary, nil
	}

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			summary.Cancelled = true
			return nil, errors.Wrap(ctx.Err(), "replay cancelled")
		default:
		}

		if err := w.pipeline.ReprocessEntry(ctx, &entry); err != nil {
			summary.Failed++
			log.Warn().Err(err).
				Str("job_id", job.ID.String()).
				Str("entry_id", entry.ID.String()).
				Msg("entry failed during replay")
			continue
		}
		summary.Entries++
	}

	if summary.Failed > 0 && summary.Entries == 0 {
		return nil, errors.Errorf("all %d entries failed", summary.Failed)
	}
	return summary, nil
}

func (w *Worker) loadEntries(ctx context.Context, job *models.FeedbackReplayJob) ([]models.Entry, error) {
	if len(job.Scope) == 0 {
		return w.entries.ListByOwner(ctx, job.OwnerID)
	}

	var scope models.ReplayScope
	if err := json.Unmarshal(job.Scope, &scope); err != nil {
		return nil, errors.Wrap(err, "failed to decode replay scope")
	}
	if len(scope.EntryIDs) == 0 {
		return w.entries.ListByOwner(ctx, job.OwnerID)
	}
	return w.entries.ListByIDs(ctx, scope.EntryIDs)
}

func (w *Worker) fail(ctx context.Context, id uuid.UUID, cause error) {
	log.Error().Err(cause).Str("job_id", id.String()).Msg("replay job failed")
	// The triggering context may already be cancelled; the terminal state
	// still has to land.
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := w.jobs.Fail(ctx, id, cause.Error()); err != nil {
		log.Error().Err(err).Str("job_id", id.String()).Msg("failed to mark replay job failed")
	}
}
