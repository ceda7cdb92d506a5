package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/danielprocop/lifestory-graph/internal/models"
)

// ReplayRepository provides access to feedback replay jobs.
type ReplayRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewReplayRepository creates a new replay repository.
func NewReplayRepository(db *gorm.DB, readOnlyDB *gorm.DB) *ReplayRepository {
	return &ReplayRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Enqueue creates a replay job for an owner unless one is already queued or
// running, in which case the outstanding job is returned and no new one is
// created.
func (r *ReplayRepository) Enqueue(ctx context.Context, job *models.FeedbackReplayJob) (*models.FeedbackReplayJob, bool, error) {
	var result *models.FeedbackReplayJob
	created := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var outstanding models.FeedbackReplayJob
		err := tx.Where("owner_id = ? AND status IN ?", job.OwnerID, []string{models.JobQueued, models.JobRunning}).
			Order("created_at ASC").
			First(&outstanding).Error
		switch {
		case err == nil:
			result = &outstanding
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(job).Error; err != nil {
				return err
			}
			result = job
			created = true
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to enqueue replay job")
	}
	return result, created, nil
}

// Claim moves a queued job to running. The status guard in the update makes
// two workers racing for the same job resolve to a single winner.
func (r *ReplayRepository) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&models.FeedbackReplayJob{}).
		Where("id = ? AND status = ?", id, models.JobQueued).
		Updates(map[string]any{
			"status":     models.JobRunning,
			"started_at": now,
		})
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "failed to claim replay job")
	}
	return res.RowsAffected > 0, nil
}

// Complete marks a running job completed with its result summary.
func (r *ReplayRepository) Complete(ctx context.Context, id uuid.UUID, summary []byte) error {
	now := time.Now()
	err := r.db.WithContext(ctx).
		Model(&models.FeedbackReplayJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      models.JobCompleted,
			"summary":     summary,
			"finished_at": now,
		}).Error
	if err != nil {
		return errors.Wrap(err, "failed to complete replay job")
	}
	return nil
}

// Fail marks a running job failed with the captured error. Failed jobs are
// never retried automatically.
func (r *ReplayRepository) Fail(ctx context.Context, id uuid.UUID, cause string) error {
	now := time.Now()
	err := r.db.WithContext(ctx).
		Model(&models.FeedbackReplayJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      models.JobFailed,
			"error":       cause,
			"finished_at": now,
		}).Error
	if err != nil {
		return errors.Wrap(err, "failed to fail replay job")
	}
	return nil
}

// GetByID gets a replay job by ID.
func (r *ReplayRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.FeedbackReplayJob, error) {
	var job models.FeedbackReplayJob
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get replay job")
	}
	return &job, nil
}

// ListQueuedOlderThan returns queued jobs created before the cutoff. The
// reconcile loop uses it to pick up jobs enqueued by a process that died
// before dispatching them.
func (r *ReplayRepository) ListQueuedOlderThan(ctx context.Context, cutoff time.Time) ([]models.FeedbackReplayJob, error) {
	var jobs []models.FeedbackReplayJob
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.JobQueued, cutoff).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale queued replay jobs")
	}
	return jobs, nil
}
