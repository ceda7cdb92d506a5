package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/danielprocop/lifestory-graph/internal/models"
)

// PolicyRepository provides access to the governance action log, cases and
// policy versions.
type PolicyRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewPolicyRepository creates a new policy repository.
func NewPolicyRepository(db *gorm.DB, readOnlyDB *gorm.DB) *PolicyRepository {
	return &PolicyRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// ActionsForOwner loads the full action log relevant to one owner: every
// GLOBAL action plus the owner's USER actions, in fold order. Reverted
// actions are included; the compiler skips them, keeping the ordering
// stable across reverts.
func (r *PolicyRepository) ActionsForOwner(ctx context.Context, owner uuid.UUID) ([]models.FeedbackAction, error) {
	var actions []models.FeedbackAction
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).
		Where("scope = ? OR (scope = ? AND owner_id = ?)", models.ScopeGlobal, models.ScopeUser, owner).
		Order("policy_version ASC, created_at ASC").
		Find(&actions).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load policy actions")
	}
	return actions, nil
}

// CurrentVersion returns the latest committed policy version, zero when no
// governance change has ever been applied.
func (r *PolicyRepository) CurrentVersion(ctx context.Context) (int64, error) {
	var version int64
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.PolicyVersion{}).
		Select("COALESCE(MAX(version), 0)").
		Scan(&version).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to get current policy version")
	}
	return version, nil
}

// CommitCase allocates the next policy version and persists the case with
// its actions in one transaction. The unique index on version turns a
// concurrent allocation into a constraint error instead of a fork.
func (r *PolicyRepository) CommitCase(ctx context.Context, c *models.FeedbackCase, note string) (int64, error) {
	var version int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var max int64
		err := tx.Model(&models.PolicyVersion{}).
			Select("COALESCE(MAX(version), 0)").
			Scan(&max).Error
		if err != nil {
			return err
		}
		version = max + 1

		if err := tx.Create(&models.PolicyVersion{
			ID:      uuid.New(),
			Version: version,
			Note:    note,
		}).Error; err != nil {
			return err
		}

		c.PolicyVersion = version
		for i := range c.Actions {
			c.Actions[i].PolicyVersion = version
		}
		return tx.Create(c).Error
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to commit governance case")
	}
	return version, nil
}

// GetCase loads a case with its actions.
func (r *PolicyRepository) GetCase(ctx context.Context, id uuid.UUID) (*models.FeedbackCase, error) {
	var c models.FeedbackCase
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).
		Preload("Actions").
		First(&c, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get governance case")
	}
	return &c, nil
}

// RevertCase flips a case and its actions to REVERTED under a freshly
// allocated policy version, so replay consumers see the change as a new
// point in the log.
func (r *PolicyRepository) RevertCase(ctx context.Context, id uuid.UUID, note string) (int64, error) {
	var version int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var max int64
		err := tx.Model(&models.PolicyVersion{}).
			Select("COALESCE(MAX(version), 0)").
			Scan(&max).Error
		if err != nil {
			return err
		}
		version = max + 1

		if err := tx.Create(&models.PolicyVersion{
			ID:      uuid.New(),
			Version: version,
			Note:    note,
		}).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.FeedbackCase{}).
			Where("id = ?", id).
			Update("status", models.StatusReverted).Error; err != nil {
			return err
		}
		return tx.Model(&models.FeedbackAction{}).
			Where("case_id = ?", id).
			Update("status", models.StatusReverted).Error
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to revert governance case")
	}
	return version, nil
}

// SummaryByTemplate counts an owner's active cases per template.
func (r *PolicyRepository) SummaryByTemplate(ctx context.Context, owner uuid.UUID) (map[string]int64, error) {
	type row struct {
		Template string
		N        int64
	}
	var rows []row
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.FeedbackCase{}).
		Select("template, COUNT(*) AS n").
		Where("owner_id = ? AND status = ?", owner, models.StatusActive).
		Group("template").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to summarize governance cases")
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Template] = r.N
	}
	return out, nil
}
