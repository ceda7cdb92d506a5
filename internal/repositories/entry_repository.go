// Package repositories provides gorm-backed data access. Every repository
// carries a write handle and a read-only handle; reads go to the replica.
package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/danielprocop/lifestory-graph/internal/models"
)

// EntryRepository provides access to journal entries.
type EntryRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewEntryRepository creates a new entry repository.
func NewEntryRepository(db *gorm.DB, readOnlyDB *gorm.DB) *EntryRepository {
	return &EntryRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Save stores an entry. Re-delivery of an already stored entry is a no-op.
func (r *EntryRepository) Save(ctx context.Context, entry *models.Entry) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entry).Error
	if err != nil {
		return errors.Wrap(err, "failed to save entry")
	}
	return nil
}

// GetByID gets an entry by ID.
func (r *EntryRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Entry, error) {
	var entry models.Entry
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).First(&entry, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get entry by ID")
	}
	return &entry, nil
}

// ListByIDs loads a set of entries by ID.
func (r *EntryRepository) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Entry, error) {
	var entries []models.Entry
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).Where("id IN ?", ids).Find(&entries).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list entries by IDs")
	}
	return entries, nil
}

// ListByOwner loads every entry of an owner, oldest first, for whole-owner
// replays.
func (r *EntryRepository) ListByOwner(ctx context.Context, owner uuid.UUID) ([]models.Entry, error) {
	var entries []models.Entry
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).
		Where("owner_id = ?", owner).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list entries by owner")
	}
	return entries, nil
}

// FindIDsMatching returns the IDs of an owner's entries whose text contains
// the given token, case-insensitively. Governance previews use it to bound
// the replay set of a token-level change.
func (r *EntryRepository) FindIDsMatching(ctx context.Context, owner uuid.UUID, token string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.Entry{}).
		Where("owner_id = ? AND text ILIKE ?", owner, "%"+token+"%").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to find entries matching token")
	}
	return ids, nil
}
