package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/danielprocop/lifestory-graph/internal/models"
)

// EntityRepository provides access to canonical entities, their aliases and
// their evidence.
type EntityRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewEntityRepository creates a new entity repository.
func NewEntityRepository(db *gorm.DB, readOnlyDB *gorm.DB) *EntityRepository {
	return &EntityRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets an entity by ID.
func (r *EntityRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.CanonicalEntity, error) {
	var entity models.CanonicalEntity
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).First(&entity, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get entity by ID")
	}
	return &entity, nil
}

// GetWithRelations loads an entity together with its aliases and evidence.
func (r *EntityRepository) GetWithRelations(ctx context.Context, id uuid.UUID) (*models.CanonicalEntity, error) {
	var entity models.CanonicalEntity
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).
		Preload("Aliases").
		Preload("Evidence").
		First(&entity, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get entity with relations")
	}
	return &entity, nil
}

// ListByIDs loads entities by ID, preserving no particular order.
func (r *EntityRepository) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]models.CanonicalEntity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var entities []models.CanonicalEntity
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).Where("id IN ?", ids).Find(&entities).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list entities by IDs")
	}
	return entities, nil
}

// LoadOwnerGraph loads every entity and alias of an owner for the resolver
// snapshot.
func (r *EntityRepository) LoadOwnerGraph(ctx context.Context, owner uuid.UUID) ([]models.CanonicalEntity, []models.EntityAlias, error) {
	var entities []models.CanonicalEntity
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).
		Where("owner_id = ?", owner).
		Find(&entities).Error
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load owner entities")
	}

	ids := make([]uuid.UUID, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID)
	}

	var aliases []models.EntityAlias
	if len(ids) > 0 {
		err = r.readOnlyDB.WithContext(ctx).
			Where("entity_id IN ?", ids).
			Find(&aliases).Error
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to load owner aliases")
		}
	}
	return entities, aliases, nil
}

// UpdateKind rewrites an entity's kind.
func (r *EntityRepository) UpdateKind(ctx context.Context, id uuid.UUID, kind string) error {
	err := r.db.WithContext(ctx).
		Model(&models.CanonicalEntity{}).
		Where("id = ?", id).
		Update("kind", kind).Error
	if err != nil {
		return errors.Wrap(err, "failed to update entity kind")
	}
	return nil
}

// AddAlias inserts an alias row, ignoring duplicates on the natural key.
func (r *EntityRepository) AddAlias(ctx context.Context, alias *models.EntityAlias) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(alias).Error
	if err != nil {
		return errors.Wrap(err, "failed to add alias")
	}
	return nil
}

// RemoveAlias deletes the alias with the given normalized form from an
// entity. Removing an alias that does not exist is a no-op.
func (r *EntityRepository) RemoveAlias(ctx context.Context, entityID uuid.UUID, normalized string) error {
	err := r.db.WithContext(ctx).
		Where("entity_id = ? AND normalized_alias = ?", entityID, normalized).
		Delete(&models.EntityAlias{}).Error
	if err != nil {
		return errors.Wrap(err, "failed to remove alias")
	}
	return nil
}

// CountEvidence counts the evidence rows citing an entity. Governance
// previews report it as the blast radius of a change.
func (r *EntityRepository) CountEvidence(ctx context.Context, entityID uuid.UUID) (int64, error) {
	var n int64
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.Evidence{}).
		Where("entity_id = ?", entityID).
		Count(&n).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count evidence")
	}
	return n, nil
}

// EntryIDsCiting returns the distinct entries whose evidence cites any of
// the given entities.
func (r *EntityRepository) EntryIDsCiting(ctx context.Context, entityIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	var ids []uuid.UUID
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.Evidence{}).
		Distinct("entry_id").
		Where("entity_id IN ?", entityIDs).
		Pluck("entry_id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list entries citing entities")
	}
	return ids, nil
}

// EntitiesMatchingToken returns an owner's entities named by the token,
// via canonical name or alias.
func (r *EntityRepository) EntitiesMatchingToken(ctx context.Context, owner uuid.UUID, token string) ([]models.CanonicalEntity, error) {
	var entities []models.CanonicalEntity
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).
		Where("owner_id = ? AND (normalized_name = ? OR id IN (?))",
			owner, token,
			r.readOnlyDB.Model(&models.EntityAlias{}).
				Select("entity_id").
				Where("normalized_alias = ?", token),
		).
		Find(&entities).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list entities matching token")
	}
	return entities, nil
}

// SaveRedirect records a merge redirect.
func (r *EntityRepository) SaveRedirect(ctx context.Context, redirect *models.EntityRedirect) error {
	err := r.db.WithContext(ctx).Create(redirect).Error
	if err != nil {
		return errors.Wrap(err, "failed to save redirect")
	}
	return nil
}

// DeactivateRedirectsByAction flips off every redirect a governance action
// created. Redirects are never deleted.
func (r *EntityRepository) DeactivateRedirectsByAction(ctx context.Context, actionID uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Model(&models.EntityRedirect{}).
		Where("action_id = ?", actionID).
		Update("active", false).Error
	if err != nil {
		return errors.Wrap(err, "failed to deactivate redirects")
	}
	return nil
}

// DeactivateRedirectsFrom flips off the active redirects leaving an entity.
func (r *EntityRepository) DeactivateRedirectsFrom(ctx context.Context, owner, fromEntityID uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Model(&models.EntityRedirect{}).
		Where("owner_id = ? AND from_entity_id = ? AND active = ?", owner, fromEntityID, true).
		Update("active", false).Error
	if err != nil {
		return errors.Wrap(err, "failed to deactivate redirects from entity")
	}
	return nil
}

// ActiveRedirects loads the active redirect map for an owner.
func (r *EntityRepository) ActiveRedirects(ctx context.Context, owner uuid.UUID) ([]models.EntityRedirect, error) {
	var redirects []models.EntityRedirect
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).
		Where("owner_id = ? AND active = ?", owner, true).
		Find(&redirects).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load active redirects")
	}
	return redirects, nil
}
