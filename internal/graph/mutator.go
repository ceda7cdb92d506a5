package graph

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/danielprocop/lifestory-graph/internal/extract"
	"github.com/danielprocop/lifestory-graph/internal/models"
)

// Mutator applies batches against the write database.
type Mutator struct {
	db *gorm.DB
}

// NewMutator creates a new graph mutator.
func NewMutator(db *gorm.DB) *Mutator {
	return &Mutator{db: db}
}

// Apply writes a batch in one transaction and recomputes the display card
// of every touched entity. Alias and evidence inserts rely on their natural
// unique keys, so reapplying the same batch is a no-op.
func (m *Mutator) Apply(ctx context.Context, batch *Batch) error {
	if batch.Empty() {
		return nil
	}

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, e := range batch.NewEntities {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(e).Error; err != nil {
				return errors.Wrap(err, "failed to create entity")
			}
		}

		if len(batch.NewAliases) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(batch.NewAliases).Error; err != nil {
				return errors.Wrap(err, "failed to create aliases")
			}
		}

		if len(batch.NewEvidence) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(batch.NewEvidence).Error; err != nil {
				return errors.Wrap(err, "failed to append evidence")
			}
		}

		for id, name := range batch.NameChanges {
			err := tx.Model(&models.CanonicalEntity{}).
				Where("id = ?", id).
				Updates(map[string]interface{}{
					"name":            name,
					"normalized_name": extract.Normalize(name),
				}).Error
			if err != nil {
				return errors.Wrap(err, "failed to update entity name")
			}
		}

		for id, kind := range batch.KindChanges {
			err := tx.Model(&models.CanonicalEntity{}).
				Where("id = ?", id).
				Update("kind", kind).Error
			if err != nil {
				return errors.Wrap(err, "failed to update entity kind")
			}
		}

		if err := m.refreshCards(tx, batch.TouchedIDs()); err != nil {
			return err
		}

		return nil
	})
	if err != nil {
		return errors.Wrap(err, "graph mutation batch failed")
	}

	log.Debug().
		Str("entry_id", batch.EntryID.String()).
		Int("entities", len(batch.NewEntities)).
		Int("aliases", len(batch.NewAliases)).
		Int("evidence", len(batch.NewEvidence)).
		Msg("graph mutation batch applied")

	return nil
}

// RefreshCards recomputes cards outside a batch, e.g. after a governance
// side effect touched entities directly.
func (m *Mutator) RefreshCards(ctx context.Context, entityIDs []uuid.UUID) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return m.refreshCards(tx, entityIDs)
	})
}

func (m *Mutator) refreshCards(tx *gorm.DB, entityIDs []uuid.UUID) error {
	if len(entityIDs) == 0 {
		return nil
	}

	var entities []models.CanonicalEntity
	if err := tx.Where("id IN ?", entityIDs).Find(&entities).Error; err != nil {
		return errors.Wrap(err, "failed to load entities for card refresh")
	}

	var aliases []models.EntityAlias
	if err := tx.Where("entity_id IN ?", entityIDs).Find(&aliases).Error; err != nil {
		return errors.Wrap(err, "failed to load aliases for card refresh")
	}
	byEntity := map[uuid.UUID][]models.EntityAlias{}
	for _, a := range aliases {
		byEntity[a.EntityID] = append(byEntity[a.EntityID], a)
	}

	for i := range entities {
		card := BuildCard(&entities[i], byEntity[entities[i].ID])
		if card == entities[i].Card {
			continue
		}
		err := tx.Model(&models.CanonicalEntity{}).
			Where("id = ?", entities[i].ID).
			Update("card", card).Error
		if err != nil {
			return errors.Wrap(err, "failed to update entity card")
		}
	}

	return nil
}
