package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/danielprocop/lifestory-graph/internal/models"
)

// LedgerRepository provides access to memory events, settlements and
// payments.
type LedgerRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewLedgerRepository creates a new ledger repository.
func NewLedgerRepository(db *gorm.DB, readOnlyDB *gorm.DB) *LedgerRepository {
	return &LedgerRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// UpsertEvent stores the memory event of an entry. One event exists per
// (owner, source entry): replaying the entry updates the row in place and
// replaces the participant set wholesale.
func (r *LedgerRepository) UpsertEvent(ctx context.Context, ev *models.MemoryEvent) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.MemoryEvent
		err := tx.Where("owner_id = ? AND source_entry_id = ?", ev.OwnerID, ev.SourceEntryID).
			First(&existing).Error
		switch {
		case err == nil:
			// Keep the stable ID so downstream references survive replays.
			ev.ID = existing.ID
			for i := range ev.Participants {
				ev.Participants[i].EventID = existing.ID
			}
			updates := map[string]any{
				"event_type":  ev.EventType,
				"title":       ev.Title,
				"occurred_at": ev.OccurredAt,
				"total":       ev.Total,
				"my_share":    ev.MyShare,
				"currency":    ev.Currency,
			}
			if err := tx.Model(&models.MemoryEvent{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
				return err
			}
			if err := tx.Where("event_id = ?", existing.ID).Delete(&models.EventParticipant{}).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Omit("Participants").Create(ev).Error; err != nil {
				return err
			}
		default:
			return err
		}

		if len(ev.Participants) > 0 {
			if err := tx.Create(&ev.Participants).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "failed to upsert memory event")
	}
	return nil
}

// EventByEntry gets the memory event derived from an entry, if any.
func (r *LedgerRepository) EventByEntry(ctx context.Context, owner, entryID uuid.UUID) (*models.MemoryEvent, error) {
	var ev models.MemoryEvent
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).
		Preload("Participants").
		Where("owner_id = ? AND source_entry_id = ?", owner, entryID).
		First(&ev).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get event by entry")
	}
	return &ev, nil
}

// EventsForEntity lists the memory events an entity participated in, most
// recent first.
func (r *LedgerRepository) EventsForEntity(ctx context.Context, entityID uuid.UUID) ([]models.MemoryEvent, error) {
	var events []models.MemoryEvent
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).
		Preload("Participants").
		Where("id IN (?)",
			r.readOnlyDB.Model(&models.EventParticipant{}).
				Select("event_id").
				Where("entity_id = ?", entityID),
		).
		Order("occurred_at DESC").
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events for entity")
	}
	return events, nil
}

// UpsertSettlement stores a settlement, keyed by its natural dedup tuple.
// Replaying the same entry finds the existing row and returns it unchanged.
func (r *LedgerRepository) UpsertSettlement(ctx context.Context, s *models.Settlement) (*models.Settlement, error) {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(s).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert settlement")
	}

	var current models.Settlement
	err = r.db.WithContext(ctx).
		Where("owner_id = ? AND source_entry_id = ? AND counterparty_id = ? AND direction = ? AND original_amount = ?",
			s.OwnerID, s.SourceEntryID, s.CounterpartyID, s.Direction, s.OriginalAmount).
		First(&current).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load settlement after upsert")
	}
	return &current, nil
}

// OpenSettlements lists an owner's not-yet-settled obligations toward a
// counterparty in one direction and currency. A payment never crosses
// currencies, whatever the amounts.
func (r *LedgerRepository) OpenSettlements(ctx context.Context, owner, counterparty uuid.UUID, direction, currency string) ([]models.Settlement, error) {
	var settlements []models.Settlement
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).
		Where("owner_id = ? AND counterparty_id = ? AND direction = ? AND currency = ? AND status <> ?",
			owner, counterparty, direction, currency, models.SettlementSettled).
		Order("created_at DESC").
		Find(&settlements).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list open settlements")
	}
	return settlements, nil
}

// SettlementsForEntity lists every settlement against a counterparty,
// settled ones included, most recent first.
func (r *LedgerRepository) SettlementsForEntity(ctx context.Context, entityID uuid.UUID) ([]models.Settlement, error) {
	var settlements []models.Settlement
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).
		Where("counterparty_id = ?", entityID).
		Order("created_at DESC").
		Find(&settlements).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list settlements for entity")
	}
	return settlements, nil
}

// RecordPayment persists a payment and the reduced settlement balance in
// one transaction. A payment already recorded for the same entry and
// amount leaves the settlement untouched.
func (r *LedgerRepository) RecordPayment(ctx context.Context, s *models.Settlement, payment *models.SettlementPayment) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(payment)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Model(&models.Settlement{}).
			Where("id = ?", s.ID).
			Updates(map[string]any{
				"remaining": s.Remaining,
				"status":    s.Status,
			}).Error
	})
	if err != nil {
		return errors.Wrap(err, "failed to record settlement payment")
	}
	return nil
}
