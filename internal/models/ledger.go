package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Settlement directions, from the owner's point of view.
const (
	DirectionUserOwes = "user_owes"
	DirectionOwesUser = "owes_user"
)

// Settlement statuses. A settlement only ever moves forward:
// open -> partially_paid -> settled.
const (
	SettlementOpen          = "open"
	SettlementPartiallyPaid = "partially_paid"
	SettlementSettled       = "settled"
)

// Participant roles on a memory event.
const (
	RoleParticipant = "participant"
	RolePayer       = "payer"
)

// MemoryEvent is one occurrence derived from a journal entry: a dinner, a
// trip, a purchase. Exactly one event exists per (owner, source entry), so
// reprocessing an entry updates in place.
type MemoryEvent struct {
	ID            uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt     time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt     gorm.DeletedAt     `gorm:"index" json:"-"`
	OwnerID       uuid.UUID          `gorm:"type:uuid;not null;index:idx_event_owner_entry,unique,priority:1" json:"owner_id"`
	SourceEntryID uuid.UUID          `gorm:"type:uuid;not null;index:idx_event_owner_entry,unique,priority:2" json:"source_entry_id"`
	EventType     string             `gorm:"not null" json:"event_type"`
	Title         string             `gorm:"not null" json:"title"`
	OccurredAt    time.Time          `json:"occurred_at"`
	Total         *decimal.Decimal   `gorm:"type:numeric(14,2)" json:"total,omitempty"`
	MyShare       *decimal.Decimal   `gorm:"type:numeric(14,2)" json:"my_share,omitempty"`
	Currency      string             `json:"currency"`
	Participants  []EventParticipant `gorm:"foreignKey:EventID" json:"participants"`
}

// EventParticipant links a resolved entity to a memory event.
type EventParticipant struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	EventID  uuid.UUID `gorm:"type:uuid;not null;index" json:"event_id"`
	EntityID uuid.UUID `gorm:"type:uuid;not null;index" json:"entity_id"`
	Role     string    `gorm:"not null;default:'participant'" json:"role"`
}

// Settlement is an open financial obligation between the owner and a
// counterparty entity. Status is purely derived from remaining vs original
// and never stored ahead of the amounts.
type Settlement struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	OwnerID        uuid.UUID       `gorm:"type:uuid;not null;index:idx_settlement_dedup,unique,priority:1" json:"owner_id"`
	SourceEntryID  uuid.UUID       `gorm:"type:uuid;not null;index:idx_settlement_dedup,unique,priority:2" json:"source_entry_id"`
	CounterpartyID uuid.UUID       `gorm:"type:uuid;not null;index:idx_settlement_dedup,unique,priority:3" json:"counterparty_id"`
	Direction      string          `gorm:"not null;index:idx_settlement_dedup,unique,priority:4" json:"direction"`
	OriginalAmount decimal.Decimal `gorm:"type:numeric(14,2);not null;index:idx_settlement_dedup,unique,priority:5" json:"original_amount"`
	Remaining      decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"remaining"`
	Currency       string          `gorm:"not null;default:'EUR'" json:"currency"`
	Status         string          `gorm:"not null;default:'open'" json:"status"`
}

// DeriveStatus computes the settlement status from remaining vs original.
func (s *Settlement) DeriveStatus() string {
	switch {
	case s.Remaining.IsZero():
		return SettlementSettled
	case s.Remaining.LessThan(s.OriginalAmount):
		return SettlementPartiallyPaid
	default:
		return SettlementOpen
	}
}

// SettlementPayment is one payment applied to a settlement. The
// (settlement, entry, amount) tuple makes replays of the same entry no-ops.
type SettlementPayment struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	SettlementID uuid.UUID       `gorm:"type:uuid;not null;index:idx_payment_dedup,unique,priority:1" json:"settlement_id"`
	EntryID      uuid.UUID       `gorm:"type:uuid;not null;index:idx_payment_dedup,unique,priority:2" json:"entry_id"`
	Amount       decimal.Decimal `gorm:"type:numeric(14,2);not null;index:idx_payment_dedup,unique,priority:3" json:"amount"`
}
