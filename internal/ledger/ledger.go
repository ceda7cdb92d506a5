// Package ledger derives memory events, settlements, and payments from
// extracted entry signals. Everything here is pure: persistence and
// idempotence live in the repositories, orchestration in the service.
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/danielprocop/lifestory-graph/internal/extract"
	"github.com/danielprocop/lifestory-graph/internal/models"
)

// DeriveEvent builds the memory event for an entry that carries an event
// cue. Total comes from the explicit "ho speso" phrase when present, else
// from the first currency amount. The owner's share is the settlement
// amount when the entry is a two-party split and the amount fits inside the
// total; otherwise the total splits evenly across everyone present,
// including the owner.
func DeriveEvent(entry *models.Entry, sig *extract.Signals, participants []uuid.UUID, payer *uuid.UUID) *models.MemoryEvent {
	if sig.Event == nil {
		return nil
	}

	ev := &models.MemoryEvent{
		ID:            uuid.New(),
		OwnerID:       entry.OwnerID,
		SourceEntryID: entry.ID,
		EventType:     sig.Event.EventType,
		Title:         sig.Event.Keyword,
		OccurredAt:    occurredAt(entry),
		Currency:      currency(sig),
	}

	if total, ok := eventTotal(sig); ok {
		ev.Total = &total
		share := myShare(total, sig, participants)
		ev.MyShare = &share
	}

	for _, id := range participants {
		role := models.RoleParticipant
		if payer != nil && *payer == id {
			role = models.RolePayer
		}
		ev.Participants = append(ev.Participants, models.EventParticipant{
			ID:       uuid.New(),
			EventID:  ev.ID,
			EntityID: id,
			Role:     role,
		})
	}
	return ev
}

func occurredAt(entry *models.Entry) time.Time {
	if entry.OccurredAt != nil {
		return *entry.OccurredAt
	}
	return entry.CreatedAt
}

func currency(sig *extract.Signals) string {
	if sig.Total != nil {
		return sig.Total.Currency
	}
	if len(sig.Amounts) > 0 {
		return sig.Amounts[0].Currency
	}
	if sig.Settlement != nil {
		return sig.Settlement.Currency
	}
	return "EUR"
}

func eventTotal(sig *extract.Signals) (decimal.Decimal, bool) {
	if sig.Total != nil {
		return sig.Total.Value, true
	}
	if len(sig.Amounts) > 0 {
		return sig.Amounts[0].Value, true
	}
	return decimal.Decimal{}, false
}

// myShare computes the owner's share of an event total. When the entry
// also states a settlement with the sole other participant and that amount
// fits inside the total, the stated amount wins over an even split.
func myShare(total decimal.Decimal, sig *extract.Signals, participants []uuid.UUID) decimal.Decimal {
	if sig.Settlement != nil && len(participants) == 1 &&
		sig.Settlement.Amount.LessThanOrEqual(total) {
		return sig.Settlement.Amount
	}
	heads := int64(len(participants) + 1)
	return total.Div(decimal.NewFromInt(heads)).Round(2)
}

// Counterparty picks the entity a settlement or payment refers to. An
// explicit target always wins; with no target the sole other participant
// is the implied counterparty, and more than one makes the phrase too
// ambiguous to act on.
func Counterparty(target *uuid.UUID, participants []uuid.UUID) (uuid.UUID, bool) {
	if target != nil {
		return *target, true
	}
	if len(participants) == 1 {
		return participants[0], true
	}
	return uuid.Nil, false
}

// DeriveSettlement builds the settlement row for an entry's settlement
// signal. Remaining starts at the original amount; status is derived, never
// assigned.
func DeriveSettlement(entry *models.Entry, sig *extract.SettlementSignal, counterparty uuid.UUID) *models.Settlement {
	s := &models.Settlement{
		ID:             uuid.New(),
		OwnerID:        entry.OwnerID,
		SourceEntryID:  entry.ID,
		CounterpartyID: counterparty,
		Direction:      sig.Direction,
		OriginalAmount: sig.Amount,
		Remaining:      sig.Amount,
		Currency:       sig.Currency,
	}
	s.Status = s.DeriveStatus()
	return s
}

// MatchPayment picks which open settlement a payment applies to:
//
//  1. a unique settlement whose remaining equals the payment exactly;
//  2. among several exact matches, one whose original amount also equals
//     the payment, most recent first;
//  3. else the settlement with the smallest remaining that still covers
//     the payment, most recent on ties.
//
// Two candidates that tie on every criterion make the payment too
// ambiguous to apply, and it is dropped rather than guessed.
func MatchPayment(open []models.Settlement, amount decimal.Decimal) (*models.Settlement, bool) {
	var exact []models.Settlement
	for _, s := range open {
		if s.Remaining.Equal(amount) {
			exact = append(exact, s)
		}
	}
	if len(exact) == 1 {
		return &exact[0], true
	}
	if len(exact) > 1 {
		var full []models.Settlement
		for _, s := range exact {
			if s.OriginalAmount.Equal(amount) {
				full = append(full, s)
			}
		}
		if len(full) == 0 {
			full = exact
		}
		return mostRecent(full, amount)
	}

	var covering []models.Settlement
	for _, s := range open {
		if s.Remaining.GreaterThan(amount) {
			covering = append(covering, s)
		}
	}
	if len(covering) == 0 {
		return nil, false
	}

	smallest := covering[0].Remaining
	for _, s := range covering[1:] {
		if s.Remaining.LessThan(smallest) {
			smallest = s.Remaining
		}
	}
	var closest []models.Settlement
	for _, s := range covering {
		if s.Remaining.Equal(smallest) {
			closest = append(closest, s)
		}
	}
	return mostRecent(closest, amount)
}

// mostRecent breaks a tie by creation time. A residual tie on the exact
// same timestamp stays ambiguous.
func mostRecent(candidates []models.Settlement, amount decimal.Decimal) (*models.Settlement, bool) {
	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].CreatedAt.After(candidates[best].CreatedAt) {
			best = i
		}
	}
	for i, s := range candidates {
		if i != best && s.CreatedAt.Equal(candidates[best].CreatedAt) {
			log.Debug().
				Str("amount", amount.String()).
				Msg("payment matches multiple settlements, dropping")
			return nil, false
		}
	}
	return &candidates[best], true
}

// ApplyPayment reduces a settlement by the payment amount, flooring the
// remaining balance at zero, and returns the payment row to persist. The
// settlement's status is re-derived from the new balance.
func ApplyPayment(s *models.Settlement, entryID uuid.UUID, amount decimal.Decimal) models.SettlementPayment {
	s.Remaining = s.Remaining.Sub(amount)
	if s.Remaining.IsNegative() {
		s.Remaining = decimal.Zero
	}
	s.Status = s.DeriveStatus()

	return models.SettlementPayment{
		ID:           uuid.New(),
		SettlementID: s.ID,
		EntryID:      entryID,
		Amount:       amount,
	}
}
