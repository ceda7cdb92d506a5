package extract

import (
	"github.com/shopspring/decimal"
)

// RoleBinding is a family-role mention found in an entry: a bare role
// phrase, a "<role> is named <Name>" binding, or a parenthetical tag
// "<Name>(<role phrase>)".
type RoleBinding struct {
	AnchorKey  string
	RolePhrase string
	BoundName  string // empty for a bare mention
	Snippet    string
}

// Mention is a candidate person name observed in an entry.
type Mention struct {
	Name    string
	Snippet string
	Source  string // "participant", "binding", "ai_hint"
}

// Amount is a currency-tagged amount found in the text.
type Amount struct {
	Value    decimal.Decimal
	Currency string
	Snippet  string
}

// EventSignal marks an entry as describing an occurrence (a meal, an
// outing, a purchase) keyed by the cue word that matched.
type EventSignal struct {
	EventType string
	Keyword   string
}

// SettlementSignal is an "I owe X" / "X owes me" phrase. TargetName is empty
// when the debtor/creditor is only implied; downstream falls back to the
// sole other participant.
type SettlementSignal struct {
	Direction  string // models.DirectionUserOwes or models.DirectionOwesUser
	Amount     decimal.Decimal
	Currency   string
	TargetName string
	Snippet    string
}

// PaymentSignal is an "I gave X to Y" / "Y gave me X" phrase.
type PaymentSignal struct {
	Direction        string // direction of the settlement the payment applies to
	Amount           decimal.Decimal
	Currency         string
	CounterpartyName string
	Snippet          string
}

// Signals is everything the extractor found in one entry. Any subset may be
// present; an empty Signals is a perfectly valid result.
type Signals struct {
	RoleBindings []RoleBinding
	Participants []Mention
	Event        *EventSignal
	Amounts      []Amount
	Total        *Amount
	Settlement   *SettlementSignal
	Payment      *PaymentSignal
	PayerName    string // explicit payer name, if any
	PayerIsOther bool   // "ha pagato lui": the sole other participant paid
}

// Empty reports whether nothing at all was extracted.
func (s *Signals) Empty() bool {
	return len(s.RoleBindings) == 0 && len(s.Participants) == 0 &&
		s.Event == nil && len(s.Amounts) == 0 && s.Settlement == nil && s.Payment == nil
}
