package extract

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/danielprocop/lifestory-graph/internal/models"
)

func TestExtractNamedRoleBinding(t *testing.T) {
	s := Extract("mia madre si chiama Felicia")

	require.Len(t, s.RoleBindings, 1)
	require.Equal(t, "mother_of_user", s.RoleBindings[0].AnchorKey)
	require.Equal(t, "Felicia", s.RoleBindings[0].BoundName)
	// The bound name must not leak into the generic mention scan.
	require.Empty(t, s.Participants)
}

func TestExtractParentheticalBinding(t *testing.T) {
	s := Extract("cena con Adi(fratello), ho speso 100 euro e devo dargli 50 perché ha pagato lui")

	require.Len(t, s.RoleBindings, 1)
	require.Equal(t, "brother_of_user", s.RoleBindings[0].AnchorKey)
	require.Equal(t, "Adi", s.RoleBindings[0].BoundName)

	require.Len(t, s.Participants, 1)
	require.Equal(t, "Adi", s.Participants[0].Name)

	require.NotNil(t, s.Event)
	require.Equal(t, "cena", s.Event.EventType)

	require.NotNil(t, s.Total)
	require.True(t, s.Total.Value.Equal(decimal.NewFromInt(100)))

	require.NotNil(t, s.Settlement)
	require.Equal(t, models.DirectionUserOwes, s.Settlement.Direction)
	require.True(t, s.Settlement.Amount.Equal(decimal.NewFromInt(50)))
	require.Empty(t, s.Settlement.TargetName)

	require.True(t, s.PayerIsOther)
}

func TestExtractBareRoleMention(t *testing.T) {
	s := Extract("oggi sono uscito con mia madre")

	require.Len(t, s.RoleBindings, 1)
	require.Equal(t, "mother_of_user", s.RoleBindings[0].AnchorKey)
	require.Empty(t, s.RoleBindings[0].BoundName)
}

func TestExtractBareNameMention(t *testing.T) {
	s := Extract("oggi Felia ha preso le bambine")

	require.Len(t, s.Participants, 1)
	require.Equal(t, "Felia", s.Participants[0].Name)
	require.Equal(t, "name", s.Participants[0].Source)
}

func TestExtractSkipsSentenceInitialCapitals(t *testing.T) {
	s := Extract("Oggi piove. Domani forse no.")

	require.Empty(t, s.Participants)
	require.Empty(t, s.RoleBindings)
}

func TestExtractParticipantList(t *testing.T) {
	s := Extract("pranzo con Marco, Luca e Giulia al mare")

	require.Len(t, s.Participants, 3)
	require.Equal(t, "Marco", s.Participants[0].Name)
	require.Equal(t, "Luca", s.Participants[1].Name)
	require.Equal(t, "Giulia", s.Participants[2].Name)
	require.NotNil(t, s.Event)
	require.Equal(t, "pranzo", s.Event.EventType)
}

func TestExtractAmounts(t *testing.T) {
	s := Extract("ho comprato un libro, 12,50 euro e poi €30 di benzina")

	require.Len(t, s.Amounts, 2)
	require.True(t, s.Amounts[0].Value.Equal(decimal.RequireFromString("12.5")))
	require.Equal(t, "EUR", s.Amounts[0].Currency)
	require.True(t, s.Amounts[1].Value.Equal(decimal.NewFromInt(30)))
}

func TestExtractSettlementWithExplicitTarget(t *testing.T) {
	s := Extract("devo dare 25 euro a Marco per la benzina")

	require.NotNil(t, s.Settlement)
	require.Equal(t, models.DirectionUserOwes, s.Settlement.Direction)
	require.True(t, s.Settlement.Amount.Equal(decimal.NewFromInt(25)))
	require.Equal(t, "Marco", s.Settlement.TargetName)
}

func TestExtractSettlementOwedToUser(t *testing.T) {
	s := Extract("Luca mi deve 40 euro del concerto")

	require.NotNil(t, s.Settlement)
	require.Equal(t, models.DirectionOwesUser, s.Settlement.Direction)
	require.True(t, s.Settlement.Amount.Equal(decimal.NewFromInt(40)))
	require.Equal(t, "Luca", s.Settlement.TargetName)
}

func TestExtractOutgoingPayment(t *testing.T) {
	s := Extract("ho dato 50 ad Adi")

	require.NotNil(t, s.Payment)
	require.Equal(t, models.DirectionUserOwes, s.Payment.Direction)
	require.True(t, s.Payment.Amount.Equal(decimal.NewFromInt(50)))
	require.Equal(t, "Adi", s.Payment.CounterpartyName)
	require.Nil(t, s.Event)
}

func TestExtractIncomingPayment(t *testing.T) {
	s := Extract("Marco mi ha dato 20 euro")

	require.NotNil(t, s.Payment)
	require.Equal(t, models.DirectionOwesUser, s.Payment.Direction)
	require.Equal(t, "Marco", s.Payment.CounterpartyName)
	require.Equal(t, "EUR", s.Payment.Currency)
}

func TestExtractPaymentInDollars(t *testing.T) {
	s := Extract("ho dato 50 dollari a Marco")

	require.NotNil(t, s.Payment)
	require.Equal(t, models.DirectionUserOwes, s.Payment.Direction)
	require.True(t, s.Payment.Amount.Equal(decimal.NewFromInt(50)))
	require.Equal(t, "Marco", s.Payment.CounterpartyName)
	require.Equal(t, "USD", s.Payment.Currency)
}

func TestExtractSettlementCurrency(t *testing.T) {
	s := Extract("devo dare 25 dollari a Marco")
	require.NotNil(t, s.Settlement)
	require.Equal(t, "USD", s.Settlement.Currency)

	s = Extract("Luca mi deve $40")
	require.NotNil(t, s.Settlement)
	require.Equal(t, "USD", s.Settlement.Currency)
	require.True(t, s.Settlement.Amount.Equal(decimal.NewFromInt(40)))

	// No marker defaults to euro.
	s = Extract("devo dare 25 a Marco")
	require.NotNil(t, s.Settlement)
	require.Equal(t, "EUR", s.Settlement.Currency)
}

func TestExtractNoSignals(t *testing.T) {
	s := Extract("una giornata tranquilla, niente di particolare")

	require.True(t, s.Empty())
}

func TestNormalize(t *testing.T) {
	require.Equal(t, "felicia", Normalize("  Felicia "))
	require.Equal(t, "la mamma", Normalize("La   Mamma"))
	require.Equal(t, "papà", Normalize("PAPÀ"))
}

func TestRoleRegistryAnchorsUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, r := range Roles() {
		require.False(t, seen[r.AnchorKey], "duplicate anchor %s", r.AnchorKey)
		seen[r.AnchorKey] = true
		require.NotEmpty(t, r.Display)
		require.NotEmpty(t, r.Phrases)
	}
}
