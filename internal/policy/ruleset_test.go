package policy

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/danielprocop/lifestory-graph/internal/models"
)

func action(owner *uuid.UUID, scope, actionType, payload string, version int64, at time.Time) models.FeedbackAction {
	return models.FeedbackAction{
		ID:            uuid.New(),
		CreatedAt:     at,
		OwnerID:       owner,
		Scope:         scope,
		ActionType:    actionType,
		Status:        models.StatusActive,
		PolicyVersion: version,
		Payload:       []byte(payload),
	}
}

func TestCompileIsDeterministicAcrossInputOrder(t *testing.T) {
	owner := uuid.New()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	a := action(nil, models.ScopeGlobal, ActionTokenTypeOverride, `{"token":"vespa","kind":"vehicle"}`, 1, base)
	b := action(nil, models.ScopeGlobal, ActionTokenTypeOverride, `{"token":"vespa","kind":"brand"}`, 2, base.Add(time.Hour))

	forward := Compile(owner, 2, []models.FeedbackAction{a, b})
	reversed := Compile(owner, 2, []models.FeedbackAction{b, a})

	require.Equal(t, "brand", forward.TypeOverrides["vespa"], "the later action wins")
	require.Equal(t, forward.TypeOverrides, reversed.TypeOverrides)
}

func TestCompileSkipsRevertedAndForeignActions(t *testing.T) {
	owner := uuid.New()
	other := uuid.New()
	now := time.Now()

	reverted := action(nil, models.ScopeGlobal, ActionBlockToken, `{"token":"inoltre"}`, 1, now)
	reverted.Status = models.StatusReverted
	foreign := action(&other, models.ScopeUser, ActionBlockToken, `{"token":"poi"}`, 2, now)
	mine := action(&owner, models.ScopeUser, ActionBlockToken, `{"token":"quindi"}`, 3, now)

	rs := Compile(owner, 3, []models.FeedbackAction{reverted, foreign, mine})

	require.False(t, rs.TokenBlocked("inoltre", AppliesToAny))
	require.False(t, rs.TokenBlocked("poi", AppliesToAny))
	require.True(t, rs.TokenBlocked("quindi", AppliesToAny))
}

func TestTokenBlockedScopes(t *testing.T) {
	owner := uuid.New()
	now := time.Now()
	rs := Compile(owner, 2, []models.FeedbackAction{
		action(nil, models.ScopeGlobal, ActionBlockToken, `{"token":"ieri"}`, 1, now),
		action(nil, models.ScopeGlobal, ActionBlockToken, `{"token":"correre","applies_to":"PERSON"}`, 2, now),
	})

	require.True(t, rs.TokenBlocked("ieri", AppliesToPerson), "ANY blocks every class")
	require.True(t, rs.TokenBlocked("ieri", AppliesToGoal))
	require.True(t, rs.TokenBlocked("correre", AppliesToPerson))
	require.False(t, rs.TokenBlocked("correre", AppliesToGoal))
}

func TestCompileSkipsMalformedPayload(t *testing.T) {
	owner := uuid.New()
	rs := Compile(owner, 1, []models.FeedbackAction{
		action(nil, models.ScopeGlobal, ActionBlockToken, `{not json`, 1, time.Now()),
	})
	require.Empty(t, rs.BlockedAny)
}

func TestResolveRedirectChain(t *testing.T) {
	owner := uuid.New()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	now := time.Now()

	rs := Compile(owner, 2, []models.FeedbackAction{
		action(&owner, models.ScopeUser, ActionRedirectAdd,
			`{"source_id":"`+a.String()+`","target_id":"`+b.String()+`"}`, 1, now),
		action(&owner, models.ScopeUser, ActionRedirectAdd,
			`{"source_id":"`+b.String()+`","target_id":"`+c.String()+`"}`, 2, now),
	})

	require.Equal(t, c, rs.ResolveRedirect(a), "chains resolve transitively")
	require.Equal(t, c, rs.ResolveRedirect(b))
	require.Equal(t, c, rs.ResolveRedirect(c))
}

func TestResolveRedirectCycleTerminates(t *testing.T) {
	owner := uuid.New()
	a, b := uuid.New(), uuid.New()
	now := time.Now()

	rs := Compile(owner, 2, []models.FeedbackAction{
		action(&owner, models.ScopeUser, ActionRedirectAdd,
			`{"source_id":"`+a.String()+`","target_id":"`+b.String()+`"}`, 1, now),
		action(&owner, models.ScopeUser, ActionRedirectAdd,
			`{"source_id":"`+b.String()+`","target_id":"`+a.String()+`"}`, 2, now),
	})

	// A corrupted log must not hang; where it stops is unspecified.
	got := rs.ResolveRedirect(a)
	require.Contains(t, []uuid.UUID{a, b}, got)
}

func TestRedirectRemoveUndoesEarlierAdd(t *testing.T) {
	owner := uuid.New()
	a, b := uuid.New(), uuid.New()
	now := time.Now()

	rs := Compile(owner, 2, []models.FeedbackAction{
		action(&owner, models.ScopeUser, ActionRedirectAdd,
			`{"source_id":"`+a.String()+`","target_id":"`+b.String()+`"}`, 1, now),
		action(&owner, models.ScopeUser, ActionRedirectRemove,
			`{"source_id":"`+a.String()+`"}`, 2, now),
	})

	require.Equal(t, a, rs.ResolveRedirect(a))
}

func TestMatchForceLinkProximity(t *testing.T) {
	owner := uuid.New()
	target := uuid.New()
	now := time.Now()

	rs := Compile(owner, 1, []models.FeedbackAction{
		action(&owner, models.ScopeUser, ActionForceLink,
			`{"pattern":"rocky","pattern_kind":"NORMALIZED","entity_id":"`+target.String()+`","near_token":"cane","near_window":30}`,
			1, now),
	})

	got, ok := rs.MatchForceLink("Rocky", "ho portato fuori il cane Rocky")
	require.True(t, ok)
	require.Equal(t, target, got)

	_, ok = rs.MatchForceLink("Rocky", "ho incontrato Rocky al lavoro, poi molto piu tardi ho visto un cane")
	require.False(t, ok, "the anchor token is outside the window")
}

func TestMatchPatternRule(t *testing.T) {
	owner := uuid.New()
	now := time.Now()

	rs := Compile(owner, 3, []models.FeedbackAction{
		action(nil, models.ScopeGlobal, ActionPatternRule, `{"pattern":"inoltre","effect":"block"}`, 1, now),
		action(nil, models.ScopeGlobal, ActionPatternRule, `{"pattern_kind":"EXACT","pattern":"BMW","effect":"brand"}`, 2, now),
		action(nil, models.ScopeGlobal, ActionPatternRule, `{"pattern_kind":"REGEX","pattern":"(?i)^monte\\s","effect":"place"}`, 3, now),
	})

	// No pattern kind matches normalized, case insensitively.
	effect, ok := rs.MatchPatternRule("Inoltre")
	require.True(t, ok)
	require.Equal(t, EffectBlock, effect)

	effect, ok = rs.MatchPatternRule("BMW")
	require.True(t, ok)
	require.Equal(t, "brand", effect)
	_, ok = rs.MatchPatternRule("bmw")
	require.False(t, ok, "EXACT is case sensitive")

	effect, ok = rs.MatchPatternRule("Monte Bianco")
	require.True(t, ok)
	require.Equal(t, "place", effect)

	_, ok = rs.MatchPatternRule("Marco")
	require.False(t, ok)
}

func TestCompileRequestValidation(t *testing.T) {
	owner := uuid.New()

	_, err := compileRequest(Request{Template: "NOT_A_TEMPLATE", OwnerID: owner})
	require.ErrorIs(t, err, ErrUnknownTemplate)

	_, err = compileRequest(Request{Template: models.TemplateBlockToken, OwnerID: owner})
	require.ErrorIs(t, err, ErrMissingField)

	id := uuid.New()
	_, err = compileRequest(Request{
		Template: models.TemplateMergeEntities,
		OwnerID:  owner,
		Payload:  RequestPayload{SourceID: id, TargetID: id},
	})
	require.ErrorIs(t, err, ErrSelfMerge)

	drafts, err := compileRequest(Request{
		Template: models.TemplateBlockToken,
		OwnerID:  owner,
		Payload:  RequestPayload{Token: "inoltre"},
	})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	require.Equal(t, models.ScopeGlobal, drafts[0].Scope)
	require.Equal(t, AppliesToAny, drafts[0].Payload.AppliesTo)

	drafts, err = compileRequest(Request{
		Template: models.TemplateMergeEntities,
		OwnerID:  owner,
		Payload:  RequestPayload{SourceID: uuid.New(), TargetID: uuid.New()},
	})
	require.NoError(t, err)
	require.Equal(t, models.ScopeUser, drafts[0].Scope)
	require.Equal(t, ActionRedirectAdd, drafts[0].ActionType)
}

func TestMergeableKind(t *testing.T) {
	require.True(t, MergeableKind(models.KindPerson))
	require.True(t, MergeableKind(models.SuppressKind(models.KindPerson)))
	require.False(t, MergeableKind(models.KindEmotion))
}
