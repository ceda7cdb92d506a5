package policy

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/danielprocop/lifestory-graph/internal/models"
)

// Merge validation errors.
var (
	ErrCrossOwnerMerge = errors.New("cannot merge entities of different owners")
	ErrKindMismatch    = errors.New("cannot merge entities of different kinds")
	ErrNotMergeable    = errors.New("entity kind is not mergeable")
)

// PolicyStore is the slice of the policy repository governance needs.
type PolicyStore interface {
	ActionsForOwner(ctx context.Context, owner uuid.UUID) ([]models.FeedbackAction, error)
	CurrentVersion(ctx context.Context) (int64, error)
	CommitCase(ctx context.Context, c *models.FeedbackCase, note string) (int64, error)
	GetCase(ctx context.Context, id uuid.UUID) (*models.FeedbackCase, error)
	RevertCase(ctx context.Context, id uuid.UUID, note string) (int64, error)
	SummaryByTemplate(ctx context.Context, owner uuid.UUID) (map[string]int64, error)
}

// EntityStore is the slice of the entity repository governance needs for
// synchronous side effects and impact estimation.
type EntityStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.CanonicalEntity, error)
	UpdateKind(ctx context.Context, id uuid.UUID, kind string) error
	AddAlias(ctx context.Context, alias *models.EntityAlias) error
	RemoveAlias(ctx context.Context, entityID uuid.UUID, normalized string) error
	CountEvidence(ctx context.Context, entityID uuid.UUID) (int64, error)
	EntryIDsCiting(ctx context.Context, entityIDs []uuid.UUID) ([]uuid.UUID, error)
	EntitiesMatchingToken(ctx context.Context, owner uuid.UUID, token string) ([]models.CanonicalEntity, error)
	SaveRedirect(ctx context.Context, redirect *models.EntityRedirect) error
	DeactivateRedirectsByAction(ctx context.Context, actionID uuid.UUID) error
	DeactivateRedirectsFrom(ctx context.Context, owner, fromEntityID uuid.UUID) error
	ActiveRedirects(ctx context.Context, owner uuid.UUID) ([]models.EntityRedirect, error)
}

// EntryStore is the slice of the entry repository governance needs.
type EntryStore interface {
	FindIDsMatching(ctx context.Context, owner uuid.UUID, token string) ([]uuid.UUID, error)
}

// ReplayEnqueuer hands a replay job to the scheduler.
type ReplayEnqueuer interface {
	EnqueueReplay(ctx context.Context, owner uuid.UUID, scope *models.ReplayScope, dryRun bool) (uuid.UUID, error)
}

// CardRefresher recomputes search cards after a side effect touched an
// entity outside the normal mutation path.
type CardRefresher interface {
	RefreshCards(ctx context.Context, entityIDs []uuid.UUID) error
}

// Impact is a preview's estimate of a change's blast radius.
type Impact struct {
	Template      string      `json:"template"`
	Actions       []string    `json:"actions"`
	Entities      int64       `json:"entities"`
	Evidence      int64       `json:"evidence"`
	ReplayEntries int         `json:"replay_entries"`
	ReplayWhole   bool        `json:"replay_whole_owner"`
	EntityIDs     []uuid.UUID `json:"entity_ids,omitempty"`
}

// ApplyResult reports what a committed case produced.
type ApplyResult struct {
	CaseID        uuid.UUID `json:"case_id"`
	PolicyVersion int64     `json:"policy_version"`
	ReplayJobID   uuid.UUID `json:"replay_job_id"`
}

// Governance turns curator requests into the versioned action log, runs
// the synchronous side effects, and schedules the asynchronous replay.
type Governance struct {
	policies PolicyStore
	entities EntityStore
	entries  EntryStore
	cache    *Cache
	replay   ReplayEnqueuer
	cards    CardRefresher
}

// NewGovernance wires the governance service.
func NewGovernance(policies PolicyStore, entities EntityStore, entries EntryStore, cache *Cache, replay ReplayEnqueuer, cards CardRefresher) *Governance {
	return &Governance{
		policies: policies,
		entities: entities,
		entries:  entries,
		cache:    cache,
		replay:   replay,
		cards:    cards,
	}
}

// Preview validates a request and estimates its impact without changing any
// state. The same validation runs again on apply.
func (g *Governance) Preview(ctx context.Context, req Request) (*Impact, error) {
	drafts, err := compileRequest(req)
	if err != nil {
		return nil, err
	}
	if err := g.validate(ctx, req); err != nil {
		return nil, err
	}

	impact := &Impact{Template: req.Template}
	for _, d := range drafts {
		impact.Actions = append(impact.Actions, d.ActionType)
	}

	scope, whole, err := g.replayScope(ctx, req)
	if err != nil {
		return nil, err
	}
	impact.ReplayWhole = whole
	if scope != nil {
		impact.ReplayEntries = len(scope.EntryIDs)
	}

	switch req.Template {
	case models.TemplateBlockToken, models.TemplateTokenTypeOverride:
		matching, err := g.entities.EntitiesMatchingToken(ctx, req.OwnerID, normalizeToken(req.Payload.Token))
		if err != nil {
			return nil, err
		}
		impact.Entities = int64(len(matching))
		for _, e := range matching {
			impact.EntityIDs = append(impact.EntityIDs, e.ID)
			n, err := g.entities.CountEvidence(ctx, e.ID)
			if err != nil {
				return nil, err
			}
			impact.Evidence += n
		}
	case models.TemplateMergeEntities:
		impact.Entities = 2
		impact.EntityIDs = []uuid.UUID{req.Payload.SourceID, req.Payload.TargetID}
		for _, id := range impact.EntityIDs {
			n, err := g.entities.CountEvidence(ctx, id)
			if err != nil {
				return nil, err
			}
			impact.Evidence += n
		}
	case models.TemplateEntityTypeFix, models.TemplateAddAlias, models.TemplateRemoveAlias, models.TemplateForceLink:
		impact.Entities = 1
		impact.EntityIDs = []uuid.UUID{req.Payload.EntityID}
		n, err := g.entities.CountEvidence(ctx, req.Payload.EntityID)
		if err != nil {
			return nil, err
		}
		impact.Evidence = n
	}
	return impact, nil
}

// Apply commits a request: validation, version allocation, case + action
// rows, synchronous side effects, cache invalidation, and exactly one
// replay job. Validation failures reject the request before any write.
func (g *Governance) Apply(ctx context.Context, req Request) (*ApplyResult, error) {
	drafts, err := compileRequest(req)
	if err != nil {
		return nil, err
	}
	if err := g.validate(ctx, req); err != nil {
		return nil, err
	}

	c, err := g.buildCase(req, drafts)
	if err != nil {
		return nil, err
	}
	version, err := g.policies.CommitCase(ctx, c, req.Note)
	if err != nil {
		return nil, err
	}

	touched, err := g.sideEffects(ctx, req, c)
	if err != nil {
		// The action log is committed; the replay will reconcile whatever
		// the synchronous pass could not finish.
		log.Error().Err(err).Str("case_id", c.ID.String()).Msg("governance side effects incomplete")
	}
	if len(touched) > 0 {
		if err := g.cards.RefreshCards(ctx, touched); err != nil {
			log.Warn().Err(err).Msg("failed to refresh entity cards after governance apply")
		}
	}

	g.cache.Invalidate(ctx, req.OwnerID, globalTemplate(req.Template))

	scope, whole, err := g.replayScope(ctx, req)
	if err != nil {
		return nil, err
	}
	if whole {
		scope = nil
	}
	jobID, err := g.replay.EnqueueReplay(ctx, req.OwnerID, scope, false)
	if err != nil {
		return nil, errors.Wrap(err, "failed to schedule replay")
	}

	log.Info().
		Str("case_id", c.ID.String()).
		Str("template", req.Template).
		Int64("policy_version", version).
		Msg("governance case applied")

	return &ApplyResult{CaseID: c.ID, PolicyVersion: version, ReplayJobID: jobID}, nil
}

// Revert flips a case and its actions to REVERTED under a new policy
// version, deactivates any redirects the case created, and schedules a
// replay to unwind the derived state.
func (g *Governance) Revert(ctx context.Context, caseID uuid.UUID, note string) (*ApplyResult, error) {
	c, err := g.policies.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	version, err := g.policies.RevertCase(ctx, caseID, note)
	if err != nil {
		return nil, err
	}

	for _, a := range c.Actions {
		if a.ActionType == ActionRedirectAdd {
			if err := g.entities.DeactivateRedirectsByAction(ctx, a.ID); err != nil {
				log.Warn().Err(err).Str("action_id", a.ID.String()).Msg("failed to deactivate redirects on revert")
			}
		}
	}

	g.cache.Invalidate(ctx, c.OwnerID, globalTemplate(c.Template))

	jobID, err := g.replay.EnqueueReplay(ctx, c.OwnerID, nil, false)
	if err != nil {
		return nil, errors.Wrap(err, "failed to schedule replay")
	}

	log.Info().
		Str("case_id", caseID.String()).
		Int64("policy_version", version).
		Msg("governance case reverted")

	return &ApplyResult{CaseID: caseID, PolicyVersion: version, ReplayJobID: jobID}, nil
}

// Summary reports an owner's active cases per template and the current
// policy version.
func (g *Governance) Summary(ctx context.Context, owner uuid.UUID) (map[string]int64, int64, error) {
	counts, err := g.policies.SummaryByTemplate(ctx, owner)
	if err != nil {
		return nil, 0, err
	}
	version, err := g.policies.CurrentVersion(ctx)
	if err != nil {
		return nil, 0, err
	}
	return counts, version, nil
}

// validate runs the checks that need live data, beyond what compileRequest
// can see.
func (g *Governance) validate(ctx context.Context, req Request) error {
	if req.Template != models.TemplateMergeEntities {
		return nil
	}

	source, err := g.entities.GetByID(ctx, req.Payload.SourceID)
	if err != nil {
		return errors.Wrap(err, "merge source")
	}
	target, err := g.entities.GetByID(ctx, req.Payload.TargetID)
	if err != nil {
		return errors.Wrap(err, "merge target")
	}

	if source.OwnerID != target.OwnerID || source.OwnerID != req.OwnerID {
		return ErrCrossOwnerMerge
	}
	if models.BaseKind(source.Kind) != models.BaseKind(target.Kind) {
		return ErrKindMismatch
	}
	if !MergeableKind(source.Kind) {
		return ErrNotMergeable
	}
	return nil
}

func (g *Governance) buildCase(req Request, drafts []actionDraft) (*models.FeedbackCase, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal case payload")
	}

	c := &models.FeedbackCase{
		ID:       uuid.New(),
		OwnerID:  req.OwnerID,
		Template: req.Template,
		Status:   models.StatusActive,
		Payload:  payload,
	}
	for _, d := range drafts {
		body, err := d.marshalPayload()
		if err != nil {
			return nil, err
		}
		action := models.FeedbackAction{
			ID:         uuid.New(),
			CaseID:     c.ID,
			Scope:      d.Scope,
			ActionType: d.ActionType,
			Status:     models.StatusActive,
			Payload:    body,
		}
		if d.Scope == models.ScopeUser {
			owner := req.OwnerID
			action.OwnerID = &owner
		}
		c.Actions = append(c.Actions, action)
	}
	return c, nil
}

// sideEffects runs the synchronous safe part of a change. Everything it
// touches is also covered by the replay, so a partial failure here degrades
// to eventual consistency rather than corruption.
func (g *Governance) sideEffects(ctx context.Context, req Request, c *models.FeedbackCase) ([]uuid.UUID, error) {
	var touched []uuid.UUID
	p := req.Payload

	switch req.Template {
	case models.TemplateBlockToken:
		matching, err := g.entities.EntitiesMatchingToken(ctx, req.OwnerID, normalizeToken(p.Token))
		if err != nil {
			return nil, err
		}
		for _, e := range matching {
			if models.IsSuppressedKind(e.Kind) {
				continue
			}
			if err := g.entities.UpdateKind(ctx, e.ID, models.SuppressKind(e.Kind)); err != nil {
				return touched, err
			}
			touched = append(touched, e.ID)
		}

	case models.TemplateTokenTypeOverride:
		matching, err := g.entities.EntitiesMatchingToken(ctx, req.OwnerID, normalizeToken(p.Token))
		if err != nil {
			return nil, err
		}
		for _, e := range matching {
			if err := g.entities.UpdateKind(ctx, e.ID, p.Kind); err != nil {
				return touched, err
			}
			touched = append(touched, e.ID)
		}

	case models.TemplateMergeEntities:
		head, err := g.redirectHead(ctx, req.OwnerID, p.TargetID)
		if err != nil {
			return nil, err
		}
		if head == p.SourceID {
			return nil, ErrSelfMerge
		}
		actionID := c.Actions[0].ID
		err = g.entities.SaveRedirect(ctx, &models.EntityRedirect{
			ID:           uuid.New(),
			OwnerID:      req.OwnerID,
			FromEntityID: p.SourceID,
			ToEntityID:   head,
			ActionID:     &actionID,
			Active:       true,
		})
		if err != nil {
			return nil, err
		}
		touched = append(touched, p.SourceID, head)

	case models.TemplateEntityTypeFix:
		if err := g.entities.UpdateKind(ctx, p.EntityID, p.Kind); err != nil {
			return nil, err
		}
		touched = append(touched, p.EntityID)

	case models.TemplateAddAlias:
		err := g.entities.AddAlias(ctx, &models.EntityAlias{
			ID:              uuid.New(),
			EntityID:        p.EntityID,
			Alias:           p.Alias,
			NormalizedAlias: normalizeToken(p.Alias),
			Type:            models.AliasObservedName,
		})
		if err != nil {
			return nil, err
		}
		touched = append(touched, p.EntityID)

	case models.TemplateRemoveAlias:
		if err := g.entities.RemoveAlias(ctx, p.EntityID, normalizeToken(p.Alias)); err != nil {
			return nil, err
		}
		touched = append(touched, p.EntityID)

	case models.TemplateUndoMerge:
		if err := g.entities.DeactivateRedirectsFrom(ctx, req.OwnerID, p.SourceID); err != nil {
			return nil, err
		}
		touched = append(touched, p.SourceID)
	}
	// FORCE_LINK_RULE and GLOBAL_PATTERN_RULE act only through the ruleset.
	return touched, nil
}

// redirectHead resolves the live redirect chain so a merge always points at
// the surviving canonical entity, never at the middle of a chain.
func (g *Governance) redirectHead(ctx context.Context, owner, id uuid.UUID) (uuid.UUID, error) {
	redirects, err := g.entities.ActiveRedirects(ctx, owner)
	if err != nil {
		return uuid.Nil, err
	}
	chain := make(map[uuid.UUID]uuid.UUID, len(redirects))
	for _, r := range redirects {
		chain[r.FromEntityID] = r.ToEntityID
	}

	visited := map[uuid.UUID]struct{}{id: {}}
	cur := id
	for {
		next, ok := chain[cur]
		if !ok {
			return cur, nil
		}
		if _, seen := visited[next]; seen {
			return cur, nil
		}
		visited[next] = struct{}{}
		cur = next
	}
}

// replayScope bounds the replay of a change to the entries it can affect.
// The bool result reports that the whole owner must be replayed.
func (g *Governance) replayScope(ctx context.Context, req Request) (*models.ReplayScope, bool, error) {
	p := req.Payload
	switch req.Template {
	case models.TemplateBlockToken, models.TemplateTokenTypeOverride:
		ids, err := g.entries.FindIDsMatching(ctx, req.OwnerID, p.Token)
		if err != nil {
			return nil, false, err
		}
		return &models.ReplayScope{EntryIDs: ids}, false, nil

	case models.TemplateAddAlias, models.TemplateRemoveAlias:
		ids, err := g.entries.FindIDsMatching(ctx, req.OwnerID, p.Alias)
		if err != nil {
			return nil, false, err
		}
		return &models.ReplayScope{EntryIDs: ids, EntityIDs: []uuid.UUID{p.EntityID}}, false, nil

	case models.TemplateMergeEntities:
		ids, err := g.entities.EntryIDsCiting(ctx, []uuid.UUID{p.SourceID, p.TargetID})
		if err != nil {
			return nil, false, err
		}
		return &models.ReplayScope{EntryIDs: ids, EntityIDs: []uuid.UUID{p.SourceID, p.TargetID}}, false, nil

	case models.TemplateEntityTypeFix, models.TemplateForceLink:
		ids, err := g.entities.EntryIDsCiting(ctx, []uuid.UUID{p.EntityID})
		if err != nil {
			return nil, false, err
		}
		return &models.ReplayScope{EntryIDs: ids, EntityIDs: []uuid.UUID{p.EntityID}}, false, nil

	case models.TemplateUndoMerge:
		ids, err := g.entities.EntryIDsCiting(ctx, []uuid.UUID{p.SourceID})
		if err != nil {
			return nil, false, err
		}
		return &models.ReplayScope{EntryIDs: ids, EntityIDs: []uuid.UUID{p.SourceID}}, false, nil

	default:
		// Pattern rules can match anywhere; only a full replay is sound.
		return nil, true, nil
	}
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func globalTemplate(template string) bool {
	switch template {
	case models.TemplateBlockToken, models.TemplateTokenTypeOverride, models.TemplatePatternRule:
		return true
	}
	return false
}
