// Package resolve maps extracted name mentions onto canonical entities:
// exact match first, then guarded fuzzy match, then creation. The live
// policy ruleset is consulted before any heuristic runs.
package resolve

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/xrash/smetrics"

	"github.com/danielprocop/lifestory-graph/internal/extract"
	"github.com/danielprocop/lifestory-graph/internal/graph"
	"github.com/danielprocop/lifestory-graph/internal/models"
	"github.com/danielprocop/lifestory-graph/internal/policy"
)

// Fuzzy-match guard rails. A candidate below minScore never merges; a best
// candidate within margin of the runner-up never merges either. The margin
// deliberately biases toward creating a new entity over a wrong merge.
const (
	minScore = 0.90
	margin   = 0.04
)

// Evidence types appended by the resolver.
const (
	EvidenceMention = "mention"
	EvidenceBinding = "name_binding"
)

// Match rationales recorded on evidence rows.
const (
	MatchExact      = "exact"
	MatchFuzzy      = "fuzzy"
	MatchRoleAnchor = "role_anchor"
	MatchForced     = "forced"
	MatchNew        = "new"
)

// Resolver resolves the mentions of one entry against an owner snapshot,
// accumulating graph mutations in a batch. It is not safe for concurrent
// use; one resolver serves one entry.
type Resolver struct {
	snap    *Snapshot
	rules   *policy.Ruleset
	entry   *models.Entry
	batch   *graph.Batch
	anchors []*Entity // entities introduced via role-anchor context in this entry
}

// NewResolver creates a resolver for one entry.
func NewResolver(snap *Snapshot, rules *policy.Ruleset, entry *models.Entry) *Resolver {
	return &Resolver{
		snap:  snap,
		rules: rules,
		entry: entry,
		batch: graph.NewBatch(snap.OwnerID, entry.ID),
	}
}

// Batch returns the accumulated mutations.
func (r *Resolver) Batch() *graph.Batch {
	return r.batch
}

// ResolveSignals walks every signal of the entry in a stable order: role
// bindings first, so a bare name later in the same entry can fuzzy-match
// the freshly bound anchor entity. It returns the resolved entity per
// participant mention, in input order, skipping blocked mentions.
func (r *Resolver) ResolveSignals(signals *extract.Signals) map[string]*Entity {
	for _, rb := range signals.RoleBindings {
		r.ResolveRoleBinding(rb)
	}

	resolved := map[string]*Entity{}
	for _, m := range signals.Participants {
		if e, ok := r.ResolvePerson(m); ok {
			resolved[extract.Normalize(m.Name)] = e
		}
	}
	return resolved
}

// ResolveRoleBinding fetches or creates the anchor entity for a family-role
// mention and, when the binding carries a name, attaches it.
func (r *Resolver) ResolveRoleBinding(rb extract.RoleBinding) *Entity {
	role, ok := extract.RoleByAnchor(rb.AnchorKey)
	if !ok {
		return nil
	}

	entity, found := r.snap.ByAnchor(rb.AnchorKey)
	if !found {
		entity = r.createAnchor(role, rb)
	}
	r.rememberAnchor(entity)

	r.addEvidence(entity, EvidenceMention, rb.Snippet, MatchRoleAnchor, 1.0)
	r.addAlias(entity, rb.RolePhrase, models.AliasRolePhrase)

	if rb.BoundName != "" {
		r.bindName(entity, role, rb)
	}

	return entity
}

// bindName attaches an observed name to an anchor entity. The canonical
// name is overwritten only while it still equals the role's default
// display name: an anchor that already earned a real name keeps it.
func (r *Resolver) bindName(entity *Entity, role extract.Role, rb extract.RoleBinding) {
	r.addAlias(entity, rb.BoundName, models.AliasObservedName)
	r.addEvidence(entity, EvidenceBinding, rb.Snippet, MatchRoleAnchor, 1.0)

	current := entity.Record.Name
	if pending, ok := r.batch.NameChanges[entity.Record.ID]; ok {
		current = pending
	}
	if current == role.Display {
		r.batch.SetName(entity.Record.ID, rb.BoundName)
		entity.Record.Name = rb.BoundName
		entity.Record.NormalizedName = extract.Normalize(rb.BoundName)
	}
}

// ResolvePerson resolves a single person mention. The bool result is false
// when the mention is blocked by policy and no entity should exist for it.
func (r *Resolver) ResolvePerson(m extract.Mention) (*Entity, bool) {
	norm := extract.Normalize(m.Name)
	if norm == "" {
		return nil, false
	}

	if r.rules.TokenBlocked(norm, policy.AppliesToPerson) {
		log.Debug().Str("token", norm).Msg("mention dropped by token block")
		return nil, false
	}

	if effect, ok := r.rules.MatchPatternRule(m.Name); ok && effect == policy.EffectBlock {
		log.Debug().Str("token", norm).Msg("mention dropped by pattern rule")
		return nil, false
	}

	if target, ok := r.rules.MatchForceLink(m.Name, r.entry.Text); ok {
		if e := r.entityByID(target); e != nil {
			r.addAlias(e, m.Name, models.AliasObservedName)
			r.addEvidence(e, EvidenceMention, m.Snippet, MatchForced, 1.0)
			return r.applyKindOverride(e), true
		}
	}

	if target, ok := r.rules.AliasMap[norm]; ok {
		if e := r.entityByID(target); e != nil {
			r.addEvidence(e, EvidenceMention, m.Snippet, MatchExact, 1.0)
			return r.applyKindOverride(e), true
		}
	}

	if e, ok := r.snap.ByName(norm); ok && e.Record.Kind == models.KindPerson {
		canonical := r.redirect(e)
		r.addAlias(canonical, m.Name, models.AliasObservedName)
		r.addEvidence(canonical, EvidenceMention, m.Snippet, MatchExact, 1.0)
		return r.applyKindOverride(canonical), true
	}

	if e, score, ok := r.fuzzyMatch(norm, r.snap.Persons()); ok {
		canonical := r.redirect(e)
		r.addAlias(canonical, m.Name, models.AliasObservedTypo)
		r.addEvidence(canonical, EvidenceMention, m.Snippet, MatchFuzzy, score)
		return r.applyKindOverride(canonical), true
	}

	if e, score, ok := r.fuzzyMatch(norm, r.anchors); ok {
		canonical := r.redirect(e)
		r.addAlias(canonical, m.Name, models.AliasObservedTypo)
		r.addEvidence(canonical, EvidenceMention, m.Snippet, MatchFuzzy, score)
		return r.applyKindOverride(canonical), true
	}

	return r.createPerson(m, norm), true
}

// applyKindOverride re-types a resolved entity when the ruleset carries a
// correction for it, so replays converge on the corrected kind.
func (r *Resolver) applyKindOverride(e *Entity) *Entity {
	if kind, ok := r.rules.KindOverrides[e.Record.ID]; ok && kind != e.Record.Kind {
		e.Record.Kind = kind
		r.batch.SetKind(e.Record.ID, kind)
	}
	return e
}

// fuzzyMatch scores the mention against every name and alias of the given
// candidates. It accepts only a best score of at least minScore that is
// either the unique candidate above threshold or ahead of the runner-up by
// at least the margin.
func (r *Resolver) fuzzyMatch(norm string, candidates []*Entity) (*Entity, float64, bool) {
	var best, second float64
	var bestEntity *Entity

	for _, e := range candidates {
		score := 0.0
		for _, name := range e.Names() {
			if s := similarity(norm, name); s > score {
				score = s
			}
		}
		switch {
		case score > best:
			second = best
			best = score
			bestEntity = e
		case score > second:
			second = score
		}
	}

	if bestEntity == nil || best < minScore {
		return nil, 0, false
	}
	if second >= minScore && best-second < margin {
		log.Debug().
			Str("mention", norm).
			Float64("best", best).
			Float64("second", second).
			Msg("ambiguous fuzzy match, creating new entity instead")
		return nil, 0, false
	}
	return bestEntity, best, true
}

// similarity is Jaro-Winkler, which already carries the shared-prefix bonus.
func similarity(a, b string) float64 {
	return smetrics.JaroWinkler(a, b, 0.7, 4)
}

func (r *Resolver) createAnchor(role extract.Role, rb extract.RoleBinding) *Entity {
	anchorKey := role.AnchorKey
	rec := &models.CanonicalEntity{
		ID:             uuid.New(),
		OwnerID:        r.snap.OwnerID,
		Kind:           models.KindPerson,
		Name:           role.Display,
		NormalizedName: extract.Normalize(role.Display),
		AnchorKey:      &anchorKey,
	}
	e := &Entity{Record: rec}
	r.batch.AddEntity(rec)
	r.snap.add(e)

	for _, phrase := range role.Phrases {
		r.addAlias(e, phrase, models.AliasRolePhrase)
	}
	return e
}

func (r *Resolver) createPerson(m extract.Mention, norm string) *Entity {
	kind := models.KindPerson
	if forced, ok := r.rules.TypeOverrides[norm]; ok {
		kind = forced
	} else if effect, ok := r.rules.MatchPatternRule(m.Name); ok && effect != policy.EffectBlock {
		kind = effect
	}

	rec := &models.CanonicalEntity{
		ID:             uuid.New(),
		OwnerID:        r.snap.OwnerID,
		Kind:           kind,
		Name:           m.Name,
		NormalizedName: norm,
	}
	e := &Entity{Record: rec}
	r.batch.AddEntity(rec)
	r.snap.add(e)

	// The canonical name is carried in the alias table too, typed as such.
	canonical := models.EntityAlias{
		ID:              uuid.New(),
		EntityID:        rec.ID,
		Alias:           m.Name,
		NormalizedAlias: norm,
		Type:            models.AliasCanonical,
	}
	r.batch.AddAlias(&canonical)
	e.Aliases = append(e.Aliases, canonical)

	r.addEvidence(e, EvidenceMention, m.Snippet, MatchNew, 1.0)
	return e
}

func (r *Resolver) addAlias(e *Entity, alias, aliasType string) {
	norm := extract.Normalize(alias)
	if norm == "" {
		return
	}
	for _, existing := range e.Names() {
		if existing == norm {
			return
		}
	}
	row := models.EntityAlias{
		ID:              uuid.New(),
		EntityID:        e.Record.ID,
		Alias:           alias,
		NormalizedAlias: norm,
		Type:            aliasType,
	}
	r.batch.AddAlias(&row)
	r.snap.indexAlias(e, row)
}

func (r *Resolver) addEvidence(e *Entity, evidenceType, snippet, rationale string, confidence float64) {
	reason := rationale
	r.batch.AddEvidence(&models.Evidence{
		ID:           uuid.New(),
		EntityID:     e.Record.ID,
		EntryID:      r.entry.ID,
		EvidenceType: evidenceType,
		Snippet:      snippet,
		MergeReason:  &reason,
		Confidence:   confidence,
	})
}

// redirect follows the active redirect map to the canonical head of the
// matched entity.
func (r *Resolver) redirect(e *Entity) *Entity {
	head := r.rules.ResolveRedirect(e.Record.ID)
	if head == e.Record.ID {
		return e
	}
	if canonical, ok := r.snap.ByID(head); ok {
		return canonical
	}
	log.Warn().
		Str("from", e.Record.ID.String()).
		Str("to", head.String()).
		Msg("redirect target missing from snapshot, keeping source entity")
	return e
}

func (r *Resolver) entityByID(id uuid.UUID) *Entity {
	head := r.rules.ResolveRedirect(id)
	if e, ok := r.snap.ByID(head); ok {
		return e
	}
	return nil
}

func (r *Resolver) rememberAnchor(e *Entity) {
	for _, a := range r.anchors {
		if a.Record.ID == e.Record.ID {
			return
		}
	}
	r.anchors = append(r.anchors, e)
}

// String implements fmt.Stringer for debug logging.
func (e *Entity) String() string {
	return fmt.Sprintf("%s(%s)", e.Record.Name, e.Record.ID)
}
