// Package policy holds the governance layer: the versioned action log, the
// compiled ruleset the resolver consults, the ruleset cache, and the
// governance service that turns curator requests into actions.
package policy

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danielprocop/lifestory-graph/internal/models"
)

// Concrete action types the compiler understands. Templates compile to one
// or more of these.
const (
	ActionBlockToken        = "block_token"
	ActionTokenTypeOverride = "token_type_override"
	ActionAliasAdd          = "alias_add"
	ActionAliasRemove       = "alias_remove"
	ActionForceLink         = "force_link"
	ActionKindOverride      = "entity_kind_override"
	ActionPatternRule       = "pattern_rule"
	ActionRedirectAdd       = "redirect_add"
	ActionRedirectRemove    = "redirect_remove"
)

// Token-block scopes for the applies_to field.
const (
	AppliesToAny    = "ANY"
	AppliesToPerson = "PERSON"
	AppliesToGoal   = "GOAL"
)

// Force-link pattern kinds.
const (
	PatternExact      = "EXACT"
	PatternNormalized = "NORMALIZED"
	PatternRegex      = "REGEX"
)

// EffectBlock drops the matched mention; any other pattern-rule effect is a
// forced entity kind.
const EffectBlock = "block"

// ForceLinkRule binds a text pattern to a specific entity.
type ForceLinkRule struct {
	PatternKind string    `json:"pattern_kind"`
	Pattern     string    `json:"pattern"`
	TargetID    uuid.UUID `json:"target_id"`
	NearToken   string    `json:"near_token,omitempty"`
	NearWindow  int       `json:"near_window,omitempty"`
	re          *regexp.Regexp
}

// PatternRule is a global content rule: entries matching the pattern get the
// given effect applied to the matched token.
type PatternRule struct {
	PatternKind string `json:"pattern_kind"`
	Pattern     string `json:"pattern"`
	Effect      string `json:"effect"` // "block" or a forced entity kind
	re          *regexp.Regexp
}

// Ruleset is the immutable result of folding all active governance actions
// for one owner at one policy version. It is replaced wholesale on
// invalidation and never mutated in place, so concurrent readers need no
// locks.
type Ruleset struct {
	OwnerID uuid.UUID
	Version int64

	BlockedAny    map[string]struct{}
	BlockedPerson map[string]struct{}
	BlockedGoal   map[string]struct{}
	TypeOverrides map[string]string    // token -> forced entity kind
	AliasMap      map[string]uuid.UUID // normalized alias -> entity
	KindOverrides map[uuid.UUID]string // entity -> corrected kind
	ForceLinks    []ForceLinkRule
	PatternRules  []PatternRule
	Redirects     map[uuid.UUID]uuid.UUID // merged-away entity -> canonical
}

func newRuleset(owner uuid.UUID, version int64) *Ruleset {
	return &Ruleset{
		OwnerID:       owner,
		Version:       version,
		BlockedAny:    map[string]struct{}{},
		BlockedPerson: map[string]struct{}{},
		BlockedGoal:   map[string]struct{}{},
		TypeOverrides: map[string]string{},
		AliasMap:      map[string]uuid.UUID{},
		KindOverrides: map[uuid.UUID]string{},
		Redirects:     map[uuid.UUID]uuid.UUID{},
	}
}

// Compile folds the active action log into a ruleset for the given owner.
// Actions must be passed in (policy_version, created_at) order; later
// actions supersede earlier ones on the same key. GLOBAL actions apply to
// every owner, USER actions only to the targeted one. Compilation is a pure,
// deterministic function of its input.
func Compile(owner uuid.UUID, version int64, actions []models.FeedbackAction) *Ruleset {
	ordered := make([]models.FeedbackAction, len(actions))
	copy(ordered, actions)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].PolicyVersion != ordered[j].PolicyVersion {
			return ordered[i].PolicyVersion < ordered[j].PolicyVersion
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	rs := newRuleset(owner, version)
	for _, a := range ordered {
		if a.Status != models.StatusActive {
			continue
		}
		if a.Scope == models.ScopeUser && (a.OwnerID == nil || *a.OwnerID != owner) {
			continue
		}
		rs.fold(a)
	}
	return rs
}

func (rs *Ruleset) fold(a models.FeedbackAction) {
	var p actionPayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		log.Warn().Err(err).Str("action_id", a.ID.String()).Msg("skipping action with malformed payload")
		return
	}

	switch a.ActionType {
	case ActionBlockToken:
		token := strings.ToLower(p.Token)
		switch p.AppliesTo {
		case AppliesToPerson:
			rs.BlockedPerson[token] = struct{}{}
		case AppliesToGoal:
			rs.BlockedGoal[token] = struct{}{}
		default:
			rs.BlockedAny[token] = struct{}{}
		}
	case ActionTokenTypeOverride:
		rs.TypeOverrides[strings.ToLower(p.Token)] = p.Kind
	case ActionAliasAdd:
		if p.EntityID != uuid.Nil {
			rs.AliasMap[strings.ToLower(p.Alias)] = p.EntityID
		}
	case ActionAliasRemove:
		delete(rs.AliasMap, strings.ToLower(p.Alias))
	case ActionForceLink:
		rule := ForceLinkRule{
			PatternKind: p.PatternKind,
			Pattern:     p.Pattern,
			TargetID:    p.EntityID,
			NearToken:   p.NearToken,
			NearWindow:  p.NearWindow,
		}
		if rule.PatternKind == PatternRegex {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				log.Warn().Err(err).Str("pattern", p.Pattern).Msg("skipping force-link rule with invalid regex")
				return
			}
			rule.re = re
		}
		rs.ForceLinks = append(rs.ForceLinks, rule)
	case ActionKindOverride:
		if p.EntityID != uuid.Nil {
			rs.KindOverrides[p.EntityID] = p.Kind
		}
	case ActionPatternRule:
		rule := PatternRule{PatternKind: p.PatternKind, Pattern: p.Pattern, Effect: p.Effect}
		if rule.PatternKind == PatternRegex {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				log.Warn().Err(err).Str("pattern", p.Pattern).Msg("skipping pattern rule with invalid regex")
				return
			}
			rule.re = re
		}
		rs.PatternRules = append(rs.PatternRules, rule)
	case ActionRedirectAdd:
		if p.SourceID != uuid.Nil && p.TargetID != uuid.Nil {
			rs.Redirects[p.SourceID] = p.TargetID
		}
	case ActionRedirectRemove:
		delete(rs.Redirects, p.SourceID)
	default:
		log.Warn().Str("action_type", a.ActionType).Msg("unknown action type in policy log")
	}
}

// actionPayload is the superset of fields any action payload may carry.
type actionPayload struct {
	Token       string    `json:"token,omitempty"`
	AppliesTo   string    `json:"applies_to,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	Alias       string    `json:"alias,omitempty"`
	EntityID    uuid.UUID `json:"entity_id,omitempty"`
	SourceID    uuid.UUID `json:"source_id,omitempty"`
	TargetID    uuid.UUID `json:"target_id,omitempty"`
	PatternKind string    `json:"pattern_kind,omitempty"`
	Pattern     string    `json:"pattern,omitempty"`
	Effect      string    `json:"effect,omitempty"`
	NearToken   string    `json:"near_token,omitempty"`
	NearWindow  int       `json:"near_window,omitempty"`
}

// TokenBlocked reports whether a normalized token is blocked for the given
// applies-to class. A token blocked for ANY blocks every class.
func (rs *Ruleset) TokenBlocked(token, appliesTo string) bool {
	token = strings.ToLower(token)
	if _, ok := rs.BlockedAny[token]; ok {
		return true
	}
	switch appliesTo {
	case AppliesToPerson:
		_, ok := rs.BlockedPerson[token]
		return ok
	case AppliesToGoal:
		_, ok := rs.BlockedGoal[token]
		return ok
	}
	return false
}

// ResolveRedirect follows the redirect chain from id to its canonical head.
// A visited set guards against cycles: creation-time uniqueness should make
// them impossible, but a corrupted log must not hang resolution.
func (rs *Ruleset) ResolveRedirect(id uuid.UUID) uuid.UUID {
	visited := map[uuid.UUID]struct{}{id: {}}
	cur := id
	for {
		next, ok := rs.Redirects[cur]
		if !ok {
			return cur
		}
		if _, seen := visited[next]; seen {
			log.Warn().Str("entity_id", id.String()).Msg("redirect cycle detected, stopping resolution")
			return cur
		}
		visited[next] = struct{}{}
		cur = next
	}
}

// MatchForceLink returns the target entity of the first force-link rule
// matching the mention, honoring proximity constraints against the full
// entry text.
func (rs *Ruleset) MatchForceLink(mention, entryText string) (uuid.UUID, bool) {
	norm := strings.ToLower(strings.TrimSpace(mention))
	for _, rule := range rs.ForceLinks {
		var matched bool
		switch rule.PatternKind {
		case PatternExact:
			matched = mention == rule.Pattern
		case PatternNormalized:
			matched = norm == strings.ToLower(rule.Pattern)
		case PatternRegex:
			matched = rule.re != nil && rule.re.MatchString(mention)
		}
		if !matched {
			continue
		}
		if rule.NearToken != "" && !nearby(entryText, mention, rule.NearToken, rule.NearWindow) {
			continue
		}
		return rule.TargetID, true
	}
	return uuid.Nil, false
}

// MatchPatternRule returns the effect of the first pattern rule matching
// the mention: EffectBlock, or the entity kind to force on creation. An
// action with no pattern kind matches normalized, like the template
// compiler defaults.
func (rs *Ruleset) MatchPatternRule(mention string) (string, bool) {
	norm := strings.ToLower(strings.TrimSpace(mention))
	for _, rule := range rs.PatternRules {
		var matched bool
		switch rule.PatternKind {
		case PatternExact:
			matched = mention == rule.Pattern
		case PatternRegex:
			matched = rule.re != nil && rule.re.MatchString(mention)
		default:
			matched = norm == strings.ToLower(rule.Pattern)
		}
		if matched {
			return rule.Effect, true
		}
	}
	return "", false
}

// nearby reports whether token occurs within window runes of mention in the
// text. A zero window means anywhere in the entry.
func nearby(text, mention, token string, window int) bool {
	lower := strings.ToLower(text)
	mi := strings.Index(lower, strings.ToLower(mention))
	ti := strings.Index(lower, strings.ToLower(token))
	if mi < 0 || ti < 0 {
		return false
	}
	if window <= 0 {
		return true
	}
	d := mi - ti
	if d < 0 {
		d = -d
	}
	return d <= window
}
