package policy

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/danielprocop/lifestory-graph/internal/models"
)

// Validation errors returned before any state change.
var (
	ErrUnknownTemplate = errors.New("unknown governance template")
	ErrMissingField    = errors.New("missing required field")
	ErrSelfMerge       = errors.New("cannot merge an entity into itself")
)

// mergeableKinds is the allow-list of entity kinds a merge may operate on.
var mergeableKinds = map[string]struct{}{
	models.KindPerson:       {},
	models.KindPlace:        {},
	models.KindEvent:        {},
	models.KindObject:       {},
	models.KindBrand:        {},
	models.KindProductModel: {},
	models.KindOrg:          {},
	models.KindTeam:         {},
	models.KindGeneric:      {},
}

// MergeableKind reports whether entities of this kind may be merged.
func MergeableKind(kind string) bool {
	_, ok := mergeableKinds[models.BaseKind(kind)]
	return ok
}

// Request is one curator request against a fixed template.
type Request struct {
	Template string         `json:"template"`
	OwnerID  uuid.UUID      `json:"owner_id"`
	Payload  RequestPayload `json:"payload"`
	Note     string         `json:"note,omitempty"`
}

// RequestPayload carries the union of fields the eight templates use. Each
// template validates its own subset.
type RequestPayload struct {
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

// actionDraft is a compiled action before it is assigned an id, case and
// policy version.
type actionDraft struct {
	Scope      string
	ActionType string
	Payload    actionPayload
}

// compileRequest turns a request into its concrete scoped actions. It is a
// pure function: one template, one compile path, no dispatch tables hiding
// behavior. Validation failures reject the whole request.
func compileRequest(req Request) ([]actionDraft, error) {
	p := req.Payload
	switch req.Template {
	case models.TemplateBlockToken:
		if p.Token == "" {
			return nil, errors.Wrap(ErrMissingField, "token")
		}
		appliesTo := p.AppliesTo
		if appliesTo == "" {
			appliesTo = AppliesToAny
		}
		return []actionDraft{{
			Scope:      models.ScopeGlobal,
			ActionType: ActionBlockToken,
			Payload:    actionPayload{Token: p.Token, AppliesTo: appliesTo},
		}}, nil

	case models.TemplateTokenTypeOverride:
		if p.Token == "" {
			return nil, errors.Wrap(ErrMissingField, "token")
		}
		if p.Kind == "" {
			return nil, errors.Wrap(ErrMissingField, "kind")
		}
		return []actionDraft{{
			Scope:      models.ScopeGlobal,
			ActionType: ActionTokenTypeOverride,
			Payload:    actionPayload{Token: p.Token, Kind: p.Kind},
		}}, nil

	case models.TemplateMergeEntities:
		if p.SourceID == uuid.Nil {
			return nil, errors.Wrap(ErrMissingField, "source_id")
		}
		if p.TargetID == uuid.Nil {
			return nil, errors.Wrap(ErrMissingField, "target_id")
		}
		if p.SourceID == p.TargetID {
			return nil, ErrSelfMerge
		}
		return []actionDraft{{
			Scope:      models.ScopeUser,
			ActionType: ActionRedirectAdd,
			Payload:    actionPayload{SourceID: p.SourceID, TargetID: p.TargetID},
		}}, nil

	case models.TemplateEntityTypeFix:
		if p.EntityID == uuid.Nil {
			return nil, errors.Wrap(ErrMissingField, "entity_id")
		}
		if p.Kind == "" {
			return nil, errors.Wrap(ErrMissingField, "kind")
		}
		return []actionDraft{{
			Scope:      models.ScopeUser,
			ActionType: ActionKindOverride,
			Payload:    actionPayload{EntityID: p.EntityID, Kind: p.Kind},
		}}, nil

	case models.TemplateAddAlias:
		if p.EntityID == uuid.Nil {
			return nil, errors.Wrap(ErrMissingField, "entity_id")
		}
		if p.Alias == "" {
			return nil, errors.Wrap(ErrMissingField, "alias")
		}
		return []actionDraft{{
			Scope:      models.ScopeUser,
			ActionType: ActionAliasAdd,
			Payload:    actionPayload{EntityID: p.EntityID, Alias: p.Alias},
		}}, nil

	case models.TemplateRemoveAlias:
		if p.EntityID == uuid.Nil {
			return nil, errors.Wrap(ErrMissingField, "entity_id")
		}
		if p.Alias == "" {
			return nil, errors.Wrap(ErrMissingField, "alias")
		}
		return []actionDraft{{
			Scope:      models.ScopeUser,
			ActionType: ActionAliasRemove,
			Payload:    actionPayload{EntityID: p.EntityID, Alias: p.Alias},
		}}, nil

	case models.TemplateForceLink:
		if p.Pattern == "" {
			return nil, errors.Wrap(ErrMissingField, "pattern")
		}
		if p.EntityID == uuid.Nil {
			return nil, errors.Wrap(ErrMissingField, "entity_id")
		}
		kind := p.PatternKind
		if kind == "" {
			kind = PatternNormalized
		}
		return []actionDraft{{
			Scope:      models.ScopeUser,
			ActionType: ActionForceLink,
			Payload: actionPayload{
				Pattern:     p.Pattern,
				PatternKind: kind,
				EntityID:    p.EntityID,
				NearToken:   p.NearToken,
				NearWindow:  p.NearWindow,
			},
		}}, nil

	case models.TemplateUndoMerge:
		if p.SourceID == uuid.Nil {
			return nil, errors.Wrap(ErrMissingField, "source_id")
		}
		return []actionDraft{{
			Scope:      models.ScopeUser,
			ActionType: ActionRedirectRemove,
			Payload:    actionPayload{SourceID: p.SourceID},
		}}, nil

	case models.TemplatePatternRule:
		if p.Pattern == "" {
			return nil, errors.Wrap(ErrMissingField, "pattern")
		}
		if p.Effect == "" {
			return nil, errors.Wrap(ErrMissingField, "effect")
		}
		kind := p.PatternKind
		if kind == "" {
			kind = PatternNormalized
		}
		return []actionDraft{{
			Scope:      models.ScopeGlobal,
			ActionType: ActionPatternRule,
			Payload:    actionPayload{Pattern: p.Pattern, PatternKind: kind, Effect: p.Effect},
		}}, nil

	default:
		return nil, errors.Wrapf(ErrUnknownTemplate, "%q", req.Template)
	}
}

func (d actionDraft) marshalPayload() ([]byte, error) {
	b, err := json.Marshal(d.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal action payload")
	}
	return b, nil
}
