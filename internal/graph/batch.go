// Package graph applies mutation batches to the persisted knowledge graph
// and keeps each entity's denormalized display card in sync.
package graph

import (
	"strings"

	"github.com/google/uuid"

	"github.com/danielprocop/lifestory-graph/internal/models"
)

// Batch collects every graph mutation produced while processing one entry:
// new entities, alias unions, evidence appends and canonical-name changes.
// The mutator applies a batch in a single transaction and recomputes the
// card of every touched entity.
type Batch struct {
	OwnerID uuid.UUID
	EntryID uuid.UUID

	NewEntities []*models.CanonicalEntity
	NewAliases  []*models.EntityAlias
	NewEvidence []*models.Evidence
	NameChanges map[uuid.UUID]string
	KindChanges map[uuid.UUID]string

	touched map[uuid.UUID]struct{}
}

// NewBatch creates an empty batch for one (owner, entry) processing pass.
func NewBatch(ownerID, entryID uuid.UUID) *Batch {
	return &Batch{
		OwnerID:     ownerID,
		EntryID:     entryID,
		NameChanges: map[uuid.UUID]string{},
		KindChanges: map[uuid.UUID]string{},
		touched:     map[uuid.UUID]struct{}{},
	}
}

// AddEntity stages a new canonical entity.
func (b *Batch) AddEntity(e *models.CanonicalEntity) {
	b.NewEntities = append(b.NewEntities, e)
	b.Touch(e.ID)
}

// AddAlias stages an alias union. Duplicates are harmless: the unique index
// on (entity, normalized alias) turns replays into no-ops.
func (b *Batch) AddAlias(a *models.EntityAlias) {
	b.NewAliases = append(b.NewAliases, a)
	b.Touch(a.EntityID)
}

// AddEvidence stages an evidence append.
func (b *Batch) AddEvidence(ev *models.Evidence) {
	b.NewEvidence = append(b.NewEvidence, ev)
	b.Touch(ev.EntityID)
}

// SetName stages a canonical-name change.
func (b *Batch) SetName(entityID uuid.UUID, name string) {
	b.NameChanges[entityID] = name
	b.Touch(entityID)
}

// SetKind stages an entity-kind change.
func (b *Batch) SetKind(entityID uuid.UUID, kind string) {
	b.KindChanges[entityID] = kind
	b.Touch(entityID)
}

// Touch marks an entity as affected by this batch so its card gets
// recomputed even when the mutation happened elsewhere.
func (b *Batch) Touch(entityID uuid.UUID) {
	b.touched[entityID] = struct{}{}
}

// TouchedIDs returns every entity affected by this batch.
func (b *Batch) TouchedIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(b.touched))
	for id := range b.touched {
		ids = append(ids, id)
	}
	return ids
}

// Empty reports whether the batch stages no mutations at all.
func (b *Batch) Empty() bool {
	return len(b.NewEntities) == 0 && len(b.NewAliases) == 0 &&
		len(b.NewEvidence) == 0 && len(b.NameChanges) == 0 && len(b.KindChanges) == 0
}

// BuildCard renders the denormalized display card for an entity. The card
// is a derived cache: it is recomputed after every mutation batch, never
// hand-maintained incrementally.
func BuildCard(e *models.CanonicalEntity, aliases []models.EntityAlias) string {
	anchor := ""
	if e.AnchorKey != nil {
		anchor = *e.AnchorKey
	}

	seen := map[string]struct{}{}
	var names []string
	for _, a := range aliases {
		if a.NormalizedAlias == e.NormalizedName {
			continue
		}
		if _, dup := seen[a.NormalizedAlias]; dup {
			continue
		}
		seen[a.NormalizedAlias] = struct{}{}
		names = append(names, a.Alias)
	}

	return strings.Join([]string{e.Name, anchor, strings.Join(names, ", "), e.Description}, " | ")
}
