package resolve

import (
	"github.com/google/uuid"

	"github.com/danielprocop/lifestory-graph/internal/extract"
	"github.com/danielprocop/lifestory-graph/internal/models"
)

// Entity pairs a canonical entity with its aliases for in-memory matching.
type Entity struct {
	Record  *models.CanonicalEntity
	Aliases []models.EntityAlias
}

// Names returns every normalized name the entity answers to.
func (e *Entity) Names() []string {
	names := []string{e.Record.NormalizedName}
	for _, a := range e.Aliases {
		if a.NormalizedAlias != e.Record.NormalizedName {
			names = append(names, a.NormalizedAlias)
		}
	}
	return names
}

// Snapshot is an owner's entity universe loaded once per processing pass.
// Fuzzy matching scans it linearly, which is fine at personal-graph scale.
type Snapshot struct {
	OwnerID  uuid.UUID
	entities []*Entity
	byID     map[uuid.UUID]*Entity
	byNorm   map[string]*Entity
	byAnchor map[string]*Entity
}

// NewSnapshot indexes an owner's entities and aliases. When two entities
// claim the same normalized name the earlier one wins exact lookups, which
// keeps resolution deterministic.
func NewSnapshot(ownerID uuid.UUID, entities []models.CanonicalEntity, aliases []models.EntityAlias) *Snapshot {
	s := &Snapshot{
		OwnerID:  ownerID,
		byID:     map[uuid.UUID]*Entity{},
		byNorm:   map[string]*Entity{},
		byAnchor: map[string]*Entity{},
	}

	aliasesByEntity := map[uuid.UUID][]models.EntityAlias{}
	for _, a := range aliases {
		aliasesByEntity[a.EntityID] = append(aliasesByEntity[a.EntityID], a)
	}

	for i := range entities {
		rec := entities[i]
		s.add(&Entity{Record: &rec, Aliases: aliasesByEntity[rec.ID]})
	}

	return s
}

func (s *Snapshot) add(e *Entity) {
	s.entities = append(s.entities, e)
	s.byID[e.Record.ID] = e
	for _, n := range e.Names() {
		if _, taken := s.byNorm[n]; !taken {
			s.byNorm[n] = e
		}
	}
	if e.Record.AnchorKey != nil {
		s.byAnchor[*e.Record.AnchorKey] = e
	}
}

// indexAlias registers a freshly added alias so later mentions in the same
// pass resolve consistently.
func (s *Snapshot) indexAlias(e *Entity, alias models.EntityAlias) {
	e.Aliases = append(e.Aliases, alias)
	if _, taken := s.byNorm[alias.NormalizedAlias]; !taken {
		s.byNorm[alias.NormalizedAlias] = e
	}
}

// ByID looks an entity up by id.
func (s *Snapshot) ByID(id uuid.UUID) (*Entity, bool) {
	e, ok := s.byID[id]
	return e, ok
}

// ByAnchor looks an entity up by anchor key.
func (s *Snapshot) ByAnchor(anchorKey string) (*Entity, bool) {
	e, ok := s.byAnchor[anchorKey]
	return e, ok
}

// ByName looks an entity up by exact normalized name or alias.
func (s *Snapshot) ByName(name string) (*Entity, bool) {
	e, ok := s.byNorm[extract.Normalize(name)]
	return e, ok
}

// Persons returns the owner's matchable person entities. Suppressed
// entities never take part in resolution.
func (s *Snapshot) Persons() []*Entity {
	var out []*Entity
	for _, e := range s.entities {
		if e.Record.Kind == models.KindPerson {
			out = append(out, e)
		}
	}
	return out
}
