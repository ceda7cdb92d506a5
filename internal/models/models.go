package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Entity kinds. Each plain kind has a suppressed twin so a governance block
// can park an entity without deleting it.
const (
	KindPerson       = "person"
	KindPlace        = "place"
	KindEvent        = "event"
	KindTeam         = "team"
	KindOrg          = "org"
	KindProject      = "project"
	KindActivity     = "activity"
	KindEmotion      = "emotion"
	KindIdea         = "idea"
	KindProblem      = "problem"
	KindFinance      = "finance"
	KindObject       = "object"
	KindVehicle      = "vehicle"
	KindBrand        = "brand"
	KindProductModel = "product_model"
	KindGeneric      = "generic"

	suppressedSuffix = "_suppressed"
)

// Alias types recorded on EntityAlias.Type.
const (
	AliasCanonical    = "canonical"
	AliasRolePhrase   = "role_phrase"
	AliasObservedName = "observed_name"
	AliasObservedTypo = "observed_typo"
	AliasMerged       = "merged"
)

// SuppressKind returns the suppressed variant of a kind. Already-suppressed
// kinds are returned unchanged.
func SuppressKind(kind string) string {
	if IsSuppressedKind(kind) {
		return kind
	}
	return kind + suppressedSuffix
}

// BaseKind strips the suppressed suffix from a kind.
func BaseKind(kind string) string {
	if IsSuppressedKind(kind) {
		return kind[:len(kind)-len(suppressedSuffix)]
	}
	return kind
}

// IsSuppressedKind reports whether a kind is a suppressed variant.
func IsSuppressedKind(kind string) bool {
	return len(kind) > len(suppressedSuffix) && kind[len(kind)-len(suppressedSuffix):] == suppressedSuffix
}

// Entry is an immutable journal entry. The graph service only ever reads
// entries; the journal service owns them.
type Entry struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID    uuid.UUID  `gorm:"type:uuid;not null;index" json:"owner_id"`
	Text       string     `gorm:"type:text;not null" json:"text"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// CanonicalEntity is the single deduplicated representation of a real-world
// person, place, event or object. Entities are never hard-deleted: a
// governance block flips the kind to its suppressed variant and a merge
// leaves a redirect behind.
type CanonicalEntity struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
	OwnerID        uuid.UUID      `gorm:"type:uuid;not null;index:idx_entity_owner;index:idx_entity_owner_anchor,unique,priority:1" json:"owner_id"`
	Kind           string         `gorm:"not null;index" json:"kind"`
	Name           string         `gorm:"not null" json:"name"`
	NormalizedName string         `gorm:"not null;index" json:"normalized_name"`
	AnchorKey      *string        `gorm:"index:idx_entity_owner_anchor,unique,priority:2" json:"anchor_key,omitempty"`
	Description    string         `gorm:"type:text" json:"description"`
	Card           string         `gorm:"type:text" json:"card"`
	Aliases        []EntityAlias  `gorm:"foreignKey:EntityID" json:"-"`
	Evidence       []Evidence     `gorm:"foreignKey:EntityID" json:"-"`
}

// EntityAlias is one observed name variant of an entity.
type EntityAlias struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	EntityID        uuid.UUID `gorm:"type:uuid;not null;index:idx_alias_entity_norm,unique,priority:1" json:"entity_id"`
	Alias           string    `gorm:"not null" json:"alias"`
	NormalizedAlias string    `gorm:"not null;index:idx_alias_entity_norm,unique,priority:2" json:"normalized_alias"`
	Type            string    `gorm:"not null" json:"type"`
}

// Evidence is an append-only citation tying a fact about an entity to the
// entry that produced it.
type Evidence struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	EntityID     uuid.UUID `gorm:"type:uuid;not null;index:idx_evidence_dedup,unique,priority:1" json:"entity_id"`
	EntryID      uuid.UUID `gorm:"type:uuid;not null;index:idx_evidence_dedup,unique,priority:2" json:"entry_id"`
	EvidenceType string    `gorm:"not null;index:idx_evidence_dedup,unique,priority:3" json:"evidence_type"`
	Snippet      string    `gorm:"type:text;not null;index:idx_evidence_dedup,unique,priority:4" json:"snippet"`
	Property     *string   `json:"property,omitempty"`
	Value        *string   `json:"value,omitempty"`
	MergeReason  *string   `json:"merge_reason,omitempty"`
	Confidence   float64   `gorm:"not null;default:1" json:"confidence"`
}

// EntityRedirect points a merged-away entity at its surviving canonical
// entity. Redirects are created by exactly one governance action and are
// deactivated, never deleted, when that action is reverted.
type EntityRedirect struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	OwnerID      uuid.UUID  `gorm:"type:uuid;not null;index" json:"owner_id"`
	FromEntityID uuid.UUID  `gorm:"type:uuid;not null;index" json:"from_entity_id"`
	ToEntityID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"to_entity_id"`
	ActionID     *uuid.UUID `gorm:"type:uuid" json:"action_id,omitempty"`
	Active       bool       `gorm:"not null;default:true" json:"active"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Entry{},
		&CanonicalEntity{},
		&EntityAlias{},
		&Evidence{},
		&EntityRedirect{},
		&MemoryEvent{},
		&EventParticipant{},
		&Settlement{},
		&SettlementPayment{},
		&PolicyVersion{},
		&FeedbackCase{},
		&FeedbackAction{},
		&FeedbackReplayJob{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
