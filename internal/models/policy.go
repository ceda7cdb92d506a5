package models

import (
	"time"

	"github.com/google/uuid"
)

// Governance request templates. A curator request always names one of these;
// anything else is rejected before any state change.
const (
	TemplateBlockToken        = "BLOCK_TOKEN_GLOBAL"
	TemplateTokenTypeOverride = "TOKEN_TYPE_OVERRIDE"
	TemplateMergeEntities     = "MERGE_ENTITIES"
	TemplateEntityTypeFix     = "ENTITY_TYPE_CORRECTION"
	TemplateAddAlias          = "ADD_ALIAS"
	TemplateRemoveAlias       = "REMOVE_ALIAS"
	TemplateForceLink         = "FORCE_LINK_RULE"
	TemplateUndoMerge         = "UNDO_MERGE"
	TemplatePatternRule       = "GLOBAL_PATTERN_RULE"
)

// Action scopes.
const (
	ScopeGlobal = "GLOBAL"
	ScopeUser   = "USER"
)

// Case/action statuses. Actions are immutable except for this flag.
const (
	StatusActive   = "ACTIVE"
	StatusReverted = "REVERTED"
)

// Replay job states. Completed and failed are terminal.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// PolicyVersion is one committed governance change set. Version numbers are
// strictly monotonic and globally ordered across all owners.
type PolicyVersion struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	Version   int64     `gorm:"not null;uniqueIndex" json:"version"`
	Note      string    `json:"note"`
}

// FeedbackCase groups the actions compiled from a single curator request.
type FeedbackCase struct {
	ID            uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt     time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
	OwnerID       uuid.UUID        `gorm:"type:uuid;not null;index" json:"owner_id"`
	Template      string           `gorm:"not null" json:"template"`
	Status        string           `gorm:"not null;default:'ACTIVE'" json:"status"`
	PolicyVersion int64            `gorm:"not null;index" json:"policy_version"`
	Payload       []byte           `gorm:"type:jsonb" json:"payload"`
	Actions       []FeedbackAction `gorm:"foreignKey:CaseID" json:"actions"`
}

// FeedbackAction is one concrete scoped rule compiled from a case. The
// ordered log of active actions is what the ruleset compiler folds.
type FeedbackAction struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	CaseID        uuid.UUID  `gorm:"type:uuid;not null;index" json:"case_id"`
	OwnerID       *uuid.UUID `gorm:"type:uuid;index" json:"owner_id,omitempty"`
	Scope         string     `gorm:"not null" json:"scope"`
	ActionType    string     `gorm:"not null" json:"action_type"`
	Status        string     `gorm:"not null;default:'ACTIVE'" json:"status"`
	PolicyVersion int64      `gorm:"not null;index" json:"policy_version"`
	Payload       []byte     `gorm:"type:jsonb;not null" json:"payload"`
}

// ReplayScope narrows a replay job to specific entries or entities. It is
// stored as the job's jsonb scope; a nil scope means the whole owner.
type ReplayScope struct {
	EntryIDs  []uuid.UUID `json:"entry_ids,omitempty"`
	EntityIDs []uuid.UUID `json:"entity_ids,omitempty"`
}

// FeedbackReplayJob is a deferred reprocessing unit triggered by a policy or
// content change. Scope narrows the replay to specific entries or entities;
// a nil scope replays the whole owner.
type FeedbackReplayJob struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	OwnerID    uuid.UUID  `gorm:"type:uuid;not null;index" json:"owner_id"`
	Scope      []byte     `gorm:"type:jsonb" json:"scope,omitempty"`
	DryRun     bool       `gorm:"not null;default:false" json:"dry_run"`
	Status     string     `gorm:"not null;default:'queued';index" json:"status"`
	Error      *string    `gorm:"type:text" json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Summary    []byte     `gorm:"type:jsonb" json:"summary,omitempty"`
}

// Terminal reports whether the job has reached a terminal state.
func (j *FeedbackReplayJob) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}
