package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

type JobKind string

const (
	KindCreate  JobKind = "create"
	KindIterate JobKind = "iterate"
)

type FailureReason string

const (
	FailureTransientEngine FailureReason = "TRANSIENT_ENGINE_FAILURE"
	FailureInvalidOutput   FailureReason = "INVALID_OUTPUT"
	FailureValidation      FailureReason = "VALIDATION_ERROR"
	FailureIterationLimit  FailureReason = "ITERATION_LIMIT"
)

// GenerationJob is one execution attempt of story generation or
// iteration. Rows are created queued by the orchestrator, mutated only
// by the executor while running, and immutable once terminal.
type GenerationJob struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	StoryID       *uuid.UUID     `gorm:"type:uuid;column:story_id;index" json:"story_id,omitempty"`
	Kind          JobKind        `gorm:"column:kind;not null;index" json:"kind"`
	Status        JobStatus      `gorm:"column:status;not null;index" json:"status"`
	Stage         string         `gorm:"column:stage;not null" json:"stage"`
	Progress      int            `gorm:"column:progress;not null;default:0" json:"progress"`
	RetryCount    int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	FailureReason FailureReason  `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	Retryable     bool           `gorm:"column:retryable;not null;default:false" json:"retryable"`
	Payload       datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	LockedAt      *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt   *time.Time     `gorm:"column:heartbeat_at" json:"heartbeat_at,omitempty"`
	StartedAt     *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null" json:"updated_at"`
}

func (GenerationJob) TableName() string { return "generation_job" }

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobInput is the JSON shape stored in GenerationJob.Payload. For
// iterations it also carries the prior version's content and the
// user's feedback so the engine sees the full revision context.
type JobInput struct {
	Prompt       string         `json:"prompt"`
	Feedback     string         `json:"feedback,omitempty"`
	PriorVersion int            `json:"prior_version,omitempty"`
	PriorContent map[string]any `json:"prior_content,omitempty"`
}
