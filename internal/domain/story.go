package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// VersionCap bounds how many versions a story may accumulate: the
// original plus feedback iterations.
const VersionCap = 5

// Story is the content record finished versions are written into. The
// browsing library reads these rows; this service only creates them.
type Story struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Title     string    `gorm:"column:title;not null" json:"title"`
	Synopsis  string    `gorm:"column:synopsis" json:"synopsis"`
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Story) TableName() string { return "story" }

// StoryVersion is an append-only ledger entry. Version numbers are
// contiguous from 1 per story and never exceed VersionCap.
type StoryVersion struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	StoryID       uuid.UUID      `gorm:"type:uuid;column:story_id;not null;index:idx_story_version,unique,priority:1" json:"story_id"`
	VersionNumber int            `gorm:"column:version_number;not null;index:idx_story_version,unique,priority:2" json:"version_number"`
	Content       datatypes.JSON `gorm:"column:content;type:jsonb" json:"content"`
	SourceJobID   uuid.UUID      `gorm:"type:uuid;column:source_job_id;not null" json:"source_job_id"`
	FeedbackText  string         `gorm:"column:feedback_text" json:"feedback_text,omitempty"`
	CreatedAt     time.Time      `gorm:"not null" json:"created_at"`
}

func (StoryVersion) TableName() string { return "story_version" }
