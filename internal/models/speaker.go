package models

import (
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// SpeakerProfile is an enrolled voice identity. Profiles are written by the
// enrollment path only; the session pipeline reads immutable snapshots.
type SpeakerProfile struct {
	ID          string `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	Name        string `gorm:"column:name;type:text;uniqueIndex" json:"name"`
	SampleCount int    `gorm:"column:sample_count" json:"sample_count"`

	// Aliases are alternative display names matched during enrollment
	// lookups (e.g. "Bob" for "Robert").
	Aliases pq.StringArray `gorm:"column:aliases;type:text[]" json:"aliases,omitempty"`

	// Embedding is the reference voice embedding (256-dim, matching the
	// embedding head of the diarization service).
	Embedding pgvector.Vector `gorm:"column:embedding;type:vector(256)" json:"embedding"`

	// SamplePath points at the archived enrollment audio, when kept.
	SamplePath string `gorm:"column:sample_path;type:text" json:"sample_path,omitempty"`

	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamptz" json:"updated_at"`
}

func (SpeakerProfile) TableName() string { return "speaker_profiles" }
