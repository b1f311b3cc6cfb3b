package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Session states. A session is created by an explicit start request, becomes
// active on the first accepted audio chunk, and is terminal once stopped or
// closed on error.
const (
	SessionCreated     = "created"
	SessionActive      = "active"
	SessionStopped     = "stopped"
	SessionErrorClosed = "error_closed"
)

// UnknownSpeaker is the sentinel label for transcribed spans that no
// diarization segment overlaps.
const UnknownSpeaker = "Unknown"

type Session struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SessionID string             `bson:"session_id" json:"session_id"` // uuid v4
	Name      string             `bson:"name" json:"name"`

	// Language is the requested language hint; empty enables auto-detect.
	// DetectedLanguage is filled from the first transcription result when
	// no hint was given.
	Language         string `bson:"language,omitempty" json:"language,omitempty"`
	DetectedLanguage string `bson:"detected_language,omitempty" json:"detected_language,omitempty"`

	Status string `bson:"status" json:"status"`

	Segments []TranscriptSegment `bson:"segments" json:"segments"`

	// Speakers maps diarization cluster ids seen in this session to the
	// labels they resolved to. Assigned once per cluster, never reassigned.
	Speakers map[string]string `bson:"speakers,omitempty" json:"speakers,omitempty"`

	// AudioSeconds is the total duration of audio consumed so far.
	AudioSeconds float64 `bson:"audio_seconds" json:"audio_seconds"`

	// AudioFilePath is set when a batch upload was archived for this session.
	AudioFilePath string `bson:"audio_file_path,omitempty" json:"audio_file_path,omitempty"`

	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time  `bson:"updated_at" json:"updated_at"`
	EndedAt   *time.Time `bson:"ended_at,omitempty" json:"ended_at,omitempty"`
}

// TranscriptSegment is one speaker-attributed utterance. Start/End are in
// seconds relative to session start; End >= Start. Segments in a session are
// kept in non-decreasing Start order and de-duplicated across window overlap.
type TranscriptSegment struct {
	Start      float64 `bson:"start" json:"start"`
	End        float64 `bson:"end" json:"end"`
	Text       string  `bson:"text" json:"text"`
	Speaker    string  `bson:"speaker" json:"speaker"`
	Confidence float64 `bson:"confidence" json:"confidence"` // [0,1]

	// WindowID is the analysis window that produced this segment, kept for
	// idempotent re-merge and debugging.
	WindowID int64 `bson:"window_id" json:"window_id"`

	// Degraded marks a placeholder emitted for a window whose inference
	// failed past the retry budget.
	Degraded bool `bson:"degraded,omitempty" json:"degraded,omitempty"`
}

func (s TranscriptSegment) Duration() float64 { return s.End - s.Start }
