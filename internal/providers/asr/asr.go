package asr

import "context"

// Word is one recognized word with its time offsets, in seconds relative to
// the start of the submitted audio.
type Word struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Segment is one contiguous transcribed span.
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Words      []Word  `json:"words,omitempty"`
}

type Result struct {
	Text     string    `json:"text"`
	Language string    `json:"language,omitempty"` // detected when no hint was given
	Segments []Segment `json:"segments"`
}

// Provider wraps a transcription inference service. Implementations must be
// idempotent on identical input (modulo model noise) and honor ctx deadlines,
// failing with utils.CodeTimeout on deadline and utils.CodeUnavailable on an
// internal model failure so the caller can decide whether to retry.
//
// samples are mono float32 in [-1,1] at sampleRate. language is an optional
// BCP-47 hint; empty requests auto-detection.
type Provider interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (*Result, error)
	Close() error
}
