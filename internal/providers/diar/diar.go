package diar

import "context"

// Segment is one diarized span attributed to a session-local speaker
// cluster. Cluster ids are stable only within one diarization call.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Cluster string  `json:"cluster"`
}

type Result struct {
	Segments []Segment `json:"segments"`
	// Embeddings holds one representative voice embedding per cluster id,
	// used by identity resolution.
	Embeddings map[string][]float32 `json:"embeddings,omitempty"`
}

// Provider wraps a diarization inference service. Same contract as the
// transcription provider: honor ctx deadlines, fail with utils.CodeTimeout
// on deadline and utils.CodeUnavailable on model failure.
type Provider interface {
	Diarize(ctx context.Context, samples []float32, sampleRate int) (*Result, error)
	// Embed extracts a voice embedding for a whole audio sample; used by
	// the speaker enrollment path.
	Embed(ctx context.Context, samples []float32, sampleRate int) ([]float32, error)
	Close() error
}
