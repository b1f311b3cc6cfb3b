package pipeline

import (
	"encoding/binary"
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// AudioChunk is a raw audio fragment as it arrives off the wire. Chunks are
// consumed into the window buffer immediately and never retained.
type AudioChunk struct {
	SessionID  string
	Sequence   int64 // monotonic per session; gaps flag a discontinuity
	SampleRate int
	Channels   int
	PCM        []byte // interleaved little-endian PCM16
}

// AnalysisWindow is a bounded span of normalized audio ready for inference.
// Start/End are seconds relative to session start; consecutive windows
// overlap by a fixed margin so inference sees left-context across seams.
type AnalysisWindow struct {
	ID      int64
	Start   float64
	End     float64
	Samples []float32 // mono, target rate, [-1,1]

	// Discontinuity is set when a sequence gap preceded this window; the
	// reconciler must not stitch across a flagged seam.
	Discontinuity bool

	// Final marks the flush window emitted on stop/idle.
	Final bool
}

// WindowConfig fixes the buffer geometry. Stride is window minus overlap.
type WindowConfig struct {
	SampleRate      int
	WindowSeconds   float64
	OverlapSeconds  float64
	MinFlushSeconds float64
}

// WindowBuffer accumulates session audio, normalizes it to the reference
// format (mono, target rate) and cuts fixed-length overlapping analysis
// windows. Owned by a single session worker; not safe for concurrent use.
type WindowBuffer struct {
	cfg           WindowConfig
	windowSamples int64
	strideSamples int64
	minFlush      int64

	samples []float32 // retained audio starting at absolute index base
	base    int64
	total   int64 // absolute samples appended so far
	cursor  int64 // absolute start of the next regular window
	lastEnd int64 // absolute end of the last emitted window

	nextID  int64
	seenSeq bool
	nextSeq int64
	gap     bool

	rs     resampling.Resampler
	rsRate int
}

func NewWindowBuffer(cfg WindowConfig, startOffsetSeconds float64) *WindowBuffer {
	win := int64(cfg.WindowSeconds * float64(cfg.SampleRate))
	stride := win - int64(cfg.OverlapSeconds*float64(cfg.SampleRate))
	if stride <= 0 {
		stride = win
	}
	off := int64(startOffsetSeconds * float64(cfg.SampleRate))
	return &WindowBuffer{
		cfg:           cfg,
		windowSamples: win,
		strideSamples: stride,
		minFlush:      int64(cfg.MinFlushSeconds * float64(cfg.SampleRate)),
		base:          off,
		total:         off,
		cursor:        off,
		lastEnd:       off,
	}
}

// Append consumes one chunk and returns zero or more windows that became
// ready. A sequence gap is tolerated (best effort) but flags the next window.
func (b *WindowBuffer) Append(chunk AudioChunk) ([]AnalysisWindow, error) {
	if b.seenSeq && chunk.Sequence != b.nextSeq {
		b.gap = true
	}
	b.seenSeq = true
	b.nextSeq = chunk.Sequence + 1

	mono := downmixPCM16(chunk.PCM, chunk.Channels)
	if chunk.SampleRate != b.cfg.SampleRate {
		var err error
		mono, err = b.resample(mono, chunk.SampleRate)
		if err != nil {
			return nil, err
		}
	}

	b.samples = append(b.samples, mono...)
	b.total += int64(len(mono))

	var out []AnalysisWindow
	for b.total-b.cursor >= b.windowSamples {
		w := b.cut(b.cursor, b.cursor+b.windowSamples, false)
		out = append(out, w)
		b.cursor += b.strideSamples
		b.trim()
	}
	return out, nil
}

// Flush returns the trailing audio not yet covered by an emitted window, or
// nil when the remainder is shorter than the configured minimum. Called once
// on stop or idle timeout.
func (b *WindowBuffer) Flush() *AnalysisWindow {
	start := b.lastEnd
	if b.cursor > start {
		start = b.cursor
	}
	if b.total-start < b.minFlush {
		return nil
	}
	w := b.cut(start, b.total, true)
	b.cursor = b.total
	b.lastEnd = b.total
	return &w
}

// Seconds reports the total duration of audio consumed (the audio cursor).
func (b *WindowBuffer) Seconds() float64 {
	return float64(b.total) / float64(b.cfg.SampleRate)
}

func (b *WindowBuffer) cut(start, end int64, final bool) AnalysisWindow {
	samples := make([]float32, end-start)
	copy(samples, b.samples[start-b.base:end-b.base])

	w := AnalysisWindow{
		ID:            b.nextID,
		Start:         float64(start) / float64(b.cfg.SampleRate),
		End:           float64(end) / float64(b.cfg.SampleRate),
		Samples:       samples,
		Discontinuity: b.gap,
		Final:         final,
	}
	b.nextID++
	b.gap = false
	if end > b.lastEnd {
		b.lastEnd = end
	}
	return w
}

// trim drops audio no longer reachable by any future window.
func (b *WindowBuffer) trim() {
	if b.cursor <= b.base {
		return
	}
	drop := b.cursor - b.base
	b.samples = append(b.samples[:0], b.samples[drop:]...)
	b.base = b.cursor
}

func (b *WindowBuffer) resample(mono []float32, srcRate int) ([]float32, error) {
	if b.rs == nil || b.rsRate != srcRate {
		rs, err := resampling.New(&resampling.Config{
			InputRate:  float64(srcRate),
			OutputRate: float64(b.cfg.SampleRate),
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("create resampler %d->%d: %w", srcRate, b.cfg.SampleRate, err)
		}
		b.rs = rs
		b.rsRate = srcRate
	}

	in := make([]float64, len(mono))
	for i, s := range mono {
		in[i] = float64(s)
	}
	out, err := b.rs.Process(in)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	res := make([]float32, len(out))
	for i, s := range out {
		res[i] = float32(s)
	}
	return res, nil
}

// downmixPCM16 decodes interleaved PCM16 and averages channels to mono.
func downmixPCM16(pcm []byte, channels int) []float32 {
	if channels <= 0 {
		channels = 1
	}
	frames := len(pcm) / 2 / channels
	out := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float64
		for c := 0; c < channels; c++ {
			v := int16(binary.LittleEndian.Uint16(pcm[(f*channels+c)*2:]))
			sum += float64(v) / 32768.0
		}
		out[f] = float32(sum / float64(channels))
	}
	return out
}
