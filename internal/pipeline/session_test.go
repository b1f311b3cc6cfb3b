package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verbumlabs/verbum/internal/models"
	"github.com/verbumlabs/verbum/internal/providers/asr"
	"github.com/verbumlabs/verbum/internal/providers/diar"
	"github.com/verbumlabs/verbum/internal/utils"
)

type fakeASR struct {
	mu    sync.Mutex
	calls int
	// transcribe receives the 1-based call number; the session dispatches
	// windows in order so call n corresponds to window n-1
	transcribe func(call int, samples []float32, rate int) (*asr.Result, error)
}

func (f *fakeASR) Transcribe(ctx context.Context, samples []float32, rate int, _ string) (*asr.Result, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, utils.E(utils.CodeTimeout, "fakeASR.Transcribe", "cancelled", err)
	}
	return f.transcribe(n, samples, rate)
}

func (f *fakeASR) Close() error { return nil }

type fakeDiar struct {
	mu      sync.Mutex
	calls   int
	diarize func(call int, samples []float32, rate int) (*diar.Result, error)
}

func (f *fakeDiar) Diarize(ctx context.Context, samples []float32, rate int) (*diar.Result, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.diarize != nil {
		return f.diarize(n, samples, rate)
	}
	return fullWindowCluster(samples, rate), nil
}

func (f *fakeDiar) Embed(context.Context, []float32, int) ([]float32, error) {
	return nil, utils.E(utils.CodeUnavailable, "fakeDiar.Embed", "not supported", nil)
}

func (f *fakeDiar) Close() error { return nil }

func fullWindowCluster(samples []float32, rate int) *diar.Result {
	return &diar.Result{Segments: []diar.Segment{
		{Start: 0, End: float64(len(samples)) / float64(rate), Cluster: "c0"},
	}}
}

type fakeStore struct {
	mu         sync.Mutex
	transcript []models.TranscriptSegment
	statuses   []string
	endStatus  string
}

func (f *fakeStore) SaveTranscript(_ context.Context, _ string, segments []models.TranscriptSegment, _ map[string]string, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcript = append([]models.TranscriptSegment(nil), segments...)
	return nil
}

func (f *fakeStore) SetStatus(_ context.Context, _ string, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStore) SetLanguage(context.Context, string, string) error { return nil }

func (f *fakeStore) End(_ context.Context, _ string, status string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endStatus = status
	return nil
}

func (f *fakeStore) finalTranscript() []models.TranscriptSegment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.TranscriptSegment(nil), f.transcript...)
}

func (f *fakeStore) ended() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endStatus
}

func testPipelineConfig() Config {
	return Config{
		Window:            testWindowConfig(),
		MaxPendingWindows: 4,
		MaxInflight:       2,
		IdleTimeout:       5 * time.Second,
		InferenceTimeout:  2 * time.Second,
		TimeoutRetries:    1,
		FailureBudget:     3,
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestSession(t *testing.T, cfg Config, asrP asr.Provider, diarP diar.Provider, store Store, bus *Bus) *Session {
	t.Helper()
	log := quietLogger()
	resolver := NewResolver(&fakeProfiles{}, 0.80, 0.05, log.WithField("component", "resolver"))
	s := NewSession(&models.Session{SessionID: "test-session"}, cfg, asrP, diarP, resolver, store, bus, log, nil)
	s.Start()
	return s
}

func feedSeconds(t *testing.T, s *Session, startSeq int64, chunks int, secondsEach float64) {
	t.Helper()
	for i := 0; i < chunks; i++ {
		chunk := AudioChunk{
			SessionID:  "test-session",
			Sequence:   startSeq + int64(i),
			SampleRate: 16000,
			Channels:   1,
			PCM:        pcm16Silence(secondsEach, 16000, 1),
		}
		if err := s.Ingest(chunk); err != nil {
			t.Fatalf("ingest chunk %d: %v", i, err)
		}
	}
}

func contextWithTestTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// waitTranscript blocks until at least n segments have been merged. A stop
// request cancels in-flight inference, so tests that care about window
// results must wait for the merges before stopping.
func waitTranscript(t *testing.T, s *Session, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.Transcript()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transcript has %d segments, want at least %d", len(s.Transcript()), n)
}

func waitState(t *testing.T, s *Session, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", s.State(), want)
}

func wholeWindowResult(call int, samples []float32, rate int) (*asr.Result, error) {
	dur := float64(len(samples)) / float64(rate)
	return &asr.Result{Segments: []asr.Segment{
		{Start: 0.5, End: dur - 0.5, Text: fmt.Sprintf("window %d speech", call), Confidence: 0.9},
	}}, nil
}

func TestSessionOrderedMergeUnderLatencyJitter(t *testing.T) {
	// the first window's inference is much slower than the second's; merges
	// must still happen in window order
	asrP := &fakeASR{transcribe: func(call int, samples []float32, rate int) (*asr.Result, error) {
		if call == 1 {
			time.Sleep(150 * time.Millisecond)
		}
		return wholeWindowResult(call, samples, rate)
	}}
	store := &fakeStore{}
	bus := NewBus()
	events, cancel := bus.Subscribe(64)
	defer cancel()

	s := newTestSession(t, testPipelineConfig(), asrP, &fakeDiar{}, store, bus)
	feedSeconds(t, s, 0, 3, 4) // 12s -> windows [0,6) and [4,10), flush [10,12)
	waitTranscript(t, s, 2)

	ctx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	var produced [][]models.TranscriptSegment
	for done := false; !done; {
		select {
		case e := <-events:
			switch ev := e.(type) {
			case SegmentProduced:
				produced = append(produced, ev.Segments)
			case SessionStateChanged:
				if ev.State == models.SessionStopped {
					done = true
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no terminal event observed")
		}
	}

	if len(produced) < 2 {
		t.Fatalf("got %d segment batches, want at least 2", len(produced))
	}
	lastStart := -1.0
	for _, batch := range produced {
		for _, seg := range batch {
			if seg.Start < lastStart-timeEps {
				t.Fatalf("segments emitted out of order: %v after %v", seg.Start, lastStart)
			}
			lastStart = seg.Start
		}
	}

	final := store.finalTranscript()
	if len(final) == 0 {
		t.Fatal("no transcript persisted")
	}
	for i := 1; i < len(final); i++ {
		if final[i].Start < final[i-1].Start {
			t.Fatalf("persisted transcript out of order at %d", i)
		}
	}
	if store.ended() != models.SessionStopped {
		t.Fatalf("end status = %q, want %q", store.ended(), models.SessionStopped)
	}
}

func TestSessionDegradedWindowPlaceholder(t *testing.T) {
	asrP := &fakeASR{transcribe: wholeWindowResult}
	dz := &fakeDiar{diarize: func(call int, samples []float32, rate int) (*diar.Result, error) {
		if call == 2 {
			return nil, utils.E(utils.CodeUnavailable, "fakeDiar.Diarize", "model crashed", nil)
		}
		return fullWindowCluster(samples, rate), nil
	}}
	store := &fakeStore{}

	// one window in flight at a time makes the call order deterministic
	cfg := testPipelineConfig()
	cfg.MaxInflight = 1

	s := newTestSession(t, cfg, asrP, dz, store, NewBus())
	feedSeconds(t, s, 0, 3, 4)
	waitTranscript(t, s, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	var degraded []models.TranscriptSegment
	for _, seg := range store.finalTranscript() {
		if seg.Degraded {
			degraded = append(degraded, seg)
		}
	}
	if len(degraded) != 1 {
		t.Fatalf("got %d degraded placeholders, want 1", len(degraded))
	}
	if degraded[0].Start != 4 || degraded[0].End != 10 {
		t.Fatalf("placeholder spans [%v,%v), want [4,10)", degraded[0].Start, degraded[0].End)
	}
	if degraded[0].Text != "" || degraded[0].Speaker != models.UnknownSpeaker {
		t.Fatalf("placeholder not empty/unknown: %+v", degraded[0])
	}
	// one degraded window does not close the session
	if store.ended() != models.SessionStopped {
		t.Fatalf("end status = %q, want %q", store.ended(), models.SessionStopped)
	}
}

func TestSessionFailureBudgetClosesSession(t *testing.T) {
	asrP := &fakeASR{transcribe: func(int, []float32, int) (*asr.Result, error) {
		return nil, utils.E(utils.CodeUnavailable, "fakeASR.Transcribe", "model down", nil)
	}}
	store := &fakeStore{}
	bus := NewBus()
	events, cancel := bus.Subscribe(64)
	defer cancel()

	s := newTestSession(t, testPipelineConfig(), asrP, &fakeDiar{}, store, bus)
	feedSeconds(t, s, 0, 4, 4) // 16s -> three windows, all degraded

	waitState(t, s, models.SessionErrorClosed)
	if store.ended() != models.SessionErrorClosed {
		t.Fatalf("end status = %q, want %q", store.ended(), models.SessionErrorClosed)
	}

	sawTerminal := false
	deadline := time.After(2 * time.Second)
	for !sawTerminal {
		select {
		case e := <-events:
			if ev, ok := e.(SessionStateChanged); ok && ev.State == models.SessionErrorClosed {
				sawTerminal = true
			}
		case <-deadline:
			t.Fatal("no error_closed event published")
		}
	}

	if err := s.Ingest(AudioChunk{SessionID: "test-session"}); !utils.IsCode(err, utils.CodeConflict) {
		t.Fatalf("ingest after close: %v, want CONFLICT", err)
	}
}

func TestSessionIdleTimeout(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.IdleTimeout = 50 * time.Millisecond

	store := &fakeStore{}
	s := newTestSession(t, cfg, &fakeASR{transcribe: wholeWindowResult}, &fakeDiar{}, store, NewBus())

	waitState(t, s, models.SessionStopped)
	if store.ended() != models.SessionStopped {
		t.Fatalf("end status = %q, want %q", store.ended(), models.SessionStopped)
	}
}

func TestSessionStopFlushesPartialWindow(t *testing.T) {
	asrP := &fakeASR{transcribe: wholeWindowResult}
	store := &fakeStore{}

	s := newTestSession(t, testPipelineConfig(), asrP, &fakeDiar{}, store, NewBus())
	feedSeconds(t, s, 0, 1, 5) // shorter than one full window

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	final := store.finalTranscript()
	if len(final) != 1 {
		t.Fatalf("got %d segments, want 1 from the flush window", len(final))
	}
	if final[0].Start < 0 || final[0].End > 5 {
		t.Fatalf("flush segment out of range: %+v", final[0])
	}

	// stop is terminal; repeated stops are conflicts at the intake level
	if err := s.Ingest(AudioChunk{SessionID: "test-session"}); !utils.IsCode(err, utils.CodeConflict) {
		t.Fatalf("ingest after stop: %v, want CONFLICT", err)
	}
}
