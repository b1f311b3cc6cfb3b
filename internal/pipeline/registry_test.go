package pipeline

import (
	"testing"
	"time"

	"github.com/verbumlabs/verbum/internal/models"
	"github.com/verbumlabs/verbum/internal/utils"
)

func newTestRegistry(cfg Config, store Store) *Registry {
	return NewRegistry(cfg, 0.80, 0.05,
		&fakeASR{transcribe: wholeWindowResult}, &fakeDiar{}, &fakeProfiles{}, store, NewBus(), quietLogger())
}

func TestRegistryAttachIsIdempotent(t *testing.T) {
	r := newTestRegistry(testPipelineConfig(), &fakeStore{})
	doc := &models.Session{SessionID: "s1"}

	a := r.Attach(doc)
	b := r.Attach(doc)
	if a != b {
		t.Fatal("second attach returned a different session")
	}
	if r.Len() != 1 {
		t.Fatalf("registry has %d sessions, want 1", r.Len())
	}

	ctx, cancel := contextWithTestTimeout()
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestRegistryGetUnknownSession(t *testing.T) {
	r := newTestRegistry(testPipelineConfig(), &fakeStore{})

	if _, err := r.Get("nope"); !utils.IsCode(err, utils.CodeNotFound) {
		t.Fatalf("got %v, want NOT_FOUND", err)
	}
}

func TestRegistryRemovesTerminalSessions(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.IdleTimeout = 50 * time.Millisecond

	r := newTestRegistry(cfg, &fakeStore{})
	s := r.Attach(&models.Session{SessionID: "s1"})

	waitState(t, s, models.SessionStopped)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("terminal session still registered, len=%d", r.Len())
}

func TestRegistryAttachRestoresSpeakerLabels(t *testing.T) {
	r := newTestRegistry(testPipelineConfig(), &fakeStore{})
	doc := &models.Session{
		SessionID:    "s1",
		AudioSeconds: 40,
		Speakers:     map[string]string{"c0": "Speaker_2"},
		Segments: []models.TranscriptSegment{
			{Start: 10, End: 12, Text: "earlier speech", Speaker: "Speaker_2"},
		},
	}

	s := r.Attach(doc)
	if got := s.Transcript(); len(got) != 1 || got[0].Text != "earlier speech" {
		t.Fatalf("rehydrated transcript wrong: %+v", got)
	}

	ctx, cancel := contextWithTestTimeout()
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}
