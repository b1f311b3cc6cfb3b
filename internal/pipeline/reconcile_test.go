package pipeline

import (
	"testing"

	"github.com/verbumlabs/verbum/internal/models"
	"github.com/verbumlabs/verbum/internal/providers/asr"
	"github.com/verbumlabs/verbum/internal/providers/diar"
)

func staticResolve(m map[string]string) func(string, []float32) string {
	return func(cluster string, _ []float32) string {
		if label, ok := m[cluster]; ok {
			return label
		}
		return models.UnknownSpeaker
	}
}

func TestReconcileMaxOverlapAttribution(t *testing.T) {
	w := AnalysisWindow{ID: 0, Start: 0, End: 6}
	tr := &asr.Result{Segments: []asr.Segment{
		{Start: 0.5, End: 2.5, Text: "hello there", Confidence: 0.9},
		{Start: 3.0, End: 5.5, Text: "general kenobi", Confidence: 0.8},
	}}
	dz := &diar.Result{Segments: []diar.Segment{
		{Start: 0, End: 3, Cluster: "A"},
		{Start: 3, End: 6, Cluster: "B"},
	}}

	out := Reconcile(w, tr, dz, staticResolve(map[string]string{"A": "Alice", "B": "Bob"}))
	if len(out) != 2 {
		t.Fatalf("got %d candidates, want 2", len(out))
	}
	if out[0].Segment.Speaker != "Alice" {
		t.Fatalf("first segment attributed to %q, want Alice", out[0].Segment.Speaker)
	}
	if out[1].Segment.Speaker != "Bob" {
		t.Fatalf("second segment attributed to %q, want Bob", out[1].Segment.Speaker)
	}
}

func TestReconcileTieBreakEarliestStart(t *testing.T) {
	w := AnalysisWindow{ID: 0, Start: 0, End: 6}
	tr := &asr.Result{Segments: []asr.Segment{
		{Start: 1, End: 3, Text: "shared span", Confidence: 0.9},
	}}
	// both clusters overlap the span by exactly 2s
	dz := &diar.Result{Segments: []diar.Segment{
		{Start: 1, End: 3, Cluster: "B"},
		{Start: 0, End: 3, Cluster: "A"},
	}}

	out := Reconcile(w, tr, dz, staticResolve(map[string]string{"A": "Alice", "B": "Bob"}))
	if len(out) != 1 || out[0].Segment.Speaker != "Alice" {
		t.Fatalf("tie not broken by earliest diarization start: %+v", out)
	}
}

func TestReconcileUnknownWhenNoOverlap(t *testing.T) {
	w := AnalysisWindow{ID: 0, Start: 6, End: 12}
	tr := &asr.Result{Segments: []asr.Segment{
		{Start: 1, End: 2, Text: "orphan span", Confidence: 0.7},
	}}
	dz := &diar.Result{Segments: []diar.Segment{
		{Start: 4, End: 6, Cluster: "A"},
	}}

	out := Reconcile(w, tr, dz, staticResolve(nil))
	if len(out) != 1 {
		t.Fatalf("got %d candidates, want 1", len(out))
	}
	if out[0].Segment.Speaker != models.UnknownSpeaker {
		t.Fatalf("speaker = %q, want %q", out[0].Segment.Speaker, models.UnknownSpeaker)
	}
	// times shifted to the session timeline
	if out[0].Segment.Start != 7 || out[0].Segment.End != 8 {
		t.Fatalf("segment spans [%v,%v), want [7,8)", out[0].Segment.Start, out[0].Segment.End)
	}
}

func TestReconcileSkipsEmptyText(t *testing.T) {
	w := AnalysisWindow{ID: 0, Start: 0, End: 6}
	tr := &asr.Result{Segments: []asr.Segment{
		{Start: 0, End: 2, Text: "   ", Confidence: 0.9},
	}}

	if out := Reconcile(w, tr, nil, staticResolve(nil)); len(out) != 0 {
		t.Fatalf("blank segments not skipped: %+v", out)
	}
}

func TestMergeAppendSeamTruncatesOnWordMidpoints(t *testing.T) {
	transcript := []models.TranscriptSegment{
		{Start: 2, End: 6, Text: "alpha beta", Speaker: "Alice", Confidence: 0.9},
	}
	cand := Candidate{
		Segment: models.TranscriptSegment{Start: 4, End: 8, Text: "beta gamma delta", Speaker: "Alice", Confidence: 0.8},
		Words: []asr.Word{
			// "beta" has its midpoint before the seam at 6 and is cut
			{Start: 4.5, End: 5.5, Text: "beta"},
			{Start: 6.2, End: 7.0, Text: "gamma"},
			{Start: 7.2, End: 8.0, Text: "delta"},
		},
	}

	merged, produced := MergeAppend(transcript, []Candidate{cand}, false)
	if len(produced) != 1 {
		t.Fatalf("got %d produced segments, want 1", len(produced))
	}
	if produced[0].Text != "gamma delta" {
		t.Fatalf("seam text = %q, want %q", produced[0].Text, "gamma delta")
	}
	if produced[0].Start != 6.2 {
		t.Fatalf("seam start = %v, want 6.2", produced[0].Start)
	}
	if len(merged) != 2 {
		t.Fatalf("transcript has %d segments, want 2", len(merged))
	}
}

func TestMergeAppendDropsCoveredCandidate(t *testing.T) {
	transcript := []models.TranscriptSegment{
		{Start: 2, End: 6, Text: "alpha beta", Confidence: 0.9},
	}
	cand := Candidate{
		Segment: models.TranscriptSegment{Start: 3, End: 5, Text: "alpha", Confidence: 0.5},
	}

	merged, produced := MergeAppend(transcript, []Candidate{cand}, false)
	if len(produced) != 0 {
		t.Fatalf("covered candidate not dropped: %+v", produced)
	}
	if len(merged) != 1 {
		t.Fatalf("transcript has %d segments, want 1", len(merged))
	}
}

func TestMergeAppendReplacesLessConfidentContained(t *testing.T) {
	transcript := []models.TranscriptSegment{
		{Start: 3, End: 4, Text: "fragment", Confidence: 0.4},
	}
	cand := Candidate{
		Segment: models.TranscriptSegment{Start: 2, End: 6, Text: "a full utterance", Confidence: 0.9},
	}

	merged, produced := MergeAppend(transcript, []Candidate{cand}, false)
	if len(merged) != 1 || merged[0].Text != "a full utterance" {
		t.Fatalf("contained fragment not replaced: %+v", merged)
	}
	if len(produced) != 1 {
		t.Fatalf("got %d produced segments, want 1", len(produced))
	}
}

func TestMergeAppendIdenticalOverlapOutputNoDuplicate(t *testing.T) {
	// both windows transcribe the seam region identically; the second copy
	// must be dropped, not appended
	transcript := []models.TranscriptSegment{
		{Start: 4, End: 5.8, Text: "same words", Confidence: 0.85},
	}
	cand := Candidate{
		Segment: models.TranscriptSegment{Start: 4, End: 5.8, Text: "same words", Confidence: 0.85},
	}

	merged, produced := MergeAppend(transcript, []Candidate{cand}, false)
	if len(produced) != 0 || len(merged) != 1 {
		t.Fatalf("identical overlap duplicated: merged=%d produced=%d", len(merged), len(produced))
	}
}

func TestMergeAppendDiscontinuitySkipsSeamRules(t *testing.T) {
	transcript := []models.TranscriptSegment{
		{Start: 2, End: 6, Text: "before the gap", Confidence: 0.9},
	}
	cand := Candidate{
		Segment: models.TranscriptSegment{Start: 4, End: 8, Text: "after the gap", Confidence: 0.8},
	}

	merged, produced := MergeAppend(transcript, []Candidate{cand}, true)
	if len(produced) != 1 || produced[0].Start != 4 || produced[0].Text != "after the gap" {
		t.Fatalf("discontinuity candidate was altered: %+v", produced)
	}
	if len(merged) != 2 {
		t.Fatalf("transcript has %d segments, want 2", len(merged))
	}
}

func TestMergeAppendRealWindowAfterDegradedKeepsOverlapWords(t *testing.T) {
	// window 1 transcribed, window 2 degraded into a placeholder, window 3
	// overlaps the placeholder; its words must survive and the placeholder
	// must shrink to the span still lacking real coverage
	transcript := []models.TranscriptSegment{
		{Start: 0, End: 6, Text: "window one speech", Speaker: "Alice", Confidence: 0.9, WindowID: 0},
		{Start: 4, End: 10, Speaker: models.UnknownSpeaker, WindowID: 1, Degraded: true},
	}
	cand := Candidate{
		Segment: models.TranscriptSegment{Start: 8.2, End: 13.5, Text: "alpha beta gamma delta", Speaker: "Alice", Confidence: 0.85, WindowID: 2},
		Words: []asr.Word{
			{Start: 8.2, End: 8.8, Text: "alpha"},
			{Start: 9.0, End: 9.6, Text: "beta"},
			{Start: 10.4, End: 11.0, Text: "gamma"},
			{Start: 12.0, End: 13.5, Text: "delta"},
		},
	}

	merged, produced := MergeAppend(transcript, []Candidate{cand}, false)
	if len(produced) != 1 || produced[0].Text != "alpha beta gamma delta" {
		t.Fatalf("words truncated against the placeholder: %+v", produced)
	}
	if produced[0].Start != 8.2 {
		t.Fatalf("segment start = %v, want 8.2", produced[0].Start)
	}

	var placeholders []models.TranscriptSegment
	for _, s := range merged {
		if s.Degraded {
			placeholders = append(placeholders, s)
		}
	}
	if len(placeholders) != 1 || placeholders[0].Start != 4 || placeholders[0].End != 8.2 {
		t.Fatalf("placeholder not shrunk to the uncovered span: %+v", placeholders)
	}
}

func TestMergeAppendCandidateConsumesCoveredPlaceholder(t *testing.T) {
	transcript := []models.TranscriptSegment{
		{Start: 4, End: 10, Speaker: models.UnknownSpeaker, WindowID: 1, Degraded: true},
	}
	cand := Candidate{
		Segment: models.TranscriptSegment{Start: 3.8, End: 10.2, Text: "recovered speech", Confidence: 0.8, WindowID: 2},
	}

	merged, produced := MergeAppend(transcript, []Candidate{cand}, false)
	if len(produced) != 1 || produced[0].Text != "recovered speech" {
		t.Fatalf("candidate over a placeholder was altered: %+v", produced)
	}
	for _, s := range merged {
		if s.Degraded {
			t.Fatalf("fully covered placeholder survived: %+v", s)
		}
	}
}

func TestMergeAppendWordlessSeamDropsMostlySwallowed(t *testing.T) {
	transcript := []models.TranscriptSegment{
		{Start: 0, End: 5, Text: "long kept tail", Confidence: 0.9},
	}
	// seam at 5 swallows 3 of 4 seconds; with no word timing the candidate
	// cannot be cut cleanly, so it is dropped
	cand := Candidate{
		Segment: models.TranscriptSegment{Start: 2, End: 6, Text: "mostly duplicate", Confidence: 0.8},
	}

	_, produced := MergeAppend(transcript, []Candidate{cand}, false)
	if len(produced) != 0 {
		t.Fatalf("mostly-swallowed candidate kept: %+v", produced)
	}
}
