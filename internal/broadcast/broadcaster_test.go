package broadcast

import (
	"encoding/json"
	"testing"

	"github.com/verbumlabs/verbum/internal/models"
	"github.com/verbumlabs/verbum/internal/pipeline"
)

func TestEncodeSegmentProduced(t *testing.T) {
	channel, msg, err := encode(pipeline.SegmentProduced{
		SessionID: "s1",
		Segments: []models.TranscriptSegment{
			{Start: 0, End: 1.5, Text: "hello", Speaker: "Alice", Confidence: 0.9},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if channel != "session:s1:events" {
		t.Fatalf("channel = %q, want session:s1:events", channel)
	}

	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != "new_segments" {
		t.Fatalf("type = %q, want new_segments", env.Type)
	}

	var ev pipeline.SegmentProduced
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.SessionID != "s1" || len(ev.Segments) != 1 || ev.Segments[0].Speaker != "Alice" {
		t.Fatalf("payload did not round-trip: %+v", ev)
	}
}

func TestEncodeStateChange(t *testing.T) {
	channel, msg, err := encode(pipeline.SessionStateChanged{SessionID: "s2", State: models.SessionStopped})
	if err != nil {
		t.Fatal(err)
	}
	if channel != "session:s2:events" {
		t.Fatalf("channel = %q, want session:s2:events", channel)
	}

	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != "session_state" {
		t.Fatalf("type = %q, want session_state", env.Type)
	}
}
