package config

import (
	"os"
	"strconv"
	"time"
)

// Settings carries the pipeline tunables. Everything is read from the
// environment once at startup; zero-config defaults match the reference
// deployment (16 kHz mono PCM16, 6 s windows with 2 s overlap).
type Settings struct {
	// Audio reference format. All inbound chunks are normalized to this
	// before inference.
	SampleRate int

	// Windowing.
	WindowSeconds  float64
	OverlapSeconds float64
	// MinFlushSeconds is the shortest trailing remainder still flushed on
	// stop; anything shorter is discarded as sub-utterance noise.
	MinFlushSeconds float64

	// Per-session scheduling.
	MaxPendingWindows int
	MaxInflight       int
	IdleTimeout       time.Duration

	// Inference calls.
	InferenceTimeout time.Duration
	TimeoutRetries   int
	// FailureBudget is the number of consecutive degraded windows after
	// which the session is closed with an error.
	FailureBudget int

	// Speaker identity resolution. Threshold and margin are configuration
	// on purpose: the acceptance policy is deployment-specific.
	MatchThreshold float64
	MatchMargin    float64
}

func Load() Settings {
	return Settings{
		SampleRate:        envInt("AUDIO_SAMPLE_RATE", 16000),
		WindowSeconds:     envFloat("WINDOW_SECONDS", 6),
		OverlapSeconds:    envFloat("WINDOW_OVERLAP_SECONDS", 2),
		MinFlushSeconds:   envFloat("MIN_FLUSH_SECONDS", 0.5),
		MaxPendingWindows: envInt("MAX_PENDING_WINDOWS", 4),
		MaxInflight:       envInt("MAX_INFLIGHT_WINDOWS", 2),
		IdleTimeout:       envDuration("SESSION_IDLE_TIMEOUT", 60*time.Second),
		InferenceTimeout:  envDuration("INFERENCE_TIMEOUT", 15*time.Second),
		TimeoutRetries:    envInt("INFERENCE_TIMEOUT_RETRIES", 2),
		FailureBudget:     envInt("SESSION_FAILURE_BUDGET", 3),
		MatchThreshold:    envFloat("SPEAKER_MATCH_THRESHOLD", 0.80),
		MatchMargin:       envFloat("SPEAKER_MATCH_MARGIN", 0.05),
	}
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
