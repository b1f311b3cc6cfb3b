package pipeline

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/verbumlabs/verbum/internal/models"
)

// ProfileSource supplies read-only snapshots of the enrolled speaker
// profiles. Enrollment writes happen elsewhere; the resolver never mutates
// profiles.
type ProfileSource interface {
	Snapshot(ctx context.Context) ([]models.SpeakerProfile, error)
}

// Resolver maps diarization cluster ids to stable speaker labels for one
// session. A cluster is resolved once, the first time it is seen; the label
// never changes afterwards even if profile data changes mid-session, so the
// already-emitted transcript stays consistent. Owned by the session worker;
// not safe for concurrent use.
type Resolver struct {
	source    ProfileSource
	threshold float64
	margin    float64
	log       *logrus.Entry

	labels map[string]string
	anon   int
}

func NewResolver(source ProfileSource, threshold, margin float64, log *logrus.Entry) *Resolver {
	return &Resolver{
		source:    source,
		threshold: threshold,
		margin:    margin,
		log:       log,
		labels:    make(map[string]string),
	}
}

// Resolve returns the label for a cluster, assigning one on first sight.
// The cluster's representative embedding is compared against every enrolled
// profile by cosine similarity; the best match wins if it clears the
// acceptance threshold AND beats the runner-up by the ambiguity margin.
// Anything else gets a synthetic Speaker_N label, numbered by
// first-appearance order.
func (r *Resolver) Resolve(ctx context.Context, cluster string, embedding []float32) string {
	if label, ok := r.labels[cluster]; ok {
		return label
	}

	label := r.match(ctx, cluster, embedding)
	if label == "" {
		r.anon++
		label = fmt.Sprintf("Speaker_%d", r.anon)
	}
	r.labels[cluster] = label
	return label
}

// Labels returns a copy of the cluster-to-label assignments made so far.
func (r *Resolver) Labels() map[string]string {
	out := make(map[string]string, len(r.labels))
	for k, v := range r.labels {
		out[k] = v
	}
	return out
}

// Restore seeds assignments from a rehydrated session so re-attached clusters
// keep their labels and Speaker_N numbering continues where it left off.
func (r *Resolver) Restore(labels map[string]string) {
	for k, v := range labels {
		r.labels[k] = v
		var n int
		if _, err := fmt.Sscanf(v, "Speaker_%d", &n); err == nil && n > r.anon {
			r.anon = n
		}
	}
}

func (r *Resolver) match(ctx context.Context, cluster string, embedding []float32) string {
	if len(embedding) == 0 || r.source == nil {
		return ""
	}

	profiles, err := r.source.Snapshot(ctx)
	if err != nil {
		r.log.WithError(err).Warn("profile snapshot unavailable, assigning anonymous label")
		return ""
	}

	var bestName string
	best, second := -1.0, -1.0
	for _, p := range profiles {
		sim := cosineSimilarity(embedding, p.Embedding.Slice())
		if sim > best {
			second = best
			best = sim
			bestName = p.Name
		} else if sim > second {
			second = sim
		}
	}

	if best < r.threshold {
		return ""
	}
	if second >= 0 && best-second < r.margin {
		// Two profiles too close to call: an anonymous label beats a
		// possible misattribution.
		r.log.WithFields(logrus.Fields{
			"cluster": cluster,
			"best":    best,
			"second":  second,
		}).Info("ambiguous speaker match")
		return ""
	}

	r.log.WithFields(logrus.Fields{
		"cluster":    cluster,
		"speaker":    bestName,
		"similarity": best,
	}).Debug("speaker identified")
	return bestName
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	x := make([]float64, len(a))
	y := make([]float64, len(b))
	for i := range a {
		x[i] = float64(a[i])
		y[i] = float64(b[i])
	}
	nx := floats.Norm(x, 2)
	ny := floats.Norm(y, 2)
	if nx == 0 || ny == 0 {
		return 0
	}
	return floats.Dot(x, y) / (nx * ny)
}
