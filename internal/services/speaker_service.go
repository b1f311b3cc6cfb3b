package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/sirupsen/logrus"

	"github.com/verbumlabs/verbum/internal/cache"
	"github.com/verbumlabs/verbum/internal/models"
	"github.com/verbumlabs/verbum/internal/providers/diar"
	"github.com/verbumlabs/verbum/internal/providers/wav"
	pgrepo "github.com/verbumlabs/verbum/internal/repositories/postgres"
	"github.com/verbumlabs/verbum/internal/storage"
	"github.com/verbumlabs/verbum/internal/utils"
)

const (
	speakersCacheKey = "speakers:profiles"
	speakersCacheTTL = 30 * time.Second

	// minEnrollSeconds guards against enrollment clips too short for a
	// stable voice embedding.
	minEnrollSeconds = 3.0
)

type SpeakerService interface {
	List(ctx context.Context) ([]models.SpeakerProfile, error)
	Get(ctx context.Context, id string) (*models.SpeakerProfile, error)
	Enroll(ctx context.Context, name string, aliases []string, wavData []byte) (*models.SpeakerProfile, error)
	Delete(ctx context.Context, id string) error

	// Snapshot serves the pipeline's read path; it is cache-backed so every
	// new cluster in every live session does not hit postgres.
	Snapshot(ctx context.Context) ([]models.SpeakerProfile, error)
}

type speakerService struct {
	speakers pgrepo.SpeakerRepository
	embedder diar.Provider
	cache    cache.Cache
	uploader storage.Uploader
	log      *logrus.Entry
}

func NewSpeakerService(speakers pgrepo.SpeakerRepository, embedder diar.Provider, c cache.Cache, uploader storage.Uploader, log *logrus.Entry) SpeakerService {
	return &speakerService{speakers: speakers, embedder: embedder, cache: c, uploader: uploader, log: log}
}

func (s *speakerService) List(ctx context.Context) ([]models.SpeakerProfile, error) {
	const op = "SpeakerService.List"

	out, err := s.speakers.List(ctx)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list speakers", err)
	}
	return out, nil
}

func (s *speakerService) Get(ctx context.Context, id string) (*models.SpeakerProfile, error) {
	const op = "SpeakerService.Get"

	if id == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "speaker id is required", nil)
	}
	out, err := s.speakers.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "speaker not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to get speaker", err)
	}
	return out, nil
}

func (s *speakerService) Enroll(ctx context.Context, name string, aliases []string, wavData []byte) (*models.SpeakerProfile, error) {
	const op = "SpeakerService.Enroll"

	if name == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "speaker name is required", nil)
	}

	samples, rate, err := wav.DecodeMono(wavData)
	if err != nil {
		return nil, utils.E(utils.CodeInvalidArgument, op, "invalid wav file", err)
	}
	if float64(len(samples))/float64(rate) < minEnrollSeconds {
		return nil, utils.E(utils.CodeInvalidArgument, op,
			fmt.Sprintf("enrollment audio must be at least %.0f seconds", minEnrollSeconds), nil)
	}

	embedding, err := s.embedder.Embed(ctx, samples, rate)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	profile := &models.SpeakerProfile{
		ID:          uuid.NewString(),
		Name:        name,
		SampleCount: 1,
		Aliases:     pq.StringArray(aliases),
		Embedding:   pgvector.NewVector(embedding),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Re-enrollment keeps the existing row's identity and bumps the count.
	if existing, gerr := s.speakers.GetByName(ctx, name); gerr == nil {
		profile.ID = existing.ID
		profile.SampleCount = existing.SampleCount + 1
		profile.CreatedAt = existing.CreatedAt
	}

	if s.uploader != nil {
		object := fmt.Sprintf("speakers/%s/sample-%d.wav", profile.ID, profile.SampleCount)
		if path, uerr := s.uploader.Upload(ctx, object, "audio/wav", bytes.NewReader(wavData)); uerr == nil {
			profile.SamplePath = path
		} else {
			s.log.WithError(uerr).Warn("failed to archive enrollment sample")
		}
	}

	if err := s.speakers.Upsert(ctx, profile); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to save speaker profile", err)
	}
	s.invalidate(ctx)
	return profile, nil
}

func (s *speakerService) Delete(ctx context.Context, id string) error {
	const op = "SpeakerService.Delete"

	if id == "" {
		return utils.E(utils.CodeInvalidArgument, op, "speaker id is required", nil)
	}
	if err := s.speakers.Delete(ctx, id); err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return utils.E(utils.CodeNotFound, op, "speaker not found", err)
		}
		return utils.E(utils.CodeInternal, op, "failed to delete speaker", err)
	}
	s.invalidate(ctx)
	return nil
}

// cachedProfile is the redis representation of a profile. pgvector.Vector
// does not survive a JSON round trip, so the embedding is cached as a plain
// slice.
type cachedProfile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Embedding []float32 `json:"embedding"`
}

func (s *speakerService) Snapshot(ctx context.Context) ([]models.SpeakerProfile, error) {
	if s.cache != nil {
		var cached []cachedProfile
		if hit, err := s.cache.GetJSON(ctx, speakersCacheKey, &cached); err == nil && hit {
			out := make([]models.SpeakerProfile, len(cached))
			for i, c := range cached {
				out[i] = models.SpeakerProfile{
					ID:        c.ID,
					Name:      c.Name,
					Embedding: pgvector.NewVector(c.Embedding),
				}
			}
			return out, nil
		}
	}

	out, err := s.speakers.List(ctx)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		cached := make([]cachedProfile, len(out))
		for i, p := range out {
			cached[i] = cachedProfile{ID: p.ID, Name: p.Name, Embedding: p.Embedding.Slice()}
		}
		if err := s.cache.SetJSON(ctx, speakersCacheKey, cached, speakersCacheTTL); err != nil {
			s.log.WithError(err).Warn("failed to cache speaker snapshot")
		}
	}
	return out, nil
}

func (s *speakerService) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, speakersCacheKey); err != nil {
		s.log.WithError(err).Warn("failed to invalidate speaker cache")
	}
}
