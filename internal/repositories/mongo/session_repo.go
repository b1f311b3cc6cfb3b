package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/verbumlabs/verbum/internal/models"
	"github.com/verbumlabs/verbum/internal/utils"
)

type SessionRepository interface {
	Create(ctx context.Context, s *models.Session) error
	GetBySessionID(ctx context.Context, sessionID string) (*models.Session, error)
	List(ctx context.Context, status string, limit int64) ([]models.Session, error)
	Delete(ctx context.Context, sessionID string) error

	SaveTranscript(ctx context.Context, sessionID string, segments []models.TranscriptSegment, speakers map[string]string, audioSeconds float64) error
	SetStatus(ctx context.Context, sessionID, status string) error
	SetLanguage(ctx context.Context, sessionID, language string) error
	SetAudioFile(ctx context.Context, sessionID, path string) error
	End(ctx context.Context, sessionID, status string, endedAt time.Time) error
}

type sessionRepo struct {
	col *mongo.Collection
}

func NewSessionRepo(db *mongo.Database) SessionRepository {
	return &sessionRepo{col: db.Collection("sessions")}
}

func (r *sessionRepo) Create(ctx context.Context, s *models.Session) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	_, err := r.col.InsertOne(ctx, s)
	if mongo.IsDuplicateKeyError(err) {
		return utils.E(utils.CodeConflict, "sessionRepo.Create", "session id already exists", err)
	}
	return err
}

func (r *sessionRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.Session, error) {
	var s models.Session
	err := r.col.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.ErrNotFound
	}
	return &s, err
}

func (r *sessionRepo) List(ctx context.Context, status string, limit int64) ([]models.Session, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	opts := options.Find().SetSort(bson.M{"created_at": -1})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := r.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.Session
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *sessionRepo) Delete(ctx context.Context, sessionID string) error {
	res, err := r.col.DeleteOne(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return utils.ErrNotFound
	}
	return nil
}

// SaveTranscript overwrites the whole transcript. The pipeline rewrites
// earlier segments at window seams, so a full replace is simpler and safer
// than per-segment pushes.
func (r *sessionRepo) SaveTranscript(ctx context.Context, sessionID string, segments []models.TranscriptSegment, speakers map[string]string, audioSeconds float64) error {
	if segments == nil {
		segments = []models.TranscriptSegment{}
	}
	_, err := r.col.UpdateOne(ctx,
		bson.M{"session_id": sessionID},
		bson.M{"$set": bson.M{
			"segments":      segments,
			"speakers":      speakers,
			"audio_seconds": audioSeconds,
			"updated_at":    time.Now().UTC(),
		}},
	)
	return err
}

func (r *sessionRepo) SetStatus(ctx context.Context, sessionID, status string) error {
	_, err := r.col.UpdateOne(ctx,
		bson.M{"session_id": sessionID},
		bson.M{"$set": bson.M{"status": status, "updated_at": time.Now().UTC()}},
	)
	return err
}

func (r *sessionRepo) SetLanguage(ctx context.Context, sessionID, language string) error {
	_, err := r.col.UpdateOne(ctx,
		bson.M{"session_id": sessionID},
		bson.M{"$set": bson.M{"detected_language": language, "updated_at": time.Now().UTC()}},
	)
	return err
}

func (r *sessionRepo) SetAudioFile(ctx context.Context, sessionID, path string) error {
	_, err := r.col.UpdateOne(ctx,
		bson.M{"session_id": sessionID},
		bson.M{"$set": bson.M{"audio_file_path": path, "updated_at": time.Now().UTC()}},
	)
	return err
}

func (r *sessionRepo) End(ctx context.Context, sessionID, status string, endedAt time.Time) error {
	_, err := r.col.UpdateOne(ctx,
		bson.M{"session_id": sessionID},
		bson.M{"$set": bson.M{
			"status":     status,
			"ended_at":   endedAt.UTC(),
			"updated_at": time.Now().UTC(),
		}},
	)
	return err
}
