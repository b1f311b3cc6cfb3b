package postgres

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/verbumlabs/verbum/internal/models"
	"github.com/verbumlabs/verbum/internal/utils"
)

type SpeakerRepository interface {
	List(ctx context.Context) ([]models.SpeakerProfile, error)
	GetByID(ctx context.Context, id string) (*models.SpeakerProfile, error)
	GetByName(ctx context.Context, name string) (*models.SpeakerProfile, error)
	Upsert(ctx context.Context, p *models.SpeakerProfile) error
	Delete(ctx context.Context, id string) error
}

type speakerRepo struct {
	db *gorm.DB
}

func NewSpeakerRepo(db *gorm.DB) SpeakerRepository {
	return &speakerRepo{db: db}
}

func (r *speakerRepo) List(ctx context.Context) ([]models.SpeakerProfile, error) {
	var out []models.SpeakerProfile
	err := r.db.WithContext(ctx).
		Order("name asc").
		Find(&out).Error
	return out, err
}

func (r *speakerRepo) GetByID(ctx context.Context, id string) (*models.SpeakerProfile, error) {
	var p models.SpeakerProfile
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &p, err
}

func (r *speakerRepo) GetByName(ctx context.Context, name string) (*models.SpeakerProfile, error) {
	var p models.SpeakerProfile
	err := r.db.WithContext(ctx).
		Where("name = ?", name).
		Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &p, err
}

// Upsert keys on name so re-enrolling a known speaker refreshes the stored
// embedding instead of creating a second profile.
func (r *speakerRepo) Upsert(ctx context.Context, p *models.SpeakerProfile) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"embedding", "sample_count", "aliases", "sample_path", "metadata", "updated_at"}),
		}).
		Create(p).Error
}

func (r *speakerRepo) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&models.SpeakerProfile{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrNotFound
	}
	return nil
}
