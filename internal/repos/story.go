package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/storyloom/backend/internal/domain"
	"github.com/storyloom/backend/internal/pkg/logger"
)

type StoryRepo interface {
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Story, error)
}

type storyRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStoryRepo(db *gorm.DB, baseLog *logger.Logger) StoryRepo {
	return &storyRepo{
		db:  db,
		log: baseLog.With("repo", "StoryRepo"),
	}
}

func (r *storyRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Story, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	h := tx
	if h == nil {
		h = r.db
	}
	var story domain.Story
	err := h.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&story).Error
	if err != nil {
		return nil, err
	}
	if story.ID == uuid.Nil {
		return nil, nil
	}
	return &story, nil
}
