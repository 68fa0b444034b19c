package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storyloom/backend/internal/domain"
	"github.com/storyloom/backend/internal/pkg/logger"
)

type VersionRepo interface {
	List(ctx context.Context, tx *gorm.DB, storyID uuid.UUID) ([]*domain.StoryVersion, error)
	Get(ctx context.Context, tx *gorm.DB, storyID uuid.UUID, versionNumber int) (*domain.StoryVersion, error)
	Latest(ctx context.Context, tx *gorm.DB, storyID uuid.UUID) (*domain.StoryVersion, error)
	GetBySourceJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (*domain.StoryVersion, error)
	Count(ctx context.Context, tx *gorm.DB, storyID uuid.UUID) (int64, error)
	CompleteJobWithVersion(ctx context.Context, job *domain.GenerationJob, newStory *domain.Story, content datatypes.JSON, feedback string) (int, error)
}

type versionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewVersionRepo(db *gorm.DB, baseLog *logger.Logger) VersionRepo {
	return &versionRepo{
		db:  db,
		log: baseLog.With("repo", "VersionRepo"),
	}
}

func (r *versionRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *versionRepo) List(ctx context.Context, tx *gorm.DB, storyID uuid.UUID) ([]*domain.StoryVersion, error) {
	var out []*domain.StoryVersion
	if storyID == uuid.Nil {
		return out, nil
	}
	err := r.handle(tx).WithContext(ctx).
		Where("story_id = ?", storyID).
		Order("version_number ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *versionRepo) Get(ctx context.Context, tx *gorm.DB, storyID uuid.UUID, versionNumber int) (*domain.StoryVersion, error) {
	if storyID == uuid.Nil || versionNumber < 1 {
		return nil, domain.ErrNotFound
	}
	var v domain.StoryVersion
	err := r.handle(tx).WithContext(ctx).
		Where("story_id = ? AND version_number = ?", storyID, versionNumber).
		Limit(1).
		Find(&v).Error
	if err != nil {
		return nil, err
	}
	if v.ID == uuid.Nil {
		return nil, domain.ErrNotFound
	}
	return &v, nil
}

func (r *versionRepo) Latest(ctx context.Context, tx *gorm.DB, storyID uuid.UUID) (*domain.StoryVersion, error) {
	if storyID == uuid.Nil {
		return nil, nil
	}
	var v domain.StoryVersion
	err := r.handle(tx).WithContext(ctx).
		Where("story_id = ?", storyID).
		Order("version_number DESC").
		Limit(1).
		Find(&v).Error
	if err != nil {
		return nil, err
	}
	if v.ID == uuid.Nil {
		return nil, nil
	}
	return &v, nil
}

func (r *versionRepo) GetBySourceJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (*domain.StoryVersion, error) {
	if jobID == uuid.Nil {
		return nil, nil
	}
	var v domain.StoryVersion
	err := r.handle(tx).WithContext(ctx).
		Where("source_job_id = ?", jobID).
		Limit(1).
		Find(&v).Error
	if err != nil {
		return nil, err
	}
	if v.ID == uuid.Nil {
		return nil, nil
	}
	return &v, nil
}

func (r *versionRepo) Count(ctx context.Context, tx *gorm.DB, storyID uuid.UUID) (int64, error) {
	if storyID == uuid.Nil {
		return 0, nil
	}
	var count int64
	err := r.handle(tx).WithContext(ctx).
		Model(&domain.StoryVersion{}).
		Where("story_id = ?", storyID).
		Count(&count).Error
	return count, err
}

// CompleteJobWithVersion appends the next ledger entry and marks the
// job completed as one transaction. A first-time creation passes
// newStory so the story row lands in the same commit. Either all of it
// is visible to readers or none of it is.
//
// The cap check runs again here under the story row lock: submission
// already rejected over-cap iterations, but two concurrent completions
// must not both pass.
func (r *versionRepo) CompleteJobWithVersion(ctx context.Context, job *domain.GenerationJob, newStory *domain.Story, content datatypes.JSON, feedback string) (int, error) {
	if job == nil || job.ID == uuid.Nil {
		return 0, domain.ErrNotFound
	}
	now := time.Now()
	versionNumber := 0

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var storyID uuid.UUID
		if newStory != nil {
			if newStory.ID == uuid.Nil {
				newStory.ID = uuid.New()
			}
			newStory.CreatedAt = now
			newStory.UpdatedAt = now
			if err := tx.Create(newStory).Error; err != nil {
				return err
			}
			storyID = newStory.ID
		} else {
			if job.StoryID == nil || *job.StoryID == uuid.Nil {
				return domain.ErrNotFound
			}
			storyID = *job.StoryID
			lock := tx.Model(&domain.Story{}).Where("id = ?", storyID)
			if tx.Dialector.Name() == "postgres" {
				lock = lock.Clauses(clause.Locking{Strength: "UPDATE"})
			}
			var story domain.Story
			if err := lock.Limit(1).Find(&story).Error; err != nil {
				return err
			}
			if story.ID == uuid.Nil {
				return domain.ErrNotFound
			}
		}

		var count int64
		if err := tx.Model(&domain.StoryVersion{}).Where("story_id = ?", storyID).Count(&count).Error; err != nil {
			return err
		}
		if count >= domain.VersionCap {
			return domain.ErrIterationLimit
		}
		versionNumber = int(count) + 1

		version := &domain.StoryVersion{
			ID:            uuid.New(),
			StoryID:       storyID,
			VersionNumber: versionNumber,
			Content:       content,
			SourceJobID:   job.ID,
			FeedbackText:  feedback,
			CreatedAt:     now,
		}
		if err := tx.Create(version).Error; err != nil {
			return err
		}

		res := tx.Model(&domain.GenerationJob{}).
			Where("id = ? AND status = ?", job.ID, domain.JobRunning).
			Updates(map[string]interface{}{
				"status":       domain.JobCompleted,
				"stage":        "done",
				"progress":     100,
				"story_id":     storyID,
				"locked_at":    nil,
				"completed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrConflict
		}

		job.Status = domain.JobCompleted
		job.Stage = "done"
		job.Progress = 100
		job.StoryID = &storyID
		job.LockedAt = nil
		job.CompletedAt = &now
		job.UpdatedAt = now
		return nil
	})
	if err != nil {
		return 0, err
	}
	return versionNumber, nil
}
