package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storyloom/backend/internal/domain"
	"github.com/storyloom/backend/internal/pkg/logger"
)

type JobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, job *domain.GenerationJob) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.GenerationJob, error)
	ClaimNextQueued(ctx context.Context, tx *gorm.DB) (*domain.GenerationJob, error)
	UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, disallowed []domain.JobStatus, updates map[string]interface{}) (bool, error)
	Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	HasActiveForStory(ctx context.Context, tx *gorm.DB, storyID uuid.UUID) (bool, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *jobRepo) Create(ctx context.Context, tx *gorm.DB, job *domain.GenerationJob) error {
	if job == nil {
		return nil
	}
	return r.handle(tx).WithContext(ctx).Create(job).Error
}

func (r *jobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.GenerationJob, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job domain.GenerationJob
	err := r.handle(tx).WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

// ClaimNextQueued pops the oldest queued job and marks it running in
// one transaction, so concurrent worker slots never claim the same row.
func (r *jobRepo) ClaimNextQueued(ctx context.Context, tx *gorm.DB) (*domain.GenerationJob, error) {
	now := time.Now()
	var claimed *domain.GenerationJob
	err := r.handle(tx).WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var job domain.GenerationJob
		q := txx.Where("status = ?", domain.JobQueued).Order("created_at ASC")
		// sqlite (tests) has no row locks; its writes serialize anyway.
		if txx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&domain.GenerationJob{}).
			Where("id = ? AND status = ?", job.ID, domain.JobQueued).
			Updates(map[string]interface{}{
				"status":       domain.JobRunning,
				"started_at":   now,
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		job.Status = domain.JobRunning
		job.StartedAt = &now
		job.LockedAt = &now
		job.HeartbeatAt = &now
		job.UpdatedAt = now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *jobRepo) UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, disallowed []domain.JobStatus, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := r.handle(tx).WithContext(ctx).
		Model(&domain.GenerationJob{}).
		Where("id = ?", id)
	if len(disallowed) == 1 {
		q = q.Where("status <> ?", disallowed[0])
	} else if len(disallowed) > 1 {
		q = q.Where("status NOT IN ?", disallowed)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.handle(tx).WithContext(ctx).
		Model(&domain.GenerationJob{}).
		Where("id = ? AND status = ?", id, domain.JobRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *jobRepo) HasActiveForStory(ctx context.Context, tx *gorm.DB, storyID uuid.UUID) (bool, error) {
	if storyID == uuid.Nil {
		return false, nil
	}
	var count int64
	err := r.handle(tx).WithContext(ctx).
		Model(&domain.GenerationJob{}).
		Where("story_id = ? AND status IN ?", storyID, []domain.JobStatus{domain.JobQueued, domain.JobRunning}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
