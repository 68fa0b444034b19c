package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/storyloom/backend/internal/domain"
	"github.com/storyloom/backend/internal/pkg/logger"
	"github.com/storyloom/backend/internal/progress"
	"github.com/storyloom/backend/internal/repos"
)

const (
	maxPromptLen   = 20000
	maxFeedbackLen = 20000
)

// Facade is the single entry point for generation work: it validates
// requests, rejects ones the system cannot honor, enqueues jobs, and
// answers status and ledger queries. Execution itself happens in the
// worker slots; the facade only ever touches the database and the bus.
type Facade struct {
	log      *logger.Logger
	jobs     repos.JobRepo
	stories  repos.StoryRepo
	versions repos.VersionRepo
	bus      *progress.Bus
}

func New(baseLog *logger.Logger, jobs repos.JobRepo, stories repos.StoryRepo, versions repos.VersionRepo, bus *progress.Bus) *Facade {
	return &Facade{
		log:      baseLog.With("component", "Orchestrator"),
		jobs:     jobs,
		stories:  stories,
		versions: versions,
		bus:      bus,
	}
}

// Submit enqueues a CREATE job for a brand new story. The story row
// does not exist yet; it is created atomically when the job completes.
func (f *Facade) Submit(ctx context.Context, prompt string) (*domain.GenerationJob, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt must not be empty", domain.ErrValidation)
	}
	if len(prompt) > maxPromptLen {
		return nil, fmt.Errorf("%w: prompt exceeds %d characters", domain.ErrValidation, maxPromptLen)
	}

	payload, err := json.Marshal(domain.JobInput{Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}

	job := &domain.GenerationJob{
		ID:      uuid.New(),
		Kind:    domain.KindCreate,
		Status:  domain.JobQueued,
		Stage:   "queued",
		Payload: datatypes.JSON(payload),
	}
	if err := f.jobs.Create(ctx, nil, job); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	// Open the topic eagerly so an observer connecting before the
	// worker picks the job up still gets a live stream.
	f.bus.Open(job.ID)
	f.log.Info("Generation job enqueued", "job_id", job.ID)
	return job, nil
}

// SubmitIteration enqueues an ITERATE job against an existing story.
// The returned int is the version number the job will produce if it
// completes. Refused when the story is unknown, already at the version
// cap, or has another job in flight.
func (f *Facade) SubmitIteration(ctx context.Context, storyID uuid.UUID, feedback string) (*domain.GenerationJob, int, error) {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return nil, 0, fmt.Errorf("%w: feedback must not be empty", domain.ErrValidation)
	}
	if len(feedback) > maxFeedbackLen {
		return nil, 0, fmt.Errorf("%w: feedback exceeds %d characters", domain.ErrValidation, maxFeedbackLen)
	}

	story, err := f.stories.GetByID(ctx, nil, storyID)
	if err != nil {
		return nil, 0, fmt.Errorf("load story: %w", err)
	}
	if story == nil {
		return nil, 0, fmt.Errorf("%w: story %s", domain.ErrNotFound, storyID)
	}

	count, err := f.versions.Count(ctx, nil, storyID)
	if err != nil {
		return nil, 0, fmt.Errorf("count versions: %w", err)
	}
	if count >= domain.VersionCap {
		return nil, 0, fmt.Errorf("%w: story %s already has %d versions", domain.ErrIterationLimit, storyID, count)
	}

	active, err := f.jobs.HasActiveForStory(ctx, nil, storyID)
	if err != nil {
		return nil, 0, fmt.Errorf("check active jobs: %w", err)
	}
	if active {
		return nil, 0, fmt.Errorf("%w: story %s already has a job in flight", domain.ErrConflict, storyID)
	}

	latest, err := f.versions.Latest(ctx, nil, storyID)
	if err != nil {
		return nil, 0, fmt.Errorf("load latest version: %w", err)
	}
	if latest == nil {
		// The story row exists only after its first version commits,
		// so an empty ledger here means the row was tampered with.
		return nil, 0, fmt.Errorf("%w: story %s has no versions to iterate on", domain.ErrConflict, storyID)
	}

	var priorContent map[string]any
	if err := json.Unmarshal(latest.Content, &priorContent); err != nil {
		return nil, 0, fmt.Errorf("decode prior version content: %w", err)
	}

	payload, err := json.Marshal(domain.JobInput{
		Feedback:     feedback,
		PriorVersion: latest.VersionNumber,
		PriorContent: priorContent,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("encode job payload: %w", err)
	}

	job := &domain.GenerationJob{
		ID:      uuid.New(),
		StoryID: &storyID,
		Kind:    domain.KindIterate,
		Status:  domain.JobQueued,
		Stage:   "queued",
		Payload: datatypes.JSON(payload),
	}
	if err := f.jobs.Create(ctx, nil, job); err != nil {
		return nil, 0, fmt.Errorf("enqueue job: %w", err)
	}

	f.bus.Open(job.ID)
	f.log.Info("Iteration job enqueued", "job_id", job.ID, "story_id", storyID, "pending_version", latest.VersionNumber+1)
	return job, latest.VersionNumber + 1, nil
}

// GetStatus returns the job row for a status poll.
func (f *Facade) GetStatus(ctx context.Context, jobID uuid.UUID) (*domain.GenerationJob, error) {
	job, err := f.jobs.GetByID(ctx, nil, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	return job, nil
}

// GetStory returns a story with its version count.
func (f *Facade) GetStory(ctx context.Context, storyID uuid.UUID) (*domain.Story, int64, error) {
	story, err := f.stories.GetByID(ctx, nil, storyID)
	if err != nil {
		return nil, 0, fmt.Errorf("load story: %w", err)
	}
	if story == nil {
		return nil, 0, fmt.Errorf("%w: story %s", domain.ErrNotFound, storyID)
	}
	count, err := f.versions.Count(ctx, nil, storyID)
	if err != nil {
		return nil, 0, fmt.Errorf("count versions: %w", err)
	}
	return story, count, nil
}

// ListVersions returns the story's full ordered version chain.
func (f *Facade) ListVersions(ctx context.Context, storyID uuid.UUID) ([]*domain.StoryVersion, error) {
	story, err := f.stories.GetByID(ctx, nil, storyID)
	if err != nil {
		return nil, fmt.Errorf("load story: %w", err)
	}
	if story == nil {
		return nil, fmt.Errorf("%w: story %s", domain.ErrNotFound, storyID)
	}
	versions, err := f.versions.List(ctx, nil, storyID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return versions, nil
}

// GetVersion returns one numbered version of a story. Any out-of-range
// number answers NOT_FOUND.
func (f *Facade) GetVersion(ctx context.Context, storyID uuid.UUID, versionNumber int) (*domain.StoryVersion, error) {
	return f.versions.Get(ctx, nil, storyID, versionNumber)
}
