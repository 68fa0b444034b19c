package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/storyloom/backend/internal/domain"
	"github.com/storyloom/backend/internal/engine"
	"github.com/storyloom/backend/internal/pkg/logger"
	"github.com/storyloom/backend/internal/progress"
	"github.com/storyloom/backend/internal/repos"
)

// Executor consumes the queued-job FIFO with a bounded pool of worker
// slots and drives each claimed job through its lifecycle: run the
// engine under a hard deadline, clamp and republish its progress,
// retry once on a transient failure, and commit the version together
// with the completed transition. A job row is owned exclusively by its
// slot from claim until terminal.
type Executor struct {
	log      *logger.Logger
	jobs     repos.JobRepo
	versions repos.VersionRepo
	eng      engine.Engine
	bus      *progress.Bus
	relay    *progress.RedisRelay

	slots          int
	deadline       time.Duration
	pollEvery      time.Duration
	heartbeatEvery time.Duration

	group *errgroup.Group
}

type Options struct {
	Slots          int
	Deadline       time.Duration
	PollEvery      time.Duration
	HeartbeatEvery time.Duration
}

func New(baseLog *logger.Logger, jobs repos.JobRepo, versions repos.VersionRepo, eng engine.Engine, bus *progress.Bus, relay *progress.RedisRelay, opts Options) *Executor {
	if opts.Slots < 1 {
		opts.Slots = 1
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 15 * time.Minute
	}
	if opts.PollEvery <= 0 {
		opts.PollEvery = time.Second
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = 30 * time.Second
	}
	return &Executor{
		log:            baseLog.With("component", "JobExecutor"),
		jobs:           jobs,
		versions:       versions,
		eng:            eng,
		bus:            bus,
		relay:          relay,
		slots:          opts.Slots,
		deadline:       opts.Deadline,
		pollEvery:      opts.PollEvery,
		heartbeatEvery: opts.HeartbeatEvery,
	}
}

func (e *Executor) Start(ctx context.Context) {
	e.log.Info("Starting worker slots", "slots", e.slots, "deadline", e.deadline)
	g, gctx := errgroup.WithContext(ctx)
	e.group = g
	for i := 0; i < e.slots; i++ {
		slotID := i + 1
		g.Go(func() error {
			e.runLoop(gctx, slotID)
			return nil
		})
	}
}

// Wait blocks until all worker slots have drained after ctx
// cancellation.
func (e *Executor) Wait() {
	if e.group != nil {
		_ = e.group.Wait()
	}
}

func (e *Executor) runLoop(ctx context.Context, slotID int) {
	ticker := time.NewTicker(e.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("Worker slot stopped", "slot", slotID)
			return
		case <-ticker.C:
			job, err := e.jobs.ClaimNextQueued(ctx, nil)
			if err != nil {
				e.log.Warn("ClaimNextQueued failed", "slot", slotID, "error", err)
				continue
			}
			if job == nil {
				continue
			}

			func() {
				defer func() {
					if r := recover(); r != nil {
						e.log.Error("Job execution panic", "slot", slotID, "job_id", job.ID, "panic", r)
						e.fail(ctx, job, domain.FailureTransientEngine, true, fmt.Errorf("panic: %v", r))
					}
				}()
				e.execute(ctx, job)
			}()
		}
	}
}

// runState serializes progress mutations for one job: engine callbacks
// may arrive from a different goroutine than the run loop, and
// stragglers from an abandoned attempt must be ignored.
type runState struct {
	mu       sync.Mutex
	lastPct  int
	stage    string
	finished bool
}

func (e *Executor) execute(ctx context.Context, job *domain.GenerationJob) {
	var input domain.JobInput
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &input); err != nil {
			e.fail(ctx, job, domain.FailureValidation, false, fmt.Errorf("decode payload: %w", err))
			return
		}
	}

	for {
		result, err := e.runAttempt(ctx, job, input)
		if err == nil {
			e.complete(ctx, job, result, input)
			return
		}

		kind := engine.KindOf(err)
		transient := kind != engine.KindMalformedInput
		if transient && job.RetryCount == 0 {
			job.RetryCount = 1
			ok, uerr := e.jobs.UpdateFieldsUnlessStatus(ctx, nil, job.ID,
				[]domain.JobStatus{domain.JobCompleted, domain.JobFailed},
				map[string]interface{}{"retry_count": 1, "stage": "retrying"})
			if uerr != nil || !ok {
				e.log.Warn("could not persist retry, failing job", "job_id", job.ID, "error", uerr)
				e.fail(ctx, job, domain.FailureTransientEngine, true, err)
				return
			}
			e.log.Info("Retrying job after transient failure", "job_id", job.ID, "error", err)
			continue
		}

		reason := domain.FailureTransientEngine
		retryable := true
		switch kind {
		case engine.KindInvalidOutput:
			reason = domain.FailureInvalidOutput
		case engine.KindMalformedInput:
			reason = domain.FailureValidation
			retryable = false
		}
		e.fail(ctx, job, reason, retryable, err)
		return
	}
}

func (e *Executor) runAttempt(ctx context.Context, job *domain.GenerationJob, input domain.JobInput) (*engine.Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	state := &runState{stage: "starting"}
	e.reportProgress(ctx, job, state, "starting", 0)

	// Keep heartbeat_at fresh while the engine runs quietly, so other
	// replicas can tell a slow job from a dead worker.
	go func() {
		ticker := time.NewTicker(e.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-attemptCtx.Done():
				return
			case <-ticker.C:
				if err := e.jobs.Heartbeat(ctx, nil, job.ID); err != nil {
					e.log.Warn("heartbeat persist failed", "job_id", job.ID, "error", err)
				}
			}
		}
	}()

	onProgress := func(stage string, pct int) {
		e.reportProgress(ctx, job, state, stage, pct)
	}

	result, err := e.eng.Run(attemptCtx, engine.Input{
		Prompt:       input.Prompt,
		Feedback:     input.Feedback,
		PriorContent: input.PriorContent,
	}, onProgress)

	// Callbacks from an abandoned engine invocation are ignored from
	// here on; the orphan may finish harmlessly in the background.
	state.mu.Lock()
	state.finished = true
	state.mu.Unlock()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, &engine.Error{Kind: engine.KindTransient, Message: "deadline exceeded", Err: err}
		}
		return nil, err
	}
	if result == nil {
		return nil, &engine.Error{Kind: engine.KindInvalidOutput, Message: "engine returned no document"}
	}
	if verr := engine.ValidateResult(result.Document); verr != nil {
		return nil, verr
	}
	return result, nil
}

// reportProgress clamps engine-supplied percents to be monotonically
// non-decreasing, persists the job row, and publishes the event.
func (e *Executor) reportProgress(ctx context.Context, job *domain.GenerationJob, state *runState, stage string, pct int) {
	state.mu.Lock()
	if state.finished {
		state.mu.Unlock()
		return
	}
	if pct > 100 {
		pct = 100
	}
	if pct < state.lastPct {
		pct = state.lastPct
	}
	state.lastPct = pct
	state.stage = stage
	state.mu.Unlock()

	now := time.Now()
	ok, err := e.jobs.UpdateFieldsUnlessStatus(ctx, nil, job.ID,
		[]domain.JobStatus{domain.JobCompleted, domain.JobFailed},
		map[string]interface{}{
			"stage":        stage,
			"progress":     pct,
			"heartbeat_at": now,
		})
	if err != nil {
		e.log.Warn("progress persist failed", "job_id", job.ID, "error", err)
	}
	if !ok {
		return
	}
	job.Stage = stage
	job.Progress = pct
	job.HeartbeatAt = &now

	e.publish(ctx, job.ID, progress.Event{
		Type:            progress.EventProgress,
		ProgressPercent: pct,
		CurrentStage:    stage,
	})
}

func (e *Executor) complete(ctx context.Context, job *domain.GenerationJob, result *engine.Result, input domain.JobInput) {
	content, err := json.Marshal(result.Document)
	if err != nil {
		e.fail(ctx, job, domain.FailureInvalidOutput, true, fmt.Errorf("encode document: %w", err))
		return
	}

	var newStory *domain.Story
	if job.Kind == domain.KindCreate {
		title, synopsis := engine.Title(result.Document)
		newStory = &domain.Story{Title: title, Synopsis: synopsis}
	}

	versionNumber, err := e.versions.CompleteJobWithVersion(ctx, job, newStory, datatypes.JSON(content), input.Feedback)
	if err != nil {
		// The ledger refused. No version was committed.
		if errors.Is(err, domain.ErrIterationLimit) {
			e.fail(ctx, job, domain.FailureIterationLimit, false, err)
			return
		}
		e.fail(ctx, job, domain.FailureTransientEngine, true, err)
		return
	}

	e.log.Info("Job completed", "job_id", job.ID, "story_id", job.StoryID, "version", versionNumber)
	e.publish(ctx, job.ID, progress.Event{
		Type:            progress.EventComplete,
		ProgressPercent: 100,
		CurrentStage:    "done",
		VersionNumber:   versionNumber,
	})
}

func (e *Executor) fail(ctx context.Context, job *domain.GenerationJob, reason domain.FailureReason, retryable bool, cause error) {
	now := time.Now()
	ok, err := e.jobs.UpdateFieldsUnlessStatus(ctx, nil, job.ID,
		[]domain.JobStatus{domain.JobCompleted, domain.JobFailed},
		map[string]interface{}{
			"status":         domain.JobFailed,
			"failure_reason": reason,
			"retryable":      retryable,
			"locked_at":      nil,
			"completed_at":   now,
		})
	if err != nil {
		e.log.Error("fail transition persist failed", "job_id", job.ID, "error", err)
	}
	if !ok {
		return
	}
	job.Status = domain.JobFailed
	job.FailureReason = reason
	job.Retryable = retryable
	job.LockedAt = nil
	job.CompletedAt = &now

	e.log.Warn("Job failed", "job_id", job.ID, "reason", reason, "retryable", retryable, "error", cause)
	e.publish(ctx, job.ID, progress.Event{
		Type:            progress.EventFailed,
		ProgressPercent: job.Progress,
		CurrentStage:    job.Stage,
		FailureReason:   string(reason),
		Retryable:       retryable,
	})
}

func (e *Executor) publish(ctx context.Context, jobID uuid.UUID, ev progress.Event) {
	out := e.bus.Publish(jobID, ev)
	if e.relay != nil {
		if err := e.relay.Publish(ctx, out); err != nil {
			e.log.Warn("relay publish failed", "job_id", jobID, "error", err)
		}
	}
}
