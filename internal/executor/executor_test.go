package executor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/storyloom/backend/internal/domain"
	"github.com/storyloom/backend/internal/engine"
	"github.com/storyloom/backend/internal/pkg/logger"
	"github.com/storyloom/backend/internal/progress"
	"github.com/storyloom/backend/internal/repos"
	"github.com/storyloom/backend/internal/repos/testutil"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

// fakeEngine runs a scripted attempt function per call.
type fakeEngine struct {
	mu    sync.Mutex
	calls int
	run   func(call int, ctx context.Context, in engine.Input, onProgress engine.ProgressFunc) (*engine.Result, error)
}

func (f *fakeEngine) Run(ctx context.Context, in engine.Input, onProgress engine.ProgressFunc) (*engine.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.run(call, ctx, in, onProgress)
}

func goodResult() *engine.Result {
	return &engine.Result{Document: map[string]any{
		"title":    "The Hollow Lighthouse",
		"synopsis": "A keeper finds a door below the waterline.",
		"scenes": []any{
			map[string]any{"id": "s1", "text": "The lamp went dark at noon."},
		},
	}}
}

type fixture struct {
	db       *gorm.DB
	jobs     repos.JobRepo
	versions repos.VersionRepo
	bus      *progress.Bus
	exec     *Executor
}

func newFixture(t *testing.T, eng engine.Engine, opts Options) *fixture {
	t.Helper()
	db := testutil.DB(t)
	log := mustTestLogger(t)
	jobs := repos.NewJobRepo(db, log)
	versions := repos.NewVersionRepo(db, log)
	bus := progress.NewBus(log, 0)
	return &fixture{
		db:       db,
		jobs:     jobs,
		versions: versions,
		bus:      bus,
		exec:     New(log, jobs, versions, eng, bus, nil, opts),
	}
}

func (f *fixture) enqueueAndClaim(t *testing.T, kind domain.JobKind, storyID *uuid.UUID, input domain.JobInput) *domain.GenerationJob {
	t.Helper()
	ctx := context.Background()
	payload, err := json.Marshal(input)
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	job := &domain.GenerationJob{
		ID:      uuid.New(),
		StoryID: storyID,
		Kind:    kind,
		Status:  domain.JobQueued,
		Stage:   "queued",
		Payload: datatypes.JSON(payload),
	}
	if err := f.jobs.Create(ctx, nil, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	claimed, err := f.jobs.ClaimNextQueued(ctx, nil)
	if err != nil || claimed == nil || claimed.ID != job.ID {
		t.Fatalf("claim job: claimed=%v err=%v", claimed, err)
	}
	return claimed
}

func drain(t *testing.T, sub *progress.Subscription) []progress.Event {
	t.Helper()
	var out []progress.Event
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		ev, ok := sub.Next(ctx)
		cancel()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestExecuteCreateSuccess(t *testing.T) {
	eng := &fakeEngine{run: func(call int, ctx context.Context, in engine.Input, onProgress engine.ProgressFunc) (*engine.Result, error) {
		onProgress("outline", 30)
		onProgress("done", 100)
		return goodResult(), nil
	}}
	f := newFixture(t, eng, Options{})
	ctx := context.Background()

	job := f.enqueueAndClaim(t, domain.KindCreate, nil, domain.JobInput{Prompt: "a lighthouse story"})
	f.bus.Open(job.ID)
	sub, _ := f.bus.Subscribe(job.ID, 0)
	defer sub.Cancel()

	f.exec.execute(ctx, job)

	events := drain(t, sub)
	if len(events) != 4 {
		t.Fatalf("expected 4 events (start, 2 progress, complete), got %d: %+v", len(events), events)
	}
	if events[0].Type != progress.EventProgress || events[0].ProgressPercent != 0 || events[0].CurrentStage != "starting" {
		t.Fatalf("first event: %+v", events[0])
	}
	last := events[len(events)-1]
	if last.Type != progress.EventComplete || last.VersionNumber != 1 {
		t.Fatalf("terminal event: %+v", last)
	}

	row, err := f.jobs.GetByID(ctx, nil, job.ID)
	if err != nil || row == nil {
		t.Fatalf("reload job: %v", err)
	}
	if row.Status != domain.JobCompleted || row.Progress != 100 || row.RetryCount != 0 {
		t.Fatalf("job row: %+v", row)
	}
	if row.StoryID == nil {
		t.Fatalf("completed CREATE job must reference its story")
	}
	if row.StartedAt == nil || row.CompletedAt == nil {
		t.Fatalf("timestamps missing: started=%v completed=%v", row.StartedAt, row.CompletedAt)
	}

	versions, err := f.versions.List(ctx, nil, *row.StoryID)
	if err != nil || len(versions) != 1 || versions[0].VersionNumber != 1 {
		t.Fatalf("ledger: %v err=%v", versions, err)
	}
}

func TestExecuteRetriesOnceThenSucceeds(t *testing.T) {
	eng := &fakeEngine{run: func(call int, ctx context.Context, in engine.Input, onProgress engine.ProgressFunc) (*engine.Result, error) {
		if call == 1 {
			return nil, &engine.Error{Kind: engine.KindTransient, Message: "engine hiccup"}
		}
		onProgress("scenes", 70)
		return goodResult(), nil
	}}
	f := newFixture(t, eng, Options{})
	ctx := context.Background()

	job := f.enqueueAndClaim(t, domain.KindCreate, nil, domain.JobInput{Prompt: "retry me"})
	f.exec.execute(ctx, job)

	row, _ := f.jobs.GetByID(ctx, nil, job.ID)
	if row.Status != domain.JobCompleted {
		t.Fatalf("expected completed after retry, got %s (%s)", row.Status, row.FailureReason)
	}
	if row.RetryCount != 1 {
		t.Fatalf("retry_count: want 1 got %d", row.RetryCount)
	}
	if eng.calls != 2 {
		t.Fatalf("engine calls: want 2 got %d", eng.calls)
	}
}

func TestExecuteFailsAfterSecondFailure(t *testing.T) {
	eng := &fakeEngine{run: func(call int, ctx context.Context, in engine.Input, onProgress engine.ProgressFunc) (*engine.Result, error) {
		return nil, &engine.Error{Kind: engine.KindTransient, Message: "still down"}
	}}
	f := newFixture(t, eng, Options{})
	ctx := context.Background()

	job := f.enqueueAndClaim(t, domain.KindCreate, nil, domain.JobInput{Prompt: "doomed"})
	f.bus.Open(job.ID)
	sub, _ := f.bus.Subscribe(job.ID, 0)
	defer sub.Cancel()

	f.exec.execute(ctx, job)

	if eng.calls != 2 {
		t.Fatalf("exactly one retry expected, engine calls=%d", eng.calls)
	}
	row, _ := f.jobs.GetByID(ctx, nil, job.ID)
	if row.Status != domain.JobFailed || row.FailureReason != domain.FailureTransientEngine || !row.Retryable {
		t.Fatalf("job row after double failure: %+v", row)
	}

	events := drain(t, sub)
	last := events[len(events)-1]
	if last.Type != progress.EventFailed || last.FailureReason != string(domain.FailureTransientEngine) || !last.Retryable {
		t.Fatalf("terminal event: %+v", last)
	}

	var versionCount int64
	if err := f.db.Model(&domain.StoryVersion{}).Count(&versionCount).Error; err != nil {
		t.Fatalf("count versions: %v", err)
	}
	if versionCount != 0 {
		t.Fatalf("failed job must not append a version, got %d", versionCount)
	}
}

func TestExecuteMalformedInputNotRetried(t *testing.T) {
	eng := &fakeEngine{run: func(call int, ctx context.Context, in engine.Input, onProgress engine.ProgressFunc) (*engine.Result, error) {
		return nil, &engine.Error{Kind: engine.KindMalformedInput, Message: "prompt unusable"}
	}}
	f := newFixture(t, eng, Options{})
	ctx := context.Background()

	job := f.enqueueAndClaim(t, domain.KindCreate, nil, domain.JobInput{Prompt: "bad"})
	f.exec.execute(ctx, job)

	if eng.calls != 1 {
		t.Fatalf("malformed input must not retry, engine calls=%d", eng.calls)
	}
	row, _ := f.jobs.GetByID(ctx, nil, job.ID)
	if row.Status != domain.JobFailed || row.FailureReason != domain.FailureValidation || row.Retryable {
		t.Fatalf("job row: %+v", row)
	}
}

func TestExecuteInvalidOutputRetriedAsTransient(t *testing.T) {
	eng := &fakeEngine{run: func(call int, ctx context.Context, in engine.Input, onProgress engine.ProgressFunc) (*engine.Result, error) {
		return &engine.Result{Document: map[string]any{"title": ""}}, nil
	}}
	f := newFixture(t, eng, Options{})
	ctx := context.Background()

	job := f.enqueueAndClaim(t, domain.KindCreate, nil, domain.JobInput{Prompt: "noisy"})
	f.exec.execute(ctx, job)

	if eng.calls != 2 {
		t.Fatalf("invalid output is transient, expected one retry, calls=%d", eng.calls)
	}
	row, _ := f.jobs.GetByID(ctx, nil, job.ID)
	if row.Status != domain.JobFailed || row.FailureReason != domain.FailureInvalidOutput {
		t.Fatalf("job row: %+v", row)
	}
	if !row.Retryable {
		t.Fatalf("invalid output should be flagged retryable for the caller")
	}
}

func TestExecuteDeadlineEnforced(t *testing.T) {
	eng := &fakeEngine{run: func(call int, ctx context.Context, in engine.Input, onProgress engine.ProgressFunc) (*engine.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newFixture(t, eng, Options{Deadline: 50 * time.Millisecond})
	ctx := context.Background()

	job := f.enqueueAndClaim(t, domain.KindCreate, nil, domain.JobInput{Prompt: "hangs"})
	start := time.Now()
	f.exec.execute(ctx, job)
	elapsed := time.Since(start)

	if eng.calls != 2 {
		t.Fatalf("timeout is transient, expected one retry, calls=%d", eng.calls)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("deadline not enforced, took %v", elapsed)
	}
	row, _ := f.jobs.GetByID(ctx, nil, job.ID)
	if row.Status != domain.JobFailed || row.FailureReason != domain.FailureTransientEngine || !row.Retryable {
		t.Fatalf("job row: %+v", row)
	}
}

func TestExecuteCapRaceFailsAsIterationLimit(t *testing.T) {
	eng := &fakeEngine{run: func(call int, ctx context.Context, in engine.Input, onProgress engine.ProgressFunc) (*engine.Result, error) {
		return goodResult(), nil
	}}
	f := newFixture(t, eng, Options{})
	ctx := context.Background()

	now := time.Now()
	story := &domain.Story{ID: uuid.New(), Title: "Full", CreatedAt: now, UpdatedAt: now}
	if err := f.db.Create(story).Error; err != nil {
		t.Fatalf("seed story: %v", err)
	}
	for i := 1; i <= domain.VersionCap; i++ {
		content, _ := json.Marshal(map[string]any{"rev": i})
		v := &domain.StoryVersion{
			ID: uuid.New(), StoryID: story.ID, VersionNumber: i,
			Content: datatypes.JSON(content), SourceJobID: uuid.New(), CreatedAt: now,
		}
		if err := f.db.Create(v).Error; err != nil {
			t.Fatalf("seed version: %v", err)
		}
	}

	// The job slipped past submission before the ledger filled up.
	job := f.enqueueAndClaim(t, domain.KindIterate, &story.ID, domain.JobInput{Feedback: "one more"})
	f.exec.execute(ctx, job)

	row, _ := f.jobs.GetByID(ctx, nil, job.ID)
	if row.Status != domain.JobFailed || row.FailureReason != domain.FailureIterationLimit || row.Retryable {
		t.Fatalf("job row after cap race: %+v", row)
	}
	count, err := f.versions.Count(ctx, nil, story.ID)
	if err != nil || count != int64(domain.VersionCap) {
		t.Fatalf("ledger must stay at the cap: count=%d err=%v", count, err)
	}
}

func TestProgressClampedMonotonic(t *testing.T) {
	eng := &fakeEngine{run: func(call int, ctx context.Context, in engine.Input, onProgress engine.ProgressFunc) (*engine.Result, error) {
		onProgress("outline", 50)
		onProgress("characters", 20) // engine misbehaves
		onProgress("scenes", 130)    // and overshoots
		return goodResult(), nil
	}}
	f := newFixture(t, eng, Options{})
	ctx := context.Background()

	job := f.enqueueAndClaim(t, domain.KindCreate, nil, domain.JobInput{Prompt: "clamp"})
	f.bus.Open(job.ID)
	sub, _ := f.bus.Subscribe(job.ID, 0)
	defer sub.Cancel()

	f.exec.execute(ctx, job)

	events := drain(t, sub)
	last := -1
	for _, ev := range events {
		if ev.ProgressPercent < last {
			t.Fatalf("progress regressed: %d after %d (%+v)", ev.ProgressPercent, last, events)
		}
		if ev.ProgressPercent > 100 {
			t.Fatalf("progress above 100: %+v", ev)
		}
		last = ev.ProgressPercent
	}
}

func TestStartConsumesQueue(t *testing.T) {
	eng := &fakeEngine{run: func(call int, ctx context.Context, in engine.Input, onProgress engine.ProgressFunc) (*engine.Result, error) {
		return goodResult(), nil
	}}
	f := newFixture(t, eng, Options{PollEvery: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload, _ := json.Marshal(domain.JobInput{Prompt: "queued work"})
	job := &domain.GenerationJob{
		ID:      uuid.New(),
		Kind:    domain.KindCreate,
		Status:  domain.JobQueued,
		Stage:   "queued",
		Payload: datatypes.JSON(payload),
	}
	if err := f.jobs.Create(ctx, nil, job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	f.exec.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		row, err := f.jobs.GetByID(context.Background(), nil, job.ID)
		if err != nil {
			t.Fatalf("reload job: %v", err)
		}
		if row.Status.Terminal() {
			if row.Status != domain.JobCompleted {
				t.Fatalf("expected completion, got %s (%s)", row.Status, row.FailureReason)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never reached a terminal state")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	f.exec.Wait()
}
