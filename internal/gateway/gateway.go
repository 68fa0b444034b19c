package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/backend/internal/domain"
	"github.com/storyloom/backend/internal/pkg/logger"
	"github.com/storyloom/backend/internal/progress"
	"github.com/storyloom/backend/internal/repos"
)

// Gateway streams a job's progress events over SSE. Each event carries
// its bus sequence as the SSE id, so a reconnecting client resumes with
// Last-Event-ID (or ?after=N) and replays exactly the events it missed.
type Gateway struct {
	log      *logger.Logger
	jobs     repos.JobRepo
	versions repos.VersionRepo
	bus      *progress.Bus
}

func New(baseLog *logger.Logger, jobs repos.JobRepo, versions repos.VersionRepo, bus *progress.Bus) *Gateway {
	return &Gateway{
		log:      baseLog.With("component", "ObserverGateway"),
		jobs:     jobs,
		versions: versions,
		bus:      bus,
	}
}

// resumeAfter picks the replay cursor: ?after=N wins, then the
// Last-Event-ID header, then zero (full replay).
func resumeAfter(r *http.Request) int {
	if raw := r.URL.Query().Get("after"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			return n
		}
	}
	if raw := strings.TrimSpace(r.Header.Get("Last-Event-ID")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			return n
		}
	}
	return 0
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request, jobID uuid.UUID) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()
	after := resumeAfter(r)

	sub, ok := g.bus.Subscribe(jobID, after)
	if !ok {
		// Topic already garbage-collected (or the observer is very
		// late). Fall back to the job row and emit its final state as
		// a single event so the client still learns the outcome.
		job, err := g.jobs.GetByID(ctx, nil, jobID)
		if err != nil {
			g.log.Warn("job lookup for late observer failed", "job_id", jobID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		ev := synthesizeTerminal(job)
		if ev.Type == progress.EventComplete {
			if v, verr := g.versions.GetBySourceJob(ctx, nil, job.ID); verr != nil {
				g.log.Warn("version lookup for late observer failed", "job_id", job.ID, "error", verr)
			} else if v != nil {
				ev.VersionNumber = v.VersionNumber
			}
		}
		g.writeEvent(w, flusher, ev)
		return
	}
	defer sub.Cancel()

	g.log.Debug("observer connected", "job_id", jobID, "after", after)
	for {
		ev, ok := sub.Next(ctx)
		if !ok {
			if ctx.Err() != nil {
				g.log.Debug("observer disconnected", "job_id", jobID, "err", ctx.Err())
			}
			return
		}
		g.writeEvent(w, flusher, ev)
		if ev.Terminal() {
			return
		}
	}
}

func (g *Gateway) writeEvent(w http.ResponseWriter, flusher http.Flusher, ev progress.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		g.log.Warn("Failed to marshal SSE event", "error", err)
		return
	}
	if ev.Sequence > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", ev.Sequence)
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", ev.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", string(data))
	flusher.Flush()
}

// synthesizeTerminal rebuilds the final event of a job whose live
// topic is gone. Non-terminal jobs that lost their topic (crashed
// instance) are reported as failed transient so the client does not
// hang on a stream that will never advance.
func synthesizeTerminal(job *domain.GenerationJob) progress.Event {
	ev := progress.Event{
		JobID:           job.ID,
		ProgressPercent: job.Progress,
		CurrentStage:    job.Stage,
	}
	switch job.Status {
	case domain.JobCompleted:
		ev.Type = progress.EventComplete
		ev.ProgressPercent = 100
	case domain.JobFailed:
		ev.Type = progress.EventFailed
		ev.FailureReason = string(job.FailureReason)
		ev.Retryable = job.Retryable
	default:
		if stale(job) {
			ev.Type = progress.EventFailed
			ev.FailureReason = string(domain.FailureTransientEngine)
			ev.Retryable = true
		} else {
			// Queued on another instance and not yet relayed here;
			// report current progress and let the client poll.
			ev.Type = progress.EventProgress
		}
	}
	return ev
}

// stale reports whether a non-terminal job has gone quiet for long
// enough that its worker is presumed dead.
func stale(job *domain.GenerationJob) bool {
	last := job.CreatedAt
	if job.HeartbeatAt != nil && job.HeartbeatAt.After(last) {
		last = *job.HeartbeatAt
	}
	return time.Since(last) > 5*time.Minute
}
