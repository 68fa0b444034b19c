package progress

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/backend/internal/pkg/logger"
)

type EventType string

const (
	EventProgress  EventType = "progress"
	EventComplete  EventType = "complete"
	EventFailed    EventType = "failed"
	EventHeartbeat EventType = "heartbeat"
)

// Event is one line on a job's push channel. Sequence numbers are
// monotonic per job and assigned by the bus at publish time.
type Event struct {
	Type            EventType `json:"type"`
	JobID           uuid.UUID `json:"job_id"`
	Sequence        int       `json:"sequence"`
	ProgressPercent int       `json:"progress_percent"`
	CurrentStage    string    `json:"current_stage"`
	VersionNumber   int       `json:"version_number,omitempty"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	Retryable       bool      `json:"retryable,omitempty"`
}

func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventFailed
}

const terminalLinger = time.Minute

// Bus is the in-process publish/subscribe channel between the executor
// and live observers. One topic per job, opened at submission and
// garbage-collected once the job is terminal and subscriber-free. The
// full ordered event log is retained for the topic's lifetime so a
// late or reconnecting subscriber can replay to current state.
type Bus struct {
	mu             sync.Mutex
	log            *logger.Logger
	heartbeatEvery time.Duration
	topics         map[uuid.UUID]*topic
}

type topic struct {
	jobID  uuid.UUID
	events []Event
	closed bool
	subs   map[*Subscription]struct{}

	lastPublish  time.Time
	lastProgress int
	lastStage    string

	stopHeartbeat chan struct{}
}

func NewBus(baseLog *logger.Logger, heartbeatEvery time.Duration) *Bus {
	return &Bus{
		log:            baseLog.With("component", "ProgressBus"),
		heartbeatEvery: heartbeatEvery,
		topics:         make(map[uuid.UUID]*topic),
	}
}

// Open creates the topic for a job and starts its idle-heartbeat
// synthesizer. Opening an existing topic is a no-op.
func (b *Bus) Open(jobID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openLocked(jobID)
}

func (b *Bus) openLocked(jobID uuid.UUID) *topic {
	if t, ok := b.topics[jobID]; ok {
		return t
	}
	t := &topic{
		jobID:         jobID,
		subs:          make(map[*Subscription]struct{}),
		lastPublish:   time.Now(),
		stopHeartbeat: make(chan struct{}),
	}
	b.topics[jobID] = t
	if b.heartbeatEvery > 0 {
		go b.heartbeatLoop(t)
	}
	return t
}

// Publish appends an event to the job's log and wakes subscribers.
// The assigned sequence number is returned.
func (b *Bus) Publish(jobID uuid.UUID, ev Event) Event {
	b.mu.Lock()
	t := b.openLocked(jobID)

	ev.JobID = jobID
	ev.Sequence = len(t.events) + 1
	t.events = append(t.events, ev)
	t.lastPublish = time.Now()
	if ev.Type == EventProgress {
		t.lastProgress = ev.ProgressPercent
		t.lastStage = ev.CurrentStage
	}
	if ev.Terminal() {
		t.closed = true
		close(t.stopHeartbeat)
		// Keep the log around briefly so an observer arriving just
		// after termination can still replay it.
		time.AfterFunc(terminalLinger, func() {
			b.mu.Lock()
			b.dropLocked(t)
			b.mu.Unlock()
		})
	}
	for s := range t.subs {
		s.wakeUp()
	}
	b.mu.Unlock()

	b.log.Debug("published", "job_id", jobID, "type", ev.Type, "sequence", ev.Sequence)
	return ev
}

// Inject appends an event relayed from another instance, preserving
// its origin-assigned sequence. Duplicates are dropped; a gap means
// this replica missed traffic and the event is refused so subscribers
// fall back to the status query rather than see a hole in the stream.
func (b *Bus) Inject(ev Event) {
	if ev.JobID == uuid.Nil || ev.Sequence < 1 {
		return
	}
	b.mu.Lock()
	t := b.openLocked(ev.JobID)
	switch {
	case ev.Sequence <= len(t.events):
		b.mu.Unlock()
		return
	case ev.Sequence > len(t.events)+1:
		have := len(t.events)
		b.mu.Unlock()
		b.log.Warn("relayed event out of order, dropping", "job_id", ev.JobID, "sequence", ev.Sequence, "have", have)
		return
	}
	t.events = append(t.events, ev)
	t.lastPublish = time.Now()
	if ev.Type == EventProgress {
		t.lastProgress = ev.ProgressPercent
		t.lastStage = ev.CurrentStage
	}
	if ev.Terminal() && !t.closed {
		t.closed = true
		close(t.stopHeartbeat)
		time.AfterFunc(terminalLinger, func() {
			b.mu.Lock()
			b.dropLocked(t)
			b.mu.Unlock()
		})
	}
	for s := range t.subs {
		s.wakeUp()
	}
	b.mu.Unlock()
}

// Subscribe returns an ordered stream over the job's events, replaying
// everything after afterSeq before going live. The second return is
// false when the topic no longer exists (job terminal and GC'd, or
// never opened).
func (b *Bus) Subscribe(jobID uuid.UUID, afterSeq int) (*Subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[jobID]
	if !ok {
		return nil, false
	}
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq > len(t.events) {
		afterSeq = len(t.events)
	}
	s := &Subscription{
		bus:    b,
		t:      t,
		cursor: afterSeq,
		wake:   make(chan struct{}, 1),
	}
	t.subs[s] = struct{}{}
	return s, true
}

func (b *Bus) heartbeatLoop(t *topic) {
	ticker := time.NewTicker(b.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopHeartbeat:
			return
		case <-ticker.C:
			b.mu.Lock()
			// No heartbeats before the run's first real event: a topic
			// idling in queued state is not a stalled stream.
			idle := !t.closed && len(t.events) > 0 && time.Since(t.lastPublish) >= b.heartbeatEvery
			progress, stage := t.lastProgress, t.lastStage
			b.mu.Unlock()
			if idle {
				b.Publish(t.jobID, Event{
					Type:            EventHeartbeat,
					ProgressPercent: progress,
					CurrentStage:    stage,
				})
			}
		}
	}
}

func (b *Bus) dropLocked(t *topic) {
	if t.closed && len(t.subs) == 0 {
		delete(b.topics, t.jobID)
	}
}

// Subscription is a cursor over a topic's ordered log. Next blocks
// until another event is available, the stream ends (terminal event
// delivered), or ctx is done. Delivery is therefore in publish order
// with no gaps, regardless of how slow the consumer is.
type Subscription struct {
	bus    *Bus
	t      *topic
	cursor int
	wake   chan struct{}
	closed bool
}

func (s *Subscription) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	for {
		s.bus.mu.Lock()
		if s.closed {
			s.bus.mu.Unlock()
			return Event{}, false
		}
		if s.cursor < len(s.t.events) {
			ev := s.t.events[s.cursor]
			s.cursor++
			s.bus.mu.Unlock()
			return ev, true
		}
		done := s.t.closed
		s.bus.mu.Unlock()
		if done {
			return Event{}, false
		}
		select {
		case <-ctx.Done():
			return Event{}, false
		case <-s.wake:
		}
	}
}

// Cancel detaches the subscription. A terminal, subscriber-free topic
// is garbage-collected here.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.t.subs, s)
	s.bus.dropLocked(s.t)
}
