package crawl

import (
	"sync"
	"sync/atomic"
	"time"
)

// JobToken tracks one dequeued job so its completion is counted exactly
// once, even when both the worker and the Master's timeout path race to
// release it.
type JobToken struct {
	job      Job
	run      *Run
	released atomic.Bool
}

// Job returns the job this token guards.
func (t *JobToken) Job() Job {
	return t.job
}

// Release marks the job finished against the run's pending counter. Only the
// first call has any effect.
func (t *JobToken) Release() bool {
	if t == nil || !t.released.CompareAndSwap(false, true) {
		return false
	}
	t.run.jobDone()
	return true
}

// WorkerState is the liveness record shared between one worker and the
// Master. The worker writes its heartbeat and current job; the Master reads
// snapshots and releases the token of a worker it declares dead.
type WorkerState struct {
	id string

	mu       sync.Mutex
	lastBeat time.Time
	current  *JobToken
}

// NewWorkerState constructs a state record with an initial heartbeat.
func NewWorkerState(id string, now time.Time) *WorkerState {
	return &WorkerState{id: id, lastBeat: now}
}

// ID returns the worker identifier.
func (s *WorkerState) ID() string {
	return s.id
}

// Beat refreshes the liveness timestamp.
func (s *WorkerState) Beat(now time.Time) {
	s.mu.Lock()
	s.lastBeat = now
	s.mu.Unlock()
}

// StartJob records the in-flight job and refreshes liveness.
func (s *WorkerState) StartJob(token *JobToken, now time.Time) {
	s.mu.Lock()
	s.current = token
	s.lastBeat = now
	s.mu.Unlock()
}

// FinishJob clears the in-flight job and refreshes liveness.
func (s *WorkerState) FinishJob(now time.Time) {
	s.mu.Lock()
	s.current = nil
	s.lastBeat = now
	s.mu.Unlock()
}

// WorkerSnapshot is a point-in-time copy read by the Master.
type WorkerSnapshot struct {
	ID       string
	LastBeat time.Time
	Busy     bool
	Current  *JobToken
}

// Snapshot returns the current liveness view.
func (s *WorkerState) Snapshot() WorkerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WorkerSnapshot{
		ID:       s.id,
		LastBeat: s.lastBeat,
		Busy:     s.current != nil,
		Current:  s.current,
	}
}
