package crawl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// RunState is the lifecycle phase of a crawl run.
type RunState string

// Run lifecycle states. Transitions are strictly forward:
// Scheduled → Running → Draining → Completed.
const (
	RunScheduled RunState = "scheduled"
	RunRunning   RunState = "running"
	RunDraining  RunState = "draining"
	RunCompleted RunState = "completed"
)

// Run is the handle for one crawl invocation. It owns the run-scoped shared
// state (dedup sets, per-project budgets, the pending-job counter) and
// aggregates chunks and failures into the final RunResult. All methods are
// safe for concurrent use.
type Run struct {
	id    string
	clock Clock

	mu        sync.Mutex
	state     RunState
	projects  []ProjectSummary
	chunks    []Chunk
	failures  []FailureRecord
	budgets   map[string]*Budget
	startedAt time.Time
	result    RunResult
	finalized bool

	visited   *VisitSet
	processed *VisitSet

	pending     atomic.Int64
	sealed      atomic.Bool
	drainedCh   chan struct{}
	drainedOnce sync.Once

	cancelled  atomic.Bool
	cancelCh   chan struct{}
	cancelOnce sync.Once

	runningOnce sync.Once
	done        chan struct{}

	visitedCount    atomic.Int64
	discoveredCount atomic.Int64
	duplicateCount  atomic.Int64
	overLimitCount  atomic.Int64
}

// NewRun constructs a run handle in the Scheduled state.
func NewRun(id string, clock Clock) *Run {
	return &Run{
		id:        id,
		clock:     clock,
		state:     RunScheduled,
		budgets:   make(map[string]*Budget),
		visited:   NewVisitSet(),
		processed: NewVisitSet(),
		startedAt: clock.Now(),
		drainedCh: make(chan struct{}),
		cancelCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// State returns the current lifecycle state.
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// RegisterProject records a scheduled project and its admission budget.
func (r *Run) RegisterProject(summary ProjectSummary, budget *Budget) {
	r.mu.Lock()
	r.projects = append(r.projects, summary)
	r.budgets[summary.ID] = budget
	r.mu.Unlock()
}

// Budget returns the admission budget for a project, or nil if unknown.
func (r *Run) Budget(projectID string) *Budget {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.budgets[projectID]
}

// Visited is the admission dedup set keyed by normalized URL.
func (r *Run) Visited() *VisitSet { return r.visited }

// Processed is the worker-side claim set making job re-delivery idempotent.
func (r *Run) Processed() *VisitSet { return r.processed }

// MarkRunning transitions Scheduled → Running on the first dequeue.
func (r *Run) MarkRunning() {
	r.runningOnce.Do(func() {
		r.mu.Lock()
		if r.state == RunScheduled {
			r.state = RunRunning
		}
		r.mu.Unlock()
	})
}

// JobAdmitted registers one successfully enqueued job against the pending
// counter. Every admission is balanced by exactly one JobToken release, so
// queued + in-flight + completed jobs are conserved.
func (r *Run) JobAdmitted() {
	r.pending.Add(1)
}

// BeginJob returns the completion token for a dequeued job. The consumer
// (or the Master, for a dead worker) must release it exactly once.
func (r *Run) BeginJob(job Job) *JobToken {
	return &JobToken{job: job, run: r}
}

// Seal declares that no further seed jobs will be tracked. Once sealed, the
// pending counter reaching zero closes the drained channel. The scheduler
// seals after the last seed is enqueued; discovered jobs are always tracked
// by an in-flight worker, so the counter cannot dip to zero early.
func (r *Run) Seal() {
	r.sealed.Store(true)
	if r.pending.Load() == 0 {
		r.drainedOnce.Do(func() { close(r.drainedCh) })
	}
}

func (r *Run) jobDone() {
	if r.pending.Add(-1) == 0 && r.sealed.Load() {
		r.drainedOnce.Do(func() { close(r.drainedCh) })
	}
}

// Drained is closed when every admitted job has been consumed and no worker
// can produce more (queue depth plus in-flight count has hit zero).
func (r *Run) Drained() <-chan struct{} { return r.drainedCh }

// Pending reports queued plus in-flight jobs.
func (r *Run) Pending() int64 { return r.pending.Load() }

// Cancel requests early termination. Cancellation is a valid path to
// Completed, not an error; the result carries Cancelled=true.
func (r *Run) Cancel() {
	r.cancelOnce.Do(func() {
		r.cancelled.Store(true)
		close(r.cancelCh)
	})
}

// Cancelled reports whether Cancel was called.
func (r *Run) Cancelled() bool { return r.cancelled.Load() }

// CancelRequested is closed once Cancel is called.
func (r *Run) CancelRequested() <-chan struct{} { return r.cancelCh }

// AppendChunks adds extracted chunks in page order.
func (r *Run) AppendChunks(chunks []Chunk) {
	if len(chunks) == 0 {
		return
	}
	r.mu.Lock()
	r.chunks = append(r.chunks, chunks...)
	r.mu.Unlock()
}

// AppendFailure records a failure. Records are append-only and never
// dropped.
func (r *Run) AppendFailure(rec FailureRecord) {
	r.mu.Lock()
	r.failures = append(r.failures, rec)
	r.mu.Unlock()
}

// CountVisited increments the processed-URL counter.
func (r *Run) CountVisited() { r.visitedCount.Add(1) }

// CountDiscovered increments the discovered-job counter.
func (r *Run) CountDiscovered() { r.discoveredCount.Add(1) }

// CountDuplicate increments the duplicate-skip counter.
func (r *Run) CountDuplicate() { r.duplicateCount.Add(1) }

// CountOverLimit increments the budget-exhausted skip counter.
func (r *Run) CountOverLimit() { r.overLimitCount.Add(1) }

// BeginDraining transitions to Draining once the queue is closed.
func (r *Run) BeginDraining() {
	r.mu.Lock()
	if r.state == RunScheduled || r.state == RunRunning {
		r.state = RunDraining
	}
	r.mu.Unlock()
}

// Finalize builds the RunResult, transitions to Completed, and releases
// waiters. Subsequent calls return the already-finalized result.
func (r *Run) Finalize() RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return r.result
	}
	r.state = RunCompleted
	r.result = RunResult{
		RunID:    r.id,
		Projects: append([]ProjectSummary(nil), r.projects...),
		Chunks:   append([]Chunk(nil), r.chunks...),
		Failures: append([]FailureRecord(nil), r.failures...),
		Counts: RunCounts{
			URLsVisited:    r.visitedCount.Load(),
			URLsDiscovered: r.discoveredCount.Load(),
			URLsDuplicate:  r.duplicateCount.Load(),
			URLsOverLimit:  r.overLimitCount.Load(),
		},
		StartedAt:  r.startedAt,
		FinishedAt: r.clock.Now(),
		Cancelled:  r.cancelled.Load(),
	}
	r.finalized = true
	close(r.done)
	return r.result
}

// Done is closed when the run reaches Completed.
func (r *Run) Done() <-chan struct{} { return r.done }

// Result returns the finalized result, if any.
func (r *Run) Result() (RunResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.finalized
}

// Wait blocks until the run completes or the context ends.
func (r *Run) Wait(ctx context.Context) (RunResult, error) {
	select {
	case <-ctx.Done():
		return RunResult{}, fmt.Errorf("wait for run %s: %w", r.id, ctx.Err())
	case <-r.done:
	}
	result, _ := r.Result()
	return result, nil
}
