// Package master supervises the worker pool for a single run: it spawns
// workers, scales the pool against queue depth, and replaces workers whose
// heartbeats go stale.
package master

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/minorsearch/crawler/internal/crawl"
	"github.com/minorsearch/crawler/internal/events"
)

// Config bounds the pool and paces the scaling loop.
type Config struct {
	MinWorkers      int
	MaxWorkers      int
	HighWater       int           // per-worker queue depth above which the pool grows
	LowWater        int           // per-worker queue depth below which the pool shrinks
	LivenessTimeout time.Duration // heartbeat age that marks a worker dead
	ScaleInterval   time.Duration // supervision tick
	ScaleCooldown   time.Duration // minimum gap between scaling decisions
	RetireGrace     time.Duration // wait for a retiring worker to finish
}

// RunnableWorker is one pool member: a blocking loop plus its liveness state.
type RunnableWorker interface {
	Run(ctx context.Context)
	State() *crawl.WorkerState
}

// WorkerFactory builds a fresh worker for the pool. The Master owns the id.
type WorkerFactory func(id string) RunnableWorker

type handle struct {
	worker RunnableWorker
	cancel context.CancelFunc
	done   chan struct{}
}

// Master runs the supervision loop. It is bound to one run and one queue.
type Master struct {
	queue   crawl.Queue
	run     *crawl.Run
	factory WorkerFactory
	clock   crawl.Clock
	idGen   crawl.IDGenerator
	cfg     Config
	emitter events.Emitter
	logger  *zap.Logger

	mu        sync.Mutex
	pool      map[string]*handle
	lastScale time.Time
	seq       int
}

// New constructs a Master. Start launches the initial pool.
func New(
	queue crawl.Queue,
	run *crawl.Run,
	factory WorkerFactory,
	clock crawl.Clock,
	idGen crawl.IDGenerator,
	cfg Config,
	emitter events.Emitter,
	logger *zap.Logger,
) *Master {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = events.NopEmitter()
	}
	return &Master{
		queue:   queue,
		run:     run,
		factory: factory,
		clock:   clock,
		idGen:   idGen,
		cfg:     cfg,
		emitter: emitter,
		logger:  logger.Named("master"),
		pool:    make(map[string]*handle),
	}
}

// Start spawns the minimum pool and begins the supervision loop. It returns
// once the loop goroutine is running; Shutdown stops it.
func (m *Master) Start(ctx context.Context) {
	m.mu.Lock()
	for len(m.pool) < m.cfg.MinWorkers {
		m.spawnLocked(ctx)
	}
	m.mu.Unlock()

	go m.supervise(ctx)
}

func (m *Master) supervise(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ScaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reap(ctx)
			m.scale(ctx)
		}
	}
}

// reap replaces workers whose heartbeat exceeds the liveness timeout. A dead
// worker's in-flight job is recorded as failed and its completion token
// released so the run can still drain.
func (m *Master) reap(ctx context.Context) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, h := range m.pool {
		snap := h.worker.State().Snapshot()
		if now.Sub(snap.LastBeat) <= m.cfg.LivenessTimeout {
			continue
		}

		m.logger.Warn("worker liveness timeout",
			zap.String("worker_id", id),
			zap.Time("last_beat", snap.LastBeat),
		)
		crawl.WorkerTimeouts.Inc()
		m.emitter.Emit(events.Event{
			RunID:    m.run.ID(),
			TS:       now,
			Type:     events.TypeWorkerTimeout,
			WorkerID: id,
		})

		if snap.Current != nil {
			job := snap.Current.Job()
			m.run.AppendFailure(crawl.FailureRecord{
				URL:   job.URL,
				Stage: crawl.StageWorkerTimeout,
				Err:   "worker heartbeat expired",
				Time:  now,
			})
			crawl.Failures.WithLabelValues(string(crawl.StageWorkerTimeout)).Inc()
			snap.Current.Release()
		}

		h.cancel()
		delete(m.pool, id)
		crawl.WorkersRetired.Inc()

		m.spawnLocked(ctx)
	}
	crawl.WorkerPoolSize.Set(float64(len(m.pool)))
}

// scale applies the high/low-water policy. The watermarks are per-worker
// backlog: the pool grows only when depth exceeds HighWater for every current
// worker, and shrinks when depth falls below LowWater per worker. At most one
// adjustment per tick, respecting the cooldown and the pool bounds.
func (m *Master) scale(ctx context.Context) {
	depth := m.queue.Size()
	crawl.QueueDepth.Set(float64(depth))

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if now.Sub(m.lastScale) < m.cfg.ScaleCooldown {
		return
	}
	m.pruneLocked()

	switch {
	case depth > m.cfg.HighWater*len(m.pool) && len(m.pool) < m.cfg.MaxWorkers:
		id := m.spawnLocked(ctx)
		m.lastScale = now
		m.logger.Info("scaled up",
			zap.String("worker_id", id),
			zap.Int("queue_depth", depth),
			zap.Int("pool_size", len(m.pool)),
		)
	case depth < m.cfg.LowWater*len(m.pool) && len(m.pool) > m.cfg.MinWorkers:
		id := m.retireOneLocked()
		if id == "" {
			// Every worker is mid-job; retry once one goes idle.
			break
		}
		m.lastScale = now
		m.logger.Info("scaled down",
			zap.String("worker_id", id),
			zap.Int("queue_depth", depth),
			zap.Int("pool_size", len(m.pool)),
		)
	}
	crawl.WorkerPoolSize.Set(float64(len(m.pool)))
}

// pruneLocked drops workers that exited on their own (drained queue).
func (m *Master) pruneLocked() {
	for id, h := range m.pool {
		select {
		case <-h.done:
			delete(m.pool, id)
		default:
		}
	}
}

func (m *Master) spawnLocked(ctx context.Context) string {
	id, err := m.idGen.NewID()
	if err != nil {
		m.seq++
		id = "worker-" + strconv.Itoa(m.seq)
	}

	wctx, cancel := context.WithCancel(ctx)
	w := m.factory(id)
	h := &handle{worker: w, cancel: cancel, done: make(chan struct{})}
	m.pool[id] = h
	crawl.WorkersSpawned.Inc()
	m.emitter.Emit(events.Event{
		RunID:    m.run.ID(),
		TS:       m.clock.Now(),
		Type:     events.TypeWorkerSpawned,
		WorkerID: id,
	})

	go func() {
		defer close(h.done)
		w.Run(wctx)
	}()
	return id
}

// retireOneLocked cancels one idle worker and removes it from the pool.
// Workers that are mid-job are never cancelled here; if the whole pool is
// busy it retires nothing and reports "".
func (m *Master) retireOneLocked() string {
	for id, h := range m.pool {
		if h.worker.State().Snapshot().Busy {
			continue
		}
		h.cancel()
		delete(m.pool, id)
		crawl.WorkersRetired.Inc()
		m.emitter.Emit(events.Event{
			RunID:    m.run.ID(),
			TS:       m.clock.Now(),
			Type:     events.TypeWorkerRetired,
			WorkerID: id,
		})
		return id
	}
	return ""
}

// PoolSize reports the current pool membership, live exits pruned.
func (m *Master) PoolSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	return len(m.pool)
}

// Snapshots reports liveness state for every pool member.
func (m *Master) Snapshots() []crawl.WorkerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]crawl.WorkerSnapshot, 0, len(m.pool))
	for _, h := range m.pool {
		out = append(out, h.worker.State().Snapshot())
	}
	return out
}

// Shutdown cancels every worker and waits up to grace for them to exit.
func (m *Master) Shutdown(grace time.Duration) {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.pool))
	for id, h := range m.pool {
		h.cancel()
		handles = append(handles, h)
		delete(m.pool, id)
	}
	m.mu.Unlock()
	crawl.WorkerPoolSize.Set(0)

	deadline := time.After(grace)
	for _, h := range handles {
		select {
		case <-h.done:
		case <-deadline:
			m.logger.Warn("worker did not exit within grace period")
			return
		}
	}
}
