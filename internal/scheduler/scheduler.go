// Package scheduler owns run intake: it validates projects, expands seeds
// into the job queue, starts the master and its worker pool, and finalizes
// the run when the queue drains or a cancellation lands.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/minorsearch/crawler/internal/crawl"
	"github.com/minorsearch/crawler/internal/events"
	"github.com/minorsearch/crawler/internal/master"
	memqueue "github.com/minorsearch/crawler/internal/queue/memory"
	"github.com/minorsearch/crawler/internal/worker"
)

// Config carries run-wide tunables. Workers is passed straight through to
// the master; Defaults fill any Params field a project or seed leaves zero.
type Config struct {
	Workers        master.Config
	Defaults       crawl.Params
	BlockedDomains []string
	SinkTimeout    time.Duration
}

// Scheduler accepts crawl projects and drives each run to completion. One
// Scheduler serves many runs; each run gets its own queue and worker pool.
type Scheduler struct {
	fetcher crawl.Fetcher
	parser  crawl.Parser
	handler crawl.Handler
	retry   crawl.RetryPolicy
	clock   crawl.Clock
	idGen   crawl.IDGenerator
	sinks   []crawl.RunSink
	emitter events.Emitter
	cfg     Config
	logger  *zap.Logger

	mu   sync.RWMutex
	runs map[string]*crawl.Run
}

// New constructs a Scheduler.
func New(
	fetcher crawl.Fetcher,
	parser crawl.Parser,
	handler crawl.Handler,
	retry crawl.RetryPolicy,
	clock crawl.Clock,
	idGen crawl.IDGenerator,
	sinks []crawl.RunSink,
	emitter events.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = events.NopEmitter()
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 30 * time.Second
	}
	return &Scheduler{
		fetcher: fetcher,
		parser:  parser,
		handler: handler,
		retry:   retry,
		clock:   clock,
		idGen:   idGen,
		sinks:   sinks,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger.Named("scheduler"),
	}
}

// Schedule validates the projects, admits their seeds, and starts the run.
// It returns as soon as the run is underway; callers observe completion via
// Run.Wait or Run.Done. Validation failures reject the whole submission and
// no run is created.
func (s *Scheduler) Schedule(ctx context.Context, projects ...crawl.Project) (*crawl.Run, error) {
	if err := s.validate(projects); err != nil {
		return nil, err
	}

	runID, err := s.idGen.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	run := crawl.NewRun(runID, s.clock)
	queue := memqueue.NewQueue()
	logger := s.logger.With(zap.String("run_id", runID))

	for i := range projects {
		if err := s.admitProject(ctx, run, queue, &projects[i]); err != nil {
			// Admission can only fail if the queue closed, which cannot
			// happen before the run starts. Treat it as fatal anyway.
			queue.Close()
			return nil, err
		}
	}
	run.Seal()

	s.mu.Lock()
	if s.runs == nil {
		s.runs = make(map[string]*crawl.Run)
	}
	s.runs[runID] = run
	s.mu.Unlock()

	mctx, mcancel := context.WithCancel(context.Background())
	m := master.New(queue, run, s.workerFactory(queue, run, logger), s.clock, s.idGen, s.cfg.Workers, s.emitter, logger)
	m.Start(mctx)

	s.emitter.Emit(events.Event{
		RunID: runID,
		TS:    s.clock.Now(),
		Type:  events.TypeRunScheduled,
		Note:  fmt.Sprintf("%d projects, %d seeds", len(projects), run.Pending()),
	})
	logger.Info("run scheduled",
		zap.Int("projects", len(projects)),
		zap.Int64("pending_jobs", run.Pending()),
		zap.Int("min_workers", s.cfg.Workers.MinWorkers),
	)

	go s.control(run, queue, m, mcancel, logger)
	return run, nil
}

func (s *Scheduler) validate(projects []crawl.Project) error {
	if len(projects) == 0 {
		return fmt.Errorf("schedule: no projects submitted")
	}
	for _, p := range projects {
		if p.ID == "" {
			return fmt.Errorf("schedule: project with empty id")
		}
		if len(p.Seeds) == 0 {
			return fmt.Errorf("schedule: project %q has no seeds", p.ID)
		}
		for _, seed := range p.Seeds {
			if _, err := crawl.NormalizeURL(seed.URL); err != nil {
				return fmt.Errorf("schedule: project %q seed %q: %w", p.ID, seed.URL, err)
			}
		}
	}
	return nil
}

// admitProject expands one project's seeds into jobs. Seeds pass through the
// same dedup set and budget as discovered links, so duplicate seeds across
// projects are admitted once and a project whose limit is smaller than its
// seed list stops early.
func (s *Scheduler) admitProject(ctx context.Context, run *crawl.Run, queue crawl.Queue, p *crawl.Project) error {
	params := s.cfg.Defaults.Merge(p.Params)
	budget := crawl.NewBudget(params.CrawlLimit)
	enqueued := 0

	for _, seed := range p.Seeds {
		normalized, err := crawl.NormalizeURL(seed.URL)
		if err != nil {
			continue // validated already, kept for safety
		}
		if crawl.HostBlocked(normalized, s.cfg.BlockedDomains) {
			continue
		}
		if !run.Visited().Claim(normalized) {
			run.CountDuplicate()
			crawl.DuplicatesSkipped.Inc()
			continue
		}
		if !budget.TryClaim() {
			run.CountOverLimit()
			continue
		}

		jobID, err := s.idGen.NewID()
		if err != nil {
			return fmt.Errorf("generate job id: %w", err)
		}
		job := crawl.Job{
			ID:        jobID,
			URL:       normalized,
			ProjectID: p.ID,
			Query:     p.Query,
			Origin:    crawl.OriginSeed,
			Depth:     0,
			Metadata:  mergeMetadata(p.Metadata, seed.Metadata),
			Params:    params.Merge(seed.Params),
		}
		if err := queue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueue seed %q: %w", normalized, err)
		}
		run.JobAdmitted()
		enqueued++
	}

	run.RegisterProject(crawl.ProjectSummary{
		ID:             p.ID,
		Query:          p.Query,
		RelatedQueries: append([]string(nil), p.RelatedQueries...),
		SeedsEnqueued:  enqueued,
	}, budget)
	return nil
}

// mergeMetadata overlays seed metadata on project metadata; seed keys win.
func mergeMetadata(project, seed map[string]string) map[string]string {
	merged := crawl.CopyMetadata(project)
	if len(seed) == 0 {
		return merged
	}
	if merged == nil {
		merged = make(map[string]string, len(seed))
	}
	for k, v := range seed {
		merged[k] = v
	}
	return merged
}

func (s *Scheduler) workerFactory(queue crawl.Queue, run *crawl.Run, logger *zap.Logger) master.WorkerFactory {
	return func(id string) master.RunnableWorker {
		return worker.New(
			id,
			queue,
			s.fetcher,
			s.parser,
			s.handler,
			run,
			s.retry,
			s.clock,
			s.idGen,
			worker.Config{BlockedDomains: s.cfg.BlockedDomains, Events: s.emitter},
			logger,
		)
	}
}

// control waits for the run to drain or be cancelled, then tears down the
// pool, finalizes the result, and fans it out to the configured sinks.
func (s *Scheduler) control(run *crawl.Run, queue crawl.Queue, m *master.Master, mcancel context.CancelFunc, logger *zap.Logger) {
	select {
	case <-run.Drained():
	case <-run.CancelRequested():
	}

	queue.Close()
	run.BeginDraining()
	m.Shutdown(s.cfg.Workers.RetireGrace)
	mcancel()

	result := run.Finalize()

	outcome := "completed"
	if result.Cancelled {
		outcome = "cancelled"
	}
	crawl.RunsTotal.WithLabelValues(outcome).Inc()
	s.emitter.Emit(events.Event{
		RunID: run.ID(),
		TS:    s.clock.Now(),
		Type:  events.TypeRunCompleted,
		Dur:   result.FinishedAt.Sub(result.StartedAt),
		Note:  outcome,
	})

	logger.Info("run finished",
		zap.String("outcome", outcome),
		zap.Int64("urls_visited", result.Counts.URLsVisited),
		zap.Int64("urls_discovered", result.Counts.URLsDiscovered),
		zap.Int("chunks", len(result.Chunks)),
		zap.Int("failures", len(result.Failures)),
	)

	for _, sink := range s.sinks {
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.SinkTimeout)
		if err := sink.CompleteRun(sctx, result); err != nil {
			logger.Error("run sink failed", zap.Error(err))
		}
		cancel()
	}
}

// Get looks up an active or completed run.
func (s *Scheduler) Get(runID string) (*crawl.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, crawl.ErrRunNotFound
	}
	return run, nil
}

// Cancel requests cancellation of an active run. Cancelling a completed run
// is a no-op that still succeeds.
func (s *Scheduler) Cancel(runID string) error {
	run, err := s.Get(runID)
	if err != nil {
		return err
	}
	run.Cancel()
	return nil
}
