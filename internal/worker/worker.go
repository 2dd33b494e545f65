// Package worker implements the crawl pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/minorsearch/crawler/internal/crawl"
	"github.com/minorsearch/crawler/internal/events"
)

// Config controls Worker behavior.
type Config struct {
	// BlockedDomains are hosts whose discovered links are never admitted.
	BlockedDomains []string
	// Events receives fetch and failure events; nil disables emission.
	Events events.Emitter
}

// Worker consumes jobs from the queue and executes the fetch/parse/deliver
// pipeline. Workers never communicate with each other; all coordination goes
// through the queue and the run-scoped shared state.
type Worker struct {
	id      string
	queue   crawl.Queue
	fetcher crawl.Fetcher
	parser  crawl.Parser
	handler crawl.Handler
	run     *crawl.Run
	state   *crawl.WorkerState
	retry   crawl.RetryPolicy
	clock   crawl.Clock
	idGen   crawl.IDGenerator
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker bound to one run.
func New(
	id string,
	queue crawl.Queue,
	fetcher crawl.Fetcher,
	parser crawl.Parser,
	handler crawl.Handler,
	run *crawl.Run,
	retry crawl.RetryPolicy,
	clock crawl.Clock,
	idGen crawl.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Events == nil {
		cfg.Events = events.NopEmitter()
	}
	return &Worker{
		id:      id,
		queue:   queue,
		fetcher: fetcher,
		parser:  parser,
		handler: handler,
		run:     run,
		state:   crawl.NewWorkerState(id, clock.Now()),
		retry:   retry,
		clock:   clock,
		idGen:   idGen,
		cfg:     cfg,
		logger:  logger.With(zap.String("worker_id", id)),
	}
}

// State exposes the liveness record read by the Master.
func (w *Worker) State() *crawl.WorkerState {
	return w.state
}

// Run blocks, consuming jobs until the queue drains or the context (worker
// retirement, run cancellation) finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		w.state.Beat(w.clock.Now())

		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			switch {
			case errors.Is(err, crawl.ErrQueueDrained):
				w.logger.Debug("queue drained, worker exiting")
			case ctx.Err() != nil:
				w.logger.Debug("worker retired")
			default:
				w.logger.Error("dequeue failed", zap.Error(err))
				continue
			}
			return
		}

		w.run.MarkRunning()
		token := w.run.BeginJob(job)
		w.state.StartJob(token, w.clock.Now())

		w.processJob(ctx, job)

		token.Release()
		w.state.FinishJob(w.clock.Now())
	}
}

func (w *Worker) processJob(ctx context.Context, job crawl.Job) {
	normalized, err := crawl.NormalizeURL(job.URL)
	if err != nil {
		w.recordFailure(job.URL, crawl.StageParse, err)
		return
	}

	// Re-delivered jobs are idempotent: only the first claim processes.
	if !w.run.Processed().Claim(normalized) {
		w.run.CountDuplicate()
		crawl.DuplicatesSkipped.Inc()
		w.logger.Debug("duplicate job skipped", zap.String("url", job.URL))
		return
	}

	resp, err := w.fetchWithRetry(ctx, job)
	if err != nil {
		w.recordFailure(job.URL, crawl.StageFetch, err)
		return
	}

	w.run.CountVisited()
	crawl.PagesFetched.WithLabelValues(string(job.Origin)).Inc()
	w.cfg.Events.Emit(events.Event{
		RunID:       w.run.ID(),
		TS:          w.clock.Now(),
		Type:        events.TypePageFetched,
		WorkerID:    w.id,
		URL:         job.URL,
		Host:        hostOf(resp.URL),
		StatusClass: events.ClassifyStatus(resp.StatusCode),
		Bytes:       int64(len(resp.Body)),
		Dur:         resp.Duration,
	})

	if !resp.IsHTML() {
		w.deliverPayload(ctx, job, resp)
		return
	}

	parsed, err := w.parser.Parse(resp.URL, resp.Body, job.Params.ChunkSize)
	if err != nil {
		w.recordFailure(job.URL, crawl.StageParse, err)
		return
	}

	w.deliverChunks(ctx, job, parsed)
	w.admitDiscovered(ctx, job, parsed.Links)
}

func (w *Worker) fetchWithRetry(ctx context.Context, job crawl.Job) (crawl.FetchResponse, error) {
	attempt := 0
	for {
		resp, err := w.fetcher.Fetch(ctx, crawl.FetchRequest{
			JobID: job.ID,
			URL:   job.URL,
			Depth: job.Depth,
		})
		if err == nil {
			return resp, nil
		}
		if w.retry == nil || !w.retry.ShouldRetry(err, attempt) {
			return crawl.FetchResponse{}, err
		}
		wait := w.retry.Backoff(attempt)
		attempt++
		w.logger.Debug("retrying fetch",
			zap.String("url", job.URL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
		)
		w.state.Beat(w.clock.Now())
		select {
		case <-ctx.Done():
			return crawl.FetchResponse{}, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (w *Worker) deliverPayload(ctx context.Context, job crawl.Job, resp crawl.FetchResponse) {
	payload := crawl.Payload{
		ProjectID:   job.ProjectID,
		URL:         job.URL,
		ContentType: resp.ContentType,
		Body:        resp.Body,
		Metadata:    crawl.CopyMetadata(job.Metadata),
	}
	if err := w.handler.HandlePayload(ctx, payload); err != nil {
		w.recordFailure(job.URL, crawl.StageHandler, err)
	}
}

func (w *Worker) deliverChunks(ctx context.Context, job crawl.Job, parsed crawl.ParseResult) {
	if len(parsed.Chunks) == 0 {
		return
	}
	chunks := make([]crawl.Chunk, 0, len(parsed.Chunks))
	for i, content := range parsed.Chunks {
		chunks = append(chunks, crawl.Chunk{
			ProjectID: job.ProjectID,
			Query:     job.Query,
			URL:       job.URL,
			Title:     parsed.Title,
			Index:     i + 1,
			Content:   content,
			Metadata:  crawl.CopyMetadata(job.Metadata),
		})
	}

	for _, chunk := range chunks {
		if err := w.handler.HandleChunk(ctx, chunk); err != nil {
			w.recordFailure(job.URL, crawl.StageHandler, err)
			continue
		}
		crawl.ChunksProduced.Inc()
	}
	w.run.AppendChunks(chunks)
}

// admitDiscovered enqueues outbound links that pass normalization, the
// blocked-domain filter, the run dedup set, and the project budget.
func (w *Worker) admitDiscovered(ctx context.Context, job crawl.Job, links []string) {
	budget := w.run.Budget(job.ProjectID)
	if budget == nil {
		return
	}

	for _, link := range links {
		normalized, err := crawl.NormalizeURL(link)
		if err != nil {
			continue
		}
		if crawl.HostBlocked(normalized, w.cfg.BlockedDomains) {
			continue
		}
		if !w.run.Visited().Claim(normalized) {
			w.run.CountDuplicate()
			crawl.DuplicatesSkipped.Inc()
			continue
		}
		if !budget.TryClaim() {
			w.run.CountOverLimit()
			continue
		}

		id, err := w.idGen.NewID()
		if err != nil {
			w.logger.Error("generate job id failed", zap.Error(err))
			continue
		}
		discovered := crawl.Job{
			ID:        id,
			URL:       normalized,
			ProjectID: job.ProjectID,
			Query:     job.Query,
			Origin:    crawl.OriginDiscovered,
			Depth:     job.Depth + 1,
			Metadata:  crawl.CopyMetadata(job.Metadata),
			Params:    job.Params,
		}
		if err := w.queue.Enqueue(ctx, discovered); err != nil {
			if errors.Is(err, crawl.ErrQueueClosed) {
				return
			}
			w.logger.Error("enqueue discovered job failed",
				zap.String("url", normalized),
				zap.Error(err),
			)
			continue
		}
		w.run.JobAdmitted()
		w.run.CountDiscovered()
	}
}

func (w *Worker) recordFailure(url string, stage crawl.FailureStage, err error) {
	w.run.AppendFailure(crawl.FailureRecord{
		URL:   url,
		Stage: stage,
		Err:   err.Error(),
		Time:  w.clock.Now(),
	})
	crawl.Failures.WithLabelValues(string(stage)).Inc()
	w.cfg.Events.Emit(events.Event{
		RunID:    w.run.ID(),
		TS:       w.clock.Now(),
		Type:     events.TypeJobFailed,
		WorkerID: w.id,
		URL:      url,
		Host:     hostOf(url),
		Note:     err.Error(),
	})
	w.logger.Warn("job stage failed",
		zap.String("url", url),
		zap.String("stage", string(stage)),
		zap.Error(err),
	)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
