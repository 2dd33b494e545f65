package worker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/minorsearch/crawler/internal/clock/system"
	"github.com/minorsearch/crawler/internal/crawl"
	"github.com/minorsearch/crawler/internal/parser"
	"github.com/minorsearch/crawler/internal/queue/memory"
	"github.com/minorsearch/crawler/internal/sink"
)

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]crawl.FetchResponse
	errs      map[string]error
	attempts  map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: make(map[string]crawl.FetchResponse),
		errs:      make(map[string]error),
		attempts:  make(map[string]int),
	}
}

func (f *fakeFetcher) page(url, contentType, body string) {
	f.responses[url] = crawl.FetchResponse{
		URL:         url,
		StatusCode:  200,
		ContentType: contentType,
		Body:        []byte(body),
		Duration:    5 * time.Millisecond,
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[req.URL]++
	if err, ok := f.errs[req.URL]; ok {
		return crawl.FetchResponse{}, err
	}
	resp, ok := f.responses[req.URL]
	if !ok {
		return crawl.FetchResponse{}, errors.New("no response configured")
	}
	return resp, nil
}

func (f *fakeFetcher) attemptsFor(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[url]
}

type seqIDs struct {
	n atomic.Int64
}

func (g *seqIDs) NewID() (string, error) {
	return "job-" + strconv.FormatInt(g.n.Add(1), 10), nil
}

type failingHandler struct {
	sink.Collector
	failChunks bool
}

func (h *failingHandler) HandleChunk(ctx context.Context, chunk crawl.Chunk) error {
	if h.failChunks {
		return errors.New("handler rejected chunk")
	}
	return h.Collector.HandleChunk(ctx, chunk)
}

// harness wires one worker against a real queue and run handle.
type harness struct {
	run       *crawl.Run
	queue     *memory.Queue
	fetcher   *fakeFetcher
	collector *sink.Collector
	worker    *Worker
}

func newHarness(t *testing.T, handler crawl.Handler, retry crawl.RetryPolicy, cfg Config) *harness {
	t.Helper()

	clk := system.New()
	h := &harness{
		run:     crawl.NewRun("run-test", clk),
		queue:   memory.NewQueue(),
		fetcher: newFakeFetcher(),
	}
	if handler == nil {
		h.collector = sink.NewCollector()
		handler = h.collector
	}
	h.worker = New(
		"worker-1",
		h.queue,
		h.fetcher,
		parser.New(),
		handler,
		h.run,
		retry,
		clk,
		&seqIDs{},
		cfg,
		zap.NewNop(),
	)
	return h
}

// admit enqueues a seed job the way the scheduler does, claiming dedup and
// budget before tracking the admission.
func (h *harness) admit(t *testing.T, projectID, rawURL string, params crawl.Params) {
	t.Helper()

	normalized, err := crawl.NormalizeURL(rawURL)
	require.NoError(t, err)
	require.True(t, h.run.Visited().Claim(normalized))

	budget := h.run.Budget(projectID)
	require.NotNil(t, budget)
	require.True(t, budget.TryClaim())

	job := crawl.Job{
		ID:        "seed-" + normalized,
		URL:       normalized,
		ProjectID: projectID,
		Origin:    crawl.OriginSeed,
		Params:    params,
		Metadata:  map[string]string{"source": "test"},
	}
	require.NoError(t, h.queue.Enqueue(context.Background(), job))
	h.run.JobAdmitted()
}

// drain runs the worker until the run's pending counter hits zero, closing
// the queue exactly as the scheduler's control loop would.
func (h *harness) drain(t *testing.T) {
	t.Helper()

	h.run.Seal()
	go func() {
		<-h.run.Drained()
		h.queue.Close()
	}()

	done := make(chan struct{})
	go func() {
		h.worker.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain the queue")
	}
}

func TestWorkerProcessesSeedAndDiscoversLinks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil, Config{})
	h.run.RegisterProject(crawl.ProjectSummary{ID: "p1", SeedsEnqueued: 1}, crawl.NewBudget(10))

	h.fetcher.page("https://example.com/", "text/html",
		`<html><head><title>Root</title></head><body>
		<p>First sentence here.</p>
		<a href="/a">A</a>
		<a href="https://example.com/b">B</a>
		<a href="https://example.com/b">B again</a>
		</body></html>`)
	h.fetcher.page("https://example.com/a", "text/html",
		`<html><head><title>A</title></head><body><p>Leaf page a.</p></body></html>`)
	h.fetcher.page("https://example.com/b", "text/html",
		`<html><head><title>B</title></head><body><p>Leaf page b.</p></body></html>`)

	h.admit(t, "p1", "https://example.com/", crawl.Params{CrawlLimit: 10, ChunkSize: 4000})
	h.drain(t)

	result := h.run.Finalize()
	require.Equal(t, int64(3), result.Counts.URLsVisited)
	require.Equal(t, int64(2), result.Counts.URLsDiscovered)
	require.Empty(t, result.Failures)

	chunks := h.collector.Chunks()
	require.Len(t, chunks, 3)
	byURL := make(map[string]crawl.Chunk)
	for _, c := range chunks {
		byURL[c.URL] = c
		require.Equal(t, "p1", c.ProjectID)
		require.Equal(t, 1, c.Index)
		require.Equal(t, "test", c.Metadata["source"])
	}
	require.Equal(t, "Root", byURL["https://example.com/"].Title)
	require.Contains(t, byURL["https://example.com/a"].Content, "Leaf page a.")
}

func TestWorkerHonorsCrawlBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil, Config{})
	h.run.RegisterProject(crawl.ProjectSummary{ID: "p1", SeedsEnqueued: 1}, crawl.NewBudget(1))

	h.fetcher.page("https://example.com/", "text/html",
		`<html><body><p>Root.</p><a href="/a">A</a><a href="/b">B</a></body></html>`)

	h.admit(t, "p1", "https://example.com/", crawl.Params{CrawlLimit: 1, ChunkSize: 4000})
	h.drain(t)

	result := h.run.Finalize()
	require.Equal(t, int64(1), result.Counts.URLsVisited)
	require.Equal(t, int64(0), result.Counts.URLsDiscovered)
	require.Equal(t, int64(2), result.Counts.URLsOverLimit)
}

func TestWorkerSkipsBlockedDomains(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil, Config{BlockedDomains: []string{"youtube.com"}})
	h.run.RegisterProject(crawl.ProjectSummary{ID: "p1", SeedsEnqueued: 1}, crawl.NewBudget(10))

	h.fetcher.page("https://example.com/", "text/html",
		`<html><body><p>Root.</p>
		<a href="https://youtube.com/watch?v=1">blocked</a>
		<a href="https://www.youtube.com/watch?v=2">blocked subdomain</a>
		<a href="https://example.com/ok">ok</a>
		</body></html>`)
	h.fetcher.page("https://example.com/ok", "text/html",
		`<html><body><p>Fine.</p></body></html>`)

	h.admit(t, "p1", "https://example.com/", crawl.Params{CrawlLimit: 10, ChunkSize: 4000})
	h.drain(t)

	result := h.run.Finalize()
	require.Equal(t, int64(2), result.Counts.URLsVisited)
	require.Equal(t, int64(1), result.Counts.URLsDiscovered)
	require.Equal(t, 0, h.fetcher.attemptsFor("https://youtube.com/watch?v=1"))
}

func TestWorkerSkipsRedeliveredJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil, Config{})
	h.run.RegisterProject(crawl.ProjectSummary{ID: "p1", SeedsEnqueued: 1}, crawl.NewBudget(10))

	h.fetcher.page("https://example.com/", "text/html",
		`<html><body><p>Root.</p></body></html>`)

	h.admit(t, "p1", "https://example.com/", crawl.Params{CrawlLimit: 10, ChunkSize: 4000})

	// Simulate a re-delivery of the same URL after a worker timeout.
	require.NoError(t, h.queue.Enqueue(context.Background(), crawl.Job{
		ID:        "seed-redelivery",
		URL:       "https://example.com/",
		ProjectID: "p1",
		Origin:    crawl.OriginSeed,
		Params:    crawl.Params{CrawlLimit: 10, ChunkSize: 4000},
	}))
	h.run.JobAdmitted()

	h.drain(t)

	result := h.run.Finalize()
	require.Equal(t, int64(1), result.Counts.URLsVisited)
	require.Equal(t, int64(1), result.Counts.URLsDuplicate)
	require.Equal(t, 1, h.fetcher.attemptsFor("https://example.com/"))
	require.Len(t, h.collector.Chunks(), 1)
}

func TestWorkerRecordsFetchFailureAfterRetries(t *testing.T) {
	t.Parallel()

	retry := crawl.NewExponentialRetryPolicy(2, time.Millisecond, 2*time.Millisecond)
	h := newHarness(t, nil, retry, Config{})
	h.run.RegisterProject(crawl.ProjectSummary{ID: "p1", SeedsEnqueued: 1}, crawl.NewBudget(10))

	h.fetcher.errs["https://example.com/"] = errors.New("connection refused")

	h.admit(t, "p1", "https://example.com/", crawl.Params{CrawlLimit: 10, ChunkSize: 4000})
	h.drain(t)

	result := h.run.Finalize()
	require.Equal(t, int64(0), result.Counts.URLsVisited)
	require.Len(t, result.Failures, 1)
	require.Equal(t, crawl.StageFetch, result.Failures[0].Stage)
	require.Equal(t, "https://example.com/", result.Failures[0].URL)
	require.Contains(t, result.Failures[0].Err, "connection refused")
	require.Equal(t, 3, h.fetcher.attemptsFor("https://example.com/"), "initial try plus two retries")
}

func TestWorkerRoutesNonHTMLToPayloadHandler(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil, Config{})
	h.run.RegisterProject(crawl.ProjectSummary{ID: "p1", SeedsEnqueued: 1}, crawl.NewBudget(10))

	h.fetcher.page("https://example.com/report.pdf", "application/pdf", "%PDF-1.7 fake")

	h.admit(t, "p1", "https://example.com/report.pdf", crawl.Params{CrawlLimit: 10, ChunkSize: 4000})
	h.drain(t)

	result := h.run.Finalize()
	require.Equal(t, int64(1), result.Counts.URLsVisited)
	require.Empty(t, h.collector.Chunks())

	payloads := h.collector.Payloads()
	require.Len(t, payloads, 1)
	require.Equal(t, "application/pdf", payloads[0].ContentType)
	require.Equal(t, "p1", payloads[0].ProjectID)
}

func TestWorkerRecordsHandlerFailureAndContinues(t *testing.T) {
	t.Parallel()

	handler := &failingHandler{failChunks: true}
	h := newHarness(t, handler, nil, Config{})
	h.run.RegisterProject(crawl.ProjectSummary{ID: "p1", SeedsEnqueued: 1}, crawl.NewBudget(10))

	h.fetcher.page("https://example.com/", "text/html",
		`<html><body><p>Root.</p><a href="/a">A</a></body></html>`)
	h.fetcher.page("https://example.com/a", "text/html",
		`<html><body><p>Leaf.</p></body></html>`)

	h.admit(t, "p1", "https://example.com/", crawl.Params{CrawlLimit: 10, ChunkSize: 4000})
	h.drain(t)

	result := h.run.Finalize()
	require.Equal(t, int64(2), result.Counts.URLsVisited, "handler errors must not stop the crawl")
	require.Len(t, result.Failures, 2)
	for _, f := range result.Failures {
		require.Equal(t, crawl.StageHandler, f.Stage)
	}
	// Chunks are still aggregated into the result even when the handler
	// rejects them; failure records carry the delivery errors.
	require.Len(t, result.Chunks, 2)
}

func TestWorkerRecordsInvalidJobURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil, Config{})
	h.run.RegisterProject(crawl.ProjectSummary{ID: "p1", SeedsEnqueued: 1}, crawl.NewBudget(10))

	require.NoError(t, h.queue.Enqueue(context.Background(), crawl.Job{
		ID:        "bad",
		URL:       "mailto:nobody@example.com",
		ProjectID: "p1",
		Params:    crawl.Params{CrawlLimit: 10, ChunkSize: 4000},
	}))
	h.run.JobAdmitted()

	h.drain(t)

	result := h.run.Finalize()
	require.Len(t, result.Failures, 1)
	require.Equal(t, crawl.StageParse, result.Failures[0].Stage)
}
