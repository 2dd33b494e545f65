package crawl

import (
	"context"
	"mime"
	"net/http"
	"time"
)

// Queue provides enqueue/dequeue semantics for crawl jobs. Implementations
// must be safe for many concurrent producers and consumers, and Enqueue must
// never block indefinitely on a live queue.
type Queue interface {
	// Enqueue appends a job. Returns ErrQueueClosed after Close.
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available, the context ends, or the
	// queue is closed and empty, in which case it returns ErrQueueDrained.
	Dequeue(ctx context.Context) (Job, error)
	// Size reports the current pending depth.
	Size() int
	// Close signals that no further jobs will be accepted.
	Close()
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID   string
	URL     string
	Depth   int
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL         string
	StatusCode  int
	ContentType string
	Headers     http.Header
	Body        []byte
	Duration    time.Duration
}

// IsHTML reports whether the response should go through HTML extraction.
// Servers vary in content-type casing and parameter spacing, so the header
// goes through mime.ParseMediaType; a missing header is treated as HTML.
func (r FetchResponse) IsHTML() bool {
	if r.ContentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(r.ContentType)
	if err != nil {
		return false
	}
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return true
	default:
		return false
	}
}

// Fetcher retrieves a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// ParseResult aggregates what the parser extracted from one HTML page.
type ParseResult struct {
	Title  string
	Chunks []string
	Links  []string
}

// Parser turns an HTML body into bounded text chunks and outbound links.
type Parser interface {
	Parse(pageURL string, body []byte, chunkSize int) (ParseResult, error)
}

// Handler is the caller-supplied sink for extracted content. Both methods
// may be invoked concurrently from multiple workers; implementations must
// either be safe for concurrent use or serialize internally. Handler errors
// are recorded as FailureRecords and never abort the run.
type Handler interface {
	HandleChunk(ctx context.Context, chunk Chunk) error
	HandlePayload(ctx context.Context, payload Payload) error
}

// RunSink receives the finalized RunResult of a completed run. Sinks are
// boundary adapters (object storage, run-history database, event bus); their
// errors are logged, not propagated.
type RunSink interface {
	CompleteRun(ctx context.Context, result RunResult) error
}

// RetryPolicy decides whether and when a failed fetch is re-attempted.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Clock returns the current time (swappable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run, worker, and job identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
