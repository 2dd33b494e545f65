// Package crawl defines the core model shared across the pipeline:
// projects, jobs, chunks, failure records, and the run handle that ties a
// single crawl invocation together.
package crawl

import (
	"strconv"
	"time"
)

// Params holds the crawl knobs a project (or an individual seed) can set.
// Zero values inherit from the enclosing scope when merged.
type Params struct {
	CrawlLimit      int `json:"crawl_limit" mapstructure:"crawl_limit"`
	ChunkSize       int `json:"chunk_size" mapstructure:"chunk_size"`
	ResultsPerQuery int `json:"results_per_query" mapstructure:"results_per_query"`
	RelatedLimit    int `json:"related_limit" mapstructure:"related_limit"`
}

// Merge returns p overlaid with the non-zero fields of override.
func (p Params) Merge(override Params) Params {
	out := p
	if override.CrawlLimit > 0 {
		out.CrawlLimit = override.CrawlLimit
	}
	if override.ChunkSize > 0 {
		out.ChunkSize = override.ChunkSize
	}
	if override.ResultsPerQuery > 0 {
		out.ResultsPerQuery = override.ResultsPerQuery
	}
	if override.RelatedLimit > 0 {
		out.RelatedLimit = override.RelatedLimit
	}
	return out
}

// Seed is a starting URL within a project, with optional parameter and
// metadata overrides. Seed metadata is overlaid on the project's; seed keys
// win on conflict.
type Seed struct {
	URL      string            `json:"url"`
	Params   Params            `json:"params,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Project groups seeds that share metadata and default crawl parameters.
// A project is immutable once scheduled.
type Project struct {
	ID             string            `json:"id"`
	Query          string            `json:"query,omitempty"`
	RelatedQueries []string          `json:"related_queries,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Params         Params            `json:"params"`
	Seeds          []Seed            `json:"seeds"`
}

// CopyMetadata returns an independent copy so concurrent consumers never
// share the project's mutable map.
func CopyMetadata(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// JobOrigin records how a job entered the queue.
type JobOrigin string

// Job origins.
const (
	OriginSeed       JobOrigin = "seed"
	OriginDiscovered JobOrigin = "discovered"
)

// Job is one queued unit of crawl work. The metadata map is a snapshot
// copied from the project at creation time; workers and handlers must treat
// it as read-only.
type Job struct {
	ID        string            `json:"id"`
	URL       string            `json:"url"`
	ProjectID string            `json:"project_id"`
	Query     string            `json:"query,omitempty"`
	Origin    JobOrigin         `json:"origin"`
	Depth     int               `json:"depth"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Params    Params            `json:"params"`
}

// Chunk is a bounded slice of extracted page text with its provenance.
type Chunk struct {
	ProjectID string            `json:"project_id"`
	Query     string            `json:"query,omitempty"`
	URL       string            `json:"url"`
	Title     string            `json:"title,omitempty"`
	Index     int               `json:"chunk_index"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DocID returns a stable identifier for downstream ingestion.
func (c Chunk) DocID() string {
	return c.URL + "#chunk-" + strconv.Itoa(c.Index)
}

// Payload carries non-HTML content routed to the handler unparsed.
type Payload struct {
	ProjectID   string            `json:"project_id"`
	URL         string            `json:"url"`
	ContentType string            `json:"content_type"`
	Body        []byte            `json:"-"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// FailureStage classifies where in the pipeline a URL was lost.
type FailureStage string

// Failure stages recorded in RunResult.
const (
	StageFetch         FailureStage = "fetch"
	StageParse         FailureStage = "parse"
	StageHandler       FailureStage = "handler"
	StageWorkerTimeout FailureStage = "worker-timeout"
)

// FailureRecord is an append-only note about a URL that did not produce
// chunks. Failures never abort a run.
type FailureRecord struct {
	URL   string       `json:"url"`
	Stage FailureStage `json:"stage"`
	Err   string       `json:"error"`
	Time  time.Time    `json:"time"`
}

// RunCounts aggregates per-run URL accounting.
type RunCounts struct {
	URLsVisited    int64 `json:"urls_visited"`
	URLsDiscovered int64 `json:"urls_discovered"`
	URLsDuplicate  int64 `json:"urls_duplicate"`
	URLsOverLimit  int64 `json:"urls_over_limit"`
}

// ProjectSummary echoes a scheduled project's identity into the RunResult.
type ProjectSummary struct {
	ID             string   `json:"id"`
	Query          string   `json:"query,omitempty"`
	RelatedQueries []string `json:"related_queries,omitempty"`
	SeedsEnqueued  int      `json:"seeds_enqueued"`
}

// RunResult is the boundary artifact produced by one completed run and
// consumed by downstream embedding/storage pipelines.
type RunResult struct {
	RunID      string           `json:"run_id"`
	Projects   []ProjectSummary `json:"projects"`
	Chunks     []Chunk          `json:"chunks"`
	Failures   []FailureRecord  `json:"failures"`
	Counts     RunCounts        `json:"counts"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Cancelled  bool             `json:"cancelled"`
}

// ObjectName derives a storage key for the finalized result.
func (r RunResult) ObjectName() string {
	return "crawl-results/" + r.RunID + ".json"
}
