// Package events defines the lifecycle event stream emitted by the
// scheduler, master, and workers, and the hub that batches it out to sinks.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Type names a lifecycle milestone.
type Type string

// Supported event types.
const (
	TypeRunScheduled  Type = "RUN_SCHEDULED"
	TypeRunCompleted  Type = "RUN_COMPLETED"
	TypeWorkerSpawned Type = "WORKER_SPAWNED"
	TypeWorkerRetired Type = "WORKER_RETIRED"
	TypeWorkerTimeout Type = "WORKER_TIMEOUT"
	TypePageFetched   Type = "PAGE_FETCHED"
	TypeJobFailed     Type = "JOB_FAILED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page fetches.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one lifecycle milestone within a run.
type Event struct {
	// RunID scopes the event to a run.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Type denotes which milestone occurred.
	Type Type
	// WorkerID scopes worker and job events to a pool member.
	WorkerID string
	// URL is the page URL for fetch and failure events.
	URL string
	// Host labels fetch events with the page host.
	Host string
	// StatusClass groups the HTTP response code for fetch events.
	StatusClass StatusClass
	// Bytes is the response size for fetch events.
	Bytes int64
	// Dur is the fetch or run latency, when known.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate rejects events a sink could not meaningfully record.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeRunScheduled, TypeRunCompleted:
	case TypeWorkerSpawned, TypeWorkerRetired, TypeWorkerTimeout, TypeJobFailed:
		if e.WorkerID == "" && e.Type != TypeJobFailed {
			return errors.New("worker id is required")
		}
	case TypePageFetched:
		if e.Host == "" {
			return errors.New("page fetch requires host")
		}
		if e.StatusClass == "" {
			return errors.New("page fetch requires status class")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups an HTTP status code for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
