package crawl

import "errors"

// Sentinel errors shared across the pipeline.
var (
	// ErrQueueClosed is returned by Enqueue once the queue stopped
	// accepting work.
	ErrQueueClosed = errors.New("queue closed")

	// ErrQueueDrained is the terminal Dequeue result: the queue is closed
	// and empty. It signals an orderly worker exit, not a failure.
	ErrQueueDrained = errors.New("queue drained")

	// ErrRunNotFound is returned by the run registry for unknown run IDs.
	ErrRunNotFound = errors.New("run not found")
)
