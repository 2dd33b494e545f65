// Package sink provides Handler implementations for extracted content and
// helpers for composing them.
package sink

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/minorsearch/crawler/internal/crawl"
)

// LogHandler logs each chunk and payload. Useful in development and as the
// default when no durable handler is configured.
type LogHandler struct {
	logger *zap.Logger
}

// NewLogHandler wires a zap logger to the Handler interface.
func NewLogHandler(logger *zap.Logger) *LogHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogHandler{logger: logger}
}

// HandleChunk logs the chunk's identity and size.
func (h *LogHandler) HandleChunk(_ context.Context, chunk crawl.Chunk) error {
	h.logger.Info("chunk extracted",
		zap.String("doc_id", chunk.DocID()),
		zap.String("project_id", chunk.ProjectID),
		zap.String("url", chunk.URL),
		zap.String("title", chunk.Title),
		zap.Int("index", chunk.Index),
		zap.Int("chars", len(chunk.Content)),
	)
	return nil
}

// HandlePayload logs the non-HTML payload's identity and size.
func (h *LogHandler) HandlePayload(_ context.Context, payload crawl.Payload) error {
	h.logger.Info("payload fetched",
		zap.String("project_id", payload.ProjectID),
		zap.String("url", payload.URL),
		zap.String("content_type", payload.ContentType),
		zap.Int("bytes", len(payload.Body)),
	)
	return nil
}

// Collector accumulates chunks and payloads in memory. Used by the one-shot
// CLI and in tests; safe for concurrent use.
type Collector struct {
	mu       sync.Mutex
	chunks   []crawl.Chunk
	payloads []crawl.Payload
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// HandleChunk appends the chunk.
func (c *Collector) HandleChunk(_ context.Context, chunk crawl.Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, chunk)
	return nil
}

// HandlePayload appends the payload.
func (c *Collector) HandlePayload(_ context.Context, payload crawl.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
	return nil
}

// Chunks returns a copy of everything collected so far.
func (c *Collector) Chunks() []crawl.Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]crawl.Chunk(nil), c.chunks...)
}

// Payloads returns a copy of every non-HTML payload collected so far.
func (c *Collector) Payloads() []crawl.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]crawl.Payload(nil), c.payloads...)
}

// Fanout delivers each chunk and payload to every wrapped handler in order.
// The first error stops delivery for that item and is returned.
type Fanout struct {
	handlers []crawl.Handler
}

// NewFanout composes handlers.
func NewFanout(handlers ...crawl.Handler) *Fanout {
	return &Fanout{handlers: handlers}
}

// HandleChunk forwards to each handler.
func (f *Fanout) HandleChunk(ctx context.Context, chunk crawl.Chunk) error {
	for _, h := range f.handlers {
		if err := h.HandleChunk(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// HandlePayload forwards to each handler.
func (f *Fanout) HandlePayload(ctx context.Context, payload crawl.Payload) error {
	for _, h := range f.handlers {
		if err := h.HandlePayload(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}
