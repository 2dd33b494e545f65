// Package pubsub announces finished runs on a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"

	"github.com/minorsearch/crawler/internal/crawl"
)

// notice is the compact message body published per completed run. Consumers
// fetch the full result from object storage using ObjectName.
type notice struct {
	RunID      string          `json:"run_id"`
	Cancelled  bool            `json:"cancelled"`
	Counts     crawl.RunCounts `json:"counts"`
	Chunks     int             `json:"chunks"`
	Failures   int             `json:"failures"`
	ObjectName string          `json:"object_name"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Sink publishes a run-completed notice per finalized run.
type Sink struct {
	topic *pubsub.Topic
}

// New creates a Pub/Sub-backed run sink for the provided topic.
func New(topic *pubsub.Topic) (*Sink, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &Sink{topic: topic}, nil
}

// CompleteRun publishes the notice and blocks until the server acks it.
func (s *Sink) CompleteRun(ctx context.Context, result crawl.RunResult) error {
	data, err := json.Marshal(notice{
		RunID:      result.RunID,
		Cancelled:  result.Cancelled,
		Counts:     result.Counts,
		Chunks:     len(result.Chunks),
		Failures:   len(result.Failures),
		ObjectName: result.ObjectName(),
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal run notice: %w", err)
	}

	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"run_id": result.RunID},
	}
	otel.GetTextMapPropagator().Inject(ctx, &attributeCarrier{attrs: msg.Attributes})

	if _, err := s.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish run notice: %w", err)
	}
	return nil
}

// attributeCarrier implements propagation.TextMapCarrier over Pub/Sub
// message attributes.
type attributeCarrier struct {
	attrs map[string]string
}

func (c *attributeCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *attributeCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
