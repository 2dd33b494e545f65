package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/minorsearch/crawler/internal/crawl"
)

func newTestTopic(t *testing.T) (*pstest.Server, *pubsub.Topic) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(context.Background(), "run-completions")
	require.NoError(t, err)
	t.Cleanup(topic.Stop)
	return srv, topic
}

func TestNewRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.ErrorContains(t, err, "topic is required")
}

func TestCompleteRunPublishesNotice(t *testing.T) {
	t.Parallel()

	srv, topic := newTestTopic(t)
	sink, err := New(topic)
	require.NoError(t, err)

	result := crawl.RunResult{
		RunID:     "run-9",
		Cancelled: false,
		Counts:    crawl.RunCounts{URLsVisited: 4, URLsDiscovered: 3},
		Chunks: []crawl.Chunk{
			{URL: "https://example.com/", Index: 1},
			{URL: "https://example.com/a", Index: 1},
		},
		Failures:   []crawl.FailureRecord{{URL: "https://example.com/x", Stage: crawl.StageFetch}},
		StartedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2025, 6, 1, 12, 2, 0, 0, time.UTC),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sink.CompleteRun(ctx, result))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "run-9", msgs[0].Attributes["run_id"])

	var published notice
	require.NoError(t, json.Unmarshal(msgs[0].Data, &published))
	require.Equal(t, "run-9", published.RunID)
	require.Equal(t, 2, published.Chunks)
	require.Equal(t, 1, published.Failures)
	require.Equal(t, "crawl-results/run-9.json", published.ObjectName)
	require.Equal(t, int64(4), published.Counts.URLsVisited)
}

func TestAttributeCarrier(t *testing.T) {
	t.Parallel()

	c := &attributeCarrier{attrs: map[string]string{"run_id": "r"}}
	c.Set("traceparent", "00-abc-def-01")
	require.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	require.ElementsMatch(t, []string{"run_id", "traceparent"}, c.Keys())
	require.Empty(t, c.Get("missing"))
}
