package gcs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/minorsearch/crawler/internal/crawl"
)

func newTestSink(t *testing.T, handler http.Handler, cfg Config) *Sink {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	sink, err := New(client, cfg)
	require.NoError(t, err)
	return sink
}

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.ErrorContains(t, err, "storage client is required")

	client := &storage.Client{}
	_, err = New(client, Config{})
	require.ErrorContains(t, err, "bucket name is required")
}

func TestCompleteRunUploadsResult(t *testing.T) {
	t.Parallel()

	result := crawl.RunResult{
		RunID:      "run-7",
		Counts:     crawl.RunCounts{URLsVisited: 2},
		StartedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC),
	}

	var uploaded bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "/upload/storage/v1/b/crawl-archive/o")
		require.Equal(t, "runs/crawl-results/run-7.json", r.URL.Query().Get("name"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Contains(t, string(body), `"run_id":"run-7"`)
		require.Contains(t, string(body), "content-sha256")

		uploaded = true
		_, _ = w.Write([]byte(`{"name": "runs/crawl-results/run-7.json"}`))
	})

	sink := newTestSink(t, handler, Config{Bucket: "crawl-archive", Prefix: "runs"})
	require.NoError(t, sink.CompleteRun(context.Background(), result))
	require.True(t, uploaded)
}

func TestCompleteRunSurfacesUploadError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	sink := newTestSink(t, handler, Config{Bucket: "crawl-archive"})
	err := sink.CompleteRun(context.Background(), crawl.RunResult{RunID: "run-8"})
	require.Error(t, err)
}
