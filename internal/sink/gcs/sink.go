// Package gcs archives finished run results to Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"cloud.google.com/go/storage"

	"github.com/minorsearch/crawler/internal/crawl"
	"github.com/minorsearch/crawler/internal/hash/sha256"
)

// Config captures the parameters required to archive to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// Sink uploads the JSON-encoded RunResult of every completed run.
type Sink struct {
	client *storage.Client
	hasher *sha256.Hasher
	cfg    Config
}

// New creates a GCS-backed run sink.
func New(client *storage.Client, cfg Config) (*Sink, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Sink{
		client: client,
		hasher: sha256.New(),
		cfg:    cfg,
	}, nil
}

// CompleteRun uploads the result under prefix/crawl-results/<run_id>.json.
// The content digest is attached as object metadata so downstream consumers
// can detect re-uploads.
func (s *Sink) CompleteRun(ctx context.Context, result crawl.RunResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal run result: %w", err)
	}
	digest, err := s.hasher.Hash(data)
	if err != nil {
		return fmt.Errorf("hash run result: %w", err)
	}

	object := path.Join(s.cfg.Prefix, result.ObjectName())
	writer := s.client.Bucket(s.cfg.Bucket).Object(object).NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.Metadata = map[string]string{
		"run-id":         result.RunID,
		"content-sha256": digest,
	}
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write run result: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write run result: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}
