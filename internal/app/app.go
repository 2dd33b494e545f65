// Package app initializes and holds the long-lived services behind the
// crawler: fetcher, parser, event hub, run sinks, and the scheduler itself.
package app

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/minorsearch/crawler/internal/clock/system"
	"github.com/minorsearch/crawler/internal/config"
	"github.com/minorsearch/crawler/internal/crawl"
	"github.com/minorsearch/crawler/internal/events"
	"github.com/minorsearch/crawler/internal/events/sinks"
	collyfetcher "github.com/minorsearch/crawler/internal/fetcher/colly"
	"github.com/minorsearch/crawler/internal/id/uuid"
	"github.com/minorsearch/crawler/internal/master"
	"github.com/minorsearch/crawler/internal/parser"
	"github.com/minorsearch/crawler/internal/scheduler"
	"github.com/minorsearch/crawler/internal/sink"
	gcssink "github.com/minorsearch/crawler/internal/sink/gcs"
	pubsubsink "github.com/minorsearch/crawler/internal/sink/pubsub"
	"github.com/minorsearch/crawler/internal/store/postgres"
)

// App is the dependency container built once at startup. It fails fast if
// any configured service cannot be initialized.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	scheduler *scheduler.Scheduler
	hub       *events.Hub

	gcsClient    *storage.Client
	pubsubClient *pubsub.Client
	pubsubTopic  *pubsub.Topic
	runStore     *postgres.RunStore
}

// Option overrides a default service, mainly for the CLI and tests.
type Option func(*options)

type options struct {
	handler crawl.Handler
}

// WithHandler replaces the default logging handler with a caller-supplied one.
func WithHandler(h crawl.Handler) Option {
	return func(o *options) { o.handler = h }
}

// New builds the App from configuration.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.handler == nil {
		o.handler = sink.NewLogHandler(logger)
	}

	a := &App{cfg: cfg, logger: logger}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawl.UserAgent,
		Timeout:   cfg.HTTPTimeout(),
	})

	runSinks, err := a.buildRunSinks(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init event metrics: %w", err)
	}
	a.hub = events.NewHub(events.Config{
		BufferSize:     cfg.Events.BufferSize,
		MaxBatchEvents: cfg.Events.MaxBatchEvents,
		MaxBatchWait:   time.Duration(cfg.Events.MaxBatchWaitMs) * time.Millisecond,
		Logger:         logger,
	}, sinks.NewLogSink(logger.Named("events")), promSink)

	a.scheduler = scheduler.New(
		fetcher,
		parser.New(),
		o.handler,
		crawl.NewExponentialRetryPolicy(
			cfg.HTTP.MaxRetries,
			time.Duration(cfg.HTTP.BackoffInitialMs)*time.Millisecond,
			time.Duration(cfg.HTTP.BackoffMaxMs)*time.Millisecond,
		),
		system.New(),
		uuid.New(),
		runSinks,
		a.hub,
		scheduler.Config{
			Workers: workersFromConfig(cfg.Workers),
			Defaults: crawl.Params{
				CrawlLimit:      cfg.Crawl.LimitDefault,
				ChunkSize:       cfg.Crawl.ChunkSizeDefault,
				ResultsPerQuery: cfg.Crawl.ResultsPerQuery,
				RelatedLimit:    cfg.Crawl.RelatedLimit,
			},
			BlockedDomains: cfg.Crawl.BlockedDomains,
		},
		logger,
	)
	return a, nil
}

func (a *App) buildRunSinks(ctx context.Context) ([]crawl.RunSink, error) {
	var runSinks []crawl.RunSink

	if bucket := a.cfg.Sinks.GCS.Bucket; bucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.gcsClient = client
		s, err := gcssink.New(client, gcssink.Config{
			Bucket: bucket,
			Prefix: a.cfg.Sinks.GCS.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("init gcs sink: %w", err)
		}
		a.logger.Info("archiving run results to gcs", zap.String("bucket", bucket))
		runSinks = append(runSinks, s)
	}

	if project := a.cfg.Sinks.PubSub.ProjectID; project != "" {
		if a.cfg.Sinks.PubSub.Topic == "" {
			return nil, fmt.Errorf("sinks.pubsub.topic is required when project_id is set")
		}
		client, err := pubsub.NewClient(ctx, project)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		a.pubsubClient = client
		a.pubsubTopic = client.Topic(a.cfg.Sinks.PubSub.Topic)
		s, err := pubsubsink.New(a.pubsubTopic)
		if err != nil {
			return nil, fmt.Errorf("init pubsub sink: %w", err)
		}
		a.logger.Info("announcing runs on pubsub",
			zap.String("project", project),
			zap.String("topic", a.cfg.Sinks.PubSub.Topic),
		)
		runSinks = append(runSinks, s)
	}

	if dsn := a.cfg.Sinks.Postgres.DSN; dsn != "" {
		store, err := postgres.NewRunStore(ctx, postgres.Config{
			DSN:   dsn,
			Table: a.cfg.Sinks.Postgres.Table,
		})
		if err != nil {
			return nil, fmt.Errorf("init run store: %w", err)
		}
		a.runStore = store
		a.logger.Info("recording run history in postgres", zap.String("table", a.cfg.Sinks.Postgres.Table))
		runSinks = append(runSinks, store)
	}

	return runSinks, nil
}

// Scheduler returns the run intake service.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Close flushes the event hub and releases external clients.
func (a *App) Close() {
	if a.hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
		cancel()
	}
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.runStore != nil {
		a.runStore.Close()
	}
}

// workersFromConfig maps the file/env worker knobs onto the master's config.
func workersFromConfig(c config.WorkersConfig) master.Config {
	return master.Config{
		MinWorkers:      c.Min,
		MaxWorkers:      c.Max,
		HighWater:       c.HighWater,
		LowWater:        c.LowWater,
		LivenessTimeout: c.LivenessTimeout(),
		ScaleInterval:   c.ScaleInterval(),
		ScaleCooldown:   c.ScaleCooldown(),
		RetireGrace:     c.RetireGrace(),
	}
}
