package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/contextive/ingest/internal/api"
	blobgcs "github.com/contextive/ingest/internal/blob/gcs"
	bloblocal "github.com/contextive/ingest/internal/blob/local"
	blobmem "github.com/contextive/ingest/internal/blob/memory"
	"github.com/contextive/ingest/internal/chunker"
	"github.com/contextive/ingest/internal/clock/system"
	"github.com/contextive/ingest/internal/config"
	"github.com/contextive/ingest/internal/events"
	"github.com/contextive/ingest/internal/events/sinks"
	"github.com/contextive/ingest/internal/gateway/firecrawl"
	"github.com/contextive/ingest/internal/gateway/local"
	"github.com/contextive/ingest/internal/id/uuid"
	"github.com/contextive/ingest/internal/ingest"
	"github.com/contextive/ingest/internal/logging"
	"github.com/contextive/ingest/internal/orchestrator"
	queuemem "github.com/contextive/ingest/internal/queue/memory"
	queuepubsub "github.com/contextive/ingest/internal/queue/pubsub"
	storemem "github.com/contextive/ingest/internal/store/memory"
	"github.com/contextive/ingest/internal/store/postgres"
	"github.com/contextive/ingest/internal/vector"
	"github.com/contextive/ingest/internal/worker"
)

// newServeCmd creates the 'serve' subcommand, which runs the API server and
// the task workers in one process.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the ingestion API server and task workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	subscribers := sinks.NewSubscriberSink()
	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return fmt.Errorf("init prometheus sink: %w", err)
	}
	hub := events.NewHub(events.Config{
		BaseContext: ctx,
		Logger:      logger.Named("events"),
	}, sinks.NewLogSink(logger.Named("lifecycle")), promSink, subscribers)
	deps.Emitter = hub
	deps.Logger = logger.Named("orchestrator")

	svc, err := orchestrator.New(cfg.Pipeline, deps.deps())
	if err != nil {
		return err
	}
	deps.bindWebhook(func(payload ingest.WebhookPayload) {
		if err := svc.HandleCrawlWebhook(context.WithoutCancel(ctx), payload); err != nil {
			logger.Warn("local crawl callback failed", zap.Error(err))
		}
	})

	policy := ingest.NewRetryPolicyWith(
		cfg.Worker.MaxAttempts,
		time.Duration(cfg.Worker.BackoffBaseMs)*time.Millisecond,
		time.Duration(cfg.Worker.BackoffMaxSec)*time.Second,
	)
	pool := worker.New(deps.Queue, policy, logger.Named("worker"), worker.Config{
		Concurrency:    cfg.Worker.Concurrency,
		EnqueueTimeout: time.Duration(cfg.Worker.EnqueueTimeout) * time.Second,
	})
	pool.Register(ingest.TaskCrawlStart, svc.RunCrawlStart)
	pool.Register(ingest.TaskProcess, svc.RunProcessing)
	pool.OnDead(func(ctx context.Context, task ingest.Task, err error) {
		svc.FailFromTask(ctx, task, err)
	})

	apiServer := api.NewServer(svc, subscribers, cfg, logger.Named("api"), deps.ready)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		logger.Info("workers started", zap.Int("concurrency", cfg.Worker.Concurrency))
		pool.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	<-workersDone
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("event hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// serveDeps collects the provider-selected collaborators plus wiring hooks.
type serveDeps struct {
	Sources ingest.SourceStore
	Jobs    ingest.JobStore
	Docs    ingest.DocumentStore
	Chunks  ingest.ChunkWriter
	Blobs   ingest.BlobStore
	Queue   ingest.TaskQueue
	Gateway ingest.CrawlGateway
	Engine  *chunker.Engine
	Emitter events.Emitter
	Logger  *zap.Logger

	// ready reports downstream health for the readiness probe; nil when
	// every dependency is in-process.
	ready func(ctx context.Context) error
	// webhook is set after the orchestrator exists so the local gateway can
	// call back into it.
	webhook func(ingest.WebhookPayload)
}

func (d *serveDeps) deps() orchestrator.Deps {
	return orchestrator.Deps{
		Sources: d.Sources,
		Jobs:    d.Jobs,
		Docs:    d.Docs,
		Chunks:  d.Chunks,
		Blobs:   d.Blobs,
		Queue:   d.Queue,
		Gateway: d.Gateway,
		Engine:  d.Engine,
		Emitter: d.Emitter,
		Clock:   system.New(),
		IDs:     uuid.NewGenerator(),
		Logger:  d.Logger,
	}
}

func (d *serveDeps) bindWebhook(fn func(ingest.WebhookPayload)) {
	d.webhook = fn
}

// buildDeps instantiates the configured store, queue, gateway, and blob
// backends. The returned cleanup closes whatever was opened, in reverse
// order.
func buildDeps(ctx context.Context, cfg config.Config, logger *zap.Logger) (*serveDeps, func(), error) {
	d := &serveDeps{Engine: chunker.New(cfg.Chunker)}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Store.Driver {
	case "postgres":
		pool, err := postgres.NewPool(ctx, postgres.Config{
			DSN:             cfg.Store.DSN,
			MaxConns:        int32(cfg.Store.MaxConns),
			MinConns:        int32(cfg.Store.MinConns),
			MaxConnLifetime: time.Duration(cfg.Store.ConnLifetimeMin) * time.Minute,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		closers = append(closers, pool.Close)
		if d.Sources, err = postgres.NewSourceStore(pool); err != nil {
			cleanup()
			return nil, nil, err
		}
		if d.Jobs, err = postgres.NewJobStore(pool); err != nil {
			cleanup()
			return nil, nil, err
		}
		if d.Docs, err = postgres.NewDocumentStore(pool); err != nil {
			cleanup()
			return nil, nil, err
		}
		if d.Chunks, err = vector.NewPgStore(pool, vector.Config{
			Table:     cfg.Vector.Table,
			VectorDim: cfg.Vector.Dim,
			BatchSize: cfg.Vector.BatchSize,
		}); err != nil {
			cleanup()
			return nil, nil, err
		}
		d.ready = func(ctx context.Context) error { return pool.Ping(ctx) }
	default:
		d.Sources = storemem.NewSourceStore()
		d.Jobs = storemem.NewJobStore()
		d.Docs = storemem.NewDocumentStore()
		d.Chunks = vector.NewMemoryStore()
	}

	switch cfg.Queue.Provider {
	case "pubsub":
		q, err := queuepubsub.NewQueue(ctx, queuepubsub.Config{
			ProjectID:      cfg.Queue.ProjectID,
			TopicID:        cfg.Queue.TopicID,
			SubscriptionID: cfg.Queue.SubscriptionID,
		}, logger.Named("queue"))
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connect pubsub: %w", err)
		}
		closers = append(closers, func() {
			if cerr := q.Close(); cerr != nil {
				logger.Warn("pubsub close failed", zap.Error(cerr))
			}
		})
		d.Queue = q
	default:
		q := queuemem.NewQueue(cfg.Queue.Capacity)
		closers = append(closers, q.Close)
		d.Queue = q
	}

	switch cfg.Gateway.Provider {
	case "firecrawl":
		client, err := firecrawl.NewClient(firecrawl.Config{
			BaseURL:    cfg.Gateway.BaseURL,
			APIKey:     cfg.Gateway.APIKey,
			WebhookURL: cfg.Gateway.WebhookURL,
			Timeout:    cfg.GatewayTimeout(),
		}, logger.Named("firecrawl"))
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		d.Gateway = client
	default:
		gw, err := local.NewGateway(local.Config{
			RequestTimeout: cfg.GatewayTimeout(),
		}, logger.Named("crawler"), func(payload ingest.WebhookPayload) {
			if d.webhook != nil {
				d.webhook(payload)
			}
		})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		d.Gateway = gw
	}

	switch cfg.Blob.Provider {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connect gcs: %w", err)
		}
		closers = append(closers, func() {
			if cerr := client.Close(); cerr != nil {
				logger.Warn("gcs close failed", zap.Error(cerr))
			}
		})
		store, err := blobgcs.New(client, blobgcs.Config{Bucket: cfg.Blob.GCSBucket})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		d.Blobs = store
	case "local":
		store, err := bloblocal.New(bloblocal.Config{BaseDir: cfg.Blob.BaseDir})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		d.Blobs = store
	default:
		d.Blobs = blobmem.NewBlobStore()
	}

	return d, cleanup, nil
}
