package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	blobmem "github.com/contextive/ingest/internal/blob/memory"
	"github.com/contextive/ingest/internal/chunker"
	"github.com/contextive/ingest/internal/events"
	"github.com/contextive/ingest/internal/ingest"
	"github.com/contextive/ingest/internal/orchestrator"
	queuemem "github.com/contextive/ingest/internal/queue/memory"
	storemem "github.com/contextive/ingest/internal/store/memory"
	"github.com/contextive/ingest/internal/vector"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}

type fakeGateway struct {
	mu            sync.Mutex
	started       []ingest.CrawlConfig
	startErr      error
	startFailures int
	results       []ingest.RawDocument
	fetchErr      error
}

func (g *fakeGateway) StartCrawl(_ context.Context, cfg ingest.CrawlConfig) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.startFailures > 0 {
		g.startFailures--
		return "", ingest.Transient("start crawl", errors.New("gateway unavailable"))
	}
	if g.startErr != nil {
		return "", g.startErr
	}
	g.started = append(g.started, cfg)
	return fmt.Sprintf("fc-%d", len(g.started)), nil
}

func (g *fakeGateway) FetchResults(context.Context, string) ([]ingest.RawDocument, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	return g.results, nil
}

type captureEmitter struct {
	mu   sync.Mutex
	seen []events.Event
}

func (e *captureEmitter) Emit(evt events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, evt)
}

func (e *captureEmitter) types() []events.Type {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]events.Type, len(e.seen))
	for i, evt := range e.seen {
		out[i] = evt.Type
	}
	return out
}

type fixture struct {
	svc       *orchestrator.Service
	sources   *storemem.SourceStore
	jobs      *storemem.JobStore
	docs      *storemem.DocumentStore
	chunks    ingest.ChunkWriter
	vecmem    *vector.MemoryStore
	blobs     *blobmem.BlobStore
	queue     *queuemem.Queue
	gateway   *fakeGateway
	emitter   *captureEmitter
	engineCfg chunker.Config
}

func newFixture(t *testing.T, cfg orchestrator.Config, opts ...func(*fixture)) *fixture {
	t.Helper()
	f := &fixture{
		sources:   storemem.NewSourceStore(),
		jobs:      storemem.NewJobStore(),
		docs:      storemem.NewDocumentStore(),
		vecmem:    vector.NewMemoryStore(),
		blobs:     blobmem.NewBlobStore(),
		queue:     queuemem.NewQueue(16),
		gateway:   &fakeGateway{},
		emitter:   &captureEmitter{},
		engineCfg: chunker.Config{MinChunkSize: 1, ChunkBatchSize: 2},
	}
	f.chunks = f.vecmem
	for _, opt := range opts {
		opt(f)
	}
	engine := chunker.New(f.engineCfg)
	svc, err := orchestrator.New(cfg, orchestrator.Deps{
		Sources: f.sources,
		Jobs:    f.jobs,
		Docs:    f.docs,
		Chunks:  f.chunks,
		Blobs:   f.blobs,
		Queue:   f.queue,
		Gateway: f.gateway,
		Engine:  engine,
		Emitter: f.emitter,
		Clock:   newFakeClock(),
		IDs:     &seqIDs{},
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

// runNextTask dequeues one task and dispatches it like the worker pool would.
func (f *fixture) runNextTask(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	switch task.Name {
	case ingest.TaskCrawlStart:
		require.NoError(t, f.svc.RunCrawlStart(ctx, task))
	case ingest.TaskProcess:
		require.NoError(t, f.svc.RunProcessing(ctx, task))
	default:
		t.Fatalf("unexpected task %q", task.Name)
	}
}

func validConfig() ingest.CrawlConfig {
	return ingest.CrawlConfig{URL: "https://docs.example.com", PageLimit: 10}
}

const sampleMarkdown = `# Getting Started

Install the binary, point it at your content root, and run the serve
command. Configuration is read from the environment and from flags.

## Authentication

Requests carry a bearer token. Tokens are rotated by the operator and
validated on every call before any work is scheduled.
`

func TestSubmitCreatesSourceAndSchedulesCrawl(t *testing.T) {
	t.Parallel()
	f := newFixture(t, orchestrator.Config{})
	ctx := context.Background()

	src, err := f.svc.Submit(ctx, validConfig())
	require.NoError(t, err)
	require.Equal(t, ingest.SourcePending, src.Status)
	require.NotEmpty(t, src.JobID)

	job, err := f.jobs.GetJob(ctx, src.JobID)
	require.NoError(t, err)
	require.Equal(t, ingest.JobTypeCrawl, job.Type)
	require.Equal(t, ingest.JobPending, job.Status)

	require.Equal(t, 1, f.queue.Len())
	require.Equal(t, []events.Type{events.TypeCreated}, f.emitter.types())
}

func TestSubmitRejectsInvalidURL(t *testing.T) {
	t.Parallel()
	f := newFixture(t, orchestrator.Config{})

	_, err := f.svc.Submit(context.Background(), ingest.CrawlConfig{URL: "ftp://nope"})
	require.Error(t, err)
	require.Equal(t, ingest.ClassConfiguration, ingest.Classify(err))
}

func TestSubmitDefaultsPageLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, orchestrator.Config{DefaultPageLimit: 25})

	src, err := f.svc.Submit(context.Background(), ingest.CrawlConfig{URL: "https://docs.example.com"})
	require.NoError(t, err)
	require.Equal(t, 25, src.Config.PageLimit)
}

func TestRunCrawlStartRegistersCrawl(t *testing.T) {
	t.Parallel()
	f := newFixture(t, orchestrator.Config{})
	ctx := context.Background()

	src, err := f.svc.Submit(ctx, validConfig())
	require.NoError(t, err)
	f.runNextTask(t)

	job, err := f.jobs.GetJob(ctx, src.JobID)
	require.NoError(t, err)
	require.Equal(t, ingest.JobInProgress, job.Status)
	require.Equal(t, "fc-1", job.ExternalID)

	got, err := f.sources.GetSource(ctx, src.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.SourceCrawling, got.Status)
	require.Equal(t, []events.Type{events.TypeCreated, events.TypeCrawlingStarted}, f.emitter.types())
}

func TestRunCrawlStartIsIdempotentForTerminalJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, orchestrator.Config{})
	ctx := context.Background()

	src, err := f.svc.Submit(ctx, validConfig())
	require.NoError(t, err)
	require.NoError(t, f.jobs.UpdateJobStatus(ctx, src.JobID, ingest.JobCancelled, "cancelled"))

	// Duplicate delivery after the job finished must be a silent no-op.
	f.runNextTask(t)
	require.Empty(t, f.gateway.started)
}

func TestRunCrawlStartPermanentGatewayErrorFailsSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t, orchestrator.Config{})
	f.gateway.startErr = ingest.Permanent("start crawl", errors.New("domain is blocked"))
	ctx := context.Background()

	src, err := f.svc.Submit(ctx, validConfig())
	require.NoError(t, err)

	task, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Error(t, f.svc.RunCrawlStart(ctx, task))

	got, err := f.sources.GetSource(ctx, src.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.SourceFailed, got.Status)

	job, err := f.jobs.GetJob(ctx, src.JobID)
	require.NoError(t, err)
	require.Equal(t, ingest.JobFailed, job.Status)
}

func TestRunCrawlStartResumesAfterTransientGatewayError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, orchestrator.Config{})
	f.gateway.startFailures = 1
	ctx := context.Background()

	src, err := f.svc.Submit(ctx, validConfig())
	require.NoError(t, err)

	task, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Error(t, f.svc.RunCrawlStart(ctx, task))

	// A transient failure leaves the job claimed but unfinished.
	job, err := f.jobs.GetJob(ctx, src.JobID)
	require.NoError(t, err)
	require.Equal(t, ingest.JobInProgress, job.Status)
	require.Empty(t, job.ExternalID)

	// The redelivered task resumes the claimed job and registers the crawl.
	require.NoError(t, f.svc.RunCrawlStart(ctx, task))
	job, err = f.jobs.GetJob(ctx, src.JobID)
	require.NoError(t, err)
	require.Equal(t, "fc-1", job.ExternalID)
	require.Len(t, f.gateway.started, 1)

	got, err := f.sources.GetSource(ctx, src.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.SourceCrawling, got.Status)
}

func TestRunCrawlStartRedeliveryKeepsExternalID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, orchestrator.Config{})
	ctx := context.Background()

	src, err := f.svc.Submit(ctx, validConfig())
	require.NoError(t, err)
	f.runNextTask(t)

	// Duplicate delivery while the job is in progress must not register a
	// second crawl with the gateway.
	require.NoError(t, f.svc.RunCrawlStart(ctx, ingest.Task{
		Name:     ingest.TaskCrawlStart,
		SourceID: src.ID,
		JobID:    src.JobID,
	}))
	require.Len(t, f.gateway.started, 1)

	job, err := f.jobs.GetJob(ctx, src.JobID)
	require.NoError(t, err)
	require.Equal(t, "fc-1", job.ExternalID)
}

func TestWebhookUnknownExternalIDIsAcknowledged(t *testing.T) {
	t.Parallel()
	f := newFixture(t, orchestrator.Config{})

	err := f.svc.HandleCrawlWebhook(context.Background(), ingest.WebhookPayload{
		ExternalID: "never-seen",
		Type:       ingest.WebhookCrawlCompleted,
		Timestamp:  time.Now(),
	})
	require.NoError(t, err)
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	t.Parallel()
	f := newFixture(t, orchestrator.Config{})

	err := f.svc.HandleCrawlWebhook(context.Background(), ingest.WebhookPayload{Type: "bogus"})
	require.Error(t, err)
	require.Equal(t, ingest.ClassValidation, ingest.Classify(err))
}

func TestWebhookPageEventsAccumulateProgress(t *testing.T) {
	t.Parallel()
	f := newFixture(t, orchestrator.Config{})
	ctx := context.Background()

	src, err := f.svc.Submit(ctx, validConfig())
	require.NoError(t, err)
	f.runNextTask(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.svc.HandleCrawlWebhook(ctx, ingest.WebhookPayload{
			ExternalID: "fc-1",
			Type:       ingest.WebhookCrawlPage,
			Timestamp:  time.Now(),
		}))
	}

	report, err := f.svc.GetStatus(ctx, src.ID)
	require.NoError(t, err)
	require.Equal(t, 3, report.Progress.PagesCrawled)
}

func TestWebhookFailedMarksJobAndSourceFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, orchestrator.Config{})
	ctx := context.Background()

	src, err := f.svc.Submit(ctx, validConfig())
	require.NoError(t, err)
	f.runNextTask(t)

	require.NoError(t, f.svc.HandleCrawlWebhook(ctx, ingest.WebhookPayload{
		ExternalID: "fc-1",
		Type:       ingest.WebhookCrawlFailed,
		Timestamp:  time.Now(),
		Error:      "robots.txt disallows crawling",
	}))

	got, err := f.sources.GetSource(ctx, src.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.SourceFailed, got.Status)
	require.Equal(t, "robots.txt disallows crawling", got.ErrorText)
}

func TestWebhookCompletedSchedulesProcessing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, orchestrator.Config{})
	f.gateway.results = []ingest.RawDocument{
		{URL: "https://docs.example.com/start", Title: "Getting Started", Markdown: sampleMarkdown},
		{URL: "https://docs.example.com/empty", Title: "Empty", Markdown: "   "},
	}
	ctx := context.Background()

	src, err := f.svc.Submit(ctx, validConfig())
	require.NoError(t, err)
	f.runNextTask(t)

	require.NoError(t, f.svc.HandleCrawlWebhook(ctx, ingest.WebhookPayload{
		ExternalID: "fc-1",
		Type:       ingest.WebhookCrawlCompleted,
		Timestamp:  time.Now(),
	}))

	// Empty pages are skipped; only the real one is saved.
	docs, err := f.docs.ListDocumentsBySource(ctx, src.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	crawlJob, err := f.jobs.GetJob(ctx, src.JobID)
	require.NoError(t, err)
	require.Equal(t, ingest.JobCompleted, crawlJob.Status)
	require.Equal(t, 2, crawlJob.Details.PagesCrawled)

	got, err := f.sources.GetSource(ctx, src.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.SourceProcessing, got.Status)
	// The source's active job is now the processing job.
	procJob, err := f.jobs.GetJob(ctx, got.JobID)
	require.NoError(t, err)
	require.Equal(t, ingest.JobTypeProcess, procJob.Type)
	require.Equal(t, ingest.JobPending, procJob.Status)
	require.Equal(t, 1, f.queue.Len())
	require.Contains(t, f.emitter.types(), events.TypeProcessingScheduled)

	// Raw results were archived.
	require.Equal(t, 1, f.blobs.Len())
}

func TestWebhookCompletedAfterTerminalJobIsNoOp(t *testing.T) {
	t.Parallel()
	f := newFixture(t, orchestrator.Config{})
	f.gateway.results = []ingest.RawDocument{
		{URL: "https://docs.example.com/start", Title: "Start", Markdown: sampleMarkdown},
	}
	ctx := context.Background()

	src, err := f.svc.Submit(ctx, validConfig())
	require.NoError(t, err)
	f.runNextTask(t)
	require.NoError(t, f.jobs.UpdateJobStatus(ctx, src.JobID, ingest.JobCancelled, "cancelled"))

	require.NoError(t, f.svc.HandleCrawlWebhook(ctx, ingest.WebhookPayload{
		ExternalID: "fc-1",
		Type:       ingest.WebhookCrawlCompleted,
		Timestamp:  time.Now(),
	}))

	docs, err := f.docs.ListDocumentsBySource(ctx, src.ID)
	require.NoError(t, err)
	require.Empty(t, docs)
	require.Equal(t, 0, f.queue.Len())
}

func TestZeroDocumentCrawlCompletesSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t, orchestrator.Config{})
	ctx := context.Background()

	src, err := f.svc.Submit(ctx, validConfig())
	require.NoError(t, err)
	f.runNextTask(t)

	require.NoError(t, f.svc.HandleCrawlWebhook(ctx, ingest.WebhookPayload{
		ExternalID: "fc-1",
		Type:       ingest.WebhookCrawlCompleted,
		Timestamp:  time.Now(),
	}))

	got, err := f.sources.GetSource(ctx, src.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.SourceCompleted, got.Status)
	require.Equal(t, 0, f.queue.Len())
	require.Contains(t, f.emitter.types(), events.TypeCompleted)
}

func TestCancelActiveSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t, orchestrator.Config{})
	ctx := context.Background()

	src, err := f.svc.Submit(ctx, validConfig())
	require.NoError(t, err)
	f.runNextTask(t)

	require.NoError(t, f.svc.Cancel(ctx, src.ID))

	job, err := f.jobs.GetJob(ctx, src.JobID)
	require.NoError(t, err)
	require.Equal(t, ingest.JobCancelled, job.Status)

	got, err := f.sources.GetSource(ctx, src.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.SourceFailed, got.Status)

	// A second cancel has nothing left to stop.
	require.Error(t, f.svc.Cancel(ctx, src.ID))
}

func TestDeleteSourceRemovesDerivedData(t *testing.T) {
	t.Parallel()
	f := newFixture(t, orchestrator.Config{})
	f.gateway.results = []ingest.RawDocument{
		{URL: "https://docs.example.com/start", Title: "Start", Markdown: sampleMarkdown},
	}
	ctx := context.Background()

	src := runFullPipeline(t, f)

	count, err := f.vecmem.CountChunksBySource(ctx, src.ID)
	require.NoError(t, err)
	require.Positive(t, count)

	require.NoError(t, f.svc.DeleteSource(ctx, src.ID))

	_, err = f.sources.GetSource(ctx, src.ID)
	require.ErrorIs(t, err, ingest.ErrNotFound)
	count, err = f.vecmem.CountChunksBySource(ctx, src.ID)
	require.NoError(t, err)
	require.Zero(t, count)
	docs, err := f.docs.ListDocumentsBySource(ctx, src.ID)
	require.NoError(t, err)
	require.Empty(t, docs)
}

// runFullPipeline submits a source and drives it through crawl and processing.
func runFullPipeline(t *testing.T, f *fixture) ingest.Source {
	t.Helper()
	ctx := context.Background()
	src, err := f.svc.Submit(ctx, validConfig())
	require.NoError(t, err)
	f.runNextTask(t)
	require.NoError(t, f.svc.HandleCrawlWebhook(ctx, ingest.WebhookPayload{
		ExternalID: "fc-1",
		Type:       ingest.WebhookCrawlCompleted,
		Timestamp:  time.Now(),
	}))
	f.runNextTask(t)
	return src
}
