// Package worker implements the task execution loop for the pipeline.
// Workers dequeue tasks, dispatch to the registered handler, and re-enqueue
// retryable failures with backoff. Delivery is at-least-once, so handlers
// are written to be idempotent.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/contextive/ingest/internal/ingest"
	"github.com/contextive/ingest/internal/metrics"
)

// Handler executes one task kind.
type Handler func(ctx context.Context, task ingest.Task) error

// Config controls pool behavior.
type Config struct {
	// Concurrency is the number of dequeue loops (default 4).
	Concurrency int
	// EnqueueTimeout bounds the re-enqueue of a retried task (default 5s).
	EnqueueTimeout time.Duration
}

// Pool consumes the task queue and runs handlers.
type Pool struct {
	queue    ingest.TaskQueue
	policy   *ingest.RetryPolicy
	logger   *zap.Logger
	cfg      Config
	handlers map[ingest.TaskName]Handler
	// onDead is invoked when a task exhausts its attempts or fails
	// permanently. The orchestrator uses it to fail the job and source.
	onDead func(ctx context.Context, task ingest.Task, err error)
}

// New constructs a Pool. Handlers are registered before Run.
func New(queue ingest.TaskQueue, policy *ingest.RetryPolicy, logger *zap.Logger, cfg Config) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = ingest.NewRetryPolicy()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 5 * time.Second
	}
	metrics.Init()
	return &Pool{
		queue:    queue,
		policy:   policy,
		logger:   logger,
		cfg:      cfg,
		handlers: make(map[ingest.TaskName]Handler),
	}
}

// Register binds a handler to a task name. Not safe to call after Run.
func (p *Pool) Register(name ingest.TaskName, h Handler) {
	p.handlers[name] = h
}

// OnDead sets the dead-task callback. Not safe to call after Run.
func (p *Pool) OnDead(fn func(ctx context.Context, task ingest.Task, err error)) {
	p.onDead = fn
}

// Run blocks, consuming tasks until the context finishes.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.logger.With(zap.Int("worker", id))
	for {
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		log.Debug("dequeued task",
			zap.String("task", string(task.Name)),
			zap.String("source_id", task.SourceID),
			zap.Int("attempt", task.Attempt))
		p.execute(ctx, task, log)
	}
}

func (p *Pool) execute(ctx context.Context, task ingest.Task, log *zap.Logger) {
	handler, ok := p.handlers[task.Name]
	if !ok {
		p.dead(ctx, task, ingest.Internal("dispatch task",
			fmt.Errorf("no handler registered for task %q", task.Name)), log)
		return
	}

	metrics.IncActiveWorkers()
	start := time.Now()
	err := p.runHandler(ctx, handler, task)
	metrics.DecActiveWorkers()
	if err == nil {
		metrics.ObserveTask(string(task.Name), "ok", time.Since(start))
		return
	}
	metrics.ObserveTask(string(task.Name), "error", time.Since(start))
	if ctx.Err() != nil {
		// Shutdown, not a task failure. The task redelivers on restart.
		return
	}

	if p.policy.ShouldRetry(err, task.Attempt) {
		delay := p.policy.Backoff(task.Attempt)
		log.Warn("task failed, retrying",
			zap.String("task", string(task.Name)),
			zap.String("source_id", task.SourceID),
			zap.Int("attempt", task.Attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		retry := task
		retry.Attempt++
		enqCtx, cancel := context.WithTimeout(ctx, p.cfg.EnqueueTimeout)
		defer cancel()
		if enqErr := p.queue.Enqueue(enqCtx, retry); enqErr != nil {
			log.Error("re-enqueue failed", zap.Error(enqErr))
			p.dead(ctx, task, err, log)
		}
		return
	}
	p.dead(ctx, task, err, log)
}

// runHandler isolates handler panics so one bad task cannot kill the loop.
func (p *Pool) runHandler(ctx context.Context, handler Handler, task ingest.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ingest.Internal("run task handler", fmt.Errorf("panic: %v", r))
		}
	}()
	return handler(ctx, task)
}

func (p *Pool) dead(ctx context.Context, task ingest.Task, err error, log *zap.Logger) {
	log.Error("task failed permanently",
		zap.String("task", string(task.Name)),
		zap.String("source_id", task.SourceID),
		zap.String("job_id", task.JobID),
		zap.Int("attempt", task.Attempt),
		zap.String("class", ingest.Cause(err)),
		zap.Error(err))
	if p.onDead != nil {
		p.onDead(ctx, task, err)
	}
}
