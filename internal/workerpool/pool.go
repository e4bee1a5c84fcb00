// Package workerpool turns submitted generation work into job execution on a
// fixed number of workers, driving each job through the job store's state
// machine.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/jobstore"
)

// ErrStopped is returned by Submit after the pool stopped accepting work.
var ErrStopped = errors.New("worker pool is stopped")

const (
	// DefaultWorkers matches the small default concurrency of the
	// generation engines, which are resource bound.
	DefaultWorkers = 2
	// DefaultQueueSize bounds the submission backlog.
	DefaultQueueSize = 64

	defaultCancelPollInterval = 250 * time.Millisecond
	maxErrorMessageLen        = 1000
	shutdownCancelMessage     = "service shutdown"
)

// Task is one queued unit of work: the job it belongs to and the opaque
// payload handed to the engine.
type Task struct {
	JobID   string
	Request core.GenerationRequest
}

// Config controls pool sizing and job supervision.
type Config struct {
	// Workers is the fixed worker count.
	Workers int
	// QueueSize bounds the task queue; Submit fails once it is full.
	QueueSize int
	// JobTimeout, when non-zero, force-fails any job running longer.
	JobTimeout time.Duration
	// CancelPollInterval is how often a worker polls the cooperative
	// cancel flag while its engine runs.
	CancelPollInterval time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = defaultCancelPollInterval
	}

	return cfg
}

// Stats is a point-in-time view of pool load.
type Stats struct {
	QueueDepth  int
	BusyWorkers int
	IdleWorkers int
	MaxWorkers  int
}

// Pool dispatches queued tasks FIFO to a fixed set of workers. A task's
// failure, panic included, never crosses to other tasks or to the pool.
type Pool struct {
	cfg     Config
	store   *jobstore.Store
	engine  core.Engine
	discard func(ctx context.Context, ref string)
	log     *logger.Logger

	tasks  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	busy   atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// New creates a pool. discard, when non-nil, is invoked to drop the artifact
// of a job that completed after its cancellation was requested. Start must be
// called before Submit.
func New(
	cfg Config,
	store *jobstore.Store,
	engine core.Engine,
	discard func(ctx context.Context, ref string),
	log *logger.Logger,
) *Pool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		cfg:     cfg,
		store:   store,
		engine:  engine,
		discard: discard,
		log:     log,
		tasks:   make(chan Task, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	for range p.cfg.Workers {
		p.wg.Add(1)

		go p.worker()
	}
}

// Submit enqueues a task. It fails with core.ErrQueueFull at capacity and
// with ErrStopped after shutdown began; in both cases the task was not
// accepted and the caller owns the job record.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrStopped
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		return core.ErrQueueFull
	}
}

// Stats reports queue depth and worker utilization.
func (p *Pool) Stats() Stats {
	busy := int(p.busy.Load())

	return Stats{
		QueueDepth:  len(p.tasks),
		BusyWorkers: busy,
		IdleWorkers: p.cfg.Workers - busy,
		MaxWorkers:  p.cfg.Workers,
	}
}

// Stop closes intake, cancels tasks still queued, and waits up to timeout for
// in-flight jobs to finish. Workers still running after the timeout are
// abandoned; their jobs stay processing in the durable store and are not
// reconciled automatically.
func (p *Pool) Stop(timeout time.Duration) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()

		return
	}

	p.closed = true
	p.mu.Unlock()

	p.drainQueued()
	close(p.tasks)

	done := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		p.log.Warn("Worker pool shutdown timed out after %s; abandoning in-flight jobs", timeout)
	}

	p.cancel()
}

func (p *Pool) drainQueued() {
	for {
		select {
		case task := <-p.tasks:
			err := p.store.MarkCancelled(p.ctx, task.JobID, shutdownCancelMessage)
			if err != nil {
				p.log.Warn("Failed to cancel queued job %s on shutdown: %v", task.JobID, err)
			}
		default:
			return
		}
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}

			p.busy.Add(1)
			p.process(task)
			p.busy.Add(-1)
		}
	}
}

// process drives one job to a terminal state. All engine failures, panics
// included, are captured into the job record.
func (p *Pool) process(task Task) {
	err := p.store.MarkProcessing(p.ctx, task.JobID)
	if err != nil {
		// A job cancelled while still queued loses the pending status;
		// the claim simply fails and the task is dropped.
		if errors.Is(err, core.ErrInvalidTransition) || errors.Is(err, core.ErrNotFound) {
			return
		}

		p.log.Error("Failed to claim job %s: %v", task.JobID, err)

		return
	}

	var (
		jobCtx    context.Context
		cancelJob context.CancelFunc
	)

	if p.cfg.JobTimeout > 0 {
		jobCtx, cancelJob = context.WithTimeout(p.ctx, p.cfg.JobTimeout)
	} else {
		jobCtx, cancelJob = context.WithCancel(p.ctx)
	}

	defer cancelJob()

	watcherDone := make(chan struct{})
	go p.watchCancel(jobCtx, task.JobID, cancelJob, watcherDone)

	resultRef, genErr := p.runEngine(jobCtx, task)

	cancelJob()
	<-watcherDone

	p.finish(task.JobID, resultRef, genErr, jobCtx)
}

// runEngine invokes the generation engine, converting a panic into an error.
func (p *Pool) runEngine(ctx context.Context, task Task) (ref string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v\n%s", r, debug.Stack())
		}
	}()

	progress := func(fraction float64) {
		progressErr := p.store.SetProgress(p.ctx, task.JobID, fraction)
		if progressErr != nil {
			p.log.Warn("Failed to record progress for job %s: %v", task.JobID, progressErr)
		}
	}

	return p.engine.Generate(ctx, task.Request, progress)
}

// watchCancel polls the cooperative cancel flag and tears down the job
// context when cancellation is requested.
func (p *Pool) watchCancel(ctx context.Context, jobID string, cancelJob context.CancelFunc, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := p.store.CancelRequested(p.ctx, jobID)
			if err != nil {
				p.log.Warn("Failed to poll cancel flag for job %s: %v", jobID, err)

				continue
			}

			if requested {
				cancelJob()

				return
			}
		}
	}
}

// finish writes the terminal state for a finished engine run.
func (p *Pool) finish(jobID, resultRef string, genErr error, jobCtx context.Context) {
	ctx := context.Background()

	cancelled, err := p.store.CancelRequested(ctx, jobID)
	if err != nil {
		p.log.Warn("Failed to read cancel flag for job %s: %v", jobID, err)
	}

	switch {
	case cancelled:
		// The engine may have ignored the flag and produced an artifact
		// anyway; the job is force-marked cancelled and the artifact
		// discarded rather than surfaced.
		if resultRef != "" && p.discard != nil {
			p.discard(ctx, resultRef)
		}

		p.terminal(jobID, p.store.MarkCancelled(ctx, jobID, "cancelled by caller"))
	case genErr == nil:
		p.terminal(jobID, p.store.Complete(ctx, jobID, resultRef))
	case errors.Is(genErr, context.Canceled) && p.ctx.Err() != nil:
		// Pool-wide teardown, not a caller cancel and not an engine
		// fault. The record is left processing for the operator.
		p.log.Warn("Abandoning job %s during shutdown; it remains processing", jobID)
	case p.cfg.JobTimeout > 0 && errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		message := fmt.Sprintf("job deadline of %s exceeded", p.cfg.JobTimeout)
		p.terminal(jobID, p.store.Fail(ctx, jobID, message))
	default:
		p.terminal(jobID, p.store.Fail(ctx, jobID, formatEngineError(genErr)))
	}
}

func (p *Pool) terminal(jobID string, err error) {
	if err != nil {
		p.log.Error("Failed to finalize job %s: %v", jobID, err)
	}
}

// formatEngineError keeps the error kind and message plus a bounded amount of
// diagnostic detail; operator debugging needs context, not megabytes.
func formatEngineError(err error) string {
	message := fmt.Sprintf("generation failed: %v", err)
	if len(message) > maxErrorMessageLen {
		message = message[:maxErrorMessageLen]
	}

	return message
}
