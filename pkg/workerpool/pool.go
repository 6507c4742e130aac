// Package workerpool provides a bounded worker pool for controlled concurrency.
// Extraction requests run through it so a burst of chat turns cannot open an
// unbounded number of upstream connections.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned when the task queue has no free slot.
	ErrQueueFull = errors.New("task queue is full")
	// ErrStopped is returned for tasks submitted after Stop.
	ErrStopped = errors.New("pool is shutting down")
)

// Job is a unit of work. Returning an error marks the attempt failed.
type Job func(ctx context.Context) (any, error)

// Result represents the outcome of task processing
type Result struct {
	TaskID   string
	Data     any
	Error    error
	Attempts int
}

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay grows linearly with each attempt
	RetryDelay time.Duration
	// Retryable decides whether a failed attempt is worth repeating. Nil retries everything.
	Retryable func(error) bool
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for a handful of concurrent model calls.
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               64,
		MaxRetries:              2,
		RetryDelay:              500 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

type task struct {
	id    string
	ctx   context.Context
	job   Job
	reply chan *Result
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config Config
	logger *zap.Logger

	taskChan chan *task
	wg       sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	activeWorkers  int64
	queueDepth     int64
}

// New creates a new worker pool
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	return &Pool{
		config:   cfg,
		logger:   logger,
		taskChan: make(chan *task, cfg.QueueSize),
	}
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// SubmitWait queues job and blocks until it finishes or ctx is done. Each task
// carries its own reply channel so concurrent callers never see each other's results.
func (p *Pool) SubmitWait(ctx context.Context, id string, job Job) (*Result, error) {
	t := &task{id: id, ctx: ctx, job: job, reply: make(chan *Result, 1)}

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return nil, ErrStopped
	}
	select {
	case p.taskChan <- t:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
	default:
		p.mu.RUnlock()
		return nil, ErrQueueFull
	}
	p.mu.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-t.reply:
		return res, nil
	}
}

// Stop rejects new tasks and waits for queued ones to drain.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.taskChan)
	p.mu.Unlock()

	p.logger.Info("stopping worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for t := range p.taskChan {
		atomic.AddInt64(&p.queueDepth, -1)
		t.reply <- p.process(id, t)
	}
}

func (p *Pool) process(workerID int, t *task) *Result {
	res := &Result{TaskID: t.id}
	ctx := t.ctx

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Error = err
			break
		}

		res.Attempts = attempt + 1
		data, err := t.job(ctx)
		if err == nil {
			res.Data, res.Error = data, nil
			break
		}
		res.Error = err

		if attempt == p.config.MaxRetries || (p.config.Retryable != nil && !p.config.Retryable(err)) {
			break
		}

		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", t.id),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-ctx.Done():
			res.Error = ctx.Err()
			attempt = p.config.MaxRetries
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	if res.Error == nil {
		atomic.AddInt64(&p.tasksCompleted, 1)
	} else {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Warn("task failed",
			zap.String("task_id", t.id),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Error))
	}
	return res
}

// Stats returns current pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy returns true if the queue isn't backing up
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
