package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/pricewatch/internal/fetcher"
	"github.com/t77yq/pricewatch/internal/model"
	"github.com/t77yq/pricewatch/internal/scheduler"
	"github.com/t77yq/pricewatch/internal/series"
)

// Config defines configuration for the worker pool
type Config struct {
	ID            string
	Workers       int
	FetchTimeout  time.Duration
	StatsInterval time.Duration
}

// TaskSource hands out leased scrape tasks
type TaskSource interface {
	Dequeue(ctx context.Context, workerID string) (*scheduler.Lease, error)
}

// Appender records fetched prices
type Appender interface {
	Append(ctx context.Context, productID int64, point model.PricePoint) error
}

// Pool is a fixed set of workers pulling scrape tasks from the queue
type Pool struct {
	logger    *zap.Logger
	config    Config
	queue     TaskSource
	fetcher   fetcher.Fetcher
	catalog   fetcher.Catalog
	store     Appender
	resources *ResourceManager
	now       func() time.Time

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a new worker pool
func NewPool(config Config, queue TaskSource, f fetcher.Fetcher, catalog fetcher.Catalog, store Appender, logger *zap.Logger) *Pool {
	if config.ID == "" {
		config.ID = uuid.New().String()
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 30 * time.Second
	}

	logger = logger.Named("worker-pool")
	return &Pool{
		logger:    logger,
		config:    config,
		queue:     queue,
		fetcher:   f,
		catalog:   catalog,
		store:     store,
		resources: NewResourceManager(ResourceLimits{MaxTasks: config.Workers}, config.StatsInterval, logger),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the workers. They run until Stop is called, ctx is
// cancelled or the queue is closed.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrPoolRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.resources.Start(ctx)
	for i := 0; i < p.config.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.config.ID, i)
		p.wg.Add(1)
		go p.worker(ctx, workerID)
	}

	p.logger.Info("Worker pool started",
		zap.String("pool_id", p.config.ID),
		zap.Int("workers", p.config.Workers),
		zap.Duration("fetch_timeout", p.config.FetchTimeout))
	return nil
}

// Stop stops taking new tasks and waits for in-flight fetches to finish
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.resources.Stop()
	p.logger.Info("Worker pool stopped", zap.String("pool_id", p.config.ID))
}

// Stats returns the pool counters and the last resource sample
func (p *Pool) Stats() model.PoolStats {
	cpuUsage, memoryUsage, collectedAt := p.resources.Usage()
	if collectedAt.IsZero() {
		collectedAt = p.now()
	}
	return model.PoolStats{
		PoolID:      p.config.ID,
		Workers:     p.config.Workers,
		Busy:        len(p.resources.Running()),
		Processed:   p.processed.Load(),
		Succeeded:   p.succeeded.Load(),
		Failed:      p.failed.Load(),
		CPUUsage:    cpuUsage,
		MemoryUsage: memoryUsage,
		CollectedAt: collectedAt,
	}
}

// Running returns the fetches currently in flight
func (p *Pool) Running() []RunningTask {
	return p.resources.Running()
}

func (p *Pool) worker(ctx context.Context, workerID string) {
	defer p.wg.Done()

	for {
		lease, err := p.queue.Dequeue(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, scheduler.ErrQueueClosed) {
				return
			}
			p.logger.Error("Failed to dequeue task",
				zap.String("worker_id", workerID),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		p.process(workerID, lease)
	}
}

// process runs one leased task and always reports back to the queue
func (p *Pool) process(workerID string, lease *scheduler.Lease) {
	task := lease.Task
	p.processed.Add(1)

	if err := p.resources.Acquire(RunningTask{
		TaskID:    task.ID,
		ProductID: task.ProductID,
		WorkerID:  workerID,
		StartedAt: p.now(),
	}); err != nil {
		p.report(lease, workerID, err)
		return
	}
	defer p.resources.Release(task.ID)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker panic",
				zap.String("task_id", task.ID),
				zap.String("worker_id", workerID),
				zap.Any("panic", r))
			p.report(lease, workerID, fmt.Errorf("worker panic: %v", r))
		}
	}()

	point, note, err := p.execute(lease)
	if err != nil {
		p.report(lease, workerID, err)
		return
	}
	p.complete(lease, workerID, point, note)
}

// execute fetches the price and appends it to the series. A rejected
// out-of-order point is not an error: retrying would fetch a new point.
func (p *Pool) execute(lease *scheduler.Lease) (*model.PricePoint, string, error) {
	ctx := lease.Context()
	task := lease.Task

	productURL, err := p.catalog.ProductURL(ctx, task.ProductID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve product url: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.config.FetchTimeout)
	point, err := p.fetcher.Fetch(fetchCtx, productURL)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", scheduler.ErrTaskCancelled
		}
		return nil, "", fetcher.Classify(err)
	}
	if point.Timestamp.IsZero() {
		point.Timestamp = p.now()
	}

	err = p.store.Append(ctx, task.ProductID, point)
	switch {
	case err == nil:
		return &point, "", nil
	case errors.Is(err, series.ErrOutOfOrder), errors.Is(err, series.ErrDuplicateTimestamp):
		p.logger.Warn("Fetched point rejected",
			zap.String("task_id", task.ID),
			zap.Int64("product_id", task.ProductID),
			zap.Error(err))
		return nil, "point rejected: " + err.Error(), nil
	default:
		return nil, "", fmt.Errorf("failed to record price: %w", err)
	}
}

func (p *Pool) complete(lease *scheduler.Lease, workerID string, point *model.PricePoint, note string) {
	err := lease.Complete(model.TaskResult{
		TaskID:      lease.Task.ID,
		WorkerID:    workerID,
		Point:       point,
		Note:        note,
		CompletedAt: p.now(),
	})
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("Failed to complete task",
			zap.String("task_id", lease.Task.ID),
			zap.Error(err))
		return
	}
	p.succeeded.Add(1)
}

func (p *Pool) report(lease *scheduler.Lease, workerID string, cause error) {
	p.failed.Add(1)

	if err := lease.Fail(cause); err != nil {
		if errors.Is(err, scheduler.ErrTaskCancelled) {
			p.logger.Info("Task cancelled during fetch",
				zap.String("task_id", lease.Task.ID),
				zap.String("worker_id", workerID))
			return
		}
		p.logger.Warn("Failed to report task failure",
			zap.String("task_id", lease.Task.ID),
			zap.String("worker_id", workerID),
			zap.Error(err))
	}
}
