package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ProductLister enumerates the products that are refreshed periodically
type ProductLister interface {
	ProductIDs(ctx context.Context) ([]int64, error)
}

// HistoryPruner removes archived records older than a cutoff
type HistoryPruner interface {
	PruneBefore(ctx context.Context, before time.Time) (int64, error)
}

// RefresherConfig configures the periodic jobs
type RefresherConfig struct {
	RefreshSpec string
	CleanupSpec string
	Priority    int
	Retention   time.Duration
}

// JobInfo describes a registered periodic job
type JobInfo struct {
	Name     string     `json:"name"`
	Spec     string     `json:"spec"`
	LastRun  *time.Time `json:"last_run,omitempty"`
	NextRun  time.Time  `json:"next_run"`
	LastErr  string     `json:"last_error,omitempty"`
	RunCount int        `json:"run_count"`
}

// Refresher re-enqueues catalog products and prunes finished tasks on cron schedules
type Refresher struct {
	logger   *zap.Logger
	cfg      RefresherConfig
	queue    *Queue
	products ProductLister
	pruners  []HistoryPruner
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*cronJob
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewRefresher creates the periodic job runner. pruner may be nil.
func NewRefresher(cfg RefresherConfig, queue *Queue, products ProductLister, pruner HistoryPruner, logger *zap.Logger) *Refresher {
	logger = logger.Named("refresher")
	cronLogger := &cronLogger{logger: logger.Named("cron")}
	cronOptions := []cron.Option{
		cron.WithSeconds(),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	}

	r := &Refresher{
		logger:   logger,
		cfg:      cfg,
		queue:    queue,
		products: products,
		cron:     cron.New(cronOptions...),
		jobs:     make(map[string]*cronJob),
	}
	if pruner != nil {
		r.pruners = append(r.pruners, pruner)
	}
	return r
}

// AddPruner registers another history pruner run by Cleanup. Call it before Start.
func (r *Refresher) AddPruner(p HistoryPruner) {
	r.pruners = append(r.pruners, p)
}

// Start registers the configured jobs and starts the cron runner. An empty
// spec disables the corresponding job.
func (r *Refresher) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	if r.cfg.RefreshSpec != "" {
		if err := r.addJob("refresh", r.cfg.RefreshSpec, func(ctx context.Context) error {
			_, err := r.RefreshNow(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	if r.cfg.CleanupSpec != "" {
		if err := r.addJob("cleanup", r.cfg.CleanupSpec, func(ctx context.Context) error {
			_, err := r.Cleanup(ctx)
			return err
		}); err != nil {
			return err
		}
	}

	r.cron.Start()
	r.logger.Info("Refresher started", zap.Int("jobs", len(r.jobs)))
	return nil
}

// Stop stops the cron runner and waits for running jobs
func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("Refresher stopped")
}

func (r *Refresher) addJob(name, spec string, fn func(ctx context.Context) error) error {
	job := &cronJob{refresher: r, name: name, spec: spec, fn: fn}
	entryID, err := r.cron.AddJob(spec, job)
	if err != nil {
		return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
	}
	job.entryID = entryID

	r.mu.Lock()
	r.jobs[name] = job
	r.mu.Unlock()

	r.logger.Info("Added schedule",
		zap.String("name", name),
		zap.String("expression", spec))
	return nil
}

// RefreshNow enqueues every catalog product at the refresh priority
func (r *Refresher) RefreshNow(ctx context.Context) (int, error) {
	ids, err := r.products.ProductIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list products: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	taskIDs, err := r.queue.EnqueueBatch(ids, r.cfg.Priority)
	if err != nil {
		return 0, err
	}

	r.logger.Info("Products refreshed", zap.Int("count", len(taskIDs)))
	return len(taskIDs), nil
}

// Cleanup drops terminal tasks older than the retention window from the queue,
// then runs every registered pruner with the same cutoff
func (r *Refresher) Cleanup(ctx context.Context) (int64, error) {
	if r.cfg.Retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-r.cfg.Retention)

	removed := int64(r.queue.Prune(cutoff))
	for _, pruner := range r.pruners {
		n, err := pruner.PruneBefore(ctx, cutoff)
		if err != nil {
			return removed, fmt.Errorf("failed to prune history: %w", err)
		}
		removed += n
	}

	r.logger.Info("Cleanup finished", zap.Int64("removed", removed), zap.Time("cutoff", cutoff))
	return removed, nil
}

// Jobs lists the registered jobs with their next run time
func (r *Refresher) Jobs() []JobInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]JobInfo, 0, len(r.jobs))
	for _, job := range r.jobs {
		info := JobInfo{
			Name:     job.name,
			Spec:     job.spec,
			NextRun:  r.cron.Entry(job.entryID).Next,
			LastErr:  job.lastErr,
			RunCount: job.runs,
		}
		if !job.lastRun.IsZero() {
			last := job.lastRun
			info.LastRun = &last
		}
		infos = append(infos, info)
	}
	return infos
}

// cronJob implements cron.Job
type cronJob struct {
	refresher *Refresher
	name      string
	spec      string
	entryID   cron.EntryID
	fn        func(ctx context.Context) error

	lastRun time.Time
	lastErr string
	runs    int
}

// Run implements cron.Job
func (j *cronJob) Run() {
	r := j.refresher
	now := time.Now()
	err := j.fn(r.ctx)

	r.mu.Lock()
	j.lastRun = now
	j.runs++
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("Scheduled job failed",
			zap.String("name", j.name),
			zap.Error(err))
		return
	}

	r.logger.Debug("Executed schedule",
		zap.String("name", j.name),
		zap.Time("executed_at", now),
		zap.Duration("took", time.Since(now)))
}
