package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/pricewatch/internal/model"
)

// Listener receives a snapshot of a task after every state change
type Listener interface {
	OnTaskUpdate(task model.ScrapeTask)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(task model.ScrapeTask)

// OnTaskUpdate implements Listener
func (f ListenerFunc) OnTaskUpdate(task model.ScrapeTask) { f(task) }

// TaskFilter defines the filters for listing tasks
type TaskFilter struct {
	Status    []model.TaskStatus
	ProductID int64
	Limit     int
}

func (f TaskFilter) matches(task *model.ScrapeTask) bool {
	if f.ProductID != 0 && task.ProductID != f.ProductID {
		return false
	}
	if len(f.Status) == 0 {
		return true
	}
	for _, status := range f.Status {
		if task.Status == status {
			return true
		}
	}
	return false
}

// QueueConfig holds the retry policy of the queue
type QueueConfig struct {
	MaxAttempts int
	Backoff     RetryStrategy
}

// queueItem is a heap entry. Items of tasks that left the pending state are
// dropped lazily when they reach the top.
type queueItem struct {
	taskID    string
	priority  int
	createdAt time.Time
	seq       uint64
	index     int
}

type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

// Less orders by priority, then creation time, then insertion order
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if !h[i].createdAt.Equal(h[j].createdAt) {
		return h[i].createdAt.Before(h[j].createdAt)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

type entry struct {
	task   *model.ScrapeTask
	seq    uint64
	item   *queueItem
	claim  uint64
	cancel context.CancelFunc
}

// Queue is the in-memory priority queue of scrape tasks. It owns the task
// lifecycle and the per-product running lock.
type Queue struct {
	logger      *zap.Logger
	strategy    RetryStrategy
	maxAttempts int
	now         func() time.Time

	mu        sync.Mutex
	tasks     map[string]*entry
	pending   taskHeap
	active    map[int64]string // product -> pending or running task
	running   map[int64]string // product -> task holding the lock
	seq       uint64
	claims    uint64
	retried   int
	wake      chan struct{}
	closed    bool
	listeners []Listener

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// NewQueue creates a new task queue
func NewQueue(cfg QueueConfig, logger *zap.Logger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		logger:      logger.Named("task-queue"),
		strategy:    cfg.Backoff,
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
		tasks:       make(map[string]*entry),
		active:      make(map[int64]string),
		running:     make(map[int64]string),
		wake:        make(chan struct{}),
		baseCtx:     ctx,
		baseCancel:  cancel,
	}
}

// Subscribe registers a listener for task state changes
func (q *Queue) Subscribe(l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, l)
}

// MaxAttempts returns the configured attempt limit
func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

// Enqueue creates a pending task for the product and returns its id. If the
// product already has a pending or running task, that task's id is returned.
func (q *Queue) Enqueue(productID int64, priority int) (string, error) {
	if productID <= 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidProduct, productID)
	}

	q.mu.Lock()
	id, created, snapshot := q.enqueueLocked(productID, priority)
	listeners := q.listeners
	q.mu.Unlock()

	if created {
		q.emit(listeners, snapshot)
	}
	return id, nil
}

// EnqueueBatch enqueues every product at the same priority, preserving order
func (q *Queue) EnqueueBatch(productIDs []int64, priority int) ([]string, error) {
	for _, id := range productIDs {
		if id <= 0 {
			return nil, fmt.Errorf("%w: %d", ErrInvalidProduct, id)
		}
	}

	ids := make([]string, 0, len(productIDs))
	var created []model.ScrapeTask

	q.mu.Lock()
	for _, productID := range productIDs {
		id, isNew, snapshot := q.enqueueLocked(productID, priority)
		ids = append(ids, id)
		if isNew {
			created = append(created, snapshot)
		}
	}
	listeners := q.listeners
	q.mu.Unlock()

	q.emit(listeners, created...)

	q.logger.Info("Task batch enqueued",
		zap.Int("requested", len(productIDs)),
		zap.Int("created", len(created)),
		zap.Int("priority", priority))

	return ids, nil
}

func (q *Queue) enqueueLocked(productID int64, priority int) (string, bool, model.ScrapeTask) {
	if id, ok := q.active[productID]; ok {
		return id, false, model.ScrapeTask{}
	}

	now := q.now()
	q.seq++
	task := &model.ScrapeTask{
		ID:             uuid.New().String(),
		ProductID:      productID,
		Priority:       priority,
		Status:         model.TaskStatusPending,
		MaxAttempts:    q.maxAttempts,
		CreatedAt:      now,
		NextEligibleAt: now,
	}
	e := &entry{task: task, seq: q.seq}
	q.tasks[task.ID] = e
	q.active[productID] = task.ID
	q.pushLocked(e)
	q.signalLocked()

	q.logger.Info("Task enqueued",
		zap.String("task_id", task.ID),
		zap.Int64("product_id", productID),
		zap.Int("priority", priority))

	return task.ID, true, *task
}

func (q *Queue) pushLocked(e *entry) {
	e.item = &queueItem{
		taskID:    e.task.ID,
		priority:  e.task.Priority,
		createdAt: e.task.CreatedAt,
		seq:       e.seq,
	}
	heap.Push(&q.pending, e.item)
}

func (q *Queue) removeItemLocked(e *entry) {
	if e.item != nil && e.item.index >= 0 {
		heap.Remove(&q.pending, e.item.index)
	}
	e.item = nil
}

// signalLocked wakes every blocked Dequeue
func (q *Queue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Dequeue blocks until a task is eligible and claims it for workerID. The
// returned lease must be completed or failed by the caller.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Lease, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}

		lease, wait := q.claimLocked(workerID)
		wake := q.wake
		listeners := q.listeners
		q.mu.Unlock()

		if lease != nil {
			q.emit(listeners, lease.Task)
			q.logger.Debug("Task dequeued",
				zap.String("task_id", lease.Task.ID),
				zap.Int64("product_id", lease.Task.ProductID),
				zap.Int("attempt", lease.Task.Attempts),
				zap.String("worker_id", workerID))
			return lease, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// claimLocked pops the best eligible task. When none is eligible it returns
// how long to sleep before the next pending task becomes eligible.
func (q *Queue) claimLocked(workerID string) (*Lease, time.Duration) {
	now := q.now()
	wait := maxIdleWait
	var skipped []*queueItem
	var claimed *entry

	for q.pending.Len() > 0 {
		item := heap.Pop(&q.pending).(*queueItem)
		e, ok := q.tasks[item.taskID]
		if !ok || e.item != item || e.task.Status != model.TaskStatusPending {
			continue
		}
		if e.task.NextEligibleAt.After(now) {
			if d := e.task.NextEligibleAt.Sub(now); d < wait {
				wait = d
			}
			skipped = append(skipped, item)
			continue
		}
		if _, busy := q.running[e.task.ProductID]; busy {
			skipped = append(skipped, item)
			continue
		}
		claimed = e
		break
	}

	for _, item := range skipped {
		heap.Push(&q.pending, item)
	}

	if claimed == nil {
		return nil, wait
	}

	claimed.item = nil
	q.claims++
	claimed.claim = q.claims

	task := claimed.task
	task.Status = model.TaskStatusRunning
	task.Attempts++
	task.WorkerID = workerID
	started := now
	task.StartedAt = &started
	q.running[task.ProductID] = task.ID

	ctx, cancel := context.WithCancel(q.baseCtx)
	claimed.cancel = cancel

	return &Lease{
		Task:  *task,
		ctx:   ctx,
		queue: q,
		claim: claimed.claim,
	}, 0
}

// releaseLocked drops the product lock held by e and cancels its context
func (q *Queue) releaseLocked(e *entry) {
	if q.running[e.task.ProductID] == e.task.ID {
		delete(q.running, e.task.ProductID)
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	q.signalLocked()
}

func (q *Queue) deactivateLocked(task *model.ScrapeTask) {
	if q.active[task.ProductID] == task.ID {
		delete(q.active, task.ProductID)
	}
}

func (q *Queue) lookupRunningLocked(taskID string, claim uint64) (*entry, error) {
	e, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if claim != 0 && e.claim != claim {
		return nil, ErrStaleLease
	}
	switch e.task.Status {
	case model.TaskStatusRunning:
		return e, nil
	case model.TaskStatusCanceled:
		if q.running[e.task.ProductID] == e.task.ID {
			q.releaseLocked(e)
			return nil, ErrTaskCancelled
		}
		return nil, ErrTaskTerminal
	default:
		if e.task.Status.Terminal() {
			return nil, ErrTaskTerminal
		}
		return nil, ErrStaleLease
	}
}

// Complete marks a running task as completed
func (q *Queue) Complete(taskID string, result model.TaskResult) error {
	return q.complete(taskID, 0, result)
}

func (q *Queue) complete(taskID string, claim uint64, result model.TaskResult) error {
	q.mu.Lock()
	e, err := q.lookupRunningLocked(taskID, claim)
	if err != nil {
		q.mu.Unlock()
		return err
	}

	task := e.task
	completed := result.CompletedAt
	if completed.IsZero() {
		completed = q.now()
	}
	task.Status = model.TaskStatusCompleted
	task.CompletedAt = &completed
	task.Result = result.Point
	task.LastError = result.Note
	if result.WorkerID != "" {
		task.WorkerID = result.WorkerID
	}
	q.deactivateLocked(task)
	q.releaseLocked(e)

	snapshot := *task
	listeners := q.listeners
	q.mu.Unlock()

	q.emit(listeners, snapshot)
	q.logger.Info("Task completed",
		zap.String("task_id", taskID),
		zap.Int64("product_id", snapshot.ProductID),
		zap.Int("attempts", snapshot.Attempts))
	return nil
}

// Fail records a failed attempt. The task goes back to pending after the
// backoff delay, or becomes terminally failed once attempts are used up.
func (q *Queue) Fail(taskID string, cause error) error {
	return q.fail(taskID, 0, cause)
}

func (q *Queue) fail(taskID string, claim uint64, cause error) error {
	if cause == nil {
		cause = errors.New("unknown failure")
	}

	q.mu.Lock()
	e, err := q.lookupRunningLocked(taskID, claim)
	if err != nil {
		q.mu.Unlock()
		return err
	}

	task := e.task
	now := q.now()
	q.releaseLocked(e)

	if task.Attempts < task.MaxAttempts {
		delay := q.strategy.NextRetry(task.Attempts - 1)
		task.Status = model.TaskStatusPending
		task.LastError = cause.Error()
		task.NextEligibleAt = now.Add(delay)
		q.retried++
		q.pushLocked(e)

		snapshot := *task
		listeners := q.listeners
		q.mu.Unlock()

		q.emit(listeners, snapshot)
		q.logger.Warn("Task failed, scheduled for retry",
			zap.String("task_id", taskID),
			zap.Int64("product_id", snapshot.ProductID),
			zap.Int("attempt", snapshot.Attempts),
			zap.Duration("backoff", delay),
			zap.Error(cause))
		return nil
	}

	task.Status = model.TaskStatusFailed
	task.LastError = fmt.Errorf("%w after %d attempts: %v", ErrTaskExhausted, task.Attempts, cause).Error()
	task.CompletedAt = &now
	q.deactivateLocked(task)

	snapshot := *task
	listeners := q.listeners
	q.mu.Unlock()

	q.emit(listeners, snapshot)
	q.logger.Error("Task exhausted",
		zap.String("task_id", taskID),
		zap.Int64("product_id", snapshot.ProductID),
		zap.Int("attempts", snapshot.Attempts),
		zap.Error(cause))
	return nil
}

// Cancel cancels a pending or running task. A running task keeps the product
// lock until its worker reports back or the liveness timeout reclaims it.
func (q *Queue) Cancel(taskID string) error {
	q.mu.Lock()
	e, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return ErrTaskNotFound
	}

	task := e.task
	if task.Status.Terminal() {
		q.mu.Unlock()
		return ErrTaskTerminal
	}

	wasRunning := task.Status == model.TaskStatusRunning
	now := q.now()
	task.Status = model.TaskStatusCanceled
	task.LastError = ErrTaskCancelled.Error()
	task.CompletedAt = &now
	q.deactivateLocked(task)
	q.removeItemLocked(e)
	if wasRunning && e.cancel != nil {
		e.cancel()
	}
	q.signalLocked()

	snapshot := *task
	listeners := q.listeners
	q.mu.Unlock()

	q.emit(listeners, snapshot)
	q.logger.Info("Task cancelled",
		zap.String("task_id", taskID),
		zap.Int64("product_id", snapshot.ProductID),
		zap.Bool("was_running", wasRunning))
	return nil
}

// ExecuteNow moves a pending task to the front of the queue and clears its backoff
func (q *Queue) ExecuteNow(taskID string) (model.ScrapeTask, error) {
	q.mu.Lock()
	e, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return model.ScrapeTask{}, ErrTaskNotFound
	}

	task := e.task
	if task.Status.Terminal() {
		snapshot := *task
		q.mu.Unlock()
		return snapshot, ErrTaskTerminal
	}
	if task.Status == model.TaskStatusRunning {
		snapshot := *task
		q.mu.Unlock()
		return snapshot, nil
	}

	task.Priority = model.PriorityImmediate
	task.NextEligibleAt = q.now()
	q.removeItemLocked(e)
	q.pushLocked(e)
	q.signalLocked()

	snapshot := *task
	listeners := q.listeners
	q.mu.Unlock()

	q.emit(listeners, snapshot)
	q.logger.Info("Task promoted for immediate execution",
		zap.String("task_id", taskID),
		zap.Int64("product_id", snapshot.ProductID))
	return snapshot, nil
}

// Get returns a snapshot of a task
func (q *Queue) Get(taskID string) (model.ScrapeTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.tasks[taskID]
	if !ok {
		return model.ScrapeTask{}, ErrTaskNotFound
	}
	return *e.task, nil
}

// List returns the tasks matching filter in creation order
func (q *Queue) List(filter TaskFilter) []model.ScrapeTask {
	q.mu.Lock()
	matched := make([]*entry, 0, len(q.tasks))
	for _, e := range q.tasks {
		if filter.matches(e.task) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]model.ScrapeTask, len(matched))
	for i, e := range matched {
		out[i] = *e.task
	}
	q.mu.Unlock()
	return out
}

// ReapOrphans reverts tasks that have been running longer than threshold.
// Their leases become stale so a late report from the original worker is ignored.
func (q *Queue) ReapOrphans(threshold time.Duration) int {
	q.mu.Lock()
	now := q.now()
	var reaped []model.ScrapeTask

	for productID, taskID := range q.running {
		e, ok := q.tasks[taskID]
		if !ok {
			delete(q.running, productID)
			continue
		}
		task := e.task
		if task.StartedAt == nil || now.Sub(*task.StartedAt) <= threshold {
			continue
		}

		q.claims++
		e.claim = q.claims
		q.releaseLocked(e)

		switch {
		case task.Status == model.TaskStatusCanceled:
			// lock released above, nothing else to do
		case task.Attempts >= task.MaxAttempts:
			task.Status = model.TaskStatusFailed
			task.LastError = fmt.Errorf("%w after %d attempts: liveness timeout exceeded", ErrTaskExhausted, task.Attempts).Error()
			done := now
			task.CompletedAt = &done
			q.deactivateLocked(task)
		default:
			task.Status = model.TaskStatusPending
			task.LastError = "liveness timeout exceeded"
			task.NextEligibleAt = now
			q.pushLocked(e)
		}
		reaped = append(reaped, *task)
	}
	listeners := q.listeners
	q.mu.Unlock()

	q.emit(listeners, reaped...)
	for _, task := range reaped {
		q.logger.Warn("Orphaned task reclaimed",
			zap.String("task_id", task.ID),
			zap.Int64("product_id", task.ProductID),
			zap.String("worker_id", task.WorkerID),
			zap.String("status", string(task.Status)))
	}
	return len(reaped)
}

// Prune forgets terminal tasks that finished before the cutoff
func (q *Queue) Prune(before time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, e := range q.tasks {
		task := e.task
		if !task.Status.Terminal() || task.CompletedAt == nil || !task.CompletedAt.Before(before) {
			continue
		}
		if q.running[task.ProductID] == id {
			continue
		}
		delete(q.tasks, id)
		removed++
	}

	if removed > 0 {
		q.logger.Info("Pruned finished tasks", zap.Int("count", removed), zap.Time("before", before))
	}
	return removed
}

// Stats counts tasks per state
func (q *Queue) Stats() model.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := model.QueueStats{Retried: q.retried}
	for _, e := range q.tasks {
		switch e.task.Status {
		case model.TaskStatusPending:
			stats.Pending++
		case model.TaskStatusRunning:
			stats.Running++
		case model.TaskStatusCompleted:
			stats.Completed++
		case model.TaskStatusFailed:
			stats.Failed++
		case model.TaskStatusCanceled:
			stats.Canceled++
		}
	}
	return stats
}

// Close wakes every blocked Dequeue and cancels running leases
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.baseCancel()
	q.signalLocked()
	q.logger.Info("Task queue closed")
}

func (q *Queue) emit(listeners []Listener, tasks ...model.ScrapeTask) {
	for _, task := range tasks {
		for _, l := range listeners {
			l.OnTaskUpdate(task)
		}
	}
}

// Lease is a worker's claim on a running task
type Lease struct {
	Task  model.ScrapeTask
	ctx   context.Context
	queue *Queue
	claim uint64
}

// Context is cancelled when the task is cancelled, reclaimed, or the queue closes
func (l *Lease) Context() context.Context {
	return l.ctx
}

// Complete reports success for the leased attempt
func (l *Lease) Complete(result model.TaskResult) error {
	return l.queue.complete(l.Task.ID, l.claim, result)
}

// Fail reports failure for the leased attempt
func (l *Lease) Fail(cause error) error {
	return l.queue.fail(l.Task.ID, l.claim, cause)
}
