package executor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// ResourceLimits defines limits for task execution
type ResourceLimits struct {
	MaxTasks int // Maximum concurrent fetches
}

// RunningTask describes a fetch currently held by a worker
type RunningTask struct {
	TaskID    string    `json:"task_id"`
	ProductID int64     `json:"product_id"`
	WorkerID  string    `json:"worker_id"`
	StartedAt time.Time `json:"started_at"`
}

// ResourceManager tracks in-flight fetches and samples host resource usage
type ResourceManager struct {
	logger   *zap.Logger
	limits   ResourceLimits
	interval time.Duration

	mu          sync.RWMutex
	running     map[string]RunningTask
	cpuUsage    float64
	memoryUsage float64
	collectedAt time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewResourceManager creates a new resource manager
func NewResourceManager(limits ResourceLimits, interval time.Duration, logger *zap.Logger) *ResourceManager {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ResourceManager{
		logger:   logger.Named("resource-manager"),
		limits:   limits,
		interval: interval,
		running:  make(map[string]RunningTask),
		stop:     make(chan struct{}),
	}
}

// Start starts resource sampling
func (rm *ResourceManager) Start(ctx context.Context) {
	rm.logger.Info("Starting resource manager")
	rm.collectResourceStats()
	go rm.monitorResources(ctx)
}

// Stop stops resource sampling
func (rm *ResourceManager) Stop() {
	rm.stopOnce.Do(func() {
		rm.logger.Info("Stopping resource manager")
		close(rm.stop)
	})
}

// Acquire registers a fetch as in flight
func (rm *ResourceManager) Acquire(task RunningTask) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.limits.MaxTasks > 0 && len(rm.running) >= rm.limits.MaxTasks {
		return ErrPoolSaturated
	}
	rm.running[task.TaskID] = task
	return nil
}

// Release removes a fetch from the in-flight set
func (rm *ResourceManager) Release(taskID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.running, taskID)
}

// Running returns the in-flight fetches, oldest first
func (rm *ResourceManager) Running() []RunningTask {
	rm.mu.RLock()
	tasks := make([]RunningTask, 0, len(rm.running))
	for _, t := range rm.running {
		tasks = append(tasks, t)
	}
	rm.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].StartedAt.Equal(tasks[j].StartedAt) {
			return tasks[i].TaskID < tasks[j].TaskID
		}
		return tasks[i].StartedAt.Before(tasks[j].StartedAt)
	})
	return tasks
}

// Usage returns the last sampled CPU and memory usage in percent
func (rm *ResourceManager) Usage() (cpuUsage, memoryUsage float64, collectedAt time.Time) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.cpuUsage, rm.memoryUsage, rm.collectedAt
}

func (rm *ResourceManager) monitorResources(ctx context.Context) {
	ticker := time.NewTicker(rm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rm.stop:
			return
		case <-ticker.C:
			rm.collectResourceStats()
		}
	}
}

func (rm *ResourceManager) collectResourceStats() {
	// Sampled outside the lock, cpu.Percent may block
	cpuPercent, cpuErr := cpu.Percent(0, false)
	memInfo, memErr := mem.VirtualMemory()

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if cpuErr != nil {
		rm.logger.Error("Failed to get CPU usage", zap.Error(cpuErr))
	} else if len(cpuPercent) > 0 {
		rm.cpuUsage = cpuPercent[0]
	}
	if memErr != nil {
		rm.logger.Error("Failed to get memory usage", zap.Error(memErr))
	} else {
		rm.memoryUsage = memInfo.UsedPercent
	}
	rm.collectedAt = time.Now().UTC()

	rm.logger.Debug("Resource stats collected",
		zap.Float64("cpu_usage", rm.cpuUsage),
		zap.Float64("memory_usage", rm.memoryUsage),
		zap.Int("running", len(rm.running)))
}
