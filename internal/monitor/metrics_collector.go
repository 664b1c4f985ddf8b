package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/pricewatch/internal/model"
)

const (
	// MetricsSubject carries the periodic pipeline snapshot
	MetricsSubject = "metrics.pipeline"
	// PoolStatsSubjectPrefix carries per-pool stats, suffixed with the pool id
	PoolStatsSubjectPrefix = "pool.stats."
)

// MetricsSources are the components sampled on each tick
type MetricsSources struct {
	Queue       func() model.QueueStats
	Pool        func() model.PoolStats
	Subscribers func() int
}

// MetricsCollector samples the pipeline and publishes snapshots. Stats of
// pools running in other processes are picked up from NATS.
type MetricsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	interval time.Duration
	sources  MetricsSources

	mu     sync.RWMutex
	pools  map[string]*model.PoolStats
	latest model.PipelineMetrics
	sub    *nats.Subscription

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMetricsCollector creates a new metrics collector. js may be nil, in which
// case snapshots are only kept locally.
func NewMetricsCollector(js nats.JetStreamContext, interval time.Duration, sources MetricsSources, logger *zap.Logger) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		js:       js,
		interval: interval,
		sources:  sources,
		pools:    make(map[string]*model.PoolStats),
		stop:     make(chan struct{}),
	}
}

// Start starts the metrics collector
func (c *MetricsCollector) Start(ctx context.Context) error {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))

	if c.js != nil {
		sub, err := c.js.Subscribe(PoolStatsSubjectPrefix+"*", c.handlePoolStats, nats.DeliverNew(), nats.ManualAck())
		if err != nil {
			return fmt.Errorf("failed to subscribe to pool stats: %w", err)
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}

	go c.collectLoop(ctx)
	return nil
}

// Stop stops the metrics collector
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.sub != nil {
			if err := c.sub.Unsubscribe(); err != nil {
				c.logger.Warn("Failed to unsubscribe from pool stats", zap.Error(err))
			}
			c.sub = nil
		}
	})
}

func (c *MetricsCollector) handlePoolStats(msg *nats.Msg) {
	defer func() {
		if err := msg.Ack(); err != nil {
			c.logger.Debug("Failed to ack pool stats", zap.Error(err))
		}
	}()

	poolID := strings.TrimPrefix(msg.Subject, PoolStatsSubjectPrefix)
	if poolID == "" || poolID == msg.Subject {
		c.logger.Error("Invalid pool stats subject", zap.String("subject", msg.Subject))
		return
	}

	var stats model.PoolStats
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		c.logger.Error("Failed to unmarshal pool stats", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.pools[poolID] = &stats
	c.mu.Unlock()
}

func (c *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect takes a snapshot now and publishes it
func (c *MetricsCollector) Collect() model.PipelineMetrics {
	metrics := model.PipelineMetrics{Timestamp: time.Now().UTC()}
	if c.sources.Queue != nil {
		metrics.Queue = c.sources.Queue()
	}
	if c.sources.Pool != nil {
		metrics.Pool = c.sources.Pool()
	}
	if c.sources.Subscribers != nil {
		metrics.Subscribers = c.sources.Subscribers()
	}

	c.mu.Lock()
	for id, stats := range c.pools {
		if id == metrics.Pool.PoolID {
			continue
		}
		metrics.Remote = append(metrics.Remote, *stats)
	}
	sort.Slice(metrics.Remote, func(i, j int) bool { return metrics.Remote[i].PoolID < metrics.Remote[j].PoolID })
	c.latest = metrics
	c.mu.Unlock()

	if c.js != nil {
		data, err := json.Marshal(metrics)
		if err != nil {
			c.logger.Error("Failed to marshal metrics", zap.Error(err))
			return metrics
		}
		if _, err := c.js.Publish(MetricsSubject, data); err != nil {
			c.logger.Error("Failed to publish metrics", zap.Error(err))
			return metrics
		}
	}

	c.logger.Debug("Metrics collected",
		zap.Int("pending", metrics.Queue.Pending),
		zap.Int("running", metrics.Queue.Running),
		zap.Int("busy_workers", metrics.Pool.Busy),
		zap.Int("subscribers", metrics.Subscribers),
		zap.Int("remote_pools", len(metrics.Remote)))
	return metrics
}

// Latest returns the last collected snapshot
func (c *MetricsCollector) Latest() model.PipelineMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// GetPools returns the pool stats received from other processes
func (c *MetricsCollector) GetPools() map[string]*model.PoolStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pools := make(map[string]*model.PoolStats, len(c.pools))
	for id, stats := range c.pools {
		pools[id] = stats
	}
	return pools
}
