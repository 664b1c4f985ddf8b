package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/pricewatch/internal/model"
	"github.com/t77yq/pricewatch/internal/monitor"
)

// Subjects published and consumed by the bridge
const (
	PriceSubjectPrefix    = "price.update."
	AlertSubjectPrefix    = "alert.fired."
	DeliverySubjectPrefix = "alert.delivery."
	TaskStatusSubject     = "task.status"
	TaskDeadLetterSubject = "task.deadletter"

	// OriginHeader carries the instance id of the publisher
	OriginHeader = "Pricewatch-Origin"
)

// StreamSpec describes one JetStream stream managed by the bridge
type StreamSpec struct {
	Name     string
	Subjects []string
}

// DefaultStreams returns the streams covering every subject the pipeline uses
func DefaultStreams() []StreamSpec {
	return []StreamSpec{
		{Name: "PRICES", Subjects: []string{PriceSubjectPrefix + "*"}},
		{Name: "ALERTS", Subjects: []string{AlertSubjectPrefix + "*", "alert.app.*", DeliverySubjectPrefix + "*"}},
		{Name: "TASKS", Subjects: []string{TaskStatusSubject, TaskDeadLetterSubject}},
		{Name: "METRICS", Subjects: []string{monitor.MetricsSubject, monitor.PoolStatsSubjectPrefix + "*"}},
	}
}

// BridgeConfig configures the NATS bridge
type BridgeConfig struct {
	// InstanceID tags published messages so an instance ignores its own price updates
	InstanceID        string
	Streams           []StreamSpec
	MaxAge            time.Duration
	Storage           nats.StorageType
	HeartbeatInterval time.Duration
	// RemotePrices forwards price updates of other instances to local subscribers
	RemotePrices bool
}

// DeliveryReporter receives delivery outcomes from external dispatchers
type DeliveryReporter interface {
	ReportDelivery(ctx context.Context, receipt model.DeliveryReceipt) error
}

// PriceFanout receives price updates observed by other instances
type PriceFanout interface {
	OnPriceUpdate(productID int64, point model.PricePoint, prev *model.PricePoint)
}

// PriceUpdateMessage is the payload on price.update.<product_id>
type PriceUpdateMessage struct {
	ProductID int64             `json:"product_id"`
	Point     model.PricePoint  `json:"point"`
	Previous  *model.PricePoint `json:"previous,omitempty"`
}

// Bridge mirrors pipeline events onto JetStream and feeds external
// delivery reports back into the alert engine
type Bridge struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	cfg      BridgeConfig
	reporter DeliveryReporter
	fanout   PriceFanout
	stats    func() model.PoolStats

	mu   sync.Mutex
	subs []*nats.Subscription
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewBridge creates a bridge. reporter, fanout and stats may be nil.
func NewBridge(js nats.JetStreamContext, cfg BridgeConfig, reporter DeliveryReporter, fanout PriceFanout, stats func() model.PoolStats, logger *zap.Logger) *Bridge {
	if len(cfg.Streams) == 0 {
		cfg.Streams = DefaultStreams()
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	return &Bridge{
		logger:   logger.Named("nats-bridge"),
		js:       js,
		cfg:      cfg,
		reporter: reporter,
		fanout:   fanout,
		stats:    stats,
		stop:     make(chan struct{}),
	}
}

// Setup creates or updates the configured streams
func (b *Bridge) Setup() error {
	for _, stream := range b.cfg.Streams {
		streamInfo, err := b.js.StreamInfo(stream.Name)
		if err != nil && err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to get stream info: %w", err)
		}

		if streamInfo == nil {
			_, err = b.js.AddStream(&nats.StreamConfig{
				Name:       stream.Name,
				Subjects:   stream.Subjects,
				Retention:  nats.LimitsPolicy,
				MaxAge:     b.cfg.MaxAge,
				MaxMsgs:    -1,
				MaxBytes:   -1,
				Discard:    nats.DiscardOld,
				MaxMsgSize: 1 * 1024 * 1024,
				Storage:    b.cfg.Storage,
				Replicas:   1,
				Duplicates: time.Hour,
			})
			if err != nil {
				return fmt.Errorf("failed to create stream %s: %w", stream.Name, err)
			}
			b.logger.Info("Created stream", zap.String("name", stream.Name))
			continue
		}

		config := streamInfo.Config
		config.Subjects = stream.Subjects
		config.MaxAge = b.cfg.MaxAge
		config.MaxMsgSize = 1 * 1024 * 1024
		config.Duplicates = time.Hour
		if _, err := b.js.UpdateStream(&config); err != nil {
			return fmt.Errorf("failed to update stream %s: %w", stream.Name, err)
		}
		b.logger.Info("Updated stream", zap.String("name", stream.Name))
	}
	return nil
}

// Start subscribes to delivery reports and remote price updates and starts the heartbeat
func (b *Bridge) Start(ctx context.Context) error {
	if b.reporter != nil {
		if err := b.subscribe(DeliverySubjectPrefix+"*", b.handleDelivery); err != nil {
			return err
		}
	}
	if b.cfg.RemotePrices && b.fanout != nil {
		if err := b.subscribe(PriceSubjectPrefix+"*", b.handleRemotePrice); err != nil {
			return err
		}
	}
	if b.stats != nil {
		b.wg.Add(1)
		go b.heartbeatLoop(ctx)
	}

	b.logger.Info("NATS bridge started", zap.String("instance_id", b.cfg.InstanceID))
	return nil
}

func (b *Bridge) subscribe(subject string, handler nats.MsgHandler) error {
	sub, err := b.js.Subscribe(subject, handler, nats.DeliverNew(), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Stop unsubscribes, stops the heartbeat and flushes pending publishes
func (b *Bridge) Stop() {
	b.once.Do(func() {
		close(b.stop)

		b.mu.Lock()
		for _, sub := range b.subs {
			if err := sub.Unsubscribe(); err != nil {
				b.logger.Warn("Failed to unsubscribe",
					zap.String("subject", sub.Subject),
					zap.Error(err))
			}
		}
		b.subs = nil
		b.mu.Unlock()

		b.wg.Wait()

		select {
		case <-b.js.PublishAsyncComplete():
		case <-time.After(5 * time.Second):
			b.logger.Warn("Timed out waiting for pending publishes",
				zap.Int("pending", b.js.PublishAsyncPending()))
		}
		b.logger.Info("NATS bridge stopped")
	})
}

func (b *Bridge) publish(subject, msgID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("Failed to marshal message",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(OriginHeader, b.cfg.InstanceID)

	var opts []nats.PubOpt
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	if _, err := b.js.PublishMsgAsync(msg, opts...); err != nil {
		b.logger.Warn("Failed to publish message",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// OnAppend implements series.Observer
func (b *Bridge) OnAppend(productID int64, point model.PricePoint, prev *model.PricePoint) {
	subject := PriceSubjectPrefix + strconv.FormatInt(productID, 10)
	msgID := fmt.Sprintf("%d-%d", productID, point.Timestamp.UnixNano())
	b.publish(subject, msgID, PriceUpdateMessage{ProductID: productID, Point: point, Previous: prev})
}

// OnAlert implements monitor.EventListener
func (b *Bridge) OnAlert(event model.AlertEvent) {
	b.publish(AlertSubjectPrefix+strconv.FormatInt(event.ProductID, 10), event.ID, event)
}

// OnTaskUpdate implements scheduler.Listener. Tasks that exhausted their
// attempts are also published to the dead-letter subject.
func (b *Bridge) OnTaskUpdate(task model.ScrapeTask) {
	b.publish(TaskStatusSubject, "", task)
	if task.Status == model.TaskStatusFailed {
		b.publish(TaskDeadLetterSubject, task.ID, task)
	}
}

func (b *Bridge) handleDelivery(msg *nats.Msg) {
	var receipt model.DeliveryReceipt
	if err := json.Unmarshal(msg.Data, &receipt); err != nil {
		b.logger.Error("Failed to unmarshal delivery report",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		msg.Term()
		return
	}
	if receipt.EventID == "" {
		receipt.EventID = strings.TrimPrefix(msg.Subject, DeliverySubjectPrefix)
	}

	if err := b.reporter.ReportDelivery(context.Background(), receipt); err != nil {
		b.logger.Warn("Failed to apply delivery report",
			zap.String("event_id", receipt.EventID),
			zap.Error(err))
	}
	msg.Ack()
}

func (b *Bridge) handleRemotePrice(msg *nats.Msg) {
	defer msg.Ack()

	if msg.Header.Get(OriginHeader) == b.cfg.InstanceID {
		return
	}

	var update PriceUpdateMessage
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		b.logger.Error("Failed to unmarshal price update",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return
	}
	b.fanout.OnPriceUpdate(update.ProductID, update.Point, update.Previous)
}

func (b *Bridge) heartbeatLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-ticker.C:
			stats := b.stats()
			b.publish(monitor.PoolStatsSubjectPrefix+stats.PoolID, "", stats)
		}
	}
}
