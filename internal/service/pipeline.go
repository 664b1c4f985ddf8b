package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/pricewatch/internal/executor"
	"github.com/t77yq/pricewatch/internal/fanout"
	"github.com/t77yq/pricewatch/internal/fetcher"
	"github.com/t77yq/pricewatch/internal/handler"
	"github.com/t77yq/pricewatch/internal/model"
	"github.com/t77yq/pricewatch/internal/monitor"
	"github.com/t77yq/pricewatch/internal/scheduler"
	"github.com/t77yq/pricewatch/internal/series"
	"github.com/t77yq/pricewatch/internal/storage"
	"github.com/t77yq/pricewatch/internal/trend"
)

// Catalog resolves product pages and lists the products to refresh
type Catalog interface {
	fetcher.Catalog
	scheduler.ProductLister
}

// Options holds the settings of every pipeline component
type Options struct {
	Queue           scheduler.QueueConfig
	ReapInterval    time.Duration
	LivenessTimeout time.Duration
	Refresher       scheduler.RefresherConfig
	Pool            executor.Config
	Alerts          monitor.Config
	Fanout          fanout.Config
	Trend           trend.Params
	MetricsInterval time.Duration
	Bridge          BridgeConfig
	Webhook         handler.WebhookConfig
	// SMTP enables the email channel when Host is set
	SMTP handler.SMTPConfig
	// AwaitAppReports leaves app notifications pending until a delivery report arrives
	AwaitAppReports bool
}

// Deps are the external collaborators of the pipeline
type Deps struct {
	Fetcher fetcher.Fetcher
	Catalog Catalog
	// Archive and JetStream are optional
	Archive   *storage.SQLiteArchive
	JetStream nats.JetStreamContext
}

// Pipeline wires the price series, task queue, worker pool, alert engine,
// realtime fanout and their periodic jobs together
type Pipeline struct {
	logger *zap.Logger

	store      *series.Store
	queue      *scheduler.Queue
	supervisor *scheduler.Supervisor
	refresher  *scheduler.Refresher
	pool       *executor.Pool
	alerts     *monitor.AlertEngine
	router     *handler.Router
	hub        *fanout.Hub
	trends     *trend.Engine
	collector  *monitor.MetricsCollector
	bridge     *Bridge
	archive    *storage.SQLiteArchive

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// NewPipeline builds every component and subscribes them to each other
func NewPipeline(opts Options, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	if deps.Fetcher == nil || deps.Catalog == nil {
		return nil, fmt.Errorf("fetcher and catalog are required")
	}
	logger = logger.Named("pipeline")

	p := &Pipeline{logger: logger, archive: deps.Archive}

	var (
		journal  series.Journal
		recorder monitor.EventRecorder
		pruner   scheduler.HistoryPruner
	)
	if deps.Archive != nil {
		journal, recorder, pruner = deps.Archive, deps.Archive, deps.Archive
	}

	p.store = series.NewStore(journal, logger)
	p.queue = scheduler.NewQueue(opts.Queue, logger)
	p.supervisor = scheduler.NewSupervisor(p.queue, opts.ReapInterval, opts.LivenessTimeout, logger)
	p.refresher = scheduler.NewRefresher(opts.Refresher, p.queue, deps.Catalog, pruner, logger)

	p.hub = fanout.NewHub(opts.Fanout, logger)

	p.router = handler.NewRouter(logger)
	p.router.Route(model.ChannelWebhook, handler.NewWebhookDispatcher(opts.Webhook, logger))
	if opts.SMTP.Host != "" {
		p.router.Route(model.ChannelEmail, handler.NewEmailDispatcher(opts.SMTP, logger))
	}
	if deps.JetStream != nil {
		p.router.Route(model.ChannelApp, handler.NewNATSDispatcher(deps.JetStream, opts.AwaitAppReports, logger))
	} else {
		// in-app alerts reach connected clients through the hub's alert push
		p.router.Route(model.ChannelApp, p.hub)
	}

	p.alerts = monitor.NewAlertEngine(opts.Alerts, p.store, p.router, recorder, logger)
	p.refresher.AddPruner(p.alerts)
	if deps.Archive != nil {
		p.alerts.SetRuleRecorder(deps.Archive)
	}
	p.trends = trend.NewEngine(p.store, opts.Trend, logger)
	p.pool = executor.NewPool(opts.Pool, p.queue, deps.Fetcher, deps.Catalog, p.store, logger)
	p.collector = monitor.NewMetricsCollector(deps.JetStream, opts.MetricsInterval, monitor.MetricsSources{
		Queue:       p.queue.Stats,
		Pool:        p.pool.Stats,
		Subscribers: p.hub.Clients,
	}, logger)

	p.store.Subscribe(p.alerts)
	p.store.Subscribe(p.hub)
	p.queue.Subscribe(p.hub)
	p.alerts.Subscribe(p.hub)
	if deps.Archive != nil {
		p.queue.Subscribe(deps.Archive)
	}

	if deps.JetStream != nil {
		if opts.Bridge.InstanceID == "" {
			opts.Bridge.InstanceID = opts.Pool.ID
		}
		p.bridge = NewBridge(deps.JetStream, opts.Bridge, p.alerts, p.hub, p.pool.Stats, logger)
		p.store.Subscribe(p.bridge)
		p.queue.Subscribe(p.bridge)
		p.alerts.Subscribe(p.bridge)
	}

	return p, nil
}

// Start restores the price series from the archive and starts every component
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}

	if err := p.restore(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	if p.bridge != nil {
		if err := p.bridge.Setup(); err != nil {
			cancel()
			return fmt.Errorf("failed to set up streams: %w", err)
		}
		if err := p.bridge.Start(ctx); err != nil {
			cancel()
			return err
		}
	}

	steps := []struct {
		name  string
		start func(context.Context) error
	}{
		{"alert engine", p.alerts.Start},
		{"supervisor", p.supervisor.Start},
		{"refresher", p.refresher.Start},
		{"worker pool", p.pool.Start},
		{"metrics collector", p.collector.Start},
	}
	for _, step := range steps {
		if err := step.start(ctx); err != nil {
			cancel()
			p.shutdown()
			return fmt.Errorf("failed to start %s: %w", step.name, err)
		}
	}

	p.cancel = cancel
	p.started = true
	p.logger.Info("Pipeline started")
	return nil
}

func (p *Pipeline) restore(ctx context.Context) error {
	if p.archive == nil {
		return nil
	}

	rules, err := p.archive.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore alert rules: %w", err)
	}
	p.logger.Info("Alert rules restored", zap.Int("rules", p.alerts.RestoreRules(rules)))

	points, err := p.archive.LoadPoints(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore price series: %w", err)
	}
	total := 0
	for productID, ps := range points {
		total += p.store.Restore(productID, ps)
	}
	p.logger.Info("Price series restored",
		zap.Int("products", len(points)),
		zap.Int("points", total))
	return nil
}

// Stop stops the workers first, then drains alert delivery and closes the fanout
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrNotStarted
	}
	p.shutdown()
	p.cancel()
	p.started = false
	p.logger.Info("Pipeline stopped")
	return nil
}

func (p *Pipeline) shutdown() {
	p.pool.Stop()
	p.refresher.Stop()
	p.supervisor.Stop()
	p.collector.Stop()
	p.alerts.Stop()
	p.queue.Close()
	if p.bridge != nil {
		p.bridge.Stop()
	}
	p.hub.Close()
}

// Enqueue schedules a scrape of the product
func (p *Pipeline) Enqueue(productID int64, priority int) (string, error) {
	return p.queue.Enqueue(productID, priority)
}

// EnqueueBatch schedules scrapes of several products at one priority
func (p *Pipeline) EnqueueBatch(productIDs []int64, priority int) ([]string, error) {
	return p.queue.EnqueueBatch(productIDs, priority)
}

// ExecuteNow makes a pending task immediately eligible
func (p *Pipeline) ExecuteNow(taskID string) (model.ScrapeTask, error) {
	return p.queue.ExecuteNow(taskID)
}

// Cancel cancels a pending or running task
func (p *Pipeline) Cancel(taskID string) error {
	return p.queue.Cancel(taskID)
}

// GetTask returns a tracked task
func (p *Pipeline) GetTask(taskID string) (model.ScrapeTask, error) {
	return p.queue.Get(taskID)
}

// ListTasks lists tracked tasks
func (p *Pipeline) ListTasks(filter scheduler.TaskFilter) []model.ScrapeTask {
	return p.queue.List(filter)
}

// TaskHistory lists archived tasks, including ones already pruned from the queue
func (p *Pipeline) TaskHistory(ctx context.Context, filter storage.HistoryFilter) ([]*storage.TaskHistory, error) {
	if p.archive == nil {
		return nil, ErrArchiveDisabled
	}
	return p.archive.ListTasks(ctx, filter)
}

// RefreshNow enqueues every catalog product immediately
func (p *Pipeline) RefreshNow(ctx context.Context) (int, error) {
	return p.refresher.RefreshNow(ctx)
}

// Jobs lists the periodic jobs
func (p *Pipeline) Jobs() []scheduler.JobInfo {
	return p.refresher.Jobs()
}

// RunningFetches lists the fetches in flight
func (p *Pipeline) RunningFetches() []executor.RunningTask {
	return p.pool.Running()
}

// Prices returns the points of a product with start <= timestamp < end
func (p *Pipeline) Prices(productID int64, start, end time.Time) []model.PricePoint {
	var points []model.PricePoint
	for point := range p.store.Range(productID, start, end) {
		points = append(points, point)
	}
	return points
}

// LatestPrice returns the most recent point of a product
func (p *Pipeline) LatestPrice(productID int64) (model.PricePoint, bool) {
	return p.store.Latest(productID)
}

// RecordPrice appends an externally observed price as if a worker fetched it
func (p *Pipeline) RecordPrice(ctx context.Context, productID int64, point model.PricePoint) error {
	return p.store.Append(ctx, productID, point)
}

// Trend computes the trend of a product's series
func (p *Pipeline) Trend(ctx context.Context, productID int64, params trend.Params) (trend.Result, error) {
	return p.trends.Compute(ctx, productID, params)
}

// CreateRule registers an alert rule
func (p *Pipeline) CreateRule(rule model.AlertRule) (model.AlertRule, error) {
	return p.alerts.CreateRule(rule)
}

// GetRule returns a rule
func (p *Pipeline) GetRule(id string) (model.AlertRule, error) {
	return p.alerts.GetRule(id)
}

// ListRules lists rules
func (p *Pipeline) ListRules(filter monitor.RuleFilter) []model.AlertRule {
	return p.alerts.ListRules(filter)
}

// UpdateRule replaces the editable fields of a rule
func (p *Pipeline) UpdateRule(rule model.AlertRule) (model.AlertRule, error) {
	return p.alerts.UpdateRule(rule)
}

// PauseRule stops a rule from firing; its cooldown is kept
func (p *Pipeline) PauseRule(id string) (model.AlertRule, error) {
	return p.alerts.UpdateStatus(id, model.RuleStatusPaused)
}

// ResumeRule reactivates a paused rule
func (p *Pipeline) ResumeRule(id string) (model.AlertRule, error) {
	return p.alerts.UpdateStatus(id, model.RuleStatusActive)
}

// DeleteRule soft-deletes a rule
func (p *Pipeline) DeleteRule(id string) error {
	return p.alerts.DeleteRule(id)
}

// GetEvent returns an alert event
func (p *Pipeline) GetEvent(id string) (model.AlertEvent, error) {
	return p.alerts.GetEvent(id)
}

// ListEvents lists alert events held in memory
func (p *Pipeline) ListEvents(filter monitor.EventFilter) []model.AlertEvent {
	return p.alerts.ListEvents(filter)
}

// EventHistory lists archived alert events
func (p *Pipeline) EventHistory(ctx context.Context, filter storage.EventFilter) ([]model.AlertEvent, error) {
	if p.archive == nil {
		return nil, ErrArchiveDisabled
	}
	return p.archive.ListEvents(ctx, filter)
}

// ReportDelivery records the outcome of an externally dispatched alert
func (p *Pipeline) ReportDelivery(ctx context.Context, receipt model.DeliveryReceipt) error {
	return p.alerts.ReportDelivery(ctx, receipt)
}

// AlertMetrics summarizes alerting activity of a user since a point in time
func (p *Pipeline) AlertMetrics(userID int64, since time.Time) model.AlertMetrics {
	return p.alerts.Metrics(userID, since)
}

// Subscribe registers realtime price subscriptions of a connection
func (p *Pipeline) Subscribe(conn fanout.Conn, productIDs []int64) []int64 {
	return p.hub.Subscribe(conn, productIDs)
}

// Unsubscribe removes realtime price subscriptions of a connection
func (p *Pipeline) Unsubscribe(conn fanout.Conn, productIDs []int64) []int64 {
	return p.hub.Unsubscribe(conn, productIDs)
}

// HandleMessage processes a raw message from a realtime connection
func (p *Pipeline) HandleMessage(conn fanout.Conn, raw []byte) {
	p.hub.HandleMessage(conn, raw)
}

// Disconnect drops a realtime connection
func (p *Pipeline) Disconnect(connID string) {
	p.hub.Disconnect(connID)
}

// Metrics returns a fresh pipeline snapshot
func (p *Pipeline) Metrics() model.PipelineMetrics {
	return p.collector.Collect()
}
