package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/pricewatch/internal/model"
	"github.com/t77yq/pricewatch/internal/series"
)

// Dispatcher delivers an alert event to its channel
type Dispatcher interface {
	Deliver(ctx context.Context, event model.AlertEvent) (model.DeliveryReceipt, error)
}

// EventRecorder persists alert events and their delivery outcome
type EventRecorder interface {
	RecordEvent(ctx context.Context, event model.AlertEvent) error
	RecordDelivery(ctx context.Context, receipt model.DeliveryReceipt) error
}

// RuleRecorder persists alert rules so they survive a restart
type RuleRecorder interface {
	SaveRule(ctx context.Context, rule model.AlertRule) error
	RecordFired(ctx context.Context, ruleID string, firedAt time.Time) error
}

// EventListener is told about every emitted alert event
type EventListener interface {
	OnAlert(event model.AlertEvent)
}

// Config holds the alert engine settings
type Config struct {
	EvalWorkers            int
	QueueSize              int
	DispatchWorkers        int
	DispatchTimeout        time.Duration
	DefaultCooldownMinutes int
	AnomalyWindow          int
	AnomalyMinSamples      int
	AnomalyK               float64
}

func (c *Config) applyDefaults() {
	if c.EvalWorkers <= 0 {
		c.EvalWorkers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = 2
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 10 * time.Second
	}
	if c.AnomalyWindow <= 0 {
		c.AnomalyWindow = 30
	}
	if c.AnomalyMinSamples <= 0 {
		c.AnomalyMinSamples = 10
	}
	if c.AnomalyK <= 0 {
		c.AnomalyK = 3
	}
}

// RuleFilter selects rules in ListRules. Zero values match everything.
type RuleFilter struct {
	UserID         int64
	ProductID      int64
	Status         model.RuleStatus
	IncludeDeleted bool
}

// EventFilter selects events in ListEvents. Zero values match everything.
type EventFilter struct {
	UserID    int64
	ProductID int64
	RuleID    string
	Status    model.DeliveryStatus
	Since     time.Time
	Limit     int
}

type evalJob struct {
	productID int64
	point     model.PricePoint
	prev      *model.PricePoint
}

// AlertEngine evaluates alert rules against every new price point and hands
// fired events to the dispatcher
type AlertEngine struct {
	logger     *zap.Logger
	cfg        Config
	store      series.Reader
	dispatcher Dispatcher
	recorder   EventRecorder
	rulesRec   RuleRecorder
	now        func() time.Time

	mu        sync.RWMutex
	rules     map[string]*model.AlertRule
	byProduct map[int64]map[string]struct{}
	events    map[string]*model.AlertEvent
	order     []string
	listeners []EventListener

	lifecycle  sync.RWMutex
	running    bool
	stopping   bool
	evalQueues []chan evalJob
	dispatchCh chan model.AlertEvent
	evalWG     sync.WaitGroup
	dispatchWG sync.WaitGroup
}

// NewAlertEngine creates a new alert engine. dispatcher and recorder may be nil;
// events then stay pending until ReportDelivery is called.
func NewAlertEngine(cfg Config, store series.Reader, dispatcher Dispatcher, recorder EventRecorder, logger *zap.Logger) *AlertEngine {
	cfg.applyDefaults()
	return &AlertEngine{
		logger:     logger.Named("alert-engine"),
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		recorder:   recorder,
		now:        func() time.Time { return time.Now().UTC() },
		rules:      make(map[string]*model.AlertRule),
		byProduct:  make(map[int64]map[string]struct{}),
		events:     make(map[string]*model.AlertEvent),
	}
}

// SetRuleRecorder persists rule changes and firings through r. Call it before
// the engine is used.
func (e *AlertEngine) SetRuleRecorder(r RuleRecorder) {
	e.rulesRec = r
}

// RestoreRules loads previously persisted rules, keeping their IDs, status and
// last firing time. Rules already registered are left untouched.
func (e *AlertEngine) RestoreRules(rules []model.AlertRule) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	restored := 0
	for _, rule := range rules {
		if _, ok := e.rules[rule.ID]; ok || rule.ID == "" {
			continue
		}
		stored := rule
		e.rules[rule.ID] = &stored
		restored++
		if rule.Status == model.RuleStatusDeleted {
			continue
		}
		ids, ok := e.byProduct[rule.ProductID]
		if !ok {
			ids = make(map[string]struct{})
			e.byProduct[rule.ProductID] = ids
		}
		ids[rule.ID] = struct{}{}
	}
	return restored
}

func (e *AlertEngine) saveRule(rule model.AlertRule) {
	if e.rulesRec == nil {
		return
	}
	if err := e.rulesRec.SaveRule(context.Background(), rule); err != nil {
		e.logger.Error("Failed to persist alert rule",
			zap.String("rule_id", rule.ID),
			zap.Error(err))
	}
}

// Subscribe registers a listener for emitted events
func (e *AlertEngine) Subscribe(l EventListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Start starts the evaluation and dispatch workers. Until Start is called,
// appends are evaluated inline.
func (e *AlertEngine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.running {
		return nil
	}

	e.evalQueues = make([]chan evalJob, e.cfg.EvalWorkers)
	for i := range e.evalQueues {
		q := make(chan evalJob, e.cfg.QueueSize)
		e.evalQueues[i] = q
		e.evalWG.Add(1)
		go e.evalLoop(q)
	}

	e.dispatchCh = make(chan model.AlertEvent, e.cfg.QueueSize)
	for i := 0; i < e.cfg.DispatchWorkers; i++ {
		e.dispatchWG.Add(1)
		go e.dispatchLoop(ctx)
	}

	e.running = true
	e.stopping = false
	e.logger.Info("Alert engine started",
		zap.Int("eval_workers", e.cfg.EvalWorkers),
		zap.Int("dispatch_workers", e.cfg.DispatchWorkers))
	return nil
}

// Stop drains queued evaluations and deliveries, then stops the workers
func (e *AlertEngine) Stop() {
	e.lifecycle.Lock()
	if !e.running {
		e.lifecycle.Unlock()
		return
	}
	e.running = false
	e.stopping = true
	for _, q := range e.evalQueues {
		close(q)
	}
	e.lifecycle.Unlock()

	e.evalWG.Wait()
	close(e.dispatchCh)
	e.dispatchWG.Wait()
	e.logger.Info("Alert engine stopped")
}

// OnAppend implements series.Observer. Evaluation is sharded by product so
// points of one product are evaluated in order.
func (e *AlertEngine) OnAppend(productID int64, point model.PricePoint, prev *model.PricePoint) {
	job := evalJob{productID: productID, point: point, prev: prev}

	e.lifecycle.RLock()
	if e.running {
		q := e.evalQueues[shard(productID, len(e.evalQueues))]
		select {
		case q <- job:
			e.lifecycle.RUnlock()
			return
		default:
			e.logger.Warn("Evaluation queue full, evaluating inline",
				zap.Int64("product_id", productID))
		}
	}
	e.lifecycle.RUnlock()

	e.evaluateProduct(job)
}

func shard(productID int64, n int) int {
	if productID < 0 {
		productID = -productID
	}
	return int(productID % int64(n))
}

func (e *AlertEngine) evalLoop(q <-chan evalJob) {
	defer e.evalWG.Done()
	for job := range q {
		e.evaluateProduct(job)
	}
}

func (e *AlertEngine) dispatchLoop(ctx context.Context) {
	defer e.dispatchWG.Done()
	for event := range e.dispatchCh {
		e.deliver(ctx, event)
	}
}

// activeRules returns snapshots of the active rules bound to a product
func (e *AlertEngine) activeRules(productID int64) []model.AlertRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := e.byProduct[productID]
	rules := make([]model.AlertRule, 0, len(ids))
	for id := range ids {
		if r := e.rules[id]; r != nil && r.Status == model.RuleStatusActive {
			rules = append(rules, *r)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].CreatedAt.Before(rules[j].CreatedAt) })
	return rules
}

func (e *AlertEngine) evaluateProduct(job evalJob) {
	rules := e.activeRules(job.productID)
	if len(rules) == 0 {
		return
	}

	ec := evalContext{
		productID: job.productID,
		point:     job.point,
		prev:      job.prev,
		history: func(n int) []model.PricePoint {
			return e.store.Before(job.productID, job.point.Timestamp, n)
		},
	}

	for i := range rules {
		rule := &rules[i]
		fired, reason, err := e.safeEvaluate(rule, ec)
		if err != nil {
			e.logger.Warn("Rule evaluation failed, skipping",
				zap.String("rule_id", rule.ID),
				zap.Int64("product_id", job.productID),
				zap.String("rule_type", string(rule.Type)),
				zap.Error(err))
			continue
		}
		if !fired {
			continue
		}
		e.fire(rule.ID, job.point, reason)
	}
}

// safeEvaluate turns a panicking rule into an evaluation error
func (e *AlertEngine) safeEvaluate(rule *model.AlertRule, ec evalContext) (fired bool, reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			fired = false
			err = fmt.Errorf("%w: panic: %v", ErrRuleEvaluation, r)
		}
	}()
	return e.evaluate(rule, ec)
}

// fire checks and sets the cooldown atomically, then emits the event
func (e *AlertEngine) fire(ruleID string, point model.PricePoint, reason string) {
	now := e.now()

	e.mu.Lock()
	rule, ok := e.rules[ruleID]
	if !ok || rule.Status != model.RuleStatusActive {
		e.mu.Unlock()
		return
	}
	if rule.LastFiredAt != nil && now.Sub(*rule.LastFiredAt) < rule.Cooldown() {
		e.mu.Unlock()
		e.logger.Debug("Alert suppressed by cooldown",
			zap.String("rule_id", ruleID),
			zap.Time("last_fired_at", *rule.LastFiredAt))
		return
	}
	firedAt := now
	rule.LastFiredAt = &firedAt

	event := &model.AlertEvent{
		ID:             uuid.New().String(),
		RuleID:         rule.ID,
		UserID:         rule.UserID,
		ProductID:      rule.ProductID,
		RuleType:       rule.Type,
		Channel:        rule.Channel,
		Target:         rule.Target,
		Price:          point.Price,
		Currency:       point.Currency,
		Message:        fmt.Sprintf("Product %d: %s", rule.ProductID, reason),
		TriggeredAt:    now,
		DeliveryStatus: model.DeliveryPending,
	}
	e.events[event.ID] = event
	e.order = append(e.order, event.ID)
	snapshot := *event
	listeners := e.listeners
	e.mu.Unlock()

	if e.rulesRec != nil {
		if err := e.rulesRec.RecordFired(context.Background(), ruleID, firedAt); err != nil {
			e.logger.Error("Failed to persist rule firing",
				zap.String("rule_id", ruleID),
				zap.Error(err))
		}
	}

	e.logger.Info("Alert fired",
		zap.String("event_id", snapshot.ID),
		zap.String("rule_id", snapshot.RuleID),
		zap.Int64("product_id", snapshot.ProductID),
		zap.String("rule_type", string(snapshot.RuleType)),
		zap.String("price", snapshot.Price.String()))

	if e.recorder != nil {
		if err := e.recorder.RecordEvent(context.Background(), snapshot); err != nil {
			e.logger.Error("Failed to record alert event",
				zap.String("event_id", snapshot.ID),
				zap.Error(err))
		}
	}

	for _, l := range listeners {
		l.OnAlert(snapshot)
	}

	e.enqueueDispatch(snapshot)
}

func (e *AlertEngine) enqueueDispatch(event model.AlertEvent) {
	if e.dispatcher == nil {
		return
	}

	e.lifecycle.RLock()
	if e.stopping {
		e.lifecycle.RUnlock()
		// Stop is draining the dispatch group and must not see new members
		e.deliver(context.Background(), event)
		return
	}
	if e.running {
		select {
		case e.dispatchCh <- event:
			e.lifecycle.RUnlock()
			return
		default:
		}
	}
	// Not started or backlogged: deliver on a goroutine tracked by the dispatch
	// group. Add happens under the read lock so it is ordered before Stop.
	e.dispatchWG.Add(1)
	e.lifecycle.RUnlock()
	go func() {
		defer e.dispatchWG.Done()
		e.deliver(context.Background(), event)
	}()
}

func (e *AlertEngine) deliver(ctx context.Context, event model.AlertEvent) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
	defer cancel()

	receipt, err := e.dispatcher.Deliver(ctx, event)
	if err != nil {
		receipt = model.DeliveryReceipt{
			EventID:     event.ID,
			Status:      model.DeliveryFailed,
			Error:       err.Error(),
			DeliveredAt: e.now(),
		}
	}
	if receipt.EventID == "" {
		receipt.EventID = event.ID
	}
	if receipt.Status == "" {
		receipt.Status = model.DeliverySent
	}
	if receipt.Status == model.DeliveryPending {
		// handed off to an external dispatcher that reports back later
		return
	}

	if err := e.ReportDelivery(context.Background(), receipt); err != nil {
		e.logger.Error("Failed to record delivery",
			zap.String("event_id", event.ID),
			zap.Error(err))
	}
}

// ReportDelivery records the outcome of a delivery attempt
func (e *AlertEngine) ReportDelivery(ctx context.Context, receipt model.DeliveryReceipt) error {
	if receipt.Status != model.DeliverySent && receipt.Status != model.DeliveryFailed {
		return fmt.Errorf("unexpected delivery status %q", receipt.Status)
	}
	if receipt.DeliveredAt.IsZero() {
		receipt.DeliveredAt = e.now()
	}

	e.mu.Lock()
	event, ok := e.events[receipt.EventID]
	if !ok {
		e.mu.Unlock()
		return ErrEventNotFound
	}
	event.DeliveryStatus = receipt.Status
	event.Error = receipt.Error
	delivered := receipt.DeliveredAt
	event.DeliveredAt = &delivered
	e.mu.Unlock()

	if receipt.Status == model.DeliveryFailed {
		e.logger.Warn("Alert delivery failed",
			zap.String("event_id", receipt.EventID),
			zap.String("error", receipt.Error))
	} else {
		e.logger.Info("Alert delivered", zap.String("event_id", receipt.EventID))
	}

	if e.recorder != nil {
		if err := e.recorder.RecordDelivery(ctx, receipt); err != nil {
			return fmt.Errorf("failed to record delivery: %w", err)
		}
	}
	return nil
}

// CreateRule validates and registers a new active rule
func (e *AlertEngine) CreateRule(rule model.AlertRule) (model.AlertRule, error) {
	if rule.Channel == "" {
		rule.Channel = model.ChannelApp
	}
	if rule.CooldownMinutes == 0 {
		rule.CooldownMinutes = e.cfg.DefaultCooldownMinutes
	}
	if err := validateRule(&rule); err != nil {
		return model.AlertRule{}, err
	}

	now := e.now()
	rule.ID = uuid.New().String()
	rule.Status = model.RuleStatusActive
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.LastFiredAt = nil
	rule.DeletedAt = nil

	if e.rulesRec != nil {
		if err := e.rulesRec.SaveRule(context.Background(), rule); err != nil {
			return model.AlertRule{}, err
		}
	}

	e.mu.Lock()
	stored := rule
	e.rules[rule.ID] = &stored
	ids, ok := e.byProduct[rule.ProductID]
	if !ok {
		ids = make(map[string]struct{})
		e.byProduct[rule.ProductID] = ids
	}
	ids[rule.ID] = struct{}{}
	e.mu.Unlock()

	e.logger.Info("Alert rule created",
		zap.String("rule_id", rule.ID),
		zap.Int64("user_id", rule.UserID),
		zap.Int64("product_id", rule.ProductID),
		zap.String("rule_type", string(rule.Type)))
	return rule, nil
}

// GetRule returns a rule by ID, including soft-deleted rules
func (e *AlertEngine) GetRule(id string) (model.AlertRule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rule, ok := e.rules[id]
	if !ok {
		return model.AlertRule{}, ErrRuleNotFound
	}
	return *rule, nil
}

// ListRules returns matching rules in creation order
func (e *AlertEngine) ListRules(filter RuleFilter) []model.AlertRule {
	e.mu.RLock()
	out := make([]model.AlertRule, 0, len(e.rules))
	for _, rule := range e.rules {
		if filter.UserID != 0 && rule.UserID != filter.UserID {
			continue
		}
		if filter.ProductID != 0 && rule.ProductID != filter.ProductID {
			continue
		}
		if filter.Status != "" && rule.Status != filter.Status {
			continue
		}
		if rule.Status == model.RuleStatusDeleted && !filter.IncludeDeleted && filter.Status != model.RuleStatusDeleted {
			continue
		}
		out = append(out, *rule)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UpdateRule replaces the condition and delivery settings of a rule. Identity,
// status and cooldown state are kept.
func (e *AlertEngine) UpdateRule(rule model.AlertRule) (model.AlertRule, error) {
	e.mu.Lock()
	current, ok := e.rules[rule.ID]
	if !ok || current.Status == model.RuleStatusDeleted {
		e.mu.Unlock()
		return model.AlertRule{}, ErrRuleNotFound
	}

	updated := *current
	if rule.Type != "" {
		updated.Type = rule.Type
	}
	updated.Threshold = rule.Threshold
	updated.Percent = rule.Percent
	updated.Direction = rule.Direction
	updated.CooldownMinutes = rule.CooldownMinutes
	if rule.Channel != "" {
		updated.Channel = rule.Channel
	}
	updated.Target = rule.Target
	if err := validateRule(&updated); err != nil {
		e.mu.Unlock()
		return model.AlertRule{}, err
	}
	updated.UpdatedAt = e.now()
	*current = updated
	e.mu.Unlock()

	e.saveRule(updated)
	e.logger.Info("Alert rule updated", zap.String("rule_id", rule.ID))
	return updated, nil
}

// UpdateStatus pauses or resumes a rule. last_fired_at survives both, so a
// resumed rule still honours the cooldown of its last firing.
func (e *AlertEngine) UpdateStatus(id string, status model.RuleStatus) (model.AlertRule, error) {
	if status != model.RuleStatusActive && status != model.RuleStatusPaused {
		return model.AlertRule{}, fmt.Errorf("%w: cannot set status %q", ErrInvalidRule, status)
	}

	e.mu.Lock()
	rule, ok := e.rules[id]
	if !ok || rule.Status == model.RuleStatusDeleted {
		e.mu.Unlock()
		return model.AlertRule{}, ErrRuleNotFound
	}
	rule.Status = status
	rule.UpdatedAt = e.now()
	updated := *rule
	e.mu.Unlock()

	e.saveRule(updated)
	e.logger.Info("Alert rule status changed",
		zap.String("rule_id", id),
		zap.String("status", string(status)))
	return updated, nil
}

// DeleteRule soft-deletes a rule. Its events stay queryable.
func (e *AlertEngine) DeleteRule(id string) error {
	e.mu.Lock()
	rule, ok := e.rules[id]
	if !ok || rule.Status == model.RuleStatusDeleted {
		e.mu.Unlock()
		return ErrRuleNotFound
	}
	now := e.now()
	rule.Status = model.RuleStatusDeleted
	rule.DeletedAt = &now
	rule.UpdatedAt = now
	if ids := e.byProduct[rule.ProductID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(e.byProduct, rule.ProductID)
		}
	}
	deleted := *rule
	e.mu.Unlock()

	e.saveRule(deleted)
	e.logger.Info("Alert rule deleted", zap.String("rule_id", id))
	return nil
}

// PruneBefore drops delivered or failed events triggered before the cutoff
// from memory. Pending events are kept so late delivery reports still apply.
func (e *AlertEngine) PruneBefore(_ context.Context, before time.Time) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.order[:0]
	var removed int64
	for _, id := range e.order {
		event := e.events[id]
		if event.DeliveryStatus != model.DeliveryPending && event.TriggeredAt.Before(before) {
			delete(e.events, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	for i := len(kept); i < len(e.order); i++ {
		e.order[i] = ""
	}
	e.order = kept

	if removed > 0 {
		e.logger.Info("Pruned alert events",
			zap.Time("before", before),
			zap.Int64("removed", removed))
	}
	return removed, nil
}

// GetEvent returns an event by ID
func (e *AlertEngine) GetEvent(id string) (model.AlertEvent, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	event, ok := e.events[id]
	if !ok {
		return model.AlertEvent{}, ErrEventNotFound
	}
	return *event, nil
}

// ListEvents returns matching events, newest first
func (e *AlertEngine) ListEvents(filter EventFilter) []model.AlertEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []model.AlertEvent
	for i := len(e.order) - 1; i >= 0; i-- {
		event := e.events[e.order[i]]
		if !filter.matches(event) {
			continue
		}
		out = append(out, *event)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

func (f EventFilter) matches(event *model.AlertEvent) bool {
	if f.UserID != 0 && event.UserID != f.UserID {
		return false
	}
	if f.ProductID != 0 && event.ProductID != f.ProductID {
		return false
	}
	if f.RuleID != "" && event.RuleID != f.RuleID {
		return false
	}
	if f.Status != "" && event.DeliveryStatus != f.Status {
		return false
	}
	if !f.Since.IsZero() && event.TriggeredAt.Before(f.Since) {
		return false
	}
	return true
}

// Metrics summarizes rules and events of a user since the given time. A zero
// userID covers all users.
func (e *AlertEngine) Metrics(userID int64, since time.Time) model.AlertMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var m model.AlertMetrics
	for _, rule := range e.rules {
		if rule.Status == model.RuleStatusDeleted {
			continue
		}
		if userID == 0 || rule.UserID == userID {
			m.TotalRules++
		}
	}

	var total time.Duration
	var timed int
	filter := EventFilter{UserID: userID, Since: since}
	for _, event := range e.events {
		if !filter.matches(event) {
			continue
		}
		m.TriggeredEvents++
		switch event.DeliveryStatus {
		case model.DeliverySent:
			m.SentEvents++
			if event.DeliveredAt != nil {
				total += event.DeliveredAt.Sub(event.TriggeredAt)
				timed++
			}
		case model.DeliveryFailed:
			m.FailedEvents++
		}
	}

	if m.TriggeredEvents > 0 {
		m.SuccessRate = float64(m.SentEvents) / float64(m.TriggeredEvents) * 100
	}
	if timed > 0 {
		m.AverageDeliveryTime = total / time.Duration(timed)
	}
	return m
}
