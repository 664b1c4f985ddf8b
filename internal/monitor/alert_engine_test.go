package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/pricewatch/internal/model"
	"github.com/t77yq/pricewatch/internal/series"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func f64(v float64) *float64 { return &v }

func price(offset time.Duration, p string) model.PricePoint {
	return model.PricePoint{Timestamp: t0.Add(offset), Price: decimal.RequireFromString(p), Currency: "CNY"}
}

type fakeDispatcher struct {
	mu     sync.Mutex
	events []model.AlertEvent
	err    error
}

func (d *fakeDispatcher) Deliver(_ context.Context, event model.AlertEvent) (model.DeliveryReceipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	if d.err != nil {
		return model.DeliveryReceipt{}, d.err
	}
	return model.DeliveryReceipt{EventID: event.ID, Status: model.DeliverySent, DeliveredAt: event.TriggeredAt.Add(2 * time.Second)}, nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

type eventCollector struct {
	mu     sync.Mutex
	events []model.AlertEvent
}

func (c *eventCollector) OnAlert(event model.AlertEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *eventCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

type engineFixture struct {
	store     *series.Store
	engine    *AlertEngine
	collector *eventCollector
	clock     time.Time
	clockMu   sync.Mutex
}

func (f *engineFixture) advance(d time.Duration) {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	f.clock = f.clock.Add(d)
}

func newFixture(t *testing.T, dispatcher Dispatcher) *engineFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &engineFixture{
		store:     series.NewStore(nil, logger),
		collector: &eventCollector{},
		clock:     t0,
	}
	f.engine = NewAlertEngine(Config{}, f.store, dispatcher, nil, logger)
	f.engine.now = func() time.Time {
		f.clockMu.Lock()
		defer f.clockMu.Unlock()
		return f.clock
	}
	f.engine.Subscribe(f.collector)
	f.store.Subscribe(f.engine)
	return f
}

func (f *engineFixture) append(t *testing.T, productID int64, p model.PricePoint) {
	t.Helper()
	require.NoError(t, f.store.Append(context.Background(), productID, p))
}

func TestPriceDropFiresOnceOnCrossing(t *testing.T) {
	f := newFixture(t, nil)

	rule, err := f.engine.CreateRule(model.AlertRule{
		UserID:          1,
		ProductID:       123,
		Type:            model.RuleTypePriceDrop,
		Threshold:       f64(95),
		CooldownMinutes: 60,
	})
	require.NoError(t, err)
	assert.Equal(t, model.ChannelApp, rule.Channel)
	assert.Equal(t, model.RuleStatusActive, rule.Status)

	f.append(t, 123, price(0, "100"))
	f.append(t, 123, price(time.Minute, "90"))
	f.append(t, 123, price(2*time.Minute, "80"))

	events := f.engine.ListEvents(EventFilter{RuleID: rule.ID})
	require.Len(t, events, 1)
	assert.True(t, events[0].Price.Equal(decimal.NewFromInt(90)))
	assert.Equal(t, model.DeliveryPending, events[0].DeliveryStatus)
	assert.Contains(t, events[0].Message, "dropped below 95")
	assert.Equal(t, 1, f.collector.count())

	stored, err := f.engine.GetRule(rule.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastFiredAt)
}

func TestCooldownSuppressesRepeatedFiring(t *testing.T) {
	f := newFixture(t, nil)

	rule, err := f.engine.CreateRule(model.AlertRule{
		ProductID:       5,
		Type:            model.RuleTypePriceThreshold,
		Threshold:       f64(50),
		CooldownMinutes: 30,
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		f.append(t, 5, price(time.Duration(i)*time.Minute, "40"))
		f.advance(time.Minute)
	}
	assert.Len(t, f.engine.ListEvents(EventFilter{RuleID: rule.ID}), 1)

	f.advance(30 * time.Minute)
	f.append(t, 5, price(time.Hour, "41"))
	assert.Len(t, f.engine.ListEvents(EventFilter{RuleID: rule.ID}), 2)
}

func TestEvaluateRuleTypes(t *testing.T) {
	e := NewAlertEngine(Config{}, series.NewStore(nil, zaptest.NewLogger(t)), nil, nil, zaptest.NewLogger(t))

	prev := price(0, "100")
	at := func(p string) evalContext {
		return evalContext{productID: 1, point: price(time.Minute, p), prev: &prev,
			history: func(int) []model.PricePoint { return nil }}
	}
	first := evalContext{productID: 1, point: price(0, "10"),
		history: func(int) []model.PricePoint { return nil }}

	cases := []struct {
		name  string
		rule  model.AlertRule
		ec    evalContext
		fires bool
	}{
		{"drop below threshold", model.AlertRule{Type: model.RuleTypePriceDrop, Threshold: f64(95)}, at("94.99"), true},
		{"drop to threshold", model.AlertRule{Type: model.RuleTypePriceDrop, Threshold: f64(95)}, at("95"), false},
		{"drop without previous", model.AlertRule{Type: model.RuleTypePriceDrop, Threshold: f64(95)}, first, false},
		{"drop by percent", model.AlertRule{Type: model.RuleTypePriceDrop, Percent: f64(10)}, at("90"), true},
		{"drop by less than percent", model.AlertRule{Type: model.RuleTypePriceDrop, Percent: f64(10)}, at("91"), false},
		{"rise above threshold", model.AlertRule{Type: model.RuleTypePriceRise, Threshold: f64(105)}, at("106"), true},
		{"rise below threshold", model.AlertRule{Type: model.RuleTypePriceRise, Threshold: f64(105)}, at("104"), false},
		{"rise by percent", model.AlertRule{Type: model.RuleTypePriceRise, Percent: f64(5)}, at("105"), true},
		{"threshold below", model.AlertRule{Type: model.RuleTypePriceThreshold, Threshold: f64(100)}, at("100"), true},
		{"threshold below not reached", model.AlertRule{Type: model.RuleTypePriceThreshold, Threshold: f64(99)}, at("100"), false},
		{"threshold above", model.AlertRule{Type: model.RuleTypePriceThreshold, Threshold: f64(100), Direction: model.DirectionAbove}, at("101"), true},
		{"threshold above first point", model.AlertRule{Type: model.RuleTypePriceThreshold, Threshold: f64(5), Direction: model.DirectionAbove}, first, true},
		{"percent change down", model.AlertRule{Type: model.RuleTypePercentChange, Percent: f64(5)}, at("95"), true},
		{"percent change up", model.AlertRule{Type: model.RuleTypePercentChange, Percent: f64(5)}, at("105.5"), true},
		{"percent change small", model.AlertRule{Type: model.RuleTypePercentChange, Percent: f64(5)}, at("96"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fired, reason, err := e.evaluate(&tc.rule, tc.ec)
			require.NoError(t, err)
			assert.Equal(t, tc.fires, fired)
			if fired {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	e := NewAlertEngine(Config{}, series.NewStore(nil, zaptest.NewLogger(t)), nil, nil, zaptest.NewLogger(t))

	zero := price(0, "0")
	ec := evalContext{point: price(time.Minute, "10"), prev: &zero,
		history: func(int) []model.PricePoint { return nil }}

	_, _, err := e.evaluate(&model.AlertRule{Type: model.RuleTypePercentChange, Percent: f64(5)}, ec)
	assert.ErrorIs(t, err, ErrRuleEvaluation)

	_, _, err = e.evaluate(&model.AlertRule{Type: model.RuleTypePriceThreshold}, ec)
	assert.ErrorIs(t, err, ErrRuleEvaluation)

	_, _, err = e.evaluate(&model.AlertRule{Type: "bogus"}, ec)
	assert.ErrorIs(t, err, ErrRuleEvaluation)
}

func TestBrokenRuleDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, nil)

	good, err := f.engine.CreateRule(model.AlertRule{
		ProductID:       9,
		Type:            model.RuleTypePriceThreshold,
		Threshold:       f64(10),
		CooldownMinutes: 60,
	})
	require.NoError(t, err)

	// Corrupt rule registered behind validation's back
	f.engine.mu.Lock()
	f.engine.rules["broken"] = &model.AlertRule{ID: "broken", ProductID: 9, Type: model.RuleTypePercentChange, Status: model.RuleStatusActive, CreatedAt: t0.Add(-time.Hour)}
	f.engine.byProduct[9]["broken"] = struct{}{}
	f.engine.mu.Unlock()

	f.append(t, 9, price(0, "5"))
	f.append(t, 9, price(time.Minute, "4"))

	events := f.engine.ListEvents(EventFilter{ProductID: 9})
	require.Len(t, events, 1)
	assert.Equal(t, good.ID, events[0].RuleID)
}

func TestEvaluateAnomaly(t *testing.T) {
	e := NewAlertEngine(Config{}, series.NewStore(nil, zaptest.NewLogger(t)), nil, nil, zaptest.NewLogger(t))

	alternating := func(n int) func(int) []model.PricePoint {
		return func(int) []model.PricePoint {
			out := make([]model.PricePoint, n)
			for i := range out {
				p := "100"
				if i%2 == 1 {
					p = "102"
				}
				out[i] = price(time.Duration(i)*time.Hour, p)
			}
			return out
		}
	}
	flat := func(int) []model.PricePoint {
		out := make([]model.PricePoint, 12)
		for i := range out {
			out[i] = price(time.Duration(i)*time.Hour, "100")
		}
		return out
	}

	cases := []struct {
		name    string
		rule    model.AlertRule
		history func(int) []model.PricePoint
		price   string
		fires   bool
	}{
		{"too few samples", model.AlertRule{}, alternating(9), "1000", false},
		{"within band", model.AlertRule{}, alternating(12), "101.5", false},
		{"outlier", model.AlertRule{}, alternating(12), "130", true},
		{"below default k", model.AlertRule{}, alternating(12), "104", false},
		{"custom k", model.AlertRule{Threshold: f64(2)}, alternating(12), "104", true},
		{"flat history", model.AlertRule{}, flat, "500", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.rule.Type = model.RuleTypeAnomaly
			ec := evalContext{point: price(24*time.Hour, tc.price), history: tc.history}
			fired, _, err := e.evaluate(&tc.rule, ec)
			require.NoError(t, err)
			assert.Equal(t, tc.fires, fired)
		})
	}
}

func TestAnomalyRuleUsesStoredHistory(t *testing.T) {
	f := newFixture(t, nil)

	rule, err := f.engine.CreateRule(model.AlertRule{ProductID: 3, Type: model.RuleTypeAnomaly})
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		p := "100"
		if i%2 == 1 {
			p = "102"
		}
		f.append(t, 3, price(time.Duration(i)*time.Hour, p))
	}
	assert.Empty(t, f.engine.ListEvents(EventFilter{RuleID: rule.ID}))

	f.append(t, 3, price(12*time.Hour, "130"))
	events := f.engine.ListEvents(EventFilter{RuleID: rule.ID})
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Message, "standard deviations")
}

func TestConcurrentFiringIsAtomic(t *testing.T) {
	f := newFixture(t, nil)

	rule, err := f.engine.CreateRule(model.AlertRule{
		ProductID:       1,
		Type:            model.RuleTypePriceThreshold,
		Threshold:       f64(100),
		CooldownMinutes: 10,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.engine.fire(rule.ID, price(0, "50"), "test")
		}()
	}
	wg.Wait()

	assert.Len(t, f.engine.ListEvents(EventFilter{}), 1)
}

func TestDispatchUpdatesDeliveryStatus(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	f := newFixture(t, dispatcher)
	require.NoError(t, f.engine.Start(context.Background()))
	defer f.engine.Stop()

	rule, err := f.engine.CreateRule(model.AlertRule{
		UserID:    7,
		ProductID: 11,
		Type:      model.RuleTypePriceThreshold,
		Threshold: f64(100),
		Channel:   model.ChannelWebhook,
		Target:    "https://hooks.example.com/a",
	})
	require.NoError(t, err)

	f.append(t, 11, price(0, "99"))

	require.Eventually(t, func() bool {
		events := f.engine.ListEvents(EventFilter{RuleID: rule.ID, Status: model.DeliverySent})
		return len(events) == 1
	}, time.Second, 10*time.Millisecond)

	event := f.engine.ListEvents(EventFilter{RuleID: rule.ID})[0]
	require.NotNil(t, event.DeliveredAt)
	assert.Equal(t, "https://hooks.example.com/a", event.Target)

	metrics := f.engine.Metrics(7, time.Time{})
	assert.Equal(t, 1, metrics.TotalRules)
	assert.Equal(t, 1, metrics.TriggeredEvents)
	assert.Equal(t, 1, metrics.SentEvents)
	assert.InDelta(t, 100.0, metrics.SuccessRate, 1e-9)
	assert.Equal(t, 2*time.Second, metrics.AverageDeliveryTime)
}

func TestDispatchFailureIsRecorded(t *testing.T) {
	dispatcher := &fakeDispatcher{err: errors.New("smtp unavailable")}
	f := newFixture(t, dispatcher)
	require.NoError(t, f.engine.Start(context.Background()))

	_, err := f.engine.CreateRule(model.AlertRule{
		UserID:    2,
		ProductID: 12,
		Type:      model.RuleTypePriceThreshold,
		Threshold: f64(100),
		Channel:   model.ChannelEmail,
		Target:    "user@example.com",
	})
	require.NoError(t, err)

	f.append(t, 12, price(0, "10"))

	// Stop drains the queues
	f.engine.Stop()
	assert.Equal(t, 1, dispatcher.count())

	events := f.engine.ListEvents(EventFilter{UserID: 2})
	require.Len(t, events, 1)
	assert.Equal(t, model.DeliveryFailed, events[0].DeliveryStatus)
	assert.Equal(t, "smtp unavailable", events[0].Error)

	metrics := f.engine.Metrics(2, time.Time{})
	assert.Equal(t, 1, metrics.FailedEvents)
	assert.InDelta(t, 0.0, metrics.SuccessRate, 1e-9)
}

func TestReportDelivery(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.CreateRule(model.AlertRule{ProductID: 4, Type: model.RuleTypePriceThreshold, Threshold: f64(10)})
	require.NoError(t, err)
	f.append(t, 4, price(0, "9"))

	event := f.engine.ListEvents(EventFilter{})[0]
	require.NoError(t, f.engine.ReportDelivery(context.Background(), model.DeliveryReceipt{
		EventID: event.ID,
		Status:  model.DeliverySent,
	}))

	got, err := f.engine.GetEvent(event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, got.DeliveryStatus)

	assert.ErrorIs(t, f.engine.ReportDelivery(context.Background(), model.DeliveryReceipt{EventID: "nope", Status: model.DeliverySent}), ErrEventNotFound)
	assert.Error(t, f.engine.ReportDelivery(context.Background(), model.DeliveryReceipt{EventID: event.ID, Status: model.DeliveryPending}))

	_, err = f.engine.GetEvent("nope")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestPauseKeepsCooldown(t *testing.T) {
	f := newFixture(t, nil)

	rule, err := f.engine.CreateRule(model.AlertRule{
		ProductID:       8,
		Type:            model.RuleTypePriceThreshold,
		Threshold:       f64(10),
		CooldownMinutes: 60,
	})
	require.NoError(t, err)

	f.append(t, 8, price(0, "5"))
	require.Len(t, f.engine.ListEvents(EventFilter{}), 1)

	paused, err := f.engine.UpdateStatus(rule.ID, model.RuleStatusPaused)
	require.NoError(t, err)
	assert.Equal(t, model.RuleStatusPaused, paused.Status)

	f.advance(10 * time.Minute)
	f.append(t, 8, price(time.Minute, "5"))
	assert.Len(t, f.engine.ListEvents(EventFilter{}), 1)

	resumed, err := f.engine.UpdateStatus(rule.ID, model.RuleStatusActive)
	require.NoError(t, err)
	require.NotNil(t, resumed.LastFiredAt)

	// Still inside the cooldown of the first firing
	f.append(t, 8, price(2*time.Minute, "5"))
	assert.Len(t, f.engine.ListEvents(EventFilter{}), 1)

	f.advance(time.Hour)
	f.append(t, 8, price(3*time.Minute, "5"))
	assert.Len(t, f.engine.ListEvents(EventFilter{}), 2)
}

func TestRuleLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	e := f.engine

	_, err := e.CreateRule(model.AlertRule{ProductID: 1, Type: "nope"})
	assert.ErrorIs(t, err, ErrInvalidRule)
	_, err = e.CreateRule(model.AlertRule{ProductID: 1, Type: model.RuleTypePercentChange})
	assert.ErrorIs(t, err, ErrInvalidRule)
	_, err = e.CreateRule(model.AlertRule{ProductID: 1, Type: model.RuleTypePriceDrop})
	assert.ErrorIs(t, err, ErrInvalidRule)
	_, err = e.CreateRule(model.AlertRule{ProductID: 1, Type: model.RuleTypePriceThreshold, Threshold: f64(1), Channel: model.ChannelEmail})
	assert.ErrorIs(t, err, ErrInvalidRule)
	_, err = e.CreateRule(model.AlertRule{Type: model.RuleTypePriceThreshold, Threshold: f64(1)})
	assert.ErrorIs(t, err, ErrInvalidRule)

	a, err := e.CreateRule(model.AlertRule{UserID: 1, ProductID: 1, Type: model.RuleTypePriceThreshold, Threshold: f64(10)})
	require.NoError(t, err)
	f.advance(time.Second)
	b, err := e.CreateRule(model.AlertRule{UserID: 1, ProductID: 2, Type: model.RuleTypePercentChange, Percent: f64(3)})
	require.NoError(t, err)
	_, err = e.CreateRule(model.AlertRule{UserID: 2, ProductID: 2, Type: model.RuleTypeAnomaly})
	require.NoError(t, err)

	assert.Len(t, e.ListRules(RuleFilter{UserID: 1}), 2)
	assert.Len(t, e.ListRules(RuleFilter{ProductID: 2}), 2)

	updated, err := e.UpdateRule(model.AlertRule{ID: a.ID, Threshold: f64(20), CooldownMinutes: 5})
	require.NoError(t, err)
	assert.Equal(t, model.RuleTypePriceThreshold, updated.Type)
	assert.Equal(t, 20.0, *updated.Threshold)
	assert.Equal(t, 5, updated.CooldownMinutes)

	_, err = e.UpdateRule(model.AlertRule{ID: a.ID, Type: model.RuleTypePercentChange})
	assert.ErrorIs(t, err, ErrInvalidRule)

	require.NoError(t, e.DeleteRule(b.ID))
	assert.ErrorIs(t, e.DeleteRule(b.ID), ErrRuleNotFound)
	assert.Len(t, e.ListRules(RuleFilter{UserID: 1}), 1)
	assert.Len(t, e.ListRules(RuleFilter{UserID: 1, IncludeDeleted: true}), 2)

	deleted, err := e.GetRule(b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleStatusDeleted, deleted.Status)
	assert.NotNil(t, deleted.DeletedAt)

	_, err = e.UpdateStatus(b.ID, model.RuleStatusActive)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	_, err = e.UpdateStatus(a.ID, model.RuleStatusDeleted)
	assert.ErrorIs(t, err, ErrInvalidRule)

	// Deleted rules no longer evaluate
	f.append(t, 2, price(0, "10"))
	f.append(t, 2, price(time.Minute, "20"))
	assert.Empty(t, e.ListEvents(EventFilter{RuleID: b.ID}))

	assert.Equal(t, 2, e.Metrics(0, time.Time{}).TotalRules)
}

type memoryRules struct {
	mu    sync.Mutex
	rules map[string]model.AlertRule
	fired map[string]time.Time
}

func newMemoryRules() *memoryRules {
	return &memoryRules{rules: make(map[string]model.AlertRule), fired: make(map[string]time.Time)}
}

func (m *memoryRules) SaveRule(_ context.Context, rule model.AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = rule
	return nil
}

func (m *memoryRules) RecordFired(_ context.Context, ruleID string, firedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fired[ruleID] = firedAt
	return nil
}

func (m *memoryRules) snapshot() []model.AlertRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AlertRule, 0, len(m.rules))
	for id, rule := range m.rules {
		if at, ok := m.fired[id]; ok {
			rule.LastFiredAt = &at
		}
		out = append(out, rule)
	}
	return out
}

func TestRulesSurviveRestore(t *testing.T) {
	f := newFixture(t, nil)
	persisted := newMemoryRules()
	f.engine.SetRuleRecorder(persisted)

	watched, err := f.engine.CreateRule(model.AlertRule{
		UserID:          1,
		ProductID:       5,
		Type:            model.RuleTypePriceThreshold,
		Threshold:       f64(10),
		CooldownMinutes: 60,
	})
	require.NoError(t, err)
	paused, err := f.engine.CreateRule(model.AlertRule{UserID: 1, ProductID: 5, Type: model.RuleTypePriceThreshold, Threshold: f64(20)})
	require.NoError(t, err)
	_, err = f.engine.UpdateStatus(paused.ID, model.RuleStatusPaused)
	require.NoError(t, err)
	deleted, err := f.engine.CreateRule(model.AlertRule{UserID: 1, ProductID: 5, Type: model.RuleTypePriceThreshold, Threshold: f64(30)})
	require.NoError(t, err)
	require.NoError(t, f.engine.DeleteRule(deleted.ID))

	f.append(t, 5, price(0, "5"))
	require.Len(t, f.engine.ListEvents(EventFilter{RuleID: watched.ID}), 1)
	require.Len(t, persisted.snapshot(), 3)

	// A fresh engine over the persisted rules
	g := newFixture(t, nil)
	assert.Equal(t, 3, g.engine.RestoreRules(persisted.snapshot()))
	assert.Equal(t, 0, g.engine.RestoreRules(persisted.snapshot()))

	got, err := g.engine.GetRule(paused.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleStatusPaused, got.Status)
	got, err = g.engine.GetRule(deleted.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleStatusDeleted, got.Status)
	assert.Len(t, g.engine.ListRules(RuleFilter{UserID: 1}), 2)

	restored, err := g.engine.GetRule(watched.ID)
	require.NoError(t, err)
	require.NotNil(t, restored.LastFiredAt)
	assert.Equal(t, t0, *restored.LastFiredAt)

	// The cooldown of the firing before the restart still applies
	g.advance(10 * time.Minute)
	g.append(t, 5, price(time.Minute, "5"))
	assert.Empty(t, g.engine.ListEvents(EventFilter{}))

	g.advance(time.Hour)
	g.append(t, 5, price(2*time.Minute, "5"))
	events := g.engine.ListEvents(EventFilter{})
	require.Len(t, events, 1)
	assert.Equal(t, watched.ID, events[0].RuleID)
}

func TestPruneKeepsPendingEvents(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.CreateRule(model.AlertRule{ProductID: 6, Type: model.RuleTypePriceThreshold, Threshold: f64(10)})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		f.append(t, 6, price(time.Duration(i)*time.Minute, "5"))
	}
	events := f.engine.ListEvents(EventFilter{})
	require.Len(t, events, 3)

	ctx := context.Background()
	require.NoError(t, f.engine.ReportDelivery(ctx, model.DeliveryReceipt{EventID: events[0].ID, Status: model.DeliverySent}))
	require.NoError(t, f.engine.ReportDelivery(ctx, model.DeliveryReceipt{EventID: events[1].ID, Status: model.DeliveryFailed, Error: "bounced"}))

	removed, err := f.engine.PruneBefore(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	removed, err = f.engine.PruneBefore(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	left := f.engine.ListEvents(EventFilter{})
	require.Len(t, left, 1)
	assert.Equal(t, events[2].ID, left[0].ID)
	_, err = f.engine.GetEvent(events[0].ID)
	assert.ErrorIs(t, err, ErrEventNotFound)
	assert.Equal(t, 1, f.engine.Metrics(0, time.Time{}).TriggeredEvents)
}

func TestStopWhileAppending(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	f := newFixture(t, dispatcher)
	require.NoError(t, f.engine.Start(context.Background()))

	const products = 4
	for id := int64(1); id <= products; id++ {
		_, err := f.engine.CreateRule(model.AlertRule{ProductID: id, Type: model.RuleTypePriceThreshold, Threshold: f64(10)})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for id := int64(1); id <= products; id++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				f.append(t, id, price(time.Duration(i)*time.Minute, "5"))
			}
		}(id)
	}
	f.engine.Stop()
	wg.Wait()

	// Once stopped, deliveries happen before the append returns
	f.append(t, 1, price(time.Hour, "5"))
	assert.Equal(t, len(f.engine.ListEvents(EventFilter{})), dispatcher.count())
	assert.Empty(t, f.engine.ListEvents(EventFilter{Status: model.DeliveryPending}))
}
