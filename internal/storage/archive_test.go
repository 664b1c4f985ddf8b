package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/pricewatch/internal/model"
	"github.com/t77yq/pricewatch/internal/series"
)

func openArchive(t *testing.T) (*SQLiteArchive, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.db")
	archive, err := NewSQLiteArchive(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	t.Cleanup(func() { archive.Close() })
	return archive, path
}

func TestPriceJournalRestore(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	archive, path := openArchive(t)

	store := series.NewStore(archive, logger)
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for i, price := range []string{"100", "99.5", "101.25"} {
		require.NoError(t, store.Append(ctx, 7, model.PricePoint{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Price:     decimal.RequireFromString(price),
			Currency:  "CNY",
			Source:    map[string]string{"site": "jd"},
		}))
	}
	require.NoError(t, store.Append(ctx, 8, model.PricePoint{Timestamp: base, Price: decimal.NewFromInt(5), Currency: "USD"}))

	// rejected appends never reach the journal
	err := store.Append(ctx, 7, model.PricePoint{Timestamp: base, Price: decimal.NewFromInt(1), Currency: "CNY"})
	require.ErrorIs(t, err, series.ErrOutOfOrder)

	require.NoError(t, archive.Close())
	reopened, err := NewSQLiteArchive(logger, path)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.LoadPoints(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Len(t, loaded[7], 3)
	assert.True(t, loaded[7][1].Price.Equal(decimal.RequireFromString("99.5")))
	assert.Equal(t, base.Add(2*time.Hour), loaded[7][2].Timestamp)
	assert.Equal(t, "jd", loaded[7][0].Source["site"])
	assert.Equal(t, "USD", loaded[8][0].Currency)

	restored := series.NewStore(reopened, logger)
	for id, points := range loaded {
		assert.Equal(t, len(points), restored.Restore(id, points))
	}
	latest, ok := restored.Latest(7)
	require.True(t, ok)
	assert.True(t, latest.Price.Equal(decimal.RequireFromString("101.25")))

	window, err := reopened.Points(ctx, 7, base.Add(time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, base.Add(time.Hour), window[0].Timestamp)
}

func TestTaskHistory(t *testing.T) {
	ctx := context.Background()
	archive, _ := openArchive(t)

	created := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	task := model.ScrapeTask{
		ID:          "t1",
		ProductID:   7,
		Priority:    model.PriorityNormal,
		Status:      model.TaskStatusPending,
		MaxAttempts: 5,
		CreatedAt:   created,
	}
	archive.OnTaskUpdate(task)

	started := created.Add(time.Minute)
	task.Status = model.TaskStatusRunning
	task.Attempts = 1
	task.WorkerID = "pool-0"
	task.StartedAt = &started
	archive.OnTaskUpdate(task)

	h, err := archive.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRunning, h.Status)
	assert.Equal(t, "pool-0", h.WorkerID)
	assert.Zero(t, h.Duration())

	completed := started.Add(3 * time.Second)
	task.Status = model.TaskStatusCompleted
	task.CompletedAt = &completed
	task.Result = &model.PricePoint{Timestamp: completed, Price: decimal.RequireFromString("19.99"), Currency: "CNY"}
	archive.OnTaskUpdate(task)

	h, err = archive.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, h.Status)
	assert.Equal(t, "19.99", h.Price)
	assert.Equal(t, created, h.CreatedAt)
	assert.Equal(t, 3*time.Second, h.Duration())

	failedAt := created.Add(2 * time.Hour)
	require.NoError(t, archive.StoreTask(ctx, model.ScrapeTask{
		ID:          "t2",
		ProductID:   8,
		Status:      model.TaskStatusFailed,
		Attempts:    5,
		LastError:   "fetch timeout",
		CreatedAt:   created,
		CompletedAt: &failedAt,
	}))
	require.NoError(t, archive.StoreTask(ctx, model.ScrapeTask{ID: "t3", ProductID: 7, Status: model.TaskStatusPending, CreatedAt: created}))

	all, err := archive.ListTasks(ctx, HistoryFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byProduct, err := archive.ListTasks(ctx, HistoryFilter{ProductID: 7})
	require.NoError(t, err)
	assert.Len(t, byProduct, 2)

	failed, err := archive.ListTasks(ctx, HistoryFilter{Status: []model.TaskStatus{model.TaskStatusFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "fetch timeout", failed[0].LastError)

	n, err := archive.CountTasks(ctx, HistoryFilter{Status: []model.TaskStatus{model.TaskStatusCompleted, model.TaskStatusFailed}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	page, err := archive.ListTasks(ctx, HistoryFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	// only terminal records completed before the cutoff go
	deleted, err := archive.PruneBefore(ctx, created.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = archive.GetTask(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = archive.GetTask(ctx, "t3")
	assert.NoError(t, err)
}

func TestAlertEvents(t *testing.T) {
	ctx := context.Background()
	archive, _ := openArchive(t)

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, archive.RecordEvent(ctx, model.AlertEvent{
			ID:             id,
			RuleID:         "r1",
			UserID:         int64(1 + i%2),
			ProductID:      7,
			RuleType:       model.RuleTypePriceDrop,
			Channel:        model.ChannelWebhook,
			Target:         "http://hooks.example.com",
			Price:          decimal.RequireFromString("89.90"),
			Currency:       "CNY",
			Message:        "Product 7: price dropped below 95",
			TriggeredAt:    base.Add(time.Duration(i) * time.Minute),
			DeliveryStatus: model.DeliveryPending,
		}))
	}
	// recording the same event twice is a no-op
	require.NoError(t, archive.RecordEvent(ctx, model.AlertEvent{ID: "e1", RuleID: "r1", Price: decimal.Zero, TriggeredAt: base}))

	delivered := base.Add(5 * time.Minute)
	require.NoError(t, archive.RecordDelivery(ctx, model.DeliveryReceipt{EventID: "e1", Status: model.DeliverySent, DeliveredAt: delivered}))
	require.NoError(t, archive.RecordDelivery(ctx, model.DeliveryReceipt{EventID: "e2", Status: model.DeliveryFailed, Error: "status 500", DeliveredAt: delivered}))
	err := archive.RecordDelivery(ctx, model.DeliveryReceipt{EventID: "missing", Status: model.DeliverySent, DeliveredAt: delivered})
	assert.ErrorIs(t, err, ErrNotFound)

	events, err := archive.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "e3", events[0].ID)
	assert.Equal(t, "e1", events[2].ID)
	assert.Equal(t, model.DeliverySent, events[2].DeliveryStatus)
	require.NotNil(t, events[2].DeliveredAt)
	assert.Equal(t, delivered, *events[2].DeliveredAt)
	assert.True(t, events[2].Price.Equal(decimal.RequireFromString("89.9")))
	assert.Equal(t, "Product 7: price dropped below 95", events[2].Message)

	failed, err := archive.ListEvents(ctx, EventFilter{Status: model.DeliveryFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "status 500", failed[0].Error)

	user1, err := archive.ListEvents(ctx, EventFilter{UserID: 1, Since: base.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, user1, 1)
	assert.Equal(t, "e3", user1[0].ID)

	limited, err := archive.ListEvents(ctx, EventFilter{RuleID: "r1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestAlertRules(t *testing.T) {
	ctx := context.Background()
	archive, _ := openArchive(t)

	created := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	threshold := 95.0
	rule := model.AlertRule{
		ID:              "rule-1",
		UserID:          4,
		ProductID:       12,
		Type:            model.RuleTypePriceThreshold,
		Threshold:       &threshold,
		Direction:       model.DirectionBelow,
		CooldownMinutes: 30,
		Channel:         model.ChannelWebhook,
		Target:          "https://hooks.example.com/x",
		Status:          model.RuleStatusActive,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
	require.NoError(t, archive.SaveRule(ctx, rule))

	fired := created.Add(time.Hour)
	require.NoError(t, archive.RecordFired(ctx, rule.ID, fired))
	// an older firing never moves last_fired_at back
	require.NoError(t, archive.RecordFired(ctx, rule.ID, created))
	_, err := archive.GetRule(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, archive.RecordFired(ctx, "missing", fired), ErrNotFound)

	paused := rule
	paused.Status = model.RuleStatusPaused
	paused.UpdatedAt = created.Add(2 * time.Hour)
	require.NoError(t, archive.SaveRule(ctx, paused))

	// a stale snapshot does not overwrite a newer update
	require.NoError(t, archive.SaveRule(ctx, rule))

	got, err := archive.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleStatusPaused, got.Status)
	assert.Equal(t, paused.UpdatedAt, got.UpdatedAt)
	require.NotNil(t, got.LastFiredAt)
	assert.Equal(t, fired, *got.LastFiredAt)
	require.NotNil(t, got.Threshold)
	assert.InDelta(t, 95.0, *got.Threshold, 1e-9)
	assert.Nil(t, got.Percent)
	assert.Equal(t, model.DirectionBelow, got.Direction)
	assert.Equal(t, "https://hooks.example.com/x", got.Target)

	pct := 5.0
	deletedAt := created.Add(3 * time.Hour)
	require.NoError(t, archive.SaveRule(ctx, model.AlertRule{
		ID:        "rule-2",
		UserID:    4,
		ProductID: 13,
		Type:      model.RuleTypePriceDrop,
		Percent:   &pct,
		Channel:   model.ChannelApp,
		Status:    model.RuleStatusDeleted,
		CreatedAt: created.Add(time.Minute),
		UpdatedAt: deletedAt,
		DeletedAt: &deletedAt,
	}))

	rules, err := archive.LoadRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "rule-1", rules[0].ID)
	assert.Equal(t, "rule-2", rules[1].ID)
	assert.Equal(t, model.RuleStatusDeleted, rules[1].Status)
	require.NotNil(t, rules[1].DeletedAt)
	assert.Equal(t, deletedAt, *rules[1].DeletedAt)
	assert.Nil(t, rules[1].LastFiredAt)
}
