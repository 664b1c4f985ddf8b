package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/pricewatch/internal/model"
	"github.com/t77yq/pricewatch/internal/testutil"
)

func testSources() MetricsSources {
	return MetricsSources{
		Queue: func() model.QueueStats {
			return model.QueueStats{Pending: 3, Running: 1, Completed: 7, Retried: 2}
		},
		Pool: func() model.PoolStats {
			return model.PoolStats{PoolID: "local", Workers: 4, Busy: 1, Processed: 9}
		},
		Subscribers: func() int { return 5 },
	}
}

func TestMetricsCollectorLocalSnapshot(t *testing.T) {
	collector := NewMetricsCollector(nil, time.Hour, testSources(), zaptest.NewLogger(t))

	metrics := collector.Collect()
	assert.NotZero(t, metrics.Timestamp)
	assert.Equal(t, 3, metrics.Queue.Pending)
	assert.Equal(t, "local", metrics.Pool.PoolID)
	assert.Equal(t, 5, metrics.Subscribers)
	assert.Empty(t, metrics.Remote)
	assert.Equal(t, metrics, collector.Latest())
}

func TestMetricsCollector(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()
	testutil.AddStream(t, js, "METRICS", "metrics.*", "pool.stats.*")

	collector := NewMetricsCollector(js, 100*time.Millisecond, testSources(), zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, collector.Start(ctx))
	defer collector.Stop()

	t.Run("PublishesSnapshots", func(t *testing.T) {
		msgs, err := testutil.WaitForMessages(js, MetricsSubject, 1, 5*time.Second)
		require.NoError(t, err)

		var metrics model.PipelineMetrics
		require.NoError(t, json.Unmarshal(msgs[0], &metrics))
		assert.NotZero(t, metrics.Timestamp)
		assert.Equal(t, 7, metrics.Queue.Completed)
		assert.Equal(t, 4, metrics.Pool.Workers)
		assert.Equal(t, 5, metrics.Subscribers)
	})

	t.Run("CollectsRemotePools", func(t *testing.T) {
		remote := model.PoolStats{
			PoolID:      "remote-1",
			Workers:     8,
			Busy:        3,
			Processed:   40,
			CollectedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		}
		data, err := json.Marshal(remote)
		require.NoError(t, err)
		_, err = js.Publish(PoolStatsSubjectPrefix+"remote-1", data)
		require.NoError(t, err)

		// Own stats echoed back over NATS are not counted as remote
		own, err := json.Marshal(model.PoolStats{PoolID: "local"})
		require.NoError(t, err)
		_, err = js.Publish(PoolStatsSubjectPrefix+"local", own)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return len(collector.GetPools()) == 2
		}, 5*time.Second, 20*time.Millisecond)

		pools := collector.GetPools()
		require.Contains(t, pools, "remote-1")
		assert.Equal(t, 8, pools["remote-1"].Workers)
		assert.Equal(t, int64(40), pools["remote-1"].Processed)

		metrics := collector.Collect()
		require.Len(t, metrics.Remote, 1)
		assert.Equal(t, "remote-1", metrics.Remote[0].PoolID)
	})
}
