package trend

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/pricewatch/internal/model"
	"github.com/t77yq/pricewatch/internal/series"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func pp(ts time.Time, price float64) model.PricePoint {
	return model.PricePoint{Timestamp: ts, Price: decimal.NewFromFloat(price), Currency: "CNY"}
}

func bands(on bool) *bool { return &on }

func TestSMA(t *testing.T) {
	out := SMA([]float64{1, 2, 3, 4, 5}, 3)
	require.Len(t, out, 5)
	assert.True(t, math.IsNaN(out[0]))
	assert.True(t, math.IsNaN(out[1]))
	assert.InDelta(t, 2.0, out[2], 1e-9)
	assert.InDelta(t, 3.0, out[3], 1e-9)
	assert.InDelta(t, 4.0, out[4], 1e-9)

	assert.True(t, math.IsNaN(SMA([]float64{1}, 2)[0]))
}

func TestMeanStdDev(t *testing.T) {
	mean, std := MeanStdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 5.0, mean, 1e-9)
	assert.InDelta(t, 2.0, std, 1e-9)

	_, sample := SampleStdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 2.138090, sample, 1e-6)
}

func TestComputeDailyBuckets(t *testing.T) {
	points := []model.PricePoint{
		pp(day0.Add(1*time.Hour), 100),
		pp(day0.Add(5*time.Hour), 110),
		pp(day0.Add(9*time.Hour), 90),
		pp(day0.Add(25*time.Hour), 120),
		pp(day0.Add(49*time.Hour), 130),
		pp(day0.Add(50*time.Hour), 110),
	}

	res, err := Compute(points, Params{Granularity: Daily, MAWindow: 2, Bands: bands(true), BandK: 2})
	require.NoError(t, err)
	require.Len(t, res.Buckets, 3)

	first := res.Buckets[0]
	assert.Equal(t, day0, first.Start)
	assert.Equal(t, 3, first.Count)
	assert.InDelta(t, 100.0, first.Open, 1e-9)
	assert.InDelta(t, 110.0, first.High, 1e-9)
	assert.InDelta(t, 90.0, first.Low, 1e-9)
	assert.InDelta(t, 90.0, first.Close, 1e-9)
	assert.InDelta(t, 100.0, first.Value, 1e-9)
	assert.Nil(t, first.MA)
	assert.Nil(t, first.Upper)

	second := res.Buckets[1]
	assert.InDelta(t, 120.0, second.Value, 1e-9)
	assert.InDelta(t, 20.0, second.Change, 1e-9)
	assert.InDelta(t, 20.0, second.ChangePct, 1e-9)
	require.NotNil(t, second.MA)
	assert.InDelta(t, 110.0, *second.MA, 1e-9)
	require.NotNil(t, second.Upper)
	assert.InDelta(t, 130.0, *second.Upper, 1e-9)
	assert.InDelta(t, 90.0, *second.Lower, 1e-9)

	third := res.Buckets[2]
	assert.InDelta(t, 120.0, third.Value, 1e-9)
	assert.InDelta(t, 0.0, third.Change, 1e-9)

	s := res.Summary
	assert.Equal(t, 6, s.Points)
	assert.InDelta(t, 90.0, s.Min, 1e-9)
	assert.InDelta(t, 130.0, s.Max, 1e-9)
	assert.InDelta(t, 110.0, s.Mean, 1e-9)
	assert.InDelta(t, 20.0, s.ChangePct, 1e-9)
	assert.Equal(t, DirectionUp, s.Direction)
	assert.Equal(t, "CNY", res.Currency)
}

func TestComputeHourlyAndRange(t *testing.T) {
	points := []model.PricePoint{
		pp(day0.Add(10*time.Minute), 50),
		pp(day0.Add(20*time.Minute), 52),
		pp(day0.Add(70*time.Minute), 51),
		pp(day0.Add(130*time.Minute), 50.5),
	}

	res, err := Compute(points, Params{
		Granularity: Hourly,
		Start:       day0.Add(time.Hour),
		End:         day0.Add(3 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, res.Buckets, 2)
	assert.Equal(t, day0.Add(time.Hour), res.Buckets[0].Start)
	assert.Equal(t, day0.Add(2*time.Hour), res.Buckets[1].Start)

	// Window 1 defines the MA for every bucket
	require.NotNil(t, res.Buckets[0].MA)
	assert.Equal(t, DirectionStable, res.Summary.Direction)
}

func TestComputeIsDeterministic(t *testing.T) {
	var points []model.PricePoint
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		points = append(points, pp(day0.Add(time.Duration(i)*37*time.Minute), 100+rng.Float64()*20))
	}

	params := Params{Granularity: Hourly, MAWindow: 5, Bands: bands(true)}
	want, err := Compute(points, params)
	require.NoError(t, err)

	shuffled := append([]model.PricePoint(nil), points...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	got, err := Compute(shuffled, params)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	for i := 0; i < 4; i++ {
		assert.Nil(t, got.Buckets[i].MA)
	}
	assert.NotNil(t, got.Buckets[4].MA)
}

func TestComputeValidation(t *testing.T) {
	_, err := Compute(nil, Params{Granularity: "weekly"})
	assert.ErrorIs(t, err, ErrInvalidGranularity)

	_, err = Compute(nil, Params{MAWindow: -1})
	assert.ErrorIs(t, err, ErrInvalidWindow)

	_, err = Compute(nil, Params{Start: day0, End: day0})
	assert.ErrorIs(t, err, ErrInvalidRange)

	res, err := Compute(nil, Params{})
	require.NoError(t, err)
	assert.Empty(t, res.Buckets)
	assert.Equal(t, DirectionStable, res.Summary.Direction)
}

func TestEngineCompute(t *testing.T) {
	store := series.NewStore(nil, zaptest.NewLogger(t))
	ctx := context.Background()
	prices := []float64{100, 99, 97, 96, 95}
	for i, p := range prices {
		require.NoError(t, store.Append(ctx, 9, pp(day0.Add(time.Duration(i)*24*time.Hour), p)))
	}

	engine := NewEngine(store, Params{Granularity: Daily, MAWindow: 3, BandK: 2}, zaptest.NewLogger(t))
	res, err := engine.Compute(ctx, 9, Params{})
	require.NoError(t, err)

	assert.Equal(t, int64(9), res.ProductID)
	require.Len(t, res.Buckets, 5)
	require.NotNil(t, res.Buckets[2].MA)
	assert.InDelta(t, 98.666666, *res.Buckets[2].MA, 1e-5)
	assert.Equal(t, DirectionDown, res.Summary.Direction)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = engine.Compute(cancelled, 9, Params{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngineDefaultBands(t *testing.T) {
	store := series.NewStore(nil, zaptest.NewLogger(t))
	ctx := context.Background()
	for i, p := range []float64{100, 102, 101, 99} {
		require.NoError(t, store.Append(ctx, 1, pp(day0.Add(time.Duration(i)*24*time.Hour), p)))
	}

	engine := NewEngine(store, Params{MAWindow: 2, Bands: bands(true)}, zaptest.NewLogger(t))
	res, err := engine.Compute(ctx, 1, Params{})
	require.NoError(t, err)
	require.Len(t, res.Buckets, 4)
	require.NotNil(t, res.Buckets[1].MA)
	require.NotNil(t, res.Buckets[1].Upper)
	require.NotNil(t, res.Buckets[1].Lower)
	assert.Greater(t, *res.Buckets[1].Upper, *res.Buckets[1].MA)
	assert.Less(t, *res.Buckets[1].Lower, *res.Buckets[1].MA)

	// An explicit request overrides the default
	res, err = engine.Compute(ctx, 1, Params{Bands: bands(false)})
	require.NoError(t, err)
	require.NotNil(t, res.Buckets[1].MA)
	assert.Nil(t, res.Buckets[1].Upper)
	assert.Nil(t, res.Buckets[1].Lower)
}
