package trend

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/pricewatch/internal/model"
	"github.com/t77yq/pricewatch/internal/series"
)

var (
	// ErrInvalidGranularity is returned for granularities other than hourly and daily
	ErrInvalidGranularity = errors.New("invalid granularity")

	// ErrInvalidWindow is returned for a non-positive moving average window
	ErrInvalidWindow = errors.New("invalid moving average window")

	// ErrInvalidRange is returned when end is not after start
	ErrInvalidRange = errors.New("invalid time range")
)

// Granularity is the bucket width of a trend
type Granularity string

const (
	Hourly Granularity = "hourly"
	Daily  Granularity = "daily"
)

// Truncate returns the start of the bucket containing t, in UTC
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	if g == Daily {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Hour)
}

// Direction summarizes the overall movement of a trend
type Direction string

const (
	DirectionUp     Direction = "up"
	DirectionDown   Direction = "down"
	DirectionStable Direction = "stable"
)

// stableBandPct is the overall change, in percent, below which a trend is stable
const stableBandPct = 2.0

// Params configures a trend computation. A nil Bands leaves the bands off
// unless an Engine default turns them on.
type Params struct {
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
	Granularity Granularity `json:"granularity"`
	MAWindow    int         `json:"ma_window"`
	Bands       *bool       `json:"bb_on,omitempty"`
	BandK       float64     `json:"bb_k"`
}

// Bucket is one down-sampled point. Value is the mean price of the bucket.
type Bucket struct {
	Start     time.Time `json:"start"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Value     float64   `json:"value"`
	Count     int       `json:"count"`
	Change    float64   `json:"change"`
	ChangePct float64   `json:"change_pct"`
	MA        *float64  `json:"ma,omitempty"`
	Upper     *float64  `json:"upper,omitempty"`
	Lower     *float64  `json:"lower,omitempty"`
}

// Summary describes the whole requested period
type Summary struct {
	Points     int       `json:"points"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	Mean       float64   `json:"mean"`
	Volatility float64   `json:"volatility"`
	First      float64   `json:"first"`
	Last       float64   `json:"last"`
	Change     float64   `json:"change"`
	ChangePct  float64   `json:"change_pct"`
	Direction  Direction `json:"direction"`
}

// Result is the output of a trend computation
type Result struct {
	ProductID   int64       `json:"product_id"`
	Granularity Granularity `json:"granularity"`
	Currency    string      `json:"currency,omitempty"`
	Buckets     []Bucket    `json:"buckets"`
	Summary     Summary     `json:"summary"`
}

func (p *Params) normalize() error {
	if p.Granularity == "" {
		p.Granularity = Daily
	}
	if p.Granularity != Hourly && p.Granularity != Daily {
		return fmt.Errorf("%w: %q", ErrInvalidGranularity, p.Granularity)
	}
	if p.MAWindow == 0 {
		p.MAWindow = 1
	}
	if p.MAWindow < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWindow, p.MAWindow)
	}
	if p.BandK <= 0 {
		p.BandK = 2
	}
	if !p.Start.IsZero() && !p.End.IsZero() && !p.End.After(p.Start) {
		return ErrInvalidRange
	}
	return nil
}

// Compute buckets the points and derives moving average, bands and deltas.
// Identical input and params always produce identical output.
func Compute(points []model.PricePoint, params Params) (Result, error) {
	if err := params.normalize(); err != nil {
		return Result{}, err
	}

	sorted := make([]model.PricePoint, 0, len(points))
	for _, p := range points {
		if !params.Start.IsZero() && p.Timestamp.Before(params.Start) {
			continue
		}
		if !params.End.IsZero() && !p.Timestamp.Before(params.End) {
			continue
		}
		sorted = append(sorted, p)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	result := Result{Granularity: params.Granularity, Buckets: []Bucket{}}
	if len(sorted) == 0 {
		result.Summary.Direction = DirectionStable
		return result, nil
	}
	result.Currency = sorted[len(sorted)-1].Currency

	buckets := bucketize(sorted, params.Granularity)

	values := make([]float64, len(buckets))
	for i, b := range buckets {
		values[i] = b.Value
	}
	ma := SMA(values, params.MAWindow)
	std := RollingStdDev(values, params.MAWindow)

	for i := range buckets {
		if i > 0 {
			prev := buckets[i-1].Value
			buckets[i].Change = buckets[i].Value - prev
			if prev != 0 {
				buckets[i].ChangePct = buckets[i].Change / prev * 100
			}
		}
		if math.IsNaN(ma[i]) {
			continue
		}
		m := ma[i]
		buckets[i].MA = &m
		if params.Bands != nil && *params.Bands {
			upper := m + params.BandK*std[i]
			lower := m - params.BandK*std[i]
			buckets[i].Upper = &upper
			buckets[i].Lower = &lower
		}
	}

	result.Buckets = buckets
	result.Summary = summarize(sorted, values)
	return result, nil
}

func bucketize(points []model.PricePoint, g Granularity) []Bucket {
	var (
		buckets []Bucket
		sum     float64
	)
	for _, p := range points {
		price := p.Float()
		start := g.Truncate(p.Timestamp)

		n := len(buckets)
		if n == 0 || !buckets[n-1].Start.Equal(start) {
			if n > 0 {
				buckets[n-1].Value = sum / float64(buckets[n-1].Count)
			}
			buckets = append(buckets, Bucket{Start: start, Open: price, High: price, Low: price})
			sum = 0
			n++
		}

		b := &buckets[n-1]
		b.Close = price
		b.High = math.Max(b.High, price)
		b.Low = math.Min(b.Low, price)
		b.Count++
		sum += price
	}
	if n := len(buckets); n > 0 {
		buckets[n-1].Value = sum / float64(buckets[n-1].Count)
	}
	return buckets
}

func summarize(points []model.PricePoint, values []float64) Summary {
	s := Summary{
		Points: len(points),
		Min:    math.Inf(1),
		Max:    math.Inf(-1),
	}

	prices := make([]float64, len(points))
	for i, p := range points {
		v := p.Float()
		prices[i] = v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Mean, s.Volatility = MeanStdDev(prices)

	s.First = values[0]
	s.Last = values[len(values)-1]
	s.Change = s.Last - s.First
	if s.First != 0 {
		s.ChangePct = s.Change / s.First * 100
	}

	switch {
	case s.ChangePct >= stableBandPct:
		s.Direction = DirectionUp
	case s.ChangePct <= -stableBandPct:
		s.Direction = DirectionDown
	default:
		s.Direction = DirectionStable
	}
	return s
}

// Engine computes trends over the price series on demand
type Engine struct {
	logger   *zap.Logger
	store    series.Reader
	defaults Params
}

// NewEngine creates a trend engine. defaults fill in unset MAWindow, Bands, BandK and Granularity.
func NewEngine(store series.Reader, defaults Params, logger *zap.Logger) *Engine {
	return &Engine{
		logger:   logger.Named("trend-engine"),
		store:    store,
		defaults: defaults,
	}
}

// Compute reads the product's series in [Start, End) and computes its trend
func (e *Engine) Compute(ctx context.Context, productID int64, params Params) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if params.Granularity == "" {
		params.Granularity = e.defaults.Granularity
	}
	if params.MAWindow == 0 {
		params.MAWindow = e.defaults.MAWindow
	}
	if params.BandK == 0 {
		params.BandK = e.defaults.BandK
	}
	if params.Bands == nil {
		params.Bands = e.defaults.Bands
	}

	var points []model.PricePoint
	for p := range e.store.Range(productID, params.Start, params.End) {
		points = append(points, p)
	}

	result, err := Compute(points, params)
	if err != nil {
		return Result{}, err
	}
	result.ProductID = productID

	e.logger.Debug("Trend computed",
		zap.Int64("product_id", productID),
		zap.String("granularity", string(result.Granularity)),
		zap.Int("points", len(points)),
		zap.Int("buckets", len(result.Buckets)))

	return result, nil
}
