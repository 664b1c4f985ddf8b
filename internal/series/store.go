package series

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/pricewatch/internal/model"
)

// Observer is notified of every accepted point, in append order per product.
// Implementations must not block.
type Observer interface {
	OnAppend(productID int64, point model.PricePoint, prev *model.PricePoint)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(productID int64, point model.PricePoint, prev *model.PricePoint)

// OnAppend implements Observer
func (f ObserverFunc) OnAppend(productID int64, point model.PricePoint, prev *model.PricePoint) {
	f(productID, point, prev)
}

// Journal durably records points before they become visible
type Journal interface {
	WritePoint(ctx context.Context, productID int64, point model.PricePoint) error
}

// Reader is the read side of the store used by the trend and alert engines
type Reader interface {
	Range(productID int64, start, end time.Time) iter.Seq[model.PricePoint]
	Latest(productID int64) (model.PricePoint, bool)
	Before(productID int64, ts time.Time, n int) []model.PricePoint
}

type productSeries struct {
	mu     sync.RWMutex
	points []model.PricePoint

	// notify serializes observer calls in append order without holding mu,
	// so observers may read the series
	notify sync.Mutex
}

// Store is an append-only, per-product time series of observed prices
type Store struct {
	logger    *zap.Logger
	journal   Journal
	mu        sync.RWMutex
	series    map[int64]*productSeries
	observers []Observer
}

// NewStore creates a new store. journal may be nil.
func NewStore(journal Journal, logger *zap.Logger) *Store {
	return &Store{
		logger:  logger.Named("price-series"),
		journal: journal,
		series:  make(map[int64]*productSeries),
	}
}

// Subscribe registers an observer for every subsequent append
func (s *Store) Subscribe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Store) get(productID int64) *productSeries {
	s.mu.RLock()
	ps := s.series[productID]
	s.mu.RUnlock()
	return ps
}

func (s *Store) getOrCreate(productID int64) *productSeries {
	if ps := s.get(productID); ps != nil {
		return ps
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.series[productID]
	if !ok {
		ps = &productSeries{}
		s.series[productID] = ps
	}
	return ps
}

// Append records a point and notifies observers. Either both happen or neither.
func (s *Store) Append(ctx context.Context, productID int64, point model.PricePoint) error {
	if point.Timestamp.IsZero() || point.Price.IsNegative() {
		return ErrInvalidPoint
	}
	point.Timestamp = point.Timestamp.UTC()

	ps := s.getOrCreate(productID)
	ps.mu.Lock()

	var prev *model.PricePoint
	if n := len(ps.points); n > 0 {
		last := ps.points[n-1]
		if point.Timestamp.Equal(last.Timestamp) {
			ps.mu.Unlock()
			return fmt.Errorf("product %d at %s: %w", productID, point.Timestamp.Format(time.RFC3339Nano), ErrDuplicateTimestamp)
		}
		if point.Timestamp.Before(last.Timestamp) {
			ps.mu.Unlock()
			return fmt.Errorf("product %d at %s: %w", productID, point.Timestamp.Format(time.RFC3339Nano), ErrOutOfOrder)
		}
		prev = &last
	}

	if s.journal != nil {
		if err := s.journal.WritePoint(ctx, productID, point); err != nil {
			ps.mu.Unlock()
			return fmt.Errorf("failed to journal price point: %w", err)
		}
	}

	ps.points = append(ps.points, point)

	// Take the notify lock before releasing the data lock so observers of
	// this product see points in append order
	ps.notify.Lock()
	ps.mu.Unlock()
	defer ps.notify.Unlock()

	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	for _, o := range observers {
		o.OnAppend(productID, point, prev)
	}

	s.logger.Debug("Price point appended",
		zap.Int64("product_id", productID),
		zap.String("price", point.Price.String()),
		zap.Time("timestamp", point.Timestamp))

	return nil
}

// Restore loads previously journaled points without notifying observers.
// Points must be sorted; anything not strictly after the current tail is skipped.
func (s *Store) Restore(productID int64, points []model.PricePoint) int {
	ps := s.getOrCreate(productID)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	loaded := 0
	for _, p := range points {
		p.Timestamp = p.Timestamp.UTC()
		if n := len(ps.points); n > 0 && !p.Timestamp.After(ps.points[n-1].Timestamp) {
			continue
		}
		ps.points = append(ps.points, p)
		loaded++
	}
	return loaded
}

// snapshot returns the points visible at call time. Accepted points are never
// modified, so the returned slice can be read without holding the lock.
func (ps *productSeries) snapshot() []model.PricePoint {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.points[:len(ps.points):len(ps.points)]
}

// Range yields the points with start <= timestamp < end in chronological order.
// A zero start or end leaves that side unbounded. The sequence covers the points
// present when Range was called and can be iterated any number of times.
func (s *Store) Range(productID int64, start, end time.Time) iter.Seq[model.PricePoint] {
	var points []model.PricePoint
	if ps := s.get(productID); ps != nil {
		points = ps.snapshot()
	}

	lo := 0
	if !start.IsZero() {
		lo = sort.Search(len(points), func(i int) bool { return !points[i].Timestamp.Before(start) })
	}
	hi := len(points)
	if !end.IsZero() {
		hi = sort.Search(len(points), func(i int) bool { return !points[i].Timestamp.Before(end) })
	}
	if hi < lo {
		hi = lo
	}
	window := points[lo:hi]

	return func(yield func(model.PricePoint) bool) {
		for _, p := range window {
			if !yield(p) {
				return
			}
		}
	}
}

// Points collects Range into a slice
func (s *Store) Points(productID int64, start, end time.Time) []model.PricePoint {
	var out []model.PricePoint
	for p := range s.Range(productID, start, end) {
		out = append(out, p)
	}
	return out
}

// Latest returns the most recent point of a product
func (s *Store) Latest(productID int64) (model.PricePoint, bool) {
	ps := s.get(productID)
	if ps == nil {
		return model.PricePoint{}, false
	}
	points := ps.snapshot()
	if len(points) == 0 {
		return model.PricePoint{}, false
	}
	return points[len(points)-1], true
}

// Before returns up to n points strictly older than ts, oldest first
func (s *Store) Before(productID int64, ts time.Time, n int) []model.PricePoint {
	ps := s.get(productID)
	if ps == nil || n <= 0 {
		return nil
	}
	points := ps.snapshot()
	hi := sort.Search(len(points), func(i int) bool { return !points[i].Timestamp.Before(ts) })
	lo := hi - n
	if lo < 0 {
		lo = 0
	}
	out := make([]model.PricePoint, hi-lo)
	copy(out, points[lo:hi])
	return out
}

// Len returns the number of points recorded for a product
func (s *Store) Len(productID int64) int {
	ps := s.get(productID)
	if ps == nil {
		return 0
	}
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.points)
}

// Products returns the ids of every product with at least one point
func (s *Store) Products() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.series))
	for id := range s.series {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
