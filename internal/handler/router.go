package handler

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/pricewatch/internal/model"
)

// Dispatcher delivers an alert event over one channel
type Dispatcher interface {
	Deliver(ctx context.Context, event model.AlertEvent) (model.DeliveryReceipt, error)
}

// Router picks the dispatcher registered for the event's channel
type Router struct {
	logger *zap.Logger
	mu     sync.RWMutex
	routes map[string]Dispatcher
}

// NewRouter creates an empty router
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		logger: logger.Named("dispatch-router"),
		routes: make(map[string]Dispatcher),
	}
}

// Route registers the dispatcher for a channel, replacing any previous one
func (r *Router) Route(channel string, d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[channel] = d
}

// Channels returns the number of routed channels
func (r *Router) Channels() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// Deliver implements Dispatcher
func (r *Router) Deliver(ctx context.Context, event model.AlertEvent) (model.DeliveryReceipt, error) {
	r.mu.RLock()
	d, ok := r.routes[event.Channel]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("No dispatcher for channel",
			zap.String("event_id", event.ID),
			zap.String("channel", event.Channel))
		return model.DeliveryReceipt{}, fmt.Errorf("%w: %w %q", ErrDispatchFailure, ErrUnsupportedChannel, event.Channel)
	}
	return d.Deliver(ctx, event)
}
