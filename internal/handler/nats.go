package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/pricewatch/internal/model"
)

// AppSubjectPrefix is followed by the user id on in-app notifications
const AppSubjectPrefix = "alert.app."

// NATSDispatcher publishes alert events for the in-app notification service
type NATSDispatcher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	// awaitReport leaves events pending until the consumer reports on alert.delivery.*
	awaitReport bool
}

// NewNATSDispatcher creates a new NATS dispatcher
func NewNATSDispatcher(js nats.JetStreamContext, awaitReport bool, logger *zap.Logger) *NATSDispatcher {
	return &NATSDispatcher{
		logger:      logger.Named("nats-dispatcher"),
		js:          js,
		awaitReport: awaitReport,
	}
}

// Deliver implements Dispatcher
func (h *NATSDispatcher) Deliver(ctx context.Context, event model.AlertEvent) (model.DeliveryReceipt, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return model.DeliveryReceipt{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s%d", AppSubjectPrefix, event.UserID)
	if _, err := h.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(event.ID)); err != nil {
		return model.DeliveryReceipt{}, fmt.Errorf("%w: publish %s: %v", ErrDispatchFailure, subject, err)
	}

	h.logger.Debug("Alert published",
		zap.String("event_id", event.ID),
		zap.String("subject", subject))

	if h.awaitReport {
		return model.DeliveryReceipt{EventID: event.ID, Status: model.DeliveryPending}, nil
	}
	return model.DeliveryReceipt{
		EventID:     event.ID,
		Status:      model.DeliverySent,
		DeliveredAt: time.Now().UTC(),
	}, nil
}
