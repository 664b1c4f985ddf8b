package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"

	"github.com/t77yq/pricewatch/internal/model"
)

// EventFilter selects archived alert events. Zero values match everything.
type EventFilter struct {
	UserID    int64
	ProductID int64
	RuleID    string
	Status    model.DeliveryStatus
	Since     time.Time
	Limit     int
}

// RecordEvent implements monitor.EventRecorder
func (s *SQLiteArchive) RecordEvent(ctx context.Context, event model.AlertEvent) error {
	_, err := s.exec(ctx, s.sb.Insert("alert_events").
		Columns("id", "rule_id", "user_id", "product_id", "rule_type", "channel", "target",
			"price", "currency", "message", "triggered_at", "delivery_status", "error", "delivered_at").
		Values(event.ID, event.RuleID, event.UserID, event.ProductID, string(event.RuleType),
			event.Channel, event.Target, event.Price.String(), event.Currency, event.Message,
			event.TriggeredAt.UnixNano(), string(event.DeliveryStatus),
			sql.NullString{String: event.Error, Valid: event.Error != ""},
			nullUnix(event.DeliveredAt)).
		Options("OR IGNORE"))
	if err != nil {
		return fmt.Errorf("failed to record alert event: %w", err)
	}
	return nil
}

// RecordDelivery implements monitor.EventRecorder
func (s *SQLiteArchive) RecordDelivery(ctx context.Context, receipt model.DeliveryReceipt) error {
	delivered := receipt.DeliveredAt
	result, err := s.exec(ctx, s.sb.Update("alert_events").
		Set("delivery_status", string(receipt.Status)).
		Set("error", sql.NullString{String: receipt.Error, Valid: receipt.Error != ""}).
		Set("delivered_at", nullUnix(&delivered)).
		Where(sq.Eq{"id": receipt.EventID}))
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("event %s: %w", receipt.EventID, ErrNotFound)
	}
	return nil
}

// ListEvents retrieves archived alert events, newest first
func (s *SQLiteArchive) ListEvents(ctx context.Context, filter EventFilter) ([]model.AlertEvent, error) {
	q := s.sb.Select("id", "rule_id", "user_id", "product_id", "rule_type", "channel", "target",
		"price", "currency", "message", "triggered_at", "delivery_status", "error", "delivered_at").
		From("alert_events").
		OrderBy("triggered_at DESC")
	if filter.UserID != 0 {
		q = q.Where(sq.Eq{"user_id": filter.UserID})
	}
	if filter.ProductID != 0 {
		q = q.Where(sq.Eq{"product_id": filter.ProductID})
	}
	if filter.RuleID != "" {
		q = q.Where(sq.Eq{"rule_id": filter.RuleID})
	}
	if filter.Status != "" {
		q = q.Where(sq.Eq{"delivery_status": string(filter.Status)})
	}
	if !filter.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"triggered_at": filter.Since.UnixNano()})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}

	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert events: %w", err)
	}
	defer rows.Close()

	var events []model.AlertEvent
	for rows.Next() {
		var (
			event                          model.AlertEvent
			target, message, errMsg, price sql.NullString
			triggeredAt                    int64
			deliveredAt                    sql.NullInt64
		)
		if err := rows.Scan(&event.ID, &event.RuleID, &event.UserID, &event.ProductID,
			&event.RuleType, &event.Channel, &target, &price, &event.Currency, &message,
			&triggeredAt, &event.DeliveryStatus, &errMsg, &deliveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert event: %w", err)
		}
		p, err := decimal.NewFromString(price.String)
		if err != nil {
			return nil, fmt.Errorf("invalid archived price %q: %w", price.String, err)
		}
		event.Price = p
		event.Target = target.String
		event.Message = message.String
		event.Error = errMsg.String
		event.TriggeredAt = time.Unix(0, triggeredAt).UTC()
		event.DeliveredAt = fromNullUnix(deliveredAt)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return events, nil
}
