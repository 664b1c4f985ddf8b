package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RuleType represents the kind of price condition an alert rule watches
type RuleType string

const (
	RuleTypePriceDrop      RuleType = "price_drop"
	RuleTypePriceRise      RuleType = "price_rise"
	RuleTypePriceThreshold RuleType = "price_threshold"
	RuleTypePercentChange  RuleType = "percent_change"
	RuleTypeAnomaly        RuleType = "anomaly"
)

// Valid reports whether t is one of the known rule types
func (t RuleType) Valid() bool {
	switch t {
	case RuleTypePriceDrop, RuleTypePriceRise, RuleTypePriceThreshold, RuleTypePercentChange, RuleTypeAnomaly:
		return true
	}
	return false
}

// RuleStatus represents the lifecycle state of an alert rule
type RuleStatus string

const (
	RuleStatusActive  RuleStatus = "active"
	RuleStatusPaused  RuleStatus = "paused"
	RuleStatusDeleted RuleStatus = "deleted"
)

// Direction selects which side of the threshold a price_threshold rule fires on
type Direction string

const (
	DirectionBelow Direction = "below"
	DirectionAbove Direction = "above"
)

// Notification channels
const (
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
	ChannelApp     = "app"
)

// AlertRule defines a user condition evaluated against every new price of a product
type AlertRule struct {
	ID              string     `json:"id"`
	UserID          int64      `json:"user_id"`
	ProductID       int64      `json:"product_id"`
	Type            RuleType   `json:"rule_type"`
	Threshold       *float64   `json:"threshold,omitempty"`
	Percent         *float64   `json:"percent,omitempty"`
	Direction       Direction  `json:"direction,omitempty"`
	CooldownMinutes int        `json:"cooldown_minutes"`
	Channel         string     `json:"channel"`
	Target          string     `json:"target"`
	Status          RuleStatus `json:"status"`
	LastFiredAt     *time.Time `json:"last_fired_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
}

// Cooldown returns the minimum spacing between two firings
func (r *AlertRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// DeliveryStatus represents the notification state of an alert event
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// AlertEvent records one firing of a rule
type AlertEvent struct {
	ID             string          `json:"id"`
	RuleID         string          `json:"rule_id"`
	UserID         int64           `json:"user_id"`
	ProductID      int64           `json:"product_id"`
	RuleType       RuleType        `json:"rule_type"`
	Channel        string          `json:"channel"`
	Target         string          `json:"target"`
	Price          decimal.Decimal `json:"price_at_trigger"`
	Currency       string          `json:"currency"`
	Message        string          `json:"message"`
	TriggeredAt    time.Time       `json:"triggered_at"`
	DeliveryStatus DeliveryStatus  `json:"delivery_status"`
	Error          string          `json:"error,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
}

// DeliveryReceipt is returned by a notification dispatcher
type DeliveryReceipt struct {
	EventID     string         `json:"event_id"`
	Status      DeliveryStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	DeliveredAt time.Time      `json:"delivered_at"`
}

// AlertMetrics summarizes alerting activity for a user
type AlertMetrics struct {
	TotalRules          int           `json:"total_rules"`
	TriggeredEvents     int           `json:"triggered_events"`
	SentEvents          int           `json:"sent_events"`
	FailedEvents        int           `json:"failed_events"`
	SuccessRate         float64       `json:"success_rate"`
	AverageDeliveryTime time.Duration `json:"average_delivery_time"`
}
