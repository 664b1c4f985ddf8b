package fanout

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/t77yq/pricewatch/internal/model"
)

// MessageType identifies an outbound or inbound realtime message
type MessageType string

const (
	TypePriceUpdate             MessageType = "price_update"
	TypeAlert                   MessageType = "alert"
	TypeTaskUpdate              MessageType = "task_update"
	TypeSubscriptionConfirmed   MessageType = "subscription_confirmed"
	TypeUnsubscriptionConfirmed MessageType = "unsubscription_confirmed"
	TypePong                    MessageType = "pong"
	TypeError                   MessageType = "error"

	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypePing        MessageType = "ping"
)

// Message is pushed to a connection. Data holds one of PriceUpdate,
// model.AlertEvent or model.ScrapeTask depending on Type.
type Message struct {
	Type       MessageType `json:"type"`
	ProductID  int64       `json:"product_id,omitempty"`
	ProductIDs []int64     `json:"product_ids,omitempty"`
	Data       any         `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// PriceUpdate is the payload of a price_update message
type PriceUpdate struct {
	ProductID     int64            `json:"product_id"`
	Price         decimal.Decimal  `json:"price"`
	Currency      string           `json:"currency"`
	Timestamp     time.Time        `json:"timestamp"`
	PreviousPrice *decimal.Decimal `json:"previous_price,omitempty"`
	Change        *decimal.Decimal `json:"change,omitempty"`
	ChangePercent *float64         `json:"change_percent,omitempty"`
}

// ClientMessage is what a connection sends to the hub
type ClientMessage struct {
	Type       MessageType `json:"type"`
	ProductIDs []int64     `json:"product_ids"`
}

func newPriceUpdate(productID int64, point model.PricePoint, prev *model.PricePoint) PriceUpdate {
	update := PriceUpdate{
		ProductID: productID,
		Price:     point.Price,
		Currency:  point.Currency,
		Timestamp: point.Timestamp,
	}
	if prev == nil {
		return update
	}

	previous := prev.Price
	change := point.Price.Sub(previous)
	update.PreviousPrice = &previous
	update.Change = &change
	if !previous.IsZero() {
		pct := change.Div(previous).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
		update.ChangePercent = &pct
	}
	return update
}
