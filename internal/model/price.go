package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PricePoint is a single observed price of a product
type PricePoint struct {
	Timestamp time.Time         `json:"timestamp"`
	Price     decimal.Decimal   `json:"price"`
	Currency  string            `json:"currency"`
	Source    map[string]string `json:"source,omitempty"`
}

// Float returns the price as float64 for statistics
func (p PricePoint) Float() float64 {
	return p.Price.InexactFloat64()
}
