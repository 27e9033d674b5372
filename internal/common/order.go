package common

import (
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	OrderID        string          // Server-assigned uuid
	SessionID      string          // Owning session
	Symbol         string          // Trading pair, e.g. BTC/USD
	Side           Side            // Order side
	Type           OrderType       // Limit or market
	Price          decimal.Decimal // Limit price; zero for market orders
	Quantity       decimal.Decimal // Total volume requested
	FilledQuantity decimal.Decimal // Volume filled so far
	TimeInForce    TimeInForce
	Status         OrderStatus
	Sequence       uint64 // Arrival counter, FIFO tie-break within a level
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Remaining is the unfilled volume.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

func (o *Order) IsFilled() bool {
	return o.FilledQuantity.GreaterThanOrEqual(o.Quantity)
}

// Fill applies an execution of qty to the order and advances its status.
// The caller holds the engine lock and has checked qty <= Remaining().
func (o *Order) Fill(qty decimal.Decimal, now time.Time) {
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	o.UpdatedAt = now
	if o.IsFilled() {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
}
