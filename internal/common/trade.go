package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fill is one side's view of an execution, addressed to the owning session.
type Fill struct {
	FillID    string
	OrderID   string
	SessionID string
	Symbol    string
	Side      Side
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	IsMaker   bool
	Timestamp time.Time
}

// Trade is the anonymous public record of a match, published on the TRADES
// channel for the symbol.
type Trade struct {
	Symbol        string
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	AggressorSide Side
	Timestamp     time.Time
}
