package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one market-data observation for a symbol. SequenceID is strictly
// monotonic per (symbol, channel) at the source; anything downstream of the
// failure chain may see gaps, duplicates or reordering.
type Tick struct {
	Symbol     string
	Price      decimal.Decimal
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	Volume24h  decimal.Decimal
	High24h    decimal.Decimal
	Low24h     decimal.Decimal
	SequenceID uint64
	Timestamp  time.Time
}
