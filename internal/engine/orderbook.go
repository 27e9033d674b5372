package engine

import (
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"loki/internal/common"
)

// PriceLevel is one price point on a side of the book with its resting
// orders in arrival order.
type PriceLevel struct {
	Price  decimal.Decimal
	Orders []*common.Order
}

// TotalQuantity is the unfilled depth at this level.
func (l *PriceLevel) TotalQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, o := range l.Orders {
		total = total.Add(o.Remaining())
	}
	return total
}

type PriceLevels = btree.BTreeG[*PriceLevel]

// OrderBook holds the resting limit orders for one symbol. Levels are kept
// in btrees whose comparators put the best level at the minimum on both
// sides, so MinMut is always top of book.
type OrderBook struct {
	symbol string
	bids   *PriceLevels
	asks   *PriceLevels
	orders map[string]*common.Order // resting orders by id
}

func NewOrderBook(symbol string) *OrderBook {
	// Bids sorted greatest first.
	bids := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.Price.GreaterThan(b.Price)
	})
	// Asks sorted least first.
	asks := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.Price.LessThan(b.Price)
	})
	return &OrderBook{
		symbol: symbol,
		bids:   bids,
		asks:   asks,
		orders: make(map[string]*common.Order),
	}
}

func (b *OrderBook) Symbol() string { return b.symbol }

func (b *OrderBook) side(s common.Side) *PriceLevels {
	if s == common.Buy {
		return b.bids
	}
	return b.asks
}

// Add rests a limit order on its side. Market orders never rest.
func (b *OrderBook) Add(order *common.Order) {
	levels := b.side(order.Side)
	probe := &PriceLevel{Price: order.Price}
	if level, ok := levels.GetMut(probe); ok {
		level.Orders = append(level.Orders, order)
	} else {
		levels.Set(&PriceLevel{Price: order.Price, Orders: []*common.Order{order}})
	}
	b.orders[order.OrderID] = order
}

// Remove takes an order out of its level, dropping the level when it empties.
func (b *OrderBook) Remove(orderID string) (*common.Order, bool) {
	order, ok := b.orders[orderID]
	if !ok {
		return nil, false
	}
	delete(b.orders, orderID)

	levels := b.side(order.Side)
	probe := &PriceLevel{Price: order.Price}
	level, ok := levels.GetMut(probe)
	if !ok {
		return order, true
	}
	for i, o := range level.Orders {
		if o.OrderID == orderID {
			level.Orders = append(level.Orders[:i], level.Orders[i+1:]...)
			break
		}
	}
	if len(level.Orders) == 0 {
		levels.Delete(level)
	}
	return order, true
}

// Get returns a resting order by id.
func (b *OrderBook) Get(orderID string) (*common.Order, bool) {
	o, ok := b.orders[orderID]
	return o, ok
}

// Top returns the best level on the given side.
func (b *OrderBook) Top(side common.Side) (*PriceLevel, bool) {
	return b.side(side).MinMut()
}

// TopOrder returns the first resting order at the best level of the side,
// i.e. the next maker a taker on the opposite side would hit.
func (b *OrderBook) TopOrder(side common.Side) (*common.Order, bool) {
	level, ok := b.side(side).MinMut()
	if !ok || len(level.Orders) == 0 {
		return nil, false
	}
	return level.Orders[0], true
}

// PopExhausted removes the top order of a side once fully filled, dropping
// the level when it empties.
func (b *OrderBook) PopExhausted(side common.Side) {
	levels := b.side(side)
	level, ok := levels.MinMut()
	if !ok || len(level.Orders) == 0 {
		return
	}
	top := level.Orders[0]
	if !top.IsFilled() {
		return
	}
	delete(b.orders, top.OrderID)
	level.Orders = level.Orders[1:]
	if len(level.Orders) == 0 {
		levels.Delete(level)
	}
}

func (b *OrderBook) BestBid() (decimal.Decimal, bool) {
	if level, ok := b.bids.MinMut(); ok {
		return level.Price, true
	}
	return decimal.Zero, false
}

func (b *OrderBook) BestAsk() (decimal.Decimal, bool) {
	if level, ok := b.asks.MinMut(); ok {
		return level.Price, true
	}
	return decimal.Zero, false
}

// DepthLevel is a (price, quantity) pair for depth snapshots.
type DepthLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Depth returns up to n levels per side, best first.
func (b *OrderBook) Depth(n int) (bids, asks []DepthLevel) {
	collect := func(levels *PriceLevels) []DepthLevel {
		out := make([]DepthLevel, 0, n)
		levels.Scan(func(level *PriceLevel) bool {
			out = append(out, DepthLevel{Price: level.Price, Quantity: level.TotalQuantity()})
			return len(out) < n
		})
		return out
	}
	return collect(b.bids), collect(b.asks)
}

// AvailableWithin sums opposite-side liquidity a limit order at price limit
// could reach; pass hasLimit=false for a market order to sweep everything.
// Used for the fill-or-kill pre-check.
func (b *OrderBook) AvailableWithin(side common.Side, limit decimal.Decimal, hasLimit bool) decimal.Decimal {
	total := decimal.Zero
	b.side(side.Opposite()).Scan(func(level *PriceLevel) bool {
		if hasLimit {
			if side == common.Buy && level.Price.GreaterThan(limit) {
				return false
			}
			if side == common.Sell && level.Price.LessThan(limit) {
				return false
			}
		}
		total = total.Add(level.TotalQuantity())
		return true
	})
	return total
}

// RestingCount is the number of orders currently on the book.
func (b *OrderBook) RestingCount() int {
	return len(b.orders)
}
