package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"loki/internal/common"
)

// EventSink receives engine events. Calls are made under the engine lock, so
// implementations must only enqueue and never block.
type EventSink interface {
	OrderUpdate(order common.Order)
	OrderFill(fill common.Fill)
	Trade(trade common.Trade)
}

// nopSink lets the engine run before a sink is wired, e.g. in tests.
type nopSink struct{}

func (nopSink) OrderUpdate(common.Order) {}
func (nopSink) OrderFill(common.Fill)    {}
func (nopSink) Trade(common.Trade)       {}

// PlaceRequest carries the validated-at-the-edge parameters of a new order.
// Price is zero when the client sent none.
type PlaceRequest struct {
	Symbol      string
	Side        common.Side
	Type        common.OrderType
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	TimeInForce common.TimeInForce
}

// Engine is the exchange core: books, accounts and matching. It is a serial
// section; every mutation of an order, book or balance happens under mu.
// Price-time priority needs that total order.
type Engine struct {
	mu sync.Mutex

	symbols  map[string]common.Symbol
	books    map[string]*OrderBook
	accounts *AccountManager
	orders   map[string]*common.Order // every order ever placed
	seq      uint64                   // arrival counter
	sink     EventSink

	lastPrices map[string]decimal.Decimal
	poisoned   map[string]bool // sessions frozen after an invariant violation

	rejectEmptyMarket bool
}

func New(symbols []common.Symbol, accounts *AccountManager) *Engine {
	e := &Engine{
		symbols:           make(map[string]common.Symbol, len(symbols)),
		books:             make(map[string]*OrderBook, len(symbols)),
		accounts:          accounts,
		orders:            make(map[string]*common.Order),
		sink:              nopSink{},
		lastPrices:        make(map[string]decimal.Decimal),
		poisoned:          make(map[string]bool),
		rejectEmptyMarket: true,
	}
	for _, sym := range symbols {
		e.symbols[sym.Name] = sym
		e.books[sym.Name] = NewOrderBook(sym.Name)
	}
	return e
}

// SetSink wires the event sink. Must be called before traffic starts.
func (e *Engine) SetSink(sink EventSink) { e.sink = sink }

// SetRejectEmptyMarket configures whether a market order that finds no
// liquidity is rejected outright or cancelled empty.
func (e *Engine) SetRejectEmptyMarket(reject bool) { e.rejectEmptyMarket = reject }

// SetLastPrice seeds the mark price for a symbol, used before any trade.
func (e *Engine) SetLastPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastPrices[symbol] = price
}

func (e *Engine) Symbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.symbols))
	for name := range e.symbols {
		out = append(out, name)
	}
	return out
}

func (e *Engine) HasSymbol(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.symbols[symbol]
	return ok
}

// PlaceOrder validates, reserves, matches and disposes of a new order.
// On a rejection after admission the returned order carries status REJECTED
// and the error kind says why; a request that fails validation returns a zero
// Order.
func (e *Engine) PlaceOrder(sessionID string, req PlaceRequest) (common.Order, []common.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.poisoned[sessionID] {
		return common.Order{}, nil, common.E(common.KindInternal,
			"session %s is frozen after an accounting fault", sessionID)
	}

	sym, ok := e.symbols[req.Symbol]
	if !ok {
		return common.Order{}, nil, common.E(common.KindUnknownSymbol, "unknown symbol %s", req.Symbol)
	}
	if err := validateRequest(req); err != nil {
		return common.Order{}, nil, err
	}

	now := time.Now()
	e.seq++
	order := &common.Order{
		OrderID:        uuid.New().String(),
		SessionID:      sessionID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Price:          req.Price,
		Quantity:       req.Quantity,
		FilledQuantity: decimal.Zero,
		TimeInForce:    req.TimeInForce,
		Status:         common.StatusNew,
		Sequence:       e.seq,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	account := e.accounts.GetOrCreate(sessionID)
	book := e.books[req.Symbol]

	// Reservation at admission. Market buys carry no reservation; they are
	// checked step by step against free quote during the sweep.
	reserved, err := e.reserve(order, account, sym)
	if err != nil {
		order.Status = common.StatusRejected
		e.orders[order.OrderID] = order
		e.sink.OrderUpdate(*order)
		return *order, nil, err
	}

	// FOK must be fillable whole before any fill happens.
	if order.TimeInForce == common.FOK && order.Type == common.LimitOrder {
		available := book.AvailableWithin(order.Side, order.Price, true)
		if available.LessThan(order.Quantity) {
			e.release(order, account, sym, reserved)
			order.Status = common.StatusRejected
			e.orders[order.OrderID] = order
			e.sink.OrderUpdate(*order)
			return *order, nil, common.E(common.KindFOKUnfillable,
				"only %s of %s available within limit", available, order.Quantity)
		}
	}

	e.orders[order.OrderID] = order
	order.Status = common.StatusOpen
	e.sink.OrderUpdate(*order)

	fills, matchErr := e.match(order, book, account, sym)

	e.dispose(order, book, account, sym)

	if matchErr != nil && len(fills) == 0 {
		return *order, nil, matchErr
	}
	if order.Status == common.StatusRejected {
		return *order, fills, common.E(common.KindInvalidOrder, "no liquidity for market order")
	}
	return *order, fills, nil
}

func validateRequest(req PlaceRequest) error {
	if !req.Side.Valid() {
		return common.E(common.KindInvalidOrder, "invalid side %q", req.Side)
	}
	if !req.Type.Valid() {
		return common.E(common.KindInvalidOrder, "invalid order type %q", req.Type)
	}
	if !req.Quantity.IsPositive() {
		return common.E(common.KindInvalidOrder, "quantity must be positive")
	}
	switch req.Type {
	case common.LimitOrder:
		if !req.Price.IsPositive() {
			return common.E(common.KindInvalidOrder, "limit orders require a positive price")
		}
		if !req.TimeInForce.Valid() {
			return common.E(common.KindInvalidOrder, "invalid time in force %q", req.TimeInForce)
		}
	case common.MarketOrder:
		if !req.Price.IsZero() {
			return common.E(common.KindInvalidOrder, "market orders must not carry a price")
		}
	}
	return nil
}

// reserve moves the worst-case cost of the order from free to locked.
// Returns the reserved amount (zero for market buys).
func (e *Engine) reserve(order *common.Order, account *Account, sym common.Symbol) (decimal.Decimal, error) {
	switch {
	case order.Side == common.Buy && order.Type == common.LimitOrder:
		cost := order.Price.Mul(order.Quantity)
		if err := account.Lock(sym.Quote, cost); err != nil {
			return decimal.Zero, err
		}
		return cost, nil
	case order.Side == common.Sell:
		if err := account.Lock(sym.Base, order.Quantity); err != nil {
			return decimal.Zero, err
		}
		return order.Quantity, nil
	}
	return decimal.Zero, nil
}

// release returns an untouched admission reservation; used on whole-order
// rejection before any fill.
func (e *Engine) release(order *common.Order, account *Account, sym common.Symbol, reserved decimal.Decimal) {
	if reserved.IsZero() {
		return
	}
	asset := sym.Base
	if order.Side == common.Buy {
		asset = sym.Quote
	}
	if err := account.Unlock(asset, reserved); err != nil {
		e.poison(order.SessionID, err)
	}
}

// releaseResidual returns the reservation still backing the unfilled part of
// the order; used on cancels and IOC/market remainders.
func (e *Engine) releaseResidual(order *common.Order, account *Account, sym common.Symbol) {
	remaining := order.Remaining()
	if !remaining.IsPositive() {
		return
	}
	switch {
	case order.Side == common.Buy && order.Type == common.LimitOrder:
		if err := account.Unlock(sym.Quote, order.Price.Mul(remaining)); err != nil {
			e.poison(order.SessionID, err)
		}
	case order.Side == common.Sell:
		if err := account.Unlock(sym.Base, remaining); err != nil {
			e.poison(order.SessionID, err)
		}
	}
}

// match sweeps the opposite side in price-time priority. Trades settle at
// the resting order's price.
func (e *Engine) match(taker *common.Order, book *OrderBook, takerAccount *Account, sym common.Symbol) ([]common.Fill, error) {
	var fills []common.Fill

	for taker.Remaining().IsPositive() {
		maker, ok := book.TopOrder(taker.Side.Opposite())
		if !ok {
			break
		}
		if taker.Type == common.LimitOrder && !crosses(taker, maker.Price) {
			break
		}

		qty := decimal.Min(taker.Remaining(), maker.Remaining())
		price := maker.Price

		if err := e.settle(taker, maker, takerAccount, sym, price, qty); err != nil {
			// A market buy ran out of free quote mid-sweep; the step is
			// not applied and the sweep stops.
			if len(fills) == 0 {
				return nil, err
			}
			break
		}

		now := time.Now()
		taker.Fill(qty, now)
		maker.Fill(qty, now)
		e.lastPrices[sym.Name] = price

		takerFill := common.Fill{
			FillID:    uuid.New().String(),
			OrderID:   taker.OrderID,
			SessionID: taker.SessionID,
			Symbol:    sym.Name,
			Side:      taker.Side,
			Price:     price,
			Quantity:  qty,
			IsMaker:   false,
			Timestamp: now,
		}
		makerFill := common.Fill{
			FillID:    uuid.New().String(),
			OrderID:   maker.OrderID,
			SessionID: maker.SessionID,
			Symbol:    sym.Name,
			Side:      maker.Side,
			Price:     price,
			Quantity:  qty,
			IsMaker:   true,
			Timestamp: now,
		}
		fills = append(fills, takerFill)

		e.sink.OrderFill(takerFill)
		e.sink.OrderFill(makerFill)
		e.sink.OrderUpdate(*taker)
		e.sink.OrderUpdate(*maker)
		e.sink.Trade(common.Trade{
			Symbol:        sym.Name,
			Price:         price,
			Quantity:      qty,
			AggressorSide: taker.Side,
			Timestamp:     now,
		})

		if maker.IsFilled() {
			book.PopExhausted(maker.Side)
		}
	}

	return fills, nil
}

func crosses(taker *common.Order, restingPrice decimal.Decimal) bool {
	if taker.Side == common.Buy {
		return taker.Price.GreaterThanOrEqual(restingPrice)
	}
	return taker.Price.LessThanOrEqual(restingPrice)
}

// settle transfers value for one trade of qty at price. The buyer's quote
// leaves its reservation (or free balance for market buys), the seller's
// base leaves its reservation; each side is credited the other asset. When
// the buyer reserved above the trade price the difference goes back to its
// free quote, so the taker keeps any price improvement.
func (e *Engine) settle(taker, maker *common.Order, takerAccount *Account, sym common.Symbol, price, qty decimal.Decimal) error {
	makerAccount := e.accounts.GetOrCreate(maker.SessionID)

	var buyer, seller *common.Order
	var buyerAccount, sellerAccount *Account
	if taker.Side == common.Buy {
		buyer, seller = taker, maker
		buyerAccount, sellerAccount = takerAccount, makerAccount
	} else {
		buyer, seller = maker, taker
		buyerAccount, sellerAccount = makerAccount, takerAccount
	}

	cost := price.Mul(qty)

	if buyer.Type == common.MarketOrder {
		if err := buyerAccount.SpendFree(sym.Quote, cost); err != nil {
			return err
		}
	} else {
		// Reserved at the buyer's own limit; spend that basis and refund
		// the improvement.
		reservedCost := buyer.Price.Mul(qty)
		if err := buyerAccount.SpendLocked(sym.Quote, reservedCost); err != nil {
			e.poison(buyer.SessionID, err)
			return err
		}
		if refund := reservedCost.Sub(cost); refund.IsPositive() {
			buyerAccount.Credit(sym.Quote, refund)
		}
	}
	buyerAccount.Credit(sym.Base, qty)

	if err := sellerAccount.SpendLocked(sym.Base, qty); err != nil {
		e.poison(seller.SessionID, err)
		return err
	}
	sellerAccount.Credit(sym.Quote, cost)

	return nil
}

// dispose settles the fate of whatever is left of the order after matching.
func (e *Engine) dispose(order *common.Order, book *OrderBook, account *Account, sym common.Symbol) {
	if !order.Remaining().IsPositive() {
		return // fully filled
	}
	now := time.Now()

	switch order.Type {
	case common.MarketOrder:
		e.releaseResidual(order, account, sym)
		if order.FilledQuantity.IsZero() && e.rejectEmptyMarket {
			order.Status = common.StatusRejected
		} else {
			order.Status = common.StatusCancelled
		}
		order.UpdatedAt = now
		e.sink.OrderUpdate(*order)

	case common.LimitOrder:
		switch order.TimeInForce {
		case common.IOC:
			e.releaseResidual(order, account, sym)
			order.Status = common.StatusCancelled
			order.UpdatedAt = now
			e.sink.OrderUpdate(*order)
		default: // GTC and the already-checked FOK
			book.Add(order)
			if order.FilledQuantity.IsZero() {
				order.Status = common.StatusOpen
			}
			// Partially filled orders already carry PARTIALLY_FILLED.
		}
	}
}

// CancelOrder removes a resting order and returns its residual reservation.
// Unknown, terminal and foreign orders all come back NOT_FOUND so order ids
// cannot be probed across sessions.
func (e *Engine) CancelOrder(sessionID, orderID string) (common.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok || order.SessionID != sessionID || order.Status.Terminal() {
		return common.Order{}, common.E(common.KindNotFound, "order %s not found", orderID)
	}

	sym := e.symbols[order.Symbol]
	book := e.books[order.Symbol]
	account := e.accounts.GetOrCreate(sessionID)

	book.Remove(orderID)
	e.releaseResidual(order, account, sym)
	order.Status = common.StatusCancelled
	order.UpdatedAt = time.Now()
	e.sink.OrderUpdate(*order)

	return *order, nil
}

// GetOrder returns an order by id. A foreign session's order is FORBIDDEN;
// terminal orders remain queryable indefinitely.
func (e *Engine) GetOrder(sessionID, orderID string) (common.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok {
		return common.Order{}, common.E(common.KindNotFound, "order %s not found", orderID)
	}
	if order.SessionID != sessionID {
		return common.Order{}, common.E(common.KindForbidden, "order %s belongs to another session", orderID)
	}
	return *order, nil
}

// ListOrders returns the session's orders, optionally filtered by symbol
// and/or status, in arrival order.
func (e *Engine) ListOrders(sessionID, symbol string, status common.OrderStatus) []common.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []common.Order
	for _, o := range e.orders {
		if o.SessionID != sessionID {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		out = append(out, *o)
	}
	sortOrdersBySequence(out)
	return out
}

func sortOrdersBySequence(orders []common.Order) {
	// Insertion sort; per-session order counts are small and the slice is
	// already mostly ordered by map iteration luck anyway.
	for i := 1; i < len(orders); i++ {
		for j := i; j > 0 && orders[j].Sequence < orders[j-1].Sequence; j-- {
			orders[j], orders[j-1] = orders[j-1], orders[j]
		}
	}
}

// GetBalances snapshots a session's ledger, creating the account with the
// default balances on first touch.
func (e *Engine) GetBalances(sessionID string) map[string]Balance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accounts.GetOrCreate(sessionID).Balances()
}

// GetPosition reports the session's holdings in the symbol's base asset.
func (e *Engine) GetPosition(sessionID, symbol string) (string, decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sym, ok := e.symbols[symbol]
	if !ok {
		return "", decimal.Zero, common.E(common.KindUnknownSymbol, "unknown symbol %s", symbol)
	}
	bal := e.accounts.GetOrCreate(sessionID).Balance(sym.Base)
	return sym.Base, bal.Total(), nil
}

// LastPrice is the most recent trade price, or the seeded mark price.
func (e *Engine) LastPrice(symbol string) (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.lastPrices[symbol]
	return p, ok
}

// Depth snapshots up to n levels per side of a symbol's book.
func (e *Engine) Depth(symbol string, n int) (bids, asks []DepthLevel, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	book, ok := e.books[symbol]
	if !ok {
		return nil, nil, common.E(common.KindUnknownSymbol, "unknown symbol %s", symbol)
	}
	bids, asks = book.Depth(n)
	return bids, asks, nil
}

// Book exposes the order book for one symbol. Tests and the depth publisher
// use it; mutation stays inside the engine.
func (e *Engine) Book(symbol string) *OrderBook {
	return e.books[symbol]
}

// TotalHoldings sums free+locked for an asset across every session.
func (e *Engine) TotalHoldings(asset string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accounts.TotalHoldings(asset)
}

// poison freezes a session after an accounting invariant broke. The process
// keeps running; the session can no longer place orders.
func (e *Engine) poison(sessionID string, err error) {
	log.Error().Err(err).Str("session", sessionID).Msg("accounting invariant violated, freezing session")
	e.poisoned[sessionID] = true
}
