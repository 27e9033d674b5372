package net

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"loki/internal/common"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Frame type discriminators.
const (
	// Client -> server.
	TypePlaceOrder  = "PLACE_ORDER"
	TypeCancelOrder = "CANCEL_ORDER"
	TypeQueryOrder  = "QUERY_ORDER"
	TypeQueryOrders = "QUERY_ORDERS"
	TypeGetBalance  = "GET_BALANCE"
	TypeGetPosition = "GET_POSITION"
	TypeSubscribe   = "SUBSCRIBE"
	TypeUnsubscribe = "UNSUBSCRIBE"
	TypePing        = "PING"

	// Server -> client.
	TypePong        = "PONG"
	TypeOrderUpdate = "ORDER_UPDATE"
	TypeFill        = "FILL"
	TypeMarketData  = "MARKET_DATA"
	TypeTrade       = "TRADE"
	TypeOrderBook   = "ORDERBOOK"
	TypeOrders      = "ORDERS"
	TypeBalance     = "BALANCE"
	TypePosition    = "POSITION"
	TypeError       = "ERROR"
)

// InboundFrame is the flat envelope every client frame decodes into; the
// type discriminator says which fields are meaningful.
type InboundFrame struct {
	Type        string             `json:"type"`
	RequestID   string             `json:"request_id"`
	Symbol      string             `json:"symbol"`
	Side        common.Side        `json:"side"`
	OrderType   common.OrderType   `json:"order_type"`
	Price       string             `json:"price"`
	Quantity    string             `json:"quantity"`
	TimeInForce common.TimeInForce `json:"time_in_force"`
	OrderID     string             `json:"order_id"`
	Status      string             `json:"status"`
	Channel     common.Channel     `json:"channel"`
}

// OrderJSON is the wire shape of an order in acks, updates and listings.
type OrderJSON struct {
	OrderID        string `json:"order_id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	Price          string `json:"price,omitempty"`
	Quantity       string `json:"quantity"`
	FilledQuantity string `json:"filled_quantity"`
	TimeInForce    string `json:"time_in_force,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

func orderToJSON(o common.Order) OrderJSON {
	out := OrderJSON{
		OrderID:        o.OrderID,
		Symbol:         o.Symbol,
		Side:           string(o.Side),
		Type:           string(o.Type),
		Status:         string(o.Status),
		Quantity:       o.Quantity.String(),
		FilledQuantity: o.FilledQuantity.String(),
		TimeInForce:    string(o.TimeInForce),
		CreatedAt:      o.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:      o.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if o.Type == common.LimitOrder {
		out.Price = o.Price.String()
	}
	return out
}

type PongFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

type ErrorFrame struct {
	Type      string `json:"type"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type OrderUpdateFrame struct {
	Type      string    `json:"type"`
	Order     OrderJSON `json:"order"`
	RequestID string    `json:"request_id,omitempty"`
}

type FillFrame struct {
	Type      string `json:"type"`
	OrderID   string `json:"order_id"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	IsMaker   bool   `json:"is_maker"`
	Timestamp string `json:"timestamp"`
}

type MarketDataFrame struct {
	Type       string `json:"type"`
	Symbol     string `json:"symbol"`
	SequenceID uint64 `json:"sequence_id"`
	Timestamp  string `json:"timestamp"`
	Price      string `json:"price"`
	Bid        string `json:"bid"`
	Ask        string `json:"ask"`
	Volume24h  string `json:"volume_24h"`
	High24h    string `json:"high_24h"`
	Low24h     string `json:"low_24h"`
}

type TradeFrame struct {
	Type          string `json:"type"`
	Symbol        string `json:"symbol"`
	Price         string `json:"price"`
	Quantity      string `json:"quantity"`
	AggressorSide string `json:"aggressor_side"`
	Timestamp     string `json:"timestamp"`
}

type BookLevelJSON struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

type OrderBookFrame struct {
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol"`
	Bids      []BookLevelJSON `json:"bids"`
	Asks      []BookLevelJSON `json:"asks"`
	Timestamp string          `json:"timestamp"`
}

type OrdersFrame struct {
	Type      string      `json:"type"`
	Orders    []OrderJSON `json:"orders"`
	RequestID string      `json:"request_id,omitempty"`
}

type BalanceFrame struct {
	Type      string                    `json:"type"`
	Balances  map[string]BalanceEntryJS `json:"balances"`
	RequestID string                    `json:"request_id,omitempty"`
}

type BalanceEntryJS struct {
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

type PositionFrame struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol"`
	Asset     string `json:"asset"`
	Quantity  string `json:"quantity"`
	RequestID string `json:"request_id,omitempty"`
}

func newErrorFrame(kind common.Kind, message, requestID string) ErrorFrame {
	return ErrorFrame{
		Type:      TypeError,
		Kind:      string(kind),
		Message:   message,
		RequestID: requestID,
	}
}

func newMarketDataFrame(tick common.Tick) MarketDataFrame {
	return MarketDataFrame{
		Type:       TypeMarketData,
		Symbol:     tick.Symbol,
		SequenceID: tick.SequenceID,
		Timestamp:  tick.Timestamp.UTC().Format(time.RFC3339Nano),
		Price:      tick.Price.String(),
		Bid:        tick.Bid.String(),
		Ask:        tick.Ask.String(),
		Volume24h:  tick.Volume24h.String(),
		High24h:    tick.High24h.String(),
		Low24h:     tick.Low24h.String(),
	}
}

func newTradeFrame(trade common.Trade) TradeFrame {
	return TradeFrame{
		Type:          TypeTrade,
		Symbol:        trade.Symbol,
		Price:         trade.Price.String(),
		Quantity:      trade.Quantity.String(),
		AggressorSide: string(trade.AggressorSide),
		Timestamp:     trade.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func newFillFrame(fill common.Fill) FillFrame {
	return FillFrame{
		Type:      TypeFill,
		OrderID:   fill.OrderID,
		Price:     fill.Price.String(),
		Quantity:  fill.Quantity.String(),
		IsMaker:   fill.IsMaker,
		Timestamp: fill.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// marshalFrame encodes a frame; an encode failure is a programming error and
// is logged rather than propagated.
func marshalFrame(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("frame marshal failed")
		return nil
	}
	return data
}

// parseDecimal parses an optional decimal field; an empty string yields zero,
// leaving range checks to the engine.
func parseDecimal(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Zero, true
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
