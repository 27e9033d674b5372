package net

import (
	"github.com/rs/zerolog/log"

	"loki/internal/common"
	"loki/internal/engine"
)

// Router dispatches decoded client frames to the engine and subscription
// registry. Replies leave through emit, which pushes them into the outbound
// failure chain; the router itself never touches a socket.
type Router struct {
	engine  *engine.Engine
	manager *Manager
	emit    func(sessionID, messageType string, frame any)
}

func NewRouter(eng *engine.Engine, manager *Manager) *Router {
	return &Router{engine: eng, manager: manager}
}

// SetEmit wires the outbound path. Must be set before traffic starts.
func (r *Router) SetEmit(emit func(sessionID, messageType string, frame any)) {
	r.emit = emit
}

// HandleInbound is the inbound chain's deliver hook: one raw frame from one
// session, post failure injection.
func (r *Router) HandleInbound(raw []byte, sessionID string) {
	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		// Corrupted or malformed input must not disturb session state.
		r.reply(sessionID, newErrorFrame(common.KindMalformed, "invalid JSON", ""))
		return
	}
	if sess, ok := r.manager.Get(sessionID); ok {
		sess.touch()
	}

	switch frame.Type {
	case TypePlaceOrder:
		r.handlePlaceOrder(sessionID, frame)
	case TypeCancelOrder:
		r.handleCancelOrder(sessionID, frame)
	case TypeQueryOrder:
		r.handleQueryOrder(sessionID, frame)
	case TypeQueryOrders:
		r.handleQueryOrders(sessionID, frame)
	case TypeGetBalance:
		r.handleGetBalance(sessionID, frame)
	case TypeGetPosition:
		r.handleGetPosition(sessionID, frame)
	case TypeSubscribe:
		r.handleSubscribe(sessionID, frame)
	case TypeUnsubscribe:
		r.handleUnsubscribe(sessionID, frame)
	case TypePing:
		r.reply(sessionID, PongFrame{Type: TypePong, RequestID: frame.RequestID})
	case "":
		r.reply(sessionID, newErrorFrame(common.KindMalformed, "missing type field", frame.RequestID))
	default:
		r.reply(sessionID, newErrorFrame(common.KindUnknownMessageType,
			"unknown message type "+frame.Type, frame.RequestID))
	}
}

func (r *Router) reply(sessionID string, frame any) {
	if r.emit == nil {
		log.Warn().Str("session", sessionID).Msg("router emit not wired, reply discarded")
		return
	}
	messageType := ""
	switch f := frame.(type) {
	case PongFrame:
		messageType = f.Type
	case ErrorFrame:
		messageType = f.Type
	case OrderUpdateFrame:
		messageType = f.Type
	case OrdersFrame:
		messageType = f.Type
	case BalanceFrame:
		messageType = f.Type
	case PositionFrame:
		messageType = f.Type
	}
	r.emit(sessionID, messageType, frame)
}

// replyError maps a kinded error onto an ERROR frame with the request id
// echoed back when the client sent one.

func (r *Router) replyError(sessionID string, err error, requestID string) {
	msg := err.Error()
	if e, ok := err.(*common.Error); ok {
		msg = e.Msg
	}
	r.reply(sessionID, newErrorFrame(common.KindOf(err), msg, requestID))
}

func (r *Router) handlePlaceOrder(sessionID string, frame InboundFrame) {
	price, ok := parseDecimal(frame.Price)
	if !ok {
		r.reply(sessionID, newErrorFrame(common.KindInvalidOrder, "invalid price", frame.RequestID))
		return
	}
	qty, ok := parseDecimal(frame.Quantity)
	if !ok {
		r.reply(sessionID, newErrorFrame(common.KindInvalidOrder, "invalid quantity", frame.RequestID))
		return
	}
	tif := frame.TimeInForce
	if tif == "" {
		tif = common.GTC
	}

	order, _, err := r.engine.PlaceOrder(sessionID, engine.PlaceRequest{
		Symbol:      frame.Symbol,
		Side:        frame.Side,
		Type:        frame.OrderType,
		Price:       price,
		Quantity:    qty,
		TimeInForce: tif,
	})
	if err != nil {
		r.replyError(sessionID, err, frame.RequestID)
		return
	}
	// Fills and intermediate transitions already flowed through the engine
	// sink; the ack correlates the final state with the request.
	r.reply(sessionID, OrderUpdateFrame{
		Type:      TypeOrderUpdate,
		Order:     orderToJSON(order),
		RequestID: frame.RequestID,
	})
}

func (r *Router) handleCancelOrder(sessionID string, frame InboundFrame) {
	order, err := r.engine.CancelOrder(sessionID, frame.OrderID)
	if err != nil {
		r.replyError(sessionID, err, frame.RequestID)
		return
	}
	r.reply(sessionID, OrderUpdateFrame{
		Type:      TypeOrderUpdate,
		Order:     orderToJSON(order),
		RequestID: frame.RequestID,
	})
}

func (r *Router) handleQueryOrder(sessionID string, frame InboundFrame) {
	order, err := r.engine.GetOrder(sessionID, frame.OrderID)
	if err != nil {
		r.replyError(sessionID, err, frame.RequestID)
		return
	}
	r.reply(sessionID, OrderUpdateFrame{
		Type:      TypeOrderUpdate,
		Order:     orderToJSON(order),
		RequestID: frame.RequestID,
	})
}

func (r *Router) handleQueryOrders(sessionID string, frame InboundFrame) {
	orders := r.engine.ListOrders(sessionID, frame.Symbol, common.OrderStatus(frame.Status))
	out := make([]OrderJSON, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderToJSON(o))
	}
	r.reply(sessionID, OrdersFrame{Type: TypeOrders, Orders: out, RequestID: frame.RequestID})
}

func (r *Router) handleGetBalance(sessionID string, frame InboundFrame) {
	balances := r.engine.GetBalances(sessionID)
	out := make(map[string]BalanceEntryJS, len(balances))
	for asset, b := range balances {
		out[asset] = BalanceEntryJS{Free: b.Free.String(), Locked: b.Locked.String()}
	}
	r.reply(sessionID, BalanceFrame{Type: TypeBalance, Balances: out, RequestID: frame.RequestID})
}

func (r *Router) handleGetPosition(sessionID string, frame InboundFrame) {
	asset, qty, err := r.engine.GetPosition(sessionID, frame.Symbol)
	if err != nil {
		r.replyError(sessionID, err, frame.RequestID)
		return
	}
	r.reply(sessionID, PositionFrame{
		Type:      TypePosition,
		Symbol:    frame.Symbol,
		Asset:     asset,
		Quantity:  qty.String(),
		RequestID: frame.RequestID,
	})
}

func (r *Router) handleSubscribe(sessionID string, frame InboundFrame) {
	if !frame.Channel.Valid() {
		r.reply(sessionID, newErrorFrame(common.KindInvalidOrder,
			"unknown channel "+string(frame.Channel), frame.RequestID))
		return
	}
	if !r.engine.HasSymbol(frame.Symbol) {
		r.reply(sessionID, newErrorFrame(common.KindUnknownSymbol,
			"unknown symbol "+frame.Symbol, frame.RequestID))
		return
	}
	sess, ok := r.manager.Get(sessionID)
	if !ok {
		return
	}
	sess.subscribe(frame.Channel.Key(frame.Symbol))
	log.Debug().
		Str("session", sessionID).
		Str("channel", frame.Channel.Key(frame.Symbol)).
		Msg("subscribed")
}

func (r *Router) handleUnsubscribe(sessionID string, frame InboundFrame) {
	sess, ok := r.manager.Get(sessionID)
	if !ok {
		return
	}
	sess.unsubscribe(frame.Channel.Key(frame.Symbol))
}
