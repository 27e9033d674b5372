package net

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"loki/internal/common"
	"loki/internal/engine"
	"loki/internal/failures"
	"loki/internal/marketdata"
)

const (
	defaultRESTSession = "rest-session"
	sessionHeader      = "X-Session-ID"

	pricesDefaultLimit = 500
	pricesMaxLimit     = 10000
	depthLevels        = 10
)

// restAPI owns the HTTP handlers. All engine access goes through the
// engine's snapshot accessors; a 4xx never mutates state.
type restAPI struct {
	engine    *engine.Engine
	publisher *marketdata.Publisher
	injector  *failures.Injector
	limiter   *failures.RestLimiter
	latency   *failures.LatencyLink
}

func newRestAPI(eng *engine.Engine, pub *marketdata.Publisher, inj *failures.Injector, limiter *failures.RestLimiter, latency *failures.LatencyLink) *restAPI {
	return &restAPI{engine: eng, publisher: pub, injector: inj, limiter: limiter, latency: latency}
}

// routes builds the router: public API under /api/v1 behind the rate
// limiter, plus health, metrics and the failure admin surface.
func (a *restAPI) routes(reg *prometheus.Registry) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", a.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(a.rateLimit)
	api.HandleFunc("/symbols", a.symbols).Methods(http.MethodGet)
	api.HandleFunc("/ticker", a.ticker).Methods(http.MethodGet)
	api.HandleFunc("/prices", a.prices).Methods(http.MethodGet)
	api.HandleFunc("/orderbook", a.orderbook).Methods(http.MethodGet)
	api.HandleFunc("/orders", a.placeOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders", a.listOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", a.getOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", a.cancelOrder).Methods(http.MethodDelete)
	api.HandleFunc("/balance", a.balance).Methods(http.MethodGet)
	api.HandleFunc("/position", a.position).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/failures", a.failureStats).Methods(http.MethodGet)
	admin.HandleFunc("/failures/reset", a.failureReset).Methods(http.MethodPost)

	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return r
}

func sessionID(r *http.Request) string {
	if id := r.Header.Get(sessionHeader); id != "" {
		return id
	}
	return defaultRESTSession
}

// rateLimit applies the REST budget before any routing work happens.
func (a *restAPI) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.latency != nil {
			// REST rides the same simulated link as the stream.
			time.Sleep(a.latency.Sample())
		}
		if a.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		v := a.limiter.Check(sessionID(r))
		if v.Allowed {
			next.ServeHTTP(w, r)
			return
		}
		retrySeconds := int(math.Ceil(v.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retrySeconds))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":           string(common.KindRateLimited),
			"retry_after":     retrySeconds,
			"violation_count": v.ViolationCount,
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := common.KindOf(err)
	msg := err.Error()
	if e, ok := err.(*common.Error); ok {
		msg = e.Msg
	}
	writeJSON(w, statusFor(kind), map[string]any{
		"error":   string(kind),
		"message": msg,
	})
}

func statusFor(kind common.Kind) int {
	switch kind {
	case common.KindUnknownSymbol, common.KindInvalidOrder, common.KindMalformed, common.KindFOKUnfillable:
		return http.StatusBadRequest
	case common.KindInsufficientBalance:
		return http.StatusPaymentRequired
	case common.KindNotFound:
		return http.StatusNotFound
	case common.KindForbidden:
		return http.StatusForbidden
	case common.KindRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func (a *restAPI) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *restAPI) symbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"symbols": a.engine.Symbols()})
}

func (a *restAPI) ticker(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	ticker, ok := a.publisher.Ticker(symbol)
	if !ok {
		writeError(w, common.E(common.KindUnknownSymbol, "unknown symbol %s", symbol))
		return
	}
	tick := ticker.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":      symbol,
		"last_price":  tick.Price.String(),
		"bid":         tick.Bid.String(),
		"ask":         tick.Ask.String(),
		"volume_24h":  tick.Volume24h.String(),
		"high_24h":    tick.High24h.String(),
		"low_24h":     tick.Low24h.String(),
		"sequence_id": tick.SequenceID,
		"timestamp":   tick.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// prices is the backfill endpoint: the rolling history window in time
// order, optionally bounded by [start, end] (RFC 3339) and truncated to
// limit.
func (a *restAPI) prices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	history, ok := a.publisher.History(symbol)
	if !ok {
		writeError(w, common.E(common.KindUnknownSymbol, "unknown symbol %s", symbol))
		return
	}

	var start, end time.Time
	var err error
	if s := q.Get("start"); s != "" {
		if start, err = time.Parse(time.RFC3339, s); err != nil {
			writeError(w, common.E(common.KindMalformed, "bad start time"))
			return
		}
	}
	if s := q.Get("end"); s != "" {
		if end, err = time.Parse(time.RFC3339, s); err != nil {
			writeError(w, common.E(common.KindMalformed, "bad end time"))
			return
		}
	}

	limit := pricesDefaultLimit
	if s := q.Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit <= 0 {
			writeError(w, common.E(common.KindMalformed, "bad limit"))
			return
		}
		if limit > pricesMaxLimit {
			limit = pricesMaxLimit
		}
	}

	ticks := history.Range(start, end, limit)
	prices := make([]MarketDataFrame, 0, len(ticks))
	for _, tick := range ticks {
		prices = append(prices, newMarketDataFrame(tick))
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "prices": prices})
}

func (a *restAPI) orderbook(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	bids, asks, err := a.engine.Depth(symbol, depthLevels)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": symbol,
		"bids":   depthToJSON(bids),
		"asks":   depthToJSON(asks),
	})
}

func depthToJSON(levels []engine.DepthLevel) []BookLevelJSON {
	out := make([]BookLevelJSON, 0, len(levels))
	for _, l := range levels {
		out = append(out, BookLevelJSON{Price: l.Price.String(), Quantity: l.Quantity.String()})
	}
	return out
}

type placeOrderBody struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Price       string `json:"price"`
	Quantity    string `json:"quantity"`
	TimeInForce string `json:"time_in_force"`
}

func (a *restAPI) placeOrder(w http.ResponseWriter, r *http.Request) {
	var body placeOrderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, common.E(common.KindMalformed, "invalid JSON body"))
		return
	}
	price, ok := parseDecimal(body.Price)
	if !ok {
		writeError(w, common.E(common.KindInvalidOrder, "invalid price"))
		return
	}
	qty, ok := parseDecimal(body.Quantity)
	if !ok {
		writeError(w, common.E(common.KindInvalidOrder, "invalid quantity"))
		return
	}
	tif := common.TimeInForce(body.TimeInForce)
	if tif == "" {
		tif = common.GTC
	}

	order, _, err := a.engine.PlaceOrder(sessionID(r), engine.PlaceRequest{
		Symbol:      body.Symbol,
		Side:        common.Side(body.Side),
		Type:        common.OrderType(body.Type),
		Price:       price,
		Quantity:    qty,
		TimeInForce: tif,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderToJSON(order))
}

func (a *restAPI) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.engine.GetOrder(sessionID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderToJSON(order))
}

func (a *restAPI) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orders := a.engine.ListOrders(sessionID(r), q.Get("symbol"), common.OrderStatus(q.Get("status")))
	out := make([]OrderJSON, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderToJSON(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

func (a *restAPI) cancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.engine.CancelOrder(sessionID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id": order.OrderID,
		"status":   "cancelled",
	})
}

func (a *restAPI) balance(w http.ResponseWriter, r *http.Request) {
	balances := a.engine.GetBalances(sessionID(r))
	out := make(map[string]BalanceEntryJS, len(balances))
	for asset, b := range balances {
		out[asset] = BalanceEntryJS{Free: b.Free.String(), Locked: b.Locked.String()}
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": out})
}

func (a *restAPI) position(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, common.E(common.KindMalformed, "symbol parameter required"))
		return
	}
	asset, qty, err := a.engine.GetPosition(sessionID(r), symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":   symbol,
		"asset":    asset,
		"quantity": qty.String(),
	})
}

func (a *restAPI) failureStats(w http.ResponseWriter, r *http.Request) {
	stats := a.injector.Stats()
	if a.limiter != nil {
		stats["rate_limit"] = a.limiter.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *restAPI) failureReset(w http.ResponseWriter, r *http.Request) {
	a.injector.Reset()
	if a.limiter != nil {
		a.limiter.Reset()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
