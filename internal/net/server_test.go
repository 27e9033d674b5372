package net

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	tomb "gopkg.in/tomb.v2"

	"loki/internal/common"
	"loki/internal/config"
	"loki/internal/engine"
	"loki/internal/marketdata"
)

// --- Shared test harness ----------------------------------------------------

func testBalances() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"USD": decimal.RequireFromString("100000"),
		"BTC": decimal.RequireFromString("10"),
	}
}

type harness struct {
	server *Server
	http   *httptest.Server
}

// newHarness builds a fully wired server around the given config and serves
// it through httptest. The background machinery runs under a tomb tied to
// the test lifetime.
func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()

	sym, err := common.ParseSymbol("BTC/USD")
	require.NoError(t, err)
	eng := engine.New([]common.Symbol{sym}, engine.NewAccountManager(testBalances()))

	pub := marketdata.NewPublisher()
	model := marketdata.NewGBM(0.0, 0.0, cfg.TickInterval(), nil) // flat price for determinism
	pub.AddTicker(marketdata.NewTicker("BTC/USD", decimal.RequireFromString("50000"),
		model, cfg.TickInterval(), cfg.Exchange.SpreadBps, cfg.Exchange.PricePrecision), 1000)
	eng.SetLastPrice("BTC/USD", decimal.RequireFromString("50000"))

	srv, err := NewServer(cfg, eng, pub)
	require.NoError(t, err)

	tb := &tomb.Tomb{}
	srv.Start(tb)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		tb.Kill(nil)
		_ = tb.Wait()
	})
	return &harness{server: srv, http: ts}
}

func quietConfig() *config.Config {
	cfg := config.Default()
	cfg.Exchange.TickInterval = 0.02
	return cfg
}

// dial opens a WebSocket client with an explicit session id.
func (h *harness) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	header := map[string][]string{}
	if sessionID != "" {
		header[sessionHeader] = []string{sessionID}
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

// readUntil reads frames until one satisfies the predicate or the deadline
// passes.
func readUntil(t *testing.T, conn *websocket.Conn, timeout time.Duration, pred func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn, time.Until(deadline))
		if pred(frame) {
			return frame
		}
	}
	t.Fatal("no matching frame before deadline")
	return nil
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// --- WebSocket flow ---------------------------------------------------------

func TestWSPingPong(t *testing.T) {
	h := newHarness(t, quietConfig())
	conn := h.dial(t, "ws-ping")

	send(t, conn, `{"type":"PING","request_id":"abc"}`)
	frame := readFrame(t, conn, time.Second)
	require.Equal(t, TypePong, frame["type"])
	require.Equal(t, "abc", frame["request_id"])
}

func TestWSPlaceOrderAndFillFlow(t *testing.T) {
	h := newHarness(t, quietConfig())
	seller := h.dial(t, "seller")
	buyer := h.dial(t, "buyer")

	send(t, seller, `{"type":"PLACE_ORDER","request_id":"s1","symbol":"BTC/USD",
		"side":"SELL","order_type":"LIMIT","price":"50000","quantity":"1"}`)
	readUntil(t, seller, 2*time.Second, func(f map[string]any) bool {
		return f["type"] == TypeOrderUpdate
	})

	send(t, buyer, `{"type":"PLACE_ORDER","request_id":"b1","symbol":"BTC/USD",
		"side":"BUY","order_type":"LIMIT","price":"50000","quantity":"1"}`)

	// The buyer sees a FILL and a FILLED order update.
	fill := readUntil(t, buyer, 2*time.Second, func(f map[string]any) bool {
		return f["type"] == TypeFill
	})
	require.Equal(t, "50000", fill["price"])
	require.Equal(t, "1", fill["quantity"])

	filled := readUntil(t, buyer, 2*time.Second, func(f map[string]any) bool {
		if f["type"] != TypeOrderUpdate {
			return false
		}
		order := f["order"].(map[string]any)
		return order["status"] == string(common.StatusFilled)
	})
	require.NotNil(t, filled)

	// The seller's resting order fills too.
	readUntil(t, seller, 2*time.Second, func(f map[string]any) bool {
		if f["type"] != TypeOrderUpdate {
			return false
		}
		order := f["order"].(map[string]any)
		return order["status"] == string(common.StatusFilled)
	})
}

func TestWSTradesChannel(t *testing.T) {
	h := newHarness(t, quietConfig())
	watcher := h.dial(t, "watcher")
	trader := h.dial(t, "trader")
	other := h.dial(t, "other")

	send(t, watcher, `{"type":"SUBSCRIBE","channel":"TRADES","symbol":"BTC/USD"}`)
	time.Sleep(50 * time.Millisecond) // let the subscription land

	send(t, trader, `{"type":"PLACE_ORDER","symbol":"BTC/USD","side":"SELL",
		"order_type":"LIMIT","price":"50000","quantity":"1"}`)
	send(t, other, `{"type":"PLACE_ORDER","symbol":"BTC/USD","side":"BUY",
		"order_type":"LIMIT","price":"50000","quantity":"1"}`)

	trade := readUntil(t, watcher, 2*time.Second, func(f map[string]any) bool {
		return f["type"] == TypeTrade
	})
	require.Equal(t, "BTC/USD", trade["symbol"])
	require.Equal(t, "50000", trade["price"])
	require.Equal(t, string(common.Buy), trade["aggressor_side"])
}

func TestWSMarketDataSequence(t *testing.T) {
	h := newHarness(t, quietConfig())
	conn := h.dial(t, "md")

	send(t, conn, `{"type":"SUBSCRIBE","channel":"MARKET_DATA","symbol":"BTC/USD"}`)

	var last float64
	for i := 0; i < 3; i++ {
		frame := readUntil(t, conn, 3*time.Second, func(f map[string]any) bool {
			return f["type"] == TypeMarketData
		})
		seq := frame["sequence_id"].(float64)
		require.Greater(t, seq, last, "sequence must increase")
		last = seq
	}
}

func TestWSSilentConnectionIsolation(t *testing.T) {
	cfg := quietConfig()
	cfg.Failures.Enabled = true
	cfg.Failures.Latency.Mode = "" // no link delay, keep the test fast
	cfg.Failures.Modes = map[string]config.FailureMode{
		"silent_connection": {Enabled: true, AfterMessages: 5},
	}
	h := newHarness(t, cfg)

	silenced := h.dial(t, "silenced")
	healthy := h.dial(t, "healthy")
	send(t, silenced, `{"type":"SUBSCRIBE","channel":"TICKER","symbol":"BTC/USD"}`)
	send(t, healthy, `{"type":"SUBSCRIBE","channel":"TICKER","symbol":"BTC/USD"}`)

	// Session A receives exactly 5 messages, then goes dark while the
	// socket stays open.
	for i := 0; i < 5; i++ {
		readFrame(t, silenced, 2*time.Second)
	}
	require.NoError(t, silenced.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := silenced.ReadMessage()
	require.Error(t, err, "session should be silent")

	// Session B keeps receiving well past A's cutoff.
	for i := 0; i < 8; i++ {
		readFrame(t, healthy, 2*time.Second)
	}

	// A's inbound path still works: the engine accepts its orders even
	// though it will never see the reply.
	send(t, silenced, `{"type":"PLACE_ORDER","symbol":"BTC/USD","side":"SELL",
		"order_type":"LIMIT","price":"70000","quantity":"1"}`)
	time.Sleep(100 * time.Millisecond)
	orders := h.server.engine.ListOrders("silenced", "", "")
	require.Len(t, orders, 1)
}

func TestWSDisconnectPreservesOrders(t *testing.T) {
	h := newHarness(t, quietConfig())
	conn := h.dial(t, "leaver")

	send(t, conn, `{"type":"PLACE_ORDER","symbol":"BTC/USD","side":"BUY",
		"order_type":"LIMIT","price":"40000","quantity":"1"}`)
	readUntil(t, conn, 2*time.Second, func(f map[string]any) bool {
		return f["type"] == TypeOrderUpdate
	})

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.server.manager.Count() == 0 },
		time.Second, 10*time.Millisecond)

	// The account and the resting order survive the socket.
	orders := h.server.engine.ListOrders("leaver", "", common.StatusOpen)
	require.Len(t, orders, 1)
	bal := h.server.engine.GetBalances("leaver")["USD"]
	require.True(t, bal.Locked.Equal(decimal.RequireFromString("40000")))
}
