package net

import (
	"bytes"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loki/internal/config"
	"loki/internal/failures"
)

// --- Setup & Helpers --------------------------------------------------------

func (h *harness) request(t *testing.T, method, path, session string, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, h.http.URL+path, reader)
	require.NoError(t, err)
	if session != "" {
		req.Header.Set(sessionHeader, session)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &decoded), "body: %s", data)
	}
	return resp, decoded
}

// --- Tests ------------------------------------------------------------------

func TestRESTHealth(t *testing.T) {
	h := newHarness(t, quietConfig())
	resp, body := h.request(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestRESTSymbols(t *testing.T) {
	h := newHarness(t, quietConfig())
	resp, body := h.request(t, http.MethodGet, "/api/v1/symbols", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["symbols"], "BTC/USD")
}

func TestRESTTicker(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.server.publisher.PublishNow("BTC/USD")

	resp, body := h.request(t, http.MethodGet, "/api/v1/ticker?symbol=BTC/USD", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "50000", body["last_price"])
	assert.NotEmpty(t, body["bid"])
	assert.NotEmpty(t, body["ask"])

	resp, _ = h.request(t, http.MethodGet, "/api/v1/ticker?symbol=NOPE/USD", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRESTOrderLifecycle(t *testing.T) {
	h := newHarness(t, quietConfig())

	// 1. Place.
	resp, order := h.request(t, http.MethodPost, "/api/v1/orders", "alice",
		`{"symbol":"BTC/USD","side":"BUY","type":"LIMIT","price":"40000","quantity":"1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	orderID := order["order_id"].(string)
	assert.Equal(t, "OPEN", order["status"])

	// 2. Get.
	resp, got := h.request(t, http.MethodGet, "/api/v1/orders/"+orderID, "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, orderID, got["order_id"])

	// 3. List with filters.
	resp, list := h.request(t, http.MethodGet, "/api/v1/orders?status=OPEN", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list["orders"], 1)

	// 4. Cancel.
	resp, cancelled := h.request(t, http.MethodDelete, "/api/v1/orders/"+orderID, "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", cancelled["status"])

	// 5. Cancel again: 404.
	resp, _ = h.request(t, http.MethodDelete, "/api/v1/orders/"+orderID, "alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRESTOrderErrors(t *testing.T) {
	h := newHarness(t, quietConfig())

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"bad json", `{"symbol":`, http.StatusBadRequest},
		{"unknown symbol", `{"symbol":"XRP/USD","side":"BUY","type":"LIMIT","price":"1","quantity":"1"}`, http.StatusBadRequest},
		{"missing price", `{"symbol":"BTC/USD","side":"BUY","type":"LIMIT","quantity":"1"}`, http.StatusBadRequest},
		{"insufficient", `{"symbol":"BTC/USD","side":"BUY","type":"LIMIT","price":"50000","quantity":"100"}`, http.StatusPaymentRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := h.request(t, http.MethodPost, "/api/v1/orders", "bob", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestRESTForeignOrderHidden(t *testing.T) {
	h := newHarness(t, quietConfig())

	_, order := h.request(t, http.MethodPost, "/api/v1/orders", "owner",
		`{"symbol":"BTC/USD","side":"BUY","type":"LIMIT","price":"40000","quantity":"1"}`)
	orderID := order["order_id"].(string)

	resp, _ := h.request(t, http.MethodGet, "/api/v1/orders/"+orderID, "intruder", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = h.request(t, http.MethodDelete, "/api/v1/orders/"+orderID, "intruder", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRESTBalanceAndPosition(t *testing.T) {
	h := newHarness(t, quietConfig())

	resp, body := h.request(t, http.MethodGet, "/api/v1/balance", "carol", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	balances := body["balances"].(map[string]any)
	usd := balances["USD"].(map[string]any)
	assert.Equal(t, "100000", usd["free"])

	resp, pos := h.request(t, http.MethodGet, "/api/v1/position?symbol=BTC/USD", "carol", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "BTC", pos["asset"])
	assert.Equal(t, "10", pos["quantity"])

	resp, _ = h.request(t, http.MethodGet, "/api/v1/position", "carol", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRESTPricesBackfill(t *testing.T) {
	h := newHarness(t, quietConfig())
	for i := 0; i < 10; i++ {
		h.server.publisher.PublishNow("BTC/USD")
	}

	resp, body := h.request(t, http.MethodGet, "/api/v1/prices?symbol=BTC/USD", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	prices := body["prices"].([]any)
	require.GreaterOrEqual(t, len(prices), 10)

	// Sequence ids are in order and contiguous at the source.
	var last float64
	for _, p := range prices {
		seq := p.(map[string]any)["sequence_id"].(float64)
		require.Equal(t, last+1, seq)
		last = seq
	}

	// Limit truncates.
	resp, body = h.request(t, http.MethodGet, "/api/v1/prices?symbol=BTC/USD&limit=3", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["prices"], 3)

	// Bad limit is a 400.
	resp, _ = h.request(t, http.MethodGet, "/api/v1/prices?symbol=BTC/USD&limit=x", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRESTRateLimitEscalation(t *testing.T) {
	cfg := quietConfig()
	cfg.Failures.Enabled = true
	cfg.Failures.Latency.Mode = ""
	cfg.Failures.Modes = map[string]config.FailureMode{
		"rate_limit": {Enabled: true, RequestsPerSecond: 10},
	}
	h := newHarness(t, cfg)

	var codes []int
	var lastBody map[string]any
	for i := 0; i < 15; i++ {
		resp, body := h.request(t, http.MethodGet, "/api/v1/symbols", "burster", "")
		codes = append(codes, resp.StatusCode)
		lastBody = body
	}

	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, codes[i], "request %d", i)
	}
	for i := 10; i < 15; i++ {
		assert.Equal(t, http.StatusTooManyRequests, codes[i], "request %d", i)
	}
	assert.Equal(t, float64(1), lastBody["violation_count"])
	assert.Equal(t, float64(10), lastBody["retry_after"])

	// Other sessions are unaffected.
	resp, _ := h.request(t, http.MethodGet, "/api/v1/symbols", "innocent", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health is outside the limited prefix.
	resp, _ = h.request(t, http.MethodGet, "/health", "burster", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRESTRateLimitRetryAfterHeader(t *testing.T) {
	cfg := quietConfig()
	cfg.Failures.Enabled = true
	cfg.Failures.Latency.Mode = ""
	cfg.Failures.Modes = map[string]config.FailureMode{
		"rate_limit": {Enabled: true, RequestsPerSecond: 1},
	}
	h := newHarness(t, cfg)

	h.request(t, http.MethodGet, "/api/v1/symbols", "h", "")
	req, err := http.NewRequest(http.MethodGet, h.http.URL+"/api/v1/symbols", nil)
	require.NoError(t, err)
	req.Header.Set(sessionHeader, "h")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "10", resp.Header.Get("Retry-After"))
}

func TestRESTAdminFailureStats(t *testing.T) {
	cfg := quietConfig()
	cfg.Failures.Enabled = true
	cfg.Failures.Latency.Mode = ""
	cfg.Failures.Modes = map[string]config.FailureMode{
		"drop_messages": {Enabled: true, Probability: 1.0},
	}
	h := newHarness(t, cfg)

	// Feed one message through the inbound chain so the counter moves.
	h.server.injector.ProcessInbound([]byte(`{"type":"PING"}`),
		failures.Context{SessionID: "s", Transport: failures.TransportWS})

	resp, body := h.request(t, http.MethodGet, "/admin/failures", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["enabled"])
	inbound := body["inbound"].(map[string]any)
	drop := inbound["drop"].(map[string]any)
	assert.Equal(t, float64(1), drop["dropped"])

	// Reset zeroes everything.
	resp, _ = h.request(t, http.MethodPost, "/admin/failures/reset", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, body = h.request(t, http.MethodGet, "/admin/failures", "", "")
	inbound = body["inbound"].(map[string]any)
	drop = inbound["drop"].(map[string]any)
	assert.Equal(t, float64(0), drop["dropped"])
}

func TestRESTMetricsExposed(t *testing.T) {
	h := newHarness(t, quietConfig())
	resp, err := http.Get(h.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRESTScenarioLimitMatch(t *testing.T) {
	// Spec scenario 1 driven end to end over REST.
	h := newHarness(t, quietConfig())

	resp, _ := h.request(t, http.MethodPost, "/api/v1/orders", "A",
		`{"symbol":"BTC/USD","side":"SELL","type":"LIMIT","price":"50000","quantity":"1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, order := h.request(t, http.MethodPost, "/api/v1/orders", "B",
		`{"symbol":"BTC/USD","side":"BUY","type":"LIMIT","price":"50000","quantity":"1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "FILLED", order["status"])

	_, balA := h.request(t, http.MethodGet, "/api/v1/balance", "A", "")
	_, balB := h.request(t, http.MethodGet, "/api/v1/balance", "B", "")
	usdA := balA["balances"].(map[string]any)["USD"].(map[string]any)
	usdB := balB["balances"].(map[string]any)["USD"].(map[string]any)
	assert.Equal(t, "150000", usdA["free"])
	assert.Equal(t, "50000", usdB["free"])

	_, posA := h.request(t, http.MethodGet, "/api/v1/position?symbol=BTC/USD", "A", "")
	_, posB := h.request(t, http.MethodGet, "/api/v1/position?symbol=BTC/USD", "B", "")
	assert.Equal(t, "9", posA["quantity"])
	assert.Equal(t, "11", posB["quantity"])
}
