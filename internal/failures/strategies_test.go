package failures

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

func wsCtx(session string) Context {
	return Context{SessionID: session, Direction: Outbound, Transport: TransportWS}
}

func rng(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// --- DropMessage ------------------------------------------------------------

func TestDropProbabilityExtremes(t *testing.T) {
	never := NewDropMessage(0.0, rng(1))
	always := NewDropMessage(1.0, rng(1))

	for i := 0; i < 100; i++ {
		assert.Equal(t, ActionPass, never.Apply([]byte("m"), wsCtx("s")).Action)
		assert.Equal(t, ActionDrop, always.Apply([]byte("m"), wsCtx("s")).Action)
	}

	stats := always.Stats()
	assert.Equal(t, int64(100), stats["applied"])
	assert.Equal(t, int64(100), stats["dropped"])
}

func TestDropRoughlyMatchesProbability(t *testing.T) {
	s := NewDropMessage(0.5, rng(7))
	dropped := 0
	for i := 0; i < 2000; i++ {
		if s.Apply([]byte("m"), wsCtx("s")).Action == ActionDrop {
			dropped++
		}
	}
	assert.InDelta(t, 1000, dropped, 150)
}

// --- DelayMessage -----------------------------------------------------------

func TestDelayWithinBounds(t *testing.T) {
	s := NewDelayMessage(100, 200, rng(3))

	for i := 0; i < 100; i++ {
		res := s.Apply([]byte("m"), wsCtx("s"))
		require.Equal(t, ActionDelay, res.Action)
		assert.GreaterOrEqual(t, res.Delay, 100*time.Millisecond)
		assert.Less(t, res.Delay, 200*time.Millisecond)
	}
}

func TestDelayDegenerateRange(t *testing.T) {
	s := NewDelayMessage(50, 50, rng(3))
	res := s.Apply([]byte("m"), wsCtx("s"))
	assert.Equal(t, 50*time.Millisecond, res.Delay)
}

// --- LatencyLink ------------------------------------------------------------

func TestLatencyPresetMeans(t *testing.T) {
	// Log-normal mean is exp(mu + sigma^2/2): ~46ms stable, ~155ms typical.
	tests := []struct {
		mode   string
		meanMs float64
	}{
		{"stable", 45.6},
		{"typical", 155.2},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			s := NewLatencyLinkPreset(tt.mode, rng(11))
			var total time.Duration
			n := 5000
			for i := 0; i < n; i++ {
				res := s.Apply([]byte("m"), wsCtx("s"))
				require.Equal(t, ActionDelay, res.Action)
				total += res.Delay
			}
			got := float64(total.Milliseconds()) / float64(n)
			assert.InDelta(t, tt.meanMs, got, tt.meanMs*0.15)
		})
	}
}

// --- Duplicate --------------------------------------------------------------

func TestDuplicateExpands(t *testing.T) {
	s := NewDuplicate(1.0, 2, rng(5))

	res := s.Apply([]byte("m"), wsCtx("s"))
	require.Equal(t, ActionExpand, res.Action)
	// Original plus 1..2 copies.
	assert.GreaterOrEqual(t, len(res.Messages), 2)
	assert.LessOrEqual(t, len(res.Messages), 3)
	for _, m := range res.Messages {
		assert.Equal(t, []byte("m"), m)
	}
}

func TestDuplicateDisabled(t *testing.T) {
	s := NewDuplicate(0.0, 2, rng(5))
	res := s.Apply([]byte("m"), wsCtx("s"))
	assert.Equal(t, ActionPass, res.Action)
}

// --- Corrupt ----------------------------------------------------------------

func TestCorruptMutatesPayload(t *testing.T) {
	s := NewCorrupt(1.0, 0.3, rng(13))
	original := []byte(`{"type":"PING","request_id":"abc"}`)

	res := s.Apply(original, wsCtx("s"))
	require.Equal(t, ActionPass, res.Action)
	assert.NotEqual(t, original, res.Message)
	assert.Len(t, res.Message, len(original))

	// The input slice itself is untouched.
	assert.Equal(t, []byte(`{"type":"PING","request_id":"abc"}`), original)
}

func TestCorruptEmptyMessage(t *testing.T) {
	s := NewCorrupt(1.0, 0.3, rng(13))
	res := s.Apply(nil, wsCtx("s"))
	assert.Equal(t, ActionPass, res.Action)
}

// --- Throttle ---------------------------------------------------------------

func TestThrottleDelaysBeyondBurst(t *testing.T) {
	s := NewThrottle(10)
	clock := time.Now()
	s.now = func() time.Time { return clock }

	// The first 10 pass on the full bucket; the 11th waits.
	for i := 0; i < 10; i++ {
		require.Equal(t, ActionPass, s.Apply([]byte("m"), wsCtx("s")).Action, "message %d", i)
	}
	res := s.Apply([]byte("m"), wsCtx("s"))
	require.Equal(t, ActionDelay, res.Action)
	assert.Greater(t, res.Delay, time.Duration(0))

	// After two seconds the bucket has refilled.
	clock = clock.Add(2 * time.Second)
	assert.Equal(t, ActionPass, s.Apply([]byte("m"), wsCtx("s")).Action)
}

func TestThrottlePerSessionIsolation(t *testing.T) {
	s := NewThrottle(1)
	clock := time.Now()
	s.now = func() time.Time { return clock }

	require.Equal(t, ActionPass, s.Apply([]byte("m"), wsCtx("a")).Action)
	require.Equal(t, ActionDelay, s.Apply([]byte("m"), wsCtx("a")).Action)

	// Session b has its own bucket.
	assert.Equal(t, ActionPass, s.Apply([]byte("m"), wsCtx("b")).Action)
}

// --- SilentConnection -------------------------------------------------------

func TestSilentConnectionGoesQuiet(t *testing.T) {
	s := NewSilentConnection(5, true)

	for i := 0; i < 5; i++ {
		require.Equal(t, ActionPass, s.Apply([]byte("m"), wsCtx("a")).Action, "send %d", i)
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, ActionDrop, s.Apply([]byte("m"), wsCtx("a")).Action)
	}
}

func TestSilentConnectionIsolation(t *testing.T) {
	s := NewSilentConnection(2, true)

	// Silence session a.
	s.Apply([]byte("m"), wsCtx("a"))
	s.Apply([]byte("m"), wsCtx("a"))
	require.Equal(t, ActionDrop, s.Apply([]byte("m"), wsCtx("a")).Action)

	// Session b keeps receiving.
	for i := 0; i < 2; i++ {
		assert.Equal(t, ActionPass, s.Apply([]byte("m"), wsCtx("b")).Action)
	}
}

func TestSilentConnectionIgnoresREST(t *testing.T) {
	s := NewSilentConnection(0, true)
	ctx := Context{SessionID: "a", Direction: Outbound, Transport: TransportREST}
	assert.Equal(t, ActionPass, s.Apply([]byte("m"), ctx).Action)
}

func TestSilentConnectionReconnectPolicy(t *testing.T) {
	// 1. Retained counter survives a reconnect.
	retained := NewSilentConnection(1, true)
	retained.Apply([]byte("m"), wsCtx("a"))
	retained.ResetSession("a")
	assert.Equal(t, ActionDrop, retained.Apply([]byte("m"), wsCtx("a")).Action)

	// 2. Non-retained counter starts over.
	fresh := NewSilentConnection(1, false)
	fresh.Apply([]byte("m"), wsCtx("a"))
	fresh.ResetSession("a")
	assert.Equal(t, ActionPass, fresh.Apply([]byte("m"), wsCtx("a")).Action)
}
