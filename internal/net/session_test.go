package net

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Sessions here never touch a real socket; enqueue and subscription logic
// work against the queue alone.

func TestManagerAddAssignsID(t *testing.T) {
	m := NewManager()

	sess := m.Add("", nil)
	assert.NotEmpty(t, sess.ID)

	named := m.Add("client-7", nil)
	assert.Equal(t, "client-7", named.ID)
	assert.Equal(t, 2, m.Count())
}

func TestManagerRemoveFiresHooks(t *testing.T) {
	m := NewManager()
	var gone []string
	m.OnDisconnect(func(id string) { gone = append(gone, id) })

	sess := m.Add("s1", nil)
	m.Remove(sess)

	assert.Equal(t, []string{"s1"}, gone)
	_, ok := m.Get("s1")
	assert.False(t, ok)

	// Removing twice is harmless and does not re-fire hooks.
	m.Remove(sess)
	assert.Len(t, gone, 1)
}

func TestSubscriptionRegistry(t *testing.T) {
	m := NewManager()
	a := m.Add("a", nil)
	b := m.Add("b", nil)

	a.subscribe("TICKER:BTC/USD")
	b.subscribe("TICKER:BTC/USD")
	b.subscribe("TRADES:BTC/USD")

	assert.Len(t, m.Subscribers("TICKER:BTC/USD"), 2)
	require.Len(t, m.Subscribers("TRADES:BTC/USD"), 1)
	assert.Equal(t, "b", m.Subscribers("TRADES:BTC/USD")[0].ID)

	b.unsubscribe("TRADES:BTC/USD")
	assert.Empty(t, m.Subscribers("TRADES:BTC/USD"))
}

func TestEnqueueBackpressureSheds(t *testing.T) {
	m := NewManager()
	sess := m.Add("slow", nil)

	// Fill the queue; nothing is reading it.
	for i := 0; i < outboundQueueSize; i++ {
		require.True(t, m.Enqueue("slow", []byte(fmt.Sprintf("m%d", i))))
	}

	// The queue is full: the overflow message is shed, not blocked on.
	assert.False(t, m.Enqueue("slow", []byte("overflow")))
	assert.Equal(t, int64(1), sess.shed.Load())
}

func TestEnqueueUnknownSession(t *testing.T) {
	m := NewManager()
	assert.False(t, m.Enqueue("ghost", []byte("m")))
}
