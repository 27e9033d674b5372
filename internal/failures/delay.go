package failures

import (
	"math/rand"
	"sync"
	"time"
)

// DelayMessage schedules each message a uniform [min, max) later. Unlike
// LatencyLink this is an explicit, configured hold, not a link model.
type DelayMessage struct {
	mu  sync.Mutex
	min time.Duration
	max time.Duration
	rng *rand.Rand

	applied      int64
	delayed      int64
	totalDelayMs int64
}

func NewDelayMessage(minMs, maxMs int, rng *rand.Rand) *DelayMessage {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if minMs < 0 {
		minMs = 0
	}
	if maxMs < minMs {
		maxMs = minMs
	}
	return &DelayMessage{
		min: time.Duration(minMs) * time.Millisecond,
		max: time.Duration(maxMs) * time.Millisecond,
		rng: rng,
	}
}

func (s *DelayMessage) Name() string { return "delay" }

func (s *DelayMessage) Apply(msg []byte, ctx Context) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied++
	s.delayed++
	span := s.max - s.min
	d := s.min
	if span > 0 {
		d += time.Duration(s.rng.Int63n(int64(span)))
	}
	s.totalDelayMs += d.Milliseconds()
	return Delayed(msg, d)
}

func (s *DelayMessage) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied, s.delayed, s.totalDelayMs = 0, 0, 0
}

func (s *DelayMessage) Stats() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int64{
		"applied":        s.applied,
		"delayed":        s.delayed,
		"total_delay_ms": s.totalDelayMs,
	}
}
