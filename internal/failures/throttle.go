package failures

import (
	"sync"
	"time"
)

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Throttle is a per-session token bucket on the inbound path. A message
// without a token is not dropped; it is delayed until the bucket refills,
// which smooths a burst into the configured rate.
type Throttle struct {
	mu    sync.Mutex
	rate  float64 // tokens per second
	burst float64
	now   func() time.Time

	buckets map[string]*bucket

	applied   int64
	throttled int64
}

func NewThrottle(messagesPerSecond int) *Throttle {
	if messagesPerSecond < 1 {
		messagesPerSecond = 10
	}
	rate := float64(messagesPerSecond)
	return &Throttle{
		rate:    rate,
		burst:   rate,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (s *Throttle) Name() string { return "throttle" }

func (s *Throttle) Apply(msg []byte, ctx Context) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied++

	now := s.now()
	b, ok := s.buckets[ctx.SessionID]
	if !ok {
		b = &bucket{tokens: s.burst, lastRefill: now}
		s.buckets[ctx.SessionID] = b
	}

	// Refill proportionally to elapsed time, capped at burst.
	b.tokens += now.Sub(b.lastRefill).Seconds() * s.rate
	if b.tokens > s.burst {
		b.tokens = s.burst
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return Pass(msg)
	}

	s.throttled++
	wait := time.Duration((1 - b.tokens) / s.rate * float64(time.Second))
	// The delayed message consumes the token it is waiting for.
	b.tokens--
	return Delayed(msg, wait)
}

func (s *Throttle) ResetSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, sessionID)
}

func (s *Throttle) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets = make(map[string]*bucket)
	s.applied, s.throttled = 0, 0
}

func (s *Throttle) Stats() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int64{"applied": s.applied, "throttled": s.throttled}
}
