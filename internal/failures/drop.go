package failures

import (
	"math/rand"
	"sync"
	"time"
)

// DropMessage discards each message independently with probability p.
type DropMessage struct {
	mu          sync.Mutex
	probability float64
	rng         *rand.Rand

	applied int64
	dropped int64
}

func NewDropMessage(probability float64, rng *rand.Rand) *DropMessage {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &DropMessage{probability: clampProbability(probability), rng: rng}
}

func (s *DropMessage) Name() string { return "drop" }

func (s *DropMessage) Apply(msg []byte, ctx Context) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied++
	if s.rng.Float64() < s.probability {
		s.dropped++
		return Drop()
	}
	return Pass(msg)
}

func (s *DropMessage) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied, s.dropped = 0, 0
}

func (s *DropMessage) Stats() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int64{"applied": s.applied, "dropped": s.dropped}
}

func clampProbability(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
