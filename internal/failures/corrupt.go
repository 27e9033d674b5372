package failures

import (
	"math/rand"
	"sync"
	"time"
)

// Corrupt flips a fraction of a message's bytes to random printable ASCII
// with probability p. Receivers are expected to reject the result
// gracefully; that rejection path is what this strategy exists to exercise.
type Corrupt struct {
	mu          sync.Mutex
	probability float64
	level       float64 // fraction of bytes to mangle
	rng         *rand.Rand

	applied   int64
	corrupted int64
}

func NewCorrupt(probability, level float64, rng *rand.Rand) *Corrupt {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if level <= 0 || level > 1 {
		level = 0.1
	}
	return &Corrupt{
		probability: clampProbability(probability),
		level:       level,
		rng:         rng,
	}
}

func (s *Corrupt) Name() string { return "corrupt" }

func (s *Corrupt) Apply(msg []byte, ctx Context) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied++
	if len(msg) == 0 || s.rng.Float64() >= s.probability {
		return Pass(msg)
	}
	s.corrupted++

	out := make([]byte, len(msg))
	copy(out, msg)
	n := int(float64(len(out)) * s.level)
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		pos := s.rng.Intn(len(out))
		out[pos] = byte(33 + s.rng.Intn(94)) // printable ASCII
	}
	return Pass(out)
}

func (s *Corrupt) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied, s.corrupted = 0, 0
}

func (s *Corrupt) Stats() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int64{"applied": s.applied, "corrupted": s.corrupted}
}
