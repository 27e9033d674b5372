package failures

import (
	"math/rand"
	"sync"
	"time"
)

// Duplicate re-emits a message 1..max extra times with probability p. The
// copies re-enter the chain at the next stage, so a later drop stage sees
// each copy independently.
type Duplicate struct {
	mu          sync.Mutex
	probability float64
	max         int
	rng         *rand.Rand

	applied    int64
	duplicated int64
}

func NewDuplicate(probability float64, maxDuplicates int, rng *rand.Rand) *Duplicate {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if maxDuplicates < 1 {
		maxDuplicates = 1
	}
	return &Duplicate{
		probability: clampProbability(probability),
		max:         maxDuplicates,
		rng:         rng,
	}
}

func (s *Duplicate) Name() string { return "duplicate" }

func (s *Duplicate) Apply(msg []byte, ctx Context) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied++
	if s.rng.Float64() >= s.probability {
		return Pass(msg)
	}
	extra := 1 + s.rng.Intn(s.max)
	s.duplicated += int64(extra)
	msgs := make([][]byte, 0, extra+1)
	for i := 0; i <= extra; i++ {
		msgs = append(msgs, msg)
	}
	return Expand(msgs...)
}

func (s *Duplicate) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied, s.duplicated = 0, 0
}

func (s *Duplicate) Stats() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int64{"applied": s.applied, "duplicated": s.duplicated}
}
