package marketdata

import (
	"sync"
	"time"

	"loki/internal/common"
)

// History is the bounded rolling tick window for one symbol, the backfill
// ground truth behind /api/v1/prices. Ticks arrive in time order; eviction
// drops the oldest. Reads happen from REST handlers outside the publisher
// goroutine, hence the lock.
type History struct {
	mu    sync.RWMutex
	ticks []common.Tick
	head  int // index of the oldest entry once the ring wrapped
	size  int
	max   int
}

func NewHistory(max int) *History {
	if max <= 0 {
		max = 10000
	}
	return &History{
		ticks: make([]common.Tick, max),
		max:   max,
	}
}

func (h *History) Append(tick common.Tick) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.size < h.max {
		h.ticks[(h.head+h.size)%h.max] = tick
		h.size++
		return
	}
	h.ticks[h.head] = tick
	h.head = (h.head + 1) % h.max
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Range returns ticks within [start, end] in time order, up to limit. Zero
// times disable that bound; limit <= 0 means no cap beyond the window.
func (h *History) Range(start, end time.Time, limit int) []common.Tick {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []common.Tick
	for i := 0; i < h.size; i++ {
		tick := h.ticks[(h.head+i)%h.max]
		if !start.IsZero() && tick.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && tick.Timestamp.After(end) {
			break
		}
		out = append(out, tick)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
