package failures

import (
	"math/rand"
	"sync"
	"time"
)

type heldMessage struct {
	msg []byte
	ctx Context
}

type reorderBuffer struct {
	held  []heldMessage
	timer *time.Timer
}

// Reorder buffers up to window messages per session and releases them in a
// random permutation, either when the buffer fills or when the flush timer
// fires. Released messages re-enter the chain at the next stage through the
// emit continuation the injector wires in.
type Reorder struct {
	mu     sync.Mutex
	window int
	flush  time.Duration
	rng    *rand.Rand
	emit   func(msg []byte, ctx Context)

	buffers map[string]*reorderBuffer

	applied   int64
	reordered int64
	buffered  int64
}

func NewReorder(window int, flush time.Duration, rng *rand.Rand) *Reorder {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if window < 2 {
		window = 2
	}
	if flush <= 0 {
		flush = 500 * time.Millisecond
	}
	return &Reorder{
		window:  window,
		flush:   flush,
		rng:     rng,
		buffers: make(map[string]*reorderBuffer),
	}
}

func (s *Reorder) Name() string { return "reorder" }

func (s *Reorder) SetEmit(emit func(msg []byte, ctx Context)) {
	s.emit = emit
}

func (s *Reorder) Apply(msg []byte, ctx Context) Result {
	s.mu.Lock()
	s.applied++
	buf, ok := s.buffers[ctx.SessionID]
	if !ok {
		buf = &reorderBuffer{}
		s.buffers[ctx.SessionID] = buf
	}
	buf.held = append(buf.held, heldMessage{msg: msg, ctx: ctx})
	s.buffered++

	if len(buf.held) >= s.window {
		batch := s.take(buf)
		s.mu.Unlock()
		s.release(batch)
		return Drop() // already forwarded through emit
	}

	// Arm (or re-arm) the flush timer so a quiet session still gets its
	// held messages.
	sessionID := ctx.SessionID
	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.timer = time.AfterFunc(s.flush, func() {
		s.flushSession(sessionID)
	})
	s.mu.Unlock()
	return Drop()
}

// take detaches the buffer contents under the lock.
func (s *Reorder) take(buf *reorderBuffer) []heldMessage {
	if buf.timer != nil {
		buf.timer.Stop()
		buf.timer = nil
	}
	batch := buf.held
	buf.held = nil
	s.buffered -= int64(len(batch))
	return batch
}

// release emits a batch in a random permutation.
func (s *Reorder) release(batch []heldMessage) {
	if s.emit == nil || len(batch) == 0 {
		return
	}
	s.mu.Lock()
	perm := s.rng.Perm(len(batch))
	for i, p := range perm {
		if i != p {
			s.reordered++
		}
	}
	s.mu.Unlock()

	for _, p := range perm {
		s.emit(batch[p].msg, batch[p].ctx)
	}
}

func (s *Reorder) flushSession(sessionID string) {
	s.mu.Lock()
	buf, ok := s.buffers[sessionID]
	if !ok || len(buf.held) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.take(buf)
	s.mu.Unlock()
	s.release(batch)
}

// ResetSession drops a disconnected session's held messages.
func (s *Reorder) ResetSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buf, ok := s.buffers[sessionID]; ok {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		s.buffered -= int64(len(buf.held))
		delete(s.buffers, sessionID)
	}
}

func (s *Reorder) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, buf := range s.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
		}
	}
	s.buffers = make(map[string]*reorderBuffer)
	s.applied, s.reordered, s.buffered = 0, 0, 0
}

func (s *Reorder) Stats() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int64{
		"applied":   s.applied,
		"reordered": s.reordered,
		"buffered":  s.buffered,
	}
}
