package net

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// outboundQueueSize bounds the per-session send queue. A full queue sheds
// the newest message; a client that slow is getting throttled by its own
// backpressure, which is exactly the condition under test.
const outboundQueueSize = 256

// Session is one live WebSocket connection plus its subscription set.
// The account and any open orders outlive it; only the socket-side state
// dies with the connection.
type Session struct {
	ID string

	conn *websocket.Conn
	out  chan []byte
	done chan struct{}

	mu           sync.Mutex
	subs         map[string]bool
	connectedAt  time.Time
	lastActivity time.Time

	shed atomic.Int64 // messages dropped on queue overflow
}

func newSession(id string, conn *websocket.Conn) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		conn:         conn,
		out:          make(chan []byte, outboundQueueSize),
		done:         make(chan struct{}),
		subs:         make(map[string]bool),
		connectedAt:  now,
		lastActivity: now,
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) subscribe(key string) {
	s.mu.Lock()
	s.subs[key] = true
	s.mu.Unlock()
}

func (s *Session) unsubscribe(key string) {
	s.mu.Lock()
	delete(s.subs, key)
	s.mu.Unlock()
}

func (s *Session) subscribed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[key]
}

// enqueue hands a message to the write pump without ever blocking the
// caller. Overflow counts as shed backpressure.
func (s *Session) enqueue(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- msg:
		return true
	default:
		if s.shed.Add(1) == 1 {
			log.Warn().Str("session", s.ID).Msg("outbound queue full, shedding")
		}
		return false
	}
}

// Manager tracks live WebSocket sessions. Disconnect hooks let the failure
// scheduler drain pending deliveries and strategies clear per-session state.
type Manager struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	onDisconnect []func(sessionID string)
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// OnDisconnect registers a hook run after a session is removed.
func (m *Manager) OnDisconnect(fn func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = append(m.onDisconnect, fn)
}

// Add registers a connection under the given session id, generating one when
// the client did not supply its own. A reconnect with the same id replaces
// the old socket.
func (m *Manager) Add(id string, conn *websocket.Conn) *Session {
	if id == "" {
		id = uuid.New().String()
	}
	sess := newSession(id, conn)

	m.mu.Lock()
	old, existed := m.sessions[id]
	m.sessions[id] = sess
	m.mu.Unlock()

	if existed {
		close(old.done)
		if old.conn != nil {
			_ = old.conn.Close()
		}
	}
	log.Info().Str("session", id).Msg("client connected")
	return sess
}

// Remove drops the session if it is still the registered one and fires the
// disconnect hooks.
func (m *Manager) Remove(sess *Session) {
	m.mu.Lock()
	current, ok := m.sessions[sess.ID]
	if ok && current == sess {
		delete(m.sessions, sess.ID)
	}
	hooks := m.onDisconnect
	m.mu.Unlock()

	select {
	case <-sess.done:
	default:
		close(sess.done)
	}

	if ok && current == sess {
		for _, fn := range hooks {
			fn(sess.ID)
		}
		log.Info().Str("session", sess.ID).Msg("client disconnected")
	}
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Enqueue delivers a raw frame to one session's write queue.
func (m *Manager) Enqueue(sessionID string, msg []byte) bool {
	s, ok := m.Get(sessionID)
	if !ok {
		return false
	}
	return s.enqueue(msg)
}

// Subscribers snapshots the sessions subscribed to a channel key.
func (m *Manager) Subscribers(key string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.subscribed(key) {
			out = append(out, s)
		}
	}
	return out
}
