package failures

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// SilentConnection lets a session's first afterMessages outbound WebSocket
// sends through, then swallows everything after them. The socket stays open
// and inbound traffic still flows; from the client's side the server has
// simply gone quiet. Counters are per session, so silencing one session
// leaves every other untouched.
type SilentConnection struct {
	mu                sync.Mutex
	afterMessages     int64
	retainOnReconnect bool

	sent map[string]int64

	applied  int64
	silenced int64
}

func NewSilentConnection(afterMessages int, retainOnReconnect bool) *SilentConnection {
	if afterMessages < 0 {
		afterMessages = 0
	}
	return &SilentConnection{
		afterMessages:     int64(afterMessages),
		retainOnReconnect: retainOnReconnect,
		sent:              make(map[string]int64),
	}
}

func (s *SilentConnection) Name() string { return "silent_connection" }

func (s *SilentConnection) Apply(msg []byte, ctx Context) Result {
	// REST responses are out of scope; only the WebSocket stream goes dark.
	if ctx.Transport != TransportWS {
		return Pass(msg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied++

	if s.sent[ctx.SessionID] >= s.afterMessages {
		if s.sent[ctx.SessionID] == s.afterMessages {
			log.Info().Str("session", ctx.SessionID).Msg("connection going silent")
			s.sent[ctx.SessionID]++ // log once
		}
		s.silenced++
		return Drop()
	}
	s.sent[ctx.SessionID]++
	return Pass(msg)
}

// ResetSession forgets the session's counter unless the strategy is
// configured to retain it across reconnects with the same session id.
func (s *SilentConnection) ResetSession(sessionID string) {
	if s.retainOnReconnect {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sent, sessionID)
}

func (s *SilentConnection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = make(map[string]int64)
	s.applied, s.silenced = 0, 0
}

func (s *SilentConnection) Stats() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int64{"applied": s.applied, "silenced": s.silenced}
}
