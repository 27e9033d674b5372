package failures

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// permanentRetryAfter is reported on permanently banned sessions; the
	// ban only ends with a process restart.
	permanentRetryAfter = 24 * time.Hour

	defaultWaitPenalty     = 10 * time.Second
	defaultBanPenalty      = 60 * time.Second
	defaultViolationWindow = 60 * time.Second
)

type restSession struct {
	requests   []time.Time // sliding one-second window
	violations int         // cumulative, never decreases
	tier       int         // escalation streak
	banUntil   time.Time
	permanent  bool
}

// Verdict is the outcome of one rate-limit check.
type Verdict struct {
	Allowed        bool
	RetryAfter     time.Duration
	ViolationCount int
}

// RestLimiter enforces the per-session REST budget with escalating
// penalties: first violation 10s wait, second a 60s ban, third a permanent
// ban, counted within a rolling 60-second window. Requests arriving during a
// ban are denied without raising the violation count; only a fresh breach
// after a ban expires escalates.
type RestLimiter struct {
	mu     sync.Mutex
	budget int
	now    func() time.Time

	waitPenalty     time.Duration
	banPenalty      time.Duration
	violationWindow time.Duration

	sessions map[string]*restSession

	allowed int64
	denied  int64
}

func NewRestLimiter(requestsPerSecond int) *RestLimiter {
	if requestsPerSecond < 1 {
		requestsPerSecond = 10
	}
	return &RestLimiter{
		budget:          requestsPerSecond,
		now:             time.Now,
		waitPenalty:     defaultWaitPenalty,
		banPenalty:      defaultBanPenalty,
		violationWindow: defaultViolationWindow,
		sessions:        make(map[string]*restSession),
	}
}

// Check records one request attempt and decides whether it may proceed.
func (l *RestLimiter) Check(sessionID string) Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	s, ok := l.sessions[sessionID]
	if !ok {
		s = &restSession{}
		l.sessions[sessionID] = s
	}

	if s.permanent {
		l.denied++
		return Verdict{RetryAfter: permanentRetryAfter, ViolationCount: s.violations}
	}
	if now.Before(s.banUntil) {
		l.denied++
		return Verdict{RetryAfter: s.banUntil.Sub(now), ViolationCount: s.violations}
	}

	// Slide the one-second request window forward.
	cutoff := now.Add(-time.Second)
	for len(s.requests) > 0 && s.requests[0].Before(cutoff) {
		s.requests = s.requests[1:]
	}

	if len(s.requests) < l.budget {
		s.requests = append(s.requests, now)
		l.allowed++
		return Verdict{Allowed: true, ViolationCount: s.violations}
	}

	// Budget breached. The streak survives as long as the session
	// re-offends within the violation window of its last ban lifting;
	// a clean 60 seconds resets the escalation (never the count).
	if s.tier > 0 && now.Sub(s.banUntil) > l.violationWindow {
		s.tier = 0
	}
	s.violations++
	s.tier++

	var retry time.Duration
	switch s.tier {
	case 1:
		retry = l.waitPenalty
		s.banUntil = now.Add(l.waitPenalty)
	case 2:
		retry = l.banPenalty
		s.banUntil = now.Add(l.banPenalty)
	default:
		s.permanent = true
		retry = permanentRetryAfter
		log.Warn().Str("session", sessionID).Msg("session permanently rate-limit banned")
	}

	l.denied++
	return Verdict{RetryAfter: retry, ViolationCount: s.violations}
}

func (l *RestLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions = make(map[string]*restSession)
	l.allowed, l.denied = 0, 0
}

func (l *RestLimiter) Stats() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]int64{"allowed": l.allowed, "denied": l.denied}
}
