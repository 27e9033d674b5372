package failures

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Deliver is the end of a chain: router dispatch on the inbound side,
// session enqueue on the outbound side.
type Deliver func(msg []byte, ctx Context)

// Injector runs every message through the configured strategy chains.
// Strategies apply in declared order; a drop short-circuits the rest,
// expansions traverse the remaining stages independently, and delays park
// the continuation on the scheduler.
type Injector struct {
	mu       sync.RWMutex
	inbound  []Strategy
	outbound []Strategy
	enabled  bool

	sched   *Scheduler
	metrics *Metrics

	inboundDeliver  Deliver
	outboundDeliver Deliver
}

func NewInjector(sched *Scheduler, metrics *Metrics) *Injector {
	return &Injector{
		enabled: true,
		sched:   sched,
		metrics: metrics,
	}
}

func (in *Injector) SetInboundDeliver(d Deliver)  { in.inboundDeliver = d }
func (in *Injector) SetOutboundDeliver(d Deliver) { in.outboundDeliver = d }

func (in *Injector) Enable()  { in.setEnabled(true) }
func (in *Injector) Disable() { in.setEnabled(false) }

func (in *Injector) setEnabled(v bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.enabled = v
}

func (in *Injector) Enabled() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.enabled
}

// AddInbound appends a strategy to the inbound chain. Emitter strategies get
// their continuation wired to the stage after them.
func (in *Injector) AddInbound(s Strategy) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.inbound = append(in.inbound, s)
	in.wireEmitter(s, len(in.inbound)-1, Inbound)
}

func (in *Injector) AddOutbound(s Strategy) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.outbound = append(in.outbound, s)
	in.wireEmitter(s, len(in.outbound)-1, Outbound)
}

func (in *Injector) wireEmitter(s Strategy, idx int, dir Direction) {
	em, ok := s.(Emitter)
	if !ok {
		return
	}
	em.SetEmit(func(msg []byte, ctx Context) {
		in.resume(dir, idx+1, msg, ctx)
	})
}

// ProcessInbound pushes an arriving message through the inbound chain and,
// if it survives, into the inbound deliver hook.
func (in *Injector) ProcessInbound(msg []byte, ctx Context) {
	ctx.Direction = Inbound
	if !in.Enabled() {
		in.inboundDeliver(msg, ctx)
		return
	}
	in.resume(Inbound, 0, msg, ctx)
}

// ProcessOutbound pushes a handler emission through the outbound chain
// towards the session's socket queue.
func (in *Injector) ProcessOutbound(msg []byte, ctx Context) {
	ctx.Direction = Outbound
	if !in.Enabled() {
		in.outboundDeliver(msg, ctx)
		return
	}
	in.resume(Outbound, 0, msg, ctx)
}

// resume walks the chain from stage idx. Continuations re-enter here after a
// delay or an emitter flush.
func (in *Injector) resume(dir Direction, idx int, msg []byte, ctx Context) {
	in.mu.RLock()
	stages := in.inbound
	deliver := in.inboundDeliver
	if dir == Outbound {
		stages = in.outbound
		deliver = in.outboundDeliver
	}
	in.mu.RUnlock()

	for i := idx; i < len(stages); i++ {
		res := stages[i].Apply(msg, ctx)
		in.metrics.Observe(stages[i].Name(), dir, res.Action)

		switch res.Action {
		case ActionPass:
			msg = res.Message

		case ActionDrop:
			return

		case ActionExpand:
			for _, m := range res.Messages {
				in.resume(dir, i+1, m, ctx)
			}
			return

		case ActionDelay:
			i, m := i, res.Message
			in.sched.Schedule(ctx.SessionID, res.Delay, func() {
				in.resume(dir, i+1, m, ctx)
			})
			return
		}
	}

	if deliver == nil {
		log.Warn().Str("direction", string(dir)).Msg("no deliver hook wired, message discarded")
		return
	}
	deliver(msg, ctx)
}

// ResetSession clears per-session strategy state; called on every session
// disconnect. Each session-aware strategy applies its own retention policy.
func (in *Injector) ResetSession(sessionID string) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	for _, s := range in.inbound {
		if sa, ok := s.(SessionAware); ok {
			sa.ResetSession(sessionID)
		}
	}
	for _, s := range in.outbound {
		if sa, ok := s.(SessionAware); ok {
			sa.ResetSession(sessionID)
		}
	}
}

// Reset restores every strategy to its initial state.
func (in *Injector) Reset() {
	in.mu.RLock()
	defer in.mu.RUnlock()
	for _, s := range in.inbound {
		s.Reset()
	}
	for _, s := range in.outbound {
		s.Reset()
	}
}

// Stats aggregates per-strategy counters for the admin endpoint.
func (in *Injector) Stats() map[string]any {
	in.mu.RLock()
	defer in.mu.RUnlock()

	collect := func(stages []Strategy) map[string]map[string]int64 {
		out := make(map[string]map[string]int64, len(stages))
		for _, s := range stages {
			out[s.Name()] = s.Stats()
		}
		return out
	}
	return map[string]any{
		"enabled":  in.enabled,
		"inbound":  collect(in.inbound),
		"outbound": collect(in.outbound),
	}
}
