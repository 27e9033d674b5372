package net

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"loki/internal/common"
	"loki/internal/config"
	"loki/internal/engine"
	"loki/internal/failures"
	"loki/internal/marketdata"
)

const engineEventBuffer = 1024

// Server ties the engine, market data, failure pipeline and the HTTP/WS
// surface together.
type Server struct {
	cfg         *config.Config
	engine      *engine.Engine
	manager     *Manager
	router      *Router
	injector    *failures.Injector
	scheduler   *failures.Scheduler
	limiter     *failures.RestLimiter
	restLatency *failures.LatencyLink
	publisher   *marketdata.Publisher
	registry    *prometheus.Registry

	events   chan any
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

func NewServer(cfg *config.Config, eng *engine.Engine, pub *marketdata.Publisher) (*Server, error) {
	registry := prometheus.NewRegistry()
	scheduler := failures.NewScheduler()
	injector := failures.NewInjector(scheduler, failures.NewMetrics(registry))

	s := &Server{
		cfg:       cfg,
		engine:    eng,
		manager:   NewManager(),
		injector:  injector,
		scheduler: scheduler,
		publisher: pub,
		registry:  registry,
		events:    make(chan any, engineEventBuffer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The simulator serves test harnesses, not browsers with
			// credentials; any origin may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.router = NewRouter(eng, s.manager)

	if err := s.configureFailures(); err != nil {
		return nil, err
	}
	s.wire()
	return s, nil
}

// configureFailures installs the strategy chains in their declared order
// and the REST limiter.
func (s *Server) configureFailures() error {
	cfg := s.cfg.Failures
	if !cfg.Enabled {
		s.injector.Disable()
		return nil
	}

	if mode := s.cfg.Mode("drop_messages"); mode.Enabled {
		s.injector.AddInbound(failures.NewDropMessage(mode.Probability, nil))
	}
	if mode := s.cfg.Mode("delay_messages"); mode.Enabled {
		s.injector.AddInbound(failures.NewDelayMessage(mode.MinMs, mode.MaxMs, nil))
	}
	switch cfg.Latency.Mode {
	case "":
		// No link model.
	case "custom":
		s.injector.AddInbound(failures.NewLatencyLink(cfg.Latency.Mu, cfg.Latency.Sigma, nil))
		s.injector.AddOutbound(failures.NewLatencyLink(cfg.Latency.Mu, cfg.Latency.Sigma, nil))
		s.restLatency = failures.NewLatencyLink(cfg.Latency.Mu, cfg.Latency.Sigma, nil)
	default:
		s.injector.AddInbound(failures.NewLatencyLinkPreset(cfg.Latency.Mode, nil))
		s.injector.AddOutbound(failures.NewLatencyLinkPreset(cfg.Latency.Mode, nil))
		s.restLatency = failures.NewLatencyLinkPreset(cfg.Latency.Mode, nil)
	}
	if mode := s.cfg.Mode("duplicate"); mode.Enabled {
		s.injector.AddOutbound(failures.NewDuplicate(mode.Probability, mode.MaxDuplicates, nil))
	}
	if mode := s.cfg.Mode("reorder"); mode.Enabled {
		flush := time.Duration(mode.FlushMs) * time.Millisecond
		s.injector.AddInbound(failures.NewReorder(mode.WindowSize, flush, nil))
	}
	if mode := s.cfg.Mode("corrupt"); mode.Enabled {
		s.injector.AddOutbound(failures.NewCorrupt(mode.Probability, mode.CorruptionLevel, nil))
	}
	if mode := s.cfg.Mode("throttle"); mode.Enabled {
		s.injector.AddInbound(failures.NewThrottle(mode.MaxMessagesPerSecond))
	}
	if mode := s.cfg.Mode("silent_connection"); mode.Enabled {
		retain := !mode.ResetOnReconnect
		s.injector.AddOutbound(failures.NewSilentConnection(mode.AfterMessages, retain))
	}
	if mode := s.cfg.Mode("rate_limit"); mode.Enabled {
		s.limiter = failures.NewRestLimiter(mode.RequestsPerSecond)
	}
	return nil
}

// wire connects the inbound/outbound chain ends, the engine sink and the
// market-data sink.
func (s *Server) wire() {
	s.injector.SetInboundDeliver(func(msg []byte, ctx failures.Context) {
		s.router.HandleInbound(msg, ctx.SessionID)
	})
	s.injector.SetOutboundDeliver(func(msg []byte, ctx failures.Context) {
		s.manager.Enqueue(ctx.SessionID, msg)
	})

	s.router.SetEmit(func(sessionID, messageType string, frame any) {
		s.sendFrame(sessionID, messageType, frame)
	})

	s.engine.SetSink(&engineSink{events: s.events})
	s.publisher.SetSink(&tickSink{server: s})

	s.manager.OnDisconnect(func(sessionID string) {
		// Pending delayed deliveries die with the socket; per-session
		// strategy state is cleared subject to each strategy's policy.
		s.scheduler.CancelSession(sessionID)
		s.injector.ResetSession(sessionID)
	})
}

// sendFrame pushes one frame into the outbound failure chain for a session.
func (s *Server) sendFrame(sessionID, messageType string, frame any) {
	data := marshalFrame(frame)
	if data == nil {
		return
	}
	s.injector.ProcessOutbound(data, failures.Context{
		SessionID:   sessionID,
		Transport:   failures.TransportWS,
		MessageType: messageType,
	})
}

// engineSink forwards engine events onto the server's event loop. It runs
// under the engine lock, so it only enqueues; a full buffer sheds the event
// rather than stalling matching.
type engineSink struct {
	events chan any
}

func (k *engineSink) OrderUpdate(o common.Order) { k.push(o) }
func (k *engineSink) OrderFill(f common.Fill)    { k.push(f) }
func (k *engineSink) Trade(t common.Trade)       { k.push(t) }

func (k *engineSink) push(ev any) {
	select {
	case k.events <- ev:
	default:
		log.Warn().Msg("engine event buffer full, event shed")
	}
}

// tickSink fans a sequenced tick out to the channel's subscribers through
// each session's outbound chain.
type tickSink struct {
	server *Server
}

func (k *tickSink) PublishTick(channel common.Channel, tick common.Tick) {
	frame := newMarketDataFrame(tick)
	key := channel.Key(tick.Symbol)
	for _, sess := range k.server.manager.Subscribers(key) {
		k.server.sendFrame(sess.ID, TypeMarketData, frame)
	}
}

// eventLoop turns engine events into frames outside the engine lock.
func (s *Server) eventLoop(t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case ev := <-s.events:
			switch ev := ev.(type) {
			case common.Order:
				s.sendFrame(ev.SessionID, TypeOrderUpdate, OrderUpdateFrame{
					Type:  TypeOrderUpdate,
					Order: orderToJSON(ev),
				})
				s.broadcastDepth(ev.Symbol)
			case common.Fill:
				s.sendFrame(ev.SessionID, TypeFill, newFillFrame(ev))
			case common.Trade:
				if ticker, ok := s.publisher.Ticker(ev.Symbol); ok {
					ticker.AddVolume(ev.Quantity)
				}
				frame := newTradeFrame(ev)
				for _, sess := range s.manager.Subscribers(common.ChannelTrades.Key(ev.Symbol)) {
					s.sendFrame(sess.ID, TypeTrade, frame)
				}
			}
		}
	}
}

// broadcastDepth pushes a book snapshot to ORDERBOOK subscribers after a
// book-changing event.
func (s *Server) broadcastDepth(symbol string) {
	subs := s.manager.Subscribers(common.ChannelOrderBook.Key(symbol))
	if len(subs) == 0 {
		return
	}
	bids, asks, err := s.engine.Depth(symbol, depthLevels)
	if err != nil {
		return
	}
	frame := OrderBookFrame{
		Type:      TypeOrderBook,
		Symbol:    symbol,
		Bids:      depthToJSON(bids),
		Asks:      depthToJSON(asks),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	for _, sess := range subs {
		s.sendFrame(sess.ID, TypeOrderBook, frame)
	}
}

// handleWebSocket upgrades the connection, registers the session and runs
// the read loop. Messages enter the inbound failure chain before they reach
// the router.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := s.manager.Add(r.Header.Get(sessionHeader), conn)
	go s.writePump(sess)
	defer s.manager.Remove(sess)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("session", sess.ID).Msg("read error")
			}
			return
		}
		s.injector.ProcessInbound(data, failures.Context{
			SessionID: sess.ID,
			Transport: failures.TransportWS,
		})
	}
}

// writePump serialises all writes for one connection.
func (s *Server) writePump(sess *Session) {
	for {
		select {
		case <-sess.done:
			return
		case msg := <-sess.out:
			if err := sess.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Warn().Err(err).Str("session", sess.ID).Msg("write error")
				return
			}
		}
	}
}

// Handler builds the complete HTTP handler: REST API, admin surface,
// metrics and the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	api := newRestAPI(s.engine, s.publisher, s.injector, s.limiter, s.restLatency)
	router := api.routes(s.registry)
	router.HandleFunc("/ws", s.handleWebSocket)
	return router
}

// Start launches the background machinery (scheduler, tickers, event loop)
// under the given tomb. Run does this itself; tests that serve the handler
// through httptest call Start directly.
func (s *Server) Start(t *tomb.Tomb) {
	t.Go(func() error { return s.scheduler.Run(t) })
	t.Go(func() error { return s.publisher.Run(t) })
	t.Go(func() error { return s.eventLoop(t) })
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	t, ctx := tomb.WithContext(ctx)
	s.Start(t)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming websockets
		IdleTimeout:  60 * time.Second,
	}

	t.Go(func() error {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	t.Go(func() error {
		<-t.Dying()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	})

	<-ctx.Done()
	t.Kill(nil)
	return t.Wait()
}
