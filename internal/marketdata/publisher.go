package marketdata

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	tomb "gopkg.in/tomb.v2"

	"loki/internal/common"
)

// Sink receives finished ticks for fan-out to subscribers. The publisher
// assigns sequence ids before the call; everything past the sink (the
// outbound failure chain included) may drop, duplicate or reorder.
type Sink interface {
	PublishTick(channel common.Channel, tick common.Tick)
}

type nopSink struct{}

func (nopSink) PublishTick(common.Channel, common.Tick) {}

// sequencer hands out the strictly monotonic per-(symbol, channel) sequence
// ids, starting at 1.
type sequencer struct {
	mu   sync.Mutex
	next map[string]uint64
}

func newSequencer() *sequencer {
	return &sequencer{next: make(map[string]uint64)}
}

func (s *sequencer) Next(channel common.Channel, symbol string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := channel.Key(symbol)
	s.next[key]++
	return s.next[key]
}

// Ticker drives one symbol's price series.
type Ticker struct {
	symbol    string
	model     PriceModel
	interval  time.Duration
	spread    decimal.Decimal // fraction, e.g. 0.001 for 10 bps
	precision int32

	mu       sync.Mutex
	mid      decimal.Decimal
	high24h  decimal.Decimal
	low24h   decimal.Decimal
	volume   decimal.Decimal
	lastTick common.Tick
}

func NewTicker(symbol string, initial decimal.Decimal, model PriceModel, interval time.Duration, spreadBps int, precision int32) *Ticker {
	return &Ticker{
		symbol:    symbol,
		model:     model,
		interval:  interval,
		spread:    decimal.NewFromInt(int64(spreadBps)).Div(decimal.NewFromInt(10000)),
		precision: precision,
		mid:       initial,
		high24h:   initial,
		low24h:    initial,
		volume:    decimal.Zero,
	}
}

// AddVolume accrues traded quantity into the 24h volume figure. Called from
// the engine sink on every trade.
func (t *Ticker) AddVolume(qty decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.volume = t.volume.Add(qty)
}

// Snapshot returns the last published tick; used by the REST ticker
// endpoint so it agrees with the stream.
func (t *Ticker) Snapshot() common.Tick {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTick
}

// advance computes the next tick. Sequence assignment is left to the
// publisher so TICKER and MARKET_DATA number independently.
func (t *Ticker) advance(now time.Time) common.Tick {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.mid = t.model.NextPrice(t.mid)
	mid := t.mid.Round(t.precision)

	if mid.GreaterThan(t.high24h) {
		t.high24h = mid
	}
	if mid.LessThan(t.low24h) {
		t.low24h = mid
	}

	half := t.spread.Div(decimal.NewFromInt(2))
	bid := mid.Mul(decimal.NewFromInt(1).Sub(half)).Round(t.precision)
	ask := mid.Mul(decimal.NewFromInt(1).Add(half)).Round(t.precision)

	tick := common.Tick{
		Symbol:    t.symbol,
		Price:     mid,
		Bid:       bid,
		Ask:       ask,
		Volume24h: t.volume,
		High24h:   t.high24h,
		Low24h:    t.low24h,
		Timestamp: now,
	}
	t.lastTick = tick
	return tick
}

// Publisher runs one ticker goroutine per symbol and pushes sequenced ticks
// into the sink and the per-symbol history.
type Publisher struct {
	tickers   map[string]*Ticker
	histories map[string]*History
	seq       *sequencer
	sink      Sink
}

func NewPublisher() *Publisher {
	return &Publisher{
		tickers:   make(map[string]*Ticker),
		histories: make(map[string]*History),
		seq:       newSequencer(),
		sink:      nopSink{},
	}
}

func (p *Publisher) SetSink(sink Sink) { p.sink = sink }

func (p *Publisher) AddTicker(t *Ticker, historySize int) {
	p.tickers[t.symbol] = t
	p.histories[t.symbol] = NewHistory(historySize)
}

func (p *Publisher) Ticker(symbol string) (*Ticker, bool) {
	t, ok := p.tickers[symbol]
	return t, ok
}

func (p *Publisher) History(symbol string) (*History, bool) {
	h, ok := p.histories[symbol]
	return h, ok
}

// Run blocks until the tomb dies, ticking every symbol on its interval.
func (p *Publisher) Run(t *tomb.Tomb) error {
	for _, ticker := range p.tickers {
		ticker := ticker
		t.Go(func() error {
			return p.runTicker(t, ticker)
		})
	}
	<-t.Dying()
	return nil
}

func (p *Publisher) runTicker(t *tomb.Tomb, ticker *Ticker) error {
	clock := time.NewTicker(ticker.interval)
	defer clock.Stop()

	log.Info().
		Str("symbol", ticker.symbol).
		Dur("interval", ticker.interval).
		Msg("market data ticker running")

	for {
		select {
		case <-t.Dying():
			return nil
		case now := <-clock.C:
			p.publish(ticker, now)
		}
	}
}

// publish fans one tick out to both market-data channels. The history entry
// carries the MARKET_DATA sequence, which is the stream /api/v1/prices
// reconciles.
func (p *Publisher) publish(ticker *Ticker, now time.Time) {
	tick := ticker.advance(now)

	md := tick
	md.SequenceID = p.seq.Next(common.ChannelMarketData, ticker.symbol)
	p.histories[ticker.symbol].Append(md)
	p.sink.PublishTick(common.ChannelMarketData, md)

	tk := tick
	tk.SequenceID = p.seq.Next(common.ChannelTicker, ticker.symbol)
	p.sink.PublishTick(common.ChannelTicker, tk)
}

// PublishNow forces one immediate tick for a symbol; tests and the warm-up
// path use it so a snapshot exists before the first interval elapses.
func (p *Publisher) PublishNow(symbol string) {
	if ticker, ok := p.tickers[symbol]; ok {
		p.publish(ticker, time.Now())
	}
}
