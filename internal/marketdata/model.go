package marketdata

import (
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// secondsPerYear converts tick intervals to the annualised dt the models
// expect.
const secondsPerYear = 3.156e7

// PriceModel produces the next mid-price from the current one. Models may
// use floating point internally; the publisher rounds to the symbol's price
// precision before anything leaves the process.
type PriceModel interface {
	NextPrice(current decimal.Decimal) decimal.Decimal
}

// GBM is geometric Brownian motion:
//
//	S_{t+dt} = S_t * exp((mu - sigma^2/2)*dt + sigma*sqrt(dt)*Z)
//
// with annualised drift and volatility and dt derived from the tick
// interval.
type GBM struct {
	drift      float64
	volatility float64
	dt         float64
	rng        *rand.Rand
}

func NewGBM(drift, volatility float64, tickInterval time.Duration, rng *rand.Rand) *GBM {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &GBM{
		drift:      drift,
		volatility: volatility,
		dt:         tickInterval.Seconds() / secondsPerYear,
		rng:        rng,
	}
}

func (m *GBM) NextPrice(current decimal.Decimal) decimal.Decimal {
	cur, _ := current.Float64()
	driftTerm := (m.drift - 0.5*m.volatility*m.volatility) * m.dt
	shock := m.volatility * math.Sqrt(m.dt) * m.rng.NormFloat64()
	next := cur * math.Exp(driftTerm+shock)
	return clampPositive(decimal.NewFromFloat(next))
}

// RandomWalk perturbs the price by a zero-mean gaussian proportional to the
// current price.
type RandomWalk struct {
	volatility float64
	rng        *rand.Rand
}

func NewRandomWalk(volatility float64, rng *rand.Rand) *RandomWalk {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &RandomWalk{volatility: volatility, rng: rng}
}

func (m *RandomWalk) NextPrice(current decimal.Decimal) decimal.Decimal {
	cur, _ := current.Float64()
	next := cur + cur*m.volatility*m.rng.NormFloat64()
	return clampPositive(decimal.NewFromFloat(next))
}

// Trend is a random walk with a constant directional component.
type Trend struct {
	trend      float64
	volatility float64
	rng        *rand.Rand
}

func NewTrend(trend, volatility float64, rng *rand.Rand) *Trend {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Trend{trend: trend, volatility: volatility, rng: rng}
}

func (m *Trend) NextPrice(current decimal.Decimal) decimal.Decimal {
	cur, _ := current.Float64()
	next := cur + cur*m.trend + cur*m.volatility*m.rng.NormFloat64()
	return clampPositive(decimal.NewFromFloat(next))
}

var minPrice = decimal.RequireFromString("0.01")

func clampPositive(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(minPrice) {
		return minPrice
	}
	return p
}
