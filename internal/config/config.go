package config

import (
	"fmt"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type PricingModelConfig struct {
	ModelType  string  `json:"model_type"` // "gbm", "random_walk", "trend"
	Drift      float64 `json:"drift"`
	Volatility float64 `json:"volatility"`
}

type ExchangeConfig struct {
	Symbols           []string           `json:"symbols"`
	TickInterval      float64            `json:"tick_interval"` // seconds
	InitialPrices     map[string]string  `json:"initial_prices"`
	PricingModel      PricingModelConfig `json:"pricing_model"`
	DefaultBalance    map[string]string  `json:"default_balance"`
	SpreadBps         int                `json:"spread_bps"`
	PricePrecision    int32              `json:"price_precision"`
	HistorySize       int                `json:"history_size"`
	RejectEmptyMarket *bool              `json:"reject_empty_market"`
}

// FailureMode holds the union of per-strategy parameters; each strategy
// reads the fields it understands.
type FailureMode struct {
	Enabled              bool    `json:"enabled"`
	Probability          float64 `json:"probability"`
	MinMs                int     `json:"min_ms"`
	MaxMs                int     `json:"max_ms"`
	WindowSize           int     `json:"window_size"`
	FlushMs              int     `json:"flush_ms"`
	MaxDuplicates        int     `json:"max_duplicates"`
	MaxMessagesPerSecond int     `json:"max_messages_per_second"`
	CorruptionLevel      float64 `json:"corruption_level"`
	RequestsPerSecond    int     `json:"requests_per_second"`
	AfterMessages        int     `json:"after_messages"`
	ResetOnReconnect     bool    `json:"reset_on_reconnect"`
}

type LatencyConfig struct {
	Mode  string  `json:"mode"` // "stable", "typical" or "custom"
	Mu    float64 `json:"mu"`
	Sigma float64 `json:"sigma"`
}

type FailuresConfig struct {
	Enabled bool                   `json:"enabled"`
	Latency LatencyConfig          `json:"latency"`
	Modes   map[string]FailureMode `json:"modes"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type Config struct {
	Server   ServerConfig   `json:"server"`
	Exchange ExchangeConfig `json:"exchange"`
	Failures FailuresConfig `json:"failures"`
	Logging  LoggingConfig  `json:"logging"`
}

// Default returns the configuration used when keys are omitted. The balances
// match the documented defaults: USD=100000, BTC=10.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "localhost", Port: 8765},
		Exchange: ExchangeConfig{
			Symbols:        []string{"BTC/USD"},
			TickInterval:   0.1,
			InitialPrices:  map[string]string{"BTC/USD": "50000"},
			PricingModel:   PricingModelConfig{ModelType: "gbm", Drift: 0.0, Volatility: 0.1},
			DefaultBalance: map[string]string{"USD": "100000", "BTC": "10"},
			SpreadBps:      10,
			PricePrecision: 2,
			HistorySize:    10000,
		},
		Failures: FailuresConfig{
			Enabled: false,
			Latency: LatencyConfig{Mode: "stable"},
			Modes:   map[string]FailureMode{},
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// Load reads a JSON config file and overlays it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Exchange.Symbols) == 0 {
		return fmt.Errorf("exchange.symbols must not be empty")
	}
	if c.Exchange.TickInterval <= 0 {
		return fmt.Errorf("exchange.tick_interval must be positive")
	}
	for _, sym := range c.Exchange.Symbols {
		if _, ok := c.Exchange.InitialPrices[sym]; !ok {
			return fmt.Errorf("no initial price for symbol %s", sym)
		}
	}
	for sym, price := range c.Exchange.InitialPrices {
		if _, err := decimal.NewFromString(price); err != nil {
			return fmt.Errorf("bad initial price for %s: %w", sym, err)
		}
	}
	for asset, bal := range c.Exchange.DefaultBalance {
		if _, err := decimal.NewFromString(bal); err != nil {
			return fmt.Errorf("bad default balance for %s: %w", asset, err)
		}
	}
	switch c.Failures.Latency.Mode {
	case "", "stable", "typical", "custom":
	default:
		return fmt.Errorf("unknown latency mode %q", c.Failures.Latency.Mode)
	}
	return nil
}

// TickInterval converts the configured seconds into a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Exchange.TickInterval * float64(time.Second))
}

// InitialPrices returns the configured starting prices as decimals.
// Validate has already checked the strings parse.
func (c *Config) InitialPrices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.Exchange.InitialPrices))
	for sym, price := range c.Exchange.InitialPrices {
		out[sym] = decimal.RequireFromString(price)
	}
	return out
}

// DefaultBalance returns the configured per-session starting balances.
func (c *Config) DefaultBalance() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.Exchange.DefaultBalance))
	for asset, bal := range c.Exchange.DefaultBalance {
		out[asset] = decimal.RequireFromString(bal)
	}
	return out
}

// RejectEmptyMarket reports whether a market order that finds no liquidity at
// all is rejected (default) or acknowledged as an empty cancel.
func (c *Config) RejectEmptyMarket() bool {
	if c.Exchange.RejectEmptyMarket == nil {
		return true
	}
	return *c.Exchange.RejectEmptyMarket
}

// Mode returns the named failure mode config; absent modes are disabled.
func (c *Config) Mode(name string) FailureMode {
	return c.Failures.Modes[name]
}
