package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"loki/internal/common"
	"loki/internal/config"
	"loki/internal/engine"
	"loki/internal/marketdata"
	"loki/internal/net"
)

func main() {
	configPath := flag.String("config", "", "path to config.json (defaults apply when omitted)")
	flag.Parse()

	cfg := config.Default()
	if *configPath == "" {
		*configPath = os.Getenv("LOKI_CONFIG")
	}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("config load failed")
		}
		cfg = loaded
	}

	setupLogging(cfg)

	srv, err := buildServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("server setup failed")
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server exited with error")
	}
	log.Info().Msg("server stopped")
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Logging.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// buildServer assembles the engine, market data publisher and server from
// the configuration.
func buildServer(cfg *config.Config) (*net.Server, error) {
	symbols := make([]common.Symbol, 0, len(cfg.Exchange.Symbols))
	for _, name := range cfg.Exchange.Symbols {
		sym, err := common.ParseSymbol(name)
		if err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}

	accounts := engine.NewAccountManager(cfg.DefaultBalance())
	eng := engine.New(symbols, accounts)
	eng.SetRejectEmptyMarket(cfg.RejectEmptyMarket())

	pub := marketdata.NewPublisher()
	interval := cfg.TickInterval()
	initial := cfg.InitialPrices()
	for _, sym := range symbols {
		model := buildModel(cfg, interval)
		ticker := marketdata.NewTicker(
			sym.Name,
			initial[sym.Name],
			model,
			interval,
			cfg.Exchange.SpreadBps,
			cfg.Exchange.PricePrecision,
		)
		pub.AddTicker(ticker, cfg.Exchange.HistorySize)
		eng.SetLastPrice(sym.Name, initial[sym.Name])
	}

	return net.NewServer(cfg, eng, pub)
}

func buildModel(cfg *config.Config, interval time.Duration) marketdata.PriceModel {
	pm := cfg.Exchange.PricingModel
	switch pm.ModelType {
	case "random_walk":
		return marketdata.NewRandomWalk(pm.Volatility, nil)
	case "trend":
		return marketdata.NewTrend(pm.Drift, pm.Volatility, nil)
	default:
		return marketdata.NewGBM(pm.Drift, pm.Volatility, interval, nil)
	}
}
