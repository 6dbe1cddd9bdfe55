// Edgebot - automated trading for 15-minute binary outcome markets.
//
// Prices UP/DOWN tokens with Black-Scholes N(d2) over a live oracle
// feed, buys whichever side the order book underprices, and manages the
// position through stop-loss, take-profit and window expiry. A paper
// sweep continuously grades every registered strategy variation against
// recorded book depth.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3quant/edgebot/compose"
	"github.com/web3quant/edgebot/engine"
	"github.com/web3quant/edgebot/exchange"
	"github.com/web3quant/edgebot/exits"
	"github.com/web3quant/edgebot/feeds"
	"github.com/web3quant/edgebot/internal/config"
	"github.com/web3quant/edgebot/model"
	"github.com/web3quant/edgebot/notify"
	"github.com/web3quant/edgebot/orch"
	"github.com/web3quant/edgebot/paper"
	"github.com/web3quant/edgebot/recorder"
	"github.com/web3quant/edgebot/risk"
	"github.com/web3quant/edgebot/sched"
	"github.com/web3quant/edgebot/storage"
	"github.com/web3quant/edgebot/types"
)

const version = "1.2.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	manifest, err := config.LoadManifest(cfg.ManifestPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load launch manifest")
	}
	if !manifest.PositionSizeDollars.IsZero() {
		cfg.PositionSizeDollars = manifest.PositionSizeDollars
	}
	if !manifest.MaxExposureDollars.IsZero() {
		cfg.MaxExposureDollars = manifest.MaxExposureDollars
	}

	log.Info().
		Str("version", version).
		Str("mode", string(cfg.Mode)).
		Strs("symbols", cfg.Symbols).
		Msg("⚡ Edgebot starting...")

	// ====== PERSISTENCE ======

	db, err := storage.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// ====== PRICE FEEDS ======

	prices := feeds.NewPriceCache()
	vwapFeed := feeds.NewVWAPFeed("wss://stream.binance.com:9443/ws", cfg.Symbols, prices)
	aggFeed := feeds.NewAggregatorFeed(cfg.AggregatorURL, cfg.AggregatorAPIKey, cfg.Symbols, cfg.AggregatorPoll, prices)
	oracleFeed := feeds.NewOracleFeed(cfg.OracleRPCURL, cfg.OracleFeeds, cfg.OraclePoll, prices)

	clob := feeds.NewClobClient(feeds.ClobConfig{
		URL:                  cfg.CLOBWSURL,
		ConnectionTimeout:    cfg.ConnectionTimeout,
		ReconnectBase:        cfg.ReconnectBase,
		ReconnectMax:         cfg.ReconnectMax,
		StaleThreshold:       cfg.StaleThreshold,
		StaleWarningInterval: cfg.StaleWarningInterval,
		MaxMessageSizeBytes:  cfg.MaxMessageSizeBytes,
	})

	ticks := recorder.NewRecorder(db, clob)

	// ====== MODEL ======

	vol := model.NewVolEstimator(model.VolConfig{
		ShortLookback: cfg.ShortTermLookback,
		LongLookback:  cfg.LongTermLookback,
		CacheExpiry:   cfg.VolCacheExpiry,
		Refresh:       cfg.VolCacheExpiry,
		FallbackSigma: cfg.FallbackSigma,
	}, prices, cfg.Symbols)
	calibration := model.NewCalibration()

	// ====== STRATEGIES ======

	catalog := compose.NewCatalog()
	compose.RegisterBuiltins(catalog)
	if err := catalog.InitAll(); err != nil {
		log.Fatal().Err(err).Msg("Component initialization failed")
	}

	strategies := compose.NewStrategies(catalog)
	strategies.LoadDir(cfg.StrategyDir)

	activeStrategy := os.Getenv("ACTIVE_STRATEGY")
	if activeStrategy == "" {
		activeStrategy = "main"
	}
	if !manifest.Allows(activeStrategy) {
		log.Fatal().Str("strategy", activeStrategy).Msg("Launch manifest does not allow the active strategy")
	}

	// ====== EXCHANGE ======

	exClient := exchange.NewClient(exchange.Config{
		BaseURL:    cfg.CLOBRestURL,
		APIKey:     cfg.CLOBApiKey,
		APISecret:  cfg.CLOBApiSecret,
		Passphrase: cfg.CLOBPassphrase,
		DryRun:     cfg.Mode == types.ModePaper,
	})
	markets := exchange.NewMarketsClient(cfg.GammaAPIURL, cfg.ConnectionTimeout)

	// ====== SAFETY ======

	notifier, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Telegram notifier")
	}

	guards := risk.NewSafeguards(cfg.MaxEntriesPerTick)
	breaker := risk.NewBreaker(notifier.BreakerTripped)
	positions := risk.NewPositions()
	verifier := risk.NewVerifier(exClient, positions, 30*time.Second)

	startBalance := cfg.MaxExposureDollars
	if cfg.Mode == types.ModeLive {
		if bal, err := exClient.GetBalance(); err == nil && bal.IsPositive() {
			startBalance = bal
		}
	}
	drawdown := risk.NewDrawdown(startBalance, cfg.MaxDailyLossPct)

	if manifest.KillSwitchEnabled {
		breaker.Trip(risk.TripManual)
		log.Warn().Msg("Kill switch enabled in launch manifest, starting halted")
	}

	// ====== PAPER SWEEP ======

	sweep := paper.NewTrader(paper.Config{
		Variations: []paper.Variation{
			{Name: "base", SizeDollars: cfg.PositionSizeDollars, MinEdge: cfg.MinEdge},
			{Name: "half", SizeDollars: cfg.PositionSizeDollars.Div(decimal.NewFromInt(2)), MinEdge: cfg.MinEdge},
			{Name: "strict", SizeDollars: cfg.PositionSizeDollars, MinEdge: cfg.MinEdge * 2},
		},
		MinEdge:   cfg.MinEdge,
		MaxEdge:   cfg.MaxEdge,
		MinTiming: 30 * time.Second,
		MaxTiming: 10 * time.Minute,
		FeeRate:   cfg.FeeRate,
	}, strategies, clob, prices, vol, calibration, db)

	// ====== SCHEDULER ======

	scheduler := sched.NewScheduler(sched.Config{
		Symbols:          cfg.Symbols,
		ScanInterval:     cfg.ScanInterval,
		SignalOffsetsSec: cfg.SignalOffsets,
		LatencyProbeLead: cfg.LatencyProbe,
		SettlementDelay:  cfg.SettlementDelay,
	}, sched.Hooks{
		OnSignalOffset: sweep.RunSweep,
		OnSettle:       sweep.Settle,
		LatencyProbe: func() {
			if latency, err := exClient.LatencyProbe(); err == nil {
				log.Debug().Dur("latency", latency).Msg("Exchange latency probe")
			}
		},
	}, markets, clob, ticks, prices, db)

	// ====== EXECUTION ======

	// The thesis monitor exits through the engine's close path, but the
	// engine also holds the monitor. Bind the exit late.
	var loop *engine.Engine
	thesis := exits.NewThesisMonitor(exits.ThesisConfig{
		Interval:  cfg.ThesisInterval,
		MinHold:   cfg.MinHoldTime,
		Threshold: decimal.Zero,
	}, thesisStrength(scheduler, prices), func(p *types.Position, reason string) {
		if loop != nil {
			loop.CloseExternal(p, reason)
		}
	})

	loop = engine.New(engine.Config{
		Mode:                cfg.Mode,
		TickInterval:        cfg.TickInterval,
		ActiveStrategy:      activeStrategy,
		PositionSizeDollars: cfg.PositionSizeDollars,
		MaxExposureDollars:  cfg.MaxExposureDollars,
		FeeRate:             cfg.FeeRate,
		MinEdge:             cfg.MinEdge,
		MaxEdge:             cfg.MaxEdge,
		Thresholds: exits.Thresholds{
			StopLossPct:   cfg.StopLossPct,
			TakeProfitPct: cfg.TakeProfitPct,
			TrailingPct:   cfg.TrailingPct,
		},
	}, engine.Deps{
		Strategies: strategies,
		Prices:     prices,
		Vol:        vol,
		Books:      clob,
		Windows:    scheduler,
		Orders:     exClient,
		Verifier:   verifier,
		DB:         db,
		Notifier:   notifier,
		Guards:     guards,
		Breaker:    breaker,
		Drawdown:   drawdown,
		Positions:  positions,
		Thesis:     thesis,
	})

	// Resume tracking positions a previous run left open.
	if recovered, err := db.GetOpenPositions(); err != nil {
		log.Warn().Err(err).Msg("Open position recovery failed")
	} else if len(recovered) > 0 {
		for _, p := range recovered {
			positions.Add(p)
			thesis.Watch(p)
		}
		log.Info().Int("count", len(recovered)).Msg("♻️ Recovered open positions from storage")
	}

	// ====== ORCHESTRATION ======

	ring := orch.NewErrorRing()
	orchestrator := orch.New(orch.Config{
		InitTimeout:      cfg.ModuleInitTimeout,
		ShutdownTimeout:  cfg.ModuleShutdownTimeout,
		InflightTimeout:  cfg.InflightTimeout,
		SnapshotInterval: cfg.StateUpdateInterval,
		StatePath:        cfg.StatePath,
		PIDPath:          cfg.PIDPath,
	}, ring, func() map[string]interface{} {
		open, reason, _, trips := breaker.Status()
		snapshot := map[string]interface{}{
			"mode":            string(cfg.Mode),
			"active_strategy": activeStrategy,
			"open_positions":  len(positions.Open()),
			"exposure":        positions.Exposure().String(),
			"daily_pnl":       drawdown.DailyPnL().String(),
			"breaker_open":    open,
			"breaker_trips":   trips,
			"ticks":           loop.Ticks(),
			"dropped_ticks":   loop.DroppedTicks(),
			"ticks_dropped":   ticks.Dropped(),
			"kill_switch":     manifest.KillSwitchEnabled,
		}
		if len(manifest.AllowedStrategies) > 0 {
			snapshot["allowed_strategies"] = manifest.AllowedStrategies
		}
		if reason != "" {
			snapshot["breaker_reason"] = reason
		}
		return snapshot
	})

	orchestrator.Register(orch.Wrap("vwap-feed", vwapFeed.Start, vwapFeed.Stop))
	orchestrator.Register(orch.Wrap("aggregator-feed", aggFeed.Start, aggFeed.Stop))
	orchestrator.Register(orch.Wrap("oracle-feed", oracleFeed.Start, oracleFeed.Stop))
	orchestrator.Register(orch.Wrap("clob-ws", clob.Start, clob.Shutdown))
	orchestrator.Register(orch.Wrap("tick-recorder", ticks.Start, ticks.Stop))
	orchestrator.Register(orch.Wrap("volatility", vol.Start, vol.Stop))
	orchestrator.Register(orch.Wrap("scheduler", scheduler.Start, scheduler.Stop))
	orchestrator.Register(orch.Wrap("thesis-monitor", thesis.Start, thesis.Stop))
	orchestrator.Register(orch.Wrap("execution-loop", loop.Start, loop.Stop))
	orchestrator.Register(orch.Wrap("database", nil, db.Close))

	if err := orchestrator.Start(); err != nil {
		log.Fatal().Err(err).Msg("Startup failed")
	}
	notifier.Startup(string(cfg.Mode), cfg.Symbols)

	// Wait for SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	orchestrator.Shutdown()
	catalog.ShutdownAll()
	notifier.ShutdownNotice()
}

// thesisStrength scores an UP position by how far the oracle sits above
// the window strike, as a fraction of the strike. Negative means the
// thesis has inverted.
func thesisStrength(scheduler *sched.Scheduler, prices *feeds.PriceCache) exits.StrengthFunc {
	return func(p *types.Position) (decimal.Decimal, bool) {
		w, ok := scheduler.Get(p.WindowID)
		if !ok || w.ReferencePrice.IsZero() {
			return decimal.Zero, false
		}
		oracle, ok := prices.Oracle(w.Symbol)
		if !ok {
			return decimal.Zero, false
		}

		diff := oracle.Sub(w.ReferencePrice).Div(w.ReferencePrice)
		if p.Side == types.SideDown {
			diff = diff.Neg()
		}
		return diff, true
	}
}
