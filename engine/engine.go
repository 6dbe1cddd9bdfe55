package engine

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3quant/edgebot/compose"
	"github.com/web3quant/edgebot/exits"
	"github.com/web3quant/edgebot/feeds"
	"github.com/web3quant/edgebot/model"
	"github.com/web3quant/edgebot/risk"
	"github.com/web3quant/edgebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION LOOP
// ═══════════════════════════════════════════════════════════════════════════════
//
// One serial pipeline per tick: breaker gate, drawdown check, window
// load, spot prices, signal evaluation, recording, sizing and entry,
// stale order sweep, position verification, stop-loss, take-profit,
// window expiry. A tick still in progress when the next interval fires
// drops the new tick and counts it. Everything async inside a tick
// happens on the tick goroutine; background feeds and timers never wait
// for the loop.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config tunes the loop.
type Config struct {
	Mode                types.Mode
	TickInterval        time.Duration
	ActiveStrategy      string
	PositionSizeDollars decimal.Decimal
	MaxExposureDollars  decimal.Decimal
	FeeRate             decimal.Decimal
	MinEdge             float64
	MaxEdge             float64
	Thresholds          exits.Thresholds
}

type windowSource interface {
	Active() []*types.Window
	Get(windowID string) (*types.Window, bool)
}

type bookSource interface {
	GetBookSnapshot(tokenID string) *types.BookSnapshot
}

type orderClient interface {
	PlaceOrder(tokenID string, price, size decimal.Decimal, side, orderType string) (string, error)
	CancelOrder(orderID string) error
	GetOpenOrders() ([]types.Order, error)
}

type positionVerifier interface {
	Verify() (risk.VerifyResult, error)
}

type tradeStore interface {
	SaveSignal(id string, sig *types.Signal) error
	SavePosition(p *types.Position) error
	ClosePosition(id string, exitPrice, pnl decimal.Decimal, reason string) error
}

// Notifier receives trade lifecycle events. May be nil.
type Notifier interface {
	TradeOpened(p *types.Position)
	TradeClosed(p *types.Position, pnl decimal.Decimal)
}

// Engine is the per-tick coordinator.
type Engine struct {
	cfg        Config
	strategies *compose.Strategies
	prices     *feeds.PriceCache
	vol        *model.VolEstimator
	books      bookSource
	windows    windowSource
	orders     orderClient
	verifier   positionVerifier
	db         tradeStore
	notifier   Notifier

	guards    *risk.Safeguards
	breaker   *risk.Breaker
	drawdown  *risk.Drawdown
	positions *risk.Positions
	thesis    *exits.ThesisMonitor

	// Signals behind resting orders, for the stale order sweep.
	placedMu sync.Mutex
	placed   map[string]types.Signal // orderID -> originating signal

	inTick       atomic.Bool
	ticks        atomic.Int64
	droppedTicks atomic.Int64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Deps bundles the loop's collaborators.
type Deps struct {
	Strategies *compose.Strategies
	Prices     *feeds.PriceCache
	Vol        *model.VolEstimator
	Books      bookSource
	Windows    windowSource
	Orders     orderClient
	Verifier   positionVerifier
	DB         tradeStore
	Notifier   Notifier
	Guards     *risk.Safeguards
	Breaker    *risk.Breaker
	Drawdown   *risk.Drawdown
	Positions  *risk.Positions
	Thesis     *exits.ThesisMonitor // optional fast-path exit
}

// New builds the loop.
func New(cfg Config, deps Deps) *Engine {
	return &Engine{
		cfg:        cfg,
		strategies: deps.Strategies,
		prices:     deps.Prices,
		vol:        deps.Vol,
		books:      deps.Books,
		windows:    deps.Windows,
		orders:     deps.Orders,
		verifier:   deps.Verifier,
		db:         deps.DB,
		notifier:   deps.Notifier,
		guards:     deps.Guards,
		breaker:    deps.Breaker,
		drawdown:   deps.Drawdown,
		positions:  deps.Positions,
		thesis:     deps.Thesis,
		placed:     make(map[string]types.Signal),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the tick loop.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.loop()

	log.Info().
		Str("mode", string(e.cfg.Mode)).
		Dur("interval", e.cfg.TickInterval).
		Str("strategy", e.cfg.ActiveStrategy).
		Msg("⚙️ Execution loop started")
	return nil
}

// Stop halts the loop after the in-progress tick finishes. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()

	log.Info().
		Int64("ticks", e.ticks.Load()).
		Int64("dropped", e.droppedTicks.Load()).
		Msg("Execution loop stopped")
}

// DroppedTicks reports ticks skipped because the previous one overran.
func (e *Engine) DroppedTicks() int64 { return e.droppedTicks.Load() }

// Ticks reports completed ticks.
func (e *Engine) Ticks() int64 { return e.ticks.Load() }

func (e *Engine) loop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if !e.inTick.CompareAndSwap(false, true) {
				e.droppedTicks.Add(1)
				log.Warn().Int64("dropped", e.droppedTicks.Load()).Msg("Tick overrun, dropping")
				continue
			}
			e.tick()
			e.inTick.Store(false)
		}
	}
}

// tick runs the full pipeline once.
func (e *Engine) tick() {
	defer e.ticks.Add(1)

	// Gate: fail closed.
	if e.breaker == nil || e.breaker.IsOpen() {
		return
	}

	entriesSkipped := false
	if e.drawdown != nil && e.drawdown.AutoStopped() {
		entriesSkipped = true
		log.Warn().Str("daily_pnl", e.drawdown.DailyPnL().StringFixed(2)).Msg("🛑 Daily loss limit hit, entries skipped")
	}

	windows := e.windows.Active()
	if len(windows) == 0 && e.positions.Count() == 0 {
		return
	}

	contexts := e.buildContexts(windows)

	if !entriesSkipped {
		signals := e.evaluate(contexts)
		e.guards.ResetTickEntries()
		e.processEntries(signals, windows)
	}

	if e.cfg.Mode == types.ModeLive {
		e.sweepStaleOrders(contexts)
	}

	verifyFailed := e.verifyPositions()

	e.refreshMarks()

	if !verifyFailed {
		e.evaluateStops()
		e.evaluateTakeProfits()
	}
	e.evaluateExpiries()
}

// buildContexts assembles one evaluation context per priceable window.
// Symbols without a cached oracle price are tolerated individually.
func (e *Engine) buildContexts(windows []*types.Window) []*compose.WindowContext {
	out := make([]*compose.WindowContext, 0, len(windows))
	for _, w := range windows {
		if w.Expired() {
			continue
		}

		oracle, ok := e.prices.Oracle(w.Symbol)
		if !ok {
			log.Debug().Str("window", w.ID).Msg("No oracle price this tick")
			continue
		}

		marketPrice := math.NaN()
		if book := e.books.GetBookSnapshot(w.UpTokenID); book != nil && !book.Mid.IsZero() {
			marketPrice, _ = book.Mid.Float64()
		}

		spots := make(map[string]decimal.Decimal, 4)
		for _, source := range []string{feeds.SourceComposite, feeds.SourceAggregator, feeds.SourceVWAP20, feeds.SourceOracle} {
			if sp, found := e.prices.Get(w.Symbol, source); found {
				spots[source] = sp.Price
			}
		}

		out = append(out, &compose.WindowContext{
			WindowID:       w.ID,
			Symbol:         w.Symbol,
			MarketID:       w.MarketID,
			TokenIDUp:      w.UpTokenID,
			TokenIDDown:    w.DownTokenID,
			OraclePrice:    oracle,
			ReferencePrice: w.ReferencePrice,
			MarketPrice:    marketPrice,
			TimeToExpiry:   w.TimeRemaining(),
			Sigma:          e.vol.SigmaFor(w.Symbol, w.TimeRemaining()),
			SpotPrices:     spots,
		})
	}
	return out
}

// evaluate runs the active strategy over the contexts.
func (e *Engine) evaluate(contexts []*compose.WindowContext) []types.Signal {
	if len(contexts) == 0 {
		return nil
	}

	strat, ok := e.strategies.Get(e.cfg.ActiveStrategy)
	if !ok {
		log.Error().Str("strategy", e.cfg.ActiveStrategy).Msg("Active strategy not registered")
		return nil
	}

	out := compose.Execute(strat, contexts, compose.EdgeConfig{
		MinEdge: e.cfg.MinEdge,
		MaxEdge: e.cfg.MaxEdge,
	})
	if out.Errors > 0 {
		log.Warn().Int("errors", out.Errors).Msg("Component errors during evaluation")
	}
	return out.Signals
}

// refreshMarks moves every open position's mark to the latest book mid,
// falling back to the best bid when one side is empty.
func (e *Engine) refreshMarks() {
	for _, pos := range e.positions.Open() {
		book := e.books.GetBookSnapshot(pos.TokenID)
		if book == nil {
			continue
		}
		mark := book.Mid
		if mark.IsZero() {
			mark = book.BestBid
		}
		if !mark.IsZero() {
			e.positions.UpdatePrice(pos.ID, mark)
		}
	}
}
