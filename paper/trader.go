package paper

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3quant/edgebot/compose"
	"github.com/web3quant/edgebot/feeds"
	"github.com/web3quant/edgebot/model"
	"github.com/web3quant/edgebot/sched"
	"github.com/web3quant/edgebot/sim"
	"github.com/web3quant/edgebot/storage"
	"github.com/web3quant/edgebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER TRADER - Signal sweep
// ═══════════════════════════════════════════════════════════════════════════════
//
// At each signal offset of each window, every registered strategy and
// every size/edge variation gets evaluated against a context built once
// per offset. Fills are simulated against live depth, one paper trade
// row per firing variation. Settlement resolves all open rows for the
// window against the persisted direction.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Variation is one sweep cell: a dollar size with its own edge floor.
type Variation struct {
	Name        string
	SizeDollars decimal.Decimal
	MinEdge     float64
}

// Config tunes the sweep.
type Config struct {
	Variations []Variation
	MinEdge    float64 // executor floor
	MaxEdge    float64 // suspicious ceiling
	MinTiming  time.Duration
	MaxTiming  time.Duration
	FeeRate    decimal.Decimal
}

type bookSource interface {
	GetBookSnapshot(tokenID string) *types.BookSnapshot
}

// tradeStore is the slice of the database the sweep writes through.
type tradeStore interface {
	SavePrediction(p *storage.Prediction) error
	SettlePredictions(windowID, outcome string) error
	SavePaperTrade(t *storage.PaperTrade) error
	GetUnsettledPaperTrades(windowID string) ([]storage.UnsettledPaperTrade, error)
	SettlePaperTrade(id string, won bool, payout, netPnL decimal.Decimal) error
}

// Trader runs the sweep.
type Trader struct {
	cfg         Config
	strategies  *compose.Strategies
	books       bookSource
	prices      *feeds.PriceCache
	vol         *model.VolEstimator
	calibration *model.Calibration
	db          tradeStore
}

// NewTrader wires the sweep to its collaborators.
func NewTrader(cfg Config, strategies *compose.Strategies, books bookSource, prices *feeds.PriceCache, vol *model.VolEstimator, calibration *model.Calibration, db tradeStore) *Trader {
	return &Trader{
		cfg:         cfg,
		strategies:  strategies,
		books:       books,
		prices:      prices,
		vol:         vol,
		calibration: calibration,
		db:          db,
	}
}

// RunSweep evaluates every strategy and variation for one window at one
// signal offset.
func (t *Trader) RunSweep(w *types.Window, offsetSec int) {
	remaining := w.TimeRemaining()
	if !sched.TimingEligible(remaining, t.cfg.MinTiming, t.cfg.MaxTiming) {
		log.Debug().Str("window", w.ID).Dur("remaining", remaining).Msg("Sweep outside timing bounds")
		return
	}

	wctx := t.buildContext(w)
	if wctx == nil {
		return
	}

	t.recordPrediction(w, wctx)

	book := t.books.GetBookSnapshot(w.UpTokenID)
	fired := 0

	for _, strat := range t.strategies.All() {
		if !t.appliesTo(strat, w.Symbol) {
			continue
		}

		out := compose.Execute(strat, []*compose.WindowContext{wctx}, compose.EdgeConfig{
			MinEdge: t.cfg.MinEdge,
			MaxEdge: t.cfg.MaxEdge,
		})

		for _, sig := range out.Signals {
			for _, variation := range t.cfg.Variations {
				if sig.Edge < variation.MinEdge {
					continue
				}
				if t.enter(w, strat.Name, variation, &sig, book, offsetSec) {
					fired++
				}
			}
		}
	}

	if fired > 0 {
		log.Info().
			Str("window", w.ID).
			Int("offset_sec", offsetSec).
			Int("trades", fired).
			Msg("📝 Paper sweep fired")
	}
}

// buildContext assembles the shared per-offset evaluation context.
func (t *Trader) buildContext(w *types.Window) *compose.WindowContext {
	oracle, ok := t.prices.Oracle(w.Symbol)
	if !ok {
		log.Debug().Str("window", w.ID).Msg("No oracle price, sweep skipped")
		return nil
	}

	marketPrice := math.NaN()
	if book := t.books.GetBookSnapshot(w.UpTokenID); book != nil && !book.Mid.IsZero() {
		marketPrice, _ = book.Mid.Float64()
	}

	spots := make(map[string]decimal.Decimal, 4)
	for _, source := range []string{feeds.SourceComposite, feeds.SourceAggregator, feeds.SourceVWAP20, feeds.SourceOracle} {
		if sp, found := t.prices.Get(w.Symbol, source); found {
			spots[source] = sp.Price
		}
	}

	return &compose.WindowContext{
		WindowID:       w.ID,
		Symbol:         w.Symbol,
		MarketID:       w.MarketID,
		TokenIDUp:      w.UpTokenID,
		TokenIDDown:    w.DownTokenID,
		OraclePrice:    oracle,
		ReferencePrice: w.ReferencePrice,
		MarketPrice:    marketPrice,
		TimeToExpiry:   w.TimeRemaining(),
		Sigma:          t.vol.SigmaFor(w.Symbol, w.TimeRemaining()),
		SpotPrices:     spots,
	}
}

// recordPrediction files one calibration row per sweep context.
func (t *Trader) recordPrediction(w *types.Window, wctx *compose.WindowContext) {
	p := model.ProbabilityUp(model.ProbabilityInputs{
		Spot:       wctx.OraclePrice,
		Strike:     wctx.ReferencePrice,
		Sigma:      wctx.Sigma,
		TimeLeftMs: wctx.TimeToExpiry.Milliseconds(),
	})

	t.calibration.Record(w.ID, p)

	pred := &storage.Prediction{
		WindowID:    w.ID,
		Symbol:      w.Symbol,
		PredictedUp: p,
		Bucket:      model.BucketName(model.BucketIndex(p)),
		OraclePrice: wctx.OraclePrice,
		Strike:      wctx.ReferencePrice,
		TimeLeftMs:  wctx.TimeToExpiry.Milliseconds(),
		Sigma:       wctx.Sigma,
	}
	if ratio, _, ok := t.vol.SurpriseRatio(w.Symbol); ok {
		pred.VolSurprise.Valid = true
		pred.VolSurprise.Float64 = ratio
	}
	if err := t.db.SavePrediction(pred); err != nil {
		log.Warn().Err(err).Str("window", w.ID).Msg("Prediction not persisted")
	}
}

// appliesTo filters strategies by their configured symbol list; an
// absent list applies everywhere.
func (t *Trader) appliesTo(strat *compose.Strategy, symbol string) bool {
	raw, ok := strat.Config["symbols"]
	if !ok {
		return true
	}
	list, ok := raw.([]interface{})
	if !ok {
		return true
	}
	for _, item := range list {
		if s, isStr := item.(string); isStr && s == symbol {
			return true
		}
	}
	return false
}

// enter simulates the fill and persists one paper trade row.
func (t *Trader) enter(w *types.Window, strategy string, variation Variation, sig *types.Signal, book *types.BookSnapshot, offsetSec int) bool {
	fill := sim.SimulateFill(book, variation.SizeDollars, t.cfg.FeeRate)
	if !fill.Success {
		log.Debug().Str("window", w.ID).Str("variation", variation.Name).Msg("No depth for paper fill")
		return false
	}

	trade := &storage.PaperTrade{
		ID:          uuid.NewString(),
		WindowID:    w.ID,
		Strategy:    strategy,
		Variation:   variation.Name,
		Symbol:      w.Symbol,
		Side:        string(types.SideUp),
		OffsetSec:   offsetSec,
		EntryPrice:  fill.VWAPPrice,
		Shares:      fill.TotalShares,
		Cost:        fill.TotalCost,
		Fee:         fill.Fees,
		Slippage:    fill.Slippage,
		PartialFill: fill.PartialFill,
	}
	if err := t.db.SavePaperTrade(trade); err != nil {
		return false
	}
	w.TradeIDs = append(w.TradeIDs, trade.ID)

	log.Debug().
		Str("trade", trade.ID).
		Str("strategy", strategy).
		Str("variation", variation.Name).
		Float64("edge", sig.Edge).
		Str("vwap", fill.VWAPPrice.StringFixed(4)).
		Msg("Paper entry simulated")
	return true
}

// Settle resolves every open paper trade for a window. Win means the
// entry side matches the resolved direction; payout is one dollar per
// share on a win and nothing otherwise.
func (t *Trader) Settle(w *types.Window, resolution types.Side) {
	trades, err := t.db.GetUnsettledPaperTrades(w.ID)
	if err != nil {
		log.Error().Err(err).Str("window", w.ID).Msg("Failed to load paper trades for settlement")
		return
	}

	for _, trade := range trades {
		won := trade.Side == string(resolution)
		payout := decimal.Zero
		if won {
			payout = trade.Shares
		}
		netPnL := payout.Sub(trade.Cost).Sub(trade.Fee)

		if err := t.db.SettlePaperTrade(trade.ID, won, payout, netPnL); err != nil {
			log.Warn().Err(err).Str("trade", trade.ID).Msg("Paper trade settlement not persisted")
		}
	}

	outcome := "down"
	if resolution == types.SideUp {
		outcome = "up"
	}
	t.calibration.Resolve(w.ID, outcome)
	if err := t.db.SettlePredictions(w.ID, outcome); err != nil {
		log.Warn().Err(err).Str("window", w.ID).Msg("Predictions not settled")
	}

	if len(trades) > 0 {
		log.Info().Str("window", w.ID).Int("trades", len(trades)).Str("resolution", outcome).Msg("🏦 Paper trades settled")
	}
}
