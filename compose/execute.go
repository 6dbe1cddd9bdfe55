package compose

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3quant/edgebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PIPELINE EXECUTION
// ═══════════════════════════════════════════════════════════════════════════════

// EdgeConfig bounds signal generation.
type EdgeConfig struct {
	MinEdge float64 // emit at or above
	MaxEdge float64 // reject above as suspicious
}

// ExecOutcome is the result of running one strategy over the market state.
type ExecOutcome struct {
	Results map[string]Result // key: windowID + "|" + versionID
	Signals []types.Signal
	Errors  int
}

// Execute runs the strategy pipeline over every window context. A
// component that errors is logged and skipped; the rest of the pipeline
// continues. Signals are generated from probability results per the
// edge bounds.
func Execute(strat *Strategy, windows []*WindowContext, edge EdgeConfig) ExecOutcome {
	out := ExecOutcome{Results: make(map[string]Result)}

	for _, wctx := range windows {
		// Windows without a strike cannot be priced.
		if wctx.ReferencePrice.IsZero() {
			log.Debug().Str("window", wctx.WindowID).Msg("Window without reference price, skipped")
			continue
		}

		for _, slot := range strat.Pipeline {
			components := strat.Components[slot]
			ids := strat.VersionIDs[slot]

			for i, comp := range components {
				versionID := ids[i]

				res, err := comp.Evaluate(wctx, strat.Config)
				if err != nil {
					out.Errors++
					log.Warn().
						Err(err).
						Str("component", versionID).
						Str("window", wctx.WindowID).
						Msg("Component evaluation failed")
					continue
				}
				out.Results[wctx.WindowID+"|"+versionID] = res

				if sig, ok := signalFrom(strat, wctx, versionID, res, edge); ok {
					out.Signals = append(out.Signals, sig)
				}
			}
		}
	}
	return out
}

// signalFrom turns a probability result into an entry signal when the
// edge lands inside [minEdge, maxEdge].
func signalFrom(strat *Strategy, wctx *WindowContext, versionID string, res Result, edge EdgeConfig) (types.Signal, bool) {
	if res.Probability == nil {
		if res.Signal == "entry" {
			log.Warn().
				Str("component", versionID).
				Str("strategy", strat.Name).
				Msg("Deprecated signal=entry component, no probability attached")
			return legacySignal(strat, wctx), true
		}
		return types.Signal{}, false
	}

	probability := *res.Probability
	if math.IsNaN(wctx.MarketPrice) || wctx.MarketPrice <= 0 {
		return types.Signal{}, false
	}

	e := probability - wctx.MarketPrice
	if e > edge.MaxEdge {
		log.Warn().
			Str("window", wctx.WindowID).
			Float64("edge", e).
			Float64("probability", probability).
			Float64("market_price", wctx.MarketPrice).
			Msg("⚠️ Suspicious edge, signal suppressed")
		return types.Signal{}, false
	}
	if e < edge.MinEdge {
		return types.Signal{}, false
	}

	return types.Signal{
		StrategyID:       strat.Name,
		WindowID:         wctx.WindowID,
		Symbol:           wctx.Symbol,
		TokenID:          wctx.TokenIDUp,
		Direction:        "long",
		ModelProbability: probability,
		MarketPrice:      wctx.MarketPrice,
		Edge:             e,
		Confidence:       probability,
		CreatedAt:        time.Now(),
	}, true
}

// legacySignal builds an entry with no model probability; edge and
// confidence stay zero and downstream sizing treats it conservatively.
func legacySignal(strat *Strategy, wctx *WindowContext) types.Signal {
	return types.Signal{
		StrategyID:  strat.Name,
		WindowID:    wctx.WindowID,
		Symbol:      wctx.Symbol,
		TokenID:     wctx.TokenIDUp,
		Direction:   "long",
		MarketPrice: wctx.MarketPrice,
		CreatedAt:   time.Now(),
	}
}

// ResultKey renders the aggregation key for one (window, component).
func ResultKey(windowID, versionID string) string {
	return fmt.Sprintf("%s|%s", windowID, versionID)
}
