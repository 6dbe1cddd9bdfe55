package engine

import (
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3quant/edgebot/compose"
	"github.com/web3quant/edgebot/exchange"
	"github.com/web3quant/edgebot/exits"
	"github.com/web3quant/edgebot/risk"
	"github.com/web3quant/edgebot/sim"
	"github.com/web3quant/edgebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TICK STAGES: ENTRY, SWEEP, VERIFY, EXITS
// ═══════════════════════════════════════════════════════════════════════════════

// processEntries records each signal, then sizes and enters under the
// safeguard reservation protocol.
func (e *Engine) processEntries(signals []types.Signal, windows []*types.Window) {
	byID := make(map[string]*types.Window, len(windows))
	for _, w := range windows {
		byID[w.ID] = w
	}

	for i := range signals {
		sig := &signals[i]

		e.recordSignal(sig)

		w, ok := byID[sig.WindowID]
		if !ok {
			continue
		}

		if !e.guards.CanEnterPosition() {
			log.Info().Str("window", sig.WindowID).Msg("Per-tick entry budget exhausted")
			continue
		}

		size := e.sizeFor(sig)
		if !size.IsPositive() {
			log.Debug().Str("window", sig.WindowID).Msg("No exposure headroom, entry skipped")
			continue
		}

		if !e.guards.ReserveEntry(sig.WindowID, sig.StrategyID) {
			log.Info().
				Str("window", sig.WindowID).
				Str("strategy", sig.StrategyID).
				Msg("Entry reservation blocked")
			continue
		}

		if e.cfg.Mode == types.ModePaper {
			e.enterPaper(w, sig, size)
		} else {
			e.enterLive(w, sig, size)
		}
	}
}

// recordSignal captures book context at signal time and persists it.
func (e *Engine) recordSignal(sig *types.Signal) {
	if book := e.books.GetBookSnapshot(sig.TokenID); book != nil {
		sig.Context = types.MarketContext{
			BestBid:      book.BestBid,
			BestAsk:      book.BestAsk,
			Spread:       book.Spread,
			BidDepth1Pct: book.BidDepth1Pct,
			AskDepth1Pct: book.AskDepth1Pct,
		}
	}
	if err := e.db.SaveSignal(uuid.NewString(), sig); err != nil {
		log.Warn().Err(err).Str("window", sig.WindowID).Msg("Signal not persisted")
	}
}

// sizeFor computes the dollar size: the strategy's configured size,
// capped by remaining exposure headroom.
func (e *Engine) sizeFor(sig *types.Signal) decimal.Decimal {
	size := e.cfg.PositionSizeDollars
	if strat, ok := e.strategies.Get(sig.StrategyID); ok {
		if configured := strat.Config.Float("position_size_dollars", 0); configured > 0 {
			size = decimal.NewFromFloat(configured)
		}
	}

	headroom := e.cfg.MaxExposureDollars.Sub(e.positions.Exposure())
	if headroom.LessThan(size) {
		size = headroom
	}
	return size
}

// enterPaper opens a virtual position from a simulated fill.
func (e *Engine) enterPaper(w *types.Window, sig *types.Signal, dollars decimal.Decimal) {
	book := e.books.GetBookSnapshot(sig.TokenID)
	fill := sim.SimulateFill(book, dollars, e.cfg.FeeRate)
	if !fill.Success {
		e.guards.ReleaseEntry(sig.WindowID, sig.StrategyID)
		log.Debug().Str("window", sig.WindowID).Msg("No depth for paper entry")
		return
	}

	pos := &types.Position{
		ID:           uuid.NewString(),
		WindowID:     sig.WindowID,
		StrategyID:   sig.StrategyID,
		TokenID:      sig.TokenID,
		Symbol:       sig.Symbol,
		Side:         types.SideUp,
		SizeShares:   fill.TotalShares,
		EntryPrice:   fill.VWAPPrice,
		CurrentPrice: fill.VWAPPrice,
		PeakPrice:    fill.VWAPPrice,
		Fees:         fill.Fees,
		Virtual:      true,
	}
	e.openPosition(w, sig, pos)
}

// enterLive places an IOC buy capped at the model's fair value. The
// reservation is released only when the venue provably rejected the
// order before anything could rest; every ambiguous failure confirms.
func (e *Engine) enterLive(w *types.Window, sig *types.Signal, dollars decimal.Decimal) {
	maxPrice := decimal.NewFromFloat(sig.Confidence)
	if !maxPrice.IsPositive() {
		e.guards.ReleaseEntry(sig.WindowID, sig.StrategyID)
		return
	}
	shares := dollars.Div(maxPrice).Round(2)

	orderID, err := e.orders.PlaceOrder(sig.TokenID, maxPrice, shares, "BUY", exchange.OrderTypeIOC)
	if err != nil {
		var placeErr *exchange.PlaceError
		if errors.As(err, &placeErr) && !placeErr.ReachedExchange {
			e.guards.ReleaseEntry(sig.WindowID, sig.StrategyID)
			log.Info().Err(err).Str("window", sig.WindowID).Msg("Order rejected before exchange, reservation released")
			return
		}
		// The order may be live. Never release.
		e.guards.ConfirmEntry(sig.WindowID, sig.StrategyID)
		log.Error().Err(err).Str("window", sig.WindowID).Msg("🚨 Order outcome unknown, reservation confirmed")
		return
	}

	entryPrice := maxPrice
	if book := e.books.GetBookSnapshot(sig.TokenID); book != nil {
		if fill := sim.SimulateFill(book, dollars, e.cfg.FeeRate); fill.Success {
			entryPrice = fill.VWAPPrice
		}
	}

	pos := &types.Position{
		ID:           uuid.NewString(),
		WindowID:     sig.WindowID,
		StrategyID:   sig.StrategyID,
		TokenID:      sig.TokenID,
		Symbol:       sig.Symbol,
		Side:         types.SideUp,
		SizeShares:   shares,
		EntryPrice:   entryPrice,
		CurrentPrice: entryPrice,
		PeakPrice:    entryPrice,
	}

	e.placedMu.Lock()
	e.placed[orderID] = *sig
	e.placedMu.Unlock()

	e.openPosition(w, sig, pos)
}

// openPosition tracks and persists a freshly opened position. A
// persistence failure after a live order is a halt condition: money may
// be deployed with no local record driving the stop-loss.
func (e *Engine) openPosition(w *types.Window, sig *types.Signal, pos *types.Position) {
	e.positions.Add(pos)

	if err := e.db.SavePosition(pos); err != nil {
		if !pos.Virtual {
			e.breaker.Trip(risk.TripPositionTrackingFailed)
		}
		e.guards.ConfirmEntry(sig.WindowID, sig.StrategyID)
		log.Error().Err(err).Str("position", pos.ID).Msg("🚨 Position recording failed")
		return
	}

	e.guards.ConfirmEntry(sig.WindowID, sig.StrategyID)
	w.TradeIDs = append(w.TradeIDs, pos.ID)

	if e.thesis != nil {
		e.thesis.Watch(pos)
	}
	if e.notifier != nil {
		e.notifier.TradeOpened(pos)
	}

	log.Info().
		Str("position", pos.ID).
		Str("window", pos.WindowID).
		Str("entry", pos.EntryPrice.StringFixed(3)).
		Str("shares", pos.SizeShares.StringFixed(2)).
		Bool("virtual", pos.Virtual).
		Msg("📈 Position opened")
}

// sweepStaleOrders cancels resting orders whose edge has decayed below
// the entry floor since placement.
func (e *Engine) sweepStaleOrders(contexts []*compose.WindowContext) {
	open, err := e.orders.GetOpenOrders()
	if err != nil {
		log.Warn().Err(err).Msg("Open order sweep failed")
		return
	}

	mids := make(map[string]float64, len(contexts))
	for _, c := range contexts {
		mids[c.TokenIDUp] = c.MarketPrice
	}

	e.placedMu.Lock()
	defer e.placedMu.Unlock()

	live := make(map[string]struct{}, len(open))
	for _, o := range open {
		live[o.ID] = struct{}{}

		sig, tracked := e.placed[o.ID]
		if !tracked {
			continue
		}
		mid, ok := mids[o.TokenID]
		if !ok {
			continue
		}

		edge := sig.ModelProbability - mid
		if edge >= e.cfg.MinEdge {
			continue
		}
		if err := e.orders.CancelOrder(o.ID); err != nil {
			log.Warn().Err(err).Str("order", o.ID).Msg("Stale order cancel failed")
			continue
		}
		delete(e.placed, o.ID)
		log.Info().Str("order", o.ID).Float64("edge", edge).Msg("🧹 Stale order cancelled")
	}

	// Forget orders the venue no longer reports.
	for id := range e.placed {
		if _, still := live[id]; !still {
			delete(e.placed, id)
		}
	}
}

// verifyPositions reconciles against the exchange. Local positions the
// venue does not hold mean a stop-loss would fire into nothing; that
// trips the breaker and skips SL/TP for the tick.
func (e *Engine) verifyPositions() (skipStops bool) {
	if e.verifier == nil {
		return false
	}

	res, err := e.verifier.Verify()
	if err != nil {
		if errors.Is(err, risk.ErrBlind) {
			e.breaker.Trip(risk.TripVerifyRateLimited)
			return true
		}
		log.Warn().Err(err).Msg("Position verification failed")
		return false
	}

	if len(res.MissingLocal) > 0 {
		e.breaker.Trip(risk.TripStopLossBlind)
		log.Error().Strs("tokens", res.MissingLocal).Msg("🚨 Local positions missing on exchange")
		return true
	}
	return false
}

// evaluateStops closes positions breaching the stop-loss floor.
func (e *Engine) evaluateStops() {
	for _, pos := range e.positions.Open() {
		dec := exits.StopLoss(pos, e.cfg.Thresholds)
		if dec.Close {
			e.closePosition(pos, pos.CurrentPrice, dec.Reason, dec.Emergency)
		}
	}
}

// evaluateTakeProfits applies the fixed target and the trailing stop.
func (e *Engine) evaluateTakeProfits() {
	for _, pos := range e.positions.Open() {
		dec := exits.TakeProfit(pos, e.cfg.Thresholds)
		if dec.Close {
			e.closePosition(pos, pos.CurrentPrice, dec.Reason, false)
		}
	}
}

// evaluateExpiries settles positions whose window has resolved at the
// binary outcome price.
func (e *Engine) evaluateExpiries() {
	for _, pos := range e.positions.Open() {
		w, ok := e.windows.Get(pos.WindowID)
		if !ok {
			if pos.WindowID != "" {
				log.Debug().Str("position", pos.ID).Str("window", pos.WindowID).Msg("Position references untracked window")
			}
			continue
		}

		dec, price := exits.Expiry(pos, w)
		if dec.Close {
			e.closePosition(pos, price, dec.Reason, false)
		}
	}
}

// CloseExternal closes a position on behalf of an out-of-band evaluator
// such as the thesis monitor. Exits at the latest mark.
func (e *Engine) CloseExternal(p *types.Position, reason string) {
	e.closePosition(p, p.CurrentPrice, reason, false)
}

// closePosition is the single exit path: sells on the venue for live
// positions, closes the tracker exactly once, persists, records PnL.
func (e *Engine) closePosition(pos *types.Position, exitPrice decimal.Decimal, reason string, emergency bool) {
	if e.cfg.Mode == types.ModeLive && !pos.Virtual && reason != exits.ReasonExpiry {
		orderType := exchange.OrderTypeIOC
		if emergency {
			orderType = exchange.OrderTypeFOK
		}
		if _, err := e.orders.PlaceOrder(pos.TokenID, exitPrice, pos.SizeShares, "SELL", orderType); err != nil {
			log.Error().Err(err).Str("position", pos.ID).Msg("🚨 Exit order failed")
		}
	}

	closed, ok := e.positions.Close(pos.ID, exitPrice, reason)
	if !ok {
		// Another evaluator won the close this tick.
		return
	}

	pnl := exitPrice.Sub(closed.EntryPrice).Mul(closed.SizeShares).Sub(closed.Fees)

	if err := e.db.ClosePosition(closed.ID, exitPrice, pnl, reason); err != nil {
		log.Warn().Err(err).Str("position", closed.ID).Msg("Position close not persisted")
	}

	e.guards.RemoveEntry(closed.WindowID, closed.StrategyID)
	if e.thesis != nil {
		e.thesis.Forget(closed.ID)
	}
	if e.drawdown != nil {
		e.drawdown.RecordPnL(pnl)
	}
	if e.notifier != nil {
		e.notifier.TradeClosed(closed, pnl)
	}

	log.Info().
		Str("position", closed.ID).
		Str("reason", reason).
		Str("exit", exitPrice.StringFixed(3)).
		Str("pnl", pnl.StringFixed(2)).
		Msg("📉 Position closed")
}
