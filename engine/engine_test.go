package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3quant/edgebot/compose"
	"github.com/web3quant/edgebot/exchange"
	"github.com/web3quant/edgebot/exits"
	"github.com/web3quant/edgebot/feeds"
	"github.com/web3quant/edgebot/model"
	"github.com/web3quant/edgebot/risk"
	"github.com/web3quant/edgebot/sched"
	"github.com/web3quant/edgebot/storage"
	"github.com/web3quant/edgebot/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// ─── fakes ───────────────────────────────────────────────────────────────────

type fakeWindows struct {
	windows []*types.Window
}

func (f *fakeWindows) Active() []*types.Window { return f.windows }

func (f *fakeWindows) Get(id string) (*types.Window, bool) {
	for _, w := range f.windows {
		if w.ID == id {
			return w, true
		}
	}
	return nil, false
}

type fakeBooks struct {
	books map[string]*types.BookSnapshot
}

func (f *fakeBooks) GetBookSnapshot(tokenID string) *types.BookSnapshot {
	return f.books[tokenID]
}

type fakeOrders struct {
	placeErr  error
	placed    []string // token ids
	orderType string
	cancelled []string
	open      []types.Order
}

func (f *fakeOrders) PlaceOrder(tokenID string, price, size decimal.Decimal, side, orderType string) (string, error) {
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.placed = append(f.placed, tokenID)
	f.orderType = orderType
	return "ord-1", nil
}

func (f *fakeOrders) CancelOrder(orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeOrders) GetOpenOrders() ([]types.Order, error) { return f.open, nil }

type fakeVerifier struct {
	res risk.VerifyResult
	err error
}

func (f *fakeVerifier) Verify() (risk.VerifyResult, error) { return f.res, f.err }

type fakeStore struct {
	signals     int
	positions   int
	closed      []string // reasons
	savePosErr  error
	closeCalled int
}

func (f *fakeStore) SaveSignal(id string, sig *types.Signal) error { f.signals++; return nil }

func (f *fakeStore) SavePosition(p *types.Position) error {
	if f.savePosErr != nil {
		return f.savePosErr
	}
	f.positions++
	return nil
}

func (f *fakeStore) ClosePosition(id string, exitPrice, pnl decimal.Decimal, reason string) error {
	f.closeCalled++
	f.closed = append(f.closed, reason)
	return nil
}

type fixedProb struct{ p float64 }

func (c *fixedProb) Metadata() compose.Metadata {
	return compose.Metadata{Name: "fixed", Version: 1, Type: compose.TypeProbability}
}

func (c *fixedProb) Evaluate(ctx *compose.WindowContext, cfg compose.Config) (compose.Result, error) {
	p := c.p
	return compose.Result{Probability: &p}, nil
}

func (c *fixedProb) ValidateConfig(cfg compose.Config) error { return nil }

// ─── fixture ─────────────────────────────────────────────────────────────────

type fixture struct {
	engine   *Engine
	windows  *fakeWindows
	books    *fakeBooks
	orders   *fakeOrders
	verifier *fakeVerifier
	store    *fakeStore
	guards   *risk.Safeguards
	breaker  *risk.Breaker
	drawdown *risk.Drawdown
	pos      *risk.Positions
}

func newFixture(t *testing.T, mode types.Mode) *fixture {
	t.Helper()

	catalog := compose.NewCatalog()
	require.True(t, catalog.Register(&fixedProb{p: 0.95}))
	strategies := compose.NewStrategies(catalog)
	_, err := strategies.Compose(&compose.StrategyDoc{
		Name:       "main",
		Components: map[string]compose.StringList{"probability": {"prob-fixed-v1"}},
	})
	require.NoError(t, err)

	prices := feeds.NewPriceCache()
	prices.Set("btc", feeds.SourceOracle, d("100500"), time.Now())

	vol := model.NewVolEstimator(model.VolConfig{
		ShortLookback: 15 * time.Minute,
		LongLookback:  6 * time.Hour,
		CacheExpiry:   time.Minute,
		Refresh:       time.Minute,
		FallbackSigma: 0.5,
	}, prices, []string{"btc"})

	f := &fixture{
		windows: &fakeWindows{windows: []*types.Window{{
			ID:             "btc-15m-1756200600",
			Symbol:         "btc",
			CloseTime:      time.Now().Add(9 * time.Minute),
			ReferencePrice: d("100000"),
			UpTokenID:      "tok-up",
			DownTokenID:    "tok-down",
		}}},
		books: &fakeBooks{books: map[string]*types.BookSnapshot{
			"tok-up": {
				TokenID: "tok-up",
				Bids:    []types.PriceLevel{{Price: d("0.79"), Size: d("100")}},
				Asks:    []types.PriceLevel{{Price: d("0.81"), Size: d("100")}},
				BestBid: d("0.79"),
				BestAsk: d("0.81"),
				Mid:     d("0.80"),
				Spread:  d("0.02"),
			},
		}},
		orders:   &fakeOrders{},
		verifier: &fakeVerifier{},
		store:    &fakeStore{},
		guards:   risk.NewSafeguards(5),
		breaker:  risk.NewBreaker(nil),
		drawdown: risk.NewDrawdown(d("1000"), d("0.10")),
		pos:      risk.NewPositions(),
	}

	f.engine = New(Config{
		Mode:                mode,
		TickInterval:        time.Second,
		ActiveStrategy:      "main",
		PositionSizeDollars: d("10"),
		MaxExposureDollars:  d("100"),
		FeeRate:             decimal.Zero,
		MinEdge:             0.10,
		MaxEdge:             0.50,
		Thresholds: exits.Thresholds{
			StopLossPct:   d("0.30"),
			TakeProfitPct: d("0.40"),
			TrailingPct:   d("0.15"),
		},
	}, Deps{
		Strategies: strategies,
		Prices:     prices,
		Vol:        vol,
		Books:      f.books,
		Windows:    f.windows,
		Orders:     f.orders,
		Verifier:   f.verifier,
		DB:         f.store,
		Guards:     f.guards,
		Breaker:    f.breaker,
		Drawdown:   f.drawdown,
		Positions:  f.pos,
	})
	return f
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestPaperTickOpensVirtualPosition(t *testing.T) {
	f := newFixture(t, types.ModePaper)

	f.engine.tick()

	require.Equal(t, 1, f.pos.Count())
	pos := f.pos.Open()[0]
	assert.True(t, pos.Virtual)
	assert.True(t, pos.EntryPrice.Equal(d("0.81")))
	assert.Equal(t, 1, f.store.signals)
	assert.Equal(t, 1, f.store.positions)
	assert.True(t, f.guards.HasEntry("btc-15m-1756200600", "main"))
	assert.Empty(t, f.orders.placed)
}

func TestOpenBreakerSkipsTick(t *testing.T) {
	f := newFixture(t, types.ModePaper)
	f.breaker.Trip(risk.TripManual)

	f.engine.tick()

	assert.Equal(t, 0, f.pos.Count())
	assert.Equal(t, 0, f.store.signals)
}

func TestAutoStopSkipsEntriesButRunsExits(t *testing.T) {
	f := newFixture(t, types.ModePaper)
	f.drawdown.RecordPnL(d("-200")) // past the 10% daily limit

	// Entry 1.20 puts the stop-loss floor at 0.84; the 0.80 book mid
	// refreshed during the tick breaches it.
	p := &types.Position{
		ID:           "p1",
		WindowID:     "btc-15m-1756200600",
		StrategyID:   "main",
		TokenID:      "tok-up",
		Side:         types.SideUp,
		SizeShares:   d("10"),
		EntryPrice:   d("1.20"),
		CurrentPrice: d("1.20"),
		PeakPrice:    d("1.20"),
		Virtual:      true,
	}
	f.pos.Add(p)

	f.engine.tick()

	// No new entries.
	assert.Equal(t, 0, f.store.signals)

	// But the stop-loss still fired.
	assert.True(t, p.Closed)
	assert.Equal(t, 0, f.pos.Count())
	assert.Equal(t, []string{exits.ReasonStopLoss}, f.store.closed)
}

func TestLiveRejectionReleasesReservation(t *testing.T) {
	f := newFixture(t, types.ModeLive)
	f.orders.placeErr = &exchange.PlaceError{ReachedExchange: false, Err: errors.New("rejected (400)")}

	f.engine.tick()

	assert.Equal(t, 0, f.pos.Count())
	assert.False(t, f.guards.HasEntry("btc-15m-1756200600", "main"))
	assert.False(t, f.breaker.IsOpen())
}

func TestLiveAmbiguousFailureConfirms(t *testing.T) {
	f := newFixture(t, types.ModeLive)
	f.orders.placeErr = &exchange.PlaceError{ReachedExchange: true, Err: errors.New("timeout")}

	f.engine.tick()

	// No position, but the reservation survives: the order may be live.
	assert.Equal(t, 0, f.pos.Count())
	assert.True(t, f.guards.HasEntry("btc-15m-1756200600", "main"))
}

func TestLiveTrackingFailureTripsBreaker(t *testing.T) {
	f := newFixture(t, types.ModeLive)
	f.store.savePosErr = errors.New("db down")

	f.engine.tick()

	assert.True(t, f.breaker.IsOpen())
	_, reason, _, _ := f.breaker.Status()
	assert.Equal(t, risk.TripPositionTrackingFailed, reason)
	assert.True(t, f.guards.HasEntry("btc-15m-1756200600", "main"))
}

func TestLiveEntryPlacesIOCAtConfidence(t *testing.T) {
	f := newFixture(t, types.ModeLive)

	f.engine.tick()

	require.Equal(t, []string{"tok-up"}, f.orders.placed)
	assert.Equal(t, exchange.OrderTypeIOC, f.orders.orderType)
	require.Equal(t, 1, f.pos.Count())
	assert.False(t, f.pos.Open()[0].Virtual)
}

func TestMissingLocalPositionSkipsStops(t *testing.T) {
	f := newFixture(t, types.ModeLive)
	f.verifier.res = risk.VerifyResult{MissingLocal: []string{"tok-up"}}

	// A position that would otherwise stop out this tick.
	p := &types.Position{
		ID:           "p1",
		WindowID:     "btc-15m-1756200600",
		StrategyID:   "main",
		TokenID:      "tok-other",
		Side:         types.SideUp,
		SizeShares:   d("10"),
		EntryPrice:   d("1.20"),
		CurrentPrice: d("0.50"),
		PeakPrice:    d("1.20"),
	}
	f.pos.Add(p)

	f.engine.tick()

	assert.True(t, f.breaker.IsOpen())
	_, reason, _, _ := f.breaker.Status()
	assert.Equal(t, risk.TripStopLossBlind, reason)

	assert.False(t, p.Closed)
}

func TestVerifyBlindTripsBreaker(t *testing.T) {
	f := newFixture(t, types.ModeLive)
	f.verifier.err = risk.ErrBlind

	f.engine.tick()

	assert.True(t, f.breaker.IsOpen())
	_, reason, _, _ := f.breaker.Status()
	assert.Equal(t, risk.TripVerifyRateLimited, reason)
}

func TestExpiryClosesAtBinaryPrice(t *testing.T) {
	f := newFixture(t, types.ModePaper)
	w := f.windows.windows[0]
	w.CloseTime = time.Now().Add(-time.Minute)
	w.Resolved = true
	w.Resolution = types.SideUp

	p := &types.Position{
		ID:           "p1",
		WindowID:     w.ID,
		StrategyID:   "main",
		TokenID:      "tok-up",
		Symbol:       "btc",
		Side:         types.SideUp,
		SizeShares:   d("10"),
		EntryPrice:   d("0.60"),
		CurrentPrice: d("0.80"),
		PeakPrice:    d("0.80"),
		Virtual:      true,
	}
	f.pos.Add(p)

	f.engine.tick()

	require.True(t, p.Closed)
	assert.Equal(t, exits.ReasonExpiry, p.ExitReason)
	assert.True(t, p.ExitPrice.Equal(d("1")))
	// Entry reservation slot is freed for the window.
	assert.False(t, f.guards.HasEntry(w.ID, "main"))
	// PnL (1 - 0.60) * 10 = 4 recorded against the daily ledger.
	assert.True(t, f.drawdown.DailyPnL().Equal(d("4")))
}

type schedMarkets struct{ markets []exchange.MarketInfo }

func (s *schedMarkets) FetchActiveWindowMarkets([]string) ([]exchange.MarketInfo, error) {
	return s.markets, nil
}

type schedSubs struct{}

func (schedSubs) Subscribe(tokenID, symbol string) {}
func (schedSubs) Unsubscribe(tokenID string)       {}

// The scheduler must keep a settled window retrievable long enough for
// the tick pipeline to close its positions at the binary price.
func TestSchedulerSettlementReachesEngineExits(t *testing.T) {
	f := newFixture(t, types.ModePaper)

	db, err := storage.NewDatabase("")
	require.NoError(t, err)
	prices := feeds.NewPriceCache()
	prices.Set("btc", feeds.SourceOracle, d("100500"), time.Now())

	// The window closes now, so the settlement timer fires immediately.
	endDate := time.Now().Truncate(time.Second)
	settledCh := make(chan types.Side, 1)
	scheduler := sched.NewScheduler(sched.Config{
		Symbols:          []string{"btc"},
		ScanInterval:     time.Hour,
		SettlementDelay:  10 * time.Millisecond,
		SettledRetention: time.Minute,
	}, sched.Hooks{
		OnSettle: func(w *types.Window, r types.Side) { settledCh <- r },
	}, &schedMarkets{markets: []exchange.MarketInfo{{
		ID:          "m1",
		ConditionID: "cond-1",
		Question:    "Will BTC be above $100,000 at 12:15 UTC?",
		EndDate:     endDate,
		UpTokenID:   "tok-up",
		DownTokenID: "tok-down",
	}}}, schedSubs{}, nil, prices, db)
	require.NoError(t, scheduler.Start())
	t.Cleanup(scheduler.Stop)

	select {
	case r := <-settledCh:
		assert.Equal(t, types.SideUp, r) // oracle 100500 > strike 100000
	case <-time.After(time.Second):
		t.Fatal("window never settled")
	}

	windowID := sched.WindowIDFor("btc", endDate.Unix()-900)
	f.engine.windows = scheduler

	p := &types.Position{
		ID:           "p1",
		WindowID:     windowID,
		StrategyID:   "main",
		TokenID:      "tok-up",
		Symbol:       "btc",
		Side:         types.SideUp,
		SizeShares:   d("10"),
		EntryPrice:   d("0.60"),
		CurrentPrice: d("0.80"),
		PeakPrice:    d("0.80"),
		Virtual:      true,
	}
	f.pos.Add(p)

	f.engine.tick()

	require.True(t, p.Closed)
	assert.Equal(t, exits.ReasonExpiry, p.ExitReason)
	assert.True(t, p.ExitPrice.Equal(d("1")))
	assert.Equal(t, 0, f.pos.Count())
}

func TestStaleOrderSweepCancelsDecayedEdge(t *testing.T) {
	f := newFixture(t, types.ModeLive)

	// Seed a tracked resting order placed at a 0.95 model probability.
	f.engine.placed["ord-9"] = types.Signal{
		StrategyID:       "main",
		WindowID:         "btc-15m-1756200600",
		TokenID:          "tok-up",
		ModelProbability: 0.85,
	}
	f.orders.open = []types.Order{{ID: "ord-9", TokenID: "tok-up"}}

	// Mid moved up to 0.80: edge 0.05 < minEdge 0.10 -> cancel.
	f.engine.sweepStaleOrders([]*compose.WindowContext{{
		TokenIDUp:   "tok-up",
		MarketPrice: 0.80,
	}})

	assert.Equal(t, []string{"ord-9"}, f.orders.cancelled)
	assert.NotContains(t, f.engine.placed, "ord-9")
}

func TestPerTickEntryBudget(t *testing.T) {
	f := newFixture(t, types.ModePaper)
	f.guards = risk.NewSafeguards(0)
	f.engine.guards = f.guards

	f.engine.tick()

	assert.Equal(t, 0, f.pos.Count())
	// The signal is still recorded before the budget gate.
	assert.Equal(t, 1, f.store.signals)
}
