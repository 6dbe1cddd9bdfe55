package sched

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3quant/edgebot/exchange"
	"github.com/web3quant/edgebot/feeds"
	"github.com/web3quant/edgebot/storage"
	"github.com/web3quant/edgebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WINDOW SCHEDULER
// ═══════════════════════════════════════════════════════════════════════════════
//
// Scans the metadata API for live 15-minute markets, derives per-symbol
// epochs, and drives each window's lifecycle with timers: a latency
// probe shortly before close, signal sweeps at configured offsets, and
// settlement after close. Timers hang off the window so cleanup can
// cancel every one of them; a window is created at most once and never
// rescheduled.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	openCaptureTolerance = 5 * time.Second
	settlementRetryDelay = 30 * time.Second
	doneRetention        = time.Hour
)

// Config tunes the scheduler.
type Config struct {
	Symbols          []string
	ScanInterval     time.Duration
	SignalOffsetsSec []int
	LatencyProbeLead time.Duration
	SettlementDelay  time.Duration

	// How long a settled window stays visible to Get/Active before
	// cleanup, so the execution loop can close its positions at the
	// binary price.
	SettledRetention time.Duration
}

// Hooks are the callbacks the scheduler fires per window event.
type Hooks struct {
	OnSignalOffset func(w *types.Window, offsetSec int)
	OnSettle       func(w *types.Window, resolution types.Side)
	LatencyProbe   func()
}

type marketSource interface {
	FetchActiveWindowMarkets(symbols []string) ([]exchange.MarketInfo, error)
}

type bookSubscriber interface {
	Subscribe(tokenID, symbol string)
	Unsubscribe(tokenID string)
}

type tickSink interface {
	Record(tokenID, symbol string)
	Forget(tokenID string)
}

type trackedWindow struct {
	window *types.Window
	timers []*time.Timer
}

// Scheduler owns the active window set.
type Scheduler struct {
	cfg      Config
	hooks    Hooks
	markets  marketSource
	books    bookSubscriber
	recorder tickSink
	prices   *feeds.PriceCache
	db       *storage.Database

	mu      sync.Mutex
	windows map[string]*trackedWindow
	done    map[string]time.Time // settled/cleaned window ids, never retracked

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler wires the scheduler to its collaborators.
func NewScheduler(cfg Config, hooks Hooks, markets marketSource, books bookSubscriber, recorder tickSink, prices *feeds.PriceCache, db *storage.Database) *Scheduler {
	if cfg.SettledRetention <= 0 {
		cfg.SettledRetention = time.Minute
	}
	return &Scheduler{
		cfg:      cfg,
		hooks:    hooks,
		markets:  markets,
		books:    books,
		recorder: recorder,
		prices:   prices,
		db:       db,
		windows:  make(map[string]*trackedWindow),
		done:     make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the scan loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.scanLoop()

	log.Info().Strs("symbols", s.cfg.Symbols).Dur("interval", s.cfg.ScanInterval).Msg("🗓️ Window scheduler started")
	return nil
}

// Stop cancels every window timer and halts scanning. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for id := range s.windows {
		s.cleanupLocked(id)
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	log.Info().Msg("Window scheduler stopped")
}

// Active returns the currently tracked windows.
func (s *Scheduler) Active() []*types.Window {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Window, 0, len(s.windows))
	for _, tw := range s.windows {
		out = append(out, tw.window)
	}
	return out
}

// Get returns one tracked window by id.
func (s *Scheduler) Get(windowID string) (*types.Window, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tw, ok := s.windows[windowID]
	if !ok {
		return nil, false
	}
	return tw.window, true
}

func (s *Scheduler) scanLoop() {
	defer s.wg.Done()

	s.scan()

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scan()
		}
	}
}

func (s *Scheduler) scan() {
	markets, err := s.markets.FetchActiveWindowMarkets(s.cfg.Symbols)
	if err != nil {
		log.Debug().Err(err).Msg("Market scan failed")
		return
	}

	s.pruneDone()

	for i := range markets {
		s.track(&markets[i])
	}
}

// pruneDone expires old tombstones; the API delists settled markets long
// before an hour passes.
func (s *Scheduler) pruneDone() {
	cutoff := time.Now().Add(-doneRetention)
	s.mu.Lock()
	for id, at := range s.done {
		if at.Before(cutoff) {
			delete(s.done, id)
		}
	}
	s.mu.Unlock()
}

// track creates a window for a market unless one already exists.
func (s *Scheduler) track(m *exchange.MarketInfo) {
	symbol, ok := SymbolFromQuestion(m.Question, s.cfg.Symbols)
	if !ok {
		return
	}

	// The market's end instant is the window close, so the epoch is one
	// window length before it.
	epoch := m.EndDate.Unix() - epochSeconds
	windowID := WindowIDFor(symbol, epoch)

	s.mu.Lock()
	if _, exists := s.windows[windowID]; exists {
		s.mu.Unlock()
		return
	}
	// The markets API can keep listing a settled market for a few scans
	// after close; a window is never rescheduled once created.
	if _, settled := s.done[windowID]; settled {
		s.mu.Unlock()
		return
	}

	strike := ParseStrike(m.Question)
	if strike.IsZero() {
		s.mu.Unlock()
		log.Debug().Str("question", m.Question).Msg("Market question without a strike, skipped")
		return
	}

	w := &types.Window{
		ID:             windowID,
		Symbol:         symbol,
		MarketID:       m.ConditionID,
		Question:       m.Question,
		Epoch:          epoch,
		CloseTime:      CloseTimeFor(epoch),
		ReferencePrice: strike,
		UpTokenID:      m.UpTokenID,
		DownTokenID:    m.DownTokenID,
		CreatedAt:      time.Now(),
	}
	tw := &trackedWindow{window: w}
	s.windows[windowID] = tw
	s.scheduleTimersLocked(tw)
	s.mu.Unlock()

	s.books.Subscribe(w.UpTokenID, symbol)
	s.books.Subscribe(w.DownTokenID, symbol)
	if s.recorder != nil {
		s.recorder.Record(w.UpTokenID, symbol)
		s.recorder.Record(w.DownTokenID, symbol)
	}

	if err := s.db.SaveWindow(w); err == nil {
		s.captureOpens(w)
	}

	log.Info().
		Str("window", windowID).
		Str("strike", strike.String()).
		Time("close", w.CloseTime).
		Msg("🪟 Window tracked")
}

// captureOpens stores the three open prices when the sources reported
// within the tolerance of the epoch instant.
func (s *Scheduler) captureOpens(w *types.Window) {
	epochTime := time.Unix(w.Epoch, 0)
	opens := types.OpenPrices{}
	captured := false

	for _, source := range []string{feeds.SourceComposite, feeds.SourceAggregator, feeds.SourceVWAP20} {
		sp, ok := s.prices.Get(w.Symbol, source)
		if !ok {
			continue
		}
		age := sp.UpdatedAt.Sub(epochTime)
		if age < -openCaptureTolerance || age > openCaptureTolerance {
			continue
		}
		switch source {
		case feeds.SourceComposite:
			opens.Composite = sp.Price
		case feeds.SourceAggregator:
			opens.Aggregator = sp.Price
		case feeds.SourceVWAP20:
			opens.VWAP20 = sp.Price
		}
		captured = true
	}

	if !captured {
		// A restart inside the window can still recover the opens a
		// previous run persisted near the epoch.
		if stored, ok := s.db.GetOpenPricesNear(w.ID, w.Epoch, openCaptureTolerance); ok {
			w.OpenPrices = stored
			log.Debug().Str("window", w.ID).Msg("♻️ Open prices recovered from storage")
			return
		}
		log.Debug().Str("window", w.ID).Msg("No open prices inside capture tolerance")
		return
	}
	w.OpenPrices = opens
	if err := s.db.SaveWindowOpens(w.ID, opens); err != nil {
		log.Warn().Err(err).Str("window", w.ID).Msg("Failed to persist open prices")
	}
}

// scheduleTimersLocked arms every lifecycle timer for a new window.
func (s *Scheduler) scheduleTimersLocked(tw *trackedWindow) {
	w := tw.window
	now := time.Now()

	if s.hooks.LatencyProbe != nil && s.cfg.LatencyProbeLead > 0 {
		at := w.CloseTime.Add(-s.cfg.LatencyProbeLead)
		if d := at.Sub(now); d > 0 {
			tw.timers = append(tw.timers, time.AfterFunc(d, s.hooks.LatencyProbe))
		}
	}

	for _, offset := range s.cfg.SignalOffsetsSec {
		at := w.CloseTime.Add(-time.Duration(offset) * time.Second)
		d := at.Sub(now)
		if d <= 0 {
			continue
		}
		offsetSec := offset
		tw.timers = append(tw.timers, time.AfterFunc(d, func() {
			if s.hooks.OnSignalOffset != nil {
				s.hooks.OnSignalOffset(w, offsetSec)
			}
		}))
	}

	settleAt := w.CloseTime.Add(s.cfg.SettlementDelay)
	tw.timers = append(tw.timers, time.AfterFunc(settleAt.Sub(now), func() {
		s.settle(w, true)
	}))
}

// settle resolves the window. When no resolution is persisted yet it
// derives one from the oracle, and failing that retries once before
// giving up.
func (s *Scheduler) settle(w *types.Window, allowRetry bool) {
	resolution, ok := s.db.GetResolution(w.ID)
	if !ok {
		if derived, derivedOK := s.deriveResolution(w); derivedOK {
			resolution = derived
			if err := s.db.SaveResolution(w.ID, resolution); err != nil {
				log.Warn().Err(err).Str("window", w.ID).Msg("Failed to persist resolution")
			}
			ok = true
		}
	}

	if !ok {
		if allowRetry {
			log.Warn().Str("window", w.ID).Msg("No resolution yet, retrying settlement in 30s")
			s.mu.Lock()
			if tw, tracked := s.windows[w.ID]; tracked {
				tw.timers = append(tw.timers, time.AfterFunc(settlementRetryDelay, func() {
					s.settle(w, false)
				}))
			}
			s.mu.Unlock()
			return
		}
		log.Error().Str("window", w.ID).Msg("Window never resolved, cleaning up")
		s.cleanup(w.ID)
		return
	}

	side := types.SideDown
	if resolution == "up" {
		side = types.SideUp
	}
	w.Resolved = true
	w.Resolution = side

	if s.hooks.OnSettle != nil {
		s.hooks.OnSettle(w, side)
	}

	// Keep the resolved window visible so the execution loop's next
	// ticks can settle its positions at the binary price; cleanup runs
	// after the retention grace.
	s.mu.Lock()
	if tw, tracked := s.windows[w.ID]; tracked {
		tw.timers = append(tw.timers, time.AfterFunc(s.cfg.SettledRetention, func() {
			s.cleanup(w.ID)
		}))
	}
	s.mu.Unlock()

	log.Info().Str("window", w.ID).Str("resolution", resolution).Msg("🏁 Window settled")
}

// deriveResolution compares the oracle close against the strike.
func (s *Scheduler) deriveResolution(w *types.Window) (string, bool) {
	oracle, ok := s.prices.Oracle(w.Symbol)
	if !ok || w.ReferencePrice.IsZero() {
		return "", false
	}
	if oracle.GreaterThan(w.ReferencePrice) {
		return "up", true
	}
	if oracle.LessThan(w.ReferencePrice) {
		return "down", true
	}
	// Dead-on the strike settles down by market convention.
	return "down", true
}

// cleanup cancels timers, unsubscribes tokens, and forgets the window.
func (s *Scheduler) cleanup(windowID string) {
	s.mu.Lock()
	s.cleanupLocked(windowID)
	s.mu.Unlock()
}

func (s *Scheduler) cleanupLocked(windowID string) {
	tw, ok := s.windows[windowID]
	if !ok {
		return
	}
	for _, t := range tw.timers {
		t.Stop()
	}
	tw.timers = nil
	delete(s.windows, windowID)
	s.done[windowID] = time.Now()

	w := tw.window
	s.books.Unsubscribe(w.UpTokenID)
	s.books.Unsubscribe(w.DownTokenID)
	if s.recorder != nil {
		s.recorder.Forget(w.UpTokenID)
		s.recorder.Forget(w.DownTokenID)
	}
}

// OraclePrice exposes the oracle spot for engine consumers.
func (s *Scheduler) OraclePrice(symbol string) (decimal.Decimal, bool) {
	return s.prices.Oracle(symbol)
}
