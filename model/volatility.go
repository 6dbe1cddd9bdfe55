package model

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3quant/edgebot/feeds"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REALIZED VOLATILITY
// ═══════════════════════════════════════════════════════════════════════════════
//
// Annualized stddev of log returns of the oracle price. Windows younger
// than 30 minutes use the short (15m) lookback so the estimate reacts to
// the regime the window actually trades in; older windows use the long
// (6h) lookback. Estimates are cached per (symbol, lookback) and
// refreshed in the background so the tick loop never recomputes.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	secPerYear = 365.25 * 86400

	surpriseHigh = 1.5
	surpriseLow  = 0.67
)

// VolConfig tunes the estimator.
type VolConfig struct {
	ShortLookback time.Duration // default 15m
	LongLookback  time.Duration // default 6h
	CacheExpiry   time.Duration // default 1m
	Refresh       time.Duration // background recompute interval
	FallbackSigma float64       // used when history is insufficient
}

type volEntry struct {
	sigma      float64
	ok         bool // false when history had < 2 returns
	computedAt time.Time
}

// VolEstimator computes and caches realized volatility from the oracle
// price history.
type VolEstimator struct {
	cfg     VolConfig
	prices  *feeds.PriceCache
	symbols []string

	mu    sync.RWMutex
	cache map[string]volEntry // key: symbol + "/" + lookback.String()

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewVolEstimator builds an estimator over the given symbols.
func NewVolEstimator(cfg VolConfig, prices *feeds.PriceCache, symbols []string) *VolEstimator {
	return &VolEstimator{
		cfg:     cfg,
		prices:  prices,
		symbols: symbols,
		cache:   make(map[string]volEntry),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background refresh loop.
func (v *VolEstimator) Start() error {
	v.mu.Lock()
	if v.running {
		v.mu.Unlock()
		return nil
	}
	v.running = true
	v.mu.Unlock()

	v.wg.Add(1)
	go v.refreshLoop()

	log.Info().
		Dur("short", v.cfg.ShortLookback).
		Dur("long", v.cfg.LongLookback).
		Msg("📉 Volatility estimator started")
	return nil
}

// Stop halts the refresh loop. Idempotent.
func (v *VolEstimator) Stop() {
	v.mu.Lock()
	if !v.running {
		v.mu.Unlock()
		return
	}
	v.running = false
	v.mu.Unlock()

	close(v.stopCh)
	v.wg.Wait()
}

func (v *VolEstimator) refreshLoop() {
	defer v.wg.Done()

	ticker := time.NewTicker(v.cfg.Refresh)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			return
		case <-ticker.C:
			for _, symbol := range v.symbols {
				v.compute(symbol, v.cfg.ShortLookback)
				v.compute(symbol, v.cfg.LongLookback)
			}
		}
	}
}

// SigmaFor returns the annualized vol for a window with the given time
// remaining. Windows with more than 30 minutes left (or freshly created
// windows, where remaining time is near the full window) use the long
// lookback; the usual 15-minute windows use the short one. Falls back to
// FallbackSigma when there is not enough history.
func (v *VolEstimator) SigmaFor(symbol string, timeLeft time.Duration) float64 {
	lookback := v.cfg.ShortLookback
	if timeLeft >= 30*time.Minute {
		lookback = v.cfg.LongLookback
	}
	sigma, ok := v.Sigma(symbol, lookback)
	if !ok {
		return v.cfg.FallbackSigma
	}
	return sigma
}

// Sigma returns the cached estimate for a (symbol, lookback), computing
// on the spot if the cache entry is missing or expired. ok=false means
// the history had fewer than two returns.
func (v *VolEstimator) Sigma(symbol string, lookback time.Duration) (float64, bool) {
	key := symbol + "/" + lookback.String()

	v.mu.RLock()
	entry, found := v.cache[key]
	v.mu.RUnlock()

	if found && time.Since(entry.computedAt) < v.cfg.CacheExpiry {
		return entry.sigma, entry.ok
	}
	return v.compute(symbol, lookback)
}

// SurpriseRatio returns sigma_short / sigma_long and whether the regime
// looks surprising (ratio above 1.5 or below 0.67). ok=false when either
// estimate is unavailable.
func (v *VolEstimator) SurpriseRatio(symbol string) (ratio float64, surprising, ok bool) {
	short, okS := v.Sigma(symbol, v.cfg.ShortLookback)
	long, okL := v.Sigma(symbol, v.cfg.LongLookback)
	if !okS || !okL || long == 0 {
		return 0, false, false
	}
	ratio = short / long
	return ratio, ratio > surpriseHigh || ratio < surpriseLow, true
}

func (v *VolEstimator) compute(symbol string, lookback time.Duration) (float64, bool) {
	points := v.prices.History(symbol, lookback)

	sigma, ok := realizedVol(points)

	v.mu.Lock()
	v.cache[symbol+"/"+lookback.String()] = volEntry{
		sigma:      sigma,
		ok:         ok,
		computedAt: time.Now(),
	}
	v.mu.Unlock()

	return sigma, ok
}

// realizedVol annualizes the sample stddev of log returns. Requires at
// least two returns (three points).
func realizedVol(points []feeds.PricePoint) (float64, bool) {
	if len(points) < 3 {
		return 0, false
	}

	returns := make([]float64, 0, len(points)-1)
	var sumDt float64
	for i := 1; i < len(points); i++ {
		prev, _ := points[i-1].Price.Float64()
		curr, _ := points[i].Price.Float64()
		if prev <= 0 || curr <= 0 {
			continue
		}
		returns = append(returns, math.Log(curr/prev))
		sumDt += points[i].At.Sub(points[i-1].At).Seconds()
	}
	if len(returns) < 2 || sumDt <= 0 {
		return 0, false
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)

	// Annualize by the average observation spacing.
	avgDt := sumDt / float64(len(returns))
	return math.Sqrt(variance) * math.Sqrt(secPerYear/avgDt), true
}
