package exits

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3quant/edgebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// THESIS EXIT MONITOR
// ═══════════════════════════════════════════════════════════════════════════════
//
// Optional fast-path exit. Each monitored trade gets its thesis strength
// recomputed on a sub-second interval; once past the minimum hold time,
// strength at or below the threshold fires an exit. The trade is
// removed from monitoring before the exit callback runs, and an
// in-flight set blocks re-registration while the async exit completes,
// so a trade can never fire twice.
//
// ═══════════════════════════════════════════════════════════════════════════════

// StrengthFunc returns the signed thesis strength for a position. For an
// UP position, spot above the strike is positive.
type StrengthFunc func(p *types.Position) (decimal.Decimal, bool)

// ExitFunc performs the actual exit. Runs on the monitor goroutine's
// behalf in its own goroutine.
type ExitFunc func(p *types.Position, reason string)

// ThesisConfig tunes the monitor.
type ThesisConfig struct {
	Interval  time.Duration   // 500ms - 1s
	MinHold   time.Duration   // no exits before this age
	Threshold decimal.Decimal // fire at or below
}

type monitoredTrade struct {
	position *types.Position
	addedAt  time.Time
}

// ThesisMonitor watches active trades for thesis degradation.
type ThesisMonitor struct {
	cfg      ThesisConfig
	strength StrengthFunc
	exit     ExitFunc

	mu       sync.Mutex
	trades   map[string]*monitoredTrade
	inFlight map[string]struct{}

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewThesisMonitor builds a monitor.
func NewThesisMonitor(cfg ThesisConfig, strength StrengthFunc, exit ExitFunc) *ThesisMonitor {
	if cfg.Interval < 500*time.Millisecond {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.Interval > time.Second {
		cfg.Interval = time.Second
	}
	return &ThesisMonitor{
		cfg:      cfg,
		strength: strength,
		exit:     exit,
		trades:   make(map[string]*monitoredTrade),
		inFlight: make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the evaluation loop.
func (m *ThesisMonitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop()

	log.Info().Dur("interval", m.cfg.Interval).Msg("🔬 Thesis monitor started")
	return nil
}

// Stop halts evaluation. In-flight exits finish on their own. Idempotent.
func (m *ThesisMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

// Watch registers a position. Refused while an exit for the same id is
// still in flight.
func (m *ThesisMonitor) Watch(p *types.Position) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.inFlight[p.ID]; busy {
		return false
	}
	if _, dup := m.trades[p.ID]; dup {
		return false
	}
	m.trades[p.ID] = &monitoredTrade{position: p, addedAt: time.Now()}
	return true
}

// Forget drops a position from monitoring (closed by another evaluator).
func (m *ThesisMonitor) Forget(positionID string) {
	m.mu.Lock()
	delete(m.trades, positionID)
	m.mu.Unlock()
}

// Watching returns the number of monitored trades.
func (m *ThesisMonitor) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trades)
}

func (m *ThesisMonitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.evaluate()
		}
	}
}

func (m *ThesisMonitor) evaluate() {
	m.mu.Lock()
	candidates := make([]*monitoredTrade, 0, len(m.trades))
	for _, t := range m.trades {
		candidates = append(candidates, t)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, t := range candidates {
		if now.Sub(t.addedAt) < m.cfg.MinHold {
			continue
		}
		if t.position.Closed {
			m.Forget(t.position.ID)
			continue
		}

		strength, ok := m.strength(t.position)
		if !ok {
			continue
		}
		if strength.GreaterThan(m.cfg.Threshold) {
			continue
		}

		m.fire(t.position, strength)
	}
}

// fire removes the trade from monitoring, marks it in flight, and only
// then issues the async exit.
func (m *ThesisMonitor) fire(p *types.Position, strength decimal.Decimal) {
	m.mu.Lock()
	if _, watched := m.trades[p.ID]; !watched {
		// Another pass already fired it.
		m.mu.Unlock()
		return
	}
	delete(m.trades, p.ID)
	m.inFlight[p.ID] = struct{}{}
	m.mu.Unlock()

	log.Info().
		Str("position", p.ID).
		Str("strength", strength.StringFixed(4)).
		Msg("📉 Thesis degraded, exiting")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.inFlight, p.ID)
			m.mu.Unlock()
		}()
		m.exit(p, ReasonThesis)
	}()
}
