package orch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORCHESTRATOR
// ═══════════════════════════════════════════════════════════════════════════════
//
// Owns process lifecycle: modules start in declared dependency order,
// each under a bounded init timeout, and stop in reverse order under a
// bounded shutdown timeout. A slow module is abandoned, never waited on
// forever. While running, a JSON state snapshot lands on disk every
// interval; shutdown writes exactly one final snapshot, then removes
// the PID file last.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Module is one managed component.
type Module interface {
	Name() string
	Start() error
	Stop()
}

type funcModule struct {
	name  string
	start func() error
	stop  func()
}

func (m *funcModule) Name() string { return m.name }

func (m *funcModule) Start() error {
	if m.start == nil {
		return nil
	}
	return m.start()
}

func (m *funcModule) Stop() {
	if m.stop != nil {
		m.stop()
	}
}

// Wrap adapts a start/stop pair into a Module.
func Wrap(name string, start func() error, stop func()) Module {
	return &funcModule{name: name, start: start, stop: stop}
}

// Config tunes the orchestrator.
type Config struct {
	InitTimeout      time.Duration
	ShutdownTimeout  time.Duration
	InflightTimeout  time.Duration
	SnapshotInterval time.Duration
	StatePath        string
	PIDPath          string
}

// StateProvider contributes extra fields to the state snapshot, such as
// open positions and orders.
type StateProvider func() map[string]interface{}

// Orchestrator manages module lifecycle and the persisted state snapshot.
type Orchestrator struct {
	cfg    Config
	errors *ErrorRing
	extra  StateProvider

	mu       sync.Mutex
	modules  []Module
	started  []Module
	running  bool
	shutdown bool

	inflight  atomic.Int64
	snapshots atomic.Int64
	startedAt time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an orchestrator. extra may be nil.
func New(cfg Config, errors *ErrorRing, extra StateProvider) *Orchestrator {
	if errors == nil {
		errors = NewErrorRing()
	}
	return &Orchestrator{
		cfg:    cfg,
		errors: errors,
		extra:  extra,
		stopCh: make(chan struct{}),
	}
}

// Register appends a module. Order of registration is dependency order.
func (o *Orchestrator) Register(m Module) {
	o.mu.Lock()
	o.modules = append(o.modules, m)
	o.mu.Unlock()
}

// Errors exposes the error ring.
func (o *Orchestrator) Errors() *ErrorRing { return o.errors }

// TrackInflight counts an outstanding async operation; the returned
// func marks it complete. Shutdown waits for these, bounded.
func (o *Orchestrator) TrackInflight() func() {
	o.inflight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { o.inflight.Add(-1) })
	}
}

// Start writes the PID file, starts every module in order under the
// init timeout, and launches the snapshot loop. On any failure the
// modules already started are stopped in reverse.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = true
	o.startedAt = time.Now()
	modules := make([]Module, len(o.modules))
	copy(modules, o.modules)
	o.mu.Unlock()

	if err := o.writePID(); err != nil {
		return err
	}

	for _, m := range modules {
		if err := o.startModule(m); err != nil {
			log.Error().Err(err).Str("module", m.Name()).Msg("🚨 Module init failed, aborting startup")
			o.errors.RecordFatal()
			o.Shutdown()
			return fmt.Errorf("init %s: %w", m.Name(), err)
		}
		o.mu.Lock()
		o.started = append(o.started, m)
		o.mu.Unlock()
		log.Info().Str("module", m.Name()).Msg("✅ Module started")
	}

	o.wg.Add(1)
	go o.snapshotLoop()

	log.Info().Int("modules", len(modules)).Msg("🎬 Orchestrator running")
	return nil
}

// startModule runs one Start under the init timeout.
func (o *Orchestrator) startModule(m Module) error {
	done := make(chan error, 1)
	go func() { done <- m.Start() }()

	select {
	case err := <-done:
		return err
	case <-time.After(o.cfg.InitTimeout):
		return fmt.Errorf("init timed out after %s", o.cfg.InitTimeout)
	}
}

// Shutdown tears everything down. Idempotent: the second call returns
// immediately.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return
	}
	o.shutdown = true
	o.running = false
	started := make([]Module, len(o.started))
	copy(started, o.started)
	o.started = nil
	o.mu.Unlock()

	log.Info().Msg("🛑 Shutdown initiated")

	close(o.stopCh)
	o.wg.Wait()

	o.awaitInflight()

	for i := len(started) - 1; i >= 0; i-- {
		o.stopModule(started[i])
	}

	// Exactly one final snapshot, after teardown so it captures the
	// state the process actually died with.
	if err := o.writeSnapshot(); err != nil {
		log.Warn().Err(err).Msg("Final state snapshot failed")
	}

	o.removePID()
	log.Info().Msg("👋 Shutdown complete")
}

// stopModule runs one Stop under the shutdown timeout; a module that
// exceeds it is abandoned and the rest continue.
func (o *Orchestrator) stopModule(m Module) {
	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Str("module", m.Name()).Msg("Module stopped")
	case <-time.After(o.cfg.ShutdownTimeout):
		log.Warn().Str("module", m.Name()).Dur("timeout", o.cfg.ShutdownTimeout).Msg("Module shutdown abandoned")
	}
}

// awaitInflight waits for outstanding tracked operations, bounded.
func (o *Orchestrator) awaitInflight() {
	deadline := time.Now().Add(o.cfg.InflightTimeout)
	for o.inflight.Load() > 0 {
		if time.Now().After(deadline) {
			log.Warn().Int64("remaining", o.inflight.Load()).Msg("In-flight operations abandoned at shutdown")
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func (o *Orchestrator) snapshotLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			if err := o.writeSnapshot(); err != nil {
				log.Warn().Err(err).Msg("State snapshot failed")
				o.errors.RecordRecoverable()
			}
		}
	}
}

// GetState reports the orchestrator view for snapshots and health.
func (o *Orchestrator) GetState() map[string]interface{} {
	o.mu.Lock()
	running := o.running
	names := make([]string, len(o.started))
	for i, m := range o.started {
		names[i] = m.Name()
	}
	startedAt := o.startedAt
	o.mu.Unlock()

	state := map[string]interface{}{
		"running":        running,
		"modules":        names,
		"inflight":       o.inflight.Load(),
		"error_count_1m": o.errors.Count1m(),
	}
	if !startedAt.IsZero() {
		state["started_at"] = startedAt.UTC().Format(time.RFC3339)
		state["uptime_sec"] = int64(time.Since(startedAt).Seconds())
	}
	if o.extra != nil {
		for k, v := range o.extra() {
			state[k] = v
		}
	}
	return state
}

func (o *Orchestrator) writeSnapshot() error {
	state := o.GetState()
	state["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(o.cfg.StatePath), 0o755); err != nil {
		return err
	}

	// Write-then-rename so a crashed write never leaves a torn snapshot.
	tmp := o.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, o.cfg.StatePath); err != nil {
		return err
	}

	o.snapshots.Add(1)
	return nil
}

// Snapshots reports how many snapshots have been written.
func (o *Orchestrator) Snapshots() int64 { return o.snapshots.Load() }

func (o *Orchestrator) writePID() error {
	if o.cfg.PIDPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(o.cfg.PIDPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(o.cfg.PIDPath, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func (o *Orchestrator) removePID() {
	if o.cfg.PIDPath == "" {
		return
	}
	if err := os.Remove(o.cfg.PIDPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", o.cfg.PIDPath).Msg("PID file not removed")
	}
}
