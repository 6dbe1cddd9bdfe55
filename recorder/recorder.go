package recorder

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3quant/edgebot/feeds"
	"github.com/web3quant/edgebot/storage"
	"github.com/web3quant/edgebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TICK RECORDER
// ═══════════════════════════════════════════════════════════════════════════════
//
// Buffers every book mutation for actively recorded tokens and batch-
// persists them once a second. Listener callbacks only append to a ring,
// the database never sits on the WebSocket read path.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	flushInterval  = time.Second
	maxBatchRows   = 200
	bufferCap      = 5000
	topLevelsDepth = 5
)

type tokenBuffer struct {
	symbol string
	ticks  []storage.BookTick
	cancel func()
}

// Recorder captures book ticks per token and flushes them in batches.
type Recorder struct {
	db   *storage.Database
	clob *feeds.ClobClient

	mu      sync.Mutex
	buffers map[string]*tokenBuffer

	dropped atomic.Int64
	written atomic.Int64

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRecorder creates a recorder over the given book client and store.
func NewRecorder(db *storage.Database, clob *feeds.ClobClient) *Recorder {
	return &Recorder{
		db:      db,
		clob:    clob,
		buffers: make(map[string]*tokenBuffer),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the flush loop.
func (r *Recorder) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.flushLoop()

	log.Info().Msg("📼 Tick recorder started")
	return nil
}

// Stop cancels all listeners, performs a final flush, and halts. Idempotent.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	for _, buf := range r.buffers {
		if buf.cancel != nil {
			buf.cancel()
		}
		buf.cancel = nil
	}
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()

	r.flush()
	log.Info().Int64("written", r.written.Load()).Int64("dropped", r.dropped.Load()).Msg("Tick recorder stopped")
}

// Record begins capturing a token's book updates.
func (r *Recorder) Record(tokenID, symbol string) {
	r.mu.Lock()
	if _, ok := r.buffers[tokenID]; ok {
		r.mu.Unlock()
		return
	}
	buf := &tokenBuffer{symbol: symbol}
	r.buffers[tokenID] = buf
	r.mu.Unlock()

	cancel := r.clob.SubscribeUpdates(tokenID, func(snap types.BookSnapshot) {
		r.capture(tokenID, snap)
	})

	r.mu.Lock()
	if current, ok := r.buffers[tokenID]; ok && current == buf {
		buf.cancel = cancel
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	// Token was forgotten while we registered.
	cancel()
}

// Forget stops capturing a token. Buffered ticks still flush.
func (r *Recorder) Forget(tokenID string) {
	r.mu.Lock()
	buf, ok := r.buffers[tokenID]
	var cancel func()
	if ok {
		cancel = buf.cancel
		buf.cancel = nil
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Dropped returns the count of ticks lost to buffer overflow.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

type tickLevels struct {
	Bids []tickLevel `json:"bids"`
	Asks []tickLevel `json:"asks"`
}

type tickLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

func (r *Recorder) capture(tokenID string, snap types.BookSnapshot) {
	levels := tickLevels{
		Bids: topLevels(snap.Bids),
		Asks: topLevels(snap.Asks),
	}
	encoded, err := json.Marshal(levels)
	if err != nil {
		return
	}

	tick := storage.BookTick{
		TokenID:    tokenID,
		BestBid:    snap.BestBid,
		BestAsk:    snap.BestAsk,
		Mid:        snap.Mid,
		Spread:     snap.Spread,
		BidDepth:   snap.BidDepth1Pct,
		AskDepth:   snap.AskDepth1Pct,
		Levels:     string(encoded),
		ObservedAt: snap.UpdatedAt,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.buffers[tokenID]
	if !ok {
		return
	}
	tick.Symbol = buf.symbol

	if len(buf.ticks) >= bufferCap {
		// Shed the oldest 10% in one cut.
		drop := bufferCap / 10
		r.dropped.Add(int64(drop))
		buf.ticks = append(buf.ticks[:0], buf.ticks[drop:]...)
	}
	buf.ticks = append(buf.ticks, tick)
}

func topLevels(side []types.PriceLevel) []tickLevel {
	n := len(side)
	if n > topLevelsDepth {
		n = topLevelsDepth
	}
	out := make([]tickLevel, n)
	for i := 0; i < n; i++ {
		out[i] = tickLevel{Price: side[i].Price, Size: side[i].Size}
	}
	return out
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

// flush drains every non-empty buffer and writes in bounded batches.
func (r *Recorder) flush() {
	r.mu.Lock()
	var pending []storage.BookTick
	for tokenID, buf := range r.buffers {
		if len(buf.ticks) == 0 {
			if buf.cancel == nil {
				delete(r.buffers, tokenID)
			}
			continue
		}
		pending = append(pending, buf.ticks...)
		buf.ticks = nil
	}
	r.mu.Unlock()

	for start := 0; start < len(pending); start += maxBatchRows {
		end := start + maxBatchRows
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]
		if err := r.db.InsertBookTicks(batch); err != nil {
			log.Error().Err(err).Int("rows", len(batch)).Msg("Tick batch insert failed")
			continue
		}
		r.written.Add(int64(len(batch)))
	}
}
