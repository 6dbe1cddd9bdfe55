package feeds

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// AGGREGATOR FEED - Third-party spot price poller
// ═══════════════════════════════════════════════════════════════════════════════
//
// Polls /simple/price. Non-200 responses are soft errors: the cache keeps
// the previous value and its staleness grows until the next good poll.
//
// ═══════════════════════════════════════════════════════════════════════════════

// coinIDs maps our lowercase symbols to aggregator coin ids.
var coinIDs = map[string]string{
	"btc": "bitcoin",
	"eth": "ethereum",
	"sol": "solana",
	"xrp": "ripple",
}

// AggregatorFeed polls the third-party price API on a fixed interval.
type AggregatorFeed struct {
	client  *resty.Client
	symbols []string
	ids     string // comma-joined coin ids, precomputed
	poll    time.Duration
	cache   *PriceCache

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	softErrors atomic.Int64
}

// NewAggregatorFeed builds a poller for the given symbols.
func NewAggregatorFeed(baseURL, apiKey string, symbols []string, poll time.Duration, cache *PriceCache) *AggregatorFeed {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second)
	if apiKey != "" {
		client.SetHeader("x-cg-pro-api-key", apiKey)
	}

	ids := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if id, ok := coinIDs[s]; ok {
			ids = append(ids, id)
		} else {
			log.Warn().Str("symbol", s).Msg("No aggregator coin id for symbol")
		}
	}

	return &AggregatorFeed{
		client:  client,
		symbols: symbols,
		ids:     strings.Join(ids, ","),
		poll:    poll,
		cache:   cache,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the poll loop.
func (f *AggregatorFeed) Start() error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	f.mu.Unlock()

	f.wg.Add(1)
	go f.pollLoop()

	log.Info().Str("ids", f.ids).Dur("interval", f.poll).Msg("📊 Aggregator feed started")
	return nil
}

// Stop halts polling. Idempotent.
func (f *AggregatorFeed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	close(f.stopCh)
	f.wg.Wait()
	log.Info().Msg("Aggregator feed stopped")
}

func (f *AggregatorFeed) pollLoop() {
	defer f.wg.Done()

	f.fetch()

	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.fetch()
		}
	}
}

type aggregatorEntry struct {
	USD           float64 `json:"usd"`
	LastUpdatedAt int64   `json:"last_updated_at"`
}

func (f *AggregatorFeed) fetch() {
	if f.ids == "" {
		return
	}

	var body map[string]aggregatorEntry
	resp, err := f.client.R().
		SetQueryParams(map[string]string{
			"ids":                     f.ids,
			"vs_currencies":           "usd",
			"include_last_updated_at": "true",
			"precision":               "full",
		}).
		SetResult(&body).
		Get("/simple/price")

	if err != nil {
		f.softErrors.Add(1)
		log.Debug().Err(err).Msg("Aggregator fetch failed")
		return
	}
	if resp.StatusCode() != 200 {
		f.softErrors.Add(1)
		log.Debug().Int("status", resp.StatusCode()).Msg("Aggregator non-200, keeping cached price")
		return
	}

	for _, symbol := range f.symbols {
		id, ok := coinIDs[symbol]
		if !ok {
			continue
		}
		entry, ok := body[id]
		if !ok || entry.USD <= 0 {
			continue
		}
		at := time.Unix(entry.LastUpdatedAt, 0)
		if entry.LastUpdatedAt == 0 {
			at = time.Now()
		}
		f.cache.Set(symbol, SourceAggregator, decimal.NewFromFloat(entry.USD), at)
	}
}

// SoftErrors returns the cumulative soft-error count, for health reporting.
func (f *AggregatorFeed) SoftErrors() int64 {
	return f.softErrors.Load()
}

// String describes the feed for state snapshots.
func (f *AggregatorFeed) String() string {
	return fmt.Sprintf("aggregator(%s)", f.ids)
}
