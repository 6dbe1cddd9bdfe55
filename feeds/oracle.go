package feeds

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORACLE FEED - On-chain settlement price poller
// ═══════════════════════════════════════════════════════════════════════════════
//
// Reads latestRoundData() from the per-symbol aggregator contracts used by
// the venue for resolution. This price is the Black-Scholes S and also
// feeds the realized-volatility history.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// latestRoundData() selector
	latestRoundDataSelector = "feaf968c"
	oracleFeedDecimals      = 8
	oracleCallTimeout       = 3 * time.Second
)

// OracleFeed polls on-chain price feeds and publishes into the PriceCache.
type OracleFeed struct {
	rpcURL string
	feeds  map[string]common.Address // symbol -> aggregator contract
	poll   time.Duration
	cache  *PriceCache

	client *ethclient.Client

	mu         sync.Mutex
	running    bool
	lastRounds map[string]uint64
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewOracleFeed builds a poller over the configured feed addresses.
func NewOracleFeed(rpcURL string, feedAddrs map[string]string, poll time.Duration, cache *PriceCache) *OracleFeed {
	feeds := make(map[string]common.Address, len(feedAddrs))
	for symbol, addr := range feedAddrs {
		feeds[symbol] = common.HexToAddress(addr)
	}
	return &OracleFeed{
		rpcURL:     rpcURL,
		feeds:      feeds,
		poll:       poll,
		cache:      cache,
		lastRounds: make(map[string]uint64),
		stopCh:     make(chan struct{}),
	}
}

// Start dials the RPC endpoint and begins polling.
func (f *OracleFeed) Start() error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	f.mu.Unlock()

	client, err := ethclient.Dial(f.rpcURL)
	if err != nil {
		return fmt.Errorf("dial oracle rpc: %w", err)
	}
	f.client = client

	// Initial fetch before the loop so consumers have a price early.
	f.fetchAll()

	f.wg.Add(1)
	go f.pollLoop()

	log.Info().Str("rpc", f.rpcURL).Int("feeds", len(f.feeds)).Msg("⛓️ Oracle feed started")
	return nil
}

// Stop halts polling and closes the RPC client. Idempotent.
func (f *OracleFeed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	close(f.stopCh)
	f.wg.Wait()
	if f.client != nil {
		f.client.Close()
	}
	log.Info().Msg("Oracle feed stopped")
}

func (f *OracleFeed) pollLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.fetchAll()
		}
	}
}

func (f *OracleFeed) fetchAll() {
	for symbol, addr := range f.feeds {
		if err := f.fetch(symbol, addr); err != nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("Oracle fetch failed")
		}
	}
}

func (f *OracleFeed) fetch(symbol string, addr common.Address) error {
	ctx, cancel := context.WithTimeout(context.Background(), oracleCallTimeout)
	defer cancel()

	msg := ethereum.CallMsg{
		To:   &addr,
		Data: common.Hex2Bytes(latestRoundDataSelector),
	}
	result, err := f.client.CallContract(ctx, msg, nil)
	if err != nil {
		return fmt.Errorf("latestRoundData %s: %w", symbol, err)
	}

	// (uint80 roundId, int256 answer, uint256 startedAt, uint256 updatedAt, uint80 answeredInRound)
	if len(result) < 160 {
		return fmt.Errorf("latestRoundData %s: short response (%d bytes)", symbol, len(result))
	}

	roundID := new(big.Int).SetBytes(result[0:32]).Uint64()
	answer := new(big.Int).SetBytes(result[32:64])
	price := decimal.NewFromBigInt(answer, -oracleFeedDecimals)

	if price.IsZero() || price.IsNegative() {
		return fmt.Errorf("latestRoundData %s: non-positive answer", symbol)
	}

	f.cache.Set(symbol, SourceOracle, price, time.Now())

	f.mu.Lock()
	newRound := roundID != f.lastRounds[symbol]
	f.lastRounds[symbol] = roundID
	f.mu.Unlock()

	if newRound {
		log.Trace().
			Str("symbol", symbol).
			Uint64("round", roundID).
			Str("price", price.StringFixed(2)).
			Msg("Oracle round")
	}
	return nil
}
