package risk

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3quant/edgebot/exchange"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION VERIFIER
// ═══════════════════════════════════════════════════════════════════════════════
//
// Compares the local open-position book against what the exchange
// reports. A local position missing on the exchange means a stop-loss
// would silently do nothing; that is a halt condition. The reverse, an
// exchange holding the engine does not track, is logged as an orphan.
//
// ═══════════════════════════════════════════════════════════════════════════════

// VerifyResult is one comparison pass.
type VerifyResult struct {
	Checked      int
	MissingLocal []string // token ids held locally but absent on exchange
	Orphans      []string // token ids on exchange the engine does not track
	Stale        bool     // result came from cache past its freshness bound
}

type positionSource interface {
	GetPositions() ([]exchange.ExchangePosition, error)
}

// Verifier caches the exchange view between calls so a rate-limited
// query can fall back briefly instead of flying blind.
type Verifier struct {
	client    positionSource
	positions *Positions
	maxStale  time.Duration

	cached    map[string]decimal.Decimal
	fetchedAt time.Time
}

// NewVerifier builds a verifier over the exchange client.
func NewVerifier(client positionSource, positions *Positions, maxStale time.Duration) *Verifier {
	return &Verifier{
		client:    client,
		positions: positions,
		maxStale:  maxStale,
	}
}

// ErrBlind means verification is impossible: the exchange is rate
// limiting and the cache is past its freshness bound.
var ErrBlind = errors.New("position verification blind: rate limited with stale cache")

// Verify runs one comparison pass.
func (v *Verifier) Verify() (VerifyResult, error) {
	res := VerifyResult{}

	remote, err := v.fetchRemote(&res)
	if err != nil {
		return res, err
	}

	local := v.positions.HeldTokens()
	res.Checked = len(local)

	for tokenID := range local {
		if size, ok := remote[tokenID]; !ok || size.IsZero() {
			res.MissingLocal = append(res.MissingLocal, tokenID)
		}
	}
	for tokenID := range remote {
		if _, ok := local[tokenID]; !ok {
			res.Orphans = append(res.Orphans, tokenID)
		}
	}

	for _, tokenID := range res.Orphans {
		log.Warn().Str("token", tokenID).Msg("Orphaned exchange position")
	}
	return res, nil
}

func (v *Verifier) fetchRemote(res *VerifyResult) (map[string]decimal.Decimal, error) {
	remote, err := v.client.GetPositions()
	if err == nil {
		byToken := make(map[string]decimal.Decimal, len(remote))
		for _, p := range remote {
			byToken[p.TokenID] = byToken[p.TokenID].Add(p.Size)
		}
		v.cached = byToken
		v.fetchedAt = time.Now()
		return byToken, nil
	}

	if errors.Is(err, exchange.ErrRateLimited) && v.cached != nil {
		if time.Since(v.fetchedAt) <= v.maxStale {
			res.Stale = true
			log.Warn().Msg("Position verify rate limited, using cached view")
			return v.cached, nil
		}
		return nil, ErrBlind
	}
	return nil, err
}
