package exchange

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET METADATA CLIENT
// ═══════════════════════════════════════════════════════════════════════════════

// MarketInfo is the metadata the scheduler needs for one binary market.
type MarketInfo struct {
	ID          string
	ConditionID string
	Question    string
	EndDate     time.Time
	UpTokenID   string
	DownTokenID string
}

// MarketsClient queries the metadata API for active markets.
type MarketsClient struct {
	http *resty.Client
}

// NewMarketsClient builds a metadata client.
func NewMarketsClient(baseURL string, timeout time.Duration) *MarketsClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &MarketsClient{
		http: resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
	}
}

type apiMarket struct {
	ID          string    `json:"id"`
	ConditionID string    `json:"condition_id"`
	Question    string    `json:"question"`
	EndDate     time.Time `json:"end_date_iso"`
	Tokens      []struct {
		TokenID string `json:"token_id"`
		Outcome string `json:"outcome"`
	} `json:"tokens"`
}

// FetchActiveWindowMarkets returns the active 15-minute above/below
// markets whose question names one of the given symbols.
func (m *MarketsClient) FetchActiveWindowMarkets(symbols []string) ([]MarketInfo, error) {
	var markets []apiMarket
	resp, err := m.http.R().
		SetQueryParams(map[string]string{
			"active": "true",
			"closed": "false",
		}).
		SetResult(&markets).
		Get("/markets")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("markets: status %d", resp.StatusCode())
	}

	var out []MarketInfo
	for _, mk := range markets {
		question := strings.ToUpper(mk.Question)
		if !strings.Contains(question, "ABOVE") {
			continue
		}
		if !strings.Contains(question, "MINUTE") && !strings.Contains(question, "UTC") {
			continue
		}

		matched := false
		for _, s := range symbols {
			if strings.Contains(question, strings.ToUpper(s)) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}

		info := MarketInfo{
			ID:          mk.ID,
			ConditionID: mk.ConditionID,
			Question:    mk.Question,
			EndDate:     mk.EndDate,
		}
		for _, t := range mk.Tokens {
			switch t.Outcome {
			case "Yes", "Up":
				info.UpTokenID = t.TokenID
			case "No", "Down":
				info.DownTokenID = t.TokenID
			}
		}
		if info.UpTokenID == "" || info.DownTokenID == "" {
			log.Debug().Str("market", mk.ID).Msg("Market missing outcome tokens, skipping")
			continue
		}
		out = append(out, info)
	}
	return out, nil
}
