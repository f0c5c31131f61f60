package polyclob

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"polyclob/internal/clierr"
	"polyclob/internal/transport"
	"polyclob/pkg/types"
)

const (
	gammaPageSize   = 100
	gammaMaxPages   = 50
	gammaDateLayout = time.RFC3339
	marketsRateKey  = "GET:/markets"
)

// gammaMarket is the JSON shape the Gamma API returns. Numeric fields
// arrive as a mix of floats and strings; ClobTokenIds is a JSON array
// encoded as a string.
type gammaMarket struct {
	ID                    string  `json:"id"`
	Question              string  `json:"question"`
	ConditionID           string  `json:"conditionId"`
	Slug                  string  `json:"slug"`
	Active                bool    `json:"active"`
	Closed                bool    `json:"closed"`
	AcceptingOrders       bool    `json:"acceptingOrders"`
	EnableOrderBook       bool    `json:"enableOrderBook"`
	EndDate               string  `json:"endDate"`
	Liquidity             string  `json:"liquidity"`
	Volume24hr            float64 `json:"volume24hr"`
	ClobTokenIds          string  `json:"clobTokenIds"`
	NegRisk               bool    `json:"negRisk"`
	Spread                float64 `json:"spread"`
	BestBid               float64 `json:"bestBid"`
	BestAsk               float64 `json:"bestAsk"`
	LastTradePrice        float64 `json:"lastTradePrice"`
	OrderPriceMinTickSize float64 `json:"orderPriceMinTickSize"`
	OrderMinSize          float64 `json:"orderMinSize"`
}

// MarketsFilter narrows GetMarkets. The zero value lists every active,
// order-book-enabled market that is still accepting orders.
type MarketsFilter struct {
	Slug          string
	ConditionIDs  []string
	IncludeClosed bool
	MaxPages      int // 0 means the built-in cap
}

// GetMarkets pages through the Gamma metadata API and returns markets
// with resolvable order books. Pagination stops at the first short page
// or the page cap, whichever comes first.
func (c *Client) GetMarkets(ctx context.Context, filter MarketsFilter) ([]types.Market, error) {
	if c.closed.Load() {
		return nil, clierr.New(clierr.KindValidation, "get_markets", "client is closed")
	}

	maxPages := filter.MaxPages
	if maxPages <= 0 || maxPages > gammaMaxPages {
		maxPages = gammaMaxPages
	}

	var out []types.Market
	for page := 0; page < maxPages; page++ {
		query := map[string]string{
			"limit":  strconv.Itoa(gammaPageSize),
			"offset": strconv.Itoa(page * gammaPageSize),
			"active": "true",
		}
		if !filter.IncludeClosed {
			query["closed"] = "false"
		}
		if filter.Slug != "" {
			query["slug"] = filter.Slug
		}
		if len(filter.ConditionIDs) > 0 {
			query["condition_ids"] = strings.Join(filter.ConditionIDs, ",")
		}

		var rows []gammaMarket
		err := c.http.Do(ctx, transport.Request{
			Method:  http.MethodGet,
			Base:    c.cfg.GammaURL,
			Path:    "/markets",
			Query:   query,
			RateKey: marketsRateKey,
			Retry:   true,
			Result:  &rows,
		})
		if err != nil {
			return nil, err
		}

		for _, row := range rows {
			if !row.EnableOrderBook {
				continue
			}
			out = append(out, toMarket(row))
		}
		if len(rows) < gammaPageSize {
			break
		}
	}
	return out, nil
}

// GetMarket resolves one market by condition ID. Returns (nil, nil)
// when the Gamma API has no such market.
func (c *Client) GetMarket(ctx context.Context, conditionID string) (*types.Market, error) {
	if conditionID == "" {
		return nil, clierr.New(clierr.KindValidation, "get_market", "condition id is required")
	}
	markets, err := c.GetMarkets(ctx, MarketsFilter{
		ConditionIDs:  []string{conditionID},
		IncludeClosed: true,
		MaxPages:      1,
	})
	if err != nil {
		return nil, err
	}
	for i := range markets {
		if strings.EqualFold(markets[i].ConditionID, conditionID) {
			return &markets[i], nil
		}
	}
	return nil, nil
}

// toMarket parses the wire row into typed fields. Unparseable numerics
// read as zero rather than failing the whole page.
func toMarket(gm gammaMarket) types.Market {
	m := types.Market{
		ID:              gm.ID,
		ConditionID:     gm.ConditionID,
		Slug:            gm.Slug,
		Question:        gm.Question,
		NegRisk:         gm.NegRisk,
		Active:          gm.Active,
		Closed:          gm.Closed,
		AcceptingOrders: gm.AcceptingOrders,
		TickSize:        decimal.NewFromFloat(gm.OrderPriceMinTickSize),
		MinOrderSize:    decimal.NewFromFloat(gm.OrderMinSize),
		Volume24h:       decimal.NewFromFloat(gm.Volume24hr),
		BestBid:         decimal.NewFromFloat(gm.BestBid),
		BestAsk:         decimal.NewFromFloat(gm.BestAsk),
		Spread:          decimal.NewFromFloat(gm.Spread),
		LastTradePrice:  decimal.NewFromFloat(gm.LastTradePrice),
	}
	if liq, err := decimal.NewFromString(gm.Liquidity); err == nil {
		m.Liquidity = liq
	}
	if gm.EndDate != "" {
		if end, err := time.Parse(gammaDateLayout, gm.EndDate); err == nil {
			m.EndDate = end
		}
	}

	// clobTokenIds is a JSON array encoded as a string: ["yes","no"]
	var tokenIDs []string
	if gm.ClobTokenIds != "" {
		_ = json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs)
	}
	if len(tokenIDs) >= 2 {
		m.YesTokenID = tokenIDs[0]
		m.NoTokenID = tokenIDs[1]
	}
	return m
}
