package polyclob

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
)

func gammaRows(n int, offset int) []map[string]any {
	rows := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		id := strconv.Itoa(offset + i)
		rows[i] = map[string]any{
			"id":                    id,
			"question":              "Will it settle YES?",
			"conditionId":           "0xcond" + id,
			"slug":                  "market-" + id,
			"active":                true,
			"closed":                false,
			"acceptingOrders":       true,
			"enableOrderBook":       true,
			"endDate":               "2026-12-31T00:00:00Z",
			"liquidity":             "15000.5",
			"volume24hr":            1234.5,
			"clobTokenIds":          `["yes-` + id + `","no-` + id + `"]`,
			"negRisk":               false,
			"spread":                0.02,
			"bestBid":               0.54,
			"bestAsk":               0.56,
			"orderPriceMinTickSize": 0.01,
			"orderMinSize":          5.0,
		}
	}
	return rows
}

func TestGetMarketsPaginatesAndParses(t *testing.T) {
	m := newMockExchange(t)

	// Full first page forces a second fetch; short second page stops it.
	pages := map[string]int{"0": gammaPageSize, strconv.Itoa(gammaPageSize): 3}
	m.mux.HandleFunc("GET /markets", func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		off, _ := strconv.Atoi(offset)
		json.NewEncoder(w).Encode(gammaRows(pages[offset], off))
	})

	c := newTestClient(t, m)
	markets, err := c.GetMarkets(context.Background(), MarketsFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(markets) != gammaPageSize+3 {
		t.Fatalf("markets = %d, want %d", len(markets), gammaPageSize+3)
	}

	first := markets[0]
	if first.YesTokenID != "yes-0" || first.NoTokenID != "no-0" {
		t.Errorf("token ids = %q/%q", first.YesTokenID, first.NoTokenID)
	}
	if first.TickSize.String() != "0.01" || first.Liquidity.String() != "15000.5" {
		t.Errorf("tick = %s, liquidity = %s", first.TickSize, first.Liquidity)
	}
	if first.EndDate.Year() != 2026 {
		t.Errorf("end date = %s", first.EndDate)
	}
}

func TestGetMarketsSkipsBooklessRows(t *testing.T) {
	m := newMockExchange(t)
	m.mux.HandleFunc("GET /markets", func(w http.ResponseWriter, r *http.Request) {
		rows := gammaRows(2, 0)
		rows[1]["enableOrderBook"] = false
		json.NewEncoder(w).Encode(rows)
	})

	c := newTestClient(t, m)
	markets, err := c.GetMarkets(context.Background(), MarketsFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(markets) != 1 || markets[0].ID != "0" {
		t.Fatalf("markets = %+v", markets)
	}
}

func TestGetMarketByConditionID(t *testing.T) {
	m := newMockExchange(t)
	m.mux.HandleFunc("GET /markets", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("condition_ids") == "0xcond7" {
			json.NewEncoder(w).Encode(gammaRows(1, 7))
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{})
	})

	c := newTestClient(t, m)
	market, err := c.GetMarket(context.Background(), "0xcond7")
	if err != nil {
		t.Fatal(err)
	}
	if market == nil || market.ConditionID != "0xcond7" {
		t.Fatalf("market = %+v", market)
	}

	missing, err := c.GetMarket(context.Background(), "0xnope")
	if err != nil || missing != nil {
		t.Errorf("missing market: %+v, %v (want nil, nil)", missing, err)
	}
}
