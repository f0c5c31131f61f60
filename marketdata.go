package polyclob

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"

	"polyclob/internal/auth"
	"polyclob/internal/clierr"
	"polyclob/internal/transport"
	"polyclob/pkg/types"
)

// batchWarnSize is the point past which the exchange's batch endpoints
// degrade; larger requests still go out, with a warning.
const batchWarnSize = 100

type tokenParam struct {
	TokenID string `json:"token_id"`
}

type tokenSideParam struct {
	TokenID string `json:"token_id"`
	Side    string `json:"side"`
}

// GetOrderBook fetches one book snapshot. Returns (nil, nil) when the
// token has no book.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.OrderBook, error) {
	var resp types.BookResponse
	err := c.publicGet(ctx, "/book", map[string]string{"token_id": tokenID}, &resp)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return resp.ToOrderBook(), nil
}

// GetOrderBooks fetches books for many tokens in one round-trip.
func (c *Client) GetOrderBooks(ctx context.Context, tokenIDs []string) ([]*types.OrderBook, error) {
	if len(tokenIDs) == 0 {
		return nil, clierr.New(clierr.KindValidation, "get_order_books", "no token ids given")
	}
	c.warnLargeBatch("get_order_books", len(tokenIDs))

	params := make([]tokenParam, len(tokenIDs))
	for i, id := range tokenIDs {
		params[i] = tokenParam{TokenID: id}
	}

	var resps []types.BookResponse
	if err := c.publicPost(ctx, "/books", params, &resps); err != nil {
		return nil, err
	}
	books := make([]*types.OrderBook, len(resps))
	for i := range resps {
		books[i] = resps[i].ToOrderBook()
	}
	return books, nil
}

// GetMidpoint returns the book midpoint, or (zero, nil) when missing.
func (c *Client) GetMidpoint(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	var resp struct {
		Mid decimal.Decimal `json:"mid"`
	}
	err := c.publicGet(ctx, "/midpoint", map[string]string{"token_id": tokenID}, &resp)
	if err != nil {
		if isNotFound(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return resp.Mid, nil
}

// GetMidpoints returns midpoints keyed by token ID.
func (c *Client) GetMidpoints(ctx context.Context, tokenIDs []string) (map[string]decimal.Decimal, error) {
	return c.batchDecimalMap(ctx, "/midpoints", "get_midpoints", tokenIDs)
}

// GetSpread returns best-ask minus best-bid, or (zero, nil) when missing.
func (c *Client) GetSpread(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	var resp struct {
		Spread decimal.Decimal `json:"spread"`
	}
	err := c.publicGet(ctx, "/spread", map[string]string{"token_id": tokenID}, &resp)
	if err != nil {
		if isNotFound(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return resp.Spread, nil
}

// GetSpreads returns spreads keyed by token ID.
func (c *Client) GetSpreads(ctx context.Context, tokenIDs []string) (map[string]decimal.Decimal, error) {
	return c.batchDecimalMap(ctx, "/spreads", "get_spreads", tokenIDs)
}

func (c *Client) batchDecimalMap(ctx context.Context, path, op string, tokenIDs []string) (map[string]decimal.Decimal, error) {
	if len(tokenIDs) == 0 {
		return nil, clierr.New(clierr.KindValidation, op, "no token ids given")
	}
	c.warnLargeBatch(op, len(tokenIDs))

	params := make([]tokenParam, len(tokenIDs))
	for i, id := range tokenIDs {
		params[i] = tokenParam{TokenID: id}
	}
	var resp map[string]decimal.Decimal
	if err := c.publicPost(ctx, path, params, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetPrice returns the best price on one side of a book, or (zero, nil)
// when the book is missing.
func (c *Client) GetPrice(ctx context.Context, tokenID string, side types.Side) (decimal.Decimal, error) {
	var resp struct {
		Price decimal.Decimal `json:"price"`
	}
	err := c.publicGet(ctx, "/price", map[string]string{"token_id": tokenID, "side": string(side)}, &resp)
	if err != nil {
		if isNotFound(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return resp.Price, nil
}

// GetPrices returns prices keyed by token ID then side.
func (c *Client) GetPrices(ctx context.Context, requests []types.PriceRequest) (map[string]map[string]decimal.Decimal, error) {
	if len(requests) == 0 {
		return nil, clierr.New(clierr.KindValidation, "get_prices", "no requests given")
	}
	c.warnLargeBatch("get_prices", len(requests))

	params := make([]tokenSideParam, len(requests))
	for i, r := range requests {
		params[i] = tokenSideParam{TokenID: r.TokenID, Side: string(r.Side)}
	}
	var resp map[string]map[string]decimal.Decimal
	if err := c.publicPost(ctx, "/prices", params, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetLastTradePrice returns the most recent trade price for a token.
func (c *Client) GetLastTradePrice(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	var resp struct {
		Price decimal.Decimal `json:"price"`
	}
	err := c.publicGet(ctx, "/last-trade-price", map[string]string{"token_id": tokenID}, &resp)
	if err != nil {
		if isNotFound(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return resp.Price, nil
}

// GetLastTradePrices is the batch variant, keyed by token ID.
func (c *Client) GetLastTradePrices(ctx context.Context, tokenIDs []string) (map[string]decimal.Decimal, error) {
	if len(tokenIDs) == 0 {
		return nil, clierr.New(clierr.KindValidation, "get_last_trade_prices", "no token ids given")
	}
	c.warnLargeBatch("get_last_trade_prices", len(tokenIDs))

	params := make([]tokenParam, len(tokenIDs))
	for i, id := range tokenIDs {
		params[i] = tokenParam{TokenID: id}
	}
	var rows []struct {
		TokenID string          `json:"token_id"`
		Price   decimal.Decimal `json:"price"`
	}
	if err := c.publicPost(ctx, "/last-trades-prices", params, &rows); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		out[row.TokenID] = row.Price
	}
	return out, nil
}

// IsOrderScoring reports whether an order currently earns rewards.
func (c *Client) IsOrderScoring(ctx context.Context, walletID, orderID string) (bool, error) {
	creds, err := c.registry.Get(walletID)
	if err != nil {
		return false, err
	}
	headers, err := authHeaders(creds, http.MethodGet, "/order-scoring")
	if err != nil {
		return false, err
	}

	var resp struct {
		Scoring bool `json:"scoring"`
	}
	err = c.http.Do(ctx, transport.Request{
		Method:  http.MethodGet,
		Path:    "/order-scoring",
		Query:   map[string]string{"order_id": orderID},
		Headers: headers,
		RateKey: transport.RateKey(http.MethodGet, "/order-scoring"),
		Retry:   true,
		Result:  &resp,
	})
	if err != nil {
		return false, err
	}
	return resp.Scoring, nil
}

// AreOrdersScoring is the batch variant, keyed by order ID.
func (c *Client) AreOrdersScoring(ctx context.Context, walletID string, orderIDs []string) (map[string]bool, error) {
	if len(orderIDs) == 0 {
		return nil, clierr.New(clierr.KindValidation, "orders_scoring", "no order ids given")
	}
	creds, err := c.registry.Get(walletID)
	if err != nil {
		return nil, err
	}

	payload := map[string][]string{"orderIds": orderIDs}
	body, bodyStr, err := marshalBody(payload)
	if err != nil {
		return nil, err
	}
	headers, err := authHeadersWithBody(creds, http.MethodPost, "/orders-scoring", bodyStr)
	if err != nil {
		return nil, err
	}

	var resp map[string]bool
	err = c.http.Do(ctx, transport.Request{
		Method:  http.MethodPost,
		Path:    "/orders-scoring",
		Body:    body,
		Headers: headers,
		RateKey: transport.RateKey(http.MethodPost, "/orders-scoring"),
		Result:  &resp,
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetPositions lists a wallet's open positions from the data API.
func (c *Client) GetPositions(ctx context.Context, userAddress string) ([]types.Position, error) {
	var rows []types.Position
	if err := c.dataGet(ctx, "/positions", map[string]string{"user": userAddress}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// GetUserTrades lists a wallet's historical trades from the data API.
func (c *Client) GetUserTrades(ctx context.Context, userAddress string) ([]types.Trade, error) {
	var rows []types.Trade
	if err := c.dataGet(ctx, "/trades", map[string]string{"user": userAddress}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// GetActivity lists account activity (trades, splits, merges, redeems).
func (c *Client) GetActivity(ctx context.Context, userAddress string) ([]types.Activity, error) {
	var rows []types.Activity
	if err := c.dataGet(ctx, "/activity", map[string]string{"user": userAddress}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) publicGet(ctx context.Context, path string, query map[string]string, result any) error {
	return c.http.Do(ctx, transport.Request{
		Method:  http.MethodGet,
		Path:    path,
		Query:   query,
		RateKey: transport.RateKey(http.MethodGet, path),
		Retry:   true,
		Result:  result,
	})
}

func (c *Client) publicPost(ctx context.Context, path string, body, result any) error {
	return c.http.Do(ctx, transport.Request{
		Method:  http.MethodPost,
		Path:    path,
		Body:    body,
		RateKey: transport.RateKey(http.MethodPost, path),
		Retry:   true,
		Result:  result,
	})
}

func (c *Client) dataGet(ctx context.Context, path string, query map[string]string, result any) error {
	return c.http.Do(ctx, transport.Request{
		Method:  http.MethodGet,
		Base:    c.cfg.DataURL,
		Path:    path,
		Query:   query,
		RateKey: transport.RateKey(http.MethodGet, "data"+path),
		Retry:   true,
		Result:  result,
	})
}

func (c *Client) warnLargeBatch(op string, n int) {
	if n > batchWarnSize {
		c.logger.Warn("batch exceeds recommended size, consider splitting",
			"op", op, "size", n, "recommended", batchWarnSize)
	}
}

func authHeaders(creds *auth.Credentials, method, path string) (map[string]string, error) {
	return auth.L2Headers(creds, method, path, "")
}

func authHeadersWithBody(creds *auth.Credentials, method, path, body string) (map[string]string, error) {
	return auth.L2Headers(creds, method, path, body)
}

func marshalBody(v any) ([]byte, string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, "", clierr.Wrap(clierr.KindValidation, "marshal_body", err)
	}
	return b, string(b), nil
}

// isNotFound detects the 404 mapping from the transport layer.
func isNotFound(err error) bool {
	return clierr.StatusOf(err) == http.StatusNotFound
}
