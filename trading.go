package polyclob

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"sync"

	"github.com/shopspring/decimal"

	"polyclob/internal/auth"
	"polyclob/internal/clierr"
	"polyclob/internal/numeric"
	"polyclob/internal/transport"
	"polyclob/pkg/types"
)

// inflightCapacity bounds the shutdown cancel queue; beyond it the
// oldest IDs fall off (they are the most likely to be filled already).
const inflightCapacity = 10_000

// orderTracker is a bounded FIFO of recently submitted order IDs.
type orderTracker struct {
	mu  sync.Mutex
	ids []string
	cap int
}

func newOrderTracker(capacity int) *orderTracker {
	return &orderTracker{cap: capacity}
}

func (t *orderTracker) add(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids = append(t.ids, id)
	if len(t.ids) > t.cap {
		t.ids = t.ids[len(t.ids)-t.cap:]
	}
}

func (t *orderTracker) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.ids {
		if existing == id {
			t.ids = append(t.ids[:i], t.ids[i+1:]...)
			return
		}
	}
}

func (t *orderTracker) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.ids))
	copy(out, t.ids)
	return out
}

// PlaceOptions tunes a single submission. The zero value uses the
// default wallet, full pre-flight checks, and a random salt.
type PlaceOptions struct {
	WalletID         string
	SkipBalanceCheck bool
	IdempotencyKey   string
}

// PlaceOrder runs the full submission pipeline: credentials, request
// validation, pre-flight balance, nonce allocation, build-and-sign,
// reserve, submit, classify. Reserved balance never leaks: every
// failure path after the reserve releases it before returning.
func (c *Client) PlaceOrder(ctx context.Context, req *types.OrderRequest, opts PlaceOptions) (*types.OrderResponse, error) {
	if c.closed.Load() {
		return nil, clierr.New(clierr.KindValidation, "place_order", "client is closed")
	}

	creds, err := c.registry.Get(opts.WalletID)
	if err != nil {
		return nil, err
	}
	if !creds.HasAPICredentials() {
		return nil, clierr.New(clierr.KindAuth, "place_order", "wallet has no API credentials")
	}

	if !opts.SkipBalanceCheck {
		if err := c.preflightBalance(ctx, creds, opts.WalletID, req); err != nil {
			return nil, err
		}
	}

	n, ok := c.nonces.GetAndIncrement(creds.Address.Hex())
	if !ok {
		c.nonces.InitFallback(creds.Address.Hex())
		n, _ = c.nonces.GetAndIncrement(creds.Address.Hex())
	}

	signed, err := c.builder.Build(ctx, creds, req, n, opts.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	// Reserve before the wire call so concurrent pre-flights see it.
	reservedAmount := decimal.Zero
	if req.Side == types.BUY {
		reservedAmount = req.Size
		if err := c.reserved.Reserve(opts.WalletID, reservedAmount); err != nil {
			return nil, err
		}
	}

	resp, err := c.submitOrder(ctx, creds, signed, req.OrderType)
	if err != nil || !resp.Success {
		if releaseErr := c.release(opts.WalletID, reservedAmount); releaseErr != nil {
			c.logger.Error("reserved balance release failed", "wallet_id", opts.WalletID, "error", releaseErr)
		}
		if err != nil {
			return nil, err
		}
		return resp, clierr.Trading("place_order", clierr.ClassifyTradeMessage(resp.ErrorMsg), resp.ErrorMsg)
	}

	c.tracker.add(resp.OrderID)
	c.logger.Info("order placed",
		"order_id", resp.OrderID, "token_id", req.TokenID,
		"side", string(req.Side), "status", resp.Status)
	return resp, nil
}

// weiFromString parses a base-10 wei string; malformed input reads as
// zero so a garbled balance can never pass a pre-flight check.
func weiFromString(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}

func (c *Client) release(walletID string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	return c.reserved.Release(walletID, amount)
}

// preflightBalance rejects orders the wallet cannot fund. BUY checks
// collateral minus already-reserved notional; SELL checks the actual
// conditional-token balance against size/price.
func (c *Client) preflightBalance(ctx context.Context, creds *auth.Credentials, walletID string, req *types.OrderRequest) error {
	if req.Side == types.BUY {
		ba, err := c.GetBalanceAllowance(ctx, walletID, "COLLATERAL", "")
		if err != nil {
			return err
		}
		available := numeric.FromWei(weiFromString(ba.Balance)).Sub(c.reserved.Get(walletID))
		if req.Size.GreaterThan(available) {
			return clierr.Trading("place_order", clierr.ReasonInsufficientBalance,
				"size "+req.Size.String()+" exceeds available collateral "+available.String())
		}
		return nil
	}

	if !req.Price.IsPositive() {
		return clierr.New(clierr.KindValidation, "place_order", "price must be positive, got %s", req.Price)
	}
	ba, err := c.GetBalanceAllowance(ctx, walletID, "CONDITIONAL", req.TokenID)
	if err != nil {
		return err
	}
	tokensNeeded := req.Size.Div(req.Price)
	tokensHeld := numeric.FromWei(weiFromString(ba.Balance))
	if tokensNeeded.GreaterThan(tokensHeld) {
		return clierr.Trading("place_order", clierr.ReasonInsufficientBalance,
			"need "+tokensNeeded.String()+" tokens, hold "+tokensHeld.String())
	}
	return nil
}

// preflightBatch applies the single-order balance checks to a whole
// batch: aggregate BUY notional against available collateral, and
// per-token SELL sizes against conditional holdings.
func (c *Client) preflightBatch(ctx context.Context, walletID string, reqs []*types.OrderRequest) error {
	buyTotal := decimal.Zero
	sellNeeds := make(map[string]decimal.Decimal)
	for _, req := range reqs {
		if req.Side == types.BUY {
			buyTotal = buyTotal.Add(req.Size)
			continue
		}
		if !req.Price.IsPositive() {
			return clierr.New(clierr.KindValidation, "place_orders", "price must be positive, got %s", req.Price)
		}
		sellNeeds[req.TokenID] = sellNeeds[req.TokenID].Add(req.Size.Div(req.Price))
	}

	if buyTotal.IsPositive() {
		ba, err := c.GetBalanceAllowance(ctx, walletID, "COLLATERAL", "")
		if err != nil {
			return err
		}
		available := numeric.FromWei(weiFromString(ba.Balance)).Sub(c.reserved.Get(walletID))
		if buyTotal.GreaterThan(available) {
			return clierr.Trading("place_orders", clierr.ReasonInsufficientBalance,
				"batch needs "+buyTotal.String()+" collateral, available "+available.String())
		}
	}
	for tokenID, needed := range sellNeeds {
		ba, err := c.GetBalanceAllowance(ctx, walletID, "CONDITIONAL", tokenID)
		if err != nil {
			return err
		}
		held := numeric.FromWei(weiFromString(ba.Balance))
		if needed.GreaterThan(held) {
			return clierr.Trading("place_orders", clierr.ReasonInsufficientBalance,
				"need "+needed.String()+" tokens of "+tokenID+", hold "+held.String())
		}
	}
	return nil
}

// submitOrder posts one signed order with L2 headers over the exact
// serialized body.
func (c *Client) submitOrder(ctx context.Context, creds *auth.Credentials, signed *types.SignedOrder, orderType types.OrderType) (*types.OrderResponse, error) {
	payload := types.OrderPayload{Order: *signed, Owner: creds.APIKey(), OrderType: orderType}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, clierr.Wrap(clierr.KindValidation, "place_order", err)
	}
	headers, err := auth.L2Headers(creds, http.MethodPost, "/order", string(body))
	if err != nil {
		return nil, err
	}

	var resp types.OrderResponse
	err = c.http.Do(ctx, transport.Request{
		Method:  http.MethodPost,
		Path:    "/order",
		Body:    body,
		Headers: headers,
		RateKey: transport.RateKey(http.MethodPost, "/order"),
		Result:  &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// BatchResult pairs one request with its outcome.
type BatchResult struct {
	Response *types.OrderResponse
	Err      error
}

// PlaceOrders runs the batch through the same pipeline as PlaceOrder:
// pre-flight over the aggregate notional, then every request is signed
// concurrently (bounded by the configured worker count, each with an
// independent random salt) and submitted as one batch. The result slice
// is index-aligned with the input; reserved balance for rejected BUY
// entries is released before returning.
func (c *Client) PlaceOrders(ctx context.Context, reqs []*types.OrderRequest, opts PlaceOptions) ([]BatchResult, error) {
	if c.closed.Load() {
		return nil, clierr.New(clierr.KindValidation, "place_orders", "client is closed")
	}
	if len(reqs) == 0 {
		return nil, clierr.New(clierr.KindValidation, "place_orders", "no orders given")
	}
	walletID := opts.WalletID

	creds, err := c.registry.Get(walletID)
	if err != nil {
		return nil, err
	}
	if !creds.HasAPICredentials() {
		return nil, clierr.New(clierr.KindAuth, "place_orders", "wallet has no API credentials")
	}

	if !opts.SkipBalanceCheck {
		if err := c.preflightBatch(ctx, walletID, reqs); err != nil {
			return nil, err
		}
	}

	results := make([]BatchResult, len(reqs))
	signed := make([]*types.SignedOrder, len(reqs))

	workers := c.cfg.BatchMaxWorkers
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *types.OrderRequest) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			n, ok := c.nonces.GetAndIncrement(creds.Address.Hex())
			if !ok {
				c.nonces.InitFallback(creds.Address.Hex())
				n, _ = c.nonces.GetAndIncrement(creds.Address.Hex())
			}
			s, err := c.builder.Build(ctx, creds, req, n, "")
			if err != nil {
				results[i] = BatchResult{Err: err}
				return
			}
			signed[i] = s
		}(i, req)
	}
	wg.Wait()

	// Reserve for the BUY entries that signed cleanly.
	reservedTotal := decimal.Zero
	payloads := make([]types.OrderPayload, 0, len(reqs))
	payloadIndex := make([]int, 0, len(reqs))
	for i, s := range signed {
		if s == nil {
			continue
		}
		if reqs[i].Side == types.BUY {
			reservedTotal = reservedTotal.Add(reqs[i].Size)
		}
		payloads = append(payloads, types.OrderPayload{Order: *s, Owner: creds.APIKey(), OrderType: reqs[i].OrderType})
		payloadIndex = append(payloadIndex, i)
	}
	if len(payloads) == 0 {
		return results, nil
	}
	if err := c.reserved.Reserve(walletID, reservedTotal); err != nil {
		return nil, err
	}

	body, err := json.Marshal(payloads)
	if err != nil {
		c.release(walletID, reservedTotal)
		return nil, clierr.Wrap(clierr.KindValidation, "place_orders", err)
	}
	headers, err := auth.L2Headers(creds, http.MethodPost, "/orders", string(body))
	if err != nil {
		c.release(walletID, reservedTotal)
		return nil, err
	}

	var resps []types.OrderResponse
	err = c.http.Do(ctx, transport.Request{
		Method:  http.MethodPost,
		Path:    "/orders",
		Body:    body,
		Headers: headers,
		RateKey: transport.RateKey(http.MethodPost, "/orders"),
		Result:  &resps,
	})
	if err != nil {
		c.release(walletID, reservedTotal)
		return nil, err
	}

	// Settle per entry: keep reservation only for accepted BUYs.
	keep := decimal.Zero
	for k, idx := range payloadIndex {
		if k >= len(resps) {
			results[idx] = BatchResult{Err: clierr.New(clierr.KindAPI, "place_orders", "missing response for order %d", idx)}
			continue
		}
		resp := resps[k]
		if resp.Success {
			c.tracker.add(resp.OrderID)
			if reqs[idx].Side == types.BUY {
				keep = keep.Add(reqs[idx].Size)
			}
			results[idx] = BatchResult{Response: &resp}
		} else {
			results[idx] = BatchResult{
				Response: &resp,
				Err:      clierr.Trading("place_orders", clierr.ClassifyTradeMessage(resp.ErrorMsg), resp.ErrorMsg),
			}
		}
	}
	if err := c.release(walletID, reservedTotal.Sub(keep)); err != nil {
		c.logger.Error("batch reservation release failed", "wallet_id", walletID, "error", err)
	}
	return results, nil
}

// ReleaseReserved returns reserved notional after a fill or cancel
// callback. Over-release is a loud error.
func (c *Client) ReleaseReserved(walletID string, amount decimal.Decimal) error {
	return c.reserved.Release(walletID, amount)
}

// CancelOrder cancels one order by ID.
func (c *Client) CancelOrder(ctx context.Context, walletID, orderID string) (*types.CancelResponse, error) {
	if orderID == "" {
		return nil, clierr.New(clierr.KindValidation, "cancel_order", "order id is required")
	}
	resp, err := c.cancel(ctx, walletID, "/order", map[string]string{"orderID": orderID})
	if err == nil {
		c.tracker.remove(orderID)
	}
	return resp, err
}

// CancelOrders cancels a set of orders in one call.
func (c *Client) CancelOrders(ctx context.Context, walletID string, orderIDs []string) (*types.CancelResponse, error) {
	if len(orderIDs) == 0 {
		return nil, clierr.New(clierr.KindValidation, "cancel_orders", "no order ids given")
	}
	resp, err := c.cancel(ctx, walletID, "/orders", orderIDs)
	if err == nil {
		for _, id := range orderIDs {
			c.tracker.remove(id)
		}
	}
	return resp, err
}

// CancelAll cancels every open order for the wallet.
func (c *Client) CancelAll(ctx context.Context, walletID string) (*types.CancelResponse, error) {
	return c.cancel(ctx, walletID, "/cancel-all", nil)
}

// CancelMarketOrders cancels the wallet's open orders in one market.
func (c *Client) CancelMarketOrders(ctx context.Context, walletID, market, assetID string) (*types.CancelResponse, error) {
	if market == "" && assetID == "" {
		return nil, clierr.New(clierr.KindValidation, "cancel_market_orders", "market or asset id is required")
	}
	body := map[string]string{}
	if market != "" {
		body["market"] = market
	}
	if assetID != "" {
		body["asset_id"] = assetID
	}
	return c.cancel(ctx, walletID, "/cancel-market-orders", body)
}

func (c *Client) cancel(ctx context.Context, walletID, path string, payload any) (*types.CancelResponse, error) {
	creds, err := c.registry.Get(walletID)
	if err != nil {
		return nil, err
	}

	var body []byte
	bodyStr := ""
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, clierr.Wrap(clierr.KindValidation, "cancel", err)
		}
		bodyStr = string(body)
	}
	headers, err := auth.L2Headers(creds, http.MethodDelete, path, bodyStr)
	if err != nil {
		return nil, err
	}

	req := transport.Request{
		Method:  http.MethodDelete,
		Path:    path,
		Headers: headers,
		RateKey: transport.RateKey(http.MethodDelete, path),
	}
	if body != nil {
		req.Body = body
	}
	var resp types.CancelResponse
	req.Result = &resp
	if err := c.http.Do(ctx, req); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetOpenOrders lists the wallet's resting orders, optionally filtered
// by market (condition ID).
func (c *Client) GetOpenOrders(ctx context.Context, walletID, market string) ([]types.OpenOrder, error) {
	query := map[string]string{}
	if market != "" {
		query["market"] = market
	}
	var orders []types.OpenOrder
	if err := c.authedGet(ctx, walletID, "/data/orders", query, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetTradeHistory lists the wallet's fills from the CLOB trade endpoint.
func (c *Client) GetTradeHistory(ctx context.Context, walletID, market string) ([]types.Trade, error) {
	query := map[string]string{}
	if market != "" {
		query["market"] = market
	}
	var trades []types.Trade
	if err := c.authedGet(ctx, walletID, "/data/trades", query, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// GetBalanceAllowance fetches collateral or conditional-token balance
// and exchange allowance. assetType is COLLATERAL or CONDITIONAL;
// tokenID is required for CONDITIONAL.
func (c *Client) GetBalanceAllowance(ctx context.Context, walletID, assetType, tokenID string) (*types.BalanceAllowance, error) {
	query := map[string]string{"asset_type": assetType}
	if tokenID != "" {
		query["token_id"] = tokenID
	}
	var ba types.BalanceAllowance
	if err := c.authedGet(ctx, walletID, "/balance-allowance", query, &ba); err != nil {
		return nil, err
	}
	return &ba, nil
}

// authedGet issues an L2-signed GET against the CLOB API.
func (c *Client) authedGet(ctx context.Context, walletID, path string, query map[string]string, result any) error {
	creds, err := c.registry.Get(walletID)
	if err != nil {
		return err
	}
	headers, err := auth.L2Headers(creds, http.MethodGet, path, "")
	if err != nil {
		return err
	}
	return c.http.Do(ctx, transport.Request{
		Method:  http.MethodGet,
		Path:    path,
		Query:   query,
		Headers: headers,
		RateKey: transport.RateKey(http.MethodGet, path),
		Retry:   true,
		Result:  result,
	})
}
