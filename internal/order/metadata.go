package order

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"polyclob/internal/cache"
	"polyclob/internal/numeric"
	"polyclob/internal/transport"
	"polyclob/pkg/types"
)

const (
	metadataTTL       = 5 * time.Minute
	metadataCacheSize = 10_000
)

// Resolver memoizes per-token market metadata (tick size, fee rate,
// neg-risk flag) with a TTL cache. Fetch failures resolve to defaults,
// which are cached too so a flapping endpoint is not hammered.
type Resolver struct {
	http   *transport.Client
	cache  *cache.Cache[types.MarketMeta]
	logger *slog.Logger
}

func NewResolver(http *transport.Client, logger *slog.Logger) *Resolver {
	return &Resolver{
		http:   http,
		cache:  cache.New[types.MarketMeta](metadataCacheSize),
		logger: logger.With("component", "metadata"),
	}
}

// Resolve returns the metadata for a token, fetching on cache miss.
// Concurrent misses for the same token share one fetch.
func (r *Resolver) Resolve(ctx context.Context, tokenID string) (types.MarketMeta, error) {
	return r.cache.GetOrFetch(tokenID, metadataTTL, func() (types.MarketMeta, error) {
		return r.fetch(ctx, tokenID), nil
	})
}

// Prime overrides the cached metadata for a token (tests, warm starts).
func (r *Resolver) Prime(tokenID string, meta types.MarketMeta) {
	r.cache.Set(tokenID, meta, metadataTTL)
}

func defaultMeta() types.MarketMeta {
	return types.MarketMeta{
		TickSize:   numeric.PriceStep,
		FeeRateBps: decimal.Zero,
		NegRisk:    false,
	}
}

func (r *Resolver) fetch(ctx context.Context, tokenID string) types.MarketMeta {
	meta := defaultMeta()

	var tick struct {
		MinimumTickSize decimal.Decimal `json:"minimum_tick_size"`
	}
	err := r.http.Do(ctx, transport.Request{
		Method:  http.MethodGet,
		Path:    "/tick-size",
		Query:   map[string]string{"token_id": tokenID},
		RateKey: transport.RateKey(http.MethodGet, "/tick-size"),
		Retry:   true,
		Result:  &tick,
	})
	if err != nil {
		r.logger.Warn("tick size fetch failed, using default", "token_id", tokenID, "error", err)
	} else if tick.MinimumTickSize.IsPositive() {
		meta.TickSize = tick.MinimumTickSize
	}

	var negRisk struct {
		NegRisk bool `json:"neg_risk"`
	}
	err = r.http.Do(ctx, transport.Request{
		Method:  http.MethodGet,
		Path:    "/neg-risk",
		Query:   map[string]string{"token_id": tokenID},
		RateKey: transport.RateKey(http.MethodGet, "/neg-risk"),
		Retry:   true,
		Result:  &negRisk,
	})
	if err != nil {
		r.logger.Warn("neg-risk fetch failed, using default", "token_id", tokenID, "error", err)
	} else {
		meta.NegRisk = negRisk.NegRisk
	}

	// Fee rate is fixed at zero under current exchange policy; the field
	// stays in the model so a future fee schedule only touches this fetch.
	return meta
}
