// Package polyclob is a trading client for the Polymarket CLOB. One
// Client instance is safe for concurrent use by many strategies: it owns
// the pooled HTTP transport (rate limiting, GET dedup, retry with a
// circuit breaker), the multi-wallet credential registry, order
// construction and signing, reserved-balance bookkeeping, and the two
// WebSocket stream clients.
package polyclob

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"polyclob/internal/auth"
	"polyclob/internal/balance"
	"polyclob/internal/clierr"
	"polyclob/internal/config"
	"polyclob/internal/logging"
	"polyclob/internal/nonce"
	"polyclob/internal/numeric"
	"polyclob/internal/order"
	"polyclob/internal/stream"
	"polyclob/internal/transport"
	"polyclob/pkg/types"
)

const (
	nonceMaxAge     = time.Hour
	janitorInterval = 10 * time.Minute
)

// Client is the entry point. Construct with New or NewFromEnv, add at
// least one wallet, and share the instance across strategies.
type Client struct {
	cfg      *config.Settings
	logger   *slog.Logger
	http     *transport.Client
	registry *auth.Registry
	nonces   *nonce.Manager
	reserved *balance.Reserved
	meta     *order.Resolver
	builder  *order.Builder
	tracker  *orderTracker

	clob *stream.CLOBClient
	rtds *stream.RTDSClient

	closed      atomic.Bool
	closeOnce   sync.Once
	janitorStop chan struct{}
	janitorDone chan struct{}
}

// New builds a client from explicit settings.
func New(cfg *config.Settings) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.New(os.Stderr, cfg.LogLevel)

	httpClient := transport.New(cfg, logger)
	meta := order.NewResolver(httpClient, logger)
	minSize := numeric.ToDecimalOr(cfg.MinOrderSize, decimal.NewFromInt(1))

	c := &Client{
		cfg:         cfg,
		logger:      logger.With("component", "client"),
		http:        httpClient,
		registry:    auth.NewRegistry(),
		nonces:      nonce.NewManager(),
		reserved:    balance.NewReserved(),
		meta:        meta,
		builder:     order.NewBuilder(meta, int64(cfg.ChainID), minSize, logger),
		tracker:     newOrderTracker(inflightCapacity),
		clob:        stream.NewCLOBClient(cfg.WSURL, cfg.WSReconnectDelay, cfg.WSMaxReconnects, logger),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	if cfg.EnableRTDS {
		c.rtds = stream.NewRTDSClient(cfg.RTDSURL, cfg.RTDSPingInterval, cfg.RTDSAutoReconnect, logger)
	}

	go c.janitor()
	return c, nil
}

// NewFromEnv builds a client from PM_-prefixed environment variables
// (and an optional .env file).
func NewFromEnv() (*Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// janitor evicts idle nonce entries and expired metadata in the
// background so long-lived clients do not accumulate per-address locks.
func (c *Client) janitor() {
	defer close(c.janitorDone)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.janitorStop:
			return
		case <-ticker.C:
			removed := c.nonces.CleanupInactive(nonceMaxAge)
			if removed > 0 {
				c.logger.Debug("evicted idle nonce entries", "count", removed)
			}
		}
	}
}

// AddWallet registers a wallet and derives (or mints) its API
// credentials via the L1-authenticated endpoints. sigType selects how
// the exchange verifies order signatures; funderAddress is required for
// proxy types and ignored for EOA.
func (c *Client) AddWallet(ctx context.Context, id, privateKeyHex string, sigType types.SignatureType, funderAddress string) error {
	if c.closed.Load() {
		return clierr.New(clierr.KindValidation, "add_wallet", "client is closed")
	}

	creds, err := auth.NewCredentials(privateKeyHex, sigType, funderAddress)
	if err != nil {
		return err
	}

	apiKey, secret, passphrase, err := c.deriveOrMintAPIKey(ctx, creds)
	if err != nil {
		return err
	}
	creds.SetAPICredentials(apiKey, secret, passphrase)

	if err := c.registry.Add(id, creds); err != nil {
		return err
	}
	c.syncNonce(ctx, creds)
	c.logger.Info("wallet registered", "wallet_id", id, "address", creds.Address.Hex())
	return nil
}

// syncNonce seeds the wallet's order nonce from the exchange. The
// timestamp fallback only covers an unreachable or pre-nonce endpoint.
func (c *Client) syncNonce(ctx context.Context, creds *auth.Credentials) {
	addr := creds.Address.Hex()
	headers, err := auth.L2Headers(creds, http.MethodGet, "/nonce", "")
	if err == nil {
		var resp struct {
			Nonce uint64 `json:"nonce"`
		}
		err = c.http.Do(ctx, transport.Request{
			Method:  http.MethodGet,
			Path:    "/nonce",
			Headers: headers,
			RateKey: transport.RateKey(http.MethodGet, "/nonce"),
			Retry:   true,
			Result:  &resp,
		})
		if err == nil {
			c.nonces.Set(addr, resp.Nonce)
			return
		}
	}
	n := c.nonces.InitFallback(addr)
	c.logger.Warn("nonce query failed, seeded from timestamp", "error", err, "nonce", n)
}

// apiKeyResponse is the shared shape of the derive and mint endpoints.
type apiKeyResponse struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// deriveOrMintAPIKey first asks the exchange for the wallet's existing
// API triple; if none exists it mints a fresh one.
func (c *Client) deriveOrMintAPIKey(ctx context.Context, creds *auth.Credentials) (string, string, string, error) {
	headers, err := auth.L1Headers(creds, int64(c.cfg.ChainID), 0)
	if err != nil {
		return "", "", "", err
	}

	var resp apiKeyResponse
	deriveErr := c.http.Do(ctx, transport.Request{
		Method:  http.MethodGet,
		Path:    "/auth/derive-api-key",
		Headers: headers,
		RateKey: transport.RateKey(http.MethodGet, "/auth/derive-api-key"),
		Result:  &resp,
	})
	if deriveErr == nil && resp.APIKey != "" {
		return resp.APIKey, resp.Secret, resp.Passphrase, nil
	}

	resp = apiKeyResponse{}
	mintErr := c.http.Do(ctx, transport.Request{
		Method:  http.MethodPost,
		Path:    "/auth/api-key",
		Headers: headers,
		RateKey: transport.RateKey(http.MethodPost, "/auth/api-key"),
		Result:  &resp,
	})
	if mintErr != nil {
		return "", "", "", clierr.New(clierr.KindAuth, "add_wallet",
			"could not derive or mint API credentials: %v", mintErr)
	}
	if resp.APIKey == "" {
		return "", "", "", clierr.New(clierr.KindAuth, "add_wallet", "exchange returned empty API credentials")
	}
	return resp.APIKey, resp.Secret, resp.Passphrase, nil
}

// RemoveWallet drops a wallet's credentials and reservation state.
func (c *Client) RemoveWallet(id string) error {
	if err := c.registry.Remove(id); err != nil {
		return err
	}
	c.reserved.Clear(id)
	return nil
}

// Wallets lists registered wallet IDs.
func (c *Client) Wallets() []string { return c.registry.IDs() }

// Reserved reports the USD notional currently reserved for a wallet's
// in-flight BUY orders.
func (c *Client) Reserved(walletID string) decimal.Decimal {
	return c.reserved.Get(walletID)
}

// CLOBStream returns the CLOB channel client. Call Start before
// subscribing, or subscribe first; tracked subscriptions are sent on
// connect either way.
func (c *Client) CLOBStream() *stream.CLOBClient { return c.clob }

// RTDS returns the event-bus client, or nil when disabled by config.
func (c *Client) RTDS() *stream.RTDSClient { return c.rtds }

// HandleSignals installs a SIGINT/SIGTERM handler that runs Shutdown.
// Returns a channel closed when shutdown completes.
func (c *Client) HandleSignals(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
		case sig := <-sigCh:
			c.logger.Info("signal received, shutting down", "signal", sig.String())
			c.Shutdown(context.Background())
		}
		signal.Stop(sigCh)
	}()
	return done
}

// Shutdown cancels every tracked in-flight order, then closes the
// client. Cancellation failures are logged, not fatal; the close always
// proceeds.
func (c *Client) Shutdown(ctx context.Context) error {
	ids := c.tracker.snapshot()
	if len(ids) > 0 {
		c.logger.Info("cancelling in-flight orders", "count", len(ids))
		if _, err := c.CancelOrders(ctx, "", ids); err != nil {
			c.logger.Warn("in-flight cancel failed", "error", err)
		}
	}
	return c.Close()
}

// Close releases every resource: streams stop reconnecting, the
// transport stops accepting requests and drains its cleanup worker, and
// key material is dropped. Close is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.janitorStop)
		<-c.janitorDone

		c.clob.Close()
		if c.rtds != nil {
			c.rtds.Close()
		}
		c.http.Close()
		c.registry.Close()
	})
	return nil
}
