// Package config defines all client settings. Values come from PM_*
// environment variables (a .env file is honored when present) with
// validated ranges and conservative defaults matching the exchange's
// published quotas.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"polyclob/internal/ratelimit"
)

// Settings is the full configuration surface of the client.
type Settings struct {
	// Endpoints
	CLOBURL  string `mapstructure:"clob_url"`
	GammaURL string `mapstructure:"gamma_url"`
	DataURL  string `mapstructure:"data_url"`
	WSURL    string `mapstructure:"ws_url"`
	RTDSURL  string `mapstructure:"rtds_url"`

	// Chain
	ChainID int64 `mapstructure:"chain_id"`

	// HTTP
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	PoolConnections int           `mapstructure:"pool_connections"`
	PoolMaxsize     int           `mapstructure:"pool_maxsize"`
	LogRequests     bool          `mapstructure:"log_requests"`

	// Retry / breaker
	MaxRetries              int           `mapstructure:"max_retries"`
	RetryBackoffBase        float64       `mapstructure:"retry_backoff_base"`
	RetryBackoffMax         time.Duration `mapstructure:"retry_backoff_max"`
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout"`

	// Rate limiting
	EnableRateLimiting bool    `mapstructure:"enable_rate_limiting"`
	RateLimitMargin    float64 `mapstructure:"rate_limit_margin"`

	// Orders
	MinOrderSize    string `mapstructure:"min_order_size"`
	BatchMaxWorkers int    `mapstructure:"batch_max_workers"`

	// WebSocket
	WSReconnectDelay  time.Duration `mapstructure:"ws_reconnect_delay"`
	WSMaxReconnects   int           `mapstructure:"ws_max_reconnects"`
	EnableRTDS        bool          `mapstructure:"enable_rtds"`
	RTDSAutoReconnect bool          `mapstructure:"rtds_auto_reconnect"`
	RTDSPingInterval  time.Duration `mapstructure:"rtds_ping_interval"`

	// Observability
	LogLevel      string `mapstructure:"log_level"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

// Load reads settings from the environment (PM_ prefix). A .env file in
// the working directory is loaded first when present.
func Load() (*Settings, error) {
	_ = godotenv.Load() // optional; absence is not an error

	v := viper.New()
	v.SetEnvPrefix("PM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range v.AllKeys() {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Default returns the built-in settings without touching the environment.
func Default() *Settings {
	v := viper.New()
	setDefaults(v)
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return &s
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("clob_url", "https://clob.polymarket.com")
	v.SetDefault("gamma_url", "https://gamma-api.polymarket.com")
	v.SetDefault("data_url", "https://data-api.polymarket.com")
	v.SetDefault("ws_url", "wss://ws-subscriptions-clob.polymarket.com/ws")
	v.SetDefault("rtds_url", "wss://ws-live-data.polymarket.com")
	v.SetDefault("chain_id", 137)
	v.SetDefault("request_timeout", "30s")
	v.SetDefault("connect_timeout", "10s")
	v.SetDefault("pool_connections", 50)
	v.SetDefault("pool_maxsize", 100)
	v.SetDefault("log_requests", false)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_backoff_base", 2.0)
	v.SetDefault("retry_backoff_max", "10s")
	v.SetDefault("circuit_breaker_threshold", 5)
	v.SetDefault("circuit_breaker_timeout", "30s")
	v.SetDefault("enable_rate_limiting", true)
	v.SetDefault("rate_limit_margin", ratelimit.DefaultMargin)
	v.SetDefault("min_order_size", "1")
	v.SetDefault("batch_max_workers", 10)
	v.SetDefault("ws_reconnect_delay", "5s")
	v.SetDefault("ws_max_reconnects", 10)
	v.SetDefault("enable_rtds", true)
	v.SetDefault("rtds_auto_reconnect", true)
	v.SetDefault("rtds_ping_interval", "5s")
	v.SetDefault("log_level", "info")
	v.SetDefault("enable_metrics", false)
}

// Validate checks value ranges.
func (s *Settings) Validate() error {
	if s.RequestTimeout < time.Second {
		return fmt.Errorf("request_timeout must be >= 1s, got %s", s.RequestTimeout)
	}
	if s.ConnectTimeout < time.Second {
		return fmt.Errorf("connect_timeout must be >= 1s, got %s", s.ConnectTimeout)
	}
	if s.MaxRetries < 0 || s.MaxRetries > 10 {
		return fmt.Errorf("max_retries must be in [0, 10], got %d", s.MaxRetries)
	}
	if s.RetryBackoffBase < 1 {
		return fmt.Errorf("retry_backoff_base must be >= 1, got %v", s.RetryBackoffBase)
	}
	if s.RateLimitMargin < 0.1 || s.RateLimitMargin > 1.0 {
		return fmt.Errorf("rate_limit_margin must be in [0.1, 1.0], got %v", s.RateLimitMargin)
	}
	if s.PoolConnections <= 0 || s.PoolMaxsize <= 0 {
		return fmt.Errorf("pool sizes must be positive")
	}
	if s.ChainID <= 0 {
		return fmt.Errorf("chain_id must be positive, got %d", s.ChainID)
	}
	if s.CLOBURL == "" || s.GammaURL == "" || s.DataURL == "" {
		return fmt.Errorf("clob_url, gamma_url and data_url are required")
	}
	return nil
}

// RateLimits returns the per-endpoint quota table matching the exchange's
// published limits. Keys are "METHOD:path"; endpoints absent from the
// table use FallbackRateLimit.
func RateLimits() map[string]ratelimit.Rule {
	ten := 10 * time.Second
	tenMin := 10 * time.Minute
	return map[string]ratelimit.Rule{
		// Trading
		"POST:/order":                  {Limit: 500, Window: ten, Sustained: 3000, SustainedWindow: tenMin},
		"POST:/orders":                 {Limit: 3500, Window: ten},
		"DELETE:/order":                {Limit: 3000, Window: ten},
		"DELETE:/orders":               {Limit: 3000, Window: ten},
		"DELETE:/cancel-all":           {Limit: 300, Window: ten},
		"DELETE:/cancel-market-orders": {Limit: 3000, Window: ten},
		// Book and prices
		"GET:/book":                {Limit: 1500, Window: ten},
		"POST:/books":              {Limit: 500, Window: ten},
		"GET:/price":               {Limit: 1500, Window: ten},
		"POST:/prices":             {Limit: 500, Window: ten},
		"GET:/midpoint":            {Limit: 1500, Window: ten},
		"POST:/midpoints":          {Limit: 500, Window: ten},
		"GET:/spread":              {Limit: 1500, Window: ten},
		"POST:/spreads":            {Limit: 500, Window: ten},
		"GET:/last-trade-price":    {Limit: 1500, Window: ten},
		"POST:/last-trades-prices": {Limit: 500, Window: ten},
		"POST:/order-scoring":      {Limit: 500, Window: ten},
		// Auth / account
		"GET:/auth/derive-api-key": {Limit: 20, Window: ten},
		"POST:/auth/api-key":       {Limit: 20, Window: ten},
		"GET:/nonce":               {Limit: 100, Window: ten},
		"GET:/balance-allowance":   {Limit: 300, Window: ten},
		"GET:/data/orders":         {Limit: 300, Window: ten},
		"GET:/data/trades":         {Limit: 300, Window: ten},
		// Data API
		"GET:/positions": {Limit: 150, Window: ten},
		"GET:/activity":  {Limit: 150, Window: ten},
		"GET:/trades":    {Limit: 150, Window: ten},
		// Gamma metadata
		"GET:/markets": {Limit: 300, Window: ten},
	}
}

// FallbackRateLimit is the quota applied to endpoints absent from the
// table.
func FallbackRateLimit() ratelimit.Rule {
	return ratelimit.Rule{Limit: 100, Window: 10 * time.Second}
}
