// Package types defines the shared data structures used across all client
// packages — order requests, signed orders, market metadata, order book
// snapshots, data-API rows and WebSocket payloads. It has no dependencies
// on internal packages, so it can be imported by any layer and by strategy
// code embedding the client.
//
// All monetary fields are shopspring decimals; wire formats that carry
// numbers as strings keep them as strings until the owning layer converts.
package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Int returns the on-chain encoding of the side (0 = BUY, 1 = SELL).
func (s Side) Int() int {
	if s == SELL {
		return 1
	}
	return 0
}

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // rests until filled or cancelled
	OrderTypeGTD OrderType = "GTD" // rests until the expiration timestamp
	OrderTypeFOK OrderType = "FOK" // fills completely or not at all
	OrderTypeFAK OrderType = "FAK" // fills what it can, cancels the rest
)

// Valid reports whether the order type is one of the supported values.
func (o OrderType) Valid() bool {
	switch o {
	case OrderTypeGTC, OrderTypeGTD, OrderTypeFOK, OrderTypeFAK:
		return true
	}
	return false
}

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA   SignatureType = 0 // externally-owned account (standard wallet)
	SigMagic SignatureType = 1 // Magic/email wallet (proxy-funded)
	SigProxy SignatureType = 2 // Polymarket proxy wallet
)

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the high-level order a strategy submits. Size is USD
// notional: for BUY it is the collateral spent, for SELL the value of the
// tokens offered at the limit price.
type OrderRequest struct {
	TokenID    string
	Price      decimal.Decimal // in [0.01, 0.99], multiple of the market tick
	Size       decimal.Decimal // USD notional
	Side       Side
	OrderType  OrderType
	Expiration int64 // unix seconds; required for GTD, >= now+60s
}

// SignedOrder is the EIP-712 signed order tuple the CLOB API expects.
// Numeric uint256 fields travel as decimal strings; amounts are 6-decimal
// wei of collateral / outcome tokens.
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`  // funder/proxy wallet address
	Signer        string        `json:"signer"` // EOA that signs the order
	Taker         string        `json:"taker"`  // zero address = open order
	TokenID       string        `json:"tokenId"`
	MakerAmount   string        `json:"makerAmount"`
	TakerAmount   string        `json:"takerAmount"`
	Expiration    string        `json:"expiration"`
	Nonce         string        `json:"nonce"`
	FeeRateBps    string        `json:"feeRateBps"`
	Side          int           `json:"side"` // 0 = BUY, 1 = SELL
	SignatureType SignatureType `json:"signatureType"`
	Signature     string        `json:"signature"` // hex with 0x prefix
}

// OrderPayload is the REST request body wrapping a signed order.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"` // API key of the order owner
	OrderType OrderType   `json:"orderType"`
}

// OrderResponse is the exchange's reply for a single submitted order.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"` // e.g. "live", "matched", "delayed"
}

// OpenOrder is a live resting order returned by the data endpoints.
type OpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`   // condition ID
	AssetID      string `json:"asset_id"` // token ID
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
}

// PriceRequest selects one side of one token's book in batch price
// queries.
type PriceRequest struct {
	TokenID string
	Side    Side
}

// CancelResponse is returned by the cancel endpoints.
type CancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"` // order ID -> reason
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// MarketMeta is the per-token metadata resolved before building an order.
// Cached with a 5-minute TTL; FeeRateBps is currently always zero on the
// exchange but fetched anyway for forward compatibility.
type MarketMeta struct {
	TickSize   decimal.Decimal
	FeeRateBps decimal.Decimal
	NegRisk    bool
}

// Market is one market from the Gamma metadata API with wire strings
// parsed into typed fields. Binary markets carry two outcome tokens;
// YesTokenID/NoTokenID follow the API's ordering.
type Market struct {
	ID              string
	ConditionID     string
	Slug            string
	Question        string
	YesTokenID      string
	NoTokenID       string
	TickSize        decimal.Decimal
	MinOrderSize    decimal.Decimal
	NegRisk         bool
	Active          bool
	Closed          bool
	AcceptingOrders bool
	EndDate         time.Time
	Liquidity       decimal.Decimal
	Volume24h       decimal.Decimal
	BestBid         decimal.Decimal
	BestAsk         decimal.Decimal
	Spread          decimal.Decimal
	LastTradePrice  decimal.Decimal
}

// BalanceAllowance is the collateral balance and exchange allowance for a
// wallet, in 6-decimal wei strings as returned by the API.
type BalanceAllowance struct {
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
}

// ————————————————————————————————————————————————————————————————————————
// Data API rows
// ————————————————————————————————————————————————————————————————————————

// Position is one row from the positions endpoint.
type Position struct {
	Market       string          `json:"market"`
	AssetID      string          `json:"asset"`
	Size         decimal.Decimal `json:"size"`
	AvgPrice     decimal.Decimal `json:"avgPrice"`
	CurrentValue decimal.Decimal `json:"currentValue"`
	CashPnL      decimal.Decimal `json:"cashPnl"`
	PercentPnL   decimal.Decimal `json:"percentPnl"`
	Outcome      string          `json:"outcome"`
	Redeemable   bool            `json:"redeemable"`
}

// Trade is one fill from the trades endpoint.
type Trade struct {
	ID        string          `json:"id"`
	Market    string          `json:"market"`
	AssetID   string          `json:"asset_id"`
	Side      string          `json:"side"`
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
	Status    string          `json:"status"`
	Outcome   string          `json:"outcome"`
	MatchTime string          `json:"match_time"`
}

// Activity is one row from the account activity endpoint.
type Activity struct {
	Type      string          `json:"type"` // TRADE, SPLIT, MERGE, REDEEM, ...
	Market    string          `json:"market"`
	AssetID   string          `json:"asset"`
	Side      string          `json:"side"`
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
	USDCSize  decimal.Decimal `json:"usdcSize"`
	Timestamp int64           `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// CLOB WebSocket channel
// ————————————————————————————————————————————————————————————————————————

// WSAuth carries the API key for the authenticated user channel.
type WSAuth struct {
	APIKey string `json:"apiKey"`
}

// CLOBSubscribeMsg is the subscription frame for the CLOB WebSocket.
type CLOBSubscribeMsg struct {
	Type    string  `json:"type"` // "subscribe" | "unsubscribe"
	Channel string  `json:"channel"`
	Market  string  `json:"market,omitempty"` // token ID, market channel only
	Auth    *WSAuth `json:"auth,omitempty"`   // user channel only
}

// CLOBMessage is one frame from the CLOB WebSocket.
type CLOBMessage struct {
	Channel string `json:"channel"`
	Market  struct {
		TokenID string `json:"token_id"`
	} `json:"market"`
	EventType string `json:"event_type"`
	Raw       []byte `json:"-"` // full frame for consumers needing extra fields
}

// ————————————————————————————————————————————————————————————————————————
// Event-bus (real-time data service) WebSocket
// ————————————————————————————————————————————————————————————————————————

// RTDSSubscription selects one topic/type pair, with optional server-side
// filters (a JSON string) and CLOB auth for private topics.
type RTDSSubscription struct {
	Topic    string  `json:"topic"`
	Type     string  `json:"type"`
	Filters  string  `json:"filters,omitempty"`
	CLOBAuth *WSAuth `json:"clob_auth,omitempty"`
}

// RTDSFrame is the subscribe/unsubscribe action frame.
type RTDSFrame struct {
	Action        string             `json:"action"` // "subscribe" | "unsubscribe"
	Subscriptions []RTDSSubscription `json:"subscriptions"`
}

// RTDSMessage is one event from the bus. Frames without a Payload are
// system messages (subscription acknowledgements).
type RTDSMessage struct {
	Topic        string          `json:"topic"`
	Type         string          `json:"type"`
	Timestamp    int64           `json:"timestamp"`
	Payload      json.RawMessage `json:"payload"`
	ConnectionID string          `json:"connection_id"`
}

// StreamStatus is reported to status callbacks on connection transitions.
type StreamStatus string

const (
	StreamConnecting   StreamStatus = "CONNECTING"
	StreamConnected    StreamStatus = "CONNECTED"
	StreamDisconnected StreamStatus = "DISCONNECTED"
)

// StreamStats is a point-in-time view of a stream client's health.
type StreamStats struct {
	Uptime      time.Duration
	Messages    uint64
	Reconnects  int
	BackoffStep int
	LastPongAge time.Duration
}
