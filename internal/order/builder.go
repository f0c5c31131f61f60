// Package order builds, validates, and signs CTF exchange orders. The
// builder resolves market metadata through a TTL cache, derives the salt
// (random or idempotent), computes 6-decimal wei amounts, and signs the
// EIP-712 Order struct. It never touches the nonce counter itself; the
// caller allocates nonces through the nonce manager.
package order

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"polyclob/internal/auth"
	"polyclob/internal/clierr"
	"polyclob/internal/numeric"
	"polyclob/pkg/types"
)

const (
	// defaultExpiry pads non-GTD orders far into the future; the exchange
	// treats GTC as non-expiring but requires the field to be set.
	defaultExpiry = 30 * 24 * time.Hour

	// minGTDLead is the minimum distance a GTD expiration must be ahead
	// of the clock.
	minGTDLead = 60 * time.Second
)

// zeroTaker marks an open order fillable by anyone.
var zeroTaker = common.Address{}

// Exchange verifying-contract addresses per chain.
var (
	polygonExchange        = common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")
	polygonNegRiskExchange = common.HexToAddress("0xC5d563A36AE78145C45a50134d48A1215220f80a")
	amoyExchange           = common.HexToAddress("0xdFE02Eb6733538f8Ea35D585af8DE5958AD99E40")
	amoyNegRiskExchange    = common.HexToAddress("0xC5d563A36AE78145C45a50134d48A1215220f80a")
)

// ExchangeAddress picks the verifying contract for the EIP-712 domain.
func ExchangeAddress(chainID int64, negRisk bool) (common.Address, error) {
	switch {
	case chainID == 137 && !negRisk:
		return polygonExchange, nil
	case chainID == 137 && negRisk:
		return polygonNegRiskExchange, nil
	case chainID == 80002 && !negRisk:
		return amoyExchange, nil
	case chainID == 80002 && negRisk:
		return amoyNegRiskExchange, nil
	default:
		return common.Address{}, clierr.New(clierr.KindValidation, "exchange_address", "unsupported chain id %d", chainID)
	}
}

// Builder assembles and signs orders for one configured chain.
type Builder struct {
	meta         *Resolver
	chainID      int64
	minOrderSize decimal.Decimal
	logger       *slog.Logger
	now          func() time.Time
}

func NewBuilder(meta *Resolver, chainID int64, minOrderSize decimal.Decimal, logger *slog.Logger) *Builder {
	return &Builder{
		meta:         meta,
		chainID:      chainID,
		minOrderSize: minOrderSize,
		logger:       logger.With("component", "order_builder"),
		now:          time.Now,
	}
}

// Validate checks an order request against the market's tick size and
// the configured minimum size.
func (b *Builder) Validate(req *types.OrderRequest, tick decimal.Decimal) error {
	if req.TokenID == "" {
		return clierr.New(clierr.KindValidation, "validate_order", "token id is required")
	}
	if req.Side != types.BUY && req.Side != types.SELL {
		return clierr.New(clierr.KindValidation, "validate_order", "invalid side %q", req.Side)
	}
	if !req.OrderType.Valid() {
		return clierr.New(clierr.KindValidation, "validate_order", "invalid order type %q", req.OrderType)
	}

	one := decimal.NewFromInt(1)
	if req.Price.LessThan(tick) || req.Price.GreaterThan(one.Sub(tick)) {
		return clierr.New(clierr.KindValidation, "validate_order",
			"price %s outside [%s, %s]", req.Price, tick, one.Sub(tick))
	}
	if !numeric.IsMultipleOf(req.Price, tick) {
		return clierr.Trading("validate_order", clierr.ReasonTickViolation,
			fmt.Sprintf("price %s is not a multiple of tick %s", req.Price, tick))
	}
	if req.Size.LessThan(b.minOrderSize) {
		return clierr.New(clierr.KindValidation, "validate_order",
			"size %s below minimum %s", req.Size, b.minOrderSize)
	}
	if req.OrderType == types.OrderTypeGTD {
		if req.Expiration == 0 {
			return clierr.New(clierr.KindValidation, "validate_order", "GTD order requires an expiration")
		}
		if req.Expiration < b.now().Add(minGTDLead).Unix() {
			return clierr.Trading("validate_order", clierr.ReasonOrderExpired,
				fmt.Sprintf("GTD expiration must be at least %s ahead", minGTDLead))
		}
	}
	return nil
}

// ComputeAmounts converts USD notional into the maker/taker wei pair.
// Size is always the collateral side of the trade: a BUY spends size
// USDC for size/price tokens, a SELL offers size/price tokens for size
// USDC.
func ComputeAmounts(side types.Side, price, size decimal.Decimal) (maker, taker *big.Int, err error) {
	if !price.IsPositive() {
		return nil, nil, clierr.New(clierr.KindValidation, "compute_amounts", "price must be positive, got %s", price)
	}

	collateralWei := numeric.ToWei(size)
	tokenWei := numeric.ToWei(size.Div(price))

	switch side {
	case types.BUY:
		return collateralWei, tokenWei, nil
	case types.SELL:
		return tokenWei, collateralWei, nil
	default:
		return nil, nil, clierr.New(clierr.KindValidation, "compute_amounts", "invalid side %q", side)
	}
}

// Build produces a signed order. An empty idempotencyKey yields a random
// salt; a non-empty key yields a deterministic one, so retried builds
// hash identically. The nonce is whatever the caller allocated.
func (b *Builder) Build(ctx context.Context, creds *auth.Credentials, req *types.OrderRequest, nonce uint64, idempotencyKey string) (*types.SignedOrder, error) {
	meta, err := b.meta.Resolve(ctx, req.TokenID)
	if err != nil {
		return nil, err
	}
	if err := b.Validate(req, meta.TickSize); err != nil {
		return nil, err
	}

	var salt *big.Int
	if idempotencyKey != "" {
		salt = DeterministicSalt(idempotencyKey)
	} else {
		salt, err = GenerateSalt()
		if err != nil {
			return nil, err
		}
	}

	maker, taker, err := ComputeAmounts(req.Side, req.Price, req.Size)
	if err != nil {
		return nil, err
	}

	expiration := req.Expiration
	if req.OrderType != types.OrderTypeGTD {
		expiration = b.now().Add(defaultExpiry).Unix()
	}

	signed := &types.SignedOrder{
		Salt:          salt.String(),
		Maker:         creds.Funder.Hex(),
		Signer:        creds.Address.Hex(),
		Taker:         zeroTaker.Hex(),
		TokenID:       req.TokenID,
		MakerAmount:   maker.String(),
		TakerAmount:   taker.String(),
		Expiration:    strconv.FormatInt(expiration, 10),
		Nonce:         strconv.FormatUint(nonce, 10),
		FeeRateBps:    meta.FeeRateBps.String(),
		Side:          req.Side.Int(),
		SignatureType: creds.SignatureType,
	}

	typedData, err := orderTypedData(b.chainID, meta.NegRisk, signed)
	if err != nil {
		return nil, err
	}
	sig, err := auth.SignTypedData(creds.PrivateKey(), typedData)
	if err != nil {
		return nil, err
	}
	signed.Signature = "0x" + common.Bytes2Hex(sig)
	return signed, nil
}

// Hash computes the EIP-712 digest of a signed order, independent of its
// signature. Two orders with equal hashes are the same order to the
// exchange.
func Hash(chainID int64, negRisk bool, o *types.SignedOrder) (common.Hash, error) {
	typedData, err := orderTypedData(chainID, negRisk, o)
	if err != nil {
		return common.Hash{}, err
	}
	return auth.TypedDataHash(typedData)
}

func orderTypedData(chainID int64, negRisk bool, o *types.SignedOrder) (apitypes.TypedData, error) {
	exchange, err := ExchangeAddress(chainID, negRisk)
	if err != nil {
		return apitypes.TypedData{}, err
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           ethmath.NewHexOrDecimal256(chainID),
			VerifyingContract: exchange.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":          o.Salt,
			"maker":         o.Maker,
			"signer":        o.Signer,
			"taker":         o.Taker,
			"tokenId":       o.TokenID,
			"makerAmount":   o.MakerAmount,
			"takerAmount":   o.TakerAmount,
			"expiration":    o.Expiration,
			"nonce":         o.Nonce,
			"feeRateBps":    o.FeeRateBps,
			"side":          strconv.Itoa(o.Side),
			"signatureType": strconv.Itoa(int(o.SignatureType)),
		},
	}, nil
}
