// Package ctf is the on-chain settlement layer for conditional tokens:
// ERC1155 approvals, split/merge between collateral and outcome tokens,
// neg-risk NO→YES conversion, and redemption of resolved positions.
// The Settlement interface is what the rest of the client programs
// against; Adapter implements it over an Ethereum JSON-RPC backend.
package ctf

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"polyclob/internal/auth"
	"polyclob/internal/clierr"
)

// Well-known Polygon mainnet contract addresses.
var (
	PolygonCTF            = common.HexToAddress("0x4D97DCd97eC945f40cF65F87097ACe5EA0476045")
	PolygonNegRiskAdapter = common.HexToAddress("0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296")
	PolygonUSDC           = common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
)

// Settlement covers every on-chain operation the client needs. All
// mutating calls return the transaction hash after the receipt confirms.
type Settlement interface {
	// IsApprovedForAll reports whether operator may move owner's
	// conditional tokens.
	IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error)

	// SetApprovalForAll grants or revokes an operator.
	SetApprovalForAll(ctx context.Context, creds *auth.Credentials, operator common.Address, approved bool) (common.Hash, error)

	// SplitPosition converts collateral into a full YES+NO set.
	SplitPosition(ctx context.Context, creds *auth.Credentials, conditionID common.Hash, amount decimal.Decimal) (common.Hash, error)

	// MergePositions converts a full YES+NO set back into collateral.
	MergePositions(ctx context.Context, creds *auth.Credentials, conditionID common.Hash, amount decimal.Decimal) (common.Hash, error)

	// ConvertPositions turns k NO tokens in a neg-risk market into
	// amount*(k-1) collateral plus YES tokens on the complement.
	ConvertPositions(ctx context.Context, creds *auth.Credentials, marketID common.Hash, indexSet *big.Int, amount decimal.Decimal) (common.Hash, error)

	// RedeemPositions claims collateral for winning outcome tokens.
	RedeemPositions(ctx context.Context, creds *auth.Credentials, conditionID common.Hash, indexSets []*big.Int) (common.Hash, error)
}

// maxOutcomeIndex bounds outcome indices in an index set.
const maxOutcomeIndex = 255

// IndexSetFromOutcomes builds the uint256 bitmask selecting outcome
// indices. Indices must be unique and within [0, 255].
func IndexSetFromOutcomes(outcomes []int) (*big.Int, error) {
	if len(outcomes) == 0 {
		return nil, clierr.New(clierr.KindValidation, "index_set", "at least one outcome is required")
	}

	set := new(big.Int)
	for _, idx := range outcomes {
		if idx < 0 || idx > maxOutcomeIndex {
			return nil, clierr.New(clierr.KindValidation, "index_set", "outcome index %d outside [0, 255]", idx)
		}
		if set.Bit(idx) == 1 {
			return nil, clierr.New(clierr.KindValidation, "index_set", "duplicate outcome index %d", idx)
		}
		set.SetBit(set, idx, 1)
	}
	return set, nil
}

// OutcomeCount returns the number of outcomes selected by an index set.
func OutcomeCount(indexSet *big.Int) int {
	count := 0
	for i := 0; i <= maxOutcomeIndex; i++ {
		if indexSet.Bit(i) == 1 {
			count++
		}
	}
	return count
}

// ConvertReturn computes the collateral released when converting k NO
// positions of the given per-position amount: amount * (k - 1). A
// single NO position converts to YES only, releasing no collateral.
func ConvertReturn(amount decimal.Decimal, k int) (decimal.Decimal, error) {
	if k < 1 {
		return decimal.Zero, clierr.New(clierr.KindValidation, "convert_return", "need at least one NO position, got %d", k)
	}
	if amount.IsNegative() {
		return decimal.Zero, clierr.New(clierr.KindValidation, "convert_return", "amount must not be negative")
	}
	return amount.Mul(decimal.NewFromInt(int64(k - 1))), nil
}
