// Package numeric centralizes monetary arithmetic. Every price, size,
// balance and PnL figure in the client is a shopspring decimal; this
// package owns the conversion and quantization rules so rounding behaviour
// is identical everywhere.
//
// Rounding mode is half-up throughout. Floats are routed through their
// shortest string representation before parsing so binary-precision
// artefacts (0.1+0.2 style) never reach order amounts.
package numeric

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"
)

// WeiDecimals is the scale of both USDC collateral and CTF outcome tokens.
const WeiDecimals = 6

var (
	// PriceStep is the default price quantum when no tick size is known.
	PriceStep = decimal.RequireFromString("0.01")
	// SizeStep is the size quantum.
	SizeStep = decimal.RequireFromString("0.01")
)

// ToDecimal converts heterogeneous input to a decimal. Strings are parsed
// directly, integers are exact, and floats go through strconv first.
func ToDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case string:
		d, err := decimal.NewFromString(x)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse decimal %q: %w", x, err)
		}
		return d, nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case float64:
		d, err := decimal.NewFromString(strconv.FormatFloat(x, 'f', -1, 64))
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse float %v: %w", x, err)
		}
		return d, nil
	case *big.Int:
		return decimal.NewFromBigInt(x, 0), nil
	case nil:
		return decimal.Zero, fmt.Errorf("nil decimal input")
	default:
		return decimal.Zero, fmt.Errorf("unsupported decimal input type %T", v)
	}
}

// ToDecimalOr converts like ToDecimal but falls back to def on failure.
func ToDecimalOr(v any, def decimal.Decimal) decimal.Decimal {
	d, err := ToDecimal(v)
	if err != nil {
		return def
	}
	return d
}

// ToWei converts a decimal amount to 6-decimal integer wei, rounding
// half-up. The multiplication happens in decimal space, never via float.
func ToWei(d decimal.Decimal) *big.Int {
	return d.Shift(WeiDecimals).Round(0).BigInt()
}

// FromWei converts 6-decimal integer wei back to a decimal amount.
func FromWei(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -WeiDecimals)
}

// QuantizeToStep rounds d half-up to the nearest multiple of step.
func QuantizeToStep(d, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return d
	}
	return d.Div(step).Round(0).Mul(step)
}

// QuantizePrice rounds a price to the given tick size (PriceStep when the
// tick is zero).
func QuantizePrice(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		tick = PriceStep
	}
	return QuantizeToStep(price, tick)
}

// QuantizeSize rounds a size to the size quantum.
func QuantizeSize(size decimal.Decimal) decimal.Decimal {
	return QuantizeToStep(size, SizeStep)
}

// IsMultipleOf reports whether d is an exact multiple of step.
func IsMultipleOf(d, step decimal.Decimal) bool {
	if step.IsZero() {
		return false
	}
	return d.Mod(step).IsZero()
}
