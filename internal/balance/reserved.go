// Package balance tracks USD notional committed to in-flight BUY orders
// per wallet. The trading layer reserves before submission and releases
// on fill, cancel, or submission failure, so pre-flight checks see
// collateral minus what is already spoken for.
package balance

import (
	"sync"

	"github.com/shopspring/decimal"

	"polyclob/internal/clierr"
)

// Reserved is the per-wallet reservation ledger.
type Reserved struct {
	mu      sync.Mutex
	amounts map[string]decimal.Decimal
}

func NewReserved() *Reserved {
	return &Reserved{amounts: make(map[string]decimal.Decimal)}
}

// Reserve commits amount against a wallet.
func (r *Reserved) Reserve(walletID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return clierr.New(clierr.KindBalance, "reserve", "cannot reserve negative amount %s", amount)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.amounts[walletID] = r.amounts[walletID].Add(amount)
	return nil
}

// Release returns amount to a wallet. Releasing more than is reserved is
// an upstream bookkeeping bug and fails loudly rather than clamping to
// zero; the ledger is left untouched.
func (r *Reserved) Release(walletID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return clierr.New(clierr.KindBalance, "release", "cannot release negative amount %s", amount)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.amounts[walletID]
	if amount.GreaterThan(current) {
		return clierr.New(clierr.KindBalance, "release",
			"release %s exceeds reserved %s for wallet %q", amount, current, walletID)
	}

	remaining := current.Sub(amount)
	if remaining.IsZero() {
		delete(r.amounts, walletID)
	} else {
		r.amounts[walletID] = remaining
	}
	return nil
}

// Get returns the amount currently reserved for a wallet.
func (r *Reserved) Get(walletID string) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.amounts[walletID]
}

// Clear drops a wallet's reservation entirely (wallet removal).
func (r *Reserved) Clear(walletID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.amounts, walletID)
}
