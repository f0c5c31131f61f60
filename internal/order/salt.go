package order

import (
	"crypto/rand"
	"crypto/sha256"
	"math/big"

	"polyclob/internal/clierr"
)

// GenerateSalt returns a cryptographically random 256-bit salt.
func GenerateSalt() (*big.Int, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, clierr.Wrap(clierr.KindValidation, "generate_salt", err)
	}
	return new(big.Int).SetBytes(buf[:]), nil
}

// DeterministicSalt derives the salt from an idempotency key. Rebuilding
// an order under the same key yields the same salt and therefore the
// same order hash, so a retry after a transport failure cannot create a
// duplicate order.
func DeterministicSalt(key string) *big.Int {
	sum := sha256.Sum256([]byte(key))
	return new(big.Int).SetBytes(sum[:])
}
