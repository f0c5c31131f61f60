// Package auth implements the two layers of exchange authentication and
// the multi-wallet credential registry.
//
//   - L1 (EIP-712): signs a typed-data "ClobAuth" message with the wallet
//     key, proving ownership. Used to derive or mint L2 API credentials.
//
//   - L2 (HMAC-SHA256): signs "timestamp + METHOD + path + body" with the
//     derived API secret. Used on every trading request.
//
// Signing-path errors carry type information only; key material never
// appears in error text.
package auth

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"polyclob/internal/clierr"
)

// clobAuthMessage is the fixed attestation string of the ClobAuth struct.
const clobAuthMessage = "This message attests that I control the given wallet"

// L1Headers generates headers for L1-authenticated endpoints (API key
// derivation and minting).
func L1Headers(c *Credentials, chainID int64, nonce uint64) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := signClobAuth(c, chainID, timestamp, nonce)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"POLY_ADDRESS":   c.Address.Hex(),
		"POLY_SIGNATURE": sig,
		"POLY_TIMESTAMP": timestamp,
		"POLY_NONCE":     strconv.FormatUint(nonce, 10),
	}, nil
}

// L2Headers generates headers for L2-authenticated trading endpoints.
func L2Headers(c *Credentials, method, path, body string) (map[string]string, error) {
	if !c.HasAPICredentials() {
		return nil, clierr.New(clierr.KindAuth, "l2_headers", "wallet %s has no API credentials", c.Address.Hex())
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := BuildHMAC(c.apiSecret, timestamp, method, path, body)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"POLY_ADDRESS":    c.Address.Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  timestamp,
		"POLY_API_KEY":    c.apiKey,
		"POLY_PASSPHRASE": c.apiPassphrase,
	}, nil
}

// BuildHMAC computes the L2 signature: base64url(HMAC-SHA256(secret,
// timestamp + METHOD + path + body)). Single quotes in the body are
// normalized to double quotes so signatures match JSON serializers in
// other language clients.
func BuildHMAC(apiSecret, timestamp, method, path, body string) (string, error) {
	secret, err := decodeSecret(apiSecret)
	if err != nil {
		return "", err
	}

	message := timestamp + strings.ToUpper(method) + path
	if body != "" {
		message += strings.ReplaceAll(body, "'", `"`)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifyHMAC recomputes the L2 signature and compares in constant time.
func VerifyHMAC(apiSecret, timestamp, method, path, body, signature string) bool {
	want, err := BuildHMAC(apiSecret, timestamp, method, path, body)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(signature))
}

// decodeSecret tries the base64 variants the exchange has issued secrets
// in. The error never includes the secret itself.
func decodeSecret(apiSecret string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}
	for _, enc := range encodings {
		if b, err := enc.DecodeString(apiSecret); err == nil {
			return b, nil
		}
	}
	return nil, clierr.New(clierr.KindAuth, "decode_secret", "API secret is not valid base64")
}

// signClobAuth produces the EIP-712 signature for L1 authentication.
func signClobAuth(c *Credentials, chainID int64, timestamp string, nonce uint64) (string, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: ethmath.NewHexOrDecimal256(chainID),
		},
		Message: apitypes.TypedDataMessage{
			"address":   c.Address.Hex(),
			"timestamp": timestamp,
			"nonce":     strconv.FormatUint(nonce, 10),
			"message":   clobAuthMessage,
		},
	}

	sig, err := SignTypedData(c.privateKey, typedData)
	if err != nil {
		return "", err
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// SignTypedData signs EIP-712 typed data and adjusts V to 27/28.
func SignTypedData(key *ecdsa.PrivateKey, typedData apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, clierr.New(clierr.KindAuth, "sign_typed_data", "typed data hash failed: %s", sanitizeErr(err))
	}

	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, clierr.New(clierr.KindAuth, "sign_typed_data", "signature failed: %s", sanitizeErr(err))
	}

	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// TypedDataHash returns the final EIP-712 digest for typed data, used to
// compare order hashes independently of signing.
func TypedDataHash(typedData apitypes.TypedData) (common.Hash, error) {
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return common.Hash{}, clierr.New(clierr.KindAuth, "typed_data_hash", "typed data hash failed: %s", sanitizeErr(err))
	}
	return common.BytesToHash(hash), nil
}

// sanitizeErr reduces an error to its type name so signing failures can
// never echo key material into logs.
func sanitizeErr(err error) string {
	return fmt.Sprintf("%T", err)
}

// ChainIDParam converts a chain ID for EIP-712 domain use.
func ChainIDParam(chainID int64) *ethmath.HexOrDecimal256 {
	return (*ethmath.HexOrDecimal256)(big.NewInt(chainID))
}
