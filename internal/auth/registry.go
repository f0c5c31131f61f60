package auth

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"polyclob/internal/clierr"
	"polyclob/pkg/types"
)

// Credentials is one wallet's signing material plus its derived L2 API
// triple. The private key and API secrets are unexported and excluded
// from every string representation.
type Credentials struct {
	Address       common.Address // signer address, always derived from the key
	Funder        common.Address // funding wallet; == Address for EOA
	SignatureType types.SignatureType

	privateKey    *ecdsa.PrivateKey
	apiKey        string
	apiSecret     string
	apiPassphrase string
}

// NewCredentials validates and normalizes a private key and derives the
// signer address. For proxy signature types the caller-supplied address
// becomes the funder; the signer is always the key's address.
func NewCredentials(privateKeyHex string, sigType types.SignatureType, funderAddress string) (*Credentials, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		// deliberately not wrapping: the cause could echo key bytes
		return nil, clierr.New(clierr.KindAuth, "new_credentials", "invalid private key")
	}

	address := crypto.PubkeyToAddress(key.PublicKey)
	funder := address
	if sigType != types.SigEOA {
		if funderAddress == "" {
			return nil, clierr.New(clierr.KindAuth, "new_credentials",
				"funder address is required for signature type %d", sigType)
		}
		if !common.IsHexAddress(funderAddress) {
			return nil, clierr.New(clierr.KindAuth, "new_credentials", "funder address is not a valid address")
		}
		funder = common.HexToAddress(funderAddress)
	}

	return &Credentials{
		Address:       address,
		Funder:        funder,
		SignatureType: sigType,
		privateKey:    key,
	}, nil
}

// PrivateKey exposes the signing key to the order builder. Never log it.
func (c *Credentials) PrivateKey() *ecdsa.PrivateKey { return c.privateKey }

// APIKey returns the wallet's API key ("" when not yet derived).
func (c *Credentials) APIKey() string { return c.apiKey }

// SetAPICredentials stores the derived-or-minted L2 triple.
func (c *Credentials) SetAPICredentials(key, secret, passphrase string) {
	c.apiKey = key
	c.apiSecret = secret
	c.apiPassphrase = passphrase
}

// HasAPICredentials reports whether the L2 triple is populated.
func (c *Credentials) HasAPICredentials() bool {
	return c.apiKey != "" && c.apiSecret != "" && c.apiPassphrase != ""
}

// String deliberately exposes only public fields.
func (c *Credentials) String() string {
	return fmt.Sprintf("Credentials{address: %s, funder: %s, signature_type: %d}",
		c.Address.Hex(), c.Funder.Hex(), c.SignatureType)
}

// GoString matches String so %#v cannot leak secrets either.
func (c *Credentials) GoString() string { return c.String() }

// WSAuth returns the auth payload for the authenticated WebSocket channel.
func (c *Credentials) WSAuth() *types.WSAuth {
	return &types.WSAuth{APIKey: c.apiKey}
}

// Registry is the thread-safe mapping of wallet ID to credentials. The
// first wallet added becomes the default until removed.
type Registry struct {
	mu        sync.Mutex
	wallets   map[string]*Credentials
	defaultID string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{wallets: make(map[string]*Credentials)}
}

// Add registers a wallet under id, refusing duplicates.
func (r *Registry) Add(id string, creds *Credentials) error {
	if id == "" || creds == nil {
		return clierr.New(clierr.KindValidation, "registry_add", "wallet id and credentials are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.wallets[id]; exists {
		return clierr.New(clierr.KindValidation, "registry_add", "wallet %q already registered", id)
	}
	r.wallets[id] = creds
	if r.defaultID == "" {
		r.defaultID = id
	}
	return nil
}

// Get resolves a wallet by ID; the empty ID resolves the default wallet.
func (r *Registry) Get(id string) (*Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		id = r.defaultID
	}
	creds, ok := r.wallets[id]
	if !ok {
		return nil, clierr.New(clierr.KindAuth, "registry_get", "wallet %q is not registered", id)
	}
	return creds, nil
}

// Remove deletes a wallet. Removing the default promotes an arbitrary
// remaining wallet to default.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.wallets[id]; !ok {
		return clierr.New(clierr.KindValidation, "registry_remove", "wallet %q is not registered", id)
	}
	delete(r.wallets, id)
	if r.defaultID == id {
		r.defaultID = ""
		for other := range r.wallets {
			r.defaultID = other
			break
		}
	}
	return nil
}

// IDs returns the registered wallet IDs.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.wallets))
	for id := range r.wallets {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of registered wallets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.wallets)
}

// Close drops every wallet and its key material.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wallets = make(map[string]*Credentials)
	r.defaultID = ""
}
