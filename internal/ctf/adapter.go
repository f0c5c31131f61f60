package ctf

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"polyclob/internal/auth"
	"polyclob/internal/clierr"
	"polyclob/internal/numeric"
)

// Backend is the JSON-RPC surface the adapter needs; *ethclient.Client
// satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

const conditionalTokensABI = `[
  {"type":"function","name":"splitPosition","inputs":[{"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},{"name":"conditionId","type":"bytes32"},{"name":"partition","type":"uint256[]"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"mergePositions","inputs":[{"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},{"name":"conditionId","type":"bytes32"},{"name":"partition","type":"uint256[]"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"redeemPositions","inputs":[{"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},{"name":"conditionId","type":"bytes32"},{"name":"indexSets","type":"uint256[]"}],"outputs":[]},
  {"type":"function","name":"setApprovalForAll","inputs":[{"name":"operator","type":"address"},{"name":"approved","type":"bool"}],"outputs":[]},
  {"type":"function","name":"isApprovedForAll","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
]`

const negRiskAdapterABI = `[
  {"type":"function","name":"convertPositions","inputs":[{"name":"_marketId","type":"bytes32"},{"name":"_indexSet","type":"uint256"},{"name":"_amount","type":"uint256"}],"outputs":[]}
]`

// binaryPartition splits collateral into the YES (bit 0) and NO (bit 1)
// outcome slots of a binary market.
var binaryPartition = []*big.Int{big.NewInt(1), big.NewInt(2)}

const nonceRefresh = 30 * time.Second

// Config carries the chain and safety parameters for the adapter.
type Config struct {
	ChainID        int64
	CTF            common.Address
	NegRiskAdapter common.Address
	Collateral     common.Address
	GasPriceCap    *big.Int // hard reject above this
	GasPriceWarn   *big.Int // log a warning above this
	GasLimit       uint64
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// PolygonConfig returns production settings for Polygon mainnet.
func PolygonConfig() Config {
	gwei := big.NewInt(1_000_000_000)
	return Config{
		ChainID:        137,
		CTF:            PolygonCTF,
		NegRiskAdapter: PolygonNegRiskAdapter,
		Collateral:     PolygonUSDC,
		GasPriceCap:    new(big.Int).Mul(big.NewInt(1000), gwei),
		GasPriceWarn:   new(big.Int).Mul(big.NewInt(200), gwei),
		GasLimit:       500_000,
		ReceiptTimeout: 120 * time.Second,
		PollInterval:   2 * time.Second,
	}
}

type chainNonce struct {
	value   uint64
	fetched time.Time
}

// Adapter implements Settlement against a live chain.
type Adapter struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger

	ctfABI     abi.ABI
	negRiskABI abi.ABI

	checkMu      sync.Mutex
	chainChecked bool
	codeChecked  map[common.Address]bool

	nonceMu sync.Mutex
	nonces  map[common.Address]*chainNonce
}

func NewAdapter(backend Backend, cfg Config, logger *slog.Logger) (*Adapter, error) {
	ctfParsed, err := abi.JSON(strings.NewReader(conditionalTokensABI))
	if err != nil {
		return nil, clierr.Wrap(clierr.KindValidation, "ctf_abi", err)
	}
	negRiskParsed, err := abi.JSON(strings.NewReader(negRiskAdapterABI))
	if err != nil {
		return nil, clierr.Wrap(clierr.KindValidation, "neg_risk_abi", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 120 * time.Second
	}

	return &Adapter{
		backend:     backend,
		cfg:         cfg,
		logger:      logger.With("component", "ctf"),
		ctfABI:      ctfParsed,
		negRiskABI:  negRiskParsed,
		codeChecked: make(map[common.Address]bool),
		nonces:      make(map[common.Address]*chainNonce),
	}, nil
}

func (a *Adapter) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	data, err := a.ctfABI.Pack("isApprovedForAll", owner, operator)
	if err != nil {
		return false, clierr.Wrap(clierr.KindValidation, "is_approved", err)
	}

	out, err := a.backend.CallContract(ctx, ethereum.CallMsg{To: &a.cfg.CTF, Data: data}, nil)
	if err != nil {
		return false, clierr.Wrap(clierr.KindTransient, "is_approved", err)
	}
	values, err := a.ctfABI.Unpack("isApprovedForAll", out)
	if err != nil || len(values) != 1 {
		return false, clierr.New(clierr.KindAPI, "is_approved", "malformed contract response")
	}
	approved, ok := values[0].(bool)
	if !ok {
		return false, clierr.New(clierr.KindAPI, "is_approved", "malformed contract response")
	}
	return approved, nil
}

func (a *Adapter) SetApprovalForAll(ctx context.Context, creds *auth.Credentials, operator common.Address, approved bool) (common.Hash, error) {
	data, err := a.ctfABI.Pack("setApprovalForAll", operator, approved)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.KindValidation, "set_approval", err)
	}
	return a.transact(ctx, creds, a.cfg.CTF, data, "set_approval")
}

func (a *Adapter) SplitPosition(ctx context.Context, creds *auth.Credentials, conditionID common.Hash, amount decimal.Decimal) (common.Hash, error) {
	wei, err := positiveWei(amount, "split_position")
	if err != nil {
		return common.Hash{}, err
	}
	data, err := a.ctfABI.Pack("splitPosition", a.cfg.Collateral, [32]byte{}, conditionID, binaryPartition, wei)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.KindValidation, "split_position", err)
	}
	return a.transact(ctx, creds, a.cfg.CTF, data, "split_position")
}

func (a *Adapter) MergePositions(ctx context.Context, creds *auth.Credentials, conditionID common.Hash, amount decimal.Decimal) (common.Hash, error) {
	wei, err := positiveWei(amount, "merge_positions")
	if err != nil {
		return common.Hash{}, err
	}
	data, err := a.ctfABI.Pack("mergePositions", a.cfg.Collateral, [32]byte{}, conditionID, binaryPartition, wei)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.KindValidation, "merge_positions", err)
	}
	return a.transact(ctx, creds, a.cfg.CTF, data, "merge_positions")
}

func (a *Adapter) ConvertPositions(ctx context.Context, creds *auth.Credentials, marketID common.Hash, indexSet *big.Int, amount decimal.Decimal) (common.Hash, error) {
	if indexSet == nil || indexSet.Sign() <= 0 {
		return common.Hash{}, clierr.New(clierr.KindValidation, "convert_positions", "index set must select at least one outcome")
	}
	wei, err := positiveWei(amount, "convert_positions")
	if err != nil {
		return common.Hash{}, err
	}
	data, err := a.negRiskABI.Pack("convertPositions", marketID, indexSet, wei)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.KindValidation, "convert_positions", err)
	}
	return a.transact(ctx, creds, a.cfg.NegRiskAdapter, data, "convert_positions")
}

func (a *Adapter) RedeemPositions(ctx context.Context, creds *auth.Credentials, conditionID common.Hash, indexSets []*big.Int) (common.Hash, error) {
	if len(indexSets) == 0 {
		return common.Hash{}, clierr.New(clierr.KindValidation, "redeem_positions", "at least one index set is required")
	}
	data, err := a.ctfABI.Pack("redeemPositions", a.cfg.Collateral, [32]byte{}, conditionID, indexSets)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.KindValidation, "redeem_positions", err)
	}
	return a.transact(ctx, creds, a.cfg.CTF, data, "redeem_positions")
}

func positiveWei(amount decimal.Decimal, op string) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, clierr.New(clierr.KindValidation, op, "amount must be positive, got %s", amount)
	}
	return numeric.ToWei(amount), nil
}

// transact runs the shared safety pipeline: chain check, contract code
// check, gas guard, cached nonce, sign, send, receipt wait.
func (a *Adapter) transact(ctx context.Context, creds *auth.Credentials, to common.Address, data []byte, op string) (common.Hash, error) {
	if err := a.validateChain(ctx, op); err != nil {
		return common.Hash{}, err
	}
	if err := a.validateContract(ctx, to, op); err != nil {
		return common.Hash{}, err
	}

	gasPrice, err := a.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.KindTransient, op, err)
	}
	if a.cfg.GasPriceCap != nil && gasPrice.Cmp(a.cfg.GasPriceCap) > 0 {
		return common.Hash{}, clierr.New(clierr.KindValidation, op,
			"gas price %s wei exceeds cap %s wei", gasPrice, a.cfg.GasPriceCap)
	}
	if a.cfg.GasPriceWarn != nil && gasPrice.Cmp(a.cfg.GasPriceWarn) > 0 {
		a.logger.Warn("gas price above warning threshold", "op", op, "gas_price_wei", gasPrice.String())
	}

	nonce, err := a.nextNonce(ctx, creds.Address)
	if err != nil {
		return common.Hash{}, err
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      a.cfg.GasLimit,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     data,
	})

	signer := ethtypes.LatestSignerForChainID(big.NewInt(a.cfg.ChainID))
	signed, err := ethtypes.SignTx(tx, signer, creds.PrivateKey())
	if err != nil {
		// signing errors could reference key internals; keep the type only
		return common.Hash{}, clierr.New(clierr.KindAuth, op, "transaction signing failed (%T)", err)
	}

	if err := a.backend.SendTransaction(ctx, signed); err != nil {
		a.dropNonce(creds.Address)
		return common.Hash{}, clierr.Wrap(clierr.KindTransient, op, err)
	}

	if err := a.waitReceipt(ctx, signed, creds.Address, op); err != nil {
		return common.Hash{}, err
	}
	a.logger.Info("settlement transaction confirmed", "op", op, "tx", signed.Hash().Hex())
	return signed.Hash(), nil
}

func (a *Adapter) validateChain(ctx context.Context, op string) error {
	a.checkMu.Lock()
	defer a.checkMu.Unlock()
	if a.chainChecked {
		return nil
	}

	chainID, err := a.backend.ChainID(ctx)
	if err != nil {
		return clierr.Wrap(clierr.KindTransient, op, err)
	}
	if chainID.Int64() != a.cfg.ChainID {
		return clierr.New(clierr.KindValidation, op,
			"connected to chain %s, expected %d", chainID, a.cfg.ChainID)
	}
	a.chainChecked = true
	return nil
}

func (a *Adapter) validateContract(ctx context.Context, addr common.Address, op string) error {
	a.checkMu.Lock()
	if a.codeChecked[addr] {
		a.checkMu.Unlock()
		return nil
	}
	a.checkMu.Unlock()

	code, err := a.backend.CodeAt(ctx, addr, nil)
	if err != nil {
		return clierr.Wrap(clierr.KindTransient, op, err)
	}
	if len(code) == 0 {
		return clierr.New(clierr.KindValidation, op, "no contract code at %s", addr.Hex())
	}

	a.checkMu.Lock()
	a.codeChecked[addr] = true
	a.checkMu.Unlock()
	return nil
}

// nextNonce serves from the cache, refreshing from the chain when the
// entry is older than 30s, and increments locally per allocation.
func (a *Adapter) nextNonce(ctx context.Context, addr common.Address) (uint64, error) {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()

	entry := a.nonces[addr]
	if entry == nil || time.Since(entry.fetched) > nonceRefresh {
		pending, err := a.backend.PendingNonceAt(ctx, addr)
		if err != nil {
			return 0, clierr.Wrap(clierr.KindTransient, "chain_nonce", err)
		}
		entry = &chainNonce{value: pending, fetched: time.Now()}
		a.nonces[addr] = entry
	}

	n := entry.value
	entry.value++
	return n, nil
}

// dropNonce forgets the cached counter after a failed send so the next
// transaction re-syncs with the chain.
func (a *Adapter) dropNonce(addr common.Address) {
	a.nonceMu.Lock()
	delete(a.nonces, addr)
	a.nonceMu.Unlock()
}

// waitReceipt polls until the receipt lands or the timeout expires. A
// failed receipt is re-executed as a call at the same block to recover
// the revert reason.
func (a *Adapter) waitReceipt(ctx context.Context, tx *ethtypes.Transaction, from common.Address, op string) error {
	deadline := time.NewTimer(a.cfg.ReceiptTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := a.backend.TransactionReceipt(ctx, tx.Hash())
		if err == nil && receipt != nil {
			if receipt.Status == ethtypes.ReceiptStatusSuccessful {
				return nil
			}
			reason := a.revertReason(ctx, tx, from, receipt.BlockNumber)
			return clierr.New(clierr.KindAPI, op, "transaction %s reverted: %s", tx.Hash().Hex(), reason)
		}

		select {
		case <-ctx.Done():
			return clierr.Wrap(clierr.KindTimeout, op, ctx.Err())
		case <-deadline.C:
			return clierr.New(clierr.KindTimeout, op,
				"no receipt for %s within %s", tx.Hash().Hex(), a.cfg.ReceiptTimeout)
		case <-ticker.C:
		}
	}
}

func (a *Adapter) revertReason(ctx context.Context, tx *ethtypes.Transaction, from common.Address, blockNumber *big.Int) string {
	msg := ethereum.CallMsg{
		From:     from,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}
	if _, err := a.backend.CallContract(ctx, msg, blockNumber); err != nil {
		return err.Error()
	}
	return "execution reverted"
}
