package token

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrInvalidPrivateKey = errors.New("token: invalid private key")
	ErrRPCConnection     = errors.New("token: RPC connection failed")
	ErrExternalApproval  = errors.New("token: approvals are granted by holders on-chain, not through this service")
	ErrNotCustodySigner  = errors.New("token: chain registry can only transfer from its own custody address")
)

// ERC20 minimal ABI for the allowance model plus transfers.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// DefaultGasLimit for ERC20 transfers when estimation fails.
const DefaultGasLimit = uint64(100000)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// ChainConfig for creating a chain-backed token registry.
type ChainConfig struct {
	RPCURL     string
	PrivateKey string // hex, with or without 0x prefix
	ChainID    int64
}

// ChainOption configures the chain registry.
type ChainOption func(*ChainRegistry)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) ChainOption {
	return func(r *ChainRegistry) { r.client = client }
}

// ChainRegistry speaks the minimal ERC20 interface over an Ethereum RPC.
// Reads work for any owner; writes are signed with the custody key, so
// Transfer/TransferFrom only move funds the custody address controls.
type ChainRegistry struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	erc20      abi.ABI
}

// NewChainRegistry creates a chain-backed token registry.
func NewChainRegistry(cfg ChainConfig, opts ...ChainOption) (*ChainRegistry, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	r := &ChainRegistry{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		erc20:      parsedABI,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		r.client = client
	}
	return r, nil
}

// Address returns the custody signing address.
func (r *ChainRegistry) Address() string {
	return strings.ToLower(r.address.Hex())
}

func (r *ChainRegistry) BalanceOf(ctx context.Context, tokenRef, owner string) (*big.Int, error) {
	return r.callUint(ctx, tokenRef, "balanceOf", common.HexToAddress(owner))
}

func (r *ChainRegistry) Allowance(ctx context.Context, tokenRef, owner, spender string) (*big.Int, error) {
	return r.callUint(ctx, tokenRef, "allowance", common.HexToAddress(owner), common.HexToAddress(spender))
}

// Approve always fails: a holder grants the custody allowance by calling
// approve on the token contract from their own wallet.
func (r *ChainRegistry) Approve(ctx context.Context, tokenRef, owner, spender string, amount *big.Int) error {
	return ErrExternalApproval
}

// TransferFrom pulls approved funds into the custody address.
func (r *ChainRegistry) TransferFrom(ctx context.Context, tokenRef, from, to string, amount *big.Int) error {
	if !strings.EqualFold(to, r.address.Hex()) {
		return ErrNotCustodySigner
	}
	data, err := r.erc20.Pack("transferFrom", common.HexToAddress(from), common.HexToAddress(to), amount)
	if err != nil {
		return fmt.Errorf("pack transferFrom: %w", err)
	}
	return r.send(ctx, tokenRef, data)
}

// Transfer moves funds out of the custody address.
func (r *ChainRegistry) Transfer(ctx context.Context, tokenRef, from, to string, amount *big.Int) error {
	if !strings.EqualFold(from, r.address.Hex()) {
		return ErrNotCustodySigner
	}
	data, err := r.erc20.Pack("transfer", common.HexToAddress(to), amount)
	if err != nil {
		return fmt.Errorf("pack transfer: %w", err)
	}
	return r.send(ctx, tokenRef, data)
}

func (r *ChainRegistry) callUint(ctx context.Context, tokenRef, method string, args ...interface{}) (*big.Int, error) {
	data, err := r.erc20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	contract := common.HexToAddress(tokenRef)
	result, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return new(big.Int).SetBytes(result), nil
}

func (r *ChainRegistry) send(ctx context.Context, tokenRef string, data []byte) error {
	contract := common.HexToAddress(tokenRef)

	nonce, err := r.client.PendingNonceAt(ctx, r.address)
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("gas price: %w", err)
	}
	gasLimit, err := r.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  r.address,
		To:    &contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := ethtypes.NewTransaction(nonce, contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(r.chainID), r.privateKey)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	if err := r.client.SendTransaction(ctx, signedTx); err != nil {
		return fmt.Errorf("send (tx %s): %w", signedTx.Hash().Hex(), err)
	}
	return nil
}

// Close releases the underlying RPC connection.
func (r *ChainRegistry) Close() error {
	if r.client != nil {
		r.client.Close()
	}
	return nil
}

// Compile-time assertion that ChainRegistry implements Registry.
var _ Registry = (*ChainRegistry)(nil)
