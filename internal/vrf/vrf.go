// Package vrf talks to the randomness-subscription manager contract.
//
// Escrow creation fires a random-words request at the manager; the request is
// best-effort and has no bearing on escrow state. The manager's subscription
// is kept funded through the owner-only top-up endpoint.
package vrf

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

	"github.com/tokenbay/nftescrow/internal/logging"
)

var (
	ErrInvalidPrivateKey = errors.New("vrf: invalid private key")
	ErrRPCConnection     = errors.New("vrf: RPC connection failed")
	ErrInvalidAmount     = errors.New("vrf: invalid top-up amount")
)

// Minimal manager ABI: request plus subscription top-up.
const managerABI = `[
	{"inputs":[],"name":"requestRandomWords","outputs":[{"name":"requestId","type":"uint256"}],"type":"function"},
	{"inputs":[],"name":"topUpSubscription","outputs":[],"stateMutability":"payable","type":"function"}
]`

// DefaultGasLimit for manager calls when estimation fails.
const DefaultGasLimit = uint64(200000)

// Requester issues fire-and-forget randomness requests.
type Requester interface {
	Request(ctx context.Context, reference string) error
}

// NoopRequester satisfies Requester without a chain connection. Used in
// demo/development mode.
type NoopRequester struct{}

func (NoopRequester) Request(ctx context.Context, reference string) error { return nil }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	Close()
}

// Config for creating a chain-backed manager client.
type Config struct {
	RPCURL     string
	PrivateKey string // hex, with or without 0x prefix
	ChainID    int64
	Manager    string // manager contract address
}

// Option configures the manager client.
type Option func(*Manager)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(m *Manager) { m.client = client }
}

// Manager sends signed transactions to the randomness manager contract.
type Manager struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	manager    common.Address
	abi        abi.ABI
}

// New creates a chain-backed manager client.
func New(cfg Config, opts ...Option) (*Manager, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}
	parsedABI, err := abi.JSON(strings.NewReader(managerABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse manager ABI: %w", err)
	}

	m := &Manager{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		manager:    common.HexToAddress(cfg.Manager),
		abi:        parsedABI,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		m.client = client
	}
	return m, nil
}

// Request asks the manager for random words. reference is a caller-side
// correlation tag; it only appears in logs.
func (m *Manager) Request(ctx context.Context, reference string) error {
	data, err := m.abi.Pack("requestRandomWords")
	if err != nil {
		return fmt.Errorf("pack requestRandomWords: %w", err)
	}
	if err := m.send(ctx, data, big.NewInt(0)); err != nil {
		return err
	}
	logging.L(ctx).Debug("randomness requested", "reference", reference)
	return nil
}

// TopUpSubscription funds the manager's randomness subscription with native
// value.
func (m *Manager) TopUpSubscription(ctx context.Context, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	data, err := m.abi.Pack("topUpSubscription")
	if err != nil {
		return fmt.Errorf("pack topUpSubscription: %w", err)
	}
	return m.send(ctx, data, amount)
}

func (m *Manager) send(ctx context.Context, data []byte, value *big.Int) error {
	nonce, err := m.client.PendingNonceAt(ctx, m.address)
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := m.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("gas price: %w", err)
	}
	gasLimit, err := m.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  m.address,
		To:    &m.manager,
		Value: value,
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := ethtypes.NewTransaction(nonce, m.manager, value, gasLimit, gasPrice, data)
	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(m.chainID), m.privateKey)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	if err := m.client.SendTransaction(ctx, signedTx); err != nil {
		return fmt.Errorf("send (tx %s): %w", signedTx.Hash().Hex(), err)
	}
	return nil
}

// Close releases the underlying RPC connection.
func (m *Manager) Close() error {
	if m.client != nil {
		m.client.Close()
	}
	return nil
}

// Compile-time assertion that Manager implements Requester.
var _ Requester = (*Manager)(nil)
