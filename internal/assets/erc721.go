package assets

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
	ErrInvalidPrivateKey = errors.New("assets: invalid private key")
	ErrRPCConnection     = errors.New("assets: RPC connection failed")
	ErrInvalidAssetID    = errors.New("assets: asset ID must be an unsigned integer")
)

// ERC721 minimal ABI: ownership/approval reads plus transferFrom.
const erc721ABI = `[
	{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"ownerOf","outputs":[{"name":"","type":"address"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"getApproved","outputs":[{"name":"","type":"address"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],"name":"isApprovedForAll","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"name":"transferFrom","outputs":[],"type":"function"}
]`

// DefaultGasLimit for ERC721 transfers when estimation fails.
const DefaultGasLimit = uint64(150000)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// ChainConfig for creating a chain-backed custodian.
type ChainConfig struct {
	RPCURL     string
	PrivateKey string // hex, with or without 0x prefix
	ChainID    int64
}

// ChainOption configures the chain custodian.
type ChainOption func(*ChainCustodian)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) ChainOption {
	return func(c *ChainCustodian) { c.client = client }
}

// ChainCustodian verifies and executes asset custody against ERC721
// contracts over an Ethereum RPC. Its signing address is the operator
// sellers must approve.
type ChainCustodian struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	erc721     abi.ABI
}

// NewChainCustodian creates a chain-backed custodian.
func NewChainCustodian(cfg ChainConfig, opts ...ChainOption) (*ChainCustodian, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}
	parsedABI, err := abi.JSON(strings.NewReader(erc721ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC721 ABI: %w", err)
	}

	c := &ChainCustodian{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		erc721:     parsedABI,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}
	return c, nil
}

// Address returns the operator address sellers approve.
func (c *ChainCustodian) Address() string {
	return strings.ToLower(c.address.Hex())
}

// Authorize implements Custodian with read-only registry calls.
func (c *ChainCustodian) Authorize(ctx context.Context, seller string, asset Ref) error {
	tokenID, ok := new(big.Int).SetString(asset.ID, 10)
	if !ok {
		return ErrInvalidAssetID
	}
	contract := common.HexToAddress(asset.Contract)
	sellerAddr := common.HexToAddress(seller)

	owner, err := c.callAddress(ctx, contract, "ownerOf", tokenID)
	if err != nil {
		return fmt.Errorf("ownerOf: %w", err)
	}
	if owner != sellerAddr {
		return ErrNotOwner
	}

	approved, err := c.callAddress(ctx, contract, "getApproved", tokenID)
	if err != nil {
		return fmt.Errorf("getApproved: %w", err)
	}
	if approved == c.address {
		return nil
	}

	data, err := c.erc721.Pack("isApprovedForAll", sellerAddr, c.address)
	if err != nil {
		return fmt.Errorf("pack isApprovedForAll: %w", err)
	}
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("isApprovedForAll: %w", err)
	}
	if new(big.Int).SetBytes(result).Sign() == 0 {
		return ErrNotApproved
	}
	return nil
}

// Transfer implements Custodian: re-verifies the grant, then submits the
// transferFrom transaction.
func (c *ChainCustodian) Transfer(ctx context.Context, asset Ref, from, to string) error {
	if err := c.Authorize(ctx, from, asset); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferDenied, err)
	}
	tokenID, ok := new(big.Int).SetString(asset.ID, 10)
	if !ok {
		return ErrInvalidAssetID
	}
	contract := common.HexToAddress(asset.Contract)

	data, err := c.erc721.Pack("transferFrom", common.HexToAddress(from), common.HexToAddress(to), tokenID)
	if err != nil {
		return fmt.Errorf("pack transferFrom: %w", err)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("gas price: %w", err)
	}
	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := ethtypes.NewTransaction(nonce, contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return fmt.Errorf("send (tx %s): %w", signedTx.Hash().Hex(), err)
	}
	return nil
}

func (c *ChainCustodian) callAddress(ctx context.Context, contract common.Address, method string, args ...interface{}) (common.Address, error) {
	data, err := c.erc721.Pack(method, args...)
	if err != nil {
		return common.Address{}, fmt.Errorf("pack %s: %w", method, err)
	}
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return common.Address{}, err
	}
	if len(result) < 32 {
		return common.Address{}, fmt.Errorf("%s: short return data", method)
	}
	return common.BytesToAddress(result[12:32]), nil
}

// Close releases the underlying RPC connection.
func (c *ChainCustodian) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// Compile-time assertion that ChainCustodian implements Custodian.
var _ Custodian = (*ChainCustodian)(nil)
