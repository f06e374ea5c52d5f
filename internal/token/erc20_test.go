package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Well-known throwaway key used by local dev chains.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// mockEthClient answers contract reads from a selector-keyed table and
// records every submitted transaction.
type mockEthClient struct {
	nonce       uint64
	estimateErr error
	sendErr     error
	reads       map[string][]byte // method selector (hex) -> return data
	lastRead    common.Address    // contract targeted by the last read
	sent        []*ethtypes.Transaction
	closed      bool
}

func (m *mockEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return m.nonce, nil
}

func (m *mockEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (m *mockEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if m.estimateErr != nil {
		return 0, m.estimateErr
	}
	return 60000, nil
}

func (m *mockEthClient) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, tx)
	return nil
}

func (m *mockEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if call.To != nil {
		m.lastRead = *call.To
	}
	sel := common.Bytes2Hex(call.Data[:4])
	out, ok := m.reads[sel]
	if !ok {
		return nil, fmt.Errorf("unexpected contract read %s", sel)
	}
	return out, nil
}

func (m *mockEthClient) Close() { m.closed = true }

func erc20Selector(t *testing.T, method string) string {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		t.Fatal(err)
	}
	return common.Bytes2Hex(parsed.Methods[method].ID)
}

func uintWord(n int64) []byte {
	return common.LeftPadBytes(big.NewInt(n).Bytes(), 32)
}

func newTestChainRegistry(t *testing.T, client *mockEthClient) *ChainRegistry {
	t.Helper()
	r, err := NewChainRegistry(ChainConfig{PrivateKey: testKey, ChainID: 1337}, WithClient(client))
	if err != nil {
		t.Fatalf("NewChainRegistry failed: %v", err)
	}
	return r
}

func TestChainRegistry_BalanceOf(t *testing.T) {
	client := &mockEthClient{reads: map[string][]byte{}}
	r := newTestChainRegistry(t, client)
	client.reads[erc20Selector(t, "balanceOf")] = uintWord(1500)

	got, err := r.BalanceOf(context.Background(), tokenA, alice)
	if err != nil {
		t.Fatalf("BalanceOf failed: %v", err)
	}
	if got.Cmp(big.NewInt(1500)) != 0 {
		t.Errorf("balance = %s, want 1500", got)
	}
	if client.lastRead != common.HexToAddress(tokenA) {
		t.Errorf("read targeted %s, want token contract", client.lastRead.Hex())
	}
}

func TestChainRegistry_Allowance(t *testing.T) {
	client := &mockEthClient{reads: map[string][]byte{}}
	r := newTestChainRegistry(t, client)
	client.reads[erc20Selector(t, "allowance")] = uintWord(250)

	got, err := r.Allowance(context.Background(), tokenA, alice, r.Address())
	if err != nil {
		t.Fatalf("Allowance failed: %v", err)
	}
	if got.Cmp(big.NewInt(250)) != 0 {
		t.Errorf("allowance = %s, want 250", got)
	}
}

func TestChainRegistry_ApproveIsExternal(t *testing.T) {
	r := newTestChainRegistry(t, &mockEthClient{})

	err := r.Approve(context.Background(), tokenA, alice, r.Address(), big.NewInt(100))
	if !errors.Is(err, ErrExternalApproval) {
		t.Fatalf("err = %v, want ErrExternalApproval", err)
	}
}

func TestChainRegistry_TransferFromPullsIntoCustody(t *testing.T) {
	client := &mockEthClient{nonce: 5}
	r := newTestChainRegistry(t, client)
	ctx := context.Background()

	// Pulls must land on the custody address.
	err := r.TransferFrom(ctx, tokenA, alice, bob, big.NewInt(100))
	if !errors.Is(err, ErrNotCustodySigner) {
		t.Fatalf("err = %v, want ErrNotCustodySigner", err)
	}
	if len(client.sent) != 0 {
		t.Fatalf("sent %d transactions, want none", len(client.sent))
	}

	if err := r.TransferFrom(ctx, tokenA, alice, r.Address(), big.NewInt(100)); err != nil {
		t.Fatalf("TransferFrom failed: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(client.sent))
	}

	tx := client.sent[0]
	if tx.To() == nil || *tx.To() != common.HexToAddress(tokenA) {
		t.Errorf("tx to = %v, want token contract", tx.To())
	}
	if tx.Nonce() != 5 {
		t.Errorf("nonce = %d, want 5", tx.Nonce())
	}
	if sel := common.Bytes2Hex(tx.Data()[:4]); sel != erc20Selector(t, "transferFrom") {
		t.Errorf("tx selector = %s, want transferFrom", sel)
	}
}

func TestChainRegistry_TransferOutOfCustodyOnly(t *testing.T) {
	client := &mockEthClient{}
	r := newTestChainRegistry(t, client)
	ctx := context.Background()

	err := r.Transfer(ctx, tokenA, alice, bob, big.NewInt(100))
	if !errors.Is(err, ErrNotCustodySigner) {
		t.Fatalf("err = %v, want ErrNotCustodySigner", err)
	}

	if err := r.Transfer(ctx, tokenA, r.Address(), bob, big.NewInt(100)); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(client.sent))
	}
	if sel := common.Bytes2Hex(client.sent[0].Data()[:4]); sel != erc20Selector(t, "transfer") {
		t.Errorf("tx selector = %s, want transfer", sel)
	}
}

func TestChainRegistry_EstimateGasFallback(t *testing.T) {
	client := &mockEthClient{estimateErr: errors.New("execution reverted")}
	r := newTestChainRegistry(t, client)

	if err := r.Transfer(context.Background(), tokenA, r.Address(), bob, big.NewInt(100)); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if got := client.sent[0].Gas(); got != DefaultGasLimit {
		t.Errorf("gas = %d, want DefaultGasLimit %d", got, DefaultGasLimit)
	}
}
