package token

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
)

const (
	tokenA  = "0xaaaa000000000000000000000000000000000001"
	tokenB  = "0xbbbb000000000000000000000000000000000002"
	alice   = "0x1111111111111111111111111111111111111111"
	bob     = "0x2222222222222222222222222222222222222222"
	spender = "0x00000000000000000000000000000000000c0de1"
)

func TestMemoryRegistry_MintAndBalance(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	reg.Mint(tokenA, alice, big.NewInt(1000))
	reg.Mint(tokenA, alice, big.NewInt(500)) // mint accumulates

	got, err := reg.BalanceOf(ctx, tokenA, alice)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cmp(big.NewInt(1500)) != 0 {
		t.Errorf("balance = %s, want 1500", got)
	}

	// Other token and other owner stay zero.
	if got, _ := reg.BalanceOf(ctx, tokenB, alice); got.Sign() != 0 {
		t.Errorf("tokenB balance = %s", got)
	}
	if got, _ := reg.BalanceOf(ctx, tokenA, bob); got.Sign() != 0 {
		t.Errorf("bob balance = %s", got)
	}
}

func TestMemoryRegistry_AddressesCaseInsensitive(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	reg.Mint("0xAAAA000000000000000000000000000000000001", "0x1111111111111111111111111111111111111111", big.NewInt(10))
	got, _ := reg.BalanceOf(ctx, tokenA, "0x1111111111111111111111111111111111111111")
	if got.Cmp(big.NewInt(10)) != 0 {
		t.Errorf("balance = %s, want 10", got)
	}
}

func TestMemoryRegistry_ApproveAndTransferFrom(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	reg.Mint(tokenA, alice, big.NewInt(1000))

	// No allowance yet
	err := reg.TransferFrom(ctx, tokenA, alice, spender, big.NewInt(100))
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("err = %v, want ErrInsufficientAllowance", err)
	}

	if err := reg.Approve(ctx, tokenA, alice, spender, big.NewInt(300)); err != nil {
		t.Fatal(err)
	}
	if err := reg.TransferFrom(ctx, tokenA, alice, spender, big.NewInt(100)); err != nil {
		t.Fatalf("pull: %v", err)
	}

	// Allowance is consumed by the pull.
	a, _ := reg.Allowance(ctx, tokenA, alice, spender)
	if a.Cmp(big.NewInt(200)) != 0 {
		t.Errorf("remaining allowance = %s, want 200", a)
	}

	// Pull beyond remaining allowance fails even with sufficient balance.
	err = reg.TransferFrom(ctx, tokenA, alice, spender, big.NewInt(201))
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("err = %v, want ErrInsufficientAllowance", err)
	}

	got, _ := reg.BalanceOf(ctx, tokenA, spender)
	if got.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("spender balance = %s, want 100", got)
	}
}

func TestMemoryRegistry_ApproveReplacesNotAccumulates(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	_ = reg.Approve(ctx, tokenA, alice, spender, big.NewInt(100))
	_ = reg.Approve(ctx, tokenA, alice, spender, big.NewInt(40))

	a, _ := reg.Allowance(ctx, tokenA, alice, spender)
	if a.Cmp(big.NewInt(40)) != 0 {
		t.Errorf("allowance = %s, want 40", a)
	}

	// Zero approval revokes.
	_ = reg.Approve(ctx, tokenA, alice, spender, big.NewInt(0))
	a, _ = reg.Allowance(ctx, tokenA, alice, spender)
	if a.Sign() != 0 {
		t.Errorf("allowance = %s after revoke", a)
	}
}

func TestMemoryRegistry_TransferFromRequiresBalance(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	// Allowance exceeds balance: the pull must fail on balance, leaving the
	// allowance intact.
	reg.Mint(tokenA, alice, big.NewInt(50))
	_ = reg.Approve(ctx, tokenA, alice, spender, big.NewInt(100))

	err := reg.TransferFrom(ctx, tokenA, alice, spender, big.NewInt(80))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	a, _ := reg.Allowance(ctx, tokenA, alice, spender)
	if a.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("allowance = %s after failed pull, want 100", a)
	}
}

func TestMemoryRegistry_Transfer(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	reg.Mint(tokenA, alice, big.NewInt(100))

	if err := reg.Transfer(ctx, tokenA, alice, bob, big.NewInt(60)); err != nil {
		t.Fatal(err)
	}
	got, _ := reg.BalanceOf(ctx, tokenA, bob)
	if got.Cmp(big.NewInt(60)) != 0 {
		t.Errorf("bob = %s, want 60", got)
	}

	if err := reg.Transfer(ctx, tokenA, alice, bob, big.NewInt(41)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("overdraft err = %v", err)
	}
	if err := reg.Transfer(ctx, tokenA, alice, bob, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero transfer err = %v", err)
	}
	if err := reg.Transfer(ctx, tokenA, alice, bob, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("nil transfer err = %v", err)
	}
}

func TestMemoryRegistry_ConcurrentPullsNeverOverdraw(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	reg.Mint(tokenA, alice, big.NewInt(10))
	_ = reg.Approve(ctx, tokenA, alice, spender, big.NewInt(1000))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := reg.TransferFrom(ctx, tokenA, alice, spender, big.NewInt(1)); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("succeeded = %d, want 10", succeeded)
	}
	got, _ := reg.BalanceOf(ctx, tokenA, alice)
	if got.Sign() != 0 {
		t.Errorf("alice balance = %s, want 0", got)
	}
}
