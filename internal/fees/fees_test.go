package fees

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/tokenbay/nftescrow/internal/payment"
	"github.com/tokenbay/nftescrow/internal/token"
)

const (
	custodyAddr = "0x00000000000000000000000000000000000c0de1"
	ownerAddr   = "0x9999999999999999999999999999999999999999"
	treasury    = "0x8888888888888888888888888888888888888888"
	tokenAddr   = "0xaaaa000000000000000000000000000000000001"
)

// fund credits custody with amount in the given medium so a withdrawal has
// something to pay out from.
func fund(t *testing.T, rail *payment.VaultRail, tokens *token.MemoryRegistry, m payment.Medium, amount int64) {
	t.Helper()
	payer := "0x1111111111111111111111111111111111111111"
	n := big.NewInt(amount)
	if !m.IsNative() {
		tokens.Mint(m.Token, payer, n)
		if err := tokens.Approve(context.Background(), m.Token, payer, custodyAddr, n); err != nil {
			t.Fatal(err)
		}
	}
	var attached *big.Int
	if m.IsNative() {
		attached = n
	}
	if _, err := rail.Deposit(context.Background(), m, payer, n, attached); err != nil {
		t.Fatalf("fund custody: %v", err)
	}
}

func newFeeFixture(t *testing.T) (*Service, *payment.VaultRail, *token.MemoryRegistry) {
	t.Helper()
	tokens := token.NewMemoryRegistry()
	rail := payment.NewVaultRail(custodyAddr, tokens)
	return NewService(NewMemoryStore(), rail, ownerAddr), rail, tokens
}

func TestAccrueAndBalance(t *testing.T) {
	svc, _, _ := newFeeFixture(t)
	ctx := context.Background()
	native := payment.Native()

	if err := svc.Accrue(ctx, native, big.NewInt(250)); err != nil {
		t.Fatal(err)
	}
	if err := svc.Accrue(ctx, native, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Balance(ctx, native)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cmp(big.NewInt(350)) != 0 {
		t.Errorf("balance = %s, want 350", got)
	}
}

func TestAccrueZeroIsNoop(t *testing.T) {
	svc, _, _ := newFeeFixture(t)
	ctx := context.Background()

	if err := svc.Accrue(ctx, payment.Native(), big.NewInt(0)); err != nil {
		t.Fatal(err)
	}
	if err := svc.Accrue(ctx, payment.Native(), nil); err != nil {
		t.Fatal(err)
	}

	balances, err := svc.Balances(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(balances) != 0 {
		t.Errorf("balances = %v, want empty", balances)
	}

	if err := svc.Accrue(ctx, payment.Native(), big.NewInt(-1)); !errors.Is(err, payment.ErrInvalidAmount) {
		t.Errorf("negative accrual err = %v", err)
	}
}

func TestBalancesKeyedByMedium(t *testing.T) {
	svc, _, _ := newFeeFixture(t)
	ctx := context.Background()

	_ = svc.Accrue(ctx, payment.Native(), big.NewInt(10))
	_ = svc.Accrue(ctx, payment.Token(tokenAddr), big.NewInt(20))

	balances, err := svc.Balances(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if balances["native"] != "10" {
		t.Errorf("native = %q, want 10", balances["native"])
	}
	if balances["token:"+tokenAddr] != "20" {
		t.Errorf("token = %q, want 20", balances["token:"+tokenAddr])
	}
}

func TestWithdrawNative(t *testing.T) {
	svc, rail, tokens := newFeeFixture(t)
	ctx := context.Background()
	native := payment.Native()

	fund(t, rail, tokens, native, 500)
	_ = svc.Accrue(ctx, native, big.NewInt(500))

	amount, err := svc.Withdraw(ctx, ownerAddr, native, treasury)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amount.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("withdrawn = %s, want 500", amount)
	}
	if got := rail.NativeBalanceOf(treasury); got.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("treasury = %s, want 500", got)
	}

	// Balance is zeroed; a second withdrawal has nothing to sweep.
	if _, err := svc.Withdraw(ctx, ownerAddr, native, treasury); !errors.Is(err, ErrNothingToWithdraw) {
		t.Errorf("second withdraw err = %v, want ErrNothingToWithdraw", err)
	}
}

func TestWithdrawToken(t *testing.T) {
	svc, rail, tokens := newFeeFixture(t)
	ctx := context.Background()
	m := payment.Token(tokenAddr)

	fund(t, rail, tokens, m, 300)
	_ = svc.Accrue(ctx, m, big.NewInt(300))

	amount, err := svc.Withdraw(ctx, ownerAddr, m, treasury)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amount.Cmp(big.NewInt(300)) != 0 {
		t.Errorf("withdrawn = %s, want 300", amount)
	}
	got, _ := tokens.BalanceOf(ctx, tokenAddr, treasury)
	if got.Cmp(big.NewInt(300)) != 0 {
		t.Errorf("treasury token balance = %s, want 300", got)
	}
}

func TestWithdrawRequiresOwner(t *testing.T) {
	svc, rail, tokens := newFeeFixture(t)
	ctx := context.Background()
	native := payment.Native()

	fund(t, rail, tokens, native, 100)
	_ = svc.Accrue(ctx, native, big.NewInt(100))

	if _, err := svc.Withdraw(ctx, treasury, native, treasury); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner err = %v, want ErrUnauthorized", err)
	}

	// Owner match is case-insensitive.
	if _, err := svc.Withdraw(ctx, "0x9999999999999999999999999999999999999999", native, treasury); err != nil {
		t.Errorf("owner withdraw failed: %v", err)
	}
}

func TestWithdrawEmptyMedium(t *testing.T) {
	svc, _, _ := newFeeFixture(t)

	if _, err := svc.Withdraw(context.Background(), ownerAddr, payment.Token(tokenAddr), treasury); !errors.Is(err, ErrNothingToWithdraw) {
		t.Errorf("err = %v, want ErrNothingToWithdraw", err)
	}
}

func TestWithdrawPayoutFailureReAccrues(t *testing.T) {
	// Accrue a fee balance the rail cannot actually pay out (custody never
	// funded): the drained balance must be restored.
	svc, _, _ := newFeeFixture(t)
	ctx := context.Background()
	native := payment.Native()

	_ = svc.Accrue(ctx, native, big.NewInt(100))

	if _, err := svc.Withdraw(ctx, ownerAddr, native, treasury); err == nil {
		t.Fatal("expected payout failure")
	}

	got, err := svc.Balance(ctx, native)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("balance after failed payout = %s, want 100", got)
	}
}
