package payment

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/tokenbay/nftescrow/internal/idgen"
)

// TokenBook is the slice of the fungible-token registry the rail consumes:
// an allowance model (approve elsewhere, pull here) plus direct transfers
// out of custody.
type TokenBook interface {
	Allowance(ctx context.Context, tokenRef, owner, spender string) (*big.Int, error)
	TransferFrom(ctx context.Context, tokenRef, from, to string, amount *big.Int) error
	Transfer(ctx context.Context, tokenRef, from, to string, amount *big.Int) error
}

// VaultRail is the in-process payment rail. It keeps one custody balance per
// medium plus a native balance book for payout recipients; token media
// delegate actual token movement to a TokenBook.
type VaultRail struct {
	custodyAddr string
	tokens      TokenBook

	mu     sync.RWMutex
	held   map[string]*big.Int // medium key -> balance held in custody
	native map[string]*big.Int // native balances credited by payouts
}

// NewVaultRail creates an in-process rail. custodyAddr is the principal that
// token allowances must be granted to.
func NewVaultRail(custodyAddr string, tokens TokenBook) *VaultRail {
	return &VaultRail{
		custodyAddr: strings.ToLower(custodyAddr),
		tokens:      tokens,
		held:        make(map[string]*big.Int),
		native:      make(map[string]*big.Int),
	}
}

// CustodyAddress returns the principal token allowances must be granted to.
func (r *VaultRail) CustodyAddress() string { return r.custodyAddr }

// Deposit pulls exactly amount of the given medium from payer into custody.
func (r *VaultRail) Deposit(ctx context.Context, m Medium, payer string, amount, attached *big.Int) (*DepositReceipt, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	payer = strings.ToLower(payer)

	switch m.Kind {
	case KindNative:
		if attached == nil || attached.Cmp(amount) != 0 {
			return nil, ErrAmountMismatch
		}
	case KindToken:
		allowance, err := r.tokens.Allowance(ctx, m.Token, payer, r.custodyAddr)
		if err != nil {
			return nil, fmt.Errorf("allowance check: %w", err)
		}
		if allowance.Cmp(amount) < 0 {
			return nil, ErrInsufficientAllowance
		}
		if err := r.tokens.TransferFrom(ctx, m.Token, payer, r.custodyAddr, amount); err != nil {
			return nil, fmt.Errorf("token pull: %w", err)
		}
	}

	r.mu.Lock()
	r.credit(r.held, m.Key(), amount)
	r.mu.Unlock()

	return &DepositReceipt{
		ID:        idgen.WithPrefix("dep_"),
		Medium:    m,
		Payer:     payer,
		Amount:    amount.String(),
		CreatedAt: time.Now(),
	}, nil
}

// Payout releases amount of the given medium from custody to a recipient.
// A custody balance below amount means an upstream invariant was violated;
// callers treat it as fatal.
func (r *VaultRail) Payout(ctx context.Context, m Medium, to string, amount *big.Int) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	to = strings.ToLower(to)

	r.mu.Lock()
	key := m.Key()
	held := r.held[key]
	if held == nil || held.Cmp(amount) < 0 {
		r.mu.Unlock()
		return ErrInsufficientCustody
	}
	held.Sub(held, amount)
	if m.IsNative() {
		r.credit(r.native, to, amount)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	// Token payout leaves the custody book before the transfer so a failed
	// transfer never leaves double-spendable custody; the caller surfaces
	// the failure as an internal-consistency fault.
	if err := r.tokens.Transfer(ctx, m.Token, r.custodyAddr, to, amount); err != nil {
		r.mu.Lock()
		r.credit(r.held, key, amount)
		r.mu.Unlock()
		return fmt.Errorf("token payout: %w", err)
	}
	return nil
}

// HeldBalance returns the custody balance for a medium.
func (r *VaultRail) HeldBalance(m Medium) *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.held[m.Key()]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

// NativeBalanceOf returns the native balance credited to an address by payouts.
func (r *VaultRail) NativeBalanceOf(addr string) *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.native[strings.ToLower(addr)]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

// credit adds amount to book[key]; caller holds r.mu.
func (r *VaultRail) credit(book map[string]*big.Int, key string, amount *big.Int) {
	if b, ok := book[key]; ok {
		b.Add(b, amount)
		return
	}
	book[key] = new(big.Int).Set(amount)
}

// Compile-time assertion that VaultRail implements Rail.
var _ Rail = (*VaultRail)(nil)
