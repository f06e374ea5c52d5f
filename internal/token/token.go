// Package token models the fungible-token collaborator: balances plus the
// approve/pull allowance model the payment rail consumes.
package token

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrInvalidAmount         = errors.New("token: invalid amount")
)

// Registry exposes the token operations the escrow system consumes,
// keyed by token contract ref so one registry can serve multiple tokens.
type Registry interface {
	BalanceOf(ctx context.Context, tokenRef, owner string) (*big.Int, error)
	Allowance(ctx context.Context, tokenRef, owner, spender string) (*big.Int, error)
	Approve(ctx context.Context, tokenRef, owner, spender string, amount *big.Int) error
	TransferFrom(ctx context.Context, tokenRef, from, to string, amount *big.Int) error
	Transfer(ctx context.Context, tokenRef, from, to string, amount *big.Int) error
}

// MemoryRegistry is an in-process token registry for demo/development mode
// and tests.
type MemoryRegistry struct {
	mu         sync.RWMutex
	balances   map[string]map[string]*big.Int            // tokenRef -> owner -> balance
	allowances map[string]map[string]map[string]*big.Int // tokenRef -> owner -> spender -> allowance
}

// NewMemoryRegistry creates an empty in-process token registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		balances:   make(map[string]map[string]*big.Int),
		allowances: make(map[string]map[string]map[string]*big.Int),
	}
}

// Mint credits freshly created tokens to an owner. Test/dev helper.
func (m *MemoryRegistry) Mint(tokenRef, owner string, amount *big.Int) {
	tokenRef, owner = norm(tokenRef), norm(owner)
	m.mu.Lock()
	defer m.mu.Unlock()
	book := m.balances[tokenRef]
	if book == nil {
		book = make(map[string]*big.Int)
		m.balances[tokenRef] = book
	}
	if b, ok := book[owner]; ok {
		b.Add(b, amount)
	} else {
		book[owner] = new(big.Int).Set(amount)
	}
}

func (m *MemoryRegistry) BalanceOf(ctx context.Context, tokenRef, owner string) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.balances[norm(tokenRef)][norm(owner)]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (m *MemoryRegistry) Allowance(ctx context.Context, tokenRef, owner, spender string) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.allowances[norm(tokenRef)][norm(owner)][norm(spender)]; ok {
		return new(big.Int).Set(a), nil
	}
	return big.NewInt(0), nil
}

func (m *MemoryRegistry) Approve(ctx context.Context, tokenRef, owner, spender string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	tokenRef, owner, spender = norm(tokenRef), norm(owner), norm(spender)
	m.mu.Lock()
	defer m.mu.Unlock()
	byOwner := m.allowances[tokenRef]
	if byOwner == nil {
		byOwner = make(map[string]map[string]*big.Int)
		m.allowances[tokenRef] = byOwner
	}
	bySpender := byOwner[owner]
	if bySpender == nil {
		bySpender = make(map[string]*big.Int)
		byOwner[owner] = bySpender
	}
	bySpender[spender] = new(big.Int).Set(amount)
	return nil
}

// TransferFrom pulls amount from `from` to `to` against the allowance granted
// to `to`. The allowance is reduced by the transferred amount.
func (m *MemoryRegistry) TransferFrom(ctx context.Context, tokenRef, from, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	tokenRef, from, to = norm(tokenRef), norm(from), norm(to)
	m.mu.Lock()
	defer m.mu.Unlock()

	allowance, ok := m.allowances[tokenRef][from][to]
	if !ok || allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := m.move(tokenRef, from, to, amount); err != nil {
		return err
	}
	allowance.Sub(allowance, amount)
	return nil
}

func (m *MemoryRegistry) Transfer(ctx context.Context, tokenRef, from, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.move(norm(tokenRef), norm(from), norm(to), amount)
}

// move shifts balance between owners; caller holds m.mu.
func (m *MemoryRegistry) move(tokenRef, from, to string, amount *big.Int) error {
	book := m.balances[tokenRef]
	if book == nil {
		return ErrInsufficientBalance
	}
	fromBal := book[from]
	if fromBal == nil || fromBal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	fromBal.Sub(fromBal, amount)
	if toBal, ok := book[to]; ok {
		toBal.Add(toBal, amount)
	} else {
		book[to] = new(big.Int).Set(amount)
	}
	return nil
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Compile-time assertion that MemoryRegistry implements Registry.
var _ Registry = (*MemoryRegistry)(nil)
