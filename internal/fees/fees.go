// Package fees accrues and disburses the protocol fee, one balance per
// payment medium. Balances are credited only by successful claims and
// debited only by owner withdrawals.
package fees

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/tokenbay/nftescrow/internal/payment"
)

var (
	ErrUnauthorized      = errors.New("fees: caller is not the fee owner")
	ErrNothingToWithdraw = errors.New("fees: no accrued balance for this medium")
)

// Store persists per-medium fee balances. Entries are created lazily on
// first accrual.
type Store interface {
	// Accrue adds amount to the medium's balance.
	Accrue(ctx context.Context, mediumKey string, amount *big.Int) error
	// Balance returns the medium's current balance (zero if no entry).
	Balance(ctx context.Context, mediumKey string) (*big.Int, error)
	// Drain atomically zeroes the medium's balance and returns what it held.
	Drain(ctx context.Context, mediumKey string) (*big.Int, error)
	// Balances returns all non-zero entries keyed by medium.
	Balances(ctx context.Context) (map[string]string, error)
}

// Service implements fee accrual and owner withdrawal.
type Service struct {
	store Store
	rail  payment.Rail
	owner string
}

// NewService creates the fee ledger service. owner is the only principal
// allowed to withdraw.
func NewService(store Store, rail payment.Rail, owner string) *Service {
	return &Service{
		store: store,
		rail:  rail,
		owner: strings.ToLower(owner),
	}
}

// Accrue credits a claim's fee cut to the medium's balance. Zero fees
// (low amounts or zero bps) accrue nothing.
func (s *Service) Accrue(ctx context.Context, m payment.Medium, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return payment.ErrInvalidAmount
	}
	return s.store.Accrue(ctx, m.Key(), amount)
}

// Balance returns the accrued balance for a medium.
func (s *Service) Balance(ctx context.Context, m payment.Medium) (*big.Int, error) {
	return s.store.Balance(ctx, m.Key())
}

// Balances returns every non-zero accrued balance keyed by medium.
func (s *Service) Balances(ctx context.Context) (map[string]string, error) {
	return s.store.Balances(ctx)
}

// Withdraw transfers the entire accrued balance for a medium to destination
// and zeroes the entry. Only the configured owner may withdraw; an empty
// balance is an error rather than a silent no-op, so callers can tell a
// successful sweep from a pointless one.
func (s *Service) Withdraw(ctx context.Context, caller string, m payment.Medium, destination string) (*big.Int, error) {
	if strings.ToLower(caller) != s.owner {
		return nil, ErrUnauthorized
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	amount, err := s.store.Drain(ctx, m.Key())
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return nil, ErrNothingToWithdraw
	}

	if err := s.rail.Payout(ctx, m, destination, amount); err != nil {
		// Put the drained balance back so nothing is lost; the payout
		// failure itself is the caller's signal.
		if accErr := s.store.Accrue(ctx, m.Key(), amount); accErr != nil {
			return nil, fmt.Errorf("fee payout failed (%v) and re-accrual failed: %w", err, accErr)
		}
		return nil, fmt.Errorf("fee payout: %w", err)
	}
	return amount, nil
}
