// Package payment abstracts the two supported payment media behind one rail.
//
// A payment is made either in native currency (value attached to the request)
// or in a fungible token (allowance granted to the custody account, then
// pulled). The escrow engine never branches on the medium itself; it hands
// every deposit and payout to a Rail and lets the rail dispatch.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

var (
	ErrAmountMismatch        = errors.New("payment: attached value does not match amount")
	ErrInsufficientAllowance = errors.New("payment: token allowance below amount")
	ErrInsufficientCustody   = errors.New("payment: custody balance below payout amount")
	ErrInvalidAmount         = errors.New("payment: invalid amount")
	ErrInvalidMedium         = errors.New("payment: invalid medium")
)

// Kind discriminates the payment medium variant.
type Kind string

const (
	KindNative Kind = "native"
	KindToken  Kind = "token"
)

// Medium identifies the kind of value used for a payment: native currency,
// or a specific fungible token contract.
type Medium struct {
	Kind  Kind   `json:"kind"`
	Token string `json:"token,omitempty"` // token contract ref, set when Kind == KindToken
}

// Native returns the native-currency medium.
func Native() Medium {
	return Medium{Kind: KindNative}
}

// Token returns the medium for the given fungible-token contract.
func Token(ref string) Medium {
	return Medium{Kind: KindToken, Token: strings.ToLower(strings.TrimSpace(ref))}
}

// Parse builds a Medium from its wire representation.
func Parse(kind, token string) (Medium, error) {
	switch Kind(kind) {
	case KindNative:
		if token != "" {
			return Medium{}, fmt.Errorf("%w: native medium carries no token ref", ErrInvalidMedium)
		}
		return Native(), nil
	case KindToken:
		if token == "" {
			return Medium{}, fmt.Errorf("%w: token medium requires a token ref", ErrInvalidMedium)
		}
		return Token(token), nil
	default:
		return Medium{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidMedium, kind)
	}
}

// Key returns a stable string identity for the medium, used as the fee
// ledger key and in store columns.
func (m Medium) Key() string {
	if m.Kind == KindToken {
		return string(KindToken) + ":" + m.Token
	}
	return string(KindNative)
}

// Validate checks the medium is well-formed.
func (m Medium) Validate() error {
	_, err := Parse(string(m.Kind), m.Token)
	return err
}

// IsNative reports whether the medium is native currency.
func (m Medium) IsNative() bool { return m.Kind == KindNative }

// DepositReceipt records a completed single-shot deposit into custody.
type DepositReceipt struct {
	ID        string    `json:"id"`
	Medium    Medium    `json:"medium"`
	Payer     string    `json:"payer"`
	Amount    string    `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

// Rail provides uniform deposit/payout semantics regardless of medium.
//
// Deposits are always full-amount and single-shot: for native payments the
// attached value must equal amount exactly; for token payments a pre-existing
// allowance must cover amount, which is then pulled in full.
type Rail interface {
	Deposit(ctx context.Context, m Medium, payer string, amount, attached *big.Int) (*DepositReceipt, error)
	Payout(ctx context.Context, m Medium, to string, amount *big.Int) error
}

// ParseAmount parses a positive base-unit integer amount.
func ParseAmount(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || n.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return n, nil
}
