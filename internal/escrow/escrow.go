// Package escrow implements the escrow payment state machine for NFT sales.
//
// Flow:
//  1. Seller approves the custodian for the asset, then creates an escrow
//     (no funds or asset move; custody rights are only verified)
//  2. Buyer pays the exact amount via one payment medium → funds held in custody
//  3. Seller claims → asset to buyer, fee-deducted funds to seller, atomically
//  4. Before payment, seller may cancel or buyer may reject → no value moves
//
// Cancelled, rejected, and claimed records are terminal and kept for audit.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/tokenbay/nftescrow/internal/assets"
	"github.com/tokenbay/nftescrow/internal/logging"
	"github.com/tokenbay/nftescrow/internal/pagination"
	"github.com/tokenbay/nftescrow/internal/payment"
	"github.com/tokenbay/nftescrow/internal/syncutil"
)

var (
	ErrEscrowNotFound        = errors.New("escrow not found")
	ErrUnauthorized          = errors.New("not authorized for this escrow operation")
	ErrInvalidStatus         = errors.New("invalid escrow status for this operation")
	ErrAmountMismatch        = errors.New("payment amount does not match the escrow")
	ErrInvalidCursor         = errors.New("invalid pagination cursor")
	ErrAssetTransfer         = errors.New("asset transfer failed")
	ErrInternalInconsistency = errors.New("escrow internal inconsistency")
)

// Status represents the state of an escrow record.
type Status string

const (
	StatusCreated   Status = "created"   // Asset authorized, awaiting payment
	StatusPaid      Status = "paid"      // Funds held in custody, awaiting claim
	StatusClaimed   Status = "claimed"   // Asset to buyer, net funds to seller
	StatusCancelled Status = "cancelled" // Seller terminated before payment
	StatusRejected  Status = "rejected"  // Buyer terminated before payment
)

// Escrow tracks one seller/buyer/asset/payment agreement. IDs are assigned
// by the store in insertion order and never reused.
type Escrow struct {
	ID         uint64         `json:"id"`
	Seller     string         `json:"seller"`
	Buyer      string         `json:"buyer"`
	Asset      assets.Ref     `json:"asset"`
	Amount     string         `json:"amount"` // positive base-unit integer
	Medium     payment.Medium `json:"medium"`
	Status     Status         `json:"status"`
	CreatedAt  time.Time      `json:"createdAt"`
	PaidAt     *time.Time     `json:"paidAt,omitempty"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
}

// IsTerminal returns true if the escrow reached a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusClaimed, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Store persists escrow records. Create assigns the next monotonic ID.
// Records are never deleted.
//
// ListByParty returns records where addr is seller or buyer, newest first.
// A non-zero beforeID bounds the page to IDs strictly below it.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id uint64) (*Escrow, error)
	Update(ctx context.Context, escrow *Escrow) error
	ListByParty(ctx context.Context, addr string, beforeID uint64, limit int) ([]*Escrow, error)
}

// FeeLedger abstracts fee accrual so escrow doesn't import fees.
type FeeLedger interface {
	Accrue(ctx context.Context, m payment.Medium, amount *big.Int) error
}

// Notifier receives escrow lifecycle events for streaming/webhooks.
type Notifier interface {
	EscrowEvent(event string, escrow *Escrow)
}

// Notifiers fans each event out to every member.
type Notifiers []Notifier

func (ns Notifiers) EscrowEvent(event string, escrow *Escrow) {
	for _, n := range ns {
		n.EscrowEvent(event, escrow)
	}
}

// Randomness issues fire-and-forget random-value requests. It has no
// bearing on escrow state transitions.
type Randomness interface {
	Request(ctx context.Context, reference string) error
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	Seller        string `json:"seller" binding:"required"`
	Buyer         string `json:"buyer" binding:"required"`
	AssetContract string `json:"assetContract"` // optional when the server has a default contract
	AssetID       string `json:"assetId" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	MediumKind    string `json:"mediumKind" binding:"required"` // "native" or "token"
	TokenRef      string `json:"tokenRef"`
}

// Service implements the escrow state machine.
type Service struct {
	store     Store
	custodian assets.Custodian
	rail      payment.Rail
	fees      FeeLedger
	feeBps    uint32
	notifier  Notifier
	random    Randomness
	locks     *syncutil.ContextShardedMutex // serializes transitions per escrow ID
}

// NewService creates the escrow engine. feeBps is the protocol fee in basis
// points, immutable for the life of the service; callers validate the range.
func NewService(store Store, custodian assets.Custodian, rail payment.Rail, fees FeeLedger, feeBps uint32) *Service {
	return &Service{
		store:     store,
		custodian: custodian,
		rail:      rail,
		fees:      fees,
		feeBps:    feeBps,
		locks:     syncutil.NewContextShardedMutex(),
	}
}

// WithNotifier adds a lifecycle event sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithRandomness adds the randomness-subscription collaborator.
func (s *Service) WithRandomness(r Randomness) *Service {
	s.random = r
	return s
}

// FeeBps returns the configured protocol fee rate.
func (s *Service) FeeBps() uint32 { return s.feeBps }

// lock serializes transitions on one escrow ID (exactly one of a racing
// pay/cancel pair wins) while unrelated escrows proceed in parallel. Callers
// waiting on a contended record bail out when their context is cancelled.
func (s *Service) lock(ctx context.Context, id uint64) (func(), error) {
	return s.locks.LockContext(ctx, strconv.FormatUint(id, 10))
}

// Create verifies the seller's custody grant and records a new escrow.
// No funds or asset move.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	seller := strings.ToLower(req.Seller)
	buyer := strings.ToLower(req.Buyer)
	if seller == buyer {
		return nil, errors.New("seller and buyer cannot be the same address")
	}

	if _, err := payment.ParseAmount(req.Amount); err != nil {
		return nil, err
	}
	medium, err := payment.Parse(req.MediumKind, req.TokenRef)
	if err != nil {
		return nil, err
	}

	asset := assets.NewRef(req.AssetContract, req.AssetID)
	if err := s.custodian.Authorize(ctx, seller, asset); err != nil {
		return nil, fmt.Errorf("asset authorization: %w", err)
	}

	escrow := &Escrow{
		Seller:    seller,
		Buyer:     buyer,
		Asset:     asset,
		Amount:    req.Amount,
		Medium:    medium,
		Status:    StatusCreated,
		CreatedAt: time.Now(),
	}
	if err := s.store.Create(ctx, escrow); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	s.requestRandomness(ctx, escrow)
	s.notify("escrow_created", escrow)
	return escrow, nil
}

// Pay moves the buyer's payment into custody and marks the escrow paid.
// amount must equal the escrow amount exactly; attached carries the value
// delivered with a native payment and is nil for token payments.
func (s *Service) Pay(ctx context.Context, id uint64, caller string, amount, attached *big.Int) (*Escrow, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if strings.ToLower(caller) != escrow.Buyer {
		return nil, ErrUnauthorized
	}
	if escrow.Status != StatusCreated {
		return nil, ErrInvalidStatus
	}

	expected, err := payment.ParseAmount(escrow.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: stored amount %q", ErrInternalInconsistency, escrow.Amount)
	}
	if amount == nil || amount.Cmp(expected) != 0 {
		return nil, ErrAmountMismatch
	}

	if _, err := s.rail.Deposit(ctx, escrow.Medium, escrow.Buyer, amount, attached); err != nil {
		return nil, err
	}

	now := time.Now()
	escrow.Status = StatusPaid
	escrow.PaidAt = &now

	if err := s.store.Update(ctx, escrow); err != nil {
		// Funds are already in custody; send them back rather than
		// stranding them against a record that still reads created.
		if refundErr := s.rail.Payout(ctx, escrow.Medium, escrow.Buyer, amount); refundErr != nil {
			logging.L(ctx).Error("CRITICAL: escrow paid but record update and refund both failed",
				"escrowId", escrow.ID, "buyer", escrow.Buyer, "updateErr", err, "refundErr", refundErr)
			return nil, fmt.Errorf("%w: payment held but record not updated: %v", ErrInternalInconsistency, err)
		}
		return nil, fmt.Errorf("failed to update escrow after deposit: %w", err)
	}

	s.notify("escrow_paid", escrow)
	return escrow, nil
}

// Claim finalizes a paid escrow: the asset goes to the buyer, the
// fee-deducted amount goes to the seller, and the fee accrues to the
// ledger. The three effects commit together or the record stays paid.
func (s *Service) Claim(ctx context.Context, id uint64, caller string) (*Escrow, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if strings.ToLower(caller) != escrow.Seller {
		return nil, ErrUnauthorized
	}
	if escrow.Status != StatusPaid {
		return nil, ErrInvalidStatus
	}

	amount, err := payment.ParseAmount(escrow.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: stored amount %q", ErrInternalInconsistency, escrow.Amount)
	}
	fee, net := s.split(amount)

	// Asset first: a failure here leaves the record paid and the claim
	// retryable by the seller.
	if err := s.custodian.Transfer(ctx, escrow.Asset, escrow.Seller, escrow.Buyer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssetTransfer, err)
	}

	// Past this point the asset has moved. Payout and accrual cannot fail
	// while the custody invariant holds; if they do, the record must not
	// reach claimed and the fault goes to operators, not retries.
	if net.Sign() > 0 {
		if err := s.rail.Payout(ctx, escrow.Medium, escrow.Seller, net); err != nil {
			logging.L(ctx).Error("CRITICAL: asset transferred but seller payout failed",
				"escrowId", escrow.ID, "seller", escrow.Seller, "net", net.String(), "error", err)
			return nil, fmt.Errorf("%w: seller payout after asset transfer: %v", ErrInternalInconsistency, err)
		}
	}
	if err := s.fees.Accrue(ctx, escrow.Medium, fee); err != nil {
		logging.L(ctx).Error("CRITICAL: asset and payout settled but fee accrual failed",
			"escrowId", escrow.ID, "fee", fee.String(), "error", err)
		return nil, fmt.Errorf("%w: fee accrual after settlement: %v", ErrInternalInconsistency, err)
	}

	now := time.Now()
	escrow.Status = StatusClaimed
	escrow.ResolvedAt = &now

	if err := s.store.Update(ctx, escrow); err != nil {
		// Retry once — value already moved, the state change must persist.
		if retryErr := s.store.Update(ctx, escrow); retryErr != nil {
			logging.L(ctx).Error("CRITICAL: escrow settled but status update failed",
				"escrowId", escrow.ID, "seller", escrow.Seller, "error", retryErr)
			return nil, fmt.Errorf("%w: settled but record not updated: %v", ErrInternalInconsistency, retryErr)
		}
	}

	s.notify("escrow_claimed", escrow)
	return escrow, nil
}

// Cancel terminates an unpaid escrow. Seller only; no value moves.
func (s *Service) Cancel(ctx context.Context, id uint64, caller string) (*Escrow, error) {
	return s.terminate(ctx, id, caller, func(e *Escrow) (string, Status) {
		return e.Seller, StatusCancelled
	}, "escrow_cancelled")
}

// Reject terminates an unpaid escrow from the buyer's side. Symmetric
// counterpart to Cancel; no value moves.
func (s *Service) Reject(ctx context.Context, id uint64, caller string) (*Escrow, error) {
	return s.terminate(ctx, id, caller, func(e *Escrow) (string, Status) {
		return e.Buyer, StatusRejected
	}, "escrow_rejected")
}

func (s *Service) terminate(ctx context.Context, id uint64, caller string, pick func(*Escrow) (string, Status), event string) (*Escrow, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	allowed, target := pick(escrow)
	if strings.ToLower(caller) != allowed {
		return nil, ErrUnauthorized
	}
	if escrow.Status != StatusCreated {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	escrow.Status = target
	escrow.ResolvedAt = &now

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}

	s.notify(event, escrow)
	return escrow, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id uint64) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns one page of escrows involving an address as seller or
// buyer, newest first. cursor is an opaque position from a previous page
// (empty for the first page); the returned cursor is empty on the last page.
func (s *Service) ListByParty(ctx context.Context, addr, cursor string, limit int) ([]*Escrow, string, error) {
	if limit <= 0 {
		limit = 50
	}

	var beforeID uint64
	if c, err := pagination.Decode(cursor); err != nil {
		return nil, "", ErrInvalidCursor
	} else if c != nil {
		beforeID, err = strconv.ParseUint(c.ID, 10, 64)
		if err != nil {
			return nil, "", ErrInvalidCursor
		}
	}

	// Fetch one extra record to learn whether another page exists.
	items, err := s.store.ListByParty(ctx, strings.ToLower(addr), beforeID, limit+1)
	if err != nil {
		return nil, "", err
	}

	items, next, _ := pagination.ComputePage(items, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, strconv.FormatUint(e.ID, 10)
	})
	return items, next, nil
}

// split divides an amount into (fee, net) at the configured bps, flooring
// the fee.
func (s *Service) split(amount *big.Int) (fee, net *big.Int) {
	fee = new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(s.feeBps)))
	fee.Div(fee, big.NewInt(10_000))
	net = new(big.Int).Sub(amount, fee)
	return fee, net
}

// requestRandomness fires the subscription request without blocking the
// creation path; failures are logged and otherwise ignored.
func (s *Service) requestRandomness(ctx context.Context, escrow *Escrow) {
	if s.random == nil {
		return
	}
	reference := "escrow-" + strconv.FormatUint(escrow.ID, 10)
	logger := logging.L(ctx)
	go func() {
		reqCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.random.Request(reqCtx, reference); err != nil {
			logger.Warn("randomness request failed", "reference", reference, "error", err)
		}
	}()
}

func (s *Service) notify(event string, escrow *Escrow) {
	if s.notifier != nil {
		s.notifier.EscrowEvent(event, escrow)
	}
}
