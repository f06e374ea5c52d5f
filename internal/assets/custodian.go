// Package assets models custody of the non-fungible asset under escrow.
//
// The custodian never takes possession at escrow creation: the seller grants
// transfer rights out-of-band (approve on the asset registry), the custodian
// verifies them read-only, and the actual transfer happens once, at claim.
package assets

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotOwner       = errors.New("assets: seller does not own the asset")
	ErrNotApproved    = errors.New("assets: custodian not approved to transfer the asset")
	ErrTransferDenied = errors.New("assets: asset transfer denied")
	ErrUnknownAsset   = errors.New("assets: unknown asset")
)

// Ref identifies a non-fungible asset: a registry contract plus an item ID.
type Ref struct {
	Contract string `json:"contract"`
	ID       string `json:"id"`
}

// NewRef normalizes a contract/ID pair into a Ref.
func NewRef(contract, id string) Ref {
	return Ref{
		Contract: strings.ToLower(strings.TrimSpace(contract)),
		ID:       strings.TrimSpace(id),
	}
}

// Key returns a stable string identity for the asset.
func (r Ref) Key() string { return r.Contract + ":" + r.ID }

// Custodian verifies and executes asset custody operations against an
// external asset registry.
type Custodian interface {
	// Authorize checks, without side effects, that seller owns the asset and
	// has granted the custodian transfer rights.
	Authorize(ctx context.Context, seller string, asset Ref) error
	// Transfer moves the asset from seller to buyer. Fails with
	// ErrTransferDenied if the grant was revoked since authorization.
	Transfer(ctx context.Context, asset Ref, from, to string) error
}
