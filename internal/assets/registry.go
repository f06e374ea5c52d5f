package assets

import (
	"context"
	"strings"
	"sync"
)

// MemoryRegistry is an in-process asset registry for demo/development mode
// and tests. It doubles as the Custodian over its own records, with the
// custody principal as the approved operator.
type MemoryRegistry struct {
	custodyAddr string

	mu        sync.RWMutex
	owners    map[string]string          // asset key -> owner
	approved  map[string]string          // asset key -> approved operator
	operators map[string]map[string]bool // contract:owner -> operator -> approved for all
}

// NewMemoryRegistry creates an in-process asset registry whose transfers are
// authorized against custodyAddr.
func NewMemoryRegistry(custodyAddr string) *MemoryRegistry {
	return &MemoryRegistry{
		custodyAddr: strings.ToLower(custodyAddr),
		owners:      make(map[string]string),
		approved:    make(map[string]string),
		operators:   make(map[string]map[string]bool),
	}
}

// Mint assigns a fresh asset to an owner. Test/dev helper.
func (m *MemoryRegistry) Mint(asset Ref, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[asset.Key()] = strings.ToLower(owner)
}

// OwnerOf returns the current owner of an asset.
func (m *MemoryRegistry) OwnerOf(asset Ref) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.owners[asset.Key()]
	if !ok {
		return "", ErrUnknownAsset
	}
	return owner, nil
}

// Approve grants a single-asset transfer right to an operator; only the
// current owner's approval counts.
func (m *MemoryRegistry) Approve(asset Ref, owner, operator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.owners[asset.Key()]
	if !ok {
		return ErrUnknownAsset
	}
	if current != strings.ToLower(owner) {
		return ErrNotOwner
	}
	m.approved[asset.Key()] = strings.ToLower(operator)
	return nil
}

// SetApprovalForAll grants or revokes an operator's right over all of an
// owner's assets in one contract.
func (m *MemoryRegistry) SetApprovalForAll(contract, owner, operator string, approved bool) {
	key := strings.ToLower(contract) + ":" + strings.ToLower(owner)
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := m.operators[key]
	if ops == nil {
		ops = make(map[string]bool)
		m.operators[key] = ops
	}
	ops[strings.ToLower(operator)] = approved
}

// Revoke clears a single-asset approval. Test helper for the revoked-grant path.
func (m *MemoryRegistry) Revoke(asset Ref) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.approved, asset.Key())
}

// Authorize implements Custodian.
func (m *MemoryRegistry) Authorize(ctx context.Context, seller string, asset Ref) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkGrant(strings.ToLower(seller), asset)
}

// Transfer implements Custodian: it re-checks the grant and moves ownership
// to the buyer, clearing the consumed approval.
func (m *MemoryRegistry) Transfer(ctx context.Context, asset Ref, from, to string) error {
	from, to = strings.ToLower(from), strings.ToLower(to)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkGrant(from, asset); err != nil {
		return ErrTransferDenied
	}
	m.owners[asset.Key()] = to
	delete(m.approved, asset.Key())
	return nil
}

// checkGrant verifies ownership and custody approval; caller holds m.mu.
func (m *MemoryRegistry) checkGrant(owner string, asset Ref) error {
	current, ok := m.owners[asset.Key()]
	if !ok || current != owner {
		return ErrNotOwner
	}
	if m.approved[asset.Key()] == m.custodyAddr {
		return nil
	}
	if ops := m.operators[asset.Contract+":"+owner]; ops != nil && ops[m.custodyAddr] {
		return nil
	}
	return ErrNotApproved
}

// Compile-time assertion that MemoryRegistry implements Custodian.
var _ Custodian = (*MemoryRegistry)(nil)
