package escrow

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// IDs start at 1 and increase in insertion order, matching the
// BIGSERIAL behavior of the Postgres store.
type MemoryStore struct {
	escrows map[uint64]*Escrow
	nextID  uint64
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[uint64]*Escrow),
		nextID:  1,
	}
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	escrow.ID = m.nextID
	m.nextID++

	cp := *escrow
	m.escrows[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *escrow
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[escrow.ID]; !ok {
		return ErrEscrowNotFound
	}
	cp := *escrow
	m.escrows[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, addr string, beforeID uint64, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if beforeID != 0 && e.ID >= beforeID {
			continue
		}
		if e.Buyer == addr || e.Seller == addr {
			cp := *e
			result = append(result, &cp)
		}
	}
	// Newest first, like the Postgres ORDER BY id DESC.
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
