package fees

import (
	"context"
	"math/big"
	"sync"
)

// MemoryStore is an in-memory fee store for demo/development mode.
type MemoryStore struct {
	balances map[string]*big.Int
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory fee store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[string]*big.Int)}
}

func (m *MemoryStore) Accrue(ctx context.Context, mediumKey string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[mediumKey]; ok {
		b.Add(b, amount)
		return nil
	}
	m.balances[mediumKey] = new(big.Int).Set(amount)
	return nil
}

func (m *MemoryStore) Balance(ctx context.Context, mediumKey string) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.balances[mediumKey]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (m *MemoryStore) Drain(ctx context.Context, mediumKey string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[mediumKey]
	if !ok {
		return big.NewInt(0), nil
	}
	drained := new(big.Int).Set(b)
	b.SetInt64(0)
	return drained, nil
}

func (m *MemoryStore) Balances(ctx context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string)
	for key, b := range m.balances {
		if b.Sign() > 0 {
			out[key] = b.String()
		}
	}
	return out, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
