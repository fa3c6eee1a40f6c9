package ledger

import (
	"context"
	"sync"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

type balanceKey struct {
	user  string
	asset string
}

type balanceCell struct {
	mu  sync.Mutex
	bal domain.Balance
}

// MemoryStore is an in-process domain.BalanceStore. Each key has its own
// mutex so adjustments to different keys never contend.
type MemoryStore struct {
	mu    sync.Mutex
	cells map[balanceKey]*balanceCell
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cells: make(map[balanceKey]*balanceCell)}
}

func (s *MemoryStore) cell(userID, asset string) *balanceCell {
	k := balanceKey{user: userID, asset: asset}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cells[k]
	if !ok {
		c = &balanceCell{bal: zeroBalance()}
		s.cells[k] = c
	}
	return c
}

// Get returns the balance, zero if the key has never been touched.
func (s *MemoryStore) Get(_ context.Context, userID, asset string) (domain.Balance, error) {
	c := s.cell(userID, asset)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bal, nil
}

// CompareAndApply runs fn under the key's mutex.
func (s *MemoryStore) CompareAndApply(_ context.Context, userID, asset string, fn func(domain.Balance) (domain.Balance, error)) (domain.Balance, error) {
	c := s.cell(userID, asset)
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := fn(c.bal)
	if err != nil {
		return c.bal, err
	}
	c.bal = next
	return next, nil
}

var _ domain.BalanceStore = (*MemoryStore)(nil)
