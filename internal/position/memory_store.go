package position

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

type posKey struct {
	user   string
	market string
}

// MemoryStore is an in-process domain.PositionStore.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[posKey]domain.Position
	index     map[string]map[string]struct{} // market -> users
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[posKey]domain.Position),
		index:     make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Get(_ context.Context, userID, market string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[posKey{userID, market}]
	if !ok {
		return domain.Position{}, fmt.Errorf("position %s/%s: %w", userID, market, domain.ErrNotFound)
	}
	return p, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Position, 0)
	for k, p := range s.positions {
		if k.user == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out, nil
}

func (s *MemoryStore) Put(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[posKey{pos.UserID, pos.Market}] = pos
	users, ok := s.index[pos.Market]
	if !ok {
		users = make(map[string]struct{})
		s.index[pos.Market] = users
	}
	users[pos.UserID] = struct{}{}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID, market string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, posKey{userID, market})
	delete(s.index[market], userID)
	return nil
}

func (s *MemoryStore) Users(_ context.Context, market string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.index[market]))
	for u := range s.index[market] {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Untrack(_ context.Context, market, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.index[market], userID)
	return nil
}

var _ domain.PositionStore = (*MemoryStore)(nil)
