package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/farm-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	farm      model.FarmState
	staking   *model.StakingState
	pools     map[string]*model.Pool
	poolOrder []string
	positions map[string]*model.Position
	accounts  map[string]*model.EscrowAccount
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		farm:      model.FarmState{RewardPerSecond: decimal.Zero, TotalAllocPoint: decimal.Zero},
		pools:     make(map[string]*model.Pool),
		positions: make(map[string]*model.Position),
		accounts:  make(map[string]*model.EscrowAccount),
	}
}

func (s *MemoryStore) GetFarmState(_ context.Context) (*model.FarmState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fs := s.farm
	return &fs, nil
}

func (s *MemoryStore) GetStakingState(_ context.Context) (*model.StakingState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.staking == nil {
		return nil, fmt.Errorf("staking state: %w", ErrNotFound)
	}
	return s.staking.Clone(), nil
}

func (s *MemoryStore) GetPool(_ context.Context, id string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.Pool, 0, len(s.poolOrder))
	for _, id := range s.poolOrder {
		pools = append(pools, *s.pools[id])
	}
	return pools, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, poolID, userID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[PositionKey(poolID, userID)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", poolID, userID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })
	return out, nil
}

func (s *MemoryStore) ListPoolPositions(_ context.Context, poolID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.PoolID == poolID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) GetEscrowAccount(_ context.Context, userID string) (*model.EscrowAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("escrow account %s: %w", userID, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

// Commit applies the changeset under one lock.
func (s *MemoryStore) Commit(_ context.Context, cs *Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cs.FarmState != nil {
		s.farm = *cs.FarmState
	}
	if cs.StakingState != nil {
		s.staking = cs.StakingState.Clone()
	}
	for _, p := range cs.SortedPools() {
		if _, ok := s.pools[p.ID]; !ok {
			s.poolOrder = append(s.poolOrder, p.ID)
		}
		cp := *p
		s.pools[p.ID] = &cp
	}
	for k, p := range cs.Positions {
		cp := *p
		s.positions[k] = &cp
	}
	for id, a := range cs.Accounts {
		cp := *a
		s.accounts[id] = &cp
	}
	return nil
}
