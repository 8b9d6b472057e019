package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/atmx/farm-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Commits go to the primary store and invalidate the touched keys;
// reads check Redis first then fall back to the primary. Values are encoded
// with msgpack.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, cs *Changeset) error {
	if err := s.primary.Commit(ctx, cs); err != nil {
		return err
	}

	keys := make([]string, 0, len(cs.Pools)+len(cs.Positions)+len(cs.Accounts)+2)
	if cs.FarmState != nil {
		keys = append(keys, farmStateKey)
	}
	if cs.StakingState != nil {
		keys = append(keys, stakingStateKey)
	}
	for id := range cs.Pools {
		keys = append(keys, poolKey(id))
	}
	for _, p := range cs.Positions {
		keys = append(keys, positionKey(p.PoolID, p.UserID))
	}
	for id := range cs.Accounts {
		keys = append(keys, accountKey(id))
	}
	if len(keys) > 0 {
		// Next read will re-populate.
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetFarmState(ctx context.Context) (*model.FarmState, error) {
	var fs model.FarmState
	if s.load(ctx, farmStateKey, &fs) {
		return &fs, nil
	}
	out, err := s.primary.GetFarmState(ctx)
	if err != nil {
		return nil, err
	}
	s.save(ctx, farmStateKey, out)
	return out, nil
}

func (s *CachedStore) GetStakingState(ctx context.Context) (*model.StakingState, error) {
	var st model.StakingState
	if s.load(ctx, stakingStateKey, &st) {
		return &st, nil
	}
	out, err := s.primary.GetStakingState(ctx)
	if err != nil {
		return nil, err
	}
	s.save(ctx, stakingStateKey, out)
	return out, nil
}

func (s *CachedStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	var p model.Pool
	if s.load(ctx, poolKey(id), &p) {
		return &p, nil
	}
	out, err := s.primary.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}
	s.save(ctx, poolKey(id), out)
	return out, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, poolID, userID string) (*model.Position, error) {
	var p model.Position
	if s.load(ctx, positionKey(poolID, userID), &p) {
		return &p, nil
	}
	out, err := s.primary.GetPosition(ctx, poolID, userID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, positionKey(poolID, userID), out)
	return out, nil
}

func (s *CachedStore) GetEscrowAccount(ctx context.Context, userID string) (*model.EscrowAccount, error) {
	var a model.EscrowAccount
	if s.load(ctx, accountKey(userID), &a) {
		return &a, nil
	}
	out, err := s.primary.GetEscrowAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, accountKey(userID), out)
	return out, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	return s.primary.ListPools(ctx)
}

func (s *CachedStore) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.ListUserPositions(ctx, userID)
}

func (s *CachedStore) ListPoolPositions(ctx context.Context, poolID string) ([]model.Position, error) {
	return s.primary.ListPoolPositions(ctx, poolID)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return msgpack.Unmarshal(data, v) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	if data, err := msgpack.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const (
	farmStateKey    = "farm:state"
	stakingStateKey = "staking:state"
)

func poolKey(id string) string             { return fmt.Sprintf("pool:%s", id) }
func positionKey(pool, user string) string { return fmt.Sprintf("position:%s:%s", pool, user) }
func accountKey(uid string) string         { return fmt.Sprintf("escrow:%s", uid) }
