package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/farm-engine/internal/model"
)

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

func TestMemoryStore_EmptyReads(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	fs, err := s.GetFarmState(ctx)
	require.NoError(t, err)
	assert.True(t, fs.RewardPerSecond.IsZero())

	_, err = s.GetStakingState(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetPool(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetPosition(ctx, "nope", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetEscrowAccount(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_CommitAndRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	cs := NewChangeset()
	cs.FarmState = &model.FarmState{RewardPerSecond: d(10), TotalAllocPoint: d(100)}
	cs.StakingState = &model.StakingState{
		BaseRate:       d(1),
		SpeedUpHistory: []model.RateCheckpoint{{Time: 5, Rate: d(2)}},
	}
	cs.Pools["p1"] = &model.Pool{ID: "p1", PrincipalToken: "JOE-AVAX", AllocPoint: d(100), CreatedAt: time.Now()}
	pos := model.NewPosition("p1", "alice")
	pos.Principal = d(5)
	cs.Positions[PositionKey("p1", "alice")] = pos
	cs.Accounts["alice"] = &model.EscrowAccount{UserID: "alice", Staked: d(3)}
	require.NoError(t, s.Commit(ctx, cs))

	// Mutating the committed changeset must not leak into the store.
	pos.Principal = d(999)
	cs.StakingState.SpeedUpHistory[0].Rate = d(999)

	got, err := s.GetPosition(ctx, "p1", "alice")
	require.NoError(t, err)
	assert.True(t, got.Principal.Equal(d(5)))

	st, err := s.GetStakingState(ctx)
	require.NoError(t, err)
	assert.True(t, st.SpeedUpHistory[0].Rate.Equal(d(2)))

	acct, err := s.GetEscrowAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acct.Staked.Equal(d(3)))

	fs, err := s.GetFarmState(ctx)
	require.NoError(t, err)
	assert.True(t, fs.TotalAllocPoint.Equal(d(100)))

	userPositions, err := s.ListUserPositions(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, userPositions, 1)

	poolPositions, err := s.ListPoolPositions(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, poolPositions, 1)
}

func TestMemoryStore_ListPoolsKeepsCreationOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, id := range []string{"zz", "aa", "mm"} {
		cs := NewChangeset()
		cs.Pools[id] = &model.Pool{ID: id}
		require.NoError(t, s.Commit(ctx, cs))
	}
	// Updating an existing pool keeps its slot.
	cs := NewChangeset()
	cs.Pools["zz"] = &model.Pool{ID: "zz", AllocPoint: d(7)}
	require.NoError(t, s.Commit(ctx, cs))

	pools, err := s.ListPools(ctx)
	require.NoError(t, err)
	require.Len(t, pools, 3)
	assert.Equal(t, "zz", pools[0].ID)
	assert.Equal(t, "aa", pools[1].ID)
	assert.Equal(t, "mm", pools[2].ID)
	assert.True(t, pools[0].AllocPoint.Equal(d(7)))
}

func TestChangeset_Sorted(t *testing.T) {
	cs := NewChangeset()
	assert.True(t, cs.Empty())

	cs.Pools["b"] = &model.Pool{ID: "b"}
	cs.Pools["a"] = &model.Pool{ID: "a"}
	cs.Positions[PositionKey("a", "z")] = model.NewPosition("a", "z")
	cs.Positions[PositionKey("a", "b")] = model.NewPosition("a", "b")
	cs.Accounts["y"] = model.NewEscrowAccount("y")
	cs.Accounts["x"] = model.NewEscrowAccount("x")

	assert.False(t, cs.Empty())
	assert.Equal(t, "a", cs.SortedPools()[0].ID)
	assert.Equal(t, "b", cs.SortedPositions()[0].UserID)
	assert.Equal(t, "x", cs.SortedAccounts()[0].UserID)
}
