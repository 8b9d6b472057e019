package recorder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/farm-engine/internal/model"
)

func activity(id, kind, pool, user string, amount int64, at int64) model.Activity {
	return model.Activity{
		ID:        id,
		Kind:      kind,
		PoolID:    pool,
		UserID:    user,
		Amount:    decimal.NewFromInt(amount),
		Reward:    decimal.Zero,
		Escrow:    decimal.Zero,
		Timestamp: time.Unix(at, 0).UTC(),
	}
}

func newRecorder(t *testing.T) *SQLiteRecorder {
	t.Helper()
	r, err := NewSQLiteRecorder(filepath.Join(t.TempDir(), "journal.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSQLiteRecorder_RecordAndList(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, []model.Activity{
		activity("a1", model.KindDeposit, "p1", "alice", 100, 10),
		activity("a2", model.KindDeposit, "p1", "bob", 50, 11),
		activity("a3", model.KindHarvest, "p2", "alice", 0, 12),
	}))

	all, err := r.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a3", all[0].ID, "newest first")
	assert.True(t, decimal.NewFromInt(100).Equal(all[2].Amount))
	assert.Equal(t, int64(10), all[2].Timestamp.Unix())

	mine, err := r.List(ctx, Filter{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	pool, err := r.List(ctx, Filter{PoolID: "p1", Kind: model.KindDeposit, Limit: 1})
	require.NoError(t, err)
	require.Len(t, pool, 1)
	assert.Equal(t, "a2", pool[0].ID)
}

func TestSQLiteRecorder_KeepsLargeAmountsExact(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	a := activity("big", model.KindEscrowMint, "", "alice", 0, 1)
	a.Escrow = decimal.RequireFromString("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	require.NoError(t, r.Record(ctx, []model.Activity{a}))

	got, err := r.List(ctx, Filter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, a.Escrow.Equal(got[0].Escrow))
}

func TestSQLiteRecorder_DuplicateIDRejected(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, []model.Activity{activity("dup", model.KindDeposit, "p", "u", 1, 1)}))
	err := r.Record(ctx, []model.Activity{
		activity("fresh", model.KindDeposit, "p", "u", 1, 2),
		activity("dup", model.KindDeposit, "p", "u", 1, 3),
	})
	require.Error(t, err)

	got, err := r.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 1, "a failed batch writes nothing")
}

func TestNoopRecorder(t *testing.T) {
	n := NewNoopRecorder()
	require.NoError(t, n.Record(context.Background(), []model.Activity{activity("x", model.KindDeposit, "", "", 1, 1)}))
	got, err := n.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, n.Close())
}
