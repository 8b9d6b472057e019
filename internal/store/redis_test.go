package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/atmx/farm-engine/internal/model"
)

func TestCacheCodec_PreservesLargeAccumulators(t *testing.T) {
	// accRewardPerShare values exceed int64 quickly; the cache must keep
	// them exact.
	acc := d(1).Shift(40).Add(d(7))
	in := model.StakingState{
		AccEscrowPerShare: acc,
		TotalStaked:       d(100),
		SpeedUpHistory:    []model.RateCheckpoint{{Time: 10, Rate: d(1).Shift(18)}},
		MaxCapPct:         20000,
	}

	data, err := msgpack.Marshal(&in)
	require.NoError(t, err)

	var out model.StakingState
	require.NoError(t, msgpack.Unmarshal(data, &out))
	assert.True(t, out.AccEscrowPerShare.Equal(acc), "got %s", out.AccEscrowPerShare)
	assert.True(t, out.SpeedUpHistory[0].Rate.Equal(d(1).Shift(18)))
	assert.Equal(t, int64(20000), out.MaxCapPct)
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "pool:p1", poolKey("p1"))
	assert.Equal(t, "position:p1:alice", positionKey("p1", "alice"))
	assert.Equal(t, "escrow:alice", accountKey("alice"))
}
