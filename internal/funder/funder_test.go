package funder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/farm-engine/internal/model"
)

type fakeTarget struct {
	rate   decimal.Decimal
	funded []decimal.Decimal
	err    error
}

func (f *fakeTarget) FarmState(context.Context) (*model.FarmState, error) {
	return &model.FarmState{RewardPerSecond: f.rate, TotalAllocPoint: decimal.Zero}, nil
}

func (f *fakeTarget) FundReserve(_ context.Context, amount decimal.Decimal) error {
	if f.err != nil {
		return f.err
	}
	f.funded = append(f.funded, amount)
	return nil
}

func TestFundOnce_PrefundThenRateTimesElapsed(t *testing.T) {
	now := int64(1_000)
	target := &fakeTarget{rate: decimal.NewFromInt(10)}
	f := New(target, Config{Prefund: decimal.NewFromInt(500)}, func() time.Time { return time.Unix(now, 0) }, zerolog.Nop())
	ctx := context.Background()

	amount, err := f.FundOnce(ctx)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(500).Equal(amount))

	now = 1_030
	amount, err = f.FundOnce(ctx)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(300).Equal(amount))

	// Same second: nothing to mint.
	amount, err = f.FundOnce(ctx)
	require.NoError(t, err)
	assert.True(t, amount.IsZero())
	assert.Len(t, target.funded, 2)
}

func TestFundOnce_FailureCatchesUpNextRun(t *testing.T) {
	now := int64(0)
	target := &fakeTarget{rate: decimal.NewFromInt(2)}
	f := New(target, Config{}, func() time.Time { return time.Unix(now, 0) }, zerolog.Nop())
	ctx := context.Background()

	_, err := f.FundOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, target.funded, "no prefund configured")

	now = 10
	target.err = errors.New("ledger offline")
	_, err = f.FundOnce(ctx)
	require.Error(t, err)

	now = 15
	target.err = nil
	amount, err := f.FundOnce(ctx)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(30).Equal(amount))
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	f := New(&fakeTarget{}, Config{Schedule: "every now and then"}, nil, zerolog.Nop())
	assert.Error(t, f.Start())
}

func TestStartStop(t *testing.T) {
	f := New(&fakeTarget{rate: decimal.Zero}, Config{}, nil, zerolog.Nop())
	require.NoError(t, f.Start())
	f.Stop()
}
