package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/farm-engine/internal/farm"
	"github.com/atmx/farm-engine/internal/ledger"
	"github.com/atmx/farm-engine/internal/model"
	"github.com/atmx/farm-engine/internal/recorder"
	"github.com/atmx/farm-engine/internal/staking"
	"github.com/atmx/farm-engine/internal/store"
)

const (
	owner = "owner"
	alice = "alice"
	bob   = "bob"
)

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

type testClock struct {
	mu  sync.Mutex
	now int64
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(c.now, 0)
}

func (c *testClock) Set(t int64) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// switchStore fails Commit while fail is set.
type switchStore struct {
	*store.MemoryStore
	fail bool
}

func (s *switchStore) Commit(ctx context.Context, cs *store.Changeset) error {
	if s.fail {
		return errors.New("connection reset")
	}
	return s.MemoryStore.Commit(ctx, cs)
}

type memRecorder struct {
	recorder.NoopRecorder
	got []model.Activity
}

func (m *memRecorder) Record(_ context.Context, a []model.Activity) error {
	m.got = append(m.got, a...)
	return nil
}

type memHub struct{ got []model.Activity }

func (h *memHub) Broadcast(a model.Activity) { h.got = append(h.got, a) }

type testEnv struct {
	t     *testing.T
	ctx   context.Context
	clock *testClock
	st    *switchStore
	book  *ledger.Book
	rec   *memRecorder
	hub   *memHub
	eng   *Engine
	pool  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	book := ledger.NewBook()
	require.NoError(t, book.Register(ledger.TokenSpec{Symbol: "JOE", Transferable: true}))
	require.NoError(t, book.Register(ledger.TokenSpec{Symbol: "VEJOE", Transferable: false}))
	require.NoError(t, book.Register(ledger.TokenSpec{Symbol: "JOE-AVAX", Transferable: true}))
	for _, u := range []string{alice, bob} {
		require.NoError(t, book.Mint("JOE-AVAX", u, d(10_000)))
		require.NoError(t, book.Approve("JOE-AVAX", u, "farm", d(10_000)))
		require.NoError(t, book.Mint("JOE", u, d(1_000)))
		require.NoError(t, book.Approve("JOE", u, "staking", d(1_000)))
	}

	f, err := farm.New(farm.Config{
		Owner:          owner,
		RewardToken:    "JOE",
		EscrowToken:    "VEJOE",
		Custody:        "farm",
		RewardReserve:  "farm:rewards",
		BoostFactorBps: d(farm.DefaultBoostFactorBps),
	}, zerolog.Nop())
	require.NoError(t, err)
	s, err := staking.New(staking.Config{
		Owner:                   owner,
		StakeToken:              "JOE",
		EscrowToken:             "VEJOE",
		Custody:                 "staking",
		ForfeitEscrowOnWithdraw: true,
	}, BoostListener(f), zerolog.Nop())
	require.NoError(t, err)

	env := &testEnv{
		t:     t,
		ctx:   context.Background(),
		clock: &testClock{},
		st:    &switchStore{MemoryStore: store.NewMemoryStore()},
		book:  book,
		rec:   &memRecorder{},
		hub:   &memHub{},
	}
	env.eng = New(env.st, book, f, s, zerolog.Nop(),
		WithClock(env.clock.Now), WithRecorder(env.rec), WithBroadcaster(env.hub))

	_, err = env.eng.InitStaking(env.ctx, staking.DefaultParams())
	require.NoError(t, err)
	require.NoError(t, env.eng.FundReserve(env.ctx, d(1_000_000)))
	_, err = env.eng.SetRewardRate(env.ctx, owner, d(100))
	require.NoError(t, err)
	p, err := env.eng.AddPool(env.ctx, owner, "JOE-AVAX", d(100), true)
	require.NoError(t, err)
	env.pool = p.ID
	return env
}

func (e *testEnv) at(t int64) *testEnv {
	e.clock.Set(t)
	return e
}

func TestEngine_EscrowClaimBoostsFarmPosition(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.ctx

	_, err := env.eng.Deposit(ctx, env.pool, alice, d(1000))
	require.NoError(t, err)
	_, err = env.eng.Deposit(ctx, env.pool, bob, d(1000))
	require.NoError(t, err)
	_, err = env.eng.Stake(ctx, alice, d(10))
	require.NoError(t, err)

	minted, err := env.at(10).eng.ClaimEscrow(ctx, alice)
	require.NoError(t, err)
	// 10s of base plus 10s of speed-up on 10 staked units.
	assert.True(t, d(200).Equal(minted), "minted %s", minted)

	view, err := env.eng.Position(ctx, env.pool, alice)
	require.NoError(t, err)
	assert.True(t, d(2500).Equal(view.EffectiveShare), "effective share %s", view.EffectiveShare)
	assert.True(t, d(500).Equal(view.Position.Claimable), "stash %s", view.Position.Claimable)

	pool, err := env.eng.Pool(ctx, env.pool)
	require.NoError(t, err)
	assert.True(t, d(3500).Equal(pool.TotalEffectiveShare))
	assert.True(t, d(200).Equal(pool.TotalEscrow))

	// Unstaking forfeits the escrow and drops the boost.
	_, err = env.at(20).eng.Unstake(ctx, alice, d(10))
	require.NoError(t, err)
	share, err := env.eng.EffectiveShare(ctx, env.pool, alice)
	require.NoError(t, err)
	assert.True(t, d(1000).Equal(share))

	view, err = env.eng.Position(ctx, env.pool, alice)
	require.NoError(t, err)
	assert.True(t, view.Position.Claimable.GreaterThan(d(500)))
	assert.True(t, view.PendingReward.Equal(view.Position.Claimable))
}

func TestEngine_FailedCommitLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.ctx

	env.st.fail = true
	_, err := env.at(5).eng.Deposit(ctx, env.pool, alice, d(400))
	require.Error(t, err)
	env.st.fail = false

	assert.True(t, d(10_000).Equal(env.book.BalanceOf("JOE-AVAX", alice)))
	assert.True(t, env.book.BalanceOf("JOE-AVAX", "farm").IsZero())
	pos, err := env.st.GetPosition(ctx, env.pool, alice)
	if err == nil {
		assert.True(t, pos.Principal.IsZero())
	} else {
		assert.ErrorIs(t, err, store.ErrNotFound)
	}

	// The same operation succeeds once the store recovers.
	r, err := env.eng.Deposit(ctx, env.pool, alice, d(400))
	require.NoError(t, err)
	assert.True(t, d(400).Equal(r.Position.Principal))
}

func TestEngine_RejectedOperationRollsBackLedger(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.ctx

	// Empty the reserve so the harvest inside the second deposit cannot pay.
	require.NoError(t, env.book.Burn("JOE", "farm:rewards", env.book.BalanceOf("JOE", "farm:rewards")))
	_, err := env.eng.Deposit(ctx, env.pool, alice, d(100))
	require.NoError(t, err)

	_, err = env.at(10).eng.Deposit(ctx, env.pool, alice, d(100))
	require.ErrorIs(t, err, ledger.ErrInsufficientReserve)
	assert.True(t, d(9_900).Equal(env.book.BalanceOf("JOE-AVAX", alice)))

	view, err := env.eng.Position(ctx, env.pool, alice)
	require.NoError(t, err)
	assert.True(t, d(100).Equal(view.Position.Principal))
	assert.True(t, d(1000).Equal(view.PendingReward))
}

func TestEngine_ViewsDoNotWrite(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.ctx
	_, err := env.eng.Deposit(ctx, env.pool, alice, d(100))
	require.NoError(t, err)

	pending, err := env.at(30).eng.PendingReward(ctx, env.pool, alice)
	require.NoError(t, err)
	assert.True(t, d(3000).Equal(pending))

	stored, err := env.st.GetPool(ctx, env.pool)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.LastRewardTime)
}

func TestEngine_ClockNeverRunsBackwards(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, int64(100), env.at(100).eng.Now())
	assert.Equal(t, int64(100), env.at(50).eng.Now())
}

func TestEngine_PublishesCommittedActivities(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.ctx
	before := len(env.rec.got)

	_, err := env.eng.Deposit(ctx, env.pool, alice, d(100))
	require.NoError(t, err)
	require.Len(t, env.rec.got, before+1)
	assert.Equal(t, model.KindDeposit, env.rec.got[before].Kind)
	assert.Equal(t, len(env.rec.got), len(env.hub.got))

	// Rejected operations publish nothing.
	_, err = env.eng.Withdraw(ctx, env.pool, alice, d(1_000))
	require.ErrorIs(t, err, farm.ErrInsufficientBalance)
	assert.Len(t, env.rec.got, before+1)
}

func TestEngine_FundAndMint(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.ctx

	require.NoError(t, env.eng.FundReserve(ctx, d(500)))
	assert.True(t, d(1_000_500).Equal(env.eng.ReserveBalance()))

	assert.ErrorIs(t, env.eng.MintTokens(ctx, alice, "JOE", alice, d(1)), ErrUnauthorized)
	require.NoError(t, env.eng.MintTokens(ctx, owner, "JOE", alice, d(1)))
	assert.True(t, d(1_001).Equal(env.eng.Balances(ctx, alice)["JOE"]))
}

func TestEngine_MintTokensRejectsEscrowToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.ctx

	_, err := env.eng.Deposit(ctx, env.pool, alice, d(100))
	require.NoError(t, err)
	before, err := env.eng.EffectiveShare(ctx, env.pool, alice)
	require.NoError(t, err)
	published := len(env.hub.got)

	err = env.eng.MintTokens(ctx, owner, "VEJOE", alice, d(500))
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.True(t, env.book.BalanceOf("VEJOE", alice).IsZero())
	after, err := env.eng.EffectiveShare(ctx, env.pool, alice)
	require.NoError(t, err)
	assert.True(t, before.Equal(after))
	assert.Len(t, env.hub.got, published)

	// Escrow still goes through the capped staking path.
	_, err = env.eng.MintEscrow(ctx, owner, alice, d(500))
	assert.ErrorIs(t, err, staking.ErrInvalidAmount)
	assert.True(t, env.book.BalanceOf("VEJOE", alice).IsZero())
}

func TestEngine_RuntimePoolIsUsable(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.ctx

	p, err := env.eng.AddPool(ctx, owner, "usdc-wavax", d(50), false)
	require.NoError(t, err)
	assert.Equal(t, "USDC-WAVAX", p.PrincipalToken)

	require.NoError(t, env.eng.MintTokens(ctx, owner, "USDC-WAVAX", alice, d(300)))
	require.NoError(t, env.eng.Approve(ctx, alice, "farm", "USDC-WAVAX", d(300)))
	_, err = env.eng.Deposit(ctx, p.ID, alice, d(100))
	require.NoError(t, err)

	assert.True(t, d(200).Equal(env.book.BalanceOf("USDC-WAVAX", alice)))
	assert.True(t, d(100).Equal(env.book.BalanceOf("USDC-WAVAX", "farm")))

	// 50 of 150 allocation points at 100/s.
	pending, err := env.at(3).eng.PendingReward(ctx, p.ID, alice)
	require.NoError(t, err)
	assert.True(t, d(100).Equal(pending), pending.String())

	// A failed add registers nothing.
	_, err = env.eng.AddPool(ctx, alice, "DAI-WAVAX", d(10), false)
	require.Error(t, err)
	assert.ErrorIs(t, env.eng.MintTokens(ctx, owner, "DAI-WAVAX", alice, d(1)), ledger.ErrUnknownToken)
}

func TestEngine_StakingParamsAndViews(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.ctx

	_, err := env.eng.SetBaseRate(ctx, alice, d(1))
	assert.ErrorIs(t, err, staking.ErrUnauthorized)

	st, err := env.eng.SetMaxCapPct(ctx, owner, 30_000)
	require.NoError(t, err)
	assert.Equal(t, int64(30_000), st.MaxCapPct)

	_, err = env.eng.Stake(ctx, bob, d(100))
	require.NoError(t, err)
	acct, err := env.at(10).eng.Account(ctx, bob)
	require.NoError(t, err)
	assert.True(t, d(100).Equal(acct.Account.Staked))
	assert.True(t, d(2_000).Equal(acct.PendingEscrow))
	assert.True(t, acct.EscrowBalance.IsZero())

	// Re-initialising keeps the persisted parameters.
	again, err := env.eng.InitStaking(ctx, staking.DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, int64(30_000), again.MaxCapPct)
}
