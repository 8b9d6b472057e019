// Package farm implements the per-pool reward accumulator and the escrow
// boost overlay on top of it.
//
// Every pool keeps a monotonically increasing accRewardPerShare (scaled by
// 1e12). A position's pending reward is
//
//	effectiveShare * accRewardPerShare / 1e12 - rewardDebt + claimable
//
// and every operation that changes a position's effective share first
// reconciles the pool, settles what is pending and then re-anchors
// rewardDebt, so nothing is paid twice and nothing goes unaccounted.
package farm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/farm-engine/internal/asset"
	"github.com/atmx/farm-engine/internal/fixedpoint"
	"github.com/atmx/farm-engine/internal/ledger"
	"github.com/atmx/farm-engine/internal/model"
	"github.com/atmx/farm-engine/internal/store"
)

var (
	ErrInvalidAmount        = errors.New("farm: invalid amount")
	ErrInsufficientBalance  = errors.New("farm: insufficient principal")
	ErrPoolNotFound         = errors.New("farm: pool not found")
	ErrPoolExists           = errors.New("farm: pool already exists for token")
	ErrInvalidConfiguration = errors.New("farm: invalid configuration")
	ErrUnauthorized         = errors.New("farm: caller is not the owner")
)

// Tx is the unit of work the farm reads and writes through.
type Tx interface {
	FarmState(ctx context.Context) (*model.FarmState, error)
	PutFarmState(fs *model.FarmState)
	Pool(ctx context.Context, id string) (*model.Pool, error)
	PutPool(p *model.Pool)
	Pools(ctx context.Context) ([]*model.Pool, error)
	Position(ctx context.Context, poolID, userID string) (*model.Position, error)
	PutPosition(p *model.Position)
	UserPositions(ctx context.Context, userID string) ([]*model.Position, error)
	Ledger(custody string) ledger.Ledger
	Record(a model.Activity)
}

// Config holds the farm's token and account wiring.
type Config struct {
	Owner          string
	RewardToken    string
	EscrowToken    string
	Custody        string // holds deposited principal
	RewardReserve  string // holds funded reward tokens
	BoostFactorBps decimal.Decimal
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Owner == "":
		return fmt.Errorf("%w: owner is required", ErrInvalidConfiguration)
	case c.RewardToken == "" || c.EscrowToken == "":
		return fmt.Errorf("%w: reward and escrow tokens are required", ErrInvalidConfiguration)
	case c.Custody == "" || c.RewardReserve == "" || c.Custody == c.RewardReserve:
		return fmt.Errorf("%w: custody and reward reserve must be distinct accounts", ErrInvalidConfiguration)
	case c.BoostFactorBps.IsNegative() || !fixedpoint.IsWhole(c.BoostFactorBps):
		return fmt.Errorf("%w: boost factor %s", ErrInvalidConfiguration, c.BoostFactorBps)
	}
	return nil
}

// Receipt describes the outcome of a position-changing operation.
type Receipt struct {
	Pool     model.Pool      `json:"pool"`
	Position model.Position  `json:"position"`
	Reward   decimal.Decimal `json:"reward"` // paid to the user
}

// Farm is the reward accumulator with its boost overlay. It holds no state
// of its own; everything lives in the Tx.
type Farm struct {
	cfg Config
	log zerolog.Logger
}

// New creates a farm.
func New(cfg Config, log zerolog.Logger) (*Farm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Farm{cfg: cfg, log: log.With().Str("component", "farm").Logger()}, nil
}

// Config returns the farm's configuration.
func (f *Farm) Config() Config { return f.cfg }

// --- Owner-gated configuration ---

// AddPool registers a pool for a principal token. All pools are reconciled
// first so the new weight only applies from now on.
func (f *Farm) AddPool(ctx context.Context, tx Tx, caller, token string, allocPoint decimal.Decimal, boosted bool, now int64) (*model.Pool, error) {
	if caller != f.cfg.Owner {
		return nil, ErrUnauthorized
	}
	symbol, err := asset.Normalise(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if symbol == f.cfg.RewardToken || symbol == f.cfg.EscrowToken {
		return nil, fmt.Errorf("%w: %s cannot be a pool principal", ErrInvalidConfiguration, symbol)
	}
	if err := validateWeight(allocPoint); err != nil {
		return nil, err
	}

	pools, err := tx.Pools(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range pools {
		if p.PrincipalToken == symbol {
			return nil, fmt.Errorf("%w: %s (pool %s)", ErrPoolExists, symbol, p.ID)
		}
	}
	fs, err := f.reconcileAll(ctx, tx, pools, now)
	if err != nil {
		return nil, err
	}

	pool := &model.Pool{
		ID:                  uuid.New().String(),
		PrincipalToken:      symbol,
		AllocPoint:          allocPoint,
		LastRewardTime:      now,
		AccRewardPerShare:   decimal.Zero,
		TotalPrincipal:      decimal.Zero,
		TotalEffectiveShare: decimal.Zero,
		TotalEscrow:         decimal.Zero,
		TotalAccrued:        decimal.Zero,
		Boosted:             boosted,
		CreatedAt:           time.Unix(now, 0).UTC(),
	}
	tx.PutPool(pool)

	fs.TotalAllocPoint = fs.TotalAllocPoint.Add(allocPoint)
	tx.PutFarmState(fs)

	tx.Record(f.activity(model.KindAddPool, pool.ID, caller, allocPoint, decimal.Zero, decimal.Zero, now))
	f.log.Info().Str("pool", pool.ID).Str("token", symbol).Str("alloc", allocPoint.String()).
		Bool("boosted", boosted).Msg("pool added")
	out := *pool
	return &out, nil
}

// SetAllocation changes a pool's weight after reconciling every pool.
func (f *Farm) SetAllocation(ctx context.Context, tx Tx, caller, poolID string, allocPoint decimal.Decimal, now int64) (*model.Pool, error) {
	if caller != f.cfg.Owner {
		return nil, ErrUnauthorized
	}
	if err := validateWeight(allocPoint); err != nil {
		return nil, err
	}
	pool, err := f.pool(ctx, tx, poolID)
	if err != nil {
		return nil, err
	}
	pools, err := tx.Pools(ctx)
	if err != nil {
		return nil, err
	}
	fs, err := f.reconcileAll(ctx, tx, pools, now)
	if err != nil {
		return nil, err
	}

	fs.TotalAllocPoint = fs.TotalAllocPoint.Sub(pool.AllocPoint).Add(allocPoint)
	pool.AllocPoint = allocPoint
	tx.PutPool(pool)
	tx.PutFarmState(fs)

	tx.Record(f.activity(model.KindSetAllocation, pool.ID, caller, allocPoint, decimal.Zero, decimal.Zero, now))
	out := *pool
	return &out, nil
}

// SetRewardRate changes the global reward rate after reconciling every pool.
func (f *Farm) SetRewardRate(ctx context.Context, tx Tx, caller string, perSecond decimal.Decimal, now int64) (*model.FarmState, error) {
	if caller != f.cfg.Owner {
		return nil, ErrUnauthorized
	}
	if err := fixedpoint.ValidateAmount(perSecond); err != nil {
		return nil, fmt.Errorf("%w: reward rate %s", ErrInvalidConfiguration, perSecond)
	}
	pools, err := tx.Pools(ctx)
	if err != nil {
		return nil, err
	}
	fs, err := f.reconcileAll(ctx, tx, pools, now)
	if err != nil {
		return nil, err
	}
	fs.RewardPerSecond = perSecond
	tx.PutFarmState(fs)

	tx.Record(f.activity(model.KindSetRewardRate, "", caller, perSecond, decimal.Zero, decimal.Zero, now))
	out := *fs
	return &out, nil
}

// --- Reconciliation ---

// ReconcilePool brings one pool's accumulator up to now.
func (f *Farm) ReconcilePool(ctx context.Context, tx Tx, poolID string, now int64) (*model.Pool, error) {
	pool, err := f.pool(ctx, tx, poolID)
	if err != nil {
		return nil, err
	}
	fs, err := tx.FarmState(ctx)
	if err != nil {
		return nil, err
	}
	reconcile(pool, fs, now)
	tx.PutPool(pool)
	out := *pool
	return &out, nil
}

// ReconcileAll brings every pool up to now.
func (f *Farm) ReconcileAll(ctx context.Context, tx Tx, now int64) error {
	pools, err := tx.Pools(ctx)
	if err != nil {
		return err
	}
	_, err = f.reconcileAll(ctx, tx, pools, now)
	return err
}

func (f *Farm) reconcileAll(ctx context.Context, tx Tx, pools []*model.Pool, now int64) (*model.FarmState, error) {
	fs, err := tx.FarmState(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range pools {
		reconcile(p, fs, now)
		tx.PutPool(p)
	}
	return fs, nil
}

// poolReward is the reward a pool earned over [LastRewardTime, now].
func poolReward(p *model.Pool, fs *model.FarmState, now int64) decimal.Decimal {
	elapsed := now - p.LastRewardTime
	if elapsed <= 0 {
		return decimal.Zero
	}
	emitted := decimal.NewFromInt(elapsed).Mul(fs.RewardPerSecond)
	return fixedpoint.MulDiv(emitted, p.AllocPoint, fs.TotalAllocPoint)
}

// reconcile advances p's accumulator to now. A pool without shares only
// moves its clock: nothing accrues to nobody.
func reconcile(p *model.Pool, fs *model.FarmState, now int64) {
	if now <= p.LastRewardTime {
		return
	}
	if p.TotalEffectiveShare.IsZero() {
		p.LastRewardTime = now
		return
	}
	reward := poolReward(p, fs, now)
	p.AccRewardPerShare = p.AccRewardPerShare.Add(fixedpoint.MulDiv(reward, fixedpoint.RewardScale, p.TotalEffectiveShare))
	p.TotalAccrued = p.TotalAccrued.Add(reward)
	p.LastRewardTime = now
}

// accruedFor is effectiveShare * acc / 1e12.
func accruedFor(share, acc decimal.Decimal) decimal.Decimal {
	return fixedpoint.MulDiv(share, acc, fixedpoint.RewardScale)
}

// pending is what the position is owed against the pool's current
// accumulator, claimable stash included.
func pending(pool *model.Pool, pos *model.Position) decimal.Decimal {
	owed := fixedpoint.SubFloor(accruedFor(pos.EffectiveShare, pool.AccRewardPerShare), pos.RewardDebt)
	return owed.Add(pos.Claimable)
}

// --- User operations ---

// Deposit adds principal to a position after paying out what is pending.
// A zero deposit is a harvest and needs existing principal.
func (f *Farm) Deposit(ctx context.Context, tx Tx, poolID, user string, amount decimal.Decimal, now int64) (*Receipt, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	pool, pos, err := f.load(ctx, tx, poolID, user, now)
	if err != nil {
		return nil, err
	}
	if amount.IsZero() && pos.Principal.IsZero() {
		return nil, fmt.Errorf("%w: zero deposit without principal", ErrInvalidAmount)
	}

	if err := tx.Ledger(f.cfg.Custody).TransferIn(pool.PrincipalToken, user, amount); err != nil {
		return nil, fmt.Errorf("deposit %s: %w", pool.PrincipalToken, err)
	}
	reward, err := f.settle(tx, pool, pos, user)
	if err != nil {
		return nil, err
	}
	f.rebalance(tx, pool, pos, pos.Principal.Add(amount), f.escrowOf(tx, pool, user))

	tx.Record(f.activity(model.KindDeposit, pool.ID, user, amount, reward, pos.EscrowSnapshot, now))
	return receipt(pool, pos, reward), nil
}

// Withdraw removes principal after paying out what is pending. A zero
// withdrawal only harvests.
func (f *Farm) Withdraw(ctx context.Context, tx Tx, poolID, user string, amount decimal.Decimal, now int64) (*Receipt, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	pool, pos, err := f.load(ctx, tx, poolID, user, now)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(pos.Principal) {
		return nil, fmt.Errorf("%w: withdraw %s, principal %s", ErrInsufficientBalance, amount, pos.Principal)
	}

	reward, err := f.settle(tx, pool, pos, user)
	if err != nil {
		return nil, err
	}
	f.rebalance(tx, pool, pos, pos.Principal.Sub(amount), f.escrowOf(tx, pool, user))
	if err := tx.Ledger(f.cfg.Custody).TransferOut(pool.PrincipalToken, user, amount); err != nil {
		return nil, fmt.Errorf("withdraw %s: %w", pool.PrincipalToken, err)
	}

	kind := model.KindWithdraw
	if amount.IsZero() {
		kind = model.KindHarvest
	}
	tx.Record(f.activity(kind, pool.ID, user, amount, reward, pos.EscrowSnapshot, now))
	return receipt(pool, pos, reward), nil
}

// Harvest pays out pending rewards without touching principal.
func (f *Farm) Harvest(ctx context.Context, tx Tx, poolID, user string, now int64) (*Receipt, error) {
	return f.Withdraw(ctx, tx, poolID, user, decimal.Zero, now)
}

// EmergencyWithdraw returns all principal and forfeits pending rewards. It
// never touches the reward reserve.
func (f *Farm) EmergencyWithdraw(ctx context.Context, tx Tx, poolID, user string, now int64) (*Receipt, error) {
	pool, pos, err := f.load(ctx, tx, poolID, user, now)
	if err != nil {
		return nil, err
	}
	amount := pos.Principal
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: nothing deposited", ErrInsufficientBalance)
	}

	pool.TotalPrincipal = pool.TotalPrincipal.Sub(amount)
	pool.TotalEffectiveShare = pool.TotalEffectiveShare.Sub(pos.EffectiveShare)
	pool.TotalEscrow = pool.TotalEscrow.Sub(pos.EscrowSnapshot)
	forfeited := pending(pool, pos)
	pos.Principal = decimal.Zero
	pos.EffectiveShare = decimal.Zero
	pos.EscrowSnapshot = decimal.Zero
	pos.RewardDebt = decimal.Zero
	pos.Claimable = decimal.Zero
	tx.PutPool(pool)
	tx.PutPosition(pos)

	if err := tx.Ledger(f.cfg.Custody).TransferOut(pool.PrincipalToken, user, amount); err != nil {
		return nil, fmt.Errorf("emergency withdraw %s: %w", pool.PrincipalToken, err)
	}

	tx.Record(f.activity(model.KindEmergencyWithdraw, pool.ID, user, amount, decimal.Zero, decimal.Zero, now))
	f.log.Warn().Str("pool", pool.ID).Str("user", user).Str("amount", amount.String()).
		Str("forfeited", forfeited.String()).Msg("emergency withdraw")
	return receipt(pool, pos, decimal.Zero), nil
}

// OnEscrowBalanceChanged re-weights every boosted position the user holds
// against a new escrow balance. What was pending under the old weight moves
// to the claimable stash; principal is untouched.
func (f *Farm) OnEscrowBalanceChanged(ctx context.Context, tx Tx, user string, balance decimal.Decimal, now int64) error {
	positions, err := tx.UserPositions(ctx, user)
	if err != nil {
		return err
	}
	fs, err := tx.FarmState(ctx)
	if err != nil {
		return err
	}

	for _, pos := range positions {
		if pos.Principal.IsZero() {
			continue
		}
		pool, err := f.pool(ctx, tx, pos.PoolID)
		if err != nil {
			return err
		}
		if !pool.Boosted {
			continue
		}
		reconcile(pool, fs, now)

		stash := pending(pool, pos)
		pos.Claimable = stash
		f.rebalance(tx, pool, pos, pos.Principal, balance)

		tx.Record(f.activity(model.KindBoostUpdate, pool.ID, user, decimal.Zero, stash, balance, now))
		f.log.Debug().Str("pool", pool.ID).Str("user", user).Str("escrow", balance.String()).
			Str("effective_share", pos.EffectiveShare.String()).Msg("boost updated")
	}
	return nil
}

// --- Views ---

// PendingReward replays reconciliation up to now without writing anything.
func (f *Farm) PendingReward(ctx context.Context, tx Tx, poolID, user string, now int64) (decimal.Decimal, error) {
	pool, err := f.pool(ctx, tx, poolID)
	if err != nil {
		return decimal.Zero, err
	}
	fs, err := tx.FarmState(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	pos, err := tx.Position(ctx, poolID, user)
	if err != nil {
		return decimal.Zero, err
	}

	sim := *pool
	reconcile(&sim, fs, now)
	return pending(&sim, pos), nil
}

// EffectiveShare returns the user's current (possibly boosted) share.
func (f *Farm) EffectiveShare(ctx context.Context, tx Tx, poolID, user string) (decimal.Decimal, error) {
	if _, err := f.pool(ctx, tx, poolID); err != nil {
		return decimal.Zero, err
	}
	pos, err := tx.Position(ctx, poolID, user)
	if err != nil {
		return decimal.Zero, err
	}
	return pos.EffectiveShare, nil
}

// Pool returns a copy of a pool as last reconciled.
func (f *Farm) Pool(ctx context.Context, tx Tx, id string) (*model.Pool, error) {
	p, err := f.pool(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	out := *p
	return &out, nil
}

// --- internals ---

func (f *Farm) pool(ctx context.Context, tx Tx, id string) (*model.Pool, error) {
	p, err := tx.Pool(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, id)
	}
	return p, err
}

// load fetches and reconciles the pool and fetches the position.
func (f *Farm) load(ctx context.Context, tx Tx, poolID, user string, now int64) (*model.Pool, *model.Position, error) {
	pool, err := f.pool(ctx, tx, poolID)
	if err != nil {
		return nil, nil, err
	}
	fs, err := tx.FarmState(ctx)
	if err != nil {
		return nil, nil, err
	}
	reconcile(pool, fs, now)
	tx.PutPool(pool)

	pos, err := tx.Position(ctx, poolID, user)
	if err != nil {
		return nil, nil, err
	}
	return pool, pos, nil
}

// settle pays out pending plus claimable and clears the stash.
func (f *Farm) settle(tx Tx, pool *model.Pool, pos *model.Position, user string) (decimal.Decimal, error) {
	reward := pending(pool, pos)
	if err := tx.Ledger(f.cfg.RewardReserve).TransferOut(f.cfg.RewardToken, user, reward); err != nil {
		return decimal.Zero, fmt.Errorf("pay reward: %w", err)
	}
	pos.Claimable = decimal.Zero
	pos.Harvested = pos.Harvested.Add(reward)
	return reward, nil
}

// rebalance swaps the position's contribution to the pool totals for one
// computed from the new principal and escrow, then re-anchors the debt.
// Depositors without principal carry no escrow weight.
func (f *Farm) rebalance(tx Tx, pool *model.Pool, pos *model.Position, principal, escrow decimal.Decimal) {
	if !pool.Boosted || principal.IsZero() {
		escrow = decimal.Zero
	}

	pool.TotalEffectiveShare = pool.TotalEffectiveShare.Sub(pos.EffectiveShare)
	pool.TotalEscrow = pool.TotalEscrow.Sub(pos.EscrowSnapshot)
	pool.TotalPrincipal = pool.TotalPrincipal.Sub(pos.Principal).Add(principal)
	pool.TotalEscrow = pool.TotalEscrow.Add(escrow)

	pos.Principal = principal
	pos.EscrowSnapshot = escrow
	if pool.Boosted {
		pos.EffectiveShare = BoostedShare(principal, escrow, pool.TotalPrincipal, pool.TotalEscrow, f.cfg.BoostFactorBps)
	} else {
		pos.EffectiveShare = principal
	}
	pool.TotalEffectiveShare = pool.TotalEffectiveShare.Add(pos.EffectiveShare)
	pos.RewardDebt = accruedFor(pos.EffectiveShare, pool.AccRewardPerShare)

	tx.PutPool(pool)
	tx.PutPosition(pos)
}

func (f *Farm) escrowOf(tx Tx, pool *model.Pool, user string) decimal.Decimal {
	if !pool.Boosted {
		return decimal.Zero
	}
	return tx.Ledger(f.cfg.Custody).BalanceOf(f.cfg.EscrowToken, user)
}

func (f *Farm) activity(kind, poolID, user string, amount, reward, escrow decimal.Decimal, now int64) model.Activity {
	return model.Activity{
		ID:        uuid.New().String(),
		Kind:      kind,
		PoolID:    poolID,
		UserID:    user,
		Amount:    amount,
		Reward:    reward,
		Escrow:    escrow,
		Timestamp: time.Unix(now, 0).UTC(),
	}
}

func receipt(pool *model.Pool, pos *model.Position, reward decimal.Decimal) *Receipt {
	return &Receipt{Pool: *pool, Position: *pos, Reward: reward}
}

func validateAmount(amount decimal.Decimal) error {
	if err := fixedpoint.ValidateAmount(amount); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return nil
}

func validateWeight(w decimal.Decimal) error {
	if err := fixedpoint.ValidateAmount(w); err != nil {
		return fmt.Errorf("%w: allocation weight %s", ErrInvalidConfiguration, w)
	}
	return nil
}
