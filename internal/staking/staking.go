// Package staking implements time-decay escrow staking: staked principal
// accrues a non-transferable escrow balance at a base rate, plus a speed-up
// rate for a window after a large enough deposit, up to a cap proportional
// to the stake. Every escrow balance change is pushed synchronously to an
// EscrowListener.
//
// Rates are escrow units per staked unit per second, scaled by 1e18.
package staking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/farm-engine/internal/fixedpoint"
	"github.com/atmx/farm-engine/internal/ledger"
	"github.com/atmx/farm-engine/internal/model"
	"github.com/atmx/farm-engine/internal/store"
)

var (
	ErrInvalidAmount        = errors.New("staking: invalid amount")
	ErrInsufficientStake    = errors.New("staking: insufficient stake")
	ErrNothingStaked        = errors.New("staking: nothing staked")
	ErrInvalidConfiguration = errors.New("staking: invalid configuration")
	ErrUnauthorized         = errors.New("staking: caller is not the owner")
	ErrNotInitialized       = errors.New("staking: not initialized")
)

// Parameter bounds.
const (
	MaxCapPctCeiling    = 10_000_000
	MaxSpeedUpThreshold = 100
)

// Tx is the unit of work staking reads and writes through.
type Tx interface {
	StakingState(ctx context.Context) (*model.StakingState, error)
	PutStakingState(st *model.StakingState)
	Account(ctx context.Context, userID string) (*model.EscrowAccount, error)
	PutAccount(a *model.EscrowAccount)
	Ledger(custody string) ledger.Ledger
	Record(a model.Activity)
}

// EscrowListener is told about every escrow balance change inside the same
// unit of work that made it.
type EscrowListener interface {
	OnEscrowBalanceChanged(ctx context.Context, tx Tx, user string, balance decimal.Decimal, now int64) error
}

// Config holds the module's token and account wiring.
type Config struct {
	Owner       string
	StakeToken  string
	EscrowToken string
	Custody     string

	// ForfeitEscrowOnWithdraw burns the whole escrow balance on any
	// withdrawal, pending escrow included, matching the deployed staking
	// contract. When false, pending escrow is harvested first and only the
	// excess over the reduced cap is burned. The server default is true.
	ForfeitEscrowOnWithdraw bool
}

// Params are the owner-tunable accrual parameters.
type Params struct {
	BaseRate         decimal.Decimal `json:"base_rate" yaml:"base_rate"`
	SpeedUpRate      decimal.Decimal `json:"speed_up_rate" yaml:"speed_up_rate"`
	SpeedUpThreshold int64           `json:"speed_up_threshold" yaml:"speed_up_threshold"` // percent of the prior stake
	SpeedUpDuration  int64           `json:"speed_up_duration" yaml:"speed_up_duration"`   // seconds
	MaxCapPct        int64           `json:"max_cap_pct" yaml:"max_cap_pct"`               // cap = stake * pct / 100
}

// DefaultParams mirrors a 1 escrow/s base rate, equal speed-up, a 5%
// threshold, a 50s window and a 200x cap.
func DefaultParams() Params {
	return Params{
		BaseRate:         fixedpoint.EscrowScale,
		SpeedUpRate:      fixedpoint.EscrowScale,
		SpeedUpThreshold: 5,
		SpeedUpDuration:  50,
		MaxCapPct:        20_000,
	}
}

// Validate checks every parameter against its bound.
func (p Params) Validate() error {
	if err := validateRate(p.BaseRate); err != nil {
		return err
	}
	if err := validateRate(p.SpeedUpRate); err != nil {
		return err
	}
	if err := validateThreshold(p.SpeedUpThreshold); err != nil {
		return err
	}
	if p.SpeedUpDuration <= 0 {
		return fmt.Errorf("%w: speed-up duration %d must be positive", ErrInvalidConfiguration, p.SpeedUpDuration)
	}
	if p.MaxCapPct <= 0 || p.MaxCapPct > MaxCapPctCeiling {
		return fmt.Errorf("%w: max cap pct %d must be in (0, %d]", ErrInvalidConfiguration, p.MaxCapPct, MaxCapPctCeiling)
	}
	return nil
}

// Staking is the escrow staking module. It holds no state of its own.
type Staking struct {
	cfg      Config
	listener EscrowListener
	log      zerolog.Logger
}

// New creates the module. listener may be nil.
func New(cfg Config, listener EscrowListener, log zerolog.Logger) (*Staking, error) {
	if cfg.Owner == "" || cfg.StakeToken == "" || cfg.EscrowToken == "" || cfg.Custody == "" {
		return nil, fmt.Errorf("%w: owner, tokens and custody are required", ErrInvalidConfiguration)
	}
	return &Staking{cfg: cfg, listener: listener, log: log.With().Str("component", "staking").Logger()}, nil
}

// Config returns the module configuration.
func (s *Staking) Config() Config { return s.cfg }

// Init creates the global state from params unless it already exists.
func (s *Staking) Init(ctx context.Context, tx Tx, params Params, now int64) (*model.StakingState, error) {
	st, err := tx.StakingState(ctx)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	st = &model.StakingState{
		AccEscrowPerShare: decimal.Zero,
		LastRewardTime:    now,
		TotalStaked:       decimal.Zero,
		BaseRate:          params.BaseRate,
		SpeedUpRate:       params.SpeedUpRate,
		SpeedUpHistory:    []model.RateCheckpoint{{Time: now, Rate: params.SpeedUpRate}},
		SpeedUpThreshold:  params.SpeedUpThreshold,
		SpeedUpDuration:   params.SpeedUpDuration,
		MaxCapPct:         params.MaxCapPct,
	}
	tx.PutStakingState(st)
	s.log.Info().Str("base_rate", params.BaseRate.String()).Str("speed_up_rate", params.SpeedUpRate.String()).
		Int64("max_cap_pct", params.MaxCapPct).Msg("staking initialized")
	return st, nil
}

// --- User operations ---

// Deposit stakes amount. Pending escrow is minted first; a deposit of at
// least the threshold share of the prior stake, or any first deposit,
// (re)starts the speed-up window.
func (s *Staking) Deposit(ctx context.Context, tx Tx, user string, amount decimal.Decimal, now int64) (*model.EscrowAccount, error) {
	if err := validatePositive(amount); err != nil {
		return nil, err
	}
	st, acct, err := s.load(ctx, tx, user, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Ledger(s.cfg.Custody).TransferIn(s.cfg.StakeToken, user, amount); err != nil {
		return nil, fmt.Errorf("stake %s: %w", s.cfg.StakeToken, err)
	}

	minted := decimal.Zero
	if acct.Staked.IsPositive() {
		if minted, err = s.claim(ctx, tx, st, acct, now); err != nil {
			return nil, err
		}
		threshold := acct.Staked.Mul(decimal.NewFromInt(st.SpeedUpThreshold))
		if amount.Mul(fixedpoint.Hundred).GreaterThanOrEqual(threshold) {
			acct.SpeedUpEndTime = now + st.SpeedUpDuration
		}
	} else {
		acct.SpeedUpEndTime = now + st.SpeedUpDuration
	}

	acct.Staked = acct.Staked.Add(amount)
	st.TotalStaked = st.TotalStaked.Add(amount)
	acct.RewardDebt = debtFor(acct.Staked, st.AccEscrowPerShare)
	acct.LastClaimTime = now
	tx.PutAccount(acct)
	tx.PutStakingState(st)

	tx.Record(s.activity(model.KindStake, user, amount, minted, now))
	return copyAccount(acct), nil
}

// Withdraw unstakes amount and ends any speed-up window.
func (s *Staking) Withdraw(ctx context.Context, tx Tx, user string, amount decimal.Decimal, now int64) (*model.EscrowAccount, error) {
	if err := validatePositive(amount); err != nil {
		return nil, err
	}
	st, acct, err := s.load(ctx, tx, user, now)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(acct.Staked) {
		return nil, fmt.Errorf("%w: withdraw %s, staked %s", ErrInsufficientStake, amount, acct.Staked)
	}

	vault := tx.Ledger(s.cfg.Custody)
	balance := vault.BalanceOf(s.cfg.EscrowToken, user)
	target := decimal.Zero
	if !s.cfg.ForfeitEscrowOnWithdraw {
		pending := s.pending(st, acct, balance, now)
		remaining := acct.Staked.Sub(amount)
		target = fixedpoint.Min(balance.Add(pending), capFor(remaining, st.MaxCapPct))
	}

	acct.Staked = acct.Staked.Sub(amount)
	st.TotalStaked = st.TotalStaked.Sub(amount)
	acct.RewardDebt = debtFor(acct.Staked, st.AccEscrowPerShare)
	acct.LastClaimTime = now
	acct.SpeedUpEndTime = 0
	tx.PutAccount(acct)
	tx.PutStakingState(st)

	delta, err := s.moveEscrow(ctx, tx, user, balance, target, now)
	if err != nil {
		return nil, err
	}
	if err := vault.TransferOut(s.cfg.StakeToken, user, amount); err != nil {
		return nil, fmt.Errorf("unstake %s: %w", s.cfg.StakeToken, err)
	}

	tx.Record(s.activity(model.KindUnstake, user, amount, delta, now))
	return copyAccount(acct), nil
}

// Claim mints pending escrow without changing the stake.
func (s *Staking) Claim(ctx context.Context, tx Tx, user string, now int64) (decimal.Decimal, error) {
	st, acct, err := s.load(ctx, tx, user, now)
	if err != nil {
		return decimal.Zero, err
	}
	if acct.Staked.IsZero() {
		return decimal.Zero, ErrNothingStaked
	}
	minted, err := s.claim(ctx, tx, st, acct, now)
	if err != nil {
		return decimal.Zero, err
	}
	tx.PutAccount(acct)
	tx.PutStakingState(st)

	tx.Record(s.activity(model.KindClaimEscrow, user, decimal.Zero, minted, now))
	return minted, nil
}

// UpdateRewardVars brings the global accumulator up to now.
func (s *Staking) UpdateRewardVars(ctx context.Context, tx Tx, now int64) (*model.StakingState, error) {
	st, err := s.state(ctx, tx)
	if err != nil {
		return nil, err
	}
	reconcile(st, now)
	tx.PutStakingState(st)
	return st.Clone(), nil
}

// --- Owner-gated escrow adjustments ---

// MintEscrow credits escrow to a user up to their cap.
func (s *Staking) MintEscrow(ctx context.Context, tx Tx, caller, user string, amount decimal.Decimal, now int64) (decimal.Decimal, error) {
	if caller != s.cfg.Owner {
		return decimal.Zero, ErrUnauthorized
	}
	if err := validatePositive(amount); err != nil {
		return decimal.Zero, err
	}
	st, acct, err := s.load(ctx, tx, user, now)
	if err != nil {
		return decimal.Zero, err
	}
	balance := tx.Ledger(s.cfg.Custody).BalanceOf(s.cfg.EscrowToken, user)
	target := balance.Add(amount)
	if limit := capFor(acct.Staked, st.MaxCapPct); target.GreaterThan(limit) {
		return decimal.Zero, fmt.Errorf("%w: escrow %s would exceed cap %s", ErrInvalidAmount, target, limit)
	}
	tx.PutStakingState(st)
	if _, err := s.moveEscrow(ctx, tx, user, balance, target, now); err != nil {
		return decimal.Zero, err
	}
	return target, nil
}

// BurnEscrow removes escrow from a user.
func (s *Staking) BurnEscrow(ctx context.Context, tx Tx, caller, user string, amount decimal.Decimal, now int64) (decimal.Decimal, error) {
	if caller != s.cfg.Owner {
		return decimal.Zero, ErrUnauthorized
	}
	if err := validatePositive(amount); err != nil {
		return decimal.Zero, err
	}
	balance := tx.Ledger(s.cfg.Custody).BalanceOf(s.cfg.EscrowToken, user)
	if amount.GreaterThan(balance) {
		return decimal.Zero, fmt.Errorf("%w: burn %s, balance %s", ErrInvalidAmount, amount, balance)
	}
	target := balance.Sub(amount)
	if _, err := s.moveEscrow(ctx, tx, user, balance, target, now); err != nil {
		return decimal.Zero, err
	}
	return target, nil
}

// --- Owner-gated parameters ---

// SetBaseRate changes the base rate from now on.
func (s *Staking) SetBaseRate(ctx context.Context, tx Tx, caller string, rate decimal.Decimal, now int64) (*model.StakingState, error) {
	if caller != s.cfg.Owner {
		return nil, ErrUnauthorized
	}
	if err := validateRate(rate); err != nil {
		return nil, err
	}
	st, err := s.state(ctx, tx)
	if err != nil {
		return nil, err
	}
	reconcile(st, now)
	st.BaseRate = rate
	tx.PutStakingState(st)
	s.recordParam(tx, "base_rate", rate, now)
	return st.Clone(), nil
}

// SetSpeedUpRate changes the speed-up rate from now on. Time already spent
// inside a window keeps the rate that was in force.
func (s *Staking) SetSpeedUpRate(ctx context.Context, tx Tx, caller string, rate decimal.Decimal, now int64) (*model.StakingState, error) {
	if caller != s.cfg.Owner {
		return nil, ErrUnauthorized
	}
	if err := validateRate(rate); err != nil {
		return nil, err
	}
	st, err := s.state(ctx, tx)
	if err != nil {
		return nil, err
	}
	reconcile(st, now)
	st.SpeedUpRate = rate
	if n := len(st.SpeedUpHistory); n > 0 && st.SpeedUpHistory[n-1].Time == now {
		st.SpeedUpHistory[n-1].Rate = rate
	} else {
		st.SpeedUpHistory = append(st.SpeedUpHistory, model.RateCheckpoint{Time: now, Rate: rate})
	}
	tx.PutStakingState(st)
	s.recordParam(tx, "speed_up_rate", rate, now)
	return st.Clone(), nil
}

// SetSpeedUpThreshold sets the deposit size, as a percent of the prior
// stake, that restarts the speed-up window.
func (s *Staking) SetSpeedUpThreshold(ctx context.Context, tx Tx, caller string, pct int64, now int64) (*model.StakingState, error) {
	if caller != s.cfg.Owner {
		return nil, ErrUnauthorized
	}
	if err := validateThreshold(pct); err != nil {
		return nil, err
	}
	st, err := s.state(ctx, tx)
	if err != nil {
		return nil, err
	}
	st.SpeedUpThreshold = pct
	tx.PutStakingState(st)
	s.recordParam(tx, "speed_up_threshold", decimal.NewFromInt(pct), now)
	return st.Clone(), nil
}

// SetMaxCapPct raises the escrow cap. It can never be lowered, so existing
// balances always stay within it.
func (s *Staking) SetMaxCapPct(ctx context.Context, tx Tx, caller string, pct int64, now int64) (*model.StakingState, error) {
	if caller != s.cfg.Owner {
		return nil, ErrUnauthorized
	}
	st, err := s.state(ctx, tx)
	if err != nil {
		return nil, err
	}
	if pct <= 0 || pct > MaxCapPctCeiling || pct < st.MaxCapPct {
		return nil, fmt.Errorf("%w: max cap pct %d must be in [%d, %d]", ErrInvalidConfiguration, pct, st.MaxCapPct, MaxCapPctCeiling)
	}
	st.MaxCapPct = pct
	tx.PutStakingState(st)
	s.recordParam(tx, "max_cap_pct", decimal.NewFromInt(pct), now)
	return st.Clone(), nil
}

func (s *Staking) recordParam(tx Tx, name string, value decimal.Decimal, now int64) {
	s.log.Info().Str("param", name).Str("value", value.String()).Int64("at", now).Msg("staking parameter updated")
	a := s.activity(model.KindSetStakingParam, s.cfg.Owner, value, decimal.Zero, now)
	a.PoolID = name
	tx.Record(a)
}

// --- Views ---

// PendingEscrow is what Claim would mint at now.
func (s *Staking) PendingEscrow(ctx context.Context, tx Tx, user string, now int64) (decimal.Decimal, error) {
	st, err := s.state(ctx, tx)
	if err != nil {
		return decimal.Zero, err
	}
	acct, err := tx.Account(ctx, user)
	if err != nil {
		return decimal.Zero, err
	}
	sim := st.Clone()
	reconcile(sim, now)
	balance := tx.Ledger(s.cfg.Custody).BalanceOf(s.cfg.EscrowToken, user)
	return s.pending(sim, acct, balance, now), nil
}

// EscrowBalance reads the user's escrow token balance.
func (s *Staking) EscrowBalance(tx Tx, user string) decimal.Decimal {
	return tx.Ledger(s.cfg.Custody).BalanceOf(s.cfg.EscrowToken, user)
}

// State returns a copy of the global state.
func (s *Staking) State(ctx context.Context, tx Tx) (*model.StakingState, error) {
	st, err := s.state(ctx, tx)
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// --- internals ---

func (s *Staking) state(ctx context.Context, tx Tx) (*model.StakingState, error) {
	st, err := tx.StakingState(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotInitialized
	}
	return st, err
}

func (s *Staking) load(ctx context.Context, tx Tx, user string, now int64) (*model.StakingState, *model.EscrowAccount, error) {
	st, err := s.state(ctx, tx)
	if err != nil {
		return nil, nil, err
	}
	reconcile(st, now)
	acct, err := tx.Account(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return st, acct, nil
}

// reconcile advances the per-share accumulator. Nothing accrues while
// nothing is staked.
func reconcile(st *model.StakingState, now int64) {
	if now <= st.LastRewardTime {
		return
	}
	if st.TotalStaked.IsZero() {
		st.LastRewardTime = now
		return
	}
	elapsed := decimal.NewFromInt(now - st.LastRewardTime)
	st.AccEscrowPerShare = st.AccEscrowPerShare.Add(elapsed.Mul(st.BaseRate))
	st.LastRewardTime = now
}

// claim mints what is pending. An expired speed-up window is closed; the
// debt and claim time only move when something was minted, so a capped
// account keeps its backlog for when the cap rises.
func (s *Staking) claim(ctx context.Context, tx Tx, st *model.StakingState, acct *model.EscrowAccount, now int64) (decimal.Decimal, error) {
	balance := tx.Ledger(s.cfg.Custody).BalanceOf(s.cfg.EscrowToken, acct.UserID)
	toMint := s.pending(st, acct, balance, now)

	if acct.SpeedUpEndTime != 0 && now >= acct.SpeedUpEndTime {
		acct.SpeedUpEndTime = 0
	}
	if toMint.IsPositive() {
		acct.RewardDebt = debtFor(acct.Staked, st.AccEscrowPerShare)
		acct.LastClaimTime = now
		if _, err := s.moveEscrow(ctx, tx, acct.UserID, balance, balance.Add(toMint), now); err != nil {
			return decimal.Zero, err
		}
	}
	return toMint, nil
}

// pending is base plus speed-up accrual, clipped to the cap.
func (s *Staking) pending(st *model.StakingState, acct *model.EscrowAccount, balance decimal.Decimal, now int64) decimal.Decimal {
	if acct.Staked.IsZero() {
		return decimal.Zero
	}
	base := fixedpoint.SubFloor(debtFor(acct.Staked, st.AccEscrowPerShare), acct.RewardDebt)

	speedUp := decimal.Zero
	if acct.SpeedUpEndTime != 0 {
		end := now
		if acct.SpeedUpEndTime < end {
			end = acct.SpeedUpEndTime
		}
		if end > acct.LastClaimTime {
			rateSeconds := speedUpIntegral(st, acct.LastClaimTime, end)
			speedUp = fixedpoint.MulDiv(acct.Staked, rateSeconds, fixedpoint.EscrowScale)
		}
	}

	total := base.Add(speedUp)
	limit := capFor(acct.Staked, st.MaxCapPct)
	if balance.GreaterThanOrEqual(limit) {
		return decimal.Zero
	}
	if balance.Add(total).GreaterThan(limit) {
		return limit.Sub(balance)
	}
	return total
}

// speedUpIntegral sums rate * seconds over [from, to] using the checkpoint
// in force for each sub-interval.
func speedUpIntegral(st *model.StakingState, from, to int64) decimal.Decimal {
	history := st.SpeedUpHistory
	if len(history) == 0 {
		return decimal.NewFromInt(to - from).Mul(st.SpeedUpRate)
	}
	sum := decimal.Zero
	for i, cp := range history {
		start := from
		if i > 0 && cp.Time > start {
			start = cp.Time
		}
		end := to
		if i+1 < len(history) && history[i+1].Time < end {
			end = history[i+1].Time
		}
		if end > start {
			sum = sum.Add(decimal.NewFromInt(end - start).Mul(cp.Rate))
		}
	}
	return sum
}

// moveEscrow mints or burns to take the user's balance from current to
// target and notifies the listener. It returns the signed change.
func (s *Staking) moveEscrow(ctx context.Context, tx Tx, user string, current, target decimal.Decimal, now int64) (decimal.Decimal, error) {
	delta := target.Sub(current)
	if delta.IsZero() {
		return delta, nil
	}
	vault := tx.Ledger(s.cfg.Custody)
	kind := model.KindEscrowMint
	if delta.IsPositive() {
		if err := vault.Mint(s.cfg.EscrowToken, user, delta); err != nil {
			return decimal.Zero, fmt.Errorf("mint escrow: %w", err)
		}
	} else {
		kind = model.KindEscrowBurn
		if err := vault.Burn(s.cfg.EscrowToken, user, delta.Neg()); err != nil {
			return decimal.Zero, fmt.Errorf("burn escrow: %w", err)
		}
	}
	tx.Record(s.activity(kind, user, delta.Abs(), target, now))

	if s.listener != nil {
		if err := s.listener.OnEscrowBalanceChanged(ctx, tx, user, target, now); err != nil {
			return decimal.Zero, fmt.Errorf("escrow listener: %w", err)
		}
	}
	return delta, nil
}

func (s *Staking) activity(kind, user string, amount, escrow decimal.Decimal, now int64) model.Activity {
	return model.Activity{
		ID:        uuid.New().String(),
		Kind:      kind,
		UserID:    user,
		Amount:    amount,
		Reward:    decimal.Zero,
		Escrow:    escrow,
		Timestamp: time.Unix(now, 0).UTC(),
	}
}

func debtFor(staked, acc decimal.Decimal) decimal.Decimal {
	return fixedpoint.MulDiv(staked, acc, fixedpoint.EscrowScale)
}

func capFor(staked decimal.Decimal, maxCapPct int64) decimal.Decimal {
	return fixedpoint.MulDiv(staked, decimal.NewFromInt(maxCapPct), fixedpoint.Hundred)
}

func copyAccount(a *model.EscrowAccount) *model.EscrowAccount {
	out := *a
	return &out
}

func validatePositive(amount decimal.Decimal) error {
	if err := fixedpoint.ValidateAmount(amount); err != nil || amount.IsZero() {
		return fmt.Errorf("%w: %s must be a positive whole amount", ErrInvalidAmount, amount)
	}
	return nil
}

func validateRate(rate decimal.Decimal) error {
	if err := fixedpoint.ValidateAmount(rate); err != nil || rate.GreaterThan(fixedpoint.MaxEscrowRate) {
		return fmt.Errorf("%w: rate %s must be a whole number <= 1e36", ErrInvalidConfiguration, rate)
	}
	return nil
}

func validateThreshold(pct int64) error {
	if pct <= 0 || pct > MaxSpeedUpThreshold {
		return fmt.Errorf("%w: speed-up threshold %d must be in (0, 100]", ErrInvalidConfiguration, pct)
	}
	return nil
}
