package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/farm-engine/internal/model"
	"github.com/atmx/farm-engine/internal/staking"
	"github.com/atmx/farm-engine/internal/txn"
)

// AccountView is an escrow account with its live balances.
type AccountView struct {
	Account       model.EscrowAccount `json:"account"`
	EscrowBalance decimal.Decimal     `json:"escrow_balance"`
	PendingEscrow decimal.Decimal     `json:"pending_escrow"`
}

// InitStaking creates the staking state on first start. Later calls keep
// the persisted parameters.
func (e *Engine) InitStaking(ctx context.Context, params staking.Params) (*model.StakingState, error) {
	var out *model.StakingState
	err := e.update(ctx, model.KindSetStakingParam, func(tx *txn.Tx, now int64) error {
		st, err := e.staking.Init(ctx, tx, params, now)
		if err != nil {
			return err
		}
		out = st.Clone()
		return nil
	})
	return out, err
}

// Stake locks principal in the escrow staking module.
func (e *Engine) Stake(ctx context.Context, user string, amount decimal.Decimal) (*model.EscrowAccount, error) {
	var out *model.EscrowAccount
	err := e.update(ctx, model.KindStake, func(tx *txn.Tx, now int64) error {
		a, err := e.staking.Deposit(ctx, tx, user, amount, now)
		out = a
		return err
	})
	return out, err
}

// Unstake releases principal and settles the user's escrow.
func (e *Engine) Unstake(ctx context.Context, user string, amount decimal.Decimal) (*model.EscrowAccount, error) {
	var out *model.EscrowAccount
	err := e.update(ctx, model.KindUnstake, func(tx *txn.Tx, now int64) error {
		a, err := e.staking.Withdraw(ctx, tx, user, amount, now)
		out = a
		return err
	})
	return out, err
}

// ClaimEscrow mints the user's pending escrow.
func (e *Engine) ClaimEscrow(ctx context.Context, user string) (decimal.Decimal, error) {
	out := decimal.Zero
	err := e.update(ctx, model.KindClaimEscrow, func(tx *txn.Tx, now int64) error {
		m, err := e.staking.Claim(ctx, tx, user, now)
		out = m
		return err
	})
	return out, err
}

// UpdateStakingRewardVars advances the escrow accumulator to now.
func (e *Engine) UpdateStakingRewardVars(ctx context.Context) (*model.StakingState, error) {
	var out *model.StakingState
	err := e.update(ctx, "update_reward_vars", func(tx *txn.Tx, now int64) error {
		st, err := e.staking.UpdateRewardVars(ctx, tx, now)
		out = st
		return err
	})
	return out, err
}

// --- Owner parameters ---

// SetBaseRate changes the base escrow rate. Owner only.
func (e *Engine) SetBaseRate(ctx context.Context, caller string, rate decimal.Decimal) (*model.StakingState, error) {
	return e.setParam(ctx, func(tx *txn.Tx, now int64) (*model.StakingState, error) {
		return e.staking.SetBaseRate(ctx, tx, caller, rate, now)
	})
}

// SetSpeedUpRate changes the speed-up rate and checkpoints it. Owner only.
func (e *Engine) SetSpeedUpRate(ctx context.Context, caller string, rate decimal.Decimal) (*model.StakingState, error) {
	return e.setParam(ctx, func(tx *txn.Tx, now int64) (*model.StakingState, error) {
		return e.staking.SetSpeedUpRate(ctx, tx, caller, rate, now)
	})
}

// SetSpeedUpThreshold changes the deposit percentage that starts a speed-up window. Owner only.
func (e *Engine) SetSpeedUpThreshold(ctx context.Context, caller string, pct int64) (*model.StakingState, error) {
	return e.setParam(ctx, func(tx *txn.Tx, now int64) (*model.StakingState, error) {
		return e.staking.SetSpeedUpThreshold(ctx, tx, caller, pct, now)
	})
}

// SetMaxCapPct raises the escrow cap. Owner only.
func (e *Engine) SetMaxCapPct(ctx context.Context, caller string, pct int64) (*model.StakingState, error) {
	return e.setParam(ctx, func(tx *txn.Tx, now int64) (*model.StakingState, error) {
		return e.staking.SetMaxCapPct(ctx, tx, caller, pct, now)
	})
}

func (e *Engine) setParam(ctx context.Context, fn func(tx *txn.Tx, now int64) (*model.StakingState, error)) (*model.StakingState, error) {
	var out *model.StakingState
	err := e.update(ctx, model.KindSetStakingParam, func(tx *txn.Tx, now int64) error {
		st, err := fn(tx, now)
		out = st
		return err
	})
	return out, err
}

// MintEscrow credits escrow up to the user's cap. Owner only.
func (e *Engine) MintEscrow(ctx context.Context, caller, user string, amount decimal.Decimal) (decimal.Decimal, error) {
	out := decimal.Zero
	err := e.update(ctx, model.KindEscrowMint, func(tx *txn.Tx, now int64) error {
		b, err := e.staking.MintEscrow(ctx, tx, caller, user, amount, now)
		out = b
		return err
	})
	return out, err
}

// BurnEscrow removes escrow from a user. Owner only.
func (e *Engine) BurnEscrow(ctx context.Context, caller, user string, amount decimal.Decimal) (decimal.Decimal, error) {
	out := decimal.Zero
	err := e.update(ctx, model.KindEscrowBurn, func(tx *txn.Tx, now int64) error {
		b, err := e.staking.BurnEscrow(ctx, tx, caller, user, amount, now)
		out = b
		return err
	})
	return out, err
}

// --- Views ---

// StakingState returns the staking parameters and accumulators.
func (e *Engine) StakingState(ctx context.Context) (*model.StakingState, error) {
	var out *model.StakingState
	err := e.view(ctx, func(tx *txn.Tx, _ int64) error {
		st, err := e.staking.State(ctx, tx)
		out = st
		return err
	})
	return out, err
}

// PendingEscrow is what ClaimEscrow would mint right now.
func (e *Engine) PendingEscrow(ctx context.Context, user string) (decimal.Decimal, error) {
	out := decimal.Zero
	err := e.view(ctx, func(tx *txn.Tx, now int64) error {
		p, err := e.staking.PendingEscrow(ctx, tx, user, now)
		out = p
		return err
	})
	return out, err
}

// Account returns an escrow account with its balances.
func (e *Engine) Account(ctx context.Context, user string) (*AccountView, error) {
	var out *AccountView
	err := e.view(ctx, func(tx *txn.Tx, now int64) error {
		pending, err := e.staking.PendingEscrow(ctx, tx, user, now)
		if err != nil {
			return err
		}
		acct, err := tx.Account(ctx, user)
		if err != nil {
			return err
		}
		out = &AccountView{Account: *acct, EscrowBalance: e.staking.EscrowBalance(tx, user), PendingEscrow: pending}
		return nil
	})
	return out, err
}
