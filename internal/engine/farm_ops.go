package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/farm-engine/internal/farm"
	"github.com/atmx/farm-engine/internal/model"
	"github.com/atmx/farm-engine/internal/txn"
)

// PositionView is a position with its live reward figures.
type PositionView struct {
	Position       model.Position  `json:"position"`
	PendingReward  decimal.Decimal `json:"pending_reward"`
	EffectiveShare decimal.Decimal `json:"effective_share"`
}

// --- Owner configuration ---

// AddPool creates a pool and registers its principal token in the book.
func (e *Engine) AddPool(ctx context.Context, caller, token string, allocPoint decimal.Decimal, boosted bool) (*model.Pool, error) {
	var out *model.Pool
	err := e.update(ctx, model.KindAddPool, func(tx *txn.Tx, now int64) error {
		p, err := e.farm.AddPool(ctx, tx, caller, token, allocPoint, boosted, now)
		out = p
		return err
	})
	if err != nil {
		return nil, err
	}
	e.book.EnsureRegistered(out.PrincipalToken)
	return out, nil
}

// SetAllocation changes a pool's weight. Owner only.
func (e *Engine) SetAllocation(ctx context.Context, caller, poolID string, allocPoint decimal.Decimal) (*model.Pool, error) {
	var out *model.Pool
	err := e.update(ctx, model.KindSetAllocation, func(tx *txn.Tx, now int64) error {
		p, err := e.farm.SetAllocation(ctx, tx, caller, poolID, allocPoint, now)
		out = p
		return err
	})
	return out, err
}

// SetRewardRate changes the farm-wide emission rate. Owner only.
func (e *Engine) SetRewardRate(ctx context.Context, caller string, perSecond decimal.Decimal) (*model.FarmState, error) {
	var out *model.FarmState
	err := e.update(ctx, model.KindSetRewardRate, func(tx *txn.Tx, now int64) error {
		fs, err := e.farm.SetRewardRate(ctx, tx, caller, perSecond, now)
		out = fs
		return err
	})
	return out, err
}

// --- Reconciliation ---

// ReconcilePool brings one pool's accumulator up to now.
func (e *Engine) ReconcilePool(ctx context.Context, poolID string) (*model.Pool, error) {
	var out *model.Pool
	err := e.update(ctx, "reconcile", func(tx *txn.Tx, now int64) error {
		p, err := e.farm.ReconcilePool(ctx, tx, poolID, now)
		out = p
		return err
	})
	return out, err
}

// ReconcileAll brings every pool up to now.
func (e *Engine) ReconcileAll(ctx context.Context) error {
	return e.update(ctx, "reconcile_all", func(tx *txn.Tx, now int64) error {
		return e.farm.ReconcileAll(ctx, tx, now)
	})
}

// --- Positions ---

// Deposit adds principal to a position, paying out pending reward first.
func (e *Engine) Deposit(ctx context.Context, poolID, user string, amount decimal.Decimal) (*farm.Receipt, error) {
	var out *farm.Receipt
	err := e.update(ctx, model.KindDeposit, func(tx *txn.Tx, now int64) error {
		r, err := e.farm.Deposit(ctx, tx, poolID, user, amount, now)
		out = r
		return err
	})
	return out, err
}

// Withdraw removes principal, paying out pending reward first.
func (e *Engine) Withdraw(ctx context.Context, poolID, user string, amount decimal.Decimal) (*farm.Receipt, error) {
	var out *farm.Receipt
	err := e.update(ctx, model.KindWithdraw, func(tx *txn.Tx, now int64) error {
		r, err := e.farm.Withdraw(ctx, tx, poolID, user, amount, now)
		out = r
		return err
	})
	return out, err
}

// Harvest pays out pending reward without moving principal.
func (e *Engine) Harvest(ctx context.Context, poolID, user string) (*farm.Receipt, error) {
	var out *farm.Receipt
	err := e.update(ctx, model.KindHarvest, func(tx *txn.Tx, now int64) error {
		r, err := e.farm.Harvest(ctx, tx, poolID, user, now)
		out = r
		return err
	})
	return out, err
}

// EmergencyWithdraw returns all principal and forfeits rewards.
func (e *Engine) EmergencyWithdraw(ctx context.Context, poolID, user string) (*farm.Receipt, error) {
	var out *farm.Receipt
	err := e.update(ctx, model.KindEmergencyWithdraw, func(tx *txn.Tx, now int64) error {
		r, err := e.farm.EmergencyWithdraw(ctx, tx, poolID, user, now)
		out = r
		return err
	})
	return out, err
}

// --- Views ---

// FarmState returns the global reward rate and allocation total.
func (e *Engine) FarmState(ctx context.Context) (*model.FarmState, error) {
	var out model.FarmState
	err := e.view(ctx, func(tx *txn.Tx, _ int64) error {
		fs, err := tx.FarmState(ctx)
		if err != nil {
			return err
		}
		out = *fs
		return nil
	})
	return &out, err
}

// Pools lists every pool.
func (e *Engine) Pools(ctx context.Context) ([]model.Pool, error) {
	out := []model.Pool{}
	err := e.view(ctx, func(tx *txn.Tx, _ int64) error {
		pools, err := tx.Pools(ctx)
		if err != nil {
			return err
		}
		for _, p := range pools {
			out = append(out, *p)
		}
		return nil
	})
	return out, err
}

// Pool returns one pool as stored.
func (e *Engine) Pool(ctx context.Context, poolID string) (*model.Pool, error) {
	var out *model.Pool
	err := e.view(ctx, func(tx *txn.Tx, _ int64) error {
		p, err := e.farm.Pool(ctx, tx, poolID)
		out = p
		return err
	})
	return out, err
}

// PendingReward is what Harvest would pay right now.
func (e *Engine) PendingReward(ctx context.Context, poolID, user string) (decimal.Decimal, error) {
	out := decimal.Zero
	err := e.view(ctx, func(tx *txn.Tx, now int64) error {
		p, err := e.farm.PendingReward(ctx, tx, poolID, user, now)
		out = p
		return err
	})
	return out, err
}

// EffectiveShare is the user's boosted weight in the pool.
func (e *Engine) EffectiveShare(ctx context.Context, poolID, user string) (decimal.Decimal, error) {
	out := decimal.Zero
	err := e.view(ctx, func(tx *txn.Tx, _ int64) error {
		s, err := e.farm.EffectiveShare(ctx, tx, poolID, user)
		out = s
		return err
	})
	return out, err
}

// Position returns a position with its pending reward.
func (e *Engine) Position(ctx context.Context, poolID, user string) (*PositionView, error) {
	var out *PositionView
	err := e.view(ctx, func(tx *txn.Tx, now int64) error {
		pending, err := e.farm.PendingReward(ctx, tx, poolID, user, now)
		if err != nil {
			return err
		}
		pos, err := tx.Position(ctx, poolID, user)
		if err != nil {
			return err
		}
		out = &PositionView{Position: *pos, PendingReward: pending, EffectiveShare: pos.EffectiveShare}
		return nil
	})
	return out, err
}
