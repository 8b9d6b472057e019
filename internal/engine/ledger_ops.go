package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/farm-engine/internal/model"
	"github.com/atmx/farm-engine/internal/recorder"
	"github.com/atmx/farm-engine/internal/txn"
)

// FundReserve mints reward tokens into the farm's reward reserve.
func (e *Engine) FundReserve(ctx context.Context, amount decimal.Decimal) error {
	cfg := e.farm.Config()
	return e.update(ctx, model.KindFund, func(tx *txn.Tx, now int64) error {
		if err := tx.Ledger(cfg.RewardReserve).Mint(cfg.RewardToken, cfg.RewardReserve, amount); err != nil {
			return fmt.Errorf("fund reserve: %w", err)
		}
		tx.Record(model.Activity{
			ID:        uuid.New().String(),
			Kind:      model.KindFund,
			UserID:    cfg.RewardReserve,
			Amount:    amount,
			Reward:    decimal.Zero,
			Escrow:    decimal.Zero,
			Timestamp: time.Unix(now, 0).UTC(),
		})
		return nil
	})
}

// MintTokens credits a registered token to an account. Owner only. The
// escrow token is minted through MintEscrow so the cap and the boost
// notification apply.
func (e *Engine) MintTokens(ctx context.Context, caller, token, to string, amount decimal.Decimal) error {
	if caller != e.Owner() {
		return ErrUnauthorized
	}
	if token == e.farm.Config().EscrowToken {
		return fmt.Errorf("%w: %s is minted through MintEscrow", ErrUnauthorized, token)
	}
	return e.update(ctx, "mint_tokens", func(tx *txn.Tx, _ int64) error {
		return tx.Ledger(to).Mint(token, to, amount)
	})
}

// Approve lets spender pull up to amount of token from owner.
func (e *Engine) Approve(_ context.Context, owner, spender, token string, amount decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Approve(token, owner, spender, amount)
}

// Balances returns every non-zero token balance of account.
func (e *Engine) Balances(_ context.Context, account string) map[string]decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Balances(account)
}

// ReserveBalance is the reward tokens available for payouts.
func (e *Engine) ReserveBalance() decimal.Decimal {
	cfg := e.farm.Config()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.BalanceOf(cfg.RewardToken, cfg.RewardReserve)
}

// Activity lists journaled activities.
func (e *Engine) Activity(ctx context.Context, f recorder.Filter) ([]model.Activity, error) {
	return e.rec.List(ctx, f)
}
