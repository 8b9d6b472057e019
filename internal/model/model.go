// Package model defines the domain records shared by the farm, the escrow
// staking module and their persistence layers. All amounts are whole base
// units held in shopspring/decimal.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pool is the per-pool accumulator state.
type Pool struct {
	ID                  string          `json:"id" db:"id" msgpack:"id"`
	PrincipalToken      string          `json:"principal_token" db:"principal_token" msgpack:"principal_token"`
	AllocPoint          decimal.Decimal `json:"alloc_point" db:"alloc_point" msgpack:"alloc_point"`
	LastRewardTime      int64           `json:"last_reward_time" db:"last_reward_time" msgpack:"last_reward_time"`
	AccRewardPerShare   decimal.Decimal `json:"acc_reward_per_share" db:"acc_reward_per_share" msgpack:"acc_reward_per_share"` // scaled by 1e12
	TotalPrincipal      decimal.Decimal `json:"total_principal" db:"total_principal" msgpack:"total_principal"`
	TotalEffectiveShare decimal.Decimal `json:"total_effective_share" db:"total_effective_share" msgpack:"total_effective_share"`
	TotalEscrow         decimal.Decimal `json:"total_escrow" db:"total_escrow" msgpack:"total_escrow"`
	TotalAccrued        decimal.Decimal `json:"total_accrued" db:"total_accrued" msgpack:"total_accrued"` // rewards allocated while shares existed
	Boosted             bool            `json:"boosted" db:"boosted" msgpack:"boosted"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at" msgpack:"created_at"`
}

// Position is one user's stake in one pool. Positions are never deleted;
// a full withdrawal leaves a zeroed row.
type Position struct {
	PoolID         string          `json:"pool_id" db:"pool_id" msgpack:"pool_id"`
	UserID         string          `json:"user_id" db:"user_id" msgpack:"user_id"`
	Principal      decimal.Decimal `json:"principal" db:"principal" msgpack:"principal"`
	EffectiveShare decimal.Decimal `json:"effective_share" db:"effective_share" msgpack:"effective_share"`
	RewardDebt     decimal.Decimal `json:"reward_debt" db:"reward_debt" msgpack:"reward_debt"`
	EscrowSnapshot decimal.Decimal `json:"escrow_snapshot" db:"escrow_snapshot" msgpack:"escrow_snapshot"`
	Claimable      decimal.Decimal `json:"claimable" db:"claimable" msgpack:"claimable"` // owed but not yet transferred
	Harvested      decimal.Decimal `json:"harvested" db:"harvested" msgpack:"harvested"`
}

// NewPosition returns a zeroed position.
func NewPosition(poolID, userID string) *Position {
	return &Position{
		PoolID:         poolID,
		UserID:         userID,
		Principal:      decimal.Zero,
		EffectiveShare: decimal.Zero,
		RewardDebt:     decimal.Zero,
		EscrowSnapshot: decimal.Zero,
		Claimable:      decimal.Zero,
		Harvested:      decimal.Zero,
	}
}

// FarmState is the global reward rate and the sum of pool weights.
type FarmState struct {
	RewardPerSecond decimal.Decimal `json:"reward_per_second" msgpack:"reward_per_second"`
	TotalAllocPoint decimal.Decimal `json:"total_alloc_point" msgpack:"total_alloc_point"`
}

// EscrowAccount is a user's position in the escrow staking module.
type EscrowAccount struct {
	UserID         string          `json:"user_id" db:"user_id" msgpack:"user_id"`
	Staked         decimal.Decimal `json:"staked" db:"staked" msgpack:"staked"`
	RewardDebt     decimal.Decimal `json:"reward_debt" db:"reward_debt" msgpack:"reward_debt"`
	LastClaimTime  int64           `json:"last_claim_time" db:"last_claim_time" msgpack:"last_claim_time"`
	SpeedUpEndTime int64           `json:"speed_up_end_time" db:"speed_up_end_time" msgpack:"speed_up_end_time"` // 0 when inactive
}

// NewEscrowAccount returns an unstaked account.
func NewEscrowAccount(userID string) *EscrowAccount {
	return &EscrowAccount{UserID: userID, Staked: decimal.Zero, RewardDebt: decimal.Zero}
}

// RateCheckpoint records the speed-up rate in force from Time onward.
type RateCheckpoint struct {
	Time int64           `json:"time" msgpack:"time"`
	Rate decimal.Decimal `json:"rate" msgpack:"rate"`
}

// StakingState is the global state of the escrow staking module.
type StakingState struct {
	AccEscrowPerShare decimal.Decimal  `json:"acc_escrow_per_share" msgpack:"acc_escrow_per_share"` // scaled by 1e18
	LastRewardTime    int64            `json:"last_reward_time" msgpack:"last_reward_time"`
	TotalStaked       decimal.Decimal  `json:"total_staked" msgpack:"total_staked"`
	BaseRate          decimal.Decimal  `json:"base_rate" msgpack:"base_rate"`
	SpeedUpRate       decimal.Decimal  `json:"speed_up_rate" msgpack:"speed_up_rate"`
	SpeedUpHistory    []RateCheckpoint `json:"speed_up_history" msgpack:"speed_up_history"`
	SpeedUpThreshold  int64            `json:"speed_up_threshold" msgpack:"speed_up_threshold"` // percent
	SpeedUpDuration   int64            `json:"speed_up_duration" msgpack:"speed_up_duration"`   // seconds
	MaxCapPct         int64            `json:"max_cap_pct" msgpack:"max_cap_pct"`               // 20000 = 200x
}

// Clone returns a deep copy.
func (s *StakingState) Clone() *StakingState {
	c := *s
	c.SpeedUpHistory = append([]RateCheckpoint(nil), s.SpeedUpHistory...)
	return &c
}

// Activity kinds.
const (
	KindDeposit           = "deposit"
	KindWithdraw          = "withdraw"
	KindHarvest           = "harvest"
	KindEmergencyWithdraw = "emergency_withdraw"
	KindStake             = "stake"
	KindUnstake           = "unstake"
	KindClaimEscrow       = "claim_escrow"
	KindEscrowMint        = "escrow_mint"
	KindEscrowBurn        = "escrow_burn"
	KindBoostUpdate       = "boost_update"
	KindAddPool           = "add_pool"
	KindSetAllocation     = "set_allocation"
	KindSetRewardRate     = "set_reward_rate"
	KindSetStakingParam   = "set_staking_param"
	KindFund              = "fund"
)

// Activity is an immutable record of one state change. Once written it is
// never modified.
type Activity struct {
	ID        string          `json:"id" db:"id"`
	Kind      string          `json:"kind" db:"kind"`
	PoolID    string          `json:"pool_id,omitempty" db:"pool_id"`
	UserID    string          `json:"user_id,omitempty" db:"user_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Reward    decimal.Decimal `json:"reward" db:"reward"`
	Escrow    decimal.Decimal `json:"escrow" db:"escrow"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}
