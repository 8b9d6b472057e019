package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/farm-engine/internal/model"
)

// Schema is the PostgreSQL schema. Amounts are NUMERIC(78,0) so any 256-bit
// integer fits.
const Schema = `
CREATE TABLE IF NOT EXISTS farm_state (
	id                SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	reward_per_second NUMERIC(78,0) NOT NULL,
	total_alloc_point NUMERIC(78,0) NOT NULL
);

CREATE TABLE IF NOT EXISTS staking_state (
	id                   SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	acc_escrow_per_share NUMERIC(78,0) NOT NULL,
	last_reward_time     BIGINT NOT NULL,
	total_staked         NUMERIC(78,0) NOT NULL,
	base_rate            NUMERIC(78,0) NOT NULL,
	speed_up_rate        NUMERIC(78,0) NOT NULL,
	speed_up_history     JSONB NOT NULL DEFAULT '[]',
	speed_up_threshold   BIGINT NOT NULL,
	speed_up_duration    BIGINT NOT NULL,
	max_cap_pct          BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS pools (
	id                    TEXT PRIMARY KEY,
	principal_token       TEXT NOT NULL UNIQUE,
	alloc_point           NUMERIC(78,0) NOT NULL,
	last_reward_time      BIGINT NOT NULL,
	acc_reward_per_share  NUMERIC(78,0) NOT NULL,
	total_principal       NUMERIC(78,0) NOT NULL,
	total_effective_share NUMERIC(78,0) NOT NULL,
	total_escrow          NUMERIC(78,0) NOT NULL,
	total_accrued         NUMERIC(78,0) NOT NULL,
	boosted               BOOLEAN NOT NULL,
	created_at            TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	pool_id         TEXT NOT NULL REFERENCES pools(id),
	user_id         TEXT NOT NULL,
	principal       NUMERIC(78,0) NOT NULL,
	effective_share NUMERIC(78,0) NOT NULL,
	reward_debt     NUMERIC(78,0) NOT NULL,
	escrow_snapshot NUMERIC(78,0) NOT NULL,
	claimable       NUMERIC(78,0) NOT NULL,
	harvested       NUMERIC(78,0) NOT NULL,
	PRIMARY KEY (pool_id, user_id)
);
CREATE INDEX IF NOT EXISTS positions_user_idx ON positions (user_id);

CREATE TABLE IF NOT EXISTS escrow_accounts (
	user_id           TEXT PRIMARY KEY,
	staked            NUMERIC(78,0) NOT NULL,
	reward_debt       NUMERIC(78,0) NOT NULL,
	last_claim_time   BIGINT NOT NULL,
	speed_up_end_time BIGINT NOT NULL
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const poolColumns = `id, principal_token, alloc_point::TEXT, last_reward_time,
	acc_reward_per_share::TEXT, total_principal::TEXT, total_effective_share::TEXT,
	total_escrow::TEXT, total_accrued::TEXT, boosted, created_at`

const positionColumns = `pool_id, user_id, principal::TEXT, effective_share::TEXT,
	reward_debt::TEXT, escrow_snapshot::TEXT, claimable::TEXT, harvested::TEXT`

func (s *PostgresStore) GetFarmState(ctx context.Context) (*model.FarmState, error) {
	var rate, total string
	err := s.pool.QueryRow(ctx,
		`SELECT reward_per_second::TEXT, total_alloc_point::TEXT FROM farm_state WHERE id = 1`).
		Scan(&rate, &total)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.FarmState{RewardPerSecond: decimal.Zero, TotalAllocPoint: decimal.Zero}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get farm state: %w", err)
	}
	return &model.FarmState{RewardPerSecond: dec(rate), TotalAllocPoint: dec(total)}, nil
}

func (s *PostgresStore) GetStakingState(ctx context.Context) (*model.StakingState, error) {
	var st model.StakingState
	var acc, total, base, speedUp string
	var history []byte

	err := s.pool.QueryRow(ctx,
		`SELECT acc_escrow_per_share::TEXT, last_reward_time, total_staked::TEXT,
		        base_rate::TEXT, speed_up_rate::TEXT, speed_up_history,
		        speed_up_threshold, speed_up_duration, max_cap_pct
		 FROM staking_state WHERE id = 1`).
		Scan(&acc, &st.LastRewardTime, &total,
			&base, &speedUp, &history,
			&st.SpeedUpThreshold, &st.SpeedUpDuration, &st.MaxCapPct)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("staking state: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get staking state: %w", err)
	}

	st.AccEscrowPerShare = dec(acc)
	st.TotalStaked = dec(total)
	st.BaseRate = dec(base)
	st.SpeedUpRate = dec(speedUp)
	if err := json.Unmarshal(history, &st.SpeedUpHistory); err != nil {
		return nil, fmt.Errorf("decode speed-up history: %w", err)
	}
	return &st, nil
}

func (s *PostgresStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	p, err := scanPool(s.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pool %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+poolColumns+` FROM pools ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, poolID, userID string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE pool_id = $1 AND user_id = $2`, poolID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s: %w", poolID, userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", poolID, userID, err)
	}
	return p, nil
}

func (s *PostgresStore) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.listPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY pool_id`, userID)
}

func (s *PostgresStore) ListPoolPositions(ctx context.Context, poolID string) ([]model.Position, error) {
	return s.listPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE pool_id = $1 ORDER BY user_id`, poolID)
}

func (s *PostgresStore) listPositions(ctx context.Context, query, arg string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetEscrowAccount(ctx context.Context, userID string) (*model.EscrowAccount, error) {
	a := model.EscrowAccount{UserID: userID}
	var staked, debt string
	err := s.pool.QueryRow(ctx,
		`SELECT staked::TEXT, reward_debt::TEXT, last_claim_time, speed_up_end_time
		 FROM escrow_accounts WHERE user_id = $1`, userID).
		Scan(&staked, &debt, &a.LastClaimTime, &a.SpeedUpEndTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("escrow account %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow account %s: %w", userID, err)
	}
	a.Staked = dec(staked)
	a.RewardDebt = dec(debt)
	return &a, nil
}

// Commit upserts every record of the changeset inside one transaction.
func (s *PostgresStore) Commit(ctx context.Context, cs *Changeset) error {
	if cs.Empty() {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if fs := cs.FarmState; fs != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO farm_state (id, reward_per_second, total_alloc_point)
			 VALUES (1, $1::NUMERIC, $2::NUMERIC)
			 ON CONFLICT (id) DO UPDATE
			 SET reward_per_second = EXCLUDED.reward_per_second,
			     total_alloc_point = EXCLUDED.total_alloc_point`,
			fs.RewardPerSecond.String(), fs.TotalAllocPoint.String()); err != nil {
			return fmt.Errorf("upsert farm state: %w", err)
		}
	}

	if st := cs.StakingState; st != nil {
		history, err := json.Marshal(st.SpeedUpHistory)
		if err != nil {
			return fmt.Errorf("encode speed-up history: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO staking_state (id, acc_escrow_per_share, last_reward_time, total_staked,
			        base_rate, speed_up_rate, speed_up_history,
			        speed_up_threshold, speed_up_duration, max_cap_pct)
			 VALUES (1, $1::NUMERIC, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::JSONB, $7, $8, $9)
			 ON CONFLICT (id) DO UPDATE
			 SET acc_escrow_per_share = EXCLUDED.acc_escrow_per_share,
			     last_reward_time = EXCLUDED.last_reward_time,
			     total_staked = EXCLUDED.total_staked,
			     base_rate = EXCLUDED.base_rate,
			     speed_up_rate = EXCLUDED.speed_up_rate,
			     speed_up_history = EXCLUDED.speed_up_history,
			     speed_up_threshold = EXCLUDED.speed_up_threshold,
			     speed_up_duration = EXCLUDED.speed_up_duration,
			     max_cap_pct = EXCLUDED.max_cap_pct`,
			st.AccEscrowPerShare.String(), st.LastRewardTime, st.TotalStaked.String(),
			st.BaseRate.String(), st.SpeedUpRate.String(), string(history),
			st.SpeedUpThreshold, st.SpeedUpDuration, st.MaxCapPct); err != nil {
			return fmt.Errorf("upsert staking state: %w", err)
		}
	}

	for _, p := range cs.SortedPools() {
		if _, err := tx.Exec(ctx,
			`INSERT INTO pools (id, principal_token, alloc_point, last_reward_time, acc_reward_per_share,
			        total_principal, total_effective_share, total_escrow, total_accrued, boosted, created_at)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)
			 ON CONFLICT (id) DO UPDATE
			 SET alloc_point = EXCLUDED.alloc_point,
			     last_reward_time = EXCLUDED.last_reward_time,
			     acc_reward_per_share = EXCLUDED.acc_reward_per_share,
			     total_principal = EXCLUDED.total_principal,
			     total_effective_share = EXCLUDED.total_effective_share,
			     total_escrow = EXCLUDED.total_escrow,
			     total_accrued = EXCLUDED.total_accrued`,
			p.ID, p.PrincipalToken, p.AllocPoint.String(), p.LastRewardTime, p.AccRewardPerShare.String(),
			p.TotalPrincipal.String(), p.TotalEffectiveShare.String(), p.TotalEscrow.String(),
			p.TotalAccrued.String(), p.Boosted, p.CreatedAt); err != nil {
			return fmt.Errorf("upsert pool %s: %w", p.ID, err)
		}
	}

	for _, p := range cs.SortedPositions() {
		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (pool_id, user_id, principal, effective_share, reward_debt,
			        escrow_snapshot, claimable, harvested)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC)
			 ON CONFLICT (pool_id, user_id) DO UPDATE
			 SET principal = EXCLUDED.principal,
			     effective_share = EXCLUDED.effective_share,
			     reward_debt = EXCLUDED.reward_debt,
			     escrow_snapshot = EXCLUDED.escrow_snapshot,
			     claimable = EXCLUDED.claimable,
			     harvested = EXCLUDED.harvested`,
			p.PoolID, p.UserID, p.Principal.String(), p.EffectiveShare.String(), p.RewardDebt.String(),
			p.EscrowSnapshot.String(), p.Claimable.String(), p.Harvested.String()); err != nil {
			return fmt.Errorf("upsert position %s/%s: %w", p.PoolID, p.UserID, err)
		}
	}

	for _, a := range cs.SortedAccounts() {
		if _, err := tx.Exec(ctx,
			`INSERT INTO escrow_accounts (user_id, staked, reward_debt, last_claim_time, speed_up_end_time)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5)
			 ON CONFLICT (user_id) DO UPDATE
			 SET staked = EXCLUDED.staked,
			     reward_debt = EXCLUDED.reward_debt,
			     last_claim_time = EXCLUDED.last_claim_time,
			     speed_up_end_time = EXCLUDED.speed_up_end_time`,
			a.UserID, a.Staked.String(), a.RewardDebt.String(), a.LastClaimTime, a.SpeedUpEndTime); err != nil {
			return fmt.Errorf("upsert escrow account %s: %w", a.UserID, err)
		}
	}

	return tx.Commit(ctx)
}

func scanPool(row pgx.Row) (*model.Pool, error) {
	var p model.Pool
	var alloc, acc, principal, effective, escrow, accrued string
	if err := row.Scan(&p.ID, &p.PrincipalToken, &alloc, &p.LastRewardTime,
		&acc, &principal, &effective,
		&escrow, &accrued, &p.Boosted, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.AllocPoint = dec(alloc)
	p.AccRewardPerShare = dec(acc)
	p.TotalPrincipal = dec(principal)
	p.TotalEffectiveShare = dec(effective)
	p.TotalEscrow = dec(escrow)
	p.TotalAccrued = dec(accrued)
	return &p, nil
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var principal, effective, debt, snapshot, claimable, harvested string
	if err := row.Scan(&p.PoolID, &p.UserID, &principal, &effective,
		&debt, &snapshot, &claimable, &harvested); err != nil {
		return nil, err
	}
	p.Principal = dec(principal)
	p.EffectiveShare = dec(effective)
	p.RewardDebt = dec(debt)
	p.EscrowSnapshot = dec(snapshot)
	p.Claimable = dec(claimable)
	p.Harvested = dec(harvested)
	return &p, nil
}

// dec parses a NUMERIC rendered as TEXT. The column types guarantee the
// format.
func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}
