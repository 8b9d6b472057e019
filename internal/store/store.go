// Package store defines the persistence interface for the farm engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/farm-engine/internal/model"
)

// ErrNotFound is returned when a pool, position or account does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Reads return copies; every write goes
// through Commit so a unit of work is persisted atomically.
type Store interface {
	// GetFarmState returns the global reward rate. A fresh store returns a
	// zero state.
	GetFarmState(ctx context.Context) (*model.FarmState, error)

	// GetStakingState returns the escrow staking state, or ErrNotFound
	// before the first commit.
	GetStakingState(ctx context.Context) (*model.StakingState, error)

	// GetPool retrieves a pool by its ID.
	GetPool(ctx context.Context, id string) (*model.Pool, error)

	// ListPools returns every pool ordered by creation.
	ListPools(ctx context.Context) ([]model.Pool, error)

	// GetPosition retrieves a user's position in a pool.
	GetPosition(ctx context.Context, poolID, userID string) (*model.Position, error)

	// ListUserPositions returns every position a user holds.
	ListUserPositions(ctx context.Context, userID string) ([]model.Position, error)

	// ListPoolPositions returns every position in a pool.
	ListPoolPositions(ctx context.Context, poolID string) ([]model.Position, error)

	// GetEscrowAccount retrieves a user's staking account.
	GetEscrowAccount(ctx context.Context, userID string) (*model.EscrowAccount, error)

	// Commit persists a changeset atomically.
	Commit(ctx context.Context, cs *Changeset) error
}
