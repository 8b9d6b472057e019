// Package txn provides the unit of work every engine operation runs in: a
// ledger journal plus a store changeset with read-your-writes. Nothing is
// persisted until Commit; a failed Commit or a Rollback compensates the
// ledger operations already executed.
package txn

import (
	"context"
	"errors"
	"sort"

	"github.com/atmx/farm-engine/internal/ledger"
	"github.com/atmx/farm-engine/internal/model"
	"github.com/atmx/farm-engine/internal/store"
)

// ErrClosed is returned when a committed or rolled back Tx is reused.
var ErrClosed = errors.New("txn: transaction already closed")

// Tx is one atomic unit of work. It is not safe for concurrent use.
type Tx struct {
	store   store.Store
	journal *ledger.Journal
	cs      *store.Changeset

	farm      *model.FarmState
	staking   *model.StakingState
	pools     map[string]*model.Pool
	positions map[string]*model.Position
	accounts  map[string]*model.EscrowAccount

	activities []model.Activity
	closed     bool
}

// Begin starts a unit of work over st and book.
func Begin(st store.Store, book *ledger.Book) *Tx {
	return &Tx{
		store:     st,
		journal:   ledger.NewJournal(book),
		cs:        store.NewChangeset(),
		pools:     make(map[string]*model.Pool),
		positions: make(map[string]*model.Position),
		accounts:  make(map[string]*model.EscrowAccount),
	}
}

// Ledger returns the journaled ledger view for a custody account.
func (t *Tx) Ledger(custody string) ledger.Ledger {
	return t.journal.Vault(custody)
}

// LedgerEntries returns the ledger operations executed so far.
func (t *Tx) LedgerEntries() []ledger.Entry {
	return t.journal.Entries()
}

// FarmState returns the tx's copy of the global reward state.
func (t *Tx) FarmState(ctx context.Context) (*model.FarmState, error) {
	if t.farm == nil {
		fs, err := t.store.GetFarmState(ctx)
		if err != nil {
			return nil, err
		}
		t.farm = fs
	}
	return t.farm, nil
}

// PutFarmState marks the farm state written.
func (t *Tx) PutFarmState(fs *model.FarmState) {
	t.farm = fs
	t.cs.FarmState = fs
}

// StakingState returns the tx's copy of the staking state. It wraps
// store.ErrNotFound before the module is initialised.
func (t *Tx) StakingState(ctx context.Context) (*model.StakingState, error) {
	if t.staking == nil {
		st, err := t.store.GetStakingState(ctx)
		if err != nil {
			return nil, err
		}
		t.staking = st
	}
	return t.staking, nil
}

// PutStakingState marks the staking state written.
func (t *Tx) PutStakingState(st *model.StakingState) {
	t.staking = st
	t.cs.StakingState = st
}

// Pool returns the tx's copy of a pool.
func (t *Tx) Pool(ctx context.Context, id string) (*model.Pool, error) {
	if p, ok := t.pools[id]; ok {
		return p, nil
	}
	p, err := t.store.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}
	t.pools[id] = p
	return p, nil
}

// PutPool marks a pool written.
func (t *Tx) PutPool(p *model.Pool) {
	t.pools[p.ID] = p
	t.cs.Pools[p.ID] = p
}

// Pools returns every pool, persisted ones in store order followed by pools
// created in this tx.
func (t *Tx) Pools(ctx context.Context) ([]*model.Pool, error) {
	stored, err := t.store.ListPools(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(stored))
	out := make([]*model.Pool, 0, len(stored))
	for i := range stored {
		id := stored[i].ID
		seen[id] = true
		p, ok := t.pools[id]
		if !ok {
			cp := stored[i]
			p = &cp
			t.pools[id] = p
		}
		out = append(out, p)
	}

	var fresh []*model.Pool
	for id, p := range t.pools {
		if !seen[id] {
			fresh = append(fresh, p)
		}
	}
	sort.Slice(fresh, func(i, j int) bool {
		if fresh[i].CreatedAt.Equal(fresh[j].CreatedAt) {
			return fresh[i].ID < fresh[j].ID
		}
		return fresh[i].CreatedAt.Before(fresh[j].CreatedAt)
	})
	return append(out, fresh...), nil
}

// Position returns the tx's copy of a position, or a zeroed one if the user
// has never deposited into the pool.
func (t *Tx) Position(ctx context.Context, poolID, userID string) (*model.Position, error) {
	key := store.PositionKey(poolID, userID)
	if p, ok := t.positions[key]; ok {
		return p, nil
	}
	p, err := t.store.GetPosition(ctx, poolID, userID)
	if errors.Is(err, store.ErrNotFound) {
		p = model.NewPosition(poolID, userID)
	} else if err != nil {
		return nil, err
	}
	t.positions[key] = p
	return p, nil
}

// PutPosition marks a position written.
func (t *Tx) PutPosition(p *model.Position) {
	key := store.PositionKey(p.PoolID, p.UserID)
	t.positions[key] = p
	t.cs.Positions[key] = p
}

// UserPositions returns every position the user holds, including ones
// created in this tx, ordered by pool ID.
func (t *Tx) UserPositions(ctx context.Context, userID string) ([]*model.Position, error) {
	stored, err := t.store.ListUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range stored {
		key := store.PositionKey(stored[i].PoolID, userID)
		if _, ok := t.positions[key]; !ok {
			cp := stored[i]
			t.positions[key] = &cp
		}
	}

	var out []*model.Position
	for _, p := range t.positions {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })
	return out, nil
}

// Account returns the tx's copy of an escrow account, or an unstaked one.
func (t *Tx) Account(ctx context.Context, userID string) (*model.EscrowAccount, error) {
	if a, ok := t.accounts[userID]; ok {
		return a, nil
	}
	a, err := t.store.GetEscrowAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		a = model.NewEscrowAccount(userID)
	} else if err != nil {
		return nil, err
	}
	t.accounts[userID] = a
	return a, nil
}

// PutAccount marks an escrow account written.
func (t *Tx) PutAccount(a *model.EscrowAccount) {
	t.accounts[a.UserID] = a
	t.cs.Accounts[a.UserID] = a
}

// Record queues an activity for the journal.
func (t *Tx) Record(a model.Activity) {
	t.activities = append(t.activities, a)
}

// Activities returns the queued activities.
func (t *Tx) Activities() []model.Activity {
	return t.activities
}

// Changeset exposes the pending writes.
func (t *Tx) Changeset() *store.Changeset {
	return t.cs
}

// Commit persists the changeset. If the store rejects it, the ledger
// operations are compensated and the store error is returned.
func (t *Tx) Commit(ctx context.Context) error {
	if t.closed {
		return ErrClosed
	}
	t.closed = true
	if err := t.store.Commit(ctx, t.cs); err != nil {
		t.journal.Revert()
		return err
	}
	return nil
}

// Rollback compensates every ledger operation and discards the changeset.
// It is a no-op after Commit.
func (t *Tx) Rollback() {
	if t.closed {
		return
	}
	t.closed = true
	t.journal.Revert()
}
