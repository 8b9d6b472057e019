package store

import (
	"sort"

	"github.com/atmx/farm-engine/internal/model"
)

// Changeset is the set of records one unit of work wrote. Nil state fields
// are left untouched on commit.
type Changeset struct {
	FarmState    *model.FarmState
	StakingState *model.StakingState
	Pools        map[string]*model.Pool
	Positions    map[string]*model.Position
	Accounts     map[string]*model.EscrowAccount
}

// NewChangeset returns an empty changeset.
func NewChangeset() *Changeset {
	return &Changeset{
		Pools:     make(map[string]*model.Pool),
		Positions: make(map[string]*model.Position),
		Accounts:  make(map[string]*model.EscrowAccount),
	}
}

// PositionKey is the changeset key of a position.
func PositionKey(poolID, userID string) string {
	return poolID + "|" + userID
}

// Empty reports whether nothing was written.
func (c *Changeset) Empty() bool {
	return c.FarmState == nil && c.StakingState == nil &&
		len(c.Pools) == 0 && len(c.Positions) == 0 && len(c.Accounts) == 0
}

// SortedPools returns the written pools in ID order.
func (c *Changeset) SortedPools() []*model.Pool {
	out := make([]*model.Pool, 0, len(c.Pools))
	for _, p := range c.Pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SortedPositions returns the written positions in key order.
func (c *Changeset) SortedPositions() []*model.Position {
	keys := make([]string, 0, len(c.Positions))
	for k := range c.Positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*model.Position, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.Positions[k])
	}
	return out
}

// SortedAccounts returns the written accounts in user order.
func (c *Changeset) SortedAccounts() []*model.EscrowAccount {
	out := make([]*model.EscrowAccount, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
