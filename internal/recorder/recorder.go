// Package recorder keeps an append-only journal of committed activities.
package recorder

import (
	"context"

	"github.com/atmx/farm-engine/internal/model"
)

// DefaultLimit caps List when the filter sets none.
const DefaultLimit = 100

// Filter narrows List. Empty fields match everything.
type Filter struct {
	UserID string
	PoolID string
	Kind   string
	Limit  int
}

// Recorder persists activities after their state change has committed.
type Recorder interface {
	Record(ctx context.Context, activities []model.Activity) error
	List(ctx context.Context, f Filter) ([]model.Activity, error)
	Close() error
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return DefaultLimit
	}
	return f.Limit
}
