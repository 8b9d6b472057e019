package recorder

import (
	"context"

	"github.com/atmx/farm-engine/internal/model"
)

// NoopRecorder drops everything. Used when no journal path is configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) Record(_ context.Context, _ []model.Activity) error { return nil }
func (n *NoopRecorder) List(_ context.Context, _ Filter) ([]model.Activity, error) {
	return []model.Activity{}, nil
}
func (n *NoopRecorder) Close() error { return nil }
