package cache

import (
	"context"

	"esimpos/backend/internal/domain"
)

// SnapshotCache persists the profit journal's versioned rollup snapshot. The
// journal can always rebuild from the sale event log, so a missing or stale
// snapshot is never an error.
type SnapshotCache interface {
	Get(ctx context.Context, key string) (*domain.RollupSnapshot, bool, error)
	Set(ctx context.Context, key string, value *domain.RollupSnapshot) error
}

type NoopSnapshotCache struct{}

func (NoopSnapshotCache) Get(_ context.Context, _ string) (*domain.RollupSnapshot, bool, error) {
	return nil, false, nil
}

func (NoopSnapshotCache) Set(_ context.Context, _ string, _ *domain.RollupSnapshot) error {
	return nil
}
