// Package store persists source instances and canonical snapshots. Snapshots
// are append-only: the only mutation ever applied is an explicit retention
// sweep.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/Thulrus/ParallaxIndex/internal/core"
)

// SnapshotStore is the persistence contract for canonical snapshots. Append
// must be safe under concurrent writers from different sources and must
// reject a duplicate (source, timestamp) pair with core.ErrDuplicateKey.
type SnapshotStore interface {
	// Append writes one snapshot. Fails with core.ErrDuplicateKey on a
	// (source, timestamp) collision, leaving the store unchanged.
	Append(ctx context.Context, snap core.DistilledSnapshot) error

	// Latest returns the most recent snapshot for a source, or
	// core.ErrSourceNotFound when the source has no snapshots yet.
	Latest(ctx context.Context, sourceID uuid.UUID) (core.DistilledSnapshot, error)

	// History returns up to limit snapshots for a source, most recent first.
	History(ctx context.Context, sourceID uuid.UUID, limit int) ([]core.DistilledSnapshot, error)

	// LatestForEnabled returns the latest snapshot of every enabled source,
	// keyed by source id. Sources with no snapshot are absent from the map.
	LatestForEnabled(ctx context.Context) (map[uuid.UUID]core.DistilledSnapshot, error)

	// Sweep deletes snapshots older than the retention horizon for a source
	// and returns the number removed. This is the only sanctioned deletion.
	Sweep(ctx context.Context, sourceID uuid.UUID, keep int) (int64, error)
}

// SourceStore is the persistence contract for source instances. The
// management surface writes them; the scheduler and pipeline read them.
type SourceStore interface {
	CreateSource(ctx context.Context, src core.SourceInstance) error
	UpdateSource(ctx context.Context, src core.SourceInstance) error
	DeleteSource(ctx context.Context, sourceID uuid.UUID) error
	GetSource(ctx context.Context, sourceID uuid.UUID) (core.SourceInstance, error)
	// ListSources returns sources ordered by creation time, newest first.
	ListSources(ctx context.Context, enabledOnly bool) ([]core.SourceInstance, error)
}

// Store combines both persistence contracts; the sqlite implementation
// satisfies it with a single database handle.
type Store interface {
	SnapshotStore
	SourceStore
}
