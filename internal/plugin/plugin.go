// Package plugin defines the collect/distill capability contract and the
// process-wide registry binding plugin ids to implementations.
package plugin

import (
	"context"

	"github.com/Thulrus/ParallaxIndex/internal/core"
)

// Plugin is the capability contract every data source plugin implements.
// A Plugin represents a TYPE of source; individual SourceInstances carry the
// per-source configuration.
type Plugin interface {
	// Capability returns the plugin's identity, category and config schema.
	// Called once at registration.
	Capability() core.Capability

	// Collect fetches external data for one source and packages it into an
	// ephemeral RawSnapshot. The raw payload must never be persisted; the
	// context carries the per-source collect timeout.
	Collect(ctx context.Context, src core.SourceInstance) (core.RawSnapshot, error)

	// Distill transforms a raw snapshot plus bounded history (oldest first)
	// into a canonical snapshot. The plugin owns all derived-metric math
	// (volatility, anomaly, entropy, novelty); the pipeline only validates
	// that the returned values lie within each field's declared range.
	Distill(ctx context.Context, raw core.RawSnapshot, history []core.DistilledSnapshot, src core.SourceInstance) (core.DistilledSnapshot, error)
}

// HealthChecker is an optional capability: plugins that implement it can
// probe a configured source without persisting anything.
type HealthChecker interface {
	Healthcheck(ctx context.Context, src core.SourceInstance) (bool, string)
}

// Previewer is an optional capability: plugins that implement it can test a
// candidate configuration before a source is created, returning a summary of
// what a collect would see. Nothing is persisted and no raw payload escapes.
type Previewer interface {
	Preview(ctx context.Context, src core.SourceInstance) (map[string]any, error)
}
