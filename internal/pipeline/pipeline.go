// Package pipeline executes one source's collect → distill → persist cycle.
// Raw data never leaves a single Run call frame; only the distilled snapshot
// survives.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/Thulrus/ParallaxIndex/internal/core"
	"github.com/Thulrus/ParallaxIndex/internal/plugin"
	"github.com/Thulrus/ParallaxIndex/internal/store"
	"github.com/Thulrus/ParallaxIndex/pkg/logger"
)

const (
	// DefaultCollectTimeout bounds one collect call when the source does not
	// configure its own.
	DefaultCollectTimeout = 10 * time.Second

	// DefaultHistoryLimit bounds the history slice handed to distill.
	DefaultHistoryLimit = 50
)

// Pipeline wires the registry and store into the collect→distill contract.
// It never retries; retry policy belongs to the scheduler.
type Pipeline struct {
	registry       *plugin.Registry
	snapshots      store.SnapshotStore
	collectTimeout time.Duration
	historyLimit   int
}

// Option adjusts pipeline defaults.
type Option func(*Pipeline)

// WithCollectTimeout overrides the default collect timeout.
func WithCollectTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.collectTimeout = d
		}
	}
}

// WithHistoryLimit overrides the bounded-history size passed to distill.
func WithHistoryLimit(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.historyLimit = n
		}
	}
}

// New creates a pipeline over the given registry and snapshot store.
func New(registry *plugin.Registry, snapshots store.SnapshotStore, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry:       registry,
		snapshots:      snapshots,
		collectTimeout: DefaultCollectTimeout,
		historyLimit:   DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one full cycle for a source and returns the persisted
// snapshot. Every failure is reported to the caller as a structured error
// classified by the core taxonomy; nothing is retried here.
func (p *Pipeline) Run(ctx context.Context, src core.SourceInstance) (core.DistilledSnapshot, error) {
	started := time.Now()

	pl, err := p.registry.Resolve(src.PluginID)
	if err != nil {
		return core.DistilledSnapshot{}, err
	}

	timeout := src.CollectTimeout
	if timeout <= 0 {
		timeout = p.collectTimeout
	}
	collectCtx, cancel := context.WithTimeout(ctx, timeout)
	raw, err := pl.Collect(collectCtx, src)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(collectCtx.Err(), context.DeadlineExceeded) {
			return core.DistilledSnapshot{}, fmt.Errorf("%w: collect timed out after %s: %v",
				core.ErrCollectionFailed, timeout, err)
		}
		return core.DistilledSnapshot{}, fmt.Errorf("%w: %v", core.ErrCollectionFailed, err)
	}

	// Bounded history, oldest first. The plugin owns all trend math; the
	// pipeline only bounds the slice and validates output ranges.
	history, err := p.snapshots.History(ctx, src.ID, p.historyLimit)
	if err != nil {
		return core.DistilledSnapshot{}, fmt.Errorf("%w: fetch history: %v", core.ErrCollectionFailed, err)
	}
	reverse(history)

	distilled, err := pl.Distill(ctx, raw, history, src)
	if err != nil {
		return core.DistilledSnapshot{}, fmt.Errorf("%w: %v", core.ErrDistillationFault, err)
	}

	// The snapshot is keyed by the collection instant regardless of what the
	// plugin set, so one run cannot impersonate another.
	distilled.SourceID = src.ID
	if distilled.Timestamp.IsZero() {
		distilled.Timestamp = raw.CollectedAt
	}
	clampSnapshot(&distilled, src.PluginID)

	if err := p.snapshots.Append(ctx, distilled); err != nil {
		return core.DistilledSnapshot{}, err
	}

	logger.Info("snapshot distilled", src.PluginID,
		zap.String("source", src.ID.String()),
		zap.String("display_name", src.DisplayName),
		zap.Float64("sentiment", distilled.Sentiment),
		zap.Float64("confidence", distilled.SentimentConfidence),
		zap.Float64("volatility", distilled.Volatility),
		zap.Duration("duration", time.Since(started)),
	)

	// The raw snapshot goes out of scope here; no reference to it was ever
	// handed outside this call frame.
	return distilled, nil
}

// clampSnapshot forces every derived metric into its declared range. A plugin
// emitting out-of-range values gets clamped and logged rather than rejected,
// so one bad plugin cannot starve a run.
func clampSnapshot(s *core.DistilledSnapshot, pluginID string) {
	clamped := false
	clamp := func(v *float64, lo, hi float64) {
		if math.IsNaN(*v) {
			*v = lo
			clamped = true
			return
		}
		if *v < lo {
			*v = lo
			clamped = true
		} else if *v > hi {
			*v = hi
			clamped = true
		}
	}

	clamp(&s.Sentiment, -1, 1)
	clamp(&s.SentimentConfidence, 0, 1)
	clamp(&s.Volatility, 0, 1)
	clamp(&s.Coverage, 0, 1)
	clamp(&s.TermEntropy, 0, math.MaxFloat64)
	clamp(&s.AnomalyScore, 0, math.MaxFloat64)
	for i := range s.Terms {
		clamp(&s.Terms[i].Weight, 0, math.MaxFloat64)
		clamp(&s.Terms[i].Polarity, -1, 1)
		clamp(&s.Terms[i].Novelty, 0, 1)
	}
	if s.Terms == nil {
		s.Terms = []core.TermStat{}
	}

	if clamped {
		logger.Warn("distilled snapshot had out-of-range values, clamped", pluginID,
			zap.String("source", s.SourceID.String()))
	}
}

func reverse(s []core.DistilledSnapshot) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
