// Package aggregate combines the latest canonical snapshots of every enabled
// source into a single weighted global metric. The computation is pure and
// reproducible: the same set of snapshots always yields the same result.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Thulrus/ParallaxIndex/internal/core"
	"github.com/Thulrus/ParallaxIndex/internal/store"
)

// DefaultDominantTerms is how many merged terms a global aggregation keeps.
const DefaultDominantTerms = 20

// Input pairs one enabled source with its latest snapshot.
type Input struct {
	Source   core.SourceInstance
	Snapshot core.DistilledSnapshot
}

// Engine reads latest snapshots from the store and derives global metrics.
// It never reads raw data and never touches history beyond what the plugins
// already folded into their snapshots.
type Engine struct {
	st            store.Store
	dominantTerms int
}

// NewEngine creates an aggregation engine over the given store.
func NewEngine(st store.Store) *Engine {
	return &Engine{st: st, dominantTerms: DefaultDominantTerms}
}

// ComputeGlobal gathers the latest snapshot of every enabled source and
// aggregates them. It never fails outright: with nothing to average it
// degrades to a zero-sentiment, zero-confidence result.
func (e *Engine) ComputeGlobal(ctx context.Context) (core.GlobalAggregation, error) {
	sources, err := e.st.ListSources(ctx, true)
	if err != nil {
		return core.GlobalAggregation{}, fmt.Errorf("list enabled sources: %w", err)
	}
	latest, err := e.st.LatestForEnabled(ctx)
	if err != nil {
		return core.GlobalAggregation{}, fmt.Errorf("fetch latest snapshots: %w", err)
	}

	inputs := make([]Input, 0, len(sources))
	for _, src := range sources {
		snap, ok := latest[src.ID]
		if !ok {
			// Sources with no snapshot yet are excluded, not treated as zero.
			continue
		}
		inputs = append(inputs, Input{Source: src, Snapshot: snap})
	}
	return Compute(time.Now().UTC(), inputs, e.dominantTerms), nil
}

// Compute is the deterministic core of the engine. Contributions are ordered
// by source id and dominant terms by (weight desc, term asc), so repeated
// calls over the same inputs are bit-identical apart from the timestamp.
func Compute(now time.Time, inputs []Input, dominantTerms int) core.GlobalAggregation {
	if dominantTerms <= 0 {
		dominantTerms = DefaultDominantTerms
	}
	// Sort a copy so a caller-shared slice is never reordered underneath a
	// concurrent reader.
	inputs = append([]Input(nil), inputs...)
	sort.Slice(inputs, func(i, j int) bool {
		return inputs[i].Source.ID.String() < inputs[j].Source.ID.String()
	})

	var (
		sumWeighted   float64 // Σ w_i * effectiveSentiment_i
		sumVolatility float64 // Σ w_i * volatility_i
		sumW          float64 // Σ w_i
		sumDeclared   float64 // Σ weight_i, the theoretically available weight
	)
	contributions := make([]core.SourceContribution, 0, len(inputs))

	for _, in := range inputs {
		eff := effectiveSentiment(in.Source.Polarity, in.Snapshot.Sentiment)
		// A stale or low-quality reading self-dampens.
		w := in.Source.Weight * in.Snapshot.SentimentConfidence * in.Snapshot.Coverage

		sumWeighted += w * eff
		sumVolatility += w * in.Snapshot.Volatility
		sumW += w
		sumDeclared += in.Source.Weight

		contributions = append(contributions, core.SourceContribution{
			SourceID:  in.Source.ID,
			Sentiment: eff,
		})
	}

	agg := core.GlobalAggregation{
		Timestamp:     now,
		SourceCount:   len(inputs),
		Contributions: contributions,
		DominantTerms: mergeTerms(inputs, dominantTerms),
	}

	if sumW == 0 {
		// No contributing sources: zero sentiment, zero confidence,
		// never a division by zero.
		return agg
	}

	agg.GlobalSentiment = sumWeighted / sumW
	agg.GlobalVolatility = sumVolatility / sumW
	agg.Confidence = clamp01(sumW / sumDeclared)
	for i := range agg.Contributions {
		in := inputs[i]
		w := in.Source.Weight * in.Snapshot.SentimentConfidence * in.Snapshot.Coverage
		agg.Contributions[i].Influence = w / sumW
	}
	return agg
}

// effectiveSentiment applies the declared polarity mode to a raw sentiment.
func effectiveSentiment(p core.SentimentPolarity, sentiment float64) float64 {
	switch p {
	case core.PolarityNegativeIsGood:
		return -sentiment
	case core.PolarityNeutral:
		// Neutral sources contribute zero sentiment but still count
		// toward confidence and coverage.
		return 0
	default: // POSITIVE_IS_GOOD, BIDIRECTIONAL
		return sentiment
	}
}

// mergeTerms merges all sources' term lists, summing weight per identical
// term string, and keeps the top k by summed weight. Polarity is the
// weight-averaged polarity; novelty is the maximum observed.
func mergeTerms(inputs []Input, k int) []core.TermStat {
	type acc struct {
		weight   float64
		polarity float64 // weight-scaled sum
		novelty  float64
	}
	merged := make(map[string]*acc)
	for _, in := range inputs {
		for _, t := range in.Snapshot.Terms {
			a, ok := merged[t.Term]
			if !ok {
				a = &acc{}
				merged[t.Term] = a
			}
			a.weight += t.Weight
			a.polarity += t.Weight * t.Polarity
			if t.Novelty > a.novelty {
				a.novelty = t.Novelty
			}
		}
	}

	out := make([]core.TermStat, 0, len(merged))
	for term, a := range merged {
		polarity := 0.0
		if a.weight > 0 {
			polarity = a.polarity / a.weight
		}
		out = append(out, core.TermStat{
			Term:     term,
			Weight:   a.weight,
			Polarity: polarity,
			Novelty:  a.novelty,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Term < out[j].Term
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// Trend fits a simple linear regression over the last windowSize sentiments
// of one source and normalizes the slope to [-1,1]. Returns
// core.ErrNoContributingSources when fewer than three snapshots exist.
func (e *Engine) Trend(ctx context.Context, sourceID uuid.UUID, windowSize int) (float64, error) {
	if windowSize <= 0 {
		windowSize = 10
	}
	history, err := e.st.History(ctx, sourceID, windowSize)
	if err != nil {
		return 0, err
	}
	if len(history) < 3 {
		return 0, core.ErrNoContributingSources
	}

	// History arrives newest first; regression wants chronological order.
	n := len(history)
	sentiments := make([]float64, n)
	for i, snap := range history {
		sentiments[n-1-i] = snap.Sentiment
	}

	xMean := float64(n-1) / 2
	var yMean float64
	for _, s := range sentiments {
		yMean += s
	}
	yMean /= float64(n)

	var num, den float64
	for i, s := range sentiments {
		dx := float64(i) - xMean
		num += dx * (s - yMean)
		den += dx * dx
	}
	if den == 0 {
		return 0, nil
	}
	// A slope of 0.1 per snapshot is considered strong.
	return clampRange(num/den*10, -1, 1), nil
}

// Contribution estimates how much one source moves the global metric, based
// on its latest sentiment magnitude and declared weight.
func (e *Engine) Contribution(ctx context.Context, sourceID uuid.UUID) (float64, error) {
	src, err := e.st.GetSource(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	if !src.Enabled {
		return 0, nil
	}
	snap, err := e.st.Latest(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	c := abs(snap.Sentiment) * src.Weight / 10.0
	return clamp01(c), nil
}

func clamp01(v float64) float64 { return clampRange(v, 0, 1) }

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
