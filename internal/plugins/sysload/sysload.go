// Package sysload samples local host utilization (CPU and memory) as a
// NUMERIC source. Useful as a built-in signal that needs no network access.
package sysload

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Thulrus/ParallaxIndex/internal/core"
)

// PluginID is the registry identifier for this plugin.
const PluginID = "system_load"

const (
	pluginVersion = "1.0.0"
	sampleWindow  = 500 * time.Millisecond
)

type payload struct {
	cpuPercent float64
	memPercent float64
}

// Plugin reads host utilization via gopsutil.
type Plugin struct{}

// New creates the plugin.
func New() *Plugin { return &Plugin{} }

// Capability implements plugin.Plugin.
func (p *Plugin) Capability() core.Capability {
	return core.Capability{
		ID:                PluginID,
		Version:           pluginVersion,
		DisplayName:       "System Load",
		Description:       "Samples local CPU and memory utilization. Lower load reads as positive sentiment.",
		Category:          core.CategoryNumeric,
		CapabilityVersion: "v1",
		ConfigSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"cpu_weight": map[string]any{
					"type":        "number",
					"minimum":     0,
					"maximum":     1,
					"description": "Share of the blended load taken from CPU (rest from memory)",
				},
			},
		},
	}
}

// Collect implements plugin.Plugin.
func (p *Plugin) Collect(ctx context.Context, src core.SourceInstance) (core.RawSnapshot, error) {
	started := time.Now()
	cpuPercents, err := cpu.PercentWithContext(ctx, sampleWindow, false)
	if err != nil {
		return core.RawSnapshot{}, fmt.Errorf("sample cpu: %w", err)
	}
	if len(cpuPercents) == 0 {
		return core.RawSnapshot{}, fmt.Errorf("sample cpu: no data")
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return core.RawSnapshot{}, fmt.Errorf("sample memory: %w", err)
	}

	return core.RawSnapshot{
		SourceID:    src.ID,
		CollectedAt: time.Now().UTC(),
		Payload:     payload{cpuPercent: cpuPercents[0], memPercent: vm.UsedPercent},
		Diagnostics: map[string]any{
			"sample_ms": time.Since(started).Milliseconds(),
		},
	}, nil
}

// Distill implements plugin.Plugin. The blended load maps linearly to
// sentiment: an idle host reads +1, a saturated host -1.
func (p *Plugin) Distill(_ context.Context, raw core.RawSnapshot, history []core.DistilledSnapshot, src core.SourceInstance) (core.DistilledSnapshot, error) {
	pl, ok := raw.Payload.(payload)
	if !ok {
		return core.DistilledSnapshot{}, fmt.Errorf("unexpected raw payload type %T", raw.Payload)
	}

	cpuWeight := 0.6
	if v, ok := src.Config["cpu_weight"].(float64); ok && v >= 0 && v <= 1 {
		cpuWeight = v
	}
	load := (cpuWeight*pl.cpuPercent + (1-cpuWeight)*pl.memPercent) / 100

	return core.DistilledSnapshot{
		SourceID:            raw.SourceID,
		Timestamp:           raw.CollectedAt,
		Sentiment:           1 - 2*load,
		SentimentConfidence: 0.9, // direct measurement, no inference
		Volatility:          volatility(history),
		Terms: []core.TermStat{
			{Term: "cpu", Weight: pl.cpuPercent / 100, Polarity: -1, Novelty: 0},
			{Term: "memory", Weight: pl.memPercent / 100, Polarity: -1, Novelty: 0},
		},
		TermEntropy:  termEntropy(pl.cpuPercent/100, pl.memPercent/100),
		AnomalyScore: 0,
		Coverage:     1.0,
	}, nil
}

func volatility(history []core.DistilledSnapshot) float64 {
	if len(history) < 2 {
		return 0
	}
	recent := history
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	var mean float64
	for _, s := range recent {
		mean += s.Sentiment
	}
	mean /= float64(len(recent))
	var variance float64
	for _, s := range recent {
		d := s.Sentiment - mean
		variance += d * d
	}
	return math.Min(1, math.Sqrt(variance/float64(len(recent)))*2)
}

// termEntropy is the Shannon entropy over the normalized term weights.
func termEntropy(weights ...float64) float64 {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		return 0
	}
	var h float64
	for _, w := range weights {
		if w <= 0 {
			continue
		}
		p := w / total
		h -= p * math.Log2(p)
	}
	return h
}
