// Package numericindex tracks a single numeric value from a URL and derives
// sentiment from configurable range and change-tracking modes.
package numericindex

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"

	"github.com/Thulrus/ParallaxIndex/internal/core"
)

const (
	// PluginID is the registry identifier for this plugin.
	PluginID = "numeric_index"

	pluginVersion = "2.0.0"

	maxBodyBytes = 1 << 20

	valueTermPrefix = "value:"
)

// Sentiment calculation modes.
const (
	ModeChangeTracking = "change_tracking"
	ModeHigherIsBetter = "higher_is_better"
	ModeLowerIsBetter  = "lower_is_better"
	ModeTargetIsBest   = "target_is_best"
)

// payload is the plugin-private raw shape. It never leaves the pipeline call
// frame that produced it.
type payload struct {
	value float64
}

// Plugin fetches a numeric reading over HTTP and distills it.
type Plugin struct {
	client *http.Client
}

// New creates the plugin. A nil client uses http.DefaultClient; the pipeline
// bounds each collect with the per-source timeout regardless.
func New(client *http.Client) *Plugin {
	if client == nil {
		client = http.DefaultClient
	}
	return &Plugin{client: client}
}

// Capability implements plugin.Plugin.
func (p *Plugin) Capability() core.Capability {
	return core.Capability{
		ID:          PluginID,
		Version:     pluginVersion,
		DisplayName: "Numeric Index",
		Description: "Tracks a single numeric value from a URL. " +
			"Calculates sentiment based on configurable range and polarity modes.",
		Category:          core.CategoryNumeric,
		CapabilityVersion: "v1",
		ConfigSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "URL that returns a numeric value",
				},
				"json_path": map[string]any{
					"type":        "string",
					"description": "gjson path to extract the value (e.g. 'data.value', 'results.0.score')",
				},
				"mode": map[string]any{
					"type": "string",
					"enum": []any{ModeChangeTracking, ModeHigherIsBetter, ModeLowerIsBetter, ModeTargetIsBest},
				},
				"min_value": map[string]any{"type": "number"},
				"max_value": map[string]any{"type": "number"},
				"midpoint":  map[string]any{"type": "number"},
			},
			"required": []any{"url"},
		},
	}
}

// Collect implements plugin.Plugin. Transient HTTP failures are retried with
// exponential backoff inside the collect timeout carried by ctx.
func (p *Plugin) Collect(ctx context.Context, src core.SourceInstance) (core.RawSnapshot, error) {
	url, _ := src.Config["url"].(string)
	if url == "" {
		return core.RawSnapshot{}, fmt.Errorf("config missing url")
	}
	jsonPath, _ := src.Config["json_path"].(string)

	started := time.Now()
	fetch := func() (fetched, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fetched{}, backoff.Permanent(err)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return fetched{}, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return fetched{}, err
		}
		if resp.StatusCode >= 500 {
			return fetched{}, fmt.Errorf("status %d from %s", resp.StatusCode, url)
		}
		if resp.StatusCode >= 400 {
			// Client errors will not heal on retry.
			return fetched{}, backoff.Permanent(fmt.Errorf("status %d from %s", resp.StatusCode, url))
		}
		return fetched{body: body, status: resp.StatusCode, contentType: resp.Header.Get("Content-Type")}, nil
	}

	result, err := backoff.Retry(ctx, fetch,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3))
	if err != nil {
		return core.RawSnapshot{}, fmt.Errorf("fetch %s: %w", url, err)
	}

	value, err := parseValue(result.body, jsonPath)
	if err != nil {
		return core.RawSnapshot{}, err
	}

	return core.RawSnapshot{
		SourceID:    src.ID,
		CollectedAt: time.Now().UTC(),
		Payload:     payload{value: value},
		Diagnostics: map[string]any{
			"response_time_ms": time.Since(started).Milliseconds(),
			"status_code":      result.status,
			"content_type":     result.contentType,
		},
	}, nil
}

// Preview implements plugin.Previewer: it runs the collect path against a
// candidate configuration and reports the extracted value plus response
// diagnostics, so an endpoint's shape can be checked before a source exists.
func (p *Plugin) Preview(ctx context.Context, src core.SourceInstance) (map[string]any, error) {
	raw, err := p.Collect(ctx, src)
	if err != nil {
		return nil, err
	}
	pl, ok := raw.Payload.(payload)
	if !ok {
		return nil, fmt.Errorf("unexpected raw payload type %T", raw.Payload)
	}
	return map[string]any{
		"value":       pl.value,
		"diagnostics": raw.Diagnostics,
	}, nil
}

type fetched struct {
	body        []byte
	status      int
	contentType string
}

// parseValue extracts a number from the response body: a gjson path when
// configured, otherwise a bare JSON number, a top-level "value" field, or a
// plaintext float.
func parseValue(body []byte, jsonPath string) (float64, error) {
	text := strings.TrimSpace(string(body))
	if jsonPath != "" {
		res := gjson.GetBytes(body, jsonPath)
		if !res.Exists() {
			return 0, fmt.Errorf("json path %q not found in response", jsonPath)
		}
		if res.Type != gjson.Number {
			return 0, fmt.Errorf("json path %q is not numeric: %s", jsonPath, res.Raw)
		}
		return res.Float(), nil
	}
	if v, err := strconv.ParseFloat(text, 64); err == nil {
		return v, nil
	}
	if res := gjson.Get(text, "value"); res.Exists() && res.Type == gjson.Number {
		return res.Float(), nil
	}
	truncated := text
	if len(truncated) > 100 {
		truncated = truncated[:100]
	}
	return 0, fmt.Errorf("cannot parse response as number: %s", truncated)
}

// Distill implements plugin.Plugin. History arrives oldest first.
func (p *Plugin) Distill(_ context.Context, raw core.RawSnapshot, history []core.DistilledSnapshot, src core.SourceInstance) (core.DistilledSnapshot, error) {
	pl, ok := raw.Payload.(payload)
	if !ok {
		return core.DistilledSnapshot{}, fmt.Errorf("unexpected raw payload type %T", raw.Payload)
	}
	current := pl.value
	mode, _ := src.Config["mode"].(string)
	if mode == "" {
		mode = ModeChangeTracking
	}

	var previous *float64
	if len(history) > 0 {
		if v, ok := valueFromSnapshot(history[len(history)-1]); ok {
			previous = &v
		}
	}

	var sentiment, confidence float64
	minVal, hasMin := configNumber(src.Config, "min_value")
	maxVal, hasMax := configNumber(src.Config, "max_value")
	if mode == ModeChangeTracking || !hasMin || !hasMax {
		sentiment, confidence = changeSentiment(current, previous)
	} else {
		midpoint, hasMid := configNumber(src.Config, "midpoint")
		if !hasMid {
			midpoint = (minVal + maxVal) / 2
		}
		sentiment, confidence = rangeSentiment(current, minVal, maxVal, midpoint, mode)
	}

	return core.DistilledSnapshot{
		SourceID:            raw.SourceID,
		Timestamp:           raw.CollectedAt,
		Sentiment:           sentiment,
		SentimentConfidence: confidence,
		Volatility:          volatility(history),
		Terms: []core.TermStat{{
			// The reading itself rides along as a term so later distills can
			// recover the previous value from history.
			Term:     valueTermPrefix + strconv.FormatFloat(current, 'g', -1, 64),
			Weight:   1.0,
			Polarity: 0,
			Novelty:  0,
		}},
		TermEntropy:  0,
		AnomalyScore: anomaly(history),
		Coverage:     1.0,
	}, nil
}

// changeSentiment maps percent change from the previous reading to sentiment:
// ±5% ≈ ±0.5, ±10% saturates at ±1.
func changeSentiment(current float64, previous *float64) (float64, float64) {
	if previous == nil || *previous == 0 {
		return 0, 0.5 // first reading is neutral
	}
	percent := (current - *previous) / *previous
	sentiment := clamp(percent*10, -1, 1)
	confidence := math.Min(1, math.Abs(percent)*5)
	if confidence < 0.1 {
		confidence = 0.5
	}
	return sentiment, confidence
}

// rangeSentiment maps the reading's position inside [min,max] with a neutral
// midpoint according to the configured mode.
func rangeSentiment(value, minVal, maxVal, midpoint float64, mode string) (float64, float64) {
	scale := func(v float64) float64 {
		switch {
		case v >= maxVal:
			return 1
		case v <= minVal:
			return -1
		case v >= midpoint:
			return (v - midpoint) / (maxVal - midpoint)
		default:
			return (v - midpoint) / (midpoint - minVal)
		}
	}
	edgeConfidence := func(v float64) float64 {
		maxDist := math.Max(math.Abs(maxVal-midpoint), math.Abs(minVal-midpoint))
		if maxDist == 0 {
			return 0.5
		}
		return math.Min(1, 0.5+math.Abs(v-midpoint)/maxDist*0.5)
	}

	switch mode {
	case ModeHigherIsBetter:
		return scale(value), edgeConfidence(value)
	case ModeLowerIsBetter:
		return -scale(value), edgeConfidence(value)
	case ModeTargetIsBest:
		clamped := clamp(value, minVal, maxVal)
		dist := math.Abs(clamped - midpoint)
		maxDist := maxVal - midpoint
		if clamped < midpoint {
			maxDist = midpoint - minVal
		}
		sentiment := 1.0
		if maxDist > 0 {
			sentiment = (1-dist/maxDist)*2 - 1
		}
		confidence := 0.6
		if maxDist > 0 && (dist < maxDist*0.1 || dist > maxDist*0.8) {
			confidence = 0.9 // surest at the target or at the extremes
		}
		return sentiment, confidence
	default:
		return 0, 0.5
	}
}

// volatility is the scaled standard deviation of the last 10 sentiments.
func volatility(history []core.DistilledSnapshot) float64 {
	if len(history) < 2 {
		return 0
	}
	recent := tail(history, 10)
	return math.Min(1, stddevSentiment(recent)*2)
}

// anomaly is the z-score of the newest sentiment against the last 20,
// normalized so z >= 3 saturates at 1.
func anomaly(history []core.DistilledSnapshot) float64 {
	if len(history) < 3 {
		return 0
	}
	recent := tail(history, 20)
	mean := meanSentiment(recent)
	std := stddevSentiment(recent)
	if std == 0 {
		return 0
	}
	z := math.Abs(recent[len(recent)-1].Sentiment-mean) / std
	return math.Min(1, z/3)
}

func meanSentiment(snaps []core.DistilledSnapshot) float64 {
	var sum float64
	for _, s := range snaps {
		sum += s.Sentiment
	}
	return sum / float64(len(snaps))
}

func stddevSentiment(snaps []core.DistilledSnapshot) float64 {
	mean := meanSentiment(snaps)
	var variance float64
	for _, s := range snaps {
		d := s.Sentiment - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(snaps)))
}

func valueFromSnapshot(snap core.DistilledSnapshot) (float64, bool) {
	for _, t := range snap.Terms {
		if raw, ok := strings.CutPrefix(t.Term, valueTermPrefix); ok {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}

func configNumber(cfg map[string]any, key string) (float64, bool) {
	switch v := cfg[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func tail(s []core.DistilledSnapshot, n int) []core.DistilledSnapshot {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
