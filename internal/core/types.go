// Package core defines the canonical data model shared by the registry,
// pipeline, scheduler and aggregation engine. All schemas here are designed
// to be stable across versions.
package core

import (
	"time"

	"github.com/google/uuid"
)

// SourceCategory classifies the kind of data a plugin produces.
type SourceCategory string

const (
	CategoryText    SourceCategory = "TEXT"    // textual content (articles, social media, ...)
	CategoryNumeric SourceCategory = "NUMERIC" // numeric indices (prices, indicators, ...)
	CategoryEvent   SourceCategory = "EVENT"   // discrete events (outages, policy changes, ...)
)

// Valid reports whether c is one of the closed category set.
func (c SourceCategory) Valid() bool {
	switch c {
	case CategoryText, CategoryNumeric, CategoryEvent:
		return true
	}
	return false
}

// SentimentPolarity declares how a source's raw magnitude maps to sentiment sign.
type SentimentPolarity string

const (
	PolarityPositiveIsGood SentimentPolarity = "POSITIVE_IS_GOOD"
	PolarityNegativeIsGood SentimentPolarity = "NEGATIVE_IS_GOOD"
	PolarityNeutral        SentimentPolarity = "NEUTRAL"
	// PolarityBidirectional marks sources whose raw magnitude already encodes
	// direction; aggregation treats it as identity.
	PolarityBidirectional SentimentPolarity = "BIDIRECTIONAL"
)

// Valid reports whether p is one of the declared polarity modes.
func (p SentimentPolarity) Valid() bool {
	switch p {
	case PolarityPositiveIsGood, PolarityNegativeIsGood, PolarityNeutral, PolarityBidirectional:
		return true
	}
	return false
}

// Capability is the metadata a plugin declares at registration. Immutable for
// a process lifetime once registered; re-registering with a new version
// replaces the prior binding.
type Capability struct {
	ID          string         `json:"plugin_id"`
	Version     string         `json:"plugin_version"`
	DisplayName string         `json:"display_name"`
	Description string         `json:"description"`
	Category    SourceCategory `json:"source_category"`
	// ConfigSchema is a JSON Schema document validating instance config.
	// The core only uses it pass/fail; its internals belong to the plugin.
	ConfigSchema map[string]any `json:"config_schema"`
	// CapabilityVersion tags the contract shape for forward compatibility.
	CapabilityVersion string `json:"capability_version"`
}

// SourceInstance is a user-configured instance of a plugin. Created and
// edited by the management surface; the scheduler and pipeline read it only.
type SourceInstance struct {
	ID          uuid.UUID         `json:"source_id"`
	PluginID    string            `json:"plugin_id" validate:"required"`
	DisplayName string            `json:"display_name" validate:"required"`
	Enabled     bool              `json:"enabled"`
	Config      map[string]any    `json:"config"`
	Weight      float64           `json:"weight" validate:"gte=0,lte=10"`
	Polarity    SentimentPolarity `json:"sentiment_polarity" validate:"required,oneof=POSITIVE_IS_GOOD NEGATIVE_IS_GOOD NEUTRAL BIDIRECTIONAL"`
	// Schedule is a five-field cron expression (minute hour dom month dow).
	Schedule string `json:"schedule" validate:"required"`
	// CollectTimeout bounds one collect call; zero means the configured default.
	CollectTimeout time.Duration `json:"collect_timeout,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// RawSnapshot is the ephemeral result of one collect call. It lives only for
// the duration of a single pipeline run and is never persisted or exposed
// outside the pipeline boundary.
type RawSnapshot struct {
	SourceID    uuid.UUID
	CollectedAt time.Time
	// Payload is plugin-private; the core never inspects it.
	Payload any
	// Diagnostics carries collection metadata (timing, partial failures).
	Diagnostics map[string]any
}

// TermStat describes one extracted term. Terms persist across snapshots so
// the emergence and decline of concepts can be tracked.
type TermStat struct {
	Term     string  `json:"term"`
	Weight   float64 `json:"weight"`   // relative importance, >= 0
	Polarity float64 `json:"polarity"` // term sentiment, [-1,1]
	Novelty  float64 `json:"novelty"`  // how unexpected this term is, [0,1]
}

// DistilledSnapshot is the canonical, append-only unit of observation. Once
// written it is never mutated; duplicate (source, timestamp) pairs are
// rejected by the store.
type DistilledSnapshot struct {
	SourceID            uuid.UUID  `json:"source_id"`
	Timestamp           time.Time  `json:"timestamp"`
	Sentiment           float64    `json:"sentiment"`            // [-1,1]
	SentimentConfidence float64    `json:"sentiment_confidence"` // [0,1]
	Volatility          float64    `json:"volatility"`           // [0,1], recent fluctuation
	Terms               []TermStat `json:"terms"`                // may be empty
	TermEntropy         float64    `json:"term_entropy"`         // >= 0, Shannon entropy over term weights
	AnomalyScore        float64    `json:"anomaly_score"`        // >= 0, deviation from the source's own baseline
	Coverage            float64    `json:"coverage"`             // [0,1], fraction of expected data obtained
}

// SourceContribution records one source's share of a global aggregation.
type SourceContribution struct {
	SourceID uuid.UUID `json:"source_id"`
	// Sentiment is the source's effective (polarity-adjusted) sentiment.
	Sentiment float64 `json:"sentiment"`
	// Influence is the source's normalized share of total aggregate weight.
	Influence float64 `json:"influence"`
}

// GlobalAggregation is the derived point-in-time global metric. It carries no
// state a replay over the latest enabled snapshots cannot regenerate.
type GlobalAggregation struct {
	Timestamp        time.Time            `json:"timestamp"`
	GlobalSentiment  float64              `json:"global_sentiment"`
	GlobalVolatility float64              `json:"global_volatility"`
	Confidence       float64              `json:"confidence"`
	SourceCount      int                  `json:"source_count"`
	Contributions    []SourceContribution `json:"contributions"`
	DominantTerms    []TermStat           `json:"dominant_terms"`
}
