package core

import "errors"

// Failure taxonomy shared across the registry, pipeline, store and scheduler.
// Callers classify with errors.Is; the concrete cause is wrapped alongside.
var (
	// ErrUnknownPlugin reports a source bound to a plugin id with no registration.
	ErrUnknownPlugin = errors.New("unknown plugin")

	// ErrDuplicateCapability reports a register call colliding with an
	// identical id+version pair that declared an incompatible schema.
	ErrDuplicateCapability = errors.New("duplicate plugin capability")

	// ErrInvalidConfig reports instance config that fails the plugin's schema.
	ErrInvalidConfig = errors.New("invalid source configuration")

	// ErrCollectionFailed reports a timeout or fault raised by a collect call.
	ErrCollectionFailed = errors.New("collection failed")

	// ErrDistillationFault reports a distill call that returned an error
	// outright. Out-of-range values alone are clamped, not rejected.
	ErrDistillationFault = errors.New("distillation fault")

	// ErrDuplicateKey reports an append colliding on (source, timestamp).
	ErrDuplicateKey = errors.New("duplicate snapshot key")

	// ErrAlreadyRunning reports a manual trigger while a run holds the
	// per-source lock. Manual triggers are rejected, never queued.
	ErrAlreadyRunning = errors.New("source collection already running")

	// ErrNoContributingSources marks a zero-confidence aggregation; the
	// engine still returns a usable zero result rather than failing.
	ErrNoContributingSources = errors.New("no contributing sources")

	// ErrSourceNotFound reports a lookup for an unknown source instance.
	ErrSourceNotFound = errors.New("source not found")
)
