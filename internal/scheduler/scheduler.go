// Package scheduler owns time-based triggering of source collections. It
// evaluates cron-due sources on a fixed tick, serializes runs per source,
// bounds overall concurrency and survives any single source's failures.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Thulrus/ParallaxIndex/internal/core"
	"github.com/Thulrus/ParallaxIndex/internal/schedule"
	"github.com/Thulrus/ParallaxIndex/internal/store"
	"github.com/Thulrus/ParallaxIndex/pkg/logger"
)

const (
	// DefaultTick is how often due sources are evaluated, independent of
	// individual cron granularity.
	DefaultTick = 30 * time.Second

	// DefaultMaxConcurrent bounds simultaneous pipeline runs to protect the
	// store and downstream network targets.
	DefaultMaxConcurrent = 10

	// DefaultGracePeriod is how long in-flight runs get to finish on shutdown
	// before being abandoned.
	DefaultGracePeriod = 15 * time.Second
)

// SourceState is the per-source scheduling state reported to the management
// surface.
type SourceState string

const (
	StateIdle     SourceState = "IDLE"
	StateRunning  SourceState = "RUNNING"
	StateDisabled SourceState = "DISABLED"
)

// Runner executes one collect→distill→persist cycle. Satisfied by
// *pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context, src core.SourceInstance) (core.DistilledSnapshot, error)
}

// SourceStatus is the informational record kept per source: failures are
// counted and remembered here, never propagated out of the scheduling loop.
type SourceStatus struct {
	State         SourceState `json:"state"`
	RunCount      uint64      `json:"run_count"`
	FailureCount  uint64      `json:"failure_count"`
	LastRunAt     time.Time   `json:"last_run_at,omitzero"`
	LastSuccessAt time.Time   `json:"last_success_at,omitzero"`
	LastFailureAt time.Time   `json:"last_failure_at,omitzero"`
	LastFailure   string      `json:"last_failure,omitempty"`
}

// Scheduler drives the collection pipeline. One lightweight goroutine is
// dispatched per triggered run; the tick loop never blocks on run completion.
type Scheduler struct {
	sources store.SourceStore
	runner  Runner
	clock   clockwork.Clock
	metrics *Metrics

	tick          time.Duration
	maxConcurrent int
	gracePeriod   time.Duration

	sem chan struct{} // global concurrency ceiling

	mu       sync.Mutex
	running  map[uuid.UUID]bool      // per-source exclusivity locks
	lastFire map[uuid.UUID]time.Time // last cron minute fired per source
	status   map[uuid.UUID]*SourceStatus

	wg   sync.WaitGroup
	stop chan struct{}
	done chan struct{}
}

// Option adjusts scheduler construction.
type Option func(*Scheduler)

// WithTick overrides the due-evaluation interval.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithMaxConcurrent overrides the overall concurrency ceiling.
func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// WithGracePeriod overrides the shutdown grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.gracePeriod = d
		}
	}
}

// WithClock injects a clock, used by tests to drive ticks deterministically.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithMetrics injects pre-registered instruments.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler over the given source store and runner.
func New(sources store.SourceStore, runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		sources:       sources,
		runner:        runner,
		clock:         clockwork.NewRealClock(),
		tick:          DefaultTick,
		maxConcurrent: DefaultMaxConcurrent,
		gracePeriod:   DefaultGracePeriod,
		running:       make(map[uuid.UUID]bool),
		lastFire:      make(map[uuid.UUID]time.Time),
		status:        make(map[uuid.UUID]*SourceStatus),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	s.sem = make(chan struct{}, s.maxConcurrent)
	return s
}

// Start launches the tick loop. It returns immediately; the loop runs until
// Shutdown or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	logger.Info("scheduler started", "scheduler",
		zap.Duration("tick", s.tick),
		zap.Int("max_concurrent", s.maxConcurrent))

	go func() {
		defer close(s.done)
		ticker := s.clock.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				s.evaluate(ctx)
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
	}()
}

// Shutdown stops the tick loop, then gives in-flight runs the grace period to
// finish. Runs still going when the deadline passes are abandoned; the
// process never blocks indefinitely on them.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	grace := s.gracePeriod
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < grace {
			grace = until
		}
	}
	select {
	case <-finished:
		logger.Info("scheduler stopped, all runs finished", "scheduler")
		return nil
	case <-time.After(grace):
		logger.Warn("scheduler stopped with runs still in flight, abandoning", "scheduler",
			zap.Duration("grace", grace))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evaluate fires every due, unlocked source. Dispatch is fire-and-forget
// relative to the tick: the goroutine waits for a free concurrency slot, the
// loop does not.
func (s *Scheduler) evaluate(ctx context.Context) {
	now := s.clock.Now()
	sources, err := s.sources.ListSources(ctx, true)
	if err != nil {
		logger.Error("scheduler tick: list sources failed", "scheduler", zap.Error(err))
		return
	}

	enabled := make(map[uuid.UUID]bool, len(sources))
	for _, src := range sources {
		enabled[src.ID] = true
		due, err := schedule.DueAt(src.Schedule, now)
		if err != nil {
			// Expressions are validated at creation; a malformed one here is
			// a stored-data problem, worth a log but never a halted tick.
			logger.Error("malformed schedule for stored source", src.PluginID,
				zap.String("source", src.ID.String()), zap.Error(err))
			continue
		}
		if !due {
			continue
		}

		minute := now.Truncate(time.Minute)
		s.mu.Lock()
		if s.lastFire[src.ID].Equal(minute) {
			s.mu.Unlock()
			continue // a sub-minute tick already saw this cron minute
		}
		s.lastFire[src.ID] = minute
		if s.running[src.ID] {
			// Previous run not finished: the trigger is dropped, not queued.
			s.mu.Unlock()
			s.metrics.DroppedTriggers.WithLabelValues(src.ID.String()).Inc()
			logger.Warn("due trigger dropped, previous run still in progress", src.PluginID,
				zap.String("source", src.ID.String()))
			continue
		}
		s.running[src.ID] = true
		s.statusLocked(src.ID).State = StateRunning
		s.mu.Unlock()

		s.wg.Add(1)
		go s.dispatch(ctx, src)
	}

	s.markDisabled(enabled)
}

// dispatch executes one run under the concurrency ceiling, holding the
// per-source lock for the whole cycle.
func (s *Scheduler) dispatch(ctx context.Context, src core.SourceInstance) {
	defer s.wg.Done()
	defer s.release(src.ID)

	// Additional due sources wait here for a free slot rather than spawning
	// unbounded concurrency.
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return
	case <-s.stop:
		return
	}

	s.metrics.InflightRuns.Inc()
	defer s.metrics.InflightRuns.Dec()

	started := s.clock.Now()
	_, err := s.runner.Run(ctx, src)
	s.metrics.RunDuration.WithLabelValues(src.ID.String()).Observe(s.clock.Since(started).Seconds())
	s.record(src, err)
}

// CollectNow triggers an immediate out-of-band collection. It participates in
// the same per-source exclusivity lock as scheduled runs: a trigger while a
// run is in progress is rejected with core.ErrAlreadyRunning, never queued.
func (s *Scheduler) CollectNow(ctx context.Context, sourceID uuid.UUID) (core.DistilledSnapshot, error) {
	src, err := s.sources.GetSource(ctx, sourceID)
	if err != nil {
		return core.DistilledSnapshot{}, err
	}
	if !src.Enabled {
		return core.DistilledSnapshot{}, fmt.Errorf("source %s is disabled", sourceID)
	}

	s.mu.Lock()
	if s.running[sourceID] {
		s.mu.Unlock()
		return core.DistilledSnapshot{}, fmt.Errorf("%w: %s", core.ErrAlreadyRunning, sourceID)
	}
	s.running[sourceID] = true
	s.statusLocked(sourceID).State = StateRunning
	s.mu.Unlock()
	defer s.release(sourceID)

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return core.DistilledSnapshot{}, ctx.Err()
	}

	s.metrics.InflightRuns.Inc()
	defer s.metrics.InflightRuns.Dec()

	started := s.clock.Now()
	snap, err := s.runner.Run(ctx, src)
	s.metrics.RunDuration.WithLabelValues(src.ID.String()).Observe(s.clock.Since(started).Seconds())
	s.record(src, err)
	return snap, err
}

// Status returns a copy of the per-source status record.
func (s *Scheduler) Status(sourceID uuid.UUID) SourceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.statusLocked(sourceID)
}

// record counts the outcome of one run. Failures are swallowed into the
// per-source counter and a log entry; a single source's failure never halts
// the scheduling loop or other sources.
func (s *Scheduler) record(src core.SourceInstance, runErr error) {
	now := s.clock.Now().UTC()
	s.mu.Lock()
	st := s.statusLocked(src.ID)
	st.RunCount++
	st.LastRunAt = now
	if runErr != nil {
		st.FailureCount++
		st.LastFailureAt = now
		st.LastFailure = runErr.Error()
	} else {
		st.LastSuccessAt = now
	}
	s.mu.Unlock()

	if runErr != nil {
		s.metrics.RunsTotal.WithLabelValues(src.ID.String(), "failure").Inc()
		logger.Warn("collection run failed", src.PluginID,
			zap.String("source", src.ID.String()),
			zap.String("display_name", src.DisplayName),
			zap.Error(runErr))
		return
	}
	s.metrics.RunsTotal.WithLabelValues(src.ID.String(), "success").Inc()
}

func (s *Scheduler) release(sourceID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, sourceID)
	if st := s.statusLocked(sourceID); st.State == StateRunning {
		st.State = StateIdle
	}
}

// markDisabled flips status for sources that dropped out of the enabled set.
func (s *Scheduler) markDisabled(enabled map[uuid.UUID]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.status {
		switch {
		case !enabled[id] && !s.running[id]:
			st.State = StateDisabled
		case enabled[id] && st.State == StateDisabled:
			st.State = StateIdle
		}
	}
}

// statusLocked returns the status record for a source, creating it on first
// use. Callers must hold s.mu.
func (s *Scheduler) statusLocked(sourceID uuid.UUID) *SourceStatus {
	st, ok := s.status[sourceID]
	if !ok {
		st = &SourceStatus{State: StateIdle}
		s.status[sourceID] = st
	}
	return st
}
