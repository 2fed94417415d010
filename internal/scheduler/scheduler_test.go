package scheduler

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thulrus/ParallaxIndex/internal/core"
	"github.com/Thulrus/ParallaxIndex/pkg/config"
	"github.com/Thulrus/ParallaxIndex/pkg/logger"
)

func TestMain(m *testing.M) {
	dir, _ := os.MkdirTemp("", "parallax-logs")
	_ = logger.Init(config.ZapLogConfig{Level: "error", Format: "console", Path: dir, MaxAge: 1, MaxSize: 10})
	code := m.Run()
	_ = logger.Sync()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

// fakeSources is an in-memory SourceStore for driving the scheduler.
type fakeSources struct {
	mu    sync.Mutex
	items map[uuid.UUID]core.SourceInstance
}

func newFakeSources(sources ...core.SourceInstance) *fakeSources {
	f := &fakeSources{items: make(map[uuid.UUID]core.SourceInstance)}
	for _, src := range sources {
		f.items[src.ID] = src
	}
	return f
}

func (f *fakeSources) CreateSource(_ context.Context, src core.SourceInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[src.ID] = src
	return nil
}

func (f *fakeSources) UpdateSource(_ context.Context, src core.SourceInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[src.ID] = src
	return nil
}

func (f *fakeSources) DeleteSource(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, id)
	return nil
}

func (f *fakeSources) GetSource(_ context.Context, id uuid.UUID) (core.SourceInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.items[id]
	if !ok {
		return core.SourceInstance{}, core.ErrSourceNotFound
	}
	return src, nil
}

func (f *fakeSources) ListSources(_ context.Context, enabledOnly bool) ([]core.SourceInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.SourceInstance, 0, len(f.items))
	for _, src := range f.items {
		if enabledOnly && !src.Enabled {
			continue
		}
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// fakeRunner counts runs per source and can block selected sources until the
// test releases them.
type fakeRunner struct {
	mu      sync.Mutex
	calls   map[uuid.UUID]int
	gates   map[uuid.UUID]chan struct{}
	errs    map[uuid.UUID]error
	started chan uuid.UUID
	done    chan uuid.UUID
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		calls:   make(map[uuid.UUID]int),
		gates:   make(map[uuid.UUID]chan struct{}),
		errs:    make(map[uuid.UUID]error),
		started: make(chan uuid.UUID, 64),
		done:    make(chan uuid.UUID, 64),
	}
}

func (r *fakeRunner) blockSource(id uuid.UUID) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	gate := make(chan struct{})
	r.gates[id] = gate
	return gate
}

func (r *fakeRunner) failSource(id uuid.UUID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[id] = err
}

func (r *fakeRunner) callCount(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func (r *fakeRunner) Run(_ context.Context, src core.SourceInstance) (core.DistilledSnapshot, error) {
	r.mu.Lock()
	r.calls[src.ID]++
	gate := r.gates[src.ID]
	err := r.errs[src.ID]
	r.mu.Unlock()

	r.started <- src.ID
	if gate != nil {
		<-gate
	}
	defer func() { r.done <- src.ID }()
	if err != nil {
		return core.DistilledSnapshot{}, err
	}
	return core.DistilledSnapshot{
		SourceID:  src.ID,
		Timestamp: time.Now(),
		Sentiment: 0.1,
	}, nil
}

func everyMinuteSource() core.SourceInstance {
	return core.SourceInstance{
		ID:          uuid.New(),
		PluginID:    "numeric_index",
		DisplayName: "every minute",
		Enabled:     true,
		Weight:      1.0,
		Polarity:    core.PolarityPositiveIsGood,
		Schedule:    "* * * * *",
	}
}

func waitFor(t *testing.T, ch chan uuid.UUID, want uuid.UUID) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func startScheduler(t *testing.T, s *Scheduler, fc *clockwork.FakeClock) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	// Wait until the tick loop has created its ticker.
	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	return cancel
}

func TestDueSourceFires(t *testing.T) {
	src := everyMinuteSource()
	runner := newFakeRunner()
	fc := clockwork.NewFakeClockAt(time.Date(2026, 8, 26, 10, 0, 30, 0, time.UTC))

	s := New(newFakeSources(src), runner, WithClock(fc), WithTick(time.Minute))
	cancel := startScheduler(t, s, fc)
	defer cancel()

	fc.Advance(time.Minute)
	waitFor(t, runner.started, src.ID)
	waitFor(t, runner.done, src.ID)

	assert.Equal(t, 1, runner.callCount(src.ID))

	require.Eventually(t, func() bool {
		return s.Status(src.ID).RunCount == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
}

func TestNotDueSourceDoesNotFire(t *testing.T) {
	src := everyMinuteSource()
	src.Schedule = "0 3 * * *" // daily at 03:00
	runner := newFakeRunner()
	fc := clockwork.NewFakeClockAt(time.Date(2026, 8, 26, 10, 0, 30, 0, time.UTC))

	s := New(newFakeSources(src), runner, WithClock(fc), WithTick(time.Minute))
	cancel := startScheduler(t, s, fc)
	defer cancel()

	fc.Advance(time.Minute)
	fc.Advance(time.Minute)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runner.callCount(src.ID))
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestOverlappingTriggerIsDropped(t *testing.T) {
	src := everyMinuteSource()
	runner := newFakeRunner()
	gate := runner.blockSource(src.ID)
	fc := clockwork.NewFakeClockAt(time.Date(2026, 8, 26, 10, 0, 30, 0, time.UTC))

	s := New(newFakeSources(src), runner, WithClock(fc), WithTick(time.Minute))
	cancel := startScheduler(t, s, fc)
	defer cancel()

	fc.Advance(time.Minute)
	waitFor(t, runner.started, src.ID)

	// Next minute comes due while the first run is still holding the source
	// lock. The trigger must be dropped, not queued behind it.
	fc.Advance(time.Minute)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, runner.callCount(src.ID))

	close(gate)
	waitFor(t, runner.done, src.ID)

	// The dropped trigger stays dropped after the lock is released.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, runner.callCount(src.ID))
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestSlowSourceDoesNotBlockOthers(t *testing.T) {
	slow := everyMinuteSource()
	fast := everyMinuteSource()
	runner := newFakeRunner()
	gate := runner.blockSource(slow.ID)
	fc := clockwork.NewFakeClockAt(time.Date(2026, 8, 26, 10, 0, 30, 0, time.UTC))

	s := New(newFakeSources(slow, fast), runner, WithClock(fc), WithTick(time.Minute))
	cancel := startScheduler(t, s, fc)
	defer cancel()

	fc.Advance(time.Minute)
	waitFor(t, runner.started, slow.ID)

	// The fast source completes while the slow one is still blocked.
	waitFor(t, runner.done, fast.ID)
	assert.Equal(t, 1, runner.callCount(fast.ID))
	assert.Equal(t, 1, runner.callCount(slow.ID))

	close(gate)
	waitFor(t, runner.done, slow.ID)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestConcurrencyCeiling(t *testing.T) {
	a := everyMinuteSource()
	b := everyMinuteSource()
	runner := newFakeRunner()
	gateA := runner.blockSource(a.ID)
	gateB := runner.blockSource(b.ID)
	fc := clockwork.NewFakeClockAt(time.Date(2026, 8, 26, 10, 0, 30, 0, time.UTC))

	s := New(newFakeSources(a, b), runner, WithClock(fc), WithTick(time.Minute), WithMaxConcurrent(1))
	cancel := startScheduler(t, s, fc)
	defer cancel()

	fc.Advance(time.Minute)

	// Exactly one run gets the slot; the other waits on the semaphore.
	first := <-runner.started
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, runner.callCount(a.ID)+runner.callCount(b.ID))

	if first == a.ID {
		close(gateA)
	} else {
		close(gateB)
	}
	waitFor(t, runner.done, first)

	// The freed slot admits the second run.
	second := <-runner.started
	assert.NotEqual(t, first, second)
	if second == a.ID {
		close(gateA)
	} else {
		close(gateB)
	}
	waitFor(t, runner.done, second)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestCollectNow(t *testing.T) {
	src := everyMinuteSource()
	runner := newFakeRunner()
	fc := clockwork.NewFakeClockAt(time.Date(2026, 8, 26, 10, 0, 30, 0, time.UTC))

	s := New(newFakeSources(src), runner, WithClock(fc), WithTick(time.Minute))
	cancel := startScheduler(t, s, fc)
	defer cancel()

	snap, err := s.CollectNow(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Equal(t, src.ID, snap.SourceID)
	assert.Equal(t, 1, runner.callCount(src.ID))

	st := s.Status(src.ID)
	assert.Equal(t, uint64(1), st.RunCount)
	assert.Equal(t, StateIdle, st.State)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestStatusTimestampsFollowInjectedClock(t *testing.T) {
	src := everyMinuteSource()
	runner := newFakeRunner()
	at := time.Date(2026, 8, 26, 10, 0, 30, 0, time.UTC)
	fc := clockwork.NewFakeClockAt(at)

	s := New(newFakeSources(src), runner, WithClock(fc), WithTick(time.Minute))
	cancel := startScheduler(t, s, fc)
	defer cancel()

	_, err := s.CollectNow(context.Background(), src.ID)
	require.NoError(t, err)

	// Run timing and status records share the clock driving the tick loop.
	st := s.Status(src.ID)
	assert.True(t, st.LastRunAt.Equal(at), "LastRunAt = %v, want %v", st.LastRunAt, at)
	assert.True(t, st.LastSuccessAt.Equal(at))
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestCollectNowWhileRunning(t *testing.T) {
	src := everyMinuteSource()
	runner := newFakeRunner()
	gate := runner.blockSource(src.ID)
	fc := clockwork.NewFakeClockAt(time.Date(2026, 8, 26, 10, 0, 30, 0, time.UTC))

	s := New(newFakeSources(src), runner, WithClock(fc), WithTick(time.Minute))
	cancel := startScheduler(t, s, fc)
	defer cancel()

	go func() {
		_, _ = s.CollectNow(context.Background(), src.ID)
	}()
	waitFor(t, runner.started, src.ID)

	_, err := s.CollectNow(context.Background(), src.ID)
	assert.ErrorIs(t, err, core.ErrAlreadyRunning)

	close(gate)
	waitFor(t, runner.done, src.ID)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestCollectNowRejectsDisabledAndUnknown(t *testing.T) {
	src := everyMinuteSource()
	src.Enabled = false
	runner := newFakeRunner()
	fc := clockwork.NewFakeClockAt(time.Date(2026, 8, 26, 10, 0, 30, 0, time.UTC))

	s := New(newFakeSources(src), runner, WithClock(fc), WithTick(time.Minute))
	cancel := startScheduler(t, s, fc)
	defer cancel()

	_, err := s.CollectNow(context.Background(), src.ID)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrSourceNotFound)

	_, err = s.CollectNow(context.Background(), uuid.New())
	assert.ErrorIs(t, err, core.ErrSourceNotFound)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestFailureIsRecordedNotPropagated(t *testing.T) {
	src := everyMinuteSource()
	runner := newFakeRunner()
	runner.failSource(src.ID, errors.New("collector exploded"))
	fc := clockwork.NewFakeClockAt(time.Date(2026, 8, 26, 10, 0, 30, 0, time.UTC))

	s := New(newFakeSources(src), runner, WithClock(fc), WithTick(time.Minute))
	cancel := startScheduler(t, s, fc)
	defer cancel()

	fc.Advance(time.Minute)
	waitFor(t, runner.done, src.ID)

	require.Eventually(t, func() bool {
		st := s.Status(src.ID)
		return st.FailureCount == 1 && st.LastFailure != ""
	}, 3*time.Second, 10*time.Millisecond)

	// The loop survives the failure and fires again next minute.
	fc.Advance(time.Minute)
	waitFor(t, runner.done, src.ID)
	assert.Equal(t, 2, runner.callCount(src.ID))
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestShutdownAbandonsStuckRuns(t *testing.T) {
	src := everyMinuteSource()
	runner := newFakeRunner()
	gate := runner.blockSource(src.ID)
	fc := clockwork.NewFakeClockAt(time.Date(2026, 8, 26, 10, 0, 30, 0, time.UTC))

	s := New(newFakeSources(src), runner,
		WithClock(fc), WithTick(time.Minute), WithGracePeriod(50*time.Millisecond))
	cancel := startScheduler(t, s, fc)
	defer cancel()

	fc.Advance(time.Minute)
	waitFor(t, runner.started, src.ID)

	start := time.Now()
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), 3*time.Second)

	close(gate)
}
