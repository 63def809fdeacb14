package quotagate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	qg "github.com/ineyio/quotagate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable Clock for deterministic reset/expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingSink captures notifications for assertions.
type recordingSink struct {
	mu         sync.Mutex
	thresholds []qg.ThresholdEvent
	exhausted  []qg.ExhaustedEvent
}

func (s *recordingSink) OnThreshold(e qg.ThresholdEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds = append(s.thresholds, e)
}

func (s *recordingSink) OnExhausted(e qg.ExhaustedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exhausted = append(s.exhausted, e)
}

func (s *recordingSink) counts() (warn, crit, exhausted int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.thresholds {
		switch e.Type {
		case qg.ThresholdWarning:
			warn++
		case qg.ThresholdCritical:
			crit++
		}
	}
	return warn, crit, len(s.exhausted)
}

// memStore is an in-memory Store for persistence tests.
type memStore struct {
	mu      sync.Mutex
	snap    *qg.Snapshot
	saveErr error
	saves   int
	blockCh chan struct{} // if set, Save blocks until closed
}

func (m *memStore) Load(context.Context) (*qg.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, nil
}

func (m *memStore) Save(_ context.Context, snap *qg.Snapshot) error {
	if m.blockCh != nil {
		<-m.blockCh
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.snap = snap
	return nil
}

func (m *memStore) Close() error { return nil }

var baseTime = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func testConfig() qg.Config {
	cfg := qg.DefaultConfig()
	cfg.DailyLimit = 1000
	cfg.Costs = map[qg.Operation]int{
		"search": 100,
		"lookup": 1,
	}
	return cfg
}

func newTestController(t *testing.T, cfg qg.Config, opts ...qg.Option) *qg.Controller {
	t.Helper()
	c, err := qg.New(cfg, opts...)
	require.NoError(t, err)
	return c
}

// Test 1: sequential consumption fills the budget and call 11 is rejected
// with used unchanged (scenario A).
func TestTryConsume_BudgetFillsAndRejects(t *testing.T) {
	c := newTestController(t, testConfig(), qg.WithClock(newFakeClock(baseTime)))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := c.TryConsume(ctx, "search", 1)
		require.NoError(t, err)
		assert.True(t, ok, "call %d should be admitted", i+1)
	}

	status := c.Status()
	assert.Equal(t, 1000, status.Used)
	assert.Equal(t, 0, status.AvailableForUse)
	assert.True(t, status.Exhausted)

	ok, err := c.TryConsume(ctx, "search", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1000, c.Status().Used, "rejected call must not mutate used")
}

// Test 2: reserve holds budget without spending it, and confirm moves the
// hold into used (scenario B).
func TestReserve_HoldThenConfirm(t *testing.T) {
	c := newTestController(t, testConfig(), qg.WithClock(newFakeClock(baseTime)))
	ctx := context.Background()

	ok, err := c.TryConsume(ctx, "search", 2) // used = 200
	require.NoError(t, err)
	require.True(t, ok)

	res, err := c.Reserve(ctx, map[qg.Operation]int{"search": 5}) // hold 500
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, 500, res.ReservedUnits)
	assert.NotEmpty(t, res.Token)

	status := c.Status()
	assert.Equal(t, 200, status.Used)
	assert.Equal(t, 500, status.Reserved)
	assert.Equal(t, 300, status.AvailableForUse)

	// A consume needing 400 must fail while the hold is live.
	ok, err = c.TryConsume(ctx, "search", 4)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Confirm(ctx, res.Token))

	status = c.Status()
	assert.Equal(t, 700, status.Used)
	assert.Equal(t, 0, status.Reserved)
	assert.Equal(t, 300, status.AvailableForUse)
}

// Test 3: an unconfirmed reservation lapses after its TTL; it disappears
// from reserved and confirming it reports expiry (scenario C).
func TestReserve_ExpiresAfterTTL(t *testing.T) {
	clock := newFakeClock(baseTime)
	c := newTestController(t, testConfig(), qg.WithClock(clock))
	ctx := context.Background()

	res, err := c.Reserve(ctx, map[qg.Operation]int{"search": 3})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, baseTime.Add(time.Hour), res.ExpiresAt)
	assert.Equal(t, 300, c.Status().Reserved)

	clock.Advance(61 * time.Minute)

	err = c.Confirm(ctx, res.Token)
	assert.ErrorIs(t, err, qg.ErrReservationExpired)

	status := c.Status()
	assert.Equal(t, 0, status.Reserved, "expired hold must be swept")
	assert.Equal(t, 1000, status.AvailableForUse)
	assert.Equal(t, 0, status.Used, "expired confirm must not credit used")
}

// Test 4: warning, critical, and exhausted each fire exactly once per reset
// cycle (scenario D).
func TestNotifications_ExactlyOncePerCycle(t *testing.T) {
	sink := &recordingSink{}
	clock := newFakeClock(baseTime)
	c := newTestController(t, testConfig(), qg.WithClock(clock), qg.WithSink(sink))
	ctx := context.Background()

	consume := func(n int) {
		ok, err := c.TryConsume(ctx, "lookup", n)
		require.NoError(t, err)
		require.True(t, ok)
	}

	consume(799)
	warn, crit, exhausted := sink.counts()
	assert.Equal(t, 0, warn+crit+exhausted)

	consume(1) // 800: warning
	warn, crit, exhausted = sink.counts()
	assert.Equal(t, 1, warn)
	assert.Equal(t, 0, crit+exhausted)

	consume(150) // 950: critical
	warn, crit, exhausted = sink.counts()
	assert.Equal(t, 1, warn)
	assert.Equal(t, 1, crit)
	assert.Equal(t, 0, exhausted)

	consume(50) // 1000: exhausted
	warn, crit, exhausted = sink.counts()
	assert.Equal(t, 1, warn)
	assert.Equal(t, 1, crit)
	assert.Equal(t, 1, exhausted)

	// Further rejected calls and status reads must not re-fire anything.
	ok, err := c.TryConsume(ctx, "lookup", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	c.Status()
	warn, crit, exhausted = sink.counts()
	assert.Equal(t, 3, warn+crit+exhausted)

	// A new cycle re-arms all three.
	clock.Advance(24 * time.Hour)
	consume(1000)
	warn, crit, exhausted = sink.counts()
	assert.Equal(t, 2, warn)
	assert.Equal(t, 2, crit)
	assert.Equal(t, 2, exhausted)
}

// Test 5: a snapshot reloads into an identical status (scenario E).
func TestPersistence_SnapshotRoundTrip(t *testing.T) {
	store := &memStore{}
	clock := newFakeClock(baseTime)
	cfg := testConfig()
	cfg.EnablePersistence = true
	ctx := context.Background()

	c1 := newTestController(t, cfg, qg.WithClock(clock), qg.WithStore(store))
	ok, err := c1.TryConsume(ctx, "search", 4) // used = 400
	require.NoError(t, err)
	require.True(t, ok)
	res, err := c1.Reserve(ctx, map[qg.Operation]int{"search": 1})
	require.NoError(t, err)
	require.True(t, res.OK)
	want := c1.Status()

	c2 := newTestController(t, cfg, qg.WithClock(clock), qg.WithStore(store))
	got := c2.Status()
	assert.Equal(t, want, got)
	assert.Equal(t, 400, got.Used)
	assert.Equal(t, 100, got.Reserved)

	// The restored hold is live and confirmable.
	require.NoError(t, c2.Confirm(ctx, res.Token))
	assert.Equal(t, 500, c2.Status().Used)
}

// Test 6: reservations expired at load time are discarded, not restored.
func TestPersistence_ExpiredReservationDiscardedOnLoad(t *testing.T) {
	store := &memStore{}
	clock := newFakeClock(baseTime)
	cfg := testConfig()
	cfg.EnablePersistence = true
	ctx := context.Background()

	c1 := newTestController(t, cfg, qg.WithClock(clock), qg.WithStore(store))
	res, err := c1.Reserve(ctx, map[qg.Operation]int{"search": 2})
	require.NoError(t, err)
	require.True(t, res.OK)

	clock.Advance(2 * time.Hour)

	c2 := newTestController(t, cfg, qg.WithClock(clock), qg.WithStore(store))
	assert.Equal(t, 0, c2.Status().Reserved)
	assert.ErrorIs(t, c2.Confirm(ctx, res.Token), qg.ErrReservationNotFound)
}

// Test 7: the scheduled reset fires once per boundary, not once per check.
func TestReset_IdempotentWithinCycle(t *testing.T) {
	clock := newFakeClock(baseTime)
	c := newTestController(t, testConfig(), qg.WithClock(clock))
	ctx := context.Background()

	ok, err := c.TryConsume(ctx, "search", 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 300, c.Status().Used)

	clock.Advance(24 * time.Hour)
	assert.Equal(t, 0, c.Status().Used, "crossing the boundary resets used")

	ok, err = c.TryConsume(ctx, "search", 1)
	require.NoError(t, err)
	require.True(t, ok)

	// Repeated checks inside the same cycle must not zero the new usage.
	assert.Equal(t, 100, c.Status().Used)
	assert.Equal(t, 100, c.Status().Used)
}

// Test 8: reset clears live reservations and re-arms notifications.
func TestReset_ClearsReservations(t *testing.T) {
	clock := newFakeClock(baseTime)
	c := newTestController(t, testConfig(), qg.WithClock(clock))
	ctx := context.Background()

	res, err := c.Reserve(ctx, map[qg.Operation]int{"search": 10})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.True(t, c.Status().Exhausted)

	clock.Advance(24 * time.Hour)

	status := c.Status()
	assert.Equal(t, 0, status.Reserved)
	assert.Equal(t, 1000, status.AvailableForUse)
	assert.ErrorIs(t, c.Confirm(ctx, res.Token), qg.ErrReservationNotFound)
}

// Test 9: release drops the hold without spending, and is a safe no-op on
// unknown tokens.
func TestRelease_DropsHold(t *testing.T) {
	c := newTestController(t, testConfig(), qg.WithClock(newFakeClock(baseTime)))
	ctx := context.Background()

	res, err := c.Reserve(ctx, map[qg.Operation]int{"search": 5})
	require.NoError(t, err)
	require.True(t, res.OK)

	assert.True(t, c.Release(ctx, res.Token))
	status := c.Status()
	assert.Equal(t, 0, status.Used)
	assert.Equal(t, 0, status.Reserved)

	assert.False(t, c.Release(ctx, res.Token), "double release is a no-op")
	assert.False(t, c.Release(ctx, "no-such-token"))
	assert.ErrorIs(t, c.Confirm(ctx, res.Token), qg.ErrReservationNotFound)
}

// Test 10: an unaffordable reservation reports need and have.
func TestReserve_InsufficientReportsNeedAndHave(t *testing.T) {
	c := newTestController(t, testConfig(), qg.WithClock(newFakeClock(baseTime)))
	ctx := context.Background()

	ok, err := c.TryConsume(ctx, "search", 9) // available = 100
	require.NoError(t, err)
	require.True(t, ok)

	res, err := c.Reserve(ctx, map[qg.Operation]int{"search": 2})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "insufficient quota: need 200, have 100", res.FailureReason)
	assert.Empty(t, res.Token)
}

// Test 11: caller-input errors never touch ledger state.
func TestCallerErrors_RejectedBeforeState(t *testing.T) {
	c := newTestController(t, testConfig(), qg.WithClock(newFakeClock(baseTime)))
	ctx := context.Background()

	_, err := c.TryConsume(ctx, "search", 0)
	assert.ErrorIs(t, err, qg.ErrInvalidCount)

	_, err = c.TryConsume(ctx, "search", -3)
	assert.ErrorIs(t, err, qg.ErrInvalidCount)

	_, err = c.TryConsume(ctx, "teleport", 1)
	assert.ErrorIs(t, err, qg.ErrUnknownOperation)

	_, err = c.Reserve(ctx, nil)
	assert.ErrorIs(t, err, qg.ErrNoOperations)

	_, err = c.Reserve(ctx, map[qg.Operation]int{"search": 0})
	assert.ErrorIs(t, err, qg.ErrInvalidCount)

	status := c.Status()
	assert.Equal(t, 0, status.Used)
	assert.Equal(t, 0, status.Reserved)

	// Invalid input is not a budget rejection; it must not count as failed.
	a := c.Analytics(baseTime.AddDate(0, 0, -1), baseTime.AddDate(0, 0, 1))
	assert.Equal(t, 0, a.TotalFailedCalls)
}

// Test 12: conservation: used equals exactly the sum of admitted calls
// under heavy concurrency, with no oversell.
func TestConcurrency_ConservationAndNonOversell(t *testing.T) {
	cfg := testConfig()
	cfg.DailyLimit = 5000
	cfg.MaxConcurrentOperations = 16
	c := newTestController(t, cfg, qg.WithClock(newFakeClock(baseTime)))
	ctx := context.Background()

	const workers = 20
	const attempts = 400 // 20*400 = 8000 attempts against 5000 units

	var admitted int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < attempts; i++ {
				ok, err := c.TryConsume(ctx, "lookup", 1)
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				if ok {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	status := c.Status()
	assert.Equal(t, int64(5000), admitted, "exactly the budget must be admitted")
	assert.Equal(t, 5000, status.Used)
	assert.LessOrEqual(t, status.Used+status.Reserved, status.DailyLimit)
}

// Test 13: mixed reserve/confirm/release traffic keeps the non-oversell
// invariant and conserves units.
func TestConcurrency_MixedReserveAndConsume(t *testing.T) {
	cfg := testConfig()
	cfg.DailyLimit = 3000
	cfg.MaxConcurrentOperations = 8
	c := newTestController(t, cfg, qg.WithClock(newFakeClock(baseTime)))
	ctx := context.Background()

	var confirmed, consumed int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < 12; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if (w+i)%3 == 0 {
					res, err := c.Reserve(ctx, map[qg.Operation]int{"lookup": 10})
					if err != nil || !res.OK {
						continue
					}
					if i%2 == 0 {
						if c.Confirm(ctx, res.Token) == nil {
							mu.Lock()
							confirmed += 10
							mu.Unlock()
						}
					} else {
						c.Release(ctx, res.Token)
					}
				} else {
					ok, err := c.TryConsume(ctx, "lookup", 5)
					if err == nil && ok {
						mu.Lock()
						consumed += 5
						mu.Unlock()
					}
				}
			}
		}(w)
	}
	wg.Wait()

	status := c.Status()
	assert.Equal(t, int(confirmed+consumed), status.Used,
		"used must equal admitted consumes plus confirmed holds")
	assert.LessOrEqual(t, status.Used+status.Reserved, status.DailyLimit)
}

// Test 14: the concurrency gate rejects when full and the wait deadline
// passes.
func TestGate_TimesOutWhenFull(t *testing.T) {
	store := &memStore{blockCh: make(chan struct{})}
	cfg := testConfig()
	cfg.MaxConcurrentOperations = 1
	cfg.EnablePersistence = true
	c := newTestController(t, cfg, qg.WithClock(newFakeClock(baseTime)), qg.WithStore(store))

	// First call blocks in Save while holding the only permit.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.TryConsume(context.Background(), "search", 1)
	}()

	require.Eventually(t, func() bool { return c.InFlight() == 1 },
		time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.TryConsume(ctx, "search", 1)
	assert.ErrorIs(t, err, qg.ErrGateBusy)

	close(store.blockCh)
	<-done
}

// Test 15: persistence failures are logged, never surfaced, and the ledger
// stays authoritative.
func TestPersistence_SaveFailureIsNonFatal(t *testing.T) {
	store := &memStore{saveErr: context.DeadlineExceeded}
	cfg := testConfig()
	cfg.EnablePersistence = true
	c := newTestController(t, cfg, qg.WithClock(newFakeClock(baseTime)), qg.WithStore(store))
	ctx := context.Background()

	ok, err := c.TryConsume(ctx, "search", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 100, c.Status().Used)
	assert.Greater(t, store.saves, 0, "a save must have been attempted")
}

// Test 16: a panicking subscriber does not break delivery to the others.
func TestNotifications_PanickingSinkIsolated(t *testing.T) {
	good := &recordingSink{}
	c := newTestController(t, testConfig(), qg.WithClock(newFakeClock(baseTime)),
		qg.WithSink(panickySink{}), qg.WithSink(good))
	ctx := context.Background()

	ok, err := c.TryConsume(ctx, "lookup", 1000)
	require.NoError(t, err)
	require.True(t, ok)

	warn, crit, exhausted := good.counts()
	assert.Equal(t, 1, warn)
	assert.Equal(t, 1, crit)
	assert.Equal(t, 1, exhausted)
}

type panickySink struct{}

func (panickySink) OnThreshold(qg.ThresholdEvent) { panic("threshold sink boom") }
func (panickySink) OnExhausted(qg.ExhaustedEvent) { panic("exhausted sink boom") }

// Test 17: ForceReset zeroes everything unconditionally.
func TestForceReset(t *testing.T) {
	store := &memStore{}
	cfg := testConfig()
	cfg.EnablePersistence = true
	c := newTestController(t, cfg, qg.WithClock(newFakeClock(baseTime)), qg.WithStore(store))
	ctx := context.Background()

	ok, err := c.TryConsume(ctx, "search", 6)
	require.NoError(t, err)
	require.True(t, ok)
	res, err := c.Reserve(ctx, map[qg.Operation]int{"search": 2})
	require.NoError(t, err)
	require.True(t, res.OK)

	savesBefore := store.saves
	c.ForceReset(ctx)

	status := c.Status()
	assert.Equal(t, 0, status.Used)
	assert.Equal(t, 0, status.Reserved)
	assert.Equal(t, 1000, status.AvailableForUse)
	assert.Greater(t, store.saves, savesBefore, "force reset always persists")
}

// Test 18: TimeUntilReset tracks the configured boundary hour.
func TestTimeUntilReset(t *testing.T) {
	cfg := testConfig()
	cfg.ResetHourUTC = 6
	clock := newFakeClock(baseTime) // 12:00 UTC
	c := newTestController(t, cfg, qg.WithClock(clock))

	assert.Equal(t, 18*time.Hour, c.TimeUntilReset())

	clock.Advance(17 * time.Hour) // 05:00 next day
	assert.Equal(t, time.Hour, c.TimeUntilReset())
}

// Test 19: IsAvailable flips to false only when nothing is left.
func TestIsAvailable(t *testing.T) {
	c := newTestController(t, testConfig(), qg.WithClock(newFakeClock(baseTime)))
	ctx := context.Background()

	assert.True(t, c.IsAvailable())
	ok, err := c.TryConsume(ctx, "search", 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, c.IsAvailable())
}

// Test 20: restoring a snapshot already past a threshold re-reports it once
// on the next status read.
func TestPersistence_RestoredUsageReportsThreshold(t *testing.T) {
	store := &memStore{}
	clock := newFakeClock(baseTime)
	cfg := testConfig()
	cfg.EnablePersistence = true
	ctx := context.Background()

	c1 := newTestController(t, cfg, qg.WithClock(clock), qg.WithStore(store))
	ok, err := c1.TryConsume(ctx, "lookup", 850)
	require.NoError(t, err)
	require.True(t, ok)

	sink := &recordingSink{}
	c2 := newTestController(t, cfg, qg.WithClock(clock), qg.WithStore(store), qg.WithSink(sink))
	c2.Status()
	c2.Status()

	warn, crit, exhausted := sink.counts()
	assert.Equal(t, 1, warn, "restored warning fires once, not per status read")
	assert.Equal(t, 0, crit+exhausted)
}
