// Package quotagate is an admission controller for cost-metered,
// quota-limited external APIs. It tracks a daily unit budget, lets callers
// atomically consume or reserve budget for metered operations, and notifies
// subscribers as the budget approaches exhaustion. State survives restarts
// through pluggable snapshot stores (see the store/ subpackages).
package quotagate

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Controller is the public admission service. It composes the ledger, cost
// table, clock, durable store, and notification sinks. A single Controller
// instance is the authoritative ledger for the process.
type Controller struct {
	cfg    Config
	costs  CostTable
	ledger *ledger
	gate   *gate
	clock  Clock
	store  Store
	logger *slog.Logger

	sinkMu sync.RWMutex
	sinks  []Sink

	closeMu sync.Mutex
	closed  bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the time source. Defaults to the system clock in UTC.
func WithClock(clock Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithStore sets the durable snapshot store. Persistence also requires
// Config.EnablePersistence.
func WithStore(store Store) Option {
	return func(c *Controller) { c.store = store }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithSink registers a notification sink at construction time. Further
// sinks can be added later via Subscribe.
func WithSink(sink Sink) Option {
	return func(c *Controller) { c.sinks = append(c.sinks, sink) }
}

// New creates a Controller. If persistence is enabled and the store holds a
// snapshot, the ledger is restored from it; reservations already expired at
// load time are discarded. Load failures are logged and the controller
// starts from zero state.
func New(cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	costs, err := NewCostTable(cfg.Costs)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:   cfg,
		costs: costs,
		gate:  newGate(cfg.MaxConcurrentOperations),
	}

	for _, opt := range opts {
		opt(c)
	}

	// Apply defaults after options.
	if c.clock == nil {
		c.clock = systemClock{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if cfg.EnablePersistence && c.store == nil {
		return nil, ErrNoStore
	}

	c.ledger = newLedger(cfg, c.clock)

	if c.persistent() {
		snap, err := c.store.Load(context.Background())
		switch {
		case err != nil:
			c.logger.Warn("snapshot load failed, starting from zero state", "error", err)
		case snap != nil:
			c.ledger.restore(snap)
			c.logger.Info("ledger restored from snapshot",
				"used", snap.Used,
				"reservations", len(snap.Reservations),
				"last_saved", snap.LastSaved,
			)
		}
	}

	return c, nil
}

// Subscribe registers a sink for threshold and exhaustion notifications.
func (c *Controller) Subscribe(sink Sink) {
	if sink == nil {
		return
	}
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	c.sinks = append(c.sinks, sink)
}

// Cost returns the unit cost of count calls of the given operation without
// touching the ledger.
func (c *Controller) Cost(op Operation, count int) (int, error) {
	return c.costs.Cost(op, count)
}

// IsAvailable reports whether any budget remains for use.
func (c *Controller) IsAvailable() bool {
	return c.Status().AvailableForUse > 0
}

// Status returns a snapshot of the ledger. As a side effect it performs the
// lazy reset check and expiry sweep, and emits any notification that newly
// became due (e.g. after restoring a snapshot already past a threshold).
func (c *Controller) Status() QuotaStatus {
	status, notes := c.ledger.status()
	c.emit(notes)
	return status
}

// TryConsume atomically checks affordability for count calls of op and, if
// affordable, spends the budget. The ctx bounds the wait on the concurrency
// gate; ErrGateBusy is returned when it expires first. A false return with
// nil error means insufficient budget, a normal outcome.
func (c *Controller) TryConsume(ctx context.Context, op Operation, count int) (bool, error) {
	cost, err := c.costs.Cost(op, count)
	if err != nil {
		return false, err
	}

	if err := c.gate.acquire(ctx); err != nil {
		return false, err
	}
	defer c.gate.release()

	ok, notes := c.ledger.tryConsume(op, count, cost)
	c.emit(notes)
	if ok {
		c.persist(ctx)
	}
	return ok, nil
}

// Reserve places a time-bounded hold on the combined cost of the given
// operations. The hold must be resolved with Confirm or Release; unresolved
// holds lapse after the configured TTL. An unaffordable reservation is
// reported in the result, not as an error.
func (c *Controller) Reserve(ctx context.Context, ops map[Operation]int) (ReserveResult, error) {
	cost, err := c.costs.total(ops)
	if err != nil {
		return ReserveResult{}, err
	}

	if err := c.gate.acquire(ctx); err != nil {
		return ReserveResult{}, err
	}
	defer c.gate.release()

	result, notes := c.ledger.reserve(ops, cost)
	c.emit(notes)
	if result.OK {
		c.persist(ctx)
	}
	return result, nil
}

// Confirm resolves a reservation into spent budget. Returns
// ErrReservationNotFound for unknown or already-resolved tokens and
// ErrReservationExpired when the hold lapsed; the caller must treat the
// latter as a failed metered call and reserve again.
func (c *Controller) Confirm(ctx context.Context, token string) error {
	notes, err := c.ledger.confirm(token)
	c.emit(notes)
	if err != nil {
		return err
	}
	c.persist(ctx)
	return nil
}

// Release drops a reservation with no effect on spent budget. Returns false
// if the token is unknown, already resolved, or already expired; that is a
// no-op, not an error.
func (c *Controller) Release(ctx context.Context, token string) bool {
	ok := c.ledger.release(token)
	if ok {
		c.persist(ctx)
	}
	return ok
}

// ForceReset unconditionally zeroes the ledger. Administrative escape hatch
// for operational recovery; always persists afterwards.
func (c *Controller) ForceReset(ctx context.Context) {
	c.ledger.forceReset()
	c.logger.Info("quota ledger force-reset")
	c.persist(ctx)
}

// Analytics aggregates the usage history for days within [from, to].
func (c *Controller) Analytics(from, to time.Time) QuotaAnalytics {
	return computeAnalytics(from, to, c.ledger.historyRange(from, to))
}

// TimeUntilReset returns the duration until the next scheduled reset.
func (c *Controller) TimeUntilReset() time.Duration {
	return c.ledger.timeUntilReset()
}

// InFlight returns how many metered admissions currently hold a gate permit.
func (c *Controller) InFlight() int {
	return c.gate.inFlight()
}

// Close persists a final snapshot and closes the store. Safe to call more
// than once.
func (c *Controller) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if !c.persistent() {
		return nil
	}
	if err := c.store.Save(ctx, c.ledger.snapshot()); err != nil {
		c.logger.Warn("final snapshot save failed", "error", err)
	}
	return c.store.Close()
}

func (c *Controller) persistent() bool {
	return c.cfg.EnablePersistence && c.store != nil
}

// persist writes a snapshot after a successful mutation. Never called with
// the ledger lock held; failures are logged and the next mutation retries.
func (c *Controller) persist(ctx context.Context) {
	if !c.persistent() {
		return
	}
	if err := c.store.Save(ctx, c.ledger.snapshot()); err != nil {
		c.logger.Warn("snapshot save failed", "error", err)
	}
}

// emit dispatches notifications outside the ledger lock. Each sink call is
// isolated so a panicking subscriber cannot break delivery to the others.
func (c *Controller) emit(notes notices) {
	if notes.empty() {
		return
	}

	c.sinkMu.RLock()
	sinks := make([]Sink, len(c.sinks))
	copy(sinks, c.sinks)
	c.sinkMu.RUnlock()

	for _, event := range notes.thresholds {
		c.logger.Warn("quota threshold crossed", "type", string(event.Type), "used", event.Status.Used, "limit", event.Status.DailyLimit)
		for _, s := range sinks {
			c.dispatch(func() { s.OnThreshold(event) })
		}
	}
	if notes.exhausted != nil {
		event := *notes.exhausted
		c.logger.Warn("quota exhausted", "next_reset_at", event.NextResetAt)
		for _, s := range sinks {
			c.dispatch(func() { s.OnExhausted(event) })
		}
	}
}

func (c *Controller) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notification sink panicked", "panic", r)
		}
	}()
	fn()
}
