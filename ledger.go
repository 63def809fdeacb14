package quotagate

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// historyDays bounds the rolling usage history.
const historyDays = 30

// ledger is the quota aggregate. Every method takes mu for the full
// check-then-act sequence so the non-oversell invariant holds under
// concurrent callers. No I/O happens while the lock is held.
type ledger struct {
	mu sync.Mutex

	limit     int
	resetHour int
	warnPct   float64
	critPct   float64
	ttl       time.Duration
	clock     Clock

	used         int
	reservations map[string]*Reservation
	lastReset    time.Time
	history      []DailyUsageRecord

	// One-shot per reset cycle.
	warningFired   bool
	criticalFired  bool
	exhaustedFired bool
}

// notices carries notifications that newly became due during an operation.
// Crossings are detected inside the critical section, so each fires exactly
// once per cycle; the controller emits them after the lock is released.
type notices struct {
	thresholds []ThresholdEvent
	exhausted  *ExhaustedEvent
}

func (n notices) empty() bool {
	return len(n.thresholds) == 0 && n.exhausted == nil
}

func newLedger(cfg Config, clock Clock) *ledger {
	return &ledger{
		limit:        cfg.DailyLimit,
		resetHour:    cfg.ResetHourUTC,
		warnPct:      cfg.WarningThresholdPercent,
		critPct:      cfg.CriticalThresholdPercent,
		ttl:          cfg.reservationTTL(),
		clock:        clock,
		reservations: make(map[string]*Reservation),
		lastReset:    clock.Now(),
	}
}

// status sweeps and returns a snapshot. Loading a snapshot can leave usage
// already past a threshold, so status also reports newly due notifications.
func (l *ledger) status() (QuotaStatus, notices) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.resetIfDueLocked(now)
	l.sweepLocked(now)
	return l.statusLocked(now), l.checkLocked(now)
}

// tryConsume atomically checks affordability and spends cost units.
func (l *ledger) tryConsume(op Operation, count, cost int) (bool, notices) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.resetIfDueLocked(now)
	l.sweepLocked(now)

	if cost > l.availableLocked() {
		l.recordFailureLocked(now)
		return false, notices{}
	}

	l.used += cost
	l.recordSuccessLocked(now, map[Operation]int{op: count}, cost)
	return true, l.checkLocked(now)
}

// reserve holds cost units without spending them.
func (l *ledger) reserve(ops map[Operation]int, cost int) (ReserveResult, notices) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.resetIfDueLocked(now)
	l.sweepLocked(now)

	available := l.availableLocked()
	if cost > available {
		l.recordFailureLocked(now)
		return ReserveResult{
			FailureReason: fmt.Sprintf("insufficient quota: need %d, have %d", cost, available),
		}, notices{}
	}

	r := &Reservation{
		Token:         uuid.New().String(),
		ReservedUnits: cost,
		Operations:    make(map[Operation]int, len(ops)),
		CreatedAt:     now,
		ExpiresAt:     now.Add(l.ttl),
	}
	for op, count := range ops {
		r.Operations[op] = count
	}
	l.reservations[r.Token] = r

	// A hold shrinks availableForUse, which can newly exhaust the cycle.
	return ReserveResult{
		OK:            true,
		Token:         r.Token,
		ReservedUnits: r.ReservedUnits,
		ExpiresAt:     r.ExpiresAt,
	}, l.checkLocked(now)
}

// confirm resolves a reservation into spent budget. The token is looked up
// before the sweep so an expired hold reports ErrReservationExpired rather
// than ErrReservationNotFound.
func (l *ledger) confirm(token string) (notices, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.resetIfDueLocked(now)

	r, ok := l.reservations[token]
	if !ok {
		return notices{}, ErrReservationNotFound
	}
	delete(l.reservations, token)
	l.sweepLocked(now)

	if r.Expired(now) {
		return notices{}, ErrReservationExpired
	}

	l.used += r.ReservedUnits
	l.recordSuccessLocked(now, r.Operations, r.ReservedUnits)
	return l.checkLocked(now), nil
}

// release drops a reservation with no effect on used. Returns false for
// unknown (or already swept) tokens.
func (l *ledger) release(token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.resetIfDueLocked(now)
	l.sweepLocked(now)

	if _, ok := l.reservations[token]; !ok {
		return false
	}
	delete(l.reservations, token)
	return true
}

// forceReset unconditionally zeroes the cycle.
func (l *ledger) forceReset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked(l.clock.Now())
}

func (l *ledger) timeUntilReset() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	return l.nextResetLocked(now).Sub(now)
}

// historyRange returns deep copies of records whose date falls in
// [from, to], compared by UTC calendar day.
func (l *ledger) historyRange(from, to time.Time) []DailyUsageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	fromDay := from.UTC().Format(dateLayout)
	toDay := to.UTC().Format(dateLayout)

	var out []DailyUsageRecord
	for _, rec := range l.history {
		if rec.Date < fromDay || rec.Date > toDay {
			continue
		}
		out = append(out, rec.clone())
	}
	return out
}

// snapshot captures the persisted state. Expired reservations are swept
// first so they never reach the store.
func (l *ledger) snapshot() *Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.sweepLocked(now)

	snap := &Snapshot{
		LastReset:    l.lastReset,
		Used:         l.used,
		Reservations: make(map[string]Reservation, len(l.reservations)),
		History:      make([]DailyUsageRecord, 0, len(l.history)),
		LastSaved:    now,
	}
	for token, r := range l.reservations {
		cp := *r
		cp.Operations = make(map[Operation]int, len(r.Operations))
		for op, count := range r.Operations {
			cp.Operations[op] = count
		}
		snap.Reservations[token] = cp
	}
	for _, rec := range l.history {
		snap.History = append(snap.History, rec.clone())
	}
	return snap
}

// restore replaces ledger state from a snapshot. Reservations already
// expired at load time are discarded rather than restored. Notification
// flags start clear; the next status call re-reports any threshold the
// restored usage already sits past.
func (l *ledger) restore(snap *Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()

	l.used = snap.Used
	l.lastReset = snap.LastReset
	if l.lastReset.IsZero() {
		l.lastReset = now
	}

	l.reservations = make(map[string]*Reservation, len(snap.Reservations))
	for token, r := range snap.Reservations {
		if r.Expired(now) {
			continue
		}
		cp := r
		cp.Operations = make(map[Operation]int, len(r.Operations))
		for op, count := range r.Operations {
			cp.Operations[op] = count
		}
		l.reservations[token] = &cp
	}

	l.history = l.history[:0]
	for _, rec := range snap.History {
		l.history = append(l.history, rec.clone())
	}

	l.warningFired = false
	l.criticalFired = false
	l.exhaustedFired = false

	l.resetIfDueLocked(now)
}

// --- internals; callers hold mu ---

const dateLayout = "2006-01-02"

func (l *ledger) reservedLocked() int {
	total := 0
	for _, r := range l.reservations {
		total += r.ReservedUnits
	}
	return total
}

func (l *ledger) availableLocked() int {
	return l.limit - l.used - l.reservedLocked()
}

func (l *ledger) sweepLocked(now time.Time) {
	for token, r := range l.reservations {
		if r.Expired(now) {
			delete(l.reservations, token)
		}
	}
}

// resetIfDueLocked zeroes the cycle if a reset boundary has been crossed
// since lastReset. Called before every operation, so correctness does not
// depend on any timer firing on time.
func (l *ledger) resetIfDueLocked(now time.Time) bool {
	boundary := l.lastBoundaryLocked(now)
	if !l.lastReset.Before(boundary) {
		return false
	}
	l.resetLocked(now)
	return true
}

func (l *ledger) resetLocked(now time.Time) {
	l.used = 0
	l.reservations = make(map[string]*Reservation)
	l.warningFired = false
	l.criticalFired = false
	l.exhaustedFired = false
	l.lastReset = now
}

// lastBoundaryLocked returns the most recent scheduled reset instant at or
// before now.
func (l *ledger) lastBoundaryLocked(now time.Time) time.Time {
	now = now.UTC()
	b := time.Date(now.Year(), now.Month(), now.Day(), l.resetHour, 0, 0, 0, time.UTC)
	if now.Before(b) {
		b = b.AddDate(0, 0, -1)
	}
	return b
}

func (l *ledger) nextResetLocked(now time.Time) time.Time {
	return l.lastBoundaryLocked(now).AddDate(0, 0, 1)
}

func (l *ledger) statusLocked(now time.Time) QuotaStatus {
	pct := float64(l.used) * 100 / float64(l.limit)
	available := l.availableLocked()
	return QuotaStatus{
		DailyLimit:      l.limit,
		Used:            l.used,
		Reserved:        l.reservedLocked(),
		AvailableForUse: available,
		NearLimit:       pct >= l.warnPct,
		Critical:        pct >= l.critPct,
		Exhausted:       available <= 0,
		NextResetAt:     l.nextResetLocked(now),
	}
}

// checkLocked flips the one-shot flags for any threshold newly crossed and
// returns the corresponding notifications.
func (l *ledger) checkLocked(now time.Time) notices {
	var n notices

	pct := float64(l.used) * 100 / float64(l.limit)
	if !l.warningFired && pct >= l.warnPct {
		l.warningFired = true
		n.thresholds = append(n.thresholds, ThresholdEvent{
			Status:  l.statusLocked(now),
			Type:    ThresholdWarning,
			Message: fmt.Sprintf("quota usage at %.0f%% of daily limit (%d/%d units)", pct, l.used, l.limit),
		})
	}
	if !l.criticalFired && pct >= l.critPct {
		l.criticalFired = true
		n.thresholds = append(n.thresholds, ThresholdEvent{
			Status:  l.statusLocked(now),
			Type:    ThresholdCritical,
			Message: fmt.Sprintf("quota usage at %.0f%% of daily limit (%d/%d units)", pct, l.used, l.limit),
		})
	}
	if !l.exhaustedFired && l.availableLocked() <= 0 {
		l.exhaustedFired = true
		n.exhausted = &ExhaustedEvent{
			Status:      l.statusLocked(now),
			Message:     fmt.Sprintf("daily quota exhausted (%d units used or held)", l.limit),
			ExhaustedAt: now,
			NextResetAt: l.nextResetLocked(now),
		}
	}
	return n
}

func (l *ledger) recordSuccessLocked(now time.Time, ops map[Operation]int, units int) {
	rec := l.todayLocked(now)
	rec.QuotaUsed += units
	for op, count := range ops {
		rec.APICalls += count
		rec.OperationBreakdown[op] += count
	}
}

func (l *ledger) recordFailureLocked(now time.Time) {
	l.todayLocked(now).FailedCalls++
}

// todayLocked returns the mutable record for the current UTC day, appending
// a fresh one (and trimming the window) when the day rolls over.
func (l *ledger) todayLocked(now time.Time) *DailyUsageRecord {
	date := now.UTC().Format(dateLayout)
	if n := len(l.history); n > 0 && l.history[n-1].Date == date {
		return &l.history[n-1]
	}
	l.history = append(l.history, DailyUsageRecord{
		Date:               date,
		OperationBreakdown: make(map[Operation]int),
	})
	if len(l.history) > historyDays {
		l.history = l.history[len(l.history)-historyDays:]
	}
	return &l.history[len(l.history)-1]
}
