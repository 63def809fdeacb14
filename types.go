package quotagate

import "time"

// Operation identifies a category of metered call with a fixed per-call
// unit cost.
type Operation string

// QuotaStatus is an immutable snapshot of the ledger.
type QuotaStatus struct {
	DailyLimit      int       `json:"daily_limit"`
	Used            int       `json:"used"`
	Reserved        int       `json:"reserved"`
	AvailableForUse int       `json:"available_for_use"`
	NearLimit       bool      `json:"near_limit"`
	Critical        bool      `json:"critical"`
	Exhausted       bool      `json:"exhausted"`
	NextResetAt     time.Time `json:"next_reset_at"`
}

// Reservation is a time-bounded hold on budget that has not yet been spent.
type Reservation struct {
	Token         string            `json:"token"`
	ReservedUnits int               `json:"reserved_units"`
	Operations    map[Operation]int `json:"operations"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

// Expired reports whether the reservation has passed its TTL at the given time.
func (r Reservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ReserveResult describes the outcome of a Reserve call.
type ReserveResult struct {
	OK            bool
	Token         string
	ReservedUnits int
	ExpiresAt     time.Time
	FailureReason string
}

// DailyUsageRecord aggregates one calendar day of usage. Records are an
// analytics trail only and are never consulted for admission decisions.
type DailyUsageRecord struct {
	Date               string            `json:"date"` // YYYY-MM-DD, UTC
	QuotaUsed          int               `json:"quota_used"`
	APICalls           int               `json:"api_calls"`
	FailedCalls        int               `json:"failed_calls"`
	OperationBreakdown map[Operation]int `json:"operation_breakdown"`
}

func (r DailyUsageRecord) clone() DailyUsageRecord {
	out := r
	out.OperationBreakdown = make(map[Operation]int, len(r.OperationBreakdown))
	for op, n := range r.OperationBreakdown {
		out.OperationBreakdown[op] = n
	}
	return out
}

// QuotaAnalytics aggregates usage history over a date range.
type QuotaAnalytics struct {
	From             time.Time         `json:"from"`
	To               time.Time         `json:"to"`
	Days             int               `json:"days"`
	TotalUsed        int               `json:"total_used"`
	TotalCalls       int               `json:"total_calls"`
	TotalFailedCalls int               `json:"total_failed_calls"`
	MaxDailyUsage    int               `json:"max_daily_usage"`
	MinDailyUsage    int               `json:"min_daily_usage"`
	AvgDailyUsage    float64           `json:"avg_daily_usage"`
	PeakDay          string            `json:"peak_day"`
	OperationTotals  map[Operation]int `json:"operation_totals"`
}

// ThresholdType distinguishes warning from critical crossings.
type ThresholdType string

const (
	ThresholdWarning  ThresholdType = "warning"
	ThresholdCritical ThresholdType = "critical"
)

// ThresholdEvent is fired once per reset cycle when consumption crosses a
// configured percentage of the daily limit.
type ThresholdEvent struct {
	Status  QuotaStatus
	Type    ThresholdType
	Message string
}

// ExhaustedEvent is fired once per reset cycle when no budget remains.
type ExhaustedEvent struct {
	Status      QuotaStatus
	Message     string
	ExhaustedAt time.Time
	NextResetAt time.Time
}
