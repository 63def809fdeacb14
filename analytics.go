package quotagate

import "time"

// computeAnalytics aggregates daily records into a QuotaAnalytics. Records
// are assumed to be pre-filtered to the requested range.
func computeAnalytics(from, to time.Time, records []DailyUsageRecord) QuotaAnalytics {
	a := QuotaAnalytics{
		From:            from,
		To:              to,
		Days:            len(records),
		OperationTotals: make(map[Operation]int),
	}
	if len(records) == 0 {
		return a
	}

	a.MinDailyUsage = records[0].QuotaUsed
	a.MaxDailyUsage = records[0].QuotaUsed
	a.PeakDay = records[0].Date
	for _, rec := range records {
		a.TotalUsed += rec.QuotaUsed
		a.TotalCalls += rec.APICalls
		a.TotalFailedCalls += rec.FailedCalls

		if rec.QuotaUsed > a.MaxDailyUsage {
			a.MaxDailyUsage = rec.QuotaUsed
			a.PeakDay = rec.Date
		}
		if rec.QuotaUsed < a.MinDailyUsage {
			a.MinDailyUsage = rec.QuotaUsed
		}
		for op, count := range rec.OperationBreakdown {
			a.OperationTotals[op] += count
		}
	}
	a.AvgDailyUsage = float64(a.TotalUsed) / float64(len(records))
	return a
}
