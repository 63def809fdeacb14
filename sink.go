package quotagate

// Sink receives threshold and exhaustion notifications.
//
// Sinks are invoked synchronously, outside the ledger's critical section,
// in unspecified order. A panicking sink does not prevent delivery to the
// others.
type Sink interface {
	// OnThreshold is called once per reset cycle per threshold crossed.
	OnThreshold(event ThresholdEvent)

	// OnExhausted is called once per reset cycle when no budget remains.
	OnExhausted(event ExhaustedEvent)
}
