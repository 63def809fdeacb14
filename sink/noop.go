package sink

import "github.com/ineyio/quotagate"

// NoopSink is a sink that does nothing.
type NoopSink struct{}

var _ quotagate.Sink = (*NoopSink)(nil)

func (s *NoopSink) OnThreshold(quotagate.ThresholdEvent) {}
func (s *NoopSink) OnExhausted(quotagate.ExhaustedEvent) {}
