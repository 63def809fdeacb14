package sink

import (
	"log/slog"

	"github.com/ineyio/quotagate"
)

// LogSink logs quota notifications using slog.
type LogSink struct {
	Logger *slog.Logger
}

var _ quotagate.Sink = (*LogSink)(nil)

// NewLogSink creates a LogSink with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) OnThreshold(e quotagate.ThresholdEvent) {
	s.Logger.Warn("quota_threshold",
		"type", string(e.Type),
		"used", e.Status.Used,
		"reserved", e.Status.Reserved,
		"available", e.Status.AvailableForUse,
		"limit", e.Status.DailyLimit,
		"message", e.Message,
	)
}

func (s *LogSink) OnExhausted(e quotagate.ExhaustedEvent) {
	s.Logger.Error("quota_exhausted",
		"used", e.Status.Used,
		"limit", e.Status.DailyLimit,
		"exhausted_at", e.ExhaustedAt,
		"next_reset_at", e.NextResetAt,
		"message", e.Message,
	)
}
