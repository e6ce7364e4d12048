package usage

import (
	"context"

	"github.com/edgegate/edgegate/pkg/logger"
)

// LogSink writes aggregated usage counts to the structured log, one line
// per key/outcome pair.
type LogSink struct {
	log *logger.Logger
}

// NewLogSink creates a sink that logs usage counts.
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log}
}

// FlushUsage logs each key/outcome count.
func (s *LogSink) FlushUsage(ctx context.Context, counts map[Event]int64) error {
	if len(counts) == 0 {
		return nil
	}

	var total int64
	for e, n := range counts {
		total += n
		s.log.Info("api usage",
			"key", e.Key,
			"outcome", string(e.Outcome),
			"count", n,
		)
	}
	s.log.Debug("usage flush complete", "pairs", len(counts), "events", total)

	return nil
}
