package notify

import (
	"github.com/lcrespo/backwatch/internal/logging"
	"github.com/lcrespo/backwatch/internal/track"
)

// LogSink writes every notification to the structured log.
type LogSink struct {
	log *logging.Logger
}

func NewLogSink(log *logging.Logger) *LogSink {
	if log == nil {
		log = logging.NewNop()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Notify(n track.Notification) {
	fields := []any{
		"feature", n.Feature,
		"task_id", n.TaskID,
		"title", n.Title,
		"message", n.Message,
	}
	switch n.Severity {
	case track.SeverityError:
		s.log.Errorw("notification", fields...)
	case track.SeverityWarning:
		s.log.Warnw("notification", fields...)
	default:
		s.log.Infow("notification", fields...)
	}
}
