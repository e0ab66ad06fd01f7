package emit

import (
	"github.com/sirupsen/logrus"
)

// LogEmitter writes events as structured logrus entries.
//
// Terminal failures log at error level, retries and expirations at warn,
// everything else at info.
type LogEmitter struct {
	logger *logrus.Logger
}

// NewLogEmitter creates a LogEmitter on the given logger. A nil logger uses
// the logrus standard logger.
func NewLogEmitter(logger *logrus.Logger) *LogEmitter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogEmitter{logger: logger}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(event Event) {
	fields := logrus.Fields{
		"run_id":  event.RunID,
		"version": event.Version,
		"status":  string(event.Status),
	}
	if event.NodeID != "" {
		fields["node_id"] = event.NodeID
	}
	for k, v := range event.Meta {
		fields[k] = v
	}

	entry := l.logger.WithFields(fields)
	switch event.Msg {
	case MsgRunFailed, MsgBudgetExceeded:
		entry.Error(event.Msg)
	case MsgNodeRetried, MsgApprovalExpired:
		entry.Warn(event.Msg)
	default:
		entry.Info(event.Msg)
	}
}
