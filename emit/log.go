package emit

import (
	"sort"

	"go.uber.org/zap"
)

// LogEmitter writes decisions to a zap logger. Events carrying an "error"
// meta key log at warn level, everything else at info.
type LogEmitter struct {
	log *zap.Logger
}

// NewLogEmitter wraps a zap logger. A nil logger falls back to zap.NewNop.
func NewLogEmitter(log *zap.Logger) *LogEmitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogEmitter{log: log}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(event Event) {
	fields := make([]zap.Field, 0, 3+len(event.Meta))
	fields = append(fields, zap.Stringer("execution_id", event.ExecutionID))
	if !event.EventID.IsZero() {
		fields = append(fields, zap.Stringer("event_id", event.EventID))
	}
	if event.NodeID != "" {
		fields = append(fields, zap.String("node_id", event.NodeID))
	}

	// Stable field order keeps log lines diffable.
	keys := make([]string, 0, len(event.Meta))
	for k := range event.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	errored := false
	for _, k := range keys {
		if k == "error" {
			errored = true
		}
		fields = append(fields, zap.Any(k, event.Meta[k]))
	}

	if errored {
		l.log.Warn(event.Msg, fields...)
		return
	}
	l.log.Info(event.Msg, fields...)
}
