package observers

import (
	"context"
	"log/slog"
	"sort"

	"github.com/harunnryd/voiceprint/pkg/metrics"
	"github.com/harunnryd/voiceprint/pkg/redact"
)

// LoggerObserver mirrors metric events into the log at debug level. Store
// failures are logged at warn so they show up without debug logging.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log.With("component", "metrics")}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	level := slog.LevelDebug
	if ev.Name == metrics.EventStoreError {
		level = slog.LevelWarn
	}
	if !o.log.Enabled(context.Background(), level) {
		return
	}
	attrs := make([]slog.Attr, 0, 2+len(ev.Tags)+len(ev.Fields))
	attrs = append(attrs, slog.Time("event_time", ev.Time), slog.Float64("value", ev.Value))
	for _, k := range sortedKeys(ev.Tags) {
		attrs = append(attrs, slog.String(k, redact.Text(ev.Tags[k])))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(context.Background(), level, ev.Name, attrs...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MultiObserver fans one event out to every observer the engine built.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}
