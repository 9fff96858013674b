package observers

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/voiceprint/pkg/metrics"
)

// LatencyObserver logs how long the verification engine takes to answer each
// request and how long each conversation lasted.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	started     time.Time
	pendingName string
	pendingAt   time.Time
	traceID     string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := conversationKey(ev.Tags)
	if id == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[id]
	if t == nil {
		t = &trace{traceID: ev.Tags[TagTraceID]}
		o.traces[id] = t
	}
	switch ev.Name {
	case metrics.EventConversationStart:
		if t.started.IsZero() {
			t.started = ev.Time
		}
	case metrics.EventAction:
		if ev.Tags[TagActionKind] == "request" {
			t.pendingName = ev.Tags[TagRequest]
			t.pendingAt = ev.Time
		}
	case metrics.EventTurn:
		if t.pendingAt.IsZero() || ev.Tags[TagInput] != "event" {
			break
		}
		if !strings.HasPrefix(strings.ToLower(ev.Tags[TagEventName]), "speakerverification") {
			break
		}
		o.log.Info("engine_latency",
			"conversation_id", id,
			"trace_id", t.traceID,
			"request", t.pendingName,
			"reply", ev.Tags[TagEventName],
			"latency_ms", durationMs(t.pendingAt, ev.Time),
		)
		t.pendingName = ""
		t.pendingAt = time.Time{}
	case metrics.EventConversationEnd:
		o.log.Info("conversation_duration",
			"conversation_id", id,
			"trace_id", t.traceID,
			"reason", ev.Tags[TagReason],
			"duration_ms", durationMs(t.started, ev.Time),
		)
		delete(o.traces, id)
	}
}

// Pending counts conversations still tracked.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
