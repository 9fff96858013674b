package metrics

import "time"

// Event names emitted by the engine.
const (
	EventFrameIn           = "frame_in"
	EventFrameOut          = "frame_out"
	EventTurn              = "conversation_turn"
	EventTransition        = "phase_transition"
	EventAction            = "conversation_action"
	EventIgnored           = "input_ignored"
	EventConversationStart = "conversation_start"
	EventConversationEnd   = "conversation_end"
	EventRelayRequest      = "relay_request"
	EventStoreError        = "store_error"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
