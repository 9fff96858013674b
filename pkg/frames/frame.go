package frames

import (
	"sync"
	"time"
)

type Kind string

const (
	KindText    Kind = "text"
	KindEvent   Kind = "event"
	KindControl Kind = "control"
	KindSystem  Kind = "system"
)

type ControlCode string

const (
	ControlEndOfConversation ControlCode = "end_of_conversation"
	ControlTurnComplete      ControlCode = "turn_complete"
	ControlDTMF              ControlCode = "dtmf"
)

// System frame names emitted by transports.
const (
	SystemCallStart = "call_start"
	SystemCallEnd   = "call_end"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// TextFrame carries a caller utterance (inbound) or a prompt (outbound).
type TextFrame struct {
	pts  int64
	text string
	meta map[string]string
}

func NewTextFrame(conversationID string, pts int64, text string, meta map[string]string) TextFrame {
	return TextFrame{
		pts:  pts,
		text: text,
		meta: mergeMeta(conversationID, meta),
	}
}

func (t TextFrame) Kind() Kind              { return KindText }
func (t TextFrame) PTS() int64              { return t.pts }
func (t TextFrame) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TextFrame) Text() string            { return t.text }

// EventFrame is a named structured activity. Inbound it carries channel and
// verification engine events; outbound it carries engine requests.
type EventFrame struct {
	pts         int64
	name        string
	value       any
	channelData map[string]any
	meta        map[string]string
}

func NewEventFrame(conversationID string, pts int64, name string, value any, channelData map[string]any, meta map[string]string) EventFrame {
	return EventFrame{
		pts:         pts,
		name:        name,
		value:       value,
		channelData: cloneData(channelData),
		meta:        mergeMeta(conversationID, meta),
	}
}

func (e EventFrame) Kind() Kind                  { return KindEvent }
func (e EventFrame) PTS() int64                  { return e.pts }
func (e EventFrame) Meta() map[string]string     { return cloneMeta(e.meta) }
func (e EventFrame) Name() string                { return e.name }
func (e EventFrame) Value() any                  { return e.value }
func (e EventFrame) ChannelData() map[string]any { return cloneData(e.channelData) }

type ControlFrame struct {
	pts  int64
	code ControlCode
	meta map[string]string
}

func NewControlFrame(conversationID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{
		pts:  pts,
		code: code,
		meta: mergeMeta(conversationID, meta),
	}
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) PTS() int64              { return c.pts }
func (c ControlFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }

type SystemFrame struct {
	pts  int64
	name string
	meta map[string]string
}

func NewSystemFrame(conversationID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		pts:  pts,
		name: name,
		meta: mergeMeta(conversationID, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) PTS() int64              { return s.pts }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

// ConversationID returns the conversation a frame belongs to.
func ConversationID(f Frame) string {
	if f == nil {
		return ""
	}
	return f.Meta()[MetaConversationID]
}

// IsControl reports whether f is a control frame with the given code.
func IsControl(f Frame, code ControlCode) bool {
	cf, ok := f.(ControlFrame)
	return ok && cf.Code() == code
}

type PTSGen struct {
	mu    sync.Mutex
	value map[string]int64
}

func NewPTSGen() *PTSGen {
	return &PTSGen{value: make(map[string]int64)}
}

// Next returns a strictly increasing timestamp per conversation.
func (g *PTSGen) Next(conversationID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now().UnixNano()
	v := g.value[conversationID] + time.Millisecond.Nanoseconds()
	if now > v {
		v = now
	}
	g.value[conversationID] = v
	return v
}

// Forget drops the PTS state of a finished conversation.
func (g *PTSGen) Forget(conversationID string) {
	g.mu.Lock()
	delete(g.value, conversationID)
	g.mu.Unlock()
}

func mergeMeta(conversationID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if conversationID != "" {
		out[MetaConversationID] = conversationID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneData(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
