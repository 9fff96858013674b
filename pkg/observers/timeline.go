package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/voiceprint/pkg/metrics"
	"github.com/harunnryd/voiceprint/pkg/redact"
)

// TimelineObserver writes a per-conversation JSONL audit trail of turns,
// transitions and actions.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

// NewTimelineObserver creates a new timeline observer writing to dir.
func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[string]*os.File)}
}

// RecordEvent implements metrics.Observer.
func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := conversationKey(ev.Tags)
	if id == "" || strings.TrimSpace(o.dir) == "" {
		return
	}
	entry := timelineEvent{
		Time:           ev.Time.UTC(),
		Event:          mapEventName(ev),
		ConversationID: ev.Tags[TagConversationID],
		TraceID:        ev.Tags[TagTraceID],
		Tags:           sanitizeTags(ev.Tags),
		Fields:         sanitizeFields(ev.Fields),
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}

	f := o.fileFor(id)
	if f == nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
	if ev.Name == metrics.EventConversationEnd {
		o.closeFile(id)
	}
}

// Close closes any open files.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if f == nil {
			continue
		}
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.files = make(map[string]*os.File)
	return err
}

type timelineEvent struct {
	Time           time.Time         `json:"time"`
	Event          string            `json:"event"`
	ConversationID string            `json:"conversation_id,omitempty"`
	TraceID        string            `json:"trace_id,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	Fields         map[string]any    `json:"fields,omitempty"`
}

func (o *TimelineObserver) closeFile(id string) {
	safe := sanitizeID(id)
	o.mu.Lock()
	f := o.files[safe]
	delete(o.files, safe)
	o.mu.Unlock()
	if f != nil {
		_ = f.Close()
	}
}

func (o *TimelineObserver) fileFor(id string) *os.File {
	safe := sanitizeID(id)
	if safe == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if f := o.files[safe]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	path := filepath.Join(o.dir, safe+timelineSuffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[safe] = f
	return f
}

// mapEventName names frame events after their direction and kind so the
// trail reads as a dialogue.
func mapEventName(ev metrics.MetricsEvent) string {
	kind := ""
	if ev.Tags != nil {
		kind = ev.Tags["kind"]
	}
	switch {
	case ev.Name == metrics.EventFrameIn && kind != "":
		return kind + "_in"
	case ev.Name == metrics.EventFrameOut && kind != "":
		return kind + "_out"
	}
	return ev.Name
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

// sanitizeTags redacts free text and speaker ids carried in tags.
func sanitizeTags(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch k {
		case "speaker_id", "caller", "from_number":
			out[k] = redact.SpeakerID(v)
		default:
			out[k] = redact.Text(v)
		}
	}
	return out
}

func sanitizeFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			if k == "speaker_id" {
				out[k] = redact.SpeakerID(s)
			} else {
				out[k] = redact.Text(s)
			}
			continue
		}
		out[k] = v
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
