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
)

// ConversationSummary is the per-conversation record written on hangup.
type ConversationSummary struct {
	ConversationID string   `json:"conversation_id"`
	TraceID        string   `json:"trace_id,omitempty"`
	Channel        string   `json:"channel,omitempty"`
	Turns          int      `json:"turns"`
	Ignored        int      `json:"ignored_inputs"`
	Prompts        int      `json:"prompts"`
	Requests       []string `json:"engine_requests,omitempty"`
	Phases         []string `json:"phases,omitempty"`
	FinalPhase     string   `json:"final_phase,omitempty"`
	EndReason      string   `json:"end_reason,omitempty"`
	StartedAtUTC   string   `json:"started_at_utc,omitempty"`
	RecordedAtUTC  string   `json:"recorded_at_utc"`
}

// SummaryObserver aggregates engine events into one JSON file per
// conversation under dir.
type SummaryObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*ConversationSummary
	now   func() time.Time
}

func NewSummaryObserver(dir string) *SummaryObserver {
	return &SummaryObserver{dir: dir, stats: make(map[string]*ConversationSummary), now: time.Now}
}

func (o *SummaryObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	id := conversationKey(ev.Tags)
	if id == "" {
		return
	}
	o.mu.Lock()
	stat := o.stats[id]
	if stat == nil {
		stat = &ConversationSummary{ConversationID: id, TraceID: ev.Tags[TagTraceID]}
		o.stats[id] = stat
	}
	switch ev.Name {
	case metrics.EventConversationStart:
		stat.Channel = ev.Tags[TagChannel]
		stat.StartedAtUTC = ev.Time.UTC().Format(time.RFC3339)
	case metrics.EventTurn:
		stat.Turns++
		stat.FinalPhase = ev.Tags[TagPhase]
	case metrics.EventIgnored:
		stat.Ignored++
	case metrics.EventAction:
		switch ev.Tags[TagActionKind] {
		case "message":
			stat.Prompts++
		case "request":
			stat.Requests = append(stat.Requests, ev.Tags[TagRequest])
		}
	case metrics.EventTransition:
		if len(stat.Phases) == 0 {
			stat.Phases = append(stat.Phases, ev.Tags[TagFrom])
		}
		stat.Phases = append(stat.Phases, ev.Tags[TagTo])
		stat.FinalPhase = ev.Tags[TagTo]
	case metrics.EventConversationEnd:
		stat.EndReason = ev.Tags[TagReason]
		if p := ev.Tags[TagPhase]; p != "" {
			stat.FinalPhase = p
		}
		delete(o.stats, id)
		o.mu.Unlock()
		_ = o.write(stat)
		return
	}
	o.mu.Unlock()
}

// Close writes summaries of conversations that never ended.
func (o *SummaryObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	pending := o.stats
	o.stats = make(map[string]*ConversationSummary)
	o.mu.Unlock()
	var errOut error
	for _, stat := range pending {
		errOut = errors.Join(errOut, o.write(stat))
	}
	return errOut
}

func (o *SummaryObserver) write(stat *ConversationSummary) error {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	stat.RecordedAtUTC = o.now().UTC().Format(time.RFC3339)
	b, err := json.MarshalIndent(stat, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(o.dir, sanitizeID(stat.ConversationID)+summarySuffix), b, 0o644)
}

var _ metrics.Observer = (*SummaryObserver)(nil)
