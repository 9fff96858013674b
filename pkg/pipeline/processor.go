package pipeline

import (
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/voiceprint/pkg/frames"
	"github.com/harunnryd/voiceprint/pkg/metrics"
)

// FrameProcessor transforms one inbound frame into zero or more frames.
type FrameProcessor interface {
	Process(frames.Frame) ([]frames.Frame, error)
	Name() string
}

// Chain runs processors in order on the caller's goroutine. A processor that
// errors or returns nil drops the frame it was given.
type Chain struct {
	procs []FrameProcessor
	obs   metrics.Observer
}

func NewChain(procs ...FrameProcessor) *Chain {
	c := &Chain{}
	for _, p := range procs {
		if p != nil {
			c.procs = append(c.procs, p)
		}
	}
	logChain(c.procs)
	return c
}

func (c *Chain) SetObserver(obs metrics.Observer) { c.obs = obs }

func (c *Chain) Len() int { return len(c.procs) }

func (c *Chain) Process(f frames.Frame) []frames.Frame {
	out := []frames.Frame{f}
	for _, p := range c.procs {
		var next []frames.Frame
		for _, cur := range out {
			start := time.Now()
			r, err := p.Process(cur)
			if err != nil {
				slog.Warn("processor_failed", "processor", p.Name(), "conversation_id", frames.ConversationID(cur), "error", err)
				c.recordDrop(p.Name(), cur)
				continue
			}
			if r == nil {
				c.recordDrop(p.Name(), cur)
				continue
			}
			c.recordStage(p.Name(), cur, start)
			next = append(next, r...)
		}
		out = next
		if len(out) == 0 {
			return nil
		}
	}
	return out
}

func (c *Chain) recordStage(name string, f frames.Frame, start time.Time) {
	if c.obs == nil {
		return
	}
	c.obs.RecordEvent(metrics.MetricsEvent{
		Name:  "stage_latency_us",
		Time:  time.Now(),
		Value: float64(time.Since(start).Microseconds()),
		Tags:  frameTags(f, map[string]string{"processor": name}),
	})
}

func (c *Chain) recordDrop(name string, f frames.Frame) {
	if c.obs == nil {
		return
	}
	c.obs.RecordEvent(metrics.MetricsEvent{
		Name: "frame_drop",
		Time: time.Now(),
		Tags: frameTags(f, map[string]string{"processor": name}),
	})
}

// FrameTags returns the observer tags describing f.
func FrameTags(f frames.Frame) map[string]string {
	return frameTags(f, nil)
}

func frameTags(f frames.Frame, extra map[string]string) map[string]string {
	tags := make(map[string]string, 4+len(extra))
	for k, v := range extra {
		tags[k] = v
	}
	if f == nil {
		return tags
	}
	tags["kind"] = string(f.Kind())
	meta := f.Meta()
	tags[frames.MetaConversationID] = meta[frames.MetaConversationID]
	if trace := meta[frames.MetaTraceID]; trace != "" {
		tags[frames.MetaTraceID] = trace
	}
	if source := meta[frames.MetaSource]; source != "" {
		tags["source"] = source
	}
	switch v := f.(type) {
	case frames.ControlFrame:
		tags["control_code"] = string(v.Code())
		if reason := meta[frames.MetaReason]; reason != "" {
			tags["control_reason"] = reason
		}
	case frames.SystemFrame:
		tags["system_name"] = v.Name()
	case frames.EventFrame:
		tags["event_name"] = v.Name()
	}
	return tags
}

func logChain(procs []FrameProcessor) {
	if len(procs) == 0 {
		return
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		names = append(names, p.Name())
	}
	slog.Info("pipeline", "order", strings.Join(names, " -> "))
}
