package voiceprint

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/voiceprint/pkg/errorsx"
	"github.com/harunnryd/voiceprint/pkg/frames"
	"github.com/harunnryd/voiceprint/pkg/metrics"
	"github.com/harunnryd/voiceprint/pkg/observers"
	"github.com/harunnryd/voiceprint/pkg/phase"
	"github.com/harunnryd/voiceprint/pkg/pipeline"
	"github.com/harunnryd/voiceprint/pkg/redact"
	"github.com/harunnryd/voiceprint/pkg/resilience"
)

// End reasons recorded when the transport did not supply one.
const (
	EndReasonBotHangup = "bot_hangup"
	EndReasonHangup    = "hangup"
	EndReasonShutdown  = "shutdown"
)

// conversation serializes the turns of one conversation. Each inbound frame
// is one turn: load, step, deliver, save.
type conversation struct {
	e       *Engine
	id      string
	traceID string
	ctx     context.Context
	cancel  context.CancelFunc
	inbox   chan frames.Frame
	done    chan struct{}
	log     *slog.Logger

	mu        sync.Mutex
	phase     phase.Phase
	endReason string
	ended     bool
	stopOnce  sync.Once
}

func newConversation(parent context.Context, e *Engine, id, traceID string) *conversation {
	ctx, cancel := context.WithCancel(parent)
	return &conversation{
		e:       e,
		id:      id,
		traceID: traceID,
		ctx:     ctx,
		cancel:  cancel,
		inbox:   make(chan frames.Frame, e.convCfg.InboxSize),
		done:    make(chan struct{}),
		log:     e.log.With("conversation_id", id, "trace_id", traceID),
	}
}

func (c *conversation) Start() error {
	c.e.record(metrics.EventConversationStart, 0, c.tags(map[string]string{
		observers.TagChannel: c.e.channel,
	}))
	c.log.Info("conversation_started", "channel", c.e.channel)
	go c.loop()
	return nil
}

// Stop finishes queued turns and records the end of the conversation.
func (c *conversation) Stop() error {
	c.stopOnce.Do(func() {
		c.cancel()
		<-c.done
		c.drain()
		c.finish()
	})
	return nil
}

// Enqueue hands f to the worker without blocking.
func (c *conversation) Enqueue(f frames.Frame) bool {
	select {
	case c.inbox <- f:
		return true
	default:
		return false
	}
}

func (c *conversation) setEndReason(reason string) {
	if reason == "" {
		return
	}
	c.mu.Lock()
	if c.endReason == "" {
		c.endReason = reason
	}
	c.mu.Unlock()
}

func (c *conversation) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.inbox:
			c.handle(f)
		}
	}
}

func (c *conversation) drain() {
	for {
		select {
		case f := <-c.inbox:
			c.handle(f)
		default:
			return
		}
	}
}

func (c *conversation) handle(f frames.Frame) {
	c.e.recordFrame(metrics.EventFrameIn, f)
	if sf, ok := f.(frames.SystemFrame); ok {
		c.log.Debug("conversation_system_frame", "name", sf.Name())
		c.e.chain.Process(f)
		return
	}
	for _, pf := range c.e.chain.Process(f) {
		in, ok := toInput(pf)
		if !ok {
			continue
		}
		c.turn(in, pf.Meta())
	}
	// Every dialogue input is answered by exactly one marker, even when it
	// produced nothing to say.
	c.e.send(frames.NewControlFrame(c.id, c.e.pts.Next(c.id), frames.ControlTurnComplete, replyMeta(f.Meta())))
}

func (c *conversation) turn(in phase.Input, meta map[string]string) {
	start := time.Now()
	kind, eventName := inputTags(in)

	loadCtx, cancel := context.WithTimeout(context.Background(), c.e.convCfg.storeTimeout())
	data, err := c.e.store.Load(loadCtx, c.id)
	cancel()
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonStoreLoad)
		c.log.Error("conversation_load_failed", errorsx.Attr(err), "error", err)
		c.e.record(metrics.EventStoreError, 0, c.tags(map[string]string{observers.TagOp: "load"}))
		return
	}

	res := c.e.machine.Step(data, in)

	if tr := res.Transition; tr != nil {
		c.log.Info("phase_transition", "from", tr.From.String(), "to", tr.To.String(), "reason", tr.Reason)
		c.e.record(metrics.EventTransition, 0, c.tags(map[string]string{
			observers.TagFrom:   tr.From.String(),
			observers.TagTo:     tr.To.String(),
			observers.TagReason: tr.Reason,
		}))
	}
	if res.Ignored != "" {
		c.log.Debug("input_ignored", "input", kind, "event_name", eventName, "reason", res.Ignored, "phase", data.Phase.String())
		c.e.record(metrics.EventIgnored, 0, c.tags(map[string]string{
			observers.TagInput:     kind,
			observers.TagEventName: eventName,
			observers.TagReason:    res.Ignored,
		}))
	}

	out := replyMeta(meta)
	for _, a := range res.Actions {
		c.deliver(a, out)
	}

	if err := c.save(res.Data); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonStoreSave)
		c.log.Error("conversation_save_failed", errorsx.Attr(err), "error", err)
		c.e.record(metrics.EventStoreError, 0, c.tags(map[string]string{observers.TagOp: "save"}))
	}

	c.mu.Lock()
	c.phase = res.Data.Phase
	c.mu.Unlock()

	c.e.record(metrics.EventTurn, time.Since(start).Seconds(), c.tags(map[string]string{
		observers.TagInput:     kind,
		observers.TagEventName: eventName,
		observers.TagPhase:     res.Data.Phase.String(),
	}))

	if res.Ends() {
		c.markEnded()
	}
}

func (c *conversation) deliver(a phase.Action, meta map[string]string) {
	f, ok := renderAction(c.id, c.e.pts.Next(c.id), meta, a)
	if !ok {
		return
	}
	tags := map[string]string{observers.TagActionKind: a.Kind.String()}
	if a.Request != nil {
		tags[observers.TagRequest] = a.Request.Name
		c.log.Info("engine_request",
			"request", a.Request.Name,
			"speaker_id", redact.SpeakerID(a.Request.Params.SpeakerID),
			"type", a.Request.Params.Type.String(),
		)
	}
	c.e.record(metrics.EventAction, 0, c.tags(tags))

	if a.Kind == phase.ActionRequest && c.e.dispatcher != nil {
		c.e.dispatcher.Dispatch(c.id, c.traceID, *a.Request)
		return
	}
	c.e.send(f)
}

func (c *conversation) save(data phase.ConversationData) error {
	cfg := c.e.convCfg
	ctx, cancel := context.WithTimeout(context.Background(), cfg.storeTimeout())
	defer cancel()
	policy := resilience.NewRetryPolicy(cfg.SaveRetries, time.Duration(cfg.SaveBackoffMS)*time.Millisecond)
	return policy.DoContext(ctx, func(ctx context.Context) error {
		return c.e.store.Save(ctx, c.id, data)
	})
}

// markEnded asks the engine to tear the worker down once this turn is done.
func (c *conversation) markEnded() {
	c.mu.Lock()
	first := !c.ended
	c.ended = true
	c.mu.Unlock()
	if first {
		c.e.requestEnd(c.id, c.traceID, EndReasonBotHangup)
	}
}

func (c *conversation) finish() {
	c.mu.Lock()
	reason := c.endReason
	last := c.phase
	c.mu.Unlock()
	if reason == "" {
		reason = EndReasonShutdown
	}

	c.e.record(metrics.EventConversationEnd, 0, c.tags(map[string]string{
		observers.TagReason: reason,
		observers.TagPhase:  last.String(),
	}))

	if c.e.cfg.Session.DeleteOnEnd {
		ctx, cancel := context.WithTimeout(context.Background(), c.e.convCfg.storeTimeout())
		if err := c.e.store.Delete(ctx, c.id); err != nil {
			err = errorsx.Wrap(err, errorsx.ReasonStoreDelete)
			c.log.Warn("conversation_delete_failed", errorsx.Attr(err), "error", err)
			c.e.record(metrics.EventStoreError, 0, c.tags(map[string]string{observers.TagOp: "delete"}))
		}
		cancel()
	}

	c.e.pts.Forget(c.id)
	c.log.Info("conversation_ended", "reason", reason, "phase", last.String())
}

func (c *conversation) tags(extra map[string]string) map[string]string {
	tags := make(map[string]string, 2+len(extra))
	tags[observers.TagConversationID] = c.id
	if c.traceID != "" {
		tags[observers.TagTraceID] = c.traceID
	}
	for k, v := range extra {
		if v != "" {
			tags[k] = v
		}
	}
	return tags
}

var _ pipeline.Worker = (*conversation)(nil)
