package voiceprint

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/voiceprint/pkg/errorsx"
	"github.com/harunnryd/voiceprint/pkg/metrics"
	"github.com/harunnryd/voiceprint/pkg/observers"
	"github.com/harunnryd/voiceprint/pkg/phase"
	"github.com/harunnryd/voiceprint/pkg/resilience"
)

// RequestSender delivers one engine request on behalf of a conversation.
// Replies arrive later as inbound events.
type RequestSender interface {
	SendRequest(ctx context.Context, conversationID string, req phase.Request) error
}

// RequestDispatcher sends engine requests off the turn path with a bounded
// pool of workers. With SerializeByConversation every worker owns its queue
// and a conversation always hashes to the same worker, so its requests go
// out one at a time in the order they were dispatched.
type RequestDispatcher struct {
	sender RequestSender
	queues []chan requestTask
	opts   RequestDispatcherOptions
	obs    metrics.Observer
	log    *slog.Logger

	wg sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool
}

type RequestDispatcherOptions struct {
	Concurrency             int
	QueueSize               int
	Timeout                 time.Duration
	Retries                 int
	RetryBackoff            time.Duration
	SerializeByConversation bool
}

type requestTask struct {
	conversationID string
	traceID        string
	req            phase.Request
}

var ErrRequestTimeout = errors.New("relay request timeout")

func NewRequestDispatcher(sender RequestSender, obs metrics.Observer, opts RequestDispatcherOptions) *RequestDispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 150 * time.Millisecond
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	d := &RequestDispatcher{
		sender: sender,
		opts:   opts,
		obs:    obs,
		log:    slog.Default().With("component", "request_dispatcher"),
	}
	if opts.SerializeByConversation {
		// QueueSize bounds the total backlog across shards.
		size := (opts.QueueSize + opts.Concurrency - 1) / opts.Concurrency
		d.queues = make([]chan requestTask, opts.Concurrency)
		for i := range d.queues {
			d.queues[i] = make(chan requestTask, size)
		}
	} else {
		d.queues = []chan requestTask{make(chan requestTask, opts.QueueSize)}
	}
	d.wg.Add(opts.Concurrency)
	for i := 0; i < opts.Concurrency; i++ {
		go d.worker(d.queues[i%len(d.queues)])
	}
	return d
}

func (d *RequestDispatcher) Name() string { return "request_dispatcher" }

// Dispatch queues req without blocking. It reports false when the request
// was dropped.
func (d *RequestDispatcher) Dispatch(conversationID, traceID string, req phase.Request) bool {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed || d.sender == nil {
		return false
	}
	select {
	case d.queueFor(conversationID) <- requestTask{conversationID: conversationID, traceID: traceID, req: req}:
		return true
	default:
		d.log.Warn("request_dispatcher_queue_full", "conversation_id", conversationID, "request", req.Name)
		d.record(requestTask{conversationID: conversationID, traceID: traceID, req: req}, "dropped", 0)
		return false
	}
}

// Close stops accepting requests and waits for queued ones to finish.
func (d *RequestDispatcher) Close() {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.closeMu.Unlock()
	d.wg.Wait()
}

func (d *RequestDispatcher) queueFor(conversationID string) chan requestTask {
	return d.queues[shardIndex(conversationID, len(d.queues))]
}

func shardIndex(conversationID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return int(h.Sum32() % uint32(n))
}

func (d *RequestDispatcher) worker(queue <-chan requestTask) {
	defer d.wg.Done()
	for task := range queue {
		d.exec(task)
	}
}

func (d *RequestDispatcher) exec(task requestTask) {
	start := time.Now()
	err := d.callWithRetry(task)
	status := requestStatus(err)
	d.record(task, status, time.Since(start))
	if err != nil {
		d.log.Warn("relay_request_failed",
			"conversation_id", task.conversationID,
			"trace_id", task.traceID,
			"request", task.req.Name,
			"status", status,
			errorsx.Attr(err),
			"error", err,
		)
	}
}

func (d *RequestDispatcher) callWithRetry(task requestTask) error {
	policy := resilience.NewRetryPolicy(d.opts.Retries, d.opts.RetryBackoff)
	return policy.DoContext(context.Background(), func(ctx context.Context) error {
		return d.callWithTimeout(ctx, task)
	})
}

func (d *RequestDispatcher) callWithTimeout(ctx context.Context, task requestTask) error {
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}
	err := d.sender.SendRequest(ctx, task.conversationID, task.req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return errorsx.Wrap(fmt.Errorf("%w: %s", ErrRequestTimeout, task.req.Name), errorsx.ReasonRelayTimeout)
	}
	return err
}

func (d *RequestDispatcher) record(task requestTask, status string, took time.Duration) {
	d.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventRelayRequest,
		Time:  time.Now(),
		Value: took.Seconds(),
		Tags: map[string]string{
			observers.TagConversationID: task.conversationID,
			observers.TagTraceID:        task.traceID,
			observers.TagRequest:        task.req.Name,
			observers.TagStatus:         status,
		},
	})
}

func requestStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	case errorsx.HasReason(err, errorsx.ReasonRelayCircuitOpen):
		return "circuit_open"
	case resilience.IsRateLimit(err):
		return "rate_limited"
	default:
		return "error"
	}
}
