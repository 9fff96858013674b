package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Worker owns the turns of one conversation.
type Worker interface {
	Start() error
	Stop() error
}

type Session struct {
	ConversationID string
	TraceID        string
	Worker         Worker
	Ctx            context.Context
	Cancel         context.CancelFunc
	Created        time.Time
}

type SessionFactory func(ctx context.Context, conversationID, traceID string) (Worker, error)

// SessionRegistry tracks one worker per live conversation.
type SessionRegistry struct {
	sessions sync.Map
	count    atomic.Int64
	factory  SessionFactory
	draining atomic.Bool
}

func NewSessionRegistry(factory SessionFactory) *SessionRegistry {
	return &SessionRegistry{factory: factory}
}

// GetOrCreate returns the session for conversationID, starting a worker when
// none exists. The bool reports whether a new session was created.
func (r *SessionRegistry) GetOrCreate(conversationID, traceID string) (*Session, bool, error) {
	if conversationID == "" {
		return nil, false, nil
	}
	if v, ok := r.sessions.Load(conversationID); ok {
		return v.(*Session), false, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	worker, err := r.factory(ctx, conversationID, traceID)
	if err != nil {
		cancel()
		return nil, false, err
	}
	sess := &Session{
		ConversationID: conversationID,
		TraceID:        traceID,
		Worker:         worker,
		Ctx:            ctx,
		Cancel:         cancel,
		Created:        time.Now(),
	}
	actual, loaded := r.sessions.LoadOrStore(conversationID, sess)
	if loaded {
		cancel()
		return actual.(*Session), false, nil
	}
	if err := worker.Start(); err != nil {
		r.sessions.Delete(conversationID)
		cancel()
		return nil, false, err
	}
	r.count.Add(1)
	return sess, true, nil
}

func (r *SessionRegistry) Get(conversationID string) (*Session, bool) {
	if v, ok := r.sessions.Load(conversationID); ok {
		return v.(*Session), true
	}
	return nil, false
}

func (r *SessionRegistry) Remove(conversationID string) {
	if v, ok := r.sessions.LoadAndDelete(conversationID); ok {
		sess := v.(*Session)
		if sess.Cancel != nil {
			sess.Cancel()
		}
		if sess.Worker != nil {
			_ = sess.Worker.Stop()
		}
		r.count.Add(-1)
	}
}

func (r *SessionRegistry) CloseAll() {
	r.sessions.Range(func(key, value any) bool {
		id, ok := key.(string)
		if ok {
			r.Remove(id)
		}
		return true
	})
}

func (r *SessionRegistry) Count() int64 {
	return r.count.Load()
}

func (r *SessionRegistry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *SessionRegistry) Draining() bool {
	return r.draining.Load()
}

func (r *SessionRegistry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
