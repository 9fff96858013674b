package resilience

import (
	"errors"
	"sync"
	"time"
)

// RateLimitError is a relay answering 429.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit"
}

func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// CircuitBreaker stops engine requests after repeated rate limits from the
// relay. Ordinary errors do not count towards the threshold.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	open      bool
	openUntil time.Time
	cooldown  time.Duration
	notify    func(open bool)
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown}
}

// OnStateChange registers fn to run when the breaker opens or closes. fn is
// called without the breaker lock held.
func (c *CircuitBreaker) OnStateChange(fn func(open bool)) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

// Allow reports whether a request may go out. Once the cooldown has passed a
// request is let through as a trial; the breaker only closes on its success.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !time.Now().Before(c.openUntil)
}

// Open reports whether the breaker tripped and has not yet seen a success.
func (c *CircuitBreaker) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	wasOpen := c.open
	c.failures = 0
	c.open = false
	c.openUntil = time.Time{}
	notify := c.notify
	c.mu.Unlock()
	if wasOpen && notify != nil {
		notify(false)
	}
}

func (c *CircuitBreaker) OnError(err error) {
	if !IsRateLimit(err) {
		return
	}
	c.mu.Lock()
	c.failures++
	opened := false
	if c.failures >= c.threshold {
		c.openUntil = time.Now().Add(c.cooldown)
		opened = !c.open
		c.open = true
	}
	notify := c.notify
	c.mu.Unlock()
	if opened && notify != nil {
		notify(true)
	}
}
