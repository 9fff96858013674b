// Package verification talks to an HTTP relay in front of the speaker
// verification engine, for channels that cannot carry engine requests
// themselves.
package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/voiceprint/pkg/activity"
	"github.com/harunnryd/voiceprint/pkg/errorsx"
	"github.com/harunnryd/voiceprint/pkg/frames"
	"github.com/harunnryd/voiceprint/pkg/phase"
	"github.com/harunnryd/voiceprint/pkg/resilience"
)

type ClientConfig struct {
	URL              string
	Token            string
	Timeout          time.Duration
	CircuitThreshold int
	CircuitCooldown  time.Duration
	HTTPClient       *http.Client
}

// Client posts engine requests as event activities. The engine answers
// asynchronously through the callback endpoint.
type Client struct {
	url     string
	token   string
	http    *http.Client
	breaker *resilience.CircuitBreaker
	now     func() time.Time
}

var ErrCircuitOpen = errors.New("verification relay circuit open")

func NewClient(cfg ClientConfig) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	breaker := resilience.NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown)
	breaker.OnStateChange(func(open bool) {
		if open {
			slog.Warn("verification_relay_circuit_open", "reason_code", string(errorsx.ReasonRelayCircuitOpen))
			return
		}
		slog.Info("verification_relay_circuit_closed")
	})
	return &Client{
		url:     strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		http:    hc,
		breaker: breaker,
		now:     time.Now,
	}
}

// CircuitOpen reports whether the relay is being skipped after rate limits.
func (c *Client) CircuitOpen() bool { return c.breaker.Open() }

// SendRequest posts req for conversationID. Client errors other than 429 are
// permanent; server errors and rate limits may be retried.
func (c *Client) SendRequest(ctx context.Context, conversationID string, req phase.Request) error {
	if !c.breaker.Allow() {
		return resilience.Permanent(errorsx.Wrap(ErrCircuitOpen, errorsx.ReasonRelayCircuitOpen))
	}
	f := frames.NewEventFrame(conversationID, c.now().UnixNano(), req.Name, nil, req.ChannelData(), nil)
	act, _ := activity.FromFrame(f, c.now())
	body, err := json.Marshal(act)
	if err != nil {
		return resilience.Permanent(errorsx.Wrap(err, errorsx.ReasonRelaySend))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return resilience.Permanent(errorsx.Wrap(err, errorsx.ReasonRelaySend))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("relay post: %w", err), errorsx.ReasonRelaySend)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.breaker.OnSuccess()
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		rl := resilience.RateLimitError{Provider: "verification_relay", Message: relayMessage(resp.StatusCode, msg)}
		c.breaker.OnError(rl)
		return errorsx.Wrap(rl, errorsx.ReasonRelayRateLimit)
	case resp.StatusCode >= 500:
		return errorsx.Wrap(errors.New(relayMessage(resp.StatusCode, msg)), errorsx.ReasonRelaySend)
	default:
		return resilience.Permanent(errorsx.Wrap(errors.New(relayMessage(resp.StatusCode, msg)), errorsx.ReasonRelaySend))
	}
}

func relayMessage(status int, body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return fmt.Sprintf("relay status %d", status)
	}
	return fmt.Sprintf("relay status %d: %s", status, text)
}
