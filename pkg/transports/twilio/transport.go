package twilio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/harunnryd/voiceprint/pkg/configutil"
	"github.com/harunnryd/voiceprint/pkg/errorsx"
	"github.com/harunnryd/voiceprint/pkg/frames"
	"github.com/harunnryd/voiceprint/pkg/transports"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// ChannelTelephony is the channel value announced for every inbound call.
const ChannelTelephony = "telephony"

type Config struct {
	ServerAddr         string `mapstructure:"server_addr"`
	PublicURL          string `mapstructure:"public_url"`
	AuthToken          string `mapstructure:"auth_token"`
	AccountSID         string `mapstructure:"account_sid"`
	VoicePath          string `mapstructure:"voice_path"`
	GatherPath         string `mapstructure:"gather_path"`
	StatusCallbackPath string `mapstructure:"status_callback_path"`
	Language           string `mapstructure:"language"`
	Voice              string `mapstructure:"voice"`
	// GatherTimeoutSec is how long Twilio listens for the caller before
	// looping back.
	GatherTimeoutSec int `mapstructure:"gather_timeout_sec"`
	// TurnTimeoutMS bounds how long a webhook waits for the bot's reply.
	TurnTimeoutMS int `mapstructure:"turn_timeout_ms"`
}

var configSchema = configutil.Schema{
	Section: "transports.settings",
	Optional: []string{
		"server_addr", "public_url", "auth_token", "account_sid",
		"voice_path", "gather_path", "status_callback_path",
		"language", "voice", "gather_timeout_sec", "turn_timeout_ms",
	},
}

// ParseConfig decodes transports.settings.
func ParseConfig(settings map[string]any) (Config, error) {
	if err := configutil.ValidateSettings(settings, configSchema); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return Config{}, fmt.Errorf("twilio settings: %w", err)
	}
	return cfg.withDefaults(), nil
}

// RequireCredentials reports which REST credentials are missing. Outbound
// calls and call updates need both.
func (c Config) RequireCredentials() error {
	return errors.Join(
		configutil.RequireString(c.AccountSID, "transports.settings.account_sid"),
		configutil.RequireString(c.AuthToken, "transports.settings.auth_token"),
	)
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.GatherPath == "" {
		c.GatherPath = "/gather"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.GatherTimeoutSec <= 0 {
		c.GatherTimeoutSec = 5
	}
	if c.TurnTimeoutMS <= 0 {
		c.TurnTimeoutMS = 4000
	}
	return c
}

// Transport runs the bot over a Twilio voice call. Each caller turn arrives
// on a Gather webhook and is answered with the bot's reply as TwiML; replies
// that arrive between webhooks are pushed with a call update.
type Transport struct {
	cfg    Config
	server *http.Server
	router chi.Router
	recvCh chan frames.Frame

	updateClient callUpdater

	mu     sync.Mutex
	calls  map[string]*call
	closed bool

	draining atomic.Bool
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

// call is the per-call reply buffer. waiter is set while a webhook is
// blocked on the bot's answer.
type call struct {
	sid     string
	traceID string
	from    string
	says    []string
	hangup  bool
	waiter  chan reply
}

type reply struct {
	says   []string
	hangup bool
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:    cfg,
		recvCh: make(chan frames.Frame, 512),
		calls:  make(map[string]*call),
	}
	r := chi.NewRouter()
	r.Post(cfg.VoicePath, t.handleVoice)
	r.Post(cfg.GatherPath, t.handleGather)
	r.Post(cfg.StatusCallbackPath, t.handleStatusCallback)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if t.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	t.router = r
	return t
}

func (t *Transport) Name() string { return "twilio" }

// CarriesEvents is false: engine requests need the verification relay.
func (t *Transport) CarriesEvents() bool { return false }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

// Handler exposes the webhook routes.
func (t *Transport) Handler() http.Handler { return t.router }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.publicURL(t.cfg.VoicePath),
		"status_callback_url": t.publicURL(t.cfg.StatusCallbackPath),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.router,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("twilio_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for sid, c := range t.calls {
		if c.waiter != nil {
			close(c.waiter)
		}
		delete(t.calls, sid)
	}
	close(t.recvCh)
	return nil
}

// Send buffers the bot's text until the turn-complete marker, then hands
// the whole reply to the waiting webhook or pushes it onto the live call.
// Engine requests are not carried over the call.
func (t *Transport) Send(f frames.Frame) error {
	sid := frames.ConversationID(f)
	switch v := f.(type) {
	case frames.TextFrame:
		t.mu.Lock()
		if c := t.calls[sid]; c != nil {
			c.says = append(c.says, v.Text())
		}
		t.mu.Unlock()
	case frames.ControlFrame:
		switch v.Code() {
		case frames.ControlEndOfConversation:
			t.mu.Lock()
			if c := t.calls[sid]; c != nil {
				c.hangup = true
			}
			t.mu.Unlock()
		case frames.ControlTurnComplete:
			return t.flush(sid)
		}
	}
	return nil
}

func (t *Transport) flush(sid string) error {
	t.mu.Lock()
	c := t.calls[sid]
	if c == nil {
		t.mu.Unlock()
		return nil
	}
	out := reply{says: c.says, hangup: c.hangup}
	c.says = nil
	waiter := c.waiter
	c.waiter = nil
	t.mu.Unlock()

	if waiter != nil {
		waiter <- out
		return nil
	}
	if len(out.says) == 0 && !out.hangup {
		return nil
	}
	go t.pushUpdate(sid, out)
	return nil
}

func (t *Transport) pushUpdate(sid string, out reply) {
	if err := t.updateCall(sid, t.renderTwiML(out)); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonTwilioUpdateCall)
		slog.Warn("twilio_update_call_failed", "call_sid", sid, errorsx.Attr(err), "error", err)
	}
}

func (t *Transport) updateCall(sid, twiml string) error {
	updater := t.updateClient
	if updater == nil {
		if err := t.cfg.RequireCredentials(); err != nil {
			return err
		}
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: t.cfg.AccountSID,
			Password: t.cfg.AuthToken,
		})
		updater = rest.Api
	}
	params := &api.UpdateCallParams{}
	params.SetTwiml(twiml)
	_, err := updater.UpdateCall(sid, params)
	return err
}

// Dial places an outbound call using Twilio REST API.
func (t *Transport) Dial(ctx context.Context, to, from, url string) (string, error) {
	dialer := NewDialer(t.cfg)
	return dialer.Dial(ctx, to, from, url)
}

// DialWithOptions places an outbound call using Twilio REST API with options.
func (t *Transport) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	dialer := NewDialer(t.cfg)
	return dialer.DialWithOptions(ctx, to, from, url, opts)
}

// handleVoice answers a new call. The caller id becomes the channel event
// that starts the dialogue; the greeting comes back in the response.
func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if !t.authorize(w, r, "twilio_invalid_signature") {
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	sid := r.FormValue("CallSid")
	if sid == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	from := r.FormValue("From")
	c, waiter, ok := t.open(sid, from)
	if !ok {
		t.writeTwiML(w, reply{hangup: true})
		return
	}
	meta := t.meta(c)
	t.emit(frames.NewSystemFrame(sid, time.Now().UnixNano(), frames.SystemCallStart, meta))
	t.emit(frames.NewEventFrame(sid, time.Now().UnixNano(), "channel", ChannelTelephony,
		map[string]any{"caller": from}, meta))
	t.writeTwiML(w, t.await(r.Context(), sid, waiter))
}

// handleGather turns one Gather result into caller input and answers with
// the bot's reply. An empty result just keeps listening.
func (t *Transport) handleGather(w http.ResponseWriter, r *http.Request) {
	if !t.authorize(w, r, "twilio_gather_invalid_signature") {
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	sid := r.FormValue("CallSid")
	speech := strings.TrimSpace(r.FormValue("SpeechResult"))
	digits := strings.TrimSpace(r.FormValue("Digits"))

	t.mu.Lock()
	c := t.calls[sid]
	t.mu.Unlock()
	if c == nil {
		t.writeTwiML(w, reply{hangup: true})
		return
	}
	if speech == "" && digits == "" {
		t.writeTwiML(w, reply{})
		return
	}

	waiter := t.arm(sid)
	meta := t.meta(c)
	if speech != "" {
		meta[frames.MetaSource] = frames.SourceCaller
		t.emit(frames.NewTextFrame(sid, time.Now().UnixNano(), speech, meta))
	} else {
		meta[frames.MetaDTMFDigit] = digits[:1]
		t.emit(frames.NewControlFrame(sid, time.Now().UnixNano(), frames.ControlDTMF, meta))
	}
	t.writeTwiML(w, t.await(r.Context(), sid, waiter))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if !t.authorize(w, r, "twilio_status_invalid_signature") {
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	sid := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || sid == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	c := t.close(sid)
	if c == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	meta := t.meta(c)
	meta[frames.MetaCallEndReason] = reason
	t.emit(frames.NewSystemFrame(sid, time.Now().UnixNano(), frames.SystemCallEnd, meta))
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) authorize(w http.ResponseWriter, r *http.Request, event string) bool {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return false
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		slog.Warn(event, "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return false
	}
	return true
}

// open registers sid and arms its waiter. A repeated voice webhook for a
// live call reuses the existing record.
func (t *Transport) open(sid, from string) (*call, chan reply, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, nil, false
	}
	c := t.calls[sid]
	if c == nil {
		c = &call{sid: sid, traceID: uuid.NewString(), from: from}
		t.calls[sid] = c
	}
	c.waiter = make(chan reply, 1)
	return c, c.waiter, true
}

func (t *Transport) arm(sid string) chan reply {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.calls[sid]
	if c == nil {
		return nil
	}
	c.waiter = make(chan reply, 1)
	return c.waiter
}

// await blocks until the bot finishes the turn. On timeout whatever has
// been said so far is returned and later text goes out as a call update.
func (t *Transport) await(ctx context.Context, sid string, waiter chan reply) reply {
	if waiter == nil {
		return reply{}
	}
	timer := time.NewTimer(time.Duration(t.cfg.TurnTimeoutMS) * time.Millisecond)
	defer timer.Stop()
	select {
	case out, ok := <-waiter:
		if !ok {
			return reply{hangup: true}
		}
		return out
	case <-timer.C:
	case <-ctx.Done():
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.calls[sid]
	if c == nil {
		return reply{hangup: true}
	}
	if c.waiter == waiter {
		c.waiter = nil
	}
	select {
	case out := <-waiter:
		return out
	default:
	}
	slog.Warn("twilio_turn_timeout", "call_sid", sid, "buffered", len(c.says))
	out := reply{says: c.says, hangup: c.hangup}
	c.says = nil
	return out
}

func (t *Transport) close(sid string) *call {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.calls[sid]
	if c == nil {
		return nil
	}
	delete(t.calls, sid)
	if c.waiter != nil {
		close(c.waiter)
		c.waiter = nil
	}
	return c
}

func (t *Transport) meta(c *call) map[string]string {
	meta := map[string]string{
		frames.MetaCallSID: c.sid,
		frames.MetaTraceID: c.traceID,
		frames.MetaChannel: ChannelTelephony,
		frames.MetaSource:  frames.SourceTransport,
	}
	if c.from != "" {
		meta[frames.MetaFromNumber] = c.from
	}
	return meta
}

func (t *Transport) emit(f frames.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.recvCh <- f:
	default:
		slog.Warn("twilio_recv_full", "call_sid", frames.ConversationID(f))
	}
}

func (t *Transport) writeTwiML(w http.ResponseWriter, out reply) {
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(t.renderTwiML(out)))
}

// renderTwiML speaks the reply inside a Gather so the caller can answer
// right away. A hangup reply speaks and ends the call instead.
func (t *Transport) renderTwiML(out reply) string {
	var b strings.Builder
	b.WriteString("<Response>")
	if out.hangup {
		for _, s := range out.says {
			t.writeSay(&b, s)
		}
		b.WriteString("<Hangup/>")
		b.WriteString("</Response>")
		return b.String()
	}
	action := xmlEscape(t.publicURL(t.cfg.GatherPath))
	b.WriteString(`<Gather input="speech dtmf" method="POST" numDigits="1" speechTimeout="auto"`)
	b.WriteString(` timeout="` + strconv.Itoa(t.cfg.GatherTimeoutSec) + `"`)
	b.WriteString(` language="` + xmlEscape(t.cfg.Language) + `"`)
	b.WriteString(` action="` + action + `">`)
	for _, s := range out.says {
		t.writeSay(&b, s)
	}
	b.WriteString("</Gather>")
	b.WriteString(`<Redirect method="POST">` + action + `</Redirect>`)
	b.WriteString("</Response>")
	return b.String()
}

func (t *Transport) writeSay(b *strings.Builder, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	b.WriteString("<Say")
	if t.cfg.Voice != "" {
		b.WriteString(` voice="` + xmlEscape(t.cfg.Voice) + `"`)
	}
	b.WriteString(` language="` + xmlEscape(t.cfg.Language) + `">`)
	b.WriteString(xmlEscape(text))
	b.WriteString("</Say>")
}

func (t *Transport) publicURL(path string) string {
	return webhookURL(t.cfg, path)
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
