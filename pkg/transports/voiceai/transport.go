// Package voiceai carries bot activities over a websocket, the way a voice AI
// channel connector talks to the bot. Each text message on the socket is one
// JSON activity; a socket may multiplex several conversations.
package voiceai

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/voiceprint/pkg/activity"
	"github.com/harunnryd/voiceprint/pkg/configutil"
	"github.com/harunnryd/voiceprint/pkg/errorsx"
	"github.com/harunnryd/voiceprint/pkg/frames"
)

// EndReasonDisconnected marks conversations whose socket went away.
const EndReasonDisconnected = "disconnected"

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	Path           string   `mapstructure:"path"`
	Token          string   `mapstructure:"token"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	SendBuffer     int      `mapstructure:"send_buffer"`
}

var configSchema = configutil.Schema{
	Section:  "transports.settings",
	Optional: []string{"server_addr", "path", "token", "allowed_origins", "send_buffer"},
}

// ParseConfig decodes transports.settings.
func ParseConfig(settings map[string]any) (Config, error) {
	if err := configutil.ValidateSettings(settings, configSchema); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return Config{}, fmt.Errorf("voiceai settings: %w", err)
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8090"
	}
	if c.Path == "" {
		c.Path = "/activities"
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

type Transport struct {
	cfg      Config
	server   *http.Server
	router   chi.Router
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame

	mu     sync.Mutex
	convs  map[string]*conversation
	socks  map[*socket]struct{}
	closed bool

	draining atomic.Bool
}

// conversation binds a conversation id to the socket its activities came
// from. Replies go back on the most recent one.
type conversation struct {
	id      string
	traceID string
	sock    *socket
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		recvCh: make(chan frames.Frame, 512),
		convs:  make(map[string]*conversation),
		socks:  make(map[*socket]struct{}),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	r := chi.NewRouter()
	r.Get(cfg.Path, t.ServeHTTP)
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

func (t *Transport) Name() string { return "voiceai" }

// CarriesEvents is true: engine requests travel as event activities.
func (t *Transport) CarriesEvents() bool { return true }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Handler() http.Handler { return t.router }

func (t *Transport) ReadyFields() map[string]any {
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return map[string]any{"activity_url": "ws://" + addr + t.cfg.Path}
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
			slog.Error("voiceai_transport_server_error", "error", err.Error())
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
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	socks := make([]*socket, 0, len(t.socks))
	for s := range t.socks {
		socks = append(socks, s)
	}
	t.convs = make(map[string]*conversation)
	close(t.recvCh)
	t.mu.Unlock()
	for _, s := range socks {
		s.close()
	}
	return nil
}

// Send writes f as an activity on the socket of its conversation. Frames
// without a wire form are dropped. Ending the conversation forgets it.
func (t *Transport) Send(f frames.Frame) error {
	id := frames.ConversationID(f)
	a, ok := activity.FromFrame(f, time.Now())
	if !ok {
		return nil
	}
	t.mu.Lock()
	c := t.convs[id]
	if c != nil && a.Type == activity.TypeEndOfConversation {
		delete(t.convs, id)
	}
	t.mu.Unlock()
	if c == nil {
		return fmt.Errorf("voiceai: no socket for conversation %q", id)
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return c.sock.enqueue(payload)
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if !t.authorized(r) {
		slog.Warn("voiceai_unauthorized", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("voiceai_upgrade_failed", "error", err.Error())
		return
	}
	s := newSocket(conn, t.cfg.SendBuffer)
	if !t.addSocket(s) {
		s.close()
		return
	}
	go s.loop()
	t.readLoop(s)
}

func (t *Transport) readLoop(s *socket) {
	defer func() {
		for _, c := range t.removeSocket(s) {
			meta := t.meta(c)
			meta[frames.MetaCallEndReason] = EndReasonDisconnected
			t.emit(frames.NewSystemFrame(c.id, time.Now().UnixNano(), frames.SystemCallEnd, meta))
		}
		s.close()
	}()
	for {
		mt, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		a, err := activity.Decode(msg)
		if err != nil {
			slog.Warn("voiceai_activity_invalid", errorsx.Attr(err), "error", err.Error())
			continue
		}
		t.receive(s, a)
	}
}

// receive turns one activity into frames. The first activity of an unknown
// conversation opens it with a call start unless it is that start itself.
func (t *Transport) receive(s *socket, a activity.Activity) {
	c, created := t.bind(a.Conversation.ID, s)
	if c == nil {
		return
	}
	if created && a.Type != activity.TypeConversationUpdate && a.Type != activity.TypeEndOfConversation {
		t.emit(frames.NewSystemFrame(c.id, time.Now().UnixNano(), frames.SystemCallStart, t.meta(c)))
	}
	f, err := a.Frame(time.Now().UnixNano(), map[string]string{frames.MetaTraceID: c.traceID})
	if err != nil {
		slog.Warn("voiceai_activity_unsupported", "conversation_id", c.id, "error", err.Error())
		return
	}
	if a.Type == activity.TypeEndOfConversation {
		t.forget(c.id)
	}
	t.emit(f)
}

func (t *Transport) bind(id string, s *socket) (*conversation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, false
	}
	c := t.convs[id]
	if c != nil {
		c.sock = s
		return c, false
	}
	c = &conversation{id: id, traceID: uuid.NewString(), sock: s}
	t.convs[id] = c
	return c, true
}

func (t *Transport) forget(id string) {
	t.mu.Lock()
	delete(t.convs, id)
	t.mu.Unlock()
}

func (t *Transport) addSocket(s *socket) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.socks[s] = struct{}{}
	return true
}

// removeSocket drops s and returns the conversations that were bound to it.
func (t *Transport) removeSocket(s *socket) []*conversation {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.socks, s)
	var orphans []*conversation
	for id, c := range t.convs {
		if c.sock == s {
			orphans = append(orphans, c)
			delete(t.convs, id)
		}
	}
	return orphans
}

func (t *Transport) meta(c *conversation) map[string]string {
	return map[string]string{
		frames.MetaTraceID: c.traceID,
		frames.MetaSource:  frames.SourceTransport,
	}
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
		slog.Warn("voiceai_recv_full", "conversation_id", frames.ConversationID(f))
	}
}

func (t *Transport) authorized(r *http.Request) bool {
	if t.cfg.Token == "" {
		return true
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(t.cfg.Token)) == 1
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(t.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range t.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// socket serializes writes; gorilla connections allow one writer at a time.
type socket struct {
	conn   *websocket.Conn
	sendCh chan []byte
	mu     sync.Mutex
	closed bool
}

func newSocket(conn *websocket.Conn, buffer int) *socket {
	return &socket{conn: conn, sendCh: make(chan []byte, buffer)}
}

func (s *socket) enqueue(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("voiceai: socket closed")
	}
	select {
	case s.sendCh <- msg:
		return nil
	default:
		return errors.New("voiceai: send buffer full")
	}
}

func (s *socket) loop() {
	for msg := range s.sendCh {
		_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			slog.Warn("voiceai_write_failed", "error", err.Error())
		}
	}
}

func (s *socket) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.sendCh)
	}
	s.mu.Unlock()
	_ = s.conn.Close()
}
