package verification

import (
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/voiceprint/pkg/activity"
	"github.com/harunnryd/voiceprint/pkg/errorsx"
	"github.com/harunnryd/voiceprint/pkg/frames"
)

const maxCallbackBody = 64 << 10

// CallbackHandler accepts the engine's progress and result events and feeds
// them back into the conversation they belong to.
type CallbackHandler struct {
	sink  func(frames.Frame) bool
	token string
	now   func() time.Time
}

// NewCallbackHandler returns a handler that passes decoded events to sink.
// sink reports false when the event could not be queued.
func NewCallbackHandler(sink func(frames.Frame) bool, token string) *CallbackHandler {
	return &CallbackHandler{sink: sink, token: token, now: time.Now}
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		slog.Warn("verification_callback_unauthorized", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	act, err := activity.Decode(raw)
	if err != nil {
		slog.Warn("verification_callback_decode_failed", errorsx.Attr(err), "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if act.Type != activity.TypeEvent {
		http.Error(w, "only event activities are accepted", http.StatusBadRequest)
		return
	}
	meta := map[string]string{}
	if trace := strings.TrimSpace(r.Header.Get("X-Trace-Id")); trace != "" {
		meta[frames.MetaTraceID] = trace
	}
	f, err := act.Frame(h.now().UnixNano(), meta)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !h.sink(f) {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *CallbackHandler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}
