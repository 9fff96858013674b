package voiceprint

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/voiceprint/pkg/frames"
	"github.com/harunnryd/voiceprint/pkg/metrics"
	"github.com/harunnryd/voiceprint/pkg/observers"
	"github.com/harunnryd/voiceprint/pkg/phase"
	"github.com/harunnryd/voiceprint/pkg/session"
	"github.com/harunnryd/voiceprint/pkg/transports/mock"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeSender struct {
	mu   sync.Mutex
	reqs []phase.Request
	got  chan phase.Request
}

func newFakeSender() *fakeSender {
	return &fakeSender{got: make(chan phase.Request, 16)}
}

func (s *fakeSender) SendRequest(_ context.Context, _ string, req phase.Request) error {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	s.got <- req
	return nil
}

type eventlessTransport struct{ *mock.Transport }

func (eventlessTransport) CarriesEvents() bool { return false }

func testConfig() Config {
	return Config{
		Environment:  "test",
		Transports:   ProviderConfig{Provider: "mock"},
		Session:      SessionConfig{Provider: "memory", DeleteOnEnd: true},
		Verification: VerificationConfig{Mode: "text-independent"},
		Processing: ProcessingConfig{
			Replacements: map[string]string{"yeah": "Yes."},
			DTMF:         DTMFConfig{Enabled: true},
		},
		Privacy: PrivacyConfig{RedactPII: true},
	}
}

type testEngine struct {
	*Engine
	tr    *mock.Transport
	store *session.MemoryStore
	obs   *metrics.MemoryObserver
}

func startEngine(t *testing.T, cfg Config, relay RequestSender) testEngine {
	t.Helper()
	tr := mock.New()
	store := session.NewMemoryStore(0)
	obs := metrics.NewMemoryObserver()
	e, err := NewEngine(EngineOptions{
		Config:     cfg,
		Transport:  tr,
		Store:      store,
		Relay:      relay,
		Observers:  []metrics.Observer{obs},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registerer: prometheus.NewRegistry(),
		Banner:     io.Discard,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		_ = e.Stop()
	})
	return testEngine{Engine: e, tr: tr, store: store, obs: obs}
}

func nextSent(t *testing.T, tr *mock.Transport) frames.Frame {
	t.Helper()
	select {
	case f := <-tr.Sent():
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound frame")
		return nil
	}
}

func expectText(t *testing.T, tr *mock.Transport, want string) {
	t.Helper()
	f := nextSent(t, tr)
	tf, ok := f.(frames.TextFrame)
	if !ok {
		t.Fatalf("expected text %q, got %T", want, f)
	}
	if want != "" && tf.Text() != want {
		t.Fatalf("expected text %q, got %q", want, tf.Text())
	}
}

func expectRequest(t *testing.T, tr *mock.Transport, name string) frames.EventFrame {
	t.Helper()
	f := nextSent(t, tr)
	ev, ok := f.(frames.EventFrame)
	if !ok || ev.Name() != name {
		t.Fatalf("expected request %s, got %T %v", name, f, f.Meta())
	}
	return ev
}

func expectControl(t *testing.T, tr *mock.Transport, code frames.ControlCode) {
	t.Helper()
	f := nextSent(t, tr)
	if !frames.IsControl(f, code) {
		t.Fatalf("expected control %s, got %T %v", code, f, f.Meta())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func channelEvent(id string) frames.Frame {
	return frames.NewEventFrame(id, 1, "channel", "telephony", map[string]any{"caller": "abc123"},
		map[string]string{frames.MetaTraceID: "trace-1", frames.MetaSource: frames.SourceTransport})
}

func callerText(id, text string) frames.Frame {
	return frames.NewTextFrame(id, 2, text, map[string]string{frames.MetaSource: frames.SourceCaller})
}

func TestEngineRunsEnrollmentDialogue(t *testing.T) {
	te := startEngine(t, testConfig(), nil)
	msgs := phase.DefaultMessages()

	te.tr.Push(channelEvent("conv-1"))
	status := expectRequest(t, te.tr, phase.RequestGetSpeakerStatus)
	params := status.ChannelData()["sessionParams"].(map[string]any)
	if params["speakerVerificationSpeakerId"] != "abc123" {
		t.Fatalf("unexpected session params %v", params)
	}
	if status.Meta()[frames.MetaTraceID] != "trace-1" || status.Meta()[frames.MetaSource] != frames.SourceBot {
		t.Fatalf("expected reply meta, got %v", status.Meta())
	}
	expectText(t, te.tr, msgs.Greeting)
	expectControl(t, te.tr, frames.ControlTurnComplete)

	te.tr.Push(frames.NewEventFrame("conv-1", 3, phase.NameSpeakerStatus, map[string]any{"enrolled": false}, nil, nil))
	expectText(t, te.tr, msgs.AskEnrollConsent)
	expectControl(t, te.tr, frames.ControlTurnComplete)

	// "yeah" is rewritten to the consent token before the machine sees it.
	te.tr.Push(callerText("conv-1", "yeah"))
	enroll := expectRequest(t, te.tr, phase.RequestEnroll)
	params = enroll.ChannelData()["sessionParams"].(map[string]any)
	if params["speakerVerificationType"] != "text-independent" {
		t.Fatalf("expected mode on enroll request, got %v", params)
	}
	expectText(t, te.tr, "")
	expectControl(t, te.tr, frames.ControlTurnComplete)

	// Text while the engine is listening is ignored but still acknowledged.
	te.tr.Push(callerText("conv-1", "I like long walks"))
	expectControl(t, te.tr, frames.ControlTurnComplete)

	te.tr.Push(frames.NewEventFrame("conv-1", 5, phase.NameEnrollCompleted, map[string]any{"success": true}, nil, nil))
	expectText(t, te.tr, msgs.EnrollSucceeded)
	expectText(t, te.tr, msgs.EnrollHangup)
	expectControl(t, te.tr, frames.ControlEndOfConversation)
	expectControl(t, te.tr, frames.ControlTurnComplete)

	waitFor(t, "conversation teardown", func() bool { return te.Registry().Count() == 0 })
	waitFor(t, "conversation_end event", func() bool {
		for _, ev := range te.obs.Named(metrics.EventConversationEnd) {
			if ev.Tags[observers.TagReason] == EndReasonBotHangup && ev.Tags[observers.TagPhase] == "enrollment_in_progress" {
				return true
			}
		}
		return false
	})
	if te.store.Len() != 0 {
		t.Fatalf("expected record deleted on end, %d left", te.store.Len())
	}
}

func TestEngineMapsKeypadToConsent(t *testing.T) {
	te := startEngine(t, testConfig(), nil)

	te.tr.Push(channelEvent("conv-2"))
	expectRequest(t, te.tr, phase.RequestGetSpeakerStatus)
	expectText(t, te.tr, "")
	expectControl(t, te.tr, frames.ControlTurnComplete)
	te.tr.Push(frames.NewEventFrame("conv-2", 3, phase.NameSpeakerStatus, map[string]any{"enrolled": "false"}, nil, nil))
	expectText(t, te.tr, "")
	expectControl(t, te.tr, frames.ControlTurnComplete)

	te.tr.Push(frames.NewControlFrame("conv-2", 4, frames.ControlDTMF, map[string]string{frames.MetaDTMFDigit: "1"}))
	expectRequest(t, te.tr, phase.RequestEnroll)
}

func TestEngineKeepsStateAcrossTurns(t *testing.T) {
	te := startEngine(t, testConfig(), nil)

	te.tr.Push(channelEvent("conv-3"))
	expectRequest(t, te.tr, phase.RequestGetSpeakerStatus)
	expectText(t, te.tr, "")
	expectControl(t, te.tr, frames.ControlTurnComplete)

	data, err := te.store.Load(context.Background(), "conv-3")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if data.SpeakerID != "abc123" || data.Phase != phase.NotEnrolled {
		t.Fatalf("unexpected stored data %+v", data)
	}
}

func TestEngineKeepsPromptSequencePerConversation(t *testing.T) {
	cfg := testConfig()
	cfg.Verification.Prompts = []string{"Prompt one.", "Prompt two.", "Prompt three."}
	te := startEngine(t, cfg, nil)

	expectPrompt := func(id, want string) {
		t.Helper()
		f := nextSent(t, te.tr)
		tf, ok := f.(frames.TextFrame)
		if !ok || tf.Text() != want || frames.ConversationID(tf) != id {
			t.Fatalf("%s: expected prompt %q, got %T %v", id, want, f, f.Meta())
		}
		expectControl(t, te.tr, frames.ControlTurnComplete)
	}
	startEnrollment := func(id string) {
		t.Helper()
		te.tr.Push(channelEvent(id))
		expectRequest(t, te.tr, phase.RequestGetSpeakerStatus)
		expectText(t, te.tr, "")
		expectControl(t, te.tr, frames.ControlTurnComplete)
		te.tr.Push(frames.NewEventFrame(id, 3, phase.NameSpeakerStatus, map[string]any{"enrolled": false}, nil, nil))
		expectText(t, te.tr, "")
		expectControl(t, te.tr, frames.ControlTurnComplete)
		te.tr.Push(callerText(id, "Yes."))
		expectRequest(t, te.tr, phase.RequestEnroll)
		expectPrompt(id, "Prompt one.")
	}
	progress := func(id string) {
		t.Helper()
		te.tr.Push(frames.NewEventFrame(id, 4, phase.NameEnrollProgress, map[string]any{"moreAudioRequired": true}, nil, nil))
	}

	startEnrollment("conv-a")
	progress("conv-a")
	expectPrompt("conv-a", "Prompt two.")

	startEnrollment("conv-b")
	progress("conv-a")
	expectPrompt("conv-a", "Prompt three.")
	progress("conv-b")
	expectPrompt("conv-b", "Prompt two.")
	progress("conv-a")
	expectPrompt("conv-a", "Prompt one.")
	progress("conv-b")
	expectPrompt("conv-b", "Prompt three.")

	for id, want := range map[string]int{"conv-a": 1, "conv-b": 0} {
		data, err := te.store.Load(context.Background(), id)
		if err != nil {
			t.Fatalf("%s: load: %v", id, err)
		}
		if data.PromptIndex != want || data.Phase != phase.EnrollmentInProgress {
			t.Fatalf("%s: expected cursor %d in enrollment, got %+v", id, want, data)
		}
	}
}

func TestEngineEndsConversationOnCallEnd(t *testing.T) {
	cfg := testConfig()
	cfg.Session.DeleteOnEnd = false
	te := startEngine(t, cfg, nil)

	te.tr.Push(channelEvent("conv-4"))
	expectRequest(t, te.tr, phase.RequestGetSpeakerStatus)
	expectText(t, te.tr, "")
	expectControl(t, te.tr, frames.ControlTurnComplete)

	te.tr.Push(frames.NewSystemFrame("conv-4", 9, frames.SystemCallEnd, map[string]string{frames.MetaCallEndReason: "caller_hangup"}))
	waitFor(t, "conversation teardown", func() bool { return te.Registry().Count() == 0 })
	waitFor(t, "conversation_end event", func() bool {
		for _, ev := range te.obs.Named(metrics.EventConversationEnd) {
			if ev.Tags[observers.TagReason] == "caller_hangup" {
				return true
			}
		}
		return false
	})
	if te.store.Len() != 1 {
		t.Fatalf("expected record kept, got %d", te.store.Len())
	}
}

func TestEngineIgnoresFramesWithoutConversation(t *testing.T) {
	te := startEngine(t, testConfig(), nil)
	te.tr.Push(frames.NewTextFrame("", 1, "Yes.", nil))
	te.tr.Push(channelEvent("conv-5"))
	expectRequest(t, te.tr, phase.RequestGetSpeakerStatus)
	if te.Registry().Count() != 1 {
		t.Fatalf("expected only the addressed conversation, got %d", te.Registry().Count())
	}
}

func TestEngineRelaysRequestsAndAcceptsCallbacks(t *testing.T) {
	cfg := testConfig()
	cfg.Verification.Relay.CallbackToken = "cb"
	sender := newFakeSender()
	te := startEngine(t, cfg, sender)

	te.tr.Push(channelEvent("conv-6"))
	select {
	case req := <-sender.got:
		if req.Name != phase.RequestGetSpeakerStatus || req.Params.SpeakerID != "abc123" {
			t.Fatalf("unexpected relayed request %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for relayed request")
	}
	// The request went to the relay, not the channel.
	expectText(t, te.tr, phase.DefaultMessages().Greeting)
	expectControl(t, te.tr, frames.ControlTurnComplete)

	body := `{"type":"event","name":"speakerVerificationSpeakerStatus","value":{"enrolled":true},"conversation":{"id":"conv-6"}}`
	req := httptest.NewRequest(http.MethodPost, "/verification/events", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer cb")
	w := httptest.NewRecorder()
	te.AdminHandler().ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	expectText(t, te.tr, phase.DefaultMessages().AskAction)
	expectControl(t, te.tr, frames.ControlTurnComplete)
}

func TestEngineRejectsEventlessTransportWithoutRelay(t *testing.T) {
	_, err := NewEngine(EngineOptions{
		Config:     testConfig(),
		Transport:  eventlessTransport{mock.New()},
		Store:      session.NewMemoryStore(0),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registerer: prometheus.NewRegistry(),
	})
	if err == nil || !strings.Contains(err.Error(), "verification.relay.url") {
		t.Fatalf("expected relay error, got %v", err)
	}
}

func TestEngineAdminEndpoints(t *testing.T) {
	te := startEngine(t, testConfig(), nil)

	w := httptest.NewRecorder()
	te.AdminHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", w.Code)
	}

	te.tr.Push(channelEvent("conv-7"))
	expectRequest(t, te.tr, phase.RequestGetSpeakerStatus)
	waitFor(t, "turn metric", func() bool {
		w := httptest.NewRecorder()
		te.AdminHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return strings.Contains(w.Body.String(), "voiceprint_conversation_turns_total")
	})

	// Without a relay there is no callback endpoint.
	w = httptest.NewRecorder()
	te.AdminHandler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/verification/events", strings.NewReader("{}")))
	if w.Code != http.StatusNotFound && w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected no callback route, got %d", w.Code)
	}

	te.Registry().SetDraining(true)
	if err := te.Health(); err != ErrDraining {
		t.Fatalf("expected draining, got %v", err)
	}
}
