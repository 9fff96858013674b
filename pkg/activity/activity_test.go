package activity

import (
	"testing"
	"time"

	"github.com/harunnryd/voiceprint/pkg/errorsx"
	"github.com/harunnryd/voiceprint/pkg/frames"
)

func TestDecodeEventFrame(t *testing.T) {
	raw := []byte(`{"type":"event","id":"a1","channelId":"telephony","name":"channel","value":"telephony",
		"channelData":{"caller":"abc123"},"conversation":{"id":"conv-1"}}`)
	a, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	f, err := a.Frame(10, map[string]string{frames.MetaTraceID: "t1"})
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	ev, ok := f.(frames.EventFrame)
	if !ok {
		t.Fatalf("expected event frame, got %T", f)
	}
	if ev.Name() != "channel" || ev.Value() != "telephony" || ev.ChannelData()["caller"] != "abc123" {
		t.Fatalf("unexpected event %s %v %v", ev.Name(), ev.Value(), ev.ChannelData())
	}
	meta := ev.Meta()
	if meta[frames.MetaConversationID] != "conv-1" || meta[frames.MetaActivityID] != "a1" || meta[frames.MetaTraceID] != "t1" {
		t.Fatalf("unexpected meta %v", meta)
	}
	if meta[frames.MetaSource] != frames.SourceTransport {
		t.Fatalf("expected transport source, got %q", meta[frames.MetaSource])
	}
}

func TestEngineEventsAreTaggedWithEngineSource(t *testing.T) {
	a, err := Decode([]byte(`{"type":"event","name":"speakerVerificationEnrollProgress","value":{"moreAudioRequired":true},"conversation":{"id":"c"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	f, _ := a.Frame(1, nil)
	if f.Meta()[frames.MetaSource] != frames.SourceEngine {
		t.Fatalf("expected engine source")
	}
	value := f.(frames.EventFrame).Value().(map[string]any)
	if value["moreAudioRequired"] != true {
		t.Fatalf("expected payload preserved, got %v", value)
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"not json":        `{`,
		"no conversation": `{"type":"message","text":"Yes."}`,
		"nameless event":  `{"type":"event","conversation":{"id":"c"}}`,
	}
	for name, raw := range cases {
		_, err := Decode([]byte(raw))
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if !errorsx.HasReason(err, errorsx.ReasonActivityDecode) {
			t.Fatalf("%s: expected activity_decode reason, got %v", name, err)
		}
	}
	a := Activity{Type: "typing", Conversation: ConversationRef{ID: "c"}}
	if _, err := a.Frame(1, nil); err == nil {
		t.Fatalf("expected unsupported type error")
	}
}

func TestEndOfConversationDefaultsReason(t *testing.T) {
	a, _ := Decode([]byte(`{"type":"endOfConversation","conversation":{"id":"c"}}`))
	f, err := a.Frame(1, nil)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	sf := f.(frames.SystemFrame)
	if sf.Name() != frames.SystemCallEnd || sf.Meta()[frames.MetaCallEndReason] != "completed" {
		t.Fatalf("unexpected frame %s %v", sf.Name(), sf.Meta())
	}
}

func TestFromFrame(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	meta := map[string]string{frames.MetaActivityID: "in-1"}

	text, ok := FromFrame(frames.NewTextFrame("c", 1, "Hi", meta), now)
	if !ok || text.Type != TypeMessage || text.Text != "Hi" || text.ReplyToID != "in-1" || text.Conversation.ID != "c" {
		t.Fatalf("unexpected message %+v", text)
	}
	if text.ID == "" || text.Timestamp != "2026-01-02T03:04:05Z" {
		t.Fatalf("expected id and timestamp, got %+v", text)
	}

	data := map[string]any{"sessionParams": map[string]any{"speakerVerificationSpeakerId": "abc123"}}
	ev, ok := FromFrame(frames.NewEventFrame("c", 2, "speakerVerificationGetSpeakerStatus", nil, data, nil), now)
	if !ok || ev.Type != TypeEvent || ev.Name != "speakerVerificationGetSpeakerStatus" || ev.ChannelData["sessionParams"] == nil {
		t.Fatalf("unexpected event %+v", ev)
	}

	eoc, ok := FromFrame(frames.NewControlFrame("c", 3, frames.ControlEndOfConversation, nil), now)
	if !ok || eoc.Type != TypeEndOfConversation || eoc.Code != CodeCompleted {
		t.Fatalf("unexpected end of conversation %+v", eoc)
	}

	if _, ok := FromFrame(frames.NewControlFrame("c", 4, frames.ControlTurnComplete, nil), now); ok {
		t.Fatalf("turn marker has no wire form")
	}
}
