package phase

import (
	"strings"
	"testing"

	"github.com/harunnryd/voiceprint/pkg/prompts"
)

func newTestMachine(mode prompts.Mode) *Machine {
	return NewMachine(Config{Sequencer: prompts.NewSequencer(mode, nil)})
}

func TestChannelTelephonyRecordsSpeakerAndGreets(t *testing.T) {
	m := newTestMachine(prompts.ModeTextIndependent)
	in := EventInput("channel", "telephony", map[string]any{"caller": "abc123"})
	res := m.Step(NewConversationData(), in)

	if res.Data.SpeakerID != "abc123" {
		t.Fatalf("expected speaker abc123, got %q", res.Data.SpeakerID)
	}
	if res.Data.Phase != NotEnrolled || res.Transition != nil {
		t.Fatalf("expected phase unchanged, got %s", res.Data.Phase)
	}
	if len(res.Actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(res.Actions))
	}
	req := res.Actions[0]
	if req.Kind != ActionRequest || req.Request.Name != RequestGetSpeakerStatus {
		t.Fatalf("expected status request first, got %+v", req)
	}
	params := req.Request.ChannelData()["sessionParams"].(map[string]any)
	if params["speakerVerificationSpeakerId"] != "abc123" {
		t.Fatalf("unexpected session params %v", params)
	}
	if _, ok := params["speakerVerificationType"]; ok {
		t.Fatalf("status request must not carry a type")
	}
	if res.Actions[1].Kind != ActionMessage || res.Actions[1].Text != DefaultMessages().Greeting {
		t.Fatalf("expected greeting, got %+v", res.Actions[1])
	}
}

func TestChannelEventNameAndValueAreCaseInsensitive(t *testing.T) {
	m := newTestMachine(prompts.ModeTextIndependent)
	res := m.Step(NewConversationData(), EventInput("CHANNEL", "Telephony", map[string]any{"caller": "+15550001"}))
	if res.Data.SpeakerID != "+15550001" {
		t.Fatalf("expected speaker set, got %q", res.Data.SpeakerID)
	}
}

func TestChannelWithoutCallerIsIgnored(t *testing.T) {
	m := newTestMachine(prompts.ModeTextIndependent)
	data := ConversationData{Phase: Enrolled, SpeakerID: "known"}
	res := m.Step(data, EventInput("channel", "telephony", map[string]any{}))
	if res.Data != data || len(res.Actions) != 0 {
		t.Fatalf("expected no-op, got %+v", res)
	}
	if res.Ignored != IgnoredMissingCaller {
		t.Fatalf("expected %s, got %s", IgnoredMissingCaller, res.Ignored)
	}
}

func TestSpeakerStatus(t *testing.T) {
	m := newTestMachine(prompts.ModeTextIndependent)
	tests := []struct {
		value any
		phase Phase
		text  string
	}{
		{map[string]any{"enrolled": true}, Enrolled, DefaultMessages().AskAction},
		{map[string]any{"enrolled": false}, NotEnrolled, DefaultMessages().AskEnrollConsent},
		{map[string]any{"enrolled": "true"}, Enrolled, DefaultMessages().AskAction},
	}
	for _, tt := range tests {
		res := m.Step(ConversationData{Phase: NotEnrolled, SpeakerID: "s"}, EventInput(NameSpeakerStatus, tt.value, nil))
		if res.Data.Phase != tt.phase {
			t.Fatalf("%v: expected %s, got %s", tt.value, tt.phase, res.Data.Phase)
		}
		if len(res.Actions) != 1 || res.Actions[0].Text != tt.text {
			t.Fatalf("%v: unexpected actions %+v", tt.value, res.Actions)
		}
	}
}

func TestProgressEvents(t *testing.T) {
	for _, name := range []string{NameEnrollProgress, NameVerifyProgress} {
		m := newTestMachine(prompts.ModeTextIndependent)
		data := ConversationData{Phase: EnrollmentInProgress, SpeakerID: "s", PromptIndex: 2}

		res := m.Step(data, EventInput(name, map[string]any{"moreAudioRequired": true}, nil))
		if len(res.Actions) != 1 || res.Actions[0].Text != prompts.DefaultQuestionnaire[2] {
			t.Fatalf("%s: unexpected actions %+v", name, res.Actions)
		}
		if res.Data.PromptIndex != 3 || res.Data.Phase != EnrollmentInProgress {
			t.Fatalf("%s: unexpected data %+v", name, res.Data)
		}

		res = m.Step(data, EventInput(name, map[string]any{"moreAudioRequired": false}, nil))
		if len(res.Actions) != 0 || res.Data != data {
			t.Fatalf("%s: expected no-op when no more audio, got %+v", name, res)
		}
	}
}

func TestProgressInDependentModeUsesRepeatPrompt(t *testing.T) {
	m := newTestMachine(prompts.ModeTextDependent)
	data := ConversationData{Phase: VerificationInProgress, SpeakerID: "s"}
	res := m.Step(data, EventInput(NameVerifyProgress, map[string]any{"moreAudioRequired": true}, nil))
	if len(res.Actions) != 1 || res.Actions[0].Text != DefaultMessages().RepeatPassphrase {
		t.Fatalf("unexpected actions %+v", res.Actions)
	}
	if res.Data.PromptIndex != 0 {
		t.Fatalf("expected cursor untouched, got %d", res.Data.PromptIndex)
	}
}

func TestCompletionEventsTerminateExactlyOnce(t *testing.T) {
	msgs := DefaultMessages()
	tests := []struct {
		name  string
		phase Phase
		value bool
		texts []string
	}{
		{NameEnrollCompleted, EnrollmentInProgress, true, []string{msgs.EnrollSucceeded, msgs.EnrollHangup}},
		{NameEnrollCompleted, EnrollmentInProgress, false, []string{msgs.EnrollFailed}},
		{NameVerifyCompleted, VerificationInProgress, true, []string{msgs.VerifySucceeded}},
		{NameVerifyCompleted, VerificationInProgress, false, []string{msgs.VerifyRejected}},
		{NameActionResult, DeletionInProgress, true, []string{msgs.DeletionSucceeded}},
		{NameActionResult, DeletionInProgress, false, []string{msgs.DeletionFailed}},
	}
	m := newTestMachine(prompts.ModeTextIndependent)
	for _, tt := range tests {
		data := ConversationData{Phase: tt.phase, SpeakerID: "s"}
		res := m.Step(data, EventInput(tt.name, map[string]any{"success": tt.value}, nil))

		ends := 0
		var texts []string
		for i, a := range res.Actions {
			switch a.Kind {
			case ActionEndOfConversation:
				ends++
				if i != len(res.Actions)-1 {
					t.Fatalf("%s/%v: end must be the last action", tt.name, tt.value)
				}
				if i == 0 || res.Actions[i-1].Kind != ActionMessage {
					t.Fatalf("%s/%v: end must follow a message", tt.name, tt.value)
				}
			case ActionMessage:
				texts = append(texts, a.Text)
			default:
				t.Fatalf("%s/%v: unexpected action %s", tt.name, tt.value, a.Kind)
			}
		}
		if ends != 1 {
			t.Fatalf("%s/%v: expected one end, got %d", tt.name, tt.value, ends)
		}
		if strings.Join(texts, "|") != strings.Join(tt.texts, "|") {
			t.Fatalf("%s/%v: expected %v, got %v", tt.name, tt.value, tt.texts, texts)
		}
		if res.Data != data {
			t.Fatalf("%s/%v: expected data unchanged, got %+v", tt.name, tt.value, res.Data)
		}
	}
}

func TestActionResultOutsideDeletionIsIgnored(t *testing.T) {
	m := newTestMachine(prompts.ModeTextIndependent)
	for _, p := range Phases() {
		if p == DeletionInProgress {
			continue
		}
		data := ConversationData{Phase: p, SpeakerID: "s"}
		res := m.Step(data, EventInput(NameActionResult, map[string]any{"success": true}, nil))
		if len(res.Actions) != 0 || res.Data != data || res.Ignored != IgnoredWrongPhase {
			t.Fatalf("%s: expected no-op, got %+v", p, res)
		}
	}
}

func TestInapplicableEventsAreNoops(t *testing.T) {
	m := newTestMachine(prompts.ModeTextIndependent)
	inputs := []Input{
		EventInput("somethingElse", map[string]any{"success": true}, nil),
		EventInput("channel", "webchat", map[string]any{"caller": "x"}),
		EventInput(NameSpeakerStatus, "not-a-map", nil),
		EventInput(NameEnrollProgress, map[string]any{}, nil),
		EventInput(NameVerifyCompleted, nil, nil),
	}
	for _, p := range Phases() {
		data := ConversationData{Phase: p, SpeakerID: "spk", PromptIndex: 4}
		for _, in := range inputs {
			res := m.Step(data, in)
			if res.Data != data {
				t.Fatalf("%s/%s: data changed to %+v", p, in.Name, res.Data)
			}
			if len(res.Actions) != 0 || res.Transition != nil {
				t.Fatalf("%s/%s: expected no actions, got %+v", p, in.Name, res.Actions)
			}
			if res.Ignored == "" {
				t.Fatalf("%s/%s: expected an ignore reason", p, in.Name)
			}
		}
	}
}

func TestNotEnrolledYesStartsEnrollment(t *testing.T) {
	m := newTestMachine(prompts.ModeTextIndependent)
	res := m.Step(ConversationData{Phase: NotEnrolled, SpeakerID: "abc123"}, MessageInput("Yes."))

	if res.Data.Phase != EnrollmentInProgress {
		t.Fatalf("expected enrollment_in_progress, got %s", res.Data.Phase)
	}
	reqs := res.Requests()
	if len(reqs) != 1 || reqs[0].Name != RequestEnroll {
		t.Fatalf("expected one enroll request, got %+v", reqs)
	}
	if reqs[0].Params.SpeakerID != "abc123" || reqs[0].Params.Type != prompts.ModeTextIndependent {
		t.Fatalf("unexpected params %+v", reqs[0].Params)
	}
	spoken := 0
	for _, a := range res.Actions {
		if a.Kind == ActionMessage {
			spoken++
			if a.Text != prompts.DefaultQuestionnaire[0] {
				t.Fatalf("expected first questionnaire prompt, got %q", a.Text)
			}
		}
	}
	if spoken != 1 {
		t.Fatalf("expected exactly one prompt, got %d", spoken)
	}
	if res.Data.PromptIndex != 1 {
		t.Fatalf("expected cursor advanced, got %d", res.Data.PromptIndex)
	}
	if res.Transition == nil || res.Transition.From != NotEnrolled || res.Transition.To != EnrollmentInProgress {
		t.Fatalf("unexpected transition %+v", res.Transition)
	}
	if res.Ends() {
		t.Fatalf("enrollment must not end the conversation")
	}
}

func TestNotEnrolledYesInDependentModeAsksForPassphrase(t *testing.T) {
	m := newTestMachine(prompts.ModeTextDependent)
	res := m.Step(ConversationData{SpeakerID: "s"}, MessageInput("Yes."))
	if res.Requests()[0].ChannelData()["sessionParams"].(map[string]any)["speakerVerificationType"] != "text-dependent" {
		t.Fatalf("expected dependent mode on the wire")
	}
	last := res.Actions[len(res.Actions)-1]
	if last.Text != DefaultMessages().EnrollPassphrase {
		t.Fatalf("expected passphrase prompt, got %q", last.Text)
	}
}

func TestNotEnrolledNoEndsWithoutEnroll(t *testing.T) {
	m := newTestMachine(prompts.ModeTextIndependent)
	data := ConversationData{Phase: NotEnrolled, SpeakerID: "s"}
	res := m.Step(data, MessageInput("No."))
	if len(res.Requests()) != 0 {
		t.Fatalf("expected no requests, got %+v", res.Requests())
	}
	if !res.Ends() || res.Actions[0].Text != DefaultMessages().EnrollDeclined {
		t.Fatalf("expected declined end, got %+v", res.Actions)
	}
	if res.Data != data {
		t.Fatalf("expected data unchanged, got %+v", res.Data)
	}
}

func TestConsentPhasesClarifyUnexpectedText(t *testing.T) {
	m := newTestMachine(prompts.ModeTextIndependent)
	for _, p := range []Phase{NotEnrolled, AskedForDeletion} {
		for _, text := range []string{"yes", "maybe", "Yes", "delete me"} {
			data := ConversationData{Phase: p, SpeakerID: "s"}
			res := m.Step(data, MessageInput(text))
			if res.Data != data {
				t.Fatalf("%s/%q: phase advanced to %s", p, text, res.Data.Phase)
			}
			if len(res.Actions) != 1 || res.Actions[0].Text != DefaultMessages().Clarify {
				t.Fatalf("%s/%q: expected clarification, got %+v", p, text, res.Actions)
			}
		}
	}
}

func TestEnrolledDeleteKeywordWins(t *testing.T) {
	m := newTestMachine(prompts.ModeTextIndependent)
	for _, text := range []string{"delete", "please DELETE me", "Yes. Delete.", "undeleted"} {
		res := m.Step(ConversationData{Phase: Enrolled, SpeakerID: "s"}, MessageInput(text))
		if res.Data.Phase != AskedForDeletion {
			t.Fatalf("%q: expected asked_for_deletion, got %s", text, res.Data.Phase)
		}
		if len(res.Actions) != 1 || res.Actions[0].Text != DefaultMessages().ConfirmDeletion {
			t.Fatalf("%q: unexpected actions %+v", text, res.Actions)
		}
	}
}

func TestEnrolledAnyOtherTextVerifies(t *testing.T) {
	m := newTestMachine(prompts.ModeTextIndependent)
	for _, text := range []string{"Yes.", "No.", "verify me", ""} {
		res := m.Step(ConversationData{Phase: Enrolled, SpeakerID: "s", PromptIndex: 8}, MessageInput(text))
		if res.Data.Phase != VerificationInProgress {
			t.Fatalf("%q: expected verification_in_progress, got %s", text, res.Data.Phase)
		}
		reqs := res.Requests()
		if len(reqs) != 1 || reqs[0].Name != RequestVerify {
			t.Fatalf("%q: expected verify request, got %+v", text, reqs)
		}
		last := res.Actions[len(res.Actions)-1]
		if last.Text != prompts.DefaultQuestionnaire[8] {
			t.Fatalf("%q: unexpected prompt %q", text, last.Text)
		}
		if res.Data.PromptIndex != 0 {
			t.Fatalf("%q: expected cursor to wrap, got %d", text, res.Data.PromptIndex)
		}
	}
}

func TestAskedForDeletion(t *testing.T) {
	m := newTestMachine(prompts.ModeTextIndependent)
	data := ConversationData{Phase: AskedForDeletion, SpeakerID: "abc"}

	res := m.Step(data, MessageInput("Yes."))
	if res.Data.Phase != DeletionInProgress {
		t.Fatalf("expected deletion_in_progress, got %s", res.Data.Phase)
	}
	reqs := res.Requests()
	if len(reqs) != 1 || reqs[0].Name != RequestDeleteSpeaker || reqs[0].Params.SpeakerID != "abc" {
		t.Fatalf("expected one delete request, got %+v", reqs)
	}
	if reqs[0].Params.Type != "" {
		t.Fatalf("delete request must not carry a type")
	}

	res = m.Step(data, MessageInput("No."))
	if len(res.Requests()) != 0 || !res.Ends() {
		t.Fatalf("expected end without delete, got %+v", res.Actions)
	}
	if res.Actions[0].Text != DefaultMessages().DeletionDeclined {
		t.Fatalf("unexpected reason %q", res.Actions[0].Text)
	}
}

func TestInProgressPhasesIgnoreText(t *testing.T) {
	m := newTestMachine(prompts.ModeTextIndependent)
	for _, p := range []Phase{EnrollmentInProgress, VerificationInProgress} {
		for _, text := range []string{"Yes.", "No.", "delete", "hello"} {
			data := ConversationData{Phase: p, SpeakerID: "s", PromptIndex: 3}
			res := m.Step(data, MessageInput(text))
			if res.Data != data || len(res.Actions) != 0 {
				t.Fatalf("%s/%q: expected no-op, got %+v", p, text, res)
			}
			if res.Ignored != IgnoredAwaitingEngine {
				t.Fatalf("%s/%q: unexpected ignore reason %q", p, text, res.Ignored)
			}
		}
	}
}

func TestUnhandledPhasesReportNotImplemented(t *testing.T) {
	m := newTestMachine(prompts.ModeTextIndependent)
	for _, p := range []Phase{DeletionInProgress, Phase(42)} {
		res := m.Step(ConversationData{Phase: p}, MessageInput("Yes."))
		if len(res.Actions) != 1 || res.Actions[0].Text != "else not implemented yet" {
			t.Fatalf("%d: unexpected actions %+v", p, res.Actions)
		}
		if res.Data.Phase != p {
			t.Fatalf("%d: phase changed", p)
		}
	}
}

func TestStepIsDeterministic(t *testing.T) {
	m := newTestMachine(prompts.ModeTextIndependent)
	data := ConversationData{Phase: Enrolled, SpeakerID: "s", PromptIndex: 5}
	a := m.Step(data, MessageInput("go"))
	b := m.Step(data, MessageInput("go"))
	if a.Data != b.Data || len(a.Actions) != len(b.Actions) {
		t.Fatalf("expected identical results")
	}
	for i := range a.Actions {
		if a.Actions[i].Text != b.Actions[i].Text || a.Actions[i].Kind != b.Actions[i].Kind {
			t.Fatalf("action %d differs", i)
		}
	}
}

func TestFullEnrollmentDialogue(t *testing.T) {
	m := newTestMachine(prompts.ModeTextIndependent)
	data := NewConversationData()
	steps := []Input{
		EventInput("channel", "telephony", map[string]any{"caller": "abc123"}),
		EventInput(NameSpeakerStatus, map[string]any{"enrolled": false}, nil),
		MessageInput("Yes."),
		EventInput(NameEnrollProgress, map[string]any{"moreAudioRequired": true}, nil),
		MessageInput("I like long walks"),
		EventInput(NameEnrollProgress, map[string]any{"moreAudioRequired": true}, nil),
		EventInput(NameEnrollCompleted, map[string]any{"success": true}, nil),
	}
	var last Result
	for _, in := range steps {
		last = m.Step(data, in)
		data = last.Data
	}
	if data.Phase != EnrollmentInProgress || data.SpeakerID != "abc123" || data.PromptIndex != 3 {
		t.Fatalf("unexpected final data %+v", data)
	}
	if !last.Ends() {
		t.Fatalf("expected conversation to end")
	}
}

func TestCustomVocabularyAndMessages(t *testing.T) {
	m := NewMachine(Config{
		Vocabulary: Vocabulary{Yes: "ja", No: "nein", DeleteKeyword: "loschen"},
		Messages:   Messages{Clarify: "Bitte ja oder nein."},
	})
	res := m.Step(ConversationData{SpeakerID: "s"}, MessageInput("Yes."))
	if res.Actions[0].Text != "Bitte ja oder nein." {
		t.Fatalf("expected custom clarify, got %+v", res.Actions)
	}
	res = m.Step(ConversationData{SpeakerID: "s"}, MessageInput("ja"))
	if res.Data.Phase != EnrollmentInProgress {
		t.Fatalf("expected custom yes to enroll, got %s", res.Data.Phase)
	}
	if m.Messages().Greeting != DefaultMessages().Greeting {
		t.Fatalf("expected unset messages to keep defaults")
	}
}
