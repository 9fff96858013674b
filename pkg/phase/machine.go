package phase

import (
	"strings"

	"github.com/harunnryd/voiceprint/pkg/prompts"
)

// Reasons reported in Result.Ignored.
const (
	IgnoredUnknownEvent     = "unknown_event"
	IgnoredNotTelephony     = "not_telephony"
	IgnoredMissingCaller    = "missing_caller"
	IgnoredMalformedPayload = "malformed_payload"
	IgnoredNoMoreAudio      = "no_more_audio"
	IgnoredWrongPhase       = "wrong_phase"
	IgnoredAwaitingEngine   = "awaiting_engine"
	IgnoredUnknownInput     = "unknown_input"
)

type Config struct {
	Sequencer  *prompts.Sequencer
	Messages   Messages
	Vocabulary Vocabulary
}

// Machine computes one conversation turn at a time. It keeps no per-session
// state and is safe for concurrent use.
type Machine struct {
	seq    *prompts.Sequencer
	msgs   Messages
	vocab  Vocabulary
	events map[EventName]eventHandler
	table  map[Phase]map[Utterance]rule
}

type eventHandler func(t *turn, in Input)

type rule func(t *turn)

func NewMachine(cfg Config) *Machine {
	seq := cfg.Sequencer
	if seq == nil {
		seq = prompts.NewSequencer(prompts.ModeTextIndependent, nil)
	}
	m := &Machine{
		seq:   seq,
		msgs:  cfg.Messages.withDefaults(),
		vocab: cfg.Vocabulary.withDefaults(),
	}
	m.events = map[EventName]eventHandler{
		EventChannel:         m.onChannel,
		EventSpeakerStatus:   m.onSpeakerStatus,
		EventEnrollProgress:  m.onProgress,
		EventVerifyProgress:  m.onProgress,
		EventEnrollCompleted: m.onEnrollCompleted,
		EventVerifyCompleted: m.onVerifyCompleted,
		EventActionResult:    m.onActionResult,
	}
	m.table = m.buildTable()
	return m
}

func (m *Machine) Mode() prompts.Mode { return m.seq.Mode() }

func (m *Machine) Messages() Messages { return m.msgs }

func (m *Machine) Vocabulary() Vocabulary { return m.vocab }

// Step applies in to data. data is taken by value; the updated record is
// returned in Result.Data.
func (m *Machine) Step(data ConversationData, in Input) Result {
	t := &turn{m: m, data: data}
	switch in.Kind {
	case InputEvent:
		handler, ok := m.events[ParseEventName(in.Name)]
		if !ok {
			t.ignore(IgnoredUnknownEvent)
			break
		}
		handler(t, in)
	case InputMessage:
		row, ok := m.table[data.Phase]
		if !ok {
			t.say(m.msgs.NotImplemented)
			break
		}
		row[m.vocab.Classify(in.Text)](t)
	default:
		t.ignore(IgnoredUnknownInput)
	}
	return t.result()
}

func (m *Machine) buildTable() map[Phase]map[Utterance]rule {
	clarify := func(t *turn) { t.say(m.msgs.Clarify) }
	awaiting := func(t *turn) { t.ignore(IgnoredAwaitingEngine) }

	enroll := func(t *turn) {
		t.moveTo(EnrollmentInProgress, "enroll_consent")
		t.request(RequestEnroll, true)
		t.say(t.passphrase(m.msgs.EnrollPassphrase))
	}
	verify := func(t *turn) {
		t.moveTo(VerificationInProgress, "verify_requested")
		t.request(RequestVerify, true)
		t.say(t.passphrase(m.msgs.VerifyPassphrase))
	}
	askDelete := func(t *turn) {
		t.moveTo(AskedForDeletion, "delete_requested")
		t.say(m.msgs.ConfirmDeletion)
	}
	deleteSpeaker := func(t *turn) {
		t.moveTo(DeletionInProgress, "delete_confirmed")
		t.request(RequestDeleteSpeaker, false)
	}

	return map[Phase]map[Utterance]rule{
		NotEnrolled: {
			UtteranceYes:    enroll,
			UtteranceNo:     func(t *turn) { t.end(m.msgs.EnrollDeclined) },
			UtteranceDelete: clarify,
			UtteranceOther:  clarify,
		},
		// No decline path: anything that is not a delete request means verify.
		Enrolled: {
			UtteranceYes:    verify,
			UtteranceNo:     verify,
			UtteranceDelete: askDelete,
			UtteranceOther:  verify,
		},
		AskedForDeletion: {
			UtteranceYes:    deleteSpeaker,
			UtteranceNo:     func(t *turn) { t.end(m.msgs.DeletionDeclined) },
			UtteranceDelete: clarify,
			UtteranceOther:  clarify,
		},
		EnrollmentInProgress: {
			UtteranceYes:    awaiting,
			UtteranceNo:     awaiting,
			UtteranceDelete: awaiting,
			UtteranceOther:  awaiting,
		},
		VerificationInProgress: {
			UtteranceYes:    awaiting,
			UtteranceNo:     awaiting,
			UtteranceDelete: awaiting,
			UtteranceOther:  awaiting,
		},
	}
}

func (m *Machine) onChannel(t *turn, in Input) {
	if !strings.EqualFold(valueString(in.Value), "telephony") {
		t.ignore(IgnoredNotTelephony)
		return
	}
	caller := stringField(in.ChannelData, "caller")
	if caller == "" {
		t.ignore(IgnoredMissingCaller)
		return
	}
	t.data.SpeakerID = caller
	t.request(RequestGetSpeakerStatus, false)
	t.say(m.msgs.Greeting)
}

func (m *Machine) onSpeakerStatus(t *turn, in Input) {
	enrolled, ok := boolField(in.Value, "enrolled")
	if !ok {
		t.ignore(IgnoredMalformedPayload)
		return
	}
	if enrolled {
		t.moveTo(Enrolled, "speaker_status")
		t.say(m.msgs.AskAction)
		return
	}
	t.moveTo(NotEnrolled, "speaker_status")
	t.say(m.msgs.AskEnrollConsent)
}

func (m *Machine) onProgress(t *turn, in Input) {
	more, ok := boolField(in.Value, "moreAudioRequired")
	if !ok {
		t.ignore(IgnoredMalformedPayload)
		return
	}
	if !more {
		// The completion event carries the outcome.
		t.ignore(IgnoredNoMoreAudio)
		return
	}
	t.say(t.passphrase(m.msgs.RepeatPassphrase))
}

func (m *Machine) onEnrollCompleted(t *turn, in Input) {
	success, ok := boolField(in.Value, "success")
	if !ok {
		t.ignore(IgnoredMalformedPayload)
		return
	}
	if success {
		t.say(m.msgs.EnrollSucceeded)
		t.end(m.msgs.EnrollHangup)
		return
	}
	t.end(m.msgs.EnrollFailed)
}

func (m *Machine) onVerifyCompleted(t *turn, in Input) {
	success, ok := boolField(in.Value, "success")
	if !ok {
		t.ignore(IgnoredMalformedPayload)
		return
	}
	if success {
		t.end(m.msgs.VerifySucceeded)
		return
	}
	t.end(m.msgs.VerifyRejected)
}

func (m *Machine) onActionResult(t *turn, in Input) {
	if t.data.Phase != DeletionInProgress {
		t.ignore(IgnoredWrongPhase)
		return
	}
	success, ok := boolField(in.Value, "success")
	if !ok {
		t.ignore(IgnoredMalformedPayload)
		return
	}
	if success {
		t.end(m.msgs.DeletionSucceeded)
		return
	}
	t.end(m.msgs.DeletionFailed)
}

// turn accumulates the effects of one Step.
type turn struct {
	m          *Machine
	data       ConversationData
	actions    []Action
	transition *Transition
	ignored    string
}

func (t *turn) say(text string) {
	t.actions = append(t.actions, Action{Kind: ActionMessage, Text: text})
}

// end emits the closing message and the termination marker, in that order.
func (t *turn) end(reason string) {
	t.say(reason)
	t.actions = append(t.actions, Action{Kind: ActionEndOfConversation})
}

func (t *turn) request(name string, withMode bool) {
	req := &Request{Name: name, Params: SessionParams{SpeakerID: t.data.SpeakerID}}
	if withMode {
		req.Params.Type = t.m.seq.Mode()
	}
	t.actions = append(t.actions, Action{Kind: ActionRequest, Request: req})
}

func (t *turn) moveTo(p Phase, reason string) {
	from := t.data.Phase
	t.data.Phase = p
	if from == p {
		return
	}
	t.transition = &Transition{From: from, To: p, Reason: reason}
}

// passphrase returns the prompt for the current cursor and moves the cursor
// on.
func (t *turn) passphrase(fallback string) string {
	text := t.m.seq.Next(t.data.PromptIndex, fallback)
	t.data.PromptIndex = t.m.seq.Advance(t.data.PromptIndex)
	return text
}

func (t *turn) ignore(reason string) {
	t.ignored = reason
}

func (t *turn) result() Result {
	return Result{
		Data:       t.data,
		Actions:    t.actions,
		Transition: t.transition,
		Ignored:    t.ignored,
	}
}
