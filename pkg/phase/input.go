package phase

import "strings"

type InputKind int

const (
	InputEvent InputKind = iota
	InputMessage
)

// Input is one inbound activity: a structured event or a caller utterance.
type Input struct {
	Kind        InputKind
	Name        string
	Value       any
	ChannelData map[string]any
	Text        string
}

func EventInput(name string, value any, channelData map[string]any) Input {
	return Input{Kind: InputEvent, Name: name, Value: value, ChannelData: channelData}
}

func MessageInput(text string) Input {
	return Input{Kind: InputMessage, Text: text}
}

// EventName is the closed set of inbound events the machine reacts to.
type EventName int

const (
	EventUnknown EventName = iota
	EventChannel
	EventSpeakerStatus
	EventEnrollProgress
	EventVerifyProgress
	EventEnrollCompleted
	EventVerifyCompleted
	EventActionResult
)

// Inbound event names as sent by the channel and the verification engine.
const (
	NameChannel         = "channel"
	NameSpeakerStatus   = "speakerVerificationSpeakerStatus"
	NameEnrollProgress  = "speakerVerificationEnrollProgress"
	NameVerifyProgress  = "speakerVerificationVerifyProgress"
	NameEnrollCompleted = "speakerVerificationEnrollCompleted"
	NameVerifyCompleted = "speakerVerificationVerifyCompleted"
	NameActionResult    = "speakerVerificationActionResult"
)

var eventNames = map[string]EventName{
	strings.ToLower(NameChannel):         EventChannel,
	strings.ToLower(NameSpeakerStatus):   EventSpeakerStatus,
	strings.ToLower(NameEnrollProgress):  EventEnrollProgress,
	strings.ToLower(NameVerifyProgress):  EventVerifyProgress,
	strings.ToLower(NameEnrollCompleted): EventEnrollCompleted,
	strings.ToLower(NameVerifyCompleted): EventVerifyCompleted,
	strings.ToLower(NameActionResult):    EventActionResult,
}

// ParseEventName matches case-insensitively.
func ParseEventName(name string) EventName {
	if ev, ok := eventNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return ev
	}
	return EventUnknown
}

func (e EventName) String() string {
	switch e {
	case EventChannel:
		return NameChannel
	case EventSpeakerStatus:
		return NameSpeakerStatus
	case EventEnrollProgress:
		return NameEnrollProgress
	case EventVerifyProgress:
		return NameVerifyProgress
	case EventEnrollCompleted:
		return NameEnrollCompleted
	case EventVerifyCompleted:
		return NameVerifyCompleted
	case EventActionResult:
		return NameActionResult
	default:
		return "unknown"
	}
}

// Utterance is the category of a caller utterance.
type Utterance int

const (
	UtteranceOther Utterance = iota
	UtteranceYes
	UtteranceNo
	UtteranceDelete
)

func (u Utterance) String() string {
	switch u {
	case UtteranceYes:
		return "yes"
	case UtteranceNo:
		return "no"
	case UtteranceDelete:
		return "delete"
	default:
		return "other"
	}
}

// Vocabulary holds the tokens used to classify utterances. Yes and No match
// exactly; DeleteKeyword matches as a case-insensitive substring.
type Vocabulary struct {
	Yes           string `mapstructure:"yes"`
	No            string `mapstructure:"no"`
	DeleteKeyword string `mapstructure:"delete_keyword"`
}

func DefaultVocabulary() Vocabulary {
	return Vocabulary{Yes: "Yes.", No: "No.", DeleteKeyword: "delete"}
}

func (v Vocabulary) withDefaults() Vocabulary {
	d := DefaultVocabulary()
	if v.Yes == "" {
		v.Yes = d.Yes
	}
	if v.No == "" {
		v.No = d.No
	}
	if v.DeleteKeyword == "" {
		v.DeleteKeyword = d.DeleteKeyword
	}
	return v
}

// Classify sorts text into a category. Exact tokens win over the keyword.
func (v Vocabulary) Classify(text string) Utterance {
	switch {
	case text == v.Yes:
		return UtteranceYes
	case text == v.No:
		return UtteranceNo
	case v.DeleteKeyword != "" && strings.Contains(strings.ToLower(text), strings.ToLower(v.DeleteKeyword)):
		return UtteranceDelete
	default:
		return UtteranceOther
	}
}
