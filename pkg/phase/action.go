package phase

import "github.com/harunnryd/voiceprint/pkg/prompts"

type ActionKind int

const (
	// ActionMessage speaks Text to the caller.
	ActionMessage ActionKind = iota
	// ActionRequest sends Request to the verification engine.
	ActionRequest
	// ActionEndOfConversation closes the call. Always preceded by the
	// ActionMessage that explains why.
	ActionEndOfConversation
)

func (k ActionKind) String() string {
	switch k {
	case ActionMessage:
		return "message"
	case ActionRequest:
		return "request"
	case ActionEndOfConversation:
		return "end_of_conversation"
	default:
		return "unknown"
	}
}

// Outbound request names understood by the verification engine.
const (
	RequestGetSpeakerStatus = "speakerVerificationGetSpeakerStatus"
	RequestEnroll           = "speakerVerificationEnroll"
	RequestVerify           = "speakerVerificationVerify"
	RequestDeleteSpeaker    = "speakerVerificationDeleteSpeaker"
)

type Action struct {
	Kind    ActionKind
	Text    string
	Request *Request
}

// SessionParams is the payload of every engine request.
type SessionParams struct {
	SpeakerID string       `json:"speakerVerificationSpeakerId"`
	Type      prompts.Mode `json:"speakerVerificationType,omitempty"`
}

type Request struct {
	Name   string
	Params SessionParams
}

// ChannelData renders the request the way the channel expects it:
// {"sessionParams": {...}}.
func (r Request) ChannelData() map[string]any {
	params := map[string]any{
		"speakerVerificationSpeakerId": r.Params.SpeakerID,
	}
	if r.Params.Type != "" {
		params["speakerVerificationType"] = r.Params.Type.String()
	}
	return map[string]any{"sessionParams": params}
}

// Transition records a phase change made during a step.
type Transition struct {
	From   Phase
	To     Phase
	Reason string
}

// Result is the outcome of one step.
type Result struct {
	Data       ConversationData
	Actions    []Action
	Transition *Transition
	// Ignored explains why the input produced nothing; empty when handled.
	Ignored string
}

// Requests returns the engine requests in order.
func (r Result) Requests() []Request {
	var out []Request
	for _, a := range r.Actions {
		if a.Kind == ActionRequest && a.Request != nil {
			out = append(out, *a.Request)
		}
	}
	return out
}

// Ends reports whether the step closes the conversation.
func (r Result) Ends() bool {
	for _, a := range r.Actions {
		if a.Kind == ActionEndOfConversation {
			return true
		}
	}
	return false
}
