package phase

import "fmt"

// Phase is the dialogue state of one conversation.
type Phase int

const (
	NotEnrolled Phase = iota
	Enrolled
	EnrollmentInProgress
	VerificationInProgress
	AskedForDeletion
	DeletionInProgress
)

var phaseNames = map[Phase]string{
	NotEnrolled:            "not_enrolled",
	Enrolled:               "enrolled",
	EnrollmentInProgress:   "enrollment_in_progress",
	VerificationInProgress: "verification_in_progress",
	AskedForDeletion:       "asked_for_deletion",
	DeletionInProgress:     "deletion_in_progress",
}

// Phases lists every known phase in declaration order.
func Phases() []Phase {
	return []Phase{NotEnrolled, Enrolled, EnrollmentInProgress, VerificationInProgress, AskedForDeletion, DeletionInProgress}
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether p is one of the declared phases.
func (p Phase) Valid() bool {
	_, ok := phaseNames[p]
	return ok
}

func ParsePhase(v string) (Phase, error) {
	for p, name := range phaseNames {
		if name == v {
			return p, nil
		}
	}
	return NotEnrolled, fmt.Errorf("unknown phase %q", v)
}

func (p Phase) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("unknown phase %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	parsed, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ConversationData is the per-conversation record kept by the session store.
type ConversationData struct {
	Phase Phase `json:"phase"`
	// SpeakerID is the caller's biometric identity key. Set from the telephony
	// caller id and never cleared for the life of the conversation.
	SpeakerID string `json:"speaker_id,omitempty"`
	// PromptIndex is this conversation's position in the passphrase rotation.
	PromptIndex int `json:"prompt_index"`
}

func NewConversationData() ConversationData {
	return ConversationData{Phase: NotEnrolled}
}

func (d ConversationData) HasSpeaker() bool { return d.SpeakerID != "" }
