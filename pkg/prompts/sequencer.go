package prompts

import (
	"fmt"
	"strings"
)

// Mode selects how passphrase prompts are chosen.
type Mode string

const (
	ModeTextIndependent Mode = "text-independent"
	ModeTextDependent   Mode = "text-dependent"
)

func (m Mode) String() string { return string(m) }

// ParseMode accepts the wire names plus a few loose spellings.
func ParseMode(v string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "text-independent", "text_independent", "independent":
		return ModeTextIndependent, nil
	case "text-dependent", "text_dependent", "dependent":
		return ModeTextDependent, nil
	default:
		return "", fmt.Errorf("unknown verification mode %q", v)
	}
}

// DefaultQuestionnaire collects long free-form audio in text-independent mode.
var DefaultQuestionnaire = []string{
	"Please describe yourself.",
	"Please tell me about your hobbies.",
	"Can you tell me about your work experience?",
	"Can you tell me about your education?",
	"Can you tell me about your family?",
	"In the battle of life and death, who do you think will win, Superman or Batman? Please explain.",
	"Can you tell me one good thing and one bad thing about yourself?",
	"What is your favorite movie and why?",
	"What kind of food do you like?",
}

// Sequencer picks the next passphrase prompt. It holds no cursor of its own;
// callers keep one per conversation and feed it back in.
type Sequencer struct {
	mode    Mode
	prompts []string
}

func NewSequencer(mode Mode, list []string) *Sequencer {
	if mode == "" {
		mode = ModeTextIndependent
	}
	cleaned := make([]string, 0, len(list))
	for _, p := range list {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) == 0 {
		cleaned = append(cleaned, DefaultQuestionnaire...)
	}
	return &Sequencer{mode: mode, prompts: cleaned}
}

func (s *Sequencer) Mode() Mode { return s.mode }

func (s *Sequencer) Len() int { return len(s.prompts) }

// Prompts returns a copy of the rotation.
func (s *Sequencer) Prompts() []string {
	return append([]string(nil), s.prompts...)
}

// Next returns the prompt at cursor, or fallback in text-dependent mode.
// Call it before Advance within a turn.
func (s *Sequencer) Next(cursor int, fallback string) string {
	if s.mode != ModeTextIndependent {
		return fallback
	}
	return s.prompts[s.wrap(cursor)]
}

// Advance returns the cursor for the following prompt.
func (s *Sequencer) Advance(cursor int) int {
	if s.mode != ModeTextIndependent {
		return cursor
	}
	return s.wrap(cursor + 1)
}

func (s *Sequencer) wrap(cursor int) int {
	n := len(s.prompts)
	cursor %= n
	if cursor < 0 {
		cursor += n
	}
	return cursor
}
