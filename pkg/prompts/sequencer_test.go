package prompts

import "testing"

func TestIndependentCyclesAllPromptsBeforeRepeating(t *testing.T) {
	s := NewSequencer(ModeTextIndependent, nil)
	if s.Len() != 9 {
		t.Fatalf("expected 9 default prompts, got %d", s.Len())
	}
	seen := map[string]bool{}
	cursor := 0
	for i := 0; i < s.Len(); i++ {
		p := s.Next(cursor, "fallback")
		if seen[p] {
			t.Fatalf("prompt %q repeated before full cycle", p)
		}
		seen[p] = true
		cursor = s.Advance(cursor)
	}
	if cursor != 0 {
		t.Fatalf("expected cursor back at 0 after 9 advances, got %d", cursor)
	}
	if got := s.Next(cursor, "fallback"); got != DefaultQuestionnaire[0] {
		t.Fatalf("expected rotation to restart, got %q", got)
	}
}

func TestAdvanceNineTimesFromAnyStart(t *testing.T) {
	s := NewSequencer(ModeTextIndependent, nil)
	for start := 0; start < s.Len(); start++ {
		cursor := start
		for i := 0; i < 9; i++ {
			cursor = s.Advance(cursor)
		}
		if cursor != start {
			t.Fatalf("start %d: expected %d, got %d", start, start, cursor)
		}
	}
}

func TestDependentReturnsFallbackAndKeepsCursor(t *testing.T) {
	s := NewSequencer(ModeTextDependent, nil)
	if got := s.Next(3, "Please say your passphrase"); got != "Please say your passphrase" {
		t.Fatalf("expected fallback, got %q", got)
	}
	if got := s.Advance(3); got != 3 {
		t.Fatalf("expected cursor unchanged, got %d", got)
	}
}

func TestNextWrapsOutOfRangeCursor(t *testing.T) {
	s := NewSequencer(ModeTextIndependent, []string{"a", "b", " ", "c"})
	if s.Len() != 3 {
		t.Fatalf("expected blank prompts dropped, got %d", s.Len())
	}
	cases := map[int]string{0: "a", 4: "b", -1: "c", 11: "c"}
	for cursor, want := range cases {
		if got := s.Next(cursor, ""); got != want {
			t.Fatalf("cursor %d: expected %q, got %q", cursor, want, got)
		}
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"text-independent", ModeTextIndependent, false},
		{"", ModeTextIndependent, false},
		{"TEXT-DEPENDENT", ModeTextDependent, false},
		{"dependent", ModeTextDependent, false},
		{"voice", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("%q: expected %s, got %s", tt.in, tt.want, got)
		}
	}
}
