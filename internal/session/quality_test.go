package session_test

import (
	"strings"
	"testing"

	"github.com/fablecrit/fablecrit/internal/session"
)

func TestQualityGate(t *testing.T) {
	t.Parallel()

	gate := session.NewQualityGate()

	tests := []struct {
		name string
		text string
		ok   bool
	}{
		{"normal prose", "The lighthouse door groans open, spilling salt air into the stairwell.", true},
		{"empty", "", false},
		{"whitespace only", "   \n\t  ", false},
		{"punctuation only", "... !!! ---", false},
		{"assistant leak", "I'm sorry, but as an AI I cannot continue this story.", false},
		{"template residue", "The keeper says [insert dramatic revelation here].", false},
		{"degenerate repetition", strings.Repeat("the sea the sea ", 20), false},
		{"short but fine", "Silence.", true},
		{"repetition below token floor", "no no no", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := gate.Check(tt.text)
			if got.OK != tt.ok {
				t.Errorf("Check(%q).OK = %v (reason %q), want %v", tt.text, got.OK, got.Reason, tt.ok)
			}
			if !got.OK && got.Reason == "" {
				t.Error("rejection carries no reason")
			}
		})
	}
}
