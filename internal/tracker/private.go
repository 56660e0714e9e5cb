// Package tracker provides independent bookkeeping over a session transcript:
// private narrator asides and their payoffs, tangent/issue detection, and
// token-cost accumulation.
//
// Trackers are owned by the single in-flight turn of a session; none of them
// require locking except [CostTracker], which is also fed from parallel player
// generations.
package tracker

import (
	"strings"
	"unicode"
)

// PrivateMoment records a narrator-initiated private aside to one player and
// whether a later narrator output paid it off.
type PrivateMoment struct {
	// Turn is the turn the aside was delivered on.
	Turn int `json:"turn"`

	// Target is the name of the player the aside was addressed to.
	Target string `json:"target"`

	// PromptText is the narrator text that originated the aside.
	PromptText string `json:"prompt_text"`

	// ResponseText is the targeted player's reaction, when one was generated.
	ResponseText string `json:"response_text,omitempty"`

	// PayoffDetected is monotonic: once true it never reverts.
	PayoffDetected bool `json:"payoff_detected"`

	// PayoffTurn is the turn of the narrator output that paid the moment off.
	PayoffTurn int `json:"payoff_turn,omitempty"`
}

// minKeywordLen filters out common short words from payoff matching.
const minKeywordLen = 5

// payoffStopwords are long-but-common words excluded from the distinctive
// keyword set. The heuristic is recall-oriented; false positives are tolerated.
var payoffStopwords = map[string]bool{
	"about": true, "after": true, "again": true, "before": true, "being": true,
	"could": true, "every": true, "might": true, "other": true, "should": true,
	"their": true, "there": true, "these": true, "thing": true, "things": true,
	"those": true, "through": true, "toward": true, "towards": true, "under": true,
	"where": true, "which": true, "while": true, "would": true, "yourself": true,
}

// PrivateTracker records private asides and detects payoffs via keyword
// overlap with later narrator output.
type PrivateTracker struct {
	// Moments is the append-only record, exported for checkpointing.
	Moments []PrivateMoment `json:"moments"`
}

// Record adds a new unresolved private moment.
func (t *PrivateTracker) Record(turn int, target, promptText, responseText string) {
	t.Moments = append(t.Moments, PrivateMoment{
		Turn:         turn,
		Target:       target,
		PromptText:   promptText,
		ResponseText: responseText,
	})
}

// Observe scans a narrator output for payoffs of pending moments. A moment is
// paid off when the output shares at least one distinctive keyword with the
// moment's original text. Once set, PayoffDetected never reverts.
func (t *PrivateTracker) Observe(turn int, narratorText string) {
	outputKeywords := keywords(narratorText)
	if len(outputKeywords) == 0 {
		return
	}

	for i := range t.Moments {
		m := &t.Moments[i]
		if m.PayoffDetected || m.Turn >= turn {
			continue
		}
		for kw := range keywords(m.PromptText) {
			if outputKeywords[kw] {
				m.PayoffDetected = true
				m.PayoffTurn = turn
				break
			}
		}
	}
}

// Unresolved returns the moments that never detected a payoff, for human
// review at session end.
func (t *PrivateTracker) Unresolved() []PrivateMoment {
	var out []PrivateMoment
	for _, m := range t.Moments {
		if !m.PayoffDetected {
			out = append(out, m)
		}
	}
	return out
}

// keywords extracts the distinctive keyword set from text: lowercased tokens
// of at least minKeywordLen letters, minus stopwords.
func keywords(text string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(tok) < minKeywordLen || payoffStopwords[tok] {
			continue
		}
		out[tok] = true
	}
	return out
}
