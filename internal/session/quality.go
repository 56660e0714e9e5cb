package session

import (
	"strconv"
	"strings"
	"unicode"
)

// maxQualityRetries bounds narrator regenerations after a gate rejection.
// When the budget is spent the last attempt is accepted regardless.
const maxQualityRetries = 2

// GateResult is the outcome of one quality check.
type GateResult struct {
	OK     bool
	Reason string
}

// QualityGate screens narrator output before it is accepted into the
// transcript. Implementations must be stateless and safe for concurrent use.
type QualityGate interface {
	Check(text string) GateResult
}

// boilerplatePhrases are assistant-persona leaks and template residue that
// should never appear in story prose.
var boilerplatePhrases = []string{
	"as an ai",
	"as a language model",
	"i cannot assist",
	"i can't assist",
	"i'm sorry, but i can",
	"i am unable to",
	"[insert",
	"your response here",
	"lorem ipsum",
}

// patternGate is the default QualityGate: cheap lexical checks for empty,
// degenerate, or boilerplate output.
type patternGate struct{}

var _ QualityGate = patternGate{}

// NewQualityGate returns the default pattern-based gate.
func NewQualityGate() QualityGate {
	return patternGate{}
}

// Check implements [QualityGate].
func (patternGate) Check(text string) GateResult {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return GateResult{Reason: "empty output"}
	}

	lower := strings.ToLower(trimmed)
	for _, phrase := range boilerplatePhrases {
		if strings.Contains(lower, phrase) {
			return GateResult{Reason: "boilerplate phrase " + strconv.Quote(phrase)}
		}
	}

	tokens := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(tokens) == 0 {
		return GateResult{Reason: "no words"}
	}
	if len(tokens) >= 12 {
		unique := make(map[string]bool, len(tokens))
		for _, tok := range tokens {
			unique[tok] = true
		}
		if ratio := float64(len(unique)) / float64(len(tokens)); ratio < 0.3 {
			return GateResult{Reason: "degenerate repetition"}
		}
	}

	return GateResult{OK: true}
}
