package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/fablecrit/fablecrit/internal/invoke"
	"github.com/fablecrit/fablecrit/internal/story"
	"github.com/fablecrit/fablecrit/pkg/provider/llm"
)

// IssueKind categorizes a flagged narrative problem.
type IssueKind string

const (
	IssueContradiction IssueKind = "contradiction"
	IssueLoop          IssueKind = "loop"
	IssueForcedSegue   IssueKind = "forced-segue"
	IssueStuck         IssueKind = "stuck"
	IssueConfusion     IssueKind = "confusion"
)

// IsValid reports whether k is a recognised issue kind.
func (k IssueKind) IsValid() bool {
	switch k {
	case IssueContradiction, IssueLoop, IssueForcedSegue, IssueStuck, IssueConfusion:
		return true
	}
	return false
}

// Severity grades an issue.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue is one flagged narrative problem found in a transcript.
type Issue struct {
	Turn        int       `json:"turn"`
	Kind        IssueKind `json:"kind"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
}

// Detector defaults.
const (
	defaultLoopLookback    = 5
	defaultLoopThreshold   = 0.6
	defaultStuckTurns      = 4
	defaultSemanticStride  = 3
	shortTextTokens        = 8
	shortTextJaroThreshold = 0.93
)

// segueExprs match transition phrases that signal clumsy tangent recovery.
var segueExprs = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bbut that'?s a story for another time\b`),
	regexp.MustCompile(`(?i)\banyway,?\s+(back|returning) to\b`),
	regexp.MustCompile(`(?i)\bmeanwhile,?\s+back\b`),
	regexp.MustCompile(`(?i)^\s*suddenly\b`),
	regexp.MustCompile(`(?i)\blittle did (they|he|she|you) know\b`),
	regexp.MustCompile(`(?i)\bspeaking of which\b`),
}

// entityStateExpr captures "the <object> ... <state>" clauses for the
// deterministic contradiction pass.
var entityStateExpr = regexp.MustCompile(`(?i)\bthe\s+(door|gate|chest|hatch|trapdoor|window|vault)\b[^.!?]{0,60}?\b(open|opened|ajar|closed|shut|locked|unlocked|sealed)\b`)

// transitionExpr matches phrasings that legitimately change an entity's state
// within the same output. Bare state adjectives ("open", "locked") are not
// transitions; only agentive or key-related phrasings count.
var transitionExpr = regexp.MustCompile(`(?i)\b(unlock(s|ed|ing)?|pick(s|ed)? the lock|pr(y|ies|ied)|force(s|d)? (open|the)|break(s)? (open|down)|smash(es|ed)?|kick(s|ed)? (open|down)|the key|swings (open|shut)|slams? (shut|open|closed)|push(es)? (open|it open)|pull(s)? (open|it open))\b`)

// Detector runs read-only, idempotent whole-transcript analysis and flags
// loops, forced segues, stuck stretches, and contradictions.
//
// The semantic contradiction pass is LLM-assisted and degrades gracefully to
// the deterministic pass alone when no model chain is configured or every
// model call fails.
type Detector struct {
	// LoopLookback is the number of preceding narrator outputs compared for
	// near-duplicates. Zero means the default (5).
	LoopLookback int

	// LoopThreshold is the token-set Jaccard similarity above which two
	// narrator outputs count as a loop. Zero means the default (0.6).
	LoopThreshold float64

	// StuckTurns is the number of consecutive non-advancing narrator outputs
	// tolerated before a stuck issue is flagged. Zero means the default (4).
	StuckTurns int

	// Registry and Models configure the LLM-assisted contradiction pass. When
	// either is empty the pass is skipped.
	Registry *llm.Registry
	Models   []string

	// Invoke tunes retries for the semantic pass.
	Invoke invoke.Config

	// Cost, when non-nil, receives token usage from the semantic pass.
	Cost *CostTracker
}

// Analyze scans the conversation history and returns all flagged issues in
// turn order. It never mutates history and never returns an error: analysis
// problems only shrink the result.
func (d *Detector) Analyze(ctx context.Context, history []story.Message) []Issue {
	narrator := narratorMessages(history)

	var issues []Issue
	issues = append(issues, d.detectLoops(narrator)...)
	issues = append(issues, detectSegues(narrator)...)
	issues = append(issues, d.detectStuck(narrator)...)
	issues = append(issues, detectEntityContradictions(narrator)...)
	issues = append(issues, d.detectSemanticContradictions(ctx, narrator)...)
	return issues
}

// detectLoops flags near-duplicate narrator output within the lookback window
// via token-set Jaccard similarity, corroborated by Jaro-Winkler for short
// outputs where token sets are too small to be reliable.
func (d *Detector) detectLoops(narrator []story.Message) []Issue {
	lookback := d.LoopLookback
	if lookback <= 0 {
		lookback = defaultLoopLookback
	}
	threshold := d.LoopThreshold
	if threshold <= 0 {
		threshold = defaultLoopThreshold
	}

	var issues []Issue
	for i := 1; i < len(narrator); i++ {
		cur := tokenSet(narrator[i].Text)
		for j := max(0, i-lookback); j < i; j++ {
			prev := tokenSet(narrator[j].Text)
			sim := jaccard(cur, prev)
			if sim < threshold {
				continue
			}
			if len(cur) < shortTextTokens || len(prev) < shortTextTokens {
				if matchr.JaroWinkler(narrator[i].Text, narrator[j].Text, false) < shortTextJaroThreshold {
					continue
				}
			}
			issues = append(issues, Issue{
				Turn:        narrator[i].Turn,
				Kind:        IssueLoop,
				Description: fmt.Sprintf("narrator output repeats turn %d (similarity %.2f)", narrator[j].Turn, sim),
				Severity:    SeverityWarning,
			})
			break
		}
	}
	return issues
}

// detectSegues flags pattern-matched transition phrases.
func detectSegues(narrator []story.Message) []Issue {
	var issues []Issue
	for _, m := range narrator {
		for _, expr := range segueExprs {
			if loc := expr.FindString(m.Text); loc != "" {
				issues = append(issues, Issue{
					Turn:        m.Turn,
					Kind:        IssueForcedSegue,
					Description: fmt.Sprintf("forced transition phrase %q", strings.TrimSpace(loc)),
					Severity:    SeverityWarning,
				})
				break
			}
		}
	}
	return issues
}

// detectStuck flags stretches where no narrator output introduces a
// story-advancing beat (approximated as at least one previously unseen
// distinctive token) for more than StuckTurns consecutive turns.
func (d *Detector) detectStuck(narrator []story.Message) []Issue {
	limit := d.StuckTurns
	if limit <= 0 {
		limit = defaultStuckTurns
	}

	seen := make(map[string]bool)
	var issues []Issue
	streak := 0
	for _, m := range narrator {
		advanced := false
		for tok := range tokenSet(m.Text) {
			if len(tok) >= minKeywordLen && !seen[tok] {
				advanced = true
			}
			seen[tok] = true
		}
		if advanced {
			streak = 0
			continue
		}
		streak++
		if streak == limit+1 {
			issues = append(issues, Issue{
				Turn:        m.Turn,
				Kind:        IssueStuck,
				Description: fmt.Sprintf("no story-advancing beat for %d consecutive turns", streak),
				Severity:    SeverityWarning,
			})
		}
	}
	return issues
}

// detectEntityContradictions runs the deterministic pass: it tracks named
// entity states (door open/closed/locked and similar) across narrator outputs
// and flags state flips that happen without any transition verb in between.
func detectEntityContradictions(narrator []story.Message) []Issue {
	states := make(map[string]string)
	var issues []Issue
	for _, m := range narrator {
		hasTransition := transitionExpr.MatchString(m.Text)
		for _, match := range entityStateExpr.FindAllStringSubmatch(m.Text, -1) {
			entity := strings.ToLower(match[1])
			state := canonicalState(match[2])
			prev, known := states[entity]
			if known && prev != state && !hasTransition {
				issues = append(issues, Issue{
					Turn:        m.Turn,
					Kind:        IssueContradiction,
					Description: fmt.Sprintf("the %s was %s but is now %s with no transition", entity, prev, state),
					Severity:    SeverityError,
				})
			}
			states[entity] = state
		}
	}
	return issues
}

// canonicalState collapses surface forms to open/closed/locked.
func canonicalState(s string) string {
	switch strings.ToLower(s) {
	case "open", "opened", "ajar", "unlocked":
		return "open"
	case "closed", "shut":
		return "closed"
	case "locked", "sealed":
		return "locked"
	}
	return strings.ToLower(s)
}

// semanticSchema is the structured-output schema for the LLM contradiction pass.
var semanticSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"contradictions": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"turn":        map[string]any{"type": "integer"},
					"description": map[string]any{"type": "string"},
				},
				"required": []any{"turn", "description"},
			},
		},
	},
	"required": []any{"contradictions"},
}

// detectSemanticContradictions runs the LLM-assisted pass over a down-sampled
// transcript (every defaultSemanticStride-th narrator output). Any failure
// degrades silently to the deterministic pass alone.
func (d *Detector) detectSemanticContradictions(ctx context.Context, narrator []story.Message) []Issue {
	if d.Registry == nil || len(d.Models) == 0 || len(narrator) < defaultSemanticStride {
		return nil
	}

	var sb strings.Builder
	for i, m := range narrator {
		if i%defaultSemanticStride != 0 {
			continue
		}
		fmt.Fprintf(&sb, "[turn %d] %s\n", m.Turn, m.Text)
	}

	var used string
	resp, err := invoke.Do(ctx, d.Invoke, d.Models[0], "tangent-semantic",
		func(ctx context.Context, model string) (*llm.StructuredResponse, error) {
			backend, err := d.Registry.Resolve(model)
			if err != nil {
				return nil, err
			}
			used = model
			return backend.CompleteStructured(ctx, llm.StructuredRequest{
				SchemaName:   "contradictions",
				Schema:       semanticSchema,
				SystemPrompt: "You review interactive-fiction transcripts for internal contradictions: facts asserted and later denied, characters in two places, reversed events. Report only clear contradictions.",
				Prompt:       sb.String(),
			})
		},
		invoke.Chain(d.Models...),
	)
	if err != nil {
		slog.Debug("semantic contradiction pass degraded to deterministic only", "error", err)
		return nil
	}
	if d.Cost != nil {
		d.Cost.Add(CategoryClassification, used, resp.Usage)
	}

	var parsed struct {
		Contradictions []struct {
			Turn        int    `json:"turn"`
			Description string `json:"description"`
		} `json:"contradictions"`
	}
	if err := json.Unmarshal(resp.Raw, &parsed); err != nil {
		slog.Debug("semantic contradiction pass returned unusable JSON", "error", err)
		return nil
	}

	issues := make([]Issue, 0, len(parsed.Contradictions))
	for _, c := range parsed.Contradictions {
		issues = append(issues, Issue{
			Turn:        c.Turn,
			Kind:        IssueContradiction,
			Description: c.Description,
			Severity:    SeverityWarning,
		})
	}
	return issues
}

// narratorMessages filters history to narrator-role messages in order.
func narratorMessages(history []story.Message) []story.Message {
	var out []story.Message
	for _, m := range history {
		if m.Role == story.RoleNarrator {
			out = append(out, m)
		}
	}
	return out
}

// tokenSet splits text into a lowercase token set.
func tokenSet(text string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		out[tok] = true
	}
	return out
}

// jaccard computes token-set Jaccard similarity.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
