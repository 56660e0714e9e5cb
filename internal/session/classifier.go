package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fablecrit/fablecrit/internal/invoke"
	"github.com/fablecrit/fablecrit/internal/story"
	"github.com/fablecrit/fablecrit/internal/tracker"
	"github.com/fablecrit/fablecrit/pkg/provider/llm"
)

// classificationSchema is the fixed structured-output schema for routing
// decisions.
var classificationSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"is_ending": map[string]any{"type": "boolean"},
		"response_type": map[string]any{
			"type": "string",
			"enum": []any{"group", "discussion", "directed", "private", "none"},
		},
		"targets":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"confidence": map[string]any{"type": "number"},
		"rationale":  map[string]any{"type": "string"},
	},
	"required": []any{"is_ending", "response_type", "confidence"},
}

const classifierSystemPrompt = `You route narrator output in an interactive story to the right player response mode.
Modes:
- "discussion": the narrator posed a question needing group coordination (character or equipment creation, a branching-path choice, accept/reject, a point of no return).
- "directed": a question addressed to specific named players only. Name them in targets.
- "private": content addressed secretly to exactly one player. Name them in targets.
- "group": default free reaction to story events.
- "none": pure narration needing no reply, such as an epilogue.
Also decide is_ending: whether this output concludes the story.`

// Classifier decides routing and story-ending for each narrator output via a
// schema-validated structured call. It fails open: when the whole model chain
// is exhausted it returns the permissive default (group, not ending,
// confidence 0) so the story keeps moving rather than stalling.
type Classifier struct {
	// Registry resolves model identifiers to backends.
	Registry *llm.Registry

	// Models is the ordered candidate chain. Empty disables classification
	// entirely; every turn then gets the default.
	Models []string

	// Invoke tunes retries for the classification call.
	Invoke invoke.Config

	// Cost, when non-nil, receives token usage (classification category).
	Cost *tracker.CostTracker
}

// defaultClassification is the fail-open routing decision.
func defaultClassification() story.Classification {
	return story.Classification{ResponseType: story.RouteGroup}
}

// Classify returns the routing decision for narratorText. It never returns an
// error: any failure yields the fail-open default.
func (c *Classifier) Classify(ctx context.Context, narratorText string, playerNames []string) story.Classification {
	if c.Registry == nil || len(c.Models) == 0 {
		return defaultClassification()
	}

	prompt := fmt.Sprintf("Players in scope: %s.\n\nNarrator output:\n%s",
		strings.Join(playerNames, ", "), narratorText)

	var used string
	resp, err := invoke.Do(ctx, c.Invoke, c.Models[0], "classifier",
		func(ctx context.Context, model string) (*llm.StructuredResponse, error) {
			backend, err := c.Registry.Resolve(model)
			if err != nil {
				return nil, err
			}
			used = model
			return backend.CompleteStructured(ctx, llm.StructuredRequest{
				SchemaName:   "routing_decision",
				Schema:       classificationSchema,
				SystemPrompt: classifierSystemPrompt,
				Prompt:       prompt,
			})
		},
		invoke.Chain(c.Models...),
	)
	if err != nil {
		slog.Warn("classification failed open to group routing", "error", err)
		return defaultClassification()
	}
	if c.Cost != nil {
		c.Cost.Add(tracker.CategoryClassification, used, resp.Usage)
	}

	var parsed struct {
		IsEnding     bool     `json:"is_ending"`
		ResponseType string   `json:"response_type"`
		Targets      []string `json:"targets"`
		Confidence   float64  `json:"confidence"`
		Rationale    string   `json:"rationale"`
	}
	if err := json.Unmarshal(resp.Raw, &parsed); err != nil {
		slog.Warn("classification returned unusable JSON, failing open", "error", err)
		return defaultClassification()
	}

	return normalize(parsed.IsEnding, story.RoutingPolicy(parsed.ResponseType),
		parsed.Targets, parsed.Confidence, parsed.Rationale, playerNames)
}

// normalize coerces a raw model decision into a valid Classification: unknown
// policies become group, targets are matched case-insensitively against the
// known player names, directed routing without a single valid target degrades
// to group, and private routing keeps at most one target (a missing one is
// resolved later by the turn executor's textual heuristic).
func normalize(isEnding bool, policy story.RoutingPolicy, rawTargets []string, confidence float64, rationale string, playerNames []string) story.Classification {
	if !policy.IsValid() {
		policy = story.RouteGroup
	}

	var targets []string
	for _, raw := range rawTargets {
		for _, name := range playerNames {
			if strings.EqualFold(strings.TrimSpace(raw), name) {
				targets = append(targets, name)
				break
			}
		}
	}

	switch policy {
	case story.RouteDirected:
		if len(targets) == 0 {
			policy = story.RouteGroup
		}
	case story.RoutePrivate:
		if len(targets) > 1 {
			targets = targets[:1]
		}
	default:
		targets = nil
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return story.Classification{
		IsEnding:     isEnding,
		ResponseType: policy,
		Targets:      targets,
		Confidence:   confidence,
		Rationale:    rationale,
	}
}
