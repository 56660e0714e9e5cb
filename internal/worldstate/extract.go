// Package worldstate performs best-effort structured extraction of story
// state (location, inventory deltas, named NPCs, narrative flags) from
// narrator output. Extraction is advisory: any failure leaves the state
// unchanged and is never surfaced as an error.
package worldstate

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"

	"github.com/fablecrit/fablecrit/internal/invoke"
	"github.com/fablecrit/fablecrit/internal/story"
	"github.com/fablecrit/fablecrit/internal/tracker"
	"github.com/fablecrit/fablecrit/pkg/provider/llm"
)

// extractSchema is the structured-output schema for state extraction.
var extractSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"location":          map[string]any{"type": "string"},
		"inventory_added":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"inventory_removed": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"npcs":              map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"flags":             map[string]any{"type": "object"},
	},
	"required": []any{},
}

const extractSystemPrompt = "Extract game state from the narrator text. Report the current location if stated, items gained or lost by the party, named non-player characters present, and story flags as key/value pairs. Omit anything not in the text."

// Extractor runs the extraction call through the invocation layer.
type Extractor struct {
	// Registry resolves model identifiers to backends.
	Registry *llm.Registry

	// Models is the ordered candidate chain. Empty disables extraction.
	Models []string

	// Invoke tunes retries for the extraction call.
	Invoke invoke.Config

	// Cost, when non-nil, receives token usage (narrator category).
	Cost *tracker.CostTracker
}

// Extract returns current updated with whatever state the model could pull
// out of narratorText. On any failure the input state is returned unchanged.
func (e *Extractor) Extract(ctx context.Context, current story.WorldState, narratorText string) story.WorldState {
	if e.Registry == nil || len(e.Models) == 0 {
		return current
	}

	var used string
	resp, err := invoke.Do(ctx, e.Invoke, e.Models[0], "world-state",
		func(ctx context.Context, model string) (*llm.StructuredResponse, error) {
			backend, err := e.Registry.Resolve(model)
			if err != nil {
				return nil, err
			}
			used = model
			return backend.CompleteStructured(ctx, llm.StructuredRequest{
				SchemaName:   "world_state",
				Schema:       extractSchema,
				SystemPrompt: extractSystemPrompt,
				Prompt:       narratorText,
			})
		},
		invoke.Chain(e.Models...),
	)
	if err != nil {
		slog.Debug("world-state extraction skipped", "error", err)
		return current
	}
	if e.Cost != nil {
		e.Cost.Add(tracker.CategoryNarrator, used, resp.Usage)
	}

	var delta struct {
		Location         string            `json:"location"`
		InventoryAdded   []string          `json:"inventory_added"`
		InventoryRemoved []string          `json:"inventory_removed"`
		NPCs             []string          `json:"npcs"`
		Flags            map[string]string `json:"flags"`
	}
	if err := json.Unmarshal(resp.Raw, &delta); err != nil {
		slog.Debug("world-state extraction returned unusable JSON", "error", err)
		return current
	}

	return apply(current, delta.Location, delta.InventoryAdded, delta.InventoryRemoved, delta.NPCs, delta.Flags)
}

// apply merges an extraction delta into the current state.
func apply(current story.WorldState, location string, added, removed, npcs []string, flags map[string]string) story.WorldState {
	next := current
	next.Inventory = append([]string(nil), current.Inventory...)
	next.NPCs = append([]string(nil), current.NPCs...)

	if location != "" {
		next.Location = location
	}
	for _, item := range added {
		if item != "" && !slices.Contains(next.Inventory, item) {
			next.Inventory = append(next.Inventory, item)
		}
	}
	for _, item := range removed {
		if i := slices.Index(next.Inventory, item); i >= 0 {
			next.Inventory = slices.Delete(next.Inventory, i, i+1)
		}
	}
	for _, npc := range npcs {
		if npc != "" && !slices.Contains(next.NPCs, npc) {
			next.NPCs = append(next.NPCs, npc)
		}
	}
	if len(flags) > 0 {
		next.Flags = make(map[string]string, len(current.Flags)+len(flags))
		for k, v := range current.Flags {
			next.Flags[k] = v
		}
		for k, v := range flags {
			next.Flags[k] = v
		}
	}
	return next
}
