package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fablecrit/fablecrit/internal/invoke"
	"github.com/fablecrit/fablecrit/internal/story"
	"github.com/fablecrit/fablecrit/internal/tracker"
	"github.com/fablecrit/fablecrit/pkg/provider/llm"
)

// Discussion runs a sequential deliberation round: each player speaks in group
// order and sees every earlier speaker's message in the same round. This
// deliberately contrasts with group routing, where players react to the
// narrator independently and in parallel.
//
// The same machinery serves both in-story discussions (with a closing
// spokesperson synthesis) and turn-0 pre-game banter (without one).
type Discussion struct {
	// Registry resolves model identifiers to backends.
	Registry *llm.Registry

	// Fallbacks is the model chain tried after each player's own model.
	Fallbacks []string

	// Invoke tunes retries per generative call.
	Invoke invoke.Config

	// Cost, when non-nil, receives token usage (players category).
	Cost *tracker.CostTracker

	// Clock stamps produced messages. Nil means time.Now.
	Clock func() time.Time
}

func (d *Discussion) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

// Round produces one message per player, in order, each generated with the
// prompt plus all earlier speakers' messages visible. When synthesizeAs is
// non-nil a final spokesperson relay over the whole round is appended.
//
// A single player's failure is isolated: the round continues without their
// message. A synthesis failure is not: without a relay the narrator has
// nothing to react to, so the error propagates alongside the partial round.
func (d *Discussion) Round(ctx context.Context, prompt string, turn int, players []story.PlayerAgent, synthesizeAs *story.PlayerAgent) ([]story.Message, error) {
	var round []story.Message

	for _, p := range players {
		msgs := make([]llm.Message, 0, len(round)+1)
		msgs = append(msgs, llm.Message{Role: "user", Content: prompt})
		for _, m := range round {
			msgs = append(msgs, llm.Message{
				Role:    "user",
				Content: fmt.Sprintf("%s says: %s", m.PlayerName, m.Text),
				Name:    m.PlayerName,
			})
		}

		resp, err := d.complete(ctx, p, "discussion", msgs)
		if err != nil {
			slog.Warn("player skipped in discussion round", "player", p.Name, "turn", turn, "error", err)
			continue
		}
		round = append(round, story.Message{
			Role:       story.RolePlayer,
			PlayerName: p.Name,
			Text:       resp.Text,
			Turn:       turn,
			Timestamp:  d.now(),
			Reasoning:  resp.Reasoning,
		})
	}

	if synthesizeAs == nil {
		return round, nil
	}

	resp, err := d.complete(ctx, *synthesizeAs, "synthesis", []llm.Message{
		{Role: "user", Content: synthesisPrompt(prompt, round)},
	})
	if err != nil {
		return round, fmt.Errorf("session: spokesperson synthesis: %w", err)
	}
	return append(round, story.Message{
		Role:       story.RoleSpokesperson,
		PlayerName: synthesizeAs.Name,
		Text:       resp.Text,
		Turn:       turn,
		Timestamp:  d.now(),
		Reasoning:  resp.Reasoning,
	}), nil
}

// complete runs one player-attributed generative call through the invocation
// layer, using the player's own model first and the shared fallbacks after.
func (d *Discussion) complete(ctx context.Context, p story.PlayerAgent, label string, msgs []llm.Message) (*llm.CompletionResponse, error) {
	chain := append([]string{p.Model}, d.Fallbacks...)

	var used string
	resp, err := invoke.Do(ctx, d.Invoke, p.Model, label,
		func(ctx context.Context, model string) (*llm.CompletionResponse, error) {
			backend, err := d.Registry.Resolve(model)
			if err != nil {
				return nil, err
			}
			used = model
			return backend.Complete(ctx, llm.CompletionRequest{
				SystemPrompt: p.SystemPrompt,
				Messages:     msgs,
			})
		},
		invoke.Chain(chain...),
	)
	if err != nil {
		return nil, err
	}
	if d.Cost != nil {
		d.Cost.Add(tracker.CategoryPlayers, used, resp.Usage)
	}
	return resp, nil
}
