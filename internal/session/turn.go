package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fablecrit/fablecrit/internal/checkpoint"
	"github.com/fablecrit/fablecrit/internal/invoke"
	"github.com/fablecrit/fablecrit/internal/observe"
	"github.com/fablecrit/fablecrit/internal/story"
	"github.com/fablecrit/fablecrit/internal/tracker"
	"github.com/fablecrit/fablecrit/pkg/provider/llm"
)

// executeTurn runs one full exchange: narrator generation, classification,
// world-state extraction, policy routing, transcript analysis, and the turn's
// checkpoint. It reports whether the story ended this turn.
func (r *Runner) executeTurn(ctx context.Context, st *state, turn int) (bool, error) {
	ctx, span := observe.StartSpan(ctx, "session.turn")
	defer span.End()
	start := r.clock()

	resp, err := r.generateNarrator(ctx, st)
	if err != nil {
		return false, fmt.Errorf("session: turn %d narrator: %w", turn, err)
	}

	cls := r.classifier(st).Classify(ctx, resp.Text, st.playerNames())

	st.history = append(st.history, story.Message{
		Role:         story.RoleNarrator,
		Text:         resp.Text,
		Turn:         turn,
		Timestamp:    r.clock(),
		RoutingLabel: cls.ResponseType,
		Reasoning:    resp.Reasoning,
	})

	st.world = r.extractor(st).Extract(ctx, st.world, resp.Text)
	st.private.Observe(turn, resp.Text)

	if err := r.route(ctx, st, turn, resp.Text, cls); err != nil {
		return false, fmt.Errorf("session: turn %d routing: %w", turn, err)
	}

	st.issues = r.detector(st).Analyze(ctx, st.history)

	r.writeCheckpoint(ctx, st, turn)

	r.metrics.RecordTurn(ctx, string(cls.ResponseType), r.clock().Sub(start).Seconds())
	observe.Logger(ctx).Info("turn complete",
		"session", st.id,
		"turn", turn,
		"policy", cls.ResponseType,
		"is_ending", cls.IsEnding,
		"confidence", cls.Confidence,
	)

	return cls.IsEnding, nil
}

// generateNarrator produces the turn's narrator output against the
// narrator-visible history, quality-gated with bounded regeneration. After
// maxQualityRetries rejections the last attempt is accepted regardless.
func (r *Runner) generateNarrator(ctx context.Context, st *state) (*llm.CompletionResponse, error) {
	msgs := narratorHistory(st.history)
	if len(msgs) == 0 {
		msgs = []llm.Message{{Role: "user", Content: openingPrompt(st.cfg.StoryRef, st.playerNames())}}
	}

	var last *llm.CompletionResponse
	for attempt := 0; attempt <= maxQualityRetries; attempt++ {
		callStart := time.Now()
		var used string
		resp, err := invoke.Do(ctx, r.invoke, st.cfg.NarratorModel, "narrator",
			func(ctx context.Context, model string) (*llm.CompletionResponse, error) {
				backend, err := r.registry.Resolve(model)
				if err != nil {
					return nil, err
				}
				used = model
				return backend.Complete(ctx, llm.CompletionRequest{
					SystemPrompt: st.cfg.SystemPrompt,
					Messages:     msgs,
					Sampling: llm.SamplingParams{
						Temperature: st.cfg.Sampling.Temperature,
						TopP:        st.cfg.Sampling.TopP,
						MaxTokens:   st.cfg.Sampling.MaxTokens,
					},
				})
			},
			invoke.Chain(append([]string{st.cfg.NarratorModel}, st.cfg.FallbackModels...)...),
		)
		r.metrics.RecordModelCall(ctx, "narrator", used, time.Since(callStart).Seconds(), err == nil)
		if err != nil {
			return nil, err
		}
		st.cost.Add(tracker.CategoryNarrator, used, resp.Usage)
		r.metrics.RecordTokens(ctx, string(tracker.CategoryNarrator), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

		if gate := r.gate.Check(resp.Text); !gate.OK {
			slog.Warn("narrator output rejected by quality gate",
				"session", st.id, "attempt", attempt+1, "reason", gate.Reason)
			last = resp
			continue
		}
		return resp, nil
	}

	slog.Warn("quality retries exhausted, accepting last narrator output", "session", st.id)
	return last, nil
}

// route dispatches the narrator output per the classified policy and appends
// the turn's counterpart messages to the transcript. The policy set is closed;
// the switch is exhaustive.
func (r *Runner) route(ctx context.Context, st *state, turn int, narratorText string, cls story.Classification) error {
	switch cls.ResponseType {
	case story.RouteGroup:
		return r.routeGroup(ctx, st, turn, narratorText)
	case story.RouteDiscussion:
		msgs, err := r.discussion(st).Round(ctx, narratorText, turn, st.players, st.spokespersonAgent())
		st.history = append(st.history, msgs...)
		return err
	case story.RouteDirected:
		return r.routeDirected(ctx, st, turn, narratorText, cls.Targets)
	case story.RoutePrivate:
		return r.routePrivate(ctx, st, turn, narratorText, cls.Targets)
	case story.RouteNone:
		return nil
	}
	return fmt.Errorf("unknown routing policy %q", cls.ResponseType)
}

// routeGroup has every player react to the narrator independently and in
// parallel, with no cross-visibility, then synthesizes one spokesperson relay.
// A single player's failure is isolated; losing every reaction, or the
// synthesis, fails the turn.
func (r *Runner) routeGroup(ctx context.Context, st *state, turn int, narratorText string) error {
	disc := r.discussion(st)
	reactions := make([]*llm.CompletionResponse, len(st.players))

	g, gctx := errgroup.WithContext(ctx)
	for i := range st.players {
		g.Go(func() error {
			resp, err := disc.complete(gctx, st.players[i], "player", []llm.Message{
				{Role: "user", Content: narratorText},
			})
			if err != nil {
				slog.Warn("player reaction skipped", "player", st.players[i].Name, "turn", turn, "error", err)
				return nil
			}
			reactions[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var round []story.Message
	for i, resp := range reactions {
		if resp == nil {
			continue
		}
		round = append(round, story.Message{
			Role:       story.RolePlayer,
			PlayerName: st.players[i].Name,
			Text:       resp.Text,
			Turn:       turn,
			Timestamp:  r.clock(),
			Reasoning:  resp.Reasoning,
		})
	}
	if len(round) == 0 {
		return errors.New("every player reaction failed")
	}
	st.history = append(st.history, round...)

	sp := st.spokespersonAgent()
	resp, err := disc.complete(ctx, *sp, "synthesis", []llm.Message{
		{Role: "user", Content: synthesisPrompt(narratorText, round)},
	})
	if err != nil {
		return fmt.Errorf("spokesperson synthesis: %w", err)
	}
	st.history = append(st.history, story.Message{
		Role:       story.RoleSpokesperson,
		PlayerName: sp.Name,
		Text:       resp.Text,
		Turn:       turn,
		Timestamp:  r.clock(),
		Reasoning:  resp.Reasoning,
	})
	return nil
}

// routeDirected has only the named targets react, one message each, appended
// directly with no synthesis. Targets arrive pre-validated from the
// classifier; an empty list degrades to group routing.
func (r *Runner) routeDirected(ctx context.Context, st *state, turn int, narratorText string, targets []string) error {
	if len(targets) == 0 {
		return r.routeGroup(ctx, st, turn, narratorText)
	}

	disc := r.discussion(st)
	answered := 0
	for _, name := range targets {
		p := st.agent(name)
		if p == nil {
			continue
		}
		resp, err := disc.complete(ctx, *p, "directed", []llm.Message{
			{Role: "user", Content: narratorText},
		})
		if err != nil {
			slog.Warn("directed reaction skipped", "player", name, "turn", turn, "error", err)
			continue
		}
		st.history = append(st.history, story.Message{
			Role:       story.RolePlayer,
			PlayerName: p.Name,
			Text:       resp.Text,
			Turn:       turn,
			Timestamp:  r.clock(),
			Reasoning:  resp.Reasoning,
		})
		answered++
	}
	if answered == 0 {
		return errors.New("every directed reaction failed")
	}
	return nil
}

// routePrivate delivers the narrator output secretly to exactly one player.
// The aside is recorded whether or not the target manages a reaction; no
// spokesperson message is produced for the turn.
func (r *Runner) routePrivate(ctx context.Context, st *state, turn int, narratorText string, targets []string) error {
	name := ""
	if len(targets) > 0 {
		name = targets[0]
	} else {
		name = privateTarget(narratorText, st.playerNames())
	}
	p := st.agent(name)
	if p == nil {
		p = &st.players[0]
	}

	resp, err := r.discussion(st).complete(ctx, *p, "private", []llm.Message{
		{Role: "user", Content: privateNote(narratorText)},
	})
	if err != nil {
		slog.Warn("private reaction skipped", "player", p.Name, "turn", turn, "error", err)
		st.private.Record(turn, p.Name, narratorText, "")
		return nil
	}

	st.private.Record(turn, p.Name, narratorText, resp.Text)
	st.history = append(st.history, story.Message{
		Role:       story.RolePlayer,
		PlayerName: p.Name,
		Text:       resp.Text,
		Turn:       turn,
		Timestamp:  r.clock(),
		Reasoning:  resp.Reasoning,
	})
	return nil
}

// secrecyCues flag the stretch of narrator text that addresses one player
// privately. Used only when the classifier named no target.
var secrecyCues = []string{
	"whisper", "privately", "only you", "aside to", "leans close",
	"quietly to", "slips a note", "so the others cannot hear",
}

// privateTarget resolves the recipient of an untargeted private aside from the
// narrator's own text: the first player named after a secrecy cue, else the
// first player named at all, else the first player in group order.
func privateTarget(text string, names []string) string {
	lower := strings.ToLower(text)

	cueAt := -1
	for _, cue := range secrecyCues {
		if i := strings.Index(lower, cue); i >= 0 && (cueAt < 0 || i < cueAt) {
			cueAt = i
		}
	}
	if cueAt >= 0 {
		best := ""
		bestAt := len(lower) + 1
		for _, name := range names {
			if i := strings.Index(lower[cueAt:], strings.ToLower(name)); i >= 0 && i < bestAt {
				best, bestAt = name, i
			}
		}
		if best != "" {
			return best
		}
	}

	for _, name := range names {
		if strings.Contains(lower, strings.ToLower(name)) {
			return name
		}
	}
	return names[0]
}

// writeCheckpoint snapshots the session after a completed turn. A storage
// failure is logged and counted but does not abort the session; the transcript
// in memory remains authoritative.
func (r *Runner) writeCheckpoint(ctx context.Context, st *state, turn int) {
	cp := &checkpoint.Checkpoint{
		SchemaVersion:  checkpoint.SchemaVersion,
		SessionID:      st.id,
		Turn:           turn,
		Config:         st.cfg,
		History:        append([]story.Message(nil), st.history...),
		Players:        append([]story.PlayerAgent(nil), st.players...),
		Spokesperson:   st.spokesperson,
		WorldState:     st.world,
		Issues:         append([]tracker.Issue(nil), st.issues...),
		PrivateMoments: append([]tracker.PrivateMoment(nil), st.private.Moments...),
		Lineage:        st.lineage,
	}

	loc, err := r.store.Write(ctx, cp)
	r.metrics.RecordCheckpointWrite(ctx, err == nil)
	if err != nil {
		slog.Error("checkpoint write failed", "session", st.id, "turn", turn, "error", err)
		return
	}
	slog.Debug("checkpoint written", "session", st.id, "turn", turn, "location", loc)
}
