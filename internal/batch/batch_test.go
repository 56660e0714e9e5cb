package batch_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fablecrit/fablecrit/internal/batch"
	"github.com/fablecrit/fablecrit/internal/checkpoint"
	"github.com/fablecrit/fablecrit/internal/invoke"
	"github.com/fablecrit/fablecrit/internal/session"
	"github.com/fablecrit/fablecrit/internal/story"
	"github.com/fablecrit/fablecrit/pkg/provider/llm"
	llmmock "github.com/fablecrit/fablecrit/pkg/provider/llm/mock"
)

func jobConfig(narratorModel string) story.SessionConfig {
	return story.SessionConfig{
		StoryRef:      "the-sunken-lighthouse",
		SystemPrompt:  "You narrate a maritime mystery.",
		NarratorModel: narratorModel,
		MaxTurns:      1,
		Group: story.GroupConfig{
			Players: []story.PlayerAgent{
				{Archetype: "cautious-planner", Name: "Mira", Model: "player", SystemPrompt: "You are Mira."},
				{Archetype: "impulsive-hero", Name: "Sam", Model: "player", SystemPrompt: "You are Sam."},
			},
			Spokesperson: "Mira",
		},
	}
}

func TestRun_AggregatesMixedOutcomes(t *testing.T) {
	t.Parallel()

	reg := llm.NewRegistry()
	reg.Register("narrator", &llmmock.Backend{
		CompleteResponse: &llm.CompletionResponse{Text: "Waves slap the pier under a bruised sky."},
	})
	reg.Register("broken-narrator", &llmmock.Backend{CompleteErr: errors.New("down")})
	reg.Register("player", &llmmock.Backend{
		CompleteResponse: &llm.CompletionResponse{Text: "We press on."},
	})

	runner := session.NewRunner(reg, checkpoint.NewMemStore(),
		session.WithInvokeConfig(invoke.Config{
			RetryBudget: 1,
			Sleep:       func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		}),
	)

	jobs := []batch.Job{
		{Name: "baseline-a", Config: jobConfig("narrator")},
		{Name: "baseline-b", Config: jobConfig("narrator")},
		{Name: "dead-model", Config: jobConfig("broken-narrator")},
	}

	summary := batch.Run(context.Background(), runner, jobs, 2)

	if len(summary.Items) != 3 {
		t.Fatalf("got %d items, want 3", len(summary.Items))
	}
	for i, item := range summary.Items {
		if item.Name != jobs[i].Name {
			t.Errorf("item %d name = %q, want %q (job order preserved)", i, item.Name, jobs[i].Name)
		}
		if item.Result == nil {
			t.Fatalf("item %d has no result", i)
		}
	}
	if summary.Outcomes[story.OutcomeTimeout] != 2 {
		t.Errorf("timeouts = %d, want 2", summary.Outcomes[story.OutcomeTimeout])
	}
	if summary.Outcomes[story.OutcomeFailed] != 1 {
		t.Errorf("failures = %d, want 1", summary.Outcomes[story.OutcomeFailed])
	}
}

func TestRun_RespectsParallelismFloor(t *testing.T) {
	t.Parallel()

	reg := llm.NewRegistry()
	reg.Register("narrator", &llmmock.Backend{
		CompleteResponse: &llm.CompletionResponse{Text: "A single lantern burns in the fog."},
	})
	reg.Register("player", &llmmock.Backend{
		CompleteResponse: &llm.CompletionResponse{Text: "Onward."},
	})

	runner := session.NewRunner(reg, checkpoint.NewMemStore(),
		session.WithInvokeConfig(invoke.Config{
			RetryBudget: 1,
			Sleep:       func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		}),
	)

	var jobs []batch.Job
	for i := 0; i < 5; i++ {
		jobs = append(jobs, batch.Job{Name: fmt.Sprintf("job-%d", i), Config: jobConfig("narrator")})
	}

	// Zero parallelism must fall back to the default rather than deadlock.
	summary := batch.Run(context.Background(), runner, jobs, 0)
	if len(summary.Items) != 5 {
		t.Fatalf("got %d items, want 5", len(summary.Items))
	}
	for _, item := range summary.Items {
		if item.Result.Outcome != story.OutcomeTimeout {
			t.Errorf("job %s outcome = %q, want timeout", item.Name, item.Result.Outcome)
		}
	}
}
