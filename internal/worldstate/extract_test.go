package worldstate_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/fablecrit/fablecrit/internal/invoke"
	"github.com/fablecrit/fablecrit/internal/story"
	"github.com/fablecrit/fablecrit/internal/tracker"
	"github.com/fablecrit/fablecrit/internal/worldstate"
	"github.com/fablecrit/fablecrit/pkg/provider/llm"
	llmmock "github.com/fablecrit/fablecrit/pkg/provider/llm/mock"
)

func instantInvoke() invoke.Config {
	return invoke.Config{
		RetryBudget: 1,
		Sleep:       func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	}
}

func TestExtract_MergesDelta(t *testing.T) {
	t.Parallel()

	reg := llm.NewRegistry()
	reg.Register("extractor", &llmmock.Backend{
		StructuredResponse: &llm.StructuredResponse{
			Raw: []byte(`{
				"location": "the lighthouse gallery",
				"inventory_added": ["brass key"],
				"inventory_removed": ["rope"],
				"npcs": ["Keeper Aldous"],
				"flags": {"beacon": "lit"}
			}`),
		},
	})

	e := &worldstate.Extractor{Registry: reg, Models: []string{"extractor"}, Invoke: instantInvoke()}
	current := story.WorldState{
		Location:  "the pier",
		Inventory: []string{"rope", "lantern"},
		NPCs:      []string{"harbormaster"},
		Flags:     map[string]string{"tide": "low"},
	}

	got := e.Extract(context.Background(), current, "You climb to the gallery...")

	want := story.WorldState{
		Location:  "the lighthouse gallery",
		Inventory: []string{"lantern", "brass key"},
		NPCs:      []string{"harbormaster", "Keeper Aldous"},
		Flags:     map[string]string{"tide": "low", "beacon": "lit"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Extract = %+v, want %+v", got, want)
	}

	// Input state must not be mutated.
	if !reflect.DeepEqual(current.Inventory, []string{"rope", "lantern"}) {
		t.Error("Extract mutated the input state")
	}
}

func TestExtract_FailureLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	reg := llm.NewRegistry()
	reg.Register("extractor", &llmmock.Backend{StructuredErr: errors.New("outage")})

	e := &worldstate.Extractor{Registry: reg, Models: []string{"extractor"}, Invoke: instantInvoke()}
	current := story.WorldState{Location: "the pier", Inventory: []string{"rope"}}

	got := e.Extract(context.Background(), current, "anything")
	if !reflect.DeepEqual(got, current) {
		t.Errorf("Extract after failure = %+v, want unchanged %+v", got, current)
	}
}

func TestExtract_CostChargedToServingModel(t *testing.T) {
	t.Parallel()

	reg := llm.NewRegistry()
	reg.Register("primary", &llmmock.Backend{StructuredErr: errors.New("outage")})
	reg.Register("fallback", &llmmock.Backend{
		StructuredResponse: &llm.StructuredResponse{
			Raw:   []byte(`{"location": "the cellar"}`),
			Usage: llm.Usage{PromptTokens: 100, CompletionTokens: 10, TotalTokens: 110},
		},
	})

	// Only the fallback model is priced; attributing its usage to the failed
	// primary would estimate zero.
	cost := tracker.NewCostTracker(map[string]tracker.ModelPrice{
		"fallback": {PromptUSDPerMTok: 1, CompletionUSDPerMTok: 1},
	})
	e := &worldstate.Extractor{
		Registry: reg,
		Models:   []string{"primary", "fallback"},
		Invoke:   instantInvoke(),
		Cost:     cost,
	}

	got := e.Extract(context.Background(), story.WorldState{}, "You descend into the cellar.")
	if got.Location != "the cellar" {
		t.Fatalf("Location = %q, want the fallback extraction applied", got.Location)
	}

	bd := cost.Breakdown()
	if bd.TotalTokens != 110 {
		t.Errorf("total tokens = %d, want 110", bd.TotalTokens)
	}
	if bd.EstimatedUSD == 0 {
		t.Error("usage priced at zero: cost charged to the failed primary model")
	}
}

func TestExtract_DisabledWithoutModels(t *testing.T) {
	t.Parallel()

	e := &worldstate.Extractor{}
	current := story.WorldState{Location: "somewhere"}
	if got := e.Extract(context.Background(), current, "text"); !reflect.DeepEqual(got, current) {
		t.Errorf("Extract without models = %+v, want unchanged", got)
	}
}
