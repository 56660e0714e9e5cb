package tracker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/fablecrit/fablecrit/internal/story"
	"github.com/fablecrit/fablecrit/internal/tracker"
	"github.com/fablecrit/fablecrit/pkg/provider/llm"
	llmmock "github.com/fablecrit/fablecrit/pkg/provider/llm/mock"
)

func narratorMsg(turn int, text string) story.Message {
	return story.Message{Role: story.RoleNarrator, Turn: turn, Text: text}
}

func hasKind(issues []tracker.Issue, kind tracker.IssueKind) bool {
	for _, is := range issues {
		if is.Kind == kind {
			return true
		}
	}
	return false
}

func TestDetector_Loops(t *testing.T) {
	t.Parallel()

	d := &tracker.Detector{}
	history := []story.Message{
		narratorMsg(1, "The corridor stretches ahead, torches guttering in their iron sconces along the damp stone walls."),
		narratorMsg(2, "You find a small chamber with a fountain of black water."),
		narratorMsg(3, "The corridor stretches ahead, torches guttering in iron sconces along the damp stone walls."),
	}

	issues := d.Analyze(context.Background(), history)
	if !hasKind(issues, tracker.IssueLoop) {
		t.Errorf("no loop issue flagged, got %v", issues)
	}
}

func TestDetector_LoopOutsideLookbackIgnored(t *testing.T) {
	t.Parallel()

	d := &tracker.Detector{LoopLookback: 2}
	history := []story.Message{
		narratorMsg(1, "The corridor stretches ahead, torches guttering in their iron sconces along the damp stone walls."),
		narratorMsg(2, "A completely different scene with merchants hawking spices in the bazaar under silk awnings."),
		narratorMsg(3, "Another fresh scene, docks creaking under cargo cranes and gull cries at dawn tide."),
		narratorMsg(4, "Yet another new place entirely, snowfields crossing jagged ridgelines toward the frozen pass."),
		narratorMsg(5, "The corridor stretches ahead, torches guttering in their iron sconces along the damp stone walls."),
	}

	issues := d.Analyze(context.Background(), history)
	if hasKind(issues, tracker.IssueLoop) {
		t.Errorf("loop flagged outside lookback window: %v", issues)
	}
}

func TestDetector_ForcedSegues(t *testing.T) {
	t.Parallel()

	d := &tracker.Detector{}
	history := []story.Message{
		narratorMsg(1, "The bard finishes the tale. But that's a story for another time. The road beckons."),
	}

	issues := d.Analyze(context.Background(), history)
	if !hasKind(issues, tracker.IssueForcedSegue) {
		t.Errorf("no forced-segue issue flagged, got %v", issues)
	}
}

func TestDetector_StuckStretch(t *testing.T) {
	t.Parallel()

	d := &tracker.Detector{StuckTurns: 2}
	repeat := "You wait. Nothing happens. Nothing moves. Nothing changes."
	history := []story.Message{
		narratorMsg(1, repeat),
		narratorMsg(2, repeat),
		narratorMsg(3, repeat),
		narratorMsg(4, repeat),
	}

	issues := d.Analyze(context.Background(), history)
	if !hasKind(issues, tracker.IssueStuck) {
		t.Errorf("no stuck issue flagged, got %v", issues)
	}
}

func TestDetector_EntityContradiction(t *testing.T) {
	t.Parallel()

	d := &tracker.Detector{}
	history := []story.Message{
		narratorMsg(1, "The door is locked, its keyhole clogged with rust."),
		narratorMsg(2, "You stroll through and find the door open, swinging gently."),
	}

	issues := d.Analyze(context.Background(), history)
	if !hasKind(issues, tracker.IssueContradiction) {
		t.Errorf("no contradiction issue flagged, got %v", issues)
	}

	for _, is := range issues {
		if is.Kind == tracker.IssueContradiction && is.Severity != tracker.SeverityError {
			t.Errorf("deterministic contradiction severity = %q, want error", is.Severity)
		}
	}
}

func TestDetector_TransitionVerbSuppressesContradiction(t *testing.T) {
	t.Parallel()

	d := &tracker.Detector{}
	history := []story.Message{
		narratorMsg(1, "The door is locked, its keyhole clogged with rust."),
		narratorMsg(2, "Mira picks the lock and now the door is open before you."),
	}

	issues := d.Analyze(context.Background(), history)
	if hasKind(issues, tracker.IssueContradiction) {
		t.Errorf("contradiction flagged despite explicit transition: %v", issues)
	}
}

func TestDetector_SemanticPassDegradesOnFailure(t *testing.T) {
	t.Parallel()

	reg := llm.NewRegistry()
	reg.Register("broken-model", &llmmock.Backend{
		StructuredErr: errors.New("provider outage"),
	})

	d := &tracker.Detector{
		Registry: reg,
		Models:   []string{"broken-model"},
		Invoke:   instantInvoke(),
	}
	history := []story.Message{
		narratorMsg(1, "The door is locked tight against the storm outside."),
		narratorMsg(2, "Rain hammers the shutters of the abandoned mill."),
		narratorMsg(3, "A stranger knocks three times, pauses, and knocks again."),
	}

	// Must not panic or error; deterministic passes still run.
	issues := d.Analyze(context.Background(), history)
	for _, is := range issues {
		if is.Kind == tracker.IssueContradiction {
			t.Errorf("unexpected contradiction from degraded semantic pass: %v", is)
		}
	}
}

func TestDetector_SemanticPassParsesResult(t *testing.T) {
	t.Parallel()

	reg := llm.NewRegistry()
	reg.Register("judge", &llmmock.Backend{
		StructuredResponse: &llm.StructuredResponse{
			Raw:   []byte(`{"contradictions":[{"turn":2,"description":"the mill was abandoned but has a lit hearth"}]}`),
			Usage: llm.Usage{PromptTokens: 50, CompletionTokens: 20, TotalTokens: 70},
		},
	})

	cost := tracker.NewCostTracker(nil)
	d := &tracker.Detector{
		Registry: reg,
		Models:   []string{"judge"},
		Invoke:   instantInvoke(),
		Cost:     cost,
	}
	history := []story.Message{
		narratorMsg(1, "The abandoned mill stands silent at the crossroads."),
		narratorMsg(2, "Inside the mill a hearth burns warmly and stew bubbles."),
		narratorMsg(3, "You settle in for the night by the fire."),
	}

	issues := d.Analyze(context.Background(), history)
	if !hasKind(issues, tracker.IssueContradiction) {
		t.Fatalf("semantic contradiction not reported, got %v", issues)
	}

	bd := cost.Breakdown()
	if bd.TotalTokens != 70 {
		t.Errorf("semantic pass usage not tracked: total tokens = %d, want 70", bd.TotalTokens)
	}
}

func TestDetector_SemanticPassCostChargedToServingModel(t *testing.T) {
	t.Parallel()

	reg := llm.NewRegistry()
	reg.Register("judge-a", &llmmock.Backend{StructuredErr: errors.New("outage")})
	reg.Register("judge-b", &llmmock.Backend{
		StructuredResponse: &llm.StructuredResponse{
			Raw:   []byte(`{"contradictions":[]}`),
			Usage: llm.Usage{PromptTokens: 40, CompletionTokens: 5, TotalTokens: 45},
		},
	})

	// Only the model that served the call is priced; attributing its usage to
	// the failed first candidate would estimate zero.
	cost := tracker.NewCostTracker(map[string]tracker.ModelPrice{
		"judge-b": {PromptUSDPerMTok: 1, CompletionUSDPerMTok: 1},
	})
	d := &tracker.Detector{
		Registry: reg,
		Models:   []string{"judge-a", "judge-b"},
		Invoke:   instantInvoke(),
		Cost:     cost,
	}
	history := []story.Message{
		narratorMsg(1, "The abandoned mill stands silent at the crossroads."),
		narratorMsg(2, "A raven watches from the broken weathervane."),
		narratorMsg(3, "You settle in for the night beneath the eaves."),
	}

	d.Analyze(context.Background(), history)

	bd := cost.Breakdown()
	if bd.TotalTokens != 45 {
		t.Errorf("total tokens = %d, want 45", bd.TotalTokens)
	}
	if bd.EstimatedUSD == 0 {
		t.Error("usage priced at zero: cost charged to the failed first model")
	}
}
