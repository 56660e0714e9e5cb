package checkpoint_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/fablecrit/fablecrit/internal/checkpoint"
	"github.com/fablecrit/fablecrit/internal/story"
	"github.com/fablecrit/fablecrit/internal/tracker"
)

func testCheckpoint() *checkpoint.Checkpoint {
	ts := time.Date(2026, 8, 12, 10, 30, 0, 0, time.UTC)
	return &checkpoint.Checkpoint{
		SchemaVersion: checkpoint.SchemaVersion,
		SessionID:     "sess-001",
		Turn:          2,
		Config: story.SessionConfig{
			StoryRef:      "the-sunken-lighthouse",
			SystemPrompt:  "You narrate a maritime mystery.",
			NarratorModel: "gpt-4o",
			Sampling:      story.Sampling{Temperature: 0.8},
			MaxTurns:      20,
			Group: story.GroupConfig{
				Players: []story.PlayerAgent{
					{Archetype: "cautious-planner", Name: "Mira", Model: "gpt-4o-mini"},
					{Archetype: "impulsive-hero", Name: "Sam", Model: "gpt-4o-mini"},
				},
				Spokesperson: "Mira",
			},
		},
		History: []story.Message{
			{Role: story.RolePlayer, PlayerName: "Sam", Text: "ready when you are", Turn: 0, Timestamp: ts},
			{Role: story.RoleNarrator, Text: "Waves slap the pier.", Turn: 1, Timestamp: ts, RoutingLabel: story.RouteGroup},
			{Role: story.RoleSpokesperson, PlayerName: "Mira", Text: "We look around.", Turn: 1, Timestamp: ts},
			{Role: story.RoleNarrator, Text: "A ledger lies open.", Turn: 2, Timestamp: ts, RoutingLabel: story.RouteNone},
		},
		Players: []story.PlayerAgent{
			{Archetype: "cautious-planner", Name: "Mira", Model: "gpt-4o-mini", SystemPrompt: "You are Mira.", Committed: true},
			{Archetype: "impulsive-hero", Name: "Sam", Model: "gpt-4o-mini", SystemPrompt: "You are Sam.", Committed: true},
		},
		Spokesperson: "Mira",
		WorldState:   story.WorldState{Location: "the pier", NPCs: []string{"harbormaster"}},
		Issues: []tracker.Issue{
			{Turn: 2, Kind: tracker.IssueForcedSegue, Description: "abrupt cut", Severity: tracker.SeverityWarning},
		},
		PrivateMoments: []tracker.PrivateMoment{
			{Turn: 1, Target: "Sam", PromptText: "a glint of brass under the boards"},
		},
	}
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	t.Parallel()

	cp := testCheckpoint()
	data, err := cp.Encode()
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}

	got, err := checkpoint.Decode(data)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if !reflect.DeepEqual(got, cp) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, cp)
	}

	// Determinism: identical inputs serialize identically.
	again, err := testCheckpoint().Encode()
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	if string(data) != string(again) {
		t.Error("identical checkpoints serialized differently")
	}
}

func TestDecode_RejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*checkpoint.Checkpoint)
	}{
		{"missing session id", func(c *checkpoint.Checkpoint) { c.SessionID = "" }},
		{"future schema version", func(c *checkpoint.Checkpoint) { c.SchemaVersion = checkpoint.SchemaVersion + 1 }},
		{"unknown role", func(c *checkpoint.Checkpoint) { c.History[1].Role = "ghost" }},
		{"narrator at turn 0", func(c *checkpoint.Checkpoint) { c.History[0].Role = story.RoleNarrator }},
		{"decreasing turns", func(c *checkpoint.Checkpoint) { c.History[3].Turn = 1; c.History[2].Turn = 2 }},
		{"spokesperson not a player", func(c *checkpoint.Checkpoint) { c.Spokesperson = "Nobody" }},
		{"unknown issue kind", func(c *checkpoint.Checkpoint) { c.Issues[0].Kind = "vibes" }},
		{"no players", func(c *checkpoint.Checkpoint) { c.Players = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cp := testCheckpoint()
			tt.mutate(cp)
			data, err := cp.Encode()
			if err != nil {
				t.Fatalf("Encode returned error: %v", err)
			}
			if _, err := checkpoint.Decode(data); !errors.Is(err, checkpoint.ErrInvalidFormat) {
				t.Errorf("Decode error = %v, want ErrInvalidFormat", err)
			}
		})
	}
}

func TestDecode_RejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	if _, err := checkpoint.Decode([]byte(`{"schema_version": "two"`)); !errors.Is(err, checkpoint.ErrInvalidFormat) {
		t.Errorf("Decode error = %v, want ErrInvalidFormat", err)
	}
}

func TestBranch(t *testing.T) {
	t.Parallel()

	parent := testCheckpoint()
	newPrompt := "You narrate a maritime mystery with a darker tone."
	newTemp := 1.1

	child, err := checkpoint.Branch(parent, checkpoint.ConfigOverride{
		SystemPrompt: &newPrompt,
		Temperature:  &newTemp,
	}, "tone experiment")
	if err != nil {
		t.Fatalf("Branch returned error: %v", err)
	}

	if child.SessionID == parent.SessionID || child.SessionID == "" {
		t.Errorf("child session ID %q must be fresh and distinct from %q", child.SessionID, parent.SessionID)
	}
	if child.Lineage == nil {
		t.Fatal("child has no lineage")
	}
	if child.Lineage.ParentSessionID != parent.SessionID || child.Lineage.ParentTurn != parent.Turn {
		t.Errorf("lineage = %+v, want parent %s/%d", child.Lineage, parent.SessionID, parent.Turn)
	}
	if child.Lineage.BranchReason != "tone experiment" {
		t.Errorf("branch reason = %q", child.Lineage.BranchReason)
	}

	if child.Config.SystemPrompt != newPrompt {
		t.Errorf("system prompt not overridden: %q", child.Config.SystemPrompt)
	}
	if child.Config.Sampling.Temperature != newTemp {
		t.Errorf("temperature not overridden: %f", child.Config.Sampling.Temperature)
	}
	if child.Config.NarratorModel != parent.Config.NarratorModel {
		t.Errorf("narrator model changed without override: %q", child.Config.NarratorModel)
	}

	if !reflect.DeepEqual(child.History, parent.History) {
		t.Error("history not copied forward verbatim")
	}
	if !reflect.DeepEqual(child.PrivateMoments, parent.PrivateMoments) {
		t.Error("private moments not copied forward verbatim")
	}

	// The copy must be independent of the parent.
	child.History[0].Text = "mutated"
	if parent.History[0].Text == "mutated" {
		t.Error("child history aliases parent history")
	}
}

func TestMemStore_WriteReadList(t *testing.T) {
	t.Parallel()

	store := checkpoint.NewMemStore()
	ctx := context.Background()
	cp := testCheckpoint()

	loc, err := store.Write(ctx, cp)
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if !strings.Contains(loc, cp.SessionID) {
		t.Errorf("location %q does not reference the session", loc)
	}

	got, err := store.Read(ctx, cp.SessionID, cp.Turn)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if !reflect.DeepEqual(got, cp) {
		t.Error("Read returned a different checkpoint than written")
	}

	if _, err := store.Read(ctx, cp.SessionID, 99); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("Read missing turn error = %v, want ErrNotFound", err)
	}

	cp2 := testCheckpoint()
	cp2.Turn = 3
	cp2.History = append(cp2.History, story.Message{Role: story.RoleNarrator, Text: "more", Turn: 3})
	if _, err := store.Write(ctx, cp2); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	turns, err := store.List(ctx, cp.SessionID)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if !reflect.DeepEqual(turns, []int{2, 3}) {
		t.Errorf("List = %v, want [2 3]", turns)
	}
}

func TestFSStore_WriteReadList(t *testing.T) {
	t.Parallel()

	store, err := checkpoint.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore returned error: %v", err)
	}
	ctx := context.Background()
	cp := testCheckpoint()

	if _, err := store.Write(ctx, cp); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	got, err := store.Read(ctx, cp.SessionID, cp.Turn)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if !reflect.DeepEqual(got, cp) {
		t.Error("Read returned a different checkpoint than written")
	}

	if _, err := store.Read(ctx, "no-such-session", 1); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("Read missing session error = %v, want ErrNotFound", err)
	}

	turns, err := store.List(ctx, cp.SessionID)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if !reflect.DeepEqual(turns, []int{2}) {
		t.Errorf("List = %v, want [2]", turns)
	}

	if turns, err := store.List(ctx, "no-such-session"); err != nil || len(turns) != 0 {
		t.Errorf("List unknown session = (%v, %v), want empty", turns, err)
	}
}

func TestFSStore_ListIgnoresStrayFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store, err := checkpoint.NewFSStore(root)
	if err != nil {
		t.Fatalf("NewFSStore returned error: %v", err)
	}
	ctx := context.Background()
	cp := testCheckpoint()

	if _, err := store.Write(ctx, cp); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	// An orphaned temp file from a crashed write, plus unrelated clutter, must
	// not surface as checkpoint turns.
	dir := filepath.Join(root, cp.SessionID)
	for _, name := range []string{"turn_00003.json.tmp", "turn_4.json", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644); err != nil {
			t.Fatalf("write stray file %s: %v", name, err)
		}
	}

	turns, err := store.List(ctx, cp.SessionID)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if !reflect.DeepEqual(turns, []int{2}) {
		t.Errorf("List = %v, want [2]", turns)
	}
}
