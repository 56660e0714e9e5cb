package session_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/fablecrit/fablecrit/internal/session"
	"github.com/fablecrit/fablecrit/internal/story"
	"github.com/fablecrit/fablecrit/pkg/provider/llm"
	llmmock "github.com/fablecrit/fablecrit/pkg/provider/llm/mock"
)

var partyNames = []string{"Mira", "Sam"}

func classifierWith(raw string, err error) *session.Classifier {
	reg := llm.NewRegistry()
	backend := &llmmock.Backend{StructuredErr: err}
	if raw != "" {
		backend.StructuredResponse = &llm.StructuredResponse{Raw: []byte(raw)}
	}
	reg.Register("cls", backend)
	return &session.Classifier{Registry: reg, Models: []string{"cls"}, Invoke: instantInvoke()}
}

func TestClassify_HappyPath(t *testing.T) {
	t.Parallel()

	c := classifierWith(`{
		"is_ending": false,
		"response_type": "directed",
		"targets": [" sam "],
		"confidence": 0.85,
		"rationale": "question aimed at Sam"
	}`, nil)

	got := c.Classify(context.Background(), "Sam, what do you do?", partyNames)
	want := story.Classification{
		ResponseType: story.RouteDirected,
		Targets:      []string{"Sam"},
		Confidence:   0.85,
		Rationale:    "question aimed at Sam",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Classify = %+v, want %+v", got, want)
	}
}

func TestClassify_FailsOpenOnExhaustion(t *testing.T) {
	t.Parallel()

	c := classifierWith("", errors.New("provider down"))

	got := c.Classify(context.Background(), "The storm breaks.", partyNames)
	want := story.Classification{ResponseType: story.RouteGroup}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Classify after exhaustion = %+v, want fail-open default %+v", got, want)
	}
}

func TestClassify_DefaultWithoutModels(t *testing.T) {
	t.Parallel()

	c := &session.Classifier{}
	got := c.Classify(context.Background(), "anything", partyNames)
	if got.ResponseType != story.RouteGroup || got.IsEnding || got.Confidence != 0 {
		t.Errorf("Classify without models = %+v, want permissive default", got)
	}
}

func TestClassify_Normalization(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		raw         string
		wantPolicy  story.RoutingPolicy
		wantTargets []string
	}{
		{
			"unknown policy becomes group",
			`{"is_ending": false, "response_type": "broadcast", "confidence": 0.5}`,
			story.RouteGroup, nil,
		},
		{
			"directed without valid targets becomes group",
			`{"is_ending": false, "response_type": "directed", "targets": ["Nobody"], "confidence": 0.5}`,
			story.RouteGroup, nil,
		},
		{
			"private keeps only the first target",
			`{"is_ending": false, "response_type": "private", "targets": ["Sam", "Mira"], "confidence": 0.5}`,
			story.RoutePrivate, []string{"Sam"},
		},
		{
			"group drops stray targets",
			`{"is_ending": false, "response_type": "group", "targets": ["Sam"], "confidence": 0.5}`,
			story.RouteGroup, nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := classifierWith(tt.raw, nil).Classify(context.Background(), "text", partyNames)
			if got.ResponseType != tt.wantPolicy {
				t.Errorf("policy = %q, want %q", got.ResponseType, tt.wantPolicy)
			}
			if !reflect.DeepEqual(got.Targets, tt.wantTargets) {
				t.Errorf("targets = %v, want %v", got.Targets, tt.wantTargets)
			}
		})
	}
}

func TestClassify_ClampsConfidence(t *testing.T) {
	t.Parallel()

	c := classifierWith(`{"is_ending": true, "response_type": "none", "confidence": 3.2}`, nil)
	got := c.Classify(context.Background(), "The End.", partyNames)
	if got.Confidence != 1 {
		t.Errorf("confidence = %f, want clamped to 1", got.Confidence)
	}
	if !got.IsEnding || got.ResponseType != story.RouteNone {
		t.Errorf("decision = %+v, want ending with none routing", got)
	}
}
