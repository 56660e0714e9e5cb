package mock_test

import (
	"context"
	"errors"
	"testing"

	"github.com/fablecrit/fablecrit/pkg/provider/llm"
	"github.com/fablecrit/fablecrit/pkg/provider/llm/mock"
)

func TestCompleteStream_ReplaysChunksInOrder(t *testing.T) {
	t.Parallel()

	b := &mock.Backend{
		StreamChunks: []llm.Chunk{
			{Text: "The door "},
			{Text: "creaks open."},
			{FinishReason: "stop"},
		},
	}

	ch, err := b.CompleteStream(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "go on"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream returned error: %v", err)
	}

	var text string
	var finish string
	for c := range ch {
		text += c.Text
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	if text != "The door creaks open." {
		t.Errorf("assembled text = %q, want the chunks in order", text)
	}
	if finish != "stop" {
		t.Errorf("finish reason = %q, want stop", finish)
	}
	if len(b.StreamCalls) != 1 {
		t.Errorf("recorded %d stream calls, want 1", len(b.StreamCalls))
	}
}

func TestCompleteStream_Err(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("stream refused")
	b := &mock.Backend{StreamErr: wantErr}

	ch, err := b.CompleteStream(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if ch != nil {
		t.Error("channel is non-nil alongside an error")
	}
}

func TestCompleteStream_CancelledContextClosesChannel(t *testing.T) {
	t.Parallel()

	b := &mock.Backend{
		StreamChunks: []llm.Chunk{{Text: "never "}, {Text: "delivered"}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch, err := b.CompleteStream(ctx, llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("CompleteStream returned error: %v", err)
	}
	for range ch {
	}
	// Reaching here means the channel closed despite the cancelled context.
}
