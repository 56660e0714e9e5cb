// Package mock provides a test double for the llm.Backend interface.
//
// Use Backend in unit tests to verify that the session core sends correct
// requests and to feed controlled responses without a live model backend.
// All fields are safe to set before calling any method; mutating them during a
// concurrent call is the caller's responsibility.
//
// Example:
//
//	b := &mock.Backend{
//	    CompleteResponse: &llm.CompletionResponse{Text: "The door creaks open."},
//	}
//	resp, err := b.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/fablecrit/fablecrit/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// StreamCall records a single invocation of CompleteStream.
type StreamCall struct {
	// Ctx is the context passed to CompleteStream.
	Ctx context.Context
	// Req is the CompletionRequest passed to CompleteStream.
	Req llm.CompletionRequest
}

// StructuredCall records a single invocation of CompleteStructured.
type StructuredCall struct {
	// Ctx is the context passed to CompleteStructured.
	Ctx context.Context
	// Req is the StructuredRequest passed to CompleteStructured.
	Req llm.StructuredRequest
}

// Backend is a mock implementation of llm.Backend.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors, or Func fields for full control.
type Backend struct {
	mu sync.Mutex

	// CompleteResponse is returned by Complete when CompleteFunc is nil.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned by Complete instead of a response.
	CompleteErr error

	// CompleteFunc, if non-nil, handles Complete entirely. It sees the call
	// after it has been recorded.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// StructuredResponse is returned by CompleteStructured when StructuredFunc is nil.
	StructuredResponse *llm.StructuredResponse

	// StructuredErr, if non-nil, is returned by CompleteStructured instead of a response.
	StructuredErr error

	// StructuredFunc, if non-nil, handles CompleteStructured entirely.
	StructuredFunc func(ctx context.Context, req llm.StructuredRequest) (*llm.StructuredResponse, error)

	// StreamChunks are emitted in order by the channel CompleteStream returns.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned by CompleteStream instead of a channel.
	StreamErr error

	// CompleteCalls records every Complete invocation in order.
	CompleteCalls []CompleteCall

	// StructuredCalls records every CompleteStructured invocation in order.
	StructuredCalls []StructuredCall

	// StreamCalls records every CompleteStream invocation in order.
	StreamCalls []StreamCall
}

// Compile-time interface assertion.
var _ llm.Backend = (*Backend)(nil)

// Complete implements llm.Backend.
func (b *Backend) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	b.mu.Lock()
	b.CompleteCalls = append(b.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	fn := b.CompleteFunc
	resp, err := b.CompleteResponse, b.CompleteErr
	b.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &llm.CompletionResponse{}, nil
	}
	return resp, nil
}

// CompleteStructured implements llm.Backend.
func (b *Backend) CompleteStructured(ctx context.Context, req llm.StructuredRequest) (*llm.StructuredResponse, error) {
	b.mu.Lock()
	b.StructuredCalls = append(b.StructuredCalls, StructuredCall{Ctx: ctx, Req: req})
	fn := b.StructuredFunc
	resp, err := b.StructuredResponse, b.StructuredErr
	b.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &llm.StructuredResponse{}, nil
	}
	return resp, nil
}

// CompleteStream implements llm.Backend. The returned channel replays
// StreamChunks and honours context cancellation between chunks.
func (b *Backend) CompleteStream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	b.mu.Lock()
	b.StreamCalls = append(b.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	chunks := make([]llm.Chunk, len(b.StreamChunks))
	copy(chunks, b.StreamChunks)
	err := b.StreamErr
	b.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// CompleteCallCount returns the number of recorded Complete calls.
func (b *Backend) CompleteCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.CompleteCalls)
}

// StructuredCallCount returns the number of recorded CompleteStructured calls.
func (b *Backend) StructuredCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.StructuredCalls)
}
