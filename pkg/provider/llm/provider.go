// Package llm defines the Backend interface for generative text providers.
//
// A backend wraps a remote or local model API (e.g., OpenAI GPT-4, Anthropic
// Claude, or a local Ollama instance) and exposes a uniform interface for the
// playtest core to perform free-text completions, streaming completions, and
// schema-validated structured completions without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use. A model identifier string
// selects a backend through a [Registry]; the invocation layer never touches
// provider SDKs directly.
package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrSchemaViolation is returned by CompleteStructured when the model's output
// cannot be parsed as JSON conforming to the requested schema.
var ErrSchemaViolation = errors.New("llm: structured output violates schema")

// Message represents a single message in a model conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string
}

// SamplingParams carries decoding parameters for a completion.
// Zero values mean "use the provider default".
type SamplingParams struct {
	// Temperature controls output randomness in the range [0.0, 2.0].
	Temperature float64

	// TopP is the nucleus sampling cutoff in the range (0.0, 1.0].
	TopP float64

	// MaxTokens caps the number of completion tokens the model may generate.
	MaxTokens int
}

// Usage holds token accounting information returned by the backend.
// All counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt. Directly affects the cost estimate.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens. Provided as a
	// convenience; some providers return it directly.
	TotalTokens int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is an optional high-priority instruction injected before the
	// conversation history. Backends that do not natively support a dedicated
	// system prompt must prepend it as a "system"-role message.
	SystemPrompt string

	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Sampling holds decoding parameters for this request.
	Sampling SamplingParams
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty when the
	// chunk carries only a FinishReason.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped. Common values are "stop" (natural end), "length" (token cap
	// reached), and "error" (the stream failed after it was opened; Text then
	// holds the error message). Non-final chunks carry "".
	FinishReason string
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Text is the full text of the model's reply.
	Text string

	// Reasoning is the model's reasoning trace, when the provider exposes one.
	// Empty for providers and models without visible reasoning.
	Reasoning string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// StructuredRequest asks the model for a JSON object conforming to a schema.
type StructuredRequest struct {
	// SchemaName identifies the schema to the provider (required by some
	// structured-output APIs) and appears in error messages.
	SchemaName string

	// Schema is the JSON Schema the output must conform to.
	Schema map[string]any

	// SystemPrompt is an optional instruction preceding the prompt.
	SystemPrompt string

	// Prompt is the user-role text driving the extraction or classification.
	Prompt string

	// Sampling holds decoding parameters for this request.
	Sampling SamplingParams
}

// StructuredResponse is returned by CompleteStructured.
type StructuredResponse struct {
	// Raw is the validated JSON object produced by the model. Callers
	// unmarshal it into their own result type.
	Raw json.RawMessage

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Backend is the abstraction over any generative model provider.
//
// Implementations must be safe for concurrent use from multiple goroutines and
// must propagate context cancellation promptly.
type Backend interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or if ctx is cancelled before the
	// completion arrives.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CompleteStructured sends req to the model and returns its output as a
	// JSON object validated against req.Schema. Implementations return an
	// error wrapping [ErrSchemaViolation] when the model produced output that
	// is not valid JSON or does not carry the schema's required fields.
	CompleteStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error)

	// CompleteStream sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or when ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the channel is opened are surfaced as a Chunk with
	// FinishReason "error"; the initial error return is non-nil only for
	// failures that prevent the stream from starting. The returned channel
	// must never be nil when error is nil.
	CompleteStream(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}
