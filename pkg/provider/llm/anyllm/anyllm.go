// Package anyllm provides a universal generative backend backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// Usage:
//
//	b, err := anyllm.New("anthropic", "claude-sonnet-4", anyllmlib.WithAPIKey("sk-ant-..."))
//	b, err := anyllm.NewOllama("llama3.3")
package anyllm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/fablecrit/fablecrit/pkg/provider/llm"
)

// Backend implements llm.Backend by wrapping github.com/mozilla-ai/any-llm-go.
type Backend struct {
	backend anyllmlib.Provider
	model   string
}

// Compile-time interface assertion.
var _ llm.Backend = (*Backend)(nil)

// New creates a new Backend for the given provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama", "deepseek",
// "mistral", "groq", "llamacpp", "llamafile".
//
// model is the specific model to use (e.g., "gpt-4o", "claude-sonnet-4").
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). If no API key option is provided, the provider falls
// back to the relevant environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY,
// and so on).
func New(providerName string, model string, opts ...anyllmlib.Option) (*Backend, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	return &Backend{backend: backend, model: model}, nil
}

// NewOpenAI creates a Backend backed by OpenAI.
// Without options, it reads the OPENAI_API_KEY environment variable.
func NewOpenAI(model string, opts ...anyllmlib.Option) (*Backend, error) {
	return New("openai", model, opts...)
}

// NewAnthropic creates a Backend backed by Anthropic.
// Without options, it reads the ANTHROPIC_API_KEY environment variable.
func NewAnthropic(model string, opts ...anyllmlib.Option) (*Backend, error) {
	return New("anthropic", model, opts...)
}

// NewGemini creates a Backend backed by Google Gemini.
// Without options, it reads the GEMINI_API_KEY or GOOGLE_API_KEY environment variable.
func NewGemini(model string, opts ...anyllmlib.Option) (*Backend, error) {
	return New("gemini", model, opts...)
}

// NewOllama creates a Backend backed by Ollama (local inference).
// Without options, it connects to http://localhost:11434.
func NewOllama(model string, opts ...anyllmlib.Option) (*Backend, error) {
	return New("ollama", model, opts...)
}

// NewDeepSeek creates a Backend backed by DeepSeek.
// Without options, it reads the DEEPSEEK_API_KEY environment variable.
func NewDeepSeek(model string, opts ...anyllmlib.Option) (*Backend, error) {
	return New("deepseek", model, opts...)
}

// NewMistral creates a Backend backed by Mistral AI.
// Without options, it reads the MISTRAL_API_KEY environment variable.
func NewMistral(model string, opts ...anyllmlib.Option) (*Backend, error) {
	return New("mistral", model, opts...)
}

// NewGroq creates a Backend backed by Groq.
// Without options, it reads the GROQ_API_KEY environment variable.
func NewGroq(model string, opts ...anyllmlib.Option) (*Backend, error) {
	return New("groq", model, opts...)
}

// createBackend creates the underlying any-llm-go provider for the given name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// Complete implements llm.Backend.
func (b *Backend) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params := b.buildParams(req.SystemPrompt, req.Messages, req.Sampling)

	resp, err := b.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response")
	}

	result := &llm.CompletionResponse{
		Text: resp.Choices[0].Message.ContentString(),
	}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result, nil
}

// CompleteStream implements llm.Backend.
func (b *Backend) CompleteStream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params := b.buildParams(req.SystemPrompt, req.Messages, req.Sampling)

	backendChunks, backendErrs := b.backend.CompletionStream(ctx, params)

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			out := llm.Chunk{
				Text:         choice.Delta.Content,
				FinishReason: choice.FinishReason,
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		// Check for backend errors after the chunk channel is drained.
		if err := <-backendErrs; err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// structuredInstruction is appended to the system prompt for providers without
// a native structured-output mode.
const structuredInstruction = "Respond with a single JSON object matching this schema and nothing else. No prose, no code fences.\nSchema:\n"

// CompleteStructured implements llm.Backend. any-llm-go has no uniform
// structured-output mode across its providers, so the schema is embedded in
// the system prompt and the reply is parsed and validated locally.
func (b *Backend) CompleteStructured(ctx context.Context, req llm.StructuredRequest) (*llm.StructuredResponse, error) {
	schemaJSON, err := json.Marshal(req.Schema)
	if err != nil {
		return nil, fmt.Errorf("anyllm: marshal schema %q: %w", req.SchemaName, err)
	}

	system := req.SystemPrompt
	if system != "" {
		system += "\n\n"
	}
	system += structuredInstruction + string(schemaJSON)

	params := b.buildParams(system, []llm.Message{{Role: "user", Content: req.Prompt}}, req.Sampling)

	resp, err := b.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anyllm: structured completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response")
	}

	raw := json.RawMessage(extractJSON(resp.Choices[0].Message.ContentString()))
	if err := llm.ValidateSchema(raw, req.Schema); err != nil {
		return nil, fmt.Errorf("anyllm: schema %q: %w", req.SchemaName, err)
	}

	result := &llm.StructuredResponse{Raw: raw}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result, nil
}

// extractJSON strips markdown code fences and surrounding prose, returning the
// outermost {...} object in s. Models occasionally wrap JSON despite explicit
// instructions not to.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

// buildParams converts our request fields into anyllm CompletionParams.
func (b *Backend) buildParams(systemPrompt string, msgs []llm.Message, sampling llm.SamplingParams) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message

	if systemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: systemPrompt,
		})
	}

	for _, m := range msgs {
		messages = append(messages, anyllmlib.Message{
			Role:    m.Role,
			Content: m.Content,
			Name:    m.Name,
		})
	}

	params := anyllmlib.CompletionParams{
		Model:    b.model,
		Messages: messages,
	}

	if sampling.Temperature != 0 {
		t := sampling.Temperature
		params.Temperature = &t
	}
	if sampling.MaxTokens > 0 {
		mt := sampling.MaxTokens
		params.MaxTokens = &mt
	}

	return params
}
