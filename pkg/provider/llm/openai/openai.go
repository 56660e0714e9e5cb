// Package openai provides a generative backend backed by the OpenAI API.
//
// Unlike the anyllm backend, this one uses OpenAI's native structured-output
// mode (response_format: json_schema), so schema conformance is enforced
// server-side before local validation runs.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/fablecrit/fablecrit/pkg/provider/llm"
)

// Backend implements llm.Backend using the OpenAI API.
type Backend struct {
	client oai.Client
	model  string
}

// Compile-time interface assertion.
var _ llm.Backend = (*Backend)(nil)

// config holds optional configuration for the backend.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for Backend.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI Backend.
func New(apiKey string, model string, opts ...Option) (*Backend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Backend{client: client, model: model}, nil
}

// Complete implements llm.Backend.
func (b *Backend) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params := b.buildParams(req.SystemPrompt, req.Messages, req.Sampling)

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}

	return &llm.CompletionResponse{
		Text: resp.Choices[0].Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// CompleteStream implements llm.Backend.
func (b *Backend) CompleteStream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params := b.buildParams(req.SystemPrompt, req.Messages, req.Sampling)

	stream := b.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
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

		if err := stream.Err(); err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// CompleteStructured implements llm.Backend using OpenAI's json_schema
// response format.
func (b *Backend) CompleteStructured(ctx context.Context, req llm.StructuredRequest) (*llm.StructuredResponse, error) {
	params := b.buildParams(req.SystemPrompt, []llm.Message{{Role: "user", Content: req.Prompt}}, req.Sampling)
	params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
			JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   req.SchemaName,
				Schema: req.Schema,
				Strict: param.NewOpt(true),
			},
		},
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: structured completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}

	raw := json.RawMessage(resp.Choices[0].Message.Content)
	if err := llm.ValidateSchema(raw, req.Schema); err != nil {
		return nil, fmt.Errorf("openai: schema %q: %w", req.SchemaName, err)
	}

	return &llm.StructuredResponse{
		Raw: raw,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// buildParams converts our request fields into OpenAI SDK params.
func (b *Backend) buildParams(systemPrompt string, msgs []llm.Message, sampling llm.SamplingParams) oai.ChatCompletionNewParams {
	var messages []oai.ChatCompletionMessageParamUnion

	if systemPrompt != "" {
		messages = append(messages, oai.SystemMessage(systemPrompt))
	}
	for _, m := range msgs {
		switch m.Role {
		case "assistant":
			messages = append(messages, oai.AssistantMessage(m.Content))
		case "system":
			messages = append(messages, oai.SystemMessage(m.Content))
		default:
			messages = append(messages, oai.UserMessage(m.Content))
		}
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(b.model),
		Messages: messages,
	}

	if sampling.Temperature != 0 {
		params.Temperature = param.NewOpt(sampling.Temperature)
	}
	if sampling.TopP != 0 {
		params.TopP = param.NewOpt(sampling.TopP)
	}
	if sampling.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(sampling.MaxTokens))
	}

	return params
}
