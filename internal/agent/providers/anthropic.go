package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/chatturn/internal/agent"
	"github.com/haasonsaas/chatturn/internal/retry"
	"github.com/haasonsaas/chatturn/pkg/models"
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint, e.g. for a proxy.
	BaseURL string
	// Models overrides the advertised model list.
	Models []agent.Model
	// Retry governs opening the stream, up to the first event.
	Retry retry.Config
}

var anthropicModels = []agent.Model{
	{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", Description: "Balanced model for complex tasks", ContextSize: 200000},
	{ID: "claude-3-5-haiku-20241022", Name: "Claude Haiku 3.5", Description: "Fast model for lightweight tasks", ContextSize: 200000},
}

// maxEmptyStreamEvents bounds consecutive events that carry nothing we use
// before the stream is treated as malformed.
const maxEmptyStreamEvents = 300

// AnthropicProvider streams messages from Anthropic's Claude models.
type AnthropicProvider struct {
	client anthropic.Client
	models []agent.Model
	retry  retry.Config
}

// NewAnthropicProvider creates an Anthropic provider. The SDK's own retries
// are disabled; Retry governs them instead.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(config.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = DefaultRetryConfig()
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		models: modelsOrDefault(config.Models, anthropicModels),
		retry:  config.Retry,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Models returns the advertised models.
func (p *AnthropicProvider) Models() []agent.Model { return p.models }

// SupportsTools reports true.
func (p *AnthropicProvider) SupportsTools() bool { return true }

type openedStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	first  anthropic.MessageStreamEventUnion
}

// Complete opens a message stream. The request is only sent when the stream
// is first advanced, so opening reads the first event; HTTP failures surface
// there and are retried.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if req == nil {
		return nil, errors.New("anthropic: completion request is nil")
	}
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	opened, err := openWithRetry(ctx, p.retry, func() (*openedStream, error) {
		s := p.client.Messages.NewStreaming(ctx, params)
		if !s.Next() {
			err := s.Err()
			_ = s.Close()
			if err == nil {
				err = errors.New("anthropic: stream ended before any event")
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, wrapAnthropicError(err, req.Model)
		}
		return &openedStream{stream: s, first: s.Current()}, nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, opened, chunks, req.Model)
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert messages: %w", err)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// processStream converts stream events into chunks. Text deltas are sent as
// they arrive; a tool call is sent once its block stops and its input JSON
// is complete.
func (p *AnthropicProvider) processStream(ctx context.Context, opened *openedStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	stream := opened.stream
	defer stream.Close()

	var (
		current      *models.ToolCall
		input        strings.Builder
		inputTokens  int
		outputTokens int
		empty        int
	)

	// handle returns false when processing must stop.
	handle := func(event anthropic.MessageStreamEventUnion) bool {
		useful := true
		switch event.Type {
		case "message_start":
			inputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				input.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text == "" {
					useful = false
					break
				}
				if !send(ctx, chunks, &agent.CompletionChunk{Text: delta.Text}) {
					return false
				}
			case "input_json_delta":
				input.WriteString(delta.PartialJSON)
			default:
				useful = false
			}
		case "content_block_stop":
			if current != nil {
				current.Input = json.RawMessage(input.String())
				call := current
				current = nil
				if !send(ctx, chunks, &agent.CompletionChunk{ToolCall: call}) {
					return false
				}
			}
		case "message_delta":
			if out := event.AsMessageDelta().Usage.OutputTokens; out > 0 {
				outputTokens = int(out)
			}
		case "message_stop":
			send(ctx, chunks, &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
			return false
		case "error":
			send(ctx, chunks, &agent.CompletionChunk{Error: wrapAnthropicError(errors.New("anthropic stream error"), model)})
			return false
		default:
			useful = false
		}

		if useful {
			empty = 0
			return true
		}
		empty++
		if empty >= maxEmptyStreamEvents {
			send(ctx, chunks, &agent.CompletionChunk{Error: wrapAnthropicError(
				fmt.Errorf("stream appears malformed: %d consecutive empty events", empty), model)})
			return false
		}
		return true
	}

	if !handle(opened.first) {
		return
	}
	for stream.Next() {
		if !handle(stream.Current()) {
			return
		}
	}
	err := stream.Err()
	switch {
	case ctx.Err() != nil:
		send(ctx, chunks, &agent.CompletionChunk{Error: ctx.Err()})
	case err != nil:
		send(ctx, chunks, &agent.CompletionChunk{Error: wrapAnthropicError(err, model)})
	default:
		// The stream ended without message_stop.
		send(ctx, chunks, &agent.CompletionChunk{Error: wrapAnthropicError(errors.New("stream ended unexpectedly"), model)})
	}
}

// convertAnthropicMessages maps completion messages to Anthropic's
// alternating user/assistant format. Tool results travel in user messages;
// adjacent messages of the same role are merged.
func convertAnthropicMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	type turn struct {
		assistant bool
		blocks    []anthropic.ContentBlockParamUnion
	}
	var turns []turn

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}
		var blocks []anthropic.ContentBlockParamUnion
		for _, tr := range msg.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			input := tc.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			if !json.Valid(input) {
				return nil, fmt.Errorf("invalid input for tool call %s", tc.ID)
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(blocks) == 0 {
			continue
		}

		assistant := msg.Role == "assistant"
		if n := len(turns); n > 0 && turns[n-1].assistant == assistant {
			turns[n-1].blocks = append(turns[n-1].blocks, blocks...)
			continue
		}
		turns = append(turns, turn{assistant: assistant, blocks: blocks})
	}

	result := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		if t.assistant {
			result = append(result, anthropic.NewAssistantMessage(t.blocks...))
		} else {
			result = append(result, anthropic.NewUserMessage(t.blocks...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []agent.Tool) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name(), err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name())
		}
		param.OfTool.Description = anthropic.String(tool.Description())
		result = append(result, param)
	}
	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func wrapAnthropicError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError("anthropic", model, err)
	}

	providerErr := NewProviderError("anthropic", model, err).WithStatus(apiErr.StatusCode)
	providerErr.RequestID = apiErr.RequestID
	if raw := apiErr.RawJSON(); raw != "" {
		var payload anthropicErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Message != "" {
				providerErr.Message = payload.Error.Message
			}
			if payload.Error.Type != "" {
				providerErr = providerErr.WithCode(payload.Error.Type)
			}
			if payload.RequestID != "" {
				providerErr.RequestID = payload.RequestID
			}
		}
	}
	return providerErr
}
