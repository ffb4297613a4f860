package providers

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"math"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/haasonsaas/chatturn/internal/agent"
	"github.com/haasonsaas/chatturn/internal/retry"
	"github.com/haasonsaas/chatturn/pkg/models"
)

// GoogleConfig configures the Gemini provider.
type GoogleConfig struct {
	APIKey  string
	BaseURL string
	Models  []agent.Model
	Retry   retry.Config
}

var googleModels = []agent.Model{
	{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", Description: "Fast multimodal model", ContextSize: 1048576},
}

// GoogleProvider streams content from Gemini models.
type GoogleProvider struct {
	client *genai.Client
	models []agent.Model
	retry  retry.Config
}

// NewGoogleProvider creates a Gemini provider using the Gemini API backend.
func NewGoogleProvider(ctx context.Context, config GoogleConfig) (*GoogleProvider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("google: API key is required")
	}
	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if base := strings.TrimSpace(config.BaseURL); base != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, NewProviderError("google", "", err)
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = DefaultRetryConfig()
	}
	return &GoogleProvider{
		client: client,
		models: modelsOrDefault(config.Models, googleModels),
		retry:  config.Retry,
	}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string { return "google" }

// Models returns the advertised models.
func (p *GoogleProvider) Models() []agent.Model { return p.models }

// SupportsTools reports true.
func (p *GoogleProvider) SupportsTools() bool { return true }

type geminiPull struct {
	next  func() (*genai.GenerateContentResponse, error, bool)
	stop  func()
	first *genai.GenerateContentResponse
}

// Complete starts a content stream. The first response is pulled while
// opening, so request failures are retried before anything is forwarded.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if req == nil {
		return nil, errors.New("google: completion request is nil")
	}
	contents := convertGeminiContents(req.Messages)
	config := buildGeminiConfig(req)

	pull, err := openWithRetry(ctx, p.retry, func() (*geminiPull, error) {
		next, stop := iter.Pull2(p.client.Models.GenerateContentStream(ctx, req.Model, contents, config))
		first, err, ok := next()
		if err != nil {
			stop()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, NewProviderError("google", req.Model, err)
		}
		if !ok {
			first = nil
		}
		return &geminiPull{next: next, stop: stop, first: first}, nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go processGeminiStream(ctx, pull, chunks, req.Model)
	return chunks, nil
}

func processGeminiStream(ctx context.Context, pull *geminiPull, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer pull.stop()

	var inputTokens, outputTokens int
	resp := pull.first
	for resp != nil {
		if usage := resp.UsageMetadata; usage != nil {
			inputTokens = int(usage.PromptTokenCount)
			outputTokens = int(usage.CandidatesTokenCount)
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if chunk := geminiChunk(part); chunk != nil {
					if !send(ctx, chunks, chunk) {
						return
					}
				}
			}
		}

		next, err, ok := pull.next()
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			} else {
				err = NewProviderError("google", model, err)
			}
			send(ctx, chunks, &agent.CompletionChunk{Error: err})
			return
		}
		if !ok {
			break
		}
		resp = next
	}
	send(ctx, chunks, &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
}

func geminiChunk(part *genai.Part) *agent.CompletionChunk {
	if part == nil {
		return nil
	}
	if part.FunctionCall != nil {
		args, err := json.Marshal(part.FunctionCall.Args)
		if err != nil || part.FunctionCall.Args == nil {
			args = []byte("{}")
		}
		id := part.FunctionCall.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		return &agent.CompletionChunk{ToolCall: &models.ToolCall{ID: id, Name: part.FunctionCall.Name, Input: args}}
	}
	if part.Text != "" && !part.Thought {
		return &agent.CompletionChunk{Text: part.Text}
	}
	return nil
}

// convertGeminiContents maps completion messages to Gemini contents. Tool
// results become function responses on the user side.
func convertGeminiContents(messages []agent.CompletionMessage) []*genai.Content {
	callNames := make(map[string]string)
	var result []*genai.Content
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}
		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == "assistant" {
			content.Role = genai.RoleModel
		}
		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			callNames[tc.ID] = tc.Name
			var args map[string]any
			if err := json.Unmarshal(tc.Input, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
			})
		}
		for _, tr := range msg.ToolResults {
			name := tr.ToolName
			if name == "" {
				name = callNames[tr.ToolCallID]
			}
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil || response == nil {
				response = map[string]any{"result": json.RawMessage(jsonOrString(tr.Content))}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{ID: tr.ToolCallID, Name: name, Response: response},
			})
		}
		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func jsonOrString(s string) string {
	if json.Valid([]byte(s)) {
		return s
	}
	encoded, _ := json.Marshal(s)
	return string(encoded)
}

func buildGeminiConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(min(maxTokens(req.MaxTokens), math.MaxInt32)),
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if len(req.Tools) > 0 {
		declarations := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
				continue
			}
			declarations = append(declarations, &genai.FunctionDeclaration{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  geminiSchema(schema),
			})
		}
		if len(declarations) > 0 {
			config.Tools = []*genai.Tool{{FunctionDeclarations: declarations}}
		}
	}
	return config
}

// geminiSchema converts the JSON Schema subset Gemini understands.
func geminiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := m["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := m["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = geminiSchema(propMap)
			}
		}
	}
	if required, ok := m["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		schema.Items = geminiSchema(items)
	}
	return schema
}
