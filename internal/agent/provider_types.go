package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/chatturn/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of one vendor API while presenting a
// unified streaming interface to the turn orchestrator. They must be safe for
// concurrent use, and must stop sending on the returned channel once ctx is done.
//
// See Also:
//   - providers.OpenAIProvider
//   - providers.AnthropicProvider
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response. The channel is
	// closed after a chunk with Done or Error set.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for one model invocation.
//
// Example:
//
//	req := &CompletionRequest{
//	    Model:     "gpt-4o-mini",
//	    System:    "You are a friendly assistant.",
//	    Messages:  []CompletionMessage{{Role: "user", Content: "Hello"}},
//	    MaxTokens: 1024,
//	}
type CompletionRequest struct {
	// Model specifies which model to use. If empty, the provider's default is used.
	Model string `json:"model"`

	// System is the system prompt.
	System string `json:"system,omitempty"`

	// Messages contains the conversation in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools the model may call during this invocation.
	Tools []Tool `json:"tools,omitempty"`

	// MaxTokens limits the response length. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage is a single message in provider-neutral form.
//
// Role values: "user", "assistant", "tool". An assistant message may carry
// both text and tool calls; a tool message carries the results of the calls
// made by the preceding assistant message.
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk is a single element of a streaming model response. Each
// chunk carries text, a complete tool call, the done signal, or an error.
type CompletionChunk struct {
	// Text contains partial response text.
	Text string `json:"text,omitempty"`

	// ToolCall contains a complete tool call with its arguments.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream has completed successfully.
	Done bool `json:"done,omitempty"`

	// Error terminates the stream.
	Error error `json:"-"`

	// InputTokens and OutputTokens are populated on the final chunk when the
	// provider reports usage.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes an available model.
type Model struct {
	// ID is the API identifier, also the modelId clients send.
	ID string `json:"id"`

	// Name is the human-readable model name.
	Name string `json:"name"`

	// Description is shown in model pickers.
	Description string `json:"description,omitempty"`

	// ContextSize is the maximum token context window.
	ContextSize int `json:"context_size,omitempty"`
}

// Tool defines the interface for capabilities the model can invoke mid-turn.
//
// Implementing a Tool:
//
//	type Clock struct{}
//
//	func (Clock) Name() string        { return "getTime" }
//	func (Clock) Description() string { return "Returns the current time" }
//	func (Clock) Schema() json.RawMessage {
//	    return json.RawMessage(`{"type":"object","properties":{}}`)
//	}
//	func (Clock) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
//	    return &ToolResult{Content: time.Now().Format(time.RFC3339)}, nil
//	}
//
// Most tools are built with NewTypedTool instead.
type Tool interface {
	// Name returns the tool name for model function calling.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema of the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with parameters that have already been validated
	// against Schema.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult contains the output from a tool execution. Content is sent back
// to the model; failures are reported with IsError so the model can react.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// JSON returns Content as a JSON value, encoding it as a string when it is not
// already valid JSON.
func (r *ToolResult) JSON() json.RawMessage {
	if r == nil {
		return json.RawMessage("null")
	}
	if r.Content != "" && json.Valid([]byte(r.Content)) {
		return json.RawMessage(r.Content)
	}
	encoded, _ := json.Marshal(r.Content)
	return encoded
}
