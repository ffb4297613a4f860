package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Message is a single entry in a chat transcript.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Role      Role      `json:"role"`
	Content   Content   `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ToolCalls returns the tool-call parts of the message as ToolCall values.
func (m *Message) ToolCalls() []ToolCall {
	if m == nil {
		return nil
	}
	var calls []ToolCall
	for _, part := range m.Content {
		if part.Type == PartToolCall {
			calls = append(calls, ToolCall{ID: part.ToolCallID, Name: part.ToolName, Input: part.Args})
		}
	}
	return calls
}

// ToolResults returns the tool-result parts of the message.
func (m *Message) ToolResults() []ToolResult {
	if m == nil {
		return nil
	}
	var results []ToolResult
	for _, part := range m.Content {
		if part.Type == PartToolResult {
			results = append(results, ToolResult{
				ToolCallID: part.ToolCallID,
				ToolName:   part.ToolName,
				Content:    string(part.Result),
				IsError:    part.IsError,
			})
		}
	}
	return results
}

// Text returns the concatenated text parts of the message.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	return m.Content.Text()
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError,omitempty"`
}

// User represents an authenticated caller.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}
