package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// PartType tags a content part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
)

// Part is one typed element of message content. Exactly the fields relevant to
// Type are populated.
type Part struct {
	Type PartType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool-call and tool-result
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ToolCallPart builds a tool-call part.
func ToolCallPart(call ToolCall) Part {
	return Part{Type: PartToolCall, ToolCallID: call.ID, ToolName: call.Name, Args: call.Input}
}

// ToolResultPart builds a tool-result part. The result must be valid JSON.
func ToolResultPart(callID, name string, result json.RawMessage, isError bool) Part {
	return Part{Type: PartToolResult, ToolCallID: callID, ToolName: name, Result: result, IsError: isError}
}

// Content is the canonical message content: an ordered list of parts.
type Content []Part

// Text concatenates the text parts without separators.
func (c Content) Text() string {
	var b strings.Builder
	for _, part := range c {
		if part.Type == PartText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// Equal reports whether two contents hold the same parts.
func (c Content) Equal(other Content) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		a, b := c[i], other[i]
		if a.Type != b.Type || a.Text != b.Text || a.ToolCallID != b.ToolCallID ||
			a.ToolName != b.ToolName || a.IsError != b.IsError {
			return false
		}
		if !bytes.Equal(a.Args, b.Args) || !bytes.Equal(a.Result, b.Result) {
			return false
		}
	}
	return true
}

// MarshalJSON always encodes an array, never null.
func (c Content) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Part(c))
}

// UnmarshalJSON accepts the canonical array form as well as a bare string, which
// older rows and clients use for plain text.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = nil
		return nil
	}
	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		if text == "" {
			*c = nil
			return nil
		}
		*c = Content{TextPart(text)}
		return nil
	case '[':
		var parts []Part
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return err
		}
		*c = parts
		return nil
	default:
		return errors.New("content must be a string or an array of parts")
	}
}
