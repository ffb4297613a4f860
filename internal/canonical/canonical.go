// Package canonical normalizes message content into the single representation
// used for storage and re-hydration.
//
// Content arrives in many shapes: plain strings, legacy JSON-encoded part arrays,
// structured parts, tool results, or decoded JSON values from clients. Canonicalize
// maps all of them to models.Content and never fails; content it cannot interpret
// degrades to a text part holding a stringified form.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatturn/pkg/models"
)

// Canonicalize converts v into canonical content. It is total and idempotent:
// Canonicalize(Canonicalize(v)) equals Canonicalize(v).
func Canonicalize(v any) (content models.Content) {
	defer func() {
		if r := recover(); r != nil {
			content = textContent(fmt.Sprintf("%v", v))
		}
	}()

	switch val := v.(type) {
	case nil:
		return nil
	case models.Content:
		return normalize(val)
	case []models.Part:
		return normalize(models.Content(val))
	case models.Part:
		return normalize(models.Content{val})
	case *models.Part:
		if val == nil {
			return nil
		}
		return normalize(models.Content{*val})
	case *models.Message:
		if val == nil {
			return nil
		}
		return normalize(val.Content)
	case string:
		return fromString(val)
	case json.RawMessage:
		return fromJSON(val)
	case []byte:
		return fromJSON(val)
	case models.ToolCall:
		return normalize(models.Content{models.ToolCallPart(val)})
	case []models.ToolCall:
		parts := make(models.Content, 0, len(val))
		for _, call := range val {
			parts = append(parts, models.ToolCallPart(call))
		}
		return normalize(parts)
	case models.ToolResult:
		return normalize(models.Content{toolResultPart(val)})
	case []models.ToolResult:
		parts := make(models.Content, 0, len(val))
		for _, result := range val {
			parts = append(parts, toolResultPart(result))
		}
		return normalize(parts)
	case map[string]any:
		return fromMap(val)
	case []any:
		var parts models.Content
		for _, item := range val {
			parts = append(parts, Canonicalize(item)...)
		}
		return normalize(parts)
	case error:
		return textContent(val.Error())
	case fmt.Stringer:
		return textContent(val.String())
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return textContent(fmt.Sprintf("%v", val))
		}
		return textContent(string(data))
	}
}

// Message builds a canonical message with a fresh id.
func Message(chatID string, role models.Role, v any) *models.Message {
	return &models.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Role:      role,
		Content:   Canonicalize(v),
		CreatedAt: time.Now().UTC(),
	}
}

func textContent(text string) models.Content {
	if text == "" {
		return nil
	}
	return models.Content{models.TextPart(text)}
}

func toolResultPart(result models.ToolResult) models.Part {
	return models.ToolResultPart(result.ToolCallID, result.ToolName, ensureJSON([]byte(result.Content)), result.IsError)
}

// fromString treats a string as plain text unless it is a legacy JSON array of
// well-formed parts.
func fromString(s string) models.Content {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "[") {
		if parts, ok := decodeParts([]byte(trimmed)); ok {
			return normalize(parts)
		}
	}
	return textContent(s)
}

func fromJSON(data []byte) models.Content {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	if !json.Valid(trimmed) {
		return textContent(string(data))
	}
	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err == nil {
			return fromString(text)
		}
	case '[':
		if parts, ok := decodeParts(trimmed); ok {
			return normalize(parts)
		}
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err == nil && len(items) == 0 {
			return nil
		}
	case '{':
		var part models.Part
		if err := json.Unmarshal(trimmed, &part); err == nil && wellFormed(part) {
			return normalize(models.Content{part})
		}
	case 'n':
		return nil
	}
	return textContent(compact(trimmed))
}

func fromMap(m map[string]any) models.Content {
	if len(m) == 0 {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return textContent(fmt.Sprintf("%v", m))
	}
	var part models.Part
	if _, typed := m["type"]; typed {
		if err := json.Unmarshal(data, &part); err == nil && wellFormed(part) {
			return normalize(models.Content{part})
		}
	}
	// Clients sometimes send {"text": "..."} without a type tag.
	if text, ok := m["text"].(string); ok && len(m) == 1 {
		return textContent(text)
	}
	return textContent(string(data))
}

func decodeParts(data []byte) (models.Content, bool) {
	var parts []models.Part
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) == 0 {
		return nil, false
	}
	for _, part := range parts {
		if !wellFormed(part) {
			return nil, false
		}
	}
	return parts, true
}

func wellFormed(part models.Part) bool {
	switch part.Type {
	case models.PartText:
		return true
	case models.PartToolCall, models.PartToolResult:
		return part.ToolCallID != "" || part.ToolName != ""
	default:
		return false
	}
}

// normalize drops empty text, compacts JSON payloads and converts unknown part
// types to text. Applying it twice gives the same result as applying it once.
func normalize(content models.Content) models.Content {
	if len(content) == 0 {
		return nil
	}
	out := make(models.Content, 0, len(content))
	for _, part := range content {
		switch part.Type {
		case models.PartText:
			if part.Text == "" {
				continue
			}
			out = append(out, models.TextPart(part.Text))
		case models.PartToolCall:
			args := part.Args
			if len(bytes.TrimSpace(args)) == 0 {
				args = json.RawMessage(`{}`)
			}
			out = append(out, models.Part{
				Type:       models.PartToolCall,
				ToolCallID: part.ToolCallID,
				ToolName:   part.ToolName,
				Args:       ensureJSON(args),
			})
		case models.PartToolResult:
			out = append(out, models.ToolResultPart(part.ToolCallID, part.ToolName, ensureJSON(part.Result), part.IsError))
		default:
			data, err := json.Marshal(part)
			if err != nil {
				continue
			}
			out = append(out, models.TextPart(string(data)))
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ensureJSON returns data compacted when it is valid JSON, and a JSON string
// holding it otherwise. Empty input becomes null.
func ensureJSON(data []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return json.RawMessage(`null`)
	}
	if json.Valid(trimmed) {
		return json.RawMessage(compact(trimmed))
	}
	quoted, err := json.Marshal(string(data))
	if err != nil {
		return json.RawMessage(`null`)
	}
	return quoted
}

func compact(data []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return string(data)
	}
	return buf.String()
}
