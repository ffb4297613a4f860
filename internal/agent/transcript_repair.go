package agent

import (
	"strings"

	"github.com/haasonsaas/chatturn/internal/canonical"
	"github.com/haasonsaas/chatturn/pkg/models"
)

const missingToolResult = `{"error":"tool result missing"}`

// buildCompletionMessages converts stored history into provider messages.
// System messages are folded into the returned system text. Tool results that
// answer no pending call are dropped, and calls left unanswered before the
// next assistant or user message get a synthesized error result, so every
// provider sees a well-formed call/result pairing.
func buildCompletionMessages(history []*models.Message) ([]CompletionMessage, string) {
	var (
		out          []CompletionMessage
		system       []string
		pendingOrder []string
		pending      = make(map[string]models.ToolCall)
	)

	flushPending := func() {
		if len(pendingOrder) == 0 {
			return
		}
		results := make([]models.ToolResult, 0, len(pendingOrder))
		for _, id := range pendingOrder {
			results = append(results, models.ToolResult{
				ToolCallID: id,
				ToolName:   pending[id].Name,
				Content:    missingToolResult,
				IsError:    true,
			})
			delete(pending, id)
		}
		pendingOrder = pendingOrder[:0]
		out = append(out, CompletionMessage{Role: string(models.RoleTool), ToolResults: results})
	}

	for _, msg := range history {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case models.RoleSystem:
			if text := canonical.Flatten(msg.Content); text != "" {
				system = append(system, text)
			}
		case models.RoleAssistant:
			flushPending()
			calls := msg.ToolCalls()
			for _, call := range calls {
				if call.ID == "" {
					continue
				}
				pending[call.ID] = call
				pendingOrder = append(pendingOrder, call.ID)
			}
			text := msg.Text()
			if text == "" && len(calls) == 0 {
				continue
			}
			out = append(out, CompletionMessage{Role: string(models.RoleAssistant), Content: text, ToolCalls: calls})
		case models.RoleTool:
			var fixed []models.ToolResult
			for _, res := range msg.ToolResults() {
				if res.ToolCallID == "" && len(pendingOrder) > 0 {
					res.ToolCallID = pendingOrder[0]
				}
				if _, ok := pending[res.ToolCallID]; !ok {
					continue
				}
				delete(pending, res.ToolCallID)
				pendingOrder = removeID(pendingOrder, res.ToolCallID)
				fixed = append(fixed, res)
			}
			if len(fixed) > 0 {
				out = append(out, CompletionMessage{Role: string(models.RoleTool), ToolResults: fixed})
			}
		default:
			flushPending()
			out = append(out, CompletionMessage{Role: string(models.RoleUser), Content: canonical.Flatten(msg.Content)})
		}
	}
	flushPending()
	return out, strings.Join(system, "\n\n")
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			copy(ids[i:], ids[i+1:])
			return ids[:len(ids)-1]
		}
	}
	return ids
}
