package canonical

import (
	"strings"

	"github.com/haasonsaas/chatturn/pkg/models"
)

// Flatten renders content as a single string for readers that predate structured
// parts. Text parts are kept verbatim, tool calls render as "[name]" and tool
// results as "name: <json>". Parts are joined with newlines.
func Flatten(content models.Content) string {
	lines := make([]string, 0, len(content))
	for _, part := range content {
		switch part.Type {
		case models.PartText:
			lines = append(lines, part.Text)
		case models.PartToolCall:
			lines = append(lines, "["+part.ToolName+"]")
		case models.PartToolResult:
			lines = append(lines, part.ToolName+": "+string(part.Result))
		}
	}
	return strings.Join(lines, "\n")
}

// FlattenAny canonicalizes v and flattens the result.
func FlattenAny(v any) string {
	return Flatten(Canonicalize(v))
}
