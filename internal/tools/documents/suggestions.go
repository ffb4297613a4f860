package documents

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/haasonsaas/chatturn/internal/agent"
	"github.com/haasonsaas/chatturn/internal/stream"
	"github.com/haasonsaas/chatturn/pkg/models"
)

type suggestionParams struct {
	DocumentID string `json:"documentId" jsonschema:"minLength=1,description=ID of the document to request suggestions for"`
}

// SuggestionsResult is returned to the model by requestSuggestions.
type SuggestionsResult struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Suggestions int    `json:"suggestions"`
	Message     string `json:"message"`
}

// suggestionLine is one JSON line of model output.
type suggestionLine struct {
	OriginalSentence  string `json:"originalSentence"`
	SuggestedSentence string `json:"suggestedSentence"`
	Description       string `json:"description"`
}

var errEnoughSuggestions = errors.New("suggestion limit reached")

// RequestSuggestions builds the requestSuggestions tool. The model answers
// with JSON lines; each valid line is streamed as a suggestion event as soon
// as it completes. All suggestions are stored against the document version
// they were made for.
func (t *Tools) RequestSuggestions() (agent.Tool, error) {
	return agent.NewTypedTool(RequestSuggestionsName,
		"Request writing suggestions for a document.",
		func(ctx context.Context, p suggestionParams) (any, error) {
			owner, err := requester(ctx)
			if err != nil {
				return nil, err
			}
			doc, err := t.load(ctx, p.DocumentID, owner)
			if err != nil {
				return nil, err
			}
			provider, model, err := t.provider(ctx)
			if err != nil {
				return nil, err
			}

			var (
				pending     strings.Builder
				suggestions []*models.Suggestion
			)
			accept := func(line string) error {
				s, ok := parseSuggestion(line)
				if !ok {
					return nil
				}
				suggestion := &models.Suggestion{
					ID:                t.config.newID(),
					DocumentID:        doc.ID,
					DocumentCreatedAt: doc.CreatedAt,
					OriginalText:      s.OriginalSentence,
					SuggestedText:     s.SuggestedSentence,
					Description:       s.Description,
					OwnerID:           owner,
					CreatedAt:         t.config.now(),
				}
				if err := agent.EmitToolEvent(ctx, stream.Event{Type: stream.EventSuggestion, Content: suggestion}); err != nil {
					return err
				}
				suggestions = append(suggestions, suggestion)
				if len(suggestions) >= t.config.MaxSuggestions {
					return errEnoughSuggestions
				}
				return nil
			}

			_, err = agent.StreamText(ctx, provider, &agent.CompletionRequest{
				Model:    model,
				System:   t.config.Prompts.Current().Suggestions,
				Messages: []agent.CompletionMessage{{Role: "user", Content: doc.Content}},
			}, func(delta string) error {
				pending.WriteString(delta)
				buffered := pending.String()
				idx := strings.LastIndexByte(buffered, '\n')
				if idx < 0 {
					return nil
				}
				pending.Reset()
				pending.WriteString(buffered[idx+1:])
				for _, line := range strings.Split(buffered[:idx], "\n") {
					if err := accept(line); err != nil {
						return err
					}
				}
				return nil
			})
			switch {
			case errors.Is(err, errEnoughSuggestions):
			case err != nil:
				return nil, err
			default:
				if err := accept(pending.String()); err != nil && !errors.Is(err, errEnoughSuggestions) {
					return nil, err
				}
			}

			if len(suggestions) > 0 {
				if result := t.config.Writer.SaveSuggestions(ctx, suggestions); result.Soft() {
					t.logger.WarnContext(ctx, "suggestions not stored",
						"document_id", doc.ID,
						"count", len(suggestions),
						"error", result.Err,
					)
				}
			}
			return SuggestionsResult{
				ID:          doc.ID,
				Title:       doc.Title,
				Suggestions: len(suggestions),
				Message:     "Suggestions have been added to the document",
			}, nil
		})
}

// parseSuggestion decodes one output line. Markdown fences, blank lines and
// lines without both sentences are skipped.
func parseSuggestion(line string) (suggestionLine, bool) {
	line = strings.TrimSpace(line)
	line = strings.TrimSuffix(line, ",")
	if line == "" || !strings.HasPrefix(line, "{") {
		return suggestionLine{}, false
	}
	var s suggestionLine
	if err := json.Unmarshal([]byte(line), &s); err != nil {
		return suggestionLine{}, false
	}
	if strings.TrimSpace(s.OriginalSentence) == "" || strings.TrimSpace(s.SuggestedSentence) == "" {
		return suggestionLine{}, false
	}
	return s, true
}
