package agent

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"
)

// StreamText runs a tool-less completion and calls onDelta for each text
// chunk. It returns the full text. A non-nil error from onDelta stops the
// stream and is returned.
func StreamText(ctx context.Context, provider LLMProvider, req *CompletionRequest, onDelta func(string) error) (string, error) {
	if provider == nil {
		return "", ErrNoProvider
	}
	if req == nil {
		return "", errors.New("completion request is nil")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	plain := *req
	plain.Tools = nil
	chunks, err := provider.Complete(ctx, &plain)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return b.String(), chunk.Error
		}
		if chunk.Text == "" {
			continue
		}
		if b.Len()+len(chunk.Text) > MaxResponseTextSize {
			return b.String(), errors.New("generated text exceeds maximum size")
		}
		b.WriteString(chunk.Text)
		if onDelta != nil {
			if err := onDelta(chunk.Text); err != nil {
				return b.String(), err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return b.String(), err
	}
	return b.String(), nil
}

// GenerateText runs a tool-less completion and returns its text.
func GenerateText(ctx context.Context, provider LLMProvider, req *CompletionRequest) (string, error) {
	return StreamText(ctx, provider, req, nil)
}

// DefaultTitlePrompt instructs the model to summarize a first message into a
// chat title.
const DefaultTitlePrompt = `You will generate a short title based on the first message a user begins a conversation with.
Ensure it is not more than 80 characters long.
The title should be a summary of the user's message.
Do not use quotes or colons.`

// TitleSummarizer produces chat titles with a model.
type TitleSummarizer struct {
	catalog *Catalog
	model   string
	prompt  string
}

// NewTitleSummarizer creates a summarizer. An empty model uses the catalog
// default, an empty prompt DefaultTitlePrompt.
func NewTitleSummarizer(catalog *Catalog, model, prompt string) *TitleSummarizer {
	if prompt == "" {
		prompt = DefaultTitlePrompt
	}
	return &TitleSummarizer{catalog: catalog, model: model, prompt: prompt}
}

// Summarize returns a title for text, at most 80 runes.
func (s *TitleSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	provider, model, ok := s.catalog.Resolve(s.model)
	if !ok {
		return "", ErrNoProvider
	}
	title, err := GenerateText(ctx, provider, &CompletionRequest{
		Model:     model,
		System:    s.prompt,
		Messages:  []CompletionMessage{{Role: "user", Content: text}},
		MaxTokens: 64,
	})
	if err != nil {
		return "", err
	}
	title = strings.TrimSpace(strings.Trim(strings.TrimSpace(title), `"'`))
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if utf8.RuneCountInString(title) > 80 {
		title = string([]rune(title)[:80])
	}
	if title == "" {
		return "", errors.New("model returned an empty title")
	}
	return title, nil
}
