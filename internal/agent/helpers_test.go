package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/chatturn/internal/stream"
	"github.com/haasonsaas/chatturn/pkg/models"
)

const testModel = "test-model"

type scriptStep func(ctx context.Context, ch chan<- *CompletionChunk)

// scriptedProvider plays one script step per Complete call. Calls beyond the
// script run repeat, if set.
type scriptedProvider struct {
	mu       sync.Mutex
	script   []scriptStep
	repeat   scriptStep
	requests []*CompletionRequest
	noTools  bool
}

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	call := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	step := p.repeat
	if call < len(p.script) {
		step = p.script[call]
	}
	ch := make(chan *CompletionChunk)
	go func() {
		defer close(ch)
		if step != nil {
			step(ctx, ch)
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }
func (p *scriptedProvider) Models() []Model {
	return []Model{{ID: testModel, Name: "Test Model"}}
}
func (p *scriptedProvider) SupportsTools() bool { return !p.noTools }

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) *CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func send(ctx context.Context, ch chan<- *CompletionChunk, chunk *CompletionChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func textStep(parts ...string) scriptStep {
	return func(ctx context.Context, ch chan<- *CompletionChunk) {
		for _, part := range parts {
			if !send(ctx, ch, &CompletionChunk{Text: part}) {
				return
			}
		}
		send(ctx, ch, &CompletionChunk{Done: true, InputTokens: 10, OutputTokens: len(parts)})
	}
}

func toolStep(calls ...models.ToolCall) scriptStep {
	return func(ctx context.Context, ch chan<- *CompletionChunk) {
		for i := range calls {
			call := calls[i]
			if !send(ctx, ch, &CompletionChunk{ToolCall: &call}) {
				return
			}
		}
		send(ctx, ch, &CompletionChunk{Done: true})
	}
}

func errorStep(err error, textFirst ...string) scriptStep {
	return func(ctx context.Context, ch chan<- *CompletionChunk) {
		for _, part := range textFirst {
			if !send(ctx, ch, &CompletionChunk{Text: part}) {
				return
			}
		}
		send(ctx, ch, &CompletionChunk{Error: err})
	}
}

// hangStep streams text and then blocks until the call is cancelled.
func hangStep(parts ...string) scriptStep {
	return func(ctx context.Context, ch chan<- *CompletionChunk) {
		for _, part := range parts {
			if !send(ctx, ch, &CompletionChunk{Text: part}) {
				return
			}
		}
		<-ctx.Done()
	}
}

func toolCall(id, name, args string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Input: json.RawMessage(args)}
}

func userHistory(chatID, text string) []*models.Message {
	return []*models.Message{{
		ID:        "user-1",
		ChatID:    chatID,
		Role:      models.RoleUser,
		Content:   models.Content{models.TextPart(text)},
		CreatedAt: time.Now(),
	}}
}

// collect reads every event of the turn.
func collect(t *testing.T, turn *Turn) []stream.Event {
	t.Helper()
	var events []stream.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-turn.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out reading events; got %d so far", len(events))
		}
	}
}

func finishOf(t *testing.T, events []stream.Event) stream.FinishInfo {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	count := 0
	for _, ev := range events {
		if ev.Type == stream.EventFinish {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("finish events = %d, want 1", count)
	}
	last := events[len(events)-1]
	if last.Type != stream.EventFinish {
		t.Fatalf("last event = %s, want finish", last.Type)
	}
	info, ok := last.Content.(stream.FinishInfo)
	if !ok {
		t.Fatalf("finish content = %T", last.Content)
	}
	return info
}

func textOf(events []stream.Event) string {
	var out string
	for _, ev := range events {
		if ev.Type == stream.EventTextDelta {
			out += ev.Content.(string)
		}
	}
	return out
}

type echoParams struct {
	Text string `json:"text" jsonschema:"description=Text to echo"`
}

func newEchoTool(t *testing.T) Tool {
	t.Helper()
	tool, err := NewTypedTool("echo", "Echoes text back", func(ctx context.Context, p echoParams) (any, error) {
		if err := EmitToolEvent(ctx, stream.Event{Type: stream.EventAnnotation, Content: "echoing " + p.Text}); err != nil {
			return nil, err
		}
		return map[string]string{"echo": p.Text}, nil
	})
	if err != nil {
		t.Fatalf("NewTypedTool() error = %v", err)
	}
	return tool
}
