package documents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/chatturn/internal/agent"
	"github.com/haasonsaas/chatturn/internal/persist"
	"github.com/haasonsaas/chatturn/internal/storage"
	"github.com/haasonsaas/chatturn/internal/stream"
	"github.com/haasonsaas/chatturn/pkg/models"
)

const testModel = "test-model"

// textProvider streams its chunks for every request.
type textProvider struct {
	mu       sync.Mutex
	chunks   []string
	requests []*agent.CompletionRequest
}

func (p *textProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	ch := make(chan *agent.CompletionChunk)
	go func() {
		defer close(ch)
		for _, text := range p.chunks {
			select {
			case ch <- &agent.CompletionChunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- &agent.CompletionChunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (p *textProvider) Name() string          { return "text" }
func (p *textProvider) Models() []agent.Model { return []agent.Model{{ID: testModel}} }
func (p *textProvider) SupportsTools() bool   { return false }

func (p *textProvider) lastRequest() *agent.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

type fixture struct {
	store    *storage.MemoryStore
	provider *textProvider
	registry *agent.ToolRegistry
	events   []stream.Event
}

func newFixture(t *testing.T, maxSuggestions int, chunks ...string) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemoryStore(),
		provider: &textProvider{chunks: chunks},
		registry: agent.NewToolRegistry(),
	}
	ids := 0
	tools, err := New(Config{
		Catalog:        agent.NewCatalog(f.provider),
		Documents:      f.store,
		Writer:         persist.NewWriter(f.store, persist.DefaultConfig()),
		MaxSuggestions: maxSuggestions,
		newID: func() string {
			ids++
			return fmt.Sprintf("id-%d", ids)
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := tools.Register(f.registry); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return f
}

func (f *fixture) execute(t *testing.T, user, name, params string) (*agent.ToolResult, error) {
	t.Helper()
	ctx := agent.WithTurn(context.Background(), agent.TurnInfo{TurnID: "turn-1", ChatID: "chat-1", UserID: user, Model: testModel})
	ctx = agent.WithToolCall(ctx, models.ToolCall{ID: "call-1", Name: name})
	ctx = agent.WithEmitter(ctx, func(_ context.Context, ev stream.Event) error {
		f.events = append(f.events, ev)
		return nil
	})
	return f.registry.Execute(ctx, name, json.RawMessage(params))
}

func (f *fixture) seed(t *testing.T, doc models.Document) {
	t.Helper()
	if err := f.store.InsertDocumentVersion(context.Background(), &doc); err != nil {
		t.Fatalf("InsertDocumentVersion() error = %v", err)
	}
}

func eventTypes(events []stream.Event) []stream.EventType {
	out := make([]stream.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestCreateDocument(t *testing.T) {
	f := newFixture(t, 0, "# Oil ", "change")
	result, err := f.execute(t, "user-1", CreateDocumentName, `{"title":"Oil change checklist"}`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	want := []stream.EventType{stream.EventID, stream.EventTitle, stream.EventClear, stream.EventTextDelta, stream.EventTextDelta}
	if got := eventTypes(f.events); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if f.events[0].Content != "id-1" || f.events[1].Content != "Oil change checklist" {
		t.Errorf("id/title events = %+v %+v", f.events[0], f.events[1])
	}
	for _, ev := range f.events {
		if ev.ToolCallID != "call-1" {
			t.Errorf("event %s ToolCallID = %q", ev.Type, ev.ToolCallID)
		}
	}

	var out Result
	if err := json.Unmarshal([]byte(result.Content), &out); err != nil {
		t.Fatalf("result = %s: %v", result.Content, err)
	}
	if out != (Result{ID: "id-1", Title: "Oil change checklist", Content: "# Oil change"}) {
		t.Errorf("result = %+v", out)
	}

	doc, err := f.store.GetDocument(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if doc.OwnerID != "user-1" || doc.Content != "# Oil change" {
		t.Errorf("stored document = %+v", doc)
	}
	req := f.provider.lastRequest()
	if req.Messages[0].Content != "Oil change checklist" || len(req.Tools) != 0 {
		t.Errorf("draft request = %+v", req)
	}
}

func TestUpdateDocument(t *testing.T) {
	tests := []struct {
		name        string
		params      string
		chunks      []string
		wantContent string
		wantEvents  []stream.EventType
	}{
		{
			name:        "replace content",
			params:      `{"id":"doc-1","content":"new text"}`,
			wantContent: "new text",
			wantEvents:  []stream.EventType{stream.EventClear, stream.EventTextDelta},
		},
		{
			name:        "regenerate from description",
			params:      `{"id":"doc-1","description":"make it shorter"}`,
			chunks:      []string{"short", "er"},
			wantContent: "shorter",
			wantEvents:  []stream.EventType{stream.EventClear, stream.EventTextDelta, stream.EventTextDelta},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0, tt.chunks...)
			f.seed(t, models.Document{ID: "doc-1", OwnerID: "user-1", Title: "Notes", Content: "old text", CreatedAt: time.Now().Add(-time.Hour)})

			result, err := f.execute(t, "user-1", UpdateDocumentName, tt.params)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if got := eventTypes(f.events); fmt.Sprint(got) != fmt.Sprint(tt.wantEvents) {
				t.Errorf("events = %v, want %v", got, tt.wantEvents)
			}
			var out Result
			if err := json.Unmarshal([]byte(result.Content), &out); err != nil {
				t.Fatalf("result = %s: %v", result.Content, err)
			}
			if out.Title != "Notes" || out.Content != tt.wantContent {
				t.Errorf("result = %+v", out)
			}

			versions, err := f.store.ListDocumentVersions(context.Background(), "doc-1")
			if err != nil {
				t.Fatalf("ListDocumentVersions() error = %v", err)
			}
			if len(versions) != 2 || versions[1].Content != tt.wantContent {
				t.Fatalf("versions = %+v", versions)
			}
			if !versions[1].CreatedAt.After(versions[0].CreatedAt) {
				t.Error("new version is not later than the previous one")
			}
		})
	}
}

func TestUpdateDocument_Rejected(t *testing.T) {
	tests := []struct {
		name      string
		user      string
		params    string
		wantError string
	}{
		{name: "missing document", user: "user-1", params: `{"id":"nope","content":"x"}`, wantError: "Document not found"},
		{name: "foreign document", user: "user-2", params: `{"id":"doc-1","content":"x"}`, wantError: "Document not found"},
		{name: "nothing to change", user: "user-1", params: `{"id":"doc-1"}`, wantError: "content or description is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			f.seed(t, models.Document{ID: "doc-1", OwnerID: "user-1", Title: "Notes", Content: "old", CreatedAt: time.Now()})

			result, err := f.execute(t, tt.user, UpdateDocumentName, tt.params)
			if err == nil || !result.IsError {
				t.Fatalf("Execute() = %+v, %v; want tool failure", result, err)
			}
			var payload map[string]string
			if err := json.Unmarshal([]byte(result.Content), &payload); err != nil {
				t.Fatalf("content = %s: %v", result.Content, err)
			}
			if !strings.Contains(payload["error"], tt.wantError) {
				t.Errorf("error = %q, want %q", payload["error"], tt.wantError)
			}
			if len(f.events) != 0 {
				t.Errorf("events = %v, want none", eventTypes(f.events))
			}
			versions, _ := f.store.ListDocumentVersions(context.Background(), "doc-1")
			if len(versions) != 1 {
				t.Errorf("versions = %d, want 1", len(versions))
			}
		})
	}
}

func TestRequestSuggestions(t *testing.T) {
	version := time.Now().Add(-time.Minute)
	lines := []string{
		`{"originalSentence":"The car is broke.","suggestedSentence":"The car is broken.","description":"Grammar"}` + "\n" + `{"originalSen`,
		`tence":"It make noise.","suggestedSentence":"It makes noise.","description":"Agreement"}` + "\n",
		"not json\n",
		`{"originalSentence":"Third.","suggestedSentence":"3rd.","description":"Style"}`,
	}

	t.Run("all lines", func(t *testing.T) {
		f := newFixture(t, 0, lines...)
		f.seed(t, models.Document{ID: "doc-1", OwnerID: "user-1", Title: "Notes", Content: "The car is broke.", CreatedAt: version})

		result, err := f.execute(t, "user-1", RequestSuggestionsName, `{"documentId":"doc-1"}`)
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		var out SuggestionsResult
		if err := json.Unmarshal([]byte(result.Content), &out); err != nil {
			t.Fatalf("result = %s: %v", result.Content, err)
		}
		if out.Suggestions != 3 {
			t.Errorf("Suggestions = %d, want 3", out.Suggestions)
		}
		if len(f.events) != 3 {
			t.Fatalf("events = %v", eventTypes(f.events))
		}
		first, ok := f.events[0].Content.(*models.Suggestion)
		if !ok || f.events[0].Type != stream.EventSuggestion || first.SuggestedText != "The car is broken." {
			t.Fatalf("first event = %+v", f.events[0])
		}

		stored, err := f.store.ListSuggestions(context.Background(), "doc-1")
		if err != nil {
			t.Fatalf("ListSuggestions() error = %v", err)
		}
		if len(stored) != 3 {
			t.Fatalf("stored = %d, want 3", len(stored))
		}
		for _, s := range stored {
			if !s.DocumentCreatedAt.Equal(models.VersionTime(version)) || s.OwnerID != "user-1" {
				t.Errorf("suggestion = %+v", s)
			}
		}
		if got := f.provider.lastRequest().Messages[0].Content; got != "The car is broke." {
			t.Errorf("prompt = %q", got)
		}
	})

	t.Run("limit stops early", func(t *testing.T) {
		f := newFixture(t, 1, lines...)
		f.seed(t, models.Document{ID: "doc-1", OwnerID: "user-1", Title: "Notes", Content: "x", CreatedAt: version})

		if _, err := f.execute(t, "user-1", RequestSuggestionsName, `{"documentId":"doc-1"}`); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if len(f.events) != 1 {
			t.Errorf("events = %d, want 1", len(f.events))
		}
		stored, _ := f.store.ListSuggestions(context.Background(), "doc-1")
		if len(stored) != 1 {
			t.Errorf("stored = %d, want 1", len(stored))
		}
	})

	t.Run("missing document", func(t *testing.T) {
		f := newFixture(t, 0, lines...)
		result, err := f.execute(t, "user-1", RequestSuggestionsName, `{"documentId":"nope"}`)
		if err == nil || result.Content != `{"error":"Document not found"}` {
			t.Errorf("Execute() = %+v, %v", result, err)
		}
	})
}

func TestParseSuggestion(t *testing.T) {
	tests := []struct {
		line string
		ok   bool
	}{
		{line: `{"originalSentence":"a","suggestedSentence":"b"},`, ok: true},
		{line: "```json", ok: false},
		{line: `{"originalSentence":"a"}`, ok: false},
		{line: `{broken`, ok: false},
		{line: "   ", ok: false},
	}
	for _, tt := range tests {
		if _, ok := parseSuggestion(tt.line); ok != tt.ok {
			t.Errorf("parseSuggestion(%q) ok = %v, want %v", tt.line, ok, tt.ok)
		}
	}
}
