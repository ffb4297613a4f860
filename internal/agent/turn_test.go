package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/chatturn/internal/persist"
	"github.com/haasonsaas/chatturn/internal/storage"
	"github.com/haasonsaas/chatturn/internal/stream"
	"github.com/haasonsaas/chatturn/pkg/models"
)

type turnFixture struct {
	provider *scriptedProvider
	store    *storage.MemoryStore
	writer   *persist.Writer
	orch     *Orchestrator
}

func newTurnFixture(t *testing.T, provider *scriptedProvider, config TurnConfig, tools ...Tool) *turnFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	now := time.Now()
	if err := store.CreateChat(context.Background(), &models.Chat{ID: "c1", OwnerID: "u1", Title: "t", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	writer := persist.NewWriter(store, persist.DefaultConfig(), persist.WithLogger(logger))

	registry := NewToolRegistry()
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	orch := NewOrchestrator(NewCatalog(provider), registry, writer, config, WithLogger(logger))
	return &turnFixture{provider: provider, store: store, writer: writer, orch: orch}
}

func (f *turnFixture) run(t *testing.T) *Turn {
	t.Helper()
	turn, err := f.orch.Run(context.Background(), &TurnRequest{
		ChatID:  "c1",
		UserID:  "u1",
		Model:   testModel,
		System:  "be brief",
		History: userHistory("c1", "hello"),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return turn
}

func (f *turnFixture) stored(t *testing.T) []*models.Message {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	return msgs
}

func TestRun_TextOnly(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{textStep("Hello", ", world")}}
	f := newTurnFixture(t, provider, DefaultTurnConfig())

	turn := f.run(t)
	events := collect(t, turn)
	result := turn.Wait()

	if len(events) != 3 || events[0].Type != stream.EventTextDelta || events[1].Content != ", world" {
		t.Fatalf("events = %+v", events)
	}
	info := finishOf(t, events)
	if info.Reason != stream.FinishStop || info.Steps != 1 {
		t.Errorf("finish = %+v, want stop after 1 step", info)
	}
	if result.FinishReason != stream.FinishStop || result.Err != nil {
		t.Errorf("result = %+v", result)
	}
	if !result.Persist.OK() {
		t.Errorf("persist error = %v", result.Persist.Err)
	}

	msgs := f.stored(t)
	if len(msgs) != 1 || msgs[0].Role != models.RoleAssistant || msgs[0].Text() != "Hello, world" {
		t.Fatalf("stored = %+v", msgs)
	}
	req := provider.request(0)
	if req.System != "be brief" || req.Model != testModel || len(req.Messages) != 1 {
		t.Errorf("request = %+v", req)
	}
}

func TestRun_ToolStep(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		toolStep(toolCall("call-1", "echo", `{"text":"hi"}`)),
		textStep("done"),
	}}
	f := newTurnFixture(t, provider, DefaultTurnConfig(), newEchoTool(t))

	turn := f.run(t)
	events := collect(t, turn)
	turn.Wait()

	if len(events) != 3 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Type != stream.EventAnnotation || events[0].ToolCallID != "call-1" || events[0].Content != "echoing hi" {
		t.Errorf("tool event = %+v", events[0])
	}
	if textOf(events) != "done" {
		t.Errorf("text = %q", textOf(events))
	}
	if info := finishOf(t, events); info.Reason != stream.FinishStop || info.Steps != 2 {
		t.Errorf("finish = %+v", info)
	}

	second := provider.request(1)
	if len(second.Messages) != 3 {
		t.Fatalf("second request messages = %d, want 3", len(second.Messages))
	}
	toolMsg := second.Messages[2]
	if toolMsg.Role != "tool" || len(toolMsg.ToolResults) != 1 || toolMsg.ToolResults[0].Content != `{"echo":"hi"}` {
		t.Errorf("tool message = %+v", toolMsg)
	}
	if len(second.Tools) != 1 || second.Tools[0].Name() != "echo" {
		t.Errorf("tools = %v", second.Tools)
	}

	msgs := f.stored(t)
	if len(msgs) != 3 {
		t.Fatalf("stored = %d, want 3", len(msgs))
	}
	wantRoles := []models.Role{models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	for i, role := range wantRoles {
		if msgs[i].Role != role {
			t.Errorf("stored[%d].Role = %s, want %s", i, msgs[i].Role, role)
		}
	}
	if calls := msgs[0].ToolCalls(); len(calls) != 1 || calls[0].ID != "call-1" {
		t.Errorf("stored tool calls = %+v", calls)
	}
}

func TestRun_MaxSteps(t *testing.T) {
	provider := &scriptedProvider{repeat: toolStep(toolCall("", "echo", `{"text":"again"}`))}
	config := DefaultTurnConfig()
	config.MaxSteps = 3
	f := newTurnFixture(t, provider, config, newEchoTool(t))

	turn := f.run(t)
	events := collect(t, turn)
	result := turn.Wait()

	if provider.calls() != 3 {
		t.Errorf("model invocations = %d, want 3", provider.calls())
	}
	info := finishOf(t, events)
	if info.Reason != stream.FinishMaxSteps || info.Steps != 3 || info.Error != "" {
		t.Errorf("finish = %+v", info)
	}
	notice := events[len(events)-2]
	content, ok := notice.Content.(map[string]any)
	if notice.Type != stream.EventAnnotation || !ok || content["kind"] != "max-steps" {
		t.Errorf("truncation notice = %+v", notice)
	}
	if result.Err != nil {
		t.Errorf("result error = %v, want nil", result.Err)
	}
	if got := len(f.stored(t)); got != 6 {
		t.Errorf("stored = %d, want 6", got)
	}
}

func TestRun_ModelInvocationsNeverExceedMaxSteps(t *testing.T) {
	for _, maxSteps := range []int{1, 2, 5} {
		provider := &scriptedProvider{repeat: toolStep(toolCall("", "echo", `{"text":"x"}`))}
		config := DefaultTurnConfig()
		config.MaxSteps = maxSteps
		f := newTurnFixture(t, provider, config, newEchoTool(t))

		turn := f.run(t)
		collect(t, turn)
		turn.Wait()
		if provider.calls() > maxSteps {
			t.Errorf("MaxSteps=%d: invocations = %d", maxSteps, provider.calls())
		}
	}
}

func TestRun_ModelRetry(t *testing.T) {
	transport := errors.New("connection reset")
	tests := []struct {
		name       string
		script     []scriptStep
		wantCalls  int
		wantReason stream.FinishReason
		wantText   string
	}{
		{
			name:       "retried before any delta",
			script:     []scriptStep{errorStep(transport), textStep("ok")},
			wantCalls:  2,
			wantReason: stream.FinishStop,
			wantText:   "ok",
		},
		{
			name:       "not retried after a delta",
			script:     []scriptStep{errorStep(transport, "part"), textStep("never")},
			wantCalls:  1,
			wantReason: stream.FinishError,
			wantText:   "part",
		},
		{
			name:       "second failure fails the turn",
			script:     []scriptStep{errorStep(transport), errorStep(transport), textStep("never")},
			wantCalls:  2,
			wantReason: stream.FinishError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &scriptedProvider{script: tt.script}
			f := newTurnFixture(t, provider, DefaultTurnConfig())

			turn := f.run(t)
			events := collect(t, turn)
			result := turn.Wait()

			if provider.calls() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", provider.calls(), tt.wantCalls)
			}
			info := finishOf(t, events)
			if info.Reason != tt.wantReason {
				t.Errorf("finish reason = %s, want %s", info.Reason, tt.wantReason)
			}
			if textOf(events) != tt.wantText {
				t.Errorf("text = %q, want %q", textOf(events), tt.wantText)
			}
			if tt.wantReason == stream.FinishError {
				if !strings.Contains(info.Error, "connection reset") {
					t.Errorf("finish error = %q", info.Error)
				}
				var turnErr *TurnError
				if !errors.As(result.Err, &turnErr) || turnErr.State != StateModelCall {
					t.Errorf("result error = %v", result.Err)
				}
				if got := len(f.stored(t)); got != 0 {
					t.Errorf("stored = %d, want 0", got)
				}
			}
		})
	}
}

type panicParams struct {
	Reason string `json:"reason"`
}

func TestRun_ToolFailuresBecomeResults(t *testing.T) {
	panicky, err := NewTypedTool("explode", "Panics", func(ctx context.Context, p panicParams) (any, error) {
		panic(p.Reason)
	})
	if err != nil {
		t.Fatalf("NewTypedTool() error = %v", err)
	}
	failing, err := NewTypedTool("lookup", "Fails", func(ctx context.Context, p echoParams) (any, error) {
		return nil, errors.New("Document not found")
	})
	if err != nil {
		t.Fatalf("NewTypedTool() error = %v", err)
	}

	provider := &scriptedProvider{script: []scriptStep{
		toolStep(
			toolCall("c-missing", "missing", `{}`),
			toolCall("c-panic", "explode", `{"reason":"boom"}`),
			toolCall("c-fail", "lookup", `{"text":"x"}`),
			toolCall("c-invalid", "lookup", `{"wrong":1}`),
		),
		textStep("recovered"),
	}}
	f := newTurnFixture(t, provider, DefaultTurnConfig(), panicky, failing)

	turn := f.run(t)
	events := collect(t, turn)
	turn.Wait()

	if info := finishOf(t, events); info.Reason != stream.FinishStop {
		t.Fatalf("finish = %+v", info)
	}
	results := provider.request(1).Messages[2].ToolResults
	if len(results) != 4 {
		t.Fatalf("tool results = %d, want 4", len(results))
	}
	for _, res := range results {
		if !res.IsError {
			t.Errorf("%s: IsError = false", res.ToolCallID)
		}
		var payload map[string]string
		if err := json.Unmarshal([]byte(res.Content), &payload); err != nil || payload["error"] == "" {
			t.Errorf("%s: content = %s, want {\"error\":...}", res.ToolCallID, res.Content)
		}
	}
	if !strings.Contains(results[2].Content, "Document not found") {
		t.Errorf("lookup result = %s", results[2].Content)
	}
}

func TestRun_DisconnectMidStream(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		toolStep(toolCall("call-1", "echo", `{"text":"hi"}`)),
		hangStep("partial"),
	}}
	f := newTurnFixture(t, provider, DefaultTurnConfig(), newEchoTool(t))
	turn := f.run(t)

	for ev := range turn.Events() {
		if ev.Type == stream.EventTextDelta && ev.Content == "partial" {
			break
		}
	}
	turn.Abandon()

	done := make(chan TurnResult, 1)
	go func() { done <- turn.Wait() }()
	var result TurnResult
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait() did not return after abandon")
	}

	if result.FinishReason != stream.FinishCancelled {
		t.Errorf("finish reason = %s, want cancelled", result.FinishReason)
	}
	if provider.calls() != 2 {
		t.Errorf("calls = %d, want 2", provider.calls())
	}
	msgs := f.stored(t)
	if len(msgs) != 2 {
		t.Fatalf("stored = %d, want the 2 messages of the completed step", len(msgs))
	}
	for _, msg := range msgs {
		if strings.Contains(msg.Text(), "partial") {
			t.Errorf("partial text persisted: %+v", msg)
		}
	}
}

func TestRun_CancelledContext(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{hangStep("a")}}
	f := newTurnFixture(t, provider, DefaultTurnConfig())

	ctx, cancel := context.WithCancel(context.Background())
	turn, err := f.orch.Run(ctx, &TurnRequest{ChatID: "c1", UserID: "u1", Model: testModel, History: userHistory("c1", "hi")})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	<-turn.Events()
	cancel()

	events := collect(t, turn)
	result := turn.Wait()
	if result.FinishReason != stream.FinishCancelled {
		t.Errorf("finish reason = %s", result.FinishReason)
	}
	if info := finishOf(t, append([]stream.Event{{Type: stream.EventTextDelta, Content: "a"}}, events...)); info.Reason != stream.FinishCancelled {
		t.Errorf("finish = %+v", info)
	}
	if got := len(f.stored(t)); got != 0 {
		t.Errorf("stored = %d, want 0", got)
	}
}

// failingStore rejects every message write.
type failingStore struct {
	*storage.MemoryStore
	mu    sync.Mutex
	calls int
}

func (s *failingStore) AppendMessages(ctx context.Context, messages []*models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return errors.New("database unavailable")
}

func TestRun_PersistenceFailureStillFinishes(t *testing.T) {
	store := &failingStore{MemoryStore: storage.NewMemoryStore()}
	var mu sync.Mutex
	var delays []time.Duration
	writer := persist.NewWriter(store, persist.DefaultConfig(),
		persist.WithSleep(func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			defer mu.Unlock()
			delays = append(delays, d)
			return nil
		}),
		persist.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	provider := &scriptedProvider{script: []scriptStep{textStep("saved?")}}
	orch := NewOrchestrator(NewCatalog(provider), nil, writer, DefaultTurnConfig())

	turn, err := orch.Run(context.Background(), &TurnRequest{ChatID: "c1", Model: testModel, History: userHistory("c1", "hi")})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	events := collect(t, turn)
	result := turn.Wait()

	if info := finishOf(t, events); info.Reason != stream.FinishStop {
		t.Errorf("finish = %+v", info)
	}
	if result.Persist.OK() || result.Persist.Attempts != 3 || store.calls != 3 {
		t.Errorf("persist = %+v, store calls = %d", result.Persist, store.calls)
	}
	if len(delays) != 2 || !(delays[1] > delays[0]) {
		t.Errorf("delays = %v, want two increasing waits", delays)
	}
	if writer.Gaps().Len() != 1 {
		t.Errorf("gaps = %d, want 1", writer.Gaps().Len())
	}
}

func TestRun_ToolStateAnnotations(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		toolStep(toolCall("call-1", "echo", `{"text":"hi"}`)),
		textStep("ok"),
	}}
	config := DefaultTurnConfig()
	config.ToolStateAnnotations = true
	f := newTurnFixture(t, provider, config, newEchoTool(t))

	turn := f.run(t)
	events := collect(t, turn)
	turn.Wait()

	var states []models.ToolState
	for _, ev := range events {
		content, ok := ev.Content.(map[string]any)
		if ev.Type == stream.EventAnnotation && ok && content["kind"] == "tool-state" {
			states = append(states, content["state"].(models.ToolState))
		}
	}
	want := []models.ToolState{models.ToolPending, models.ToolExecuting, models.ToolSucceeded}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestRun_Validation(t *testing.T) {
	provider := &scriptedProvider{}
	orch := NewOrchestrator(NewCatalog(provider), nil, nil, DefaultTurnConfig())
	assistantLast := append(userHistory("c1", "hi"), &models.Message{ID: "a1", ChatID: "c1", Role: models.RoleAssistant})

	tests := []struct {
		name string
		orch *Orchestrator
		req  *TurnRequest
		want error
	}{
		{name: "no provider", orch: NewOrchestrator(NewCatalog(), nil, nil, DefaultTurnConfig()), req: &TurnRequest{History: userHistory("c1", "hi")}, want: ErrNoProvider},
		{name: "nil request", orch: orch, req: nil, want: ErrInvalidTurn},
		{name: "empty history", orch: orch, req: &TurnRequest{Model: testModel}, want: ErrInvalidTurn},
		{name: "assistant last", orch: orch, req: &TurnRequest{Model: testModel, History: assistantLast}, want: ErrInvalidTurn},
		{name: "unknown model", orch: orch, req: &TurnRequest{Model: "nope", History: userHistory("c1", "hi")}, want: ErrUnknownModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			turn, err := tt.orch.Run(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("Run() error = %v, want %v", err, tt.want)
			}
			if turn != nil {
				t.Error("Run() returned a turn on validation failure")
			}
		})
	}
	if provider.calls() != 0 {
		t.Errorf("provider called %d times", provider.calls())
	}
}

func TestRun_EmptyModelUsesDefault(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{textStep("hi")}}
	orch := NewOrchestrator(NewCatalog(provider), nil, nil, DefaultTurnConfig())

	turn, err := orch.Run(context.Background(), &TurnRequest{ChatID: "c1", History: userHistory("c1", "hi")})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	collect(t, turn)
	if result := turn.Wait(); result.FinishReason != stream.FinishStop {
		t.Errorf("result = %+v", result)
	}
	if provider.request(0).Model != testModel {
		t.Errorf("model = %q", provider.request(0).Model)
	}
}
