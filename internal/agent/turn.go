package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatturn/internal/observability"
	"github.com/haasonsaas/chatturn/internal/persist"
	"github.com/haasonsaas/chatturn/internal/stream"
	"github.com/haasonsaas/chatturn/pkg/models"
)

// TurnConfig configures the turn state machine.
type TurnConfig struct {
	// MaxSteps bounds model invocations per turn.
	// Default: 5
	MaxSteps int

	// MaxTokens is the max tokens for each model response.
	// Default: 4096
	MaxTokens int

	// ModelRetries is how many times a failed model call is retried, only while
	// none of its text has reached the client.
	// Default: 1
	ModelRetries int

	// BufferSize is the stream buffer between the turn and its client.
	// Default: stream.DefaultBufferSize
	BufferSize int

	// ToolStateAnnotations streams tool lifecycle changes as annotations.
	ToolStateAnnotations bool
}

// DefaultTurnConfig returns the default turn configuration.
func DefaultTurnConfig() TurnConfig {
	return TurnConfig{
		MaxSteps:     5,
		MaxTokens:    4096,
		ModelRetries: 1,
		BufferSize:   stream.DefaultBufferSize,
	}
}

func sanitizeTurnConfig(config TurnConfig) TurnConfig {
	defaults := DefaultTurnConfig()
	if config.MaxSteps <= 0 {
		config.MaxSteps = defaults.MaxSteps
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaults.MaxTokens
	}
	if config.ModelRetries < 0 {
		config.ModelRetries = 0
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	return config
}

// MessageWriter persists the messages a turn produced.
type MessageWriter interface {
	SaveMessages(ctx context.Context, messages []*models.Message) persist.Result
}

// Orchestrator runs chat turns: a bounded sequence of model calls with tool
// execution in between, streamed to one client.
type Orchestrator struct {
	catalog *Catalog
	tools   *ToolRegistry
	writer  MessageWriter
	config  TurnConfig
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	newID   func() string
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = metrics }
}

// WithTracer sets the tracer.
func WithTracer(tracer *observability.Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// WithIDGenerator overrides how message and turn ids are generated.
func WithIDGenerator(newID func() string) OrchestratorOption {
	return func(o *Orchestrator) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// NewOrchestrator creates an orchestrator. A nil writer disables persistence
// and a nil registry offers no tools.
func NewOrchestrator(catalog *Catalog, tools *ToolRegistry, writer MessageWriter, config TurnConfig, opts ...OrchestratorOption) *Orchestrator {
	if tools == nil {
		tools = NewToolRegistry()
	}
	o := &Orchestrator{
		catalog: catalog,
		tools:   tools,
		writer:  writer,
		config:  sanitizeTurnConfig(config),
		logger:  slog.Default().With("component", "turn"),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Tools returns the orchestrator's tool registry.
func (o *Orchestrator) Tools() *ToolRegistry { return o.tools }

// Catalog returns the model catalog.
func (o *Orchestrator) Catalog() *Catalog { return o.catalog }

// TurnRequest starts a turn. History already contains the user message that
// triggered it, canonicalized and persisted.
type TurnRequest struct {
	ChatID  string
	UserID  string
	Model   string
	System  string
	History []*models.Message
}

// TurnResult summarizes a finished turn.
type TurnResult struct {
	TurnID       string
	FinishReason stream.FinishReason
	Steps        int
	// Messages are the completed assistant and tool messages, in order.
	Messages []*models.Message
	// Err is set when the turn failed or was cancelled.
	Err error
	// Persist is the outcome of saving Messages.
	Persist  persist.Result
	Duration time.Duration
}

// Turn is a running turn. Read Events until it closes, then call Wait.
type Turn struct {
	ID      string
	channel *stream.Channel
	cancel  context.CancelFunc
	done    chan struct{}
	result  TurnResult
}

// Events returns the ordered event stream. It ends with exactly one finish
// event, unless the reader abandoned it first.
func (t *Turn) Events() <-chan stream.Event { return t.channel.Events() }

// Abandon tells the turn its client is gone. The turn stops at the next
// cancellation point and still persists its completed steps.
func (t *Turn) Abandon() {
	t.channel.Abandon()
	t.cancel()
}

// Done is closed once the turn is finalized and persistence has completed.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Wait blocks until the turn is finalized and persistence has completed or
// exhausted its retries.
func (t *Turn) Wait() TurnResult {
	<-t.done
	return t.result
}

// Run validates req and starts the turn on its own goroutine. Validation
// failures are returned before anything is streamed.
func (o *Orchestrator) Run(ctx context.Context, req *TurnRequest) (*Turn, error) {
	if o.catalog.Len() == 0 {
		return nil, ErrNoProvider
	}
	if req == nil {
		return nil, fmt.Errorf("%w: request is nil", ErrInvalidTurn)
	}
	if len(req.History) == 0 {
		return nil, fmt.Errorf("%w: history is empty", ErrInvalidTurn)
	}
	if last := req.History[len(req.History)-1]; last == nil || last.Role != models.RoleUser {
		return nil, fmt.Errorf("%w: last message must be from the user", ErrInvalidTurn)
	}
	provider, model, ok := o.catalog.Resolve(req.Model)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, req.Model)
	}
	if provider == nil {
		return nil, ErrNoProvider
	}

	runCtx, cancel := context.WithCancel(ctx)
	turn := &Turn{
		ID:      o.newID(),
		channel: stream.NewChannel(o.config.BufferSize),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	messages, historySystem := buildCompletionMessages(req.History)
	system := req.System
	if historySystem != "" {
		system = strings.TrimSpace(system + "\n\n" + historySystem)
	}
	r := &turnRun{
		o:        o,
		turn:     turn,
		req:      req,
		provider: provider,
		model:    model,
		system:   system,
		messages: messages,
		state:    StateInit,
		logger:   o.logger.With("turn_id", turn.ID, "chat_id", req.ChatID, "model", model),
	}
	go r.run(runCtx)
	return turn, nil
}

// turnRun is the state owned by a turn's goroutine.
type turnRun struct {
	o        *Orchestrator
	turn     *Turn
	req      *TurnRequest
	provider LLMProvider
	model    string
	system   string
	messages []CompletionMessage

	completed []*models.Message
	state     TurnState
	step      int
	logger    *slog.Logger
}

func (r *turnRun) run(ctx context.Context) {
	defer close(r.turn.done)
	defer r.turn.cancel()

	start := time.Now()
	ctx = WithTurn(ctx, TurnInfo{TurnID: r.turn.ID, ChatID: r.req.ChatID, UserID: r.req.UserID, Model: r.model})
	ctx = observability.AddChatID(ctx, r.req.ChatID)
	ctx = observability.AddUserID(ctx, r.req.UserID)
	ctx, span := r.o.tracer.TraceTurn(ctx, r.req.ChatID, r.model)
	defer span.End()

	reason, err := r.execute(ctx)

	info := stream.FinishInfo{Reason: reason, Steps: r.step}
	if reason == stream.FinishError {
		r.state = StateFailed
		info.Error = clientMessage(err)
		r.o.tracer.RecordError(span, err)
		r.logger.ErrorContext(ctx, "turn failed", "step", r.step, "error", err)
	} else {
		r.state = StateFinalizing
	}
	r.turn.channel.Finish(info)

	result := TurnResult{
		TurnID:       r.turn.ID,
		FinishReason: reason,
		Steps:        r.step,
		Messages:     r.completed,
		Err:          err,
	}
	if r.o.writer != nil && len(r.completed) > 0 {
		result.Persist = r.o.writer.SaveMessages(context.WithoutCancel(ctx), r.completed)
	}
	result.Duration = time.Since(start)
	if r.state != StateFailed {
		r.state = StateDone
	}

	r.o.metrics.RecordTurn(string(reason), r.step, result.Duration.Seconds())
	r.o.tracer.SetAttributes(span, "turn.finish_reason", string(reason), "turn.steps", r.step)
	r.logger.InfoContext(ctx, "turn finished",
		"finish_reason", reason,
		"steps", r.step,
		"messages", len(r.completed),
		"persisted", result.Persist.OK(),
		"duration_ms", result.Duration.Milliseconds(),
	)
	r.turn.result = result
}

// execute drives the state machine until a finish reason is reached.
func (r *turnRun) execute(ctx context.Context) (stream.FinishReason, error) {
	for {
		if err := ctx.Err(); err != nil {
			return stream.FinishCancelled, err
		}
		if r.step >= r.o.config.MaxSteps {
			notice := map[string]any{
				"kind":    "max-steps",
				"steps":   r.step,
				"message": fmt.Sprintf("Stopped after %d steps. The response may be incomplete.", r.step),
			}
			if err := r.turn.channel.Send(ctx, stream.Annotation(notice)); err != nil && isCancellation(ctx, err) {
				return stream.FinishCancelled, err
			}
			return stream.FinishMaxSteps, nil
		}

		r.step++
		r.state = StateModelCall
		text, calls, err := r.modelStep(ctx)
		if err != nil {
			if isCancellation(ctx, err) {
				return stream.FinishCancelled, err
			}
			return stream.FinishError, &TurnError{State: StateModelCall, Step: r.step, Cause: err}
		}

		assistant := r.assistantMessage(text, calls)
		if len(calls) == 0 {
			if assistant != nil {
				r.completed = append(r.completed, assistant)
			}
			return stream.FinishStop, nil
		}

		r.state = StateToolDispatch
		results, err := r.dispatch(ctx, calls)
		if err != nil {
			return stream.FinishCancelled, err
		}
		toolMsg := r.newMessage(models.RoleTool, results)
		r.completed = append(r.completed, assistant, toolMsg)
		r.messages = append(r.messages,
			CompletionMessage{Role: string(models.RoleAssistant), Content: text, ToolCalls: calls},
			CompletionMessage{Role: string(models.RoleTool), ToolResults: toolMsg.ToolResults()},
		)
	}
}

// modelStep runs one model invocation, retrying a transport failure only when
// none of the step's text has been forwarded yet.
func (r *turnRun) modelStep(ctx context.Context) (string, []models.ToolCall, error) {
	var lastErr error
	for attempt := 0; attempt <= r.o.config.ModelRetries; attempt++ {
		if attempt > 0 {
			r.o.metrics.RecordLLMRetry(r.provider.Name())
			r.logger.WarnContext(ctx, "retrying model call", "step", r.step, "error", lastErr)
		}
		text, calls, forwarded, err := r.streamOnce(ctx)
		if err == nil {
			return text, calls, nil
		}
		lastErr = err
		if forwarded || isCancellation(ctx, err) {
			return "", nil, err
		}
	}
	return "", nil, lastErr
}

func (r *turnRun) streamOnce(ctx context.Context) (text string, calls []models.ToolCall, forwarded bool, err error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	callCtx, span := r.o.tracer.TraceModelCall(callCtx, r.provider.Name(), r.model, r.step)
	defer span.End()

	start := time.Now()
	var inputTokens, outputTokens int
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			r.o.tracer.RecordError(span, err)
		}
		r.o.metrics.RecordLLMRequest(r.provider.Name(), r.model, status, time.Since(start).Seconds(), inputTokens, outputTokens)
	}()

	req := &CompletionRequest{
		Model:     r.model,
		System:    r.system,
		Messages:  r.messages,
		MaxTokens: r.o.config.MaxTokens,
	}
	if r.provider.SupportsTools() {
		req.Tools = r.o.tools.AsLLMTools()
	}

	chunks, err := r.provider.Complete(callCtx, req)
	if err != nil {
		return "", nil, false, err
	}

	var b strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", nil, forwarded, chunk.Error
		}
		if chunk.Text != "" {
			if b.Len()+len(chunk.Text) > MaxResponseTextSize {
				return "", nil, forwarded, fmt.Errorf("response text exceeds maximum size of %d bytes", MaxResponseTextSize)
			}
			r.state = StateTextStreaming
			b.WriteString(chunk.Text)
			if err := r.turn.channel.Send(ctx, stream.TextDelta(chunk.Text)); err != nil {
				return "", nil, forwarded, err
			}
			forwarded = true
		}
		if chunk.ToolCall != nil {
			if len(calls) >= MaxToolCallsPerStep {
				return "", nil, forwarded, fmt.Errorf("tool calls exceed maximum of %d per step", MaxToolCallsPerStep)
			}
			call := *chunk.ToolCall
			if call.ID == "" {
				call.ID = "call_" + r.o.newID()
			}
			if len(call.Input) == 0 {
				call.Input = json.RawMessage("{}")
			}
			calls = append(calls, call)
		}
		if chunk.Done {
			inputTokens, outputTokens = chunk.InputTokens, chunk.OutputTokens
		}
	}
	if err := ctx.Err(); err != nil {
		return "", nil, forwarded, err
	}
	return b.String(), calls, forwarded, nil
}

// dispatch executes calls sequentially. Tool failures become error results;
// only cancellation aborts the step.
func (r *turnRun) dispatch(ctx context.Context, calls []models.ToolCall) (models.Content, error) {
	for _, call := range calls {
		r.annotateTool(ctx, call, models.ToolPending)
	}
	parts := make(models.Content, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result := r.executeTool(ctx, call)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		parts = append(parts, models.ToolResultPart(call.ID, call.Name, result.JSON(), result.IsError))
	}
	return parts, nil
}

func (r *turnRun) executeTool(ctx context.Context, call models.ToolCall) *ToolResult {
	ctx, span := r.o.tracer.TraceToolExecution(ctx, call.Name, call.ID)
	defer span.End()

	r.annotateTool(ctx, call, models.ToolExecuting)
	toolCtx := WithToolCall(ctx, call)
	toolCtx = WithEmitter(toolCtx, func(ctx context.Context, ev stream.Event) error {
		return r.turn.channel.Send(ctx, ev)
	})

	start := time.Now()
	result, err := r.o.tools.Execute(toolCtx, call.Name, call.Input)
	status := "success"
	state := models.ToolSucceeded
	if err != nil {
		status = "error"
		state = models.ToolFailed
		r.o.tracer.RecordError(span, err)
		r.logger.WarnContext(ctx, "tool execution failed", "tool", call.Name, "tool_call_id", call.ID, "error", err)
	}
	r.o.metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())
	r.annotateTool(ctx, call, state)
	return result
}

func (r *turnRun) annotateTool(ctx context.Context, call models.ToolCall, state models.ToolState) {
	if !r.o.config.ToolStateAnnotations || ctx.Err() != nil {
		return
	}
	ev := stream.Annotation(map[string]any{
		"kind":   "tool-state",
		"callId": call.ID,
		"name":   call.Name,
		"state":  state,
	})
	ev.ToolCallID = call.ID
	_ = r.turn.channel.Send(ctx, ev)
}

func (r *turnRun) assistantMessage(text string, calls []models.ToolCall) *models.Message {
	var content models.Content
	if text != "" {
		content = append(content, models.TextPart(text))
	}
	for _, call := range calls {
		content = append(content, models.ToolCallPart(call))
	}
	if len(content) == 0 {
		return nil
	}
	return r.newMessage(models.RoleAssistant, content)
}

func (r *turnRun) newMessage(role models.Role, content models.Content) *models.Message {
	return &models.Message{
		ID:        r.o.newID(),
		ChatID:    r.req.ChatID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, stream.ErrAbandoned) ||
		errors.Is(err, context.Canceled)
}

// clientMessage is the error text carried by the finish event.
func clientMessage(err error) string {
	var turnErr *TurnError
	if errors.As(err, &turnErr) && turnErr.Cause != nil {
		return "model call failed: " + turnErr.Cause.Error()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
