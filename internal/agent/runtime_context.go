package agent

import (
	"context"
	"errors"

	"github.com/haasonsaas/chatturn/internal/stream"
	"github.com/haasonsaas/chatturn/pkg/models"
)

type turnKey struct{}
type toolCallKey struct{}
type emitterKey struct{}

// MaxResponseTextSize is the maximum size of accumulated text in one step (1MB).
const MaxResponseTextSize = 1 << 20

// MaxToolCallsPerStep bounds the tool calls a single model response may request.
const MaxToolCallsPerStep = 32

// ErrNoEmitter is returned by EmitToolEvent outside of a running tool call.
var ErrNoEmitter = errors.New("no event emitter in context")

// TurnInfo identifies the turn a tool runs in.
type TurnInfo struct {
	TurnID string
	ChatID string
	UserID string
	Model  string
}

// WithTurn stores turn identity in the context.
func WithTurn(ctx context.Context, info TurnInfo) context.Context {
	return context.WithValue(ctx, turnKey{}, info)
}

// TurnFromContext returns the identity of the running turn.
func TurnFromContext(ctx context.Context) (TurnInfo, bool) {
	info, ok := ctx.Value(turnKey{}).(TurnInfo)
	return info, ok
}

// WithToolCall stores the tool call being executed.
func WithToolCall(ctx context.Context, call models.ToolCall) context.Context {
	return context.WithValue(ctx, toolCallKey{}, call)
}

// ToolCallFromContext returns the tool call being executed.
func ToolCallFromContext(ctx context.Context) (models.ToolCall, bool) {
	call, ok := ctx.Value(toolCallKey{}).(models.ToolCall)
	return call, ok
}

// EventEmitter delivers a stream event on behalf of a tool.
type EventEmitter func(ctx context.Context, ev stream.Event) error

// WithEmitter stores the emitter tools use to stream events.
func WithEmitter(ctx context.Context, emit EventEmitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, emit)
}

// EmitToolEvent streams ev to the client, tagged with the id of the tool call in
// ctx. It blocks while the client is slow and fails once the turn is cancelled.
func EmitToolEvent(ctx context.Context, ev stream.Event) error {
	emit, ok := ctx.Value(emitterKey{}).(EventEmitter)
	if !ok || emit == nil {
		return ErrNoEmitter
	}
	if call, ok := ToolCallFromContext(ctx); ok && ev.ToolCallID == "" {
		ev.ToolCallID = call.ID
	}
	return emit(ctx, ev)
}
