package models

import (
	"encoding/json"
	"time"
)

// ToolState describes the lifecycle stage of a tool invocation within a turn.
type ToolState string

const (
	ToolPending   ToolState = "pending"
	ToolExecuting ToolState = "executing"
	ToolSucceeded ToolState = "succeeded"
	ToolFailed    ToolState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s ToolState) Terminal() bool {
	return s == ToolSucceeded || s == ToolFailed
}

// ToolInvocation tracks one tool call during a turn. It is never persisted on its
// own; the call and its result are stored as message parts.
type ToolInvocation struct {
	CallID     string          `json:"callId"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
	State      ToolState       `json:"state"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"startedAt,omitempty"`
	FinishedAt time.Time       `json:"finishedAt,omitempty"`
}
