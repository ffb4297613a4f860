package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (1MB).
	MaxToolParamsSize = 1 << 20

	// DefaultToolTimeout bounds a single tool execution.
	DefaultToolTimeout = 30 * time.Second
)

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// ToolRegistry manages available tools with thread-safe registration and lookup.
// Each tool's schema is compiled once at registration and used to validate
// arguments before every execution.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]registeredTool
	timeout time.Duration
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]registeredTool),
		timeout: DefaultToolTimeout,
	}
}

// SetTimeout sets the per-execution timeout. Non-positive values restore the
// default.
func (r *ToolRegistry) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultToolTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = d
}

// Register adds a tool to the registry by its name. If a tool with the same
// name already exists, it is replaced.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil {
		return errors.New("tool is nil")
	}
	name := tool.Name()
	if name == "" || len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name %q must be 1-%d characters", name, MaxToolNameLength)
	}
	schema, err := jsonschema.CompileString(name+".schema.json", string(tool.Schema()))
	if err != nil {
		return fmt.Errorf("compile schema for tool %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = registeredTool{tool: tool, schema: schema}
	return nil
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[name]
	return entry.tool, ok
}

// List returns the registered tools sorted by name.
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, entry := range r.tools {
		tools = append(tools, entry.tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// AsLLMTools returns all registered tools for passing to LLM providers.
func (r *ToolRegistry) AsLLMTools() []Tool {
	return r.List()
}

// Execute runs a tool by name. It always returns a result the model can read:
// on failure the result content is {"error": "<reason>"} with IsError set, and
// the returned error is a *ToolError describing the cause. Panics inside the
// tool are recovered.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return failedResult(name, fmt.Errorf("%w: tool name exceeds maximum length of %d characters", ErrInvalidToolInput, MaxToolNameLength))
	}
	if len(params) > MaxToolParamsSize {
		return failedResult(name, fmt.Errorf("%w: tool parameters exceed maximum size of %d bytes", ErrInvalidToolInput, MaxToolParamsSize))
	}

	r.mu.RLock()
	entry, ok := r.tools[name]
	timeout := r.timeout
	r.mu.RUnlock()
	if !ok {
		return failedResult(name, fmt.Errorf("%w: %s", ErrToolNotFound, name))
	}

	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return failedResult(name, fmt.Errorf("%w: arguments are not valid JSON: %v", ErrInvalidToolInput, err))
	}
	if err := entry.schema.Validate(decoded); err != nil {
		return failedResult(name, fmt.Errorf("%w: %v", ErrInvalidToolInput, err))
	}

	return r.run(ctx, entry.tool, params, timeout)
}

type execResult struct {
	result *ToolResult
	err    error
}

func (r *ToolRegistry) run(ctx context.Context, tool Tool, params json.RawMessage, timeout time.Duration) (*ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- execResult{err: fmt.Errorf("%w: %v", ErrToolPanic, rec)}
			}
		}()
		result, err := tool.Execute(execCtx, params)
		done <- execResult{result: result, err: err}
	}()

	select {
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return failedResult(tool.Name(), &ToolError{
				Type:     ToolErrorCanceled,
				ToolName: tool.Name(),
				Message:  "tool execution canceled",
				Cause:    ctx.Err(),
			})
		}
		return failedResult(tool.Name(), fmt.Errorf("%w after %v", ErrToolTimeout, timeout))
	case res := <-done:
		if res.err != nil {
			return failedResult(tool.Name(), res.err)
		}
		if res.result == nil {
			return &ToolResult{Content: "null"}, nil
		}
		if res.result.IsError {
			content := res.result.Content
			if !json.Valid([]byte(content)) {
				content = errorContent(content)
			}
			return &ToolResult{Content: content, IsError: true}, NewToolError(tool.Name(), errors.New(res.result.Content))
		}
		return res.result, nil
	}
}

func failedResult(name string, err error) (*ToolResult, error) {
	toolErr, ok := GetToolError(err)
	if !ok {
		toolErr = NewToolError(name, err)
	}
	return &ToolResult{Content: errorContent(toolErr.Message), IsError: true}, toolErr
}

func errorContent(message string) string {
	encoded, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return `{"error":"tool failed"}`
	}
	return string(encoded)
}
