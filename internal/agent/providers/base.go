// Package providers implements agent.LLMProvider on top of vendor SDKs.
package providers

import (
	"context"
	"errors"

	"github.com/haasonsaas/chatturn/internal/agent"
	"github.com/haasonsaas/chatturn/internal/retry"
)

// DefaultMaxTokens is used when a request sets no token limit.
const DefaultMaxTokens = 4096

// DefaultRetryConfig is the policy for opening a completion stream. It makes
// a single attempt: the turn orchestrator owns model retries, and retrying here
// as well would multiply the calls one transient failure costs.
func DefaultRetryConfig() retry.Config {
	config := retry.DefaultConfig()
	config.MaxAttempts = 1
	return config
}

// openWithRetry calls open until it succeeds or fails with a non-retryable
// error.
func openWithRetry[T any](ctx context.Context, config retry.Config, open func() (T, error)) (T, error) {
	value, result := retry.DoWithValue(ctx, config, func() (T, error) {
		v, err := open()
		if err != nil && !IsRetryable(err) {
			return v, retry.Permanent(err)
		}
		return v, err
	})
	err := result.Err
	var permanent *retry.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return value, err
}

// send delivers chunk unless ctx is done first.
func send(ctx context.Context, ch chan<- *agent.CompletionChunk, chunk *agent.CompletionChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func maxTokens(n int) int {
	if n <= 0 {
		return DefaultMaxTokens
	}
	return n
}

func modelsOrDefault(configured, defaults []agent.Model) []agent.Model {
	if len(configured) > 0 {
		return append([]agent.Model(nil), configured...)
	}
	return append([]agent.Model(nil), defaults...)
}
