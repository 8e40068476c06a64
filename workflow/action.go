package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/procflow/procflow/types"
)

// Action is the executable behind a service task node. The returned fragment
// is merged into the instance payload when the node completes; actions own
// their keys and should namespace them to avoid collisions.
type Action interface {
	Execute(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error)
}

// ActionFunc is a function adapter for Action.
type ActionFunc func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error)

// Execute implements the Action interface.
func (f ActionFunc) Execute(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, payload)
}

// RegisterAction registers an action for use by service task nodes.
func (e *Engine) RegisterAction(ctx context.Context, name string, action Action) error {
	if name == "" || action == nil {
		return errors.New("name and action are required")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.actionsMu.Lock()
		defer e.actionsMu.Unlock()
		e.actions[name] = action
		return nil
	}
}

// executeWithRetry executes a service task action with retry logic. Per-node
// config overrides the engine defaults.
func (e *Engine) executeWithRetry(ctx context.Context, action Action, payload map[string]interface{}, node types.Node) (map[string]interface{}, error) {
	maxRetries := e.defaultMaxRetries
	retryDelay := e.defaultRetryDelay

	if node.Config.MaxRetries > 0 {
		maxRetries = node.Config.MaxRetries
	}
	if node.Config.RetryDelaySec > 0 {
		retryDelay = time.Duration(node.Config.RetryDelaySec) * time.Second
	}

	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			result, err := action.Execute(ctx, payload)
			if err == nil {
				return result, nil
			}
			lastErr = err
			if i < maxRetries {
				time.Sleep(retryDelay)
			}
		}
	}
	return nil, fmt.Errorf("action %s failed after %d retries: %w", node.Config.Action, maxRetries, lastErr)
}
