package storage

import (
	"context"
	"errors"

	"github.com/procflow/procflow/types"
)

// Errors
var (
	ErrDefinitionNotFound = errors.New("definition not found")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrTaskNotFound       = errors.New("task not found")
)

// Store defines the persistence boundary for definitions, instances, tasks,
// and the per-instance history trail. Definitions are write-once apart from
// their active flag; history is append-only.
type Store interface {
	// SaveDefinition persists a process definition.
	SaveDefinition(ctx context.Context, def types.Definition) error

	// GetDefinition retrieves a definition by ID.
	GetDefinition(ctx context.Context, id uint64) (types.Definition, error)

	// ActiveDefinition retrieves the active definition with the highest
	// version for the given name.
	ActiveDefinition(ctx context.Context, name string) (types.Definition, error)

	// ListDefinitions lists every stored version of the named definition,
	// ascending by version.
	ListDefinitions(ctx context.Context, name string) ([]types.Definition, error)

	// SaveInstance persists a workflow instance.
	SaveInstance(ctx context.Context, inst types.Instance) error

	// GetInstance retrieves an instance by ID.
	GetInstance(ctx context.Context, id uint64) (types.Instance, error)

	// SaveTask persists a task.
	SaveTask(ctx context.Context, task types.Task) error

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, id uint64) (types.Task, error)

	// ListTasks lists tasks matching the filter, ascending by creation time.
	ListTasks(ctx context.Context, filter TaskFilter) ([]types.Task, error)

	// AppendHistory appends an event to an instance's audit trail.
	AppendHistory(ctx context.Context, event types.HistoryEvent) error

	// ListHistory lists an instance's audit trail, ascending by timestamp.
	ListHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEvent, error)
}

// TaskFilter narrows ListTasks results. Zero-valued fields match everything.
// Role filtering requires the caller to supply the acting user's resolved
// role set; role membership is a directory concern, not a storage one.
type TaskFilter struct {
	InstanceID     uint64
	Status         types.TaskStatus
	AssigneeUserID string
	AssigneeRoles  []string
	DueBefore      int64
}

// Matches reports whether the task satisfies the filter.
func (f TaskFilter) Matches(t types.Task) bool {
	if f.InstanceID != 0 && t.InstanceID != f.InstanceID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.DueBefore > 0 && (t.DueAt == 0 || t.DueAt > f.DueBefore) {
		return false
	}
	if f.AssigneeUserID == "" && len(f.AssigneeRoles) == 0 {
		return true
	}
	if f.AssigneeUserID != "" {
		if t.Assignee.Kind == types.AssigneeUser && t.Assignee.Identifier == f.AssigneeUserID {
			return true
		}
		if t.ClaimedByUser(f.AssigneeUserID) {
			return true
		}
	}
	if t.Assignee.Kind == types.AssigneeRole {
		for _, role := range f.AssigneeRoles {
			if t.Assignee.Identifier == role {
				return true
			}
		}
	}
	return false
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only
// return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
