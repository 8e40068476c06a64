package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/procflow/procflow/storage"
	"github.com/procflow/procflow/types"
)

// createTask materializes the pending human decision point for an
// interactive node. The assignee spec and task type come from node config;
// assignees are resolved immediately for diagnostics, but the task stays
// Pending until claimed. An empty resolution is a valid, if degenerate,
// outcome and never fails the instance.
func (e *Engine) createTask(ctx context.Context, inst *types.Instance, node types.Node) (*types.Task, error) {
	id, err := e.GenerateID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate task ID: %w", err)
	}

	cfg := node.Config
	spec := types.AssigneeSpec{Kind: cfg.AssigneeKind, Identifier: cfg.AssigneeID}
	if spec.Kind == "" {
		spec.Kind = types.AssigneeRole
	}
	taskType := cfg.TaskType
	if taskType == "" {
		taskType = "APPROVAL"
	}

	now := time.Now().UnixMilli()
	task := types.Task{
		ID:         id,
		InstanceID: inst.ID,
		NodeID:     node.ID,
		Type:       taskType,
		Status:     types.TaskPending,
		Assignee:   spec,
		CreatedAt:  now,
	}
	if cfg.TimeoutSeconds > 0 {
		task.DueAt = now + int64(cfg.TimeoutSeconds)*1000
	}

	if err := e.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}

	resolved := e.resolver.Resolve(ctx, spec, inst)
	if len(resolved) == 0 {
		e.logger.Warn("task has no resolvable assignees",
			"task", task.ID, "instance", inst.ID,
			"assignee_kind", spec.Kind, "assignee", spec.Identifier)
	}

	if err := e.history.record(ctx, historyEntry{
		instanceID: inst.ID,
		eventType:  types.EventTaskCreated,
		nodeID:     node.ID,
		taskID:     task.ID,
		details: map[string]interface{}{
			"assignee_kind": string(spec.Kind),
			"assignee":      spec.Identifier,
			"resolved":      resolved,
		},
	}); err != nil {
		return nil, err
	}
	return &task, nil
}

// ClaimTask records that a user has taken a pending task, moving it to
// Assigned.
func (e *Engine) ClaimTask(ctx context.Context, taskID uint64, userID string) (*types.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: id=%d", ErrTaskNotFound, taskID)
	}

	unlock := e.locks.lock(task.InstanceID)
	defer unlock()

	task, err = e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: id=%d", ErrTaskNotFound, taskID)
	}
	switch task.Status {
	case types.TaskCompleted:
		return nil, fmt.Errorf("%w: id=%d", ErrTaskAlreadyCompleted, taskID)
	case types.TaskCanceled:
		return nil, fmt.Errorf("%w: id=%d", ErrTaskCanceled, taskID)
	}

	if !task.ClaimedByUser(userID) {
		task.ClaimedBy = append(task.ClaimedBy, userID)
	}
	task.Status = types.TaskAssigned
	if err := e.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}

	if err := e.history.record(ctx, historyEntry{
		instanceID: task.InstanceID,
		eventType:  types.EventTaskAssigned,
		nodeID:     task.NodeID,
		taskID:     task.ID,
		actor:      userID,
	}); err != nil {
		return nil, err
	}
	return &task, nil
}

// CompleteTask completes a task exactly once and resumes traversal from its
// node. A second completion attempt is rejected with ErrTaskAlreadyCompleted
// rather than silently re-applied, preserving the first recorded outcome.
// Authorization is a boundary concern: the engine trusts actor (see
// CanComplete for the policy check callers should run).
func (e *Engine) CompleteTask(ctx context.Context, taskID uint64, actor, outcome string, completionData map[string]interface{}) (*types.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: id=%d", ErrTaskNotFound, taskID)
	}

	unlock := e.locks.lock(task.InstanceID)
	defer unlock()

	// Reload under the lock; the first read only located the instance.
	task, err = e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: id=%d", ErrTaskNotFound, taskID)
	}
	switch task.Status {
	case types.TaskCompleted:
		return nil, fmt.Errorf("%w: id=%d", ErrTaskAlreadyCompleted, taskID)
	case types.TaskCanceled:
		return nil, fmt.Errorf("%w: id=%d", ErrTaskCanceled, taskID)
	}

	task.Status = types.TaskCompleted
	task.Outcome = outcome
	task.CompletionData = completionData
	task.CompletedAt = time.Now().UnixMilli()
	task.CompletedBy = actor
	if err := e.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}

	if err := e.history.record(ctx, historyEntry{
		instanceID: task.InstanceID,
		eventType:  types.EventTaskCompleted,
		nodeID:     task.NodeID,
		taskID:     task.ID,
		actor:      actor,
		details:    map[string]interface{}{"outcome": outcome, "completion_data": completionData},
	}); err != nil {
		return nil, err
	}

	// Keys are namespaced by node ID so results of parallel tasks never
	// collide in the shared payload.
	fragment := map[string]interface{}{
		task.NodeID + "_outcome":         outcome,
		task.NodeID + "_completion_data": completionData,
		task.NodeID + "_completed_by":    actor,
	}
	if err := e.drain(ctx, task.InstanceID, completion{nodeID: task.NodeID, data: fragment}); err != nil {
		return nil, err
	}
	return &task, nil
}

// ExpireTask cancels an overdue task, recording a TASK_TIMED_OUT event. The
// branch stays paused; recovery (reassignment, escalation) is an operational
// decision outside the engine. Called by the timeout Sweeper.
func (e *Engine) ExpireTask(ctx context.Context, taskID uint64) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("%w: id=%d", ErrTaskNotFound, taskID)
	}

	unlock := e.locks.lock(task.InstanceID)
	defer unlock()

	task, err = e.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("%w: id=%d", ErrTaskNotFound, taskID)
	}
	if task.Status != types.TaskPending && task.Status != types.TaskAssigned {
		return nil
	}

	task.Status = types.TaskCanceled
	if err := e.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return e.history.record(ctx, historyEntry{
		instanceID: task.InstanceID,
		eventType:  types.EventTaskTimedOut,
		nodeID:     task.NodeID,
		taskID:     task.ID,
		details:    map[string]interface{}{"due_at": task.DueAt},
	})
}

// cancelLiveTasks cancels every Pending/Assigned task of an instance and
// returns their IDs. Caller holds the instance lock.
func (e *Engine) cancelLiveTasks(ctx context.Context, instanceID uint64) ([]uint64, error) {
	var canceled []uint64
	for _, status := range []types.TaskStatus{types.TaskPending, types.TaskAssigned} {
		tasks, err := e.store.ListTasks(ctx, storage.TaskFilter{InstanceID: instanceID, Status: status})
		if err != nil {
			return nil, fmt.Errorf("failed to list tasks: %w", err)
		}
		for _, task := range tasks {
			task.Status = types.TaskCanceled
			if err := e.store.SaveTask(ctx, task); err != nil {
				return nil, fmt.Errorf("failed to save task: %w", err)
			}
			canceled = append(canceled, task.ID)
		}
	}
	return canceled, nil
}

// GetTask retrieves a task by ID.
func (e *Engine) GetTask(ctx context.Context, taskID uint64) (*types.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: id=%d", ErrTaskNotFound, taskID)
	}
	return &task, nil
}

// ListTasks lists tasks matching the filter. Filtering by role requires the
// caller to pass the acting user's resolved role set.
func (e *Engine) ListTasks(ctx context.Context, filter storage.TaskFilter) ([]types.Task, error) {
	return e.store.ListTasks(ctx, filter)
}

// CanComplete reports whether the user may complete the task. This is the
// boundary policy check; CompleteTask itself trusts the actor it is given.
func (e *Engine) CanComplete(ctx context.Context, task types.Task, userID string, roles []string) bool {
	if task.ClaimedByUser(userID) {
		return true
	}
	switch task.Assignee.Kind {
	case types.AssigneeUser:
		return task.Assignee.Identifier == userID
	case types.AssigneeRole:
		for _, role := range roles {
			if task.Assignee.Identifier == role {
				return true
			}
		}
		return false
	case types.AssigneeRule:
		inst, err := e.store.GetInstance(ctx, task.InstanceID)
		if err != nil {
			return false
		}
		for _, resolved := range e.resolver.Resolve(ctx, task.Assignee, &inst) {
			if resolved == userID {
				return true
			}
		}
		return false
	default:
		return false
	}
}
