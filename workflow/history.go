package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/procflow/procflow/events"
	"github.com/procflow/procflow/storage"
	"github.com/procflow/procflow/types"
)

// recorder appends audit events to the store and mirrors them onto the event
// bus so external reactors can observe transitions without polling history.
type recorder struct {
	store    storage.Store
	bus      *events.Bus
	generate generator.Generator
	logger   *slog.Logger
}

type historyEntry struct {
	instanceID uint64
	eventType  types.EventType
	nodeID     string
	taskID     uint64
	actor      string
	details    map[string]interface{}
}

func (r *recorder) record(ctx context.Context, entry historyEntry) error {
	id, err := r.generate.NextID()
	if err != nil {
		return fmt.Errorf("failed to generate history ID: %w", err)
	}
	event := types.HistoryEvent{
		ID:         id,
		InstanceID: entry.instanceID,
		NodeID:     entry.nodeID,
		TaskID:     entry.taskID,
		Type:       entry.eventType,
		Timestamp:  time.Now().UnixMilli(),
		Actor:      entry.actor,
		Details:    entry.details,
	}
	if err := r.store.AppendHistory(ctx, event); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	if err := r.bus.Publish(ctx, events.Event{
		Type:       string(entry.eventType),
		InstanceID: entry.instanceID,
		TaskID:     entry.taskID,
		NodeID:     entry.nodeID,
		Data:       entry.details,
	}); err != nil && !errors.Is(err, events.ErrNoHandler) {
		r.logger.Warn("history event publish failed",
			"instance", entry.instanceID, "event_type", entry.eventType, "error", err)
	}
	return nil
}

// AddComment appends a free-form comment to an instance's audit trail.
func (e *Engine) AddComment(ctx context.Context, instanceID uint64, actor, text string) error {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, instanceID)
	}
	return e.history.record(ctx, historyEntry{
		instanceID: instanceID,
		eventType:  types.EventCommentAdded,
		actor:      actor,
		details:    map[string]interface{}{"comment": text},
	})
}
