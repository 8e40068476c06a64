package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/procflow/procflow/assign"
	"github.com/procflow/procflow/events"
	"github.com/procflow/procflow/rules"
	"github.com/procflow/procflow/storage"
	"github.com/procflow/procflow/types"
)

// Standard error definitions
var (
	ErrDefinitionNotFound   = errors.New("workflow definition not found")
	ErrInstanceNotFound     = errors.New("workflow instance not found")
	ErrTaskNotFound         = errors.New("task not found")
	ErrTaskAlreadyCompleted = errors.New("task already completed")
	ErrTaskCanceled         = errors.New("task canceled")
	ErrActionNotRegistered  = errors.New("action not registered")
	ErrInstanceNotRunning   = errors.New("instance is not running")
	ErrInstanceNotSuspended = errors.New("instance is not suspended")
	ErrInstanceTerminal     = errors.New("instance is already terminal")
)

// NotificationRequested is the bus event type emitted when a notification
// node is entered. Delivery itself is an external concern.
const NotificationRequested = "notification.requested"

// EntryFunc processes entry into a node of its kind. Returning done=true
// queues an automatic completion of the node with the returned payload
// fragment; done=false leaves the branch paused (typically waiting on a
// task). A non-nil error marks the instance Failed.
type EntryFunc func(ctx context.Context, inst *types.Instance, node types.Node) (fragment map[string]interface{}, done bool, err error)

// Engine interprets process definitions and drives running instances across
// the graph. It is a stateless service object: all instance state lives in
// the Store, and every mutation happens under an exclusive per-instance lock.
type Engine struct {
	store     storage.Store
	evaluator rules.Evaluator
	resolver  *assign.Resolver
	bus       *events.Bus
	generate  generator.Generator
	history   *recorder
	logger    *slog.Logger

	actionsMu sync.RWMutex
	actions   map[string]Action

	handlersMu sync.RWMutex
	handlers   map[types.NodeKind]EntryFunc

	locks instanceLocks

	defaultMaxRetries int
	defaultRetryDelay time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvaluator replaces the default condition evaluator.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithBus replaces the default event bus.
func WithBus(bus *events.Bus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.bus = bus
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an Engine with the given collaborators. The generator and
// resolver are required; a nil store falls back to an in-memory one.
func New(generate generator.Generator, store storage.Store, resolver *assign.Resolver, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if resolver == nil {
		return nil, errors.New("assignee resolver is required")
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	e := &Engine{
		store:             store,
		evaluator:         rules.NewCondEvaluator(),
		resolver:          resolver,
		bus:               events.NewBus(),
		generate:          generate,
		logger:            slog.Default(),
		actions:           make(map[string]Action),
		handlers:          make(map[types.NodeKind]EntryFunc),
		defaultMaxRetries: 3,
		defaultRetryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.history = &recorder{store: store, bus: e.bus, generate: generate, logger: e.logger}

	e.handlers[types.KindApproval] = e.enterApproval
	e.handlers[types.KindServiceTask] = e.enterServiceTask
	e.handlers[types.KindNotification] = e.enterNotification
	e.handlers[types.KindEnd] = enterEnd
	e.handlers[types.KindDecision] = enterPassThrough
	e.handlers[types.KindStart] = enterPassThrough
	e.handlers[types.KindUnknown] = enterPassThrough

	return e, nil
}

// RegisterEntryHandler installs the entry handler for a node kind, replacing
// the built-in one. New kinds plug in here without touching the traversal
// loop.
func (e *Engine) RegisterEntryHandler(kind types.NodeKind, fn EntryFunc) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[kind] = fn
}

func (e *Engine) entryHandler(kind types.NodeKind) EntryFunc {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	if fn, ok := e.handlers[kind]; ok {
		return fn
	}
	return enterPassThrough
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.Handler) {
	e.bus.Subscribe(eventType, handler)
}

// GenerateID generates a unique ID using the configured generator.
func (e *Engine) GenerateID() (uint64, error) {
	return e.generate.NextID()
}

// StartInstance starts a new instance of the definition identified by ID.
// The definition must be active. A definition-authoring error (no start
// node) returns the created instance in Failed state with a nil error; the
// failure is recorded in history.
func (e *Engine) StartInstance(ctx context.Context, definitionID uint64, payload map[string]interface{}, triggerRef, actor string) (*types.Instance, error) {
	def, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, fmt.Errorf("%w: id=%d", ErrDefinitionNotFound, definitionID)
	}
	if !def.Active {
		return nil, fmt.Errorf("%w: definition %d is inactive", ErrDefinitionNotFound, definitionID)
	}
	return e.startInstance(ctx, def, payload, triggerRef, actor)
}

// StartInstanceByName starts a new instance of the named definition,
// resolving the active version with the highest version number.
func (e *Engine) StartInstanceByName(ctx context.Context, name string, payload map[string]interface{}, triggerRef, actor string) (*types.Instance, error) {
	def, err := e.store.ActiveDefinition(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: name=%s", ErrDefinitionNotFound, name)
	}
	return e.startInstance(ctx, def, payload, triggerRef, actor)
}

func (e *Engine) startInstance(ctx context.Context, def types.Definition, payload map[string]interface{}, triggerRef, actor string) (*types.Instance, error) {
	id, err := e.GenerateID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate instance ID: %w", err)
	}

	if payload == nil {
		payload = make(map[string]interface{})
	}
	now := time.Now().UnixMilli()
	inst := types.Instance{
		ID:             id,
		DefinitionID:   def.ID,
		Status:         types.InstanceRunning,
		Payload:        payload,
		CurrentNodeIDs: []string{},
		TriggerRef:     triggerRef,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to save instance: %w", err)
	}
	if err := e.history.record(ctx, historyEntry{
		instanceID: inst.ID,
		eventType:  types.EventInstanceStarted,
		actor:      actor,
		details:    map[string]interface{}{"definition": def.Name, "version": def.Version, "trigger": triggerRef},
	}); err != nil {
		return nil, err
	}

	start, ok := def.Graph.StartNode()
	if !ok {
		// Authoring error, not a transient fault: the instance is returned
		// in Failed state rather than as an error.
		if err := e.failInstance(ctx, &inst, "definition has no start node"); err != nil {
			return nil, err
		}
		return &inst, nil
	}

	unlock := e.locks.lock(inst.ID)
	defer unlock()
	if err := e.drain(ctx, inst.ID, completion{nodeID: start.ID}); err != nil {
		return nil, err
	}

	final, err := e.store.GetInstance(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	return &final, nil
}

// Advance resumes graph traversal after the given node has completed,
// merging completionData into the instance payload. External executors of
// asynchronous service tasks call back into this.
func (e *Engine) Advance(ctx context.Context, instanceID uint64, completedNodeID string, completionData map[string]interface{}) error {
	unlock := e.locks.lock(instanceID)
	defer unlock()
	return e.drain(ctx, instanceID, completion{nodeID: completedNodeID, data: completionData})
}

// completion is one queued node-completion signal.
type completion struct {
	nodeID string
	data   map[string]interface{}
}

// drain processes completions as an explicit work queue until traversal
// quiesces, then applies the instance-completion check. The caller must hold
// the instance lock; the whole drain is one exclusive scope, which is what
// serializes near-simultaneous completions of sibling branches.
func (e *Engine) drain(ctx context.Context, instanceID uint64, first completion) error {
	queue := []completion{first}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		followups, err := e.step(ctx, instanceID, next)
		if err != nil {
			return err
		}
		queue = append(queue, followups...)
	}
	return e.finishIfQuiescent(ctx, instanceID)
}

// finishIfQuiescent completes the instance once no node is active anymore.
// Only a Running instance completes; a Suspended one is re-checked on resume.
func (e *Engine) finishIfQuiescent(ctx context.Context, instanceID uint64) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, instanceID)
	}
	if len(inst.CurrentNodeIDs) == 0 && inst.Status == types.InstanceRunning {
		inst.Status = types.InstanceCompleted
		inst.CompletedAt = time.Now().UnixMilli()
		inst.UpdatedAt = inst.CompletedAt
		if err := e.store.SaveInstance(ctx, inst); err != nil {
			return fmt.Errorf("failed to save instance: %w", err)
		}
		if err := e.history.record(ctx, historyEntry{
			instanceID: inst.ID,
			eventType:  types.EventInstanceCompleted,
		}); err != nil {
			return err
		}
		e.logger.Info("instance completed", "instance", inst.ID)
	}
	return nil
}

// step handles a single node completion: payload merge, exit logging,
// branching, activation, and entry processing of newly active nodes. It
// reloads the instance from the store rather than trusting any earlier
// snapshot.
func (e *Engine) step(ctx context.Context, instanceID uint64, c completion) ([]completion, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, instanceID)
	}
	if inst.Status != types.InstanceRunning && inst.Status != types.InstanceSuspended {
		e.logger.Warn("ignoring advance on non-running instance",
			"instance", inst.ID, "status", inst.Status, "node", c.nodeID)
		return nil, nil
	}

	def, err := e.store.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, e.failInstance(ctx, &inst, fmt.Sprintf("definition %d not loadable: %v", inst.DefinitionID, err))
	}

	node, ok := def.Graph.FindNode(c.nodeID)
	if !ok {
		return nil, e.failInstance(ctx, &inst, fmt.Sprintf("completed node %s not found in definition", c.nodeID))
	}

	for k, v := range c.data {
		inst.Payload[k] = v
	}

	if err := e.history.record(ctx, historyEntry{
		instanceID: inst.ID,
		eventType:  types.EventNodeExited,
		nodeID:     c.nodeID,
		details:    c.data,
	}); err != nil {
		return nil, err
	}

	current := make([]string, 0, len(inst.CurrentNodeIDs))
	for _, id := range inst.CurrentNodeIDs {
		if id != c.nodeID {
			current = append(current, id)
		}
	}

	targets, deadEnd, err := e.nextTargets(ctx, &inst, def.Graph, node)
	if err != nil {
		return nil, err
	}
	if deadEnd {
		// No matching edge and no default: the decision could not actually
		// complete. The node stays active so the instance remains Running
		// and visibly stuck rather than spuriously finished.
		current = append(current, c.nodeID)
	}

	var newly []string
	for _, target := range targets {
		already := false
		for _, id := range current {
			if id == target {
				already = true
				break
			}
		}
		if already {
			continue
		}
		current = append(current, target)
		newly = append(newly, target)
		if err := e.history.record(ctx, historyEntry{
			instanceID: inst.ID,
			eventType:  types.EventNodeEntered,
			nodeID:     target,
			details:    map[string]interface{}{"from": c.nodeID},
		}); err != nil {
			return nil, err
		}
	}

	inst.CurrentNodeIDs = current
	inst.UpdatedAt = time.Now().UnixMilli()
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to save instance: %w", err)
	}

	var followups []completion
	for _, nodeID := range newly {
		next, ok := def.Graph.FindNode(nodeID)
		if !ok {
			return nil, e.failInstance(ctx, &inst, fmt.Sprintf("activated node %s not found in definition", nodeID))
		}
		handler := e.entryHandler(next.Kind())
		fragment, done, err := handler(ctx, &inst, next)
		if err != nil {
			return nil, e.failInstance(ctx, &inst, fmt.Sprintf("node %s entry failed: %v", nodeID, err))
		}
		if done {
			followups = append(followups, completion{nodeID: nodeID, data: fragment})
		}
	}
	return followups, nil
}

// nextTargets determines which nodes the completed node activates.
// Decision nodes take exactly one edge (first condition match in declaration
// order, blank unconditioned edges counting as always-true, then the default
// edge); end nodes activate nothing; every other kind activates all targets,
// which is what gives non-decision nodes AND-split semantics.
func (e *Engine) nextTargets(ctx context.Context, inst *types.Instance, g types.Graph, node types.Node) (targets []string, deadEnd bool, err error) {
	edges := g.OutgoingEdges(node.ID)

	switch node.Kind() {
	case types.KindDecision:
		var defaultEdge *types.Edge
		for i := range edges {
			edge := edges[i]
			if edge.Condition == "" && !edge.IsDefault {
				return []string{edge.Target}, false, nil
			}
			if edge.Condition != "" {
				ok, evalErr := e.evaluator.Evaluate(edge.Condition, inst.Payload)
				if evalErr != nil {
					// Fail-closed: a broken condition is never taken.
					e.logger.Warn("condition evaluation failed",
						"instance", inst.ID, "node", node.ID,
						"condition", edge.Condition, "error", evalErr)
				}
				if ok {
					return []string{edge.Target}, false, nil
				}
			}
			if edge.IsDefault && defaultEdge == nil {
				defaultEdge = &edges[i]
			}
		}
		if defaultEdge != nil {
			return []string{defaultEdge.Target}, false, nil
		}
		e.logger.Warn("decision node has no matching edge and no default",
			"instance", inst.ID, "node", node.ID)
		if err := e.history.record(ctx, historyEntry{
			instanceID: inst.ID,
			eventType:  types.EventCommentAdded,
			nodeID:     node.ID,
			details:    map[string]interface{}{"anomaly": "decision node has no matching edge and no default"},
		}); err != nil {
			return nil, false, err
		}
		return nil, true, nil

	case types.KindEnd:
		return nil, false, nil

	default:
		for _, edge := range edges {
			targets = append(targets, edge.Target)
		}
		return targets, false, nil
	}
}

// Built-in entry handlers.

func enterPassThrough(ctx context.Context, inst *types.Instance, node types.Node) (map[string]interface{}, bool, error) {
	return nil, true, nil
}

// enterEnd auto-completes the end node so the branch leaves the active set;
// activation of further nodes is suppressed in nextTargets.
func enterEnd(ctx context.Context, inst *types.Instance, node types.Node) (map[string]interface{}, bool, error) {
	return nil, true, nil
}

func (e *Engine) enterApproval(ctx context.Context, inst *types.Instance, node types.Node) (map[string]interface{}, bool, error) {
	if _, err := e.createTask(ctx, inst, node); err != nil {
		return nil, false, err
	}
	// Traversal pauses on this branch until the task completes.
	return nil, false, nil
}

func (e *Engine) enterServiceTask(ctx context.Context, inst *types.Instance, node types.Node) (map[string]interface{}, bool, error) {
	name := node.Config.Action
	e.actionsMu.RLock()
	action, ok := e.actions[name]
	e.actionsMu.RUnlock()
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrActionNotRegistered, name)
	}
	result, err := e.executeWithRetry(ctx, action, inst.Payload, node)
	if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

func (e *Engine) enterNotification(ctx context.Context, inst *types.Instance, node types.Node) (map[string]interface{}, bool, error) {
	err := e.bus.Publish(ctx, events.Event{
		Type:       NotificationRequested,
		InstanceID: inst.ID,
		NodeID:     node.ID,
		Data: map[string]interface{}{
			"message": node.Config.Message,
			"payload": inst.Payload,
		},
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Warn("notification publish failed",
			"instance", inst.ID, "node", node.ID, "error", err)
	}
	// Notifications never block the flow.
	return nil, true, nil
}

// failInstance marks the instance Failed for a data-integrity or execution
// fault. Other instances and the engine itself keep running.
func (e *Engine) failInstance(ctx context.Context, inst *types.Instance, detail string) error {
	e.logger.Error("instance failed", "instance", inst.ID, "detail", detail)
	inst.Status = types.InstanceFailed
	inst.CompletedAt = time.Now().UnixMilli()
	inst.UpdatedAt = inst.CompletedAt
	if err := e.store.SaveInstance(ctx, *inst); err != nil {
		return fmt.Errorf("failed to save failed instance: %w", err)
	}
	return e.history.record(ctx, historyEntry{
		instanceID: inst.ID,
		eventType:  types.EventInstanceFailed,
		details:    map[string]interface{}{"error": detail},
	})
}

// SuspendInstance moves a Running instance to Suspended.
func (e *Engine) SuspendInstance(ctx context.Context, instanceID uint64) error {
	unlock := e.locks.lock(instanceID)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, instanceID)
	}
	if inst.Status != types.InstanceRunning {
		return fmt.Errorf("%w: id=%d status=%s", ErrInstanceNotRunning, instanceID, inst.Status)
	}
	inst.Status = types.InstanceSuspended
	inst.UpdatedAt = time.Now().UnixMilli()
	return e.store.SaveInstance(ctx, inst)
}

// ResumeInstance moves a Suspended instance back to Running.
func (e *Engine) ResumeInstance(ctx context.Context, instanceID uint64) error {
	unlock := e.locks.lock(instanceID)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, instanceID)
	}
	if inst.Status != types.InstanceSuspended {
		return fmt.Errorf("%w: id=%d status=%s", ErrInstanceNotSuspended, instanceID, inst.Status)
	}
	inst.Status = types.InstanceRunning
	inst.UpdatedAt = time.Now().UnixMilli()
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return err
	}
	// All branches may have finished while suspended.
	return e.finishIfQuiescent(ctx, instanceID)
}

// CancelInstance terminally cancels an instance and its live tasks.
func (e *Engine) CancelInstance(ctx context.Context, instanceID uint64, actor string) error {
	unlock := e.locks.lock(instanceID)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, instanceID)
	}
	if inst.Status.Terminal() {
		return fmt.Errorf("%w: id=%d status=%s", ErrInstanceTerminal, instanceID, inst.Status)
	}

	canceled, err := e.cancelLiveTasks(ctx, instanceID)
	if err != nil {
		return err
	}

	inst.Status = types.InstanceCanceled
	inst.CompletedAt = time.Now().UnixMilli()
	inst.UpdatedAt = inst.CompletedAt
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return e.history.record(ctx, historyEntry{
		instanceID: inst.ID,
		eventType:  types.EventInstanceCanceled,
		actor:      actor,
		details:    map[string]interface{}{"canceled_tasks": canceled},
	})
}

// GetInstance retrieves a workflow instance by ID.
func (e *Engine) GetInstance(ctx context.Context, instanceID uint64) (*types.Instance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, instanceID)
	}
	return &inst, nil
}

// GetInstanceHistory returns an instance's audit trail, ascending by
// timestamp.
func (e *Engine) GetInstanceHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEvent, error) {
	return e.store.ListHistory(ctx, instanceID)
}

// Stop gracefully stops the engine's event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.bus.Stop()
		return nil
	}
}

// instanceLocks hands out one exclusive lock per instance ID, the analogue
// of a SELECT ... FOR UPDATE row lock over the kv store.
type instanceLocks struct {
	mu      sync.Mutex
	entries map[uint64]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (l *instanceLocks) lock(id uint64) (unlock func()) {
	l.mu.Lock()
	if l.entries == nil {
		l.entries = make(map[uint64]*lockEntry)
	}
	entry, ok := l.entries[id]
	if !ok {
		entry = &lockEntry{}
		l.entries[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, id)
		}
		l.mu.Unlock()
	}
}
