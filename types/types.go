package types

import "strings"

// Instance states
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "PENDING"
	InstanceRunning   InstanceStatus = "RUNNING"
	InstanceCompleted InstanceStatus = "COMPLETED"
	InstanceFailed    InstanceStatus = "FAILED"
	InstanceCanceled  InstanceStatus = "CANCELED"
	InstanceSuspended InstanceStatus = "SUSPENDED"
)

// Terminal reports whether the status permits no further transitions.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCanceled
}

// Task states
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskAssigned  TaskStatus = "ASSIGNED"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskCanceled  TaskStatus = "CANCELED"
)

// AssigneeKind identifies how the assignee of a task is described.
type AssigneeKind string

const (
	AssigneeUser AssigneeKind = "USER"
	AssigneeRole AssigneeKind = "ROLE"
	AssigneeRule AssigneeKind = "RULE"
)

// AssigneeSpec is the declarative description of who should receive a task.
// The identifier is a user ID, a role name, or a named rule depending on Kind.
type AssigneeSpec struct {
	Kind       AssigneeKind `json:"kind"`
	Identifier string       `json:"identifier"`
}

// EventType enumerates the audit trail event kinds.
type EventType string

const (
	EventInstanceStarted   EventType = "INSTANCE_STARTED"
	EventInstanceCompleted EventType = "INSTANCE_COMPLETED"
	EventInstanceFailed    EventType = "INSTANCE_FAILED"
	EventInstanceCanceled  EventType = "INSTANCE_CANCELED"
	EventNodeEntered       EventType = "NODE_ENTERED"
	EventNodeExited        EventType = "NODE_EXITED"
	EventTaskCreated       EventType = "TASK_CREATED"
	EventTaskAssigned      EventType = "TASK_ASSIGNED"
	EventTaskCompleted     EventType = "TASK_COMPLETED"
	EventTaskTimedOut      EventType = "TASK_TIMED_OUT"
	EventCommentAdded      EventType = "COMMENT_ADDED"
)

// NodeKind is the closed set of node behaviors the engine dispatches on.
// Unrecognized type strings map to KindUnknown, which the traversal treats as
// pass-through.
type NodeKind int

const (
	KindUnknown NodeKind = iota
	KindStart
	KindEnd
	KindApproval
	KindDecision
	KindServiceTask
	KindNotification
)

// ParseNodeKind maps a node type string from a definition document to its
// NodeKind. Matching is case-insensitive; "userTaskNode" is an alias for
// "approvalNode".
func ParseNodeKind(s string) NodeKind {
	switch strings.ToLower(s) {
	case "startnode":
		return KindStart
	case "endnode":
		return KindEnd
	case "approvalnode", "usertasknode":
		return KindApproval
	case "decisionnode":
		return KindDecision
	case "servicetasknode":
		return KindServiceTask
	case "notificationnode":
		return KindNotification
	default:
		return KindUnknown
	}
}

func (k NodeKind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindEnd:
		return "end"
	case KindApproval:
		return "approval"
	case KindDecision:
		return "decision"
	case KindServiceTask:
		return "serviceTask"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Definition is an immutable, versioned process graph. An update is a new
// version under the same name; existing rows are never modified, so a running
// instance always replays against the exact graph it started with.
type Definition struct {
	ID          uint64 `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     int    `json:"version"`
	Active      bool   `json:"active"`
	Graph       Graph  `json:"graph"`
	CreatedAt   int64  `json:"created_at"`
}

// Graph is the directed node/edge structure of a process definition.
type Graph struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// Node is one step in the process graph.
type Node struct {
	ID     string     `json:"id" yaml:"id"`
	Type   string     `json:"type" yaml:"type"`
	Config NodeConfig `json:"config,omitempty" yaml:"config"`
}

// Kind returns the parsed behavior kind of the node.
func (n Node) Kind() NodeKind { return ParseNodeKind(n.Type) }

// NodeConfig carries per-node settings from the definition document.
type NodeConfig struct {
	TaskType       string       `json:"taskType,omitempty" yaml:"taskType"`
	AssigneeKind   AssigneeKind `json:"assigneeType,omitempty" yaml:"assigneeType"`
	AssigneeID     string       `json:"assigneeIdentifier,omitempty" yaml:"assigneeIdentifier"`
	TimeoutSeconds int          `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds"`
	Action         string       `json:"action,omitempty" yaml:"action"`
	MaxRetries     int          `json:"maxRetries,omitempty" yaml:"maxRetries"`
	RetryDelaySec  int          `json:"retryDelaySec,omitempty" yaml:"retryDelaySec"`
	Message        string       `json:"message,omitempty" yaml:"message"`
}

// Edge is a directed transition between two nodes, optionally guarded by a
// condition in the rules micro-language. IsDefault marks the fallback edge of
// a decision node.
type Edge struct {
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition"`
	IsDefault bool   `json:"isDefault,omitempty" yaml:"isDefault"`
}

// FindNode returns the node with the given ID.
func (g Graph) FindNode(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// OutgoingEdges returns the edges leaving the given node, in declaration order.
func (g Graph) OutgoingEdges(source string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == source {
			out = append(out, e)
		}
	}
	return out
}

// StartNode returns the start node of the graph, if present.
func (g Graph) StartNode() (Node, bool) {
	for _, n := range g.Nodes {
		if n.Kind() == KindStart {
			return n, true
		}
	}
	return Node{}, false
}

// Instance is one running execution of a process definition. It is mutated
// only by the engine under an exclusive per-instance lock and becomes terminal
// exactly once. An empty CurrentNodeIDs set means the instance is terminal.
type Instance struct {
	ID             uint64                 `json:"id"`
	DefinitionID   uint64                 `json:"definition_id"`
	Status         InstanceStatus         `json:"status"`
	Payload        map[string]interface{} `json:"payload"`
	CurrentNodeIDs []string               `json:"current_node_ids"`
	TriggerRef     string                 `json:"trigger_ref,omitempty"`
	StartedAt      int64                  `json:"started_at"`
	CompletedAt    int64                  `json:"completed_at,omitempty"`
	UpdatedAt      int64                  `json:"updated_at"`
}

// HasCurrentNode reports whether the node is in the instance's active set.
func (i Instance) HasCurrentNode(nodeID string) bool {
	for _, id := range i.CurrentNodeIDs {
		if id == nodeID {
			return true
		}
	}
	return false
}

// Task is one pending human decision point, generated by an interactive node.
type Task struct {
	ID             uint64                 `json:"id"`
	InstanceID     uint64                 `json:"instance_id"`
	NodeID         string                 `json:"node_id"`
	Type           string                 `json:"type"`
	Status         TaskStatus             `json:"status"`
	Assignee       AssigneeSpec           `json:"assignee"`
	ClaimedBy      []string               `json:"claimed_by,omitempty"`
	DueAt          int64                  `json:"due_at,omitempty"`
	Outcome        string                 `json:"outcome,omitempty"`
	CompletionData map[string]interface{} `json:"completion_data,omitempty"`
	CreatedAt      int64                  `json:"created_at"`
	CompletedAt    int64                  `json:"completed_at,omitempty"`
	CompletedBy    string                 `json:"completed_by,omitempty"`
}

// ClaimedByUser reports whether the user has claimed the task.
func (t Task) ClaimedByUser(userID string) bool {
	for _, u := range t.ClaimedBy {
		if u == userID {
			return true
		}
	}
	return false
}

// HistoryEvent is one immutable entry of the per-instance audit trail.
// Events are never mutated or deleted and are ordered by timestamp, ascending.
type HistoryEvent struct {
	ID         uint64                 `json:"id"`
	InstanceID uint64                 `json:"instance_id"`
	NodeID     string                 `json:"node_id,omitempty"`
	TaskID     uint64                 `json:"task_id,omitempty"`
	Type       EventType              `json:"event_type"`
	Timestamp  int64                  `json:"timestamp"`
	Actor      string                 `json:"actor,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}
