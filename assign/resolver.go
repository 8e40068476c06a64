package assign

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/procflow/procflow/types"
)

// RuleRequesterManager resolves to the manager of the user named by the
// "requester_id" payload key.
const RuleRequesterManager = "RequesterManager"

// Directory is the org-directory capability boundary. Role membership and
// reporting lines live outside the engine.
type Directory interface {
	// UsersInRole returns the IDs of all users holding the role.
	UsersInRole(ctx context.Context, role string) ([]string, error)

	// ManagerOf returns the manager's user ID, or "" when the user has none.
	ManagerOf(ctx context.Context, userID string) (string, error)

	// UserExists reports whether the user ID is known.
	UserExists(ctx context.Context, userID string) (bool, error)
}

// RuleFunc resolves a named assignment rule against an instance.
type RuleFunc func(ctx context.Context, dir Directory, inst *types.Instance) ([]string, error)

// Resolver maps an abstract assignee spec to concrete user IDs.
//
// Resolution never fails the caller: unresolvable targets degrade to an empty
// set with a diagnostic log line, leaving the task operationally visible but
// unassignable.
type Resolver struct {
	dir    Directory
	logger *slog.Logger
	mu     sync.RWMutex
	rules  map[string]RuleFunc
}

// NewResolver creates a Resolver over the given directory. The built-in
// RequesterManager rule is pre-registered. A nil logger falls back to
// slog.Default().
func NewResolver(dir Directory, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		dir:    dir,
		logger: logger,
		rules:  make(map[string]RuleFunc),
	}
	r.RegisterRule(RuleRequesterManager, requesterManager)
	return r
}

// RegisterRule registers a named assignment rule.
func (r *Resolver) RegisterRule(name string, fn RuleFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[name] = fn
}

// Resolve resolves the spec to a set of user IDs. The result may be empty.
func (r *Resolver) Resolve(ctx context.Context, spec types.AssigneeSpec, inst *types.Instance) []string {
	switch spec.Kind {
	case types.AssigneeUser:
		ok, err := r.dir.UserExists(ctx, spec.Identifier)
		if err != nil || !ok {
			r.logger.Warn("assignee user not found",
				"user", spec.Identifier, "error", err)
			return nil
		}
		return []string{spec.Identifier}

	case types.AssigneeRole:
		users, err := r.dir.UsersInRole(ctx, spec.Identifier)
		if err != nil {
			r.logger.Warn("role lookup failed",
				"role", spec.Identifier, "error", err)
			return nil
		}
		if len(users) == 0 {
			r.logger.Warn("role has no members", "role", spec.Identifier)
		}
		return users

	case types.AssigneeRule:
		r.mu.RLock()
		fn, ok := r.rules[spec.Identifier]
		r.mu.RUnlock()
		if !ok {
			r.logger.Warn("unknown assignment rule", "rule", spec.Identifier)
			return nil
		}
		users, err := fn(ctx, r.dir, inst)
		if err != nil {
			r.logger.Warn("assignment rule failed",
				"rule", spec.Identifier, "instance", inst.ID, "error", err)
			return nil
		}
		return users

	default:
		r.logger.Warn("unknown assignee kind", "kind", spec.Kind)
		return nil
	}
}

func requesterManager(ctx context.Context, dir Directory, inst *types.Instance) ([]string, error) {
	raw, ok := inst.Payload["requester_id"]
	if !ok || raw == nil {
		return nil, fmt.Errorf("payload has no requester_id")
	}
	requester := fmt.Sprintf("%v", raw)
	manager, err := dir.ManagerOf(ctx, requester)
	if err != nil {
		return nil, fmt.Errorf("manager lookup for %s: %w", requester, err)
	}
	if manager == "" {
		return nil, fmt.Errorf("user %s has no manager", requester)
	}
	return []string{manager}, nil
}

// StaticDirectory is an in-memory Directory, suitable for tests and examples.
type StaticDirectory struct {
	mu       sync.RWMutex
	users    map[string]struct{}
	roles    map[string][]string
	managers map[string]string
}

// NewStaticDirectory creates an empty StaticDirectory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		users:    make(map[string]struct{}),
		roles:    make(map[string][]string),
		managers: make(map[string]string),
	}
}

// AddUser registers a user ID.
func (d *StaticDirectory) AddUser(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[userID] = struct{}{}
}

// AddRole registers users as members of a role, creating the users as needed.
func (d *StaticDirectory) AddRole(role string, userIDs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[role] = append(d.roles[role], userIDs...)
	for _, id := range userIDs {
		d.users[id] = struct{}{}
	}
}

// SetManager records userID's manager, creating both users as needed.
func (d *StaticDirectory) SetManager(userID, managerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.managers[userID] = managerID
	d.users[userID] = struct{}{}
	d.users[managerID] = struct{}{}
}

func (d *StaticDirectory) UsersInRole(ctx context.Context, role string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	members := d.roles[role]
	out := make([]string, len(members))
	copy(out, members)
	return out, nil
}

func (d *StaticDirectory) ManagerOf(ctx context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.managers[userID], nil
}

func (d *StaticDirectory) UserExists(ctx context.Context, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[userID]
	return ok, nil
}
