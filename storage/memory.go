package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/procflow/procflow/types"
)

// MemoryStore is an in-memory implementation of the Store interface.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[uint64]types.Definition
	instances   map[uint64]types.Instance
	tasks       map[uint64]types.Task
	history     map[uint64][]types.HistoryEvent
}

// NewMemoryStore creates a new MemoryStore instance.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[uint64]types.Definition),
		instances:   make(map[uint64]types.Instance),
		tasks:       make(map[uint64]types.Task),
		history:     make(map[uint64][]types.HistoryEvent),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return item, nil
	})
}

func (s *MemoryStore) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.definitions[def.ID] = def
		return nil
	})
}

func (s *MemoryStore) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	return getItem(ctx, &s.mu, s.definitions, id, ErrDefinitionNotFound)
}

func (s *MemoryStore) ActiveDefinition(ctx context.Context, name string) (types.Definition, error) {
	return withContext(ctx, func() (types.Definition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var best types.Definition
		found := false
		for _, def := range s.definitions {
			if def.Name != name || !def.Active {
				continue
			}
			if !found || def.Version > best.Version {
				best = def
				found = true
			}
		}
		if !found {
			return types.Definition{}, fmt.Errorf("%w: name=%s", ErrDefinitionNotFound, name)
		}
		return best, nil
	})
}

func (s *MemoryStore) ListDefinitions(ctx context.Context, name string) ([]types.Definition, error) {
	return withContext(ctx, func() ([]types.Definition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var defs []types.Definition
		for _, def := range s.definitions {
			if def.Name == name {
				defs = append(defs, def)
			}
		}
		sort.Slice(defs, func(i, j int) bool { return defs[i].Version < defs[j].Version })
		return defs, nil
	})
}

func (s *MemoryStore) SaveInstance(ctx context.Context, inst types.Instance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.instances[inst.ID] = inst
		return nil
	})
}

func (s *MemoryStore) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return getItem(ctx, &s.mu, s.instances, id, ErrInstanceNotFound)
}

func (s *MemoryStore) SaveTask(ctx context.Context, task types.Task) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.tasks[task.ID] = task
		return nil
	})
}

func (s *MemoryStore) GetTask(ctx context.Context, id uint64) (types.Task, error) {
	return getItem(ctx, &s.mu, s.tasks, id, ErrTaskNotFound)
}

func (s *MemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]types.Task, error) {
	return withContext(ctx, func() ([]types.Task, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var tasks []types.Task
		for _, task := range s.tasks {
			if filter.Matches(task) {
				tasks = append(tasks, task)
			}
		}
		sort.Slice(tasks, func(i, j int) bool {
			if tasks[i].CreatedAt != tasks[j].CreatedAt {
				return tasks[i].CreatedAt < tasks[j].CreatedAt
			}
			return tasks[i].ID < tasks[j].ID
		})
		return tasks, nil
	})
}

func (s *MemoryStore) AppendHistory(ctx context.Context, event types.HistoryEvent) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.history[event.InstanceID] = append(s.history[event.InstanceID], event)
		return nil
	})
}

func (s *MemoryStore) ListHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEvent, error) {
	return withContext(ctx, func() ([]types.HistoryEvent, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		events := make([]types.HistoryEvent, len(s.history[instanceID]))
		copy(events, s.history[instanceID])
		// Append order already tracks timestamps; the stable sort keeps
		// same-millisecond events in their appended order.
		sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })
		return events, nil
	})
}
