package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/procflow/procflow/storage"
	"github.com/procflow/procflow/types"
)

// Sweeper periodically cancels tasks that passed their due date, recording
// TASK_TIMED_OUT in the instance history. It is a collaborator around the
// engine, not part of it: the engine's contract is unchanged whether a
// sweeper runs or not.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewSweeper creates a Sweeper ticking at the given interval.
func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		engine:   engine,
		interval: interval,
		logger:   engine.logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop. Calling Start twice is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.loop()
}

// Stop terminates the sweep loop and waits for it to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n, err := s.Sweep(context.Background()); err != nil {
				s.logger.Error("task sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("expired overdue tasks", "count", n)
			}
		}
	}
}

// Sweep expires every overdue Pending or Assigned task once and returns how
// many were expired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	expired := 0
	for _, status := range []types.TaskStatus{types.TaskPending, types.TaskAssigned} {
		tasks, err := s.engine.store.ListTasks(ctx, storage.TaskFilter{Status: status, DueBefore: now})
		if err != nil {
			return expired, err
		}
		for _, task := range tasks {
			if err := s.engine.ExpireTask(ctx, task.ID); err != nil {
				s.logger.Warn("failed to expire task", "task", task.ID, "error", err)
				continue
			}
			expired++
		}
	}
	return expired, nil
}
