package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/types"
)

func TestSweepExpiresOverdueTasks(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	inst, task := startApprovalInstance(t, engine)

	// Backdate the due date; createTask only produces future ones.
	task.DueAt = time.Now().UnixMilli() - 1000
	require.NoError(t, store.SaveTask(ctx, task))

	sweeper := NewSweeper(engine, time.Minute)
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := engine.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCanceled, expired.Status)

	// The branch stays paused; recovery is out of band.
	got, err := engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, got.Status)
	assert.Equal(t, []string{"approval-1"}, got.CurrentNodeIDs)

	found := false
	for _, ev := range eventTrace(t, engine, inst.ID) {
		if ev.Type == types.EventTaskTimedOut {
			found = true
			assert.Equal(t, task.ID, ev.TaskID)
		}
	}
	assert.True(t, found, "expected TaskTimedOut in history")

	// A second sweep finds nothing left to expire.
	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepIgnoresTasksWithoutDueDate(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, task := startApprovalInstance(t, engine)
	assert.Zero(t, task.DueAt)

	sweeper := NewSweeper(engine, time.Minute)
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeperStartStop(t *testing.T) {
	engine, _ := newTestEngine(t)

	sweeper := NewSweeper(engine, 10*time.Millisecond)
	sweeper.Start()
	sweeper.Start() // second start is a no-op
	time.Sleep(30 * time.Millisecond)
	sweeper.Stop()
	sweeper.Stop() // second stop is a no-op
}
