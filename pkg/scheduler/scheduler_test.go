package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func noop(context.Context) error { return nil }

func TestScheduleAndListTasks(t *testing.T) {
	s := NewScheduler(zap.NewNop())

	require.NoError(t, s.Every("heartbeat", "Heartbeat broadcast", 10*time.Second, noop))
	require.NoError(t, s.Every("slashing", "Slashing sweep", 5*time.Minute, noop))

	tasks := s.ListTasks()
	assert.Len(t, tasks, 2)

	stats := s.GetSchedulerStats()
	assert.Equal(t, int64(2), stats.TasksScheduled)
}

func TestDuplicateTaskIDRejected(t *testing.T) {
	s := NewScheduler(zap.NewNop())

	require.NoError(t, s.Every("heartbeat", "Heartbeat", time.Minute, noop))
	assert.Error(t, s.Every("heartbeat", "Heartbeat again", time.Minute, noop))
}

func TestValidateTaskRejectsBadInput(t *testing.T) {
	s := NewScheduler(zap.NewNop())

	assert.Error(t, s.ScheduleTask(&Task{Schedule: "@every 1m", ExecutionFn: noop}))
	assert.Error(t, s.ScheduleTask(&Task{ID: "t", ExecutionFn: noop}))
	assert.Error(t, s.ScheduleTask(&Task{ID: "t", Schedule: "@every 1m"}))
	assert.Error(t, s.ScheduleTask(&Task{ID: "t", Schedule: "not a schedule", ExecutionFn: noop}))
}

func TestUnscheduleTask(t *testing.T) {
	s := NewScheduler(zap.NewNop())

	require.NoError(t, s.Every("heartbeat", "Heartbeat", time.Minute, noop))
	require.NoError(t, s.UnscheduleTask("heartbeat"))
	assert.Empty(t, s.ListTasks())

	assert.Error(t, s.UnscheduleTask("heartbeat"))
}

func TestExecuteTaskRecordsOutcome(t *testing.T) {
	s := NewScheduler(zap.NewNop())

	ok := &Task{ID: "ok", Schedule: "@every 1h", ExecutionFn: noop}
	bad := &Task{ID: "bad", Schedule: "@every 1h", ExecutionFn: func(context.Context) error {
		return errors.New("boom")
	}}

	require.NoError(t, s.ScheduleTask(ok))
	require.NoError(t, s.ScheduleTask(bad))

	s.executeTask(context.Background(), ok)
	s.executeTask(context.Background(), bad)

	assert.Equal(t, TaskStatusComplete, ok.Status)
	assert.NoError(t, ok.Error)
	assert.Equal(t, TaskStatusFailed, bad.Status)
	assert.Error(t, bad.Error)

	stats := s.GetSchedulerStats()
	assert.Equal(t, int64(1), stats.TasksCompleted)
	assert.Equal(t, int64(1), stats.TasksFailed)
	assert.False(t, stats.LastUpdate.IsZero())
}

func TestStartAndStop(t *testing.T) {
	s := NewScheduler(zap.NewNop())

	ran := make(chan struct{}, 1)
	require.NoError(t, s.ScheduleTask(&Task{
		ID:       "tick",
		Schedule: "@every 10ms",
		ExecutionFn: func(context.Context) error {
			select {
			case ran <- struct{}{}:
			default:
			}
			return nil
		},
	}))

	require.NoError(t, s.Start())
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled task never ran")
	}
	require.NoError(t, s.Stop())
}
