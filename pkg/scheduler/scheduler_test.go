package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"anti_vpn/pkg/metrics"
	"anti_vpn/pkg/platform"
)

func setupTestScheduler(t *testing.T) *Scheduler {
	scheduler := NewScheduler(2, 10*time.Millisecond, zaptest.NewLogger(t))
	scheduler.Start()
	t.Cleanup(scheduler.Stop)
	return scheduler
}

func noop(ctx context.Context) error { return nil }

func TestScheduleTask(t *testing.T) {
	scheduler := setupTestScheduler(t)

	t.Run("ValidTask", func(t *testing.T) {
		task := &Task{
			ID:          "test-task-1",
			Name:        "Test Task",
			Schedule:    "@every 1h",
			MaxRetries:  3,
			ExecutionFn: noop,
		}

		require.NoError(t, scheduler.ScheduleTask(task))

		scheduledTask, err := scheduler.GetTask(task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.ID, scheduledTask.ID)
		assert.Equal(t, TaskStatusPending, scheduledTask.Status)
	})

	t.Run("InvalidSchedule", func(t *testing.T) {
		task := &Task{ID: "test-task-2", Schedule: "invalid", ExecutionFn: noop}
		assert.Error(t, scheduler.ScheduleTask(task))
	})

	t.Run("MissingFunction", func(t *testing.T) {
		task := &Task{ID: "test-task-3", Schedule: "@every 1m"}
		assert.Error(t, scheduler.ScheduleTask(task))
	})

	t.Run("DuplicateTask", func(t *testing.T) {
		task := &Task{ID: "test-task-4", Schedule: "*/5 * * * *", ExecutionFn: noop}
		require.NoError(t, scheduler.ScheduleTask(task))
		assert.Error(t, scheduler.ScheduleTask(task))
	})

	t.Run("Unschedule", func(t *testing.T) {
		require.NoError(t, scheduler.UnscheduleTask("test-task-4"))
		_, err := scheduler.GetTask("test-task-4")
		assert.Error(t, err)
		assert.Error(t, scheduler.UnscheduleTask("test-task-4"))
	})
}

func TestTaskExecution(t *testing.T) {
	scheduler := setupTestScheduler(t)

	t.Run("CronExecution", func(t *testing.T) {
		executed := make(chan bool, 1)
		task := &Task{
			ID:       "cron-task",
			Schedule: "@every 1s",
			ExecutionFn: func(ctx context.Context) error {
				select {
				case executed <- true:
				default:
				}
				return nil
			},
		}
		require.NoError(t, scheduler.ScheduleTask(task))

		select {
		case <-executed:
		case <-time.After(3 * time.Second):
			t.Fatal("Task execution timeout")
		}

		require.Eventually(t, func() bool {
			scheduledTask, err := scheduler.GetTask(task.ID)
			return err == nil && scheduledTask.Status == TaskStatusComplete
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("FailedExecution", func(t *testing.T) {
		expectedErr := errors.New("execution failed")
		task := &Task{
			ID:         "failing-task",
			Schedule:   "@every 1h",
			MaxRetries: 1,
			ExecutionFn: func(ctx context.Context) error {
				return expectedErr
			},
		}
		require.NoError(t, scheduler.ScheduleTask(task))

		err := scheduler.RunNow(task.ID)
		assert.ErrorIs(t, err, expectedErr)

		scheduledTask, err := scheduler.GetTask(task.ID)
		require.NoError(t, err)
		assert.Equal(t, TaskStatusFailed, scheduledTask.Status)
		assert.ErrorIs(t, scheduledTask.Error, expectedErr)
		assert.Equal(t, 1, scheduledTask.RetryCount)
	})

	t.Run("RetryThenSucceed", func(t *testing.T) {
		var attempts atomic.Int32
		task := &Task{
			ID:         "retry-task",
			Schedule:   "@every 1h",
			MaxRetries: 2,
			ExecutionFn: func(ctx context.Context) error {
				if attempts.Add(1) <= 2 {
					return errors.New("temporary failure")
				}
				return nil
			},
		}
		require.NoError(t, scheduler.ScheduleTask(task))
		require.NoError(t, scheduler.RunNow(task.ID))

		scheduledTask, err := scheduler.GetTask(task.ID)
		require.NoError(t, err)
		assert.Equal(t, TaskStatusComplete, scheduledTask.Status)
		assert.Equal(t, 2, scheduledTask.RetryCount)
	})

	t.Run("PanicRecovery", func(t *testing.T) {
		var calls atomic.Int32
		task := &Task{
			ID:         "recovery-task",
			Schedule:   "@every 1h",
			MaxRetries: 1,
			ExecutionFn: func(ctx context.Context) error {
				if calls.Add(1) == 1 {
					panic("unexpected panic")
				}
				return nil
			},
		}
		require.NoError(t, scheduler.ScheduleTask(task))
		require.NoError(t, scheduler.RunNow(task.ID))
		assert.Equal(t, int32(2), calls.Load())
	})

	assert.Error(t, scheduler.RunNow("missing"))
}

func TestSchedulerStopCancelsTasks(t *testing.T) {
	scheduler := NewScheduler(1, time.Millisecond, zaptest.NewLogger(t))
	scheduler.Start()

	started := make(chan struct{})
	cancelled := make(chan struct{})
	task := &Task{
		ID:       "long-task",
		Schedule: "@every 1s",
		ExecutionFn: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		},
	}
	require.NoError(t, scheduler.ScheduleTask(task))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("Task did not start")
	}

	done := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Scheduler shutdown timeout")
	}
	select {
	case <-cancelled:
	default:
		t.Fatal("running task was not cancelled")
	}
}

func TestSchedulerMetrics(t *testing.T) {
	scheduler := setupTestScheduler(t)

	require.NoError(t, scheduler.ScheduleTask(&Task{ID: "ok", Schedule: "@every 1h", ExecutionFn: noop}))
	require.NoError(t, scheduler.ScheduleTask(&Task{ID: "fail", Schedule: "@every 1h", ExecutionFn: func(ctx context.Context) error {
		return errors.New("task failed")
	}}))

	require.NoError(t, scheduler.RunNow("ok"))
	require.Error(t, scheduler.RunNow("fail"))

	stats := scheduler.GetSchedulerStats()
	assert.Equal(t, int64(2), stats.TasksScheduled)
	assert.Equal(t, int64(1), stats.TasksCompleted)
	assert.Equal(t, int64(1), stats.TasksFailed)
	assert.Len(t, scheduler.ListTasks(), 2)
}

type fakeCache struct {
	evicted atomic.Int32
	size    uint32
	ratio   float64
}

func (c *fakeCache) EvictExpired() uint32 {
	c.evicted.Add(1)
	return 3
}

func (c *fakeCache) CacheLen() uint32 { return c.size }

func (c *fakeCache) CacheHitRatio() float64 { return c.ratio }

func TestMaintenanceTasks(t *testing.T) {
	scheduler := setupTestScheduler(t)
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	ipCache, playerCache := &fakeCache{size: 7}, &fakeCache{size: 2}
	caches := map[string]Cache{"ip": ipCache, "player": playerCache}

	require.NoError(t, scheduler.ScheduleTask(NewEvictionTask("@every 1m", caches, logger)))
	require.NoError(t, scheduler.RunNow(EvictionTaskID))
	assert.Equal(t, int32(1), ipCache.evicted.Load())
	assert.Equal(t, int32(1), playerCache.evicted.Load())

	p := platform.New(time.Now())
	p.AddUniquePlayer(uuid.New())
	p.AddUniqueIP("192.0.2.1")

	require.NoError(t, scheduler.ScheduleTask(NewStatsTask("@every 5m", StatsSources{
		Platform: p,
		Caches:   caches,
	}, logger)))
	require.NoError(t, scheduler.RunNow(StatsTaskID))

	entries := logs.FilterMessage("Node statistics").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(1), fields["uniquePlayers"])
	assert.Equal(t, int64(1), fields["uniqueIPs"])
	assert.Equal(t, uint32(7), fields["ipCacheSize"])
}

func TestStatsTaskReportsScheduler(t *testing.T) {
	scheduler := setupTestScheduler(t)
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	m := metrics.PrometheusMetrics("antivpn_sched_test")

	caches := map[string]Cache{"ip": &fakeCache{size: 4, ratio: 80}}
	require.NoError(t, scheduler.ScheduleTask(&Task{ID: "broken", Schedule: "@every 1h", ExecutionFn: func(ctx context.Context) error {
		return errors.New("task failed")
	}}))
	require.NoError(t, scheduler.ScheduleTask(NewStatsTask("@every 5m", StatsSources{
		Platform:  platform.New(time.Now()),
		Caches:    caches,
		Scheduler: scheduler,
		Metrics:   m,
	}, logger)))

	require.Error(t, scheduler.RunNow("broken"))
	require.NoError(t, scheduler.RunNow(StatsTaskID))

	entries := logs.FilterMessage("Node statistics").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(2), fields["tasksScheduled"])
	assert.Equal(t, int64(0), fields["tasksCompleted"])
	assert.Equal(t, int64(1), fields["tasksFailed"])
	assert.Equal(t, []interface{}{"broken"}, fields["failingTasks"])
	assert.Equal(t, float64(80), fields["ipCacheHitRatio"])
	assert.Contains(t, fields, "taskLatency")

	families, err := stdprometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	var ratio float64
	for _, f := range families {
		if f.GetName() != "antivpn_sched_test_engine_cache_hit_ratio" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "cache" && label.GetValue() == "ip" {
					ratio = metric.GetGauge().GetValue()
				}
			}
		}
	}
	assert.Equal(t, float64(80), ratio)
}
