package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// TaskStatus represents the current state of a scheduled task
type TaskStatus string

const (
	TaskStatusPending  TaskStatus = "pending"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusComplete TaskStatus = "complete"
	TaskStatusFailed   TaskStatus = "failed"
)

// Task represents a scheduled task
type Task struct {
	ID          string
	Name        string
	Schedule    string
	LastRun     time.Time
	NextRun     time.Time
	Status      TaskStatus
	Error       error
	RetryCount  int
	MaxRetries  int
	CronID      cron.EntryID
	ExecutionFn func(context.Context) error
}

// Scheduler runs maintenance tasks on cron schedules with a bounded number
// of tasks executing at once.
type Scheduler struct {
	cron       *cron.Cron
	tasks      map[string]*Task
	retryDelay time.Duration
	logger     *zap.Logger
	metrics    *SchedulerMetrics
	workerPool chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.RWMutex
}

// SchedulerMetrics tracks scheduler performance
type SchedulerMetrics struct {
	TasksScheduled int64
	TasksCompleted int64
	TasksFailed    int64
	AverageLatency time.Duration
	LastUpdate     time.Time
	mu             sync.RWMutex
}

// NewScheduler creates a new scheduler instance
func NewScheduler(maxConcurrent int, retryDelay time.Duration, logger *zap.Logger) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:       cron.New(),
		tasks:      make(map[string]*Task),
		retryDelay: retryDelay,
		logger:     logger.Named("scheduler"),
		metrics:    &SchedulerMetrics{},
		workerPool: make(chan struct{}, maxConcurrent),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins the scheduler
func (s *Scheduler) Start() {
	s.logger.Info("Starting scheduler", zap.Int("maxConcurrent", cap(s.workerPool)))
	s.cron.Start()
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	s.cancel()
	<-s.cron.Stop().Done()
}

// ScheduleTask adds a new task to the scheduler
func (s *Scheduler) ScheduleTask(task *Task) error {
	if err := s.validateTask(task); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}

	cronID, err := s.cron.AddFunc(task.Schedule, func() {
		s.executeTask(s.ctx, task)
	})
	if err != nil {
		return fmt.Errorf("scheduling task: %w", err)
	}

	task.CronID = cronID
	task.Status = TaskStatusPending
	task.NextRun = s.cron.Entry(cronID).Next
	s.tasks[task.ID] = task

	s.metrics.mu.Lock()
	s.metrics.TasksScheduled++
	s.metrics.LastUpdate = time.Now()
	s.metrics.mu.Unlock()

	s.logger.Info("Task scheduled",
		zap.String("taskID", task.ID),
		zap.String("schedule", task.Schedule))

	return nil
}

// UnscheduleTask removes a task from the scheduler
func (s *Scheduler) UnscheduleTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}

	s.cron.Remove(task.CronID)
	delete(s.tasks, taskID)

	s.logger.Info("Task unscheduled", zap.String("taskID", taskID))
	return nil
}

// RunNow executes a scheduled task immediately and waits for it.
func (s *Scheduler) RunNow(taskID string) error {
	s.mu.RLock()
	task, exists := s.tasks[taskID]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}

	s.executeTask(s.ctx, task)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return task.Error
}

// GetTask returns a snapshot of a task by ID
func (s *Scheduler) GetTask(taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return Task{}, fmt.Errorf("task %s not found", taskID)
	}
	return *task, nil
}

// ListTasks returns snapshots of all scheduled tasks
func (s *Scheduler) ListTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, *task)
	}
	return tasks
}

func (s *Scheduler) executeTask(ctx context.Context, task *Task) {
	// Acquire worker from pool
	select {
	case s.workerPool <- struct{}{}:
		defer func() { <-s.workerPool }()
	case <-ctx.Done():
		return
	}
	if ctx.Err() != nil {
		return
	}

	start := time.Now()

	s.mu.Lock()
	task.Status = TaskStatusRunning
	task.LastRun = start
	s.mu.Unlock()

	err := s.runTaskWithRetries(ctx, task)

	s.mu.Lock()
	if err != nil {
		task.Status = TaskStatusFailed
		task.Error = err
	} else {
		task.Status = TaskStatusComplete
		task.Error = nil
	}
	task.NextRun = s.cron.Entry(task.CronID).Next
	s.mu.Unlock()

	s.metrics.mu.Lock()
	if err != nil {
		s.metrics.TasksFailed++
	} else {
		s.metrics.TasksCompleted++
	}
	s.metrics.AverageLatency = (s.metrics.AverageLatency*9 + time.Since(start)) / 10
	s.metrics.LastUpdate = time.Now()
	s.metrics.mu.Unlock()

	s.logger.Debug("Task execution completed",
		zap.String("taskID", task.ID),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
}

func (s *Scheduler) runTaskWithRetries(ctx context.Context, task *Task) error {
	var lastErr error

	for attempt := 0; attempt <= task.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		s.mu.Lock()
		task.RetryCount = attempt
		s.mu.Unlock()

		if err := s.runOnce(ctx, task); err != nil {
			lastErr = err
			s.logger.Warn("Task execution failed",
				zap.String("taskID", task.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		return nil
	}

	return fmt.Errorf("task failed after %d retries: %w", task.MaxRetries, lastErr)
}

// runOnce runs the task function, turning a panic into an error.
func (s *Scheduler) runOnce(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.ExecutionFn(ctx)
}

func (s *Scheduler) validateTask(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if task.Schedule == "" {
		return fmt.Errorf("task schedule cannot be empty")
	}
	if task.ExecutionFn == nil {
		return fmt.Errorf("task execution function cannot be nil")
	}
	if _, err := cron.ParseStandard(task.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule: %w", err)
	}
	return nil
}

// GetSchedulerStats returns current scheduler statistics
func (s *Scheduler) GetSchedulerStats() SchedulerStats {
	s.metrics.mu.RLock()
	defer s.metrics.mu.RUnlock()

	return SchedulerStats{
		TasksScheduled: s.metrics.TasksScheduled,
		TasksCompleted: s.metrics.TasksCompleted,
		TasksFailed:    s.metrics.TasksFailed,
		AverageLatency: s.metrics.AverageLatency,
		LastUpdate:     s.metrics.LastUpdate,
	}
}

// SchedulerStats represents scheduler statistics
type SchedulerStats struct {
	TasksScheduled int64
	TasksCompleted int64
	TasksFailed    int64
	AverageLatency time.Duration
	LastUpdate     time.Time
}
