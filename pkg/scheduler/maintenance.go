package scheduler

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"anti_vpn/pkg/metrics"
	"anti_vpn/pkg/platform"
)

const (
	EvictionTaskID = "evict-expired"
	StatsTaskID    = "log-stats"
)

// Cache is a verdict cache that can drop its expired entries.
type Cache interface {
	EvictExpired() uint32
	CacheLen() uint32
	CacheHitRatio() float64
}

// NewEvictionTask returns a task dropping expired entries from every cache.
// Caches are keyed by a name used in logs.
func NewEvictionTask(schedule string, caches map[string]Cache, logger *zap.Logger) *Task {
	return &Task{
		ID:       EvictionTaskID,
		Name:     "Evict expired cache entries",
		Schedule: schedule,
		ExecutionFn: func(ctx context.Context) error {
			for name, c := range caches {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if n := c.EvictExpired(); n > 0 {
					logger.Debug("Evicted expired entries",
						zap.String("cache", name), zap.Uint32("count", n))
				}
			}
			return nil
		},
	}
}

// StatsSources are what the stats task reports on. Scheduler and Metrics
// are optional.
type StatsSources struct {
	Platform  *platform.Platform
	Caches    map[string]Cache
	Scheduler *Scheduler
	Metrics   *metrics.Metrics
}

// NewStatsTask returns a task logging platform statistics, cache sizes and
// hit ratios and scheduler counters. Hit ratios are also exported as
// gauges.
func NewStatsTask(schedule string, src StatsSources, logger *zap.Logger) *Task {
	m := src.Metrics
	if m == nil {
		m = metrics.NopMetrics()
	}

	return &Task{
		ID:       StatsTaskID,
		Name:     "Log node statistics",
		Schedule: schedule,
		ExecutionFn: func(ctx context.Context) error {
			stats := src.Platform.Stats()
			fields := []zap.Field{
				zap.Duration("uptime", stats.Uptime),
				zap.Int("uniquePlayers", stats.UniquePlayers),
				zap.Int("uniqueIPs", stats.UniqueIPs),
			}
			for name, c := range src.Caches {
				ratio := c.CacheHitRatio()
				m.CacheHitRatio.With("cache", name).Set(ratio)
				fields = append(fields,
					zap.Uint32(name+"CacheSize", c.CacheLen()),
					zap.Float64(name+"CacheHitRatio", ratio))
			}

			if src.Scheduler != nil {
				sched := src.Scheduler.GetSchedulerStats()
				var failing []string
				for _, task := range src.Scheduler.ListTasks() {
					if task.Status == TaskStatusFailed {
						failing = append(failing, task.ID)
					}
				}
				sort.Strings(failing)
				fields = append(fields,
					zap.Int64("tasksScheduled", sched.TasksScheduled),
					zap.Int64("tasksCompleted", sched.TasksCompleted),
					zap.Int64("tasksFailed", sched.TasksFailed),
					zap.Duration("taskLatency", sched.AverageLatency),
					zap.Strings("failingTasks", failing))
			}

			logger.Info("Node statistics", fields...)
			return nil
		},
	}
}
