// Package scheduling runs the pipeline's recurring maintenance work: buffer
// sweeps, batch cleanup, window compression, and the maintenance heartbeat.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduledAction identifies a type of scheduled action.
type ScheduledAction string

const (
	// ActionAggregationSweep flushes aggregation buffers past their limits.
	ActionAggregationSweep ScheduledAction = "aggregation_sweep"
	// ActionBatchCleanup expires and purges terminal batches.
	ActionBatchCleanup ScheduledAction = "batch_cleanup"
	// ActionWindowCompress runs a context window compression pass.
	ActionWindowCompress ScheduledAction = "window_compress"
	// ActionMaintenanceTick publishes the liveness heartbeat event.
	ActionMaintenanceTick ScheduledAction = "maintenance_tick"
)

// ScheduledTask defines a recurring task.
type ScheduledTask struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" OR duration "30s"
	Action   ScheduledAction
	OneShot  bool
}

// taskTimeout bounds a single run of any scheduled action.
const taskTimeout = 5 * time.Minute

// Scheduler drives the registered maintenance actions on their configured
// cadence. Actions run with a bounded context derived from the Start context,
// so cancelling that context stops all future runs.
type Scheduler struct {
	cron    *cron.Cron
	actions map[ScheduledAction]func(ctx context.Context) error
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler with no actions registered.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		actions: make(map[ScheduledAction]func(ctx context.Context) error),
		logger:  logger,
	}
}

// RegisterAction binds a handler to an action type. Tasks referencing an
// unregistered action are rejected at AddTask time, not at run time.
func (s *Scheduler) RegisterAction(action ScheduledAction, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddTask schedules a task. The schedule may be a cron expression, a cron
// descriptor ("@every 5m") or a plain duration ("30s").
func (s *Scheduler) AddTask(task ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.actions[task.Action]
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for task %q", task.Action, task.Name)
	}
	schedule, err := parseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}

	var entryID cron.EntryID
	job := func() {
		s.runOnce(task.Name, fn)
		if task.OneShot {
			s.cron.Remove(entryID)
		}
	}
	entryID = s.cron.Schedule(schedule, cron.FuncJob(job))

	s.logger.Info("task added to scheduler",
		"name", task.Name, "schedule", task.Schedule, "action", string(task.Action))
	return nil
}

// runOnce executes one firing of a task under the run context and timeout.
func (s *Scheduler) runOnce(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		s.logger.Debug("scheduler stopped, skipping task", "task", name)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	start := time.Now()
	err := fn(taskCtx)
	elapsed := time.Since(start)
	if err != nil {
		s.logger.Warn("scheduled task failed", "task", name, "error", err, "duration", elapsed)
		return
	}
	s.logger.Debug("scheduled task completed", "task", name, "duration", elapsed)
}

// Start begins firing tasks. Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop cancels the run context and waits for in-flight jobs to finish.
// Idempotent.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.started = false
	return nil
}

// parseSchedule accepts standard five-field cron expressions, cron
// descriptors, or a plain positive duration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// NewConstantDelay returns a cron.Schedule that fires at a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
func NewConstantDelay(d time.Duration) cron.Schedule {
	return &constantDelay{delay: d}
}

type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
