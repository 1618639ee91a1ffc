// Package scheduler implements the host's recurring-task poll loop
// (spec §4.9): cron/interval/once agent tasks and admin-only host jobs,
// both persisted as scheduled_tasks/host_jobs rows and drained through
// the same per-workspace group queue every other container run goes
// through.
package scheduler

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/crypdick/pynchy/internal/common/logger"
	"github.com/crypdick/pynchy/internal/persistence"
)

// Enqueuer is the narrow GroupQueue capability the scheduler needs: a
// scheduler-initiated task always jumps the per-workspace queue ahead of
// fresh message processing (spec invariant Q3).
type Enqueuer interface {
	EnqueueTask(jid, id string, producer func(ctx context.Context) (bool, error))
}

// AgentInvoker runs one scheduled agent task's container invocation for
// the given workspace folder and prompt, returning whether it succeeded
// and a short human-readable result summary.
type AgentInvoker func(ctx context.Context, workspaceFolder, prompt string) (ok bool, result string, err error)

// HostJobTimeout bounds how long a single host job's shell command may
// run before being killed (spec §4.9 step 4).
const HostJobTimeout = 10 * time.Minute

// Scheduler polls for due scheduled_tasks/host_jobs and drives them
// through the group queue or directly through shell execution.
type Scheduler struct {
	store    *persistence.Store
	queue    Enqueuer
	invoker  AgentInvoker
	logger   *logger.Logger
	interval time.Duration
}

// New constructs a Scheduler. interval is how often the poll loop checks
// for due work; the spec leaves this to host configuration (typically a
// few seconds).
func New(store *persistence.Store, queue Enqueuer, invoker AgentInvoker, interval time.Duration, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		queue:    queue,
		invoker:  invoker,
		logger:   log.WithFields(zap.String("component", "scheduler")),
		interval: interval,
	}
}

// Run blocks, polling at s.interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *Scheduler) pollOnce(ctx context.Context) {
	now := time.Now().UTC()

	tasks, err := s.store.DueTasks(ctx, now)
	if err != nil {
		s.logger.Warn("failed to list due tasks", zap.Error(err))
	}
	for i := range tasks {
		s.dispatchAgentTask(ctx, &tasks[i])
	}

	jobs, err := s.store.DueHostJobs(ctx, now)
	if err != nil {
		s.logger.Warn("failed to list due host jobs", zap.Error(err))
	}
	for i := range jobs {
		s.runHostJob(ctx, &jobs[i])
	}
}

// dispatchAgentTask enqueues one due scheduled_tasks row onto its
// workspace's group queue (spec §4.9 step 2); the producer invokes the
// agent and step 3's bookkeeping runs after it returns, whether it
// succeeded or not.
func (s *Scheduler) dispatchAgentTask(ctx context.Context, t *persistence.ScheduledTask) {
	task := *t
	s.queue.EnqueueTask(task.WorkspaceFolder, task.ID, func(runCtx context.Context) (bool, error) {
		startedAt := time.Now().UTC()
		ok, result, err := s.invoker(runCtx, task.WorkspaceFolder, task.Prompt)
		if err != nil && result == "" {
			result = err.Error()
		}
		s.recordRun(context.Background(), "scheduled_tasks", &task, startedAt, ok, result)
		return ok, err
	})
}

// runHostJob executes a due host_jobs row's shell command directly with
// a timeout; no agent or group queue involvement (spec §4.9 step 4).
func (s *Scheduler) runHostJob(ctx context.Context, t *persistence.ScheduledTask) {
	job := *t
	startedAt := time.Now().UTC()

	runCtx, cancel := context.WithTimeout(ctx, HostJobTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", job.Prompt)
	output, err := cmd.CombinedOutput()
	ok := err == nil

	result := string(output)
	if err != nil {
		result = fmt.Sprintf("%s\n%s", result, err.Error())
	}

	s.recordRun(ctx, "host_jobs", &job, startedAt, ok, result)
}

// recordRun performs spec §4.9 step 3's bookkeeping: set last_run/
// last_result, compute next_run per schedule type, and log the run.
func (s *Scheduler) recordRun(ctx context.Context, table string, t *persistence.ScheduledTask, startedAt time.Time, ok bool, result string) {
	endedAt := time.Now().UTC()

	status := persistence.TaskStatusActive
	var nextRun *time.Time
	switch t.ScheduleType {
	case persistence.ScheduleOnce:
		status = persistence.TaskStatusCompleted
	case persistence.ScheduleInterval:
		d, err := time.ParseDuration(t.ScheduleValue)
		if err != nil {
			s.logger.Warn("invalid interval schedule value, pausing task",
				zap.String("task_id", t.ID), zap.String("value", t.ScheduleValue), zap.Error(err))
			status = persistence.TaskStatusPaused
		} else {
			next := endedAt.Add(d)
			nextRun = &next
		}
	case persistence.ScheduleCron:
		next, err := nextCronRun(t.ScheduleValue, t.Timezone, endedAt)
		if err != nil {
			s.logger.Warn("invalid cron schedule value, pausing task",
				zap.String("task_id", t.ID), zap.String("value", t.ScheduleValue), zap.Error(err))
			status = persistence.TaskStatusPaused
		} else {
			nextRun = &next
		}
	}

	if err := s.store.RecordRun(ctx, table, t.ID, endedAt, result, nextRun, status); err != nil {
		s.logger.Warn("failed to record task run", zap.String("task_id", t.ID), zap.Error(err))
	}
	if err := s.store.InsertRunLog(ctx, &persistence.TaskRunLog{
		TaskID:    t.ID,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Success:   ok,
		Output:    result,
	}); err != nil {
		s.logger.Warn("failed to insert run log", zap.String("task_id", t.ID), zap.Error(err))
	}
}

// nextCronRun computes the next fire time for a cron expression in the
// given IANA timezone, evaluated relative to after.
func nextCronRun(expr, timezone string, after time.Time) (time.Time, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
		loc = l
	}
	next, err := gronx.NextTickAfter(expr, after.In(loc), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("compute next cron tick: %w", err)
	}
	return next.UTC(), nil
}

// NewScheduledTask builds a ScheduledTask with its initial next_run
// already computed, as required by persistence.Store.CreateScheduledTask
// (spec §4.9 `schedule_task`).
func NewScheduledTask(workspaceFolder string, scheduleType persistence.ScheduleType, scheduleValue, timezone, prompt string) (*persistence.ScheduledTask, error) {
	next, err := firstRun(scheduleType, scheduleValue, timezone)
	if err != nil {
		return nil, err
	}
	return &persistence.ScheduledTask{
		WorkspaceFolder: workspaceFolder,
		ScheduleType:    scheduleType,
		ScheduleValue:   scheduleValue,
		Timezone:        timezone,
		Prompt:          prompt,
		Status:          persistence.TaskStatusActive,
		NextRun:         next,
	}, nil
}

func firstRun(scheduleType persistence.ScheduleType, scheduleValue, timezone string) (*time.Time, error) {
	now := time.Now().UTC()
	switch scheduleType {
	case persistence.ScheduleOnce:
		t, err := time.Parse(time.RFC3339, scheduleValue)
		if err != nil {
			return nil, fmt.Errorf("parse once schedule value: %w", err)
		}
		return &t, nil
	case persistence.ScheduleInterval:
		d, err := time.ParseDuration(scheduleValue)
		if err != nil {
			return nil, fmt.Errorf("parse interval schedule value: %w", err)
		}
		next := now.Add(d)
		return &next, nil
	case persistence.ScheduleCron:
		next, err := nextCronRun(scheduleValue, timezone, now)
		if err != nil {
			return nil, err
		}
		return &next, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}
