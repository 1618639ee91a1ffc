package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CreateScheduledTask inserts a new cron/interval/once agent task (spec
// §4.9 `schedule_task`). Callers compute the initial next_run.
func (s *Store) CreateScheduledTask(ctx context.Context, t *ScheduledTask) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = TaskStatusActive
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO scheduled_tasks (id, workspace_folder, schedule_type, schedule_value, timezone, prompt, status, next_run, last_run, last_result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.WorkspaceFolder, t.ScheduleType, t.ScheduleValue, t.Timezone, t.Prompt, t.Status, t.NextRun, t.LastRun, t.LastResult, t.CreatedAt)
	return err
}

// CreateHostJob inserts a new admin-only shell job, id prefixed `host-`
// so the scheduler routes it to shell execution instead of the agent.
func (s *Store) CreateHostJob(ctx context.Context, t *ScheduledTask) error {
	if t.ID == "" {
		t.ID = "host-" + uuid.New().String()
	}
	if t.Status == "" {
		t.Status = TaskStatusActive
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO host_jobs (id, workspace_folder, schedule_type, schedule_value, timezone, command, status, next_run, last_run, last_result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.WorkspaceFolder, t.ScheduleType, t.ScheduleValue, t.Timezone, t.Prompt, t.Status, t.NextRun, t.LastRun, t.LastResult, t.CreatedAt)
	return err
}

// DueTasks returns active scheduled_tasks with next_run <= now, ordered
// by next_run (spec §4.9 step 1).
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	var rows []ScheduledTask
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT * FROM scheduled_tasks WHERE status = ? AND next_run IS NOT NULL AND next_run <= ? ORDER BY next_run ASC
	`), TaskStatusActive, now)
	return rows, err
}

// DueHostJobs returns active host_jobs with next_run <= now.
func (s *Store) DueHostJobs(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	var rows []ScheduledTask
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, workspace_folder, schedule_type, schedule_value, timezone, command AS prompt, status, next_run, last_run, last_result, created_at
		FROM host_jobs WHERE status = ? AND next_run IS NOT NULL AND next_run <= ? ORDER BY next_run ASC
	`), TaskStatusActive, now)
	return rows, err
}

// RecordRun updates last_run/last_result/next_run/status after one
// invocation (spec §4.9 step 3). A nil nextRun with status=completed
// marks a `once` task done.
func (s *Store) RecordRun(ctx context.Context, table, id string, lastRun time.Time, result string, nextRun *time.Time, status TaskStatus) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE `+tableName(table)+` SET last_run = ?, last_result = ?, next_run = ?, status = ? WHERE id = ?
	`), lastRun, result, nextRun, status, id)
	return err
}

// tableName restricts RecordRun's table argument to the two known task
// tables, avoiding any possibility of interpolating caller-controlled SQL.
func tableName(table string) string {
	if table == "host_jobs" {
		return "host_jobs"
	}
	return "scheduled_tasks"
}

// PauseTask / ResumeTask / CancelTask implement the eponymous IPC
// requests (spec §6). Cancel deletes the row outright.
func (s *Store) PauseTask(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, TaskStatusPaused)
}

func (s *Store) ResumeTask(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, TaskStatusActive)
}

func (s *Store) setStatus(ctx context.Context, id string, status TaskStatus) error {
	table := "scheduled_tasks"
	if len(id) >= 5 && id[:5] == "host-" {
		table = "host_jobs"
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE `+tableName(table)+` SET status = ? WHERE id = ?`), status, id)
	return err
}

func (s *Store) CancelTask(ctx context.Context, id string) error {
	table := "scheduled_tasks"
	if len(id) >= 5 && id[:5] == "host-" {
		table = "host_jobs"
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM `+tableName(table)+` WHERE id = ?`), id)
	return err
}

// InsertRunLog records one execution of a task in the run-log audit trail.
func (s *Store) InsertRunLog(ctx context.Context, l *TaskRunLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO task_run_logs (id, task_id, started_at, ended_at, success, output) VALUES (?, ?, ?, ?, ?, ?)
	`), l.ID, l.TaskID, l.StartedAt, l.EndedAt, l.Success, l.Output)
	return err
}
