// Package models defines the core domain types for the warden supervisor.
package models

import (
	"time"
)

// TaskStatus represents the current state of a supervised task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusTimedOut  TaskStatus = "timed_out"
)

// ExitInfo records how a worker process ended.
type ExitInfo struct {
	Code     int    `json:"code"`
	Signaled bool   `json:"signaled,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Task represents one unit of supervised work.
type Task struct {
	ID          string     `json:"id"`
	Prompt      string     `json:"prompt"`
	WorkDir     string     `json:"work_dir"`
	Status      TaskStatus `json:"status"`
	Primary     bool       `json:"primary,omitempty"`
	PID         int        `json:"pid,omitempty"`
	OutputTail  string     `json:"output_tail,omitempty"`
	ExitInfo    *ExitInfo  `json:"exit_info,omitempty"`
	LogFile     string     `json:"log_file,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Timeout     Duration   `json:"timeout,omitempty"`
}

// Duration is a wrapper around time.Duration for JSON marshaling.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) < 2 {
		return nil
	}
	s := string(b[1 : len(b)-1])
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Clone returns an independent deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.ExitInfo != nil {
		exit := *t.ExitInfo
		c.ExitInfo = &exit
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted ||
		t.Status == TaskStatusFailed ||
		t.Status == TaskStatusTimedOut
}

// IsRunning returns true if the task is currently running.
func (t *Task) IsRunning() bool {
	return t.Status == TaskStatusRunning
}

// IsQueued returns true if the task is waiting for admission.
func (t *Task) IsQueued() bool {
	return t.Status == TaskStatusQueued
}

// TaskSummary provides a condensed view of a task for listing.
type TaskSummary struct {
	ID          string     `json:"id"`
	Prompt      string     `json:"prompt"`
	WorkDir     string     `json:"work_dir"`
	Status      TaskStatus `json:"status"`
	Primary     bool       `json:"primary,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`
}

// ToSummary converts a Task to a TaskSummary.
func (t *Task) ToSummary() TaskSummary {
	summary := TaskSummary{
		ID:          t.ID,
		Prompt:      truncateString(t.Prompt, 100),
		WorkDir:     t.WorkDir,
		Status:      t.Status,
		Primary:     t.Primary,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
	if t.CompletedAt != nil && t.StartedAt != nil {
		summary.Duration = t.CompletedAt.Sub(*t.StartedAt).String()
	}
	return summary
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// SpawnRequest represents a request to start a new supervised worker.
type SpawnRequest struct {
	Prompt  string `json:"prompt"`
	WorkDir string `json:"work_dir,omitempty"`
	Primary bool   `json:"primary,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// ListRequest represents a request to list tasks.
type ListRequest struct {
	Status []TaskStatus `json:"status,omitempty"`
	Limit  int          `json:"limit,omitempty"`
	Offset int          `json:"offset,omitempty"`
}
