// Package taskqueue implements the Redis-backed background task queue: a
// submitter service, an observation store of task status, progress, and
// worker health, a handler registry, and the worker run loop.
package taskqueue

import (
	"encoding/json"
	"time"
)

// TaskStatusValue enumerates task lifecycle states.
type TaskStatusValue string

const (
	TaskPending    TaskStatusValue = "pending"
	TaskInProgress TaskStatusValue = "in_progress"
	TaskCompleted  TaskStatusValue = "completed"
	TaskFailed     TaskStatusValue = "failed"
	TaskCancelled  TaskStatusValue = "cancelled"
	TaskRetry      TaskStatusValue = "retry"
)

// IsTerminal reports whether the status is terminal.
func (s TaskStatusValue) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// WorkerStatusValue enumerates worker health states.
type WorkerStatusValue string

const (
	WorkerHealthy   WorkerStatusValue = "healthy"
	WorkerBusy      WorkerStatusValue = "busy"
	WorkerIdle      WorkerStatusValue = "idle"
	WorkerUnhealthy WorkerStatusValue = "unhealthy"
	WorkerOffline   WorkerStatusValue = "offline"
)

// TaskStatus is the observation-store record of one background task.
type TaskStatus struct {
	TaskID   string          `json:"task_id"`
	FlowName string          `json:"flow_name"`
	Status   TaskStatusValue `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ProgressPercentage float64 `json:"progress_percentage"`
	CurrentStep        string  `json:"current_step,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count"`

	Inputs  map[string]any `json:"inputs,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`

	UserID    *int64 `json:"user_id,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`
	QueueName string `json:"queue_name"`
	Priority  int    `json:"priority"`
}

// ProgressUpdate is the standalone progress record fanned out under its own
// key for real-time observers.
type ProgressUpdate struct {
	TaskID             string    `json:"task_id"`
	ProgressPercentage float64   `json:"progress_percentage"`
	CurrentStep        string    `json:"current_step,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// WorkerHealth is the heartbeat record of one worker process.
type WorkerHealth struct {
	WorkerID      string            `json:"worker_id"`
	Status        WorkerStatusValue `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`

	CurrentTasks        int   `json:"current_tasks"`
	TotalTasksProcessed int64 `json:"total_tasks_processed"`

	QueueName string     `json:"queue_name"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Version   string     `json:"version,omitempty"`
	Host      string     `json:"host,omitempty"`
	PID       int        `json:"pid,omitempty"`

	MemoryUsage *float64 `json:"memory_usage,omitempty"`
	CPUUsage    *float64 `json:"cpu_usage,omitempty"`
}

// IsOffline reports whether the worker's heartbeat is older than ttl.
func (w *WorkerHealth) IsOffline(now time.Time, ttl time.Duration) bool {
	return now.Sub(w.LastHeartbeat) > ttl
}

// QueueStats is a derived, non-authoritative queue aggregate.
type QueueStats struct {
	QueueName string `json:"queue_name"`

	PendingTasks    int `json:"pending_tasks"`
	InProgressTasks int `json:"in_progress_tasks"`
	CompletedTasks  int `json:"completed_tasks"`
	FailedTasks     int `json:"failed_tasks"`

	TotalWorkers   int `json:"total_workers"`
	HealthyWorkers int `json:"healthy_workers"`

	AverageTaskDurationMs *float64  `json:"average_task_duration_ms,omitempty"`
	LastUpdated           time.Time `json:"last_updated"`
}

// JobPayload is the unit placed on the queue transport. Exactly one generic
// entrypoint consumes it, dispatching on TaskType through the registry.
type JobPayload struct {
	FlowName  string         `json:"flow_name"`
	FlowRunID string         `json:"flow_run_id,omitempty"`
	Inputs    map[string]any `json:"inputs"`
	UserID    *int64         `json:"user_id,omitempty"`
	TaskID    string         `json:"task_id"`
	TaskType  string         `json:"task_type"`
}

// Encode serializes the payload for the transport.
func (p *JobPayload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// SubmissionResult is returned to the submitter.
type SubmissionResult struct {
	TaskID         string          `json:"task_id"`
	FlowRunID      string          `json:"flow_run_id"`
	QueueName      string          `json:"queue_name"`
	EstimatedDelay *float64        `json:"estimated_delay_seconds,omitempty"`
	Status         TaskStatusValue `json:"status"`
}
