package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brianfields/promptflow/types"
)

// Observation-store key prefixes.
const (
	taskKeyPrefix     = "task:"
	workerKeyPrefix   = "worker:"
	progressKeyPrefix = "progress:"
	queueStatsPrefix  = "queue:stats:"
)

// Observation-store TTLs.
const (
	TaskTTL     = 24 * time.Hour
	WorkerTTL   = time.Hour
	ProgressTTL = 24 * time.Hour
)

// Repo is the Redis observation store for task status, progress, and worker
// health. All values are JSON with per-key TTLs; terminal writes overwrite
// prior records, which is what makes duplicate completions safe.
type Repo struct {
	rdb   redis.UniversalClient
	clock types.Clock
}

// NewRepo creates the observation store over a Redis client.
func NewRepo(rdb redis.UniversalClient) *Repo {
	return &Repo{rdb: rdb, clock: time.Now}
}

// StoreTaskStatus writes the full task record.
func (r *Repo) StoreTaskStatus(ctx context.Context, status *TaskStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return r.rdb.SetEx(ctx, taskKeyPrefix+status.TaskID, data, TaskTTL).Err()
}

// GetTaskStatus reads the task record, or nil when absent or expired.
func (r *Repo) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	data, err := r.rdb.Get(ctx, taskKeyPrefix+taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var status TaskStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// UpdateTaskProgress merges progress into the task record and fans out a
// standalone progress entry for real-time observers.
func (r *Repo) UpdateTaskProgress(ctx context.Context, taskID string, percentage float64, currentStep string) error {
	status, err := r.GetTaskStatus(ctx, taskID)
	if err != nil {
		return err
	}
	if status != nil {
		status.ProgressPercentage = percentage
		if currentStep != "" {
			status.CurrentStep = currentStep
		}
		if err := r.StoreTaskStatus(ctx, status); err != nil {
			return err
		}
	}

	update := ProgressUpdate{
		TaskID:             taskID,
		ProgressPercentage: percentage,
		CurrentStep:        currentStep,
		UpdatedAt:          r.clock().UTC(),
	}
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	return r.rdb.SetEx(ctx, progressKeyPrefix+taskID, data, ProgressTTL).Err()
}

// GetProgress reads the standalone progress record, or nil when absent.
func (r *Repo) GetProgress(ctx context.Context, taskID string) (*ProgressUpdate, error) {
	data, err := r.rdb.Get(ctx, progressKeyPrefix+taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var update ProgressUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, err
	}
	return &update, nil
}

// CompleteTask writes the terminal record: completed with outputs, or
// failed with the error message. Progress reaches 100 either way, and
// duplicate calls simply overwrite.
func (r *Repo) CompleteTask(ctx context.Context, taskID string, outputs map[string]any, errorMessage string) error {
	status, err := r.GetTaskStatus(ctx, taskID)
	if err != nil {
		return err
	}
	if status == nil {
		return nil
	}
	// Cancelled is terminal; a late completion report for an aborted job
	// must not resurrect it.
	if status.Status == TaskCancelled {
		return nil
	}

	now := r.clock().UTC()
	status.CompletedAt = &now
	status.ProgressPercentage = 100
	if errorMessage != "" {
		status.Status = TaskFailed
		status.ErrorMessage = errorMessage
	} else {
		status.Status = TaskCompleted
		status.Outputs = outputs
	}
	return r.StoreTaskStatus(ctx, status)
}

// StoreWorkerHealth writes the worker heartbeat record.
func (r *Repo) StoreWorkerHealth(ctx context.Context, health *WorkerHealth) error {
	data, err := json.Marshal(health)
	if err != nil {
		return err
	}
	return r.rdb.SetEx(ctx, workerKeyPrefix+health.WorkerID, data, WorkerTTL).Err()
}

// GetWorkerHealth reads one worker's record, or nil when absent.
func (r *Repo) GetWorkerHealth(ctx context.Context, workerID string) (*WorkerHealth, error) {
	data, err := r.rdb.Get(ctx, workerKeyPrefix+workerID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var health WorkerHealth
	if err := json.Unmarshal(data, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// GetAllWorkers scans the worker key space, optionally filtered by queue.
func (r *Repo) GetAllWorkers(ctx context.Context, queueName string) ([]WorkerHealth, error) {
	var workers []WorkerHealth
	iter := r.rdb.Scan(ctx, 0, workerKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := r.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var health WorkerHealth
		if err := json.Unmarshal(data, &health); err != nil {
			continue
		}
		if queueName != "" && health.QueueName != queueName {
			continue
		}
		workers = append(workers, health)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return workers, nil
}

// GetRecentTasks scans the task key space, newest first, optionally
// filtered by queue.
func (r *Repo) GetRecentTasks(ctx context.Context, limit int, queueName string) ([]TaskStatus, error) {
	var tasks []TaskStatus
	iter := r.rdb.Scan(ctx, 0, taskKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := r.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var status TaskStatus
		if err := json.Unmarshal(data, &status); err != nil {
			continue
		}
		if queueName != "" && status.QueueName != queueName {
			continue
		}
		tasks = append(tasks, status)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// GetQueueStats derives queue aggregates from recent tasks and workers.
func (r *Repo) GetQueueStats(ctx context.Context, queueName string) (*QueueStats, error) {
	tasks, err := r.GetRecentTasks(ctx, 1000, queueName)
	if err != nil {
		return nil, err
	}
	workers, err := r.GetAllWorkers(ctx, queueName)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{
		QueueName:    queueName,
		TotalWorkers: len(workers),
		LastUpdated:  r.clock().UTC(),
	}
	for _, w := range workers {
		if w.Status == WorkerHealthy {
			stats.HealthyWorkers++
		}
	}

	var durations []float64
	for _, t := range tasks {
		switch t.Status {
		case TaskPending:
			stats.PendingTasks++
		case TaskInProgress:
			stats.InProgressTasks++
		case TaskCompleted:
			stats.CompletedTasks++
			if t.StartedAt != nil && t.CompletedAt != nil {
				durations = append(durations, float64(t.CompletedAt.Sub(*t.StartedAt).Milliseconds()))
			}
		case TaskFailed:
			stats.FailedTasks++
		}
	}
	if len(durations) > 0 {
		var total float64
		for _, d := range durations {
			total += d
		}
		avg := total / float64(len(durations))
		stats.AverageTaskDurationMs = &avg
	}
	return stats, nil
}
