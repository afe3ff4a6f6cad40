package taskqueue

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/brianfields/promptflow/config"
	"github.com/brianfields/promptflow/types"
)

// TaskTypeFlowExecution is the default task type for flow submissions.
const TaskTypeFlowExecution = "flow_execution"

// Service is the submitter side of the task queue: it enqueues jobs, seeds
// the observation store, and exposes the status/cancellation surface.
type Service struct {
	repo   *Repo
	queue  *Queue
	cfg    config.QueueConfig
	logger *zap.Logger
	clock  types.Clock
}

// NewService wires the queue service over a Redis client.
func NewService(rdb redis.UniversalClient, cfg config.QueueConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	return &Service{
		repo:   NewRepo(rdb),
		queue:  NewQueue(rdb),
		cfg:    cfg,
		logger: logger.With(zap.String("component", "task_queue")),
		clock:  time.Now,
	}
}

// Repo exposes the observation store.
func (s *Service) Repo() *Repo { return s.repo }

// QueueName returns the configured queue name.
func (s *Service) QueueName() string { return s.cfg.Name }

// SubmitFlowTask enqueues a flow execution and seeds its observable status.
func (s *Service) SubmitFlowTask(ctx context.Context, flowName, flowRunID string, inputs map[string]any, userID *int64, priority int, delay time.Duration, taskType string) (*SubmissionResult, error) {
	taskID := uuid.New().String()
	if taskType == "" {
		taskType = TaskTypeFlowExecution
	}

	payload := &JobPayload{
		FlowName:  flowName,
		FlowRunID: flowRunID,
		Inputs:    inputs,
		UserID:    userID,
		TaskID:    taskID,
		TaskType:  taskType,
	}
	if err := s.queue.Enqueue(ctx, s.cfg.Name, payload, delay); err != nil {
		return nil, types.NewExecutionError("task submission failed").WithCause(err)
	}

	status := &TaskStatus{
		TaskID:    taskID,
		FlowName:  flowName,
		Status:    TaskPending,
		CreatedAt: s.clock().UTC(),
		Inputs:    inputs,
		UserID:    userID,
		QueueName: s.cfg.Name,
		Priority:  priority,
	}
	if err := s.repo.StoreTaskStatus(ctx, status); err != nil {
		return nil, err
	}

	s.logger.Info("flow task submitted",
		zap.String("task_id", taskID),
		zap.String("flow_name", flowName),
		zap.String("flow_run_id", flowRunID),
	)

	result := &SubmissionResult{
		TaskID:    taskID,
		FlowRunID: flowRunID,
		QueueName: s.cfg.Name,
		Status:    TaskPending,
	}
	if delay > 0 {
		seconds := delay.Seconds()
		result.EstimatedDelay = &seconds
	}
	return result, nil
}

// GetTaskStatus returns the observable status of a task, or nil.
func (s *Service) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	return s.repo.GetTaskStatus(ctx, taskID)
}

// UpdateTaskProgress records progress from within a running task.
func (s *Service) UpdateTaskProgress(ctx context.Context, taskID string, percentage float64, currentStep string) error {
	return s.repo.UpdateTaskProgress(ctx, taskID, percentage, currentStep)
}

// MarkTaskStarted transitions pending -> in_progress for the claiming
// worker.
func (s *Service) MarkTaskStarted(ctx context.Context, taskID, workerID string) error {
	status, err := s.repo.GetTaskStatus(ctx, taskID)
	if err != nil || status == nil {
		return err
	}
	if status.Status.IsTerminal() {
		return nil
	}
	now := s.clock().UTC()
	status.Status = TaskInProgress
	status.StartedAt = &now
	status.WorkerID = workerID
	return s.repo.StoreTaskStatus(ctx, status)
}

// CompleteTask records the terminal outcome. Safe to call more than once.
func (s *Service) CompleteTask(ctx context.Context, taskID string, outputs map[string]any, errorMessage string) error {
	return s.repo.CompleteTask(ctx, taskID, outputs, errorMessage)
}

// CancelTask cancels a task that no worker has claimed yet. Returns true
// exactly once for a pending task; an in-flight or terminal task returns
// false and keeps running (cancellation is cooperative).
func (s *Service) CancelTask(ctx context.Context, taskID string) (bool, error) {
	status, err := s.repo.GetTaskStatus(ctx, taskID)
	if err != nil {
		return false, err
	}
	if status == nil || status.Status != TaskPending {
		return false, nil
	}

	aborted, err := s.queue.Abort(ctx, status.QueueName, taskID)
	if err != nil {
		s.logger.Warn("failed to abort queued job", zap.String("task_id", taskID), zap.Error(err))
		return false, nil
	}
	if !aborted {
		return false, nil
	}

	now := s.clock().UTC()
	status.Status = TaskCancelled
	status.CompletedAt = &now
	if err := s.repo.StoreTaskStatus(ctx, status); err != nil {
		return false, err
	}
	s.logger.Info("task cancelled", zap.String("task_id", taskID))
	return true, nil
}

// GetRecentTasks returns recent task statuses, newest first.
func (s *Service) GetRecentTasks(ctx context.Context, limit int, queueName string) ([]TaskStatus, error) {
	return s.repo.GetRecentTasks(ctx, limit, queueName)
}

// GetQueueStats returns derived queue aggregates.
func (s *Service) GetQueueStats(ctx context.Context, queueName string) (*QueueStats, error) {
	if queueName == "" {
		queueName = s.cfg.Name
	}
	return s.repo.GetQueueStats(ctx, queueName)
}

// RegisterWorker writes a fresh worker record in idle state.
func (s *Service) RegisterWorker(ctx context.Context, workerID, queueName, version string) error {
	host, _ := os.Hostname()
	now := s.clock().UTC()
	health := &WorkerHealth{
		WorkerID:      workerID,
		Status:        WorkerIdle,
		LastHeartbeat: now,
		QueueName:     queueName,
		StartedAt:     &now,
		Version:       version,
		Host:          host,
		PID:           os.Getpid(),
	}
	if err := s.repo.StoreWorkerHealth(ctx, health); err != nil {
		return err
	}
	s.logger.Info("worker registered", zap.String("worker_id", workerID), zap.String("queue", queueName))
	return nil
}

// UpdateWorkerHealth refreshes a worker's heartbeat record.
func (s *Service) UpdateWorkerHealth(ctx context.Context, workerID string, status WorkerStatusValue, currentTasks int) error {
	health, err := s.repo.GetWorkerHealth(ctx, workerID)
	if err != nil {
		return err
	}
	if health == nil {
		health = &WorkerHealth{WorkerID: workerID, QueueName: s.cfg.Name}
	}
	health.Status = status
	health.LastHeartbeat = s.clock().UTC()
	health.CurrentTasks = currentTasks
	return s.repo.StoreWorkerHealth(ctx, health)
}

// GetWorkerHealth returns one worker's record, or nil.
func (s *Service) GetWorkerHealth(ctx context.Context, workerID string) (*WorkerHealth, error) {
	return s.repo.GetWorkerHealth(ctx, workerID)
}

// CleanupStaleTasks exists for operational symmetry: stale records expire
// through the per-key TTLs, so there is nothing to sweep explicitly.
func (s *Service) CleanupStaleTasks(context.Context) (int, error) {
	return 0, nil
}

// GetAllWorkers returns every observable worker, optionally filtered by
// queue. Workers whose heartbeat is older than the configured TTL are
// reported offline.
func (s *Service) GetAllWorkers(ctx context.Context, queueName string) ([]WorkerHealth, error) {
	workers, err := s.repo.GetAllWorkers(ctx, queueName)
	if err != nil {
		return nil, err
	}
	now := s.clock().UTC()
	for i := range workers {
		if workers[i].IsOffline(now, s.cfg.WorkerTTL) {
			workers[i].Status = WorkerOffline
		}
	}
	return workers, nil
}
