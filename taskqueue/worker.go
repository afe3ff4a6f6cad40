package taskqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brianfields/promptflow/internal/metrics"
	"github.com/brianfields/promptflow/types"
)

// Manager owns one worker's lifecycle: registration, the heartbeat loop,
// and per-task status reporting.
type Manager struct {
	service  *Service
	workerID string
	logger   *zap.Logger

	heartbeatInterval time.Duration
	heartbeatCancel   context.CancelFunc
	heartbeatDone     chan struct{}

	processed int64
}

// NewManager creates a worker manager. An empty workerID gets a generated
// one.
func NewManager(service *Service, workerID string, logger *zap.Logger) *Manager {
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := service.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Manager{
		service:           service,
		workerID:          workerID,
		logger:            logger.With(zap.String("worker_id", workerID)),
		heartbeatInterval: interval,
	}
}

// WorkerID returns this worker's identifier.
func (m *Manager) WorkerID() string { return m.workerID }

// Start registers the worker and begins the heartbeat loop.
func (m *Manager) Start(ctx context.Context, version string) error {
	if err := m.service.RegisterWorker(ctx, m.workerID, m.service.cfg.Name, version); err != nil {
		return err
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	m.heartbeatCancel = cancel
	m.heartbeatDone = make(chan struct{})
	go m.heartbeatLoop(hbCtx)

	m.logger.Info("worker manager started")
	return nil
}

// Stop cancels the heartbeat loop and marks the worker offline.
func (m *Manager) Stop(ctx context.Context) error {
	if m.heartbeatCancel != nil {
		m.heartbeatCancel()
		<-m.heartbeatDone
	}
	err := m.service.UpdateWorkerHealth(ctx, m.workerID, WorkerOffline, 0)
	m.logger.Info("worker manager stopped")
	return err
}

// ReportTaskStarted claims the task for this worker and marks it busy.
func (m *Manager) ReportTaskStarted(ctx context.Context, taskID string) error {
	if err := m.service.MarkTaskStarted(ctx, taskID, m.workerID); err != nil {
		return err
	}
	return m.service.UpdateWorkerHealth(ctx, m.workerID, WorkerBusy, 1)
}

// ReportTaskCompleted returns the worker to idle and bumps its processed
// counter.
func (m *Manager) ReportTaskCompleted(ctx context.Context, taskID string) error {
	m.processed++
	health, err := m.service.GetWorkerHealth(ctx, m.workerID)
	if err != nil {
		return err
	}
	if health == nil {
		health = &WorkerHealth{WorkerID: m.workerID, QueueName: m.service.cfg.Name}
	}
	health.Status = WorkerIdle
	health.CurrentTasks = 0
	health.TotalTasksProcessed = m.processed
	health.LastHeartbeat = time.Now().UTC()
	return m.service.Repo().StoreWorkerHealth(ctx, health)
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer close(m.heartbeatDone)
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			health, err := m.service.GetWorkerHealth(ctx, m.workerID)
			current := 0
			if err == nil && health != nil {
				current = health.CurrentTasks
			}
			if err := m.service.UpdateWorkerHealth(ctx, m.workerID, WorkerHealthy, current); err != nil {
				m.logger.Error("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// Worker is the consumer process: it polls the transport, promotes deferred
// jobs, and drives every claimed job through the single generic entrypoint.
type Worker struct {
	service *Service
	queue   *Queue
	manager *Manager
	metrics *metrics.Collector
	logger  *zap.Logger

	pollInterval time.Duration
	jobTimeout   time.Duration
}

// NewWorker wires a worker over the queue service. collector may be nil.
func NewWorker(service *Service, manager *Manager, collector *metrics.Collector, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	poll := service.cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Worker{
		service:      service,
		queue:        service.queue,
		manager:      manager,
		metrics:      collector,
		logger:       logger.With(zap.String("component", "worker"), zap.String("worker_id", manager.WorkerID())),
		pollInterval: poll,
		jobTimeout:   service.cfg.JobTimeout,
	}
}

// Run processes jobs until ctx is cancelled, then marks the worker offline.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.manager.Start(ctx, Version); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.manager.Stop(stopCtx); err != nil {
			w.logger.Error("failed to mark worker offline", zap.Error(err))
		}
	}()

	w.logger.Info("worker loop started", zap.String("queue", w.service.cfg.Name))

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := w.queue.PromoteDeferred(ctx, w.service.cfg.Name); err != nil && ctx.Err() == nil {
			w.logger.Error("failed to promote deferred jobs", zap.Error(err))
		}

		payload, err := w.queue.Dequeue(ctx, w.service.cfg.Name, w.pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			time.Sleep(w.pollInterval)
			continue
		}
		if payload == nil {
			continue
		}

		w.executeJob(ctx, payload)
	}
}

// executeJob is the single generic entrypoint: resolve the registered
// handler for the payload's task type and drive the task lifecycle around
// it. Handler failures mark the task failed; the queue does not retry.
func (w *Worker) executeJob(ctx context.Context, payload *JobPayload) {
	start := time.Now()
	w.metrics.TaskStarted()
	defer func() { w.metrics.TaskFinished(time.Since(start)) }()

	logger := w.logger.With(
		zap.String("task_id", payload.TaskID),
		zap.String("task_type", payload.TaskType),
		zap.String("flow_name", payload.FlowName),
	)
	logger.Info("task started")

	if err := w.manager.ReportTaskStarted(ctx, payload.TaskID); err != nil {
		logger.Error("failed to report task start", zap.Error(err))
	}
	defer func() {
		if err := w.manager.ReportTaskCompleted(ctx, payload.TaskID); err != nil {
			logger.Error("failed to report task completion", zap.Error(err))
		}
	}()

	jobCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	outputs, err := w.runHandler(jobCtx, payload)
	if err != nil {
		logger.Warn("task failed", zap.Error(err))
		if cerr := w.service.CompleteTask(ctx, payload.TaskID, nil, err.Error()); cerr != nil {
			logger.Error("failed to record task failure", zap.Error(cerr))
		}
		return
	}

	if err := w.service.CompleteTask(ctx, payload.TaskID, outputs, ""); err != nil {
		logger.Error("failed to record task completion", zap.Error(err))
		return
	}
	logger.Info("task completed", zap.Duration("elapsed", time.Since(start)))
}

func (w *Worker) runHandler(ctx context.Context, payload *JobPayload) (outputs map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.NewExecutionError(fmt.Sprintf("task handler panicked: %v", r))
		}
	}()

	handler, err := LookupHandler(payload.TaskType)
	if err != nil {
		return nil, err
	}
	return handler(ctx, &ActiveTask{Payload: *payload, service: w.service})
}

// Version identifies the worker build in health records.
const Version = "1.0.0"
