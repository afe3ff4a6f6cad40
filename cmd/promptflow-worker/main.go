// Command promptflow-worker runs a background task queue worker: it claims
// jobs from Redis, executes registered flows, and reports health.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/brianfields/promptflow/config"
	"github.com/brianfields/promptflow/conversation"
	"github.com/brianfields/promptflow/flow"
	"github.com/brianfields/promptflow/internal/database"
	"github.com/brianfields/promptflow/internal/metrics"
	"github.com/brianfields/promptflow/llm"
	"github.com/brianfields/promptflow/llm/cache"
	"github.com/brianfields/promptflow/llm/factory"
	"github.com/brianfields/promptflow/llm/ledger"
	"github.com/brianfields/promptflow/taskqueue"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (env-only when empty)")
	queueName := flag.String("queue", "", "queue name override")
	workerID := flag.String("worker-id", "", "worker id (generated when empty)")
	metricsAddr := flag.String("metrics-addr", "", "address for the Prometheus /metrics endpoint (disabled when empty)")
	flag.Parse()

	if err := run(*configPath, *queueName, *workerID, *metricsAddr); err != nil {
		fmt.Fprintf(os.Stderr, "promptflow-worker: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, queueName, workerID, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if queueName != "" {
		cfg.Queue.Name = queueName
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(
		&ledger.LLMRequest{},
		&flow.FlowRun{},
		&flow.FlowStepRun{},
		&conversation.Conversation{},
		&conversation.Message{},
	); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	rdb, err := taskqueue.NewRedisClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	collector := metrics.NewCollector(nil)
	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	ledgerRepo := ledger.NewRepo(db)
	respCache := cache.New(cfg.Cache, logger)
	llmService := llm.NewService(cfg.LLM, factory.New(cfg, ledgerRepo, logger), ledgerRepo, respCache, collector, logger)

	flowService := flow.NewService(db, llmService, logger)
	engine := flow.NewEngine(flowService, logger)

	queueService := taskqueue.NewService(rdb, cfg.Queue, logger)
	manager := taskqueue.NewManager(queueService, workerID, logger)
	worker := taskqueue.NewWorker(queueService, manager, collector, logger)

	// The single generic entrypoint dispatches on task type; flow execution
	// is the built-in registration.
	taskqueue.RegisterHandler(taskqueue.TaskTypeFlowExecution, flow.QueueHandler(engine))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("worker starting",
		zap.String("queue", cfg.Queue.Name),
		zap.String("worker_id", manager.WorkerID()),
	)
	return worker.Run(ctx)
}
