package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/apk-analysis/apk-unboxing-go/internal/api"
	"github.com/apk-analysis/apk-unboxing-go/internal/api/handlers"
	"github.com/apk-analysis/apk-unboxing-go/internal/decompiler"
	"github.com/apk-analysis/apk-unboxing-go/internal/domain"
	"github.com/apk-analysis/apk-unboxing-go/internal/middleware"
	"github.com/apk-analysis/apk-unboxing-go/internal/packer"
	"github.com/apk-analysis/apk-unboxing-go/internal/queue"
	"github.com/apk-analysis/apk-unboxing-go/internal/repository"
	"github.com/apk-analysis/apk-unboxing-go/internal/runner"
	"github.com/apk-analysis/apk-unboxing-go/internal/service"
	"github.com/apk-analysis/apk-unboxing-go/internal/unpacker"
	"github.com/apk-analysis/apk-unboxing-go/internal/watcher"
	"github.com/apk-analysis/apk-unboxing-go/internal/worker"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the generation worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger
	logger.Infof("Starting unboxing service %s", Version)
	logger.Infof("Config loaded from: %s", a.configPath)

	// 1. 数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	// 清理因服务重启而中断的任务
	if _, err := repository.FailInterruptedTasks(ctx, db, logger); err != nil {
		logger.WithError(err).Warn("Failed to cleanup interrupted tasks")
	}

	// 2. 监控
	promMetrics := middleware.NewPrometheusMetrics(logger, "unboxing", nil)
	memMonitor := middleware.NewMemoryMonitor(logger, 30*time.Second, promMetrics)
	memMonitor.Start()
	defer memMonitor.Stop()

	// 3. 编排器与 worker 池
	taskRepo := repository.NewTaskRepository(db, logger)
	orchestrator := worker.NewOrchestrator(
		taskRepo,
		decompiler.NewJadxLoader(&cfg.Decompiler, logger),
		packer.NewDetector(logger),
		unpacker.NewGenerator(cfg.Generator.OutputRoot, logger),
		promMetrics,
		logger,
	)

	pool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, orchestrator, logger)
	pool.Start(context.Background())
	defer pool.Stop()
	logger.Infof("Worker pool started with %d workers", cfg.Worker.Concurrency)

	go reportStats(ctx, pool, db, promMetrics)

	// 4. 任务投递：RabbitMQ 或本地 worker 池
	var dispatch service.Dispatcher
	if cfg.RabbitMQ.Enabled {
		mq, err := queue.NewRabbitMQWithPrefetch(ctx, queue.FromConfig(&cfg.RabbitMQ), cfg.Worker.Concurrency, logger)
		if err != nil {
			return fmt.Errorf("failed to init RabbitMQ: %w", err)
		}
		defer mq.Close()

		producer := queue.NewProducer(mq, logger)
		dispatch = queueDispatcher(producer)

		// 以数据库为准重建队列
		if _, err := mq.PurgeQueue(); err != nil {
			logger.WithError(err).Warn("Failed to purge queue, continuing with republish")
		}
		requeueTasks(ctx, taskRepo, dispatch, logger)
		if messages, consumers, err := mq.GetQueueStats(); err == nil {
			logger.WithFields(logrus.Fields{
				"messages":  messages,
				"consumers": consumers,
			}).Info("RabbitMQ queue ready")
		}

		consumer := queue.NewConsumer(mq, consumeHandler(pool, producer, logger), cfg.Worker.Concurrency, logger)
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start consumer: %w", err)
		}
		defer consumer.Stop()
	} else {
		dispatch = poolDispatcher(pool)
		requeueTasks(ctx, taskRepo, dispatch, logger)
	}

	svc := service.NewGenerationService(taskRepo, dispatch, runner.New(&cfg.Runner, logger), promMetrics, logger)

	// 5. 入站目录监听
	if cfg.Watch.Enabled {
		fileWatcher, err := watcher.NewFileWatcher(cfg.APKDir, cfg.Watch.Pattern, watchHandler(svc, cfg.Generator.Force, logger), logger)
		if err != nil {
			return fmt.Errorf("failed to create file watcher: %w", err)
		}
		defer fileWatcher.Stop()

		if err := fileWatcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start file watcher: %w", err)
		}
		if cfg.Watch.ScanExisting {
			if err := fileWatcher.ScanExisting(ctx); err != nil {
				logger.WithError(err).Warn("Failed to scan existing APKs")
			}
		}
		logger.Infof("File watcher started for directory: %s", fileWatcher.GetWatchDir())
	}

	// 6. HTTP Server
	router := api.SetupRouter(cfg, logger, api.Dependencies{
		Service:     svc,
		Console:     handlers.NewConsoleHub(logger),
		MemMonitor:  memMonitor,
		PromMetrics: promMetrics,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Minute, // 支持大文件上传
		WriteTimeout: 30 * time.Minute, // execute 同步等待脱壳程序结束
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down gracefully...")
	case err := <-errCh:
		return fmt.Errorf("HTTP server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown error")
	}

	logger.Info("Server stopped")
	return nil
}

// reportStats 定期把 worker 池与数据库连接状态同步到 Prometheus
func reportStats(ctx context.Context, pool *worker.Pool, db *gorm.DB, metrics *middleware.PrometheusMetrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			size, active, queued := pool.Stats()
			metrics.UpdateWorkerPoolStats(size, active, queued)

			if sqlDB, err := db.DB(); err == nil {
				stats := sqlDB.Stats()
				metrics.UpdateDBStats(stats.OpenConnections, stats.Idle, stats.InUse)
			}
		}
	}
}

// poolDispatcher 直接投递到本地 worker 池（异步）
func poolDispatcher(pool *worker.Pool) service.Dispatcher {
	return func(ctx context.Context, task *domain.Task) error {
		return pool.Submit(&worker.Task{ID: task.ID, APKPath: task.APKPath})
	}
}

// queueDispatcher 发布到 RabbitMQ
func queueDispatcher(producer *queue.Producer) service.Dispatcher {
	return func(ctx context.Context, task *domain.Task) error {
		return producer.PublishTask(ctx, &queue.GenerationMessage{
			TaskID:  task.ID,
			APKName: task.APKName,
			APKPath: task.APKPath,
		})
	}
}

// consumeHandler 把 RabbitMQ 消息提交到 worker 池并同步等待；可重试的失败重新发布
func consumeHandler(pool *worker.Pool, producer *queue.Producer, logger *logrus.Logger) queue.TaskHandler {
	return func(ctx context.Context, msg *queue.GenerationMessage) error {
		err := pool.SubmitAndWait(ctx, &worker.Task{ID: msg.TaskID, APKPath: msg.APKPath})
		if err == nil {
			return nil
		}

		retryErr, ok := worker.IsRetryableError(err)
		if !ok {
			return err
		}

		logger.WithFields(logrus.Fields{
			"task_id":     retryErr.TaskID,
			"retry_count": retryErr.RetryCount,
			"max_retry":   retryErr.MaxRetry,
		}).Warn("Task failed, republishing for retry")

		return producer.PublishTask(ctx, &queue.GenerationMessage{
			TaskID:  retryErr.TaskID,
			APKName: msg.APKName,
			APKPath: retryErr.APKPath,
		})
	}
}

// requeueTasks 重新投递数据库中排队的任务
func requeueTasks(ctx context.Context, repo repository.TaskRepository, dispatch service.Dispatcher, logger *logrus.Logger) {
	tasks, err := repo.ListQueuedTasks(ctx)
	if err != nil {
		logger.WithError(err).Warn("Failed to list queued tasks")
		return
	}
	if len(tasks) == 0 {
		return
	}

	success := 0
	for _, task := range tasks {
		if err := dispatch(ctx, task); err != nil {
			logger.WithError(err).WithField("task_id", task.ID).Error("Failed to requeue task")
			continue
		}
		success++
	}

	logger.WithFields(logrus.Fields{
		"total":   len(tasks),
		"success": success,
	}).Info("Queued tasks requeued")
}

// watchHandler 为入站目录中的新 APK 创建任务
func watchHandler(svc service.GenerationService, force bool, logger *logrus.Logger) watcher.FileHandler {
	return func(ctx context.Context, filePath string) error {
		task, err := svc.CreateTask(ctx, filePath, force)
		if errors.Is(err, service.ErrDuplicateTask) {
			logger.WithField("file", filepath.Base(filePath)).Info("Task already created for this APK, skipping")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}

		logger.WithFields(logrus.Fields{
			"task_id":  task.ID,
			"apk_name": task.APKName,
		}).Info("Task created for inbound APK")
		return nil
	}
}
