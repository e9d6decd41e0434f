package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-unboxing-go/internal/decompiler"
	"github.com/apk-analysis/apk-unboxing-go/internal/domain"
	"github.com/apk-analysis/apk-unboxing-go/internal/packer"
	"github.com/apk-analysis/apk-unboxing-go/internal/repository"
	"github.com/apk-analysis/apk-unboxing-go/internal/unpacker"
)

// ErrDecompile 反编译阶段失败
var ErrDecompile = errors.New("decompile apk")

// Generator 脱壳工程生成器
type Generator interface {
	Generate(ctx context.Context, src decompiler.Source, apkPath string) (*unpacker.AnalysisResult, error)
}

// Metrics 任务流水线上报的指标
type Metrics interface {
	RecordTaskStarted()
	RecordTaskFinished(status string, duration time.Duration)
	RecordStage(stage string, duration time.Duration)
	RecordPackerVerdict(packed bool, loaderType string)
	RecordGeneration(recognizedImports, commentedLines int)
}

type noopMetrics struct{}

func (noopMetrics) RecordTaskStarted() {}
func (noopMetrics) RecordTaskFinished(string, time.Duration) {}
func (noopMetrics) RecordStage(string, time.Duration) {}
func (noopMetrics) RecordPackerVerdict(bool, string) {}
func (noopMetrics) RecordGeneration(int, int) {}

// Outcome 一次流水线执行的结果
type Outcome struct {
	Packer  *packer.PackerInfo
	Result  *unpacker.AnalysisResult // 跳过生成时为 nil
	Skipped bool
}

// Orchestrator 任务编排器：反编译 → 壳检测 → 生成脱壳工程 → 持久化
type Orchestrator struct {
	taskRepo  repository.TaskRepository
	loader    decompiler.Loader
	detector  *packer.Detector
	generator Generator
	metrics   Metrics
	logger    *logrus.Logger
}

// NewOrchestrator 创建任务编排器；taskRepo 为 nil 时只能调用 Run
func NewOrchestrator(taskRepo repository.TaskRepository, loader decompiler.Loader, detector *packer.Detector,
	generator Generator, metrics Metrics, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if detector == nil {
		detector = packer.NewDetector(logger)
	}
	return &Orchestrator{
		taskRepo:  taskRepo,
		loader:    loader,
		detector:  detector,
		generator: generator,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run 对单个 APK 执行流水线，不涉及任务表。
// 未检测到 Java 层加壳时跳过生成，force 为 true 时总是生成。
func (o *Orchestrator) Run(ctx context.Context, apkPath string, force bool) (*Outcome, error) {
	log := o.logger.WithField("apk", filepath.Base(apkPath))

	start := time.Now()
	src, err := o.loader.Load(ctx, apkPath)
	o.metrics.RecordStage("decompile", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecompile, err)
	}

	start = time.Now()
	info := o.detector.Detect(apkPath, src)
	o.metrics.RecordStage("detect", time.Since(start))
	o.metrics.RecordPackerVerdict(info.IsPacked, info.LoaderType)

	log.WithFields(logrus.Fields{
		"is_packed":    info.IsPacked,
		"loader_type":  info.LoaderType,
		"packer_name":  info.PackerName,
		"can_generate": info.CanGenerate,
	}).Info(packer.Summary(info))

	outcome := &Outcome{Packer: info}
	if !info.CanGenerate && !force {
		log.Info("APK is not packed with a Java-level loader, skipping generation")
		outcome.Skipped = true
		return outcome, nil
	}

	start = time.Now()
	result, err := o.generator.Generate(ctx, src, apkPath)
	o.metrics.RecordStage("generate", time.Since(start))
	if err != nil {
		return nil, err
	}

	o.metrics.RecordGeneration(result.RecognizedImports, result.CommentedLines)
	outcome.Result = result
	return outcome, nil
}

// ExecuteTask 执行一个生成任务并写回结果；apkPath 为空时使用任务中记录的路径
func (o *Orchestrator) ExecuteTask(ctx context.Context, taskID, apkPath string) error {
	task, err := o.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task.Status != domain.TaskStatusQueued {
		o.logger.WithFields(logrus.Fields{
			"task_id": taskID,
			"status":  task.Status,
		}).Warn("Task is not queued, ignoring duplicate delivery")
		return nil
	}
	if apkPath == "" {
		apkPath = task.APKPath
	}

	start := time.Now()
	task.Status = domain.TaskStatusRunning
	task.StartedAt = &start
	if err := o.taskRepo.Update(ctx, task); err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}
	o.metrics.RecordTaskStarted()

	outcome, err := o.Run(ctx, apkPath, task.Force)
	if err != nil {
		o.metrics.RecordTaskFinished(string(domain.TaskStatusFailed), time.Since(start))
		return o.failTask(ctx, task, apkPath, err)
	}

	applyOutcome(task, outcome)
	completed := time.Now().UTC()
	task.CompletedAt = &completed
	task.DurationMS = completed.Sub(start).Milliseconds()

	if err := o.taskRepo.Update(ctx, task); err != nil {
		o.metrics.RecordTaskFinished(string(domain.TaskStatusFailed), time.Since(start))
		return fmt.Errorf("save task result: %w", err)
	}
	o.metrics.RecordTaskFinished(string(task.Status), time.Since(start))

	o.logger.WithFields(logrus.Fields{
		"task_id":     taskID,
		"status":      task.Status,
		"entry_class": task.EntryClass,
		"duration_ms": task.DurationMS,
	}).Info("Task finished")
	return nil
}

// applyOutcome 把壳检测与生成结果写入任务
func applyOutcome(task *domain.Task, outcome *Outcome) {
	info := outcome.Packer
	task.IsPacked = info.IsPacked
	task.LoaderType = info.LoaderType
	task.PackerName = info.PackerName
	task.MissingClasses = len(info.MissingClasses)
	if data, err := json.Marshal(info); err == nil {
		task.PackerJSON = string(data)
	}

	if outcome.Skipped {
		task.Status = domain.TaskStatusSkipped
		task.FailureType = domain.FailureTypeNotPacked
		task.ErrorMessage = packer.Summary(info)
		return
	}

	result := outcome.Result
	task.Status = domain.TaskStatusCompleted
	task.FailureType = domain.FailureTypeNone
	task.ErrorMessage = ""
	task.PackageName = result.PackageName
	task.BaseDir = result.BaseDir
	task.EntryClass = result.EntryClass
	task.RecognizedImports = result.RecognizedImports
	task.ClassCount = len(result.Classes)
	task.CommentedLines = result.CommentedLines
	if data, err := json.Marshal(result); err == nil {
		task.ResultJSON = string(data)
	}
}

// RetryableError 可重试错误（用于通知 worker pool 需要重试）
type RetryableError struct {
	TaskID      string
	APKPath     string
	OriginalErr error
	RetryCount  int
	MaxRetry    int
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("task %s failed (retry %d/%d): %v", e.TaskID, e.RetryCount, e.MaxRetry, e.OriginalErr)
}

func (e *RetryableError) Unwrap() error { return e.OriginalErr }

// IsRetryableError 检查错误是否为可重试错误
func IsRetryableError(err error) (*RetryableError, bool) {
	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return retryErr, true
	}
	return nil, false
}

// DetectFailureType 根据错误链判断失败类型
func DetectFailureType(err error) domain.FailureType {
	switch {
	case err == nil:
		return domain.FailureTypeNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.FailureTypeCancelled
	case errors.Is(err, unpacker.ErrNoEntryClass):
		return domain.FailureTypeNoEntryClass
	case errors.Is(err, ErrDecompile):
		return domain.FailureTypeDecompileError
	case errors.Is(err, unpacker.ErrWriteProject):
		return domain.FailureTypeWriteError
	default:
		return domain.FailureTypeUnknown
	}
}

func (o *Orchestrator) failTask(ctx context.Context, task *domain.Task, apkPath string, err error) error {
	failureType := DetectFailureType(err)
	retryCount := task.RetryCount
	maxRetry := failureType.GetMaxRetryCount()
	canRetry := failureType.CanRetry() && retryCount < maxRetry

	// 取消时 ctx 已失效，使用独立的 context 写回状态
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	if canRetry {
		newRetryCount, incErr := o.taskRepo.IncrementRetryCount(ctx, task.ID)
		if incErr != nil {
			o.logger.WithError(incErr).WithField("task_id", task.ID).Error("Failed to increment retry count")
		} else {
			retryCount = newRetryCount
		}

		if resetErr := o.taskRepo.ResetForRetry(ctx, task.ID); resetErr != nil {
			o.logger.WithError(resetErr).WithField("task_id", task.ID).Error("Failed to reset task for retry")
			canRetry = false
		}
	}

	if canRetry {
		o.logger.WithFields(logrus.Fields{
			"task_id":      task.ID,
			"failure_type": failureType,
			"retry_count":  retryCount,
			"max_retry":    maxRetry,
			"error":        err.Error(),
		}).Warn("Task will be retried")

		return &RetryableError{
			TaskID:      task.ID,
			APKPath:     apkPath,
			OriginalErr: err,
			RetryCount:  retryCount,
			MaxRetry:    maxRetry,
		}
	}

	if updateErr := o.taskRepo.UpdateFailure(ctx, task.ID, failureType, err.Error()); updateErr != nil {
		o.logger.WithError(updateErr).WithField("task_id", task.ID).Error("Failed to update task failure")
	}

	o.logger.WithFields(logrus.Fields{
		"task_id":          task.ID,
		"failure_type":     failureType,
		"failure_severity": failureType.GetSeverity(),
		"retry_count":      retryCount,
		"error":            err.Error(),
	}).Error("Task failed (no more retries)")

	return err
}
