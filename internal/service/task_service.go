package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-unboxing-go/internal/domain"
	"github.com/apk-analysis/apk-unboxing-go/internal/repository"
	"github.com/apk-analysis/apk-unboxing-go/internal/runner"
	"github.com/apk-analysis/apk-unboxing-go/internal/unpacker"
)

// 防重复创建的时间窗口（秒）
const duplicateWindowSeconds = 60

var (
	// ErrDuplicateTask 最近已为同名 APK 创建过任务
	ErrDuplicateTask = errors.New("task already exists for this apk")
	// ErrTaskNotCompleted 任务尚未生成脱壳工程
	ErrTaskNotCompleted = errors.New("task has no generated project")
	// ErrInvalidPath 请求的文件不在生成工程内
	ErrInvalidPath = errors.New("invalid file path")
	// ErrNotRetryable 只有失败的任务可以重试
	ErrNotRetryable = errors.New("only failed tasks can be retried")
)

// Dispatcher 把已创建的任务投递给执行端（本地 worker 池或 RabbitMQ）
type Dispatcher func(ctx context.Context, task *domain.Task) error

// Executor 编译并运行生成的脱壳工程
type Executor interface {
	Execute(ctx context.Context, opts runner.Options, sink runner.Sink) error
}

// Metrics 服务层上报的指标
type Metrics interface {
	RecordTaskCreated()
	RecordExecution(success bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordTaskCreated() {}
func (noopMetrics) RecordExecution(bool) {}

// GenerationService 生成任务服务接口
type GenerationService interface {
	// 创建任务并投递执行
	CreateTask(ctx context.Context, apkPath string, force bool) (*domain.Task, error)

	// 获取任务
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)

	// 获取任务列表（分页、状态过滤、搜索）
	ListTasks(ctx context.Context, page, pageSize int, status, search string) ([]*domain.Task, int64, error)

	// 获取任务状态统计
	Statistics(ctx context.Context) (*domain.TaskStatistics, error)

	// 删除任务
	DeleteTask(ctx context.Context, taskID string) error

	// 重试失败的任务
	RetryTask(ctx context.Context, taskID string) (*domain.Task, error)

	// 列出生成工程中的文件（相对 BaseDir）
	ListFiles(ctx context.Context, taskID string) ([]string, error)

	// 读取生成工程中的文件
	ReadFile(ctx context.Context, taskID, relPath string) ([]byte, error)

	// 编译运行生成的工程，输出同时写入 sink
	Execute(ctx context.Context, taskID string, confirmed bool, sink runner.Sink) (*domain.TaskExecution, error)
}

type generationService struct {
	taskRepo repository.TaskRepository
	dispatch Dispatcher
	executor Executor
	metrics  Metrics
	logger   *logrus.Logger
}

// NewGenerationService 创建生成任务服务；dispatch 为 nil 时任务只入库不投递
func NewGenerationService(taskRepo repository.TaskRepository, dispatch Dispatcher, executor Executor,
	metrics Metrics, logger *logrus.Logger) GenerationService {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &generationService{
		taskRepo: taskRepo,
		dispatch: dispatch,
		executor: executor,
		metrics:  metrics,
		logger:   logger,
	}
}

func (s *generationService) CreateTask(ctx context.Context, apkPath string, force bool) (*domain.Task, error) {
	abs, err := filepath.Abs(apkPath)
	if err != nil {
		return nil, fmt.Errorf("resolve apk path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("apk not accessible: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("apk path is a directory: %s", abs)
	}
	apkName := filepath.Base(abs)

	// 大文件复制时文件监控器会触发多次事件
	hasRecent, err := s.taskRepo.HasRecentTaskForAPK(ctx, apkName, duplicateWindowSeconds)
	if err != nil {
		s.logger.WithError(err).WithField("apk_name", apkName).Warn("Failed to check recent task, continuing anyway")
	} else if hasRecent && !force {
		s.logger.WithField("apk_name", apkName).Warn("Duplicate task creation blocked: recent task exists for same APK")
		return nil, ErrDuplicateTask
	}

	task := &domain.Task{
		ID:      uuid.New().String(),
		APKName: apkName,
		APKPath: abs,
		Status:  domain.TaskStatusQueued,
		Force:   force,
	}

	if err := s.taskRepo.Create(ctx, task); err != nil {
		s.logger.WithError(err).Error("Failed to create task")
		return nil, fmt.Errorf("创建任务失败: %w", err)
	}
	s.metrics.RecordTaskCreated()

	if s.dispatch != nil {
		if err := s.dispatch(ctx, task); err != nil {
			s.logger.WithError(err).WithField("task_id", task.ID).Error("Failed to dispatch task")
			if updateErr := s.taskRepo.UpdateFailure(ctx, task.ID, domain.FailureTypeUnknown, "dispatch failed: "+err.Error()); updateErr != nil {
				s.logger.WithError(updateErr).WithField("task_id", task.ID).Error("Failed to mark undispatched task")
			}
			return nil, fmt.Errorf("投递任务失败: %w", err)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"apk_name": apkName,
		"force":    force,
	}).Info("Task created successfully")
	return task, nil
}

func (s *generationService) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := s.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to get task")
		return nil, fmt.Errorf("获取任务失败: %w", err)
	}
	return task, nil
}

func (s *generationService) ListTasks(ctx context.Context, page, pageSize int, status, search string) ([]*domain.Task, int64, error) {
	tasks, total, err := s.taskRepo.ListWithSearch(ctx, page, pageSize, status, search)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list tasks")
		return nil, 0, fmt.Errorf("获取任务列表失败: %w", err)
	}
	return tasks, total, nil
}

func (s *generationService) Statistics(ctx context.Context) (*domain.TaskStatistics, error) {
	counts, total, err := s.taskRepo.GetStatusCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取任务统计失败: %w", err)
	}
	return &domain.TaskStatistics{
		Total:     total,
		Queued:    counts[string(domain.TaskStatusQueued)],
		Running:   counts[string(domain.TaskStatusRunning)],
		Completed: counts[string(domain.TaskStatusCompleted)],
		Failed:    counts[string(domain.TaskStatusFailed)],
		Skipped:   counts[string(domain.TaskStatusSkipped)],
	}, nil
}

func (s *generationService) DeleteTask(ctx context.Context, taskID string) error {
	if err := s.taskRepo.Delete(ctx, taskID); err != nil {
		s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to delete task")
		return fmt.Errorf("删除任务失败: %w", err)
	}

	s.logger.WithField("task_id", taskID).Info("Task deleted successfully")
	return nil
}

func (s *generationService) RetryTask(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.TaskStatusFailed {
		return nil, ErrNotRetryable
	}

	if err := s.taskRepo.ResetForRetry(ctx, taskID); err != nil {
		return nil, fmt.Errorf("重置任务失败: %w", err)
	}
	task.Status = domain.TaskStatusQueued
	task.FailureType = domain.FailureTypeNone
	task.ErrorMessage = ""

	if s.dispatch != nil {
		if err := s.dispatch(ctx, task); err != nil {
			return nil, fmt.Errorf("投递任务失败: %w", err)
		}
	}
	return task, nil
}

func (s *generationService) completedTask(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.TaskStatusCompleted || task.BaseDir == "" {
		return nil, ErrTaskNotCompleted
	}
	return task, nil
}

func (s *generationService) ListFiles(ctx context.Context, taskID string) ([]string, error) {
	task, err := s.completedTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(task.BaseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == unpacker.OutputDir && path != task.BaseDir {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(task.BaseDir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("列出生成文件失败: %w", err)
	}

	sort.Strings(files)
	return files, nil
}

func (s *generationService) ReadFile(ctx context.Context, taskID, relPath string) ([]byte, error) {
	task, err := s.completedTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	clean := filepath.Clean(filepath.FromSlash(relPath))
	if relPath == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return nil, ErrInvalidPath
	}
	return os.ReadFile(filepath.Join(task.BaseDir, clean))
}

func (s *generationService) Execute(ctx context.Context, taskID string, confirmed bool, sink runner.Sink) (*domain.TaskExecution, error) {
	if !confirmed {
		return nil, runner.ErrNotConfirmed
	}
	task, err := s.completedTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	buf := &runner.Buffer{}
	var out runner.Sink = buf
	if sink != nil {
		out = runner.MultiSink{buf, sink}
	}

	s.logger.WithFields(logrus.Fields{
		"task_id":     taskID,
		"base_dir":    task.BaseDir,
		"entry_class": task.EntryClass,
	}).Warn("Executing generated unpacker, the packed payload code will run on this host")

	start := time.Now()
	runErr := s.executor.Execute(ctx, runner.Options{
		BaseDir:    task.BaseDir,
		EntryClass: task.EntryClass,
		Confirmed:  confirmed,
	}, out)

	execution := &domain.TaskExecution{
		TaskID:     taskID,
		Success:    runErr == nil,
		Output:     buf.String(),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if runErr != nil {
		execution.Error = runErr.Error()
	}
	s.metrics.RecordExecution(execution.Success)

	if err := s.taskRepo.SaveExecution(ctx, execution); err != nil {
		s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to save execution record")
	}
	return execution, runErr
}
