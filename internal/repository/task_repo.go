package repository

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apk-analysis/apk-unboxing-go/internal/domain"
)

type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	Update(ctx context.Context, task *domain.Task) error
	FindByID(ctx context.Context, id string) (*domain.Task, error)
	Delete(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error
	// 检查是否存在最近创建的同名 APK 任务（防止重复创建）
	HasRecentTaskForAPK(ctx context.Context, apkName string, withinSeconds int) (bool, error)
	// 更新任务失败信息（包含失败类型）
	UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error
	IncrementRetryCount(ctx context.Context, id string) (int, error)
	ResetForRetry(ctx context.Context, id string) error
	// 获取各状态任务数量统计（使用数据库聚合查询）
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)
	// 获取任务列表（支持状态过滤和搜索）
	ListWithSearch(ctx context.Context, page int, pageSize int, statusFilter string, search string) ([]*domain.Task, int64, error)
	// 获取所有排队中的任务（不分页）
	ListQueuedTasks(ctx context.Context) ([]*domain.Task, error)
	SaveExecution(ctx context.Context, execution *domain.TaskExecution) error
}

type taskRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewTaskRepository(db *gorm.DB, logger *logrus.Logger) TaskRepository {
	return &taskRepo{
		db:     db,
		logger: logger,
	}
}

func (r *taskRepo) Create(ctx context.Context, task *domain.Task) error {
	task.CreatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *taskRepo) Update(ctx context.Context, task *domain.Task) error {
	// 只更新主表字段，执行记录通过 SaveExecution 单独写入
	err := r.db.WithContext(ctx).
		Model(task).
		Select("package_name", "status", "failure_type", "error_message",
			"started_at", "completed_at", "duration_ms",
			"is_packed", "loader_type", "packer_name", "missing_classes", "packer_json",
			"base_dir", "entry_class", "recognized_imports", "class_count", "commented_lines", "result_json").
		Updates(task).Error

	if err != nil {
		r.logger.WithError(err).WithField("task_id", task.ID).Error("Task update failed")
	}

	return err
}

func (r *taskRepo) FindByID(ctx context.Context, id string) (*domain.Task, error) {
	var task domain.Task
	err := r.db.WithContext(ctx).
		Preload("Executions", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at DESC")
		}).
		First(&task, "id = ?", id).Error

	if err != nil {
		return nil, err
	}

	return &task, nil
}

// Delete 删除任务及其执行记录
func (r *taskRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&domain.TaskExecution{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&domain.Task{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func (r *taskRepo) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	updates := map[string]interface{}{"status": status}
	if status == domain.TaskStatusRunning {
		updates["started_at"] = time.Now().UTC()
	}

	return r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// HasRecentTaskForAPK 检查是否存在最近创建的同名 APK 任务
// 用于防止文件监控器重复创建任务（大文件复制触发多次事件）
func (r *taskRepo) HasRecentTaskForAPK(ctx context.Context, apkName string, withinSeconds int) (bool, error) {
	var count int64
	cutoffTime := time.Now().UTC().Add(-time.Duration(withinSeconds) * time.Second)

	err := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("apk_name = ? AND created_at > ?", apkName, cutoffTime).
		Count(&count).Error

	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"apk_name":       apkName,
			"within_seconds": withinSeconds,
		}).Error("Failed to check recent task for APK")
		return false, err
	}

	if count > 0 {
		r.logger.WithFields(logrus.Fields{
			"apk_name":       apkName,
			"recent_count":   count,
			"within_seconds": withinSeconds,
		}).Warn("Found recent task for same APK, skipping duplicate creation")
	}

	return count > 0, nil
}

// UpdateFailure 更新任务失败信息，同时将任务状态设置为 failed
func (r *taskRepo) UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.TaskStatusFailed,
			"failure_type":  failureType,
			"error_message": errorMessage,
			"completed_at":  &now,
		})

	if result.Error != nil {
		r.logger.WithError(result.Error).WithFields(logrus.Fields{
			"task_id":      id,
			"failure_type": failureType,
		}).Error("Failed to update task failure")
		return result.Error
	}

	r.logger.WithFields(logrus.Fields{
		"task_id":          id,
		"failure_type":     failureType,
		"failure_severity": failureType.GetSeverity(),
		"display_name":     failureType.GetDisplayName(),
	}).Warn("Task marked as failed")

	return nil
}

// IncrementRetryCount 增加重试次数并返回新的计数
func (r *taskRepo) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1"))

	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("task_id", id).Error("Failed to increment retry count")
		return 0, result.Error
	}

	var task domain.Task
	if err := r.db.WithContext(ctx).Select("retry_count").First(&task, "id = ?", id).Error; err != nil {
		return 0, err
	}

	return task.RetryCount, nil
}

// ResetForRetry 将任务状态改回 queued，清除失败信息，保留重试计数
func (r *taskRepo) ResetForRetry(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.TaskStatusQueued,
			"failure_type":  "",
			"error_message": "",
			"started_at":    nil,
			"completed_at":  nil,
		})

	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("task_id", id).Error("Failed to reset task for retry")
		return result.Error
	}

	r.logger.WithField("task_id", id).Info("Task reset for retry")
	return nil
}

// GetStatusCounts 获取各状态任务数量统计
// 返回: statusCounts map, totalCount, error
func (r *taskRepo) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	type StatusCount struct {
		Status string
		Count  int64
	}

	var results []StatusCount
	err := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&results).Error

	if err != nil {
		r.logger.WithError(err).Error("Failed to get status counts")
		return nil, 0, err
	}

	statusCounts := map[string]int64{
		string(domain.TaskStatusQueued):    0,
		string(domain.TaskStatusRunning):   0,
		string(domain.TaskStatusCompleted): 0,
		string(domain.TaskStatusFailed):    0,
		string(domain.TaskStatusSkipped):   0,
	}

	var total int64
	for _, r := range results {
		statusCounts[r.Status] = r.Count
		total += r.Count
	}

	return statusCounts, total, nil
}

func (r *taskRepo) ListWithSearch(ctx context.Context, page int, pageSize int, statusFilter string, search string) ([]*domain.Task, int64, error) {
	var tasks []*domain.Task
	var total int64

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	filter := func(db *gorm.DB) *gorm.DB {
		if statusFilter != "" {
			db = db.Where("status = ?", statusFilter)
		}
		if search != "" {
			searchPattern := "%" + search + "%"
			db = db.Where("apk_name LIKE ? OR package_name LIKE ? OR packer_name LIKE ?", searchPattern, searchPattern, searchPattern)
		}
		return db
	}

	if err := r.db.WithContext(ctx).Model(&domain.Task{}).Scopes(filter).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := r.db.WithContext(ctx).
		Scopes(filter).
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&tasks).Error

	return tasks, total, err
}

// ListQueuedTasks 获取所有排队中的任务（不分页）
func (r *taskRepo) ListQueuedTasks(ctx context.Context) ([]*domain.Task, error) {
	var tasks []*domain.Task

	err := r.db.WithContext(ctx).
		Where("status = ?", domain.TaskStatusQueued).
		Order("created_at ASC"). // 按创建时间升序，先进先出
		Find(&tasks).Error

	return tasks, err
}

// SaveExecution 保存一次编译运行记录
func (r *taskRepo) SaveExecution(ctx context.Context, execution *domain.TaskExecution) error {
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(execution).Error; err != nil {
		r.logger.WithError(err).WithField("task_id", execution.TaskID).Error("Failed to save execution")
		return err
	}
	return nil
}
