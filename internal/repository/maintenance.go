package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apk-analysis/apk-unboxing-go/internal/domain"
)

// FailInterruptedTasks 把上次运行中断的 running 任务标记为失败。
// queued 任务保留，由启动流程重新投递。
func FailInterruptedTasks(ctx context.Context, db *gorm.DB, logger *logrus.Logger) (int64, error) {
	var ids []string
	if err := db.WithContext(ctx).Model(&domain.Task{}).
		Where("status = ?", domain.TaskStatusRunning).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("failed to query interrupted tasks: %w", err)
	}

	if len(ids) == 0 {
		logger.Info("No interrupted tasks found")
		return 0, nil
	}

	result := db.WithContext(ctx).Model(&domain.Task{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":        domain.TaskStatusFailed,
			"failure_type":  domain.FailureTypeCancelled,
			"error_message": "服务重启，任务中断",
			"completed_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to update interrupted tasks: %w", result.Error)
	}

	logger.WithFields(logrus.Fields{
		"count": result.RowsAffected,
		"tasks": ids,
	}).Warn("Marked interrupted tasks as failed due to service restart")

	return result.RowsAffected, nil
}
