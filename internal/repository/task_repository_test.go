package repository

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/apk-analysis/apk-unboxing-go/internal/config"
	"github.com/apk-analysis/apk-unboxing-go/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// setupTestDB 创建测试数据库
func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err, "Failed to open test database")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&domain.Task{}, &domain.TaskExecution{}), "Failed to migrate test database")
	return db
}

func newTask(id, apkName string) *domain.Task {
	return &domain.Task{
		ID:      id,
		APKName: apkName,
		APKPath: "/data/apks/" + apkName,
		Status:  domain.TaskStatusQueued,
	}
}

// TestTaskRepository_Create 测试创建任务
func TestTaskRepository_Create(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	task := newTask("task-001", "sample.apk")
	require.NoError(t, repo.Create(ctx, task))
	assert.False(t, task.CreatedAt.IsZero())

	found, err := repo.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "sample.apk", found.APKName)
	assert.Equal(t, domain.TaskStatusQueued, found.Status)

	// 重复主键
	assert.Error(t, repo.Create(ctx, newTask("task-001", "other.apk")))
}

// TestTaskRepository_FindByID_NotFound 测试查询不存在的任务
func TestTaskRepository_FindByID_NotFound(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t), testLogger())

	_, err := repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

// TestTaskRepository_Update 测试写回生成结果
func TestTaskRepository_Update(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	task := newTask("task-002", "shell.apk")
	require.NoError(t, repo.Create(ctx, task))

	now := time.Now().UTC()
	task.Status = domain.TaskStatusCompleted
	task.CompletedAt = &now
	task.IsPacked = true
	task.LoaderType = "java"
	task.BaseDir = "/out/shell_BadUnboxing"
	task.EntryClass = "com.shell.Unpacker_shell"
	task.RecognizedImports = 4
	task.CommentedLines = 2
	require.NoError(t, repo.Update(ctx, task))

	found, err := repo.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, found.Status)
	assert.True(t, found.IsPacked)
	assert.Equal(t, "com.shell.Unpacker_shell", found.EntryClass)
	assert.Equal(t, 4, found.RecognizedImports)
	assert.Equal(t, 2, found.CommentedLines)
	require.NotNil(t, found.CompletedAt)
}

// TestTaskRepository_UpdateStatus 测试状态更新
func TestTaskRepository_UpdateStatus(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTask("task-003", "a.apk")))
	require.NoError(t, repo.UpdateStatus(ctx, "task-003", domain.TaskStatusRunning))

	found, err := repo.FindByID(ctx, "task-003")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, found.Status)
	assert.NotNil(t, found.StartedAt)
}

// TestTaskRepository_FailureAndRetry 测试失败标记与重试重置
func TestTaskRepository_FailureAndRetry(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTask("task-004", "b.apk")))
	require.NoError(t, repo.UpdateFailure(ctx, "task-004", domain.FailureTypeDecompileError, "jadx exited 1"))

	found, err := repo.FindByID(ctx, "task-004")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, found.Status)
	assert.Equal(t, domain.FailureTypeDecompileError, found.FailureType)
	assert.Equal(t, "jadx exited 1", found.ErrorMessage)

	count, err := repo.IncrementRetryCount(ctx, "task-004")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, repo.ResetForRetry(ctx, "task-004"))
	found, err = repo.FindByID(ctx, "task-004")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, found.Status)
	assert.Empty(t, found.ErrorMessage)
	assert.Equal(t, 1, found.RetryCount)
}

// TestTaskRepository_HasRecentTaskForAPK 测试重复任务检查
func TestTaskRepository_HasRecentTaskForAPK(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTask("task-005", "dup.apk")))

	recent, err := repo.HasRecentTaskForAPK(ctx, "dup.apk", 60)
	require.NoError(t, err)
	assert.True(t, recent)

	recent, err = repo.HasRecentTaskForAPK(ctx, "other.apk", 60)
	require.NoError(t, err)
	assert.False(t, recent)
}

// TestTaskRepository_ListAndCounts 测试分页、过滤、搜索与状态统计
func TestTaskRepository_ListAndCounts(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	for _, name := range []string{"alpha.apk", "beta.apk", "gamma.apk"} {
		require.NoError(t, repo.Create(ctx, newTask("id-"+name, name)))
	}
	require.NoError(t, repo.UpdateStatus(ctx, "id-beta.apk", domain.TaskStatusSkipped))

	tasks, total, err := repo.ListWithSearch(ctx, 1, 2, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, tasks, 2)

	tasks, total, err = repo.ListWithSearch(ctx, 1, 10, string(domain.TaskStatusQueued), "gam")
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, tasks, 1)
	assert.Equal(t, "gamma.apk", tasks[0].APKName)

	counts, total, err := repo.GetStatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Equal(t, int64(2), counts["queued"])
	assert.Equal(t, int64(1), counts["skipped"])
	assert.Equal(t, int64(0), counts["failed"])

	queued, err := repo.ListQueuedTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, queued, 2)
}

// TestTaskRepository_Executions 测试执行记录的保存、预加载与级联删除
func TestTaskRepository_Executions(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTask("task-006", "c.apk")))
	require.NoError(t, repo.SaveExecution(ctx, &domain.TaskExecution{TaskID: "task-006", Success: true, Output: "stdout: /tmp/x.dex\n"}))

	found, err := repo.FindByID(ctx, "task-006")
	require.NoError(t, err)
	require.Len(t, found.Executions, 1)
	assert.True(t, found.Executions[0].Success)

	require.NoError(t, repo.Delete(ctx, "task-006"))
	_, err = repo.FindByID(ctx, "task-006")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "task-006"), gorm.ErrRecordNotFound)
}

func TestInitDB_Memory(t *testing.T) {
	db, err := InitDB(&config.DatabaseConfig{Type: "sqlite", DBName: ":memory:"}, testLogger())
	require.NoError(t, err)

	repo := NewTaskRepository(db, testLogger())
	require.NoError(t, repo.Create(context.Background(), newTask("task-007", "d.apk")))
}
