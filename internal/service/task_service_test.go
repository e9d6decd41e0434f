package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-unboxing-go/internal/domain"
	"github.com/apk-analysis/apk-unboxing-go/internal/runner"
)

// MockTaskRepository Mock Repository
type MockTaskRepository struct {
	mock.Mock
}

func (m *MockTaskRepository) Create(ctx context.Context, task *domain.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockTaskRepository) Update(ctx context.Context, task *domain.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockTaskRepository) FindByID(ctx context.Context, id string) (*domain.Task, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Task), args.Error(1)
}

func (m *MockTaskRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockTaskRepository) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockTaskRepository) HasRecentTaskForAPK(ctx context.Context, apkName string, withinSeconds int) (bool, error) {
	args := m.Called(ctx, apkName, withinSeconds)
	return args.Bool(0), args.Error(1)
}

func (m *MockTaskRepository) UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error {
	args := m.Called(ctx, id, failureType, errorMessage)
	return args.Error(0)
}

func (m *MockTaskRepository) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (m *MockTaskRepository) ResetForRetry(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockTaskRepository) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(map[string]int64), args.Get(1).(int64), args.Error(2)
}

func (m *MockTaskRepository) ListWithSearch(ctx context.Context, page int, pageSize int, statusFilter string, search string) ([]*domain.Task, int64, error) {
	args := m.Called(ctx, page, pageSize, statusFilter, search)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.Task), args.Get(1).(int64), args.Error(2)
}

func (m *MockTaskRepository) ListQueuedTasks(ctx context.Context) ([]*domain.Task, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Task), args.Error(1)
}

func (m *MockTaskRepository) SaveExecution(ctx context.Context, execution *domain.TaskExecution) error {
	args := m.Called(ctx, execution)
	return args.Error(0)
}

// MockExecutor Mock Runner
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Execute(ctx context.Context, opts runner.Options, sink runner.Sink) error {
	args := m.Called(ctx, opts, sink)
	return args.Error(0)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func writeAPK(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shell.apk")
	require.NoError(t, os.WriteFile(path, []byte("PK"), 0644))
	return path
}

// generatedTask 构造一个已完成、带生成目录的任务
func generatedTask(t *testing.T) *domain.Task {
	t.Helper()
	base := filepath.Join(t.TempDir(), "shell_BadUnboxing")
	src := filepath.Join(base, "src", "com", "shell")
	require.NoError(t, os.MkdirAll(src, 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "bin", "com", "shell"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, ".vscode"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "Unpacker_shell.java"), []byte("class Unpacker_shell {}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "bin", "com", "shell", "Unpacker_shell.class"), []byte{0xca}, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(base, ".vscode", "settings.json"), []byte("{}"), 0644))

	return &domain.Task{
		ID:         "task-1",
		Status:     domain.TaskStatusCompleted,
		BaseDir:    base,
		EntryClass: "com.shell.Unpacker_shell",
	}
}

// TestGenerationService_CreateTask 测试创建并投递任务
func TestGenerationService_CreateTask(t *testing.T) {
	repo := new(MockTaskRepository)
	apk := writeAPK(t)

	repo.On("HasRecentTaskForAPK", mock.Anything, "shell.apk", 60).Return(false, nil)
	repo.On("Create", mock.Anything, mock.AnythingOfType("*domain.Task")).Return(nil)

	var dispatched *domain.Task
	svc := NewGenerationService(repo, func(ctx context.Context, task *domain.Task) error {
		dispatched = task
		return nil
	}, nil, nil, quietLogger())

	task, err := svc.CreateTask(context.Background(), apk, true)
	require.NoError(t, err)

	assert.Len(t, task.ID, 36)
	assert.Equal(t, "shell.apk", task.APKName)
	assert.Equal(t, apk, task.APKPath)
	assert.True(t, task.Force)
	assert.Equal(t, domain.TaskStatusQueued, task.Status)
	assert.Same(t, task, dispatched)
	repo.AssertExpectations(t)
}

// TestGenerationService_CreateTask_Duplicate 测试重复创建被拦截
func TestGenerationService_CreateTask_Duplicate(t *testing.T) {
	repo := new(MockTaskRepository)
	repo.On("HasRecentTaskForAPK", mock.Anything, "shell.apk", 60).Return(true, nil)

	svc := NewGenerationService(repo, nil, nil, nil, quietLogger())

	_, err := svc.CreateTask(context.Background(), writeAPK(t), false)
	assert.ErrorIs(t, err, ErrDuplicateTask)
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

// TestGenerationService_CreateTask_MissingAPK 测试 APK 不存在
func TestGenerationService_CreateTask_MissingAPK(t *testing.T) {
	svc := NewGenerationService(new(MockTaskRepository), nil, nil, nil, quietLogger())

	_, err := svc.CreateTask(context.Background(), filepath.Join(t.TempDir(), "none.apk"), false)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// TestGenerationService_CreateTask_DispatchFails 测试投递失败时任务标记为失败
func TestGenerationService_CreateTask_DispatchFails(t *testing.T) {
	repo := new(MockTaskRepository)
	repo.On("HasRecentTaskForAPK", mock.Anything, "shell.apk", 60).Return(false, nil)
	repo.On("Create", mock.Anything, mock.Anything).Return(nil)
	repo.On("UpdateFailure", mock.Anything, mock.Anything, domain.FailureTypeUnknown, "dispatch failed: queue is full").Return(nil)

	svc := NewGenerationService(repo, func(context.Context, *domain.Task) error {
		return errors.New("queue is full")
	}, nil, nil, quietLogger())

	_, err := svc.CreateTask(context.Background(), writeAPK(t), false)
	assert.Error(t, err)
	repo.AssertExpectations(t)
}

// TestGenerationService_Statistics 测试状态统计转换
func TestGenerationService_Statistics(t *testing.T) {
	repo := new(MockTaskRepository)
	repo.On("GetStatusCounts", mock.Anything).Return(map[string]int64{
		"queued": 1, "running": 0, "completed": 3, "failed": 2, "skipped": 4,
	}, int64(10), nil)

	stats, err := NewGenerationService(repo, nil, nil, nil, quietLogger()).Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatistics{Total: 10, Queued: 1, Completed: 3, Failed: 2, Skipped: 4}, *stats)
}

// TestGenerationService_RetryTask 测试只有失败任务可重试
func TestGenerationService_RetryTask(t *testing.T) {
	repo := new(MockTaskRepository)
	repo.On("FindByID", mock.Anything, "failed").Return(&domain.Task{ID: "failed", Status: domain.TaskStatusFailed, ErrorMessage: "x"}, nil)
	repo.On("FindByID", mock.Anything, "done").Return(&domain.Task{ID: "done", Status: domain.TaskStatusCompleted}, nil)
	repo.On("ResetForRetry", mock.Anything, "failed").Return(nil)

	calls := 0
	svc := NewGenerationService(repo, func(context.Context, *domain.Task) error {
		calls++
		return nil
	}, nil, nil, quietLogger())

	task, err := svc.RetryTask(context.Background(), "failed")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, task.Status)
	assert.Empty(t, task.ErrorMessage)
	assert.Equal(t, 1, calls)

	_, err = svc.RetryTask(context.Background(), "done")
	assert.ErrorIs(t, err, ErrNotRetryable)
}

// TestGenerationService_ListAndReadFiles 测试生成文件列表与读取
func TestGenerationService_ListAndReadFiles(t *testing.T) {
	task := generatedTask(t)
	repo := new(MockTaskRepository)
	repo.On("FindByID", mock.Anything, task.ID).Return(task, nil)
	svc := NewGenerationService(repo, nil, nil, nil, quietLogger())

	files, err := svc.ListFiles(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{".vscode/settings.json", "src/com/shell/Unpacker_shell.java"}, files)

	data, err := svc.ReadFile(context.Background(), task.ID, "src/com/shell/Unpacker_shell.java")
	require.NoError(t, err)
	assert.Equal(t, "class Unpacker_shell {}\n", string(data))

	for _, bad := range []string{"", "../secret", "/etc/passwd", "src/../../x"} {
		_, err = svc.ReadFile(context.Background(), task.ID, bad)
		assert.ErrorIs(t, err, ErrInvalidPath, bad)
	}
}

// TestGenerationService_ListFiles_NotCompleted 测试未完成任务没有文件
func TestGenerationService_ListFiles_NotCompleted(t *testing.T) {
	repo := new(MockTaskRepository)
	repo.On("FindByID", mock.Anything, "q").Return(&domain.Task{ID: "q", Status: domain.TaskStatusQueued}, nil)

	_, err := NewGenerationService(repo, nil, nil, nil, quietLogger()).ListFiles(context.Background(), "q")
	assert.ErrorIs(t, err, ErrTaskNotCompleted)
}

// TestGenerationService_Execute 测试执行记录与输出转发
func TestGenerationService_Execute(t *testing.T) {
	task := generatedTask(t)
	repo := new(MockTaskRepository)
	repo.On("FindByID", mock.Anything, task.ID).Return(task, nil)
	repo.On("SaveExecution", mock.Anything, mock.MatchedBy(func(e *domain.TaskExecution) bool {
		return e.TaskID == task.ID && e.Success && e.Output == "/tmp/payload.dex\n"
	})).Return(nil)

	exec := new(MockExecutor)
	exec.On("Execute", mock.Anything, runner.Options{BaseDir: task.BaseDir, EntryClass: task.EntryClass, Confirmed: true}, mock.Anything).
		Run(func(args mock.Arguments) {
			args.Get(2).(runner.Sink).Write(runner.StreamStdout, "/tmp/payload.dex")
		}).Return(nil)

	console := &runner.Buffer{}
	svc := NewGenerationService(repo, nil, exec, nil, quietLogger())

	execution, err := svc.Execute(context.Background(), task.ID, true, console)
	require.NoError(t, err)
	assert.True(t, execution.Success)
	assert.Equal(t, []runner.Line{{Stream: runner.StreamStdout, Text: "/tmp/payload.dex"}}, console.Lines())
	repo.AssertExpectations(t)
	exec.AssertExpectations(t)
}

// TestGenerationService_Execute_Failure 测试执行失败仍保存记录
func TestGenerationService_Execute_Failure(t *testing.T) {
	task := generatedTask(t)
	repo := new(MockTaskRepository)
	repo.On("FindByID", mock.Anything, task.ID).Return(task, nil)
	repo.On("SaveExecution", mock.Anything, mock.MatchedBy(func(e *domain.TaskExecution) bool {
		return !e.Success && e.Error == "compile failed: exit status 1"
	})).Return(nil)

	exec := new(MockExecutor)
	exec.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("compile failed: exit status 1"))

	execution, err := NewGenerationService(repo, nil, exec, nil, quietLogger()).Execute(context.Background(), task.ID, true, nil)
	assert.Error(t, err)
	require.NotNil(t, execution)
	assert.False(t, execution.Success)
	repo.AssertExpectations(t)
}

// TestGenerationService_Execute_NotConfirmed 测试未确认时不查询也不执行
func TestGenerationService_Execute_NotConfirmed(t *testing.T) {
	repo := new(MockTaskRepository)
	exec := new(MockExecutor)

	_, err := NewGenerationService(repo, nil, exec, nil, quietLogger()).Execute(context.Background(), "task-1", false, nil)
	assert.ErrorIs(t, err, runner.ErrNotConfirmed)
	exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything)
}
