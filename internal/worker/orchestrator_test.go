package worker

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/apk-analysis/apk-unboxing-go/internal/decompiler"
	"github.com/apk-analysis/apk-unboxing-go/internal/domain"
	"github.com/apk-analysis/apk-unboxing-go/internal/packer"
	"github.com/apk-analysis/apk-unboxing-go/internal/repository"
	"github.com/apk-analysis/apk-unboxing-go/internal/unpacker"
)

const stubAppSource = `package com.shell;

import android.app.Application;
import android.content.Context;

public class StubApp extends Application {
    @Override // android.content.ContextWrapper
    protected void attachBaseContext(Context base) {
        super.attachBaseContext(base);
        Loader.load(base.getDir("payload", 0));
    }
}
`

const loaderSource = `package com.shell;

import dalvik.system.DexClassLoader;
import java.io.File;

public class Loader {
    public static void load(File dir) {
        DexClassLoader cl = new DexClassLoader(dir.getAbsolutePath(), null, null, null);
    }
}
`

type stubLoader struct {
	src   decompiler.Source
	err   error
	calls int
}

func (l *stubLoader) Load(ctx context.Context, apkPath string) (decompiler.Source, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.src, nil
}

type recordingMetrics struct {
	mu       sync.Mutex
	started  int
	finished map[string]int
	stages   map[string]int
	imports  int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{finished: map[string]int{}, stages: map[string]int{}}
}

func (m *recordingMetrics) RecordTaskStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *recordingMetrics) RecordTaskFinished(status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[status]++
}

func (m *recordingMetrics) RecordStage(stage string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages[stage]++
}

func (m *recordingMetrics) RecordPackerVerdict(bool, string) {}

func (m *recordingMetrics) RecordGeneration(recognizedImports, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imports += recognizedImports
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// shellProject 清单组件缺失于 dex 且存在 DexClassLoader 的壳工程
func shellProject(components ...string) *decompiler.Project {
	p := decompiler.NewProject(&decompiler.Manifest{
		Package:     "com.target",
		Application: "com.shell.StubApp",
		Components:  components,
	})
	p.AddClass("com.shell.StubApp", stubAppSource)
	p.AddClass("com.shell.Loader", loaderSource)
	return p
}

func setupRepo(t *testing.T) repository.TaskRepository {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&domain.Task{}, &domain.TaskExecution{}))
	return repository.NewTaskRepository(db, quietLogger())
}

func newTestOrchestrator(t *testing.T, repo repository.TaskRepository, loader decompiler.Loader, metrics Metrics) *Orchestrator {
	gen := unpacker.NewGenerator(t.TempDir(), nil).WithSeed(1)
	return NewOrchestrator(repo, loader, packer.NewDetector(nil), gen, metrics, nil)
}

func createTask(t *testing.T, repo repository.TaskRepository, id string, force bool) *domain.Task {
	t.Helper()
	task := &domain.Task{
		ID:      id,
		APKName: "myapp.apk",
		APKPath: filepath.Join(t.TempDir(), "myapp.apk"),
		Status:  domain.TaskStatusQueued,
		Force:   force,
	}
	require.NoError(t, repo.Create(context.Background(), task))
	return task
}

// TestRun_PackedJavaGenerates 测试 Java 层加壳时生成脱壳工程
func TestRun_PackedJavaGenerates(t *testing.T) {
	metrics := newRecordingMetrics()
	o := newTestOrchestrator(t, nil, &stubLoader{src: shellProject("com.target.MainActivity")}, metrics)

	outcome, err := o.Run(context.Background(), filepath.Join(t.TempDir(), "myapp.apk"), false)
	require.NoError(t, err)

	assert.False(t, outcome.Skipped)
	assert.True(t, outcome.Packer.IsPacked)
	assert.Equal(t, packer.LoaderJava, outcome.Packer.LoaderType)
	require.NotNil(t, outcome.Result)
	assert.Equal(t, "com.shell.Unpacker_myapp", outcome.Result.EntryClass)
	assert.Equal(t, 1, metrics.stages["decompile"])
	assert.Equal(t, 1, metrics.stages["generate"])
	assert.Equal(t, outcome.Result.RecognizedImports, metrics.imports)
}

// TestRun_NotPackedSkips 测试未加壳时跳过，强制时仍生成
func TestRun_NotPackedSkips(t *testing.T) {
	o := newTestOrchestrator(t, nil, &stubLoader{src: shellProject("com.shell.Loader")}, nil)
	apk := filepath.Join(t.TempDir(), "plain.apk")

	outcome, err := o.Run(context.Background(), apk, false)
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
	assert.False(t, outcome.Packer.IsPacked)
	assert.Nil(t, outcome.Result)

	outcome, err = o.Run(context.Background(), apk, true)
	require.NoError(t, err)
	assert.False(t, outcome.Skipped)
	require.NotNil(t, outcome.Result)
}

// TestRun_DecompileError 测试反编译失败被包装为 ErrDecompile
func TestRun_DecompileError(t *testing.T) {
	o := newTestOrchestrator(t, nil, &stubLoader{err: errors.New("jadx failed: exit status 1")}, nil)

	_, err := o.Run(context.Background(), "x.apk", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecompile)
	assert.Contains(t, err.Error(), "jadx failed")
}

// TestExecuteTask_Completed 测试任务执行后写回结果
func TestExecuteTask_Completed(t *testing.T) {
	repo := setupRepo(t)
	metrics := newRecordingMetrics()
	o := newTestOrchestrator(t, repo, &stubLoader{src: shellProject("com.target.MainActivity")}, metrics)
	task := createTask(t, repo, "task-ok", false)

	require.NoError(t, o.ExecuteTask(context.Background(), task.ID, ""))

	found, err := repo.FindByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, found.Status)
	assert.Equal(t, "com.shell.Unpacker_myapp", found.EntryClass)
	assert.Equal(t, "com.shell", found.PackageName)
	assert.Equal(t, 2, found.ClassCount)
	assert.True(t, found.IsPacked)
	assert.Equal(t, 1, found.MissingClasses)
	assert.NotEmpty(t, found.ResultJSON)
	assert.NotEmpty(t, found.PackerJSON)
	assert.NotNil(t, found.StartedAt)
	assert.NotNil(t, found.CompletedAt)
	assert.Equal(t, 1, metrics.started)
	assert.Equal(t, 1, metrics.finished["completed"])
}

// TestExecuteTask_Skipped 测试未加壳任务标记为 skipped
func TestExecuteTask_Skipped(t *testing.T) {
	repo := setupRepo(t)
	o := newTestOrchestrator(t, repo, &stubLoader{src: shellProject()}, nil)
	task := createTask(t, repo, "task-skip", false)

	require.NoError(t, o.ExecuteTask(context.Background(), task.ID, ""))

	found, err := repo.FindByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusSkipped, found.Status)
	assert.Equal(t, domain.FailureTypeNotPacked, found.FailureType)
	assert.Equal(t, packer.LoaderJava, found.LoaderType)
	assert.Empty(t, found.EntryClass)
}

// TestExecuteTask_NoEntryClass 测试没有 Application 子类时直接失败不重试
func TestExecuteTask_NoEntryClass(t *testing.T) {
	repo := setupRepo(t)
	p := decompiler.NewProject(&decompiler.Manifest{Package: "com.target", Components: []string{"com.target.Main"}})
	p.AddClass("com.shell.Loader", loaderSource)
	o := newTestOrchestrator(t, repo, &stubLoader{src: p}, nil)
	task := createTask(t, repo, "task-noentry", false)

	err := o.ExecuteTask(context.Background(), task.ID, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, unpacker.ErrNoEntryClass)
	_, retryable := IsRetryableError(err)
	assert.False(t, retryable)

	found, err := repo.FindByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, found.Status)
	assert.Equal(t, domain.FailureTypeNoEntryClass, found.FailureType)
}

// TestExecuteTask_RetryThenFail 测试反编译失败按次数重试后最终失败
func TestExecuteTask_RetryThenFail(t *testing.T) {
	repo := setupRepo(t)
	loader := &stubLoader{err: errors.New("jadx failed")}
	o := newTestOrchestrator(t, repo, loader, nil)
	task := createTask(t, repo, "task-retry", false)
	maxRetry := domain.FailureTypeDecompileError.GetMaxRetryCount()

	for i := 1; i <= maxRetry; i++ {
		err := o.ExecuteTask(context.Background(), task.ID, "")
		retryErr, ok := IsRetryableError(err)
		require.True(t, ok, "attempt %d should be retryable", i)
		assert.Equal(t, i, retryErr.RetryCount)
		assert.ErrorIs(t, err, ErrDecompile)

		found, err := repo.FindByID(context.Background(), task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusQueued, found.Status)
	}

	err := o.ExecuteTask(context.Background(), task.ID, "")
	_, ok := IsRetryableError(err)
	assert.False(t, ok)

	found, err := repo.FindByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, found.Status)
	assert.Equal(t, domain.FailureTypeDecompileError, found.FailureType)
	assert.Equal(t, maxRetry+1, loader.calls)
}

// TestExecuteTask_IgnoresNonQueued 测试重复投递的已完成任务被忽略
func TestExecuteTask_IgnoresNonQueued(t *testing.T) {
	repo := setupRepo(t)
	loader := &stubLoader{src: shellProject("com.target.MainActivity")}
	o := newTestOrchestrator(t, repo, loader, nil)
	task := createTask(t, repo, "task-done", false)
	require.NoError(t, repo.UpdateStatus(context.Background(), task.ID, domain.TaskStatusCompleted))

	require.NoError(t, o.ExecuteTask(context.Background(), task.ID, ""))
	assert.Equal(t, 0, loader.calls)
}

func TestDetectFailureType(t *testing.T) {
	cases := map[string]struct {
		err  error
		want domain.FailureType
	}{
		"nil":       {nil, domain.FailureTypeNone},
		"cancelled": {context.Canceled, domain.FailureTypeCancelled},
		"no entry":  {unpacker.ErrNoEntryClass, domain.FailureTypeNoEntryClass},
		"decompile": {errors.Join(ErrDecompile, errors.New("x")), domain.FailureTypeDecompileError},
		"write":     {errors.Join(unpacker.ErrWriteProject, errors.New("disk full")), domain.FailureTypeWriteError},
		"unknown":   {errors.New("boom"), domain.FailureTypeUnknown},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectFailureType(tc.err))
		})
	}
}
