package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileHandler 文件处理函数
type FileHandler func(ctx context.Context, filePath string) error

// FileWatcher 入站 APK 目录监控器
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	watchDir string
	pattern  string // 文件匹配模式 (如 "*.apk")
	handler  FileHandler
	logger   *logrus.Logger

	debounce     time.Duration // 防抖时间
	pollInterval time.Duration // 文件大小稳定性检查间隔
	pollAttempts int

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]bool
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// NewFileWatcher 创建文件监控器
func NewFileWatcher(watchDir, pattern string, handler FileHandler, logger *logrus.Logger) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := os.MkdirAll(watchDir, 0755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	if err := watcher.Add(watchDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	if pattern == "" {
		pattern = "*.apk"
	}

	fw := &FileWatcher{
		watcher:      watcher,
		watchDir:     watchDir,
		pattern:      pattern,
		handler:      handler,
		logger:       logger,
		debounce:     2 * time.Second,
		pollInterval: 500 * time.Millisecond,
		pollAttempts: 10,
		timers:       make(map[string]*time.Timer),
		processing:   make(map[string]bool),
		stopChan:     make(chan struct{}),
	}

	logger.WithFields(logrus.Fields{
		"watch_dir": watchDir,
		"pattern":   pattern,
	}).Info("File watcher created")

	return fw, nil
}

// SetTiming 调整防抖与就绪检查间隔
func (fw *FileWatcher) SetTiming(debounce, pollInterval time.Duration) {
	fw.debounce = debounce
	fw.pollInterval = pollInterval
}

// Start 启动文件监控。已存在的文件不会自动处理，需要时调用 ScanExisting。
func (fw *FileWatcher) Start(ctx context.Context) error {
	go fw.eventLoop(ctx)

	fw.logger.Info("File watcher started successfully")
	return nil
}

// ScanExisting 处理目录中已存在的匹配文件
func (fw *FileWatcher) ScanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(fw.watchDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !fw.matchPattern(entry.Name()) {
			continue
		}
		filePath := filepath.Join(fw.watchDir, entry.Name())
		fw.logger.WithField("file", entry.Name()).Info("Found existing file")
		go fw.handleFile(ctx, filePath)
	}

	return nil
}

func (fw *FileWatcher) eventLoop(ctx context.Context) {
	defer fw.stopTimers()

	for {
		select {
		case <-ctx.Done():
			fw.logger.Info("File watcher context done")
			return
		case <-fw.stopChan:
			fw.logger.Info("File watcher stopped")
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				fw.logger.Warn("Watcher events channel closed")
				return
			}

			// 只处理创建、写入和移入（rename 到目录内表现为 Create）
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			fileName := filepath.Base(event.Name)
			if !fw.matchPattern(fileName) {
				continue
			}

			fw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  fileName,
			}).Debug("File event detected")

			fw.schedule(ctx, event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				fw.logger.Warn("Watcher errors channel closed")
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule 防抖: 同一文件在短时间内多次触发只处理一次
func (fw *FileWatcher) schedule(ctx context.Context, filePath string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if timer, exists := fw.timers[filePath]; exists {
		timer.Stop()
	}
	fw.timers[filePath] = time.AfterFunc(fw.debounce, func() {
		fw.mu.Lock()
		delete(fw.timers, filePath)
		fw.mu.Unlock()
		fw.handleFile(ctx, filePath)
	})
}

func (fw *FileWatcher) stopTimers() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	for name, timer := range fw.timers {
		timer.Stop()
		delete(fw.timers, name)
	}
}

func (fw *FileWatcher) handleFile(ctx context.Context, filePath string) {
	fw.mu.Lock()
	if fw.processing[filePath] {
		fw.mu.Unlock()
		fw.logger.WithField("file", filePath).Debug("File is already being processed")
		return
	}
	fw.processing[filePath] = true
	fw.mu.Unlock()

	defer func() {
		fw.mu.Lock()
		delete(fw.processing, filePath)
		fw.mu.Unlock()
	}()

	if err := fw.waitForFileReady(ctx, filePath); err != nil {
		fw.logger.WithError(err).WithField("file", filePath).Error("File not ready")
		return
	}

	fw.logger.WithField("file", filePath).Info("Processing file")

	if err := fw.handler(ctx, filePath); err != nil {
		fw.logger.WithError(err).WithField("file", filePath).Error("Failed to process file")
		return
	}

	fw.logger.WithField("file", filePath).Info("File processed successfully")
}

// waitForFileReady 等待文件写入完成（大小在两次检查间保持不变且非空）
func (fw *FileWatcher) waitForFileReady(ctx context.Context, filePath string) error {
	var lastSize int64 = -1
	for i := 0; i < fw.pollAttempts; i++ {
		info, err := os.Stat(filePath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("file does not exist")
			}
			return err
		}

		size := info.Size()
		if size > 0 && size == lastSize {
			return nil
		}
		lastSize = size

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(fw.pollInterval):
		}
	}

	return fmt.Errorf("file not ready after %d attempts", fw.pollAttempts)
}

// matchPattern 检查文件名是否匹配模式（大小写不敏感）
func (fw *FileWatcher) matchPattern(fileName string) bool {
	ok, err := filepath.Match(strings.ToLower(fw.pattern), strings.ToLower(fileName))
	return err == nil && ok
}

// Stop 停止文件监控
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.logger.Info("Stopping file watcher")
		close(fw.stopChan)
		err = fw.watcher.Close()
	})
	return err
}

// GetWatchDir 获取监控目录
func (fw *FileWatcher) GetWatchDir() string {
	return fw.watchDir
}
