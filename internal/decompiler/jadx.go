package decompiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-unboxing-go/internal/config"
	"github.com/apk-analysis/apk-unboxing-go/internal/retry"
)

// JadxLoader 调用 jadx 命令行反编译 APK，并把生成的 Java 源码载入 Project
type JadxLoader struct {
	jadxPath string
	args     []string
	workDir  string
	timeout  time.Duration
	policy   retry.Policy
	logger   *logrus.Logger
}

// NewJadxLoader 创建 jadx 加载器
func NewJadxLoader(cfg *config.DecompilerConfig, logger *logrus.Logger) *JadxLoader {
	policy := retry.DefaultPolicy()
	policy.Attempts = cfg.Attempts

	return &JadxLoader{
		jadxPath: cfg.JadxPath,
		args:     cfg.Args,
		workDir:  cfg.WorkDir,
		timeout:  time.Duration(cfg.Timeout) * time.Second,
		policy:   policy,
		logger:   logger,
	}
}

// Load 反编译 APK。jadx 以非零状态退出但已经产出源码时只记录警告。
func (l *JadxLoader) Load(ctx context.Context, apkPath string) (Source, error) {
	if _, err := os.Stat(apkPath); err != nil {
		return nil, fmt.Errorf("apk not accessible: %w", err)
	}

	outDir, err := os.MkdirTemp(l.workDir, "jadx-*")
	if err != nil {
		return nil, fmt.Errorf("create jadx output dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	start := time.Now()
	err = retry.Do(ctx, l.policy, l.logger, "jadx", func(ctx context.Context) error {
		return l.run(ctx, apkPath, outDir)
	})
	if err != nil {
		return nil, err
	}

	manifest, err := ReadManifest(apkPath)
	if err != nil {
		l.logger.WithError(err).WithField("apk", apkPath).Warn("Failed to parse manifest, continuing without it")
	}

	project := NewProject(manifest)
	sourcesDir := filepath.Join(outDir, "sources")
	err = filepath.WalkDir(sourcesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".java") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(sourcesDir, path)
		if err != nil {
			return err
		}
		fullName := strings.ReplaceAll(strings.TrimSuffix(filepath.ToSlash(rel), ".java"), "/", ".")
		project.AddClass(fullName, string(data))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read jadx output: %w", err)
	}

	l.logger.WithFields(logrus.Fields{
		"apk":      filepath.Base(apkPath),
		"classes":  len(project.classes),
		"duration": time.Since(start),
	}).Info("Decompilation finished")

	return project, nil
}

func (l *JadxLoader) run(ctx context.Context, apkPath, outDir string) error {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	args := append([]string{"-d", outDir}, l.args...)
	args = append(args, apkPath)

	cmd := exec.CommandContext(ctx, l.jadxPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	l.logger.WithFields(logrus.Fields{
		"jadx": l.jadxPath,
		"args": strings.Join(args, " "),
	}).Debug("Running jadx")

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return retry.Permanent(fmt.Errorf("jadx not found at %q: %w", l.jadxPath, err))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && hasSources(outDir) {
		l.logger.WithFields(logrus.Fields{
			"exit_code": exitErr.ExitCode(),
			"stderr":    lastLine(stderr.String()),
		}).Warn("jadx finished with errors, using partial output")
		return nil
	}

	return fmt.Errorf("jadx failed: %w: %s", err, lastLine(stderr.String()))
}

func hasSources(outDir string) bool {
	entries, err := os.ReadDir(filepath.Join(outDir, "sources"))
	return err == nil && len(entries) > 0
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
