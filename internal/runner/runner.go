// Package runner 编译并运行生成的脱壳程序，把 stdout/stderr 逐行转发到 Sink
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-unboxing-go/internal/config"
)

// ErrNotConfirmed 未经确认拒绝执行
var ErrNotConfirmed = errors.New("execution of unpacker code not confirmed")

// ErrNoSources 生成目录中没有源码
var ErrNoSources = errors.New("no java sources found")

const maxLineSize = 1024 * 1024

// Options 一次执行的参数
type Options struct {
	BaseDir    string // 生成工程根目录，同时作为进程工作目录
	EntryClass string // 入口类全限定名
	Confirmed  bool   // 调用方已确认会执行来自样本的代码
}

// Runner javac/java 执行器
type Runner struct {
	javac  string
	java   string
	logger *logrus.Logger
}

// New 创建执行器
func New(cfg *config.RunnerConfig, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	r := &Runner{javac: "javac", java: "java", logger: logger}
	if cfg != nil && cfg.JavacPath != "" {
		r.javac = cfg.JavacPath
	}
	if cfg != nil && cfg.JavaPath != "" {
		r.java = cfg.JavaPath
	}
	return r
}

// Execute 用 javac -d bin 编译 src 下的全部源码，然后以工程根目录为工作目录运行入口类
func (r *Runner) Execute(ctx context.Context, opts Options, sink Sink) error {
	if !opts.Confirmed {
		return ErrNotConfirmed
	}

	sources, err := javaSources(filepath.Join(opts.BaseDir, "src"))
	if err != nil {
		return err
	}
	bin := filepath.Join(opts.BaseDir, "bin")
	if err := os.MkdirAll(bin, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	log := r.logger.WithFields(logrus.Fields{
		"base_dir":    opts.BaseDir,
		"entry_class": opts.EntryClass,
	})
	log.WithField("sources", len(sources)).Info("Compiling unpacker")

	args := append([]string{"-d", bin}, sources...)
	if err := r.run(ctx, opts.BaseDir, sink, r.javac, args...); err != nil {
		return fmt.Errorf("compile failed: %w", err)
	}

	log.Info("Running unpacker")
	if err := r.run(ctx, opts.BaseDir, sink, r.java, "-cp", bin, opts.EntryClass); err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	log.Info("Unpacker finished")
	return nil
}

// run 启动进程，两个协程分别转发 stdout 与 stderr，全部读完后再等待进程退出
func (r *Runner) run(ctx context.Context, dir string, sink Sink, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	r.logger.WithField("command", name+" "+strings.Join(args, " ")).Debug("Starting process")
	if err := cmd.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go relay(&wg, stdout, StreamStdout, sink)
	go relay(&wg, stderr, StreamStderr, sink)
	wg.Wait()

	return cmd.Wait()
}

// relay 逐行转发，超过 maxLineSize 的行按块切分；读出错时排空管道，避免子进程阻塞在写入上
func relay(wg *sync.WaitGroup, r io.Reader, stream string, sink Sink) {
	defer wg.Done()
	reader := bufio.NewReaderSize(r, 64*1024)

	var line []byte
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if err != nil {
			if len(line) > 0 {
				sink.Write(stream, string(line))
			}
			if !errors.Is(err, io.EOF) {
				sink.Write(stream, "relay error: "+err.Error())
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}

		line = append(line, chunk...)
		if !isPrefix || len(line) >= maxLineSize {
			sink.Write(stream, string(line))
			line = line[:0]
		}
	}
}

func javaSources(root string) ([]string, error) {
	var sources []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".java") {
			sources = append(sources, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	return sources, nil
}
