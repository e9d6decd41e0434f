// Package unpacker 把壳程序的 Application 子类及其引用类拼装为可在普通 JVM 上运行的脱壳工程
package unpacker

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/emirpasic/gods/sets/linkedhashset"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-unboxing-go/internal/decompiler"
	"github.com/apk-analysis/apk-unboxing-go/internal/javasrc"
	"github.com/apk-analysis/apk-unboxing-go/internal/neutralizer"
	"github.com/apk-analysis/apk-unboxing-go/internal/reflection"
	"github.com/apk-analysis/apk-unboxing-go/internal/renamer"
	"github.com/apk-analysis/apk-unboxing-go/internal/resolver"
)

// Generator 脱壳工程生成器。每次 Generate 使用独立的注册表与污点上下文，可并发调用。
type Generator struct {
	logger     *logrus.Logger
	outputRoot string
	newRand    func() *rand.Rand
}

// NewGenerator 创建生成器；outputRoot 为空时输出到 APK 所在目录
func NewGenerator(outputRoot string, logger *logrus.Logger) *Generator {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Generator{
		logger:     logger,
		outputRoot: outputRoot,
		newRand: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
	}
}

// WithSeed 固定随机后缀的种子
func (g *Generator) WithSeed(seed int64) *Generator {
	g.newRand = func() *rand.Rand { return rand.New(rand.NewSource(seed)) }
	return g
}

// BaseDir 返回 APK 对应的输出目录
func (g *Generator) BaseDir(apkPath string) string {
	root := g.outputRoot
	if root == "" {
		root = filepath.Dir(apkPath)
	}
	return filepath.Join(root, baseName(apkPath)+DirSuffix)
}

// Generate 执行完整流水线：解析引用类、重命名、拼装入口类、API 改写、全局清理、反射移除，最后写出工程
func (g *Generator) Generate(ctx context.Context, src decompiler.Source, apkPath string) (*AnalysisResult, error) {
	start := time.Now()
	log := g.logger.WithField("apk", apkPath)

	entry, ok := decompiler.FindApplicationSubclass(src)
	if !ok {
		log.Info("No Application subclass found in the APK")
		return nil, ErrNoEntryClass
	}

	if abs, err := filepath.Abs(apkPath); err == nil {
		apkPath = abs
	}
	className := EntryClassName(apkPath)
	result := &AnalysisResult{
		BaseDir:     g.BaseDir(apkPath),
		ClassName:   className,
		PackageName: entry.Package(),
		EntryClass:  qualified(entry.Package(), className),
	}
	log.WithFields(logrus.Fields{
		"entry":      entry.FullName(),
		"class_name": className,
	}).Info("Generating unpacker")

	registry := renamer.NewRegistry(g.newRand())
	rn := renamer.New(registry, g.logger)
	classes := resolver.New(g.logger).Resolve(entry, src.Classes())
	result.Classes = resolver.Names(classes)

	for _, c := range classes {
		rn.RenameMembers(c)
	}

	neut := neutralizer.New(neutralizer.Env{
		ClassName:   className,
		PackageName: decompiler.PackageName(src, entry),
		APKPath:     apkPath,
		Registry:    registry,
	}, g.logger)

	var buf strings.Builder
	imports := linkedhashset.New()

	for _, c := range classes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		code, err := rn.RenameLocals(c)
		if err != nil {
			return nil, fmt.Errorf("failed to reload class %s: %w", c.FullName(), err)
		}

		if c.FullName() == entry.FullName() {
			code = convertEntry(code, entry.Name(), className)
		}

		own := javasrc.Imports(code)
		added := 0
		for _, imp := range own {
			if !imports.Contains(imp) {
				imports.Add(imp)
				added++
			}
		}
		code = neut.Apply(code, own)

		g.logger.WithFields(logrus.Fields{
			"class":       c.FullName(),
			"new_imports": added,
		}).Debug("Merged class into unpacker")

		buf.WriteString(code)
		buf.WriteString("\n")
	}

	code := buf.String()
	code = commentPackages(code)
	code = makeStatic(code)
	code = stripThis(code)
	code = neutralizer.InsertStubs(code)
	code = commentAndroidImports(code)

	remover := reflection.New(g.logger)
	remover.Taint(neut.Tainted()...)
	code = remover.Remove(code)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	files, err := writeProject(result.BaseDir, code, entry.Package(), g.logger)
	if err != nil {
		log.WithError(err).Error("Error writing unpacker code to files")
		return nil, fmt.Errorf("%w: %w", ErrWriteProject, err)
	}

	for _, v := range imports.Values() {
		result.Imports = append(result.Imports, v.(string))
	}
	result.RecognizedImports = neut.RecognizedImports()
	result.Unsupported = neut.Unsupported()
	result.Files = files
	result.CommentedLines = remover.CommentedLines()
	result.RemovedMethods = remover.RemovedMethods()
	result.DurationMS = time.Since(start).Milliseconds()

	log.WithFields(logrus.Fields{
		"base_dir":           result.BaseDir,
		"entry_class":        result.EntryClass,
		"classes":            len(result.Classes),
		"recognized_imports": result.RecognizedImports,
		"commented_lines":    result.CommentedLines,
		"duration_ms":        result.DurationMS,
	}).Info("Unpacker generated")

	return result, nil
}

func qualified(pkg, name string) string {
	if pkg == "" {
		return name
	}
	return pkg + "." + name
}
