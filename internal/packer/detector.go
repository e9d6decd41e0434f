// Package packer 判断 APK 是否加壳，以及壳是否通过 Java 层动态加载 dex
package packer

import (
	"archive/zip"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-unboxing-go/internal/decompiler"
)

// Detector 壳检测器
type Detector struct {
	logger *logrus.Logger
}

// NewDetector 创建壳检测器
func NewDetector(logger *logrus.Logger) *Detector {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Detector{logger: logger}
}

// Detect 综合反编译结果与 APK 文件检测壳。
// 清单中声明的组件类不在 dex 类集合中即视为加壳；只有 Java 层加载 dex 的壳可以生成脱壳代码。
func (d *Detector) Detect(apkPath string, src decompiler.Source) *PackerInfo {
	info := &PackerInfo{
		MissingClasses: []string{},
		LoaderType:     LoaderNone,
		LoaderDetails:  []string{},
		Indicators:     []string{},
	}

	info.MissingClasses = MissingClasses(src)
	info.IsPacked = len(info.MissingClasses) > 0
	if src.Manifest() == nil {
		d.logger.WithField("apk", apkPath).Warn("Manifest unavailable, cannot compare declared components")
	}

	info.LoaderDetails = d.dexLoadingDetails(src)
	if len(info.LoaderDetails) > 0 {
		info.LoaderType = LoaderJava
	}

	if stats, err := CollectStats(apkPath); err != nil {
		d.logger.WithError(err).Warn("Failed to collect APK stats")
	} else {
		info.NativeLibs = stats.NativeLibs
		for _, s := range stats.Suspicious {
			info.Indicators = append(info.Indicators, "suspicious_file:"+s)
		}
	}

	if sig, indicators, ok := matchSignature(src, info.NativeLibs); ok {
		info.PackerName = sig.Name
		info.Indicators = append(info.Indicators, indicators...)
		if info.LoaderType == LoaderNone && len(sig.NativeLibs) > 0 {
			info.LoaderType = LoaderNative
		}
	}

	info.CanGenerate = info.IsPacked && info.LoaderType == LoaderJava

	d.logger.WithFields(logrus.Fields{
		"apk":             apkPath,
		"is_packed":       info.IsPacked,
		"missing_classes": len(info.MissingClasses),
		"loader_type":     info.LoaderType,
		"packer_name":     info.PackerName,
	}).Info("Packer detection completed")
	return info
}

// MissingClasses 返回清单中声明但 dex 中不存在的组件类
func MissingClasses(src decompiler.Source) []string {
	dex := make(map[string]bool)
	for _, f := range decompiler.DexClassFiles(src) {
		dex[f] = true
	}

	missing := []string{}
	for _, f := range src.Manifest().ClassFiles() {
		if !dex[f] {
			missing = append(missing, f)
		}
	}
	return missing
}

// dexLoadingDetails 在所有类源码中查找动态加载关键字
func (d *Detector) dexLoadingDetails(src decompiler.Source) []string {
	details := []string{}
	for _, c := range src.Classes() {
		code := c.Code()
		for _, kw := range dexLoadingKeywords {
			if !strings.Contains(code, kw) {
				continue
			}
			detail := fmt.Sprintf("Found keyword '%s' in class '%s'", kw, c.FullName())
			d.logger.Debug(detail)
			details = append(details, detail)
		}
	}
	return details
}

// CollectStats 扫描 APK 中的 native 库、dex 与可疑文件
func CollectStats(apkPath string) (*APKStats, error) {
	reader, err := zip.OpenReader(apkPath)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	stats := &APKStats{}
	for _, file := range reader.File {
		name := file.Name
		lower := strings.ToLower(name)

		switch {
		case strings.HasPrefix(name, "lib/") && strings.HasSuffix(name, ".so"):
			stats.NativeLibs = append(stats.NativeLibs, filepath.Base(name))
		case strings.HasSuffix(name, ".dex") && !strings.Contains(name, "/"):
			stats.DEXCount++
			stats.DEXSize += int64(file.UncompressedSize64)
		}

		for _, p := range suspiciousPatterns {
			if strings.Contains(lower, p) {
				stats.Suspicious = append(stats.Suspicious, name)
				break
			}
		}
	}
	return stats, nil
}

// matchSignature 按壳入口类与 native 库匹配厂商特征
func matchSignature(src decompiler.Source, nativeLibs []string) (Signature, []string, bool) {
	classes := make(map[string]bool)
	for _, c := range src.Classes() {
		classes[c.FullName()] = true
	}
	if m := src.Manifest(); m != nil && m.Application != "" {
		classes[m.Application] = true
	}

	for _, sig := range signatures {
		var indicators []string
		for _, stub := range sig.StubClasses {
			if classes[stub] {
				indicators = append(indicators, "stub_class:"+stub)
			}
		}
		for _, prefix := range sig.NativeLibs {
			for _, lib := range nativeLibs {
				if matchLibName(prefix, lib) {
					indicators = append(indicators, "native_lib:"+lib)
				}
			}
		}
		if len(indicators) > 0 {
			return sig, indicators, true
		}
	}
	return Signature{}, nil, false
}

// matchLibName libshellx-2.10.3.4.so 这类带版本号的库名按前缀匹配
func matchLibName(prefix, name string) bool {
	return strings.HasPrefix(strings.TrimSuffix(name, ".so"), prefix)
}

// Summary 壳检测摘要
func Summary(info *PackerInfo) string {
	if !info.IsPacked {
		return "未检测到加壳"
	}

	var summary strings.Builder
	summary.WriteString("检测到加壳")
	if info.PackerName != "" {
		summary.WriteString(": ")
		summary.WriteString(info.PackerName)
	}
	summary.WriteString(" (")
	summary.WriteString(info.LoaderType)
	summary.WriteString(")")

	if info.CanGenerate {
		summary.WriteString(" [可生成脱壳代码]")
	} else {
		summary.WriteString(" [不支持]")
	}
	return summary.String()
}
