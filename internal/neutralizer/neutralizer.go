// Package neutralizer 把依赖 Android 运行时的 API 调用改写为可以在普通 JVM 上运行的等价代码
package neutralizer

import (
	"strings"

	"github.com/emirpasic/gods/sets/linkedhashset"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-unboxing-go/internal/renamer"
)

// Marker 每处改写行尾追加的注释前缀
const Marker = " // Unboxer: "

// SDKInt 替换 Build.VERSION.SDK_INT 的固定值
const SDKInt = "30"

// 只在 Android 运行时存在的包前缀
var androidPrefixes = []string{"android", "com.android", "dalvik", "com.xiaomi"}

// 参与规则匹配的 import 首段
var candidateRoots = map[string]bool{"android": true, "com": true, "dalvik": true}

// Env 一次生成过程的环境
type Env struct {
	ClassName   string // 生成的入口类名
	PackageName string // 应用包名
	APKPath     string
	Registry    *renamer.Registry
}

type rule func(n *Neutralizer, code string) string

// catalog import → 改写规则
var catalog = map[string]rule{
	"android.content.Context":            (*Neutralizer).rewriteContextCalls,
	"android.app.Application":            (*Neutralizer).rewriteContextCalls,
	"android.os.Build":                   (*Neutralizer).hardcodeSDKInt,
	"android.content.pm.ApplicationInfo": (*Neutralizer).replaceSourceDir,
	"android.util.ArrayMap":              (*Neutralizer).replaceArrayMap,
	"dalvik.system.DexClassLoader":       (*Neutralizer).printDexClassLoader,
}

// Neutralizer Android API 改写器，每次生成创建一个
type Neutralizer struct {
	env         Env
	logger      *logrus.Logger
	recognized  *linkedhashset.Set
	unsupported *linkedhashset.Set
	tainted     *linkedhashset.Set
}

// New 创建改写器
func New(env Env, logger *logrus.Logger) *Neutralizer {
	if env.Registry == nil {
		env.Registry = renamer.NewRegistry(nil)
	}
	return &Neutralizer{
		env:         env,
		logger:      logger,
		recognized:  linkedhashset.New(),
		unsupported: linkedhashset.New(),
		tainted:     linkedhashset.New(),
	}
}

// Apply 按类声明的 import 依次应用目录中的规则
func (n *Neutralizer) Apply(code string, imports []string) string {
	for _, imp := range imports {
		root := imp
		if i := strings.IndexByte(imp, '.'); i >= 0 {
			root = imp[:i]
		}
		if !candidateRoots[root] {
			continue
		}

		if fn, ok := catalog[imp]; ok {
			code = fn(n, code)
			n.recognized.Add(imp)
			continue
		}

		if IsAndroidImport(imp) && !n.unsupported.Contains(imp) {
			n.unsupported.Add(imp)
			if n.logger != nil {
				n.logger.WithField("import", imp).Warn("Unsupported android import, left untouched")
			}
		}
	}
	return code
}

// RecognizedImports 本次运行命中目录的不同 import 数量
func (n *Neutralizer) RecognizedImports() int {
	return n.recognized.Size()
}

// Unsupported 未识别的 Android import
func (n *Neutralizer) Unsupported() []string {
	return toStrings(n.unsupported.Values())
}

// Tainted 被改写掉的 DexClassLoader 变量名，后续使用需要按反射值处理
func (n *Neutralizer) Tainted() []string {
	return toStrings(n.tainted.Values())
}

// IsAndroidImport 判断 import 是否只存在于 Android 运行时
func IsAndroidImport(imp string) bool {
	for _, p := range androidPrefixes {
		if strings.HasPrefix(imp, p) {
			return true
		}
	}
	return false
}

func toStrings(values []interface{}) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.(string)
	}
	return out
}

// javaString 返回 Java 字符串字面量
func javaString(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

func indentOf(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}

func isImportOrComment(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "import ") || strings.HasPrefix(t, "//")
}
