// Package decompiler 定义反编译结果的访问接口
//
// 变换流水线只通过 ClassUnit/Source 读取类源码并请求结构化重命名，
// 具体由 jadx 命令行（JadxLoader）或内存工程（Project）实现。
package decompiler

import (
	"context"
	"strings"
)

// ApplicationClass android.app.Application 的全限定名
const ApplicationClass = "android.app.Application"

// ClassUnit 反编译器中的一个顶层类
type ClassUnit interface {
	FullName() string
	Name() string
	Package() string
	Code() string
	SuperClass() string
	Methods() []string
	Fields() []string
	RenameMethod(oldName, newName string) error
	RenameField(oldName, newName string) error
	// Reload 让此前的结构化重命名反映到 Code() 中
	Reload() error
}

// Source 一次反编译的全部结果
type Source interface {
	Classes() []ClassUnit
	Manifest() *Manifest
}

// Loader 反编译 APK
type Loader interface {
	Load(ctx context.Context, apkPath string) (Source, error)
}

// FindApplicationSubclass 查找继承 android.app.Application 的类。
// 清单中声明的 application 类优先，其次按类顺序取第一个（含间接继承）。
func FindApplicationSubclass(src Source) (ClassUnit, bool) {
	classes := src.Classes()
	byName := make(map[string]ClassUnit, len(classes))
	for _, c := range classes {
		byName[c.FullName()] = c
	}

	isApp := func(c ClassUnit) bool {
		seen := map[string]bool{}
		for c != nil && !seen[c.FullName()] {
			seen[c.FullName()] = true
			super := c.SuperClass()
			if super == ApplicationClass {
				return true
			}
			c = byName[super]
		}
		return false
	}

	if m := src.Manifest(); m != nil && m.Application != "" {
		if c, ok := byName[m.Application]; ok && isApp(c) {
			return c, true
		}
	}
	for _, c := range classes {
		if isApp(c) {
			return c, true
		}
	}
	return nil, false
}

// DexClassFiles 返回反编译得到的类，格式为 a/b/C.class
func DexClassFiles(src Source) []string {
	classes := src.Classes()
	files := make([]string, 0, len(classes))
	for _, c := range classes {
		files = append(files, ClassFile(c.FullName()))
	}
	return files
}

// ClassFile 把全限定类名转换为 a/b/C.class
func ClassFile(fullName string) string {
	return strings.ReplaceAll(fullName, ".", "/") + ".class"
}

// PackageName 返回清单包名；清单不可用时退回到类的包名
func PackageName(src Source, fallback ClassUnit) string {
	if m := src.Manifest(); m != nil && m.Package != "" {
		return m.Package
	}
	if fallback != nil {
		return fallback.Package()
	}
	return ""
}
