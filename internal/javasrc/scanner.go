// Package javasrc 提供对反编译 Java 源码的轻量文本扫描工具。
//
// 这里没有语法树：所有函数都直接处理原始文本，只跟踪括号深度与单词边界。
package javasrc

import (
	"regexp"
	"strings"
)

var (
	importPattern  = regexp.MustCompile(`(?m)^[ \t]*import[ \t]+(?:static[ \t]+)?([\w.*$]+)[ \t]*;`)
	importLine     = regexp.MustCompile(`(?m)^[ \t]*import[ \t]+[^;\n]+;[^\n]*$`)
	packagePattern = regexp.MustCompile(`(?m)^[ \t]*package[ \t]+([\w.]+)[ \t]*;[^\n]*$`)
	identPattern   = regexp.MustCompile(`^[A-Za-z_$][\w$]*$`)
)

// BodyFrom 从 start（紧跟在 '{' 之后的位置）开始计数花括号，
// 返回直到匹配的 '}'（含）为止的文本；括号不平衡时返回剩余全部文本
func BodyFrom(src string, start int) string {
	if start >= len(src) {
		return ""
	}
	depth := 1
	for i := start; i < len(src); i++ {
		switch src[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return src[start : i+1]
			}
		}
	}
	return src[start:]
}

// BraceDelta 返回一行中 '{' 与 '}' 的数量差
func BraceDelta(line string) int {
	return strings.Count(line, "{") - strings.Count(line, "}")
}

// IsIdentifier 判断 name 是否为合法的 Java 标识符
func IsIdentifier(name string) bool {
	return identPattern.MatchString(name)
}

// Imports 按出现顺序返回所有 import 的全限定名
func Imports(src string) []string {
	matches := importPattern.FindAllStringSubmatch(src, -1)
	imports := make([]string, 0, len(matches))
	for _, m := range matches {
		imports = append(imports, m[1])
	}
	return imports
}

// HasImport 判断源码是否已导入 fqcn
func HasImport(src, fqcn string) bool {
	for _, imp := range Imports(src) {
		if imp == fqcn {
			return true
		}
	}
	return false
}

// PackageName 返回第一条 package 声明中的包名
func PackageName(src string) string {
	if m := packagePattern.FindStringSubmatch(src); m != nil {
		return m[1]
	}
	return ""
}

// InsertImport 在第一条 import 之前插入 import；没有 import 时放在 package 声明之后
func InsertImport(src, fqcn string) string {
	if HasImport(src, fqcn) {
		return src
	}
	stmt := "import " + fqcn + ";\n"

	if loc := importLine.FindStringIndex(src); loc != nil {
		return src[:loc[0]] + stmt + src[loc[0]:]
	}
	if loc := packagePattern.FindStringIndex(src); loc != nil {
		return src[:loc[1]] + "\n" + strings.TrimSuffix(stmt, "\n") + src[loc[1]:]
	}
	return stmt + src
}

// InsertAfterImports 在最后一条 import 所在行之后插入 text；
// 没有 import 时插入到第一行之后
func InsertAfterImports(src, text string) string {
	at := 0
	if locs := importLine.FindAllStringIndex(src, -1); len(locs) > 0 {
		at = locs[len(locs)-1][1]
	} else if nl := strings.IndexByte(src, '\n'); nl >= 0 {
		at = nl
	} else {
		return src + "\n" + text
	}
	// at 指向行尾的 '\n'（或文本末尾）
	if at < len(src) {
		at++
		return src[:at] + text + src[at:]
	}
	return src + "\n" + text
}
