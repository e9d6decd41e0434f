package unpacker

import (
	"regexp"
	"strings"

	"github.com/apk-analysis/apk-unboxing-go/internal/neutralizer"
	"github.com/apk-analysis/apk-unboxing-go/internal/renamer"
)

var (
	packageDecl = regexp.MustCompile(`(?m)^([ \t]*)(package[ \t]+[\w.]+[ \t]*;)`)
	importDecl  = regexp.MustCompile(`(?m)^([ \t]*)(import[ \t]+(?:static[ \t]+)?([\w.*$]+)[ \t]*;)`)
	thisQual    = regexp.MustCompile(`\bthis\.`)

	methodDecl = regexp.MustCompile(`^(\s*)((?:(?:public|protected|private|static|final|synchronized|abstract|native|strictfp)\s+)*)([\w$.\[\]<>?][\w$.\[\]<>?, ]*?)\s+(` + renamer.MethodPrefix + `[\w$]+)\s*\(.*\)[\w\s,.]*\{\s*(?://.*)?$`)
	fieldDecl  = regexp.MustCompile(`^(\s*)((?:(?:public|protected|private|static|final|volatile|transient)\s+)*)([\w$.\[\]<>?][\w$.\[\]<>?, ]*?)\s+(` + renamer.FieldPrefix + `[\w$]+)\s*(?:=.*)?;\s*(?://.*)?$`)
	accessMod  = regexp.MustCompile(`^(?:public|protected|private)\s+`)
)

// 出现在类型位置时说明这一行是语句而不是声明
var statementWords = map[string]bool{
	"return": true, "throw": true, "new": true, "else": true, "case": true,
	"yield": true, "assert": true, "goto": true, "break": true, "continue": true,
}

// commentPackages 注释掉所有 package 声明，写文件时再按块恢复
func commentPackages(code string) string {
	return packageDecl.ReplaceAllString(code, "$1// $2")
}

// stripThis 去掉所有 this. 限定
func stripThis(code string) string {
	return thisQual.ReplaceAllLiteralString(code, "")
}

// commentAndroidImports 注释掉只在 Android 运行时存在的 import
func commentAndroidImports(code string) string {
	return importDecl.ReplaceAllStringFunc(code, func(stmt string) string {
		m := importDecl.FindStringSubmatch(stmt)
		if !neutralizer.IsAndroidImport(m[3]) {
			return stmt
		}
		return m[1] + "// " + m[2]
	})
}

// makeStatic 给重命名器生成的方法（method_）与字段（field_）声明加上 static
func makeStatic(code string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "//") {
			continue
		}
		if m := methodDecl.FindStringSubmatchIndex(line); m != nil {
			lines[i] = addStatic(line, m)
			continue
		}
		if m := fieldDecl.FindStringSubmatchIndex(line); m != nil {
			lines[i] = addStatic(line, m)
		}
	}
	return strings.Join(lines, "\n")
}

// addStatic 在访问修饰符之后插入 static；已是 static、abstract 或实际是语句时原样返回
func addStatic(line string, m []int) string {
	modifiers := line[m[4]:m[5]]
	typ := strings.TrimSpace(line[m[6]:m[7]])
	if first := strings.Fields(typ); len(first) > 0 && statementWords[first[0]] {
		return line
	}
	for _, mod := range strings.Fields(modifiers) {
		if mod == "static" || mod == "abstract" {
			return line
		}
	}

	at := m[4]
	if loc := accessMod.FindStringIndex(modifiers); loc != nil {
		at += loc[1]
	}
	return line[:at] + "static " + line[at:]
}
