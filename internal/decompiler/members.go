package decompiler

import (
	"regexp"
	"strings"

	"github.com/apk-analysis/apk-unboxing-go/internal/javasrc"
)

var (
	methodDeclPattern = regexp.MustCompile(`^\s*(?:@\w+\s+)*((?:(?:public|protected|private|static|final|synchronized|native|abstract|strictfp|default)\s+)*)(?:<[^>]*>\s+)?([\w.$]+(?:<[^;{}()]*>)?(?:\[\])*)\s+([A-Za-z_$][\w$]*)\s*\(`)
	fieldDeclPattern  = regexp.MustCompile(`^\s*((?:(?:public|protected|private|static|final|volatile|transient)\s+)*)([\w.$]+(?:<[^;{}()=]*>)?(?:\[\])*)\s+([A-Za-z_$][\w$]*)\s*(?:=.*)?;\s*(?://.*)?$`)
	extendsPattern    = regexp.MustCompile(`\bextends\s+([\w.$]+)`)
)

// 不能作为返回类型或字段类型的关键字
var declKeywords = map[string]bool{
	"return": true, "new": true, "throw": true, "else": true, "case": true,
	"public": true, "protected": true, "private": true, "static": true,
	"final": true, "abstract": true, "class": true, "interface": true, "enum": true,
	"package": true, "import": true,
}

// parseMembers 扫描类体第一层的方法与字段声明（去重，按出现顺序）
func parseMembers(code, className string) (methods, fields []string) {
	seenMethod := map[string]bool{}
	seenField := map[string]bool{}

	depth := 0
	for _, line := range strings.Split(code, "\n") {
		lineDepth := depth
		depth += javasrc.BraceDelta(line)
		if lineDepth != 1 {
			continue
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "/*") || strings.HasPrefix(trimmed, "*") {
			continue
		}

		if m := methodDeclPattern.FindStringSubmatch(line); m != nil {
			typ, name := m[2], m[3]
			if declKeywords[typ] || name == className || seenMethod[name] {
				continue
			}
			seenMethod[name] = true
			methods = append(methods, name)
			continue
		}

		if m := fieldDeclPattern.FindStringSubmatch(line); m != nil {
			typ, name := m[2], m[3]
			if declKeywords[typ] || seenField[name] {
				continue
			}
			seenField[name] = true
			fields = append(fields, name)
		}
	}
	return methods, fields
}

// resolveSuper 返回父类的全限定名；没有 extends 时返回空串
func resolveSuper(code, className, pkg string) string {
	decl := regexp.MustCompile(`\b(?:class)\s+` + regexp.QuoteMeta(className) + `\b([^{]*)\{`)
	m := decl.FindStringSubmatch(code)
	if m == nil {
		return ""
	}
	ext := extendsPattern.FindStringSubmatch(m[1])
	if ext == nil {
		return ""
	}

	super := ext[1]
	if strings.Contains(super, ".") {
		return super
	}
	for _, imp := range javasrc.Imports(code) {
		if strings.HasSuffix(imp, "."+super) {
			return imp
		}
	}
	if pkg == "" {
		return super
	}
	return pkg + "." + super
}
