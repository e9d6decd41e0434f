package neutralizer

import (
	"regexp"

	"github.com/apk-analysis/apk-unboxing-go/internal/javasrc"
)

const (
	contextStub     = "class Context {\n    // Stub for android.content.Context\n}\n"
	applicationStub = "class Application {\n    // Stub for android.app.Application\n}\n"
)

var (
	contextDecl     = regexp.MustCompile(`\bclass\s+Context\b`)
	applicationDecl = regexp.MustCompile(`\bclass\s+Application\b`)
)

// InsertStubs 在最后一条 import 之后插入 Context 与 Application 的空实现，已存在时跳过
func InsertStubs(code string) string {
	if !contextDecl.MatchString(code) {
		code = javasrc.InsertAfterImports(code, contextStub)
	}
	if !applicationDecl.MatchString(code) {
		code = javasrc.InsertAfterImports(code, applicationStub)
	}
	return code
}

// IsStubClass 判断类名是否为插入的 Android 替身类
func IsStubClass(name string) bool {
	return name == "Context" || name == "Application"
}
