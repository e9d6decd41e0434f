package unpacker

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/apk-analysis/apk-unboxing-go/internal/javasrc"
	"github.com/apk-analysis/apk-unboxing-go/internal/neutralizer"
)

const mainSignature = "public static void main(String[] args)"

var (
	nonWord            = regexp.MustCompile(`\W`)
	extendsApplication = regexp.MustCompile(`\s+extends\s+(?:android\.app\.)?Application\b`)
	frameworkOverride  = regexp.MustCompile(`@Override\s*// android\.(?:app\.Application|content\.ContextWrapper)[^\n]*`)
	superAttach        = regexp.MustCompile(`super\.attachBaseContext\(\s*[\w$]+\s*\);`)
	superOnCreate      = regexp.MustCompile(`super\.onCreate\(\s*\);`)
	attachBaseContext  = regexp.MustCompile(`(?:(?:public|protected|private)\s+)?(?:final\s+)?void\s+attachBaseContext\(\s*(?:final\s+)?(?:android\.content\.)?Context\s+([\w$]+)\s*\)`)
	onCreate           = regexp.MustCompile(`(?:(?:public|protected|private)\s+)?(?:final\s+)?void\s+onCreate\(\s*\)`)
)

// EntryClassName 由 APK 文件名生成入口类名：Unpacker_ + 文件名（去扩展名、非单词字符换成 _）前 10 个字符
func EntryClassName(apkPath string) string {
	base := baseName(apkPath)
	base = nonWord.ReplaceAllString(base, "_")
	if len(base) > 10 {
		base = base[:10]
	}
	return ClassPrefix + base
}

func baseName(apkPath string) string {
	name := filepath.Base(apkPath)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// convertEntry 把 Application 子类改写为带静态 main 的入口类
func convertEntry(code, simpleName, className string) string {
	code = javasrc.ReplaceWord(code, simpleName, className)
	code = extendsApplication.ReplaceAllLiteralString(code, "")
	code = frameworkOverride.ReplaceAllLiteralString(code, "")
	code = superAttach.ReplaceAllLiteralString(code,
		"//super.attachBaseContext(context);"+neutralizer.Marker+"Remove superclass reference")
	code = superOnCreate.ReplaceAllLiteralString(code,
		"//super.onCreate();"+neutralizer.Marker+"Remove superclass reference")

	if converted, ok := attachToMain(code); ok {
		return converted
	}
	if loc := onCreate.FindStringIndex(code); loc != nil {
		return code[:loc[0]] + mainSignature + code[loc[1]:]
	}
	return code
}

// attachToMain 把 attachBaseContext(Context p) 换成 main，p 在全文中替换为 new Context()
func attachToMain(code string) (string, bool) {
	m := attachBaseContext.FindStringSubmatchIndex(code)
	if m == nil {
		return code, false
	}
	param := code[m[2]:m[3]]
	code = code[:m[0]] + mainSignature + code[m[1]:]
	return javasrc.ReplaceWord(code, param, "new Context()"), true
}
