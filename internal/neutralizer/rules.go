package neutralizer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/apk-analysis/apk-unboxing-go/internal/javasrc"
	"github.com/apk-analysis/apk-unboxing-go/internal/renamer"
)

// receiverChain 调用前的接收者链，例如 ctx. / getApplicationContext(). / new Context().
const receiverChain = `(?:new\s+[\w$]+\(\)\.)?(?:[\w$]+(?:\(\))?\.)*`

var (
	sdkIntRef       = regexp.MustCompile(`\b(?:[A-Za-z_$][\w$]*\.)*SDK_INT\b`)
	sourceDirRef    = regexp.MustCompile(`(?:new\s+[\w$]+\(\)\.)?\b(?:[\w$]+(?:\(\))?\.)+sourceDir\b`)
	packageNameCall = regexp.MustCompile(receiverChain + `getPackageName\(\)`)
	packageNameDecl = regexp.MustCompile(`\bgetPackageName\(\)\s*(?:\{|throws\b)`)
	getDirCall      = regexp.MustCompile(receiverChain + `getDir\(`)
	fileStreamCall  = regexp.MustCompile(receiverChain + `getFileStreamPath\(`)
	dexLoaderCall   = regexp.MustCompile(`new\s+DexClassLoader\(`)
	dexLoaderAssign = regexp.MustCompile(`([A-Za-z_$][\w$]*)\s*=\s*new\s+DexClassLoader\(`)
	assignmentHead  = regexp.MustCompile(`^(.*[^=!<>+\-*/%&|^])=$`)
	arrayMapPattern = regexp.MustCompile(`\bArrayMap\b`)
)

// hardcodeSDKInt 把 SDK_INT 引用替换为固定值
func (n *Neutralizer) hardcodeSDKInt(code string) string {
	return eachLine(code, func(line string) string {
		if !strings.Contains(line, "SDK_INT") || isImportOrComment(line) {
			return line
		}
		replaced := sdkIntRef.ReplaceAllLiteralString(line, SDKInt)
		if replaced == line {
			return line
		}
		return replaced + Marker + "Hardcode build SDK_INT"
	})
}

// replaceSourceDir 把 ApplicationInfo.sourceDir 替换为 APK 路径字面量
func (n *Neutralizer) replaceSourceDir(code string) string {
	literal := javaString(n.env.APKPath)
	return eachLine(code, func(line string) string {
		if !strings.Contains(line, ".sourceDir") || isImportOrComment(line) {
			return line
		}
		replaced := sourceDirRef.ReplaceAllLiteralString(line, literal)
		if replaced == line {
			return line
		}
		return replaced + Marker + "Replacing sourceDir with path to APK"
	})
}

// replaceArrayMap 把 ArrayMap 换成 HashMap
func (n *Neutralizer) replaceArrayMap(code string) string {
	changed := false
	code = eachLine(code, func(line string) string {
		if isImportOrComment(line) || !arrayMapPattern.MatchString(line) {
			return line
		}
		changed = true
		return arrayMapPattern.ReplaceAllLiteralString(line, "HashMap") + Marker + "Replacing ArrayMap with HashMap"
	})
	if changed {
		code = javasrc.InsertImport(code, "java.util.HashMap")
	}
	return code
}

// printDexClassLoader 把 new DexClassLoader(path, ...) 所在行替换为打印 dex 路径
func (n *Neutralizer) printDexClassLoader(code string) string {
	return eachLine(code, func(line string) string {
		if isImportOrComment(line) {
			return line
		}
		loc := dexLoaderCall.FindStringIndex(line)
		if loc == nil {
			return line
		}

		open := loc[1] - 1
		end := javasrc.MatchParen(line, open)
		if end < 0 {
			end = len(line)
		}
		args := javasrc.SplitArgs(line[open+1 : end])
		if len(args) == 0 || args[0] == "" {
			return line
		}

		if m := dexLoaderAssign.FindStringSubmatch(line); m != nil {
			n.tainted.Add(m[1])
		}
		return indentOf(line) + "System.out.println(" + args[0] + ");" + Marker + "Replacing DexClassLoader call with directory print"
	})
}

// rewriteContextCalls 改写 getDir / getFileStreamPath / getPackageName
func (n *Neutralizer) rewriteContextCalls(code string) string {
	changed := false
	code = eachLine(code, func(line string) string {
		if isImportOrComment(line) {
			return line
		}
		if out, ok := n.rewriteFileCall(line, getDirCall, 2, "Change to current directory"); ok {
			changed = true
			return out
		}
		if out, ok := n.rewriteFileCall(line, fileStreamCall, 1, "Redirect to dynamic directory"); ok {
			changed = true
			return out
		}
		return n.hardcodePackageName(line)
	})
	if changed {
		code = javasrc.InsertImport(code, "java.io.File")
	}
	return code
}

// rewriteFileCall 把返回 File 的 Context 方法替换为当前目录下的 <入口类>_dynamic 子目录。
// 赋值语句直接给目标变量赋值并创建目录，其余语句先把结果提到临时变量中。
func (n *Neutralizer) rewriteFileCall(line string, call *regexp.Regexp, arity int, note string) (string, bool) {
	loc := call.FindStringIndex(line)
	if loc == nil {
		return line, false
	}
	open := loc[1] - 1
	end := javasrc.MatchParen(line, open)
	if end < 0 {
		return line, false
	}
	args := javasrc.SplitArgs(line[open+1 : end])
	if len(args) != arity {
		return line, false
	}

	indent := indentOf(line)
	expr := fmt.Sprintf(`new File(System.getProperty("user.dir") + "/%s_dynamic", %s)`, n.env.ClassName, args[0])
	head := strings.TrimSpace(line[:loc[0]])
	rest := line[end+1:]
	marker := Marker + note

	if m := assignmentHead.FindStringSubmatch(head); m != nil && strings.HasPrefix(strings.TrimSpace(rest), ";") {
		decl := strings.TrimSpace(m[1])
		fields := strings.Fields(decl)
		target := fields[len(fields)-1]
		return indent + decl + " = " + expr + ";\n" +
			indent + mkdirs(target) + marker, true
	}

	tmp := n.env.Registry.Generate("tmp", renamer.VarPrefix)
	return indent + "File " + tmp + " = " + expr + ";\n" +
		indent + mkdirs(tmp) + "\n" +
		line[:loc[0]] + tmp + rest + marker, true
}

func mkdirs(name string) string {
	return "if (!" + name + ".exists()) { " + name + ".mkdirs(); }"
}

// hardcodePackageName 把 getPackageName() 调用（含限定前缀）替换为包名字面量
func (n *Neutralizer) hardcodePackageName(line string) string {
	if !strings.Contains(line, "getPackageName()") || packageNameDecl.MatchString(line) {
		return line
	}
	replaced := packageNameCall.ReplaceAllLiteralString(line, javaString(n.env.PackageName))
	return replaced + Marker + "Hardcode package name"
}

func eachLine(code string, fn func(line string) string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		lines[i] = fn(line)
	}
	return strings.Join(lines, "\n")
}
