// Package reflection 注释掉依赖反射的代码，并沿赋值与方法返回值传播污点直到不动点
package reflection

import (
	"regexp"
	"strings"

	"github.com/emirpasic/gods/sets/hashset"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-unboxing-go/internal/javasrc"
)

// SeedKeywords 初始反射关键字
var SeedKeywords = []string{
	"getMethod",
	"invoke",
	"getDeclaredField",
	"forName",
	"setAccessible",
	"getApplicationContext",
	"newInstance",
	"WeakReference",
}

const (
	methodLinePrefix = "// Unboxer "
	methodNote       = "// Unboxer: Method contains reflection in return statement and was commented out"
	lineNote         = " // Unboxer: Line contains reflection and was commented out"
	placeholder      = "if (true) {"
)

var (
	methodSignature = regexp.MustCompile(`^.*(?:public|protected|private|static|\s)+\s*\S+\s+(method\S+|main|onCreate)\(.*\)[\w\s,.]*\{$`)
	declarationLike = regexp.MustCompile(`(?:^|\s)(?:public|private|protected|static|void)\s+\S`)
	assignTarget    = regexp.MustCompile(`([A-Za-z0-9_$]+)\s*=(?:[^=]|$)`)
	returnWord      = regexp.MustCompile(`\breturn\b`)
)

// Remover 反射污点分析上下文，每次生成创建一个
type Remover struct {
	stack    []string
	analyzed *hashset.Set
	logger   *logrus.Logger

	commentedLines int
	removedMethods []string
}

// New 创建移除器
func New(logger *logrus.Logger) *Remover {
	return &Remover{analyzed: hashset.New(), logger: logger}
}

// Taint 把标识符压入工作栈
func (r *Remover) Taint(names ...string) {
	r.stack = append(r.stack, names...)
}

// Analyzed 判断标识符是否已经处理过
func (r *Remover) Analyzed(name string) bool {
	return r.analyzed.Contains(name)
}

// Pending 工作栈中剩余的标识符数量
func (r *Remover) Pending() int {
	return len(r.stack)
}

// CommentedLines 被单独注释掉的行数
func (r *Remover) CommentedLines() int {
	return r.commentedLines
}

// RemovedMethods 因返回反射值而被整体注释掉的方法
func (r *Remover) RemovedMethods() []string {
	return append([]string(nil), r.removedMethods...)
}

// Remove 对整个源码缓冲区执行反射移除：先用种子关键字扫描，再清空工作栈。
// 每个标识符最多处理一次，栈空时结束。
func (r *Remover) Remove(code string) string {
	for _, kw := range SeedKeywords {
		r.analyzed.Add(kw)
	}
	for _, kw := range SeedKeywords {
		code = r.commentOutMethods(code, keywordPattern(kw))
	}
	for _, kw := range SeedKeywords {
		code = r.commentOutLines(code, keywordPattern(kw))
	}

	for len(r.stack) > 0 {
		name := r.stack[len(r.stack)-1]
		r.stack = r.stack[:len(r.stack)-1]
		if r.analyzed.Contains(name) {
			continue
		}
		r.analyzed.Add(name)

		if r.logger != nil {
			r.logger.WithField("identifier", name).Debug("Propagating reflection taint")
		}
		p := keywordPattern(name)
		code = r.commentOutMethods(code, p)
		code = r.commentOutLines(code, p)
	}
	return code
}

func keywordPattern(kw string) *regexp.Regexp {
	return regexp.MustCompile(`[\[\]\s.()]` + regexp.QuoteMeta(kw) + `[\[\]\s.(),;]`)
}

// commentOutMethods 注释掉 return 语句中出现关键字的方法，并把方法名压栈
func (r *Remover) commentOutMethods(code string, kw *regexp.Regexp) string {
	lines := strings.Split(code, "\n")
	out := make([]string, 0, len(lines))

	var (
		inside  bool
		tainted bool
		depth   int
		name    string
		method  []string
	)
	closeMethod := func() {
		if tainted {
			for _, l := range method {
				out = append(out, methodLinePrefix+l)
			}
			out = append(out, methodNote)
			r.removedMethods = append(r.removedMethods, name)
			r.Taint(name)
		} else {
			out = append(out, method...)
		}
		inside, tainted, method = false, false, nil
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inside {
			if m := methodSignature.FindStringSubmatch(trimmed); m != nil && !strings.HasPrefix(trimmed, "//") {
				inside, name, depth = true, m[1], javasrc.BraceDelta(line)
				method = []string{line}
				if depth <= 0 {
					closeMethod()
				}
				continue
			}
			out = append(out, line)
			continue
		}

		method = append(method, line)
		depth += javasrc.BraceDelta(line)
		if returnWord.MatchString(line) && kw.MatchString(line) && !strings.HasPrefix(trimmed, "//") {
			tainted = true
		}
		if depth <= 0 {
			closeMethod()
		}
	}
	if inside {
		out = append(out, method...)
	}
	return strings.Join(out, "\n")
}

// commentOutLines 注释掉包含关键字的普通语句行，赋值目标作为新的污点压栈
func (r *Remover) commentOutLines(code string, kw *regexp.Regexp) string {
	lines := strings.Split(code, "\n")
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !kw.MatchString(line) ||
			strings.HasPrefix(trimmed, "//") ||
			strings.HasPrefix(trimmed, "import") ||
			declarationLike.MatchString(line) {
			out = append(out, line)
			continue
		}

		if target, ok := taintedTarget(line, kw); ok {
			r.Taint(target)
		}
		out = append(out, CommentOutLine(line)...)
		r.commentedLines++
	}
	return strings.Join(out, "\n")
}

// taintedTarget 对 name = <含关键字的表达式> 返回 name
func taintedTarget(line string, kw *regexp.Regexp) (string, bool) {
	m := assignTarget.FindStringSubmatchIndex(line)
	if m == nil {
		return "", false
	}
	eq := strings.IndexByte(line[m[3]:], '=') + m[3]
	if !kw.MatchString(line[eq:]) {
		return "", false
	}
	return line[m[2]:m[3]], true
}

// CommentOutLine 注释掉一行。以 '{' 结尾的行后面补一行占位的块开头，保持括号配对：
// 以 "} else" 开头的行补 "} else {"，其他以 '}' 开头的行补 "} if (true) {"，其余补 "if (true) {"。
func CommentOutLine(line string) []string {
	commented := "// " + line + lineNote
	trimmed := strings.TrimSpace(line)
	if !strings.HasSuffix(trimmed, "{") {
		return []string{commented}
	}

	indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
	switch {
	case strings.HasPrefix(trimmed, "} else"):
		return []string{commented, indent + "} else {"}
	case strings.HasPrefix(trimmed, "}"):
		return []string{commented, indent + "} " + placeholder}
	default:
		return []string{commented, indent + placeholder}
	}
}
