package decompiler

import (
	"regexp"
	"strings"

	"github.com/apk-analysis/apk-unboxing-go/internal/javasrc"
)

var scopeHeader = regexp.MustCompile(`\b([A-Za-z_$][\w$]*)\s*\(([^()]*)\)\s*(?:throws\s+[\w$.,\s]+?)?\s*\{`)

// 可以出现在 "(...) {" 之前但不是方法头的关键字
var blockKeywords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"synchronized": true, "try": true, "return": true, "new": true,
}

// 不是类型名的关键字，排除 "return name;" 这类误判
var notTypes = map[string]bool{
	"return": true, "throw": true, "new": true, "case": true, "else": true,
	"yield": true, "assert": true, "break": true, "continue": true, "goto": true,
	"package": true, "import": true,
}

// methodScope 方法或构造函数的文本范围 [start, end)
type methodScope struct {
	start  int
	end    int
	params string
	body   string
}

// methodScopes 找出所有方法与构造函数（含内部类中的），匿名类与控制语句除外
func methodScopes(code string) []methodScope {
	var scopes []methodScope
	for _, m := range scopeHeader.FindAllStringSubmatchIndex(code, -1) {
		name := code[m[2]:m[3]]
		if blockKeywords[name] || previousWord(code, m[2]) == "new" {
			continue
		}
		body := javasrc.BodyFrom(code, m[1])
		scopes = append(scopes, methodScope{
			start:  m[0],
			end:    m[1] + len(body),
			params: code[m[4]:m[5]],
			body:   body,
		})
	}
	return scopes
}

// declares 判断参数列表或方法体中是否声明了同名参数/局部变量
func (s methodScope) declares(name string) bool {
	for _, p := range javasrc.SplitArgs(s.params) {
		fields := strings.Fields(p)
		if len(fields) > 1 && fields[len(fields)-1] == name {
			return true
		}
	}

	decl := regexp.MustCompile(`(?:^|[^\w$.])([\w$]+(?:<[^;(){}=]*>)?(?:\[\])*)\s+` + regexp.QuoteMeta(name) + `\s*(?:[=;:,)]|$)`)
	for _, m := range decl.FindAllStringSubmatch(s.body, -1) {
		if !notTypes[m[1]] {
			return true
		}
	}
	return false
}

// shadowed 判断 pos 处的非限定名字是否被所在方法的参数或局部变量遮蔽
func shadowed(scopes []methodScope, name string, pos int) bool {
	for _, s := range scopes {
		if pos >= s.start && pos < s.end && s.declares(name) {
			return true
		}
	}
	return false
}

// typedNames 收集声明为 typeName 类型的变量、字段与参数名
func typedNames(code, typeName string) map[string]bool {
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(typeName) + `(?:\s*<[^;(){}=]*>)?\s+([A-Za-z_$][\w$]*)\s*[=;:,)]`)
	names := map[string]bool{}
	for _, m := range re.FindAllStringSubmatch(code, -1) {
		names[m[1]] = true
	}
	return names
}

// newInstanceOf 判断 start 之前是否为 "new Type(...)." 形式的接收者
func newInstanceOf(s string, start int, typeName string) bool {
	i := skipSpaceBack(s, start-1)
	if i < 0 || s[i] != '.' {
		return false
	}
	i = skipSpaceBack(s, i-1)
	if i < 0 || s[i] != ')' {
		return false
	}

	depth := 0
	for ; i >= 0; i-- {
		switch s[i] {
		case ')':
			depth++
		case '(':
			depth--
		}
		if depth == 0 {
			break
		}
	}
	if i < 0 {
		return false
	}

	word, wordStart := wordBefore(s, i)
	if word != typeName {
		return false
	}
	kw, _ := wordBefore(s, wordStart)
	return kw == "new"
}

// previousWord 返回 end 之前（跳过空白）紧邻的单词
func previousWord(s string, end int) string {
	word, _ := wordBefore(s, end)
	return word
}

func wordBefore(s string, end int) (string, int) {
	i := skipSpaceBack(s, end-1)
	stop := i + 1
	for i >= 0 && isWordByte(s[i]) {
		i--
	}
	return s[i+1 : stop], i + 1
}

func skipSpaceBack(s string, i int) int {
	for i >= 0 && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i--
	}
	return i
}
