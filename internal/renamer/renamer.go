// Package renamer 为引用类集合中的标识符分配全局唯一的新名字
//
// 结构化阶段通过反编译器重命名方法与字段，文本阶段在重新加载的源码上
// 重命名方法参数与局部变量。
package renamer

import (
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-unboxing-go/internal/decompiler"
	"github.com/apk-analysis/apk-unboxing-go/internal/javasrc"
)

var (
	methodHeader = regexp.MustCompile(`(public|protected|private|static)+\s+[\w\[\]<>]+\s+(\w+)\s*\(([^)]*)\)[\w\s]*\{`)
	localDecl    = regexp.MustCompile(`(\b\w+[\[\]<?>]*)\s+(\b\w+\b)\s*(=|;)`)
	numeric      = regexp.MustCompile(`^\d`)
)

// 结构化阶段保留的方法名
var keptMethods = map[string]bool{
	"<init>":            true,
	"<clinit>":          true,
	"attachBaseContext": true,
	"onCreate":          true,
}

// 出现在类型位置时说明这一行不是声明
var statementKeywords = map[string]bool{
	"return": true, "throw": true, "new": true, "case": true, "else": true,
	"assert": true, "yield": true, "break": true, "continue": true, "goto": true,
	"package": true, "import": true,
}

// Renamer 标识符重命名器
type Renamer struct {
	registry *Registry
	logger   *logrus.Logger
}

// New 创建重命名器
func New(registry *Registry, logger *logrus.Logger) *Renamer {
	return &Renamer{registry: registry, logger: logger}
}

// Registry 返回本次运行的注册表
func (r *Renamer) Registry() *Registry {
	return r.registry
}

// RenameMembers 结构化重命名类中的方法与字段。调用方需要在所有类处理完后再 Reload。
func (r *Renamer) RenameMembers(c decompiler.ClassUnit) {
	for _, m := range c.Methods() {
		if keptMethods[m] || strings.HasPrefix(m, MethodPrefix) {
			continue
		}
		newName := r.registry.Generate(m, MethodPrefix)
		if err := c.RenameMethod(m, newName); err != nil {
			r.warn(c, m, err)
		}
	}

	for _, f := range c.Fields() {
		if strings.HasPrefix(f, FieldPrefix) || strings.HasPrefix(f, MethodPrefix) {
			continue
		}
		newName := r.registry.Generate(f, FieldPrefix)
		if err := c.RenameField(f, newName); err != nil {
			r.warn(c, f, err)
		}
	}
}

// RenameLocals 重新加载类源码并重命名参数与局部变量，返回结果文本
func (r *Renamer) RenameLocals(c decompiler.ClassUnit) (string, error) {
	if err := c.Reload(); err != nil {
		return "", err
	}
	return r.RenameText(c.Code()), nil
}

// RenameText 对原始源码执行文本阶段：方法按出现位置从后往前处理
func (r *Renamer) RenameText(code string) string {
	locs := methodHeader.FindAllStringIndex(code, -1)
	for i := len(locs) - 1; i >= 0; i-- {
		start := locs[i][0]
		m := methodHeader.FindStringSubmatchIndex(code[start:])
		if m == nil || m[0] != 0 {
			continue
		}

		sigEnd := start + m[1]
		head := code[start : start+m[6]]
		params := code[start+m[6] : start+m[7]]
		tail := code[start+m[7] : sigEnd]
		body := javasrc.BodyFrom(code, sigEnd)

		params, newBody := r.renameArgs(params, body)
		newBody = r.renameVars(newBody)

		code = code[:start] + head + params + tail + newBody + code[sigEnd+len(body):]
	}
	return code
}

func (r *Renamer) renameArgs(params, body string) (string, string) {
	for _, p := range strings.Split(params, ",") {
		fields := strings.Fields(p)
		if len(fields) == 0 {
			continue
		}
		name := fields[len(fields)-1]
		for strings.HasSuffix(name, "[]") {
			name = strings.TrimSuffix(name, "[]")
		}
		if !javasrc.IsIdentifier(name) || HasOwnedPrefix(name) {
			continue
		}

		newName := r.registry.Generate(name, ArgPrefix)
		body = javasrc.ReplaceWord(body, name, newName)
		params = javasrc.ReplaceWord(params, name, newName)
	}
	return params, body
}

func (r *Renamer) renameVars(body string) string {
	renamed := map[string]bool{}
	for _, m := range localDecl.FindAllStringSubmatch(body, -1) {
		typ, name := m[1], m[2]
		if renamed[name] || !isLocalCandidate(typ, name) {
			continue
		}
		renamed[name] = true

		newName := r.registry.Generate(name, VarPrefix)
		if strings.HasPrefix(name, MethodPrefix) {
			body = javasrc.ReplaceWordNotCall(body, name, newName)
		} else {
			body = javasrc.ReplaceWordNotMember(body, name, newName)
		}
	}
	return body
}

func isLocalCandidate(typ, name string) bool {
	switch {
	case numeric.MatchString(name), name == "true", name == "false", name == "null":
		return false
	case strings.HasPrefix(name, VarPrefix), strings.HasPrefix(name, ArgPrefix), strings.HasPrefix(name, FieldPrefix):
		return false
	case statementKeywords[typ]:
		return false
	}
	return true
}

func (r *Renamer) warn(c decompiler.ClassUnit, member string, err error) {
	if r.logger == nil {
		return
	}
	r.logger.WithFields(logrus.Fields{
		"class":  c.FullName(),
		"member": member,
	}).WithError(err).Warn("Structural rename failed")
}
