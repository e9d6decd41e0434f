package decompiler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/apk-analysis/apk-unboxing-go/internal/javasrc"
)

type memberKind int

const (
	methodMember memberKind = iota
	fieldMember
)

// rename 一次结构化重命名，在 Reload 时作用到所有类
type rename struct {
	owner   *Class
	kind    memberKind
	oldName string
	newName string
}

// Project 内存中的反编译工程。
//
// 结构化重命名在工程范围内记录，Reload 时从原始源码重新计算：
// 所属类（及其直接子类）中的声明、this. 引用和未被参数或局部变量遮蔽的非限定引用会改名；
// 任何类中以 Owner.、new Owner(...). 或 Owner 类型变量为接收者的引用也会改名。
type Project struct {
	classes  []*Class
	byName   map[string]*Class
	manifest *Manifest
	renames  []rename
}

// NewProject 创建工程，manifest 可以为 nil
func NewProject(manifest *Manifest) *Project {
	return &Project{
		byName:   make(map[string]*Class),
		manifest: manifest,
	}
}

// AddClass 添加一个顶层类；同名类会被替换
func (p *Project) AddClass(fullName, code string) *Class {
	pkg, name := "", fullName
	if i := strings.LastIndex(fullName, "."); i >= 0 {
		pkg, name = fullName[:i], fullName[i+1:]
	}

	c := &Class{
		project:  p,
		fullName: fullName,
		name:     name,
		pkg:      pkg,
		original: code,
		code:     code,
	}
	c.methods, c.fields = parseMembers(code, name)
	c.superClass = resolveSuper(code, name, pkg)

	if old, ok := p.byName[fullName]; ok {
		for i := range p.classes {
			if p.classes[i] == old {
				p.classes[i] = c
			}
		}
	} else {
		p.classes = append(p.classes, c)
	}
	p.byName[fullName] = c
	return c
}

func (p *Project) Classes() []ClassUnit {
	units := make([]ClassUnit, len(p.classes))
	for i, c := range p.classes {
		units[i] = c
	}
	return units
}

// Class 按全限定名查找
func (p *Project) Class(fullName string) (*Class, bool) {
	c, ok := p.byName[fullName]
	return c, ok
}

func (p *Project) Manifest() *Manifest {
	return p.manifest
}

// Class 工程中的一个顶层类
type Class struct {
	project    *Project
	fullName   string
	name       string
	pkg        string
	original   string
	code       string
	superClass string
	methods    []string
	fields     []string
}

func (c *Class) FullName() string   { return c.fullName }
func (c *Class) Name() string       { return c.name }
func (c *Class) Package() string    { return c.pkg }
func (c *Class) Code() string       { return c.code }
func (c *Class) SuperClass() string { return c.superClass }

func (c *Class) Methods() []string {
	return append([]string(nil), c.methods...)
}

func (c *Class) Fields() []string {
	return append([]string(nil), c.fields...)
}

func (c *Class) RenameMethod(oldName, newName string) error {
	return c.rename(methodMember, oldName, newName)
}

func (c *Class) RenameField(oldName, newName string) error {
	return c.rename(fieldMember, oldName, newName)
}

func (c *Class) rename(kind memberKind, oldName, newName string) error {
	members := &c.methods
	if kind == fieldMember {
		members = &c.fields
	}

	idx := -1
	for i, m := range *members {
		if m == oldName {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("member %s not found in %s", oldName, c.fullName)
	}
	if !javasrc.IsIdentifier(newName) {
		return fmt.Errorf("invalid identifier %q", newName)
	}

	(*members)[idx] = newName
	c.project.renames = append(c.project.renames, rename{
		owner:   c,
		kind:    kind,
		oldName: oldName,
		newName: newName,
	})
	return nil
}

func (c *Class) Reload() error {
	code := c.original
	for _, r := range c.project.renames {
		code = r.apply(c, code)
	}
	c.code = code
	return nil
}

func (r rename) apply(target *Class, code string) string {
	self := target == r.owner
	inherits := target.superClass != "" && target.superClass == r.owner.fullName
	if !self && !javasrc.ContainsWord(code, r.owner.name) {
		return code
	}

	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(r.oldName) + `\b`)
	locs := re.FindAllStringIndex(code, -1)
	if len(locs) == 0 {
		return code
	}

	typed := typedNames(code, r.owner.name)
	var scopes []methodScope
	if r.kind == fieldMember && (self || inherits) {
		scopes = methodScopes(code)
	}

	var b strings.Builder
	last := 0
	for _, loc := range locs {
		isCall := nextNonSpace(code, loc[1]) == '('
		if isCall != (r.kind == methodMember) {
			continue
		}

		q, dotted := qualifier(code, loc[0])
		var ok bool
		switch {
		case !dotted:
			// 非限定引用：方法调用不会被遮蔽，字段需要排除同名参数与局部变量
			ok = (self || inherits) && (isCall || !shadowed(scopes, r.oldName, loc[0]))
		case q == "this":
			ok = self || inherits
		case q == "":
			ok = newInstanceOf(code, loc[0], r.owner.name)
		default:
			q = strings.TrimPrefix(q, "this.")
			ok = q == r.owner.name || q == r.owner.fullName || typed[q]
		}
		if !ok {
			continue
		}

		b.WriteString(code[last:loc[0]])
		b.WriteString(r.newName)
		last = loc[1]
	}
	b.WriteString(code[last:])
	return b.String()
}

func nextNonSpace(s string, i int) byte {
	for ; i < len(s); i++ {
		if s[i] != ' ' && s[i] != '\t' {
			return s[i]
		}
	}
	return 0
}

// qualifier 返回 start 之前 "X." 中的 X；dotted 表示存在 '.'
func qualifier(s string, start int) (q string, dotted bool) {
	i := start - 1
	for i >= 0 && (s[i] == ' ' || s[i] == '\t') {
		i--
	}
	if i < 0 || s[i] != '.' {
		return "", false
	}
	i--
	for i >= 0 && (s[i] == ' ' || s[i] == '\t') {
		i--
	}
	end := i + 1
	for i >= 0 && (isWordByte(s[i]) || s[i] == '.') {
		i--
	}
	return s[i+1 : end], true
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
