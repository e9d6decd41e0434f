// Package resolver 计算入口类引用到的同包类集合
package resolver

import (
	"strings"

	"github.com/emirpasic/gods/sets/linkedhashset"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-unboxing-go/internal/decompiler"
)

// resourceClass 资源类 R 永远不进入集合
const resourceClass = "R"

// Resolver 引用解析器
type Resolver struct {
	logger *logrus.Logger
}

// New 创建解析器
func New(logger *logrus.Logger) *Resolver {
	return &Resolver{logger: logger}
}

// Resolve 返回从 entry 出发、按深度优先发现顺序排列的传递引用集合（含 entry）。
// 只跟随与 entry 同包的类，引用判定是类源码中包含另一个类的简单名（子串匹配）。
func (r *Resolver) Resolve(entry decompiler.ClassUnit, universe []decompiler.ClassUnit) []decompiler.ClassUnit {
	visited := linkedhashset.New()
	byName := make(map[string]decompiler.ClassUnit, len(universe)+1)
	byName[entry.FullName()] = entry

	var visit func(c decompiler.ClassUnit)
	visit = func(c decompiler.ClassUnit) {
		visited.Add(c.FullName())
		code := c.Code()

		for _, d := range universe {
			if d.Package() != c.Package() || d.Name() == resourceClass {
				continue
			}
			if visited.Contains(d.FullName()) || !strings.Contains(code, d.Name()) {
				continue
			}
			byName[d.FullName()] = d
			visit(d)
		}
	}
	visit(entry)

	classes := make([]decompiler.ClassUnit, 0, visited.Size())
	for _, v := range visited.Values() {
		classes = append(classes, byName[v.(string)])
	}

	if r.logger != nil {
		r.logger.WithFields(logrus.Fields{
			"entry":   entry.FullName(),
			"classes": len(classes),
		}).Debug("Resolved referenced classes")
	}
	return classes
}

// Names 返回类的全限定名列表
func Names(classes []decompiler.ClassUnit) []string {
	names := make([]string, len(classes))
	for i, c := range classes {
		names[i] = c.FullName()
	}
	return names
}
