package renamer

import (
	"math/rand"
	"strings"
	"time"

	"github.com/emirpasic/gods/sets/hashset"
)

// 重命名前缀
const (
	MethodPrefix = "method_"
	FieldPrefix  = "field_"
	ArgPrefix    = "arg_"
	VarPrefix    = "var_"
)

const (
	suffixLength   = 8
	suffixAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Registry 一次生成过程中已分配的标识符。不是并发安全的，每次运行创建一个。
type Registry struct {
	names *hashset.Set
	rnd   *rand.Rand
}

// NewRegistry 创建注册表；rnd 为 nil 时使用当前时间作为种子
func NewRegistry(rnd *rand.Rand) *Registry {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Registry{names: hashset.New(), rnd: rnd}
}

// Generate 返回 prefix + original + "_" + 8 位随机字母数字，保证此前未分配过
func (r *Registry) Generate(original, prefix string) string {
	for {
		name := prefix + original + "_" + r.suffix()
		if !r.names.Contains(name) {
			r.names.Add(name)
			return name
		}
	}
}

// Reserve 登记一个外部已存在的标识符
func (r *Registry) Reserve(name string) {
	r.names.Add(name)
}

func (r *Registry) Contains(name string) bool {
	return r.names.Contains(name)
}

func (r *Registry) Len() int {
	return r.names.Size()
}

// Reset 清空注册表，用于下一次运行
func (r *Registry) Reset() {
	r.names.Clear()
}

func (r *Registry) suffix() string {
	b := make([]byte, suffixLength)
	for i := range b {
		b[i] = suffixAlphabet[r.rnd.Intn(len(suffixAlphabet))]
	}
	return string(b)
}

// HasOwnedPrefix 判断标识符是否已经由重命名器生成
func HasOwnedPrefix(name string) bool {
	for _, p := range []string{MethodPrefix, FieldPrefix, ArgPrefix, VarPrefix} {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
