package javasrc

import (
	"regexp"
	"strings"
)

func wordPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`)
}

// ReplaceWord 整词替换 name
func ReplaceWord(s, name, repl string) string {
	return wordPattern(name).ReplaceAllLiteralString(s, repl)
}

// ReplaceWordNotCall 整词替换 name，但跳过紧跟 '(' 的出现（方法调用）
func ReplaceWordNotCall(s, name, repl string) string {
	return replaceMatches(s, wordPattern(name), repl, func(_, end int) bool {
		return end >= len(s) || s[end] != '('
	})
}

// ReplaceWordNotMember 整词替换 name，但跳过前面是 '.' 的出现（成员访问）
func ReplaceWordNotMember(s, name, repl string) string {
	return replaceMatches(s, wordPattern(name), repl, func(start, _ int) bool {
		return start == 0 || s[start-1] != '.'
	})
}

// ContainsWord 判断 s 中是否存在整词 name
func ContainsWord(s, name string) bool {
	return wordPattern(name).MatchString(s)
}

func replaceMatches(s string, re *regexp.Regexp, repl string, keep func(start, end int) bool) string {
	locs := re.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, loc := range locs {
		if !keep(loc[0], loc[1]) {
			continue
		}
		b.WriteString(s[last:loc[0]])
		b.WriteString(repl)
		last = loc[1]
	}
	b.WriteString(s[last:])
	return b.String()
}
