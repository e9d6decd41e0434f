package javasrc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBodyFrom(t *testing.T) {
	src := "void a() { if (x) { y(); } }\nvoid b() {}"
	start := strings.Index(src, "{") + 1

	assert.Equal(t, " if (x) { y(); } }", BodyFrom(src, start))
	assert.Equal(t, " unterminated {", BodyFrom("{ unterminated {", 1))
	assert.Equal(t, "", BodyFrom("{", 1))
}

func TestBraceDelta(t *testing.T) {
	assert.Equal(t, 1, BraceDelta("public void a() {"))
	assert.Equal(t, -1, BraceDelta("    }"))
	assert.Equal(t, 0, BraceDelta("} else {"))
}

func TestIsIdentifier(t *testing.T) {
	assert.True(t, IsIdentifier("context"))
	assert.True(t, IsIdentifier("$r8"))
	assert.False(t, IsIdentifier("Map<String"))
	assert.False(t, IsIdentifier("1abc"))
	assert.False(t, IsIdentifier(""))
}

func TestImports(t *testing.T) {
	src := `package com.a;

import android.os.Build;
import java.io.File;
// import android.util.Log;
import static java.lang.Math.max;
`
	assert.Equal(t, []string{"android.os.Build", "java.io.File", "java.lang.Math.max"}, Imports(src))
	assert.True(t, HasImport(src, "java.io.File"))
	assert.False(t, HasImport(src, "android.util.Log"))
	assert.Equal(t, "com.a", PackageName(src))
}

func TestInsertImport(t *testing.T) {
	t.Run("before first import", func(t *testing.T) {
		src := "package com.a;\n\nimport android.util.ArrayMap;\nclass A {}\n"
		out := InsertImport(src, "java.util.HashMap")
		assert.Equal(t, "package com.a;\n\nimport java.util.HashMap;\nimport android.util.ArrayMap;\nclass A {}\n", out)
		assert.Equal(t, out, InsertImport(out, "java.util.HashMap"))
	})

	t.Run("after package without imports", func(t *testing.T) {
		out := InsertImport("package com.a;\nclass A {}\n", "java.io.File")
		assert.Equal(t, "package com.a;\nimport java.io.File;\nclass A {}\n", out)
	})

	t.Run("no package", func(t *testing.T) {
		assert.Equal(t, "import java.io.File;\nclass A {}", InsertImport("class A {}", "java.io.File"))
	})
}

func TestInsertAfterImports(t *testing.T) {
	src := "package a;\nimport x.Y;\nimport x.Z;\nclass A {}\npackage a;\nimport q.R;\nclass B {}\n"
	out := InsertAfterImports(src, "class Stub {}\n")
	assert.Equal(t, "package a;\nimport x.Y;\nimport x.Z;\nclass A {}\npackage a;\nimport q.R;\nclass Stub {}\nclass B {}\n", out)

	assert.Equal(t, "package a;\nclass Stub {}\nclass A {}", InsertAfterImports("package a;\nclass A {}", "class Stub {}\n"))
	assert.Equal(t, "class A {}\nclass Stub {}\n", InsertAfterImports("class A {}", "class Stub {}\n"))
}

func TestReplaceWord(t *testing.T) {
	body := "int x = 1; foo(x); int xx = x + 1;"
	assert.Equal(t, "int y = 1; foo(y); int xx = y + 1;", ReplaceWord(body, "x", "y"))
}

func TestReplaceWordNotCall(t *testing.T) {
	body := "method_a = 1; method_a(); use(method_a);"
	assert.Equal(t, "v = 1; method_a(); use(v);", ReplaceWordNotCall(body, "method_a", "v"))
}

func TestReplaceWordNotMember(t *testing.T) {
	body := "size = list.size; print(size);"
	assert.Equal(t, "n = list.size; print(n);", ReplaceWordNotMember(body, "size", "n"))
	assert.True(t, ContainsWord(body, "size"))
	assert.False(t, ContainsWord(body, "siz"))
}

func TestMatchParen(t *testing.T) {
	s := `getDir(name + ")", foo(1)) + 2`
	assert.Equal(t, strings.Index(s, " + 2")-1, MatchParen(s, strings.Index(s, "(")))
	assert.Equal(t, -1, MatchParen("getDir(a", 6))
	assert.Equal(t, -1, MatchParen("abc", 0))
}

func TestSplitArgs(t *testing.T) {
	assert.Equal(t, []string{`"a,b"`, "foo(1, 2)", "0"}, SplitArgs(`"a,b", foo(1, 2), 0`))
	assert.Equal(t, []string{"x"}, SplitArgs(" x "))
	assert.Nil(t, SplitArgs("  "))
}
