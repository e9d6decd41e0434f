package renamer

import (
	"math/rand"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-unboxing-go/internal/decompiler"
)

var suffixPattern = regexp.MustCompile(`_[A-Za-z0-9]{8}\b`)

func seeded(seed int64) *Registry {
	return NewRegistry(rand.New(rand.NewSource(seed)))
}

// TestRegistry_Generate 测试名字格式
func TestRegistry_Generate(t *testing.T) {
	reg := seeded(1)

	name := reg.Generate("x", VarPrefix)
	assert.Regexp(t, `^var_x_[A-Za-z0-9]{8}$`, name)
	assert.True(t, reg.Contains(name))
	assert.Equal(t, 1, reg.Len())

	reg.Reset()
	assert.Equal(t, 0, reg.Len())
	assert.False(t, reg.Contains(name))
}

// TestRegistry_NeverReturnsExisting 测试已登记的名字不会再次分配
func TestRegistry_NeverReturnsExisting(t *testing.T) {
	first := seeded(42).Generate("a", MethodPrefix)

	reg := seeded(42)
	reg.Reserve(first)
	second := reg.Generate("a", MethodPrefix)

	assert.NotEqual(t, first, second)
	assert.True(t, reg.Contains(second))

	seen := map[string]bool{first: true, second: true}
	for i := 0; i < 500; i++ {
		n := reg.Generate("a", MethodPrefix)
		assert.False(t, seen[n], "duplicate name %s", n)
		seen[n] = true
	}
}

func TestHasOwnedPrefix(t *testing.T) {
	assert.True(t, HasOwnedPrefix("var_x_abc"))
	assert.True(t, HasOwnedPrefix("method_a_abc"))
	assert.True(t, HasOwnedPrefix("field_a_abc"))
	assert.True(t, HasOwnedPrefix("arg_a_abc"))
	assert.False(t, HasOwnedPrefix("variable"))
}

// TestRenameText_Locals 测试局部变量整词重命名
func TestRenameText_Locals(t *testing.T) {
	r := New(seeded(7), nil)
	code := "class A {\n    public void m() {\n        int x = 1;\n        foo(x, xx);\n    }\n}\n"

	out := r.RenameText(code)

	m := regexp.MustCompile(`int (var_x_[A-Za-z0-9]{8}) = 1;`).FindStringSubmatch(out)
	require.NotNil(t, m, out)
	assert.Contains(t, out, "foo("+m[1]+", xx);")
	assert.NotContains(t, out, "int x")
}

// TestRenameText_Args 测试参数重命名同时作用于签名与方法体
func TestRenameText_Args(t *testing.T) {
	r := New(seeded(7), nil)
	code := "public static String a(Context context, int[] values, String... rest) {\n    return context.getPackageName() + values.length + rest;\n}\n"

	out := r.RenameText(code)

	sig := regexp.MustCompile(`a\(Context (arg_context_\w{8}), int\[\] (arg_values_\w{8}), String\.\.\. (arg_rest_\w{8})\)`).FindStringSubmatch(out)
	require.NotNil(t, sig, out)
	assert.Contains(t, out, "return "+sig[1]+".getPackageName() + "+sig[2]+".length + "+sig[3]+";")
}

// TestRenameText_Skips 测试跳过已有前缀、字面量与语句关键字
func TestRenameText_Skips(t *testing.T) {
	r := New(seeded(3), nil)
	code := "private int m(int arg_done_aaaaaaaa) {\n    field_f_bbbbbbbb = 1;\n    Object var_v_cccccccc = null;\n    return field_f_bbbbbbbb;\n}\n"

	out := r.RenameText(code)

	assert.Equal(t, code, out)
	assert.Equal(t, 0, r.Registry().Len())
}

// TestRenameText_MethodPrefixedLocal 测试与方法同名的局部变量不会改写调用
func TestRenameText_MethodPrefixedLocal(t *testing.T) {
	r := New(seeded(3), nil)
	code := "public void m() {\n    Object method_a_zzzzzzzz = method_a_zzzzzzzz();\n    use(method_a_zzzzzzzz);\n}\n"

	out := r.RenameText(code)

	m := regexp.MustCompile(`Object (var_method_a_zzzzzzzz_\w{8}) = method_a_zzzzzzzz\(\);`).FindStringSubmatch(out)
	require.NotNil(t, m, out)
	assert.Contains(t, out, "use("+m[1]+");")
}

// TestRenameText_MemberAccessUntouched 测试成员访问不被局部变量重命名影响
func TestRenameText_MemberAccessUntouched(t *testing.T) {
	r := New(seeded(5), nil)
	code := "public int m(int[] arr) {\n    int length = 0;\n    return arr.length + length;\n}\n"

	out := r.RenameText(code)

	assert.Contains(t, out, ".length + var_length_")
}

// TestRenameMembers 测试结构化重命名的排除集合
func TestRenameMembers(t *testing.T) {
	p := decompiler.NewProject(nil)
	c := p.AddClass("com.a.Shell", `package com.a;

public class Shell extends Application {
    private String key;
    private static int field_done_aaaaaaaa;

    protected void attachBaseContext(Context base) {
        decrypt(this.key);
    }

    public void onCreate() {
    }

    private void decrypt(String s) {
    }

    private void method_kept_bbbbbbbb() {
    }
}
`)

	r := New(seeded(9), nil)
	r.RenameMembers(c)

	methods := c.Methods()
	assert.Equal(t, "attachBaseContext", methods[0])
	assert.Equal(t, "onCreate", methods[1])
	assert.Regexp(t, `^method_decrypt_\w{8}$`, methods[2])
	assert.Equal(t, "method_kept_bbbbbbbb", methods[3])

	fields := c.Fields()
	assert.Regexp(t, `^field_key_\w{8}$`, fields[0])
	assert.Equal(t, "field_done_aaaaaaaa", fields[1])
	assert.Equal(t, 2, r.Registry().Len())

	out, err := r.RenameLocals(c)
	require.NoError(t, err)
	assert.Contains(t, out, methods[2]+"(this."+fields[0]+");")
	assert.Regexp(t, `attachBaseContext\(Context arg_base_\w{8}\)`, out)
}

// TestRenameText_Deterministic 测试两次运行只在随机后缀上不同
func TestRenameText_Deterministic(t *testing.T) {
	code := "public void m(String s) {\n    int a = 1;\n    String b = s + a;\n}\n"

	first := New(seeded(1), nil).RenameText(code)
	second := New(seeded(2), nil).RenameText(code)

	assert.NotEqual(t, first, second)
	assert.Equal(t,
		suffixPattern.ReplaceAllString(first, "_SUFFIX"),
		suffixPattern.ReplaceAllString(second, "_SUFFIX"))
}
