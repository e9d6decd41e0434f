package packer

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-unboxing-go/internal/decompiler"
)

func writeAPK(t *testing.T, names ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.apk")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	for _, name := range names {
		entry, err := w.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte("data"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return path
}

func packedProject() *decompiler.Project {
	p := decompiler.NewProject(&decompiler.Manifest{
		Package:     "com.target",
		Application: "com.stub.StubApp",
		Components:  []string{"com.target.MainActivity", "com.stub.StubReceiver"},
	})
	p.AddClass("com.stub.StubApp", "package com.stub;\n\npublic class StubApp extends Application {\n    void a() { new DexClassLoader(p, o, null, l); }\n}\n")
	p.AddClass("com.stub.StubReceiver", "package com.stub;\n\npublic class StubReceiver {\n}\n")
	return p
}

// TestDetect_PackedJavaLoader 测试清单组件缺失且存在 Java 层 dex 加载
func TestDetect_PackedJavaLoader(t *testing.T) {
	apk := writeAPK(t, "classes.dex", "lib/arm64-v8a/libjiagu_a64.so", "assets/jiagu.dat")

	info := NewDetector(nil).Detect(apk, packedProject())

	assert.True(t, info.IsPacked)
	assert.Equal(t, []string{"com/target/MainActivity.class"}, info.MissingClasses)
	assert.Equal(t, LoaderJava, info.LoaderType)
	assert.Equal(t, []string{"Found keyword 'DexClassLoader' in class 'com.stub.StubApp'"}, info.LoaderDetails)
	assert.Equal(t, "360加固", info.PackerName)
	assert.Contains(t, info.Indicators, "stub_class:com.stub.StubApp")
	assert.Contains(t, info.Indicators, "native_lib:libjiagu_a64.so")
	assert.Contains(t, info.Indicators, "suspicious_file:assets/jiagu.dat")
	assert.True(t, info.CanGenerate)
	assert.Equal(t, "检测到加壳: 360加固 (java) [可生成脱壳代码]", Summary(info))
}

// TestDetect_NotPacked 测试组件齐全时不视为加壳
func TestDetect_NotPacked(t *testing.T) {
	p := decompiler.NewProject(&decompiler.Manifest{
		Package:    "com.plain",
		Components: []string{"com.plain.MainActivity"},
	})
	p.AddClass("com.plain.MainActivity", "package com.plain;\n\npublic class MainActivity {\n}\n")

	info := NewDetector(nil).Detect(writeAPK(t, "classes.dex"), p)

	assert.False(t, info.IsPacked)
	assert.Empty(t, info.MissingClasses)
	assert.Equal(t, LoaderNone, info.LoaderType)
	assert.False(t, info.CanGenerate)
	assert.Equal(t, "未检测到加壳", Summary(info))
}

// TestDetect_NativeLoader 测试只有 native 库特征时标记为 native 加载
func TestDetect_NativeLoader(t *testing.T) {
	p := decompiler.NewProject(&decompiler.Manifest{
		Package:    "com.target",
		Components: []string{"com.target.MainActivity"},
	})
	p.AddClass("com.secure.Entry", "package com.secure;\n\npublic class Entry {\n}\n")

	info := NewDetector(nil).Detect(writeAPK(t, "lib/armeabi-v7a/libDexHelper.so"), p)

	assert.True(t, info.IsPacked)
	assert.Equal(t, LoaderNative, info.LoaderType)
	assert.Equal(t, "梆梆加固", info.PackerName)
	assert.False(t, info.CanGenerate)
}

// TestDetect_MissingAPK 测试 APK 无法读取时仍根据反编译结果判断
func TestDetect_MissingAPK(t *testing.T) {
	info := NewDetector(nil).Detect(filepath.Join(t.TempDir(), "missing.apk"), packedProject())

	assert.True(t, info.CanGenerate)
	assert.Empty(t, info.NativeLibs)
}

func TestMissingClasses_NoManifest(t *testing.T) {
	p := decompiler.NewProject(nil)
	p.AddClass("a.B", "class B {}")

	assert.Empty(t, MissingClasses(p))
}

func TestMatchLibName(t *testing.T) {
	assert.True(t, matchLibName("libshell", "libshellx-2.10.3.4.so"))
	assert.True(t, matchLibName("libjiagu", "libjiagu.so"))
	assert.False(t, matchLibName("libjiagu", "libother.so"))
}
