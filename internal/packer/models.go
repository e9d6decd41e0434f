package packer

// LoaderType 动态加载方式
const (
	LoaderJava   = "java"   // Java 层 dex 加载
	LoaderNative = "native" // 原生库加载
	LoaderNone   = "none"   // 未发现
)

// PackerInfo 壳检测结果
type PackerInfo struct {
	IsPacked       bool     `json:"is_packed"`       // 清单组件类是否缺失于 dex
	MissingClasses []string `json:"missing_classes"` // 缺失的组件类，a/b/C.class
	LoaderType     string   `json:"loader_type"`     // java/native/none
	LoaderDetails  []string `json:"loader_details"`  // 命中的动态加载关键字
	PackerName     string   `json:"packer_name,omitempty"`
	Indicators     []string `json:"indicators"`
	NativeLibs     []string `json:"native_libs,omitempty"`
	CanGenerate    bool     `json:"can_generate"` // 是否可以生成脱壳代码
}

// Signature 已知加固厂商特征
type Signature struct {
	Name        string
	NativeLibs  []string // native 库名前缀（不含 .so）
	StubClasses []string // 壳入口类
}

// APKStats APK 中与壳相关的文件统计
type APKStats struct {
	NativeLibs []string
	DEXCount   int
	DEXSize    int64
	Suspicious []string
}
