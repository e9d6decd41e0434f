package packer

// dexLoadingKeywords 动态加载 dex 的关键字，按检测顺序排列
var dexLoadingKeywords = []string{
	"DexClassLoader",
	"PathClassLoader",
	"InMemoryDexClassLoader",
	"BaseDexClassLoader",
	"loadDex",
	"OpenMemory",
}

// 可疑资源路径片段
var suspiciousPatterns = []string{
	"assets/classes",
	"assets/dex",
	"assets/jiagu",
	"assets/protect",
	"jiagu", "ijiami", "bangcle", "secneo", "nagapt",
}

// signatures 内置厂商特征库，用于给检测结果标注壳名称
var signatures = []Signature{
	// 国产加固
	{Name: "360加固", NativeLibs: []string{"libjiagu"}, StubClasses: []string{"com.stub.StubApp", "com.qihoo.util.QHClassLoader"}},
	{Name: "腾讯乐固", NativeLibs: []string{"libshell", "libtxmsecurity"}, StubClasses: []string{"com.tencent.StubShell.TxAppEntry"}},
	{Name: "爱加密", NativeLibs: []string{"libexec", "libexecmain"}, StubClasses: []string{"com.shell.SuperApplication"}},
	{Name: "梆梆加固", NativeLibs: []string{"libDexHelper", "libSecShell"}, StubClasses: []string{"com.secneo.apkwrapper.ApplicationWrapper"}},
	{Name: "娜迦加固", NativeLibs: []string{"libnaga", "libddog", "libedog"}, StubClasses: []string{"com.nagapt.protect.StubApplication"}},
	{Name: "网易易盾", NativeLibs: []string{"libnesec", "libNetHTProtect"}, StubClasses: []string{"com.netease.nis.wrapper.MyApplication"}},
	{Name: "百度加固", NativeLibs: []string{"libbaiduprotect"}, StubClasses: []string{"com.baidu.protect.StubApplication"}},
	{Name: "通付盾", NativeLibs: []string{"libegis", "libNSaferOnly"}, StubClasses: []string{"com.payegis.protect.StubApp"}},
	{Name: "几维安全", NativeLibs: []string{"libkwscmm", "libkwscr"}, StubClasses: []string{"com.kiwisec.android.loader.KWLoader"}},
	{Name: "顶像加固", NativeLibs: []string{"libx3g"}, StubClasses: []string{"com.dingxiang.mobile.ShieldApp"}},
	// 国际加固
	{Name: "DexProtector", NativeLibs: []string{"libdexprotector"}},
	{Name: "AppSealing", NativeLibs: []string{"libAppSealing"}},
}

// Signatures 返回内置厂商特征
func Signatures() []Signature {
	return append([]Signature(nil), signatures...)
}
