package unpacker

import "errors"

// 生成目录与类名约定
const (
	DirSuffix   = "_BadUnboxing" // 输出目录后缀
	ClassPrefix = "Unpacker_"    // 入口类名前缀
	SourceDir   = "src"
	OutputDir   = "bin"
)

var (
	// ErrNoEntryClass 没有找到 Application 子类
	ErrNoEntryClass = errors.New("no application subclass found")
	// ErrWriteProject 写出生成工程失败
	ErrWriteProject = errors.New("write unpacker project")
)

// AnalysisResult 一次生成的结果摘要
type AnalysisResult struct {
	BaseDir           string   `json:"base_dir"`           // 生成工程根目录
	EntryClass        string   `json:"entry_class"`        // 入口类全限定名
	RecognizedImports int      `json:"recognized_imports"` // 命中改写目录的 import 数量
	ClassName         string   `json:"class_name"`
	PackageName       string   `json:"package_name"`
	Classes           []string `json:"classes"` // 引用类集合（含入口类）
	Imports           []string `json:"imports"` // 合并后的 import 集合
	Unsupported       []string `json:"unsupported_imports,omitempty"`
	Files             []string `json:"files"`
	CommentedLines    int      `json:"commented_lines"`
	RemovedMethods    []string `json:"removed_methods,omitempty"`
	DurationMS        int64    `json:"duration_ms"`
}
