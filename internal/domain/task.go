package domain

import (
	"time"
)

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped" // 未检测到 Java 层加壳，未生成
)

// IsTerminal 任务是否已结束
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusSkipped
}

// FailureType 失败类型
type FailureType string

const (
	FailureTypeNone           FailureType = ""                // 无失败（成功或进行中）
	FailureTypeDecompileError FailureType = "decompile_error" // 反编译失败（异常-环境问题）
	FailureTypeNoEntryClass   FailureType = "no_entry_class"  // 清单中没有 Application 子类（警告-APK问题）
	FailureTypeNotPacked      FailureType = "not_packed"      // 未加壳或非 Java 层加载（正常）
	FailureTypeWriteError     FailureType = "write_error"     // 写入生成工程失败（异常-系统问题）
	FailureTypeCancelled      FailureType = "cancelled"       // 任务被取消（正常）
	FailureTypeUnknown        FailureType = "unknown"         // 未知错误（异常）
)

// FailureSeverity 失败严重程度
type FailureSeverity string

const (
	FailureSeverityNormal  FailureSeverity = "normal"  // 正常
	FailureSeverityWarning FailureSeverity = "warning" // 警告（需要关注）
	FailureSeverityError   FailureSeverity = "error"   // 错误（需要排查）
)

// GetSeverity 获取失败类型对应的严重程度
func (ft FailureType) GetSeverity() FailureSeverity {
	switch ft {
	case FailureTypeNone, FailureTypeNotPacked, FailureTypeCancelled:
		return FailureSeverityNormal
	case FailureTypeNoEntryClass:
		return FailureSeverityWarning
	case FailureTypeDecompileError, FailureTypeWriteError, FailureTypeUnknown:
		return FailureSeverityError
	default:
		return FailureSeverityError
	}
}

// GetDisplayName 获取失败类型的中文显示名称
func (ft FailureType) GetDisplayName() string {
	switch ft {
	case FailureTypeNone:
		return ""
	case FailureTypeDecompileError:
		return "反编译失败"
	case FailureTypeNoEntryClass:
		return "无入口类"
	case FailureTypeNotPacked:
		return "未加壳"
	case FailureTypeWriteError:
		return "写入失败"
	case FailureTypeCancelled:
		return "已取消"
	default:
		return "未知错误"
	}
}

// GetMaxRetryCount 获取失败类型对应的最大重试次数
// 返回 0 表示不重试
func (ft FailureType) GetMaxRetryCount() int {
	switch ft {
	case FailureTypeNone, FailureTypeNoEntryClass, FailureTypeNotPacked, FailureTypeCancelled:
		return 0 // 结果确定，重试无意义
	case FailureTypeDecompileError, FailureTypeWriteError:
		return 2 // 环境问题，可重试
	default:
		return 1
	}
}

// CanRetry 检查失败类型是否可以重试
func (ft FailureType) CanRetry() bool {
	return ft.GetMaxRetryCount() > 0
}

// Task 生成任务表
type Task struct {
	ID           string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	APKName      string      `gorm:"type:varchar(255);not null;index" json:"apk_name"`
	APKPath      string      `gorm:"type:varchar(1024);not null" json:"apk_path"`
	PackageName  string      `gorm:"type:varchar(255)" json:"package_name,omitempty"`
	Status       TaskStatus  `gorm:"type:varchar(20);not null;default:'queued';index" json:"status"`
	Force        bool        `gorm:"default:false" json:"force"`
	FailureType  FailureType `gorm:"type:varchar(30);default:''" json:"failure_type,omitempty"`
	ErrorMessage string      `gorm:"type:text" json:"error_message,omitempty"`
	RetryCount   int         `gorm:"type:tinyint;default:0" json:"retry_count"`
	CreatedAt    time.Time   `gorm:"not null" json:"created_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	DurationMS   int64       `json:"duration_ms"`

	// 壳检测
	IsPacked       bool   `gorm:"default:false" json:"is_packed"`
	LoaderType     string `gorm:"type:varchar(20)" json:"loader_type,omitempty"`
	PackerName     string `gorm:"type:varchar(100)" json:"packer_name,omitempty"`
	MissingClasses int    `gorm:"default:0" json:"missing_classes"`
	PackerJSON     string `gorm:"type:text" json:"-"`

	// 生成结果
	BaseDir           string `gorm:"type:varchar(1024)" json:"base_dir,omitempty"`
	EntryClass        string `gorm:"type:varchar(255)" json:"entry_class,omitempty"`
	RecognizedImports int    `gorm:"default:0" json:"recognized_imports"`
	ClassCount        int    `gorm:"default:0" json:"class_count"`
	CommentedLines    int    `gorm:"default:0" json:"commented_lines"`
	ResultJSON        string `gorm:"type:mediumtext" json:"-"`

	Executions []TaskExecution `gorm:"foreignKey:TaskID;references:ID" json:"executions,omitempty"`
}

func (Task) TableName() string {
	return "unboxing_tasks"
}

// TaskExecution 生成工程的一次编译运行记录
type TaskExecution struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID     string    `gorm:"type:varchar(36);not null;index" json:"task_id"`
	Success    bool      `gorm:"default:false" json:"success"`
	Output     string    `gorm:"type:mediumtext" json:"output"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
}

func (TaskExecution) TableName() string {
	return "unboxing_task_executions"
}

// TaskStatistics 各状态任务数量
type TaskStatistics struct {
	Total     int64 `json:"total"`
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}
