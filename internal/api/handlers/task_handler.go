package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apk-analysis/apk-unboxing-go/internal/domain"
	"github.com/apk-analysis/apk-unboxing-go/internal/runner"
	"github.com/apk-analysis/apk-unboxing-go/internal/service"
)

// TaskHandler 生成任务处理器
type TaskHandler struct {
	taskService service.GenerationService
	console     *ConsoleHub
	logger      *logrus.Logger
}

// NewTaskHandler 创建任务处理器实例，console 为空时执行输出不推送
func NewTaskHandler(taskService service.GenerationService, console *ConsoleHub, logger *logrus.Logger) *TaskHandler {
	return &TaskHandler{
		taskService: taskService,
		console:     console,
		logger:      logger,
	}
}

// CreateTaskRequest 创建任务请求
type CreateTaskRequest struct {
	APKPath string `json:"apk_path" binding:"required"`
	Force   bool   `json:"force"`
}

// CreateTask 为服务器上的 APK 创建生成任务
// POST /api/tasks {"apk_path": "/data/in/a.apk", "force": false}
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误: " + err.Error()})
		return
	}

	task, err := h.taskService.CreateTask(c.Request.Context(), req.APKPath, req.Force)
	if err != nil {
		h.writeError(c, err, "创建任务失败")
		return
	}

	c.JSON(http.StatusCreated, h.taskToResponse(task))
}

// ListTasks 获取任务列表
// GET /api/tasks?page=1&page_size=20&status=completed&search=关键词
func (h *TaskHandler) ListTasks(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}

	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	// 限制最大每页数量
	if pageSize > 100 {
		pageSize = 100
	}

	tasks, total, err := h.taskService.ListTasks(c.Request.Context(), page, pageSize, c.Query("status"), c.Query("search"))
	if err != nil {
		h.logger.WithError(err).Error("Failed to list tasks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取任务列表失败"})
		return
	}

	taskList := make([]map[string]interface{}, len(tasks))
	for i, task := range tasks {
		taskList[i] = h.taskToResponse(task)
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks":       taskList,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

// GetTask 获取任务详情（含壳检测与生成结果）
// GET /api/tasks/:id
func (h *TaskHandler) GetTask(c *gin.Context) {
	task, err := h.taskService.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "获取任务失败")
		return
	}

	c.JSON(http.StatusOK, h.taskToResponse(task))
}

// DeleteTask 删除任务记录，生成的工程目录保留
// DELETE /api/tasks/:id
func (h *TaskHandler) DeleteTask(c *gin.Context) {
	if err := h.taskService.DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err, "删除任务失败")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "任务已删除"})
}

// RetryTask 重新投递失败的任务
// POST /api/tasks/:id/retry
func (h *TaskHandler) RetryTask(c *gin.Context) {
	task, err := h.taskService.RetryTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "重试任务失败")
		return
	}

	c.JSON(http.StatusOK, h.taskToResponse(task))
}

// GetFiles 列出生成工程文件；带 path 参数时返回该文件内容
// GET /api/tasks/:id/files?path=src/com/pkg/Unpacker_x.java
func (h *TaskHandler) GetFiles(c *gin.Context) {
	taskID := c.Param("id")

	if relPath := c.Query("path"); relPath != "" {
		data, err := h.taskService.ReadFile(c.Request.Context(), taskID, relPath)
		if err != nil {
			h.writeError(c, err, "读取文件失败")
			return
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
		return
	}

	files, err := h.taskService.ListFiles(c.Request.Context(), taskID)
	if err != nil {
		h.writeError(c, err, "列出文件失败")
		return
	}
	if files == nil {
		files = []string{}
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id": taskID,
		"files":   files,
	})
}

// ExecuteTask 编译并运行生成的脱壳程序，需显式确认。输出同时推送到控制台
// POST /api/tasks/:id/execute?confirm=true
func (h *TaskHandler) ExecuteTask(c *gin.Context) {
	taskID := c.Param("id")
	confirmed, _ := strconv.ParseBool(c.Query("confirm"))

	var sink runner.Sink
	if h.console != nil {
		sink = h.console.Sink(taskID)
		h.console.Broadcast(ConsoleMessage{TaskID: taskID, Stream: StreamStatus, Line: "started"})
		defer h.console.Broadcast(ConsoleMessage{TaskID: taskID, Stream: StreamStatus, Line: "finished"})
	}

	execution, err := h.taskService.Execute(c.Request.Context(), taskID, confirmed, sink)
	if execution == nil {
		h.writeError(c, err, "执行失败")
		return
	}

	// 进程失败时执行记录仍然返回，便于查看输出
	c.JSON(http.StatusOK, execution)
}

// GetStatistics 获取任务状态统计
// GET /api/statistics
func (h *TaskHandler) GetStatistics(c *gin.Context) {
	stats, err := h.taskService.Statistics(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get statistics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取统计失败"})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// writeError 按错误类型映射 HTTP 状态码
func (h *TaskHandler) writeError(c *gin.Context, err error, message string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, os.ErrNotExist):
		status = http.StatusNotFound
		message = "任务或文件不存在"
	case errors.Is(err, service.ErrDuplicateTask):
		status = http.StatusConflict
		message = "该 APK 最近已创建过任务"
	case errors.Is(err, service.ErrTaskNotCompleted), errors.Is(err, service.ErrNotRetryable):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInvalidPath):
		status = http.StatusBadRequest
		message = "非法文件路径"
	case errors.Is(err, runner.ErrNotConfirmed):
		status = http.StatusPreconditionRequired
		message = "执行脱壳程序会在服务器上运行加固代码，请携带 confirm=true 确认"
	}

	if status == http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", c.FullPath()).Error(message)
	}

	resp := gin.H{"error": message}
	if err != nil {
		resp["detail"] = err.Error()
	}
	c.JSON(status, resp)
}

// taskToResponse 转换任务为响应格式，展开壳检测与生成结果 JSON
func (h *TaskHandler) taskToResponse(task *domain.Task) map[string]interface{} {
	resp := map[string]interface{}{
		"id":                 task.ID,
		"apk_name":           task.APKName,
		"apk_path":           task.APKPath,
		"package_name":       task.PackageName,
		"status":             task.Status,
		"force":              task.Force,
		"retry_count":        task.RetryCount,
		"created_at":         task.CreatedAt,
		"started_at":         task.StartedAt,
		"completed_at":       task.CompletedAt,
		"duration_ms":        task.DurationMS,
		"is_packed":          task.IsPacked,
		"loader_type":        task.LoaderType,
		"packer_name":        task.PackerName,
		"missing_classes":    task.MissingClasses,
		"base_dir":           task.BaseDir,
		"entry_class":        task.EntryClass,
		"recognized_imports": task.RecognizedImports,
		"class_count":        task.ClassCount,
		"commented_lines":    task.CommentedLines,
	}

	if task.FailureType != domain.FailureTypeNone {
		resp["failure_type"] = task.FailureType
		resp["failure_name"] = task.FailureType.GetDisplayName()
		resp["error_message"] = task.ErrorMessage
	}
	if task.PackerJSON != "" && json.Valid([]byte(task.PackerJSON)) {
		resp["packer"] = json.RawMessage(task.PackerJSON)
	}
	if task.ResultJSON != "" && json.Valid([]byte(task.ResultJSON)) {
		resp["result"] = json.RawMessage(task.ResultJSON)
	}
	if len(task.Executions) > 0 {
		resp["executions"] = task.Executions
	}

	return resp
}
