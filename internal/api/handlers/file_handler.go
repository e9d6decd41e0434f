package handlers

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-unboxing-go/internal/service"
)

// 上传文件大小上限 500MB
const maxUploadSize = int64(500 * 1024 * 1024)

// FileHandler APK 上传处理器
type FileHandler struct {
	taskService service.GenerationService
	logger      *logrus.Logger
	inboundPath string // 入站 APK 目录
	handler     *TaskHandler
}

// NewFileHandler 创建上传处理器实例
func NewFileHandler(taskService service.GenerationService, logger *logrus.Logger, inboundPath string) *FileHandler {
	return &FileHandler{
		taskService: taskService,
		logger:      logger,
		inboundPath: inboundPath,
		handler:     NewTaskHandler(taskService, nil, logger),
	}
}

// UploadAPK 上传 APK 到入站目录并创建生成任务
// POST /api/upload (multipart: file, force)
func (h *FileHandler) UploadAPK(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "获取上传文件失败"})
		return
	}

	filename := filepath.Base(file.Filename)
	if !strings.HasSuffix(strings.ToLower(filename), ".apk") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "只支持 APK 文件格式"})
		return
	}
	if file.Size > maxUploadSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("文件大小超过限制 (最大 %dMB)", maxUploadSize/(1024*1024)),
		})
		return
	}

	if err := os.MkdirAll(h.inboundPath, 0755); err != nil {
		h.logger.WithError(err).Error("Failed to create inbound directory")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建上传目录失败"})
		return
	}

	destPath := filepath.Join(h.inboundPath, filename)
	if _, err := os.Stat(destPath); err == nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":    "文件已存在",
			"filename": filename,
		})
		return
	}

	written, err := h.save(file, destPath)
	if err != nil {
		h.logger.WithError(err).Error("Failed to store uploaded file")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "文件上传失败"})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"filename": filename,
		"size":     written,
		"path":     destPath,
	}).Info("APK file uploaded successfully")

	force, _ := strconv.ParseBool(c.PostForm("force"))
	task, err := h.taskService.CreateTask(c.Request.Context(), destPath, force)
	if err != nil {
		h.handler.writeError(c, err, "创建任务失败")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message":  "文件上传成功",
		"filename": filename,
		"size":     written,
		"task":     h.handler.taskToResponse(task),
	})
}

func (h *FileHandler) save(file *multipart.FileHeader, destPath string) (int64, error) {
	src, err := file.Open()
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return 0, err
	}

	written, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// 删除不完整的文件
		os.Remove(destPath)
		return 0, err
	}
	return written, nil
}
