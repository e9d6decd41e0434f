package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-unboxing-go/internal/api/handlers"
	"github.com/apk-analysis/apk-unboxing-go/internal/config"
	"github.com/apk-analysis/apk-unboxing-go/internal/middleware"
	"github.com/apk-analysis/apk-unboxing-go/internal/service"
)

// Version 服务版本
const Version = "1.0.0"

// Dependencies 路由依赖，监控组件可为空
type Dependencies struct {
	Service     service.GenerationService
	Console     *handlers.ConsoleHub
	MemMonitor  *middleware.MemoryMonitor
	PromMetrics *middleware.PrometheusMetrics
}

// SetupRouter 注册 HTTP 路由
func SetupRouter(cfg *config.Config, logger *logrus.Logger, deps Dependencies) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())
	if deps.PromMetrics != nil {
		r.Use(deps.PromMetrics.HTTPMiddleware())
	}

	console := deps.Console
	if console == nil {
		console = handlers.NewConsoleHub(logger)
	}

	taskHandler := handlers.NewTaskHandler(deps.Service, console, logger)
	fileHandler := handlers.NewFileHandler(deps.Service, logger, cfg.APKDir)
	auth := middleware.TokenAuth(cfg.Server.APIToken)

	if deps.PromMetrics != nil {
		r.GET("/metrics", deps.PromMetrics.Handler())
	}

	// 执行输出控制台
	r.GET("/ws/tasks/:id/console", console.HandleWebSocket)

	v1 := r.Group("/api")
	{
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "ok",
				"version": Version,
			})
		})

		if deps.MemMonitor != nil {
			v1.GET("/system/memory", deps.MemMonitor.MetricsEndpoint())
		}

		v1.GET("/statistics", taskHandler.GetStatistics)

		// 任务查询
		v1.GET("/tasks", taskHandler.ListTasks)
		v1.GET("/tasks/:id", taskHandler.GetTask)
		v1.GET("/tasks/:id/files", taskHandler.GetFiles)

		// 写操作需要令牌
		write := v1.Group("", auth)
		write.POST("/upload", fileHandler.UploadAPK)
		write.POST("/tasks", taskHandler.CreateTask)
		write.DELETE("/tasks/:id", taskHandler.DeleteTask)
		write.POST("/tasks/:id/retry", taskHandler.RetryTask)
		write.POST("/tasks/:id/execute", taskHandler.ExecuteTask)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
