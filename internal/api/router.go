package api

import (
	"net/http"
	"time"

	"github.com/apk-analysis/apk-adware-scan/internal/api/handlers"
	"github.com/apk-analysis/apk-adware-scan/internal/config"
	"github.com/apk-analysis/apk-adware-scan/internal/middleware"
	"github.com/apk-analysis/apk-adware-scan/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Version 服务版本
const Version = "1.0.0"

// Dependencies 路由依赖，监控相关字段可为 nil
type Dependencies struct {
	ScanService       service.ScanService
	PromMetrics       *middleware.PrometheusMetrics
	Monitor           *middleware.RuntimeMonitor
	AnalysisAvailable bool
}

func SetupRouter(cfg *config.Config, logger *logrus.Logger, deps Dependencies) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	var uploads handlers.UploadRecorder
	if deps.PromMetrics != nil {
		r.Use(deps.PromMetrics.HTTPMiddleware())
		uploads = deps.PromMetrics
	}

	scanHandler := handlers.NewScanHandler(deps.ScanService, handlers.UploadOptions{
		Dir:               cfg.Scan.UploadDir,
		MaxBytes:          cfg.Scan.MaxUploadBytes(),
		AllowedExtensions: cfg.Scan.AllowedExtensions,
	}, uploads, logger)
	streamHandler := handlers.NewScanStreamHandler(deps.ScanService, 500*time.Millisecond, logger)

	if deps.Monitor != nil {
		r.GET("/metrics", deps.Monitor.MetricsEndpoint())
	}
	if deps.PromMetrics != nil {
		r.GET("/metrics/prometheus", deps.PromMetrics.Handler())
	}

	r.GET("/ws/scans/:id", streamHandler.HandleWebSocket)

	v1 := r.Group("/api")
	{
		// 健康检查（无需认证）
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":          "ok",
				"version":         Version,
				"static_analysis": deps.AnalysisAvailable,
			})
		})

		v1.POST("/upload", middleware.TokenAuth(cfg.Server.APIToken), scanHandler.UploadAPK)

		v1.GET("/status/:id", scanHandler.GetStatus)
		v1.GET("/result/:id", scanHandler.GetResult)
		v1.GET("/results/:id", scanHandler.GetRawResult)
		v1.GET("/download-report/:id", scanHandler.DownloadReport)

		v1.GET("/scans", scanHandler.ListScans)
		v1.GET("/stats", scanHandler.GetStats)
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
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
