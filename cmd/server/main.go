package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apk-analysis/apk-adware-scan/internal/api"
	"github.com/apk-analysis/apk-adware-scan/internal/config"
	"github.com/apk-analysis/apk-adware-scan/internal/detection"
	"github.com/apk-analysis/apk-adware-scan/internal/middleware"
	"github.com/apk-analysis/apk-adware-scan/internal/queue"
	"github.com/apk-analysis/apk-adware-scan/internal/report"
	"github.com/apk-analysis/apk-adware-scan/internal/repository"
	"github.com/apk-analysis/apk-adware-scan/internal/service"
	"github.com/apk-analysis/apk-adware-scan/internal/staticanalysis"
	"github.com/apk-analysis/apk-adware-scan/internal/storage"
	"github.com/apk-analysis/apk-adware-scan/internal/watcher"
	"github.com/apk-analysis/apk-adware-scan/internal/worker"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	Version   = api.Version
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 1. 打印版本信息
	fmt.Printf("APK Adware Scan Service\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	configPath := "./configs/config.yaml"
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting APK Adware Scan Service %s", Version)
	logger.Infof("Config loaded from: %s", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, dir := range []string{cfg.Scan.UploadDir, cfg.Scan.ReportDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Fatalf("Failed to create directory %s: %v", dir, err)
		}
	}

	// 4. Prometheus 指标
	promMetrics := middleware.NewPrometheusMetrics(logger, "apk_scan", nil)

	// 5. 扫描记录存储 + 可选的归档数据库
	store := repository.NewMemoryScanStore()

	var db *gorm.DB
	var archive repository.ScanResultRepository
	if cfg.Database.Enabled {
		db, err = repository.InitDB(&cfg.Database, logger)
		if err != nil {
			logger.Fatalf("Failed to init database: %v", err)
		}
		archive = repository.NewScanResultRepository(db)
		logger.WithField("type", cfg.Database.Type).Info("Scan archive database connected")
	} else {
		logger.Info("Scan archive disabled, history endpoint will be empty")
	}

	// 6. 权限提取 + 检测引擎
	extractor := staticanalysis.NewAaptExtractor(staticanalysis.Options{
		Enabled:  cfg.StaticAnalysis.Enabled,
		AaptPath: cfg.StaticAnalysis.AaptPath,
		Timeout:  time.Duration(cfg.StaticAnalysis.Timeout) * time.Second,
	}, logger)
	engine := detection.NewSeededEngine(cfg.Detection.Seed)

	// 7. 报告生成，启用 MinIO 时额外上传
	var reports report.Generator = report.NewPDFGenerator(cfg.Scan.ReportDir, logger)
	if cfg.MinIO.Enabled {
		objectStore, err := storage.NewMinioStore(ctx, &cfg.MinIO, logger)
		if err != nil {
			logger.WithError(err).Error("Failed to init MinIO, reports stay local only")
		} else {
			reports = report.NewUploadingGenerator(reports, objectStore, nil, logger)
		}
	}

	scannerOpts := []worker.ScannerOption{worker.WithMetrics(promMetrics)}
	if archive != nil {
		scannerOpts = append(scannerOpts, worker.WithArchive(archive))
	}
	scanner := worker.NewScanner(store, extractor, engine, reports, logger, scannerOpts...)

	// 8. 任务调度：RabbitMQ 或本地 Worker 池
	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var dispatcher service.Dispatcher
	var poolStats middleware.PoolStats
	var consumer *queue.Consumer
	var mq *queue.RabbitMQ
	var pool *worker.Pool

	if cfg.RabbitMQ.Enabled {
		mq, err = queue.NewRabbitMQ(&cfg.RabbitMQ, concurrency, logger)
		if err != nil {
			logger.WithError(err).Error("Failed to connect to RabbitMQ, falling back to local worker pool")
		} else {
			consumer = queue.NewConsumer(mq, func(ctx context.Context, msg *queue.ScanMessage) error {
				return scanner.Run(ctx, msg.ScanID)
			}, concurrency, logger)
			if err := consumer.Start(ctx); err != nil {
				logger.Fatalf("Failed to start consumer: %v", err)
			}
			dispatcher = queue.NewProducer(mq, logger)
			poolStats = consumer
			logger.WithField("prefetch_count", concurrency).Info("Scans dispatched through RabbitMQ")
		}
	}

	if dispatcher == nil {
		pool = worker.NewPool(concurrency, cfg.Worker.QueueSize, scanner, logger)
		pool.Start(ctx)
		dispatcher = pool
		poolStats = pool
		logger.WithFields(logrus.Fields{
			"workers":    concurrency,
			"queue_size": cfg.Worker.QueueSize,
		}).Info("Local worker pool started")
	}

	scanService := service.NewScanService(store, dispatcher, archive, logger)

	// 9. 运行时监控
	monitor := middleware.NewRuntimeMonitor(logger, promMetrics, poolStats, concurrency, store, 10*time.Second)
	monitor.Start(ctx)

	// 10. 投递目录监控
	var fileWatcher *watcher.FileWatcher
	if cfg.Watcher.Enabled {
		fileWatcher, err = watcher.NewFileWatcher(cfg.Watcher.Dir, cfg.Watcher.Pattern, scanService, logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		fileWatcher.Start(ctx)
		logger.Infof("File watcher started for directory: %s", cfg.Watcher.Dir)
	}

	// 11. HTTP Server
	router := api.SetupRouter(cfg, logger, api.Dependencies{
		ScanService:       scanService,
		PromMetrics:       promMetrics,
		Monitor:           monitor,
		AnalysisAvailable: extractor.Available(),
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Minute, // 大文件上传
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 12. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	if fileWatcher != nil {
		fileWatcher.Stop()
	}
	if consumer != nil {
		consumer.Stop()
	}
	if mq != nil {
		mq.Close()
	}
	if pool != nil {
		pool.Stop()
	}
	cancel()

	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}

	logger.Info("Server stopped")
}
