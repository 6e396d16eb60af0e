package middleware

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/apk-analysis/apk-adware-scan/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// MemoryStats 内存统计
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`      // 当前分配的内存 (字节)
	Sys        uint64 `json:"sys"`        // 从系统获取的内存
	NumGC      uint32 `json:"num_gc"`     // GC 次数
	Goroutines int    `json:"goroutines"` // Goroutine 数量
	AllocMB    uint64 `json:"alloc_mb"`
	SysMB      uint64 `json:"sys_mb"`
}

// PoolStats Worker 池状态
type PoolStats interface {
	QueueSize() int
	ActiveWorkers() int
}

// StatusCounter 按状态统计扫描记录
type StatusCounter interface {
	StatusCounts(ctx context.Context) (map[domain.ScanStatus]int, error)
}

// RuntimeMonitor 定期采集运行时与 Worker 池状态
type RuntimeMonitor struct {
	logger   *logrus.Logger
	metrics  *PrometheusMetrics
	pool     PoolStats
	poolSize int
	records  StatusCounter
	interval time.Duration

	mutex sync.RWMutex
	stats MemoryStats
}

// NewRuntimeMonitor 创建运行时监控器，pool 和 records 可以为 nil
func NewRuntimeMonitor(logger *logrus.Logger, metrics *PrometheusMetrics, pool PoolStats, poolSize int, records StatusCounter, interval time.Duration) *RuntimeMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &RuntimeMonitor{
		logger:   logger,
		metrics:  metrics,
		pool:     pool,
		poolSize: poolSize,
		records:  records,
		interval: interval,
	}
}

// Start 启动监控循环，ctx 取消后退出
func (m *RuntimeMonitor) Start(ctx context.Context) {
	m.Sample(ctx)
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sample(ctx)
			}
		}
	}()
}

// Sample 采集一次
func (m *RuntimeMonitor) Sample(ctx context.Context) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := MemoryStats{
		Alloc:      ms.Alloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
		AllocMB:    ms.Alloc / 1024 / 1024,
		SysMB:      ms.Sys / 1024 / 1024,
	}

	m.mutex.Lock()
	m.stats = stats
	m.mutex.Unlock()

	if m.metrics == nil {
		return
	}
	m.metrics.UpdateMemoryStats(stats)

	if m.pool != nil {
		m.metrics.UpdateWorkerPoolStats(m.poolSize, m.pool.ActiveWorkers(), m.pool.QueueSize())
	}
	if m.records != nil {
		counts, err := m.records.StatusCounts(ctx)
		if err != nil {
			m.logger.WithError(err).Debug("Failed to count scan records")
			return
		}
		m.metrics.UpdateScanRecords(counts)
	}
}

// GetStats 获取最近一次采集结果
func (m *RuntimeMonitor) GetStats() MemoryStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.stats
}

// MetricsEndpoint 内存统计端点
func (m *RuntimeMonitor) MetricsEndpoint() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"memory": m.GetStats(),
		})
	}
}
