package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apk-analysis/apk-adware-scan/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestMetrics 每个测试使用独立 registry
func setupTestMetrics(t *testing.T) *PrometheusMetrics {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewPrometheusMetrics(logger, "test", prometheus.NewRegistry())
}

// TestPrometheusMetrics_Initialization 测试指标初始化
func TestPrometheusMetrics_Initialization(t *testing.T) {
	pm := setupTestMetrics(t)

	assert.NotNil(t, pm)
	assert.NotNil(t, pm.httpRequestsTotal)
	assert.NotNil(t, pm.scansTotal)
	assert.NotNil(t, pm.stageDuration)
	assert.NotNil(t, pm.reportsTotal)
}

// TestHTTPMiddleware 测试 HTTP 中间件
func TestHTTPMiddleware(t *testing.T) {
	pm := setupTestMetrics(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(pm.HTTPMiddleware())
	router.GET("/api/status/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	req := httptest.NewRequest("GET", "/api/status/abc", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// 路径按路由模板聚合
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "/api/status/:id", "200")))
}

// TestScanMetrics 测试扫描指标
func TestScanMetrics(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.ScanStarted()
	pm.ScanStarted()
	assert.Equal(t, float64(2), testutil.ToFloat64(pm.scansInProgress))

	pm.StageObserved(domain.ScanStatusExtractingPermissions, 200*time.Millisecond)
	pm.ReportGenerated(true)
	pm.ReportGenerated(false)
	pm.ScanFinished(domain.ScanStatusCompleted, domain.VerdictAdwareDetected, time.Second)
	pm.ScanFinished(domain.ScanStatusFailed, "", time.Second)

	assert.Equal(t, float64(0), testutil.ToFloat64(pm.scansInProgress))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.scansTotal.WithLabelValues("completed", "adware_detected")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.scansTotal.WithLabelValues("failed", "none")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.reportsTotal.WithLabelValues("failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(pm.stageDuration))

	pm.RecordUpload("accepted")
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.uploadsTotal.WithLabelValues("accepted")))
}

type fakePool struct{}

func (fakePool) QueueSize() int     { return 3 }
func (fakePool) ActiveWorkers() int { return 2 }

type fakeCounter struct{}

func (fakeCounter) StatusCounts(ctx context.Context) (map[domain.ScanStatus]int, error) {
	return map[domain.ScanStatus]int{
		domain.ScanStatusCompleted:   5,
		domain.ScanStatusClassifying: 1,
	}, nil
}

// TestRuntimeMonitor_Sample 测试运行时采集
func TestRuntimeMonitor_Sample(t *testing.T) {
	pm := setupTestMetrics(t)
	monitor := NewRuntimeMonitor(pm.logger, pm, fakePool{}, 4, fakeCounter{}, time.Minute)

	monitor.Sample(context.Background())

	stats := monitor.GetStats()
	assert.Greater(t, stats.Goroutines, 0)
	assert.Greater(t, stats.Alloc, uint64(0))
	assert.Equal(t, float64(4), testutil.ToFloat64(pm.workerPoolSize))
	assert.Equal(t, float64(2), testutil.ToFloat64(pm.workerPoolActive))
	assert.Equal(t, float64(3), testutil.ToFloat64(pm.workerPoolQueueSize))
	assert.Equal(t, float64(5), testutil.ToFloat64(pm.scanRecords.WithLabelValues("completed")))
}

// TestPrometheusHandler 测试指标导出
func TestPrometheusHandler(t *testing.T) {
	pm := setupTestMetrics(t)
	pm.ReportGenerated(true)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics/prometheus", pm.Handler())

	req := httptest.NewRequest("GET", "/metrics/prometheus", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `test_reports_total{status="success"} 1`))
}

// TestTokenAuth 测试 token 校验
func TestTokenAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newRouter := func(token string) *gin.Engine {
		r := gin.New()
		r.POST("/api/upload", TokenAuth(token), func(c *gin.Context) {
			c.Status(http.StatusOK)
		})
		return r
	}

	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"disabled", "", "", http.StatusOK},
		{"missing header", "secret-token", "", http.StatusUnauthorized},
		{"malformed", "secret-token", "secret-token", http.StatusUnauthorized},
		{"wrong token", "secret-token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "secret-token", "Bearer secret-token", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/upload", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			newRouter(tt.token).ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
