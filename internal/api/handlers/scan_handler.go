package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/apk-analysis/apk-adware-scan/internal/domain"
	"github.com/apk-analysis/apk-adware-scan/internal/report"
	"github.com/apk-analysis/apk-adware-scan/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// UploadRecorder 上传结果计数
type UploadRecorder interface {
	RecordUpload(result string)
}

type noopRecorder struct{}

func (noopRecorder) RecordUpload(string) {}

// UploadOptions 上传限制
type UploadOptions struct {
	Dir               string
	MaxBytes          int64
	AllowedExtensions []string
}

// ScanHandler 扫描处理器
type ScanHandler struct {
	scanService service.ScanService
	logger      *logrus.Logger
	metrics     UploadRecorder
	opts        UploadOptions
}

// NewScanHandler 创建扫描处理器实例，metrics 可为 nil
func NewScanHandler(scanService service.ScanService, opts UploadOptions, metrics UploadRecorder, logger *logrus.Logger) *ScanHandler {
	if metrics == nil {
		metrics = noopRecorder{}
	}
	if len(opts.AllowedExtensions) == 0 {
		opts.AllowedExtensions = []string{"apk"}
	}
	return &ScanHandler{
		scanService: scanService,
		logger:      logger,
		metrics:     metrics,
		opts:        opts,
	}
}

// UploadAPK 上传 APK 并提交扫描
// POST /api/upload
func (h *ScanHandler) UploadAPK(c *gin.Context) {
	if h.opts.MaxBytes > 0 {
		// multipart 头部留 1MB 余量
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxBytes+1<<20)
	}

	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.rejectTooLarge(c)
			return
		}
		h.metrics.RecordUpload("rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": "未提供上传文件"})
		return
	}

	if file.Filename == "" {
		h.metrics.RecordUpload("rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": "未选择文件"})
		return
	}

	if !h.allowed(file.Filename) {
		h.metrics.RecordUpload("rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": "只支持 APK 文件格式"})
		return
	}

	if h.opts.MaxBytes > 0 && file.Size > h.opts.MaxBytes {
		h.rejectTooLarge(c)
		return
	}

	if err := os.MkdirAll(h.opts.Dir, 0755); err != nil {
		h.logger.WithError(err).Error("Failed to create upload directory")
		h.metrics.RecordUpload("failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建上传目录失败"})
		return
	}

	filename := SanitizeFilename(file.Filename)
	destPath := uniquePath(h.opts.Dir, filename, time.Now())

	if err := c.SaveUploadedFile(file, destPath); err != nil {
		h.logger.WithError(err).WithField("file_name", filename).Error("Failed to save uploaded file")
		os.Remove(destPath)
		h.metrics.RecordUpload("failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "文件保存失败"})
		return
	}

	rec, err := h.scanService.Submit(c.Request.Context(), filename, destPath)
	if err != nil {
		h.metrics.RecordUpload("failed")
		if errors.Is(err, domain.ErrQueueFull) {
			resp := gin.H{"error": "扫描队列已满，请稍后重试"}
			if rec != nil {
				resp["scan_id"] = rec.ID
			}
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.metrics.RecordUpload("accepted")
	h.logger.WithFields(logrus.Fields{
		"scan_id":   rec.ID,
		"file_name": filename,
		"size":      file.Size,
		"path":      destPath,
	}).Info("APK uploaded, scan started")

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"scan_id":  rec.ID,
		"filename": rec.FileName,
	})
}

func (h *ScanHandler) rejectTooLarge(c *gin.Context) {
	h.metrics.RecordUpload("rejected")
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"error": fmt.Sprintf("文件大小超过限制 (最大 %dMB)", h.opts.MaxBytes>>20),
	})
}

func (h *ScanHandler) allowed(filename string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if ext == "" {
		return false
	}
	for _, allowed := range h.opts.AllowedExtensions {
		if ext == strings.ToLower(strings.TrimPrefix(allowed, ".")) {
			return true
		}
	}
	return false
}

// GetStatus 轮询扫描状态
// GET /api/status/:id
func (h *ScanHandler) GetStatus(c *gin.Context) {
	rec, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, StatusResponse(rec))
}

// GetResult 扫描结果，扫描未结束时返回 202 和当前快照
// GET /api/result/:id
func (h *ScanHandler) GetResult(c *gin.Context) {
	rec, ok := h.lookup(c)
	if !ok {
		return
	}

	if !rec.Status.IsTerminal() {
		c.JSON(http.StatusAccepted, StatusResponse(rec))
		return
	}

	resp := StatusResponse(rec)
	resp["permissions"] = rec.Permissions
	c.JSON(http.StatusOK, resp)
}

// GetRawResult 原始扫描记录
// GET /api/results/:id
func (h *ScanHandler) GetRawResult(c *gin.Context) {
	rec, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rec)
}

// DownloadReport 下载 PDF 报告，只返回扫描流程中已生成的文件
// GET /api/download-report/:id
func (h *ScanHandler) DownloadReport(c *gin.Context) {
	rec, ok := h.lookup(c)
	if !ok {
		return
	}

	path, err := h.scanService.ReportArtifact(c.Request.Context(), rec.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.FileAttachment(path, report.DownloadName(rec.FileName))
}

// ListScans 已归档的扫描历史
// GET /api/scans?limit=50
func (h *ScanHandler) ListScans(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 参数无效"})
		return
	}

	results, err := h.scanService.History(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scans": results,
		"total": len(results),
	})
}

// GetStats 扫描统计
// GET /api/stats
func (h *ScanHandler) GetStats(c *gin.Context) {
	stats, err := h.scanService.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *ScanHandler) lookup(c *gin.Context) (*domain.ScanRecord, bool) {
	rec, err := h.scanService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	return rec, true
}

// respondError 按哨兵错误映射 HTTP 状态码
func (h *ScanHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrScanNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "扫描记录不存在"})
	case errors.Is(err, domain.ErrReportUnavailable):
		c.JSON(http.StatusNotFound, gin.H{"error": "报告不可用"})
	case errors.Is(err, domain.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "扫描队列已满，请稍后重试"})
	default:
		h.logger.WithError(err).WithField("path", c.Request.URL.Path).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// StatusResponse 轮询端使用的快照结构
func StatusResponse(rec *domain.ScanRecord) gin.H {
	resp := gin.H{
		"scan_id":          rec.ID,
		"filename":         rec.FileName,
		"status":           rec.Status,
		"message":          rec.StatusMessage(),
		"progress":         rec.Progress,
		"permission_count": len(rec.Permissions),
		"report_available": rec.HasReport(),
		"started_at":       rec.StartedAt,
	}

	if rec.Verdict != nil {
		resp["verdict"] = rec.Verdict.Kind
		resp["prediction"] = rec.Verdict.Prediction()
		resp["confidence"] = rec.Verdict.Confidence
		resp["final_verdict"] = rec.Verdict.FinalVerdict()
		resp["severity"] = rec.Verdict.Severity()
	}
	if rec.ReportURL != "" {
		resp["report_url"] = rec.ReportURL
	}
	if rec.ErrorDetail != "" {
		resp["error"] = rec.ErrorDetail
	}
	if rec.CompletedAt != nil {
		resp["completed_at"] = rec.CompletedAt
	}

	return resp
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename 去掉目录部分和不安全字符
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeChars.ReplaceAllString(name, "")
	name = strings.TrimLeft(name, "._")
	if name == "" || strings.EqualFold(name, "apk") {
		return "package.apk"
	}
	return name
}

// uniquePath 生成 <时间戳>_<文件名>，同一秒内重名时追加序号
func uniquePath(dir, filename string, now time.Time) string {
	prefix := now.Format("20060102_150405")
	path := filepath.Join(dir, prefix+"_"+filename)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%d_%s", prefix, i, filename))
	}
}
