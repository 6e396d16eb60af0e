package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/apk-analysis/apk-adware-scan/internal/domain"
	"github.com/apk-analysis/apk-adware-scan/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeWait = 5 * time.Second

// ScanStreamHandler 通过 WebSocket 推送扫描进度
type ScanStreamHandler struct {
	scanService service.ScanService
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	interval    time.Duration
}

// NewScanStreamHandler 创建进度推送处理器，interval 为轮询 Store 的间隔
func NewScanStreamHandler(scanService service.ScanService, interval time.Duration, logger *logrus.Logger) *ScanStreamHandler {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &ScanStreamHandler{
		scanService: scanService,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		interval: interval,
	}
}

// HandleWebSocket 推送快照直到扫描进入终态
// GET /ws/scans/:id
func (h *ScanStreamHandler) HandleWebSocket(c *gin.Context) {
	scanID := c.Param("id")

	rec, err := h.scanService.Get(c.Request.Context(), scanID)
	if err != nil {
		if errors.Is(err, domain.ErrScanNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "扫描记录不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	h.logger.WithField("scan_id", scanID).Info("WebSocket client connected")

	// 客户端断开时结束推送
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.WithError(err).Debug("WebSocket read error")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var lastStatus domain.ScanStatus
	lastProgress := -1

	for {
		if rec.Status != lastStatus || rec.Progress != lastProgress {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(StatusResponse(rec)); err != nil {
				h.logger.WithError(err).WithField("scan_id", scanID).Warn("Failed to write to WebSocket client")
				return
			}
			lastStatus, lastProgress = rec.Status, rec.Progress
		}

		if rec.Status.IsTerminal() {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(rec.Status)))
			h.logger.WithField("scan_id", scanID).Info("WebSocket stream finished")
			return
		}

		select {
		case <-closed:
			h.logger.WithField("scan_id", scanID).Info("WebSocket client disconnected")
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}

		rec, err = h.scanService.Get(c.Request.Context(), scanID)
		if err != nil {
			h.logger.WithError(err).WithField("scan_id", scanID).Warn("Scan disappeared during stream")
			return
		}
	}
}
