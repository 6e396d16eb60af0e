package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apk-analysis/apk-adware-scan/internal/domain"
	"github.com/apk-analysis/apk-adware-scan/internal/retry"
	"github.com/sirupsen/logrus"
)

// ScanMessage 扫描任务消息
type ScanMessage struct {
	ScanID      string    `json:"scan_id"`
	FileName    string    `json:"file_name"`
	PackagePath string    `json:"package_path"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Publisher 消息发布
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer 消息生产者
type Producer struct {
	publisher Publisher
	retryCfg  *retry.Config
	logger    *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(publisher Publisher, logger *logrus.Logger) *Producer {
	return &Producer{
		publisher: publisher,
		retryCfg:  retry.PublishConfig(logger),
		logger:    logger,
	}
}

// Dispatch 将扫描记录发布到队列
func (p *Producer) Dispatch(ctx context.Context, rec *domain.ScanRecord) error {
	msg := &ScanMessage{
		ScanID:      rec.ID,
		FileName:    rec.FileName,
		PackagePath: rec.PackagePath,
		SubmittedAt: rec.StartedAt,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = retry.Do(ctx, p.retryCfg, func(ctx context.Context) error {
		return p.publisher.Publish(ctx, body)
	})
	if err != nil {
		p.logger.WithError(err).WithField("scan_id", rec.ID).Error("Failed to publish scan")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"scan_id":   rec.ID,
		"file_name": rec.FileName,
	}).Info("Scan published to queue")

	return nil
}
