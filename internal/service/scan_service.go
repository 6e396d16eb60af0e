package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/apk-analysis/apk-adware-scan/internal/domain"
	"github.com/apk-analysis/apk-adware-scan/internal/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Dispatcher 把已创建的扫描记录交给执行端（本地协程池或消息队列）
type Dispatcher interface {
	Dispatch(ctx context.Context, rec *domain.ScanRecord) error
}

// ScanStats 扫描统计
type ScanStats struct {
	Total             int                          `json:"total"`
	Active            int                          `json:"active"`
	ByStatus          map[domain.ScanStatus]int    `json:"by_status"`
	ArchivedByVerdict map[domain.VerdictKind]int64 `json:"archived_by_verdict,omitempty"`
}

// ScanService 扫描服务接口
type ScanService interface {
	// 提交扫描，立即返回初始快照
	Submit(ctx context.Context, fileName, packagePath string) (*domain.ScanRecord, error)

	// 获取扫描快照
	Get(ctx context.Context, scanID string) (*domain.ScanRecord, error)

	// 获取报告文件路径，没有报告时返回 ErrReportUnavailable
	ReportArtifact(ctx context.Context, scanID string) (string, error)

	// 历史归档（未启用数据库时为空）
	History(ctx context.Context, limit int) ([]*domain.ScanResult, error)

	Stats(ctx context.Context) (*ScanStats, error)
}

type scanService struct {
	store      repository.ScanStore
	dispatcher Dispatcher
	archive    repository.ScanResultRepository
	logger     *logrus.Logger
	now        func() time.Time
}

// NewScanService 创建扫描服务实例，archive 可为 nil
func NewScanService(store repository.ScanStore, dispatcher Dispatcher, archive repository.ScanResultRepository, logger *logrus.Logger) ScanService {
	return &scanService{
		store:      store,
		dispatcher: dispatcher,
		archive:    archive,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *scanService) Submit(ctx context.Context, fileName, packagePath string) (*domain.ScanRecord, error) {
	rec := domain.NewScanRecord(uuid.New().String(), fileName, packagePath, s.now())

	if _, err := s.store.Create(ctx, rec); err != nil {
		s.logger.WithError(err).WithField("file_name", fileName).Error("Failed to create scan record")
		return nil, fmt.Errorf("创建扫描记录失败: %w", err)
	}

	if err := s.dispatcher.Dispatch(ctx, rec); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"scan_id":   rec.ID,
			"file_name": fileName,
		}).Error("Failed to dispatch scan")

		failed := s.markFailed(rec.ID, err)
		if errors.Is(err, domain.ErrQueueFull) {
			return failed, domain.ErrQueueFull
		}
		return failed, fmt.Errorf("提交扫描任务失败: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"scan_id":   rec.ID,
		"file_name": fileName,
	}).Info("Scan submitted")

	return rec, nil
}

// markFailed 投递失败的记录直接进入终态，轮询方不会看到一直停在 Initializing 的扫描
func (s *scanService) markFailed(scanID string, cause error) *domain.ScanRecord {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snapshot, err := s.store.Update(ctx, scanID, func(rec *domain.ScanRecord) error {
		rec.Status = domain.ScanStatusFailed
		rec.Progress = domain.ProgressDone
		rec.ErrorDetail = cause.Error()
		return nil
	})
	if err != nil {
		s.logger.WithError(err).WithField("scan_id", scanID).Error("Failed to mark undispatched scan as failed")
		return nil
	}

	if s.archive != nil {
		if result, err := domain.NewScanResult(snapshot); err == nil {
			if err := s.archive.Upsert(ctx, result); err != nil {
				s.logger.WithError(err).WithField("scan_id", scanID).Warn("Failed to archive scan result")
			}
		}
	}

	return snapshot
}

func (s *scanService) Get(ctx context.Context, scanID string) (*domain.ScanRecord, error) {
	rec, err := s.store.Get(ctx, scanID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *scanService) ReportArtifact(ctx context.Context, scanID string) (string, error) {
	rec, err := s.store.Get(ctx, scanID)
	if err != nil {
		return "", err
	}
	if !rec.HasReport() {
		return "", domain.ErrReportUnavailable
	}
	if _, err := os.Stat(rec.ReportPath); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"scan_id":     scanID,
			"report_path": rec.ReportPath,
		}).Warn("Report file recorded but missing on disk")
		return "", domain.ErrReportUnavailable
	}
	return rec.ReportPath, nil
}

func (s *scanService) History(ctx context.Context, limit int) ([]*domain.ScanResult, error) {
	if s.archive == nil {
		return []*domain.ScanResult{}, nil
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	results, err := s.archive.ListRecent(ctx, limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list scan history")
		return nil, fmt.Errorf("获取扫描历史失败: %w", err)
	}
	return results, nil
}

func (s *scanService) Stats(ctx context.Context) (*ScanStats, error) {
	counts, err := s.store.StatusCounts(ctx)
	if err != nil {
		return nil, err
	}

	stats := &ScanStats{ByStatus: counts}
	for status, n := range counts {
		stats.Total += n
		if !status.IsTerminal() {
			stats.Active += n
		}
	}

	if s.archive != nil {
		byVerdict, err := s.archive.CountByVerdict(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to count archived verdicts")
		} else {
			stats.ArchivedByVerdict = byVerdict
		}
	}

	return stats, nil
}
