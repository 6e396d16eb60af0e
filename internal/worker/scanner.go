package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/apk-analysis/apk-adware-scan/internal/detection"
	"github.com/apk-analysis/apk-adware-scan/internal/domain"
	"github.com/apk-analysis/apk-adware-scan/internal/report"
	"github.com/apk-analysis/apk-adware-scan/internal/repository"
	"github.com/sirupsen/logrus"
)

// PermissionExtractor 权限提取
type PermissionExtractor interface {
	Available() bool
	Extract(ctx context.Context, apkPath string) ([]string, error)
}

// Classifier 权限分类
type Classifier interface {
	Analyze(permissions detection.PermissionSet) detection.Analysis
}

// ResultArchiver 终态记录归档
type ResultArchiver interface {
	Upsert(ctx context.Context, result *domain.ScanResult) error
}

// Metrics 扫描指标
type Metrics interface {
	ScanStarted()
	ScanFinished(status domain.ScanStatus, verdict domain.VerdictKind, duration time.Duration)
	StageObserved(stage domain.ScanStatus, duration time.Duration)
	ReportGenerated(success bool)
}

type noopMetrics struct{}

func (noopMetrics) ScanStarted()                                                      {}
func (noopMetrics) ScanFinished(domain.ScanStatus, domain.VerdictKind, time.Duration) {}
func (noopMetrics) StageObserved(domain.ScanStatus, time.Duration)                    {}
func (noopMetrics) ReportGenerated(bool)                                              {}

// Scanner 单个扫描任务的状态机
// 每个 scanID 只由一个 Scanner.Run 写入
type Scanner struct {
	store     repository.ScanStore
	extractor PermissionExtractor
	engine    Classifier
	reports   report.Generator
	archive   ResultArchiver
	metrics   Metrics
	logger    *logrus.Logger
}

// ScannerOption 可选依赖
type ScannerOption func(*Scanner)

// WithArchive 终态记录写入归档库
func WithArchive(archive ResultArchiver) ScannerOption {
	return func(s *Scanner) { s.archive = archive }
}

// WithMetrics 上报扫描指标
func WithMetrics(m Metrics) ScannerOption {
	return func(s *Scanner) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewScanner 创建扫描器
func NewScanner(
	store repository.ScanStore,
	extractor PermissionExtractor,
	engine Classifier,
	reports report.Generator,
	logger *logrus.Logger,
	opts ...ScannerOption,
) *Scanner {
	s := &Scanner{
		store:     store,
		extractor: extractor,
		engine:    engine,
		reports:   reports,
		metrics:   noopMetrics{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run 执行扫描直到终态
// 任何错误或 panic 都会把记录置为 Failed，返回值只用于日志
// 开始后不受调用方取消影响，提取超时仍由 extractor 控制
func (s *Scanner) Run(ctx context.Context, scanID string) (err error) {
	rec, err := s.store.Get(ctx, scanID)
	if err != nil {
		return err
	}
	// 重复投递时记录已是终态，不再执行
	if rec.Status.IsTerminal() {
		return fmt.Errorf("scan %s already %s: %w", scanID, rec.Status, domain.ErrScanTerminal)
	}
	ctx = context.WithoutCancel(ctx)

	startTime := time.Now()
	s.metrics.ScanStarted()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.WithFields(logrus.Fields{
				"scan_id": scanID,
				"stack":   string(debug.Stack()),
			}).Error("Scan worker panicked")
		}
		if err != nil {
			s.failScan(scanID, err)
		}
		s.finish(scanID, startTime)
	}()

	logger := s.logger.WithFields(logrus.Fields{
		"scan_id":   scanID,
		"file_name": rec.FileName,
	})
	logger.Info("Starting scan")

	// 1. 提取权限
	stageStart := time.Now()
	if _, err := s.advance(ctx, scanID, domain.ScanStatusExtractingPermissions, domain.ProgressExtracting, nil); err != nil {
		return err
	}

	permissions, extractErr := s.extract(ctx, rec.PackagePath)
	s.metrics.StageObserved(domain.ScanStatusExtractingPermissions, time.Since(stageStart))

	// 2. 分类，提取失败直接给出 AnalysisError 结论
	stageStart = time.Now()
	var verdict domain.Verdict
	if extractErr != nil {
		logger.WithError(extractErr).Warn("Permission extraction failed, reporting analysis error")
		verdict = domain.AnalysisErrorVerdict()
		permissions = nil
	} else {
		analysis := s.engine.Analyze(detection.NewPermissionSet(permissions))
		verdict = analysis.Verdict
		logger.WithFields(logrus.Fields{
			"permissions":     len(permissions),
			"monitored_count": analysis.MonitoredCount,
			"pattern_matches": analysis.PatternMatches,
			"matched_rules":   analysis.MatchedRules,
		}).Debug("Permission set analyzed")
	}

	_, err = s.advance(ctx, scanID, domain.ScanStatusClassifying, domain.ProgressClassifying, func(r *domain.ScanRecord) {
		r.Verdict = &verdict
		r.Permissions = permissions
	})
	if err != nil {
		return err
	}
	s.metrics.StageObserved(domain.ScanStatusClassifying, time.Since(stageStart))

	logger.WithFields(logrus.Fields{
		"verdict":    verdict.Kind,
		"confidence": verdict.Confidence,
	}).Info("Scan classified")

	// 3. 只有检测到广告软件才生成报告
	if !verdict.IsAdware() {
		return s.complete(ctx, scanID, nil)
	}

	stageStart = time.Now()
	snapshot, err := s.advance(ctx, scanID, domain.ScanStatusGeneratingReport, domain.ProgressGeneratingReport, nil)
	if err != nil {
		return err
	}

	artifact, reportErr := s.reports.Generate(ctx, snapshot)
	s.metrics.StageObserved(domain.ScanStatusGeneratingReport, time.Since(stageStart))
	s.metrics.ReportGenerated(reportErr == nil)
	if reportErr != nil {
		logger.WithError(reportErr).Warn("Report generation failed, completing without artifact")
		artifact = nil
	}

	return s.complete(ctx, scanID, artifact)
}

// extract 提取权限，空结果视为失败
func (s *Scanner) extract(ctx context.Context, apkPath string) ([]string, error) {
	if !s.extractor.Available() {
		return nil, domain.ErrAnalysisUnavailable
	}
	permissions, err := s.extractor.Extract(ctx, apkPath)
	if err != nil {
		return nil, err
	}
	if len(permissions) == 0 {
		return nil, domain.ErrExtractionFailed
	}
	return permissions, nil
}

// advance 迁移到下一个状态
func (s *Scanner) advance(ctx context.Context, scanID string, status domain.ScanStatus, progress int, fill func(*domain.ScanRecord)) (*domain.ScanRecord, error) {
	return s.store.Update(ctx, scanID, func(r *domain.ScanRecord) error {
		r.Status = status
		r.Progress = progress
		if fill != nil {
			fill(r)
		}
		return nil
	})
}

func (s *Scanner) complete(ctx context.Context, scanID string, artifact *report.Artifact) error {
	_, err := s.advance(ctx, scanID, domain.ScanStatusCompleted, domain.ProgressDone, func(r *domain.ScanRecord) {
		if artifact != nil {
			r.ReportPath = artifact.Path
			r.ReportURL = artifact.URL
		}
	})
	return err
}

// failScan 把记录置为 Failed
// 使用独立 context，调用方 context 取消后也要写入终态
func (s *Scanner) failScan(scanID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	detail := cause.Error()
	_, err := s.store.Update(ctx, scanID, func(r *domain.ScanRecord) error {
		r.Status = domain.ScanStatusFailed
		r.Progress = domain.ProgressDone
		r.ErrorDetail = detail
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrScanTerminal) {
		s.logger.WithError(err).WithField("scan_id", scanID).Error("Failed to mark scan as failed")
		return
	}

	s.logger.WithError(cause).WithField("scan_id", scanID).Error("Scan failed")
}

// finish 记录指标并归档终态记录
func (s *Scanner) finish(scanID string, startTime time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := s.store.Get(ctx, scanID)
	if err != nil {
		return
	}

	var kind domain.VerdictKind
	if rec.Verdict != nil {
		kind = rec.Verdict.Kind
	}
	s.metrics.ScanFinished(rec.Status, kind, time.Since(startTime))

	s.logger.WithFields(logrus.Fields{
		"scan_id":     scanID,
		"status":      rec.Status,
		"has_report":  rec.HasReport(),
		"duration_ms": time.Since(startTime).Milliseconds(),
	}).Info("Scan finished")

	if s.archive == nil || !rec.Status.IsTerminal() {
		return
	}

	row, err := domain.NewScanResult(rec)
	if err == nil {
		err = s.archive.Upsert(ctx, row)
	}
	if err != nil {
		s.logger.WithError(err).WithField("scan_id", scanID).Warn("Failed to archive scan result")
	}
}
