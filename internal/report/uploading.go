package report

import (
	"context"
	"path/filepath"

	"github.com/apk-analysis/apk-adware-scan/internal/domain"
	"github.com/apk-analysis/apk-adware-scan/internal/retry"
	"github.com/sirupsen/logrus"
)

// ObjectStore 报告对象存储
type ObjectStore interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}

// UploadingGenerator 生成报告后上传到对象存储
// 上传失败只记日志，本地报告仍然可用
type UploadingGenerator struct {
	next     Generator
	store    ObjectStore
	retryCfg *retry.Config
	logger   *logrus.Logger
}

// NewUploadingGenerator 包装一个生成器
func NewUploadingGenerator(next Generator, store ObjectStore, retryCfg *retry.Config, logger *logrus.Logger) *UploadingGenerator {
	if retryCfg == nil {
		retryCfg = retry.UploadConfig(logger)
	}
	return &UploadingGenerator{
		next:     next,
		store:    store,
		retryCfg: retryCfg,
		logger:   logger,
	}
}

func (g *UploadingGenerator) Generate(ctx context.Context, rec *domain.ScanRecord) (*Artifact, error) {
	artifact, err := g.next.Generate(ctx, rec)
	if err != nil {
		return nil, err
	}

	key := "reports/" + filepath.Base(artifact.Path)
	url, err := retry.DoWithResult(ctx, g.retryCfg, func(ctx context.Context) (string, error) {
		return g.store.Upload(ctx, artifact.Path, key)
	})
	if err != nil {
		g.logger.WithError(err).WithField("scan_id", rec.ID).Warn("Failed to upload report, keeping local copy only")
		return artifact, nil
	}

	artifact.URL = url
	return artifact, nil
}
