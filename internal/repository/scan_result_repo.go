package repository

import (
	"context"

	"github.com/apk-analysis/apk-adware-scan/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ScanResultRepository 扫描结果归档 Repository
type ScanResultRepository interface {
	Upsert(ctx context.Context, result *domain.ScanResult) error
	FindByID(ctx context.Context, id string) (*domain.ScanResult, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.ScanResult, error)
	CountByVerdict(ctx context.Context) (map[domain.VerdictKind]int64, error)
}

type scanResultRepo struct {
	db *gorm.DB
}

// NewScanResultRepository 创建扫描结果归档 Repository
func NewScanResultRepository(db *gorm.DB) ScanResultRepository {
	return &scanResultRepo{db: db}
}

// Upsert 插入或更新归档记录
func (r *scanResultRepo) Upsert(ctx context.Context, result *domain.ScanResult) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "verdict", "confidence", "final_verdict", "severity",
				"permission_count", "permissions_json",
				"report_path", "report_url", "error_detail", "completed_at",
			}),
		}).
		Create(result).Error
}

func (r *scanResultRepo) FindByID(ctx context.Context, id string) (*domain.ScanResult, error) {
	var result domain.ScanResult
	err := r.db.WithContext(ctx).First(&result, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ListRecent 按完成时间倒序
func (r *scanResultRepo) ListRecent(ctx context.Context, limit int) ([]*domain.ScanResult, error) {
	var results []*domain.ScanResult
	err := r.db.WithContext(ctx).
		Omit("permissions_json").
		Order("completed_at DESC").
		Limit(limit).
		Find(&results).Error
	return results, err
}

// CountByVerdict 按结论聚合统计
func (r *scanResultRepo) CountByVerdict(ctx context.Context) (map[domain.VerdictKind]int64, error) {
	var rows []struct {
		Verdict domain.VerdictKind
		Count   int64
	}

	err := r.db.WithContext(ctx).
		Model(&domain.ScanResult{}).
		Select("verdict, COUNT(*) as count").
		Group("verdict").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.VerdictKind]int64, len(rows))
	for _, row := range rows {
		counts[row.Verdict] = row.Count
	}
	return counts, nil
}
