package domain

import (
	"encoding/json"
	"time"
)

// ScanResult 扫描结果归档表（仅保存终态记录）
type ScanResult struct {
	ID       string     `gorm:"primaryKey;type:varchar(36)" json:"scan_id"`
	FileName string     `gorm:"type:varchar(255);not null" json:"filename"`
	Status   ScanStatus `gorm:"type:varchar(30);not null;index:idx_status" json:"status"`

	// 检测结论
	Verdict      VerdictKind `gorm:"type:varchar(30)" json:"verdict,omitempty"`
	Confidence   float64     `gorm:"type:decimal(5,4);default:0" json:"confidence"`
	FinalVerdict string      `gorm:"type:varchar(50)" json:"final_verdict,omitempty"`
	Severity     Severity    `gorm:"type:varchar(20)" json:"severity,omitempty"`

	PermissionCount int    `gorm:"default:0" json:"permission_count"`
	PermissionsJSON string `gorm:"type:text" json:"permissions_json,omitempty"`

	ReportPath  string `gorm:"type:varchar(500)" json:"-"`
	ReportURL   string `gorm:"type:varchar(500)" json:"report_url,omitempty"`
	ErrorDetail string `gorm:"type:text" json:"error,omitempty"`

	StartedAt   time.Time  `gorm:"not null" json:"started_at"`
	CompletedAt *time.Time `gorm:"index:idx_completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (ScanResult) TableName() string {
	return "scan_results"
}

// NewScanResult 将终态记录转换为归档行
func NewScanResult(r *ScanRecord) (*ScanResult, error) {
	res := &ScanResult{
		ID:              r.ID,
		FileName:        r.FileName,
		Status:          r.Status,
		PermissionCount: len(r.Permissions),
		ReportPath:      r.ReportPath,
		ReportURL:       r.ReportURL,
		ErrorDetail:     r.ErrorDetail,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
	}

	if r.Verdict != nil {
		res.Verdict = r.Verdict.Kind
		res.Confidence = r.Verdict.Confidence
		res.FinalVerdict = r.Verdict.FinalVerdict()
		res.Severity = r.Verdict.Severity()
	}

	if len(r.Permissions) > 0 {
		data, err := json.Marshal(r.Permissions)
		if err != nil {
			return nil, err
		}
		res.PermissionsJSON = string(data)
	}

	return res, nil
}
