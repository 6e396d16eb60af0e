package domain

import (
	"time"
)

// ScanStatus 扫描状态
type ScanStatus string

const (
	ScanStatusInitializing          ScanStatus = "initializing"
	ScanStatusExtractingPermissions ScanStatus = "extracting_permissions"
	ScanStatusClassifying           ScanStatus = "classifying"
	ScanStatusGeneratingReport      ScanStatus = "generating_report"
	ScanStatusCompleted             ScanStatus = "completed"
	ScanStatusFailed                ScanStatus = "failed"
)

// 进度水位
const (
	ProgressInitializing     = 0
	ProgressExtracting       = 25
	ProgressClassifying      = 60
	ProgressGeneratingReport = 80
	ProgressDone             = 100
)

// IsTerminal 是否为终态
func (s ScanStatus) IsTerminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed
}

// allowedTransitions 状态迁移表（Failed 可由任意非终态进入）
var allowedTransitions = map[ScanStatus][]ScanStatus{
	ScanStatusInitializing:          {ScanStatusExtractingPermissions},
	ScanStatusExtractingPermissions: {ScanStatusClassifying},
	ScanStatusClassifying:           {ScanStatusGeneratingReport, ScanStatusCompleted},
	ScanStatusGeneratingReport:      {ScanStatusCompleted},
}

// CanTransitionTo 检查状态迁移是否合法
func (s ScanStatus) CanTransitionTo(next ScanStatus) bool {
	if s == next {
		return !s.IsTerminal()
	}
	if s.IsTerminal() {
		return false
	}
	if next == ScanStatusFailed {
		return true
	}
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Message 轮询端展示的状态文本
func (s ScanStatus) Message() string {
	switch s {
	case ScanStatusInitializing:
		return "Initializing..."
	case ScanStatusExtractingPermissions:
		return "Extracting Permissions..."
	case ScanStatusClassifying:
		return "Running Static Analysis..."
	case ScanStatusGeneratingReport:
		return "Generating PDF Report..."
	case ScanStatusCompleted:
		return "Completed"
	case ScanStatusFailed:
		return "Error"
	default:
		return string(s)
	}
}

// ScanRecord 扫描任务记录
// 只由 Store 持有，外部拿到的都是副本
type ScanRecord struct {
	ID          string     `json:"scan_id"`
	FileName    string     `json:"filename"`
	PackagePath string     `json:"-"`
	Status      ScanStatus `json:"status"`
	Progress    int        `json:"progress"`
	Verdict     *Verdict   `json:"verdict,omitempty"`
	Permissions []string   `json:"permissions,omitempty"`

	// 报告产物：本地路径始终记录，启用 MinIO 时额外记录 URL
	ReportPath string `json:"-"`
	ReportURL  string `json:"report_url,omitempty"`

	ErrorDetail string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewScanRecord 创建初始状态的扫描记录
func NewScanRecord(id, fileName, packagePath string, now time.Time) *ScanRecord {
	return &ScanRecord{
		ID:          id,
		FileName:    fileName,
		PackagePath: packagePath,
		Status:      ScanStatusInitializing,
		Progress:    ProgressInitializing,
		StartedAt:   now,
	}
}

// HasReport 是否已生成报告
func (r *ScanRecord) HasReport() bool {
	return r.ReportPath != ""
}

// StatusMessage 面向用户的状态文本
func (r *ScanRecord) StatusMessage() string {
	if r.Status == ScanStatusFailed && r.ErrorDetail != "" {
		return "Error: " + r.ErrorDetail
	}
	return r.Status.Message()
}

// Clone 深拷贝
func (r *ScanRecord) Clone() *ScanRecord {
	c := *r
	if r.Verdict != nil {
		v := *r.Verdict
		c.Verdict = &v
	}
	if r.Permissions != nil {
		c.Permissions = append([]string(nil), r.Permissions...)
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
