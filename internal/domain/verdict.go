package domain

// VerdictKind 检测结论类型
type VerdictKind string

const (
	VerdictAdwareDetected   VerdictKind = "adware_detected"
	VerdictNoAdwareDetected VerdictKind = "no_adware_detected"
	VerdictAnalysisError    VerdictKind = "analysis_error"
)

// Severity 结论严重程度（前端配色）
type Severity string

const (
	SeverityDanger  Severity = "danger"
	SeverityWarning Severity = "warning"
	SeveritySuccess Severity = "success"
)

// Verdict 检测结论，生成后不可变
type Verdict struct {
	Kind       VerdictKind `json:"kind"`
	Confidence float64     `json:"confidence"`
}

// NewVerdict 创建结论，AnalysisError 的置信度固定为 0
func NewVerdict(kind VerdictKind, confidence float64) Verdict {
	if kind == VerdictAnalysisError {
		confidence = 0
	}
	return Verdict{Kind: kind, Confidence: confidence}
}

// AnalysisErrorVerdict 分析失败结论
func AnalysisErrorVerdict() Verdict {
	return Verdict{Kind: VerdictAnalysisError}
}

// IsAdware 是否需要生成报告
func (v Verdict) IsAdware() bool {
	return v.Kind == VerdictAdwareDetected
}

// Prediction 单次检测的展示文本
func (v Verdict) Prediction() string {
	switch v.Kind {
	case VerdictAdwareDetected:
		return "Adware Detected!"
	case VerdictNoAdwareDetected:
		return "No Adware Detected."
	default:
		return "Analysis Error"
	}
}

// FinalVerdict 最终结论文本
func (v Verdict) FinalVerdict() string {
	switch v.Kind {
	case VerdictAdwareDetected:
		return "Adware Detected!"
	case VerdictNoAdwareDetected:
		return "No Adware Detected"
	default:
		return "Analysis Error"
	}
}

// Severity 结论对应的严重程度
func (v Verdict) Severity() Severity {
	switch v.Kind {
	case VerdictAdwareDetected:
		return SeverityDanger
	case VerdictNoAdwareDetected:
		return SeveritySuccess
	default:
		return SeverityWarning
	}
}
